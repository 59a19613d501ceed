package storage

import (
	"context"
	"time"

	"polymarket-copytrade/models"

	"github.com/shopspring/decimal"
)

// ReserveOutcome tells the caller what ReserveIntent did.
type ReserveOutcome int

const (
	// Reserved means a fresh pending record now holds the cost estimate.
	Reserved ReserveOutcome = iota
	// Duplicate means a live record already exists for the key.
	Duplicate
	// Insufficient means the record was created and failed on the balance check.
	Insufficient
)

func (o ReserveOutcome) String() string {
	switch o {
	case Reserved:
		return "reserved"
	case Duplicate:
		return "duplicate"
	case Insufficient:
		return "insufficient"
	}
	return "unknown"
}

// ReserveRequest is the input of the atomic ledger insert + balance check.
type ReserveRequest struct {
	UserID       string
	IntentID     string
	KeySource    models.KeySource
	CostEstimate decimal.Decimal
	Payload      *models.OrderIntent
	Now          time.Time
	TTL          time.Duration
}

// ReserveResult carries the record as it stands after the reservation.
type ReserveResult struct {
	Outcome ReserveOutcome
	Record  *models.IdempotencyRecord
}

// CompleteRequest finishes a pending intent with its trade.
type CompleteRequest struct {
	UserID   string
	IntentID string
	OrderID  string
	Trade    *models.TradeRecord
	Spend    decimal.Decimal
	Now      time.Time
}

// FailRequest records a terminal or retryable failure for a pending intent.
type FailRequest struct {
	UserID    string
	IntentID  string
	Kind      models.ErrorKind
	Reason    string
	Retryable bool
	Now       time.Time
}

// DataStore defines the interface for storage backends
type DataStore interface {
	Close() error
	Ping(ctx context.Context) error

	// Accounts and balances
	GetAccount(ctx context.Context, userID string) (*models.Account, error)
	UpsertAccount(ctx context.Context, acct models.Account) error
	ListAccounts(ctx context.Context) ([]models.Account, error)
	// RefreshAvailableBalance replaces available with the exchange figure only
	// while the account is quiet: available still equals observed, nothing is
	// reserved and no intent is pending. applied is false otherwise.
	RefreshAvailableBalance(ctx context.Context, userID string, observed, available decimal.Decimal) (applied bool, err error)

	// Encrypted custodial credential blobs, addressed by credentials ref
	GetCredentialBlob(ctx context.Context, ref string) (string, error)
	PutCredentialBlob(ctx context.Context, ref, blob string) error

	// Idempotency ledger
	ReserveIntent(ctx context.Context, req ReserveRequest) (*ReserveResult, error)
	GetIntent(ctx context.Context, userID, intentID string) (*models.IdempotencyRecord, error)
	RecordIntentAttempt(ctx context.Context, userID, intentID, orderID string) error
	CompleteIntent(ctx context.Context, req CompleteRequest) error
	FailIntent(ctx context.Context, req FailRequest) error
	ListStalePendingIntents(ctx context.Context, olderThan time.Time, limit int) ([]models.IdempotencyRecord, error)
	DeleteExpiredIntents(ctx context.Context, now time.Time) (int64, error)

	// Trade records
	GetTrade(ctx context.Context, tradeID string) (*models.TradeRecord, error)
	ListTrackableTrades(ctx context.Context, limit int) ([]models.TradeRecord, error)
	UpdateTrade(ctx context.Context, rec *models.TradeRecord, expected models.LifecycleState) error
	MarkNotificationSent(ctx context.Context, tradeID string, kind models.EventKind) error
}

// Ensure all implementations satisfy the interface
var _ DataStore = (*Store)(nil)
var _ DataStore = (*PostgresStore)(nil)
var _ DataStore = (*MemoryStore)(nil)
