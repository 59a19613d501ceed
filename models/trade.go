package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LifecycleState of a copied trade
type LifecycleState string

const (
	StateOpen         LifecycleState = "open"
	StateTraderClosed LifecycleState = "trader_closed"
	StateUserClosed   LifecycleState = "user_closed"
	StateResolved     LifecycleState = "resolved"
)

var transitions = map[LifecycleState][]LifecycleState{
	StateOpen:         {StateTraderClosed, StateUserClosed, StateResolved},
	StateTraderClosed: {StateUserClosed, StateResolved},
	StateUserClosed:   {StateResolved},
	StateResolved:     nil,
}

// CanTransition reports whether from -> to moves forward in the lifecycle.
// Staying in place is always allowed.
func CanTransition(from, to LifecycleState) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether automated updates must leave the record alone.
func (s LifecycleState) Terminal() bool { return s == StateResolved }

// Valid reports whether s is a known state.
func (s LifecycleState) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// OrderStatus of the exchange order behind a trade
type OrderStatus string

const (
	OrderSubmitted       OrderStatus = "submitted"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderRejected        OrderStatus = "rejected"
)

// Settled reports whether fills can no longer change.
func (s OrderStatus) Settled() bool { return s == OrderFilled || s == OrderRejected }

// EventKind of a lifecycle notification
type EventKind string

const (
	EventClosed   EventKind = "closed"
	EventResolved EventKind = "resolved"
)

// TradeRecord is the canonical row for one accepted copy trade.
type TradeRecord struct {
	TradeID            string         `json:"trade_id"`
	CopyUserID         string         `json:"copy_user_id"`
	CopiedTraderWallet string         `json:"copied_trader_wallet"`
	MarketID           string         `json:"market_id"`
	Outcome            string         `json:"outcome"`
	TokenID            string         `json:"token_id"`
	Side               Side           `json:"side"`
	IntentID           string         `json:"intent_id"`
	OrderID            string         `json:"order_id,omitempty"`
	OrderStatus        OrderStatus    `json:"order_status"`
	TradeMethod        TradeMethod    `json:"trade_method"`
	RequestedUSD       float64        `json:"requested_usd"`
	EntryPrice         *float64       `json:"entry_price"`
	FilledSize         *float64       `json:"filled_size"`
	InvestedUSD        float64        `json:"invested_usd"`
	LifecycleState     LifecycleState `json:"lifecycle_state"`
	CurrentPrice       *float64       `json:"current_price"`
	ExitPrice          *float64       `json:"exit_price"`
	ROIPct             *float64       `json:"roi_pct"`
	TraderClosedAt     *time.Time     `json:"trader_closed_at"`
	UserClosedAt       *time.Time     `json:"user_closed_at"`
	MarketResolvedAt   *time.Time     `json:"market_resolved_at"`
	ResolvedOutcome    *string        `json:"resolved_outcome"`

	NotificationClosedSent   bool `json:"notification_closed_sent"`
	NotificationResolvedSent bool `json:"notification_resolved_sent"`

	LastCheckedAt *time.Time `json:"last_checked_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate without aliasing stored pointers.
func (t *TradeRecord) Clone() *TradeRecord {
	c := *t
	c.EntryPrice = cloneF(t.EntryPrice)
	c.FilledSize = cloneF(t.FilledSize)
	c.CurrentPrice = cloneF(t.CurrentPrice)
	c.ExitPrice = cloneF(t.ExitPrice)
	c.ROIPct = cloneF(t.ROIPct)
	c.TraderClosedAt = cloneT(t.TraderClosedAt)
	c.UserClosedAt = cloneT(t.UserClosedAt)
	c.MarketResolvedAt = cloneT(t.MarketResolvedAt)
	c.LastCheckedAt = cloneT(t.LastCheckedAt)
	if t.ResolvedOutcome != nil {
		s := *t.ResolvedOutcome
		c.ResolvedOutcome = &s
	}
	return &c
}

// ApplyFill sets entry price, filled size and the invested amount from
// executed fills. Without fill data the requested amount is kept.
func (t *TradeRecord) ApplyFill(avgPrice, size float64) {
	if avgPrice <= 0 || size <= 0 {
		t.InvestedUSD = t.RequestedUSD
		return
	}
	t.EntryPrice = Float(avgPrice)
	t.FilledSize = Float(size)
	t.InvestedUSD = decimal.NewFromFloat(avgPrice).Mul(decimal.NewFromFloat(size)).Round(6).InexactFloat64()
}

// NotificationSent returns the persisted flag for kind.
func (t *TradeRecord) NotificationSent(kind EventKind) bool {
	if kind == EventResolved {
		return t.NotificationResolvedSent
	}
	return t.NotificationClosedSent
}

// Account is a user's custodial trading account and balance record.
type Account struct {
	UserID         string          `json:"user_id"`
	WalletAddress  string          `json:"wallet_address"`
	SignerAddress  string          `json:"signer_address"`
	SignatureType  int             `json:"signature_type"`
	CredentialsRef string          `json:"-"`
	AvailableUSD   decimal.Decimal `json:"available_usd"`
	ReservedUSD    decimal.Decimal `json:"reserved_usd"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Spendable is available minus what in-flight intents hold.
func (a *Account) Spendable() decimal.Decimal {
	return a.AvailableUSD.Sub(a.ReservedUSD)
}

// SubmitResult is what submitCopyOrder hands back to callers.
type SubmitResult struct {
	IntentID  string       `json:"intent_id"`
	KeySource KeySource    `json:"key_source"`
	TradeID   string       `json:"trade_id"`
	OrderID   string       `json:"order_id"`
	Status    OrderStatus  `json:"status"`
	Duplicate bool         `json:"duplicate"`
	Trade     *TradeRecord `json:"trade,omitempty"`
}

// Float returns a pointer to f.
func Float(f float64) *float64 { return &f }

// Time returns a pointer to t.
func Time(t time.Time) *time.Time { return &t }

// String returns a pointer to s.
func String(s string) *string { return &s }

func cloneF(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func cloneT(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
