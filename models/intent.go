package models

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side of an order
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType controls how long an order may rest on the book
type OrderType string

const (
	OrderTypeFAK OrderType = "FAK" // Fill-And-Kill: take what is available, cancel the rest
	OrderTypeGTC OrderType = "GTC" // Good-Til-Cancelled (limit order)
)

// TradeMethod records how the copy was initiated
type TradeMethod string

const (
	TradeMethodManual TradeMethod = "manual"
	TradeMethodQuick  TradeMethod = "quick"
	TradeMethodAuto   TradeMethod = "auto"
)

// KeySource tells where an intent key came from. Client keys dedupe across
// requests; server keys only protect retries inside a single call.
type KeySource string

const (
	KeySourceClient KeySource = "client"
	KeySourceServer KeySource = "server"
)

// IntentKey is the idempotency token of an OrderIntent
type IntentKey struct {
	Value  string    `json:"value"`
	Source KeySource `json:"source"`
}

// ClientKey wraps a caller-supplied idempotency token.
func ClientKey(v string) IntentKey {
	return IntentKey{Value: strings.TrimSpace(v), Source: KeySourceClient}
}

// NewServerKey generates a fresh key for callers that did not send one.
func NewServerKey() IntentKey {
	return IntentKey{Value: uuid.NewString(), Source: KeySourceServer}
}

// ResolveIntentKey returns the client key when one was sent, otherwise a server key.
func ResolveIntentKey(clientValue string) IntentKey {
	if strings.TrimSpace(clientValue) != "" {
		return ClientKey(clientValue)
	}
	return NewServerKey()
}

const maxIntentKeyLen = 128

// OrderIntent is a request to place one copy order. It is immutable once accepted.
type OrderIntent struct {
	Key                  IntentKey   `json:"intent_key"`
	UserID               string      `json:"user_id"`
	TokenID              string      `json:"token_id"`
	MarketID             string      `json:"market_id"`
	Outcome              string      `json:"outcome"`
	CopiedTraderWallet   string      `json:"copied_trader_wallet"`
	Side                 Side        `json:"side"`
	Price                float64     `json:"price"`
	Size                 float64     `json:"size,omitempty"`
	USDAmount            float64     `json:"usd_amount,omitempty"`
	OrderType            OrderType   `json:"order_type"`
	SlippageToleranceBps int         `json:"slippage_tolerance_bps"`
	TradeMethod          TradeMethod `json:"trade_method"`
	NegRisk              bool        `json:"neg_risk"`
}

// Validate checks an intent before it is allowed anywhere near the ledger.
func (o *OrderIntent) Validate() error {
	switch {
	case o.Key.Value == "":
		return NewValidationError("intent key is required")
	case len(o.Key.Value) > maxIntentKeyLen:
		return NewValidationError("intent key is too long")
	case o.UserID == "":
		return NewValidationError("user id is required")
	case o.TokenID == "":
		return NewValidationError("token id is required")
	case o.MarketID == "":
		return NewValidationError("market id is required")
	case o.Outcome == "":
		return NewValidationError("outcome is required")
	case o.CopiedTraderWallet == "":
		return NewValidationError("copied trader wallet is required")
	}
	if o.Side != SideBuy && o.Side != SideSell {
		return NewValidationError("side must be BUY or SELL")
	}
	if o.OrderType != OrderTypeFAK && o.OrderType != OrderTypeGTC {
		return NewValidationError("order type must be FAK or GTC")
	}
	switch o.TradeMethod {
	case TradeMethodManual, TradeMethodQuick, TradeMethodAuto:
	default:
		return NewValidationError("trade method must be manual, quick or auto")
	}
	if !finite(o.Price) || o.Price <= 0 || o.Price >= 1 {
		return NewValidationError("price must be between 0 and 1")
	}
	if !finite(o.Size) || !finite(o.USDAmount) || o.Size < 0 || o.USDAmount < 0 {
		return NewValidationError("size and usd amount must be positive")
	}
	if (o.Size > 0) == (o.USDAmount > 0) {
		return NewValidationError("exactly one of size or usd amount must be set")
	}
	if o.SlippageToleranceBps < 0 || o.SlippageToleranceBps >= 10000 {
		return NewValidationError("slippage tolerance must be between 0 and 9999 bps")
	}
	return nil
}

// RequestedSize is the share count the user asked for.
func (o *OrderIntent) RequestedSize() float64 {
	if o.Size > 0 {
		return o.Size
	}
	return o.USDAmount / o.Price
}

// RequestedUSD is the dollar amount the user asked for.
func (o *OrderIntent) RequestedUSD() float64 {
	if o.USDAmount > 0 {
		return o.USDAmount
	}
	return o.Size * o.Price
}

// LimitPrice applies the slippage tolerance in the adverse direction and
// clamps to the exchange's valid price range.
func (o *OrderIntent) LimitPrice() float64 {
	slip := float64(o.SlippageToleranceBps) / 10000
	p := o.Price
	if o.Side == SideBuy {
		p = o.Price * (1 + slip)
	} else {
		p = o.Price * (1 - slip)
	}
	return math.Min(math.Max(p, MinPrice), MaxPrice)
}

// CostEstimate is the most the order can spend: limit price times size for
// BUY orders. SELL orders spend shares, not collateral.
func (o *OrderIntent) CostEstimate() decimal.Decimal {
	if o.Side == SideSell {
		return decimal.Zero
	}
	cost := decimal.NewFromFloat(o.LimitPrice()).Mul(decimal.NewFromFloat(o.RequestedSize()))
	return cost.Round(6)
}

// Price bounds accepted by the exchange (tick 0.01)
const (
	MinPrice = 0.01
	MaxPrice = 0.99
)

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// IntentStatus is the ledger state of an intent
type IntentStatus string

const (
	IntentPending   IntentStatus = "pending"
	IntentCompleted IntentStatus = "completed"
	IntentFailed    IntentStatus = "failed"
)

// IdempotencyRecord is the one row per accepted (user, intent) pair.
type IdempotencyRecord struct {
	IntentID      string          `json:"intent_id"`
	UserID        string          `json:"user_id"`
	KeySource     KeySource       `json:"key_source"`
	Status        IntentStatus    `json:"status"`
	ResultOrderID string          `json:"result_order_id,omitempty"`
	TradeID       string          `json:"trade_id,omitempty"`
	CostEstimate  decimal.Decimal `json:"cost_estimate"`
	Attempts      int             `json:"attempts"`
	FailureKind   ErrorKind       `json:"failure_kind,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	Retryable     bool            `json:"retryable"`
	Payload       *OrderIntent    `json:"payload,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
}

// Expired reports whether the record can be reclaimed or collected.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Reclaimable reports whether a new submission may take over this record.
// Only failed records qualify. A completed record keeps answering as a
// duplicate until the janitor collects it, since its order already exists.
func (r *IdempotencyRecord) Reclaimable(now time.Time) bool {
	if r.Status != IntentFailed {
		return false
	}
	return r.Retryable || r.Expired(now)
}

// FailureError rebuilds the stored failure so duplicates see the same error.
func (r *IdempotencyRecord) FailureError() error {
	if r.Status != IntentFailed {
		return nil
	}
	return &CopyError{Kind: r.FailureKind, Reason: r.FailureReason, Message: userMessage(r.FailureKind, r.FailureReason)}
}
