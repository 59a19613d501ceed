package api

import (
	"context"
	"net/http"

	"polymarket-copytrade/models"

	"github.com/shopspring/decimal"
)

// OrderRequest describes one order to place on behalf of an account.
// IntentKey seeds the order salt, so the same request always hashes to the
// same exchange order id.
type OrderRequest struct {
	IntentKey string
	Account   models.Account
	TokenID   string
	Side      models.Side
	Price     float64
	Size      float64
	OrderType models.OrderType
	NegRisk   bool
}

// Exchange order states as reported by the CLOB
const (
	StatusMatched   = "matched"
	StatusLive      = "live"
	StatusDelayed   = "delayed"
	StatusUnmatched = "unmatched"
	StatusCanceled  = "canceled"
)

// OrderResult is the normalized view of an exchange order.
type OrderResult struct {
	OrderID      string
	Status       string
	OriginalSize float64
	FilledSize   float64
	AvgFillPrice float64
}

// FillStatus classifies the order against the size that was requested.
func (r *OrderResult) FillStatus(requested float64) models.OrderStatus {
	size := r.OriginalSize
	if size <= 0 {
		size = requested
	}
	switch {
	case r.FilledSize > 0 && r.FilledSize >= size-1e-6:
		return models.OrderFilled
	case r.FilledSize > 0:
		return models.OrderPartiallyFilled
	case r.Status == StatusLive || r.Status == StatusDelayed:
		return models.OrderSubmitted
	}
	return models.OrderRejected
}

// Position is what a wallet holds in one market outcome.
type Position struct {
	Held bool
	Size float64
}

// Exchange is the only path to the order API.
type Exchange interface {
	// OrderHash returns the id CreateOrder will produce for req.
	OrderHash(req OrderRequest) (string, error)
	CreateOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	// FindOrder looks up the order req would create. nil, nil when the exchange never saw it.
	FindOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	GetOrder(ctx context.Context, acct models.Account, orderID string) (*OrderResult, error)
	PositionSource
}

// PositionSource answers whether a wallet still holds a position.
type PositionSource interface {
	GetPosition(ctx context.Context, wallet, marketID, outcome string) (*Position, error)
}

// CollateralSource reports a wallet's spendable USDC on the exchange.
type CollateralSource interface {
	GetCollateralBalance(ctx context.Context, acct models.Account) (decimal.Decimal, error)
}

// OrderPayload is handed to the signer: the unsigned order and its EIP-712 digest.
type OrderPayload struct {
	Order  *Order
	Digest []byte
}

// Signer signs on behalf of custodial accounts without exposing key material.
type Signer interface {
	SignOrder(ctx context.Context, payload OrderPayload, credentialsRef string) (string, error)
	// Owner returns the API key that owns orders placed with these credentials.
	Owner(ctx context.Context, credentialsRef string) (string, error)
	AuthHeaders(ctx context.Context, credentialsRef, method, path string, body []byte) (http.Header, error)
}

// MarketSnapshot is one market's outcome prices at a point in time.
// Resolved and WinningOutcome are nil when the source did not say.
type MarketSnapshot struct {
	MarketID       string
	Prices         map[string]float64
	Resolved       *bool
	WinningOutcome *string
}

// PriceOf returns the price of outcome, matched case-insensitively.
func (m *MarketSnapshot) PriceOf(outcome string) (float64, bool) {
	if p, ok := m.Prices[outcome]; ok {
		return p, true
	}
	for k, p := range m.Prices {
		if equalFold(k, outcome) {
			return p, true
		}
	}
	return 0, false
}

// MarketData provides outcome prices for markets.
type MarketData interface {
	GetOutcomePrices(ctx context.Context, marketID string) (*MarketSnapshot, error)
}
