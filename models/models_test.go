package models

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validIntent() *OrderIntent {
	return &OrderIntent{
		Key:                ClientKey("k-1"),
		UserID:             "u1",
		TokenID:            "token",
		MarketID:           "0xmarket",
		Outcome:            "Yes",
		CopiedTraderWallet: "0xtrader",
		Side:               SideBuy,
		Price:              0.5,
		Size:               10,
		OrderType:          OrderTypeFAK,
		TradeMethod:        TradeMethodQuick,
	}
}

func TestOrderIntent_Validate(t *testing.T) {
	require.NoError(t, validIntent().Validate())

	tests := []struct {
		name   string
		mutate func(*OrderIntent)
	}{
		{"empty key", func(o *OrderIntent) { o.Key = IntentKey{} }},
		{"no user", func(o *OrderIntent) { o.UserID = "" }},
		{"no trader", func(o *OrderIntent) { o.CopiedTraderWallet = "" }},
		{"bad side", func(o *OrderIntent) { o.Side = "HOLD" }},
		{"bad order type", func(o *OrderIntent) { o.OrderType = "IOC" }},
		{"bad method", func(o *OrderIntent) { o.TradeMethod = "bot" }},
		{"price zero", func(o *OrderIntent) { o.Price = 0 }},
		{"price one", func(o *OrderIntent) { o.Price = 1 }},
		{"price NaN", func(o *OrderIntent) { o.Price = math.NaN() }},
		{"no amount", func(o *OrderIntent) { o.Size = 0 }},
		{"both amounts", func(o *OrderIntent) { o.USDAmount = 5 }},
		{"negative size", func(o *OrderIntent) { o.Size = -1 }},
		{"slippage too wide", func(o *OrderIntent) { o.SlippageToleranceBps = 10000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := validIntent()
			tt.mutate(o)
			err := o.Validate()
			assert.True(t, errors.Is(err, ErrValidation), "got %v", err)
		})
	}
}

func TestResolveIntentKey(t *testing.T) {
	k := ResolveIntentKey("  abc ")
	assert.Equal(t, IntentKey{Value: "abc", Source: KeySourceClient}, k)

	a, b := ResolveIntentKey(""), ResolveIntentKey("   ")
	assert.Equal(t, KeySourceServer, a.Source)
	assert.NotEmpty(t, a.Value)
	assert.NotEqual(t, a.Value, b.Value)
}

func TestOrderIntent_Pricing(t *testing.T) {
	o := validIntent()
	o.SlippageToleranceBps = 200
	assert.InDelta(t, 0.51, o.LimitPrice(), 1e-9)
	assert.Equal(t, "5.1", o.CostEstimate().String())

	o.Side = SideSell
	assert.InDelta(t, 0.49, o.LimitPrice(), 1e-9)
	assert.True(t, o.CostEstimate().IsZero())

	o = validIntent()
	o.Price = 0.985
	o.SlippageToleranceBps = 500
	assert.Equal(t, MaxPrice, o.LimitPrice())

	o = validIntent()
	o.Size = 0
	o.USDAmount = 20
	assert.InDelta(t, 40, o.RequestedSize(), 1e-9)
	assert.InDelta(t, 20, o.RequestedUSD(), 1e-9)
}

func TestIdempotencyRecord_Reclaimable(t *testing.T) {
	now := time.Now()
	rec := IdempotencyRecord{Status: IntentPending, ExpiresAt: now.Add(-time.Minute)}
	assert.False(t, rec.Reclaimable(now), "pending is never reclaimed")

	rec = IdempotencyRecord{Status: IntentFailed, Retryable: true, ExpiresAt: now.Add(time.Hour)}
	assert.True(t, rec.Reclaimable(now))

	rec = IdempotencyRecord{Status: IntentFailed, ExpiresAt: now.Add(time.Hour)}
	assert.False(t, rec.Reclaimable(now))
	assert.True(t, rec.Reclaimable(now.Add(time.Hour)))

	rec = IdempotencyRecord{Status: IntentCompleted, ExpiresAt: now.Add(time.Hour)}
	assert.False(t, rec.Reclaimable(now))
	assert.False(t, rec.Reclaimable(now.Add(2*time.Hour)), "completed is never reclaimed")
	assert.Nil(t, rec.FailureError())
}

func TestIdempotencyRecord_FailureError(t *testing.T) {
	rec := IdempotencyRecord{Status: IntentFailed, FailureKind: KindExchangeRejected, FailureReason: "insufficient_liquidity"}
	err := rec.FailureError()
	assert.True(t, errors.Is(err, ErrExchangeRejected))
	assert.Equal(t, "insufficient_liquidity", ReasonOf(err))
	assert.Contains(t, PublicMessage(err), "liquidity")
}

func TestErrors(t *testing.T) {
	wrapped := fmt.Errorf("submit: %w", NewError(KindTimeout, "deadline", errors.New("context deadline exceeded")))
	assert.Equal(t, KindTimeout, KindOf(wrapped))
	assert.Equal(t, "deadline", ReasonOf(wrapped))
	assert.True(t, errors.Is(wrapped, ErrTimeout))
	assert.True(t, errors.Is(wrapped, &CopyError{Kind: KindTimeout, Reason: "deadline"}))
	assert.False(t, errors.Is(wrapped, &CopyError{Kind: KindTimeout, Reason: "other"}))

	internal := Internal("db exploded: %s", "password=hunter2")
	assert.NotContains(t, PublicMessage(internal), "hunter2")
	assert.Equal(t, KindInternal, KindOf(errors.New("foreign")))

	assert.True(t, KindNetwork.Retryable())
	assert.True(t, KindTimeout.Retryable())
	assert.False(t, KindInsufficientBalance.Retryable())
	assert.False(t, KindExchangeRejected.Retryable())
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StateOpen, StateTraderClosed))
	assert.True(t, CanTransition(StateTraderClosed, StateUserClosed))
	assert.True(t, CanTransition(StateUserClosed, StateResolved))
	assert.True(t, CanTransition(StateResolved, StateResolved))
	assert.False(t, CanTransition(StateTraderClosed, StateOpen))
	assert.False(t, CanTransition(StateResolved, StateOpen))
	assert.False(t, CanTransition(StateUserClosed, StateTraderClosed))
}

func TestTradeRecord_ApplyFill(t *testing.T) {
	tr := &TradeRecord{RequestedUSD: 5}
	tr.ApplyFill(0, 0)
	assert.Nil(t, tr.EntryPrice)
	assert.Equal(t, 5.0, tr.InvestedUSD)

	tr.ApplyFill(0.71, 1)
	assert.Equal(t, 0.71, tr.InvestedUSD)
	assert.Equal(t, 0.71, *tr.EntryPrice)

	c := tr.Clone()
	*c.EntryPrice = 0.9
	assert.Equal(t, 0.71, *tr.EntryPrice)
}
