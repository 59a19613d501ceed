package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"polymarket-copytrade/api"
	"polymarket-copytrade/config"
	"polymarket-copytrade/models"
	"polymarket-copytrade/storage"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testUser = "user-1"

type fixture struct {
	svc   *Service
	store *storage.MemoryStore
	ex    *api.MockExchange
}

func newFixture(t *testing.T, balance int64) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Submission.BackoffMinMS = 1
	cfg.Submission.BackoffMaxMS = 5
	cfg.Submission.DuplicateWaitMS = 2000
	cfg.Submission.DuplicatePollMS = 5
	cfg.Submission.CallTimeoutMS = 1000
	cfg.Lifecycle.LockTTLSec = 1

	store := storage.NewMemoryStore()
	require.NoError(t, store.UpsertAccount(context.Background(), models.Account{
		UserID:         testUser,
		WalletAddress:  "0x1111111111111111111111111111111111111111",
		SignerAddress:  "0x2222222222222222222222222222222222222222",
		CredentialsRef: testUser,
		AvailableUSD:   decimal.NewFromInt(balance),
	}))
	ex := api.NewMockExchange()
	return &fixture{
		svc:   NewService(store, ex, storage.NewLocalLocker(), &cfg),
		store: store,
		ex:    ex,
	}
}

func buyIntent(key string) *models.OrderIntent {
	return &models.OrderIntent{
		Key:                models.ClientKey(key),
		UserID:             testUser,
		TokenID:            "token-yes",
		MarketID:           "0xmarket",
		Outcome:            "Yes",
		CopiedTraderWallet: "0x3333333333333333333333333333333333333333",
		Side:               models.SideBuy,
		Price:              0.5,
		Size:               10,
		OrderType:          models.OrderTypeFAK,
		TradeMethod:        models.TradeMethodManual,
	}
}

func (f *fixture) account(t *testing.T) *models.Account {
	t.Helper()
	acct, err := f.store.GetAccount(context.Background(), testUser)
	require.NoError(t, err)
	return acct
}

func TestSubmitCopyOrder_Filled(t *testing.T) {
	f := newFixture(t, 100)
	res, err := f.svc.SubmitCopyOrder(context.Background(), buyIntent("intent-1"))
	require.NoError(t, err)

	assert.Equal(t, models.OrderFilled, res.Status)
	assert.False(t, res.Duplicate)
	assert.Equal(t, models.KeySourceClient, res.KeySource)
	assert.NotEmpty(t, res.TradeID)
	assert.NotEmpty(t, res.OrderID)

	trade, err := f.store.GetTrade(context.Background(), res.TradeID)
	require.NoError(t, err)
	require.NotNil(t, trade)
	assert.Equal(t, models.StateOpen, trade.LifecycleState)
	assert.InDelta(t, 0.5, *trade.EntryPrice, 1e-9)
	assert.InDelta(t, 5.0, trade.InvestedUSD, 1e-9)
	assert.InDelta(t, 0.5, *trade.CurrentPrice, 1e-9)

	acct := f.account(t)
	assert.True(t, acct.ReservedUSD.IsZero(), "hold released")
	assert.Equal(t, "95", acct.AvailableUSD.String())

	rec, err := f.store.GetIntent(context.Background(), testUser, "intent-1")
	require.NoError(t, err)
	assert.Equal(t, models.IntentCompleted, rec.Status)
	assert.Equal(t, res.TradeID, rec.TradeID)
}

func TestSubmitCopyOrder_ConcurrentDuplicatesPlaceOneOrder(t *testing.T) {
	f := newFixture(t, 100)
	f.ex.Delay = 30 * time.Millisecond

	const n = 20
	results := make([]*models.SubmitResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.SubmitCopyOrder(context.Background(), buyIntent("same-intent"))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, f.ex.OrderCount())
	assert.Equal(t, 1, f.ex.CallCount("CreateOrder"))

	fresh := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].TradeID, results[i].TradeID)
		assert.Equal(t, results[0].OrderID, results[i].OrderID)
		if !results[i].Duplicate {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
	assert.Len(t, f.store.Trades, 1)
}

func TestSubmitCopyOrder_BalanceHeldAcrossIntents(t *testing.T) {
	f := newFixture(t, 100)
	f.ex.Delay = 20 * time.Millisecond

	first := buyIntent("a")
	first.Size = 160 // 0.5 * 160 = 80
	second := buyIntent("b")
	second.Size = 160

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, in := range []*models.OrderIntent{first, second} {
		wg.Add(1)
		go func(i int, in *models.OrderIntent) {
			defer wg.Done()
			_, errs[i] = f.svc.SubmitCopyOrder(context.Background(), in)
		}(i, in)
	}
	wg.Wait()

	ok, insufficient := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, models.ErrInsufficientBalance):
			insufficient++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, insufficient)
	assert.Equal(t, 1, f.ex.CallCount("CreateOrder"))
	assert.Equal(t, "20", f.account(t).AvailableUSD.String())
}

func TestSubmitCopyOrder_InvestedFollowsFill(t *testing.T) {
	f := newFixture(t, 100)
	f.ex.FillSize = 1
	f.ex.FillPrice = 0.71

	in := buyIntent("partial")
	in.Size = 0
	in.USDAmount = 5
	in.Price = 0.71

	res, err := f.svc.SubmitCopyOrder(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, models.OrderPartiallyFilled, res.Status)
	assert.InDelta(t, 0.71, res.Trade.InvestedUSD, 1e-9)
	assert.InDelta(t, 5.0, res.Trade.RequestedUSD, 1e-9)
	assert.InDelta(t, 1.0, *res.Trade.FilledSize, 1e-9)
	assert.Equal(t, "99.29", f.account(t).AvailableUSD.String())
}

func TestSubmitCopyOrder_AmbiguousTimeoutFindsOrder(t *testing.T) {
	f := newFixture(t, 100)
	f.ex.AmbiguousOnNext = 1

	res, err := f.svc.SubmitCopyOrder(context.Background(), buyIntent("lost-response"))
	require.NoError(t, err)

	assert.Equal(t, 1, f.ex.CallCount("CreateOrder"), "no resubmission once the order is found")
	assert.Equal(t, 1, f.ex.CallCount("FindOrder"))
	assert.Equal(t, 1, f.ex.OrderCount())
	assert.Equal(t, models.OrderFilled, res.Status)
}

func TestSubmitCopyOrder_UnknownOutcomeLeftForReconcile(t *testing.T) {
	f := newFixture(t, 100)
	f.ex.AmbiguousOnNext = 1
	f.ex.FailNext("FindOrder", &api.ExchangeError{Reason: api.ReasonNetwork, Err: errors.New("connection reset")})

	_, err := f.svc.SubmitCopyOrder(context.Background(), buyIntent("unknown"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrTimeout))

	rec, err := f.store.GetIntent(context.Background(), testUser, "unknown")
	require.NoError(t, err)
	assert.Equal(t, models.IntentPending, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, "5", f.account(t).ReservedUSD.String(), "hold kept until reconciled")

	// the janitor picks it up and finds the landed order
	require.NoError(t, f.svc.Reconcile(context.Background(), *rec))
	rec, err = f.store.GetIntent(context.Background(), testUser, "unknown")
	require.NoError(t, err)
	assert.Equal(t, models.IntentCompleted, rec.Status)
	assert.NotEmpty(t, rec.TradeID)
	assert.Equal(t, 1, f.ex.CallCount("CreateOrder"))
	assert.True(t, f.account(t).ReservedUSD.IsZero())
}

func TestSubmitCopyOrder_RetriesTransientFailure(t *testing.T) {
	f := newFixture(t, 100)
	f.ex.FailNext("CreateOrder", &api.ExchangeError{Reason: api.ReasonUnavailable, StatusCode: 503, Err: errors.New("unavailable")})

	res, err := f.svc.SubmitCopyOrder(context.Background(), buyIntent("retry"))
	require.NoError(t, err)
	assert.Equal(t, 2, f.ex.CallCount("CreateOrder"))
	assert.Equal(t, 1, f.ex.OrderCount())

	rec, err := f.store.GetIntent(context.Background(), testUser, "retry")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, res.OrderID, rec.ResultOrderID)
}

func TestSubmitCopyOrder_RetryableFailureCanBeResubmitted(t *testing.T) {
	f := newFixture(t, 100)
	f.svc.cfg.Submission.MaxAttempts = 1
	f.ex.FailNext("CreateOrder", &api.ExchangeError{Reason: api.ReasonNetwork, Err: errors.New("dial tcp: connection refused")})

	_, err := f.svc.SubmitCopyOrder(context.Background(), buyIntent("flaky"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrNetwork))
	assert.True(t, f.account(t).ReservedUSD.IsZero())

	res, err := f.svc.SubmitCopyOrder(context.Background(), buyIntent("flaky"))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, 1, f.ex.OrderCount())
}

func TestSubmitCopyOrder_ExpiredCompletionStillReplays(t *testing.T) {
	f := newFixture(t, 100)
	first, err := f.svc.SubmitCopyOrder(context.Background(), buyIntent("done"))
	require.NoError(t, err)

	for _, rec := range f.store.Intents {
		rec.ExpiresAt = time.Now().Add(-time.Minute)
	}

	again, err := f.svc.SubmitCopyOrder(context.Background(), buyIntent("done"))
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.TradeID, again.TradeID)
	assert.Equal(t, first.OrderID, again.OrderID)
	assert.Equal(t, 1, f.ex.CallCount("CreateOrder"))

	rec, err := f.store.GetIntent(context.Background(), testUser, "done")
	require.NoError(t, err)
	assert.Equal(t, models.IntentCompleted, rec.Status)
	assert.Equal(t, first.TradeID, rec.TradeID)
}

func TestSubmitCopyOrder_RejectionReleasesHold(t *testing.T) {
	f := newFixture(t, 100)
	f.ex.FailNext("CreateOrder", &api.ExchangeError{Reason: api.ReasonInsufficientLiquidity, StatusCode: 400, Err: errors.New("no match")})

	_, err := f.svc.SubmitCopyOrder(context.Background(), buyIntent("rejected"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrExchangeRejected))
	assert.Equal(t, api.ReasonInsufficientLiquidity, models.ReasonOf(err))
	assert.Equal(t, 1, f.ex.CallCount("CreateOrder"), "rejections are not retried")
	assert.Empty(t, f.store.Trades)

	acct := f.account(t)
	assert.True(t, acct.ReservedUSD.IsZero())
	assert.Equal(t, "100", acct.AvailableUSD.String())

	// a duplicate sees the same failure without touching the exchange
	_, err = f.svc.SubmitCopyOrder(context.Background(), buyIntent("rejected"))
	assert.True(t, errors.Is(err, models.ErrExchangeRejected))
	assert.Equal(t, 1, f.ex.CallCount("CreateOrder"))
}

func TestSubmitCopyOrder_ZeroFillIsRejected(t *testing.T) {
	f := newFixture(t, 100)
	f.ex.FillFraction = 0

	_, err := f.svc.SubmitCopyOrder(context.Background(), buyIntent("empty-book"))
	require.Error(t, err)
	assert.Equal(t, api.ReasonInsufficientLiquidity, models.ReasonOf(err))
	assert.Empty(t, f.store.Trades)
}

func TestSubmitCopyOrder_RestingLimitOrder(t *testing.T) {
	f := newFixture(t, 100)
	f.ex.FillFraction = 0
	in := buyIntent("gtc")
	in.OrderType = models.OrderTypeGTC

	res, err := f.svc.SubmitCopyOrder(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, models.OrderSubmitted, res.Status)
	assert.Nil(t, res.Trade.EntryPrice)
	assert.InDelta(t, 5.0, res.Trade.InvestedUSD, 1e-9)
	assert.Equal(t, "100", f.account(t).AvailableUSD.String(), "nothing spent until it fills")
}

func TestSubmitCopyOrder_CredentialFailureIsFinal(t *testing.T) {
	f := newFixture(t, 100)
	f.ex.FailNext("CreateOrder", models.NewError(models.KindCredentialDecryption, "decrypt", errors.New("cipher: message authentication failed")))

	_, err := f.svc.SubmitCopyOrder(context.Background(), buyIntent("bad-creds"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrCredentialDecryption))
	assert.NotContains(t, models.PublicMessage(err), "cipher")
	assert.Equal(t, 1, f.ex.CallCount("CreateOrder"))

	rec, err := f.store.GetIntent(context.Background(), testUser, "bad-creds")
	require.NoError(t, err)
	assert.Equal(t, models.IntentFailed, rec.Status)
	assert.False(t, rec.Retryable)
}

func TestSubmitCopyOrder_Validation(t *testing.T) {
	f := newFixture(t, 100)

	in := buyIntent("bad")
	in.Price = 1.2
	_, err := f.svc.SubmitCopyOrder(context.Background(), in)
	assert.True(t, errors.Is(err, models.ErrValidation))

	in = buyIntent("nobody")
	in.UserID = "ghost"
	_, err = f.svc.SubmitCopyOrder(context.Background(), in)
	assert.True(t, errors.Is(err, models.ErrNotFound))
	assert.Zero(t, f.ex.CallCount("CreateOrder"))
}

func TestMapExchangeError(t *testing.T) {
	tests := []struct {
		err  error
		want *models.CopyError
	}{
		{&api.ExchangeError{Reason: api.ReasonRejected}, models.ErrExchangeRejected},
		{&api.ExchangeError{Reason: api.ReasonInsufficientBalance}, models.ErrExchangeRejected},
		{&api.ExchangeError{Reason: api.ReasonUnauthorized}, models.ErrCredentialDecryption},
		{&api.ExchangeError{Reason: api.ReasonTimeout}, models.ErrTimeout},
		{&api.ExchangeError{Reason: api.ReasonRateLimited}, models.ErrNetwork},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), models.ErrTimeout},
		{errors.New("boom"), models.ErrInternal},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.True(t, errors.Is(mapExchangeError(tt.err), tt.want))
		})
	}
}

func seedTrade(f *fixture) *models.TradeRecord {
	tr := &models.TradeRecord{
		TradeID:        "trade-1",
		CopyUserID:     testUser,
		MarketID:       "0xmarket",
		Outcome:        "Yes",
		EntryPrice:     models.Float(0.5),
		FilledSize:     models.Float(10),
		InvestedUSD:    5,
		LifecycleState: models.StateOpen,
		CreatedAt:      time.Now().UTC(),
	}
	f.store.SeedTrade(tr)
	return tr
}

func TestMarkTradeClosed(t *testing.T) {
	f := newFixture(t, 100)
	seedTrade(f)

	_, err := f.svc.MarkTradeClosed(context.Background(), "someone-else", "trade-1", 0.7)
	assert.True(t, errors.Is(err, models.ErrNotFound))

	closed, err := f.svc.MarkTradeClosed(context.Background(), testUser, "trade-1", 0.7)
	require.NoError(t, err)
	assert.Equal(t, models.StateUserClosed, closed.LifecycleState)
	assert.InDelta(t, 40.0, *closed.ROIPct, 1e-9)

	stored, err := f.svc.GetTradeStatus(context.Background(), testUser, "trade-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateUserClosed, stored.LifecycleState)
	assert.NotNil(t, stored.UserClosedAt)

	_, err = f.svc.MarkTradeClosed(context.Background(), testUser, "trade-1", 0.9)
	assert.True(t, errors.Is(err, models.ErrConflict))
}

func TestMarkTradeClosed_Busy(t *testing.T) {
	f := newFixture(t, 100)
	seedTrade(f)

	unlock, ok, err := f.svc.locker.TryLock(context.Background(), TradeLockKey("trade-1"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = f.svc.MarkTradeClosed(ctx, testUser, "trade-1", 0.7)
	assert.True(t, errors.Is(err, models.ErrConflict))
}

func TestReconcile_NeverAttempted(t *testing.T) {
	f := newFixture(t, 100)
	in := buyIntent("orphan")
	res, err := f.svc.guard.Reserve(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, storage.Reserved, res.Outcome)

	require.NoError(t, f.svc.Reconcile(context.Background(), *res.Record))

	rec, err := f.store.GetIntent(context.Background(), testUser, "orphan")
	require.NoError(t, err)
	assert.Equal(t, models.IntentFailed, rec.Status)
	assert.True(t, rec.Retryable)
	assert.True(t, f.account(t).ReservedUSD.IsZero())
	assert.Zero(t, f.ex.CallCount("FindOrder"))
}

func TestReconcile_OrderNeverLanded(t *testing.T) {
	f := newFixture(t, 100)
	in := buyIntent("lost")
	_, err := f.svc.guard.Reserve(context.Background(), in)
	require.NoError(t, err)
	require.NoError(t, f.svc.guard.Attempt(context.Background(), in, "0xabc"))

	rec, err := f.store.GetIntent(context.Background(), testUser, "lost")
	require.NoError(t, err)
	require.NoError(t, f.svc.Reconcile(context.Background(), *rec))

	rec, err = f.store.GetIntent(context.Background(), testUser, "lost")
	require.NoError(t, err)
	assert.Equal(t, models.IntentFailed, rec.Status)
	assert.Equal(t, models.KindTimeout, rec.FailureKind)
	assert.Equal(t, 1, f.ex.CallCount("FindOrder"))
}
