package syncer

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
	"polymarket-copytrade/notify"
	"polymarket-copytrade/service"
	"polymarket-copytrade/storage"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const traderWallet = "0xtrader"

type sentEvent struct {
	tradeID string
	kind    models.EventKind
}

type fakeChannel struct {
	mu    sync.Mutex
	sent  []sentEvent
	fails int
}

func (c *fakeChannel) Send(ctx context.Context, userID string, kind models.EventKind, payload notify.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fails > 0 {
		c.fails--
		return errors.New("webhook down")
	}
	c.sent = append(c.sent, sentEvent{tradeID: payload.TradeID, kind: kind})
	return nil
}

func (c *fakeChannel) count(tradeID string, kind models.EventKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.sent {
		if e.tradeID == tradeID && e.kind == kind {
			n++
		}
	}
	return n
}

type trackerFixture struct {
	tracker *LifecycleTracker
	store   *storage.MemoryStore
	ex      *api.MockExchange
	market  *api.MockMarketData
	locker  *storage.LocalLocker
	channel *fakeChannel
}

func newTrackerFixture(t *testing.T) *trackerFixture {
	t.Helper()
	cfg := config.Default().Lifecycle
	cfg.Parallelism = 4
	cfg.CallTimeoutMS = 500

	store := storage.NewMemoryStore()
	require.NoError(t, store.UpsertAccount(context.Background(), models.Account{UserID: "u1", AvailableUSD: decimal.NewFromInt(100)}))
	ex := api.NewMockExchange()
	market := api.NewMockMarketData()
	locker := storage.NewLocalLocker()
	ch := &fakeChannel{}

	return &trackerFixture{
		tracker: NewLifecycleTracker(store, ex, market, locker, notify.NewDispatcher(store, ch), cfg),
		store:   store,
		ex:      ex,
		market:  market,
		locker:  locker,
		channel: ch,
	}
}

func (f *trackerFixture) seed(id, marketID string) {
	f.store.SeedTrade(&models.TradeRecord{
		TradeID:            id,
		CopyUserID:         "u1",
		CopiedTraderWallet: traderWallet,
		MarketID:           marketID,
		Outcome:            "Yes",
		OrderStatus:        models.OrderFilled,
		EntryPrice:         models.Float(0.5),
		FilledSize:         models.Float(10),
		InvestedUSD:        5,
		LifecycleState:     models.StateOpen,
		CreatedAt:          time.Now().UTC(),
	})
}

func (f *trackerFixture) trade(t *testing.T, id string) *models.TradeRecord {
	t.Helper()
	rec, err := f.store.GetTrade(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	return rec
}

func (f *trackerFixture) run(t *testing.T) CycleStats {
	t.Helper()
	stats, err := f.tracker.RunOnce(context.Background())
	require.NoError(t, err)
	return stats
}

func TestTracker_TraderExitNotifiesOnce(t *testing.T) {
	f := newTrackerFixture(t)
	f.seed("t1", "m1")
	f.market.SetPrices("m1", map[string]float64{"Yes": 0.6, "No": 0.4})

	for cycle := 1; cycle <= 10; cycle++ {
		if cycle == 3 {
			f.ex.SetPosition(traderWallet, "m1", "Yes", false)
		}
		f.run(t)
	}

	rec := f.trade(t, "t1")
	assert.Equal(t, models.StateTraderClosed, rec.LifecycleState)
	assert.True(t, rec.NotificationClosedSent)
	assert.Equal(t, 1, f.channel.count("t1", models.EventClosed))
	assert.InDelta(t, 20.0, *rec.ROIPct, 1e-9)
}

func TestTracker_ResolutionAfterTraderExit(t *testing.T) {
	f := newTrackerFixture(t)
	f.seed("t1", "m1")
	f.market.SetPrices("m1", map[string]float64{"Yes": 0.7, "No": 0.3})
	f.ex.SetPosition(traderWallet, "m1", "Yes", false)
	f.run(t)

	f.market.SetPrices("m1", map[string]float64{"Yes": 0.995, "No": 0.005})
	for i := 0; i < 5; i++ {
		f.run(t)
	}

	rec := f.trade(t, "t1")
	assert.Equal(t, models.StateResolved, rec.LifecycleState)
	assert.Equal(t, "Yes", *rec.ResolvedOutcome)
	assert.InDelta(t, 100.0, *rec.ROIPct, 1e-9)
	assert.NotNil(t, rec.TraderClosedAt, "trader exit time kept after resolution")
	assert.Equal(t, 1, f.channel.count("t1", models.EventClosed))
	assert.Equal(t, 1, f.channel.count("t1", models.EventResolved))

	// fully notified resolved trades drop out of the batch
	stats := f.run(t)
	assert.Zero(t, stats.Processed)
}

func TestTracker_NearCertainMarketStaysOpen(t *testing.T) {
	f := newTrackerFixture(t)
	f.seed("t1", "m1")
	f.market.SetPrices("m1", map[string]float64{"Yes": 0.95, "No": 0.05})
	f.run(t)

	rec := f.trade(t, "t1")
	assert.Equal(t, models.StateOpen, rec.LifecycleState)
	assert.InDelta(t, 0.95, *rec.CurrentPrice, 1e-9)
	assert.InDelta(t, 90.0, *rec.ROIPct, 1e-9)
	assert.NotNil(t, rec.LastCheckedAt)
}

func TestTracker_DisputedMarketStaysOpen(t *testing.T) {
	f := newTrackerFixture(t)
	f.seed("t1", "m1")
	f.market.SetUnresolved("m1", map[string]float64{"Yes": 0.995, "No": 0.005})
	for i := 0; i < 3; i++ {
		f.run(t)
	}

	rec := f.trade(t, "t1")
	assert.Equal(t, models.StateOpen, rec.LifecycleState)
	assert.Nil(t, rec.ResolvedOutcome)
	assert.Nil(t, rec.MarketResolvedAt)
	assert.InDelta(t, 0.995, *rec.CurrentPrice, 1e-9)
	assert.Zero(t, f.channel.count("t1", models.EventResolved))

	f.market.SetResolved("m1", "No")
	f.run(t)
	rec = f.trade(t, "t1")
	assert.Equal(t, models.StateResolved, rec.LifecycleState)
	assert.Equal(t, "No", *rec.ResolvedOutcome)
	assert.Equal(t, 1, f.channel.count("t1", models.EventResolved))
}

func TestTracker_UserCloseIsKept(t *testing.T) {
	f := newTrackerFixture(t)
	f.seed("t1", "m1")
	f.market.SetPrices("m1", map[string]float64{"Yes": 0.8, "No": 0.2})

	cfg := config.Default()
	svc := service.NewService(f.store, f.ex, f.locker, &cfg)
	_, err := svc.MarkTradeClosed(context.Background(), "u1", "t1", 0.8)
	require.NoError(t, err)

	f.ex.SetPosition(traderWallet, "m1", "Yes", false)
	f.market.SetPrices("m1", map[string]float64{"Yes": 0.3, "No": 0.7})
	f.run(t)

	rec := f.trade(t, "t1")
	assert.Equal(t, models.StateUserClosed, rec.LifecycleState)
	assert.Nil(t, rec.TraderClosedAt)
	assert.InDelta(t, 60.0, *rec.ROIPct, 1e-9)
	assert.Zero(t, f.channel.count("t1", models.EventClosed))

	f.market.SetPrices("m1", map[string]float64{"Yes": 0.001, "No": 0.999})
	f.run(t)

	rec = f.trade(t, "t1")
	assert.Equal(t, models.StateResolved, rec.LifecycleState)
	assert.Equal(t, "No", *rec.ResolvedOutcome)
	assert.InDelta(t, 0.8, *rec.ExitPrice, 1e-9)
	assert.InDelta(t, 60.0, *rec.ROIPct, 1e-9)
	assert.Equal(t, 1, f.channel.count("t1", models.EventResolved))
}

func TestTracker_OneMarketCallPerCycle(t *testing.T) {
	f := newTrackerFixture(t)
	for i := 0; i < 3; i++ {
		f.seed(fmt.Sprintf("a%d", i), "m1")
	}
	for i := 0; i < 2; i++ {
		f.seed(fmt.Sprintf("b%d", i), "m2")
	}
	f.market.SetPrices("m1", map[string]float64{"Yes": 0.6, "No": 0.4})
	f.market.SetPrices("m2", map[string]float64{"Yes": 0.2, "No": 0.8})

	stats := f.run(t)
	assert.Equal(t, int64(5), stats.Processed)
	assert.Equal(t, int64(2), stats.MarketCalls)
	assert.Equal(t, 1, f.market.MarketCalls("m1"))
	assert.Equal(t, 1, f.market.MarketCalls("m2"))

	f.run(t)
	assert.Equal(t, 2, f.market.MarketCalls("m1"), "no caching across cycles")
}

func TestTracker_FailuresAreIsolated(t *testing.T) {
	f := newTrackerFixture(t)
	ids := []string{"a", "b", "c", "d"}
	for _, id := range ids[:2] {
		f.seed(id, "m1")
	}
	for _, id := range ids[2:] {
		f.seed(id, "m2")
	}
	f.market.SetPrices("m1", map[string]float64{"Yes": 0.6, "No": 0.4})
	f.market.SetPrices("m2", map[string]float64{"Yes": 0.6, "No": 0.4})

	t.Run("market data outage", func(t *testing.T) {
		f.market.FailNext("m2", &api.ExchangeError{Reason: api.ReasonUnavailable, StatusCode: 503})
		stats := f.run(t)
		assert.Zero(t, stats.Failures)

		for _, id := range ids {
			rec := f.trade(t, id)
			assert.Equal(t, models.StateOpen, rec.LifecycleState)
			assert.NotNil(t, rec.LastCheckedAt, id)
		}
		assert.NotNil(t, f.trade(t, "a").CurrentPrice)
		assert.Nil(t, f.trade(t, "c").CurrentPrice)
	})

	t.Run("store write failure", func(t *testing.T) {
		f.store.FailNext("UpdateTrade", errors.New("connection lost"))
		stats := f.run(t)
		assert.Equal(t, int64(1), stats.Failures)
		assert.Equal(t, int64(4), stats.Processed)
	})

	t.Run("position lookup failure never closes", func(t *testing.T) {
		f.ex.FailNext("GetPosition", &api.ExchangeError{Reason: api.ReasonTimeout, Ambiguous: true})
		f.run(t)
		for _, id := range ids {
			assert.Equal(t, models.StateOpen, f.trade(t, id).LifecycleState)
		}
	})
}

func TestTracker_LockedTradeIsSkipped(t *testing.T) {
	f := newTrackerFixture(t)
	f.seed("t1", "m1")
	f.seed("t2", "m1")
	f.market.SetPrices("m1", map[string]float64{"Yes": 0.6, "No": 0.4})

	unlock, ok, err := f.locker.TryLock(context.Background(), service.TradeLockKey("t1"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	defer unlock()

	stats := f.run(t)
	assert.Equal(t, int64(1), stats.Skipped)
	assert.Nil(t, f.trade(t, "t1").LastCheckedAt)
	assert.NotNil(t, f.trade(t, "t2").LastCheckedAt)
}

func TestTracker_FailedNotificationRetried(t *testing.T) {
	f := newTrackerFixture(t)
	f.seed("t1", "m1")
	f.market.SetPrices("m1", map[string]float64{"Yes": 0.6, "No": 0.4})
	f.ex.SetPosition(traderWallet, "m1", "Yes", false)
	f.channel.fails = 1

	stats := f.run(t)
	assert.Equal(t, int64(1), stats.Failures)
	assert.False(t, f.trade(t, "t1").NotificationClosedSent)
	assert.Equal(t, models.StateTraderClosed, f.trade(t, "t1").LifecycleState)

	stats = f.run(t)
	assert.Equal(t, int64(1), stats.Notifications)
	assert.True(t, f.trade(t, "t1").NotificationClosedSent)
	assert.Equal(t, 1, f.channel.count("t1", models.EventClosed))
}

func TestTracker_ReconcilesWorkingOrder(t *testing.T) {
	f := newTrackerFixture(t)
	f.store.SeedTrade(&models.TradeRecord{
		TradeID:            "t1",
		CopyUserID:         "u1",
		CopiedTraderWallet: traderWallet,
		MarketID:           "m1",
		Outcome:            "Yes",
		OrderID:            "0xorder",
		OrderStatus:        models.OrderSubmitted,
		RequestedUSD:       5,
		InvestedUSD:        5,
		LifecycleState:     models.StateOpen,
		CreatedAt:          time.Now().UTC(),
	})
	f.ex.SetOrderFill("0xorder", api.StatusMatched, 10, 0.45)
	f.market.SetPrices("m1", map[string]float64{"Yes": 0.54, "No": 0.46})

	f.run(t)

	rec := f.trade(t, "t1")
	assert.Equal(t, models.OrderFilled, rec.OrderStatus)
	assert.InDelta(t, 0.45, *rec.EntryPrice, 1e-9)
	assert.InDelta(t, 4.5, rec.InvestedUSD, 1e-9)
	assert.InDelta(t, 0.54, *rec.CurrentPrice, 1e-9)
	assert.InDelta(t, 20.0, *rec.ROIPct, 1e-6)
	assert.Equal(t, 1, f.ex.CallCount("GetOrder"))

	f.run(t)
	assert.Equal(t, 1, f.ex.CallCount("GetOrder"), "settled orders are not polled")
}
