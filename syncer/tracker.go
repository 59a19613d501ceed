package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"polymarket-copytrade/analyzer"
	"polymarket-copytrade/api"
	"polymarket-copytrade/config"
	"polymarket-copytrade/models"
	"polymarket-copytrade/notify"
	"polymarket-copytrade/service"
	"polymarket-copytrade/storage"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// LifecycleTracker polls open copy trades, moves them through their
// lifecycle and sends the notifications each transition owes.
type LifecycleTracker struct {
	store    storage.DataStore
	exchange api.Exchange
	market   api.MarketData
	locker   storage.Locker
	notifier *notify.Dispatcher
	cfg      config.LifecycleConfig
	th       analyzer.Thresholds
	now      func() time.Time
	log      zerolog.Logger
}

func NewLifecycleTracker(store storage.DataStore, exchange api.Exchange, market api.MarketData, locker storage.Locker, notifier *notify.Dispatcher, cfg config.LifecycleConfig) *LifecycleTracker {
	return &LifecycleTracker{
		store:    store,
		exchange: exchange,
		market:   market,
		locker:   locker,
		notifier: notifier,
		cfg:      cfg,
		th:       analyzer.Thresholds{High: cfg.ResolvedHigh, Low: cfg.ResolvedLow},
		now:      time.Now,
		log:      log.With().Str("component", "tracker").Logger(),
	}
}

func (t *LifecycleTracker) Name() string { return "lifecycle" }

// snapshotCache holds one cycle's market data. It is built per cycle and
// dropped afterwards, so prices are never older than the current poll.
type snapshotCache struct {
	snaps map[string]*api.MarketSnapshot
}

func (c *snapshotCache) get(marketID string) *api.MarketSnapshot {
	return c.snaps[marketID]
}

// RunOnce processes one batch of trackable trades.
func (t *LifecycleTracker) RunOnce(ctx context.Context) (CycleStats, error) {
	started := time.Now()
	var c counters

	recs, err := t.store.ListTrackableTrades(ctx, t.cfg.BatchSize)
	if err != nil {
		return c.stats(t.Name(), started), fmt.Errorf("list trackable trades: %w", err)
	}
	if len(recs) == 0 {
		return c.stats(t.Name(), started), nil
	}

	cache := t.prefetch(ctx, recs, &c)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.parallelism())
	for i := range recs {
		rec := recs[i]
		g.Go(func() error {
			if err := t.processTrade(gctx, rec, cache, &c); err != nil {
				c.failures.Add(1)
				t.log.Warn().Err(err).Str("trade_id", rec.TradeID).Msg("trade update failed")
			}
			// one bad record never stops the batch
			return nil
		})
	}
	g.Wait()

	stats := c.stats(t.Name(), started)
	t.log.Info().
		Int64("processed", stats.Processed).
		Int64("transitions", stats.Transitions).
		Int64("notifications", stats.Notifications).
		Int64("skipped", stats.Skipped).
		Int64("failures", stats.Failures).
		Int64("market_calls", stats.MarketCalls).
		Dur("took", stats.Duration).
		Msg("lifecycle cycle complete")
	return stats, nil
}

func (t *LifecycleTracker) parallelism() int {
	if t.cfg.Parallelism < 1 {
		return 1
	}
	return t.cfg.Parallelism
}

// prefetch loads each distinct market once for the cycle. Markets that fail
// to load are left out; their trades see no snapshot this cycle.
func (t *LifecycleTracker) prefetch(ctx context.Context, recs []models.TradeRecord, c *counters) *snapshotCache {
	cache := &snapshotCache{snaps: make(map[string]*api.MarketSnapshot)}
	seen := make(map[string]bool)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.parallelism())
	for _, rec := range recs {
		if rec.LifecycleState.Terminal() || seen[rec.MarketID] {
			continue
		}
		seen[rec.MarketID] = true
		marketID := rec.MarketID
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, t.cfg.CallTimeout())
			defer cancel()
			c.marketCalls.Add(1)
			snap, err := t.market.GetOutcomePrices(callCtx, marketID)
			if err != nil {
				t.log.Warn().Err(err).Str("market_id", marketID).Msg("market snapshot unavailable")
				return nil
			}
			mu.Lock()
			cache.snaps[marketID] = snap
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return cache
}

// processTrade advances one record under its lock.
func (t *LifecycleTracker) processTrade(ctx context.Context, listed models.TradeRecord, cache *snapshotCache, c *counters) error {
	unlock, ok, err := t.locker.TryLock(ctx, service.TradeLockKey(listed.TradeID), t.cfg.LockTTL())
	if err != nil {
		return fmt.Errorf("lock: %w", err)
	}
	if !ok {
		c.skipped.Add(1)
		return nil
	}
	defer unlock()

	// The listing may be stale by the time the lock is ours.
	rec, err := t.store.GetTrade(ctx, listed.TradeID)
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	if rec == nil {
		return nil
	}
	c.processed.Add(1)

	logger := t.log.With().Str("trade_id", rec.TradeID).Str("market_id", rec.MarketID).Logger()

	if !rec.LifecycleState.Terminal() {
		base := rec
		if rec.OrderStatus == models.OrderSubmitted || rec.OrderStatus == models.OrderPartiallyFilled {
			base = t.reconcileFill(ctx, rec)
		}

		obs := analyzer.Observation{Snapshot: cache.get(rec.MarketID)}
		if rec.LifecycleState == models.StateOpen {
			obs.Position = t.position(ctx, rec)
		}

		step := analyzer.Advance(base, obs, t.th, t.now().UTC())
		if step.Ambiguous != nil {
			logger.Debug().Err(step.Ambiguous).Msg("resolution undecided")
		}
		if err := t.store.UpdateTrade(ctx, step.Record, rec.LifecycleState); err != nil {
			if errors.Is(err, models.ErrConflict) {
				c.skipped.Add(1)
				return nil
			}
			return fmt.Errorf("update: %w", err)
		}
		if step.Changed() {
			c.transitions.Add(1)
			logger.Info().
				Str("from", string(step.From)).
				Str("to", string(step.Record.LifecycleState)).
				Msg("lifecycle transition")
		}
		rec = step.Record
	}

	var notifyErr error
	for _, kind := range analyzer.DueNotifications(rec) {
		sent, err := t.notifier.NotifyIfNeeded(ctx, rec, kind)
		if sent {
			c.notifications.Add(1)
		}
		if err != nil {
			notifyErr = errors.Join(notifyErr, err)
		}
	}
	return notifyErr
}

// reconcileFill refreshes fill data for orders that were still working.
func (t *LifecycleTracker) reconcileFill(ctx context.Context, rec *models.TradeRecord) *models.TradeRecord {
	if rec.OrderID == "" {
		return rec
	}
	acct, err := t.store.GetAccount(ctx, rec.CopyUserID)
	if err != nil || acct == nil {
		return rec
	}

	callCtx, cancel := context.WithTimeout(ctx, t.cfg.CallTimeout())
	defer cancel()
	order, err := t.exchange.GetOrder(callCtx, *acct, rec.OrderID)
	if err != nil {
		t.log.Warn().Err(err).Str("trade_id", rec.TradeID).Msg("order lookup failed")
		return rec
	}
	if order == nil {
		return rec
	}

	next := rec.Clone()
	status := order.FillStatus(order.OriginalSize)
	if status == models.OrderRejected && rec.OrderStatus == models.OrderPartiallyFilled {
		// a cancelled remainder does not undo the fills we already have
		status = models.OrderPartiallyFilled
	}
	next.OrderStatus = status
	if order.FilledSize > 0 && order.AvgFillPrice > 0 {
		next.ApplyFill(order.AvgFillPrice, order.FilledSize)
		if next.CurrentPrice == nil {
			next.CurrentPrice = models.Float(order.AvgFillPrice)
		}
	}
	return next
}

// position asks whether the copied trader still holds the outcome. A failed
// lookup is treated as "unknown" and never closes the trade.
func (t *LifecycleTracker) position(ctx context.Context, rec *models.TradeRecord) *api.Position {
	if rec.CopiedTraderWallet == "" {
		return nil
	}
	callCtx, cancel := context.WithTimeout(ctx, t.cfg.CallTimeout())
	defer cancel()
	pos, err := t.exchange.GetPosition(callCtx, rec.CopiedTraderWallet, rec.MarketID, rec.Outcome)
	if err != nil {
		t.log.Warn().Err(err).Str("trade_id", rec.TradeID).Msg("position lookup failed")
		return nil
	}
	return pos
}
