package syncer

import (
	"context"
	"fmt"
	"time"

	"polymarket-copytrade/config"
	"polymarket-copytrade/models"
	"polymarket-copytrade/storage"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Reconciler finishes a pending intent whose submitter went away.
type Reconciler interface {
	Reconcile(ctx context.Context, rec models.IdempotencyRecord) error
}

// IntentJanitor deletes expired idempotency records and hands pending
// records that stopped making progress to the coordinator.
type IntentJanitor struct {
	store      storage.DataStore
	reconciler Reconciler
	cfg        config.JanitorConfig
	now        func() time.Time
	log        zerolog.Logger
}

func NewIntentJanitor(store storage.DataStore, reconciler Reconciler, cfg config.JanitorConfig) *IntentJanitor {
	return &IntentJanitor{
		store:      store,
		reconciler: reconciler,
		cfg:        cfg,
		now:        time.Now,
		log:        log.With().Str("component", "janitor").Logger(),
	}
}

func (j *IntentJanitor) Name() string { return "intent-janitor" }

func (j *IntentJanitor) RunOnce(ctx context.Context) (CycleStats, error) {
	started := time.Now()
	var c counters
	now := j.now().UTC()

	deleted, err := j.store.DeleteExpiredIntents(ctx, now)
	if err != nil {
		return c.stats(j.Name(), started), fmt.Errorf("delete expired intents: %w", err)
	}

	stale := time.Duration(j.cfg.StalePendingSec) * time.Second
	recs, err := j.store.ListStalePendingIntents(ctx, now.Add(-stale), j.cfg.BatchSize)
	if err != nil {
		return c.stats(j.Name(), started), fmt.Errorf("list stale intents: %w", err)
	}

	for _, rec := range recs {
		if ctx.Err() != nil {
			break
		}
		c.processed.Add(1)
		if err := j.reconciler.Reconcile(ctx, rec); err != nil {
			c.failures.Add(1)
			j.log.Warn().Err(err).Str("user_id", rec.UserID).Str("intent_id", rec.IntentID).Msg("reconcile failed")
		}
	}

	if deleted > 0 || len(recs) > 0 {
		j.log.Info().Int64("deleted", deleted).Int("stale", len(recs)).Int64("failures", c.failures.Load()).Msg("janitor run complete")
	}
	return c.stats(j.Name(), started), nil
}
