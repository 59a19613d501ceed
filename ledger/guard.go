// Package ledger is the idempotency ledger and balance guard in front of the
// exchange. Each (user, intent) pair is reserved once; the reservation holds
// the order's worst-case cost against the user's spendable balance until the
// intent completes or fails.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"polymarket-copytrade/config"
	"polymarket-copytrade/models"
	"polymarket-copytrade/storage"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Guard wraps a DataStore with the ledger rules.
type Guard struct {
	store storage.DataStore
	ttl   time.Duration
	wait  time.Duration
	poll  time.Duration
	now   func() time.Time
	log   zerolog.Logger
}

func NewGuard(store storage.DataStore, cfg config.SubmissionConfig) *Guard {
	g := &Guard{
		store: store,
		ttl:   cfg.IntentTTL(),
		wait:  cfg.DuplicateWait(),
		poll:  cfg.DuplicatePoll(),
		now:   time.Now,
		log:   log.With().Str("component", "ledger").Logger(),
	}
	if g.poll <= 0 {
		g.poll = 50 * time.Millisecond
	}
	return g
}

// Reserve atomically claims intent and holds its cost estimate.
func (g *Guard) Reserve(ctx context.Context, intent *models.OrderIntent) (*storage.ReserveResult, error) {
	cost := intent.CostEstimate()
	res, err := g.store.ReserveIntent(ctx, storage.ReserveRequest{
		UserID:       intent.UserID,
		IntentID:     intent.Key.Value,
		KeySource:    intent.Key.Source,
		CostEstimate: cost,
		Payload:      intent,
		Now:          g.now(),
		TTL:          g.ttl,
	})
	if err != nil {
		return nil, asCopyError(err, "reserve intent")
	}

	g.log.Debug().
		Str("user_id", intent.UserID).
		Str("intent_id", intent.Key.Value).
		Str("key_source", string(intent.Key.Source)).
		Str("cost", cost.StringFixed(2)).
		Stringer("outcome", res.Outcome).
		Msg("reserve")
	return res, nil
}

// Attempt records that an exchange submission is about to start with orderID.
func (g *Guard) Attempt(ctx context.Context, intent *models.OrderIntent, orderID string) error {
	if err := g.store.RecordIntentAttempt(ctx, intent.UserID, intent.Key.Value, orderID); err != nil {
		return asCopyError(err, "record attempt")
	}
	return nil
}

// Complete settles intent with its trade and the actual cash flow.
// spend is positive for purchases and negative for sale proceeds.
func (g *Guard) Complete(ctx context.Context, intent *models.OrderIntent, orderID string, trade *models.TradeRecord, spend decimal.Decimal) error {
	err := g.store.CompleteIntent(ctx, storage.CompleteRequest{
		UserID:   intent.UserID,
		IntentID: intent.Key.Value,
		OrderID:  orderID,
		Trade:    trade,
		Spend:    spend,
		Now:      g.now(),
	})
	if err != nil {
		return asCopyError(err, "complete intent")
	}
	return nil
}

// Fail marks intent failed with cause and releases its hold. Whether the
// same intent may be reclaimed later follows the cause's kind.
func (g *Guard) Fail(ctx context.Context, intent *models.OrderIntent, cause error) error {
	kind := models.KindOf(cause)
	err := g.store.FailIntent(ctx, storage.FailRequest{
		UserID:    intent.UserID,
		IntentID:  intent.Key.Value,
		Kind:      kind,
		Reason:    models.ReasonOf(cause),
		Retryable: kind.Retryable(),
		Now:       g.now(),
	})
	if err != nil {
		return asCopyError(err, "fail intent")
	}
	return nil
}

// Lookup returns the stored record, or nil.
func (g *Guard) Lookup(ctx context.Context, userID, intentID string) (*models.IdempotencyRecord, error) {
	rec, err := g.store.GetIntent(ctx, userID, intentID)
	if err != nil {
		return nil, asCopyError(err, "get intent")
	}
	return rec, nil
}

// Await polls a pending intent until it settles or the wait budget runs out.
// A record still pending at the deadline is reported as a timeout, which is
// safe to retry with the same intent.
func (g *Guard) Await(ctx context.Context, userID, intentID string) (*models.IdempotencyRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, g.wait)
	defer cancel()

	ticker := time.NewTicker(g.poll)
	defer ticker.Stop()

	for {
		rec, err := g.Lookup(ctx, userID, intentID)
		if err != nil && ctx.Err() == nil {
			return nil, err
		}
		if rec != nil && rec.Status != models.IntentPending {
			return rec, nil
		}
		if err == nil && rec == nil {
			return nil, models.NewNotFoundError("intent")
		}

		select {
		case <-ctx.Done():
			return nil, models.NewError(models.KindTimeout, "in_flight",
				fmt.Errorf("intent %s still pending after %s", intentID, g.wait))
		case <-ticker.C:
		}
	}
}

func asCopyError(err error, op string) error {
	var ce *models.CopyError
	if errors.As(err, &ce) {
		return err
	}
	return models.Internal("%s: %w", op, err)
}
