// Package notify delivers lifecycle notifications at most once per trade
// and event kind.
package notify

import (
	"context"
	"fmt"
	"time"

	"polymarket-copytrade/models"
	"polymarket-copytrade/storage"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Event is the payload handed to a Channel.
type Event struct {
	Kind               models.EventKind      `json:"kind"`
	TradeID            string                `json:"trade_id"`
	UserID             string                `json:"user_id"`
	MarketID           string                `json:"market_id"`
	Outcome            string                `json:"outcome"`
	CopiedTraderWallet string                `json:"copied_trader_wallet"`
	State              models.LifecycleState `json:"lifecycle_state"`
	EntryPrice         *float64              `json:"entry_price,omitempty"`
	ExitPrice          *float64              `json:"exit_price,omitempty"`
	CurrentPrice       *float64              `json:"current_price,omitempty"`
	ROIPct             *float64              `json:"roi_pct,omitempty"`
	ResolvedOutcome    *string               `json:"resolved_outcome,omitempty"`
	OccurredAt         time.Time             `json:"occurred_at"`
}

// NewEvent builds the payload for kind from rec.
func NewEvent(rec *models.TradeRecord, kind models.EventKind) Event {
	ev := Event{
		Kind:               kind,
		TradeID:            rec.TradeID,
		UserID:             rec.CopyUserID,
		MarketID:           rec.MarketID,
		Outcome:            rec.Outcome,
		CopiedTraderWallet: rec.CopiedTraderWallet,
		State:              rec.LifecycleState,
		EntryPrice:         rec.EntryPrice,
		ExitPrice:          rec.ExitPrice,
		CurrentPrice:       rec.CurrentPrice,
		ROIPct:             rec.ROIPct,
		ResolvedOutcome:    rec.ResolvedOutcome,
		OccurredAt:         time.Now().UTC(),
	}
	switch {
	case kind == models.EventClosed && rec.TraderClosedAt != nil:
		ev.OccurredAt = *rec.TraderClosedAt
	case kind == models.EventResolved && rec.MarketResolvedAt != nil:
		ev.OccurredAt = *rec.MarketResolvedAt
	}
	return ev
}

// Channel delivers one notification. A nil error is an acknowledgement.
type Channel interface {
	Send(ctx context.Context, userID string, kind models.EventKind, payload Event) error
}

// Dispatcher sends each (trade, kind) notification once. Callers hold the
// trade's lock, so the flag check and the send are not raced by another
// tracker run.
type Dispatcher struct {
	store   storage.DataStore
	channel Channel
	log     zerolog.Logger
}

func NewDispatcher(store storage.DataStore, channel Channel) *Dispatcher {
	return &Dispatcher{
		store:   store,
		channel: channel,
		log:     log.With().Str("component", "notify").Logger(),
	}
}

// NotifyIfNeeded sends kind for rec unless it was already delivered. The
// persisted flag is re-read first and only set after the channel accepts the
// message, so a failed delivery is tried again on the next poll.
func (d *Dispatcher) NotifyIfNeeded(ctx context.Context, rec *models.TradeRecord, kind models.EventKind) (bool, error) {
	current, err := d.store.GetTrade(ctx, rec.TradeID)
	if err != nil {
		return false, fmt.Errorf("notify: load trade %s: %w", rec.TradeID, err)
	}
	if current == nil {
		return false, models.NewNotFoundError("trade")
	}
	if current.NotificationSent(kind) {
		return false, nil
	}

	if err := d.channel.Send(ctx, current.CopyUserID, kind, NewEvent(current, kind)); err != nil {
		d.log.Warn().Err(err).Str("trade_id", rec.TradeID).Str("kind", string(kind)).Msg("notification not delivered")
		return false, fmt.Errorf("notify: send %s for %s: %w", kind, rec.TradeID, err)
	}

	if err := d.store.MarkNotificationSent(ctx, rec.TradeID, kind); err != nil {
		// Delivered but not recorded: the next poll will send it again.
		d.log.Error().Err(err).Str("trade_id", rec.TradeID).Str("kind", string(kind)).Msg("failed to record notification")
		return true, fmt.Errorf("notify: mark %s for %s: %w", kind, rec.TradeID, err)
	}

	d.log.Info().Str("trade_id", rec.TradeID).Str("user_id", current.CopyUserID).Str("kind", string(kind)).Msg("notification sent")
	return true, nil
}

// LogChannel writes notifications to the log. Used when no webhook is set.
type LogChannel struct {
	log zerolog.Logger
}

func NewLogChannel() *LogChannel {
	return &LogChannel{log: log.With().Str("component", "notify.log").Logger()}
}

func (c *LogChannel) Send(ctx context.Context, userID string, kind models.EventKind, payload Event) error {
	ev := c.log.Info().
		Str("user_id", userID).
		Str("kind", string(kind)).
		Str("trade_id", payload.TradeID).
		Str("market_id", payload.MarketID).
		Str("state", string(payload.State))
	if payload.ROIPct != nil {
		ev = ev.Float64("roi_pct", *payload.ROIPct)
	}
	if payload.ResolvedOutcome != nil {
		ev = ev.Str("resolved_outcome", *payload.ResolvedOutcome)
	}
	ev.Msg("lifecycle notification")
	return nil
}

var (
	_ Channel = (*LogChannel)(nil)
	_ Channel = (*WebhookChannel)(nil)
)
