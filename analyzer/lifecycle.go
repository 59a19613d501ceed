package analyzer

import (
	"strings"
	"time"

	"polymarket-copytrade/api"
	"polymarket-copytrade/models"
)

// Observation is what one poll learned about a trade's market.
// Snapshot or Position is nil when that lookup failed.
type Observation struct {
	Snapshot *api.MarketSnapshot
	Position *api.Position
}

// Step is the outcome of advancing one record.
type Step struct {
	Record *models.TradeRecord
	From   models.LifecycleState
	// Events are the transitions made by this step.
	Events []models.EventKind
	// Ambiguous is set when resolution could not be decided.
	Ambiguous error
}

// Changed reports whether the lifecycle state moved.
func (s Step) Changed() bool { return s.Record.LifecycleState != s.From }

// Advance applies one observation to rec and returns the updated copy.
// rec itself is not modified. States only move forward: a UserClosed record
// keeps its exit price and ROI and can only gain resolution metadata.
func Advance(rec *models.TradeRecord, obs Observation, th Thresholds, now time.Time) Step {
	next := rec.Clone()
	step := Step{Record: next, From: rec.LifecycleState}
	if rec.LifecycleState.Terminal() {
		return step
	}
	next.LastCheckedAt = models.Time(now)

	res, err := DetectResolution(obs.Snapshot, th)
	if err != nil {
		step.Ambiguous = err
	}
	if res != nil {
		next.LifecycleState = models.StateResolved
		next.MarketResolvedAt = models.Time(now)
		next.ResolvedOutcome = models.String(res.WinningOutcome)
		if rec.LifecycleState != models.StateUserClosed {
			terminal := 0.0
			if strings.EqualFold(strings.TrimSpace(res.WinningOutcome), strings.TrimSpace(rec.Outcome)) {
				terminal = 1.0
			}
			next.CurrentPrice = models.Float(terminal)
			next.ExitPrice = models.Float(terminal)
			next.ROIPct = roiPtr(next.EntryPrice, terminal)
		}
		step.Events = append(step.Events, models.EventResolved)
		return step
	}

	if rec.LifecycleState == models.StateUserClosed {
		return step
	}

	if obs.Snapshot != nil {
		if price, ok := obs.Snapshot.PriceOf(rec.Outcome); ok {
			next.CurrentPrice = models.Float(price)
			next.ROIPct = roiPtr(next.EntryPrice, price)
		}
	}

	if rec.LifecycleState == models.StateOpen && obs.Position != nil && !obs.Position.Held {
		next.LifecycleState = models.StateTraderClosed
		next.TraderClosedAt = models.Time(now)
		step.Events = append(step.Events, models.EventClosed)
	}
	return step
}

// CloseByUser records an explicit user close at exitPrice. The ROI is final.
func CloseByUser(rec *models.TradeRecord, exitPrice float64, now time.Time) (*models.TradeRecord, error) {
	if exitPrice < 0 || exitPrice > 1 || !finite(exitPrice) {
		return nil, models.NewValidationError("exit price must be between 0 and 1")
	}
	if rec.LifecycleState == models.StateUserClosed {
		return nil, models.NewError(models.KindConflict, "already_closed", nil)
	}
	if !models.CanTransition(rec.LifecycleState, models.StateUserClosed) {
		return nil, models.NewError(models.KindConflict, "resolved", nil)
	}
	next := rec.Clone()
	next.LifecycleState = models.StateUserClosed
	next.UserClosedAt = models.Time(now)
	next.ExitPrice = models.Float(exitPrice)
	next.ROIPct = roiPtr(next.EntryPrice, exitPrice)
	return next, nil
}

// DueNotifications lists the events rec has reached but not yet announced.
// A closed notice is only owed when the copied trader exited.
func DueNotifications(rec *models.TradeRecord) []models.EventKind {
	var due []models.EventKind
	if rec.TraderClosedAt != nil && !rec.NotificationClosedSent {
		due = append(due, models.EventClosed)
	}
	if rec.LifecycleState == models.StateResolved && !rec.NotificationResolvedSent {
		due = append(due, models.EventResolved)
	}
	return due
}
