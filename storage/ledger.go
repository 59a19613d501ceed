package storage

import (
	"time"

	"polymarket-copytrade/models"

	"github.com/shopspring/decimal"
)

// Shared ledger rules. Every backend runs these inside its own critical
// section (row locks for SQL, the store mutex in memory).

func newPendingRecord(req ReserveRequest) *models.IdempotencyRecord {
	now := req.Now.UTC()
	return &models.IdempotencyRecord{
		IntentID:     req.IntentID,
		UserID:       req.UserID,
		KeySource:    req.KeySource,
		Status:       models.IntentPending,
		CostEstimate: req.CostEstimate,
		Payload:      req.Payload,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(req.TTL),
	}
}

func markInsufficient(rec *models.IdempotencyRecord, now time.Time) {
	markFailed(rec, FailRequest{
		Kind:      models.KindInsufficientBalance,
		Reason:    "insufficient_balance",
		Retryable: false,
		Now:       now,
	})
}

func markFailed(rec *models.IdempotencyRecord, req FailRequest) {
	rec.Status = models.IntentFailed
	rec.FailureKind = req.Kind
	rec.FailureReason = req.Reason
	rec.Retryable = req.Retryable
	rec.UpdatedAt = req.Now.UTC()
}

func markCompleted(rec *models.IdempotencyRecord, req CompleteRequest) {
	rec.Status = models.IntentCompleted
	rec.ResultOrderID = req.OrderID
	if req.Trade != nil {
		rec.TradeID = req.Trade.TradeID
	}
	rec.FailureKind = ""
	rec.FailureReason = ""
	rec.Retryable = false
	rec.UpdatedAt = req.Now.UTC()
}

// releaseHold never lets the reserved figure go negative, even when a
// balance refresh raced with a hold release.
func releaseHold(reserved, cost decimal.Decimal) decimal.Decimal {
	out := reserved.Sub(cost)
	if out.IsNegative() {
		return decimal.Zero
	}
	return out
}

// alreadyCompleted reports whether a CompleteIntent retry hit its own earlier write.
func alreadyCompleted(rec *models.IdempotencyRecord, orderID string) bool {
	return rec.Status == models.IntentCompleted && rec.ResultOrderID == orderID
}
