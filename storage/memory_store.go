package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"polymarket-copytrade/models"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-process DataStore. A single mutex stands in for the
// row locks the SQL backends take, so the ledger rules hold under concurrency.
type MemoryStore struct {
	mu sync.Mutex

	Accounts    map[string]*models.Account
	Credentials map[string]string
	Intents     map[string]*models.IdempotencyRecord // userID|intentID
	Trades      map[string]*models.TradeRecord

	// Call tracking for assertions
	Calls map[string]int

	// Error injection for testing error paths
	ErrorOnNext map[string]error
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Accounts:    make(map[string]*models.Account),
		Credentials: make(map[string]string),
		Intents:     make(map[string]*models.IdempotencyRecord),
		Trades:      make(map[string]*models.TradeRecord),
		Calls:       make(map[string]int),
		ErrorOnNext: make(map[string]error),
	}
}

func (m *MemoryStore) trackCall(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls[name]++
	if err, ok := m.ErrorOnNext[name]; ok {
		delete(m.ErrorOnNext, name)
		return err
	}
	return nil
}

// CallCount returns how many times name was invoked.
func (m *MemoryStore) CallCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls[name]
}

// FailNext makes the next call to name return err.
func (m *MemoryStore) FailNext(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ErrorOnNext[name] = err
}

func intentMapKey(userID, intentID string) string { return userID + "|" + intentID }

func cloneIntent(r *models.IdempotencyRecord) *models.IdempotencyRecord {
	c := *r
	return &c
}

func (m *MemoryStore) Close() error {
	return m.trackCall("Close")
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return m.trackCall("Ping")
}

func (m *MemoryStore) GetAccount(ctx context.Context, userID string) (*models.Account, error) {
	if err := m.trackCall("GetAccount"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.Accounts[userID]
	if !ok {
		return nil, nil
	}
	c := *acct
	return &c, nil
}

func (m *MemoryStore) UpsertAccount(ctx context.Context, acct models.Account) error {
	if err := m.trackCall("UpsertAccount"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.Accounts[acct.UserID]; ok {
		acct.ReservedUSD = existing.ReservedUSD
	}
	acct.UpdatedAt = time.Now().UTC()
	m.Accounts[acct.UserID] = &acct
	return nil
}

func (m *MemoryStore) ListAccounts(ctx context.Context) ([]models.Account, error) {
	if err := m.trackCall("ListAccounts"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Account, 0, len(m.Accounts))
	for _, a := range m.Accounts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *MemoryStore) RefreshAvailableBalance(ctx context.Context, userID string, observed, available decimal.Decimal) (bool, error) {
	if err := m.trackCall("RefreshAvailableBalance"); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.Accounts[userID]
	if !ok {
		return false, models.NewNotFoundError("account")
	}
	if !acct.AvailableUSD.Equal(observed) || !acct.ReservedUSD.IsZero() {
		return false, nil
	}
	for _, rec := range m.Intents {
		if rec.UserID == userID && rec.Status == models.IntentPending {
			return false, nil
		}
	}
	acct.AvailableUSD = available
	acct.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemoryStore) GetCredentialBlob(ctx context.Context, ref string) (string, error) {
	if err := m.trackCall("GetCredentialBlob"); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Credentials[ref], nil
}

func (m *MemoryStore) PutCredentialBlob(ctx context.Context, ref, blob string) error {
	if err := m.trackCall("PutCredentialBlob"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Credentials[ref] = blob
	return nil
}

func (m *MemoryStore) ReserveIntent(ctx context.Context, req ReserveRequest) (*ReserveResult, error) {
	if err := m.trackCall("ReserveIntent"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := intentMapKey(req.UserID, req.IntentID)
	if existing, ok := m.Intents[key]; ok && !existing.Reclaimable(req.Now) {
		return &ReserveResult{Outcome: Duplicate, Record: cloneIntent(existing)}, nil
	}

	acct, ok := m.Accounts[req.UserID]
	if !ok {
		return nil, models.NewNotFoundError("account")
	}

	rec := newPendingRecord(req)
	if req.CostEstimate.GreaterThan(acct.Spendable()) {
		markInsufficient(rec, req.Now)
		m.Intents[key] = rec
		return &ReserveResult{Outcome: Insufficient, Record: cloneIntent(rec)}, nil
	}

	acct.ReservedUSD = acct.ReservedUSD.Add(req.CostEstimate)
	m.Intents[key] = rec
	return &ReserveResult{Outcome: Reserved, Record: cloneIntent(rec)}, nil
}

func (m *MemoryStore) GetIntent(ctx context.Context, userID, intentID string) (*models.IdempotencyRecord, error) {
	if err := m.trackCall("GetIntent"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.Intents[intentMapKey(userID, intentID)]
	if !ok {
		return nil, nil
	}
	return cloneIntent(rec), nil
}

func (m *MemoryStore) RecordIntentAttempt(ctx context.Context, userID, intentID, orderID string) error {
	if err := m.trackCall("RecordIntentAttempt"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.Intents[intentMapKey(userID, intentID)]
	if !ok || rec.Status != models.IntentPending {
		return models.ErrConflict
	}
	rec.Attempts++
	rec.ResultOrderID = orderID
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) CompleteIntent(ctx context.Context, req CompleteRequest) error {
	if err := m.trackCall("CompleteIntent"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.Intents[intentMapKey(req.UserID, req.IntentID)]
	if !ok {
		return models.NewNotFoundError("intent")
	}
	if alreadyCompleted(rec, req.OrderID) {
		return nil
	}
	if rec.Status != models.IntentPending {
		return models.ErrConflict
	}
	if req.Trade != nil {
		if _, dup := m.Trades[req.Trade.TradeID]; dup {
			return models.ErrConflict
		}
		m.Trades[req.Trade.TradeID] = req.Trade.Clone()
	}
	if acct, ok := m.Accounts[req.UserID]; ok {
		acct.ReservedUSD = releaseHold(acct.ReservedUSD, rec.CostEstimate)
		acct.AvailableUSD = acct.AvailableUSD.Sub(req.Spend)
	}
	markCompleted(rec, req)
	return nil
}

func (m *MemoryStore) FailIntent(ctx context.Context, req FailRequest) error {
	if err := m.trackCall("FailIntent"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.Intents[intentMapKey(req.UserID, req.IntentID)]
	if !ok {
		return models.NewNotFoundError("intent")
	}
	if rec.Status != models.IntentPending {
		return nil
	}
	if acct, ok := m.Accounts[req.UserID]; ok {
		acct.ReservedUSD = releaseHold(acct.ReservedUSD, rec.CostEstimate)
	}
	markFailed(rec, req)
	return nil
}

func (m *MemoryStore) ListStalePendingIntents(ctx context.Context, olderThan time.Time, limit int) ([]models.IdempotencyRecord, error) {
	if err := m.trackCall("ListStalePendingIntents"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.IdempotencyRecord
	for _, rec := range m.Intents {
		if rec.Status == models.IntentPending && rec.UpdatedAt.Before(olderThan) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) DeleteExpiredIntents(ctx context.Context, now time.Time) (int64, error) {
	if err := m.trackCall("DeleteExpiredIntents"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, rec := range m.Intents {
		if rec.Status != models.IntentPending && rec.Expired(now) {
			delete(m.Intents, k)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) GetTrade(ctx context.Context, tradeID string) (*models.TradeRecord, error) {
	if err := m.trackCall("GetTrade"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.Trades[tradeID]
	if !ok {
		return nil, nil
	}
	return t.Clone(), nil
}

func (m *MemoryStore) ListTrackableTrades(ctx context.Context, limit int) ([]models.TradeRecord, error) {
	if err := m.trackCall("ListTrackableTrades"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.TradeRecord
	for _, t := range m.Trades {
		if trackable(t) {
			out = append(out, *t.Clone())
		}
	}
	// Never-checked first, then least recently checked.
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastCheckedAt, out[j].LastCheckedAt
		switch {
		case a == nil && b == nil:
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		case a == nil:
			return true
		case b == nil:
			return false
		}
		return a.Before(*b)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdateTrade(ctx context.Context, rec *models.TradeRecord, expected models.LifecycleState) error {
	if err := m.trackCall("UpdateTrade"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.Trades[rec.TradeID]
	if !ok {
		return models.NewNotFoundError("trade")
	}
	if cur.LifecycleState != expected {
		return models.ErrConflict
	}
	next := rec.Clone()
	// Notification flags only move through MarkNotificationSent.
	next.NotificationClosedSent = cur.NotificationClosedSent
	next.NotificationResolvedSent = cur.NotificationResolvedSent
	next.UpdatedAt = time.Now().UTC()
	m.Trades[rec.TradeID] = next
	return nil
}

func (m *MemoryStore) MarkNotificationSent(ctx context.Context, tradeID string, kind models.EventKind) error {
	if err := m.trackCall("MarkNotificationSent"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.Trades[tradeID]
	if !ok {
		return models.NewNotFoundError("trade")
	}
	switch kind {
	case models.EventClosed:
		t.NotificationClosedSent = true
	case models.EventResolved:
		t.NotificationResolvedSent = true
	default:
		return models.NewValidationError("unknown event kind")
	}
	return nil
}

// trackable matches the SQL backends: anything not resolved, plus records
// with a notification still owed.
func trackable(t *models.TradeRecord) bool {
	return t.LifecycleState != models.StateResolved ||
		!t.NotificationResolvedSent ||
		(t.TraderClosedAt != nil && !t.NotificationClosedSent)
}

// SeedTrade inserts a trade directly, bypassing the ledger. Test helper.
func (m *MemoryStore) SeedTrade(t *models.TradeRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Trades[t.TradeID] = t.Clone()
}
