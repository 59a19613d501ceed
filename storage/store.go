package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"polymarket-copytrade/models"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// Store wraps SQLite persistence for single-node deployments. The pool is
// capped at one connection, so every ledger transaction runs serialized.
type Store struct {
	db *sql.DB
}

// Fixed-width UTC layout keeps TEXT timestamps lexically ordered.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

// New opens (and creates if needed) the SQLite database at dbPath.
func New(dbPath string) (*Store, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("storage: db path is empty")
	}

	if dbPath != ":memory:" && !strings.HasPrefix(dbPath, "file:") {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("storage: mkdir %s: %w", filepath.Dir(dbPath), err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)

	store := &Store{db: db}
	if err := store.runMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) runMigrations(ctx context.Context) error {
	const schema = `
    PRAGMA foreign_keys = ON;

    CREATE TABLE IF NOT EXISTS copy_accounts (
        user_id TEXT PRIMARY KEY,
        wallet_address TEXT NOT NULL,
        signer_address TEXT NOT NULL DEFAULT '',
        signature_type INTEGER NOT NULL DEFAULT 0,
        credentials_ref TEXT NOT NULL DEFAULT '',
        available_usd TEXT NOT NULL DEFAULT '0',
        reserved_usd TEXT NOT NULL DEFAULT '0',
        updated_at TEXT NOT NULL
    );

    CREATE TABLE IF NOT EXISTS custodial_credentials (
        ref TEXT PRIMARY KEY,
        blob TEXT NOT NULL,
        updated_at TEXT NOT NULL
    );

    CREATE TABLE IF NOT EXISTS copy_intents (
        user_id TEXT NOT NULL,
        intent_id TEXT NOT NULL,
        key_source TEXT NOT NULL,
        status TEXT NOT NULL,
        result_order_id TEXT NOT NULL DEFAULT '',
        trade_id TEXT NOT NULL DEFAULT '',
        cost_estimate TEXT NOT NULL DEFAULT '0',
        attempts INTEGER NOT NULL DEFAULT 0,
        failure_kind TEXT NOT NULL DEFAULT '',
        failure_reason TEXT NOT NULL DEFAULT '',
        retryable INTEGER NOT NULL DEFAULT 0,
        payload TEXT,
        created_at TEXT NOT NULL,
        updated_at TEXT NOT NULL,
        expires_at TEXT NOT NULL,
        PRIMARY KEY (user_id, intent_id)
    );
    CREATE INDEX IF NOT EXISTS idx_copy_intents_status ON copy_intents(status, updated_at);

    CREATE TABLE IF NOT EXISTS copy_trades (
        trade_id TEXT PRIMARY KEY,
        copy_user_id TEXT NOT NULL,
        copied_trader_wallet TEXT NOT NULL,
        market_id TEXT NOT NULL,
        outcome TEXT NOT NULL,
        token_id TEXT NOT NULL,
        side TEXT NOT NULL,
        intent_id TEXT NOT NULL,
        order_id TEXT NOT NULL DEFAULT '',
        order_status TEXT NOT NULL,
        trade_method TEXT NOT NULL,
        requested_usd REAL NOT NULL DEFAULT 0,
        entry_price REAL,
        filled_size REAL,
        invested_usd REAL NOT NULL DEFAULT 0,
        lifecycle_state TEXT NOT NULL,
        current_price REAL,
        exit_price REAL,
        roi_pct REAL,
        trader_closed_at TEXT,
        user_closed_at TEXT,
        market_resolved_at TEXT,
        resolved_outcome TEXT,
        notification_closed_sent INTEGER NOT NULL DEFAULT 0,
        notification_resolved_sent INTEGER NOT NULL DEFAULT 0,
        last_checked_at TEXT,
        created_at TEXT NOT NULL,
        updated_at TEXT NOT NULL,
        UNIQUE (copy_user_id, intent_id)
    );
    CREATE INDEX IF NOT EXISTS idx_copy_trades_tracking ON copy_trades(lifecycle_state, last_checked_at);
    `

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("storage: migrate: %w", err)
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ---------------------------------------------------------------------------
// Accounts

const sqliteAccountColumns = `user_id, wallet_address, signer_address, signature_type, credentials_ref,
    available_usd, reserved_usd, updated_at`

func scanSQLiteAccount(row rowScanner) (*models.Account, error) {
	var a models.Account
	var available, reserved, updated string
	if err := row.Scan(&a.UserID, &a.WalletAddress, &a.SignerAddress, &a.SignatureType, &a.CredentialsRef,
		&available, &reserved, &updated); err != nil {
		return nil, err
	}
	var err error
	if a.AvailableUSD, err = decimal.NewFromString(available); err != nil {
		return nil, fmt.Errorf("storage: parse available_usd: %w", err)
	}
	if a.ReservedUSD, err = decimal.NewFromString(reserved); err != nil {
		return nil, fmt.Errorf("storage: parse reserved_usd: %w", err)
	}
	a.UpdatedAt = parseTime(updated)
	return &a, nil
}

func (s *Store) GetAccount(ctx context.Context, userID string) (*models.Account, error) {
	a, err := scanSQLiteAccount(s.db.QueryRowContext(ctx, `SELECT `+sqliteAccountColumns+` FROM copy_accounts WHERE user_id = ?`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (s *Store) UpsertAccount(ctx context.Context, acct models.Account) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO copy_accounts (user_id, wallet_address, signer_address, signature_type, credentials_ref, available_usd, reserved_usd, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, '0', ?)
        ON CONFLICT (user_id) DO UPDATE SET
            wallet_address = excluded.wallet_address,
            signer_address = excluded.signer_address,
            signature_type = excluded.signature_type,
            credentials_ref = excluded.credentials_ref,
            available_usd = excluded.available_usd,
            updated_at = excluded.updated_at
    `, acct.UserID, acct.WalletAddress, acct.SignerAddress, acct.SignatureType, acct.CredentialsRef,
		acct.AvailableUSD.String(), timeString(time.Now()))
	return err
}

func (s *Store) ListAccounts(ctx context.Context) ([]models.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteAccountColumns+` FROM copy_accounts ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Account
	for rows.Next() {
		a, err := scanSQLiteAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *Store) RefreshAvailableBalance(ctx context.Context, userID string, observed, available decimal.Decimal) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	acct, err := scanSQLiteAccount(tx.QueryRowContext(ctx,
		`SELECT `+sqliteAccountColumns+` FROM copy_accounts WHERE user_id = ?`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return false, models.NewNotFoundError("account")
	}
	if err != nil {
		return false, err
	}
	if !acct.AvailableUSD.Equal(observed) || !acct.ReservedUSD.IsZero() {
		return false, nil
	}
	var pending int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM copy_intents WHERE user_id = ? AND status = ?`, userID, string(models.IntentPending)).Scan(&pending); err != nil {
		return false, err
	}
	if pending > 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE copy_accounts SET available_usd = ?, updated_at = ? WHERE user_id = ?`,
		available.String(), timeString(time.Now()), userID); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *Store) GetCredentialBlob(ctx context.Context, ref string) (string, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM custodial_credentials WHERE ref = ?`, ref).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return blob, err
}

func (s *Store) PutCredentialBlob(ctx context.Context, ref, blob string) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO custodial_credentials (ref, blob, updated_at) VALUES (?, ?, ?)
        ON CONFLICT (ref) DO UPDATE SET blob = excluded.blob, updated_at = excluded.updated_at
    `, ref, blob, timeString(time.Now()))
	return err
}

// ---------------------------------------------------------------------------
// Idempotency ledger

const sqliteIntentColumns = `user_id, intent_id, key_source, status, result_order_id, trade_id,
    cost_estimate, attempts, failure_kind, failure_reason, retryable, payload,
    created_at, updated_at, expires_at`

func scanSQLiteIntent(row rowScanner) (*models.IdempotencyRecord, error) {
	var r models.IdempotencyRecord
	var source, status, kind, cost, created, updated, expires string
	var payload sql.NullString
	if err := row.Scan(&r.UserID, &r.IntentID, &source, &status, &r.ResultOrderID, &r.TradeID,
		&cost, &r.Attempts, &kind, &r.FailureReason, &r.Retryable, &payload,
		&created, &updated, &expires); err != nil {
		return nil, err
	}
	r.KeySource = models.KeySource(source)
	r.Status = models.IntentStatus(status)
	r.FailureKind = models.ErrorKind(kind)
	r.CreatedAt = parseTime(created)
	r.UpdatedAt = parseTime(updated)
	r.ExpiresAt = parseTime(expires)
	var err error
	if r.CostEstimate, err = decimal.NewFromString(cost); err != nil {
		return nil, fmt.Errorf("storage: parse cost_estimate: %w", err)
	}
	if payload.Valid && payload.String != "" {
		var intent models.OrderIntent
		if err := json.Unmarshal([]byte(payload.String), &intent); err != nil {
			return nil, fmt.Errorf("storage: decode intent payload: %w", err)
		}
		r.Payload = &intent
	}
	return &r, nil
}

func (s *Store) upsertIntentTx(ctx context.Context, tx *sql.Tx, r *models.IdempotencyRecord) error {
	payload, err := marshalPayload(r.Payload)
	if err != nil {
		return err
	}
	var payloadArg any
	if payload != nil {
		payloadArg = string(payload)
	}
	_, err = tx.ExecContext(ctx, `
        INSERT INTO copy_intents (`+sqliteIntentColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (user_id, intent_id) DO UPDATE SET
            key_source = excluded.key_source, status = excluded.status,
            result_order_id = excluded.result_order_id, trade_id = excluded.trade_id,
            cost_estimate = excluded.cost_estimate, attempts = excluded.attempts,
            failure_kind = excluded.failure_kind, failure_reason = excluded.failure_reason,
            retryable = excluded.retryable, payload = excluded.payload,
            created_at = excluded.created_at, updated_at = excluded.updated_at, expires_at = excluded.expires_at
    `, r.UserID, r.IntentID, string(r.KeySource), string(r.Status), r.ResultOrderID, r.TradeID,
		r.CostEstimate.String(), r.Attempts, string(r.FailureKind), r.FailureReason, r.Retryable, payloadArg,
		timeString(r.CreatedAt), timeString(r.UpdatedAt), timeString(r.ExpiresAt))
	return err
}

func (s *Store) getIntent(ctx context.Context, q rowQuerier, userID, intentID string) (*models.IdempotencyRecord, error) {
	rec, err := scanSQLiteIntent(q.QueryRowContext(ctx,
		`SELECT `+sqliteIntentColumns+` FROM copy_intents WHERE user_id = ? AND intent_id = ?`, userID, intentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (s *Store) ReserveIntent(ctx context.Context, req ReserveRequest) (*ReserveResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	existing, err := s.getIntent(ctx, tx, req.UserID, req.IntentID)
	if err != nil {
		return nil, err
	}
	if existing != nil && !existing.Reclaimable(req.Now) {
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return &ReserveResult{Outcome: Duplicate, Record: existing}, nil
	}

	acct, err := scanSQLiteAccount(tx.QueryRowContext(ctx,
		`SELECT `+sqliteAccountColumns+` FROM copy_accounts WHERE user_id = ?`, req.UserID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewNotFoundError("account")
	}
	if err != nil {
		return nil, err
	}

	rec := newPendingRecord(req)
	outcome := Reserved
	if req.CostEstimate.GreaterThan(acct.Spendable()) {
		markInsufficient(rec, req.Now)
		outcome = Insufficient
	} else if _, err := tx.ExecContext(ctx, `UPDATE copy_accounts SET reserved_usd = ?, updated_at = ? WHERE user_id = ?`,
		acct.ReservedUSD.Add(req.CostEstimate).String(), timeString(req.Now), req.UserID); err != nil {
		return nil, err
	}

	if err := s.upsertIntentTx(ctx, tx, rec); err != nil {
		return nil, fmt.Errorf("storage: write intent: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &ReserveResult{Outcome: outcome, Record: rec}, nil
}

func (s *Store) GetIntent(ctx context.Context, userID, intentID string) (*models.IdempotencyRecord, error) {
	return s.getIntent(ctx, s.db, userID, intentID)
}

func (s *Store) RecordIntentAttempt(ctx context.Context, userID, intentID, orderID string) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE copy_intents SET attempts = attempts + 1, result_order_id = ?, updated_at = ?
        WHERE user_id = ? AND intent_id = ? AND status = 'pending'
    `, orderID, timeString(time.Now()), userID, intentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrConflict
	}
	return nil
}

// adjustAccountTx releases the hold and debits spend in one write.
func (s *Store) adjustAccountTx(ctx context.Context, tx *sql.Tx, userID string, hold, spend decimal.Decimal, now time.Time) error {
	acct, err := scanSQLiteAccount(tx.QueryRowContext(ctx,
		`SELECT `+sqliteAccountColumns+` FROM copy_accounts WHERE user_id = ?`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE copy_accounts SET reserved_usd = ?, available_usd = ?, updated_at = ? WHERE user_id = ?`,
		releaseHold(acct.ReservedUSD, hold).String(), acct.AvailableUSD.Sub(spend).String(), timeString(now), userID)
	return err
}

func (s *Store) CompleteIntent(ctx context.Context, req CompleteRequest) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rec, err := s.getIntent(ctx, tx, req.UserID, req.IntentID)
	if err != nil {
		return err
	}
	if rec == nil {
		return models.NewNotFoundError("intent")
	}
	if alreadyCompleted(rec, req.OrderID) {
		return nil
	}
	if rec.Status != models.IntentPending {
		return models.ErrConflict
	}

	if req.Trade != nil {
		if err := s.insertTradeTx(ctx, tx, req.Trade); err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return models.ErrConflict
			}
			return fmt.Errorf("storage: insert trade: %w", err)
		}
	}
	if err := s.adjustAccountTx(ctx, tx, req.UserID, rec.CostEstimate, req.Spend, req.Now); err != nil {
		return err
	}

	markCompleted(rec, req)
	if err := s.upsertIntentTx(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) FailIntent(ctx context.Context, req FailRequest) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rec, err := s.getIntent(ctx, tx, req.UserID, req.IntentID)
	if err != nil {
		return err
	}
	if rec == nil {
		return models.NewNotFoundError("intent")
	}
	if rec.Status != models.IntentPending {
		return nil
	}
	if err := s.adjustAccountTx(ctx, tx, req.UserID, rec.CostEstimate, decimal.Zero, req.Now); err != nil {
		return err
	}

	markFailed(rec, req)
	if err := s.upsertIntentTx(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ListStalePendingIntents(ctx context.Context, olderThan time.Time, limit int) ([]models.IdempotencyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT `+sqliteIntentColumns+` FROM copy_intents
        WHERE status = 'pending' AND updated_at < ?
        ORDER BY updated_at
        LIMIT ?
    `, timeString(olderThan), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.IdempotencyRecord
	for rows.Next() {
		rec, err := scanSQLiteIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *Store) DeleteExpiredIntents(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM copy_intents WHERE status <> 'pending' AND expires_at <= ?`, timeString(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---------------------------------------------------------------------------
// Trade records

func scanSQLiteTrade(row rowScanner) (*models.TradeRecord, error) {
	var t models.TradeRecord
	var side, orderStatus, method, state, created, updated string
	var entry, filled, current, exit, roi sql.NullFloat64
	var traderClosed, userClosed, resolvedAt, resolvedOutcome, lastChecked sql.NullString
	if err := row.Scan(&t.TradeID, &t.CopyUserID, &t.CopiedTraderWallet, &t.MarketID, &t.Outcome, &t.TokenID, &side,
		&t.IntentID, &t.OrderID, &orderStatus, &method, &t.RequestedUSD, &entry, &filled, &t.InvestedUSD,
		&state, &current, &exit, &roi, &traderClosed, &userClosed,
		&resolvedAt, &resolvedOutcome, &t.NotificationClosedSent, &t.NotificationResolvedSent,
		&lastChecked, &created, &updated); err != nil {
		return nil, err
	}
	t.Side = models.Side(side)
	t.OrderStatus = models.OrderStatus(orderStatus)
	t.TradeMethod = models.TradeMethod(method)
	t.LifecycleState = models.LifecycleState(state)
	t.EntryPrice = nullFloat(entry)
	t.FilledSize = nullFloat(filled)
	t.CurrentPrice = nullFloat(current)
	t.ExitPrice = nullFloat(exit)
	t.ROIPct = nullFloat(roi)
	t.TraderClosedAt = nullTime(traderClosed)
	t.UserClosedAt = nullTime(userClosed)
	t.MarketResolvedAt = nullTime(resolvedAt)
	t.LastCheckedAt = nullTime(lastChecked)
	if resolvedOutcome.Valid {
		t.ResolvedOutcome = models.String(resolvedOutcome.String)
	}
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	return &t, nil
}

func (s *Store) insertTradeTx(ctx context.Context, tx *sql.Tx, t *models.TradeRecord) error {
	_, err := tx.ExecContext(ctx, `
        INSERT INTO copy_trades (`+tradeColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, t.TradeID, t.CopyUserID, t.CopiedTraderWallet, t.MarketID, t.Outcome, t.TokenID, string(t.Side),
		t.IntentID, t.OrderID, string(t.OrderStatus), string(t.TradeMethod), t.RequestedUSD,
		floatArg(t.EntryPrice), floatArg(t.FilledSize), t.InvestedUSD,
		string(t.LifecycleState), floatArg(t.CurrentPrice), floatArg(t.ExitPrice), floatArg(t.ROIPct),
		timeArg(t.TraderClosedAt), timeArg(t.UserClosedAt), timeArg(t.MarketResolvedAt), stringArg(t.ResolvedOutcome),
		t.NotificationClosedSent, t.NotificationResolvedSent,
		timeArg(t.LastCheckedAt), timeString(t.CreatedAt), timeString(t.UpdatedAt))
	return err
}

func (s *Store) GetTrade(ctx context.Context, tradeID string) (*models.TradeRecord, error) {
	t, err := scanSQLiteTrade(s.db.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM copy_trades WHERE trade_id = ?`, tradeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func (s *Store) ListTrackableTrades(ctx context.Context, limit int) ([]models.TradeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT `+tradeColumns+` FROM copy_trades
        WHERE lifecycle_state <> 'resolved'
           OR notification_resolved_sent = 0
           OR (trader_closed_at IS NOT NULL AND notification_closed_sent = 0)
        ORDER BY last_checked_at IS NOT NULL, last_checked_at, created_at
        LIMIT ?
    `, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TradeRecord
	for rows.Next() {
		t, err := scanSQLiteTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *Store) UpdateTrade(ctx context.Context, t *models.TradeRecord, expected models.LifecycleState) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE copy_trades SET
            order_id = ?, order_status = ?, entry_price = ?, filled_size = ?, invested_usd = ?,
            lifecycle_state = ?, current_price = ?, exit_price = ?, roi_pct = ?,
            trader_closed_at = ?, user_closed_at = ?, market_resolved_at = ?, resolved_outcome = ?,
            last_checked_at = ?, updated_at = ?
        WHERE trade_id = ? AND lifecycle_state = ?
    `, t.OrderID, string(t.OrderStatus), floatArg(t.EntryPrice), floatArg(t.FilledSize), t.InvestedUSD,
		string(t.LifecycleState), floatArg(t.CurrentPrice), floatArg(t.ExitPrice), floatArg(t.ROIPct),
		timeArg(t.TraderClosedAt), timeArg(t.UserClosedAt), timeArg(t.MarketResolvedAt), stringArg(t.ResolvedOutcome),
		timeArg(t.LastCheckedAt), timeString(time.Now()), t.TradeID, string(expected))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := s.GetTrade(ctx, t.TradeID)
		if err != nil {
			return err
		}
		if existing == nil {
			return models.NewNotFoundError("trade")
		}
		return models.ErrConflict
	}
	return nil
}

func (s *Store) MarkNotificationSent(ctx context.Context, tradeID string, kind models.EventKind) error {
	var column string
	switch kind {
	case models.EventClosed:
		column = "notification_closed_sent"
	case models.EventResolved:
		column = "notification_resolved_sent"
	default:
		return models.NewValidationError("unknown event kind")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE copy_trades SET `+column+` = 1, updated_at = ? WHERE trade_id = ?`,
		timeString(time.Now()), tradeID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.NewNotFoundError("trade")
	}
	return nil
}

func timeString(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(sqliteTime)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(sqliteTime, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func timeArg(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return timeString(*t)
}

func floatArg(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

func stringArg(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return models.Float(v.Float64)
}

func nullTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	return models.Time(parseTime(v.String))
}
