package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"polymarket-copytrade/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresStore is the production DataStore. Ledger writes run in one
// transaction with the intent row and the balance row locked FOR UPDATE.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a new PostgreSQL store with connection pooling
func NewPostgres() (*PostgresStore, error) {
	// Build PostgreSQL connection string
	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	user := getEnv("POSTGRES_USER", "copytrade")
	password := getEnv("POSTGRES_PASSWORD", "copytrade")
	dbname := getEnv("POSTGRES_DB", "copytrade")

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, password, host, port, dbname)
	return NewPostgresFromURL(context.Background(), connStr)
}

// NewPostgresFromURL connects, pings and migrates.
func NewPostgresFromURL(ctx context.Context, connStr string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute
	config.HealthCheckPeriod = 30 * time.Second

	// Bound slow queries and lock waits so a stuck ledger row fails the request
	config.ConnConfig.RuntimeParams["statement_timeout"] = "30000"
	config.ConnConfig.RuntimeParams["lock_timeout"] = "10000"
	config.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"] = "60000"

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Close releases database connections
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) runMigrations(ctx context.Context) error {
	const schema = `
    CREATE TABLE IF NOT EXISTS copy_accounts (
        user_id TEXT PRIMARY KEY,
        wallet_address TEXT NOT NULL,
        signer_address TEXT NOT NULL DEFAULT '',
        signature_type INT NOT NULL DEFAULT 0,
        credentials_ref TEXT NOT NULL DEFAULT '',
        available_usd NUMERIC(20,6) NOT NULL DEFAULT 0,
        reserved_usd NUMERIC(20,6) NOT NULL DEFAULT 0,
        updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );

    CREATE TABLE IF NOT EXISTS custodial_credentials (
        ref TEXT PRIMARY KEY,
        blob TEXT NOT NULL,
        updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );

    CREATE TABLE IF NOT EXISTS copy_intents (
        user_id TEXT NOT NULL,
        intent_id TEXT NOT NULL,
        key_source TEXT NOT NULL,
        status TEXT NOT NULL,
        result_order_id TEXT NOT NULL DEFAULT '',
        trade_id TEXT NOT NULL DEFAULT '',
        cost_estimate NUMERIC(20,6) NOT NULL DEFAULT 0,
        attempts INT NOT NULL DEFAULT 0,
        failure_kind TEXT NOT NULL DEFAULT '',
        failure_reason TEXT NOT NULL DEFAULT '',
        retryable BOOLEAN NOT NULL DEFAULT FALSE,
        payload JSONB,
        created_at TIMESTAMPTZ NOT NULL,
        updated_at TIMESTAMPTZ NOT NULL,
        expires_at TIMESTAMPTZ NOT NULL,
        PRIMARY KEY (user_id, intent_id)
    );
    CREATE INDEX IF NOT EXISTS idx_copy_intents_status ON copy_intents(status, updated_at);
    CREATE INDEX IF NOT EXISTS idx_copy_intents_expiry ON copy_intents(expires_at);

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
        requested_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
        entry_price DOUBLE PRECISION,
        filled_size DOUBLE PRECISION,
        invested_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
        lifecycle_state TEXT NOT NULL,
        current_price DOUBLE PRECISION,
        exit_price DOUBLE PRECISION,
        roi_pct DOUBLE PRECISION,
        trader_closed_at TIMESTAMPTZ,
        user_closed_at TIMESTAMPTZ,
        market_resolved_at TIMESTAMPTZ,
        resolved_outcome TEXT,
        notification_closed_sent BOOLEAN NOT NULL DEFAULT FALSE,
        notification_resolved_sent BOOLEAN NOT NULL DEFAULT FALSE,
        last_checked_at TIMESTAMPTZ,
        created_at TIMESTAMPTZ NOT NULL,
        updated_at TIMESTAMPTZ NOT NULL,
        UNIQUE (copy_user_id, intent_id)
    );
    CREATE INDEX IF NOT EXISTS idx_copy_trades_tracking ON copy_trades(lifecycle_state, last_checked_at NULLS FIRST);
    `
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Accounts

const accountColumns = `user_id, wallet_address, signer_address, signature_type, credentials_ref,
    available_usd::text, reserved_usd::text, updated_at`

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	var available, reserved string
	if err := row.Scan(&a.UserID, &a.WalletAddress, &a.SignerAddress, &a.SignatureType, &a.CredentialsRef,
		&available, &reserved, &a.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if a.AvailableUSD, err = decimal.NewFromString(available); err != nil {
		return nil, fmt.Errorf("postgres: parse available_usd: %w", err)
	}
	if a.ReservedUSD, err = decimal.NewFromString(reserved); err != nil {
		return nil, fmt.Errorf("postgres: parse reserved_usd: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*models.Account, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM copy_accounts WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (s *PostgresStore) UpsertAccount(ctx context.Context, acct models.Account) error {
	_, err := s.pool.Exec(ctx, `
        INSERT INTO copy_accounts (user_id, wallet_address, signer_address, signature_type, credentials_ref, available_usd, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6::numeric, NOW())
        ON CONFLICT (user_id) DO UPDATE SET
            wallet_address = EXCLUDED.wallet_address,
            signer_address = EXCLUDED.signer_address,
            signature_type = EXCLUDED.signature_type,
            credentials_ref = EXCLUDED.credentials_ref,
            available_usd = EXCLUDED.available_usd,
            updated_at = NOW()
    `, acct.UserID, acct.WalletAddress, acct.SignerAddress, acct.SignatureType, acct.CredentialsRef, acct.AvailableUSD.String())
	return err
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]models.Account, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+accountColumns+` FROM copy_accounts ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RefreshAvailableBalance(ctx context.Context, userID string, observed, available decimal.Decimal) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
        UPDATE copy_accounts SET available_usd = $3::numeric, updated_at = NOW()
        WHERE user_id = $1
          AND available_usd = $2::numeric
          AND reserved_usd = 0
          AND NOT EXISTS (SELECT 1 FROM copy_intents WHERE user_id = $1 AND status = 'pending')
    `, userID, observed.String(), available.String())
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM copy_accounts WHERE user_id = $1)`, userID).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, models.NewNotFoundError("account")
	}
	return false, nil
}

func (s *PostgresStore) GetCredentialBlob(ctx context.Context, ref string) (string, error) {
	var blob string
	err := s.pool.QueryRow(ctx, `SELECT blob FROM custodial_credentials WHERE ref = $1`, ref).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return blob, err
}

func (s *PostgresStore) PutCredentialBlob(ctx context.Context, ref, blob string) error {
	_, err := s.pool.Exec(ctx, `
        INSERT INTO custodial_credentials (ref, blob, updated_at) VALUES ($1, $2, NOW())
        ON CONFLICT (ref) DO UPDATE SET blob = EXCLUDED.blob, updated_at = NOW()
    `, ref, blob)
	return err
}

// ---------------------------------------------------------------------------
// Idempotency ledger

const intentColumns = `user_id, intent_id, key_source, status, result_order_id, trade_id,
    cost_estimate::text, attempts, failure_kind, failure_reason, retryable, payload,
    created_at, updated_at, expires_at`

func scanIntent(row pgx.Row) (*models.IdempotencyRecord, error) {
	var r models.IdempotencyRecord
	var source, status, kind, cost string
	var payload []byte
	if err := row.Scan(&r.UserID, &r.IntentID, &source, &status, &r.ResultOrderID, &r.TradeID,
		&cost, &r.Attempts, &kind, &r.FailureReason, &r.Retryable, &payload,
		&r.CreatedAt, &r.UpdatedAt, &r.ExpiresAt); err != nil {
		return nil, err
	}
	r.KeySource = models.KeySource(source)
	r.Status = models.IntentStatus(status)
	r.FailureKind = models.ErrorKind(kind)
	var err error
	if r.CostEstimate, err = decimal.NewFromString(cost); err != nil {
		return nil, fmt.Errorf("postgres: parse cost_estimate: %w", err)
	}
	if len(payload) > 0 {
		var intent models.OrderIntent
		if err := json.Unmarshal(payload, &intent); err != nil {
			return nil, fmt.Errorf("postgres: decode intent payload: %w", err)
		}
		r.Payload = &intent
	}
	return &r, nil
}

func marshalPayload(p *models.OrderIntent) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	return json.Marshal(p)
}

func (s *PostgresStore) lockIntent(ctx context.Context, tx pgx.Tx, userID, intentID string) (*models.IdempotencyRecord, error) {
	rec, err := scanIntent(tx.QueryRow(ctx,
		`SELECT `+intentColumns+` FROM copy_intents WHERE user_id = $1 AND intent_id = $2 FOR UPDATE`, userID, intentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.NewNotFoundError("intent")
	}
	return rec, err
}

func (s *PostgresStore) writeIntent(ctx context.Context, tx pgx.Tx, r *models.IdempotencyRecord) error {
	payload, err := marshalPayload(r.Payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
        UPDATE copy_intents SET
            key_source = $3, status = $4, result_order_id = $5, trade_id = $6, cost_estimate = $7::numeric,
            attempts = $8, failure_kind = $9, failure_reason = $10, retryable = $11, payload = $12,
            created_at = $13, updated_at = $14, expires_at = $15
        WHERE user_id = $1 AND intent_id = $2
    `, r.UserID, r.IntentID, string(r.KeySource), string(r.Status), r.ResultOrderID, r.TradeID, r.CostEstimate.String(),
		r.Attempts, string(r.FailureKind), r.FailureReason, r.Retryable, payload,
		r.CreatedAt, r.UpdatedAt, r.ExpiresAt)
	return err
}

func (s *PostgresStore) ReserveIntent(ctx context.Context, req ReserveRequest) (*ReserveResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rec := newPendingRecord(req)
	payload, err := marshalPayload(rec.Payload)
	if err != nil {
		return nil, err
	}

	// Concurrent inserts of the same key block on the unique index until the
	// first transaction commits, then fall through to the locked read below.
	tag, err := tx.Exec(ctx, `
        INSERT INTO copy_intents (user_id, intent_id, key_source, status, cost_estimate, payload, created_at, updated_at, expires_at)
        VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9)
        ON CONFLICT (user_id, intent_id) DO NOTHING
    `, rec.UserID, rec.IntentID, string(rec.KeySource), string(rec.Status), rec.CostEstimate.String(), payload,
		rec.CreatedAt, rec.UpdatedAt, rec.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("postgres: insert intent: %w", err)
	}

	if tag.RowsAffected() == 0 {
		existing, err := s.lockIntent(ctx, tx, req.UserID, req.IntentID)
		if err != nil {
			return nil, err
		}
		if !existing.Reclaimable(req.Now) {
			if err := tx.Commit(ctx); err != nil {
				return nil, err
			}
			return &ReserveResult{Outcome: Duplicate, Record: existing}, nil
		}
		if err := s.writeIntent(ctx, tx, rec); err != nil {
			return nil, fmt.Errorf("postgres: reclaim intent: %w", err)
		}
	}

	acct, err := scanAccount(tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM copy_accounts WHERE user_id = $1 FOR UPDATE`, req.UserID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.NewNotFoundError("account")
	}
	if err != nil {
		return nil, err
	}

	outcome := Reserved
	if req.CostEstimate.GreaterThan(acct.Spendable()) {
		markInsufficient(rec, req.Now)
		if err := s.writeIntent(ctx, tx, rec); err != nil {
			return nil, err
		}
		outcome = Insufficient
	} else if _, err := tx.Exec(ctx,
		`UPDATE copy_accounts SET reserved_usd = reserved_usd + $2::numeric, updated_at = NOW() WHERE user_id = $1`,
		req.UserID, req.CostEstimate.String()); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &ReserveResult{Outcome: outcome, Record: rec}, nil
}

func (s *PostgresStore) GetIntent(ctx context.Context, userID, intentID string) (*models.IdempotencyRecord, error) {
	rec, err := scanIntent(s.pool.QueryRow(ctx,
		`SELECT `+intentColumns+` FROM copy_intents WHERE user_id = $1 AND intent_id = $2`, userID, intentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (s *PostgresStore) RecordIntentAttempt(ctx context.Context, userID, intentID, orderID string) error {
	tag, err := s.pool.Exec(ctx, `
        UPDATE copy_intents SET attempts = attempts + 1, result_order_id = $3, updated_at = NOW()
        WHERE user_id = $1 AND intent_id = $2 AND status = 'pending'
    `, userID, intentID, orderID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrConflict
	}
	return nil
}

func (s *PostgresStore) CompleteIntent(ctx context.Context, req CompleteRequest) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	rec, err := s.lockIntent(ctx, tx, req.UserID, req.IntentID)
	if err != nil {
		return err
	}
	if alreadyCompleted(rec, req.OrderID) {
		return nil
	}
	if rec.Status != models.IntentPending {
		return models.ErrConflict
	}

	if req.Trade != nil {
		if err := insertTrade(ctx, tx, req.Trade); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return models.ErrConflict
			}
			return fmt.Errorf("postgres: insert trade: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `
        UPDATE copy_accounts SET
            reserved_usd = GREATEST(reserved_usd - $2::numeric, 0),
            available_usd = available_usd - $3::numeric,
            updated_at = NOW()
        WHERE user_id = $1
    `, req.UserID, rec.CostEstimate.String(), req.Spend.String()); err != nil {
		return err
	}

	markCompleted(rec, req)
	if err := s.writeIntent(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) FailIntent(ctx context.Context, req FailRequest) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	rec, err := s.lockIntent(ctx, tx, req.UserID, req.IntentID)
	if err != nil {
		return err
	}
	if rec.Status != models.IntentPending {
		return nil
	}

	if _, err := tx.Exec(ctx, `
        UPDATE copy_accounts SET reserved_usd = GREATEST(reserved_usd - $2::numeric, 0), updated_at = NOW()
        WHERE user_id = $1
    `, req.UserID, rec.CostEstimate.String()); err != nil {
		return err
	}

	markFailed(rec, req)
	if err := s.writeIntent(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListStalePendingIntents(ctx context.Context, olderThan time.Time, limit int) ([]models.IdempotencyRecord, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT `+intentColumns+` FROM copy_intents
        WHERE status = 'pending' AND updated_at < $1
        ORDER BY updated_at
        LIMIT $2
    `, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.IdempotencyRecord
	for rows.Next() {
		rec, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteExpiredIntents(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM copy_intents WHERE status <> 'pending' AND expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ---------------------------------------------------------------------------
// Trade records

const tradeColumns = `trade_id, copy_user_id, copied_trader_wallet, market_id, outcome, token_id, side,
    intent_id, order_id, order_status, trade_method, requested_usd, entry_price, filled_size, invested_usd,
    lifecycle_state, current_price, exit_price, roi_pct, trader_closed_at, user_closed_at,
    market_resolved_at, resolved_outcome, notification_closed_sent, notification_resolved_sent,
    last_checked_at, created_at, updated_at`

func scanTrade(row pgx.Row) (*models.TradeRecord, error) {
	var t models.TradeRecord
	var side, orderStatus, method, state string
	if err := row.Scan(&t.TradeID, &t.CopyUserID, &t.CopiedTraderWallet, &t.MarketID, &t.Outcome, &t.TokenID, &side,
		&t.IntentID, &t.OrderID, &orderStatus, &method, &t.RequestedUSD, &t.EntryPrice, &t.FilledSize, &t.InvestedUSD,
		&state, &t.CurrentPrice, &t.ExitPrice, &t.ROIPct, &t.TraderClosedAt, &t.UserClosedAt,
		&t.MarketResolvedAt, &t.ResolvedOutcome, &t.NotificationClosedSent, &t.NotificationResolvedSent,
		&t.LastCheckedAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Side = models.Side(side)
	t.OrderStatus = models.OrderStatus(orderStatus)
	t.TradeMethod = models.TradeMethod(method)
	t.LifecycleState = models.LifecycleState(state)
	return &t, nil
}

func insertTrade(ctx context.Context, tx pgx.Tx, t *models.TradeRecord) error {
	_, err := tx.Exec(ctx, `
        INSERT INTO copy_trades (`+tradeColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
                $21, $22, $23, $24, $25, $26, $27, $28)
    `, t.TradeID, t.CopyUserID, t.CopiedTraderWallet, t.MarketID, t.Outcome, t.TokenID, string(t.Side),
		t.IntentID, t.OrderID, string(t.OrderStatus), string(t.TradeMethod), t.RequestedUSD, t.EntryPrice, t.FilledSize, t.InvestedUSD,
		string(t.LifecycleState), t.CurrentPrice, t.ExitPrice, t.ROIPct, t.TraderClosedAt, t.UserClosedAt,
		t.MarketResolvedAt, t.ResolvedOutcome, t.NotificationClosedSent, t.NotificationResolvedSent,
		t.LastCheckedAt, t.CreatedAt, t.UpdatedAt)
	return err
}

func (s *PostgresStore) GetTrade(ctx context.Context, tradeID string) (*models.TradeRecord, error) {
	t, err := scanTrade(s.pool.QueryRow(ctx, `SELECT `+tradeColumns+` FROM copy_trades WHERE trade_id = $1`, tradeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func (s *PostgresStore) ListTrackableTrades(ctx context.Context, limit int) ([]models.TradeRecord, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT `+tradeColumns+` FROM copy_trades
        WHERE lifecycle_state <> 'resolved'
           OR NOT notification_resolved_sent
           OR (trader_closed_at IS NOT NULL AND NOT notification_closed_sent)
        ORDER BY last_checked_at NULLS FIRST, created_at
        LIMIT $1
    `, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TradeRecord
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// UpdateTrade writes every mutable column except the notification flags,
// guarded by a compare-and-set on the lifecycle state the caller read.
func (s *PostgresStore) UpdateTrade(ctx context.Context, t *models.TradeRecord, expected models.LifecycleState) error {
	tag, err := s.pool.Exec(ctx, `
        UPDATE copy_trades SET
            order_id = $3, order_status = $4, entry_price = $5, filled_size = $6, invested_usd = $7,
            lifecycle_state = $8, current_price = $9, exit_price = $10, roi_pct = $11,
            trader_closed_at = $12, user_closed_at = $13, market_resolved_at = $14, resolved_outcome = $15,
            last_checked_at = $16, updated_at = NOW()
        WHERE trade_id = $1 AND lifecycle_state = $2
    `, t.TradeID, string(expected), t.OrderID, string(t.OrderStatus), t.EntryPrice, t.FilledSize, t.InvestedUSD,
		string(t.LifecycleState), t.CurrentPrice, t.ExitPrice, t.ROIPct,
		t.TraderClosedAt, t.UserClosedAt, t.MarketResolvedAt, t.ResolvedOutcome, t.LastCheckedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
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

func (s *PostgresStore) MarkNotificationSent(ctx context.Context, tradeID string, kind models.EventKind) error {
	var column string
	switch kind {
	case models.EventClosed:
		column = "notification_closed_sent"
	case models.EventResolved:
		column = "notification_resolved_sent"
	default:
		return models.NewValidationError("unknown event kind")
	}
	tag, err := s.pool.Exec(ctx, `UPDATE copy_trades SET `+column+` = TRUE, updated_at = NOW() WHERE trade_id = $1`, tradeID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.NewNotFoundError("trade")
	}
	return nil
}
