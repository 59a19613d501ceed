package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"polymarket-copytrade/analyzer"
	"polymarket-copytrade/api"
	"polymarket-copytrade/config"
	"polymarket-copytrade/ledger"
	"polymarket-copytrade/models"
	"polymarket-copytrade/storage"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// persistTimeout bounds ledger writes that must survive the caller going away.
const persistTimeout = 5 * time.Second

// Service coordinates order submission between the ledger, the exchange and
// the trade store.
type Service struct {
	store    storage.DataStore
	guard    *ledger.Guard
	exchange api.Exchange
	locker   storage.Locker
	cfg      *config.Config
	now      func() time.Time
	log      zerolog.Logger
}

// NewService creates a new service
func NewService(store storage.DataStore, exchange api.Exchange, locker storage.Locker, cfg *config.Config) *Service {
	return &Service{
		store:    store,
		guard:    ledger.NewGuard(store, cfg.Submission),
		exchange: exchange,
		locker:   locker,
		cfg:      cfg,
		now:      time.Now,
		log:      log.With().Str("component", "coordinator").Logger(),
	}
}

// SubmitCopyOrder places intent on the exchange at most once. Duplicate
// submissions of the same (user, intent) observe the first one's result.
func (s *Service) SubmitCopyOrder(ctx context.Context, intent *models.OrderIntent) (*models.SubmitResult, error) {
	if err := intent.Validate(); err != nil {
		return nil, err
	}

	acct, err := s.store.GetAccount(ctx, intent.UserID)
	if err != nil {
		return nil, models.Internal("get account: %w", err)
	}
	if acct == nil {
		return nil, models.NewNotFoundError("account")
	}

	res, err := s.guard.Reserve(ctx, intent)
	if err != nil {
		return nil, err
	}

	switch res.Outcome {
	case storage.Insufficient:
		return nil, res.Record.FailureError()
	case storage.Duplicate:
		rec := res.Record
		if rec.Status == models.IntentPending {
			if rec, err = s.guard.Await(ctx, intent.UserID, intent.Key.Value); err != nil {
				return nil, err
			}
		}
		return s.resultFromRecord(ctx, rec, intent.Key.Source)
	}

	return s.execute(ctx, intent, *acct)
}

// BuildOrderRequest is the exchange order an intent turns into. The same
// intent and account always give the same request, and so the same order id.
func BuildOrderRequest(intent *models.OrderIntent, acct models.Account) api.OrderRequest {
	return api.OrderRequest{
		IntentKey: intent.Key.Value,
		Account:   acct,
		TokenID:   intent.TokenID,
		Side:      intent.Side,
		Price:     intent.LimitPrice(),
		Size:      intent.RequestedSize(),
		OrderType: intent.OrderType,
		NegRisk:   intent.NegRisk,
	}
}

// execute drives a freshly reserved intent to completion or failure. A
// reclaimed intent only gets here once its earlier attempts are known not to
// have reached the exchange.
func (s *Service) execute(ctx context.Context, intent *models.OrderIntent, acct models.Account) (*models.SubmitResult, error) {
	logger := s.log.With().Str("user_id", intent.UserID).Str("intent_id", intent.Key.Value).Logger()
	req := BuildOrderRequest(intent, acct)

	orderID, err := s.exchange.OrderHash(req)
	if err != nil {
		return nil, s.fail(ctx, intent, models.NewError(models.KindExchangeRejected, api.ReasonRejected, err))
	}

	b := &backoff.Backoff{
		Min:    s.cfg.Submission.BackoffMin(),
		Max:    s.cfg.Submission.BackoffMax(),
		Factor: 2,
		Jitter: true,
	}
	maxAttempts := s.cfg.Submission.MaxAttempts

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := s.guard.Attempt(ctx, intent, orderID); err != nil {
			return nil, err
		}

		result, err := s.createOrder(ctx, req)
		if err == nil {
			return s.finalize(ctx, intent, req, result)
		}
		lastErr = err

		ee, isExchange := api.AsExchangeError(err)
		if !isExchange {
			// signer failures and anything unexpected are final for this order
			return nil, s.fail(ctx, intent, mapExchangeError(err))
		}

		if ee.Ambiguous {
			found, lookupErr := s.findOrder(ctx, req)
			if lookupErr != nil {
				// Unknown outcome. Leave the intent pending for reconciliation
				// rather than risk a second order.
				logger.Warn().Err(err).AnErr("lookup_error", lookupErr).Msg("submission outcome unknown")
				return nil, models.NewError(models.KindTimeout, "outcome_unknown", err)
			}
			if found != nil {
				logger.Info().Str("order_id", found.OrderID).Msg("ambiguous submission landed")
				return s.finalize(ctx, intent, req, found)
			}
		}

		if !ee.Retryable() || attempt == maxAttempts {
			break
		}
		wait := b.Duration()
		logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", wait).Msg("retrying order submission")
		select {
		case <-ctx.Done():
			return nil, s.fail(ctx, intent, models.NewError(models.KindTimeout, "cancelled", ctx.Err()))
		case <-time.After(wait):
		}
	}

	logger.Warn().Err(lastErr).Msg("order submission failed")
	return nil, s.fail(ctx, intent, mapExchangeError(lastErr))
}

func (s *Service) createOrder(ctx context.Context, req api.OrderRequest) (*api.OrderResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Submission.CallTimeout())
	defer cancel()
	return s.exchange.CreateOrder(callCtx, req)
}

func (s *Service) findOrder(ctx context.Context, req api.OrderRequest) (*api.OrderResult, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Submission.CallTimeout())
	defer cancel()
	return s.exchange.FindOrder(callCtx, req)
}

// fail records cause on the ledger and returns it.
func (s *Service) fail(ctx context.Context, intent *models.OrderIntent, cause error) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := s.guard.Fail(pctx, intent, cause); err != nil {
		s.log.Error().Err(err).Str("intent_id", intent.Key.Value).Msg("failed to record intent failure")
	}
	return cause
}

// finalize turns an accepted exchange order into a trade record.
func (s *Service) finalize(ctx context.Context, intent *models.OrderIntent, req api.OrderRequest, res *api.OrderResult) (*models.SubmitResult, error) {
	status := res.FillStatus(req.Size)
	if status == models.OrderRejected {
		return nil, s.fail(ctx, intent, models.NewError(models.KindExchangeRejected, api.ReasonInsufficientLiquidity,
			fmt.Errorf("order %s ended %s with no fill", res.OrderID, res.Status)))
	}

	now := s.now().UTC()
	trade := &models.TradeRecord{
		TradeID:            uuid.NewString(),
		CopyUserID:         intent.UserID,
		CopiedTraderWallet: intent.CopiedTraderWallet,
		MarketID:           intent.MarketID,
		Outcome:            intent.Outcome,
		TokenID:            intent.TokenID,
		Side:               intent.Side,
		IntentID:           intent.Key.Value,
		OrderID:            res.OrderID,
		OrderStatus:        status,
		TradeMethod:        intent.TradeMethod,
		RequestedUSD:       intent.RequestedUSD(),
		LifecycleState:     models.StateOpen,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	trade.ApplyFill(res.AvgFillPrice, res.FilledSize)
	if trade.EntryPrice != nil {
		trade.CurrentPrice = models.Float(*trade.EntryPrice)
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := s.guard.Complete(pctx, intent, res.OrderID, trade, cashFlow(intent.Side, res)); err != nil {
		// The order exists; the janitor finishes the intent from its order id.
		s.log.Error().Err(err).Str("intent_id", intent.Key.Value).Str("order_id", res.OrderID).Msg("failed to persist accepted order")
		return nil, err
	}

	s.log.Info().
		Str("user_id", intent.UserID).
		Str("trade_id", trade.TradeID).
		Str("order_id", res.OrderID).
		Str("status", string(status)).
		Float64("invested_usd", trade.InvestedUSD).
		Msg("copy order placed")

	return &models.SubmitResult{
		IntentID:  intent.Key.Value,
		KeySource: intent.Key.Source,
		TradeID:   trade.TradeID,
		OrderID:   res.OrderID,
		Status:    status,
		Trade:     trade,
	}, nil
}

// resultFromRecord answers a duplicate submission from the ledger.
func (s *Service) resultFromRecord(ctx context.Context, rec *models.IdempotencyRecord, source models.KeySource) (*models.SubmitResult, error) {
	if rec.Status == models.IntentFailed {
		return nil, rec.FailureError()
	}
	out := &models.SubmitResult{
		IntentID:  rec.IntentID,
		KeySource: source,
		TradeID:   rec.TradeID,
		OrderID:   rec.ResultOrderID,
		Duplicate: true,
	}
	if rec.TradeID == "" {
		return out, nil
	}
	trade, err := s.store.GetTrade(ctx, rec.TradeID)
	if err != nil {
		return nil, models.Internal("get trade: %w", err)
	}
	if trade != nil {
		out.Status = trade.OrderStatus
		out.Trade = trade
	}
	return out, nil
}

// Reconcile finishes a pending intent whose submitter went away. It asks the
// exchange for the deterministic order and either records the trade or
// releases the intent for a retry.
func (s *Service) Reconcile(ctx context.Context, rec models.IdempotencyRecord) error {
	if rec.Status != models.IntentPending {
		return nil
	}
	intent := rec.Payload
	if intent == nil {
		return fmt.Errorf("intent %s has no payload", rec.IntentID)
	}
	if rec.Attempts == 0 {
		s.fail(ctx, intent, models.NewError(models.KindInternal, "abandoned", nil))
		return nil
	}

	acct, err := s.store.GetAccount(ctx, rec.UserID)
	if err != nil {
		return fmt.Errorf("get account: %w", err)
	}
	if acct == nil {
		return fmt.Errorf("account %s not found", rec.UserID)
	}

	req := BuildOrderRequest(intent, *acct)
	found, err := s.findOrder(ctx, req)
	if err != nil {
		return fmt.Errorf("find order for intent %s: %w", rec.IntentID, err)
	}
	if found == nil {
		s.log.Info().Str("intent_id", rec.IntentID).Msg("stale intent never reached the exchange")
		s.fail(ctx, intent, models.NewError(models.KindTimeout, "abandoned", nil))
		return nil
	}
	_, err = s.finalize(ctx, intent, req, found)
	if errors.Is(err, models.ErrExchangeRejected) {
		return nil
	}
	return err
}

// MarkTradeClosed records the user's own exit at exitPrice.
func (s *Service) MarkTradeClosed(ctx context.Context, userID, tradeID string, exitPrice float64) (*models.TradeRecord, error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.cfg.Lifecycle.LockTTL())
	defer cancel()
	unlock, err := storage.AcquireLock(lockCtx, s.locker, TradeLockKey(tradeID), s.cfg.Lifecycle.LockTTL(), 50*time.Millisecond)
	if err != nil {
		if errors.Is(err, storage.ErrLockHeld) {
			return nil, models.NewError(models.KindConflict, "busy", err)
		}
		return nil, models.Internal("lock trade: %w", err)
	}
	defer unlock()

	rec, err := s.GetTradeStatus(ctx, userID, tradeID)
	if err != nil {
		return nil, err
	}

	next, err := analyzer.CloseByUser(rec, exitPrice, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateTrade(ctx, next, rec.LifecycleState); err != nil {
		if errors.Is(err, models.ErrConflict) {
			return nil, err
		}
		return nil, models.Internal("update trade: %w", err)
	}

	s.log.Info().Str("trade_id", tradeID).Float64("exit_price", exitPrice).Msg("trade closed by user")
	return next, nil
}

// GetTradeStatus returns the trade if it belongs to userID.
func (s *Service) GetTradeStatus(ctx context.Context, userID, tradeID string) (*models.TradeRecord, error) {
	rec, err := s.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, models.Internal("get trade: %w", err)
	}
	if rec == nil || rec.CopyUserID != userID {
		return nil, models.NewNotFoundError("trade")
	}
	return rec, nil
}

// TradeLockKey is the lock shared by the tracker and user actions on a trade.
func TradeLockKey(tradeID string) string {
	return "trade:" + tradeID
}

// cashFlow is the collateral an order moved: paid for buys, received (negative) for sells.
func cashFlow(side models.Side, res *api.OrderResult) decimal.Decimal {
	if res.FilledSize <= 0 || res.AvgFillPrice <= 0 {
		return decimal.Zero
	}
	amount := decimal.NewFromFloat(res.AvgFillPrice).Mul(decimal.NewFromFloat(res.FilledSize)).Round(6)
	if side == models.SideSell {
		return amount.Neg()
	}
	return amount
}

// mapExchangeError converts adapter failures into the user-facing taxonomy.
func mapExchangeError(err error) error {
	if err == nil {
		return nil
	}
	var ce *models.CopyError
	if errors.As(err, &ce) {
		return err
	}
	if ee, ok := api.AsExchangeError(err); ok {
		switch ee.Reason {
		case api.ReasonRejected, api.ReasonInsufficientLiquidity, api.ReasonInsufficientBalance, api.ReasonNotFound:
			return models.NewError(models.KindExchangeRejected, ee.Reason, err)
		case api.ReasonUnauthorized:
			return models.NewError(models.KindCredentialDecryption, ee.Reason, err)
		case api.ReasonTimeout:
			return models.NewError(models.KindTimeout, ee.Reason, err)
		default:
			return models.NewError(models.KindNetwork, ee.Reason, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.NewError(models.KindTimeout, "deadline", err)
	}
	return models.Internal("submit order: %w", err)
}
