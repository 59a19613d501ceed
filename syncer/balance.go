package syncer

import (
	"context"
	"fmt"
	"time"

	"polymarket-copytrade/api"
	"polymarket-copytrade/storage"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// BalanceTracker refreshes each account's available collateral from the
// exchange. Reservations are kept in the store and are not touched here, and
// accounts with an order in flight are left for a later cycle.
type BalanceTracker struct {
	store   storage.DataStore
	source  api.CollateralSource
	timeout time.Duration
	log     zerolog.Logger
}

func NewBalanceTracker(store storage.DataStore, source api.CollateralSource, timeout time.Duration) *BalanceTracker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &BalanceTracker{
		store:   store,
		source:  source,
		timeout: timeout,
		log:     log.With().Str("component", "balance").Logger(),
	}
}

func (b *BalanceTracker) Name() string { return "balance" }

func (b *BalanceTracker) RunOnce(ctx context.Context) (CycleStats, error) {
	started := time.Now()
	var c counters

	accounts, err := b.store.ListAccounts(ctx)
	if err != nil {
		return c.stats(b.Name(), started), fmt.Errorf("list accounts: %w", err)
	}

	for _, acct := range accounts {
		if ctx.Err() != nil {
			break
		}
		c.processed.Add(1)

		callCtx, cancel := context.WithTimeout(ctx, b.timeout)
		bal, err := b.source.GetCollateralBalance(callCtx, acct)
		cancel()
		if err != nil {
			c.failures.Add(1)
			b.log.Warn().Err(err).Str("user_id", acct.UserID).Msg("balance fetch failed")
			continue
		}

		if bal.Equal(acct.AvailableUSD) {
			continue
		}
		applied, err := b.store.RefreshAvailableBalance(ctx, acct.UserID, acct.AvailableUSD, bal)
		if err != nil {
			c.failures.Add(1)
			b.log.Warn().Err(err).Str("user_id", acct.UserID).Msg("balance update failed")
			continue
		}
		if !applied {
			// an order is settling; the next cycle sees the settled ledger
			c.skipped.Add(1)
			b.log.Debug().Str("user_id", acct.UserID).Msg("balance refresh deferred")
			continue
		}
		b.log.Debug().
			Str("user_id", acct.UserID).
			Str("old", acct.AvailableUSD.StringFixed(2)).
			Str("new", bal.StringFixed(2)).
			Msg("balance refreshed")
	}
	return c.stats(b.Name(), started), nil
}
