package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"polymarket-copytrade/config"
	"polymarket-copytrade/storage"

	"github.com/joho/godotenv"
)

// inspect prints ledger health: balances, stuck intents and trades still
// being tracked.
func main() {
	godotenv.Load()

	staleAfter := flag.Duration("stale", 2*time.Minute, "age after which a pending intent counts as stuck")
	limit := flag.Int("limit", 50, "max rows per section")
	flag.Parse()

	cfg, err := config.Load(os.Getenv("POLYMARKET_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := storage.Open(ctx, cfg.Data.Driver, cfg.Data.DBPath)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer store.Close()
	fmt.Println("Successfully connected to DB")

	// 1. Balances and holds
	fmt.Println("\n--- Accounts ---")
	accounts, err := store.ListAccounts(ctx)
	if err != nil {
		log.Printf("Error listing accounts: %v", err)
	}
	for _, a := range accounts {
		note := ""
		if a.ReservedUSD.IsNegative() || a.Spendable().IsNegative() {
			note = "  <-- check"
		}
		fmt.Printf("User: %s, Available: %s, Reserved: %s, Spendable: %s%s\n",
			a.UserID, a.AvailableUSD.StringFixed(2), a.ReservedUSD.StringFixed(2), a.Spendable().StringFixed(2), note)
	}

	// 2. Pending intents the janitor has not picked up yet
	fmt.Println("\n--- Stuck pending intents ---")
	stale, err := store.ListStalePendingIntents(ctx, time.Now().Add(-*staleAfter), *limit)
	if err != nil {
		log.Printf("Error querying pending intents: %v", err)
	} else if len(stale) == 0 {
		fmt.Println("No stuck intents found.")
	}
	for _, r := range stale {
		fmt.Printf("User: %s, Intent: %s, Attempts: %d, Order: %s, Held: %s, Age: %s\n",
			r.UserID, r.IntentID, r.Attempts, r.ResultOrderID, r.CostEstimate.StringFixed(2),
			time.Since(r.UpdatedAt).Round(time.Second))
	}

	// 3. Trades still tracked
	fmt.Println("\n--- Tracked trades ---")
	trades, err := store.ListTrackableTrades(ctx, *limit)
	if err != nil {
		log.Printf("Error querying trades: %v", err)
	} else if len(trades) == 0 {
		fmt.Println("No tracked trades.")
	}
	for _, t := range trades {
		last := "never"
		if t.LastCheckedAt != nil {
			last = time.Since(*t.LastCheckedAt).Round(time.Second).String() + " ago"
		}
		fmt.Printf("Trade: %s, User: %s, Market: %s/%s, State: %s, Order: %s, Checked: %s, Sent closed/resolved: %v/%v\n",
			t.TradeID, t.CopyUserID, t.MarketID, t.Outcome, t.LifecycleState, t.OrderStatus, last,
			t.NotificationClosedSent, t.NotificationResolvedSent)
	}
}
