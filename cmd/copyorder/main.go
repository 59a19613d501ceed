package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"polymarket-copytrade/api"
	"polymarket-copytrade/config"
	"polymarket-copytrade/models"
	"polymarket-copytrade/service"
	"polymarket-copytrade/signer"
	"polymarket-copytrade/storage"

	"github.com/joho/godotenv"
)

// copyorder places one copy order through the full submission path. Use it
// to check a user's credentials and balance before enabling auto copy.
func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: no .env file found")
	}

	userID := flag.String("user", "", "user id")
	tokenID := flag.String("token", "", "outcome token id")
	marketID := flag.String("market", "", "market condition id")
	outcome := flag.String("outcome", "Yes", "outcome name")
	trader := flag.String("trader", "", "copied trader wallet")
	price := flag.Float64("price", 0, "limit price before slippage")
	usd := flag.Float64("usd", 1.05, "USD amount to spend")
	intent := flag.String("intent", "", "idempotency key (reuse to retry safely)")
	negRisk := flag.Bool("neg-risk", false, "market uses the neg risk exchange")
	yes := flag.Bool("yes", false, "skip the confirmation prompt")
	flag.Parse()

	if *userID == "" || *tokenID == "" || *marketID == "" || *trader == "" || *price <= 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(os.Getenv("POLYMARKET_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	store, err := storage.Open(ctx, cfg.Data.Driver, cfg.Data.DBPath)
	if err != nil {
		log.Fatalf("open storage: %v", err)
	}
	defer store.Close()

	locker, closeLocker, err := storage.OpenLocker(ctx, cfg.Data.Locker)
	if err != nil {
		log.Fatalf("open locker: %v", err)
	}
	defer closeLocker()

	keys, err := signer.KeyRingFromEnv()
	if err != nil {
		log.Fatalf("load encryption keys: %v", err)
	}

	timeout := time.Duration(cfg.Exchange.HTTPTimeoutMS) * time.Millisecond
	exchange := api.NewClobClient(api.ClobConfig{
		BaseURL:    cfg.Exchange.ClobURL,
		ChainID:    cfg.Exchange.ChainID,
		RatePerSec: cfg.Exchange.RatePerSec,
		Burst:      cfg.Exchange.RateBurst,
		Timeout:    timeout,
	}, signer.NewCustodian(store, keys), api.NewDataClient(cfg.Exchange.DataURL, cfg.Exchange.RatePerSec, cfg.Exchange.RateBurst, timeout))

	acct, err := store.GetAccount(ctx, *userID)
	if err != nil || acct == nil {
		log.Fatalf("account %s not found: %v", *userID, err)
	}
	bal, err := exchange.GetCollateralBalance(ctx, *acct)
	if err != nil {
		log.Fatalf("Failed to read exchange balance: %v", err)
	}
	log.Printf("Credentials OK. Exchange balance: $%s, ledger spendable: $%s", bal.StringFixed(2), acct.Spendable().StringFixed(2))

	if !*yes {
		fmt.Printf("\nPlace a $%.2f BUY of %s @ %.3f copying %s? (yes/no): ", *usd, *outcome, *price, *trader)
		var response string
		fmt.Scanln(&response)
		if response != "yes" {
			log.Println("Skipping order.")
			return
		}
	}

	svc := service.NewService(store, exchange, locker, cfg)
	res, err := svc.SubmitCopyOrder(ctx, &models.OrderIntent{
		Key:                  models.ResolveIntentKey(*intent),
		UserID:               *userID,
		TokenID:              *tokenID,
		MarketID:             *marketID,
		Outcome:              *outcome,
		CopiedTraderWallet:   *trader,
		Side:                 models.SideBuy,
		Price:                *price,
		USDAmount:            *usd,
		OrderType:            models.OrderTypeFAK,
		SlippageToleranceBps: cfg.Submission.DefaultSlippageBps,
		TradeMethod:          models.TradeMethodManual,
		NegRisk:              *negRisk,
	})
	if err != nil {
		log.Fatalf("ORDER FAILED: %s (%v)", models.PublicMessage(err), err)
	}

	out, _ := json.MarshalIndent(res, "", "  ")
	log.Printf("ORDER PLACED:\n%s", out)
}
