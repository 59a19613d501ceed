package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"polymarket-copytrade/api"
	"polymarket-copytrade/config"
	"polymarket-copytrade/service"
	"polymarket-copytrade/storage"

	"github.com/joho/godotenv"
)

// orderhash prints the exchange order id an intent maps to, so an operator
// can look a stuck intent up on the CLOB by hand.
func main() {
	godotenv.Load()

	userID := flag.String("user", "", "user id")
	intentID := flag.String("intent", "", "intent id")
	flag.Parse()
	if *userID == "" || *intentID == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(os.Getenv("POLYMARKET_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := storage.Open(ctx, cfg.Data.Driver, cfg.Data.DBPath)
	if err != nil {
		log.Fatalf("open storage: %v", err)
	}
	defer store.Close()

	rec, err := store.GetIntent(ctx, *userID, *intentID)
	if err != nil {
		log.Fatalf("get intent: %v", err)
	}
	if rec == nil || rec.Payload == nil {
		log.Fatalf("intent %s/%s not found", *userID, *intentID)
	}
	acct, err := store.GetAccount(ctx, *userID)
	if err != nil || acct == nil {
		log.Fatalf("get account %s: %v", *userID, err)
	}

	// Hashing needs no credentials; the client never signs or calls out here.
	clob := api.NewClobClient(api.ClobConfig{BaseURL: cfg.Exchange.ClobURL, ChainID: cfg.Exchange.ChainID}, nil, nil)
	req := service.BuildOrderRequest(rec.Payload, *acct)
	orderID, err := clob.OrderHash(req)
	if err != nil {
		log.Fatalf("hash order: %v", err)
	}

	fmt.Println("Intent:")
	fmt.Printf("  status:    %s\n", rec.Status)
	fmt.Printf("  attempts:  %d\n", rec.Attempts)
	fmt.Printf("  updated:   %s\n", rec.UpdatedAt.Format(time.RFC3339))
	fmt.Println("Order:")
	fmt.Printf("  token:     %s\n", req.TokenID)
	fmt.Printf("  side:      %s\n", req.Side)
	fmt.Printf("  price:     %.4f\n", req.Price)
	fmt.Printf("  size:      %.4f\n", req.Size)
	fmt.Printf("  neg risk:  %v\n", req.NegRisk)
	fmt.Printf("  order id:  %s\n", orderID)
	if rec.ResultOrderID != "" && rec.ResultOrderID != orderID {
		fmt.Printf("  WARNING: ledger has order id %s\n", rec.ResultOrderID)
	}
}
