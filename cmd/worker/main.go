package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"polymarket-copytrade/api"
	"polymarket-copytrade/config"
	"polymarket-copytrade/notify"
	"polymarket-copytrade/service"
	"polymarket-copytrade/signer"
	"polymarket-copytrade/storage"
	"polymarket-copytrade/syncer"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func init() {
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		log.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Info().Msg("[worker] No .env file found, using environment variables")
	}

	cfg, err := config.Load(os.Getenv("POLYMARKET_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("[worker] failed to load config")
	}

	ctx := context.Background()
	store, err := storage.Open(ctx, cfg.Data.Driver, cfg.Data.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("[worker] failed to init storage")
	}
	defer store.Close()

	locker, closeLocker, err := storage.OpenLocker(ctx, cfg.Data.Locker)
	if err != nil {
		log.Fatal().Err(err).Msg("[worker] failed to init locker")
	}
	defer closeLocker()

	keys, err := signer.KeyRingFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("[worker] failed to load encryption keys")
	}

	httpTimeout := time.Duration(cfg.Exchange.HTTPTimeoutMS) * time.Millisecond
	positions := api.NewDataClient(cfg.Exchange.DataURL, cfg.Exchange.RatePerSec, cfg.Exchange.RateBurst, httpTimeout)
	exchange := api.NewClobClient(api.ClobConfig{
		BaseURL:    cfg.Exchange.ClobURL,
		ChainID:    cfg.Exchange.ChainID,
		RatePerSec: cfg.Exchange.RatePerSec,
		Burst:      cfg.Exchange.RateBurst,
		Timeout:    httpTimeout,
	}, signer.NewCustodian(store, keys), positions)
	markets := api.NewGammaClient(cfg.Exchange.GammaURL, cfg.Exchange.RatePerSec, cfg.Exchange.RateBurst, httpTimeout)

	var channel notify.Channel = notify.NewLogChannel()
	if cfg.Notify.WebhookURL != "" {
		channel = notify.NewWebhookChannel(cfg.Notify.WebhookURL, cfg.Notify.RatePerSec,
			time.Duration(cfg.Notify.TimeoutMS)*time.Millisecond)
	}
	dispatcher := notify.NewDispatcher(store, channel)

	var metrics syncer.MetricsSink = syncer.NewMemoryMetrics()
	if cfg.Data.Locker == "redis" {
		if rdb, err := storage.NewRedisClient(ctx); err == nil {
			defer rdb.Close()
			metrics = syncer.NewMetricsStore(rdb)
		} else {
			log.Warn().Err(err).Msg("[worker] redis metrics unavailable, keeping them in memory")
		}
	}

	svc := service.NewService(store, exchange, locker, cfg)

	w := syncer.NewWorker(metrics)
	w.Add(syncer.NewLifecycleTracker(store, exchange, markets, locker, dispatcher, cfg.Lifecycle), cfg.Lifecycle.Interval())
	w.Add(syncer.NewIntentJanitor(store, svc, cfg.Janitor), seconds(cfg.Janitor.IntervalSec))
	if cfg.Balance.Enabled {
		w.Add(syncer.NewBalanceTracker(store, exchange, httpTimeout), seconds(cfg.Balance.IntervalSec))
	}

	w.Start()
	log.Info().
		Int("lifecycle_interval_sec", cfg.Lifecycle.IntervalSec).
		Int("parallelism", cfg.Lifecycle.Parallelism).
		Bool("webhook", cfg.Notify.WebhookURL != "").
		Msg("[worker] Worker is running. Press Ctrl+C to stop.")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("[worker] Received shutdown signal, stopping gracefully...")
	w.Stop()
}
