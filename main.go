package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"polymarket-copytrade/api"
	"polymarket-copytrade/config"
	"polymarket-copytrade/handlers"
	"polymarket-copytrade/service"
	"polymarket-copytrade/signer"
	"polymarket-copytrade/storage"
	"polymarket-copytrade/syncer"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func init() {
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		log.Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Info().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load(os.Getenv("POLYMARKET_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx := context.Background()
	store, err := storage.Open(ctx, cfg.Data.Driver, cfg.Data.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init storage")
	}
	defer store.Close()

	locker, closeLocker, err := storage.OpenLocker(ctx, cfg.Data.Locker)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init locker")
	}
	defer closeLocker()

	keys, err := signer.KeyRingFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load encryption keys")
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

	svc := service.NewService(store, exchange, locker, cfg)

	// Worker metrics are only readable when the worker shares Redis with us
	var metrics syncer.MetricsSink
	if cfg.Data.Locker == "redis" {
		if rdb, err := storage.NewRedisClient(ctx); err == nil {
			defer rdb.Close()
			metrics = syncer.NewMetricsStore(rdb)
		} else {
			log.Warn().Err(err).Msg("worker metrics unavailable")
		}
	}

	h := handlers.NewHandler(cfg, svc, store, metrics)
	router := handlers.NewRouter(h)

	port := os.Getenv("PORT")
	if port == "" {
		port = strconv.Itoa(cfg.Server.Port)
	}

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutMS) * time.Millisecond,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutMS) * time.Millisecond,
	}

	go func() {
		log.Info().Str("port", port).Str("driver", cfg.Data.Driver).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutMS)*time.Millisecond)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("Server exiting")
}
