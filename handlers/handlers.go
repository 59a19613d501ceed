package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"polymarket-copytrade/config"
	"polymarket-copytrade/middleware"
	"polymarket-copytrade/models"
	"polymarket-copytrade/service"
	"polymarket-copytrade/syncer"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler handles HTTP requests
type Handler struct {
	cfg     *config.Config
	service *service.Service
	store   Pinger
	metrics syncer.MetricsSink
}

// NewHandler creates a new handler. metrics may be nil.
func NewHandler(cfg *config.Config, svc *service.Service, store Pinger, metrics syncer.MetricsSink) *Handler {
	return &Handler{
		cfg:     cfg,
		service: svc,
		store:   store,
		metrics: metrics,
	}
}

// NewRouter wires the routes and middleware.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger())

	r.GET("/healthz", h.Health)

	limiter := middleware.NewRateLimiter(h.cfg.Server.RateLimitPerSec, h.cfg.Server.RateLimitBurst)
	api := r.Group("/api", middleware.BasicAuth(), middleware.RequireUser(), limiter.Middleware())
	api.POST("/copy-orders", h.SubmitCopyOrder)
	api.GET("/trades/:id", middleware.ValidateTradeID(), h.GetTradeStatus)
	api.POST("/trades/:id/close", middleware.ValidateTradeID(), h.MarkTradeClosed)
	api.GET("/metrics", h.GetMetrics)
	return r
}

type copyOrderRequest struct {
	IntentID             string  `json:"intent_id"`
	TokenID              string  `json:"token_id"`
	MarketID             string  `json:"market_id"`
	Outcome              string  `json:"outcome"`
	CopiedTraderWallet   string  `json:"copied_trader_wallet"`
	Side                 string  `json:"side"`
	Price                float64 `json:"price"`
	Size                 float64 `json:"size"`
	USDAmount            float64 `json:"usd_amount"`
	OrderType            string  `json:"order_type"`
	SlippageToleranceBps *int    `json:"slippage_tolerance_bps"`
	TradeMethod          string  `json:"trade_method"`
	NegRisk              bool    `json:"neg_risk"`
}

func (h *Handler) intentFrom(c *gin.Context, req copyOrderRequest) *models.OrderIntent {
	key := c.GetHeader("Idempotency-Key")
	if key == "" {
		key = req.IntentID
	}
	slippage := h.cfg.Submission.DefaultSlippageBps
	if req.SlippageToleranceBps != nil {
		slippage = *req.SlippageToleranceBps
	}
	orderType := models.OrderType(strings.ToUpper(req.OrderType))
	if orderType == "" {
		orderType = models.OrderTypeFAK
	}
	method := models.TradeMethod(strings.ToLower(req.TradeMethod))
	if method == "" {
		method = models.TradeMethodManual
	}
	return &models.OrderIntent{
		Key:                  models.ResolveIntentKey(key),
		UserID:               c.GetString(middleware.UserIDKey),
		TokenID:              req.TokenID,
		MarketID:             req.MarketID,
		Outcome:              req.Outcome,
		CopiedTraderWallet:   strings.ToLower(strings.TrimSpace(req.CopiedTraderWallet)),
		Side:                 models.Side(strings.ToUpper(req.Side)),
		Price:                req.Price,
		Size:                 req.Size,
		USDAmount:            req.USDAmount,
		OrderType:            orderType,
		SlippageToleranceBps: slippage,
		TradeMethod:          method,
		NegRisk:              req.NegRisk,
	}
}

// SubmitCopyOrder places a copy order. Replays of the same intent return the
// original result with 200.
func (h *Handler) SubmitCopyOrder(c *gin.Context) {
	var req copyOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.CopiedTraderWallet != "" && !middleware.IsValidEthAddress(req.CopiedTraderWallet) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "copied_trader_wallet must be a valid Ethereum address"})
		return
	}

	intent := h.intentFrom(c, req)
	res, err := h.service.SubmitCopyOrder(c.Request.Context(), intent)
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

// GetTradeStatus returns one of the caller's trades.
func (h *Handler) GetTradeStatus(c *gin.Context) {
	rec, err := h.service.GetTradeStatus(c.Request.Context(), c.GetString(middleware.UserIDKey), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": rec})
}

type closeRequest struct {
	ExitPrice *float64 `json:"exit_price"`
}

// MarkTradeClosed records that the user exited the trade themselves.
func (h *Handler) MarkTradeClosed(c *gin.Context) {
	var req closeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ExitPrice == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "exit_price is required"})
		return
	}

	rec, err := h.service.MarkTradeClosed(c.Request.Context(), c.GetString(middleware.UserIDKey), c.Param("id"), *req.ExitPrice)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": rec})
}

// GetMetrics returns the last cycle of each background job.
func (h *Handler) GetMetrics(c *gin.Context) {
	if h.metrics == nil {
		c.JSON(http.StatusOK, gin.H{"jobs": gin.H{}})
		return
	}
	m, err := h.metrics.GetMetrics(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Msg("load worker metrics")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load metrics"})
		return
	}
	c.JSON(http.StatusOK, m)
}

// Health checks the store.
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// statusFor maps the error taxonomy onto HTTP.
func statusFor(err error) int {
	switch models.KindOf(err) {
	case models.KindValidation:
		return http.StatusBadRequest
	case models.KindInsufficientBalance, models.KindExchangeRejected:
		return http.StatusUnprocessableEntity
	case models.KindCredentialDecryption:
		return http.StatusPreconditionFailed
	case models.KindNetwork, models.KindTimeout:
		return http.StatusServiceUnavailable
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindConflict, models.KindDuplicateIntent:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	kind := models.KindOf(err)

	body := gin.H{
		"error": models.PublicMessage(err),
		"kind":  kind,
	}
	if reason := models.ReasonOf(err); reason != "" && status != http.StatusInternalServerError {
		body["reason"] = reason
	}
	if status == http.StatusServiceUnavailable {
		body["retryable"] = true
	}

	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	} else {
		log.Debug().Err(err).Str("path", c.FullPath()).Msg("request rejected")
	}
	c.JSON(status, body)
}
