package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// GammaClient reads market state from the Gamma API.
type GammaClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        zerolog.Logger
}

// gammaMarket is the subset of /markets we read. outcomes and outcomePrices
// arrive as JSON-encoded strings.
type gammaMarket struct {
	ConditionID         string `json:"conditionId"`
	Closed              bool   `json:"closed"`
	Outcomes            string `json:"outcomes"`
	OutcomePrices       string `json:"outcomePrices"`
	UMAResolutionStatus string `json:"umaResolutionStatus"`
}

func NewGammaClient(baseURL string, ratePerSec float64, burst int, timeout time.Duration) *GammaClient {
	if baseURL == "" {
		baseURL = "https://gamma-api.polymarket.com"
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
	}
	if burst < 1 {
		burst = 1
	}
	return &GammaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, burst),
		log:        log.With().Str("component", "gamma").Logger(),
	}
}

// GetOutcomePrices returns the current prices for a market by condition id.
// Malformed payloads are an error; nothing is guessed from partial data.
func (g *GammaClient) GetOutcomePrices(ctx context.Context, marketID string) (*MarketSnapshot, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, &ExchangeError{Reason: ReasonTimeout, Err: err}
	}

	u := g.baseURL + "/markets?condition_ids=" + url.QueryEscape(marketID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &ExchangeError{Reason: ReasonBadResponse, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, string(body))
	}

	var markets []gammaMarket
	if err := json.Unmarshal(body, &markets); err != nil {
		return nil, &ExchangeError{Reason: ReasonBadResponse, StatusCode: resp.StatusCode, Err: err}
	}
	for _, m := range markets {
		if m.ConditionID == "" || equalFold(m.ConditionID, marketID) {
			return parseGammaMarket(marketID, m)
		}
	}
	return nil, &ExchangeError{Reason: ReasonNotFound, StatusCode: resp.StatusCode, Err: fmt.Errorf("market %s not found", marketID)}
}

func parseGammaMarket(marketID string, m gammaMarket) (*MarketSnapshot, error) {
	var outcomes []string
	if err := json.Unmarshal([]byte(m.Outcomes), &outcomes); err != nil {
		return nil, &ExchangeError{Reason: ReasonBadResponse, Err: fmt.Errorf("outcomes: %w", err)}
	}
	var rawPrices []string
	if err := json.Unmarshal([]byte(m.OutcomePrices), &rawPrices); err != nil {
		return nil, &ExchangeError{Reason: ReasonBadResponse, Err: fmt.Errorf("outcomePrices: %w", err)}
	}
	if len(outcomes) == 0 || len(outcomes) != len(rawPrices) {
		return nil, &ExchangeError{Reason: ReasonBadResponse, Err: fmt.Errorf("%d outcomes for %d prices", len(outcomes), len(rawPrices))}
	}

	snap := &MarketSnapshot{MarketID: marketID, Prices: make(map[string]float64, len(outcomes))}
	for i, o := range outcomes {
		p, err := strconv.ParseFloat(strings.TrimSpace(rawPrices[i]), 64)
		if err != nil || math.IsNaN(p) || p < 0 || p > 1 {
			return nil, &ExchangeError{Reason: ReasonBadResponse, Err: fmt.Errorf("price %q for %s", rawPrices[i], o)}
		}
		snap.Prices[o] = p
	}

	// Only the oracle status is treated as an explicit flag. "closed" alone
	// just means trading stopped.
	switch strings.ToLower(m.UMAResolutionStatus) {
	case "resolved":
		resolved := true
		snap.Resolved = &resolved
		for i, o := range outcomes {
			if strings.TrimSpace(rawPrices[i]) == "1" {
				winner := o
				snap.WinningOutcome = &winner
				break
			}
		}
	case "proposed", "disputed", "challenged":
		resolved := false
		snap.Resolved = &resolved
	}
	return snap, nil
}

var _ MarketData = (*GammaClient)(nil)
