package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// dustShares is the size below which a position counts as closed.
const dustShares = 0.01

// DataClient queries the Polymarket data API for wallet positions.
type DataClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

type dataPosition struct {
	ConditionID string  `json:"conditionId"`
	Asset       string  `json:"asset"`
	Outcome     string  `json:"outcome"`
	Size        float64 `json:"size"`
}

func NewDataClient(baseURL string, ratePerSec float64, burst int, timeout time.Duration) *DataClient {
	if baseURL == "" {
		baseURL = "https://data-api.polymarket.com"
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
	return &DataClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, burst),
	}
}

// GetPosition reports whether wallet still holds outcome in marketID.
func (d *DataClient) GetPosition(ctx context.Context, wallet, marketID, outcome string) (*Position, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, &ExchangeError{Reason: ReasonTimeout, Err: err}
	}

	q := url.Values{}
	q.Set("user", strings.ToLower(wallet))
	q.Set("market", marketID)
	q.Set("sizeThreshold", "0")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/positions?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
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

	var positions []dataPosition
	if err := json.Unmarshal(body, &positions); err != nil {
		return nil, &ExchangeError{Reason: ReasonBadResponse, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode positions: %w", err)}
	}

	pos := &Position{}
	for _, p := range positions {
		if p.ConditionID != "" && !equalFold(p.ConditionID, marketID) {
			continue
		}
		if !equalFold(p.Outcome, outcome) {
			continue
		}
		pos.Size += p.Size
	}
	pos.Held = pos.Size >= dustShares
	return pos, nil
}

var _ PositionSource = (*DataClient)(nil)
