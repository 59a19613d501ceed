package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"polymarket-copytrade/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Polymarket exchange contracts on Polygon
const (
	CTFExchange        = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	NegRiskCTFExchange = "0xC5d563A36AE78145C45a50134d48A1215220f80a"
	zeroAddress        = "0x0000000000000000000000000000000000000000"

	tickSize     = 0.01
	minOrderSize = 0.01
	maxBodyBytes = 1 << 20
)

// ClobClient handles CLOB API interactions for trading
type ClobClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	signer     Signer
	positions  PositionSource
	chainID    int64
	log        zerolog.Logger
}

// ClobConfig configures a ClobClient.
type ClobConfig struct {
	BaseURL    string
	ChainID    int64
	RatePerSec float64
	Burst      int
	Timeout    time.Duration
}

// Order represents a signed order
type Order struct {
	Salt          int64  `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
	SideInt       int    `json:"-"` // Internal use for EIP-712 signing
	NegRisk       bool   `json:"-"`
}

// postOrderBody is the payload for placing an order
type postOrderBody struct {
	Order     Order  `json:"order"`
	Owner     string `json:"owner"`
	OrderType string `json:"orderType"`
}

// postOrderResponse is the response from placing an order
type postOrderResponse struct {
	Success      bool   `json:"success"`
	ErrorMsg     string `json:"errorMsg"`
	Error        string `json:"error"`
	OrderID      string `json:"orderID"`
	Status       string `json:"status"` // matched, live, delayed, unmatched
	MakingAmount string `json:"makingAmount"`
	TakingAmount string `json:"takingAmount"`
}

// openOrderResponse is GET /data/order/{id}
type openOrderResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Side         string `json:"side"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Price        string `json:"price"`
	// AssociateTrades are the ids of the trades that filled this order.
	AssociateTrades []string `json:"associate_trades"`
}

type makerFill struct {
	OrderID       string `json:"order_id"`
	MatchedAmount string `json:"matched_amount"`
	Price         string `json:"price"`
}

type tradeResponse struct {
	ID           string      `json:"id"`
	TakerOrderID string      `json:"taker_order_id"`
	Size         string      `json:"size"`
	Price        string      `json:"price"`
	MakerOrders  []makerFill `json:"maker_orders"`
}

// NewClobClient creates a new CLOB API client
func NewClobClient(cfg ClobConfig, signer Signer, positions PositionSource) *ClobClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://clob.polymarket.com"
	}
	if cfg.ChainID == 0 {
		cfg.ChainID = 137 // Polygon mainnet
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}

	return &ClobClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, cfg.Burst),
		signer:     signer,
		positions:  positions,
		chainID:    cfg.ChainID,
		log:        log.With().Str("component", "clob").Logger(),
	}
}

// deterministicSalt derives the order salt from the intent, so resubmitting
// the same intent yields the same order hash. Kept below 2^53 for JSON clients.
func deterministicSalt(userID, intentKey string) int64 {
	sum := sha256.Sum256([]byte(userID + "|" + intentKey))
	return int64(binary.BigEndian.Uint64(sum[:8]) & (1<<53 - 1))
}

// roundOrder snaps price to the tick and size to two decimals, as the CLOB requires.
func roundOrder(price, size float64) (decimal.Decimal, decimal.Decimal) {
	p := decimal.NewFromFloat(price).Div(decimal.NewFromFloat(tickSize)).Round(0).Mul(decimal.NewFromFloat(tickSize))
	s := decimal.NewFromFloat(size).Round(2)
	if s.LessThan(decimal.NewFromFloat(minOrderSize)) {
		s = decimal.NewFromFloat(minOrderSize)
	}
	return p, s
}

func (c *ClobClient) buildOrder(req OrderRequest) (*Order, error) {
	if req.TokenID == "" {
		return nil, fmt.Errorf("token id is required")
	}
	if _, ok := new(big.Int).SetString(req.TokenID, 10); !ok {
		return nil, fmt.Errorf("token id %q is not a decimal integer", req.TokenID)
	}
	if req.Account.WalletAddress == "" || req.Account.SignerAddress == "" {
		return nil, fmt.Errorf("account %s has no wallet configured", req.Account.UserID)
	}

	price, size := roundOrder(req.Price, req.Size)
	if price.LessThan(decimal.NewFromFloat(models.MinPrice)) || price.GreaterThan(decimal.NewFromFloat(models.MaxPrice)) {
		return nil, fmt.Errorf("price %s outside tradable range", price)
	}

	// Token and USDC amounts both use 6 decimals.
	// MakerAmount is what we give (USDC for buy, tokens for sell),
	// TakerAmount what we get (tokens for buy, USDC for sell).
	unit := decimal.New(1, 6)
	sizeUnits := size.Mul(unit).Truncate(0)
	usdcUnits := size.Mul(price).Mul(unit).Truncate(0)

	order := &Order{
		Salt:          deterministicSalt(req.Account.UserID, req.IntentKey),
		Maker:         common.HexToAddress(req.Account.WalletAddress).Hex(),
		Signer:        common.HexToAddress(req.Account.SignerAddress).Hex(),
		Taker:         zeroAddress,
		TokenID:       req.TokenID,
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		SignatureType: req.Account.SignatureType,
		NegRisk:       req.NegRisk,
	}
	if req.Side == models.SideBuy {
		order.MakerAmount = usdcUnits.String()
		order.TakerAmount = sizeUnits.String()
		order.Side = "BUY"
		order.SideInt = 0
	} else {
		order.MakerAmount = sizeUnits.String()
		order.TakerAmount = usdcUnits.String()
		order.Side = "SELL"
		order.SideInt = 1
	}
	return order, nil
}

// OrderDigest is the EIP-712 hash of order. It doubles as the exchange order id.
func OrderDigest(order *Order, chainID int64) ([]byte, error) {
	// Polymarket uses different contract addresses for neg_risk markets
	verifyingContract := CTFExchange
	if order.NegRisk {
		verifyingContract = NegRiskCTFExchange
	}

	domain := apitypes.TypedDataDomain{
		Name:              "Polymarket CTF Exchange",
		Version:           "1",
		ChainId:           math.NewHexOrDecimal256(chainID),
		VerifyingContract: verifyingContract,
	}

	bigFrom := func(s string) *big.Int {
		v, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return big.NewInt(0)
		}
		return v
	}

	message := map[string]interface{}{
		"salt":          big.NewInt(order.Salt),
		"maker":         order.Maker,
		"signer":        order.Signer,
		"taker":         order.Taker,
		"tokenId":       bigFrom(order.TokenID),
		"makerAmount":   bigFrom(order.MakerAmount),
		"takerAmount":   bigFrom(order.TakerAmount),
		"expiration":    bigFrom(order.Expiration),
		"nonce":         bigFrom(order.Nonce),
		"feeRateBps":    bigFrom(order.FeeRateBps),
		"side":          big.NewInt(int64(order.SideInt)),
		"signatureType": big.NewInt(int64(order.SignatureType)),
	}

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": []apitypes.Type{
				{Name: "salt", Type: "uint256"},
				{Name: "maker", Type: "address"},
				{Name: "signer", Type: "address"},
				{Name: "taker", Type: "address"},
				{Name: "tokenId", Type: "uint256"},
				{Name: "makerAmount", Type: "uint256"},
				{Name: "takerAmount", Type: "uint256"},
				{Name: "expiration", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "feeRateBps", Type: "uint256"},
				{Name: "side", Type: "uint8"},
				{Name: "signatureType", Type: "uint8"},
			},
		},
		PrimaryType: "Order",
		Domain:      domain,
		Message:     message,
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("failed to hash typed data: %w", err)
	}
	return hash, nil
}

// OrderHash returns the id CreateOrder will produce for req.
func (c *ClobClient) OrderHash(req OrderRequest) (string, error) {
	order, err := c.buildOrder(req)
	if err != nil {
		return "", err
	}
	digest, err := OrderDigest(order, c.chainID)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(digest), nil
}

// CreateOrder signs req through the custodial signer and posts it.
func (c *ClobClient) CreateOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	order, err := c.buildOrder(req)
	if err != nil {
		return nil, &ExchangeError{Reason: ReasonRejected, Err: err}
	}
	digest, err := OrderDigest(order, c.chainID)
	if err != nil {
		return nil, &ExchangeError{Reason: ReasonRejected, Err: err}
	}
	orderID := "0x" + hex.EncodeToString(digest)

	ref := req.Account.CredentialsRef
	sig, err := c.signer.SignOrder(ctx, OrderPayload{Order: order, Digest: digest}, ref)
	if err != nil {
		return nil, err
	}
	order.Signature = sig

	owner, err := c.signer.Owner(ctx, ref)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(postOrderBody{Order: *order, Owner: owner, OrderType: string(req.OrderType)})
	if err != nil {
		return nil, err
	}

	c.log.Debug().Str("order_id", orderID).Str("token_id", req.TokenID).Str("side", order.Side).
		Str("maker_amount", order.MakerAmount).Str("taker_amount", order.TakerAmount).
		Str("order_type", string(req.OrderType)).Msg("posting order")

	respBody, status, err := c.do(ctx, http.MethodPost, "/order", nil, body, ref)
	if err != nil {
		return nil, err
	}

	var resp postOrderResponse
	decodeErr := json.Unmarshal(respBody, &resp)

	if status != http.StatusOK {
		msg := resp.ErrorMsg
		if msg == "" {
			msg = resp.Error
		}
		if msg == "" {
			msg = string(respBody)
		}
		return nil, classifyStatus(status, msg)
	}
	if decodeErr != nil {
		// 200 with a body we cannot read: the order may well exist.
		return nil, &ExchangeError{Reason: ReasonBadResponse, StatusCode: status, Ambiguous: true, Err: decodeErr}
	}
	if !resp.Success {
		msg := resp.ErrorMsg
		if msg == "" {
			msg = "order not accepted"
		}
		return nil, classifyStatus(http.StatusBadRequest, msg)
	}

	result := &OrderResult{
		OrderID:      resp.OrderID,
		Status:       normalizeStatus(resp.Status),
		OriginalSize: orderShares(order),
	}
	if result.OrderID == "" {
		result.OrderID = orderID
	}
	result.FilledSize, result.AvgFillPrice = fillFromAmounts(req.Side, resp.MakingAmount, resp.TakingAmount)

	c.log.Info().Str("order_id", result.OrderID).Str("status", result.Status).
		Float64("filled", result.FilledSize).Float64("avg_price", result.AvgFillPrice).Msg("order accepted")
	return result, nil
}

// FindOrder looks up the deterministic order for req.
func (c *ClobClient) FindOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	orderID, err := c.OrderHash(req)
	if err != nil {
		return nil, &ExchangeError{Reason: ReasonRejected, Err: err}
	}
	return c.GetOrder(ctx, req.Account, orderID)
}

// GetOrder fetches an order by id. nil, nil when the exchange does not know it.
func (c *ClobClient) GetOrder(ctx context.Context, acct models.Account, orderID string) (*OrderResult, error) {
	path := "/data/order/" + orderID
	body, status, err := c.do(ctx, http.MethodGet, path, nil, nil, acct.CredentialsRef)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, classifyStatus(status, string(body))
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var o openOrderResponse
	if err := json.Unmarshal(trimmed, &o); err != nil {
		return nil, &ExchangeError{Reason: ReasonBadResponse, StatusCode: status, Err: err}
	}
	if o.ID == "" {
		return nil, nil
	}

	original, _ := strconv.ParseFloat(o.OriginalSize, 64)
	matched, _ := strconv.ParseFloat(o.SizeMatched, 64)
	price, _ := strconv.ParseFloat(o.Price, 64)
	res := &OrderResult{
		OrderID:      o.ID,
		Status:       normalizeStatus(o.Status),
		OriginalSize: original,
		FilledSize:   matched,
	}
	if matched > 0 {
		// The limit price is only the fallback: crossing orders fill at the
		// resting side's price.
		res.AvgFillPrice = price
		if avg, ok := c.averageFillPrice(ctx, acct, o.ID, o.AssociateTrades); ok {
			res.AvgFillPrice = avg
		}
	}
	return res, nil
}

// averageFillPrice is the size-weighted price of orderID's share of trades.
// ok is false when any trade cannot be read.
func (c *ClobClient) averageFillPrice(ctx context.Context, acct models.Account, orderID string, tradeIDs []string) (float64, bool) {
	var size, notional float64
	for _, id := range tradeIDs {
		q := url.Values{}
		q.Set("id", id)
		body, status, err := c.do(ctx, http.MethodGet, "/data/trades", q, nil, acct.CredentialsRef)
		if err != nil || status != http.StatusOK {
			c.log.Debug().Err(err).Int("status", status).Str("order_id", orderID).Str("trade_id", id).
				Msg("trade lookup failed, using limit price")
			return 0, false
		}
		trades, err := decodeTrades(body)
		if err != nil {
			return 0, false
		}
		for _, tr := range trades {
			s, n := orderShare(orderID, tr)
			size += s
			notional += n
		}
	}
	if size <= 0 {
		return 0, false
	}
	return notional / size, true
}

// decodeTrades accepts both the bare array and the paginated {data: [...]} form.
func decodeTrades(body []byte) ([]tradeResponse, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var out []tradeResponse
		err := json.Unmarshal(trimmed, &out)
		return out, err
	}
	var page struct {
		Data []tradeResponse `json:"data"`
	}
	err := json.Unmarshal(trimmed, &page)
	return page.Data, err
}

// orderShare returns the size and notional of orderID's side of tr.
func orderShare(orderID string, tr tradeResponse) (size, notional float64) {
	if tr.TakerOrderID == orderID {
		sz, _ := strconv.ParseFloat(tr.Size, 64)
		px, _ := strconv.ParseFloat(tr.Price, 64)
		return sz, sz * px
	}
	for _, m := range tr.MakerOrders {
		if m.OrderID != orderID {
			continue
		}
		sz, _ := strconv.ParseFloat(m.MatchedAmount, 64)
		px, _ := strconv.ParseFloat(m.Price, 64)
		size += sz
		notional += sz * px
	}
	return size, notional
}

// GetPosition delegates to the positions source.
func (c *ClobClient) GetPosition(ctx context.Context, wallet, marketID, outcome string) (*Position, error) {
	if c.positions == nil {
		return nil, fmt.Errorf("clob: no position source configured")
	}
	return c.positions.GetPosition(ctx, wallet, marketID, outcome)
}

type balanceAllowanceResponse struct {
	Balance string `json:"balance"`
}

// GetCollateralBalance returns the account's USDC balance on the exchange.
func (c *ClobClient) GetCollateralBalance(ctx context.Context, acct models.Account) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("asset_type", "COLLATERAL")
	q.Set("signature_type", strconv.Itoa(acct.SignatureType))

	body, status, err := c.do(ctx, http.MethodGet, "/balance-allowance", q, nil, acct.CredentialsRef)
	if err != nil {
		return decimal.Zero, err
	}
	if status != http.StatusOK {
		return decimal.Zero, classifyStatus(status, string(body))
	}
	var resp balanceAllowanceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, &ExchangeError{Reason: ReasonBadResponse, StatusCode: status, Err: err}
	}
	raw, err := decimal.NewFromString(resp.Balance)
	if err != nil {
		return decimal.Zero, &ExchangeError{Reason: ReasonBadResponse, StatusCode: status, Err: err}
	}
	// USDC has 6 decimals
	return raw.Shift(-6), nil
}

// do sends one request. Transport failures come back as *ExchangeError;
// HTTP status handling is left to the caller.
func (c *ClobClient) do(ctx context.Context, method, path string, query url.Values, body []byte, credentialsRef string) ([]byte, int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, &ExchangeError{Reason: ReasonTimeout, Err: err}
	}

	full := c.baseURL + path
	if len(query) > 0 {
		full += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, full, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if credentialsRef != "" {
		headers, err := c.signer.AuthHeaders(ctx, credentialsRef, method, path, body)
		if err != nil {
			return nil, 0, err
		}
		for k, vs := range headers {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, classifyTransport(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, &ExchangeError{Reason: ReasonBadResponse, StatusCode: resp.StatusCode, Ambiguous: true, Err: err}
	}
	c.log.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("clob response")
	return respBody, resp.StatusCode, nil
}

func normalizeStatus(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "matched":
		return StatusMatched
	case "live":
		return StatusLive
	case "delayed":
		return StatusDelayed
	case "unmatched":
		return StatusUnmatched
	case "canceled", "cancelled":
		return StatusCanceled
	}
	return strings.ToLower(s)
}

// fillFromAmounts derives executed size and average price from the
// making/taking amounts of a POST /order response.
func fillFromAmounts(side models.Side, making, taking string) (size, avgPrice float64) {
	m, errM := decimal.NewFromString(strings.TrimSpace(making))
	t, errT := decimal.NewFromString(strings.TrimSpace(taking))
	if errM != nil || errT != nil || !m.IsPositive() || !t.IsPositive() {
		return 0, 0
	}
	if side == models.SideBuy {
		// gave USDC, got shares
		return t.InexactFloat64(), m.Div(t).Round(6).InexactFloat64()
	}
	return m.InexactFloat64(), t.Div(m).Round(6).InexactFloat64()
}

// orderShares returns the share size of an order from its base-unit amounts.
func orderShares(order *Order) float64 {
	units := order.TakerAmount
	if order.SideInt == 1 {
		units = order.MakerAmount
	}
	d, err := decimal.NewFromString(units)
	if err != nil {
		return 0
	}
	return d.Shift(-6).InexactFloat64()
}

var (
	_ Exchange         = (*ClobClient)(nil)
	_ CollateralSource = (*ClobClient)(nil)
)
