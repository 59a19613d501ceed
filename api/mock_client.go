package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sync"
	"time"

	"polymarket-copytrade/models"

	"github.com/shopspring/decimal"
)

// MockExchange is an in-memory Exchange for tests. Orders are keyed by a
// deterministic hash of the request, so resubmitting an intent is visible.
type MockExchange struct {
	mu sync.RWMutex

	// Fill behaviour for new orders. FillFraction defaults to 1 (fully filled)
	// and FillPrice to the request price. FillSize, when set, is used as is.
	FillFraction float64
	FillSize     float64
	FillPrice    float64
	// AmbiguousOnNext makes the next N CreateOrder calls record the order
	// and then report a timeout, as if the response was lost.
	AmbiguousOnNext int
	// Delay is applied inside CreateOrder, honouring ctx.
	Delay time.Duration

	Orders    map[string]*OrderResult
	Positions map[string]*Position
	Balances  map[string]decimal.Decimal // by user id

	// Call tracking
	Calls            map[string]int
	CreateOrderCalls []OrderRequest

	// Error injection
	ErrorOnNext map[string]error
}

func NewMockExchange() *MockExchange {
	return &MockExchange{
		FillFraction: 1,
		Orders:       make(map[string]*OrderResult),
		Positions:    make(map[string]*Position),
		Balances:     make(map[string]decimal.Decimal),
		Calls:        make(map[string]int),
		ErrorOnNext:  make(map[string]error),
	}
}

func (m *MockExchange) trackCall(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls[name]++
	if err, ok := m.ErrorOnNext[name]; ok {
		delete(m.ErrorOnNext, name)
		return err
	}
	return nil
}

// CallCount returns how many times name was called.
func (m *MockExchange) CallCount(name string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Calls[name]
}

// FailNext makes the next call to name return err.
func (m *MockExchange) FailNext(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ErrorOnNext[name] = err
}

// OrderCount is the number of distinct orders that reached the exchange.
func (m *MockExchange) OrderCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.Orders)
}

func (m *MockExchange) OrderHash(req OrderRequest) (string, error) {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s", req.Account.UserID, req.IntentKey, req.TokenID, req.Side)))
	return "0x" + hex.EncodeToString(sum[:]), nil
}

func (m *MockExchange) CreateOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if err := m.trackCall("CreateOrder"); err != nil {
		return nil, err
	}
	if m.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, &ExchangeError{Reason: ReasonTimeout, Ambiguous: true, Err: ctx.Err()}
		case <-time.After(m.Delay):
		}
	}

	id, _ := m.OrderHash(req)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateOrderCalls = append(m.CreateOrderCalls, req)

	if _, exists := m.Orders[id]; exists {
		return nil, &ExchangeError{Reason: ReasonRejected, StatusCode: 400, Err: fmt.Errorf("order %s already exists", id)}
	}

	filled := math.Round(req.Size*m.FillFraction*100) / 100
	if m.FillSize > 0 {
		filled = m.FillSize
	}
	price := req.Price
	if m.FillPrice > 0 {
		price = m.FillPrice
	}
	res := &OrderResult{OrderID: id, Status: StatusMatched, OriginalSize: req.Size, FilledSize: filled}
	switch {
	case filled <= 0 && req.OrderType == models.OrderTypeFAK:
		return nil, &ExchangeError{Reason: ReasonInsufficientLiquidity, StatusCode: 400, Err: fmt.Errorf("no orders found to match with FAK order")}
	case filled <= 0:
		res.Status = StatusLive
	case filled < req.Size && req.OrderType == models.OrderTypeGTC:
		res.Status = StatusLive
	}
	if filled > 0 {
		res.AvgFillPrice = price
	}
	m.Orders[id] = res

	if m.AmbiguousOnNext > 0 {
		m.AmbiguousOnNext--
		return nil, &ExchangeError{Reason: ReasonTimeout, Ambiguous: true, Err: context.DeadlineExceeded}
	}
	out := *res
	return &out, nil
}

func (m *MockExchange) FindOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if err := m.trackCall("FindOrder"); err != nil {
		return nil, err
	}
	id, _ := m.OrderHash(req)
	return m.lookup(id), nil
}

func (m *MockExchange) GetOrder(ctx context.Context, acct models.Account, orderID string) (*OrderResult, error) {
	if err := m.trackCall("GetOrder"); err != nil {
		return nil, err
	}
	return m.lookup(orderID), nil
}

func (m *MockExchange) lookup(id string) *OrderResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.Orders[id]
	if !ok {
		return nil
	}
	out := *o
	return &out
}

// SetOrderFill overwrites the fill state of a known order.
func (m *MockExchange) SetOrderFill(orderID, status string, filled, avgPrice float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.Orders[orderID]
	if !ok {
		o = &OrderResult{OrderID: orderID, OriginalSize: filled}
		m.Orders[orderID] = o
	}
	o.Status = status
	o.FilledSize = filled
	o.AvgFillPrice = avgPrice
}

func positionKey(wallet, marketID, outcome string) string {
	return wallet + "|" + marketID + "|" + outcome
}

// SetPosition sets what wallet holds. Unknown positions are reported as held.
func (m *MockExchange) SetPosition(wallet, marketID, outcome string, held bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	size := 0.0
	if held {
		size = 10
	}
	m.Positions[positionKey(wallet, marketID, outcome)] = &Position{Held: held, Size: size}
}

func (m *MockExchange) GetPosition(ctx context.Context, wallet, marketID, outcome string) (*Position, error) {
	if err := m.trackCall("GetPosition"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.Positions[positionKey(wallet, marketID, outcome)]; ok {
		out := *p
		return &out, nil
	}
	return &Position{Held: true, Size: 10}, nil
}

// SetBalance sets the collateral reported for userID.
func (m *MockExchange) SetBalance(userID string, bal decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Balances[userID] = bal
}

func (m *MockExchange) GetCollateralBalance(ctx context.Context, acct models.Account) (decimal.Decimal, error) {
	if err := m.trackCall("GetCollateralBalance"); err != nil {
		return decimal.Zero, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	bal, ok := m.Balances[acct.UserID]
	if !ok {
		return decimal.Zero, &ExchangeError{Reason: ReasonNotFound, Err: fmt.Errorf("no balance for %s", acct.UserID)}
	}
	return bal, nil
}

// MockMarketData serves canned snapshots.
type MockMarketData struct {
	mu sync.RWMutex

	Snapshots map[string]*MarketSnapshot

	// Call tracking
	Calls         map[string]int
	CallsByMarket map[string]int

	// Error injection
	ErrorOnNext map[string]error
}

func NewMockMarketData() *MockMarketData {
	return &MockMarketData{
		Snapshots:     make(map[string]*MarketSnapshot),
		Calls:         make(map[string]int),
		CallsByMarket: make(map[string]int),
		ErrorOnNext:   make(map[string]error),
	}
}

// SetPrices replaces the snapshot for marketID.
func (m *MockMarketData) SetPrices(marketID string, prices map[string]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Snapshots[marketID] = &MarketSnapshot{MarketID: marketID, Prices: prices}
}

// SetResolved marks marketID resolved with winner.
func (m *MockMarketData) SetResolved(marketID, winner string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.Snapshots[marketID]
	if !ok {
		snap = &MarketSnapshot{MarketID: marketID, Prices: map[string]float64{}}
		m.Snapshots[marketID] = snap
	}
	resolved := true
	snap.Resolved = &resolved
	snap.WinningOutcome = &winner
}

// SetUnresolved sets prices with an explicit unresolved flag, the shape of a
// market whose oracle answer is proposed or disputed.
func (m *MockMarketData) SetUnresolved(marketID string, prices map[string]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	resolved := false
	m.Snapshots[marketID] = &MarketSnapshot{MarketID: marketID, Prices: prices, Resolved: &resolved}
}

// FailNext makes the next lookup of marketID return err.
func (m *MockMarketData) FailNext(marketID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ErrorOnNext[marketID] = err
}

// MarketCalls returns how many lookups were made for marketID.
func (m *MockMarketData) MarketCalls(marketID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CallsByMarket[marketID]
}

func (m *MockMarketData) GetOutcomePrices(ctx context.Context, marketID string) (*MarketSnapshot, error) {
	m.mu.Lock()
	m.Calls["GetOutcomePrices"]++
	m.CallsByMarket[marketID]++
	err, failing := m.ErrorOnNext[marketID]
	delete(m.ErrorOnNext, marketID)
	snap, ok := m.Snapshots[marketID]
	m.mu.Unlock()

	if failing {
		return nil, err
	}
	if !ok {
		return nil, &ExchangeError{Reason: ReasonNotFound, Err: fmt.Errorf("market %s not found", marketID)}
	}
	out := *snap
	out.Prices = make(map[string]float64, len(snap.Prices))
	for k, v := range snap.Prices {
		out.Prices[k] = v
	}
	return &out, nil
}

var (
	_ Exchange         = (*MockExchange)(nil)
	_ CollateralSource = (*MockExchange)(nil)
	_ MarketData       = (*MockMarketData)(nil)
)
