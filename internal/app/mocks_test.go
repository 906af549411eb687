package app

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"perpExecBot/internal/domain"
	"perpExecBot/internal/ports"
	"perpExecBot/internal/risk"
)

// Mock implementations
type mockLogger struct {
	mu        sync.Mutex
	infoMsgs  []string
	warnMsgs  []string
	errorMsgs []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}

func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infoMsgs = append(m.infoMsgs, msg)
}

func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnMsgs = append(m.warnMsgs, msg)
}

func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorMsgs = append(m.errorMsgs, msg)
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 3, 1, 10, 7, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testSpec(symbol string) domain.InstrumentSpec {
	return domain.InstrumentSpec{
		Symbol:      symbol,
		Status:      "Trading",
		TickSize:    decimal.RequireFromString("0.1"),
		MinPrice:    decimal.RequireFromString("0.1"),
		MaxPrice:    decimal.RequireFromString("1000000"),
		QtyStep:     decimal.RequireFromString("0.001"),
		MinQty:      decimal.RequireFromString("0.001"),
		MaxQty:      decimal.RequireFromString("1000"),
		MinNotional: decimal.RequireFromString("5"),
		MinLeverage: decimal.RequireFromString("1"),
		MaxLeverage: decimal.RequireFromString("100"),
	}
}

type mockExchange struct {
	specs      map[string]domain.InstrumentSpec
	tickers    map[string]float64
	wallet     *ports.WalletBalance
	walletErr  error
	positions  map[string][]ports.PositionInfo
	openOrders map[string][]ports.OrderInfo
	history    map[string]*ports.OrderInfo
	klines     []*domain.Kline

	placeErr  error
	placed    []ports.OrderRequest
	cancelled []string
	leverage  map[string]int
	stops     []ports.TradingStopRequest
	nextID    int
}

func newMockExchange() *mockExchange {
	return &mockExchange{
		specs:      map[string]domain.InstrumentSpec{"BTCUSDT": testSpec("BTCUSDT"), "ETHUSDT": testSpec("ETHUSDT"), "SOLUSDT": testSpec("SOLUSDT")},
		tickers:    map[string]float64{"BTCUSDT": 50000, "ETHUSDT": 3000, "SOLUSDT": 100},
		wallet:     &ports.WalletBalance{Coin: "USDT", WalletBalance: 1000, Equity: 1000},
		positions:  make(map[string][]ports.PositionInfo),
		openOrders: make(map[string][]ports.OrderInfo),
		history:    make(map[string]*ports.OrderInfo),
		leverage:   make(map[string]int),
	}
}

func (m *mockExchange) GetServerTime(ctx context.Context) (time.Time, error) {
	return time.Now(), nil
}

func (m *mockExchange) GetKlines(ctx context.Context, symbol string, tf domain.Timeframe, limit int) ([]*domain.Kline, error) {
	return m.klines, nil
}

func (m *mockExchange) GetTicker(ctx context.Context, symbol string) (*ports.Ticker, error) {
	p, ok := m.tickers[symbol]
	if !ok {
		return nil, fmt.Errorf("no ticker for %s", symbol)
	}
	return &ports.Ticker{Symbol: symbol, LastPrice: p}, nil
}

func (m *mockExchange) GetOrderBook(ctx context.Context, symbol string, depth int) (*ports.OrderBook, error) {
	return &ports.OrderBook{Symbol: symbol}, nil
}

func (m *mockExchange) GetFundingHistory(ctx context.Context, symbol string, limit int) ([]ports.FundingRate, error) {
	return nil, nil
}

func (m *mockExchange) GetOpenInterest(ctx context.Context, symbol string) (float64, error) {
	return 0, nil
}

func (m *mockExchange) GetLongShortRatio(ctx context.Context, symbol string) (*ports.LongShortRatio, error) {
	return &ports.LongShortRatio{Symbol: symbol}, nil
}

func (m *mockExchange) GetWalletBalance(ctx context.Context, coin string) (*ports.WalletBalance, error) {
	if m.walletErr != nil {
		return nil, m.walletErr
	}
	w := *m.wallet
	return &w, nil
}

func (m *mockExchange) GetPositions(ctx context.Context, symbol string) ([]ports.PositionInfo, error) {
	return m.positions[symbol], nil
}

func (m *mockExchange) GetOpenOrders(ctx context.Context, symbol string) ([]ports.OrderInfo, error) {
	return m.openOrders[symbol], nil
}

func (m *mockExchange) GetOrder(ctx context.Context, symbol, orderID string) (*ports.OrderInfo, error) {
	if o, ok := m.history[orderID]; ok {
		c := *o
		return &c, nil
	}
	return nil, fmt.Errorf("GetOrder failed: %w: %s", ports.ErrOrderNotFound, orderID)
}

func (m *mockExchange) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderAck, error) {
	if m.placeErr != nil {
		return nil, m.placeErr
	}
	m.nextID++
	m.placed = append(m.placed, req)
	return &ports.OrderAck{OrderID: fmt.Sprintf("order-%d", m.nextID)}, nil
}

func (m *mockExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	m.cancelled = append(m.cancelled, orderID)
	return nil
}

func (m *mockExchange) CancelAllOrders(ctx context.Context, symbol string) error {
	return nil
}

func (m *mockExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	m.leverage[symbol] = leverage
	return nil
}

func (m *mockExchange) SetTradingStop(ctx context.Context, req ports.TradingStopRequest) error {
	m.stops = append(m.stops, req)
	return nil
}

func (m *mockExchange) SwitchPositionMode(ctx context.Context, symbol string, mode int) error {
	return nil
}

func (m *mockExchange) Instrument(symbol string) (domain.InstrumentSpec, error) {
	s, ok := m.specs[symbol]
	if !ok {
		return domain.InstrumentSpec{}, fmt.Errorf("%w: %s", ports.ErrInstrumentUnknown, symbol)
	}
	return s, nil
}

// fill marks the last placed order as executed at price in the order history.
func (m *mockExchange) fill(price float64) {
	id := fmt.Sprintf("order-%d", m.nextID)
	m.history[id] = &ports.OrderInfo{OrderID: id, Status: domain.OrderFilled, AvgPrice: price}
}

type mockJournal struct {
	opens   []*domain.Trade
	closes  map[int64]domain.TradeClose
	klines  map[int64][]*domain.Kline
	recent  []*domain.Trade
	queries int
}

func newMockJournal() *mockJournal {
	return &mockJournal{closes: make(map[int64]domain.TradeClose), klines: make(map[int64][]*domain.Kline)}
}

func (m *mockJournal) RecordOpen(ctx context.Context, trade *domain.Trade) (int64, error) {
	m.opens = append(m.opens, trade)
	return int64(len(m.opens)), nil
}

func (m *mockJournal) RecordClose(ctx context.Context, id int64, c domain.TradeClose) error {
	m.closes[id] = c
	return nil
}

func (m *mockJournal) AttachPostCloseKlines(ctx context.Context, id int64, klines []*domain.Kline) error {
	m.klines[id] = klines
	return nil
}

func (m *mockJournal) RecentClosed(ctx context.Context, since time.Time, limit int) ([]*domain.Trade, error) {
	m.queries++
	return m.recent, nil
}

type mockPolicy struct {
	decision    domain.Decision
	decideErr   error
	verdicts    []domain.LimitOrderVerdict
	decideCalls int
	reviews     []ports.LimitOrderReview
	selfReviews []ports.SelfReviewRequest
}

func (m *mockPolicy) Decide(ctx context.Context, req ports.DecisionRequest) (domain.Decision, error) {
	m.decideCalls++
	if m.decideErr != nil {
		return domain.Hold(m.decideErr.Error()), m.decideErr
	}
	return m.decision, nil
}

func (m *mockPolicy) ReviewLimitOrder(ctx context.Context, req ports.LimitOrderReview) (domain.LimitOrderVerdict, error) {
	m.reviews = append(m.reviews, req)
	if len(m.verdicts) == 0 {
		return domain.LimitOrderVerdict{Action: domain.VerdictContinueWait}, nil
	}
	v := m.verdicts[0]
	m.verdicts = m.verdicts[1:]
	return v, nil
}

func (m *mockPolicy) SelfReview(ctx context.Context, req ports.SelfReviewRequest) (map[string]interface{}, error) {
	m.selfReviews = append(m.selfReviews, req)
	return map[string]interface{}{"analysis": "tighten entries"}, nil
}

type mockMarket struct {
	snaps map[string]domain.MarketSnapshot
	err   error
}

func (m *mockMarket) Snapshot(ctx context.Context, symbol string) (domain.MarketSnapshot, error) {
	if m.err != nil {
		return domain.MarketSnapshot{}, m.err
	}
	s, ok := m.snaps[symbol]
	if !ok {
		return domain.MarketSnapshot{}, fmt.Errorf("no snapshot for %s", symbol)
	}
	return s, nil
}

// calmSnapshot is a quiet market that trips no protection detector.
func calmSnapshot(symbol string, price float64) domain.MarketSnapshot {
	return domain.MarketSnapshot{
		Symbol: symbol,
		Frames: map[domain.Timeframe]domain.FrameSnapshot{
			domain.TF15m: {Timeframe: domain.TF15m, Open: price, High: price * 1.001, Low: price * 0.999, Close: price, Volume: 100, ATR: price * 0.002, RSI: 55},
			domain.TF1h:  {Timeframe: domain.TF1h, Open: price, High: price * 1.002, Low: price * 0.998, Close: price, Volume: 400, ATR: price * 0.004, RSI: 55},
			domain.TF4h:  {Timeframe: domain.TF4h, Open: price, High: price * 1.004, Low: price * 0.996, Close: price, Volume: 1600, ATR: price * 0.008, RSI: 55},
		},
		Sentiment: domain.Sentiment{LastPrice: price},
	}
}

func calmSnapshots() map[string]domain.MarketSnapshot {
	return map[string]domain.MarketSnapshot{
		"BTCUSDT": calmSnapshot("BTCUSDT", 50000),
		"ETHUSDT": calmSnapshot("ETHUSDT", 3000),
		"SOLUSDT": calmSnapshot("SOLUSDT", 100),
	}
}

type lifecycleFixture struct {
	lc       *Lifecycle
	exchange *mockExchange
	journal  *mockJournal
	guard    *risk.Guard
	logger   *mockLogger
	clock    *testClock
}

func newLifecycleFixture(t *testing.T) *lifecycleFixture {
	t.Helper()
	f := &lifecycleFixture{
		exchange: newMockExchange(),
		journal:  newMockJournal(),
		logger:   &mockLogger{},
		clock:    newTestClock(),
	}
	f.guard = risk.NewGuard(risk.DefaultGuardConfig(), f.clock.Now)
	lc, err := NewLifecycle(DefaultLifecycleConfig(), f.exchange, f.journal, f.guard,
		risk.NewRiskManager(risk.DefaultRiskConfig()), f.logger, f.clock.Now)
	require.NoError(t, err)
	f.lc = lc
	return f
}

func longDecision(symbol string, stop float64, tps ...float64) domain.Decision {
	return domain.Decision{
		Action:          domain.ActionLong,
		Symbol:          symbol,
		Confidence:      80,
		PositionSizePct: 0.10,
		Leverage:        10,
		OrderType:       domain.Market,
		StopLoss:        stop,
		TakeProfit:      tps,
		Reason:          "trend up",
		MarketState:     "bull",
	}
}
