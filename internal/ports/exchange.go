package ports

import (
	"context"
	"time"

	"perpExecBot/internal/domain"
)

// Ticker is the venue's 24h ticker for a linear contract.
type Ticker struct {
	Symbol       string
	LastPrice    float64
	MarkPrice    float64
	IndexPrice   float64
	Bid1Price    float64
	Ask1Price    float64
	FundingRate  float64
	OpenInterest float64
	Change24hPct float64
	Volume24h    float64
}

// BookLevel is one price level of the order book.
type BookLevel struct {
	Price float64
	Size  float64
}

// OrderBook is a depth snapshot, best levels first.
type OrderBook struct {
	Symbol string
	Bids   []BookLevel
	Asks   []BookLevel
	Time   time.Time
}

// FundingRate is a settled funding event.
type FundingRate struct {
	Symbol string
	Rate   float64
	Time   time.Time
}

// LongShortRatio is the share of accounts holding longs vs shorts.
type LongShortRatio struct {
	Symbol    string
	BuyRatio  float64
	SellRatio float64
	Time      time.Time
}

// WalletBalance is the settlement-coin balance of the trading account.
type WalletBalance struct {
	Coin           string
	WalletBalance  float64
	Equity         float64
	UnrealisedPNL  float64
	AvailableFunds float64
}

// PositionInfo is a venue-reported position.
type PositionInfo struct {
	Symbol        string
	Side          domain.OrderSide // Buy for long, Sell for short, empty when flat
	Size          float64
	AvgPrice      float64
	Leverage      int
	StopLoss      float64
	TakeProfit    float64
	UnrealisedPNL float64
	MarkPrice     float64
}

// OrderInfo is a venue-reported order.
type OrderInfo struct {
	OrderID     string
	OrderLinkID string
	Symbol      string
	Side        domain.OrderSide
	Type        domain.OrderType
	Status      domain.OrderStatus
	Price       float64
	AvgPrice    float64
	Qty         float64
	CumExecQty  float64
	CreatedAt   time.Time
}

// OrderRequest is a logical order. The client formats every numeric field with the
// instrument rules of Symbol before signing.
type OrderRequest struct {
	Symbol     string
	Side       domain.OrderSide
	Type       domain.OrderType
	Qty        float64
	Price      float64 // limit orders only
	ReduceOnly bool
	StopLoss   float64 // 0 leaves it unset
	TakeProfit float64
}

// OrderAck is the venue's acknowledgement of an accepted order.
type OrderAck struct {
	OrderID     string
	OrderLinkID string
}

// TradingStopRequest sets the position-level stop and/or target. Zero fields are left unchanged.
type TradingStopRequest struct {
	Symbol     string
	StopLoss   float64
	TakeProfit float64
}

// MarketDataReader covers the public read endpoints.
type MarketDataReader interface {
	GetServerTime(ctx context.Context) (time.Time, error)
	GetKlines(ctx context.Context, symbol string, tf domain.Timeframe, limit int) ([]*domain.Kline, error)
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)
	GetOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error)
	GetFundingHistory(ctx context.Context, symbol string, limit int) ([]FundingRate, error)
	GetOpenInterest(ctx context.Context, symbol string) (float64, error)
	GetLongShortRatio(ctx context.Context, symbol string) (*LongShortRatio, error)
}

// AccountReader covers the signed read endpoints.
type AccountReader interface {
	GetWalletBalance(ctx context.Context, coin string) (*WalletBalance, error)
	GetPositions(ctx context.Context, symbol string) ([]PositionInfo, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]OrderInfo, error)
	GetOrder(ctx context.Context, symbol, orderID string) (*OrderInfo, error)
}

// OrderExecutor covers the signed write endpoints.
type OrderExecutor interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAllOrders(ctx context.Context, symbol string) error
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetTradingStop(ctx context.Context, req TradingStopRequest) error
	SwitchPositionMode(ctx context.Context, symbol string, mode int) error
}

// InstrumentBook resolves the numeric rules of a symbol.
type InstrumentBook interface {
	Instrument(symbol string) (domain.InstrumentSpec, error)
}

// ExchangeClient is everything the engine needs from the venue.
type ExchangeClient interface {
	MarketDataReader
	AccountReader
	OrderExecutor
	InstrumentBook
}

// ReferenceFeed is a secondary venue used to cross-check prices and fill kline gaps.
type ReferenceFeed interface {
	GetMarkAndFunding(ctx context.Context, symbol string) (mark float64, funding float64, err error)
	GetKlines(ctx context.Context, symbol string, tf domain.Timeframe, limit int) ([]*domain.Kline, error)
}
