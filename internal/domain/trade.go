package domain

import "time"

// Trade is a journaled round trip. Close fields are zero until the position is closed.
type Trade struct {
	ID              int64
	Symbol          string
	Side            PositionSide
	OrderType       OrderType
	EntryPrice      float64
	Quantity        float64
	Leverage        int
	PositionPct     float64
	StopLoss        float64
	TakeProfit      []float64
	Confidence      float64
	EntryReason     string
	MarketState     string
	EntryTime       time.Time
	ExitPrice       float64
	ExitTime        time.Time
	CloseReason     string
	PNL             float64
	PNLPct          float64
	PostCloseKlines []*Kline
}

// IsClosed reports whether the close record has been written.
func (t *Trade) IsClosed() bool {
	return !t.ExitTime.IsZero()
}

// Duration returns how long the position was held.
func (t *Trade) Duration() time.Duration {
	if !t.IsClosed() {
		return 0
	}
	return t.ExitTime.Sub(t.EntryTime)
}

// TradeClose is the close-record emitted when a position is flattened.
type TradeClose struct {
	ExitPrice   float64
	ExitTime    time.Time
	CloseReason string
	PNL         float64
	PNLPct      float64
}
