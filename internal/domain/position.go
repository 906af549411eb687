package domain

import "time"

// Position is the single live position the engine manages.
type Position struct {
	Symbol      string
	Side        PositionSide
	EntryPrice  float64
	Quantity    float64
	Leverage    int
	OpenedAt    time.Time
	EntryReason string
	StopLoss    float64 // 0 when no stop is set on the venue
	TakeProfit  float64
	TradeID     int64 // journal record id, 0 when the open was not journaled
}

// UnrealizedPNL returns the profit in quote currency at price.
func (p Position) UnrealizedPNL(price float64) float64 {
	if p.Side == Short {
		return (p.EntryPrice - price) * p.Quantity
	}
	return (price - p.EntryPrice) * p.Quantity
}

// FavourableMove returns how far price has moved in the position's favour.
func (p Position) FavourableMove(price float64) float64 {
	if p.Side == Short {
		return p.EntryPrice - price
	}
	return price - p.EntryPrice
}

// PendingLimitOrder is a submitted limit order the engine is still watching.
type PendingLimitOrder struct {
	OrderID    string
	Symbol     string
	Side       OrderSide
	Price      float64
	Quantity   float64
	StopLoss   float64
	TakeProfit float64
	Leverage   int
	CreatedAt  time.Time
	Requotes   int
	Decision   Decision
	Snapshot   map[string]MarketSnapshot // market state captured at submission
}

// Age returns how long the order has been waiting.
func (o PendingLimitOrder) Age(now time.Time) time.Duration {
	return now.Sub(o.CreatedAt)
}
