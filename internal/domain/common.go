package domain

import "strings"

// OrderSide is the venue-level side of an order.
type OrderSide string

const (
	Buy  OrderSide = "Buy"
	Sell OrderSide = "Sell"
)

// Opposite returns the side that reduces a position opened with s.
func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

// PositionSide is the direction of a held position.
type PositionSide string

const (
	Long  PositionSide = "Long"
	Short PositionSide = "Short"
)

// OrderSide returns the side of the order that opens a position in this direction.
func (p PositionSide) OrderSide() OrderSide {
	if p == Short {
		return Sell
	}
	return Buy
}

// SideFromOrder maps a venue order side to the position direction it opens.
func SideFromOrder(s OrderSide) PositionSide {
	if s == Sell {
		return Short
	}
	return Long
}

// OrderType is Market or Limit.
type OrderType string

const (
	Market OrderType = "Market"
	Limit  OrderType = "Limit"
)

// OrderStatus mirrors the venue's order status strings.
type OrderStatus string

const (
	OrderNew             OrderStatus = "New"
	OrderPartiallyFilled OrderStatus = "PartiallyFilled"
	OrderFilled          OrderStatus = "Filled"
	OrderCancelled       OrderStatus = "Cancelled"
	OrderRejected        OrderStatus = "Rejected"
)

// IsOpen reports whether the order can still fill.
func (s OrderStatus) IsOpen() bool {
	return s == OrderNew || s == OrderPartiallyFilled
}

// Close reasons emitted by the engine itself. Reasons coming from the policy are free text.
const (
	CloseReasonProtection   = "protection triggered"
	CloseReasonDailyLoss    = "max daily loss exceeded"
	CloseReasonSwitch       = "switching position"
	CloseReasonShutdown     = "shutdown requested"
	CloseReasonExternalExit = "position closed on venue"
	CloseReasonStopLoss     = "stop loss hit"
	CloseReasonTakeProfit   = "take profit hit"
)

// IsStopLossReason reports whether a close reason attributes the exit to a stop.
// Protective closes never count, whatever their detail says.
func IsStopLossReason(reason string) bool {
	if strings.HasPrefix(reason, CloseReasonProtection) {
		return false
	}
	return strings.Contains(strings.ToLower(reason), "stop")
}

// NormalizeSymbol strips the perpetual suffix some policies attach to symbols.
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	return strings.TrimSuffix(s, "_PERPETUAL")
}
