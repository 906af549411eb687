package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrRuleViolation is wrapped by every RuleViolation.
var ErrRuleViolation = errors.New("risk rule violated")

// RuleViolation describes a refused or adjusted action with the rule that fired.
type RuleViolation struct {
	Rule     string
	Symbol   string
	Original float64
	Limit    float64
	Detail   string
}

func (v *RuleViolation) Error() string {
	if v.Detail != "" {
		return fmt.Sprintf("%s %s: %s", v.Symbol, v.Rule, v.Detail)
	}
	return fmt.Sprintf("%s %s: value %v violates limit %v", v.Symbol, v.Rule, v.Original, v.Limit)
}

func (v *RuleViolation) Unwrap() error { return ErrRuleViolation }

// InstrumentSpec holds the venue's numeric rules for one symbol. It is loaded once at
// startup and never mutated; every price and quantity sent for Symbol goes through it.
type InstrumentSpec struct {
	Symbol       string
	Status       string
	TickSize     decimal.Decimal
	MinPrice     decimal.Decimal
	MaxPrice     decimal.Decimal
	QtyStep      decimal.Decimal
	MinQty       decimal.Decimal
	MaxQty       decimal.Decimal
	MinNotional  decimal.Decimal // zero when the venue does not publish one
	MaxNotional  decimal.Decimal
	MinLeverage  decimal.Decimal
	MaxLeverage  decimal.Decimal
	LeverageStep decimal.Decimal
}

// Tradable reports whether the venue accepts new orders for the instrument.
func (s InstrumentSpec) Tradable() bool {
	return s.Status == "Trading"
}

// RoundPrice snaps p to the nearest tick and clamps it into [MinPrice, MaxPrice].
func (s InstrumentSpec) RoundPrice(p decimal.Decimal) decimal.Decimal {
	return snap(p, s.TickSize, s.MinPrice, s.MaxPrice)
}

// RoundQty snaps q to the nearest step and clamps it into [MinQty, MaxQty].
func (s InstrumentSpec) RoundQty(q decimal.Decimal) decimal.Decimal {
	return snap(q, s.QtyStep, s.MinQty, s.MaxQty)
}

// FormatPrice returns the wire form of a price for this instrument.
func (s InstrumentSpec) FormatPrice(p float64) string {
	return s.RoundPrice(decimal.NewFromFloat(p)).String()
}

// FormatQty returns the wire form of a quantity for this instrument.
func (s InstrumentSpec) FormatQty(q float64) string {
	return s.RoundQty(decimal.NewFromFloat(q)).String()
}

// PriceFloat is RoundPrice for callers working in float64.
func (s InstrumentSpec) PriceFloat(p float64) float64 {
	return s.RoundPrice(decimal.NewFromFloat(p)).InexactFloat64()
}

// QtyFloat is RoundQty for callers working in float64.
func (s InstrumentSpec) QtyFloat(q float64) float64 {
	return s.RoundQty(decimal.NewFromFloat(q)).InexactFloat64()
}

// ClampLeverage keeps lev inside the instrument's leverage bounds.
func (s InstrumentSpec) ClampLeverage(lev int) int {
	l := decimal.NewFromInt(int64(lev))
	if s.MinLeverage.IsPositive() && l.LessThan(s.MinLeverage) {
		return int(s.MinLeverage.Ceil().IntPart())
	}
	if s.MaxLeverage.IsPositive() && l.GreaterThan(s.MaxLeverage) {
		return int(s.MaxLeverage.Floor().IntPart())
	}
	return lev
}

// ValidateOrder checks an already-rounded order against the instrument rules.
func (s InstrumentSpec) ValidateOrder(qty, price float64) error {
	if !s.Tradable() {
		return &RuleViolation{Rule: "instrument_status", Symbol: s.Symbol, Detail: fmt.Sprintf("status is %q, not Trading", s.Status)}
	}
	q := decimal.NewFromFloat(qty)
	p := decimal.NewFromFloat(price)
	if q.LessThan(s.MinQty) {
		return &RuleViolation{Rule: "min_qty", Symbol: s.Symbol, Original: qty, Limit: s.MinQty.InexactFloat64()}
	}
	if s.MaxQty.IsPositive() && q.GreaterThan(s.MaxQty) {
		return &RuleViolation{Rule: "max_qty", Symbol: s.Symbol, Original: qty, Limit: s.MaxQty.InexactFloat64()}
	}
	notional := q.Mul(p)
	if s.MinNotional.IsPositive() && notional.LessThan(s.MinNotional) {
		return &RuleViolation{Rule: "min_notional", Symbol: s.Symbol, Original: notional.InexactFloat64(), Limit: s.MinNotional.InexactFloat64()}
	}
	if s.MaxNotional.IsPositive() && notional.GreaterThan(s.MaxNotional) {
		return &RuleViolation{Rule: "max_notional", Symbol: s.Symbol, Original: notional.InexactFloat64(), Limit: s.MaxNotional.InexactFloat64()}
	}
	if p.LessThan(s.MinPrice) {
		return &RuleViolation{Rule: "min_price", Symbol: s.Symbol, Original: price, Limit: s.MinPrice.InexactFloat64()}
	}
	if s.MaxPrice.IsPositive() && p.GreaterThan(s.MaxPrice) {
		return &RuleViolation{Rule: "max_price", Symbol: s.Symbol, Original: price, Limit: s.MaxPrice.InexactFloat64()}
	}
	return nil
}

// snap rounds v to the nearest multiple of step, then clamps into [lo, hi].
// Bounds that are not multiples of step are moved inward to the closest
// multiple so the result is always on the grid.
func snap(v, step, lo, hi decimal.Decimal) decimal.Decimal {
	if step.IsPositive() {
		v = v.Div(step).Round(0).Mul(step)
	}
	if lo.IsPositive() && v.LessThan(lo) {
		v = lo
		if step.IsPositive() {
			v = lo.Div(step).Ceil().Mul(step)
		}
	}
	if hi.IsPositive() && v.GreaterThan(hi) {
		v = hi
		if step.IsPositive() {
			v = hi.Div(step).Floor().Mul(step)
		}
	}
	return v
}
