package domain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func btcSpec() InstrumentSpec {
	return InstrumentSpec{
		Symbol:      "BTCUSDT",
		Status:      "Trading",
		TickSize:    d("0.10"),
		MinPrice:    d("0.10"),
		MaxPrice:    d("199999.80"),
		QtyStep:     d("0.001"),
		MinQty:      d("0.001"),
		MaxQty:      d("100"),
		MinNotional: d("5"),
		MinLeverage: d("1"),
		MaxLeverage: d("100"),
	}
}

func solSpec() InstrumentSpec {
	return InstrumentSpec{
		Symbol:   "SOLUSDT",
		Status:   "Trading",
		TickSize: d("0.005"),
		MinPrice: d("0.01"),
		MaxPrice: d("19999.99"),
		QtyStep:  d("0.1"),
		MinQty:   d("0.1"),
		MaxQty:   d("79770"),
	}
}

func onGrid(v, step decimal.Decimal) bool {
	return v.Mod(step).IsZero()
}

func TestRoundingStaysOnGridAndInRange(t *testing.T) {
	specs := []InstrumentSpec{btcSpec(), solSpec()}
	prices := []float64{0.0001, 0.07, 12.3456, 147.1234, 50000.06, 123456.789, 250000, 1e9}
	qtys := []float64{0, 0.00049, 0.0234, 0.15, 3.33333, 99.9999, 1e6}

	for _, s := range specs {
		for _, p := range prices {
			got := s.RoundPrice(decimal.NewFromFloat(p))
			assert.True(t, onGrid(got, s.TickSize), "%s price %v -> %s off tick", s.Symbol, p, got)
			assert.False(t, got.LessThan(s.MinPrice), "%s price %v -> %s below min", s.Symbol, p, got)
			assert.False(t, got.GreaterThan(s.MaxPrice), "%s price %v -> %s above max", s.Symbol, p, got)
			assert.True(t, got.Equal(s.RoundPrice(got)), "%s price rounding not idempotent for %v", s.Symbol, p)
			assert.Equal(t, s.FormatPrice(p), s.FormatPrice(s.PriceFloat(p)))
		}
		for _, q := range qtys {
			got := s.RoundQty(decimal.NewFromFloat(q))
			assert.True(t, onGrid(got, s.QtyStep), "%s qty %v -> %s off step", s.Symbol, q, got)
			assert.False(t, got.LessThan(s.MinQty), "%s qty %v -> %s below min", s.Symbol, q, got)
			assert.False(t, got.GreaterThan(s.MaxQty), "%s qty %v -> %s above max", s.Symbol, q, got)
			assert.True(t, got.Equal(s.RoundQty(got)), "%s qty rounding not idempotent for %v", s.Symbol, q)
			assert.Equal(t, s.FormatQty(q), s.FormatQty(s.QtyFloat(q)))
		}
	}
}

func TestBoundsOffGridMoveInward(t *testing.T) {
	s := btcSpec()
	// 199999.80 is on the 0.10 grid; make the max off-grid to check the floor.
	s.MaxPrice = d("199999.85")
	got := s.RoundPrice(d("300000"))
	assert.Equal(t, "199999.8", got.String())
}

func TestNotionalExampleQuantity(t *testing.T) {
	// balance 1000, 10% of it at 10x leverage, price 50,000.
	qty := 1000 * 0.10 * 10 / 50000.0
	assert.InDelta(t, 0.02, qty, 1e-12)
	assert.Equal(t, "0.02", btcSpec().FormatQty(qty))
}

func TestFormattingUsesTheSymbolsOwnRules(t *testing.T) {
	assert.Equal(t, "147.1", btcSpec().FormatPrice(147.1234))
	assert.Equal(t, "147.125", solSpec().FormatPrice(147.1234))
	assert.Equal(t, "3.333", btcSpec().FormatQty(3.33333))
	assert.Equal(t, "3.3", solSpec().FormatQty(3.33333))
}

func TestClampLeverage(t *testing.T) {
	s := btcSpec()
	s.MaxLeverage = d("12.5")
	assert.Equal(t, 1, s.ClampLeverage(0))
	assert.Equal(t, 10, s.ClampLeverage(10))
	assert.Equal(t, 12, s.ClampLeverage(20))
}

func TestValidateOrder(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*InstrumentSpec)
		qty   float64
		price float64
		rule  string
	}{
		{name: "valid", qty: 0.02, price: 50000},
		{name: "not trading", setup: func(s *InstrumentSpec) { s.Status = "Settling" }, qty: 0.02, price: 50000, rule: "instrument_status"},
		{name: "below min qty", qty: 0.0005, price: 50000, rule: "min_qty"},
		{name: "above max qty", qty: 150, price: 50000, rule: "max_qty"},
		{name: "below min notional", qty: 0.001, price: 1000, rule: "min_notional"},
		{name: "above max notional", setup: func(s *InstrumentSpec) { s.MaxNotional = d("500") }, qty: 0.02, price: 50000, rule: "max_notional"},
		{name: "above max price", qty: 0.001, price: 250000, rule: "max_price"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := btcSpec()
			if tt.setup != nil {
				tt.setup(&s)
			}
			err := s.ValidateOrder(tt.qty, tt.price)
			if tt.rule == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrRuleViolation))
			var rv *RuleViolation
			require.True(t, errors.As(err, &rv))
			assert.Equal(t, tt.rule, rv.Rule)
			assert.Equal(t, "BTCUSDT", rv.Symbol)
		})
	}
}
