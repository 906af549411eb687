package risk

import (
	"fmt"
	"math"
	"sync"

	"perpExecBot/internal/domain"
)

// RiskConfig holds the per-order risk bounds.
type RiskConfig struct {
	MinPositionPct     float64 // fraction of balance
	MaxPositionPct     float64
	MinLeverage        int
	MaxLeverage        int
	MinStopDistancePct float64 // fraction of entry
	MaxStopDistancePct float64
	MinBalance         float64
}

// DefaultRiskConfig returns the stock bounds.
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		MinPositionPct:     0.03,
		MaxPositionPct:     0.30,
		MinLeverage:        1,
		MaxLeverage:        15,
		MinStopDistancePct: 0.003,
		MaxStopDistancePct: 0.20,
		MinBalance:         10,
	}
}

// RiskManager applies the order-level clamps and geometry checks.
type RiskManager struct {
	config RiskConfig

	mu    sync.Mutex
	stats RiskStats
}

// RiskStats counts how often the rules intervened.
type RiskStats struct {
	SizeClamps     int
	LeverageClamps int
	Rejections     int
}

// NewRiskManager creates a new risk manager instance.
func NewRiskManager(config RiskConfig) *RiskManager {
	return &RiskManager{config: config}
}

// Config returns the bounds in use.
func (r *RiskManager) Config() RiskConfig {
	return r.config
}

// ClampPositionPct keeps pct inside [MinPositionPct, MaxPositionPct]. The returned
// violation is non-nil when the value was adjusted.
func (r *RiskManager) ClampPositionPct(symbol string, pct float64) (float64, *domain.RuleViolation) {
	clamped := math.Min(math.Max(pct, r.config.MinPositionPct), r.config.MaxPositionPct)
	if clamped == pct {
		return pct, nil
	}
	r.count(func(s *RiskStats) { s.SizeClamps++ })
	return clamped, &domain.RuleViolation{
		Rule: "position_size_bounds", Symbol: symbol, Original: pct, Limit: clamped,
		Detail: fmt.Sprintf("position size %.4f adjusted to %.4f", pct, clamped),
	}
}

// ClampLeverage keeps lev inside the configured bounds and the instrument's own bounds.
func (r *RiskManager) ClampLeverage(spec domain.InstrumentSpec, lev int) (int, *domain.RuleViolation) {
	clamped := lev
	if clamped < r.config.MinLeverage {
		clamped = r.config.MinLeverage
	}
	if clamped > r.config.MaxLeverage {
		clamped = r.config.MaxLeverage
	}
	clamped = spec.ClampLeverage(clamped)
	if clamped == lev {
		return lev, nil
	}
	r.count(func(s *RiskStats) { s.LeverageClamps++ })
	return clamped, &domain.RuleViolation{
		Rule: "leverage_bounds", Symbol: spec.Symbol, Original: float64(lev), Limit: float64(clamped),
		Detail: fmt.Sprintf("leverage %d adjusted to %d", lev, clamped),
	}
}

// CheckBalance refuses opens below the minimum balance.
func (r *RiskManager) CheckBalance(symbol string, balance float64) error {
	if balance < r.config.MinBalance {
		r.count(func(s *RiskStats) { s.Rejections++ })
		return &domain.RuleViolation{Rule: "min_balance", Symbol: symbol, Original: balance, Limit: r.config.MinBalance}
	}
	return nil
}

// PositionQuantity returns balance * pct * leverage / price, before step rounding.
func (r *RiskManager) PositionQuantity(balance, pct float64, leverage int, price float64) float64 {
	if price <= 0 {
		return 0
	}
	return balance * pct * float64(leverage) / price
}

// ValidateStops checks stop and target geometry. For a long the stop must sit below
// entry at a distance within the configured band and the first target above entry;
// a short mirrors this. Zero stop or target skips the respective check.
func (r *RiskManager) ValidateStops(symbol string, side domain.PositionSide, entry, stop, takeProfit float64) error {
	err := r.validateStops(symbol, side, entry, stop, takeProfit)
	if err != nil {
		r.count(func(s *RiskStats) { s.Rejections++ })
	}
	return err
}

func (r *RiskManager) validateStops(symbol string, side domain.PositionSide, entry, stop, takeProfit float64) error {
	if entry <= 0 {
		return &domain.RuleViolation{Rule: "entry_price", Symbol: symbol, Original: entry, Detail: "entry price must be positive"}
	}

	var distance float64
	if side == domain.Long {
		if stop > 0 && stop >= entry {
			return &domain.RuleViolation{Rule: "stop_loss_side", Symbol: symbol, Original: stop, Limit: entry,
				Detail: fmt.Sprintf("long stop %.8g must be below entry %.8g", stop, entry)}
		}
		if takeProfit > 0 && takeProfit <= entry {
			return &domain.RuleViolation{Rule: "take_profit_side", Symbol: symbol, Original: takeProfit, Limit: entry,
				Detail: fmt.Sprintf("long target %.8g must be above entry %.8g", takeProfit, entry)}
		}
		distance = (entry - stop) / entry
	} else {
		if stop > 0 && stop <= entry {
			return &domain.RuleViolation{Rule: "stop_loss_side", Symbol: symbol, Original: stop, Limit: entry,
				Detail: fmt.Sprintf("short stop %.8g must be above entry %.8g", stop, entry)}
		}
		if takeProfit > 0 && takeProfit >= entry {
			return &domain.RuleViolation{Rule: "take_profit_side", Symbol: symbol, Original: takeProfit, Limit: entry,
				Detail: fmt.Sprintf("short target %.8g must be below entry %.8g", takeProfit, entry)}
		}
		distance = (stop - entry) / entry
	}

	if stop <= 0 {
		return nil
	}
	if distance < r.config.MinStopDistancePct {
		return &domain.RuleViolation{Rule: "stop_distance_min", Symbol: symbol, Original: distance, Limit: r.config.MinStopDistancePct,
			Detail: fmt.Sprintf("stop distance %.2f%% below %.2f%%", distance*100, r.config.MinStopDistancePct*100)}
	}
	if distance > r.config.MaxStopDistancePct {
		return &domain.RuleViolation{Rule: "stop_distance_max", Symbol: symbol, Original: distance, Limit: r.config.MaxStopDistancePct,
			Detail: fmt.Sprintf("stop distance %.2f%% above %.2f%%", distance*100, r.config.MaxStopDistancePct*100)}
	}
	return nil
}

// GetStats returns a copy of the intervention counters.
func (r *RiskManager) GetStats() RiskStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *RiskManager) count(f func(*RiskStats)) {
	r.mu.Lock()
	f(&r.stats)
	r.mu.Unlock()
}
