package risk

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"perpExecBot/internal/domain"
)

// Trigger types, also used as keys of the trigger statistics.
const (
	TriggerMultiAssetCrash  = "multi_asset_crash"
	TriggerFlashCrash       = "flash_crash"
	TriggerLiquidityCrisis  = "liquidity_crisis"
	TriggerVolatilitySurge  = "volatility_surge"
	TriggerConsecutiveStops = "consecutive_stops"
	TriggerMaxDailyLoss     = "max_daily_loss"
)

// GuardConfig holds the protection thresholds. Ratios are fractions except MaxDailyLossPct.
type GuardConfig struct {
	FlashCrashPct        float64       // single-candle open-to-close drop
	WickMultiplier       float64       // lower wick threshold = FlashCrashPct * WickMultiplier
	VolumeDropPct        float64       // liquidity crisis when volume < expected * (1 - VolumeDropPct)
	MissingVolumePct     float64       // below expected * MissingVolumePct the data is treated as missing
	FreshCandleSkip      time.Duration // no liquidity verdict this early in a short candle
	ATRSurgeRatio        float64
	MultiAssetCrashPct   float64
	MultiAssetMinSymbols int
	MaxStopsInWindow     int
	StopWindow           time.Duration
	MaxDailyLossPct      float64
	ShortFrame           domain.Timeframe
	LongFrame            domain.Timeframe
}

// DefaultGuardConfig returns the stock thresholds.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		FlashCrashPct:        0.08,
		WickMultiplier:       1.5,
		VolumeDropPct:        0.70,
		MissingVolumePct:     0.10,
		FreshCandleSkip:      5 * time.Minute,
		ATRSurgeRatio:        1.5,
		MultiAssetCrashPct:   0.05,
		MultiAssetMinSymbols: 2,
		MaxStopsInWindow:     3,
		StopWindow:           4 * time.Hour,
		MaxDailyLossPct:      15,
		ShortFrame:           domain.TF15m,
		LongFrame:            domain.TF4h,
	}
}

// Signal is the result of one detector.
type Signal struct {
	Matched bool
	Type    string
	Reason  string
}

// Verdict is the result of the combined check.
type Verdict struct {
	Protect bool
	Signals []Signal
}

// Reasons returns the reasons of every matched detector.
func (v Verdict) Reasons() []string {
	out := make([]string, 0, len(v.Signals))
	for _, s := range v.Signals {
		out = append(out, s.Reason)
	}
	return out
}

// String joins the reasons for logging and close records.
func (v Verdict) String() string {
	return strings.Join(v.Reasons(), "; ")
}

// ProtectionState is a copy of the guard's rolling state.
type ProtectionState struct {
	StopLosses      []time.Time
	DailyBaseline   float64
	BaselineDate    string
	PeakBalance     float64
	DrawdownAlerted bool
	Triggers        map[string]int
}

// Guard implements the market protection detectors and keeps their rolling state.
// Methods are safe for concurrent use; the trading loop is the only writer.
type Guard struct {
	cfg GuardConfig
	now func() time.Time

	mu              sync.Mutex
	stopLosses      []time.Time
	dailyBaseline   float64
	baselineDate    string
	peakBalance     float64
	drawdownAlerted bool
	triggers        map[string]int
}

// NewGuard creates a guard. now defaults to time.Now.
func NewGuard(cfg GuardConfig, now func() time.Time) *Guard {
	if now == nil {
		now = time.Now
	}
	def := DefaultGuardConfig()
	if cfg.ShortFrame == "" {
		cfg.ShortFrame = def.ShortFrame
	}
	if cfg.LongFrame == "" {
		cfg.LongFrame = def.LongFrame
	}
	if cfg.WickMultiplier <= 0 {
		cfg.WickMultiplier = def.WickMultiplier
	}
	if cfg.MissingVolumePct <= 0 {
		cfg.MissingVolumePct = def.MissingVolumePct
	}
	if cfg.MultiAssetMinSymbols <= 0 {
		cfg.MultiAssetMinSymbols = def.MultiAssetMinSymbols
	}
	return &Guard{cfg: cfg, now: now, triggers: make(map[string]int)}
}

// MultiAssetCrash matches when enough tracked symbols dropped more than the threshold
// within their latest short candle.
func (g *Guard) MultiAssetCrash(snaps map[string]domain.MarketSnapshot) Signal {
	symbols := make([]string, 0, len(snaps))
	for s := range snaps {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	var crashed []string
	for _, s := range symbols {
		f, ok := snaps[s].Frame(g.cfg.ShortFrame)
		if !ok || f.Open <= 0 {
			continue
		}
		drop := (f.Open - f.Close) / f.Open
		if drop > g.cfg.MultiAssetCrashPct {
			crashed = append(crashed, fmt.Sprintf("%s(-%.1f%%)", s, drop*100))
		}
	}
	if len(crashed) >= g.cfg.MultiAssetMinSymbols {
		return Signal{Matched: true, Type: TriggerMultiAssetCrash, Reason: "multi-asset crash: " + strings.Join(crashed, ", ")}
	}
	return Signal{Type: TriggerMultiAssetCrash}
}

// FlashCrash matches a single-candle collapse or an extreme lower wick.
func (g *Guard) FlashCrash(snap domain.MarketSnapshot) Signal {
	sig := Signal{Type: TriggerFlashCrash}
	f, ok := snap.Frame(g.cfg.ShortFrame)
	if !ok || f.Open <= 0 {
		return sig
	}
	drop := (f.Open - f.Close) / f.Open
	wick := (f.Open - f.Low) / f.Open
	switch {
	case drop > g.cfg.FlashCrashPct:
		sig.Matched = true
		sig.Reason = fmt.Sprintf("flash crash on %s: candle dropped %.1f%%", snap.Symbol, drop*100)
	case wick > g.cfg.FlashCrashPct*g.cfg.WickMultiplier:
		sig.Matched = true
		sig.Reason = fmt.Sprintf("flash crash on %s: lower wick %.1f%%", snap.Symbol, wick*100)
	}
	return sig
}

// LiquidityCrisis compares the short candle's volume with the long candle's volume
// spread over the short frames it contains. A candle younger than FreshCandleSkip and
// volume so low it looks like missing data both report no crisis.
func (g *Guard) LiquidityCrisis(snap domain.MarketSnapshot) Signal {
	sig := Signal{Type: TriggerLiquidityCrisis}
	short, okS := snap.Frame(g.cfg.ShortFrame)
	long, okL := snap.Frame(g.cfg.LongFrame)
	if !okS || !okL || long.Volume <= 0 {
		return sig
	}

	shortDur := g.cfg.ShortFrame.Duration()
	if shortDur > 0 {
		now := g.now()
		if now.Sub(now.Truncate(shortDur)) < g.cfg.FreshCandleSkip {
			return sig
		}
	}

	frames := float64(g.cfg.LongFrame.Duration() / shortDur)
	if frames <= 0 {
		return sig
	}
	expected := long.Volume / frames
	if short.Volume >= expected*(1-g.cfg.VolumeDropPct) {
		return sig
	}
	if short.Volume < expected*g.cfg.MissingVolumePct {
		return sig
	}
	sig.Matched = true
	sig.Reason = fmt.Sprintf("liquidity crisis on %s: volume %.1f%% below expected", snap.Symbol, (1-short.Volume/expected)*100)
	return sig
}

// VolatilitySurge matches when the short-frame ATR exceeds the long-frame ATR by the ratio.
func (g *Guard) VolatilitySurge(snap domain.MarketSnapshot) Signal {
	sig := Signal{Type: TriggerVolatilitySurge}
	short, okS := snap.Frame(g.cfg.ShortFrame)
	long, okL := snap.Frame(g.cfg.LongFrame)
	if !okS || !okL || long.ATR <= 0 {
		return sig
	}
	if short.ATR > long.ATR*g.cfg.ATRSurgeRatio {
		sig.Matched = true
		sig.Reason = fmt.Sprintf("volatility surge on %s: ATR up %.1f%%", snap.Symbol, (short.ATR/long.ATR-1)*100)
	}
	return sig
}

// RecordStopLoss appends a stop-loss event to the rolling window.
func (g *Guard) RecordStopLoss(at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopLosses = append(g.stopLosses, at)
}

// ConsecutiveStops prunes the stop-loss window and matches when too many stops remain.
func (g *Guard) ConsecutiveStops() Signal {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneStopsLocked()
	if len(g.stopLosses) >= g.cfg.MaxStopsInWindow {
		return Signal{
			Matched: true,
			Type:    TriggerConsecutiveStops,
			Reason:  fmt.Sprintf("%d stop losses within %s", len(g.stopLosses), g.cfg.StopWindow),
		}
	}
	return Signal{Type: TriggerConsecutiveStops}
}

func (g *Guard) pruneStopsLocked() {
	windowStart := g.now().Add(-g.cfg.StopWindow)
	kept := g.stopLosses[:0]
	for _, t := range g.stopLosses {
		if t.After(windowStart) {
			kept = append(kept, t)
		}
	}
	g.stopLosses = kept
}

// MaxDailyLoss matches when the balance fell more than MaxDailyLossPct below the day's
// opening balance. The first observation of a new UTC day becomes the baseline.
func (g *Guard) MaxDailyLoss(balance float64) Signal {
	g.mu.Lock()
	defer g.mu.Unlock()

	sig := Signal{Type: TriggerMaxDailyLoss}
	today := g.now().UTC().Format("2006-01-02")
	if g.baselineDate != today || g.dailyBaseline <= 0 {
		g.baselineDate = today
		g.dailyBaseline = balance
		return sig
	}
	lossPct := (g.dailyBaseline - balance) / g.dailyBaseline * 100
	if lossPct > g.cfg.MaxDailyLossPct {
		sig.Matched = true
		sig.Reason = fmt.Sprintf("daily loss %.1f%% exceeds %.1f%%", lossPct, g.cfg.MaxDailyLossPct)
		g.triggers[TriggerMaxDailyLoss]++
	}
	return sig
}

// Check runs the combined protection check. heldSymbol is empty when flat; the
// per-symbol detectors only look at the held symbol.
func (g *Guard) Check(snaps map[string]domain.MarketSnapshot, heldSymbol string) Verdict {
	signals := []Signal{g.MultiAssetCrash(snaps)}
	if heldSymbol != "" {
		if snap, ok := snaps[heldSymbol]; ok {
			signals = append(signals, g.FlashCrash(snap), g.LiquidityCrisis(snap), g.VolatilitySurge(snap))
		}
	}
	signals = append(signals, g.ConsecutiveStops())

	var v Verdict
	g.mu.Lock()
	for _, s := range signals {
		if s.Matched {
			v.Signals = append(v.Signals, s)
			g.triggers[s.Type]++
		}
	}
	g.mu.Unlock()
	v.Protect = len(v.Signals) > 0
	return v
}

// ObserveBalance updates the peak and returns the drawdown from it as a fraction.
// A new peak re-arms the drawdown alert.
func (g *Guard) ObserveBalance(balance float64) (drawdown float64, newPeak bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if balance > g.peakBalance {
		g.peakBalance = balance
		g.drawdownAlerted = false
		return 0, true
	}
	if g.peakBalance <= 0 {
		return 0, false
	}
	return (g.peakBalance - balance) / g.peakBalance, false
}

// ArmDrawdownAlert returns true exactly once per peak.
func (g *Guard) ArmDrawdownAlert() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.drawdownAlerted {
		return false
	}
	g.drawdownAlerted = true
	return true
}

// PeakBalance returns the highest balance observed.
func (g *Guard) PeakBalance() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peakBalance
}

// State returns a copy of the rolling state.
func (g *Guard) State() ProtectionState {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := ProtectionState{
		StopLosses:      append([]time.Time(nil), g.stopLosses...),
		DailyBaseline:   g.dailyBaseline,
		BaselineDate:    g.baselineDate,
		PeakBalance:     g.peakBalance,
		DrawdownAlerted: g.drawdownAlerted,
		Triggers:        make(map[string]int, len(g.triggers)),
	}
	for k, v := range g.triggers {
		st.Triggers[k] = v
	}
	return st
}
