package strategy

import (
	"context"
	"fmt"
	"math"
	"sort"

	"perpExecBot/internal/domain"
	"perpExecBot/internal/ports"
	"perpExecBot/internal/strategy/analytics"
)

// Config holds parameters for the rule-based policy.
type Config struct {
	RSIOverbought    float64   // e.g., 70.0
	RSIOversold      float64   // e.g., 30.0
	MinConfidence    float64   // entries scoring below this are HOLD
	PositionSizePct  float64   // fraction of balance proposed per entry
	Leverage         int       // proposed leverage, clamped later by risk rules
	StopATR          float64   // stop distance in 1h ATRs
	TakeProfitATR    []float64 // target distances in 1h ATRs, nearest first
	UseLimitOrders   bool      // enter extended moves with a limit at the 15m EMA20
	LimitWaitPct     float64   // deviation from the limit, in %, still worth waiting for
	LimitChasePct    float64   // deviation beyond which the order is chased or dropped
	RequoteOffsetPct float64   // distance of a re-quoted limit from the current price, in %
}

// DefaultConfig returns the parameters used when none are configured.
func DefaultConfig() Config {
	return Config{
		RSIOverbought:    70,
		RSIOversold:      30,
		MinConfidence:    65,
		PositionSizePct:  0.10,
		Leverage:         5,
		StopATR:          2.0,
		TakeProfitATR:    []float64{3.0, 5.0},
		UseLimitOrders:   true,
		LimitWaitPct:     0.3,
		LimitChasePct:    1.5,
		RequoteOffsetPct: 0.1,
	}
}

// Strategy is a deterministic policy built on the precomputed snapshot indicators.
// It implements ports.Policy and is used when no external policy service is configured.
type Strategy struct {
	cfg    Config
	logger ports.Logger
}

// New creates a new Strategy instance.
func New(cfg Config, logger ports.Logger) (*Strategy, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for strategy")
	}
	if cfg.RSIOversold <= 0 || cfg.RSIOverbought <= cfg.RSIOversold || cfg.RSIOverbought >= 100 {
		return nil, fmt.Errorf("RSI bounds must satisfy 0 < oversold < overbought < 100")
	}
	if cfg.PositionSizePct <= 0 || cfg.Leverage <= 0 {
		return nil, fmt.Errorf("position size and leverage must be positive")
	}
	if cfg.StopATR <= 0 || len(cfg.TakeProfitATR) == 0 {
		return nil, fmt.Errorf("stop and take profit ATR multiples are required")
	}
	for _, m := range cfg.TakeProfitATR {
		if m <= 0 {
			return nil, fmt.Errorf("take profit ATR multiples must be positive")
		}
	}
	if cfg.LimitWaitPct <= 0 || cfg.LimitChasePct <= cfg.LimitWaitPct {
		return nil, fmt.Errorf("limit chase threshold must exceed the wait threshold")
	}
	return &Strategy{cfg: cfg, logger: logger}, nil
}

// Decide manages the held position or looks for the strongest entry across the snapshots.
func (s *Strategy) Decide(ctx context.Context, req ports.DecisionRequest) (domain.Decision, error) {
	if pos := req.Account.Position; pos != nil {
		return s.manage(ctx, req.Snapshots, pos), nil
	}

	symbols := make([]string, 0, len(req.Snapshots))
	for sym := range req.Snapshots {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	best := domain.Hold("no setup above the confidence floor")
	for _, sym := range symbols {
		d, ok := s.evaluate(ctx, req.Snapshots[sym])
		if !ok {
			continue
		}
		if d.Confidence >= s.cfg.MinConfidence && d.Confidence > best.Confidence {
			best = d
		}
	}

	if best.Action != domain.ActionHold {
		s.logger.Info(ctx, "Trade entry conditions met", map[string]interface{}{
			"symbol":     best.Symbol,
			"action":     best.Action,
			"confidence": best.Confidence,
			"orderType":  best.OrderType,
			"stopLoss":   best.StopLoss,
		})
	}
	return best, nil
}

// evaluate scores one symbol. A neutral 4h trend or missing frames yield no candidate.
func (s *Strategy) evaluate(ctx context.Context, snap domain.MarketSnapshot) (domain.Decision, bool) {
	f4, ok4 := snap.Frame(domain.TF4h)
	f1, ok1 := snap.Frame(domain.TF1h)
	f15, ok15 := snap.Frame(domain.TF15m)
	if !ok4 || !ok1 || !ok15 {
		s.logger.Debug(ctx, "Not enough timeframes for strategy evaluation", map[string]interface{}{"symbol": snap.Symbol})
		return domain.Decision{}, false
	}

	trend := Trend(f4)
	var dir float64
	switch trend {
	case "bull":
		dir = 1
	case "bear":
		dir = -1
	default:
		return domain.Decision{}, false
	}

	price := snap.Price()
	atr := f1.ATR
	if atr <= 0 {
		atr = snap.ShortestATR()
	}
	if price <= 0 || atr <= 0 {
		return domain.Decision{}, false
	}

	confidence := 55.0
	if dir*(f1.Close-f1.EMA50) > 0 {
		confidence += 10
	}
	if dir*f1.MACDHist > 0 {
		confidence += 10
	}
	if dir*f4.MACDHist > 0 {
		confidence += 5
	}
	if dir*f15.MACDHist > 0 {
		confidence += 5
	}
	// Chasing an exhausted move.
	if (dir > 0 && f1.RSI > s.cfg.RSIOverbought) || (dir < 0 && f1.RSI < s.cfg.RSIOversold) {
		confidence -= 20
	}
	// Crowded side pays funding.
	if dir*snap.Sentiment.FundingRate > 0.0005 {
		confidence -= 5
	}
	confidence = math.Max(0, math.Min(100, confidence))

	stopDist := math.Min(math.Max(s.cfg.StopATR*atr, price*0.005), price*0.15)
	d := domain.Decision{
		Action:          domain.ActionLong,
		Symbol:          snap.Symbol,
		Confidence:      confidence,
		PositionSizePct: s.cfg.PositionSizePct,
		Leverage:        s.cfg.Leverage,
		OrderType:       domain.Market,
		EntryPrice:      price,
		Reason: fmt.Sprintf("4h %s trend, 1h RSI %.1f, 1h MACD hist %.4f, funding %.5f",
			trend, f1.RSI, f1.MACDHist, snap.Sentiment.FundingRate),
		MarketState: trend,
	}
	if dir < 0 {
		d.Action = domain.ActionShort
	}

	// An extended move is entered on a pullback to the 15m EMA20.
	if s.cfg.UseLimitOrders && f15.EMA20 > 0 && dir*(price-f15.EMA20) > 0.5*atr {
		d.OrderType = domain.Limit
		d.EntryPrice = f15.EMA20
	}

	d.StopLoss = d.EntryPrice - dir*stopDist
	for _, m := range s.cfg.TakeProfitATR {
		d.TakeProfit = append(d.TakeProfit, d.EntryPrice+dir*m*atr)
	}
	return d, true
}

// manage closes the held position when its 4h trend has turned against it.
func (s *Strategy) manage(ctx context.Context, snaps map[string]domain.MarketSnapshot, pos *domain.Position) domain.Decision {
	snap, ok := snaps[pos.Symbol]
	if !ok {
		return domain.Hold("no market data for held symbol")
	}
	f4, ok4 := snap.Frame(domain.TF4h)
	f1, ok1 := snap.Frame(domain.TF1h)
	if !ok4 || !ok1 {
		return domain.Hold("not enough timeframes for held symbol")
	}

	against := "bear"
	dir := 1.0
	if pos.Side == domain.Short {
		against = "bull"
		dir = -1
	}
	trend := Trend(f4)
	if trend == against || (dir*f4.MACDHist < 0 && dir*f1.MACDHist < 0 && dir*(f1.Close-f1.EMA50) < 0) {
		d := domain.Hold("")
		d.Action = domain.ActionClose
		d.Symbol = pos.Symbol
		d.Confidence = 80
		d.MarketState = trend
		d.Reason = fmt.Sprintf("%s position against 4h %s trend, MACD 4h %.4f 1h %.4f", pos.Side, trend, f4.MACDHist, f1.MACDHist)
		s.logger.Info(ctx, "Exit conditions met", map[string]interface{}{"symbol": pos.Symbol, "side": pos.Side, "trend": trend})
		return d
	}
	h := domain.Hold(fmt.Sprintf("%s position still aligned with 4h %s trend", pos.Side, trend))
	h.Symbol = pos.Symbol
	h.MarketState = trend
	return h
}

// ReviewLimitOrder answers a stale limit order from the market comparison.
func (s *Strategy) ReviewLimitOrder(ctx context.Context, req ports.LimitOrderReview) (domain.LimitOrderVerdict, error) {
	cmp := req.Comparison
	order := req.Order
	deviation := math.Abs(cmp.LimitDeviationPct)

	var v domain.LimitOrderVerdict
	switch {
	case !cmp.TrendConsistent:
		v = domain.LimitOrderVerdict{Action: domain.VerdictCancel, Reason: "trend changed since submission"}
	case cmp.MovingTowardLimit || deviation <= s.cfg.LimitWaitPct:
		v = domain.LimitOrderVerdict{Action: domain.VerdictContinueWait, Reason: fmt.Sprintf("price %.2f%% from limit and trend intact", deviation)}
	case deviation >= s.cfg.LimitChasePct:
		if accelerating(order.Side, req.Current) {
			v = domain.LimitOrderVerdict{Action: domain.VerdictCancelAndMarket, Reason: fmt.Sprintf("move accelerating %.2f%% away from limit", deviation)}
		} else {
			v = domain.LimitOrderVerdict{Action: domain.VerdictCancel, Reason: fmt.Sprintf("opportunity passed, price %.2f%% from limit", deviation)}
		}
	default:
		price := req.Current.Price()
		offset := s.cfg.RequoteOffsetPct / 100
		if order.Side == domain.Buy {
			price *= 1 - offset
		} else {
			price *= 1 + offset
		}
		v = domain.LimitOrderVerdict{Action: domain.VerdictModify, NewPrice: price, Reason: fmt.Sprintf("trend intact but price drifted %.2f%% from limit", deviation)}
	}

	s.logger.Info(ctx, "Limit order reviewed", map[string]interface{}{
		"orderId":   order.OrderID,
		"symbol":    order.Symbol,
		"verdict":   v.Action,
		"deviation": cmp.LimitDeviationPct,
		"elapsed":   req.Elapsed.String(),
	})
	return v, nil
}

// accelerating reports momentum on 1h and 15m in the direction of the order.
func accelerating(side domain.OrderSide, snap domain.MarketSnapshot) bool {
	dir := 1.0
	if side == domain.Sell {
		dir = -1
	}
	f1, ok1 := snap.Frame(domain.TF1h)
	f15, ok15 := snap.Frame(domain.TF15m)
	return ok1 && ok15 && dir*f1.MACDHist > 0 && dir*f15.MACDHist > 0
}

// SelfReview summarises the recent trades behind a drawdown.
func (s *Strategy) SelfReview(ctx context.Context, req ports.SelfReviewRequest) (map[string]interface{}, error) {
	initial := req.PeakBalance
	if initial <= 0 {
		initial = req.Balance
	}
	metrics := analytics.AnalyzePerformance(req.RecentTrades, initial)

	var findings []string
	if metrics.TotalTrades == 0 {
		findings = append(findings, "no closed trades in the review window, drawdown comes from open exposure")
	} else {
		if metrics.WinRate < 0.4 {
			findings = append(findings, fmt.Sprintf("win rate %.0f%% is below 40%%", metrics.WinRate*100))
		}
		if metrics.StopLossExits*2 >= metrics.TotalTrades {
			findings = append(findings, fmt.Sprintf("%d of %d exits were stops", metrics.StopLossExits, metrics.TotalTrades))
		}
		if metrics.MaxConsecutiveLosses >= 3 {
			findings = append(findings, fmt.Sprintf("%d consecutive losses", metrics.MaxConsecutiveLosses))
		}
		if metrics.RiskRewardRatio > 0 && metrics.RiskRewardRatio < 1 {
			findings = append(findings, fmt.Sprintf("average win is %.2fx the average loss", metrics.RiskRewardRatio))
		}
		if worst, pnl := worstSymbol(metrics); worst != "" && pnl < 0 {
			findings = append(findings, fmt.Sprintf("%s lost %.2f", worst, pnl))
		}
	}

	recommendation := "keep current parameters"
	if len(findings) > 0 {
		recommendation = "reduce position size until win rate recovers"
	}

	stats := metrics.Summary()
	for k, v := range req.Stats {
		stats[k] = v
	}
	return map[string]interface{}{
		"drawdown_pct":   req.DrawdownPct,
		"peak_balance":   req.PeakBalance,
		"balance":        req.Balance,
		"findings":       findings,
		"recommendation": recommendation,
		"stats":          stats,
	}, nil
}

func worstSymbol(m *analytics.PerformanceMetrics) (string, float64) {
	worst, pnl := "", math.Inf(1)
	for sym, st := range m.BySymbol {
		if st.PNL < pnl || (st.PNL == pnl && sym < worst) {
			worst, pnl = sym, st.PNL
		}
	}
	if worst == "" {
		return "", 0
	}
	return worst, pnl
}

var _ ports.Policy = (*Strategy)(nil)
