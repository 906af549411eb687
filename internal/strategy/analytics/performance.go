package analytics

import (
	"math"
	"sort"
	"time"

	"perpExecBot/internal/domain"
)

// PerformanceMetrics holds the performance of a set of closed trades.
type PerformanceMetrics struct {
	// Basic Metrics
	TotalTrades        int
	WinningTrades      int
	LosingTrades       int
	WinRate            float64
	TotalProfit        float64
	GrossProfit        float64
	GrossLoss          float64
	MaxDrawdown        float64
	ProfitFactor       float64
	AverageWin         float64
	AverageLoss        float64
	AveragePNLPct      float64
	SharpeRatio        float64 // per-trade, on PNLPct, not annualised
	FinalBalance       float64
	ReturnOnInvestment float64

	// Advanced Metrics
	MaxConsecutiveWins   int
	MaxConsecutiveLosses int
	StopLossExits        int
	AverageTradeDuration time.Duration
	RecoveryFactor       float64
	Expectancy           float64
	RiskRewardRatio      float64
	MonthlyReturns       map[string]float64
	BySymbol             map[string]*SymbolStats
	Drawdowns            []Drawdown
	EquityCurve          []EquityPoint
}

// SymbolStats aggregates closed trades of one symbol.
type SymbolStats struct {
	Trades  int
	Wins    int
	PNL     float64
	WinRate float64
}

// Drawdown represents a drawdown period
type Drawdown struct {
	StartTime  time.Time
	EndTime    time.Time
	StartValue float64
	EndValue   float64
	Depth      float64
	Duration   time.Duration
}

// EquityPoint represents a point on the equity curve
type EquityPoint struct {
	Time     time.Time
	Value    float64
	Drawdown float64
}

// AnalyzePerformance computes metrics over the closed trades in trades, in exit order.
// Open trades are ignored and the input slice is not reordered.
func AnalyzePerformance(trades []*domain.Trade, initialBalance float64) *PerformanceMetrics {
	metrics := &PerformanceMetrics{
		FinalBalance:   initialBalance,
		MonthlyReturns: make(map[string]float64),
		BySymbol:       make(map[string]*SymbolStats),
		Drawdowns:      make([]Drawdown, 0),
		EquityCurve:    make([]EquityPoint, 0),
	}

	closed := make([]*domain.Trade, 0, len(trades))
	for _, t := range trades {
		if t != nil && t.IsClosed() {
			closed = append(closed, t)
		}
	}
	if len(closed) == 0 {
		return metrics
	}
	sort.SliceStable(closed, func(i, j int) bool {
		return closed[i].ExitTime.Before(closed[j].ExitTime)
	})

	currentBalance := initialBalance
	peakBalance := initialBalance
	var currentDrawdown *Drawdown
	var consecutiveWins, consecutiveLosses int
	var totalDuration time.Duration
	pnlPcts := make([]float64, 0, len(closed))

	for _, trade := range closed {
		metrics.TotalTrades++
		sym := metrics.BySymbol[trade.Symbol]
		if sym == nil {
			sym = &SymbolStats{}
			metrics.BySymbol[trade.Symbol] = sym
		}
		sym.Trades++
		sym.PNL += trade.PNL

		if trade.PNL > 0 {
			metrics.WinningTrades++
			metrics.GrossProfit += trade.PNL
			sym.Wins++
			consecutiveWins++
			consecutiveLosses = 0
		} else {
			metrics.LosingTrades++
			metrics.GrossLoss += -trade.PNL
			consecutiveLosses++
			consecutiveWins = 0
		}
		if domain.IsStopLossReason(trade.CloseReason) {
			metrics.StopLossExits++
		}
		metrics.MaxConsecutiveWins = max(metrics.MaxConsecutiveWins, consecutiveWins)
		metrics.MaxConsecutiveLosses = max(metrics.MaxConsecutiveLosses, consecutiveLosses)

		currentBalance += trade.PNL
		metrics.TotalProfit += trade.PNL
		metrics.FinalBalance = currentBalance
		metrics.MonthlyReturns[trade.ExitTime.Format("2006-01")] += trade.PNL
		totalDuration += trade.Duration()
		pnlPcts = append(pnlPcts, trade.PNLPct)

		if currentBalance > peakBalance {
			peakBalance = currentBalance
			if currentDrawdown != nil {
				closeDrawdown(currentDrawdown, trade.ExitTime, currentBalance)
				metrics.Drawdowns = append(metrics.Drawdowns, *currentDrawdown)
				currentDrawdown = nil
			}
		} else if peakBalance > 0 {
			drawdown := (peakBalance - currentBalance) / peakBalance
			if currentDrawdown == nil {
				currentDrawdown = &Drawdown{StartTime: trade.ExitTime, StartValue: peakBalance, Depth: drawdown}
			} else {
				currentDrawdown.Depth = math.Max(currentDrawdown.Depth, drawdown)
			}
			metrics.MaxDrawdown = math.Max(metrics.MaxDrawdown, drawdown)
		}

		dd := 0.0
		if peakBalance > 0 {
			dd = (peakBalance - currentBalance) / peakBalance
		}
		metrics.EquityCurve = append(metrics.EquityCurve, EquityPoint{Time: trade.ExitTime, Value: currentBalance, Drawdown: dd})
	}

	if currentDrawdown != nil {
		closeDrawdown(currentDrawdown, closed[len(closed)-1].ExitTime, currentBalance)
		metrics.Drawdowns = append(metrics.Drawdowns, *currentDrawdown)
	}

	n := float64(metrics.TotalTrades)
	metrics.WinRate = float64(metrics.WinningTrades) / n
	if metrics.WinningTrades > 0 {
		metrics.AverageWin = metrics.GrossProfit / float64(metrics.WinningTrades)
	}
	if metrics.LosingTrades > 0 {
		metrics.AverageLoss = -metrics.GrossLoss / float64(metrics.LosingTrades)
	}
	if metrics.GrossLoss > 0 {
		metrics.ProfitFactor = metrics.GrossProfit / metrics.GrossLoss
	}
	if metrics.AverageLoss != 0 {
		metrics.RiskRewardRatio = metrics.AverageWin / -metrics.AverageLoss
	}
	if initialBalance > 0 {
		metrics.ReturnOnInvestment = (metrics.FinalBalance - initialBalance) / initialBalance
		if metrics.MaxDrawdown > 0 {
			metrics.RecoveryFactor = metrics.TotalProfit / (initialBalance * metrics.MaxDrawdown)
		}
	}
	metrics.AverageTradeDuration = totalDuration / time.Duration(metrics.TotalTrades)
	metrics.Expectancy = metrics.WinRate*metrics.AverageWin + (1-metrics.WinRate)*metrics.AverageLoss
	metrics.AveragePNLPct, metrics.SharpeRatio = meanAndSharpe(pnlPcts)
	for _, s := range metrics.BySymbol {
		s.WinRate = float64(s.Wins) / float64(s.Trades)
	}

	return metrics
}

func closeDrawdown(d *Drawdown, at time.Time, value float64) {
	d.EndTime = at
	d.EndValue = value
	d.Duration = d.EndTime.Sub(d.StartTime)
}

func meanAndSharpe(values []float64) (mean, sharpe float64) {
	if len(values) == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	if len(values) < 2 {
		return mean, 0
	}
	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	sd := math.Sqrt(variance / float64(len(values)-1))
	if sd == 0 {
		return mean, 0
	}
	return mean, mean / sd
}

// Summary flattens the headline metrics for logs and review requests.
func (m *PerformanceMetrics) Summary() map[string]float64 {
	return map[string]float64{
		"total_trades":           float64(m.TotalTrades),
		"win_rate":               m.WinRate,
		"total_pnl":              m.TotalProfit,
		"profit_factor":          m.ProfitFactor,
		"average_win":            m.AverageWin,
		"average_loss":           m.AverageLoss,
		"average_pnl_pct":        m.AveragePNLPct,
		"max_drawdown":           m.MaxDrawdown,
		"max_consecutive_losses": float64(m.MaxConsecutiveLosses),
		"stop_loss_exits":        float64(m.StopLossExits),
		"avg_duration_minutes":   m.AverageTradeDuration.Minutes(),
		"sharpe":                 m.SharpeRatio,
	}
}

// GetMonthlyReturns returns the monthly returns as a sorted slice
func (m *PerformanceMetrics) GetMonthlyReturns() []MonthlyReturn {
	returns := make([]MonthlyReturn, 0, len(m.MonthlyReturns))
	for month, profit := range m.MonthlyReturns {
		date, _ := time.Parse("2006-01", month)
		returns = append(returns, MonthlyReturn{
			Month:  date,
			Return: profit,
		})
	}
	sort.Slice(returns, func(i, j int) bool {
		return returns[i].Month.Before(returns[j].Month)
	})
	return returns
}

// MonthlyReturn represents a monthly return value
type MonthlyReturn struct {
	Month  time.Time
	Return float64
}
