package app

import (
	"context"

	"perpExecBot/internal/domain"
	"perpExecBot/internal/ports"
	"perpExecBot/internal/strategy/analytics"
)

// checkDrawdown tracks the drawdown from the peak balance and asks the policy for a
// self-review the first time it crosses the alert level after each new peak.
func (s *TradingService) checkDrawdown(ctx context.Context, balance float64) {
	dd, newPeak := s.guard.ObserveBalance(balance)
	if newPeak {
		s.logger.Debug(ctx, "New peak balance", map[string]interface{}{"balance": balance})
		return
	}
	pct := dd * 100
	if pct > s.stats.MaxDrawdownPct {
		s.stats.MaxDrawdownPct = pct
	}
	if pct < s.cfg.DrawdownAlertPct || !s.guard.ArmDrawdownAlert() {
		return
	}
	s.stats.DrawdownAlerts++
	s.logger.Warn(ctx, "Drawdown alert", map[string]interface{}{
		"drawdownPct": pct, "peak": s.guard.PeakBalance(), "balance": balance,
	})
	s.selfReview(ctx, pct, balance)
}

func (s *TradingService) selfReview(ctx context.Context, pct, balance float64) {
	var trades []*domain.Trade
	if s.journal != nil {
		recent, err := s.journal.RecentClosed(ctx, s.now().Add(-s.cfg.ReviewLookback), s.cfg.ReviewTradeLimit)
		if err != nil {
			s.logger.Warn(ctx, "Recent trades unavailable for self-review", map[string]interface{}{"error": err.Error()})
		} else {
			trades = recent
		}
	}
	peak := s.guard.PeakBalance()
	review, err := s.policy.SelfReview(ctx, ports.SelfReviewRequest{
		DrawdownPct:  pct,
		PeakBalance:  peak,
		Balance:      balance,
		RecentTrades: trades,
		Stats:        analytics.AnalyzePerformance(trades, peak).Summary(),
	})
	if err != nil {
		s.logger.Warn(ctx, "Self-review failed", map[string]interface{}{"error": err.Error()})
		return
	}
	s.logger.Info(ctx, "Self-review received", review)
}
