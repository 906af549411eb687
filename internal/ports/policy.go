package ports

import (
	"context"
	"time"

	"perpExecBot/internal/domain"
)

// AccountContext is the account and position view handed to the policy.
type AccountContext struct {
	Balance         float64
	Equity          float64
	UnrealisedPNL   float64
	Position        *domain.Position // nil when flat
	PendingOrders   int
	ProtectionNotes []string // reasons from the last protection check or clamps, if any
}

// DecisionRequest is the input of the main policy contract.
type DecisionRequest struct {
	Snapshots   map[string]domain.MarketSnapshot
	Account     AccountContext
	CacheKey    string
	SampleIndex int64
	Time        time.Time
}

// LimitOrderReview is the input of the limit-order re-evaluation contract.
type LimitOrderReview struct {
	Order      domain.PendingLimitOrder
	Original   domain.MarketSnapshot
	Current    domain.MarketSnapshot
	Elapsed    time.Duration
	Comparison LimitOrderComparison
}

// LimitOrderComparison summarises how the market moved since the order was placed.
type LimitOrderComparison struct {
	PriceChangePct    float64           `json:"price_change_pct"`    // current vs price at submission
	LimitDeviationPct float64           `json:"limit_deviation_pct"` // (limit - current) / current
	MovingTowardLimit bool              `json:"moving_toward_limit"` // price drifted toward the limit since submission
	TrendThen         map[string]string `json:"trend_then"`          // timeframe -> up/down at submission
	TrendNow          map[string]string `json:"trend_now"`           // timeframe -> up/down now
	TrendConsistent   bool              `json:"trend_consistent"`    // every timeframe kept its direction
	FundingRateDelta  float64           `json:"funding_rate_delta"`
	OpenInterestDelta float64           `json:"open_interest_delta"`
}

// SelfReviewRequest is the input of the drawdown self-review contract.
type SelfReviewRequest struct {
	DrawdownPct  float64
	PeakBalance  float64
	Balance      float64
	RecentTrades []*domain.Trade
	Stats        map[string]float64
}

// DecisionPolicy produces the next trading decision.
type DecisionPolicy interface {
	Decide(ctx context.Context, req DecisionRequest) (domain.Decision, error)
}

// LimitOrderReviewer re-evaluates a limit order that has waited past its timeout.
type LimitOrderReviewer interface {
	ReviewLimitOrder(ctx context.Context, req LimitOrderReview) (domain.LimitOrderVerdict, error)
}

// SelfReviewer produces a free-form analysis after a large drawdown. The result is only logged.
type SelfReviewer interface {
	SelfReview(ctx context.Context, req SelfReviewRequest) (map[string]interface{}, error)
}

// Policy bundles the three policy contracts.
type Policy interface {
	DecisionPolicy
	LimitOrderReviewer
	SelfReviewer
}

// SnapshotProvider builds market snapshots for the tracked symbols.
type SnapshotProvider interface {
	Snapshot(ctx context.Context, symbol string) (domain.MarketSnapshot, error)
}
