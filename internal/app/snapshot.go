package app

import (
	"time"

	"perpExecBot/internal/domain"
	"perpExecBot/internal/risk"
	"perpExecBot/internal/strategy"
)

// RunStats are the counters reported at shutdown and served by the status endpoint.
type RunStats struct {
	StartedAt        time.Time
	Iterations       int
	FailedIterations int
	PolicyFailures   int
	Decisions        map[domain.Action]int
	ProtectionEvents int
	DailyLossHalts   int
	DrawdownAlerts   int
	MaxDrawdownPct   float64
	Lifecycle        LifecycleStats
	Cache            *strategy.CacheStats // nil when the policy is not cached
}

func (r RunStats) clone() RunStats {
	c := r
	c.Decisions = make(map[domain.Action]int, len(r.Decisions))
	for k, v := range r.Decisions {
		c.Decisions[k] = v
	}
	if r.Cache != nil {
		cs := *r.Cache
		c.Cache = &cs
	}
	return c
}

// EngineSnapshot is a read-only copy of the engine state. Nothing in it aliases the
// structures the trading loop mutates.
type EngineSnapshot struct {
	Running       bool
	Symbols       []string
	Position      *domain.Position
	PendingOrders []domain.PendingLimitOrder
	Balance       float64
	Equity        float64
	PeakBalance   float64
	LastDecision  *domain.Decision
	LastIteration time.Time
	Halted        bool
	CooldownUntil time.Time
	Protection    risk.ProtectionState
	Stats         RunStats
}

// InCooldown reports whether the protection cooldown is still running at now.
func (e EngineSnapshot) InCooldown(now time.Time) bool {
	return now.Before(e.CooldownUntil)
}

func (e EngineSnapshot) clone() EngineSnapshot {
	c := e
	c.Symbols = append([]string(nil), e.Symbols...)
	if e.Position != nil {
		p := *e.Position
		c.Position = &p
	}
	c.PendingOrders = append([]domain.PendingLimitOrder(nil), e.PendingOrders...)
	for i := range c.PendingOrders {
		c.PendingOrders[i].Decision.TakeProfit = append([]float64(nil), e.PendingOrders[i].Decision.TakeProfit...)
	}
	if e.LastDecision != nil {
		d := *e.LastDecision
		d.TakeProfit = append([]float64(nil), e.LastDecision.TakeProfit...)
		c.LastDecision = &d
	}
	c.Protection.StopLosses = append([]time.Time(nil), e.Protection.StopLosses...)
	c.Protection.Triggers = make(map[string]int, len(e.Protection.Triggers))
	for k, v := range e.Protection.Triggers {
		c.Protection.Triggers[k] = v
	}
	c.Stats = e.Stats.clone()
	return c
}

// Snapshot returns a copy of the state published at the end of the last iteration or
// watchdog pass. Callers may modify it freely.
func (s *TradingService) Snapshot() EngineSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.published.clone()
}

// publish copies the loop-owned state into the snapshot readers see.
func (s *TradingService) publish() {
	snap := EngineSnapshot{
		Running:       s.running,
		Symbols:       s.cfg.Symbols,
		Position:      s.lifecycle.Position(),
		Balance:       s.balance,
		Equity:        s.equity,
		PeakBalance:   s.guard.PeakBalance(),
		LastIteration: s.lastIteration,
		Halted:        s.halted,
		CooldownUntil: s.cooldownUntil,
		Protection:    s.guard.State(),
	}
	for _, o := range s.lifecycle.PendingOrders() {
		o.Snapshot = nil
		snap.PendingOrders = append(snap.PendingOrders, o)
	}
	snap.LastDecision = s.lastDecision
	snap.Stats = s.stats
	snap.Stats.Lifecycle = s.lifecycle.Stats()
	if c, ok := s.policy.(cacheStatser); ok {
		cs := c.Stats()
		snap.Stats.Cache = &cs
	}

	s.mu.Lock()
	s.published = snap.clone()
	s.mu.Unlock()
}

type cacheStatser interface {
	Stats() strategy.CacheStats
}
