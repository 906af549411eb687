package app

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"perpExecBot/internal/domain"
	"perpExecBot/internal/ports"
	"perpExecBot/internal/risk"
	"perpExecBot/internal/strategy"
	"perpExecBot/internal/strategy/analytics"
)

// Config holds the trading loop settings.
type Config struct {
	Symbols            []string
	SettleCoin         string
	Interval           time.Duration // cadence of full iterations
	WatchdogInterval   time.Duration // cadence of trailing stop and post-close checks between iterations
	UseTrailingStop    bool
	ProtectionCooldown time.Duration
	DrawdownAlertPct   float64 // percent
	CloseOnShutdown    bool
	ReviewLookback     time.Duration
	ReviewTradeLimit   int
}

// DefaultConfig returns the stock loop settings for the three default symbols.
func DefaultConfig() Config {
	return Config{
		Symbols:            []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"},
		SettleCoin:         "USDT",
		Interval:           180 * time.Second,
		WatchdogInterval:   60 * time.Second,
		UseTrailingStop:    true,
		ProtectionCooldown: 10 * time.Minute,
		DrawdownAlertPct:   10,
		ReviewLookback:     7 * 24 * time.Hour,
		ReviewTradeLimit:   20,
	}
}

// Dependencies are the collaborators of the trading service. Journal may be nil.
type Dependencies struct {
	Logger    ports.Logger
	Exchange  ports.ExchangeClient
	Market    ports.SnapshotProvider
	Policy    ports.Policy
	Journal   ports.TradeJournal
	Guard     *risk.Guard
	Lifecycle *Lifecycle
	Now       func() time.Time
}

// TradingService runs the trading loop. All trading state is owned by the goroutine
// that calls Run; other goroutines read it through Snapshot.
type TradingService struct {
	cfg       Config
	logger    ports.Logger
	exchange  ports.ExchangeClient
	market    ports.SnapshotProvider
	policy    ports.Policy
	journal   ports.TradeJournal
	guard     *risk.Guard
	lifecycle *Lifecycle
	now       func() time.Time

	// Loop-owned state.
	running       bool
	snaps         map[string]domain.MarketSnapshot
	balance       float64
	equity        float64
	startBalance  float64
	halted        bool
	haltDate      string
	cooldownUntil time.Time
	lastTrail     time.Time
	lastIteration time.Time
	lastDecision  *domain.Decision
	stats         RunStats

	mu        sync.Mutex // guards published and cancel
	published EngineSnapshot
	cancel    context.CancelFunc
}

// NewTradingService creates the service and validates its configuration.
func NewTradingService(cfg Config, deps Dependencies) (*TradingService, error) {
	if deps.Logger == nil || deps.Exchange == nil || deps.Market == nil || deps.Policy == nil ||
		deps.Guard == nil || deps.Lifecycle == nil {
		return nil, fmt.Errorf("missing required dependencies for TradingService")
	}
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("configuration Symbols must not be empty")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("configuration Interval must be positive")
	}
	if cfg.ProtectionCooldown < 0 {
		return nil, fmt.Errorf("configuration ProtectionCooldown must not be negative")
	}
	def := DefaultConfig()
	if cfg.SettleCoin == "" {
		cfg.SettleCoin = def.SettleCoin
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = def.WatchdogInterval
	}
	if cfg.DrawdownAlertPct <= 0 {
		cfg.DrawdownAlertPct = def.DrawdownAlertPct
	}
	if cfg.ReviewLookback <= 0 {
		cfg.ReviewLookback = def.ReviewLookback
	}
	if cfg.ReviewTradeLimit <= 0 {
		cfg.ReviewTradeLimit = def.ReviewTradeLimit
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	s := &TradingService{
		cfg:       cfg,
		logger:    deps.Logger,
		exchange:  deps.Exchange,
		market:    deps.Market,
		policy:    deps.Policy,
		journal:   deps.Journal,
		guard:     deps.Guard,
		lifecycle: deps.Lifecycle,
		now:       now,
		stats:     RunStats{Decisions: make(map[domain.Action]int)},
	}
	s.publish()
	return s, nil
}

// Run starts the trading loop and blocks until ctx is cancelled or Stop is called.
func (s *TradingService) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return fmt.Errorf("trading service already running")
	}
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Info(ctx, "Starting Trading Service...", map[string]interface{}{
		"symbols": s.cfg.Symbols, "interval": s.cfg.Interval.String(),
	})
	if err := s.startup(ctx); err != nil {
		return err
	}

	for ctx.Err() == nil {
		s.RunIteration(ctx)
		s.publish()
		if !s.wait(ctx, s.nextWait()) {
			break
		}
	}

	s.logger.Info(ctx, "Main context cancelled, initiating shutdown...")
	s.shutdown(context.Background())
	s.logger.Info(ctx, "Trading Service stopped.")
	return nil
}

// Stop asks the loop to exit at its next wait point.
func (s *TradingService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// startup sets default leverage, reconciles with the venue and records the opening balance.
func (s *TradingService) startup(ctx context.Context) error {
	s.stats.StartedAt = s.now()
	s.running = true

	s.lifecycle.SetDefaultLeverage(ctx, s.cfg.Symbols)

	s.logger.Info(ctx, "Synchronizing initial state...")
	if err := s.lifecycle.Reconcile(ctx, s.cfg.Symbols); err != nil {
		s.logger.Error(ctx, err, "Failed to synchronize position state")
		return fmt.Errorf("failed to synchronize position state: %w", err)
	}
	if pos := s.lifecycle.Position(); pos != nil {
		s.logger.Info(ctx, "Found existing open position", map[string]interface{}{
			"symbol": pos.Symbol, "side": pos.Side, "entryPrice": pos.EntryPrice, "stopLoss": pos.StopLoss, "takeProfit": pos.TakeProfit,
		})
	} else {
		s.logger.Info(ctx, "No existing open position found")
	}

	if wallet, err := s.exchange.GetWalletBalance(ctx, s.cfg.SettleCoin); err != nil {
		s.logger.Warn(ctx, "Opening balance unavailable", map[string]interface{}{"error": err.Error()})
	} else {
		s.balance, s.equity, s.startBalance = wallet.WalletBalance, wallet.Equity, wallet.WalletBalance
		s.guard.MaxDailyLoss(wallet.WalletBalance)
		s.guard.ObserveBalance(wallet.WalletBalance)
		s.logger.Info(ctx, "Initial state synchronized", map[string]interface{}{"balance": wallet.WalletBalance})
	}
	s.publish()
	return nil
}

// RunIteration performs one pass of the trading loop. Failed reads skip the rest of the pass.
func (s *TradingService) RunIteration(ctx context.Context) {
	now := s.now()
	s.stats.Iterations++
	s.lastIteration = now

	if now.Before(s.cooldownUntil) {
		s.logger.Info(ctx, "Protection cooldown active, skipping iteration", map[string]interface{}{"until": s.cooldownUntil})
		return
	}

	s.lifecycle.ServicePending(ctx, s.market, s.policy)

	snaps := s.refreshSnapshots(ctx)
	if len(snaps) == 0 {
		s.stats.FailedIterations++
		s.logger.Warn(ctx, "No market snapshots this cycle")
		return
	}
	s.snaps = snaps

	if err := s.lifecycle.Reconcile(ctx, s.cfg.Symbols); err != nil {
		s.stats.FailedIterations++
		s.logger.Warn(ctx, "Position state not refreshed this cycle", map[string]interface{}{"error": err.Error()})
		return
	}
	wallet, err := s.exchange.GetWalletBalance(ctx, s.cfg.SettleCoin)
	if err != nil {
		s.stats.FailedIterations++
		s.logger.Warn(ctx, "Balance not refreshed this cycle", map[string]interface{}{"error": err.Error()})
		return
	}
	s.balance, s.equity = wallet.WalletBalance, wallet.Equity

	s.checkDrawdown(ctx, wallet.WalletBalance)

	if s.checkDailyLoss(ctx, wallet.WalletBalance) {
		return
	}

	held := ""
	if pos := s.lifecycle.Position(); pos != nil {
		held = pos.Symbol
	}
	if verdict := s.guard.Check(snaps, held); verdict.Protect {
		s.protect(ctx, verdict)
		return
	}

	d := s.decide(ctx, snaps, wallet, now)
	if err := s.lifecycle.Execute(ctx, d, wallet.WalletBalance, snaps); err != nil {
		s.logger.Warn(ctx, "Decision not executed", map[string]interface{}{
			"action": d.Action, "symbol": d.Symbol, "error": err.Error(),
		})
	}

	if s.lifecycle.Position() != nil {
		s.trail(ctx, true)
	}
}

func (s *TradingService) refreshSnapshots(ctx context.Context) map[string]domain.MarketSnapshot {
	out := make(map[string]domain.MarketSnapshot, len(s.cfg.Symbols))
	for _, sym := range s.cfg.Symbols {
		snap, err := s.market.Snapshot(ctx, sym)
		if err != nil {
			s.logger.Warn(ctx, "Snapshot failed", map[string]interface{}{"symbol": sym, "error": err.Error()})
			continue
		}
		out[sym] = snap
	}
	return out
}

// checkDailyLoss halts new entries for the rest of the UTC day once the daily loss limit
// fires, closing any open position. It reports whether the iteration must stop here.
func (s *TradingService) checkDailyLoss(ctx context.Context, balance float64) bool {
	today := s.now().UTC().Format("2006-01-02")
	if s.halted {
		if today == s.haltDate {
			s.logger.Debug(ctx, "Trading halted for the day")
			return true
		}
		s.halted = false
		s.logger.Info(ctx, "New trading day, daily loss halt lifted")
	}

	sig := s.guard.MaxDailyLoss(balance)
	if !sig.Matched {
		return false
	}
	s.halted = true
	s.haltDate = today
	s.stats.DailyLossHalts++
	s.logger.Warn(ctx, "Daily loss limit reached, trading halted", map[string]interface{}{"reason": sig.Reason, "balance": balance})
	s.flatten(ctx, domain.CloseReasonDailyLoss)
	return true
}

func (s *TradingService) protect(ctx context.Context, v risk.Verdict) {
	s.stats.ProtectionEvents++
	s.cooldownUntil = s.now().Add(s.cfg.ProtectionCooldown)
	s.logger.Warn(ctx, "Market protection triggered", map[string]interface{}{
		"reasons": v.Reasons(), "cooldownUntil": s.cooldownUntil,
	})
	s.flatten(ctx, domain.CloseReasonProtection+": "+v.String())
}

// flatten cancels pending entries and closes the position.
func (s *TradingService) flatten(ctx context.Context, reason string) {
	s.lifecycle.CancelPending(ctx, reason)
	if s.lifecycle.Position() == nil {
		return
	}
	if err := s.lifecycle.Close(ctx, reason); err != nil {
		s.logger.Error(ctx, err, "Failed to close position", map[string]interface{}{"reason": reason})
	}
}

func (s *TradingService) decide(ctx context.Context, snaps map[string]domain.MarketSnapshot, wallet *ports.WalletBalance, now time.Time) domain.Decision {
	pos := s.lifecycle.Position()
	req := ports.DecisionRequest{
		Snapshots: snaps,
		Account: ports.AccountContext{
			Balance:         wallet.WalletBalance,
			Equity:          wallet.Equity,
			UnrealisedPNL:   wallet.UnrealisedPNL,
			Position:        pos,
			PendingOrders:   len(s.lifecycle.PendingOrders()),
			ProtectionNotes: s.lifecycle.TakeNotes(),
		},
		CacheKey:    strategy.CacheKey(snaps, pos),
		SampleIndex: strategy.SampleIndex(now, s.cfg.Interval),
		Time:        now,
	}
	d, err := s.policy.Decide(ctx, req)
	if err != nil {
		s.stats.PolicyFailures++
		s.logger.Warn(ctx, "Policy failed, holding", map[string]interface{}{"error": err.Error()})
		d = domain.Hold(err.Error())
	}
	s.stats.Decisions[d.Action]++
	s.lastDecision = &d
	s.logger.Info(ctx, "Decision received", map[string]interface{}{
		"action": d.Action, "symbol": d.Symbol, "confidence": d.Confidence, "orderType": d.OrderType,
		"stopLoss": d.StopLoss, "takeProfit": d.TakeProfit, "reason": d.Reason,
	})
	return d
}

// trail runs the trailing stop when it is due, or unconditionally when force is set.
func (s *TradingService) trail(ctx context.Context, force bool) {
	pos := s.lifecycle.Position()
	if !s.cfg.UseTrailingStop || pos == nil {
		return
	}
	now := s.now()
	if !force && now.Sub(s.lastTrail) < s.cfg.WatchdogInterval {
		return
	}
	s.lastTrail = now

	atr := s.snaps[pos.Symbol].ShortestATR()
	price := s.snaps[pos.Symbol].Price()
	if t, err := s.exchange.GetTicker(ctx, pos.Symbol); err == nil && t.LastPrice > 0 {
		price = t.LastPrice
	}
	if _, err := s.lifecycle.TrailStop(ctx, price, atr); err != nil {
		s.logger.Warn(ctx, "Trailing stop not updated", map[string]interface{}{"symbol": pos.Symbol, "error": err.Error()})
	}
}

func (s *TradingService) nextWait() time.Duration {
	d := s.cfg.Interval
	if until := s.cooldownUntil.Sub(s.now()); until > d {
		d = until
	}
	return d
}

// wait sleeps for d, running the watchdogs between iterations. It returns false once
// the context is done.
func (s *TradingService) wait(ctx context.Context, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ctx.Err() == nil
		}
		step := min(remaining, s.cfg.WatchdogInterval)
		t := time.NewTimer(step)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
		s.runWatchdogs(ctx)
	}
}

func (s *TradingService) runWatchdogs(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	s.trail(ctx, false)
	s.lifecycle.ServicePostClose(ctx)
	s.publish()
}

func (s *TradingService) shutdown(ctx context.Context) {
	if s.cfg.CloseOnShutdown {
		s.flatten(ctx, domain.CloseReasonShutdown)
	} else if pos := s.lifecycle.Position(); pos != nil {
		s.logger.Info(ctx, "Leaving position open", map[string]interface{}{"symbol": pos.Symbol, "side": pos.Side})
	}
	s.running = false
	s.report(ctx)
	s.publish()
}

// report logs the run statistics and the performance of the session's trades.
func (s *TradingService) report(ctx context.Context) {
	ls := s.lifecycle.Stats()
	fields := map[string]interface{}{
		"iterations":       s.stats.Iterations,
		"failedIterations": s.stats.FailedIterations,
		"policyFailures":   s.stats.PolicyFailures,
		"opens":            ls.Opens,
		"openFailures":     ls.OpenFailures,
		"rejections":       ls.Rejections,
		"closes":           ls.Closes,
		"wins":             ls.Wins,
		"losses":           ls.Losses,
		"trailingUpdates":  ls.TrailingUpdates,
		"limitPlaced":      ls.LimitPlaced,
		"limitFilled":      ls.LimitFilled,
		"limitModified":    ls.LimitModified,
		"protectionEvents": s.stats.ProtectionEvents,
		"dailyLossHalts":   s.stats.DailyLossHalts,
		"maxDrawdownPct":   s.stats.MaxDrawdownPct,
	}
	triggers := s.guard.State().Triggers
	kinds := make([]string, 0, len(triggers))
	for k := range triggers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fields["trigger_"+k] = triggers[k]
	}
	if c, ok := s.policy.(cacheStatser); ok {
		cs := c.Stats()
		fields["cacheHits"] = cs.Hits
		fields["cacheMisses"] = cs.Misses
		fields["cacheExpired"] = cs.Expired
		fields["cacheHitRate"] = cs.HitRate()
	}
	s.logger.Info(ctx, "Run statistics", fields)

	if s.journal == nil {
		return
	}
	trades, err := s.journal.RecentClosed(ctx, s.stats.StartedAt, 0)
	if err != nil {
		s.logger.Warn(ctx, "Session trades unavailable for the performance report", map[string]interface{}{"error": err.Error()})
		return
	}
	metrics := analytics.AnalyzePerformance(trades, s.startBalance)
	summary := make(map[string]interface{}, 12)
	for k, v := range metrics.Summary() {
		summary[k] = v
	}
	s.logger.Info(ctx, "Session performance", summary)
}
