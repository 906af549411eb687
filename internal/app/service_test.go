package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpExecBot/internal/domain"
	"perpExecBot/internal/ports"
)

type serviceFixture struct {
	*lifecycleFixture
	svc    *TradingService
	market *mockMarket
	policy *mockPolicy
}

func newServiceFixture(t *testing.T, mutate func(*Config)) *serviceFixture {
	t.Helper()
	lf := newLifecycleFixture(t)
	f := &serviceFixture{
		lifecycleFixture: lf,
		market:           &mockMarket{snaps: calmSnapshots()},
		policy:           &mockPolicy{decision: domain.Hold("flat market")},
	}
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := NewTradingService(cfg, Dependencies{
		Logger:    lf.logger,
		Exchange:  lf.exchange,
		Market:    f.market,
		Policy:    f.policy,
		Journal:   lf.journal,
		Guard:     lf.guard,
		Lifecycle: lf.lc,
		Now:       lf.clock.Now,
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

// iterate runs one loop pass the way Run does.
func (f *serviceFixture) iterate(ctx context.Context) EngineSnapshot {
	f.svc.RunIteration(ctx)
	f.svc.publish()
	return f.svc.Snapshot()
}

func (f *serviceFixture) holdOnVenue(symbol string, qty, price float64) {
	f.exchange.positions[symbol] = []ports.PositionInfo{{Symbol: symbol, Side: domain.Buy, Size: qty, AvgPrice: price}}
}

func TestNewTradingServiceValidation(t *testing.T) {
	lf := newLifecycleFixture(t)
	deps := Dependencies{
		Logger: lf.logger, Exchange: lf.exchange, Market: &mockMarket{}, Policy: &mockPolicy{},
		Guard: lf.guard, Lifecycle: lf.lc,
	}

	_, err := NewTradingService(DefaultConfig(), Dependencies{Logger: lf.logger})
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.Symbols = nil
	_, err = NewTradingService(cfg, deps)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.Interval = 0
	_, err = NewTradingService(cfg, deps)
	assert.Error(t, err)

	svc, err := NewTradingService(DefaultConfig(), deps)
	require.NoError(t, err)
	snap := svc.Snapshot()
	assert.False(t, snap.Running)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}, snap.Symbols)
}

func TestRunIterationOpensPosition(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()
	f.policy.decision = longDecision("BTCUSDT", 49000, 52000)
	require.NoError(t, f.svc.startup(ctx))

	snap := f.iterate(ctx)

	assert.True(t, snap.Running)
	require.NotNil(t, snap.Position)
	assert.Equal(t, "BTCUSDT", snap.Position.Symbol)
	assert.Equal(t, 1000.0, snap.Balance)
	assert.Equal(t, 1000.0, snap.PeakBalance)
	assert.Equal(t, 1, snap.Stats.Iterations)
	assert.Equal(t, 1, snap.Stats.Decisions[domain.ActionLong])
	assert.Equal(t, 1, snap.Stats.Lifecycle.Opens)
	require.NotNil(t, snap.LastDecision)
	assert.Equal(t, domain.ActionLong, snap.LastDecision.Action)
	assert.Equal(t, f.clock.Now(), snap.LastIteration)
	assert.Equal(t, 15, f.exchange.leverage["SOLUSDT"], "default leverage set at startup")
}

func TestRunIterationWithoutSnapshots(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.svc.startup(ctx))
	f.market.err = errors.New("feed down")

	snap := f.iterate(ctx)

	assert.Equal(t, 1, snap.Stats.FailedIterations)
	assert.Equal(t, 0, f.policy.decideCalls)
}

func TestRunIterationPolicyFailureHolds(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()
	f.policy.decideErr = errors.New("policy timeout")
	require.NoError(t, f.svc.startup(ctx))

	snap := f.iterate(ctx)

	assert.Equal(t, 1, snap.Stats.PolicyFailures)
	assert.Equal(t, 1, snap.Stats.Decisions[domain.ActionHold])
	require.NotNil(t, snap.LastDecision)
	assert.Equal(t, domain.ActionHold, snap.LastDecision.Action)
	assert.Empty(t, f.exchange.placed)
	assert.Nil(t, snap.Position)
}

func TestProtectionClosesAndCoolsDown(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()
	f.policy.decision = longDecision("BTCUSDT", 49000, 52000)
	require.NoError(t, f.svc.startup(ctx))
	f.iterate(ctx)
	f.holdOnVenue("BTCUSDT", 0.02, 50000)

	crash := calmSnapshots()
	for sym, price := range map[string]float64{"BTCUSDT": 47000, "ETHUSDT": 2800} {
		s := crash[sym]
		short := s.Frames[domain.TF15m]
		short.Close = price
		short.Low = price
		s.Frames[domain.TF15m] = short
		s.Sentiment.LastPrice = price
		crash[sym] = s
	}
	f.market.snaps = crash
	f.clock.Advance(3 * time.Minute)

	snap := f.iterate(ctx)

	assert.Nil(t, snap.Position)
	assert.Equal(t, 1, snap.Stats.ProtectionEvents)
	assert.True(t, snap.InCooldown(f.clock.Now()))
	assert.Equal(t, f.clock.Now().Add(10*time.Minute), snap.CooldownUntil)
	assert.True(t, strings.HasPrefix(f.journal.closes[1].CloseReason, domain.CloseReasonProtection))
	assert.Equal(t, 1, snap.Protection.Triggers["multi_asset_crash"])
	assert.Empty(t, snap.Protection.StopLosses, "protective close is not a stop loss")
	assert.Equal(t, 1, f.policy.decideCalls)

	f.clock.Advance(time.Minute)
	f.iterate(ctx)
	assert.Equal(t, 1, f.policy.decideCalls, "cooldown skips the iteration")

	f.exchange.positions["BTCUSDT"] = nil
	f.market.snaps = calmSnapshots()
	f.clock.Advance(11 * time.Minute)
	snap = f.iterate(ctx)
	assert.Equal(t, 2, f.policy.decideCalls)
	assert.False(t, snap.InCooldown(f.clock.Now()))
}

func TestDailyLossHaltsUntilNextDay(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()
	f.policy.decision = longDecision("BTCUSDT", 49000, 52000)
	require.NoError(t, f.svc.startup(ctx))
	f.iterate(ctx)
	f.holdOnVenue("BTCUSDT", 0.02, 50000)

	f.exchange.wallet.WalletBalance = 840
	f.exchange.wallet.Equity = 840
	f.clock.Advance(3 * time.Minute)
	snap := f.iterate(ctx)

	assert.True(t, snap.Halted)
	assert.Nil(t, snap.Position)
	assert.Equal(t, 1, snap.Stats.DailyLossHalts)
	assert.Equal(t, domain.CloseReasonDailyLoss, f.journal.closes[1].CloseReason)
	assert.Len(t, f.policy.selfReviews, 1, "the drawdown alert fires on the same pass")
	assert.Equal(t, 1, f.policy.decideCalls)

	f.exchange.positions["BTCUSDT"] = nil
	f.clock.Advance(time.Hour)
	f.iterate(ctx)
	assert.Equal(t, 1, f.policy.decideCalls, "halted for the rest of the day")

	f.clock.Advance(24 * time.Hour)
	snap = f.iterate(ctx)
	assert.False(t, snap.Halted)
	assert.Equal(t, 2, f.policy.decideCalls)
	assert.Len(t, f.policy.selfReviews, 1)
}

func TestDrawdownAlertRearmsOnNewPeak(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.svc.startup(ctx))

	balances := []struct {
		balance float64
		reviews int
	}{
		{890, 1},
		{880, 1},
		{1010, 1},
		{900, 2},
	}
	for _, b := range balances {
		f.exchange.wallet.WalletBalance = b.balance
		f.clock.Advance(3 * time.Minute)
		f.iterate(ctx)
		assert.Len(t, f.policy.selfReviews, b.reviews, "balance %.0f", b.balance)
	}

	first := f.policy.selfReviews[0]
	assert.InDelta(t, 11, first.DrawdownPct, 1e-9)
	assert.Equal(t, 1000.0, first.PeakBalance)
	assert.Equal(t, 890.0, first.Balance)
	assert.NotNil(t, first.Stats)
	assert.Equal(t, 1010.0, f.policy.selfReviews[1].PeakBalance)

	snap := f.svc.Snapshot()
	assert.Equal(t, 2, snap.Stats.DrawdownAlerts)
	assert.InDelta(t, 12, snap.Stats.MaxDrawdownPct, 1e-9)
	assert.Equal(t, 2, f.journal.queries)
}

func TestSnapshotIsACopy(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()
	f.policy.decision = longDecision("BTCUSDT", 49000, 52000)
	require.NoError(t, f.svc.startup(ctx))
	f.iterate(ctx)

	snap := f.svc.Snapshot()
	require.NotNil(t, snap.Position)
	snap.Position.StopLoss = 1
	snap.Stats.Decisions[domain.ActionLong] = 99
	snap.Symbols[0] = "DOGEUSDT"
	snap.LastDecision.TakeProfit[0] = 1

	again := f.svc.Snapshot()
	assert.Equal(t, 49000.0, again.Position.StopLoss)
	assert.Equal(t, 1, again.Stats.Decisions[domain.ActionLong])
	assert.Equal(t, "BTCUSDT", again.Symbols[0])
	assert.Equal(t, 52000.0, again.LastDecision.TakeProfit[0])
	assert.Equal(t, 49000.0, f.lc.Position().StopLoss)
}

func TestRunAndStop(t *testing.T) {
	f := newServiceFixture(t, func(c *Config) {
		c.Interval = 20 * time.Millisecond
		c.WatchdogInterval = 5 * time.Millisecond
		c.CloseOnShutdown = true
	})
	f.exchange.positions["BTCUSDT"] = []ports.PositionInfo{{Symbol: "BTCUSDT", Side: domain.Buy, Size: 0.02, AvgPrice: 50000, Leverage: 10, StopLoss: 49000}}

	done := make(chan error, 1)
	go func() { done <- f.svc.Run(context.Background()) }()

	assert.Eventually(t, func() bool {
		snap := f.svc.Snapshot()
		return snap.Running && snap.Stats.Iterations >= 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.NotNil(t, f.svc.Snapshot().Position, "venue position adopted")

	f.svc.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}

	snap := f.svc.Snapshot()
	assert.False(t, snap.Running)
	assert.Nil(t, snap.Position)
	require.NotEmpty(t, f.exchange.placed)
	last := f.exchange.placed[len(f.exchange.placed)-1]
	assert.True(t, last.ReduceOnly)
	assert.Equal(t, domain.Sell, last.Side)
	assert.Contains(t, f.logger.infoMsgs, "Run statistics")
}
