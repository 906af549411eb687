package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpExecBot/internal/domain"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestGuard(start time.Time) (*Guard, *fakeClock) {
	clock := &fakeClock{t: start}
	return NewGuard(DefaultGuardConfig(), clock.Now), clock
}

func snapshot(symbol string, short, long domain.FrameSnapshot) domain.MarketSnapshot {
	short.Timeframe = domain.TF15m
	long.Timeframe = domain.TF4h
	return domain.MarketSnapshot{
		Symbol: symbol,
		Frames: map[domain.Timeframe]domain.FrameSnapshot{domain.TF15m: short, domain.TF4h: long},
	}
}

func candle(open, close float64) domain.FrameSnapshot {
	return domain.FrameSnapshot{Open: open, High: open, Low: close, Close: close, Volume: 100, ATR: 1}
}

// 12:07 UTC, past the fresh-candle window of the 12:00 candle.
var midCandle = time.Date(2024, 5, 10, 12, 7, 0, 0, time.UTC)

func TestMultiAssetCrash(t *testing.T) {
	g, _ := newTestGuard(midCandle)
	calm := candle(100, 99.5)

	snaps := map[string]domain.MarketSnapshot{
		"BTCUSDT": snapshot("BTCUSDT", candle(100, 94), calm),
		"ETHUSDT": snapshot("ETHUSDT", candle(100, 93), calm),
		"SOLUSDT": snapshot("SOLUSDT", calm, calm),
	}
	v := g.Check(snaps, "")
	require.True(t, v.Protect)
	assert.Contains(t, v.String(), "multi-asset crash")

	snaps["ETHUSDT"] = snapshot("ETHUSDT", calm, calm)
	v = g.Check(snaps, "")
	assert.False(t, v.Protect)

	assert.Equal(t, 1, g.State().Triggers[TriggerMultiAssetCrash])
}

func TestFlashCrash(t *testing.T) {
	g, _ := newTestGuard(midCandle)
	assert.True(t, g.FlashCrash(snapshot("BTCUSDT", candle(100, 91), candle(100, 100))).Matched)

	wick := domain.FrameSnapshot{Open: 100, High: 101, Low: 87, Close: 99}
	assert.True(t, g.FlashCrash(snapshot("BTCUSDT", wick, candle(100, 100))).Matched)

	shallow := domain.FrameSnapshot{Open: 100, High: 101, Low: 89, Close: 95}
	assert.False(t, g.FlashCrash(snapshot("BTCUSDT", shallow, candle(100, 100))).Matched)
}

func TestFlashCrashOnlyForHeldSymbol(t *testing.T) {
	g, _ := newTestGuard(midCandle)
	snaps := map[string]domain.MarketSnapshot{
		"BTCUSDT": snapshot("BTCUSDT", candle(100, 91), candle(100, 100)),
		"ETHUSDT": snapshot("ETHUSDT", candle(100, 100), candle(100, 100)),
	}
	assert.False(t, g.Check(snaps, "").Protect)
	assert.False(t, g.Check(snaps, "ETHUSDT").Protect)
	assert.True(t, g.Check(snaps, "BTCUSDT").Protect)
}

func TestLiquidityCrisis(t *testing.T) {
	long := domain.FrameSnapshot{Open: 100, Close: 100, Volume: 1600} // expected 100 per 15m candle
	tests := []struct {
		name    string
		at      time.Time
		volume  float64
		matched bool
	}{
		{name: "normal volume", at: midCandle, volume: 80},
		{name: "low volume", at: midCandle, volume: 20, matched: true},
		{name: "looks like missing data", at: midCandle, volume: 5},
		{name: "candle just opened", at: time.Date(2024, 5, 10, 12, 2, 0, 0, time.UTC), volume: 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _ := newTestGuard(tt.at)
			short := domain.FrameSnapshot{Open: 100, Close: 100, Volume: tt.volume}
			assert.Equal(t, tt.matched, g.LiquidityCrisis(snapshot("BTCUSDT", short, long)).Matched)
		})
	}
}

func TestVolatilitySurge(t *testing.T) {
	g, _ := newTestGuard(midCandle)
	assert.True(t, g.VolatilitySurge(snapshot("BTCUSDT", domain.FrameSnapshot{ATR: 160}, domain.FrameSnapshot{ATR: 100})).Matched)
	assert.False(t, g.VolatilitySurge(snapshot("BTCUSDT", domain.FrameSnapshot{ATR: 150}, domain.FrameSnapshot{ATR: 100})).Matched)
	assert.False(t, g.VolatilitySurge(snapshot("BTCUSDT", domain.FrameSnapshot{ATR: 150}, domain.FrameSnapshot{})).Matched)
}

func TestConsecutiveStopsWindow(t *testing.T) {
	g, clock := newTestGuard(midCandle)

	g.RecordStopLoss(clock.Now())
	assert.Len(t, g.State().StopLosses, 1)

	clock.Advance(time.Hour)
	g.RecordStopLoss(clock.Now())
	clock.Advance(time.Hour)
	g.RecordStopLoss(clock.Now())
	assert.True(t, g.ConsecutiveStops().Matched)

	// the first stop leaves the four hour window
	clock.Advance(2*time.Hour + time.Minute)
	assert.False(t, g.ConsecutiveStops().Matched)
	assert.Len(t, g.State().StopLosses, 2)

	clock.Advance(4 * time.Hour)
	g.ConsecutiveStops()
	assert.Empty(t, g.State().StopLosses)
}

func TestMaxDailyLoss(t *testing.T) {
	g, clock := newTestGuard(midCandle)

	assert.False(t, g.MaxDailyLoss(1000).Matched, "first observation sets the baseline")
	assert.False(t, g.MaxDailyLoss(860).Matched)

	sig := g.MaxDailyLoss(840)
	assert.True(t, sig.Matched)
	assert.Contains(t, sig.Reason, "16.0%")

	clock.Advance(24 * time.Hour)
	assert.False(t, g.MaxDailyLoss(840).Matched, "new day resets the baseline")
	assert.Equal(t, 840.0, g.State().DailyBaseline)
}

func TestMaxDailyLossIsNotPartOfCheck(t *testing.T) {
	g, _ := newTestGuard(midCandle)
	g.MaxDailyLoss(1000)
	g.MaxDailyLoss(500)
	snaps := map[string]domain.MarketSnapshot{"BTCUSDT": snapshot("BTCUSDT", candle(100, 100), candle(100, 100))}
	assert.False(t, g.Check(snaps, "BTCUSDT").Protect)
}

func TestDrawdownAlertRearmsOnNewPeak(t *testing.T) {
	g, _ := newTestGuard(midCandle)

	_, peak := g.ObserveBalance(1000)
	assert.True(t, peak)

	dd, _ := g.ObserveBalance(890)
	assert.InDelta(t, 0.11, dd, 1e-9)
	assert.True(t, g.ArmDrawdownAlert())
	assert.False(t, g.ArmDrawdownAlert())

	g.ObserveBalance(1100)
	assert.True(t, g.ArmDrawdownAlert())
	assert.Equal(t, 1100.0, g.PeakBalance())
}
