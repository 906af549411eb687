package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpExecBot/internal/domain"
)

func TestNextTrailingStop(t *testing.T) {
	tests := []struct {
		name         string
		side         domain.PositionSide
		price        float64
		current      float64
		atr          float64
		wantStop     float64
		wantImproved bool
	}{
		{"long not armed", domain.Long, 100.5, 95, 1, 95, false},
		{"long armed", domain.Long, 102, 95, 1, 100.5, true},
		{"long never loosens", domain.Long, 102, 101, 1, 101, false},
		{"short armed", domain.Short, 98, 105, 1, 99.5, true},
		{"short tightens further", domain.Short, 97, 99, 1, 98.5, true},
		{"short without a stop", domain.Short, 98, 0, 1, 99.5, true},
		{"short not armed", domain.Short, 99.5, 105, 1, 105, false},
		{"no atr", domain.Long, 110, 95, 0, 95, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stop, improved := NextTrailingStop(tt.side, 100, tt.price, tt.current, tt.atr, 1.5, 1.0)
			assert.InDelta(t, tt.wantStop, stop, 1e-9)
			assert.Equal(t, tt.wantImproved, improved)
		})
	}
}

func TestNextTrailingStopIsMonotonic(t *testing.T) {
	prices := []float64{101, 103, 102, 105, 104, 99, 106, 100}

	stop := 95.0
	for _, p := range prices {
		next, improved := NextTrailingStop(domain.Long, 100, p, stop, 1, 1.5, 1.0)
		assert.GreaterOrEqual(t, next, stop)
		if improved {
			stop = next
		}
	}
	assert.InDelta(t, 104.5, stop, 1e-9)

	stop = 105.0
	for _, p := range []float64{99, 97, 98, 95, 96, 101, 94, 100} {
		next, improved := NextTrailingStop(domain.Short, 100, p, stop, 1, 1.5, 1.0)
		assert.LessOrEqual(t, next, stop)
		if improved {
			stop = next
		}
	}
	assert.InDelta(t, 95.5, stop, 1e-9)
}

func TestTrailStop(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	require.NoError(t, f.lc.Open(ctx, longDecision("BTCUSDT", 49000, 52000), 1000, calmSnapshots()))

	moved, err := f.lc.TrailStop(ctx, 50300, 100)
	require.NoError(t, err)
	assert.True(t, moved)
	require.Len(t, f.exchange.stops, 1)
	assert.Equal(t, "BTCUSDT", f.exchange.stops[0].Symbol)
	assert.Equal(t, 50150.0, f.exchange.stops[0].StopLoss)
	assert.Equal(t, 50150.0, f.lc.Position().StopLoss)

	moved, err = f.lc.TrailStop(ctx, 50300, 100)
	require.NoError(t, err)
	assert.False(t, moved)
	assert.Len(t, f.exchange.stops, 1)
	assert.Equal(t, 1, f.lc.Stats().TrailingUpdates)
}

func TestTrailStopWhileFlat(t *testing.T) {
	f := newLifecycleFixture(t)
	moved, err := f.lc.TrailStop(context.Background(), 50300, 100)
	require.NoError(t, err)
	assert.False(t, moved)
	assert.Empty(t, f.exchange.stops)
}
