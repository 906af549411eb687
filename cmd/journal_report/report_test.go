package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpExecBot/internal/domain"
	"perpExecBot/internal/strategy/analytics"
)

func closedTrade(symbol string, pnl float64, exit time.Time, reason string) *domain.Trade {
	return &domain.Trade{
		Symbol:      symbol,
		Side:        domain.Long,
		EntryTime:   exit.Add(-time.Hour),
		ExitTime:    exit,
		PNL:         pnl,
		CloseReason: reason,
	}
}

func TestWriteReport(t *testing.T) {
	base := time.Date(2024, 2, 20, 12, 0, 0, 0, time.UTC)
	trades := []*domain.Trade{
		closedTrade("BTCUSDT", 50, base, domain.CloseReasonTakeProfit),
		closedTrade("ETHUSDT", -20, base.Add(24*time.Hour), domain.CloseReasonStopLoss),
		closedTrade("BTCUSDT", 30, base.AddDate(0, 1, 0), domain.CloseReasonTakeProfit),
	}

	var buf bytes.Buffer
	require.NoError(t, writeReport(&buf, analytics.AnalyzePerformance(trades, 1000)))
	out := buf.String()

	assert.Contains(t, out, "## By Symbol")
	assert.Contains(t, out, "BTCUSDT")
	assert.Contains(t, out, "ETHUSDT")
	assert.Contains(t, out, "2024-02")
	assert.Contains(t, out, "2024-03")
	assert.Contains(t, out, "1060.00")
}

func TestFilterSymbol(t *testing.T) {
	now := time.Now()
	trades := []*domain.Trade{
		closedTrade("BTCUSDT", 1, now, ""),
		closedTrade("ETHUSDT", 1, now, ""),
	}
	got := filterSymbol(trades, "ETHUSDT")
	require.Len(t, got, 1)
	assert.Equal(t, "ETHUSDT", got[0].Symbol)
	assert.Len(t, trades, 2)
}
