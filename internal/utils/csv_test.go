package utils

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpExecBot/internal/domain"
)

func sampleKlines() []*domain.Kline {
	open := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	return []*domain.Kline{
		{OpenTime: open, CloseTime: open.Add(15*time.Minute - time.Millisecond), Symbol: "BTCUSDT", Interval: domain.TF15m,
			Open: 50000, High: 50100.5, Low: 49950, Close: 50050, Volume: 12.5, Turnover: 625000},
		nil,
		{OpenTime: open.Add(15 * time.Minute), CloseTime: open.Add(30*time.Minute - time.Millisecond), Symbol: "BTCUSDT", Interval: domain.TF15m,
			Open: 50050, High: 50060, Low: 49990, Close: 50000, Volume: 3},
	}
}

func TestWriteKlines(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteKlines(&buf, sampleKlines()))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, klineHeader, rows[0])
	assert.Equal(t, []string{
		"2024-03-01T10:00:00Z", "2024-03-01T10:14:59Z", "BTCUSDT", "15m",
		"50000", "50100.5", "49950", "50050", "12.5", "625000",
	}, rows[1])
	assert.Equal(t, "0", rows[2][9])
}

func TestWriteKlinesToCSVCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "BTCUSDT_15m.csv")
	require.NoError(t, WriteKlinesToCSV(sampleKlines(), path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "open_time,close_time,symbol")
	assert.Contains(t, string(raw), "BTCUSDT,15m,50050")
}
