package indicators

import (
	"fmt"

	"perpExecBot/internal/domain"
)

// MACDConfig holds the three MACD periods.
type MACDConfig struct {
	Fast   int
	Slow   int
	Signal int
}

// MACDValue is the latest MACD line, signal line and histogram.
type MACDValue struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// MACD computes the moving average convergence divergence.
type MACD struct {
	config MACDConfig
}

// NewMACD creates a MACD indicator. Zero periods default to 12/26/9.
func NewMACD(config MACDConfig) *MACD {
	if config.Fast <= 0 {
		config.Fast = 12
	}
	if config.Slow <= 0 {
		config.Slow = 26
	}
	if config.Signal <= 0 {
		config.Signal = 9
	}
	return &MACD{config: config}
}

// Name returns the name of the indicator
func (m *MACD) Name() string {
	return "MACD"
}

// RequiredDataPoints returns the minimum number of klines needed for calculation
func (m *MACD) RequiredDataPoints() int {
	return m.config.Slow + m.config.Signal - 1
}

// Calculate returns the latest MACD values.
func (m *MACD) Calculate(klines []*domain.Kline) (MACDValue, error) {
	if len(klines) < m.RequiredDataPoints() {
		return MACDValue{}, fmt.Errorf("not enough data (%d) to calculate MACD, need %d", len(klines), m.RequiredDataPoints())
	}
	values := closes(klines)
	fast, err := EMASeries(values, m.config.Fast)
	if err != nil {
		return MACDValue{}, err
	}
	slow, err := EMASeries(values, m.config.Slow)
	if err != nil {
		return MACDValue{}, err
	}

	// align the fast series with the slow one
	offset := m.config.Slow - m.config.Fast
	line := make([]float64, len(slow))
	for i := range slow {
		line[i] = fast[i+offset] - slow[i]
	}
	signal, err := EMASeries(line, m.config.Signal)
	if err != nil {
		return MACDValue{}, err
	}

	last := line[len(line)-1]
	sig := signal[len(signal)-1]
	return MACDValue{MACD: last, Signal: sig, Histogram: last - sig}, nil
}
