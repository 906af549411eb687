package indicators

import (
	"context"
	"math"
	"testing"
	"time"

	"perpExecBot/internal/domain"
)

func rampKlines(n int, start, step float64) []*domain.Kline {
	now := time.Now()
	klines := make([]*domain.Kline, n)
	for i := 0; i < n; i++ {
		c := start + float64(i)*step
		klines[i] = &domain.Kline{
			OpenTime: now.Add(time.Duration(i-n) * time.Hour),
			Open:     c - step/2,
			High:     c + 1,
			Low:      c - 1,
			Close:    c,
		}
	}
	return klines
}

func TestATR_ConstantRange(t *testing.T) {
	// high-low is 2 and the close-to-close move is 0.5, so every true range is 2
	klines := rampKlines(30, 100, 0.5)
	atr := NewATR(ATRConfig{IndicatorConfig: IndicatorConfig{Period: 14}})

	value, err := atr.Calculate(context.Background(), klines)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if math.Abs(value-2) > 1e-9 {
		t.Errorf("Expected ATR 2, got %f", value)
	}
	if atr.RequiredDataPoints() != 15 {
		t.Errorf("Expected 15 required points, got %d", atr.RequiredDataPoints())
	}
	if _, err := atr.Calculate(context.Background(), klines[:14]); err == nil {
		t.Error("Expected error for insufficient data")
	}
}

func TestMACD_Trend(t *testing.T) {
	macd := NewMACD(MACDConfig{})

	up, err := macd.Calculate(rampKlines(60, 100, 1))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if up.MACD <= 0 {
		t.Errorf("Expected positive MACD in an uptrend, got %f", up.MACD)
	}
	if math.Abs(up.Histogram-(up.MACD-up.Signal)) > 1e-12 {
		t.Errorf("Histogram %f is not MACD - Signal", up.Histogram)
	}

	down, err := macd.Calculate(rampKlines(60, 200, -1))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if down.MACD >= 0 {
		t.Errorf("Expected negative MACD in a downtrend, got %f", down.MACD)
	}

	if _, err := macd.Calculate(rampKlines(20, 100, 1)); err == nil {
		t.Error("Expected error for insufficient data")
	}
}

func TestBollinger(t *testing.T) {
	flat := rampKlines(20, 100, 0)
	bands, err := Bollinger(flat, 20, 2)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if bands.Upper != 100 || bands.Middle != 100 || bands.Lower != 100 {
		t.Errorf("Expected collapsed bands at 100, got %+v", bands)
	}

	klines := []*domain.Kline{{Close: 1}, {Close: 3}}
	bands, err = Bollinger(klines, 2, 2)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if bands.Middle != 2 || bands.Upper != 4 || bands.Lower != 0 {
		t.Errorf("Unexpected bands %+v", bands)
	}
}
