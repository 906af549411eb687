package domain

import (
	"fmt"
	"time"
)

// Kline represents a single candlestick data point.
type Kline struct {
	OpenTime  time.Time // Start time of the interval
	CloseTime time.Time // End time of the interval
	Symbol    string
	Interval  Timeframe
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Turnover  float64 // Quote-currency volume
	IsFinal   bool    // False for the candle that is still forming
}

// Timeframe identifies a candle interval used by the engine.
type Timeframe string

const (
	TF15m Timeframe = "15m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
)

// Timeframes lists the intervals tracked per symbol, shortest first.
var Timeframes = []Timeframe{TF15m, TF1h, TF4h}

// Duration returns the length of one candle.
func (t Timeframe) Duration() time.Duration {
	switch t {
	case TF15m:
		return 15 * time.Minute
	case TF1h:
		return time.Hour
	case TF4h:
		return 4 * time.Hour
	default:
		return 0
	}
}

// VenueInterval returns the interval code used by the venue's kline endpoint (minutes).
func (t Timeframe) VenueInterval() string {
	return fmt.Sprintf("%d", int(t.Duration()/time.Minute))
}

// ParseTimeframe accepts either the engine form ("15m") or the venue form ("15").
func ParseTimeframe(s string) (Timeframe, error) {
	for _, tf := range Timeframes {
		if s == string(tf) || s == tf.VenueInterval() {
			return tf, nil
		}
	}
	return "", fmt.Errorf("unsupported timeframe %q", s)
}
