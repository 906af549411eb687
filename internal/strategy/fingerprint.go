package strategy

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"perpExecBot/internal/domain"
	"perpExecBot/internal/strategy/indicators"
)

var (
	// priceBucketRatio groups prices into buckets that are 10% wide.
	priceBucketRatio = math.Log(1.1)

	zoneRSI = indicators.NewRSI(indicators.RSIConfig{
		IndicatorConfig: indicators.IndicatorConfig{Period: 14},
		Overbought:      70,
		Oversold:        30,
	})
)

// CacheKey fingerprints the coarse market state used to bucket policy decisions.
// Per symbol it takes the 4h trend, RSI zone, MACD histogram sign and price bucket,
// then appends the position state.
func CacheKey(snaps map[string]domain.MarketSnapshot, pos *domain.Position) string {
	symbols := make([]string, 0, len(snaps))
	for s := range snaps {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	parts := make([]string, 0, len(symbols)+1)
	for _, s := range symbols {
		f, ok := snaps[s].Frame(domain.TF4h)
		if !ok {
			parts = append(parts, s+"_nodata")
			continue
		}
		parts = append(parts, fmt.Sprintf("%s_%s_%s_%s_%d", s, Trend(f), zoneRSI.Zone(f.RSI), macdState(f.MACDHist), PriceBucket(f.Close)))
	}

	if pos == nil {
		parts = append(parts, "pos_none")
	} else {
		parts = append(parts, fmt.Sprintf("pos_%s_%s", pos.Symbol, pos.Side))
	}
	return strings.Join(parts, "|")
}

// Trend classifies a frame as bull, bear or neutral from close, EMA50 and EMA200.
func Trend(f domain.FrameSnapshot) string {
	switch {
	case f.Close > f.EMA50 && f.EMA50 > f.EMA200:
		return "bull"
	case f.Close < f.EMA50 && f.EMA50 < f.EMA200:
		return "bear"
	default:
		return "neutral"
	}
}

func macdState(hist float64) string {
	if hist > 0 {
		return "pos"
	}
	return "neg"
}

// PriceBucket returns the index of the 10%-wide log bucket holding price.
func PriceBucket(price float64) int {
	if price <= 0 {
		return 0
	}
	return int(math.Floor(math.Log(price) / priceBucketRatio))
}

// SampleIndex buckets t by the trading interval so every call inside one interval shares an index.
func SampleIndex(t time.Time, interval time.Duration) int64 {
	secs := int64(interval / time.Second)
	if secs <= 0 {
		return t.Unix()
	}
	return t.Unix() / secs
}
