package indicators

import (
	"fmt"
	"math"

	"perpExecBot/internal/domain"
)

// BollingerBands is the latest band triple.
type BollingerBands struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// Bollinger computes bands of period SMA plus/minus k population standard deviations.
func Bollinger(klines []*domain.Kline, period int, k float64) (BollingerBands, error) {
	values := closes(klines)
	mid, err := SMA(values, period)
	if err != nil {
		return BollingerBands{}, fmt.Errorf("bollinger: %w", err)
	}
	variance := 0.0
	for _, v := range values[len(values)-period:] {
		variance += (v - mid) * (v - mid)
	}
	sd := math.Sqrt(variance / float64(period))
	return BollingerBands{Upper: mid + k*sd, Middle: mid, Lower: mid - k*sd}, nil
}
