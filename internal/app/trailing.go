package app

import (
	"context"
	"fmt"
	"math"

	"perpExecBot/internal/domain"
	"perpExecBot/internal/ports"
)

// NextTrailingStop returns the trailed stop and whether it improves on current. The stop
// only arms once the favourable move reaches atr*triggerMult and then follows price at
// atr*distanceMult, never loosening. A zero current stop counts as no stop.
func NextTrailingStop(side domain.PositionSide, entry, price, current, atr, distanceMult, triggerMult float64) (float64, bool) {
	if atr <= 0 || price <= 0 || entry <= 0 {
		return current, false
	}
	move := price - entry
	if side == domain.Short {
		move = entry - price
	}
	if move < atr*triggerMult {
		return current, false
	}
	distance := atr * distanceMult

	if side == domain.Short {
		candidate := price + distance
		if current > 0 {
			candidate = math.Min(current, candidate)
		}
		return candidate, current == 0 || candidate < current
	}
	candidate := math.Max(current, price-distance)
	return candidate, candidate > current
}

// TrailStop moves the stop of the live position using price and the ATR of its shortest
// reliable timeframe. It reports whether the venue stop was changed.
func (l *Lifecycle) TrailStop(ctx context.Context, price, atr float64) (bool, error) {
	op := "TrailStop"
	pos := l.position
	if pos == nil {
		return false, nil
	}
	stop, improved := NextTrailingStop(pos.Side, pos.EntryPrice, price, pos.StopLoss, atr, l.cfg.TrailingDistanceATR, l.cfg.TrailingTriggerATR)
	if !improved {
		return false, nil
	}
	spec, err := l.exchange.Instrument(pos.Symbol)
	if err != nil {
		return false, fmt.Errorf("%s failed: %w", op, err)
	}
	stop = spec.PriceFloat(stop)
	// Rounding may undo a small improvement.
	if pos.StopLoss > 0 && ((pos.Side == domain.Long && stop <= pos.StopLoss) || (pos.Side == domain.Short && stop >= pos.StopLoss)) {
		return false, nil
	}

	if err := l.exchange.SetTradingStop(ctx, ports.TradingStopRequest{Symbol: pos.Symbol, StopLoss: stop}); err != nil {
		return false, fmt.Errorf("%s failed for %s: %w", op, pos.Symbol, err)
	}
	l.logger.Info(ctx, op+": stop moved", map[string]interface{}{
		"symbol": pos.Symbol, "side": pos.Side, "oldStop": pos.StopLoss, "newStop": stop, "price": price, "atr": atr,
	})
	pos.StopLoss = stop
	l.stats.TrailingUpdates++
	return true, nil
}
