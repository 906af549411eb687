package app

import (
	"context"
	"errors"
	"math"
	"sort"

	"perpExecBot/internal/domain"
	"perpExecBot/internal/ports"
)

// requoteOffset moves a modified order without a price 2% toward the market.
const requoteOffset = 0.02

// ServicePending checks every pending limit order against the venue. Filled orders become
// the position, cancelled ones are dropped, and orders older than the timeout are
// re-evaluated by reviewer against a fresh snapshot from market.
func (l *Lifecycle) ServicePending(ctx context.Context, market ports.SnapshotProvider, reviewer ports.LimitOrderReviewer) {
	if len(l.pending) == 0 {
		return
	}

	bySymbol := make(map[string][]string)
	for id, o := range l.pending {
		bySymbol[o.Symbol] = append(bySymbol[o.Symbol], id)
	}
	symbols := make([]string, 0, len(bySymbol))
	for s := range bySymbol {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	for _, sym := range symbols {
		open, err := l.exchange.GetOpenOrders(ctx, sym)
		if err != nil {
			l.logger.Warn(ctx, "Open orders unavailable, pending orders unchanged", map[string]interface{}{"symbol": sym, "error": err.Error()})
			continue
		}
		live := make(map[string]ports.OrderInfo, len(open))
		for _, o := range open {
			live[o.OrderID] = o
		}

		ids := bySymbol[sym]
		sort.Strings(ids)
		for _, id := range ids {
			o, ok := l.pending[id]
			if !ok {
				continue
			}
			info, isLive := live[id]
			switch {
			case !isLive:
				l.resolveMissing(ctx, o)
			case info.Status == domain.OrderFilled:
				l.fillPending(ctx, o, info)
			case info.Status == domain.OrderCancelled || info.Status == domain.OrderRejected:
				l.dropPending(ctx, o, string(info.Status))
			case o.Age(l.now()) > l.cfg.LimitOrderTimeout:
				l.reviewPending(ctx, o, market, reviewer)
			}
		}
	}
}

// resolveMissing handles an order absent from the open-order list. Unless the history
// says it was cancelled or rejected it is treated as filled.
func (l *Lifecycle) resolveMissing(ctx context.Context, o *domain.PendingLimitOrder) {
	info, err := l.exchange.GetOrder(ctx, o.Symbol, o.OrderID)
	if err == nil && (info.Status == domain.OrderCancelled || info.Status == domain.OrderRejected) {
		l.dropPending(ctx, o, string(info.Status))
		return
	}
	if err != nil {
		l.logger.Debug(ctx, "Order history lookup failed, treating order as filled", map[string]interface{}{"orderID": o.OrderID, "error": err.Error()})
		l.fillPending(ctx, o, ports.OrderInfo{OrderID: o.OrderID, Price: o.Price})
		return
	}
	l.fillPending(ctx, o, *info)
}

func (l *Lifecycle) fillPending(ctx context.Context, o *domain.PendingLimitOrder, info ports.OrderInfo) {
	delete(l.pending, o.OrderID)
	l.stats.LimitFilled++

	price := info.AvgPrice
	if price <= 0 {
		price = o.Price
	}
	qty := info.CumExecQty
	if qty <= 0 {
		qty = o.Quantity
	}
	l.logger.Info(ctx, "Limit order filled", map[string]interface{}{"orderID": o.OrderID, "symbol": o.Symbol, "price": price, "qty": qty})
	if l.position != nil {
		l.logger.Warn(ctx, "Limit fill while a position is live, reconcile will follow the venue", map[string]interface{}{
			"held": l.position.Symbol, "filled": o.Symbol,
		})
		return
	}
	d := o.Decision
	d.OrderType = domain.Limit
	l.materialise(ctx, d, price, qty, o.Leverage, d.PositionSizePct)
	l.position.StopLoss = o.StopLoss
	l.position.TakeProfit = o.TakeProfit
}

func (l *Lifecycle) dropPending(ctx context.Context, o *domain.PendingLimitOrder, why string) {
	delete(l.pending, o.OrderID)
	l.stats.LimitCancelled++
	l.logger.Info(ctx, "Limit order no longer pending", map[string]interface{}{"orderID": o.OrderID, "symbol": o.Symbol, "status": why})
}

// cancelPending cancels on the venue and stops tracking. An order already gone counts as cancelled.
func (l *Lifecycle) cancelPending(ctx context.Context, id, why string) bool {
	o, ok := l.pending[id]
	if !ok {
		return false
	}
	if err := l.exchange.CancelOrder(ctx, o.Symbol, id); err != nil && !errors.Is(err, ports.ErrOrderNotFound) {
		l.logger.Error(ctx, err, "Failed to cancel limit order", map[string]interface{}{"orderID": id, "symbol": o.Symbol})
		return false
	}
	l.dropPending(ctx, o, why)
	return true
}

func (l *Lifecycle) reviewPending(ctx context.Context, o *domain.PendingLimitOrder, market ports.SnapshotProvider, reviewer ports.LimitOrderReviewer) {
	current, err := market.Snapshot(ctx, o.Symbol)
	if err != nil {
		l.logger.Warn(ctx, "No fresh snapshot for limit review, waiting", map[string]interface{}{"orderID": o.OrderID, "error": err.Error()})
		return
	}
	original := o.Snapshot[o.Symbol]
	elapsed := o.Age(l.now())
	cmp := CompareSnapshots(*o, original, current)

	verdict, err := reviewer.ReviewLimitOrder(ctx, ports.LimitOrderReview{
		Order:      *o,
		Original:   original,
		Current:    current,
		Elapsed:    elapsed,
		Comparison: cmp,
	})
	if err != nil {
		l.logger.Warn(ctx, "Limit review failed, continuing to wait", map[string]interface{}{"orderID": o.OrderID, "error": err.Error()})
		return
	}
	l.logger.Info(ctx, "Limit order reviewed", map[string]interface{}{
		"orderID": o.OrderID, "symbol": o.Symbol, "verdict": verdict.Action, "newPrice": verdict.NewPrice,
		"reason": verdict.Reason, "elapsed": elapsed.String(), "deviationPct": cmp.LimitDeviationPct,
	})
	l.applyVerdict(ctx, o, verdict, current)
}

func (l *Lifecycle) applyVerdict(ctx context.Context, o *domain.PendingLimitOrder, v domain.LimitOrderVerdict, current domain.MarketSnapshot) {
	switch v.Action {
	case domain.VerdictContinueWait:
		return
	case domain.VerdictCancel:
		l.cancelPending(ctx, o.OrderID, "cancelled after review")
	case domain.VerdictCancelAndMarket:
		snapshot := *o
		if !l.cancelPending(ctx, o.OrderID, "cancelled for market entry") {
			return
		}
		l.marketFromPending(ctx, snapshot, current)
	case domain.VerdictModify:
		l.requote(ctx, o, v.NewPrice, current)
	}
}

// requote cancels o and resubmits it at price, keeping stop and target. The age timer restarts.
func (l *Lifecycle) requote(ctx context.Context, o *domain.PendingLimitOrder, price float64, current domain.MarketSnapshot) {
	if price <= 0 {
		ref := current.Price()
		if o.Side == domain.Buy {
			price = ref * (1 - requoteOffset)
		} else {
			price = ref * (1 + requoteOffset)
		}
	}
	spec, err := l.exchange.Instrument(o.Symbol)
	if err != nil {
		l.logger.Error(ctx, err, "Requote aborted", map[string]interface{}{"orderID": o.OrderID})
		return
	}
	price = spec.PriceFloat(price)
	if err := l.risk.ValidateStops(o.Symbol, domain.SideFromOrder(o.Side), price, o.StopLoss, o.TakeProfit); err != nil {
		var rv *domain.RuleViolation
		if errors.As(err, &rv) {
			l.note(ctx, rv)
		}
		l.logger.Warn(ctx, "Requote price breaks stop geometry, keeping the order", map[string]interface{}{"orderID": o.OrderID, "price": price})
		return
	}

	old := *o
	if !l.cancelPending(ctx, o.OrderID, "requoted") {
		return
	}
	ack, err := l.exchange.PlaceOrder(ctx, ports.OrderRequest{
		Symbol:     old.Symbol,
		Side:       old.Side,
		Type:       domain.Limit,
		Qty:        old.Quantity,
		Price:      price,
		StopLoss:   old.StopLoss,
		TakeProfit: old.TakeProfit,
	})
	if err != nil {
		l.logger.Error(ctx, err, "Requote placement failed, order dropped", map[string]interface{}{"symbol": old.Symbol, "price": price})
		return
	}
	next := old
	next.OrderID = ack.OrderID
	next.Price = price
	next.CreatedAt = l.now()
	next.Requotes++
	next.Snapshot = map[string]domain.MarketSnapshot{old.Symbol: current.Clone()}
	l.pending[ack.OrderID] = &next
	l.stats.LimitModified++
	l.logger.Info(ctx, "Limit order requoted", map[string]interface{}{
		"oldOrderID": old.OrderID, "orderID": ack.OrderID, "oldPrice": old.Price, "price": price,
	})
}

func (l *Lifecycle) marketFromPending(ctx context.Context, o domain.PendingLimitOrder, current domain.MarketSnapshot) {
	if l.position != nil {
		l.logger.Warn(ctx, "Market entry skipped, a position is live", map[string]interface{}{"symbol": o.Symbol})
		return
	}
	ack, err := l.exchange.PlaceOrder(ctx, ports.OrderRequest{
		Symbol:     o.Symbol,
		Side:       o.Side,
		Type:       domain.Market,
		Qty:        o.Quantity,
		StopLoss:   o.StopLoss,
		TakeProfit: o.TakeProfit,
	})
	if err != nil {
		l.stats.OpenFailures++
		l.logger.Error(ctx, err, "Market entry after cancel failed", map[string]interface{}{"symbol": o.Symbol})
		return
	}
	l.stats.LimitMarketed++
	fill := l.fillPrice(ctx, o.Symbol, ack.OrderID, current.Price())
	d := o.Decision
	d.OrderType = domain.Market
	l.materialise(ctx, d, fill, o.Quantity, o.Leverage, d.PositionSizePct)
	l.position.StopLoss = o.StopLoss
	l.position.TakeProfit = o.TakeProfit
}

// CompareSnapshots describes how the market moved between the order's submission and now.
// Trend per timeframe is up when RSI is above 50.
func CompareSnapshots(o domain.PendingLimitOrder, then, now domain.MarketSnapshot) ports.LimitOrderComparison {
	cmp := ports.LimitOrderComparison{
		TrendThen:       make(map[string]string),
		TrendNow:        make(map[string]string),
		TrendConsistent: true,
	}
	priceThen, priceNow := then.Price(), now.Price()
	if priceThen > 0 {
		cmp.PriceChangePct = (priceNow - priceThen) / priceThen * 100
		cmp.MovingTowardLimit = math.Abs(o.Price-priceNow) < math.Abs(o.Price-priceThen)
	}
	if priceNow > 0 {
		cmp.LimitDeviationPct = (o.Price - priceNow) / priceNow * 100
	}

	for _, tf := range []domain.Timeframe{domain.TF4h, domain.TF1h, domain.TF15m} {
		ft, okT := then.Frame(tf)
		fn, okN := now.Frame(tf)
		if okT {
			cmp.TrendThen[string(tf)] = rsiTrend(ft.RSI)
		}
		if okN {
			cmp.TrendNow[string(tf)] = rsiTrend(fn.RSI)
		}
		if okT && okN && rsiTrend(ft.RSI) != rsiTrend(fn.RSI) {
			cmp.TrendConsistent = false
		}
	}
	cmp.FundingRateDelta = now.Sentiment.FundingRate - then.Sentiment.FundingRate
	cmp.OpenInterestDelta = now.Sentiment.OpenInterest - then.Sentiment.OpenInterest
	return cmp
}

func rsiTrend(rsi float64) string {
	if rsi > 50 {
		return "up"
	}
	return "down"
}

// CancelPending cancels every pending limit order.
func (l *Lifecycle) CancelPending(ctx context.Context, why string) {
	for id := range l.pending {
		l.cancelPending(ctx, id, why)
	}
}
