package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"perpExecBot/internal/domain"
	"perpExecBot/internal/ports"
	"perpExecBot/internal/risk"
)

// LifecycleConfig holds the order lifecycle settings.
type LifecycleConfig struct {
	SettleCoin          string
	DefaultLeverage     int
	LimitOrderTimeout   time.Duration
	TrailingDistanceATR float64
	TrailingTriggerATR  float64
	MaxPriceDeviation   float64 // close prices further than this fraction from entry are re-read
	PostCloseKlines     int
	PostCloseMaxAge     time.Duration // watches older than this are dropped
}

// DefaultLifecycleConfig returns the stock lifecycle settings.
func DefaultLifecycleConfig() LifecycleConfig {
	return LifecycleConfig{
		SettleCoin:          "USDT",
		DefaultLeverage:     15,
		LimitOrderTimeout:   300 * time.Second,
		TrailingDistanceATR: 1.5,
		TrailingTriggerATR:  1.0,
		MaxPriceDeviation:   0.5,
		PostCloseKlines:     3,
		PostCloseMaxAge:     6 * time.Hour,
	}
}

// LifecycleStats counts lifecycle events for the run report.
type LifecycleStats struct {
	Opens           int
	OpenFailures    int
	Rejections      int
	Closes          int
	Wins            int
	Losses          int
	TrailingUpdates int
	LimitPlaced     int
	LimitFilled     int
	LimitCancelled  int
	LimitModified   int
	LimitMarketed   int
}

// postCloseWatch waits for the candles that follow a close.
type postCloseWatch struct {
	tradeID  int64
	symbol   string
	entry    float64
	closedAt time.Time
}

// Lifecycle owns the single live position and the pending limit orders. It is not safe
// for concurrent use; only the trading loop calls it.
type Lifecycle struct {
	cfg      LifecycleConfig
	exchange ports.ExchangeClient
	journal  ports.TradeJournal // nil disables journaling
	guard    *risk.Guard
	risk     *risk.RiskManager
	logger   ports.Logger
	now      func() time.Time

	position *domain.Position
	pending  map[string]*domain.PendingLimitOrder
	watches  []postCloseWatch
	notes    []string
	stats    LifecycleStats
}

// NewLifecycle creates the lifecycle manager. journal may be nil.
func NewLifecycle(cfg LifecycleConfig, exchange ports.ExchangeClient, journal ports.TradeJournal,
	guard *risk.Guard, rm *risk.RiskManager, logger ports.Logger, now func() time.Time) (*Lifecycle, error) {
	if exchange == nil || guard == nil || rm == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for Lifecycle")
	}
	def := DefaultLifecycleConfig()
	if cfg.SettleCoin == "" {
		cfg.SettleCoin = def.SettleCoin
	}
	if cfg.DefaultLeverage <= 0 {
		cfg.DefaultLeverage = def.DefaultLeverage
	}
	if cfg.LimitOrderTimeout <= 0 {
		cfg.LimitOrderTimeout = def.LimitOrderTimeout
	}
	if cfg.TrailingDistanceATR <= 0 {
		cfg.TrailingDistanceATR = def.TrailingDistanceATR
	}
	if cfg.TrailingTriggerATR <= 0 {
		cfg.TrailingTriggerATR = def.TrailingTriggerATR
	}
	if cfg.MaxPriceDeviation <= 0 {
		cfg.MaxPriceDeviation = def.MaxPriceDeviation
	}
	if cfg.PostCloseKlines <= 0 {
		cfg.PostCloseKlines = def.PostCloseKlines
	}
	if cfg.PostCloseMaxAge <= 0 {
		cfg.PostCloseMaxAge = def.PostCloseMaxAge
	}
	if now == nil {
		now = time.Now
	}
	return &Lifecycle{
		cfg:      cfg,
		exchange: exchange,
		journal:  journal,
		guard:    guard,
		risk:     rm,
		logger:   logger,
		now:      now,
		pending:  make(map[string]*domain.PendingLimitOrder),
	}, nil
}

// Position returns a copy of the live position, or nil when flat.
func (l *Lifecycle) Position() *domain.Position {
	if l.position == nil {
		return nil
	}
	p := *l.position
	return &p
}

// PendingOrders returns copies of the pending limit orders sorted by creation time.
func (l *Lifecycle) PendingOrders() []domain.PendingLimitOrder {
	out := make([]domain.PendingLimitOrder, 0, len(l.pending))
	for _, o := range l.pending {
		c := *o
		c.Snapshot = domain.CloneSnapshots(o.Snapshot)
		c.Decision.TakeProfit = append([]float64(nil), o.Decision.TakeProfit...)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Stats returns a copy of the counters.
func (l *Lifecycle) Stats() LifecycleStats {
	return l.stats
}

// TakeNotes returns the rejection and clamp reasons gathered since the last call.
func (l *Lifecycle) TakeNotes() []string {
	n := l.notes
	l.notes = nil
	return n
}

func (l *Lifecycle) note(ctx context.Context, v *domain.RuleViolation) {
	l.notes = append(l.notes, v.Error())
	l.logger.Warn(ctx, "Risk rule adjusted or refused an action", map[string]interface{}{
		"rule": v.Rule, "symbol": v.Symbol, "original": v.Original, "limit": v.Limit, "detail": v.Detail,
	})
}

// Execute applies a decision: HOLD does nothing, CLOSE closes, LONG/SHORT opens or switches.
func (l *Lifecycle) Execute(ctx context.Context, d domain.Decision, balance float64, snaps map[string]domain.MarketSnapshot) error {
	op := "Execute"
	switch d.Action {
	case domain.ActionHold:
		l.logger.Debug(ctx, op+": holding", map[string]interface{}{"reason": d.Reason})
		return nil
	case domain.ActionClose:
		if l.position == nil {
			l.logger.Debug(ctx, op+": close requested while flat")
			return nil
		}
		return l.Close(ctx, d.Reason)
	case domain.ActionLong, domain.ActionShort:
	default:
		return &domain.DecisionError{Field: "action", Reason: fmt.Sprintf("unknown action %q", d.Action)}
	}

	if l.position != nil {
		if l.position.Symbol == d.Symbol && l.position.Side == d.Side() {
			l.logger.Debug(ctx, op+": already holding the requested position", map[string]interface{}{"symbol": d.Symbol, "side": d.Side()})
			return nil
		}
		l.logger.Info(ctx, op+": switching position", map[string]interface{}{
			"from": l.position.Symbol, "fromSide": l.position.Side, "to": d.Symbol, "toSide": d.Side(),
		})
		if err := l.Close(ctx, domain.CloseReasonSwitch); err != nil {
			return fmt.Errorf("switch aborted, close failed: %w", err)
		}
	}
	return l.Open(ctx, d, balance, snaps)
}

// Open submits a new entry. Market entries create the position, limit entries a pending order.
func (l *Lifecycle) Open(ctx context.Context, d domain.Decision, balance float64, snaps map[string]domain.MarketSnapshot) error {
	op := "Open"
	if d.Action != domain.ActionLong && d.Action != domain.ActionShort {
		return &domain.DecisionError{Field: "action", Reason: fmt.Sprintf("%s cannot open a position", d.Action)}
	}
	if l.position != nil {
		return fmt.Errorf("%s: %w: position on %s already open", op, ports.ErrRiskRejected, l.position.Symbol)
	}
	side := d.Side()
	orderSide := side.OrderSide()

	spec, err := l.exchange.Instrument(d.Symbol)
	if err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}
	if !spec.Tradable() {
		v := &domain.RuleViolation{Rule: "instrument_status", Symbol: d.Symbol, Detail: fmt.Sprintf("status is %q", spec.Status)}
		l.note(ctx, v)
		l.stats.Rejections++
		return fmt.Errorf("%s: %w: %w", op, ports.ErrTradingDisabled, v)
	}
	if err := l.risk.CheckBalance(d.Symbol, balance); err != nil {
		return l.reject(ctx, op, err)
	}

	for id, o := range l.pending {
		if o.Symbol == d.Symbol && o.Side == orderSide {
			l.logger.Info(ctx, op+": limit order for this symbol and side already pending", map[string]interface{}{"symbol": d.Symbol, "orderID": id})
			return nil
		}
	}
	pct, v := l.risk.ClampPositionPct(d.Symbol, d.PositionSizePct)
	if v != nil {
		l.note(ctx, v)
	}
	lev, v := l.risk.ClampLeverage(spec, d.Leverage)
	if v != nil {
		l.note(ctx, v)
	}

	price := l.referencePrice(ctx, d.Symbol, snaps)
	if price <= 0 {
		return fmt.Errorf("%s failed: no reference price for %s", op, d.Symbol)
	}
	entry := price
	if d.OrderType == domain.Limit {
		if d.EntryPrice > 0 {
			entry = d.EntryPrice
		}
		entry = spec.PriceFloat(entry)
	}
	if err := l.risk.ValidateStops(d.Symbol, side, entry, d.StopLoss, d.FirstTakeProfit()); err != nil {
		return l.reject(ctx, op, err)
	}

	qty := spec.QtyFloat(l.risk.PositionQuantity(balance, pct, lev, price))
	if err := spec.ValidateOrder(qty, entry); err != nil {
		return l.reject(ctx, op, err)
	}

	// A fill of another pending order would break the single position rule.
	for id := range l.pending {
		l.cancelPending(ctx, id, "superseded by a new entry")
	}

	if err := l.exchange.SetLeverage(ctx, d.Symbol, lev); err != nil {
		l.stats.OpenFailures++
		return fmt.Errorf("%s: set leverage: %w", op, err)
	}

	req := ports.OrderRequest{
		Symbol:     d.Symbol,
		Side:       orderSide,
		Type:       d.OrderType,
		Qty:        qty,
		StopLoss:   d.StopLoss,
		TakeProfit: d.FirstTakeProfit(),
	}
	if d.OrderType == domain.Limit {
		req.Price = entry
	}
	ack, err := l.exchange.PlaceOrder(ctx, req)
	if err != nil {
		l.stats.OpenFailures++
		return fmt.Errorf("%s: %w", op, err)
	}

	if d.OrderType == domain.Limit {
		l.pending[ack.OrderID] = &domain.PendingLimitOrder{
			OrderID:    ack.OrderID,
			Symbol:     d.Symbol,
			Side:       orderSide,
			Price:      entry,
			Quantity:   qty,
			StopLoss:   d.StopLoss,
			TakeProfit: d.FirstTakeProfit(),
			Leverage:   lev,
			CreatedAt:  l.now(),
			Decision:   d,
			Snapshot:   domain.CloneSnapshots(snaps),
		}
		l.stats.LimitPlaced++
		l.logger.Info(ctx, op+": limit order pending", map[string]interface{}{
			"symbol": d.Symbol, "side": orderSide, "price": entry, "qty": qty, "orderID": ack.OrderID,
		})
		return nil
	}

	fill := l.fillPrice(ctx, d.Symbol, ack.OrderID, price)
	l.materialise(ctx, d, fill, qty, lev, pct)
	return nil
}

func (l *Lifecycle) reject(ctx context.Context, op string, err error) error {
	l.stats.Rejections++
	var v *domain.RuleViolation
	if errors.As(err, &v) {
		l.note(ctx, v)
	}
	return fmt.Errorf("%s: %w: %w", op, ports.ErrRiskRejected, err)
}

// materialise creates the live position and its journal record.
func (l *Lifecycle) materialise(ctx context.Context, d domain.Decision, entry, qty float64, lev int, pct float64) {
	pos := &domain.Position{
		Symbol:      d.Symbol,
		Side:        d.Side(),
		EntryPrice:  entry,
		Quantity:    qty,
		Leverage:    lev,
		OpenedAt:    l.now(),
		EntryReason: d.Reason,
		StopLoss:    d.StopLoss,
		TakeProfit:  d.FirstTakeProfit(),
	}
	if l.journal != nil {
		id, err := l.journal.RecordOpen(ctx, &domain.Trade{
			Symbol:      pos.Symbol,
			Side:        pos.Side,
			OrderType:   d.OrderType,
			EntryPrice:  entry,
			Quantity:    qty,
			Leverage:    lev,
			PositionPct: pct,
			StopLoss:    d.StopLoss,
			TakeProfit:  d.TakeProfit,
			Confidence:  d.Confidence,
			EntryReason: d.Reason,
			MarketState: d.MarketState,
			EntryTime:   pos.OpenedAt,
		})
		if err != nil {
			l.logger.Error(ctx, err, "Failed to journal open", map[string]interface{}{"symbol": pos.Symbol})
		} else {
			pos.TradeID = id
		}
	}
	l.position = pos
	l.stats.Opens++
	l.logger.Info(ctx, "Position opened", map[string]interface{}{
		"symbol": pos.Symbol, "side": pos.Side, "entry": entry, "qty": qty, "leverage": lev,
		"stopLoss": pos.StopLoss, "takeProfit": pos.TakeProfit, "tradeID": pos.TradeID,
	})
}

// Close flattens the live position with a reduce-only market order.
func (l *Lifecycle) Close(ctx context.Context, reason string) error {
	op := "Close"
	pos := l.position
	if pos == nil {
		return nil
	}
	l.logger.Info(ctx, op+": closing position", map[string]interface{}{"symbol": pos.Symbol, "side": pos.Side, "reason": reason})

	ack, err := l.exchange.PlaceOrder(ctx, ports.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       pos.Side.OrderSide().Opposite(),
		Type:       domain.Market,
		Qty:        pos.Quantity,
		ReduceOnly: true,
	})
	if err != nil {
		return fmt.Errorf("%s failed for %s: %w", op, pos.Symbol, err)
	}

	exit := l.fillPrice(ctx, pos.Symbol, ack.OrderID, 0)
	exit = l.sanePrice(ctx, pos, exit)
	l.finish(ctx, pos, exit, reason)
	return nil
}

// finish records the close of pos at exit and clears the position.
func (l *Lifecycle) finish(ctx context.Context, pos *domain.Position, exit float64, reason string) {
	now := l.now()
	pnl := pos.UnrealizedPNL(exit)
	var pnlPct float64
	if margin := pos.EntryPrice * pos.Quantity / float64(max(pos.Leverage, 1)); margin > 0 {
		pnlPct = pnl / margin * 100
	}

	if l.journal != nil && pos.TradeID > 0 {
		err := l.journal.RecordClose(ctx, pos.TradeID, domain.TradeClose{
			ExitPrice: exit, ExitTime: now, CloseReason: reason, PNL: pnl, PNLPct: pnlPct,
		})
		if err != nil {
			l.logger.Error(ctx, err, "Failed to journal close", map[string]interface{}{"tradeID": pos.TradeID})
		} else {
			l.watches = append(l.watches, postCloseWatch{tradeID: pos.TradeID, symbol: pos.Symbol, entry: pos.EntryPrice, closedAt: now})
		}
	}
	if domain.IsStopLossReason(reason) {
		l.guard.RecordStopLoss(now)
	}

	l.position = nil
	l.stats.Closes++
	if pnl > 0 {
		l.stats.Wins++
	} else {
		l.stats.Losses++
	}
	l.logger.Info(ctx, "Position closed", map[string]interface{}{
		"symbol": pos.Symbol, "side": pos.Side, "entry": pos.EntryPrice, "exit": exit,
		"pnl": pnl, "pnlPct": pnlPct, "reason": reason, "duration": now.Sub(pos.OpenedAt).String(),
	})
}

// Reconcile aligns the position with what the venue reports. A position gone from the
// venue was closed by its stop or target; a venue position the engine does not know is adopted.
func (l *Lifecycle) Reconcile(ctx context.Context, symbols []string) error {
	op := "Reconcile"
	if l.position != nil {
		infos, err := l.exchange.GetPositions(ctx, l.position.Symbol)
		if err != nil {
			return fmt.Errorf("%s failed: %w", op, err)
		}
		for _, info := range infos {
			if info.Symbol == l.position.Symbol && info.Size > 0 {
				if info.StopLoss > 0 {
					l.position.StopLoss = info.StopLoss
				}
				if info.TakeProfit > 0 {
					l.position.TakeProfit = info.TakeProfit
				}
				l.position.Quantity = info.Size
				return nil
			}
		}
		pos := l.position
		exit := l.sanePrice(ctx, pos, l.lastPrice(ctx, pos.Symbol))
		l.finish(ctx, pos, exit, externalCloseReason(pos, exit))
		return nil
	}

	for _, sym := range symbols {
		infos, err := l.exchange.GetPositions(ctx, sym)
		if err != nil {
			return fmt.Errorf("%s failed: %w", op, err)
		}
		for _, info := range infos {
			if info.Size <= 0 || info.Side == "" {
				continue
			}
			l.position = &domain.Position{
				Symbol:      info.Symbol,
				Side:        domain.SideFromOrder(info.Side),
				EntryPrice:  info.AvgPrice,
				Quantity:    info.Size,
				Leverage:    info.Leverage,
				OpenedAt:    l.now(),
				EntryReason: "adopted from venue",
				StopLoss:    info.StopLoss,
				TakeProfit:  info.TakeProfit,
			}
			l.logger.Info(ctx, op+": adopted venue position", map[string]interface{}{
				"symbol": info.Symbol, "side": info.Side, "size": info.Size, "avgPrice": info.AvgPrice,
			})
			return nil
		}
	}
	return nil
}

// externalCloseReason attributes a venue-side exit to the stop or the target.
func externalCloseReason(pos *domain.Position, exit float64) string {
	if pos.StopLoss > 0 {
		if (pos.Side == domain.Long && exit <= pos.StopLoss) || (pos.Side == domain.Short && exit >= pos.StopLoss) {
			return domain.CloseReasonStopLoss
		}
	}
	if pos.TakeProfit > 0 {
		if (pos.Side == domain.Long && exit >= pos.TakeProfit) || (pos.Side == domain.Short && exit <= pos.TakeProfit) {
			return domain.CloseReasonTakeProfit
		}
	}
	return domain.CloseReasonExternalExit
}

// SetDefaultLeverage sets the configured leverage on every symbol. Failures are logged.
func (l *Lifecycle) SetDefaultLeverage(ctx context.Context, symbols []string) {
	for _, sym := range symbols {
		lev := l.cfg.DefaultLeverage
		if spec, err := l.exchange.Instrument(sym); err == nil {
			lev, _ = l.risk.ClampLeverage(spec, lev)
		}
		if err := l.exchange.SetLeverage(ctx, sym, lev); err != nil {
			l.logger.Warn(ctx, "Failed to set default leverage", map[string]interface{}{"symbol": sym, "leverage": lev, "error": err.Error()})
			continue
		}
		l.logger.Debug(ctx, "Default leverage in effect", map[string]interface{}{"symbol": sym, "leverage": lev})
	}
}

func (l *Lifecycle) referencePrice(ctx context.Context, symbol string, snaps map[string]domain.MarketSnapshot) float64 {
	if snap, ok := snaps[symbol]; ok && snap.Sentiment.LastPrice > 0 {
		return snap.Sentiment.LastPrice
	}
	if p := l.lastPrice(ctx, symbol); p > 0 {
		return p
	}
	if snap, ok := snaps[symbol]; ok {
		return snap.Price()
	}
	return 0
}

func (l *Lifecycle) lastPrice(ctx context.Context, symbol string) float64 {
	t, err := l.exchange.GetTicker(ctx, symbol)
	if err != nil {
		l.logger.Warn(ctx, "Ticker unavailable", map[string]interface{}{"symbol": symbol, "error": err.Error()})
		return 0
	}
	return t.LastPrice
}

// fillPrice reads the average fill price from the order history, falling back to the
// ticker and then to fallback.
func (l *Lifecycle) fillPrice(ctx context.Context, symbol, orderID string, fallback float64) float64 {
	if orderID != "" {
		info, err := l.exchange.GetOrder(ctx, symbol, orderID)
		if err == nil && info.AvgPrice > 0 {
			return info.AvgPrice
		}
		if err != nil {
			l.logger.Debug(ctx, "Order history lookup failed", map[string]interface{}{"orderID": orderID, "error": err.Error()})
		}
	}
	if p := l.lastPrice(ctx, symbol); p > 0 {
		return p
	}
	return fallback
}

// sanePrice re-reads the ticker when price is missing or implausibly far from entry.
func (l *Lifecycle) sanePrice(ctx context.Context, pos *domain.Position, price float64) float64 {
	if price > 0 && pos.EntryPrice > 0 && math.Abs(price-pos.EntryPrice)/pos.EntryPrice <= l.cfg.MaxPriceDeviation {
		return price
	}
	reread := l.lastPrice(ctx, pos.Symbol)
	l.logger.Warn(ctx, "Close price implausible, re-read from ticker", map[string]interface{}{
		"symbol": pos.Symbol, "entry": pos.EntryPrice, "price": price, "ticker": reread,
	})
	if reread > 0 {
		return reread
	}
	if price > 0 {
		return price
	}
	return pos.EntryPrice
}

// ServicePostClose attaches the candles that followed each close once they all exist.
func (l *Lifecycle) ServicePostClose(ctx context.Context) {
	if l.journal == nil || len(l.watches) == 0 {
		return
	}
	now := l.now()
	tf := domain.TF15m
	kept := l.watches[:0]
	for _, w := range l.watches {
		ready := w.closedAt.Truncate(tf.Duration()).Add(time.Duration(l.cfg.PostCloseKlines+1) * tf.Duration())
		if now.Before(ready) {
			kept = append(kept, w)
			continue
		}
		done := l.capturePostClose(ctx, w, tf)
		if !done && now.Sub(w.closedAt) < l.cfg.PostCloseMaxAge {
			kept = append(kept, w)
		}
	}
	l.watches = kept
}

// capturePostClose reports whether the watch is finished, attached or discarded.
func (l *Lifecycle) capturePostClose(ctx context.Context, w postCloseWatch, tf domain.Timeframe) bool {
	klines, err := l.exchange.GetKlines(ctx, w.symbol, tf, l.cfg.PostCloseKlines+8)
	if err != nil {
		l.logger.Debug(ctx, "Post-close klines unavailable", map[string]interface{}{"tradeID": w.tradeID, "error": err.Error()})
		return false
	}
	after := make([]*domain.Kline, 0, l.cfg.PostCloseKlines)
	for _, k := range klines {
		if !k.OpenTime.Before(w.closedAt) && k.IsFinal {
			after = append(after, k)
		}
	}
	if len(after) < l.cfg.PostCloseKlines {
		return false
	}
	after = after[:l.cfg.PostCloseKlines]
	if w.entry > 0 && math.Abs(after[0].Close-w.entry)/w.entry > l.cfg.MaxPriceDeviation {
		l.logger.Warn(ctx, "Post-close klines discarded, price far from entry", map[string]interface{}{
			"tradeID": w.tradeID, "entry": w.entry, "firstClose": after[0].Close,
		})
		return true
	}
	if err := l.journal.AttachPostCloseKlines(ctx, w.tradeID, after); err != nil {
		l.logger.Error(ctx, err, "Failed to attach post-close klines", map[string]interface{}{"tradeID": w.tradeID})
		return errors.Is(err, ports.ErrNotFound)
	}
	l.logger.Debug(ctx, "Post-close klines attached", map[string]interface{}{"tradeID": w.tradeID, "count": len(after)})
	return true
}
