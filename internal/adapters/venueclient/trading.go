package venueclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"perpExecBot/internal/domain"
	"perpExecBot/internal/ports"
)

// PlaceOrder formats every numeric field with the rules of req.Symbol and submits
// the order. Market orders are IOC, limit orders GTC.
func (c *Client) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderAck, error) {
	op := "PlaceOrder"
	spec, err := c.Instrument(req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}
	if !spec.Tradable() {
		return nil, fmt.Errorf("%s failed for %s (status %q): %w", op, req.Symbol, spec.Status, ports.ErrTradingDisabled)
	}
	if req.Side != domain.Buy && req.Side != domain.Sell {
		return nil, fmt.Errorf("%s failed: %w: side %q", op, ports.ErrInvalidRequest, req.Side)
	}

	linkID := uuid.New().String()
	body := map[string]interface{}{
		"category":    category,
		"symbol":      req.Symbol,
		"side":        string(req.Side),
		"qty":         spec.FormatQty(req.Qty),
		"positionIdx": 0,
		"orderLinkId": linkID,
	}
	switch req.Type {
	case domain.Market:
		body["orderType"] = string(domain.Market)
		body["timeInForce"] = "IOC"
	case domain.Limit:
		if req.Price <= 0 {
			return nil, fmt.Errorf("%s failed: %w: limit order without price", op, ports.ErrInvalidRequest)
		}
		body["orderType"] = string(domain.Limit)
		body["timeInForce"] = "GTC"
		body["price"] = spec.FormatPrice(req.Price)
	default:
		return nil, fmt.Errorf("%s failed: %w: order type %q", op, ports.ErrInvalidRequest, req.Type)
	}
	if req.ReduceOnly {
		body["reduceOnly"] = true
	}
	if req.StopLoss > 0 {
		body["stopLoss"] = spec.FormatPrice(req.StopLoss)
	}
	if req.TakeProfit > 0 {
		body["takeProfit"] = spec.FormatPrice(req.TakeProfit)
	}

	var res struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := c.call(ctx, op, http.MethodPost, "/v5/order/create", body, true, &res); err != nil {
		return nil, fmt.Errorf("%w: %w", ports.ErrOrderPlacementFailed, err)
	}
	if res.OrderLinkID == "" {
		res.OrderLinkID = linkID
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol":     req.Symbol,
		"side":       req.Side,
		"type":       req.Type,
		"qty":        body["qty"],
		"price":      body["price"],
		"reduceOnly": req.ReduceOnly,
		"orderID":    res.OrderID,
	})
	return &ports.OrderAck{OrderID: res.OrderID, OrderLinkID: res.OrderLinkID}, nil
}

// CancelOrder cancels one resting order.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	op := "CancelOrder"
	body := map[string]interface{}{"category": category, "symbol": symbol, "orderId": orderID}
	if err := c.call(ctx, op, http.MethodPost, "/v5/order/cancel", body, true, nil); err != nil {
		if errors.Is(err, ports.ErrOrderNotFound) {
			return err
		}
		return fmt.Errorf("%w: %w", ports.ErrOrderCancelFailed, err)
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "orderID": orderID})
	return nil
}

// CancelAllOrders cancels every resting order of symbol.
func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	op := "CancelAllOrders"
	body := map[string]interface{}{"category": category, "symbol": symbol}
	if err := c.call(ctx, op, http.MethodPost, "/v5/order/cancel-all", body, true, nil); err != nil {
		return fmt.Errorf("%w: %w", ports.ErrOrderCancelFailed, err)
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol})
	return nil
}

// SetLeverage sets the same leverage on both sides. Leverage already at the target counts as success.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	op := "SetLeverage"
	if spec, err := c.Instrument(symbol); err == nil {
		leverage = spec.ClampLeverage(leverage)
	}
	lev := formatInt(leverage)
	body := map[string]interface{}{
		"category":     category,
		"symbol":       symbol,
		"buyLeverage":  lev,
		"sellLeverage": lev,
	}
	if err := c.call(ctx, op, http.MethodPost, "/v5/position/set-leverage", body, true, nil); err != nil {
		return err
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "leverage": leverage})
	return nil
}

// SetTradingStop sets the position-level stop and target. Calling it on a flat
// position is a no-op.
func (c *Client) SetTradingStop(ctx context.Context, req ports.TradingStopRequest) error {
	op := "SetTradingStop"
	spec, err := c.Instrument(req.Symbol)
	if err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}
	if req.StopLoss <= 0 && req.TakeProfit <= 0 {
		return nil
	}
	body := map[string]interface{}{
		"category":    category,
		"symbol":      req.Symbol,
		"positionIdx": 0,
		"tpslMode":    "Full",
	}
	if req.StopLoss > 0 {
		body["stopLoss"] = spec.FormatPrice(req.StopLoss)
	}
	if req.TakeProfit > 0 {
		body["takeProfit"] = spec.FormatPrice(req.TakeProfit)
	}
	if err := c.call(ctx, op, http.MethodPost, "/v5/position/trading-stop", body, true, nil); err != nil {
		return err
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": req.Symbol, "stopLoss": body["stopLoss"], "takeProfit": body["takeProfit"]})
	return nil
}

// SwitchPositionMode sets 0 (one-way) or 3 (hedge) for symbol.
func (c *Client) SwitchPositionMode(ctx context.Context, symbol string, mode int) error {
	op := "SwitchPositionMode"
	body := map[string]interface{}{"category": category, "symbol": symbol, "mode": mode}
	if err := c.call(ctx, op, http.MethodPost, "/v5/position/switch-mode", body, true, nil); err != nil {
		return err
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "mode": mode})
	return nil
}

var _ ports.ExchangeClient = (*Client)(nil)
