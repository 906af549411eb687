package venueclient

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"perpExecBot/internal/domain"
	"perpExecBot/internal/ports"
)

// GetWalletBalance returns the unified-account balance of coin.
func (c *Client) GetWalletBalance(ctx context.Context, coin string) (*ports.WalletBalance, error) {
	op := "GetWalletBalance"
	var res struct {
		List []struct {
			Coin []struct {
				Coin                string `json:"coin"`
				WalletBalance       string `json:"walletBalance"`
				Equity              string `json:"equity"`
				UnrealisedPnl       string `json:"unrealisedPnl"`
				AvailableToWithdraw string `json:"availableToWithdraw"`
			} `json:"coin"`
		} `json:"list"`
	}
	params := map[string]interface{}{"accountType": "UNIFIED", "coin": coin}
	if err := c.call(ctx, op, http.MethodGet, "/v5/account/wallet-balance", params, true, &res); err != nil {
		return nil, err
	}
	if len(res.List) > 0 {
		for _, b := range res.List[0].Coin {
			if b.Coin != coin {
				continue
			}
			return &ports.WalletBalance{
				Coin:           b.Coin,
				WalletBalance:  parseFloat(b.WalletBalance),
				Equity:         parseFloat(b.Equity),
				UnrealisedPNL:  parseFloat(b.UnrealisedPnl),
				AvailableFunds: parseFloat(b.AvailableToWithdraw),
			}, nil
		}
	}
	return nil, c.handleError(ctx, fmt.Errorf("asset %s not found in account balance: %w", coin, ports.ErrNotFound), op)
}

// GetPositions returns the non-empty positions of symbol.
func (c *Client) GetPositions(ctx context.Context, symbol string) ([]ports.PositionInfo, error) {
	op := "GetPositions"
	var res struct {
		List []struct {
			Symbol        string `json:"symbol"`
			Side          string `json:"side"`
			Size          string `json:"size"`
			AvgPrice      string `json:"avgPrice"`
			Leverage      string `json:"leverage"`
			StopLoss      string `json:"stopLoss"`
			TakeProfit    string `json:"takeProfit"`
			UnrealisedPnl string `json:"unrealisedPnl"`
			MarkPrice     string `json:"markPrice"`
		} `json:"list"`
	}
	params := map[string]interface{}{"category": category, "symbol": symbol}
	if err := c.call(ctx, op, http.MethodGet, "/v5/position/list", params, true, &res); err != nil {
		return nil, err
	}

	out := make([]ports.PositionInfo, 0, len(res.List))
	for _, p := range res.List {
		size := parseFloat(p.Size)
		if size == 0 {
			continue
		}
		out = append(out, ports.PositionInfo{
			Symbol:        p.Symbol,
			Side:          domain.OrderSide(p.Side),
			Size:          size,
			AvgPrice:      parseFloat(p.AvgPrice),
			Leverage:      int(parseFloat(p.Leverage)),
			StopLoss:      parseFloat(p.StopLoss),
			TakeProfit:    parseFloat(p.TakeProfit),
			UnrealisedPNL: parseFloat(p.UnrealisedPnl),
			MarkPrice:     parseFloat(p.MarkPrice),
		})
	}
	return out, nil
}

type orderRecord struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	OrderStatus string `json:"orderStatus"`
	Price       string `json:"price"`
	AvgPrice    string `json:"avgPrice"`
	Qty         string `json:"qty"`
	CumExecQty  string `json:"cumExecQty"`
	CreatedTime string `json:"createdTime"`
}

func (o orderRecord) toOrderInfo() ports.OrderInfo {
	return ports.OrderInfo{
		OrderID:     o.OrderID,
		OrderLinkID: o.OrderLinkID,
		Symbol:      o.Symbol,
		Side:        domain.OrderSide(o.Side),
		Type:        domain.OrderType(o.OrderType),
		Status:      toOrderStatus(o.OrderStatus),
		Price:       parseFloat(o.Price),
		AvgPrice:    parseFloat(o.AvgPrice),
		Qty:         parseFloat(o.Qty),
		CumExecQty:  parseFloat(o.CumExecQty),
		CreatedAt:   parseMillis(o.CreatedTime),
	}
}

// toOrderStatus folds the venue's deactivated variants into the engine's statuses.
func toOrderStatus(s string) domain.OrderStatus {
	switch s {
	case "New", "Untriggered", "Created", "Active":
		return domain.OrderNew
	case "PartiallyFilled":
		return domain.OrderPartiallyFilled
	case "Filled":
		return domain.OrderFilled
	case "Rejected":
		return domain.OrderRejected
	default:
		return domain.OrderCancelled
	}
}

// GetOpenOrders returns the resting orders of symbol.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]ports.OrderInfo, error) {
	op := "GetOpenOrders"
	var res struct {
		List []orderRecord `json:"list"`
	}
	params := map[string]interface{}{"category": category, "symbol": symbol}
	if err := c.call(ctx, op, http.MethodGet, "/v5/order/realtime", params, true, &res); err != nil {
		return nil, err
	}
	out := make([]ports.OrderInfo, 0, len(res.List))
	for _, o := range res.List {
		out = append(out, o.toOrderInfo())
	}
	return out, nil
}

// GetOrder looks an order up in the order history.
func (c *Client) GetOrder(ctx context.Context, symbol, orderID string) (*ports.OrderInfo, error) {
	op := "GetOrder"
	var res struct {
		List []orderRecord `json:"list"`
	}
	params := map[string]interface{}{"category": category, "symbol": symbol, "orderId": orderID}
	if err := c.call(ctx, op, http.MethodGet, "/v5/order/history", params, true, &res); err != nil {
		return nil, err
	}
	for _, o := range res.List {
		if o.OrderID == orderID {
			info := o.toOrderInfo()
			return &info, nil
		}
	}
	return nil, fmt.Errorf("%s failed: %w: %s", op, ports.ErrOrderNotFound, orderID)
}

func formatInt(v int) string {
	return strconv.Itoa(v)
}
