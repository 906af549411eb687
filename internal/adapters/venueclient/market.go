package venueclient

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"perpExecBot/internal/domain"
	"perpExecBot/internal/ports"
)

// GetServerTime retrieves the current server time from the venue.
func (c *Client) GetServerTime(ctx context.Context) (time.Time, error) {
	op := "GetServerTime"
	var res struct {
		TimeSecond string `json:"timeSecond"`
		TimeNano   string `json:"timeNano"`
	}
	if err := c.call(ctx, op, http.MethodGet, "/v5/market/time", nil, false, &res); err != nil {
		return time.Time{}, err
	}
	if nanos, err := strconv.ParseInt(res.TimeNano, 10, 64); err == nil && nanos > 0 {
		return time.Unix(0, nanos), nil
	}
	secs, err := strconv.ParseInt(res.TimeSecond, 10, 64)
	if err != nil {
		return time.Time{}, c.handleError(ctx, fmt.Errorf("could not parse server time %q: %w", res.TimeSecond, err), op)
	}
	return time.UnixMilli(secs * 1000), nil
}

type instrumentInfo struct {
	Symbol      string `json:"symbol"`
	Status      string `json:"status"`
	PriceFilter struct {
		MinPrice string `json:"minPrice"`
		MaxPrice string `json:"maxPrice"`
		TickSize string `json:"tickSize"`
	} `json:"priceFilter"`
	LotSizeFilter struct {
		QtyStep          string `json:"qtyStep"`
		MinOrderQty      string `json:"minOrderQty"`
		MaxOrderQty      string `json:"maxOrderQty"`
		MinNotionalValue string `json:"minNotionalValue"`
		MaxOrderAmt      string `json:"maxOrderAmt"`
	} `json:"lotSizeFilter"`
	LeverageFilter struct {
		MinLeverage  string `json:"minLeverage"`
		MaxLeverage  string `json:"maxLeverage"`
		LeverageStep string `json:"leverageStep"`
	} `json:"leverageFilter"`
}

// LoadInstruments fetches and caches the rules of every symbol. A symbol the venue
// does not know, or whose rules cannot be parsed, is a configuration error.
func (c *Client) LoadInstruments(ctx context.Context, symbols []string) error {
	op := "LoadInstruments"
	for _, symbol := range symbols {
		var res struct {
			List []instrumentInfo `json:"list"`
		}
		params := map[string]interface{}{"category": category, "symbol": symbol}
		if err := c.call(ctx, op, http.MethodGet, "/v5/market/instruments-info", params, false, &res); err != nil {
			return err
		}
		if len(res.List) == 0 {
			return fmt.Errorf("%s failed: %w: %s", op, ports.ErrInstrumentUnknown, symbol)
		}
		spec, err := toInstrumentSpec(res.List[0])
		if err != nil {
			return fmt.Errorf("%s failed for %s: %w: %w", op, symbol, ports.ErrConfigurationError, err)
		}

		c.mu.Lock()
		c.instruments[symbol] = spec
		c.mu.Unlock()

		c.logger.Info(ctx, op+": instrument rules loaded", map[string]interface{}{
			"symbol":   symbol,
			"status":   spec.Status,
			"tickSize": spec.TickSize.String(),
			"qtyStep":  spec.QtyStep.String(),
			"minQty":   spec.MinQty.String(),
			"maxLev":   spec.MaxLeverage.String(),
		})
	}
	return nil
}

// Instrument returns the cached rules for symbol.
func (c *Client) Instrument(symbol string) (domain.InstrumentSpec, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	spec, ok := c.instruments[symbol]
	if !ok {
		return domain.InstrumentSpec{}, fmt.Errorf("%w: %s", ports.ErrInstrumentUnknown, symbol)
	}
	return spec, nil
}

func toInstrumentSpec(in instrumentInfo) (domain.InstrumentSpec, error) {
	spec := domain.InstrumentSpec{Symbol: in.Symbol, Status: in.Status}
	fields := []struct {
		name     string
		raw      string
		dst      *decimal.Decimal
		required bool
	}{
		{"tickSize", in.PriceFilter.TickSize, &spec.TickSize, true},
		{"minPrice", in.PriceFilter.MinPrice, &spec.MinPrice, false},
		{"maxPrice", in.PriceFilter.MaxPrice, &spec.MaxPrice, false},
		{"qtyStep", in.LotSizeFilter.QtyStep, &spec.QtyStep, true},
		{"minOrderQty", in.LotSizeFilter.MinOrderQty, &spec.MinQty, true},
		{"maxOrderQty", in.LotSizeFilter.MaxOrderQty, &spec.MaxQty, false},
		{"minNotionalValue", in.LotSizeFilter.MinNotionalValue, &spec.MinNotional, false},
		{"maxOrderAmt", in.LotSizeFilter.MaxOrderAmt, &spec.MaxNotional, false},
		{"minLeverage", in.LeverageFilter.MinLeverage, &spec.MinLeverage, false},
		{"maxLeverage", in.LeverageFilter.MaxLeverage, &spec.MaxLeverage, false},
		{"leverageStep", in.LeverageFilter.LeverageStep, &spec.LeverageStep, false},
	}
	for _, f := range fields {
		if f.raw == "" {
			if f.required {
				return spec, fmt.Errorf("missing %s", f.name)
			}
			continue
		}
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return spec, fmt.Errorf("parse %s %q: %w", f.name, f.raw, err)
		}
		if f.required && !d.IsPositive() {
			return spec, fmt.Errorf("%s must be positive, got %s", f.name, f.raw)
		}
		*f.dst = d
	}
	return spec, nil
}

// GetKlines returns up to limit candles ordered oldest first. The newest candle is
// marked non-final while its period is still running.
func (c *Client) GetKlines(ctx context.Context, symbol string, tf domain.Timeframe, limit int) ([]*domain.Kline, error) {
	op := "GetKlines"
	if tf.Duration() == 0 {
		return nil, fmt.Errorf("%s failed: %w: unsupported timeframe %q", op, ports.ErrInvalidRequest, tf)
	}
	var res struct {
		List [][]string `json:"list"`
	}
	params := map[string]interface{}{
		"category": category,
		"symbol":   symbol,
		"interval": tf.VenueInterval(),
		"limit":    limit,
	}
	if err := c.call(ctx, op, http.MethodGet, "/v5/market/kline", params, false, &res); err != nil {
		return nil, err
	}

	now := c.now().Add(c.ClockOffset())
	klines := make([]*domain.Kline, 0, len(res.List))
	for i := len(res.List) - 1; i >= 0; i-- {
		row := res.List[i]
		if len(row) < 6 {
			c.logger.Warn(ctx, op+": skipping short kline row", map[string]interface{}{"symbol": symbol, "len": len(row)})
			continue
		}
		startMs, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, c.handleError(ctx, fmt.Errorf("could not parse kline start %q: %w", row[0], err), op)
		}
		open := time.UnixMilli(startMs)
		k := &domain.Kline{
			OpenTime:  open,
			CloseTime: open.Add(tf.Duration()).Add(-time.Millisecond),
			Symbol:    symbol,
			Interval:  tf,
			Open:      parseFloat(row[1]),
			High:      parseFloat(row[2]),
			Low:       parseFloat(row[3]),
			Close:     parseFloat(row[4]),
			Volume:    parseFloat(row[5]),
		}
		if len(row) > 6 {
			k.Turnover = parseFloat(row[6])
		}
		k.IsFinal = !now.Before(open.Add(tf.Duration()))
		klines = append(klines, k)
	}
	return klines, nil
}

// GetTicker returns the 24h ticker of symbol.
func (c *Client) GetTicker(ctx context.Context, symbol string) (*ports.Ticker, error) {
	op := "GetTicker"
	var res struct {
		List []struct {
			Symbol       string `json:"symbol"`
			LastPrice    string `json:"lastPrice"`
			MarkPrice    string `json:"markPrice"`
			IndexPrice   string `json:"indexPrice"`
			Bid1Price    string `json:"bid1Price"`
			Ask1Price    string `json:"ask1Price"`
			FundingRate  string `json:"fundingRate"`
			OpenInterest string `json:"openInterest"`
			Price24hPcnt string `json:"price24hPcnt"`
			Volume24h    string `json:"volume24h"`
		} `json:"list"`
	}
	params := map[string]interface{}{"category": category, "symbol": symbol}
	if err := c.call(ctx, op, http.MethodGet, "/v5/market/tickers", params, false, &res); err != nil {
		return nil, err
	}
	if len(res.List) == 0 {
		return nil, c.handleError(ctx, fmt.Errorf("no ticker data returned for symbol %s: %w", symbol, ports.ErrNotFound), op)
	}
	t := res.List[0]
	return &ports.Ticker{
		Symbol:       t.Symbol,
		LastPrice:    parseFloat(t.LastPrice),
		MarkPrice:    parseFloat(t.MarkPrice),
		IndexPrice:   parseFloat(t.IndexPrice),
		Bid1Price:    parseFloat(t.Bid1Price),
		Ask1Price:    parseFloat(t.Ask1Price),
		FundingRate:  parseFloat(t.FundingRate),
		OpenInterest: parseFloat(t.OpenInterest),
		Change24hPct: parseFloat(t.Price24hPcnt) * 100,
		Volume24h:    parseFloat(t.Volume24h),
	}, nil
}

// GetOrderBook returns the top depth levels on each side.
func (c *Client) GetOrderBook(ctx context.Context, symbol string, depth int) (*ports.OrderBook, error) {
	op := "GetOrderBook"
	var res struct {
		Symbol string     `json:"s"`
		Bids   [][]string `json:"b"`
		Asks   [][]string `json:"a"`
		Ts     int64      `json:"ts"`
	}
	params := map[string]interface{}{"category": category, "symbol": symbol, "limit": depth}
	if err := c.call(ctx, op, http.MethodGet, "/v5/market/orderbook", params, false, &res); err != nil {
		return nil, err
	}
	return &ports.OrderBook{
		Symbol: symbol,
		Bids:   toLevels(res.Bids),
		Asks:   toLevels(res.Asks),
		Time:   time.UnixMilli(res.Ts),
	}, nil
}

func toLevels(rows [][]string) []ports.BookLevel {
	levels := make([]ports.BookLevel, 0, len(rows))
	for _, r := range rows {
		if len(r) < 2 {
			continue
		}
		levels = append(levels, ports.BookLevel{Price: parseFloat(r[0]), Size: parseFloat(r[1])})
	}
	return levels
}

// GetFundingHistory returns settled funding rates, newest first.
func (c *Client) GetFundingHistory(ctx context.Context, symbol string, limit int) ([]ports.FundingRate, error) {
	op := "GetFundingHistory"
	var res struct {
		List []struct {
			Symbol               string `json:"symbol"`
			FundingRate          string `json:"fundingRate"`
			FundingRateTimestamp string `json:"fundingRateTimestamp"`
		} `json:"list"`
	}
	params := map[string]interface{}{"category": category, "symbol": symbol, "limit": limit}
	if err := c.call(ctx, op, http.MethodGet, "/v5/market/funding/history", params, false, &res); err != nil {
		return nil, err
	}
	out := make([]ports.FundingRate, 0, len(res.List))
	for _, f := range res.List {
		out = append(out, ports.FundingRate{
			Symbol: f.Symbol,
			Rate:   parseFloat(f.FundingRate),
			Time:   parseMillis(f.FundingRateTimestamp),
		})
	}
	return out, nil
}

// GetOpenInterest returns the latest 5-minute open interest reading.
func (c *Client) GetOpenInterest(ctx context.Context, symbol string) (float64, error) {
	op := "GetOpenInterest"
	var res struct {
		List []struct {
			OpenInterest string `json:"openInterest"`
			Timestamp    string `json:"timestamp"`
		} `json:"list"`
	}
	params := map[string]interface{}{"category": category, "symbol": symbol, "intervalTime": "5min", "limit": 1}
	if err := c.call(ctx, op, http.MethodGet, "/v5/market/open-interest", params, false, &res); err != nil {
		return 0, err
	}
	if len(res.List) == 0 {
		return 0, nil
	}
	return parseFloat(res.List[0].OpenInterest), nil
}

// GetLongShortRatio returns the latest 5-minute account ratio.
func (c *Client) GetLongShortRatio(ctx context.Context, symbol string) (*ports.LongShortRatio, error) {
	op := "GetLongShortRatio"
	var res struct {
		List []struct {
			Symbol    string `json:"symbol"`
			BuyRatio  string `json:"buyRatio"`
			SellRatio string `json:"sellRatio"`
			Timestamp string `json:"timestamp"`
		} `json:"list"`
	}
	params := map[string]interface{}{"category": category, "symbol": symbol, "period": "5min", "limit": 1}
	if err := c.call(ctx, op, http.MethodGet, "/v5/market/account-ratio", params, false, &res); err != nil {
		return nil, err
	}
	if len(res.List) == 0 {
		return nil, c.handleError(ctx, fmt.Errorf("no ratio data for %s: %w", symbol, ports.ErrNotFound), op)
	}
	r := res.List[0]
	return &ports.LongShortRatio{
		Symbol:    symbol,
		BuyRatio:  parseFloat(r.BuyRatio),
		SellRatio: parseFloat(r.SellRatio),
		Time:      parseMillis(r.Timestamp),
	}, nil
}

// parseFloat treats empty and malformed venue numbers as zero.
func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
