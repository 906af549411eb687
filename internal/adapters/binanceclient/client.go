package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"perpExecBot/internal/domain"
	"perpExecBot/internal/ports"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
)

const (
	// Base URLs
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"
)

// Client reads public USD-M futures data from a second venue.
// It implements ports.ReferenceFeed.
type Client struct {
	futuresClient *futures.Client
	logger        ports.Logger
	now           func() time.Time
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	UseTestnet bool
	BaseURL    string // overrides the testnet/production choice when set
	Logger     ports.Logger
}

// New creates a new Binance client adapter. Only public endpoints are used, so no keys are needed.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}

	client := futures.NewClient("", "")

	// Set BaseURL directly instead of using global futures.UseTestnet
	switch {
	case cfg.BaseURL != "":
		client.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	case cfg.UseTestnet:
		client.BaseURL = baseURLTestnet
	default:
		client.BaseURL = baseURLProduction
	}
	cfg.Logger.Info(context.Background(), "Binance reference feed configured", map[string]interface{}{"baseURL": client.BaseURL, "testnet": cfg.UseTestnet})

	return &Client{
		futuresClient: client,
		logger:        cfg.Logger,
		now:           time.Now,
	}, nil
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		var mappedErr error
		switch apiErr.Code {
		case -1003: // Too many requests
			mappedErr = ports.ErrRateLimited
		case -1001, -1007: // Disconnected, backend timeout
			mappedErr = ports.ErrExchangeUnavailable
		case -1100, -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120, -1121: // Parameter/Request format errors
			mappedErr = ports.ErrInvalidRequest
		default:
			mappedErr = ports.ErrUnknown
		}
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	// Handle non-API errors (network, context cancellation, etc.)
	var finalErr error
	if errors.Is(err, context.DeadlineExceeded) {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	} else if errors.Is(err, context.Canceled) {
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	} else if strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer") {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	} else {
		// Default for other errors (e.g., parsing errors within the adapter)
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// GetServerTime retrieves the current server time from the exchange.
func (c *Client) GetServerTime(ctx context.Context) (time.Time, error) {
	op := "GetServerTime"
	serverTimeMs, err := c.futuresClient.NewServerTimeService().Do(ctx)
	if err != nil {
		return time.Time{}, c.handleError(ctx, err, op)
	}
	return time.UnixMilli(serverTimeMs), nil
}

// GetMarkAndFunding returns the mark price and the last funding rate of symbol.
func (c *Client) GetMarkAndFunding(ctx context.Context, symbol string) (float64, float64, error) {
	op := "GetMarkAndFunding"
	symbol = domain.NormalizeSymbol(symbol)
	indexes, err := c.futuresClient.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, 0, c.handleError(ctx, err, op)
	}
	if len(indexes) == 0 {
		err := fmt.Errorf("no premium index returned for symbol %s", symbol)
		return 0, 0, c.handleError(ctx, err, op)
	}

	mark, err := strconv.ParseFloat(indexes[0].MarkPrice, 64)
	if err != nil {
		parseErr := fmt.Errorf("could not parse mark price '%s': %w", indexes[0].MarkPrice, err)
		return 0, 0, c.handleError(ctx, parseErr, op)
	}
	funding := 0.0
	if indexes[0].LastFundingRate != "" {
		funding, err = strconv.ParseFloat(indexes[0].LastFundingRate, 64)
		if err != nil {
			parseErr := fmt.Errorf("could not parse funding rate '%s': %w", indexes[0].LastFundingRate, err)
			return 0, 0, c.handleError(ctx, parseErr, op)
		}
	}
	return mark, funding, nil
}

// GetKlines retrieves the latest limit klines, oldest first.
func (c *Client) GetKlines(ctx context.Context, symbol string, tf domain.Timeframe, limit int) ([]*domain.Kline, error) {
	op := "GetKlines"
	interval, err := binanceInterval(tf)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	symbol = domain.NormalizeSymbol(symbol)
	binanceKlines, err := c.futuresClient.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	return c.translateAll(ctx, binanceKlines, symbol, tf, op)
}

// GetKlinesRange fetches all klines for a symbol/timeframe between start and end time.
func (c *Client) GetKlinesRange(ctx context.Context, symbol string, tf domain.Timeframe, start, end time.Time) ([]*domain.Kline, error) {
	op := "GetKlinesRange"
	interval, err := binanceInterval(tf)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	symbol = domain.NormalizeSymbol(symbol)

	var allKlines []*domain.Kline
	const maxLimit = 1500
	from := start

	for {
		klines, err := c.futuresClient.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			StartTime(from.UnixMilli()).
			EndTime(end.UnixMilli()).
			Limit(maxLimit).
			Do(ctx)
		if err != nil {
			return nil, c.handleError(ctx, err, op)
		}
		if len(klines) == 0 {
			break
		}
		batch, err := c.translateAll(ctx, klines, symbol, tf, op)
		if err != nil {
			return nil, err
		}
		allKlines = append(allKlines, batch...)
		from = time.UnixMilli(klines[len(klines)-1].CloseTime + 1)
		if from.After(end) || len(klines) < maxLimit {
			break
		}
	}

	return allKlines, nil
}

func (c *Client) translateAll(ctx context.Context, binanceKlines []*futures.Kline, symbol string, tf domain.Timeframe, op string) ([]*domain.Kline, error) {
	now := c.now()
	domainKlines := make([]*domain.Kline, 0, len(binanceKlines))
	for _, bk := range binanceKlines {
		dk, err := translateBinanceKline(bk, symbol, tf, now)
		if err != nil {
			return nil, c.handleError(ctx, fmt.Errorf("failed to translate historical kline: %w", err), op)
		}
		domainKlines = append(domainKlines, dk)
	}
	return domainKlines, nil
}

func binanceInterval(tf domain.Timeframe) (string, error) {
	switch tf {
	case domain.TF15m, domain.TF1h, domain.TF4h:
		return string(tf), nil
	default:
		return "", fmt.Errorf("%w: unsupported timeframe %q", ports.ErrInvalidRequest, tf)
	}
}

func translateBinanceKline(bk *futures.Kline, symbol string, tf domain.Timeframe, now time.Time) (*domain.Kline, error) {
	if bk == nil {
		return nil, errors.New("received nil historical kline")
	}
	open, err := strconv.ParseFloat(bk.Open, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing open price '%s': %w", bk.Open, err)
	}
	high, err := strconv.ParseFloat(bk.High, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing high price '%s': %w", bk.High, err)
	}
	low, err := strconv.ParseFloat(bk.Low, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing low price '%s': %w", bk.Low, err)
	}
	cls, err := strconv.ParseFloat(bk.Close, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing close price '%s': %w", bk.Close, err)
	}
	vol, err := strconv.ParseFloat(bk.Volume, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing volume '%s': %w", bk.Volume, err)
	}
	turnover, _ := strconv.ParseFloat(bk.QuoteAssetVolume, 64)

	closeTime := time.UnixMilli(bk.CloseTime)
	return &domain.Kline{
		OpenTime:  time.UnixMilli(bk.OpenTime),
		CloseTime: closeTime,
		Symbol:    symbol, // Use passed symbol as it's not in futures.Kline
		Interval:  tf,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     cls,
		Volume:    vol,
		Turnover:  turnover,
		IsFinal:   !closeTime.After(now), // the last kline may still be forming
	}, nil
}

var _ ports.ReferenceFeed = (*Client)(nil)
