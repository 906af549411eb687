package marketdata

import (
	"context"
	"fmt"
	"time"

	"perpExecBot/internal/domain"
	"perpExecBot/internal/ports"
	"perpExecBot/internal/strategy/indicators"
)

// Config holds the snapshot builder settings.
type Config struct {
	Bars           int // klines fetched per timeframe
	OrderBookDepth int
	ImbalanceDepth int // top levels used for book imbalance
	VolumeWindow   int // candles averaged into AvgVolume
}

// DefaultConfig returns 200 bars, a 50-level book and 10-level imbalance.
func DefaultConfig() Config {
	return Config{Bars: 200, OrderBookDepth: 50, ImbalanceDepth: 10, VolumeWindow: 20}
}

// Builder assembles MarketSnapshots from venue data. It implements ports.SnapshotProvider.
type Builder struct {
	venue     ports.MarketDataReader
	reference ports.ReferenceFeed // nil when disabled
	logger    ports.Logger
	cfg       Config
	now       func() time.Time

	rsi    *indicators.RSI
	atr    *indicators.ATR
	macd   *indicators.MACD
	ema20  *indicators.MovingAverage
	ema50  *indicators.MovingAverage
	ema200 *indicators.MovingAverage
}

// NewBuilder creates a snapshot builder. reference may be nil.
func NewBuilder(venue ports.MarketDataReader, reference ports.ReferenceFeed, logger ports.Logger, cfg Config) (*Builder, error) {
	if venue == nil {
		return nil, fmt.Errorf("market data reader is required for snapshot builder")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for snapshot builder")
	}
	def := DefaultConfig()
	if cfg.Bars <= 0 {
		cfg.Bars = def.Bars
	}
	if cfg.OrderBookDepth <= 0 {
		cfg.OrderBookDepth = def.OrderBookDepth
	}
	if cfg.ImbalanceDepth <= 0 {
		cfg.ImbalanceDepth = def.ImbalanceDepth
	}
	if cfg.VolumeWindow <= 0 {
		cfg.VolumeWindow = def.VolumeWindow
	}
	ema := func(period int) *indicators.MovingAverage {
		return indicators.NewMovingAverage(indicators.MovingAverageConfig{
			IndicatorConfig: indicators.IndicatorConfig{Period: period},
			Type:            indicators.ExponentialMovingAverage,
		})
	}
	return &Builder{
		venue:     venue,
		reference: reference,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
		rsi: indicators.NewRSI(indicators.RSIConfig{
			IndicatorConfig: indicators.IndicatorConfig{Period: 14},
			Overbought:      70,
			Oversold:        30,
		}),
		atr:    indicators.NewATR(indicators.ATRConfig{IndicatorConfig: indicators.IndicatorConfig{Period: 14}}),
		macd:   indicators.NewMACD(indicators.MACDConfig{Fast: 12, Slow: 26, Signal: 9}),
		ema20:  ema(20),
		ema50:  ema(50),
		ema200: ema(200),
	}, nil
}

// Snapshot builds the snapshot of symbol. Kline failures on every timeframe fail the call;
// sentiment sources are best effort.
func (b *Builder) Snapshot(ctx context.Context, symbol string) (domain.MarketSnapshot, error) {
	op := "Snapshot"
	snap := domain.MarketSnapshot{
		Symbol:  symbol,
		TakenAt: b.now(),
		Frames:  make(map[domain.Timeframe]domain.FrameSnapshot, len(domain.Timeframes)),
	}

	var lastErr error
	for _, tf := range domain.Timeframes {
		klines, err := b.klines(ctx, symbol, tf)
		if err != nil {
			lastErr = err
			continue
		}
		frame, err := b.Frame(ctx, tf, klines)
		if err != nil {
			lastErr = err
			b.logger.Warn(ctx, op+": frame skipped", map[string]interface{}{"symbol": symbol, "timeframe": tf, "error": err.Error()})
			continue
		}
		snap.Frames[tf] = frame
	}
	if len(snap.Frames) == 0 {
		return domain.MarketSnapshot{}, fmt.Errorf("%s %s: no timeframe available: %w", op, symbol, lastErr)
	}

	snap.Sentiment = b.sentiment(ctx, symbol)
	return snap, nil
}

// klines reads from the venue and falls back to the reference feed.
func (b *Builder) klines(ctx context.Context, symbol string, tf domain.Timeframe) ([]*domain.Kline, error) {
	klines, err := b.venue.GetKlines(ctx, symbol, tf, b.cfg.Bars)
	if err == nil && len(klines) > 0 {
		return klines, nil
	}
	if err == nil {
		err = fmt.Errorf("venue returned no %s klines for %s", tf, symbol)
	}
	if b.reference == nil {
		return nil, err
	}

	b.logger.Warn(ctx, "Venue klines unavailable, using reference feed", map[string]interface{}{"symbol": symbol, "timeframe": tf, "error": err.Error()})
	ref, rerr := b.reference.GetKlines(ctx, symbol, tf, b.cfg.Bars)
	if rerr != nil {
		return nil, fmt.Errorf("reference klines for %s %s: %w (venue: %v)", symbol, tf, rerr, err)
	}
	if len(ref) == 0 {
		return nil, fmt.Errorf("reference feed returned no %s klines for %s", tf, symbol)
	}
	return ref, nil
}

// Frame computes one FrameSnapshot from klines ordered oldest first. Indicators that need
// more history than available are left at zero.
func (b *Builder) Frame(ctx context.Context, tf domain.Timeframe, klines []*domain.Kline) (domain.FrameSnapshot, error) {
	if len(klines) == 0 {
		return domain.FrameSnapshot{}, fmt.Errorf("no klines for %s", tf)
	}
	last := klines[len(klines)-1]
	f := domain.FrameSnapshot{
		Timeframe: tf,
		OpenTime:  last.OpenTime,
		Open:      last.Open,
		High:      last.High,
		Low:       last.Low,
		Close:     last.Close,
		Volume:    last.Volume,
		AvgVolume: avgVolume(klines, b.cfg.VolumeWindow),
	}

	missing := make([]string, 0)
	if v, err := b.rsi.Calculate(ctx, klines); err == nil {
		f.RSI = v
	} else {
		missing = append(missing, b.rsi.Name())
	}
	if v, err := b.macd.Calculate(klines); err == nil {
		f.MACD, f.MACDSignal, f.MACDHist = v.MACD, v.Signal, v.Histogram
	} else {
		missing = append(missing, b.macd.Name())
	}
	if v, err := b.atr.Calculate(ctx, klines); err == nil {
		f.ATR = v
	} else {
		missing = append(missing, b.atr.Name())
	}
	for _, ma := range []struct {
		ind *indicators.MovingAverage
		dst *float64
	}{{b.ema20, &f.EMA20}, {b.ema50, &f.EMA50}, {b.ema200, &f.EMA200}} {
		if v, err := ma.ind.Calculate(ctx, klines); err == nil {
			*ma.dst = v
		} else {
			missing = append(missing, ma.ind.Name())
		}
	}
	if bands, err := indicators.Bollinger(klines, 20, 2); err == nil {
		f.BollUpper, f.BollMiddle, f.BollLower = bands.Upper, bands.Middle, bands.Lower
	} else {
		missing = append(missing, "BOLL20")
	}

	if len(missing) > 0 {
		b.logger.Debug(ctx, "Not enough kline data for some indicators", map[string]interface{}{
			"timeframe": tf,
			"available": len(klines),
			"missing":   missing,
		})
	}
	return f, nil
}

func avgVolume(klines []*domain.Kline, window int) float64 {
	if window > len(klines) {
		window = len(klines)
	}
	if window == 0 {
		return 0
	}
	total := 0.0
	for _, k := range klines[len(klines)-window:] {
		total += k.Volume
	}
	return total / float64(window)
}

// sentiment gathers venue positioning data. Every source is optional.
func (b *Builder) sentiment(ctx context.Context, symbol string) domain.Sentiment {
	var s domain.Sentiment
	warn := func(source string, err error) {
		b.logger.Warn(ctx, "Sentiment source unavailable", map[string]interface{}{"symbol": symbol, "source": source, "error": err.Error()})
	}

	if t, err := b.venue.GetTicker(ctx, symbol); err == nil {
		s.LastPrice = t.LastPrice
		s.MarkPrice = t.MarkPrice
		s.IndexPrice = t.IndexPrice
		s.BidPrice = t.Bid1Price
		s.AskPrice = t.Ask1Price
		s.Change24hPct = t.Change24hPct
		s.Volume24h = t.Volume24h
		s.FundingRate = t.FundingRate
		s.OpenInterest = t.OpenInterest
	} else {
		warn("ticker", err)
	}

	if oi, err := b.venue.GetOpenInterest(ctx, symbol); err == nil {
		s.OpenInterest = oi
	} else {
		warn("open_interest", err)
	}

	if r, err := b.venue.GetLongShortRatio(ctx, symbol); err == nil {
		s.BuyRatio, s.SellRatio = r.BuyRatio, r.SellRatio
	} else {
		warn("long_short_ratio", err)
	}

	if s.FundingRate == 0 {
		if hist, err := b.venue.GetFundingHistory(ctx, symbol, 1); err == nil && len(hist) > 0 {
			s.FundingRate = hist[0].Rate
		} else if err != nil {
			warn("funding_history", err)
		}
	}

	if book, err := b.venue.GetOrderBook(ctx, symbol, b.cfg.OrderBookDepth); err == nil {
		s.BookImbalance = bookImbalance(book, b.cfg.ImbalanceDepth)
	} else {
		warn("orderbook", err)
	}

	if b.reference != nil {
		if mark, funding, err := b.reference.GetMarkAndFunding(ctx, symbol); err == nil {
			s.ReferenceMark, s.ReferenceFund = mark, funding
			if mark > 0 && s.LastPrice > 0 {
				s.ReferenceBasis = (s.LastPrice - mark) / mark
			}
		} else {
			warn("reference", err)
		}
	}
	return s
}

// bookImbalance returns (bid depth - ask depth) / total depth over the top levels.
func bookImbalance(book *ports.OrderBook, levels int) float64 {
	sum := func(side []ports.BookLevel) float64 {
		total := 0.0
		for i, l := range side {
			if i >= levels {
				break
			}
			total += l.Size
		}
		return total
	}
	bids, asks := sum(book.Bids), sum(book.Asks)
	if bids+asks == 0 {
		return 0
	}
	return (bids - asks) / (bids + asks)
}

// Snapshots builds every symbol, skipping the ones that fail.
func (b *Builder) Snapshots(ctx context.Context, symbols []string) (map[string]domain.MarketSnapshot, error) {
	out := make(map[string]domain.MarketSnapshot, len(symbols))
	var lastErr error
	for _, sym := range symbols {
		snap, err := b.Snapshot(ctx, sym)
		if err != nil {
			lastErr = err
			b.logger.Error(ctx, err, "Snapshot failed", map[string]interface{}{"symbol": sym})
			continue
		}
		out[sym] = snap
	}
	if len(out) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}

var _ ports.SnapshotProvider = (*Builder)(nil)
