package domain

import "time"

// FrameSnapshot is the latest candle of one timeframe plus indicators computed over its history.
type FrameSnapshot struct {
	Timeframe  Timeframe
	OpenTime   time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     float64
	AvgVolume  float64 // mean volume of the recent candles of this timeframe
	RSI        float64
	MACD       float64
	MACDSignal float64
	MACDHist   float64
	EMA20      float64
	EMA50      float64
	EMA200     float64
	ATR        float64
	BollUpper  float64
	BollMiddle float64
	BollLower  float64
}

// Sentiment carries venue-side positioning data for a symbol.
type Sentiment struct {
	LastPrice      float64
	MarkPrice      float64
	IndexPrice     float64
	BidPrice       float64
	AskPrice       float64
	Change24hPct   float64
	Volume24h      float64
	FundingRate    float64
	OpenInterest   float64
	BuyRatio       float64 // share of accounts long
	SellRatio      float64
	BookImbalance  float64 // (bid depth - ask depth) / total depth, top levels
	ReferenceMark  float64 // secondary venue mark price, 0 when disabled
	ReferenceFund  float64
	ReferenceBasis float64 // (LastPrice - ReferenceMark) / ReferenceMark
}

// MarketSnapshot is the read-only market view handed to guards and policies.
type MarketSnapshot struct {
	Symbol    string
	TakenAt   time.Time
	Frames    map[Timeframe]FrameSnapshot
	Sentiment Sentiment
}

// Frame returns the snapshot for tf and whether it is present.
func (m MarketSnapshot) Frame(tf Timeframe) (FrameSnapshot, bool) {
	f, ok := m.Frames[tf]
	return f, ok
}

// Price returns the best known current price.
func (m MarketSnapshot) Price() float64 {
	if m.Sentiment.LastPrice > 0 {
		return m.Sentiment.LastPrice
	}
	if f, ok := m.Frames[TF15m]; ok {
		return f.Close
	}
	return 0
}

// ShortestATR returns the ATR of the shortest timeframe that has one.
func (m MarketSnapshot) ShortestATR() float64 {
	for _, tf := range Timeframes {
		if f, ok := m.Frames[tf]; ok && f.ATR > 0 {
			return f.ATR
		}
	}
	return 0
}

// Clone returns a deep copy safe to retain after the loop moves on.
func (m MarketSnapshot) Clone() MarketSnapshot {
	c := m
	c.Frames = make(map[Timeframe]FrameSnapshot, len(m.Frames))
	for k, v := range m.Frames {
		c.Frames[k] = v
	}
	return c
}

// CloneSnapshots deep-copies a per-symbol snapshot map.
func CloneSnapshots(in map[string]MarketSnapshot) map[string]MarketSnapshot {
	out := make(map[string]MarketSnapshot, len(in))
	for k, v := range in {
		out[k] = v.Clone()
	}
	return out
}
