package policyclient

import (
	"time"

	"perpExecBot/internal/domain"
	"perpExecBot/internal/ports"
)

type frameDTO struct {
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	Volume     float64 `json:"volume"`
	AvgVolume  float64 `json:"avg_volume"`
	RSI        float64 `json:"rsi"`
	MACD       float64 `json:"macd"`
	MACDSignal float64 `json:"macd_signal"`
	MACDHist   float64 `json:"macd_hist"`
	EMA20      float64 `json:"ema_20"`
	EMA50      float64 `json:"ema_50"`
	EMA200     float64 `json:"ema_200"`
	ATR        float64 `json:"atr"`
	BollUpper  float64 `json:"bb_upper"`
	BollMiddle float64 `json:"bb_middle"`
	BollLower  float64 `json:"bb_lower"`
	OpenTime   string  `json:"open_time"`
}

type sentimentDTO struct {
	LastPrice      float64 `json:"last_price"`
	MarkPrice      float64 `json:"mark_price"`
	IndexPrice     float64 `json:"index_price"`
	BidPrice       float64 `json:"bid_price"`
	AskPrice       float64 `json:"ask_price"`
	Change24hPct   float64 `json:"price_24h_pcnt"`
	Volume24h      float64 `json:"volume_24h"`
	FundingRate    float64 `json:"funding_rate"`
	OpenInterest   float64 `json:"open_interest"`
	BuyRatio       float64 `json:"buy_ratio"`
	SellRatio      float64 `json:"sell_ratio"`
	BookImbalance  float64 `json:"orderbook_imbalance"`
	ReferenceMark  float64 `json:"reference_mark_price,omitempty"`
	ReferenceFund  float64 `json:"reference_funding_rate,omitempty"`
	ReferenceBasis float64 `json:"reference_basis,omitempty"`
}

type marketDTO struct {
	Frames    map[string]frameDTO `json:"frames"`
	Sentiment sentimentDTO        `json:"sentiment"`
}

type positionDTO struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	EntryPrice float64 `json:"entry_price"`
	Quantity   float64 `json:"quantity"`
	Leverage   int     `json:"leverage"`
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
	OpenedAt   string  `json:"opened_at"`
	Reason     string  `json:"entry_reason"`
}

type accountDTO struct {
	Balance         float64      `json:"balance"`
	Equity          float64      `json:"equity"`
	UnrealisedPNL   float64      `json:"unrealised_pnl"`
	Position        *positionDTO `json:"position"`
	PendingOrders   int          `json:"pending_orders"`
	ProtectionNotes []string     `json:"notes,omitempty"`
}

type decisionRequestDTO struct {
	Time        string               `json:"time"`
	CacheKey    string               `json:"cache_key"`
	SampleIndex int64                `json:"sample_index"`
	Account     accountDTO           `json:"account"`
	Markets     map[string]marketDTO `json:"markets"`
}

type orderDTO struct {
	OrderID  string  `json:"order_id"`
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"qty"`
	Reason   string  `json:"original_reason"`
	Created  string  `json:"created_at"`
}

type limitReviewDTO struct {
	Order          orderDTO                   `json:"order"`
	ElapsedSeconds float64                    `json:"elapsed_seconds"`
	Original       marketDTO                  `json:"original"`
	Current        marketDTO                  `json:"current"`
	Comparison     ports.LimitOrderComparison `json:"comparison"`
}

type tradeDTO struct {
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"`
	EntryPrice  float64 `json:"entry_price"`
	ExitPrice   float64 `json:"exit_price"`
	Quantity    float64 `json:"qty"`
	Leverage    int     `json:"leverage"`
	PNL         float64 `json:"pnl"`
	PNLPct      float64 `json:"pnl_pct"`
	CloseReason string  `json:"close_reason"`
	EntryReason string  `json:"entry_reason"`
	Minutes     float64 `json:"duration_minutes"`
}

type selfReviewDTO struct {
	DrawdownPct float64            `json:"drawdown_pct"`
	PeakBalance float64            `json:"peak_balance"`
	Balance     float64            `json:"balance"`
	Trades      []tradeDTO         `json:"recent_trades"`
	Stats       map[string]float64 `json:"stats"`
}

func toMarket(s domain.MarketSnapshot) marketDTO {
	m := marketDTO{Frames: make(map[string]frameDTO, len(s.Frames))}
	for tf, f := range s.Frames {
		m.Frames[string(tf)] = frameDTO{
			Open: f.Open, High: f.High, Low: f.Low, Close: f.Close, Volume: f.Volume, AvgVolume: f.AvgVolume,
			RSI: f.RSI, MACD: f.MACD, MACDSignal: f.MACDSignal, MACDHist: f.MACDHist,
			EMA20: f.EMA20, EMA50: f.EMA50, EMA200: f.EMA200, ATR: f.ATR,
			BollUpper: f.BollUpper, BollMiddle: f.BollMiddle, BollLower: f.BollLower,
			OpenTime: f.OpenTime.UTC().Format(time.RFC3339),
		}
	}
	st := s.Sentiment
	m.Sentiment = sentimentDTO{
		LastPrice: st.LastPrice, MarkPrice: st.MarkPrice, IndexPrice: st.IndexPrice,
		BidPrice: st.BidPrice, AskPrice: st.AskPrice, Change24hPct: st.Change24hPct, Volume24h: st.Volume24h,
		FundingRate: st.FundingRate, OpenInterest: st.OpenInterest, BuyRatio: st.BuyRatio, SellRatio: st.SellRatio,
		BookImbalance: st.BookImbalance, ReferenceMark: st.ReferenceMark, ReferenceFund: st.ReferenceFund,
		ReferenceBasis: st.ReferenceBasis,
	}
	return m
}

func toDecisionRequest(req ports.DecisionRequest) decisionRequestDTO {
	out := decisionRequestDTO{
		Time:        req.Time.UTC().Format(time.RFC3339),
		CacheKey:    req.CacheKey,
		SampleIndex: req.SampleIndex,
		Markets:     make(map[string]marketDTO, len(req.Snapshots)),
		Account: accountDTO{
			Balance:         req.Account.Balance,
			Equity:          req.Account.Equity,
			UnrealisedPNL:   req.Account.UnrealisedPNL,
			PendingOrders:   req.Account.PendingOrders,
			ProtectionNotes: req.Account.ProtectionNotes,
		},
	}
	if p := req.Account.Position; p != nil {
		out.Account.Position = &positionDTO{
			Symbol: p.Symbol, Side: string(p.Side), EntryPrice: p.EntryPrice, Quantity: p.Quantity,
			Leverage: p.Leverage, StopLoss: p.StopLoss, TakeProfit: p.TakeProfit,
			OpenedAt: p.OpenedAt.UTC().Format(time.RFC3339), Reason: p.EntryReason,
		}
	}
	for sym, snap := range req.Snapshots {
		out.Markets[sym] = toMarket(snap)
	}
	return out
}

func toLimitReview(req ports.LimitOrderReview) limitReviewDTO {
	o := req.Order
	return limitReviewDTO{
		Order: orderDTO{
			OrderID: o.OrderID, Symbol: o.Symbol, Side: string(o.Side), Price: o.Price, Quantity: o.Quantity,
			Reason: o.Decision.Reason, Created: o.CreatedAt.UTC().Format(time.RFC3339),
		},
		ElapsedSeconds: req.Elapsed.Seconds(),
		Original:       toMarket(req.Original),
		Current:        toMarket(req.Current),
		Comparison:     req.Comparison,
	}
}

func toSelfReview(req ports.SelfReviewRequest) selfReviewDTO {
	out := selfReviewDTO{
		DrawdownPct: req.DrawdownPct,
		PeakBalance: req.PeakBalance,
		Balance:     req.Balance,
		Stats:       req.Stats,
		Trades:      make([]tradeDTO, 0, len(req.RecentTrades)),
	}
	for _, t := range req.RecentTrades {
		out.Trades = append(out.Trades, tradeDTO{
			Symbol: t.Symbol, Side: string(t.Side), EntryPrice: t.EntryPrice, ExitPrice: t.ExitPrice,
			Quantity: t.Quantity, Leverage: t.Leverage, PNL: t.PNL, PNLPct: t.PNLPct,
			CloseReason: t.CloseReason, EntryReason: t.EntryReason, Minutes: t.Duration().Minutes(),
		})
	}
	return out
}
