package ports

import (
	"context"
	"time"

	"perpExecBot/internal/domain"
)

// TradeJournal persists open and close records per trade.
type TradeJournal interface {
	// RecordOpen stores a new trade and returns its id.
	RecordOpen(ctx context.Context, trade *domain.Trade) (int64, error)
	// RecordClose completes the trade identified by id.
	RecordClose(ctx context.Context, id int64, close domain.TradeClose) error
	// AttachPostCloseKlines stores the candles that followed the close.
	AttachPostCloseKlines(ctx context.Context, id int64, klines []*domain.Kline) error
	// RecentClosed returns closed trades with exit time after since, newest first. limit <= 0 means no limit.
	RecentClosed(ctx context.Context, since time.Time, limit int) ([]*domain.Trade, error)
}
