package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"perpExecBot/internal/domain"
	"perpExecBot/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements ports.TradeJournal using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/journal.db" // Default path
	}

	// Create data directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000") // WAL mode for better concurrency
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// A single connection serialises writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	cfg.Logger.Info(context.Background(), "SQLite database connection established", map[string]interface{}{"path": dbPath})

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "Database schema initialized/verified")

	return repo, nil
}

// initializeSchema creates tables if they don't exist.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		order_type TEXT NOT NULL,
		entry_price REAL NOT NULL,
		quantity REAL NOT NULL,
		leverage INTEGER NOT NULL,
		position_pct REAL NOT NULL DEFAULT 0,
		stop_loss REAL NOT NULL DEFAULT 0,
		take_profit TEXT NOT NULL DEFAULT '[]',
		confidence REAL NOT NULL DEFAULT 0,
		entry_reason TEXT NOT NULL DEFAULT '',
		market_state TEXT NOT NULL DEFAULT '',
		entry_time TIMESTAMP NOT NULL,
		exit_price REAL DEFAULT NULL,
		exit_time TIMESTAMP DEFAULT NULL,
		close_reason TEXT DEFAULT NULL,
		pnl REAL DEFAULT NULL,
		pnl_pct REAL DEFAULT NULL,
		duration_seconds INTEGER DEFAULT NULL
	);

	CREATE TABLE IF NOT EXISTS post_close_klines (
		trade_id INTEGER NOT NULL REFERENCES trades(id),
		seq INTEGER NOT NULL,
		timeframe TEXT NOT NULL,
		open_time TIMESTAMP NOT NULL,
		open REAL NOT NULL,
		high REAL NOT NULL,
		low REAL NOT NULL,
		close REAL NOT NULL,
		volume REAL NOT NULL,
		PRIMARY KEY (trade_id, seq)
	);
	-- Add indexes for common lookups
	CREATE INDEX IF NOT EXISTS idx_trades_symbol_entry_time ON trades (symbol, entry_time);
	CREATE INDEX IF NOT EXISTS idx_trades_exit_time ON trades (exit_time);
	`
	_, err := r.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// RecordOpen saves a new trade and returns its assigned ID.
func (r *Repository) RecordOpen(ctx context.Context, trade *domain.Trade) (int64, error) {
	const query = `
	INSERT INTO trades (symbol, side, order_type, entry_price, quantity, leverage, position_pct,
	                    stop_loss, take_profit, confidence, entry_reason, market_state, entry_time)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	tps, err := json.Marshal(nonNil(trade.TakeProfit))
	if err != nil {
		return 0, fmt.Errorf("failed to encode take profit for %s: %w", trade.Symbol, err)
	}

	result, err := r.db.ExecContext(ctx, query,
		trade.Symbol, string(trade.Side), string(trade.OrderType), trade.EntryPrice, trade.Quantity, trade.Leverage,
		trade.PositionPct, trade.StopLoss, string(tps), trade.Confidence, trade.EntryReason, trade.MarketState,
		trade.EntryTime.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to insert trade for symbol %s: %w: %w", trade.Symbol, ports.ErrUpdateFailed, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for trade %s: %w", trade.Symbol, err)
	}
	trade.ID = id // Update the domain object with the ID
	r.logger.Debug(ctx, "Trade open recorded", map[string]interface{}{"tradeID": id, "symbol": trade.Symbol, "side": trade.Side})
	return id, nil
}

// RecordClose completes the trade identified by id.
func (r *Repository) RecordClose(ctx context.Context, id int64, c domain.TradeClose) error {
	const query = `
	UPDATE trades
	SET exit_price = ?, exit_time = ?, close_reason = ?, pnl = ?, pnl_pct = ?,
	    duration_seconds = CAST(strftime('%s', ?) AS INTEGER) - CAST(strftime('%s', entry_time) AS INTEGER)
	WHERE id = ?`

	exit := c.ExitTime.UTC()
	result, err := r.db.ExecContext(ctx, query,
		c.ExitPrice, exit, c.CloseReason, c.PNL, c.PNLPct, exit, id)
	if err != nil {
		return fmt.Errorf("failed to close trade ID %d: %w: %w", id, ports.ErrUpdateFailed, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for trade ID %d: %w", id, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("trade ID %d not found for close: %w", id, ports.ErrNotFound)
	}
	r.logger.Debug(ctx, "Trade close recorded", map[string]interface{}{"tradeID": id, "pnl": c.PNL, "reason": c.CloseReason})
	return nil
}

// AttachPostCloseKlines stores the candles that followed the close, replacing earlier ones.
func (r *Repository) AttachPostCloseKlines(ctx context.Context, id int64, klines []*domain.Kline) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for trade ID %d: %w", id, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM trades WHERE id = ?`, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to look up trade ID %d: %w: %w", id, ports.ErrQueryFailed, err)
	}
	if exists == 0 {
		return fmt.Errorf("trade ID %d not found for post-close klines: %w", id, ports.ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM post_close_klines WHERE trade_id = ?`, id); err != nil {
		return fmt.Errorf("failed to clear post-close klines for trade ID %d: %w", id, err)
	}
	const insert = `
	INSERT INTO post_close_klines (trade_id, seq, timeframe, open_time, open, high, low, close, volume)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	for i, k := range klines {
		if _, err := tx.ExecContext(ctx, insert, id, i, string(k.Interval), k.OpenTime.UTC(), k.Open, k.High, k.Low, k.Close, k.Volume); err != nil {
			return fmt.Errorf("failed to insert post-close kline %d for trade ID %d: %w: %w", i, id, ports.ErrUpdateFailed, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit post-close klines for trade ID %d: %w", id, err)
	}
	r.logger.Debug(ctx, "Post-close klines attached", map[string]interface{}{"tradeID": id, "count": len(klines)})
	return nil
}

const tradeColumns = `
	id, symbol, side, order_type, entry_price, quantity, leverage, position_pct, stop_loss, take_profit,
	confidence, entry_reason, market_state, entry_time, exit_price, exit_time, close_reason, pnl, pnl_pct`

// RecentClosed returns closed trades with exit time after since, newest first.
// A limit of zero or less returns all of them.
func (r *Repository) RecentClosed(ctx context.Context, since time.Time, limit int) ([]*domain.Trade, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT` + tradeColumns + `
	FROM trades
	WHERE exit_time IS NOT NULL AND exit_time > ?
	ORDER BY exit_time DESC LIMIT ?`
	return r.queryTrades(ctx, "RecentClosed", query, since.UTC(), limit)
}

// FindBySymbol retrieves the most recent trades for a given symbol, up to a limit.
func (r *Repository) FindBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.Trade, error) {
	query := `SELECT` + tradeColumns + `
	FROM trades
	WHERE symbol = ? ORDER BY entry_time DESC LIMIT ?`
	return r.queryTrades(ctx, "FindBySymbol", query, symbol, limit)
}

// FindByID retrieves a trade with its post-close klines. A missing trade returns nil, nil.
func (r *Repository) FindByID(ctx context.Context, id int64) (*domain.Trade, error) {
	trades, err := r.queryTrades(ctx, "FindByID", `SELECT`+tradeColumns+` FROM trades WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		r.logger.Debug(ctx, "Trade not found by ID", map[string]interface{}{"tradeID": id})
		return nil, nil // Not an error, just not found
	}
	trade := trades[0]

	rows, err := r.db.QueryContext(ctx, `
	SELECT timeframe, open_time, open, high, low, close, volume
	FROM post_close_klines WHERE trade_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query post-close klines for trade ID %d: %w: %w", id, ports.ErrQueryFailed, err)
	}
	defer rows.Close()
	for rows.Next() {
		k := &domain.Kline{Symbol: trade.Symbol}
		var tf string
		if err := rows.Scan(&tf, &k.OpenTime, &k.Open, &k.High, &k.Low, &k.Close, &k.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan post-close kline: %w", err)
		}
		k.Interval = domain.Timeframe(tf)
		k.CloseTime = k.OpenTime.Add(k.Interval.Duration())
		k.IsFinal = true
		trade.PostCloseKlines = append(trade.PostCloseKlines, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating post-close kline rows: %w", err)
	}
	return trade, nil
}

// AllClosed returns every closed trade ordered by exit time.
func (r *Repository) AllClosed(ctx context.Context) ([]*domain.Trade, error) {
	query := `SELECT` + tradeColumns + `
	FROM trades WHERE exit_time IS NOT NULL ORDER BY exit_time ASC`
	return r.queryTrades(ctx, "AllClosed", query)
}

// GetTotalProfit calculates the sum of PNL for all closed trades.
func (r *Repository) GetTotalProfit(ctx context.Context) (float64, error) {
	const query = `SELECT COALESCE(SUM(pnl), 0) FROM trades WHERE exit_time IS NOT NULL`
	var totalProfit float64
	err := r.db.QueryRowContext(ctx, query).Scan(&totalProfit)
	if err != nil {
		return 0, fmt.Errorf("failed to calculate total profit: %w: %w", ports.ErrQueryFailed, err)
	}
	return totalProfit, nil
}

func (r *Repository) queryTrades(ctx context.Context, op, query string, args ...interface{}) ([]*domain.Trade, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to query trades: %w: %w", op, ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	trades := make([]*domain.Trade, 0)
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to scan trade: %w", op, err)
		}
		trades = append(trades, trade)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: error iterating trade rows: %w", op, err)
	}
	return trades, nil
}

// --- Helper Scan Functions ---

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanTrade scans a row into a domain.Trade struct.
func scanTrade(s scanner) (*domain.Trade, error) {
	t := &domain.Trade{}
	var side, orderType, tps string
	var exitPrice, pnl, pnlPct sql.NullFloat64
	var exitTime sql.NullTime
	var closeReason sql.NullString
	err := s.Scan(
		&t.ID, &t.Symbol, &side, &orderType, &t.EntryPrice, &t.Quantity, &t.Leverage, &t.PositionPct,
		&t.StopLoss, &tps, &t.Confidence, &t.EntryReason, &t.MarketState, &t.EntryTime,
		&exitPrice, &exitTime, &closeReason, &pnl, &pnlPct)
	if err != nil {
		return nil, err
	}
	t.Side = domain.PositionSide(side)
	t.OrderType = domain.OrderType(orderType)
	if err := json.Unmarshal([]byte(tps), &t.TakeProfit); err != nil {
		return nil, fmt.Errorf("decode take profit of trade %d: %w", t.ID, err)
	}
	if len(t.TakeProfit) == 0 {
		t.TakeProfit = nil
	}
	if exitTime.Valid {
		t.ExitTime = exitTime.Time
	}
	t.ExitPrice = exitPrice.Float64
	t.CloseReason = closeReason.String
	t.PNL = pnl.Float64
	t.PNLPct = pnlPct.Float64
	return t, nil
}

func nonNil(v []float64) []float64 {
	if v == nil {
		return []float64{}
	}
	return v
}

var _ ports.TradeJournal = (*Repository)(nil)
