package statusserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"perpExecBot/internal/app"
	"perpExecBot/internal/ports"
)

// StateSource is anything that can hand out a copy of the engine state.
type StateSource interface {
	Snapshot() app.EngineSnapshot
}

// Config holds the status server settings.
type Config struct {
	Address    string
	StaleAfter time.Duration // /healthz fails when the last iteration is older than this
}

// Server exposes the engine state read-only over HTTP.
type Server struct {
	cfg        Config
	source     StateSource
	logger     ports.Logger
	now        func() time.Time
	httpServer *http.Server
}

// New creates a status server. It returns nil when no address is configured.
func New(cfg Config, source StateSource, logger ports.Logger) *Server {
	if cfg.Address == "" || source == nil {
		return nil
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	return &Server{cfg: cfg, source: source, logger: logger, now: time.Now}
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	gin.SetMode(gin.ReleaseMode)
	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info(ctx, "Status server listening", map[string]interface{}{"address": s.cfg.Address})

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.health)
	router.GET("/status", s.status)
	router.GET("/status/position", s.position)
	router.GET("/status/orders", s.orders)
	router.GET("/status/stats", s.stats)
	return router
}

func (s *Server) health(c *gin.Context) {
	snap := s.source.Snapshot()
	now := s.now()
	stale := !snap.LastIteration.IsZero() && now.Sub(snap.LastIteration) > s.cfg.StaleAfter
	body := gin.H{
		"running":       snap.Running,
		"halted":        snap.Halted,
		"inCooldown":    snap.InCooldown(now),
		"lastIteration": formatTime(snap.LastIteration),
	}
	if !snap.Running || stale {
		body["status"] = "unavailable"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	body["status"] = "ok"
	c.JSON(http.StatusOK, body)
}

func (s *Server) status(c *gin.Context) {
	snap := s.source.Snapshot()
	now := s.now()
	body := gin.H{
		"running":       snap.Running,
		"symbols":       snap.Symbols,
		"balance":       snap.Balance,
		"equity":        snap.Equity,
		"peakBalance":   snap.PeakBalance,
		"halted":        snap.Halted,
		"inCooldown":    snap.InCooldown(now),
		"cooldownUntil": formatTime(snap.CooldownUntil),
		"lastIteration": formatTime(snap.LastIteration),
		"position":      positionView(snap),
		"pendingOrders": ordersView(snap),
		"protection": gin.H{
			"stopLosses":      len(snap.Protection.StopLosses),
			"dailyBaseline":   snap.Protection.DailyBaseline,
			"drawdownAlerted": snap.Protection.DrawdownAlerted,
			"triggers":        snap.Protection.Triggers,
		},
	}
	if d := snap.LastDecision; d != nil {
		body["lastDecision"] = gin.H{
			"action":     d.Action,
			"symbol":     d.Symbol,
			"confidence": d.Confidence,
			"orderType":  d.OrderType,
			"reason":     d.Reason,
		}
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) position(c *gin.Context) {
	snap := s.source.Snapshot()
	if snap.Position == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no open position"})
		return
	}
	c.JSON(http.StatusOK, positionView(snap))
}

func (s *Server) orders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pendingOrders": ordersView(s.source.Snapshot())})
}

func (s *Server) stats(c *gin.Context) {
	st := s.source.Snapshot().Stats
	decisions := make(gin.H, len(st.Decisions))
	for a, n := range st.Decisions {
		decisions[string(a)] = n
	}
	body := gin.H{
		"startedAt":        formatTime(st.StartedAt),
		"iterations":       st.Iterations,
		"failedIterations": st.FailedIterations,
		"policyFailures":   st.PolicyFailures,
		"decisions":        decisions,
		"protectionEvents": st.ProtectionEvents,
		"dailyLossHalts":   st.DailyLossHalts,
		"drawdownAlerts":   st.DrawdownAlerts,
		"maxDrawdownPct":   st.MaxDrawdownPct,
		"lifecycle":        st.Lifecycle,
	}
	if st.Cache != nil {
		body["cache"] = gin.H{
			"hits": st.Cache.Hits, "misses": st.Cache.Misses, "expired": st.Cache.Expired, "hitRate": st.Cache.HitRate(),
		}
	}
	c.JSON(http.StatusOK, body)
}

func positionView(snap app.EngineSnapshot) gin.H {
	p := snap.Position
	if p == nil {
		return nil
	}
	return gin.H{
		"symbol":     p.Symbol,
		"side":       p.Side,
		"entryPrice": p.EntryPrice,
		"quantity":   p.Quantity,
		"leverage":   p.Leverage,
		"stopLoss":   p.StopLoss,
		"takeProfit": p.TakeProfit,
		"openedAt":   formatTime(p.OpenedAt),
		"tradeID":    p.TradeID,
	}
}

func ordersView(snap app.EngineSnapshot) []gin.H {
	out := make([]gin.H, 0, len(snap.PendingOrders))
	for _, o := range snap.PendingOrders {
		out = append(out, gin.H{
			"orderID":   o.OrderID,
			"symbol":    o.Symbol,
			"side":      o.Side,
			"price":     o.Price,
			"quantity":  o.Quantity,
			"stopLoss":  o.StopLoss,
			"createdAt": formatTime(o.CreatedAt),
			"requotes":  o.Requotes,
		})
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
