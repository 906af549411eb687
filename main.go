package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"os"
	"os/signal"
	"syscall"
	"time"

	"perpExecBot/config"
	"perpExecBot/internal/adapters/binanceclient"
	"perpExecBot/internal/adapters/logger"
	"perpExecBot/internal/adapters/policyclient"
	"perpExecBot/internal/adapters/sqlite"
	"perpExecBot/internal/adapters/statusserver"
	"perpExecBot/internal/adapters/venueclient"
	"perpExecBot/internal/app"
	"perpExecBot/internal/domain"
	"perpExecBot/internal/marketdata"
	"perpExecBot/internal/ports"
	"perpExecBot/internal/risk"
	"perpExecBot/internal/strategy"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.New(logger.Config{
		Level:     cfg.LogLevel,
		Format:    cfg.LogFormat,
		File:      cfg.LogFile,
		Component: "engine",
	})
	defer appLogger.Close()
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Initialize Venue Client
	venue, err := venueclient.New(ctx, venueclient.Config{
		APIKey:            cfg.APIKey,
		APISecret:         cfg.SecretKey,
		UseTestnet:        cfg.IsTestnet,
		BaseURL:           cfg.BaseURL,
		Timeout:           cfg.VenueTimeout,
		RequestsPerSecond: cfg.VenueRPS,
		MaxRetries:        cfg.VenueMaxRetries,
		Logger:            appLogger.WithComponent("venue"),
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize venue client")
		log.Fatalf("FATAL: Failed to initialize venue client: %v", err)
	}
	if err := venue.LoadInstruments(ctx, cfg.Symbols); err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to load instrument rules")
		log.Fatalf("FATAL: Failed to load instrument rules: %v", err)
	}
	appLogger.Info(ctx, "Venue client initialized", map[string]interface{}{"symbols": cfg.Symbols})

	// 4. Initialize Reference Feed (Binance Adapter), optional
	var reference ports.ReferenceFeed
	if cfg.ReferenceFeedEnabled {
		feed, err := binanceclient.New(binanceclient.Config{
			UseTestnet: cfg.IsTestnet,
			Logger:     appLogger.WithComponent("reference"),
		})
		if err != nil {
			appLogger.Warn(ctx, "Reference feed unavailable, continuing without it", map[string]interface{}{"error": err.Error()})
		} else {
			reference = feed
			appLogger.Info(ctx, "Reference feed initialized")
		}
	}

	// 5. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger.WithComponent("journal"),
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err) // Also log to stderr
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing database repository")
		}
	}()
	appLogger.Info(ctx, "Database repository initialized")

	// 6. Initialize Policy
	policy, err := newPolicy(cfg, appLogger)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize decision policy")
		log.Fatalf("FATAL: Failed to initialize decision policy: %v", err)
	}
	cached, err := strategy.NewCachedPolicy(policy, strategy.CacheConfig{
		Size:          cfg.DecisionCacheSize,
		TTLSamples:    int64(cfg.DecisionCacheTTLSamples),
		MinConfidence: cfg.DecisionCacheMinConfidence,
	}, appLogger.WithComponent("cache"))
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize decision cache")
		log.Fatalf("FATAL: Failed to initialize decision cache: %v", err)
	}
	appLogger.Info(ctx, "Decision policy initialized", map[string]interface{}{"mode": cfg.PolicyMode})

	// 7. Initialize Market Snapshot Builder
	builder, err := marketdata.NewBuilder(venue, reference, appLogger.WithComponent("marketdata"), marketdata.DefaultConfig())
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize snapshot builder")
		log.Fatalf("FATAL: Failed to initialize snapshot builder: %v", err)
	}

	// 8. Initialize Risk Rules and Order Lifecycle
	guardCfg := risk.DefaultGuardConfig()
	guardCfg.FlashCrashPct = cfg.FlashCrashPct
	guardCfg.VolumeDropPct = cfg.VolumeDropPct
	guardCfg.ATRSurgeRatio = cfg.ATRSurgeRatio
	guardCfg.MultiAssetCrashPct = cfg.MultiAssetCrashPct
	guardCfg.MaxStopsInWindow = cfg.MaxStopsInWindow
	guardCfg.StopWindow = cfg.StopWindow
	guardCfg.MaxDailyLossPct = cfg.MaxDailyLossPct
	guard := risk.NewGuard(guardCfg, time.Now)

	riskCfg := risk.DefaultRiskConfig()
	riskCfg.MinPositionPct = cfg.MinPositionPct
	riskCfg.MaxPositionPct = cfg.MaxPositionPct
	riskCfg.MinLeverage = cfg.MinLeverage
	riskCfg.MaxLeverage = cfg.MaxLeverage
	riskCfg.MinBalance = cfg.MinBalance
	riskManager := risk.NewRiskManager(riskCfg)

	lcCfg := app.DefaultLifecycleConfig()
	lcCfg.DefaultLeverage = cfg.DefaultLeverage
	lcCfg.LimitOrderTimeout = cfg.LimitOrderTimeout
	lcCfg.TrailingDistanceATR = cfg.TrailingDistanceATR
	lcCfg.TrailingTriggerATR = cfg.TrailingTriggerATR
	lifecycle, err := app.NewLifecycle(lcCfg, venue, repo, guard, riskManager, appLogger.WithComponent("lifecycle"), time.Now)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize order lifecycle")
		log.Fatalf("FATAL: Failed to initialize order lifecycle: %v", err)
	}

	// 9. Initialize Application Service
	svcCfg := app.DefaultConfig()
	svcCfg.Symbols = cfg.Symbols
	svcCfg.Interval = cfg.TradingInterval
	svcCfg.WatchdogInterval = cfg.TrailingCheckInterval
	svcCfg.UseTrailingStop = cfg.UseTrailingStop
	svcCfg.ProtectionCooldown = cfg.ProtectionCooldown
	svcCfg.DrawdownAlertPct = cfg.DrawdownAlertPct
	svcCfg.CloseOnShutdown = cfg.CloseOnShutdown
	tradingService, err := app.NewTradingService(svcCfg, app.Dependencies{
		Logger:    appLogger,
		Exchange:  venue,
		Market:    builder,
		Policy:    cached,
		Journal:   repo,
		Guard:     guard,
		Lifecycle: lifecycle,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize trading service")
		log.Fatalf("FATAL: Failed to initialize trading service: %v", err)
	}
	appLogger.Info(ctx, "Trading service initialized")

	// 10. Start the Status Server, optional
	status := statusserver.New(statusserver.Config{
		Address:    cfg.StatusAddr,
		StaleAfter: 3 * cfg.TradingInterval,
	}, tradingService, appLogger.WithComponent("status"))
	go func() {
		if err := status.Run(ctx); err != nil {
			appLogger.Error(ctx, err, "Status server stopped")
		}
	}()

	// 11. Start the Service; it returns once a signal cancels ctx.
	if err := tradingService.Run(ctx); err != nil {
		appLogger.Error(context.Background(), err, "Trading service exited with error")
		log.Fatalf("FATAL: Trading service exited with error: %v", err)
	}

	appLogger.Info(context.Background(), "Application finished gracefully.")
}

// newPolicy returns the rule-based policy or the HTTP policy client.
func newPolicy(cfg *config.Config, appLogger *logger.Logger) (ports.Policy, error) {
	if cfg.PolicyMode == config.PolicyHTTP {
		client, err := policyclient.New(policyclient.Config{
			BaseURL:    cfg.PolicyURL,
			APIKey:     cfg.PolicyAPIKey,
			Timeout:    cfg.PolicyTimeout,
			RetryCount: 2,
			Defaults:   domain.DecisionDefaults{PositionSizePct: 0.10, Leverage: cfg.DefaultLeverage},
			Logger:     appLogger.WithComponent("policy"),
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	rulesCfg := strategy.DefaultConfig()
	if rulesCfg.Leverage > cfg.MaxLeverage {
		rulesCfg.Leverage = cfg.MaxLeverage
	}
	rules, err := strategy.New(rulesCfg, appLogger.WithComponent("rules"))
	if err != nil {
		return nil, err
	}
	return rules, nil
}
