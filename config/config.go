package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"perpExecBot/internal/adapters/logger"
)

// Policy modes.
const (
	PolicyRules = "rules"
	PolicyHTTP  = "http"
)

// Config holds all application configuration.
type Config struct {
	// Venue API
	APIKey    string
	SecretKey string
	IsTestnet bool
	BaseURL   string

	// Venue transport
	VenueTimeout    time.Duration
	VenueRPS        float64
	VenueMaxRetries int

	// Trading loop
	Symbols         []string
	TradingInterval time.Duration
	CloseOnShutdown bool

	// Order-level risk bounds
	MinPositionPct  float64
	MaxPositionPct  float64
	MinLeverage     int
	MaxLeverage     int
	DefaultLeverage int
	MinBalance      float64

	// Trailing stop
	UseTrailingStop       bool
	TrailingDistanceATR   float64
	TrailingTriggerATR    float64
	TrailingCheckInterval time.Duration

	LimitOrderTimeout time.Duration

	// Market protection
	ProtectionCooldown time.Duration
	FlashCrashPct      float64
	VolumeDropPct      float64
	ATRSurgeRatio      float64
	MultiAssetCrashPct float64
	MaxStopsInWindow   int
	StopWindow         time.Duration
	MaxDailyLossPct    float64
	DrawdownAlertPct   float64

	// Policy
	PolicyMode    string
	PolicyURL     string
	PolicyAPIKey  string
	PolicyTimeout time.Duration

	// Decision cache
	DecisionCacheSize          int
	DecisionCacheTTLSamples    int
	DecisionCacheMinConfidence float64

	ReferenceFeedEnabled bool

	// Database
	DBPath string

	StatusAddr string

	// Logging
	LogLevel  logger.LogLevel
	LogFormat string
	LogFile   string
}

// LoadConfig loads configuration from the environment. A .env file and a YAML file named
// by CONFIG_FILE may supply values; variables already set in the environment win.
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	var errs []string // Collect validation errors
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := applyYAML(path); err != nil {
			errs = append(errs, err.Error())
		}
	}

	cfg := &Config{}
	var err error

	// Venue API
	cfg.APIKey = getEnv("VENUE_API_KEY", "")
	cfg.SecretKey = getEnv("VENUE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("VENUE_TESTNET", true) // Default to testnet for safety
	cfg.BaseURL = getEnv("VENUE_BASE_URL", "")
	if cfg.APIKey == "" {
		errs = append(errs, "VENUE_API_KEY must be set")
	}
	if cfg.SecretKey == "" {
		errs = append(errs, "VENUE_API_SECRET must be set")
	}

	if cfg.VenueTimeout, err = getEnvAsDurationRequired("VENUE_TIMEOUT", 10*time.Second); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.VenueRPS, err = getEnvAsFloatRequired("VENUE_RPS", 10); err != nil {
		errs = append(errs, err.Error())
	} else if cfg.VenueRPS <= 0 {
		errs = append(errs, "VENUE_RPS must be positive")
	}
	if cfg.VenueMaxRetries, err = getEnvAsIntRequired("VENUE_MAX_RETRIES", 2); err != nil {
		errs = append(errs, err.Error())
	} else if cfg.VenueMaxRetries < 0 {
		errs = append(errs, "VENUE_MAX_RETRIES cannot be negative")
	}

	// Trading loop
	cfg.Symbols = getEnvAsList("SYMBOLS", []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"})
	if len(cfg.Symbols) == 0 {
		errs = append(errs, "SYMBOLS must name at least one symbol")
	}
	if cfg.TradingInterval, err = getEnvAsDurationRequired("TRADING_INTERVAL", 180*time.Second); err != nil {
		errs = append(errs, err.Error())
	} else if cfg.TradingInterval <= 0 {
		errs = append(errs, "TRADING_INTERVAL must be positive")
	}
	cfg.CloseOnShutdown = getEnvAsBool("CLOSE_ON_SHUTDOWN", false)

	// Risk bounds
	if cfg.MinPositionPct, err = getEnvAsFloatRequired("MIN_POSITION_PCT", 0.03); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.MaxPositionPct, err = getEnvAsFloatRequired("MAX_POSITION_PCT", 0.30); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.MinPositionPct <= 0 || cfg.MaxPositionPct > 1 || cfg.MinPositionPct > cfg.MaxPositionPct {
		errs = append(errs, "position size bounds must satisfy 0 < MIN_POSITION_PCT <= MAX_POSITION_PCT <= 1")
	}
	if cfg.MinLeverage, err = getEnvAsIntRequired("MIN_LEVERAGE", 1); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.MaxLeverage, err = getEnvAsIntRequired("MAX_LEVERAGE", 15); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.DefaultLeverage, err = getEnvAsIntRequired("DEFAULT_LEVERAGE", 15); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.MinLeverage < 1 || cfg.MinLeverage > cfg.MaxLeverage {
		errs = append(errs, "leverage bounds must satisfy 1 <= MIN_LEVERAGE <= MAX_LEVERAGE")
	} else if cfg.DefaultLeverage < cfg.MinLeverage || cfg.DefaultLeverage > cfg.MaxLeverage {
		errs = append(errs, "DEFAULT_LEVERAGE must lie within the leverage bounds")
	}
	if cfg.MinBalance, err = getEnvAsFloatRequired("MIN_BALANCE", 10); err != nil {
		errs = append(errs, err.Error())
	} else if cfg.MinBalance < 0 {
		errs = append(errs, "MIN_BALANCE cannot be negative")
	}

	// Trailing stop
	cfg.UseTrailingStop = getEnvAsBool("USE_TRAILING_STOP", true)
	if cfg.TrailingDistanceATR, err = getEnvAsFloatRequired("TRAILING_DISTANCE_ATR", 1.5); err != nil {
		errs = append(errs, err.Error())
	} else if cfg.TrailingDistanceATR <= 0 {
		errs = append(errs, "TRAILING_DISTANCE_ATR must be positive")
	}
	if cfg.TrailingTriggerATR, err = getEnvAsFloatRequired("TRAILING_TRIGGER_ATR", 1.0); err != nil {
		errs = append(errs, err.Error())
	} else if cfg.TrailingTriggerATR < 0 {
		errs = append(errs, "TRAILING_TRIGGER_ATR cannot be negative")
	}
	if cfg.TrailingCheckInterval, err = getEnvAsDurationRequired("TRAILING_CHECK_INTERVAL", 60*time.Second); err != nil {
		errs = append(errs, err.Error())
	} else if cfg.TrailingCheckInterval <= 0 {
		errs = append(errs, "TRAILING_CHECK_INTERVAL must be positive")
	}

	if cfg.LimitOrderTimeout, err = getEnvAsDurationRequired("LIMIT_ORDER_TIMEOUT", 300*time.Second); err != nil {
		errs = append(errs, err.Error())
	} else if cfg.LimitOrderTimeout <= 0 {
		errs = append(errs, "LIMIT_ORDER_TIMEOUT must be positive")
	}

	// Market protection
	if cfg.ProtectionCooldown, err = getEnvAsDurationRequired("PROTECTION_COOLDOWN", 600*time.Second); err != nil {
		errs = append(errs, err.Error())
	} else if cfg.ProtectionCooldown < 0 {
		errs = append(errs, "PROTECTION_COOLDOWN cannot be negative")
	}
	fractions := []struct {
		key  string
		def  float64
		dest *float64
	}{
		{"FLASH_CRASH_PCT", 0.08, &cfg.FlashCrashPct},
		{"VOLUME_DROP_PCT", 0.70, &cfg.VolumeDropPct},
		{"MULTI_ASSET_CRASH_PCT", 0.05, &cfg.MultiAssetCrashPct},
	}
	for _, f := range fractions {
		v, err := getEnvAsFloatRequired(f.key, f.def)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		if v <= 0 || v >= 1 {
			errs = append(errs, fmt.Sprintf("%s must be between 0.0 and 1.0 (exclusive)", f.key))
		}
		*f.dest = v
	}
	if cfg.ATRSurgeRatio, err = getEnvAsFloatRequired("ATR_SURGE_RATIO", 1.5); err != nil {
		errs = append(errs, err.Error())
	} else if cfg.ATRSurgeRatio <= 1 {
		errs = append(errs, "ATR_SURGE_RATIO must be greater than 1")
	}
	if cfg.MaxStopsInWindow, err = getEnvAsIntRequired("MAX_STOPS_IN_WINDOW", 3); err != nil {
		errs = append(errs, err.Error())
	} else if cfg.MaxStopsInWindow <= 0 {
		errs = append(errs, "MAX_STOPS_IN_WINDOW must be positive")
	}
	if cfg.StopWindow, err = getEnvAsDurationRequired("STOP_WINDOW", 4*time.Hour); err != nil {
		errs = append(errs, err.Error())
	} else if cfg.StopWindow <= 0 {
		errs = append(errs, "STOP_WINDOW must be positive")
	}
	if cfg.MaxDailyLossPct, err = getEnvAsFloatRequired("MAX_DAILY_LOSS_PCT", 15); err != nil {
		errs = append(errs, err.Error())
	} else if cfg.MaxDailyLossPct <= 0 || cfg.MaxDailyLossPct > 100 {
		errs = append(errs, "MAX_DAILY_LOSS_PCT must be between 0 and 100")
	}
	if cfg.DrawdownAlertPct, err = getEnvAsFloatRequired("DRAWDOWN_ALERT_PCT", 10); err != nil {
		errs = append(errs, err.Error())
	} else if cfg.DrawdownAlertPct <= 0 || cfg.DrawdownAlertPct > 100 {
		errs = append(errs, "DRAWDOWN_ALERT_PCT must be between 0 and 100")
	}

	// Policy
	cfg.PolicyMode = strings.ToLower(getEnv("POLICY_MODE", PolicyRules))
	cfg.PolicyURL = getEnv("POLICY_URL", "")
	cfg.PolicyAPIKey = getEnv("POLICY_API_KEY", "")
	switch cfg.PolicyMode {
	case PolicyRules:
	case PolicyHTTP:
		if cfg.PolicyURL == "" {
			errs = append(errs, "POLICY_URL must be set when POLICY_MODE is http")
		}
	default:
		errs = append(errs, fmt.Sprintf("POLICY_MODE must be %q or %q", PolicyRules, PolicyHTTP))
	}
	if cfg.PolicyTimeout, err = getEnvAsDurationRequired("POLICY_TIMEOUT", 60*time.Second); err != nil {
		errs = append(errs, err.Error())
	} else if cfg.PolicyTimeout <= 0 {
		errs = append(errs, "POLICY_TIMEOUT must be positive")
	}

	// Decision cache
	cfg.DecisionCacheSize = getEnvAsInt("DECISION_CACHE_SIZE", 100)
	cfg.DecisionCacheTTLSamples = getEnvAsInt("DECISION_CACHE_TTL_SAMPLES", 4)
	cfg.DecisionCacheMinConfidence = getEnvAsFloat("DECISION_CACHE_MIN_CONFIDENCE", 70)
	if cfg.DecisionCacheSize <= 0 || cfg.DecisionCacheTTLSamples <= 0 {
		errs = append(errs, "DECISION_CACHE_SIZE and DECISION_CACHE_TTL_SAMPLES must be positive")
	}

	cfg.ReferenceFeedEnabled = getEnvAsBool("REFERENCE_FEED_ENABLED", false)

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/journal.db")

	cfg.StatusAddr = getEnv("STATUS_ADDR", "")

	// Logging
	cfg.LogLevel = logger.ParseLevel(getEnv("LOG_LEVEL", "INFO"))
	cfg.LogFormat = strings.ToLower(getEnv("LOG_FORMAT", "text"))
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		errs = append(errs, "LOG_FORMAT must be text or json")
	}
	cfg.LogFile = getEnv("LOG_FILE", "")

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// applyYAML exports the keys of a flat YAML file as environment variables unless they
// already hold a value. Lists become comma-separated values.
func applyYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read CONFIG_FILE %s: %w", path, err)
	}
	values := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("failed to parse CONFIG_FILE %s: %w", path, err)
	}
	for k, v := range values {
		key := strings.ToUpper(k)
		if os.Getenv(key) != "" {
			continue
		}
		var s string
		switch val := v.(type) {
		case []interface{}:
			parts := make([]string, 0, len(val))
			for _, p := range val {
				parts = append(parts, fmt.Sprint(p))
			}
			s = strings.Join(parts, ",")
		case nil:
			continue
		default:
			s = fmt.Sprint(val)
		}
		if err := os.Setenv(key, s); err != nil {
			return fmt.Errorf("failed to apply %s from CONFIG_FILE: %w", key, err)
		}
	}
	return nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Return error if env var is set but invalid
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDurationRequired accepts Go durations ("90s", "4h") or a bare number of seconds.
func getEnvAsDurationRequired(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := strings.TrimSpace(os.Getenv(key))
	if valueStr == "" {
		return defaultValue, nil
	}
	if secs, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid duration value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if p := strings.ToUpper(strings.TrimSpace(part)); p != "" {
			out = append(out, p)
		}
	}
	return out
}
