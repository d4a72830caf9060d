// Package config loads engine configuration from the process environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds the immutable-per-cycle settings the engine is started with.
type Config struct {
	Symbol  string
	Debug   bool
	Testnet bool

	UnitSize         decimal.Decimal
	PositionNotional decimal.Decimal
	Leverage         int
	LeverageLadder   []int

	AuditInterval      time.Duration
	AuditFollowUp      time.Duration
	RPCTimeout         time.Duration
	CancelRetryBase    time.Duration
	DataGapUnits       int
	OperatingRangeLow  int
	OperatingRangeHigh int

	TelegramToken  string
	TelegramChatID int64

	DatabasePath string

	VenueBaseURL   string
	VenueWSURL     string
	VenueAPIKey    string
	VenueAPISecret string
	VenuePassword  string
	ConditionalBuy bool
	DryRun         bool

	RateLimitOrdersPerSec  float64
	RateLimitOrdersBurst   float64
	RateLimitCancelsPerSec float64
	RateLimitCancelsBurst  float64
}

// Load builds a Config from the environment, mirroring the defaults-with-
// override pattern used throughout this codebase's env readers.
func Load() (*Config, error) {
	cfg := &Config{
		Symbol:  getEnv("SYMBOL", "BTC-PERP"),
		Debug:   getEnvBool("DEBUG", false),
		Testnet: getEnvBool("USE_TESTNET", false),

		UnitSize:         getEnvDecimal("UNIT_SIZE", decimal.NewFromFloat(0.10)),
		PositionNotional: getEnvDecimal("POSITION_NOTIONAL", decimal.NewFromFloat(1000)),
		Leverage:         getEnvInt("LEVERAGE", 20),
		LeverageLadder:   []int{20, 10, 5, 3, 1},

		AuditInterval:   getEnvDuration("AUDIT_INTERVAL", 2*time.Minute),
		AuditFollowUp:   getEnvDuration("AUDIT_FOLLOWUP_DELAY", 30*time.Second),
		RPCTimeout:      getEnvDuration("RPC_TIMEOUT", 5*time.Second),
		CancelRetryBase: getEnvDuration("CANCEL_RETRY_BASE", 500*time.Millisecond),
		DataGapUnits:    getEnvInt("DATA_GAP_WARN_UNITS", 8),

		OperatingRangeLow:  getEnvInt("OPERATING_RANGE_LOW", -10),
		OperatingRangeHigh: getEnvInt("OPERATING_RANGE_HIGH", 10),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		DatabasePath: getEnv("DATABASE_PATH", "data/gridengine.db"),

		VenueBaseURL:   getEnv("VENUE_BASE_URL", "https://api.exchange.example/v1"),
		VenueWSURL:     getEnv("VENUE_WS_URL", "wss://stream.exchange.example/v1"),
		VenueAPIKey:    os.Getenv("VENUE_API_KEY"),
		VenueAPISecret: os.Getenv("VENUE_API_SECRET"),
		VenuePassword:  os.Getenv("VENUE_API_PASSPHRASE"),
		ConditionalBuy: getEnvBool("VENUE_CONDITIONAL_BUY", false),
		DryRun:         getEnvBool("DRY_RUN", false),

		RateLimitOrdersPerSec:  getEnvFloat("RATE_LIMIT_ORDERS_PER_SEC", 10),
		RateLimitOrdersBurst:   getEnvFloat("RATE_LIMIT_ORDERS_BURST", 20),
		RateLimitCancelsPerSec: getEnvFloat("RATE_LIMIT_CANCELS_PER_SEC", 10),
		RateLimitCancelsBurst:  getEnvFloat("RATE_LIMIT_CANCELS_BURST", 20),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if cfg.UnitSize.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("UNIT_SIZE must be positive, got %s", cfg.UnitSize)
	}
	if cfg.PositionNotional.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("POSITION_NOTIONAL must be positive, got %s", cfg.PositionNotional)
	}
	if cfg.OperatingRangeLow >= cfg.OperatingRangeHigh {
		return nil, fmt.Errorf("OPERATING_RANGE_LOW must be less than OPERATING_RANGE_HIGH")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
