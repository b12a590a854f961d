// Package config loads server settings.
//
// Sources, lowest precedence first: built-in defaults, an optional YAML
// file named by CONFIG_FILE, a .env file, and the process environment.
// Every source uses the same keys (PORT, FEE_RATE, ...); YAML keys are
// case-insensitive.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the server configuration.
type Config struct {
	Port     string
	LogLevel slog.Level

	DatabaseURL string
	RedisURL    string
	PebblePath  string
	CacheTTL    time.Duration

	OracleURL          string
	OraclePollInterval time.Duration
	OracleMaxStaleness time.Duration
	// OracleStaticPrice, when positive, replaces the HTTP oracle with a
	// fixed price.
	OracleStaticPrice decimal.Decimal

	FeeRate             decimal.Decimal
	MaxPriceDeviation   decimal.Decimal
	AllowedLeverage     []int
	InitialBalance      int64
	LiquidationInterval time.Duration

	CORSOrigins []string
}

// keys lists every recognised setting.
var keys = []string{
	"PORT", "LOG_LEVEL",
	"DATABASE_URL", "REDIS_URL", "PEBBLE_PATH", "CACHE_TTL",
	"ORACLE_URL", "ORACLE_POLL_INTERVAL", "ORACLE_MAX_STALENESS", "ORACLE_STATIC_PRICE",
	"FEE_RATE", "MAX_PRICE_DEVIATION", "ALLOWED_LEVERAGE", "INITIAL_BALANCE",
	"LIQUIDATION_INTERVAL", "CORS_ORIGINS",
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:                "8080",
		LogLevel:            slog.LevelInfo,
		CacheTTL:            30 * time.Second,
		OracleURL:           "https://api.coingecko.com/api/v3/simple/price?ids=ethereum&vs_currencies=usd",
		OraclePollInterval:  30 * time.Second,
		OracleMaxStaleness:  2 * time.Minute,
		FeeRate:             decimal.NewFromFloat(0.01),
		MaxPriceDeviation:   decimal.NewFromFloat(0.005),
		AllowedLeverage:     []int{1, 10, 100},
		InitialBalance:      1_000_000,
		LiquidationInterval: 0,
		CORSOrigins:         []string{"*"},
	}
}

// Load builds the configuration. envPath names the .env file; empty means
// ".env" in the working directory. A missing .env file is not an error.
func Load(envPath string) (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	// godotenv never overrides variables already set in the environment.
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok && v != "" {
			if err := cfg.set(k, v); err != nil {
				return nil, err
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var values map[string]string
	if err := yaml.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	for k, v := range values {
		if err := c.set(strings.ToUpper(k), v); err != nil {
			return fmt.Errorf("config file %s: %w", path, err)
		}
	}
	return nil
}

func (c *Config) set(key, val string) error {
	val = strings.TrimSpace(val)
	var err error
	switch key {
	case "PORT":
		c.Port = val
	case "LOG_LEVEL":
		err = c.LogLevel.UnmarshalText([]byte(val))
	case "DATABASE_URL":
		c.DatabaseURL = val
	case "REDIS_URL":
		c.RedisURL = val
	case "PEBBLE_PATH":
		c.PebblePath = val
	case "CACHE_TTL":
		c.CacheTTL, err = time.ParseDuration(val)
	case "ORACLE_URL":
		c.OracleURL = val
	case "ORACLE_POLL_INTERVAL":
		c.OraclePollInterval, err = time.ParseDuration(val)
	case "ORACLE_MAX_STALENESS":
		c.OracleMaxStaleness, err = time.ParseDuration(val)
	case "ORACLE_STATIC_PRICE":
		c.OracleStaticPrice, err = decimal.NewFromString(val)
	case "FEE_RATE":
		c.FeeRate, err = decimal.NewFromString(val)
	case "MAX_PRICE_DEVIATION":
		c.MaxPriceDeviation, err = decimal.NewFromString(val)
	case "ALLOWED_LEVERAGE":
		c.AllowedLeverage, err = parseInts(val)
	case "INITIAL_BALANCE":
		c.InitialBalance, err = strconv.ParseInt(val, 10, 64)
	case "LIQUIDATION_INTERVAL":
		c.LiquidationInterval, err = time.ParseDuration(val)
	case "CORS_ORIGINS":
		c.CORSOrigins = splitList(val)
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
	if err != nil {
		return fmt.Errorf("%s=%q: %w", key, val, err)
	}
	return nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if p, err := strconv.Atoi(c.Port); err != nil || p <= 0 || p > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be 1-65535, got %q", c.Port))
	}
	if c.FeeRate.IsNegative() || c.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Errorf("FEE_RATE must be in [0, 1), got %s", c.FeeRate))
	}
	if !c.MaxPriceDeviation.IsPositive() || c.MaxPriceDeviation.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Errorf("MAX_PRICE_DEVIATION must be in (0, 1), got %s", c.MaxPriceDeviation))
	}
	if len(c.AllowedLeverage) == 0 {
		errs = append(errs, errors.New("ALLOWED_LEVERAGE must not be empty"))
	}
	if slices.ContainsFunc(c.AllowedLeverage, func(l int) bool { return l < 1 }) {
		errs = append(errs, fmt.Errorf("ALLOWED_LEVERAGE values must be >= 1, got %v", c.AllowedLeverage))
	}
	if c.InitialBalance <= 0 {
		errs = append(errs, fmt.Errorf("INITIAL_BALANCE must be positive, got %d", c.InitialBalance))
	}
	if c.CacheTTL < 0 || c.LiquidationInterval < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if c.OracleStaticPrice.IsNegative() {
		errs = append(errs, fmt.Errorf("ORACLE_STATIC_PRICE must not be negative, got %s", c.OracleStaticPrice))
	}
	if !c.OracleStaticPrice.IsPositive() {
		if c.OracleURL == "" {
			errs = append(errs, errors.New("ORACLE_URL is required without ORACLE_STATIC_PRICE"))
		}
		if c.OraclePollInterval <= 0 || c.OracleMaxStaleness <= 0 {
			errs = append(errs, errors.New("ORACLE_POLL_INTERVAL and ORACLE_MAX_STALENESS must be positive"))
		}
	}
	return errors.Join(errs...)
}

func parseInts(s string) ([]int, error) {
	var out []int
	for _, f := range splitList(s) {
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
