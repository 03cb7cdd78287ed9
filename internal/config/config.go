// Package config loads engine settings from a YAML file and environment
// variables. Environment variables win, prefixed RISKENGINE_ with dots
// replaced by underscores (RISKENGINE_HTTP_ADDR overrides http.addr).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/papermarkets/riskengine/internal/margin"
	"github.com/papermarkets/riskengine/internal/monitor"
	"github.com/papermarkets/riskengine/internal/volatility"
)

type Config struct {
	Environment string           `mapstructure:"environment"`
	Log         LogConfig        `mapstructure:"log"`
	HTTP        HTTPConfig       `mapstructure:"http"`
	Database    DatabaseConfig   `mapstructure:"database"`
	Redis       RedisConfig      `mapstructure:"redis"`
	MarketData  MarketDataConfig `mapstructure:"marketdata"`
	Volatility  VolatilityConfig `mapstructure:"volatility"`
	Margin      MarginConfig     `mapstructure:"margin"`
	Ledger      LedgerConfig     `mapstructure:"ledger"`
	Monitor     MonitorConfig    `mapstructure:"monitor"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type RedisConfig struct {
	// Enabled turns on the shared quote cache. Off, each instance caches
	// nothing and every price read hits the sidecar.
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MarketDataConfig struct {
	SidecarURL string        `mapstructure:"sidecar_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	QuoteTTL   time.Duration `mapstructure:"quote_ttl"`
}

type VolatilityConfig struct {
	Default             float64       `mapstructure:"default"`
	Min                 float64       `mapstructure:"min"`
	Max                 float64       `mapstructure:"max"`
	MinCoverage         float64       `mapstructure:"min_coverage"`
	DefaultRiskFreeRate float64       `mapstructure:"default_risk_free_rate"`
	MaxDividendYield    float64       `mapstructure:"max_dividend_yield"`
	VolatilityTTL       time.Duration `mapstructure:"volatility_ttl"`
	DividendTTL         time.Duration `mapstructure:"dividend_ttl"`
	RateTTL             time.Duration `mapstructure:"rate_ttl"`
}

type MarginConfig struct {
	InitialRatio         float64 `mapstructure:"initial_ratio"`
	MaintenanceRatio     float64 `mapstructure:"maintenance_ratio"`
	WarningThreshold     float64 `mapstructure:"warning_threshold"`
	CallThreshold        float64 `mapstructure:"call_threshold"`
	LiquidationThreshold float64 `mapstructure:"liquidation_threshold"`
}

type LedgerConfig struct {
	InitialCash float64 `mapstructure:"initial_cash"`
}

type MonitorConfig struct {
	MarginInterval     time.Duration `mapstructure:"margin_interval"`
	ExpirationInterval time.Duration `mapstructure:"expiration_interval"`
}

// Load reads the config file at path (skipped when missing), applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("RISKENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("config: reading %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log.level", "info")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 15*time.Second)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "riskengine.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("marketdata.sidecar_url", "http://localhost:5001")
	v.SetDefault("marketdata.timeout", 10*time.Second)
	v.SetDefault("marketdata.quote_ttl", 5*time.Minute)

	vd := volatility.Defaults()
	v.SetDefault("volatility.default", vd.DefaultVolatility)
	v.SetDefault("volatility.min", vd.MinVolatility)
	v.SetDefault("volatility.max", vd.MaxVolatility)
	v.SetDefault("volatility.min_coverage", vd.MinCoverage)
	v.SetDefault("volatility.default_risk_free_rate", vd.DefaultRiskFreeRate)
	v.SetDefault("volatility.max_dividend_yield", vd.MaxDividendYield)
	v.SetDefault("volatility.volatility_ttl", vd.VolatilityTTL)
	v.SetDefault("volatility.dividend_ttl", vd.DividendTTL)
	v.SetDefault("volatility.rate_ttl", vd.RateTTL)

	tiers, thresholds := margin.DefaultTiers(), margin.DefaultThresholds()
	v.SetDefault("margin.initial_ratio", tiers.Initial)
	v.SetDefault("margin.maintenance_ratio", tiers.Maintenance)
	v.SetDefault("margin.warning_threshold", thresholds.Warning)
	v.SetDefault("margin.call_threshold", thresholds.Call)
	v.SetDefault("margin.liquidation_threshold", thresholds.Liquidation)

	v.SetDefault("ledger.initial_cash", 100_000)

	mc := monitor.DefaultConfig()
	v.SetDefault("monitor.margin_interval", mc.MarginInterval)
	v.SetDefault("monitor.expiration_interval", mc.ExpirationInterval)
}

func (c *Config) Validate() error {
	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return fmt.Errorf("config: unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("config: database.dsn is required")
	}
	if c.MarketData.SidecarURL == "" {
		return fmt.Errorf("config: marketdata.sidecar_url is required")
	}

	m := c.Margin
	if m.InitialRatio <= 0 || m.InitialRatio > 1 {
		return fmt.Errorf("config: margin.initial_ratio must be in (0, 1]")
	}
	if m.MaintenanceRatio <= 0 || m.MaintenanceRatio >= m.InitialRatio {
		return fmt.Errorf("config: margin.maintenance_ratio must be in (0, initial_ratio)")
	}
	if !(m.WarningThreshold > m.CallThreshold && m.CallThreshold > m.LiquidationThreshold) {
		return fmt.Errorf("config: margin thresholds must descend warning > call > liquidation")
	}
	if m.LiquidationThreshold <= 0 {
		return fmt.Errorf("config: margin.liquidation_threshold must be positive")
	}

	vo := c.Volatility
	if vo.Min <= 0 || vo.Max <= vo.Min {
		return fmt.Errorf("config: volatility bounds must satisfy 0 < min < max")
	}
	if vo.MinCoverage <= 0 || vo.MinCoverage > 1 {
		return fmt.Errorf("config: volatility.min_coverage must be in (0, 1]")
	}

	if c.Monitor.MarginInterval <= 0 || c.Monitor.ExpirationInterval <= 0 {
		return fmt.Errorf("config: monitor intervals must be positive")
	}
	if c.Ledger.InitialCash <= 0 {
		return fmt.Errorf("config: ledger.initial_cash must be positive")
	}
	return nil
}

// Tiers returns the margin tier settings as the calculator consumes them.
func (c *Config) Tiers() margin.Tiers {
	return margin.Tiers{Initial: c.Margin.InitialRatio, Maintenance: c.Margin.MaintenanceRatio}
}

// Thresholds returns the equity-ratio trigger levels.
func (c *Config) Thresholds() margin.Thresholds {
	return margin.Thresholds{
		Warning:     c.Margin.WarningThreshold,
		Call:        c.Margin.CallThreshold,
		Liquidation: c.Margin.LiquidationThreshold,
	}
}

// EstimatorConfig returns the volatility estimator settings.
func (c *Config) EstimatorConfig() volatility.Config {
	return volatility.Config{
		DefaultVolatility:   c.Volatility.Default,
		MinVolatility:       c.Volatility.Min,
		MaxVolatility:       c.Volatility.Max,
		MinCoverage:         c.Volatility.MinCoverage,
		DefaultRiskFreeRate: c.Volatility.DefaultRiskFreeRate,
		MaxDividendYield:    c.Volatility.MaxDividendYield,
		VolatilityTTL:       c.Volatility.VolatilityTTL,
		DividendTTL:         c.Volatility.DividendTTL,
		RateTTL:             c.Volatility.RateTTL,
	}
}

// SweepConfig returns the sweep cadence.
func (c *Config) SweepConfig() monitor.Config {
	return monitor.Config{
		MarginInterval:     c.Monitor.MarginInterval,
		ExpirationInterval: c.Monitor.ExpirationInterval,
	}
}
