// Package volatility estimates the market parameters the pricing model
// needs: historical volatility, dividend yield and the risk-free rate.
// Every estimate degrades to a documented default when upstream data is
// missing; pricing must always get a number.
package volatility

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/papermarkets/riskengine/internal/clock"
	"github.com/papermarkets/riskengine/internal/marketdata"
)

const tradingDaysPerYear = 252

// Config holds the estimator defaults and bounds. Defaults() matches the
// production configuration.
type Config struct {
	DefaultVolatility   float64       // sector fallback when history is too thin
	MinVolatility       float64       // clamp floor
	MaxVolatility       float64       // clamp ceiling
	MinCoverage         float64       // required fraction of the lookback window
	DefaultRiskFreeRate float64       // fallback when the treasury lookup fails
	MaxDividendYield    float64       // derived yields are capped here
	VolatilityTTL       time.Duration // per (symbol, lookback)
	DividendTTL         time.Duration // per symbol
	RateTTL             time.Duration // per horizon
}

func Defaults() Config {
	return Config{
		DefaultVolatility:   0.30,
		MinVolatility:       0.05,
		MaxVolatility:       2.00,
		MinCoverage:         0.70,
		DefaultRiskFreeRate: 0.05,
		MaxDividendYield:    0.20,
		VolatilityTTL:       24 * time.Hour,
		DividendTTL:         7 * 24 * time.Hour,
		RateTTL:             24 * time.Hour,
	}
}

type volKey struct {
	symbol       string
	lookbackDays int
}

// Estimator computes and caches volatility, dividend yield and risk-free
// rate. Safe for concurrent use.
type Estimator struct {
	provider marketdata.Provider
	cfg      Config
	clock    clock.Clock
	logger   *zap.Logger

	volCache  *ttlCache[volKey, float64]
	divCache  *ttlCache[string, float64]
	rateCache *ttlCache[int, float64]
}

func NewEstimator(provider marketdata.Provider, cfg Config, clk clock.Clock, logger *zap.Logger) *Estimator {
	return &Estimator{
		provider:  provider,
		cfg:       cfg,
		clock:     clk,
		logger:    logger,
		volCache:  newTTLCache[volKey, float64](cfg.VolatilityTTL, clk),
		divCache:  newTTLCache[string, float64](cfg.DividendTTL, clk),
		rateCache: newTTLCache[int, float64](cfg.RateTTL, clk),
	}
}

// HistoricalVolatility returns the annualized volatility of daily log
// returns over the lookback window, clamped to the configured bounds.
// Windows with less than MinCoverage of the requested days use the sector
// default instead of a noisy estimate.
func (e *Estimator) HistoricalVolatility(ctx context.Context, symbol string, lookbackDays int) float64 {
	key := volKey{symbol: symbol, lookbackDays: lookbackDays}
	if vol, ok := e.volCache.get(key); ok {
		return vol
	}

	vol := e.computeVolatility(ctx, symbol, lookbackDays)
	e.volCache.set(key, vol)
	return vol
}

func (e *Estimator) computeVolatility(ctx context.Context, symbol string, lookbackDays int) float64 {
	closes, err := e.provider.HistoricalCloses(ctx, symbol, lookbackDays)
	if err != nil {
		e.logger.Warn("historical closes unavailable, using sector default volatility",
			zap.String("symbol", symbol), zap.Error(err))
		return e.cfg.DefaultVolatility
	}

	// Lookback days are calendar days; only ~252/365 of them are sessions.
	expected := float64(lookbackDays) * tradingDaysPerYear / 365.0
	if float64(len(closes)) < e.cfg.MinCoverage*expected || len(closes) < 2 {
		e.logger.Warn("insufficient price history, using sector default volatility",
			zap.String("symbol", symbol),
			zap.Int("closes", len(closes)),
			zap.Int("lookback_days", lookbackDays))
		return e.cfg.DefaultVolatility
	}

	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] > 0 && closes[i] > 0 {
			returns = append(returns, math.Log(closes[i]/closes[i-1]))
		}
	}
	if len(returns) < 2 {
		return e.cfg.DefaultVolatility
	}

	annualized := stat.StdDev(returns, nil) * math.Sqrt(tradingDaysPerYear)
	return clamp(annualized, e.cfg.MinVolatility, e.cfg.MaxVolatility)
}

// DividendYield returns the annual dividend yield as a decimal fraction.
// A reported yield is preferred; values above 1 are assumed to be
// percentages and divided by 100. Without a reported figure the yield is
// derived from trailing payments, extrapolated when fewer than four
// payments were observed, and capped.
func (e *Estimator) DividendYield(ctx context.Context, symbol string) float64 {
	if y, ok := e.divCache.get(symbol); ok {
		return y
	}

	y := e.computeDividendYield(ctx, symbol)
	e.divCache.set(symbol, y)
	return y
}

func (e *Estimator) computeDividendYield(ctx context.Context, symbol string) float64 {
	info, err := e.provider.DividendHistory(ctx, symbol)
	if err != nil {
		e.logger.Warn("dividend history unavailable, assuming zero yield",
			zap.String("symbol", symbol), zap.Error(err))
		return 0
	}

	if info.ReportedYield > 0 {
		yield := info.ReportedYield
		if yield > 1 {
			yield /= 100
		}
		return math.Min(yield, e.cfg.MaxDividendYield)
	}

	if len(info.History) == 0 {
		return 0
	}

	price, err := e.provider.CurrentPrice(ctx, symbol)
	if err != nil || price <= 0 {
		e.logger.Warn("no price for dividend yield derivation, assuming zero yield",
			zap.String("symbol", symbol), zap.Error(err))
		return 0
	}

	cutoff := e.clock.Now().AddDate(-1, 0, 0)
	var annual float64
	var payments int
	for _, d := range info.History {
		if d.Date.After(cutoff) {
			annual += d.Amount
			payments++
		}
	}
	if payments == 0 {
		return 0
	}
	if payments < 4 {
		// Partial year observed: extrapolate to a quarterly schedule.
		annual *= 4.0 / float64(payments)
	}
	return math.Min(annual/price, e.cfg.MaxDividendYield)
}

// RiskFreeRate returns the annualized risk-free rate for a horizon,
// falling back to the configured default when the lookup fails.
func (e *Estimator) RiskFreeRate(ctx context.Context, horizonDays int) float64 {
	if r, ok := e.rateCache.get(horizonDays); ok {
		return r
	}

	rate, err := e.provider.RiskFreeRate(ctx, horizonDays)
	if err != nil || rate <= 0 {
		e.logger.Warn("risk-free rate unavailable, using default",
			zap.Int("horizon_days", horizonDays), zap.Error(err))
		rate = e.cfg.DefaultRiskFreeRate
	}
	e.rateCache.set(horizonDays, rate)
	return rate
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
