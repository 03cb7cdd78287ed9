// Package marketdata talks to the market-data sidecar. The engine never
// fetches quotes from the outside world directly; everything goes through
// the Provider interface so tests can substitute canned data.
package marketdata

import (
	"context"
	"errors"
	"time"
)

// ErrPriceUnavailable is returned when no price can be obtained for a
// symbol from any source. It is the only market-data failure that is fatal
// to a pricing request; everything else degrades to defaults upstream.
var ErrPriceUnavailable = errors.New("marketdata: price unavailable")

// Dividend is a single historical dividend payment.
type Dividend struct {
	Date   time.Time
	Amount float64
}

// DividendInfo carries the reported dividend figures plus the payment
// history. Reported yields come back inconsistently scaled (0.0232 vs
// 2.32); normalization is the volatility estimator's job.
type DividendInfo struct {
	ReportedYield float64
	ReportedRate  float64
	History       []Dividend
}

// Provider is the market-data contract the engine consumes.
type Provider interface {
	// CurrentPrice returns the latest trade price for a symbol.
	CurrentPrice(ctx context.Context, symbol string) (float64, error)
	// HistoricalCloses returns daily closing prices for the lookback
	// window, oldest first. Fewer closes than requested is not an error;
	// coverage policy belongs to the caller.
	HistoricalCloses(ctx context.Context, symbol string, lookbackDays int) ([]float64, error)
	// DividendHistory returns reported dividend info and past payments.
	DividendHistory(ctx context.Context, symbol string) (*DividendInfo, error)
	// RiskFreeRate returns the annualized risk-free rate for a horizon.
	RiskFreeRate(ctx context.Context, horizonDays int) (float64, error)
}
