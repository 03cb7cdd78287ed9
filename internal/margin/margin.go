// Package margin computes per-position margin requirements for unsecured
// short options and the aggregate margin status of a portfolio. Status is
// always derived from the ledger and live prices; it is never persisted.
package margin

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/papermarkets/riskengine/internal/pricing"
)

// ContractSize is the number of underlying shares per option contract.
const ContractSize = 100

// Tiers are the tiered margin percentages. Initial margin sizes buying
// power against portfolio value; maintenance margin is the per-position
// stress floor.
type Tiers struct {
	Initial     float64 // default 0.50
	Maintenance float64 // default 0.25
}

// Thresholds are equity-ratio trigger levels in descending severity.
type Thresholds struct {
	Warning     float64 // default 0.30
	Call        float64 // default 0.25
	Liquidation float64 // default 0.20
}

func DefaultTiers() Tiers {
	return Tiers{Initial: 0.50, Maintenance: 0.25}
}

func DefaultThresholds() Thresholds {
	return Thresholds{Warning: 0.30, Call: 0.25, Liquidation: 0.20}
}

// Level is the severity bucket an equity ratio falls into.
type Level string

const (
	LevelHealthy     Level = "healthy"
	LevelWarning     Level = "warning"
	LevelMarginCall  Level = "margin_call"
	LevelLiquidation Level = "liquidation"
)

// Status is the aggregate margin picture for one user. Derived on every
// read, never cached across requests.
type Status struct {
	PortfolioValue  decimal.Decimal `json:"portfolio_value"`
	MarginUsed      decimal.Decimal `json:"margin_used"`
	AvailableMargin decimal.Decimal `json:"available_margin"`
	UtilizationPct  float64         `json:"utilization_pct"`
	EquityRatio     float64         `json:"equity_ratio"`
	Level           Level           `json:"level"`
}

// PositionInput is the slice of a position the calculator needs.
type PositionInput struct {
	Type     pricing.OptionType
	Short    bool
	Secured  bool
	Strike   float64
	Spot     float64
	Premium  float64 // entry premium per share
	Quantity int64
}

// Calculator applies the tier configuration.
type Calculator struct {
	tiers      Tiers
	thresholds Thresholds
}

func NewCalculator(tiers Tiers, thresholds Thresholds) *Calculator {
	return &Calculator{tiers: tiers, thresholds: thresholds}
}

func (c *Calculator) Thresholds() Thresholds { return c.thresholds }
func (c *Calculator) Tiers() Tiers           { return c.tiers }

// Requirement returns the margin a position reserves. Long and secured
// positions require nothing. Unsecured shorts follow the standard broker
// stress formula: premium plus the maintenance percentage of the
// underlying reduced by the out-of-the-money amount, floored at 10% of
// the underlying (calls) or strike (puts).
func (c *Calculator) Requirement(in PositionInput) decimal.Decimal {
	if !in.Short || in.Secured || in.Quantity <= 0 {
		return decimal.Zero
	}

	var otm, floor float64
	switch in.Type {
	case pricing.Call:
		otm = math.Max(0, in.Strike-in.Spot)
		floor = 0.10 * in.Spot
	case pricing.Put:
		otm = math.Max(0, in.Spot-in.Strike)
		floor = 0.10 * in.Strike
	default:
		return decimal.Zero
	}

	stress := math.Max(c.tiers.Maintenance*in.Spot-otm, floor)
	perShare := in.Premium + stress
	total := perShare * ContractSize * float64(in.Quantity)
	return decimal.NewFromFloat(total).Round(2)
}

// Aggregate derives the portfolio margin status from a portfolio value and
// the sum of per-position requirements. An empty portfolio is healthy with
// an equity ratio of 1.
func (c *Calculator) Aggregate(portfolioValue, marginUsed decimal.Decimal) Status {
	s := Status{
		PortfolioValue: portfolioValue.Round(2),
		MarginUsed:     marginUsed.Round(2),
		EquityRatio:    1,
		Level:          LevelHealthy,
	}

	pv, _ := portfolioValue.Float64()
	used, _ := marginUsed.Float64()

	s.AvailableMargin = portfolioValue.Mul(decimal.NewFromFloat(c.tiers.Initial)).Round(2)
	switch {
	case pv > 0:
		available, _ := s.AvailableMargin.Float64()
		if available > 0 {
			s.UtilizationPct = used / available * 100
		}
		s.EquityRatio = (pv - used) / pv
	case pv < 0 || used > 0:
		// No equity backing the reservations: underwater or zero-value
		// portfolios with margin in use sit at the bottom of the scale.
		s.EquityRatio = 0
	}

	s.Level = c.level(s.EquityRatio)
	return s
}

func (c *Calculator) level(equityRatio float64) Level {
	switch {
	case equityRatio < c.thresholds.Liquidation:
		return LevelLiquidation
	case equityRatio < c.thresholds.Call:
		return LevelMarginCall
	case equityRatio < c.thresholds.Warning:
		return LevelWarning
	default:
		return LevelHealthy
	}
}

// Display metadata for the chat front end, derived solely from the level.

func (l Level) Text() string {
	switch l {
	case LevelWarning:
		return "Margin Warning"
	case LevelMarginCall:
		return "Margin Call"
	case LevelLiquidation:
		return "Liquidation"
	default:
		return "Healthy"
	}
}

// Color returns the embed color for the level.
func (l Level) Color() uint32 {
	switch l {
	case LevelWarning:
		return 0xFFC107 // amber
	case LevelMarginCall:
		return 0xFF7043 // orange
	case LevelLiquidation:
		return 0xD32F2F // red
	default:
		return 0x2E7D32 // green
	}
}
