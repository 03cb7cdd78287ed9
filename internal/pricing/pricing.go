// Package pricing implements the closed-form option pricing model used by
// the margin calculator, the position ledger and the risk sweeps. All math
// here is pure and stateless; money conversions happen at the callers.
package pricing

import (
	"fmt"
	"math"

	gaussian "github.com/chobie/go-gaussian"
)

// OptionType distinguishes calls from puts.
type OptionType string

const (
	Call OptionType = "call"
	Put  OptionType = "put"
)

// Moneyness classifies strike vs. underlying.
type Moneyness string

const (
	InTheMoney  Moneyness = "ITM"
	AtTheMoney  Moneyness = "ATM"
	OutOfMoney  Moneyness = "OTM"
)

// atmEpsilon is the band within which a contract is treated as at-the-money.
const atmEpsilon = 1e-4

// Input carries the six Black-Scholes parameters. TimeToExpiry is in years
// and may be zero or negative for contracts at or past expiration.
type Input struct {
	Spot          float64
	Strike        float64
	TimeToExpiry  float64
	Rate          float64
	Volatility    float64
	DividendYield float64
}

// Greeks are quoted in trader units: Theta per calendar day, Vega per
// volatility point, Rho per rate point.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
	Rho   float64 `json:"rho"`
}

// Quote is a priced contract with its sensitivities.
type Quote struct {
	Price  float64 `json:"price"`
	Greeks Greeks  `json:"greeks"`
}

var stdNormal = gaussian.NewGaussian(0, 1)

// Validate rejects inputs the model cannot price.
func (in Input) Validate(typ OptionType) error {
	if typ != Call && typ != Put {
		return fmt.Errorf("pricing: unknown option type %q", typ)
	}
	if in.Spot <= 0 {
		return fmt.Errorf("pricing: underlying price must be positive, got %v", in.Spot)
	}
	if in.Strike <= 0 {
		return fmt.Errorf("pricing: strike must be positive, got %v", in.Strike)
	}
	if in.Volatility <= 0 {
		return fmt.Errorf("pricing: volatility must be positive, got %v", in.Volatility)
	}
	if in.DividendYield < 0 {
		return fmt.Errorf("pricing: dividend yield must be non-negative, got %v", in.DividendYield)
	}
	return nil
}

// Intrinsic returns the immediate-exercise payoff per share.
func Intrinsic(typ OptionType, spot, strike float64) float64 {
	switch typ {
	case Call:
		return math.Max(0, spot-strike)
	case Put:
		return math.Max(0, strike-spot)
	}
	return 0
}

// Classify returns the moneyness of a strike against the underlying.
func Classify(typ OptionType, spot, strike float64) Moneyness {
	if math.Abs(spot-strike) < atmEpsilon {
		return AtTheMoney
	}
	if typ == Call {
		if spot > strike {
			return InTheMoney
		}
		return OutOfMoney
	}
	if spot < strike {
		return InTheMoney
	}
	return OutOfMoney
}

func d1d2(in Input) (float64, float64) {
	sqrtT := math.Sqrt(in.TimeToExpiry)
	d1 := (math.Log(in.Spot/in.Strike) + (in.Rate-in.DividendYield+0.5*in.Volatility*in.Volatility)*in.TimeToExpiry) /
		(in.Volatility * sqrtT)
	return d1, d1 - in.Volatility*sqrtT
}

// Price returns the Black-Scholes value per share, dividend adjusted.
// At or past expiration it degrades to intrinsic value.
func Price(typ OptionType, in Input) float64 {
	if in.TimeToExpiry <= 0 {
		return Intrinsic(typ, in.Spot, in.Strike)
	}
	d1, d2 := d1d2(in)
	divDisc := math.Exp(-in.DividendYield * in.TimeToExpiry)
	rateDisc := math.Exp(-in.Rate * in.TimeToExpiry)
	if typ == Call {
		return in.Spot*divDisc*stdNormal.Cdf(d1) - in.Strike*rateDisc*stdNormal.Cdf(d2)
	}
	return in.Strike*rateDisc*stdNormal.Cdf(-d2) - in.Spot*divDisc*stdNormal.Cdf(-d1)
}

// Compute prices the contract and fills in the Greeks. Past expiration the
// Greeks collapse to their boundary values: delta 0 or ±1, the rest 0.
func Compute(typ OptionType, in Input) Quote {
	if in.TimeToExpiry <= 0 {
		q := Quote{Price: Intrinsic(typ, in.Spot, in.Strike)}
		if q.Price > 0 {
			if typ == Call {
				q.Greeks.Delta = 1
			} else {
				q.Greeks.Delta = -1
			}
		}
		return q
	}

	d1, d2 := d1d2(in)
	sqrtT := math.Sqrt(in.TimeToExpiry)
	divDisc := math.Exp(-in.DividendYield * in.TimeToExpiry)
	rateDisc := math.Exp(-in.Rate * in.TimeToExpiry)
	pdfD1 := stdNormal.Pdf(d1)

	var q Quote
	if typ == Call {
		q.Price = in.Spot*divDisc*stdNormal.Cdf(d1) - in.Strike*rateDisc*stdNormal.Cdf(d2)
		q.Greeks.Delta = divDisc * stdNormal.Cdf(d1)
		q.Greeks.Rho = in.Strike * in.TimeToExpiry * rateDisc * stdNormal.Cdf(d2) / 100
		q.Greeks.Theta = (-in.Spot*divDisc*pdfD1*in.Volatility/(2*sqrtT) -
			in.Rate*in.Strike*rateDisc*stdNormal.Cdf(d2) +
			in.DividendYield*in.Spot*divDisc*stdNormal.Cdf(d1)) / 365
	} else {
		q.Price = in.Strike*rateDisc*stdNormal.Cdf(-d2) - in.Spot*divDisc*stdNormal.Cdf(-d1)
		q.Greeks.Delta = divDisc * (stdNormal.Cdf(d1) - 1)
		q.Greeks.Rho = -in.Strike * in.TimeToExpiry * rateDisc * stdNormal.Cdf(-d2) / 100
		q.Greeks.Theta = (-in.Spot*divDisc*pdfD1*in.Volatility/(2*sqrtT) +
			in.Rate*in.Strike*rateDisc*stdNormal.Cdf(-d2) -
			in.DividendYield*in.Spot*divDisc*stdNormal.Cdf(-d1)) / 365
	}
	q.Greeks.Gamma = divDisc * pdfD1 / (in.Spot * in.Volatility * sqrtT)
	q.Greeks.Vega = in.Spot * divDisc * pdfD1 * sqrtT / 100
	return q
}

// Vega returns the raw (per unit volatility) vega, used by the implied
// volatility solver.
func Vega(in Input) float64 {
	if in.TimeToExpiry <= 0 {
		return 0
	}
	d1, _ := d1d2(in)
	return in.Spot * math.Exp(-in.DividendYield*in.TimeToExpiry) * stdNormal.Pdf(d1) * math.Sqrt(in.TimeToExpiry)
}
