package pricing

import (
	"fmt"
	"math"
)

// Solver bounds and defaults for the Newton-Raphson implied volatility
// search.
const (
	ivInitialGuess  = 0.30
	ivMinVol        = 0.001
	ivMaxVol        = 5.0
	ivMinVega       = 1e-10
	ivDefaultPrec   = 1e-4
	ivDefaultMaxitr = 100
)

// SolverOptions tune the implied volatility search. Zero values fall back
// to the defaults.
type SolverOptions struct {
	Precision     float64
	MaxIterations int
}

// ImpliedVolatility inverts the pricing model for volatility given an
// observed market price. The search starts at 30% vol and follows Newton
// steps of (market − model)/vega, clamped to [0.1%, 500%]. When vega
// degenerates the last estimate is returned as-is; the solver never
// guarantees convergence, it only stops drifting.
func ImpliedVolatility(typ OptionType, marketPrice float64, in Input, opts SolverOptions) (float64, error) {
	if marketPrice <= 0 {
		return 0, fmt.Errorf("pricing: market price must be positive, got %v", marketPrice)
	}
	if in.TimeToExpiry <= 0 {
		return 0, fmt.Errorf("pricing: cannot imply volatility for an expired contract")
	}
	precision := opts.Precision
	if precision <= 0 {
		precision = ivDefaultPrec
	}
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = ivDefaultMaxitr
	}

	sigma := ivInitialGuess
	for i := 0; i < maxIter; i++ {
		in.Volatility = sigma
		diff := marketPrice - Price(typ, in)
		if math.Abs(diff) < precision {
			return sigma, nil
		}
		vega := Vega(in)
		if math.Abs(vega) < ivMinVega {
			break
		}
		sigma += diff / vega
		if sigma < ivMinVol {
			sigma = ivMinVol
		} else if sigma > ivMaxVol {
			sigma = ivMaxVol
		}
	}
	return sigma, nil
}
