package pcga

import (
	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/mat"
)

// Result is the full history of one Run.
type Result struct {
	// Sbar holds the estimate history as columns: column 0 is the initial
	// guess, column i the estimate after iteration i. It always has
	// maxIter+1 columns; only the first Iters+1 are meaningful, the rest
	// keep their zero initialization.
	Sbar *mat.Dense
	// Cost holds the cost after each completed iteration; entries beyond
	// Iters are unfilled.
	Cost []float64
	// RMSE holds the diagnostic root-mean-square error of each column of
	// Sbar against the truth vector, or nil when no truth was supplied.
	RMSE []float64
	// Iters is the number of iterations actually performed.
	Iters int
	// Converged reports whether the run stopped on the cost-decrease
	// tolerance rather than on the iteration limit.
	Converged bool
	// Lambda and Tau are the final Levenberg-Marquardt damping state. Under
	// other strategies they retain their initial values.
	Lambda float64
	Tau    float64
}

// Estimate returns a copy of the final estimate.
func (r *Result) Estimate() *mat.VecDense {
	m, _ := r.Sbar.Dims()
	out := mat.NewVecDense(m, nil)
	out.CopyVec(r.Sbar.ColView(r.Iters))
	return out
}

// BestCost returns the smallest cost recorded over the performed iterations.
func (r *Result) BestCost() float64 {
	return slices.Min(r.Cost[:r.Iters])
}

// FinalCost returns the cost after the last performed iteration.
func (r *Result) FinalCost() float64 {
	return r.Cost[r.Iters-1]
}
