package pcga

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

// machEps is the double-precision machine epsilon.
var machEps = math.Nextafter(1, 2) - 1

// factorCov computes a Cholesky factorization of the measurement covariance
// for the R⁻¹ products in the cost function. A covariance assembled from
// field measurements can be numerically indefinite by a hair, so a failed
// factorization is retried once with adaptive jitter on the diagonal before
// giving up.
func factorCov(r *mat.SymDense) (*mat.Cholesky, error) {
	var chol mat.Cholesky
	if ok := chol.Factorize(r); ok {
		return &chol, nil
	}

	n := r.SymmetricDim()
	trace := 0.0
	for i := 0; i < n; i++ {
		trace += r.At(i, i)
	}
	eps := 1e-8 * trace / float64(n)
	jittered := mat.NewSymDense(n, nil)
	jittered.CopySym(r)
	for i := 0; i < n; i++ {
		jittered.SetSym(i, i, jittered.At(i, i)+eps)
	}
	if ok := chol.Factorize(jittered); ok {
		return &chol, nil
	}
	return nil, errors.New("measurement covariance is not positive definite, even with jitter")
}

// borderedSolve solves the saddle-point system
//
//	[ top  hx ] [ xi   ]   [ rhs ]
//	[ hxᵀ   0 ] [ beta ] = [  0  ]
//
// for the low-rank coefficients xi and the drift coefficient beta. The
// bordered block is frequently rank deficient (a zero drift direction makes
// the last row and column vanish), so the system is solved through the
// Moore-Penrose pseudo-inverse, which degrades to the minimum-norm solution
// instead of failing. whiten, when non-nil, pre-multiplies both sides before
// the solve.
func borderedSolve(top mat.Matrix, hx, rhs *mat.VecDense, whiten *mat.Dense) (xi *mat.VecDense, beta float64, err error) {
	n := hx.Len()
	g := mat.NewDense(n+1, n+1, nil)
	g.Slice(0, n, 0, n).(*mat.Dense).Copy(top)
	for i := 0; i < n; i++ {
		g.Set(i, n, hx.AtVec(i))
		g.Set(n, i, hx.AtVec(i))
	}

	b := mat.NewVecDense(n+1, nil)
	b.SliceVec(0, n).(*mat.VecDense).CopyVec(rhs)

	lhs, rv := mat.Matrix(g), mat.Vector(b)
	if whiten != nil {
		wr, wc := whiten.Dims()
		if wc != n+1 {
			return nil, 0, errors.New("solve whitening matrix has wrong number of columns")
		}
		wg := mat.NewDense(wr, n+1, nil)
		wg.Mul(whiten, g)
		wb := mat.NewVecDense(wr, nil)
		wb.MulVec(whiten, b)
		lhs, rv = wg, wb
	}

	sol, err := pinvSolve(lhs, rv)
	if err != nil {
		return nil, 0, err
	}
	xi = mat.NewVecDense(n, nil)
	xi.CopyVec(sol.SliceVec(0, n))
	return xi, sol.AtVec(n), nil
}

// pinvSolve returns the minimum-norm least-squares solution of a·x = b,
// computed as V·Σ⁺·Uᵀ·b from a thin SVD with singular values below the
// conventional numerical-rank threshold treated as zero.
func pinvSolve(a mat.Matrix, b mat.Vector) (*mat.VecDense, error) {
	r, c := a.Dims()
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return nil, errors.New("SVD of bordered system failed")
	}
	vals := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	tol := float64(max(r, c)) * machEps * vals[0]
	w := mat.NewVecDense(len(vals), nil)
	w.MulVec(u.T(), b)
	for i, s := range vals {
		if s > tol {
			w.SetVec(i, w.AtVec(i)/s)
		} else {
			w.SetVec(i, 0)
		}
	}
	x := mat.NewVecDense(c, nil)
	x.MulVec(&v, w)
	return x, nil
}
