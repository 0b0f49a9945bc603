// Package rsvd computes randomized low-rank factorizations of large
// symmetric positive-semidefinite operators, such as geostatistical prior
// covariance matrices. The operator is only ever accessed through
// matrix-matrix products, so callers may supply implicit representations.
package rsvd

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ColNorms returns the Euclidean norm of each column of a.
func ColNorms(a mat.Matrix) []float64 {
	r, c := a.Dims()
	norms := make([]float64, c)
	col := make([]float64, r)
	for j := 0; j < c; j++ {
		mat.Col(col, j, a)
		norms[j] = floats.Norm(col, 2)
	}
	return norms
}

// RangeFinder returns an m×l matrix Q with orthonormal columns approximately
// spanning the range of the symmetric operator a. iters is the number of
// power iterations; zero is adequate when the spectrum of a decays quickly,
// while one or two iterations sharpen the basis on slowly decaying spectra.
// The Gaussian test matrix is drawn from a generator seeded with seed, so
// results are reproducible for identical inputs.
//
// l must not exceed the dimension of a; larger values leave the trailing
// columns of Q numerically meaningless.
func RangeFinder(a mat.Matrix, l, iters int, seed int64) (*mat.Dense, error) {
	m, n := a.Dims()
	if m != n {
		return nil, fmt.Errorf("rsvd: operator must be square, got %d×%d", m, n)
	}
	if l <= 0 {
		return nil, errors.New("rsvd: sample size must be positive")
	}
	if l > n {
		return nil, fmt.Errorf("rsvd: sample size %d exceeds operator dimension %d", l, n)
	}
	if iters < 0 {
		return nil, errors.New("rsvd: power iteration count must be non-negative")
	}

	rng := rand.New(rand.NewSource(seed))
	omega := mat.NewDense(n, l, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < l; j++ {
			omega.Set(i, j, rng.NormFloat64())
		}
	}

	y := mat.NewDense(m, l, nil)
	y.Mul(a, omega)

	// Each power iteration applies the operator twice (once standing in for
	// the transpose, which coincides with a for symmetric operators). The
	// cheap per-column renormalization between products keeps the sample
	// matrix from overflowing or collapsing; the stable orthogonal
	// factorization is reserved for the end, where rounding error would
	// otherwise contaminate the basis.
	tmp := mat.NewDense(m, l, nil)
	for it := 0; it < iters; it++ {
		normalizeCols(y)
		tmp.Mul(a, y)
		y.Copy(tmp)
		normalizeCols(y)
		tmp.Mul(a, y)
		y.Copy(tmp)
	}

	var qr mat.QR
	qr.Factorize(y)
	var qFull mat.Dense
	qr.QTo(&qFull)

	q := mat.NewDense(m, l, nil)
	q.Copy(qFull.Slice(0, m, 0, l))
	return q, nil
}

func normalizeCols(a *mat.Dense) {
	r, c := a.Dims()
	norms := ColNorms(a)
	for j := 0; j < c; j++ {
		if norms[j] == 0 {
			continue
		}
		for i := 0; i < r; i++ {
			a.Set(i, j, a.At(i, j)/norms[j])
		}
	}
}

// Zetas returns an m×rank factor Z whose outer product Z·Zᵀ approximates the
// symmetric positive-semidefinite operator a restricted to its top-rank
// spectral content. oversample extra sample directions improve the
// approximation at negligible cost and are discarded after the small dense
// SVD; iters power iterations are forwarded to RangeFinder.
func Zetas(a mat.Matrix, rank, oversample, iters int, seed int64) (*mat.Dense, error) {
	if rank <= 0 {
		return nil, errors.New("rsvd: rank must be positive")
	}
	if oversample < 0 {
		return nil, errors.New("rsvd: oversampling must be non-negative")
	}
	m, n := a.Dims()
	if m != n {
		return nil, fmt.Errorf("rsvd: operator must be square, got %d×%d", m, n)
	}
	l := rank + oversample
	if l > n {
		return nil, fmt.Errorf("rsvd: rank+oversampling %d exceeds operator dimension %d", l, n)
	}

	q, err := RangeFinder(a, l, iters, seed)
	if err != nil {
		return nil, err
	}

	// Project onto the basis: b is only l×m, so the dense SVD below is cheap.
	b := mat.NewDense(l, m, nil)
	b.Mul(q.T(), a)

	var svd mat.SVD
	if !svd.Factorize(b, mat.SVDThin) {
		return nil, errors.New("rsvd: SVD of projected operator failed")
	}
	vals := svd.Values(nil)
	var v mat.Dense
	svd.VTo(&v)

	// Truncating to rank after the dense SVD, rather than sampling only rank
	// directions to begin with, is the standard bias correction for
	// randomized low-rank approximation.
	z := mat.NewDense(m, rank, nil)
	for j := 0; j < rank; j++ {
		s := math.Sqrt(vals[j])
		for i := 0; i < m; i++ {
			z.Set(i, j, v.At(i, j)*s)
		}
	}
	return z, nil
}
