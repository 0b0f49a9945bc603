package pcga

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

func TestTauOf(t *testing.T) {
	tests := []struct {
		lambda, gamma, want float64
	}{
		{0.5, 1.1, 1 - math.Pow(1.5, -1.1)},
		{1, 1.1, 1 - math.Pow(2, -1.1)},
		{2, 1, 1 - 1.0/3},
	}
	for _, tt := range tests {
		require.InDelta(t, tt.want, tauOf(tt.lambda, tt.gamma), 1e-15)
	}
}

func TestLMStateAdjust(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name          string
		it            int
		dels, maxStep float64
		cost, prev    float64
		wantLambda    float64
		wantConverged bool
	}{
		{"first iteration, large step", 1, 50, 35, 1, 0, 1.0, false},
		{"first iteration, small step", 1, 1, 35, 1, 0, 0.25, false},
		{"oversized step", 2, 50, 35, 1, 5, 1.0, false},
		{"cost increased", 2, 1, 35, 5, 1, 1.0, false},
		{"stagnation converges", 2, 1, 35, 5.001, 5, 0.5, true},
		{"healthy decrease", 2, 1, 35, 1, 5, 0.25, false},
		{"oversized step wins over stagnation", 2, 50, 35, 5.001, 5, 1.0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := lmState{lambda: 0.5, up: 2, down: 0.5, gamma: 1.1}
			s.refreshTau()

			converged := s.adjust(tt.it, tt.dels, tt.maxStep, tt.cost, tt.prev, 0.01, logger)
			require.Equal(t, tt.wantConverged, converged)
			require.Equal(t, tt.wantLambda, s.lambda)
			require.Equal(t, tauOf(s.lambda, s.gamma), s.tau, "tau must track lambda")
		})
	}
}

func TestLMOptionZeroMatchesPlain(t *testing.T) {
	plain := diagProblem(t, WithMaxIter(4))
	lm := diagProblem(t, WithMaxIter(4),
		WithStrategy(LevenbergMarquardt), WithLMOption(0))

	rp, err := plain.Run()
	require.NoError(t, err)
	rl, err := lm.Run()
	require.NoError(t, err)

	require.Equal(t, rp.Iters, rl.Iters)
	for it := 0; it <= rp.Iters; it++ {
		for i := 0; i < 2; i++ {
			require.InDelta(t, rp.Sbar.At(i, it), rl.Sbar.At(i, it), 1e-12,
				"lmoption 0 must reproduce the baseline solve")
		}
	}
}

func TestLMFirstIterationAdjustsOnStepAlone(t *testing.T) {
	// With no earlier cost to compare against, the first check uses step
	// size only: a step inside maxStep lowers lambda even though there is
	// no evidence about the cost trend yet.
	s := diagProblem(t, WithMaxIter(1), WithStrategy(LevenbergMarquardt))
	res, err := s.Run()
	require.NoError(t, err)

	require.Equal(t, 0.5*0.5, res.Lambda)
	require.Equal(t, tauOf(res.Lambda, 1.1), res.Tau)
}

func TestLMLambdaDoublesOnOversizedStep(t *testing.T) {
	// maxStep far below any step this problem can take forces the
	// increase branch on every iteration, so lambda doubles each time.
	one := diagProblem(t, WithMaxIter(1),
		WithStrategy(LevenbergMarquardt), WithMaxStep(1e-6))
	r1, err := one.Run()
	require.NoError(t, err)
	require.Equal(t, 0.5*2, r1.Lambda)
	require.Equal(t, tauOf(r1.Lambda, 1.1), r1.Tau)

	two := diagProblem(t, WithMaxIter(2),
		WithStrategy(LevenbergMarquardt), WithMaxStep(1e-6))
	r2, err := two.Run()
	require.NoError(t, err)
	require.Equal(t, r1.Lambda*2, r2.Lambda,
		"second rejection must multiply the first lambda by lambdaup exactly")
	require.Equal(t, tauOf(r2.Lambda, 1.1), r2.Tau)
	require.False(t, r2.Converged)
}

func TestLMConvergesOnDiagProblem(t *testing.T) {
	truth := mat.NewVecDense(2, []float64{2, 3})
	s := diagProblem(t,
		WithStrategy(LevenbergMarquardt),
		WithTruth(truth))

	res, err := s.Run()
	require.NoError(t, err)
	require.True(t, res.Converged)

	est := res.Estimate()
	require.InDelta(t, 2, est.AtVec(0), 0.05)
	require.InDelta(t, 3, est.AtVec(1), 0.05)
	require.Less(t, res.RMSE[res.Iters], res.RMSE[0])
}

func TestLMCustomFactors(t *testing.T) {
	s := diagProblem(t, WithMaxIter(1),
		WithStrategy(LevenbergMarquardt),
		WithLambda(1), WithLambdaFactors(3, 0.1), WithGamma(2),
		WithMaxStep(1e-6))
	res, err := s.Run()
	require.NoError(t, err)
	require.Equal(t, 3.0, res.Lambda)
	require.Equal(t, tauOf(3, 2), res.Tau)
}
