package pcga

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// doubler is a trivial model returning 2x, with a call counter so tests can
// see how often it was invoked.
type doubler struct {
	calls atomic.Int64
}

func (d *doubler) Eval(x mat.Vector) (*mat.VecDense, error) {
	d.calls.Add(1)
	out := mat.NewVecDense(x.Len(), nil)
	for i := 0; i < x.Len(); i++ {
		out.SetVec(i, 2*x.AtVec(i))
	}
	return out, nil
}

func makeBatch(n int) []*mat.VecDense {
	pts := make([]*mat.VecDense, n)
	for i := range pts {
		pts[i] = mat.NewVecDense(2, []float64{float64(i), float64(-i)})
	}
	return pts
}

func TestSerialEvaluator(t *testing.T) {
	model := &doubler{}
	pts := makeBatch(5)

	out, err := SerialEvaluator{}.EvalBatch(model, pts)
	require.NoError(t, err)
	require.Len(t, out, 5)
	require.EqualValues(t, 5, model.calls.Load())
	for i, o := range out {
		require.Equal(t, 2*float64(i), o.AtVec(0), "result %d out of order", i)
	}
}

func TestParallelEvaluatorMatchesSerial(t *testing.T) {
	pts := makeBatch(17)

	want, err := SerialEvaluator{}.EvalBatch(&doubler{}, pts)
	require.NoError(t, err)

	for _, workers := range []int{0, 1, 3, 32} {
		model := &doubler{}
		got, err := ParallelEvaluator{Workers: workers}.EvalBatch(model, pts)
		require.NoError(t, err)
		require.Len(t, got, len(want))
		require.EqualValues(t, len(pts), model.calls.Load())
		for i := range want {
			require.True(t, mat.Equal(want[i], got[i]),
				"workers=%d result %d differs from serial", workers, i)
		}
	}
}

func TestEvalBatchFailFast(t *testing.T) {
	failing := ForwardFunc(func(x mat.Vector) (*mat.VecDense, error) {
		if x.AtVec(0) == 13 {
			return nil, errors.New("boom")
		}
		return mat.NewVecDense(1, []float64{x.AtVec(0)}), nil
	})
	pts := makeBatch(20) // point 13 triggers the failure

	evaluators := map[string]Evaluator{
		"serial":   SerialEvaluator{},
		"parallel": ParallelEvaluator{Workers: 4},
	}
	for name, ev := range evaluators {
		t.Run(name, func(t *testing.T) {
			out, err := ev.EvalBatch(failing, pts)
			require.Error(t, err, "a single failed point must fail the whole batch")
			require.ErrorContains(t, err, "boom")
			require.Nil(t, out, "no partial results on failure")
		})
	}
}

func TestParallelEvaluatorEmptyBatch(t *testing.T) {
	out, err := ParallelEvaluator{}.EvalBatch(&doubler{}, nil)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestForwardFunc(t *testing.T) {
	f := ForwardFunc(func(x mat.Vector) (*mat.VecDense, error) {
		return mat.NewVecDense(1, []float64{x.AtVec(0) + 1}), nil
	})
	out, err := f.Eval(mat.NewVecDense(1, []float64{41}))
	require.NoError(t, err)
	require.Equal(t, 42.0, out.AtVec(0))
}
