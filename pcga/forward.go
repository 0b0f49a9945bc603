package pcga

import (
	"fmt"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// ForwardModel maps a candidate parameter field to the observations the
// simulator predicts for it. Implementations must be deterministic: the
// finite-difference sensitivities the solver builds are meaningless if two
// evaluations of the same point can disagree. The solver treats the model as
// an opaque black box and never inspects its structure.
type ForwardModel interface {
	Eval(x mat.Vector) (*mat.VecDense, error)
}

// ForwardFunc adapts a plain function to the ForwardModel interface.
type ForwardFunc func(x mat.Vector) (*mat.VecDense, error)

// Eval calls f(x).
func (f ForwardFunc) Eval(x mat.Vector) (*mat.VecDense, error) { return f(x) }

// Evaluator dispatches a batch of independent forward-model evaluations and
// blocks until every result is available. The points within one batch carry
// no ordering dependency, so implementations are free to run them
// concurrently, but the returned slice must line up index-for-index with the
// input. A batch has no useful partial result: if any single evaluation
// fails, the whole batch fails.
type Evaluator interface {
	EvalBatch(model ForwardModel, points []*mat.VecDense) ([]*mat.VecDense, error)
}

// SerialEvaluator runs the batch one point at a time on the calling
// goroutine. It is the default evaluator and the reference behavior that
// concurrent evaluators must reproduce.
type SerialEvaluator struct{}

// EvalBatch implements Evaluator.
func (SerialEvaluator) EvalBatch(model ForwardModel, points []*mat.VecDense) ([]*mat.VecDense, error) {
	out := make([]*mat.VecDense, len(points))
	for i, p := range points {
		r, err := model.Eval(p)
		if err != nil {
			return nil, fmt.Errorf("forward model evaluation %d failed: %w", i, err)
		}
		out[i] = r
	}
	return out, nil
}

// ParallelEvaluator fans a batch out over a fixed pool of worker goroutines.
// Workers ≤ 0 selects GOMAXPROCS. The forward model must be safe for
// concurrent calls.
type ParallelEvaluator struct {
	Workers int
}

// EvalBatch implements Evaluator. All points are attempted even when one of
// them fails early; the first error encountered is returned after the full
// fan-in barrier.
func (e ParallelEvaluator) EvalBatch(model ForwardModel, points []*mat.VecDense) ([]*mat.VecDense, error) {
	if len(points) == 0 {
		return nil, nil
	}
	workers := e.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > len(points) {
		workers = len(points)
	}

	out := make([]*mat.VecDense, len(points))
	jobs := make(chan int, len(points))
	for i := range points {
		jobs <- i
	}
	close(jobs)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				r, err := model.Eval(points[i])
				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = fmt.Errorf("forward model evaluation %d failed: %w", i, err)
					}
					mu.Unlock()
					continue
				}
				out[i] = r
			}
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}
