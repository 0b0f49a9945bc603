// Package pcga implements the Principal Component Geostatistical Approach to
// Bayesian inverse modeling: a Gauss-Newton-like outer iteration that
// estimates a spatially distributed parameter field from indirect noisy
// observations of a black-box forward model, using a low-rank factor of the
// prior covariance (see the rsvd package) in place of the full matrix and
// finite differences along the factor's columns in place of a Jacobian.
package pcga

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Strategy selects how the per-iteration linearized system is solved.
type Strategy int

const (
	// Plain is the baseline bordered solve. A cost increase is reported but
	// never acted on; callers that need adaptation should use
	// LevenbergMarquardt.
	Plain Strategy = iota
	// Whitened pre-multiplies the forward model, measurement covariance and
	// data by a whitening matrix (see WithWhitening) and then runs the Plain
	// iteration on the transformed problem.
	Whitened
	// LevenbergMarquardt splits the solve into two independently damped
	// bordered systems and adapts the damping parameter each iteration from
	// the observed step size and cost behavior.
	LevenbergMarquardt
)

func (s Strategy) String() string {
	switch s {
	case Plain:
		return "plain"
	case Whitened:
		return "whitened"
	case LevenbergMarquardt:
		return "levenberg-marquardt"
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

// Solver runs the PCGA outer iteration. Construct with New; a Solver is
// immutable after construction and safe to Run repeatedly.
type Solver struct {
	model ForwardModel
	eval  Evaluator

	zetas *mat.Dense    // m×k low-rank prior factor
	drift *mat.VecDense // length m
	data  *mat.VecDense // length n
	cov   *mat.SymDense // n×n measurement covariance
	covCh *mat.Cholesky

	s0    *mat.VecDense
	truth *mat.VecDense

	strategy    Strategy
	whiten      *mat.Dense
	solveWhiten *mat.Dense

	maxIter int
	jtol    float64
	delta   float64

	// Levenberg-Marquardt tuning.
	lmOption   int
	maxStep    float64
	lambda     float64
	lambdaUp   float64
	lambdaDown float64
	gamma      float64

	logger *zap.Logger

	m, n, k int
}

// Option configures a Solver.
type Option func(*Solver)

// WithStrategy selects the iteration strategy. The default is Plain.
func WithStrategy(s Strategy) Option {
	return func(p *Solver) { p.strategy = s }
}

// WithMaxIter sets the outer iteration limit.
func WithMaxIter(n int) Option {
	return func(p *Solver) { p.maxIter = n }
}

// WithJTol sets the cost-decrease convergence threshold.
func WithJTol(tol float64) Option {
	return func(p *Solver) { p.jtol = tol }
}

// WithDelta sets the finite-difference step. The default is the square root
// of machine epsilon.
func WithDelta(delta float64) Option {
	return func(p *Solver) { p.delta = delta }
}

// WithInitial sets the initial estimate. The default is the zero vector.
func WithInitial(s0 *mat.VecDense) Option {
	return func(p *Solver) { p.s0 = s0 }
}

// WithTruth supplies a known true field, enabling the diagnostic RMSE
// history in the result. It plays no part in the estimation itself.
func WithTruth(t *mat.VecDense) Option {
	return func(p *Solver) { p.truth = t }
}

// WithEvaluator sets the batch evaluator used for the per-iteration forward
// model fan-out. The default evaluates serially.
func WithEvaluator(e Evaluator) Option {
	return func(p *Solver) { p.eval = e }
}

// WithLogger sets the logger receiving iteration status events. The default
// discards them.
func WithLogger(l *zap.Logger) Option {
	return func(p *Solver) { p.logger = l }
}

// WithWhitening supplies the matrix applied to the model, covariance and
// data under the Whitened strategy. Its column count must equal the
// observation dimension; fewer rows than columns project the problem into a
// smaller observation space.
func WithWhitening(s *mat.Dense) Option {
	return func(p *Solver) { p.whiten = s }
}

// WithSolveWhitening pre-multiplies the bordered system and its right-hand
// side by s before the pseudo-inverse solve, regularizing an ill-posed solve
// without transforming the problem itself. s must have n+1 columns where n
// is the observation dimension.
func WithSolveWhitening(s *mat.Dense) Option {
	return func(p *Solver) { p.solveWhiten = s }
}

// WithMaxStep sets the trust-region-like step-size bound of the
// Levenberg-Marquardt strategy.
func WithMaxStep(s float64) Option {
	return func(p *Solver) { p.maxStep = s }
}

// WithLambda sets the initial Levenberg-Marquardt damping parameter.
func WithLambda(l float64) Option {
	return func(p *Solver) { p.lambda = l }
}

// WithLambdaFactors sets the multiplicative damping adjustment factors: up
// is applied when a step is rejected as too large or the cost rises, down
// when an iteration behaves well.
func WithLambdaFactors(up, down float64) Option {
	return func(p *Solver) {
		p.lambdaUp = up
		p.lambdaDown = down
	}
}

// WithGamma sets the exponent defining the complementary damping weight
// tau = 1 − (1+lambda)^(−gamma).
func WithGamma(g float64) Option {
	return func(p *Solver) { p.gamma = g }
}

// WithLMOption selects the Levenberg-Marquardt solve mode: 1 (the default)
// is the split damped solve, 0 falls back to the undamped baseline solve for
// direct comparison while keeping the damping bookkeeping.
func WithLMOption(opt int) Option {
	return func(p *Solver) { p.lmOption = opt }
}

// New builds a Solver for the given forward model, m×k low-rank prior factor
// (the zeta vectors as columns), length-m drift mean, length-n data vector
// and n×n measurement covariance. All dimensions are checked here; a
// mismatch is reported immediately rather than surfacing mid-iteration.
func New(model ForwardModel, zetas *mat.Dense, drift, data *mat.VecDense, cov mat.Matrix, opts ...Option) (*Solver, error) {
	if model == nil {
		return nil, errors.New("pcga: forward model is required")
	}
	if zetas == nil {
		return nil, errors.New("pcga: low-rank prior factor is required")
	}
	m, k := zetas.Dims()
	if k < 1 {
		return nil, errors.New("pcga: prior factor must have at least one column")
	}
	if drift == nil || drift.Len() != m {
		return nil, fmt.Errorf("pcga: drift vector must have length %d", m)
	}
	if data == nil || data.Len() == 0 {
		return nil, errors.New("pcga: data vector is required")
	}
	n := data.Len()
	cr, cc := cov.Dims()
	if cr != n || cc != n {
		return nil, fmt.Errorf("pcga: measurement covariance must be %d×%d, got %d×%d", n, n, cr, cc)
	}
	if floats.HasNaN(drift.RawVector().Data) || floats.HasNaN(data.RawVector().Data) {
		return nil, errors.New("pcga: drift and data must not contain NaN")
	}

	p := &Solver{
		model:      model,
		eval:       SerialEvaluator{},
		zetas:      zetas,
		drift:      drift,
		data:       data,
		strategy:   Plain,
		maxIter:    14,
		jtol:       0.01,
		delta:      math.Sqrt(machEps),
		lmOption:   1,
		maxStep:    35,
		lambda:     0.5,
		lambdaUp:   2,
		lambdaDown: 0.5,
		gamma:      1.1,
		logger:     zap.NewNop(),
		m:          m,
		n:          n,
		k:          k,
	}
	p.cov = symmetrize(cov)
	for _, opt := range opts {
		opt(p)
	}

	if p.maxIter < 1 {
		return nil, errors.New("pcga: maxIter must be at least 1")
	}
	if p.jtol <= 0 {
		return nil, errors.New("pcga: convergence tolerance must be positive")
	}
	if p.delta <= 0 {
		return nil, errors.New("pcga: finite-difference step must be positive")
	}
	if p.maxStep <= 0 || p.lambda <= 0 || p.lambdaUp <= 0 || p.lambdaDown <= 0 || p.gamma <= 0 {
		return nil, errors.New("pcga: Levenberg-Marquardt parameters must be positive")
	}
	if p.lmOption != 0 && p.lmOption != 1 {
		return nil, fmt.Errorf("pcga: unknown lmoption %d", p.lmOption)
	}
	if p.eval == nil {
		return nil, errors.New("pcga: evaluator must not be nil")
	}
	if p.logger == nil {
		return nil, errors.New("pcga: logger must not be nil")
	}
	if p.s0 == nil {
		p.s0 = mat.NewVecDense(m, nil)
	} else if p.s0.Len() != m {
		return nil, fmt.Errorf("pcga: initial estimate must have length %d", m)
	} else {
		p.s0 = vecCopy(p.s0)
	}
	if p.truth != nil {
		if p.truth.Len() != m {
			return nil, fmt.Errorf("pcga: truth vector must have length %d", m)
		}
		p.truth = vecCopy(p.truth)
	}
	p.drift = vecCopy(p.drift)
	p.data = vecCopy(p.data)

	switch p.strategy {
	case Plain, LevenbergMarquardt:
		if p.whiten != nil {
			return nil, errors.New("pcga: whitening matrix is only used by the Whitened strategy")
		}
	case Whitened:
		if p.whiten == nil {
			return nil, errors.New("pcga: Whitened strategy requires a whitening matrix")
		}
		if _, wc := p.whiten.Dims(); wc != n {
			return nil, fmt.Errorf("pcga: whitening matrix must have %d columns", n)
		}
		p.applyWhitening()
	default:
		return nil, fmt.Errorf("pcga: unknown strategy %v", p.strategy)
	}
	if p.solveWhiten != nil {
		if _, wc := p.solveWhiten.Dims(); wc != p.n+1 {
			return nil, fmt.Errorf("pcga: solve whitening matrix must have %d columns", p.n+1)
		}
	}

	ch, err := factorCov(p.cov)
	if err != nil {
		return nil, fmt.Errorf("pcga: %w", err)
	}
	p.covCh = ch
	return p, nil
}

// applyWhitening rewrites the problem as S∘f, S·R·Sᵀ, S·y. The iteration
// afterwards is exactly the Plain one on the transformed problem.
func (p *Solver) applyWhitening() {
	s := p.whiten
	rows, _ := s.Dims()
	inner := p.model

	p.model = ForwardFunc(func(x mat.Vector) (*mat.VecDense, error) {
		fx, err := inner.Eval(x)
		if err != nil {
			return nil, err
		}
		out := mat.NewVecDense(rows, nil)
		out.MulVec(s, fx)
		return out, nil
	})

	y := mat.NewVecDense(rows, nil)
	y.MulVec(s, p.data)
	p.data = y

	var sr, srs mat.Dense
	sr.Mul(s, p.cov)
	srs.Mul(&sr, s.T())
	p.cov = symmetrize(&srs)
	p.n = rows
}

// Run executes the outer iteration from the initial estimate until the cost
// decrease drops below the convergence tolerance or the iteration limit is
// reached. A failed forward-model evaluation aborts the run; every other
// event (cost increase, damping adjustment, convergence) is reported through
// the logger and the returned histories.
func (p *Solver) Run() (*Result, error) {
	res := &Result{
		Sbar:   mat.NewDense(p.m, p.maxIter+1, nil),
		Cost:   make([]float64, p.maxIter),
		Lambda: p.lambda,
		Tau:    tauOf(p.lambda, p.gamma),
	}
	if p.truth != nil {
		res.RMSE = make([]float64, p.maxIter+1)
		res.RMSE[0] = p.rmse(p.s0)
	}

	cur := vecCopy(p.s0)
	res.Sbar.SetCol(0, cur.RawVector().Data)
	fs, err := p.evalOne(cur)
	if err != nil {
		return nil, err
	}

	lm := lmState{
		lambda: p.lambda,
		up:     p.lambdaUp,
		down:   p.lambdaDown,
		gamma:  p.gamma,
	}
	lm.refreshTau()

	var prevCost float64
	for it := 1; it <= p.maxIter; it++ {
		fd, err := p.differentiate(cur, fs)
		if err != nil {
			return nil, fmt.Errorf("pcga: iteration %d: %w", it, err)
		}

		var xi *mat.VecDense
		var beta float64
		if p.strategy == LevenbergMarquardt && p.lmOption == 1 {
			xi, beta, err = p.solveDamped(fd, fs, lm.lambda, lm.tau)
		} else {
			xi, beta, err = p.solveBaseline(fd, fs)
		}
		if err != nil {
			return nil, fmt.Errorf("pcga: iteration %d: %w", it, err)
		}

		next := mat.NewVecDense(p.m, nil)
		next.AddScaledVec(next, beta, p.drift)
		var lowRank mat.VecDense
		lowRank.MulVec(fd.hq.T(), xi)
		next.AddVec(next, &lowRank)

		res.Sbar.SetCol(it, next.RawVector().Data)
		if p.truth != nil {
			res.RMSE[it] = p.rmse(next)
		}

		fsNext, err := p.evalOne(next)
		if err != nil {
			return nil, fmt.Errorf("pcga: iteration %d: %w", it, err)
		}
		cost := p.cost(fsNext, xi, fd.hqh)
		res.Cost[it-1] = cost
		res.Iters = it

		switch p.strategy {
		case LevenbergMarquardt:
			dels := stepSize(next, cur)
			res.Converged = lm.adjust(it, dels, p.maxStep, cost, prevCost, p.jtol, p.logger)
			res.Lambda = lm.lambda
			res.Tau = lm.tau
		default:
			if it >= 2 {
				// A change smaller than the tolerance in either direction is
				// stagnation, not divergence; counting a rounding-level
				// increase as divergence would keep a converged run looping.
				switch {
				case math.Abs(prevCost-cost) < p.jtol:
					res.Converged = true
				case cost > prevCost:
					p.logger.Warn("cost increased",
						zap.Int("iteration", it),
						zap.Float64("cost", cost),
						zap.Float64("previous", prevCost))
				}
			}
		}
		if res.Converged {
			p.logger.Info("converged",
				zap.Int("iteration", it),
				zap.Float64("cost", cost))
		}

		prevCost = cost
		cur = next
		fs = fsNext
		if res.Converged {
			break
		}
	}
	if !res.Converged {
		p.logger.Info("iteration limit reached",
			zap.Int("iterations", res.Iters),
			zap.Float64("cost", prevCost))
	}
	return res, nil
}

// fdTerms collects the finite-difference quantities of one iteration.
type fdTerms struct {
	hq  *mat.Dense    // n×m, Σ ηᵢ ζᵢᵀ
	hqh *mat.Dense    // n×n, Σ ηᵢ ηᵢᵀ
	hx  *mat.VecDense // length n
	hs  *mat.VecDense // length n
}

// differentiate evaluates the forward model at the k+2 perturbed points and
// assembles the directional-derivative terms. The batch is dispatched
// through the evaluator as one fan-out; any single failure fails the
// iteration, since every accumulator below needs the complete batch.
func (p *Solver) differentiate(cur, fs *mat.VecDense) (*fdTerms, error) {
	pts := make([]*mat.VecDense, p.k+2)
	for j := 0; j < p.k; j++ {
		pt := mat.NewVecDense(p.m, nil)
		pt.AddScaledVec(cur, p.delta, p.zetas.ColView(j))
		pts[j] = pt
	}
	ptX := mat.NewVecDense(p.m, nil)
	ptX.AddScaledVec(cur, p.delta, p.drift)
	pts[p.k] = ptX
	ptS := mat.NewVecDense(p.m, nil)
	ptS.AddScaledVec(cur, p.delta, cur)
	pts[p.k+1] = ptS

	out, err := p.eval.EvalBatch(p.model, pts)
	if err != nil {
		return nil, err
	}
	for i, o := range out {
		if o == nil || o.Len() != p.n {
			return nil, fmt.Errorf("forward model result %d has wrong length", i)
		}
	}

	fd := &fdTerms{
		hq:  mat.NewDense(p.n, p.m, nil),
		hqh: mat.NewDense(p.n, p.n, nil),
		hx:  diffQuot(out[p.k], fs, p.delta),
		hs:  diffQuot(out[p.k+1], fs, p.delta),
	}
	for j := 0; j < p.k; j++ {
		eta := diffQuot(out[j], fs, p.delta)
		fd.hq.RankOne(fd.hq, 1, eta, p.zetas.ColView(j))
		fd.hqh.RankOne(fd.hqh, 1, eta, eta)
	}
	return fd, nil
}

// solveBaseline assembles and solves the undamped bordered system
// [[HQH+R, HX], [HXᵀ, 0]] with right-hand side y − f(s) + Hs.
func (p *Solver) solveBaseline(fd *fdTerms, fs *mat.VecDense) (*mat.VecDense, float64, error) {
	top := mat.NewDense(p.n, p.n, nil)
	top.Add(fd.hqh, p.cov)

	rhs := mat.NewVecDense(p.n, nil)
	rhs.SubVec(p.data, fs)
	rhs.AddVec(rhs, fd.hs)

	return borderedSolve(top, fd.hx, rhs, p.solveWhiten)
}

// solveDamped runs the split Levenberg-Marquardt solve: an innovation system
// damped by lambda·R with right-hand side y − f(s), and a prior system
// damped by −tau·R with right-hand side Hs. The two coefficient sets sum.
func (p *Solver) solveDamped(fd *fdTerms, fs *mat.VecDense, lambda, tau float64) (*mat.VecDense, float64, error) {
	top := mat.NewDense(p.n, p.n, nil)
	scaled := mat.NewDense(p.n, p.n, nil)

	scaled.Scale(lambda, p.cov)
	top.Add(fd.hqh, scaled)
	rhs := mat.NewVecDense(p.n, nil)
	rhs.SubVec(p.data, fs)
	xiIn, betaIn, err := borderedSolve(top, fd.hx, rhs, p.solveWhiten)
	if err != nil {
		return nil, 0, fmt.Errorf("innovation solve: %w", err)
	}

	scaled.Scale(-tau, p.cov)
	top.Add(fd.hqh, scaled)
	xiPr, betaPr, err := borderedSolve(top, fd.hx, fd.hs, p.solveWhiten)
	if err != nil {
		return nil, 0, fmt.Errorf("prior solve: %w", err)
	}

	xiIn.AddVec(xiIn, xiPr)
	return xiIn, betaIn + betaPr, nil
}

// cost is ½(y−f(s))ᵀR⁻¹(y−f(s)) + ½ξᵀ·HQH·ξ.
func (p *Solver) cost(fs, xi *mat.VecDense, hqh *mat.Dense) float64 {
	resid := mat.NewVecDense(p.n, nil)
	resid.SubVec(p.data, fs)
	var rinv mat.VecDense
	if err := p.covCh.SolveVecTo(&rinv, resid); err != nil {
		// R was verified positive definite at construction; a solve failure
		// here would mean the factorization itself is corrupt.
		panic(err)
	}
	var tmp mat.VecDense
	tmp.MulVec(hqh, xi)
	return 0.5*mat.Dot(resid, &rinv) + 0.5*mat.Dot(xi, &tmp)
}

func (p *Solver) evalOne(x *mat.VecDense) (*mat.VecDense, error) {
	fx, err := p.model.Eval(x)
	if err != nil {
		return nil, fmt.Errorf("pcga: forward model evaluation failed: %w", err)
	}
	if fx == nil || fx.Len() != p.n {
		return nil, fmt.Errorf("pcga: forward model returned wrong length, want %d", p.n)
	}
	return fx, nil
}

func (p *Solver) rmse(s *mat.VecDense) float64 {
	d := floats.Distance(s.RawVector().Data, p.truth.RawVector().Data, 2)
	return d / math.Sqrt(float64(p.m))
}

func diffQuot(fp, fs *mat.VecDense, delta float64) *mat.VecDense {
	d := mat.NewVecDense(fs.Len(), nil)
	d.SubVec(fp, fs)
	d.ScaleVec(1/delta, d)
	return d
}

func stepSize(next, cur *mat.VecDense) float64 {
	return floats.Distance(next.RawVector().Data, cur.RawVector().Data, 2)
}

func vecCopy(v *mat.VecDense) *mat.VecDense {
	out := mat.NewVecDense(v.Len(), nil)
	out.CopyVec(v)
	return out
}

func symmetrize(a mat.Matrix) *mat.SymDense {
	n, _ := a.Dims()
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, 0.5*(a.At(i, j)+a.At(j, i)))
		}
	}
	return sym
}
