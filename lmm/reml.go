package lmm

import (
	"fmt"
	"math"
)

// Default search configuration, matching the usual lambda bounds of the
// eigen-rotation LMM literature: ten orders of magnitude either side of one.
const (
	DefaultLambdaMin  = 1e-5
	DefaultLambdaMax  = 1e5
	DefaultGridPoints = 50
	DefaultTol        = 1e-5
	DefaultMaxIter    = 100
)

// FitOptions configures the two-tier variance-component search.
type FitOptions struct {
	// REML selects restricted maximum likelihood; false means full ML.
	REML bool
	// LambdaMin and LambdaMax bound the search interval. Lambda is never
	// allowed to reach a value that drives either variance component to
	// zero or overflow.
	LambdaMin, LambdaMax float64
	// GridPoints is the size of the log-uniform localization grid.
	GridPoints int
	// Tol is the convergence threshold on the score magnitude.
	Tol float64
	// MaxIter caps Newton-Raphson. Zero selects the default; a negative
	// value disables refinement entirely and returns the best grid point.
	MaxIter int
}

func (o FitOptions) withDefaults() FitOptions {
	if o.LambdaMin <= 0 {
		o.LambdaMin = DefaultLambdaMin
	}
	if o.LambdaMax <= o.LambdaMin {
		o.LambdaMax = DefaultLambdaMax
	}
	if o.GridPoints < 2 {
		o.GridPoints = DefaultGridPoints
	}
	if o.Tol <= 0 {
		o.Tol = DefaultTol
	}
	if o.MaxIter == 0 {
		o.MaxIter = DefaultMaxIter
	}
	return o
}

// FitResult carries the variance-component estimate together with its
// convergence status. Non-convergence is a degraded-but-valid outcome, not
// an error: the grid stage already guarantees a bounded estimate.
type FitResult struct {
	// Lambda is the estimated ratio of residual to genetic variance.
	Lambda float64
	// VG and VE are the implied genetic and residual variance estimates.
	VG, VE float64
	// LogLik is the maximized log-likelihood (REML or ML per options).
	LogLik float64
	// Score is the likelihood derivative at Lambda.
	Score float64
	// Iter counts Newton-Raphson iterations actually performed.
	Iter int

	// Converged reports that Newton-Raphson drove |Score| below Tol.
	Converged bool
	// GridFallback reports that refinement diverged and the returned
	// estimate is the grid-search optimum.
	GridFallback bool
	// AtBound reports that the optimum was clamped to LambdaMin or
	// LambdaMax because the unconstrained optimum lies outside.
	AtBound bool
}

// Fit estimates lambda by a log-grid scan followed by Newton-Raphson on the
// score equation. The grid localizes the maximum and exposes multimodality;
// every local grid maximum is refined and the best refined point wins. A
// pure function of the rotated data and options; no state survives the call.
func (m *Model) Fit(opt FitOptions) (*FitResult, error) {
	opt = opt.withDefaults()

	logMin := math.Log(opt.LambdaMin)
	logMax := math.Log(opt.LambdaMax)
	step := (logMax - logMin) / float64(opt.GridPoints-1)

	lambdas := make([]float64, opt.GridPoints)
	lls := make([]float64, opt.GridPoints)
	for i := range lambdas {
		lambdas[i] = math.Exp(logMin + float64(i)*step)
		q, err := m.quantities(lambdas[i])
		if err != nil {
			return nil, fmt.Errorf("grid scan at lambda=%g: %w", lambdas[i], err)
		}
		lls[i] = m.logLik(q, opt.REML)
	}

	bestGrid := 0
	for i := 1; i < opt.GridPoints; i++ {
		if lls[i] > lls[bestGrid] {
			bestGrid = i
		}
	}

	type candidate struct {
		lambda    float64
		ll        float64
		iter      int
		converged bool
	}
	best := candidate{lambda: lambdas[bestGrid], ll: lls[bestGrid]}

	if opt.MaxIter > 0 {
		for i := 0; i < opt.GridPoints; i++ {
			if !isLocalMax(lls, i) {
				continue
			}
			lam, iter, converged := m.newton(lambdas[i], opt)
			if lam <= 0 || math.IsNaN(lam) {
				continue
			}
			q, err := m.quantities(lam)
			if err != nil {
				continue
			}
			ll := m.logLik(q, opt.REML)
			if converged && ll >= best.ll-opt.Tol {
				if ll > best.ll || !best.converged {
					best = candidate{lambda: lam, ll: ll, iter: iter, converged: true}
				}
			}
		}
	}

	q, err := m.quantities(best.lambda)
	if err != nil {
		return nil, err
	}

	res := &FitResult{
		Lambda:       best.lambda,
		LogLik:       m.logLik(q, opt.REML),
		Score:        m.score(q, opt.REML),
		Iter:         best.iter,
		Converged:    best.converged,
		GridFallback: opt.MaxIter > 0 && !best.converged,
	}

	// A boundary grid point whose score still points outside the interval
	// means the unconstrained optimum is out of bounds: clamp and flag.
	if (best.lambda == lambdas[0] && res.Score < 0) ||
		(best.lambda == lambdas[opt.GridPoints-1] && res.Score > 0) {
		res.AtBound = true
		res.GridFallback = false
	}

	df := float64(m.n)
	if opt.REML {
		df = float64(m.n - m.c)
	}
	res.VG = q.yPy / df
	res.VE = res.Lambda * res.VG
	return res, nil
}

// newton refines lambda0 by Newton-Raphson on the score, clamped to the
// search interval. Divergence (wrong curvature, a non-finite step, or
// oscillation past MaxIter) reports converged=false so the caller can fall
// back to the grid estimate.
func (m *Model) newton(lambda0 float64, opt FitOptions) (lambda float64, iter int, converged bool) {
	lambda = lambda0
	for iter = 1; iter <= opt.MaxIter; iter++ {
		q, err := m.quantities(lambda)
		if err != nil {
			return lambda, iter, false
		}
		s := m.score(q, opt.REML)
		if math.Abs(s) < opt.Tol {
			return lambda, iter, true
		}
		h := m.hessian(q, opt.REML)
		if h >= 0 || math.IsNaN(h) || math.IsInf(h, 0) {
			// Not inside a concave basin; Newton would walk away
			// from the maximum.
			return lambda, iter, false
		}
		next := lambda - s/h
		if math.IsNaN(next) || math.IsInf(next, 0) {
			return lambda, iter, false
		}
		if next < opt.LambdaMin {
			next = opt.LambdaMin
		} else if next > opt.LambdaMax {
			next = opt.LambdaMax
		}
		if next == lambda {
			// Pinned at a bound with the score still nonzero.
			return lambda, iter, false
		}
		lambda = next
	}
	return lambda, opt.MaxIter, false
}

func isLocalMax(lls []float64, i int) bool {
	if i > 0 && lls[i] < lls[i-1] {
		return false
	}
	if i < len(lls)-1 && lls[i] < lls[i+1] {
		return false
	}
	return true
}
