package lmm

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// TestSet selects which association statistics to compute per marker.
type TestSet struct {
	Wald  bool
	LRT   bool
	Score bool
}

// Any reports whether at least one test is enabled.
func (t TestSet) Any() bool { return t.Wald || t.LRT || t.Score }

// AssocOptions configures the per-marker association tester.
type AssocOptions struct {
	// Fit configures the variance-component search; the same tolerance
	// and bounds are shared by the null fit and per-marker re-fits.
	Fit FitOptions
	// Tests selects the statistics to compute.
	Tests TestSet
	// PerMarkerLambda re-optimizes lambda with the marker included
	// (exact, slower). When false the null-model lambda is reused for
	// every marker.
	PerMarkerLambda bool
}

// Null is the fitted null model: the shared rotated data plus the
// variance-component estimates every marker test starts from. Immutable
// after FitNull, safe for unsynchronized concurrent reads.
type Null struct {
	model *Model
	opt   AssocOptions

	// Fit is the primary variance fit in the configured mode (REML or
	// ML); FitML is the full-ML fit the likelihood-ratio test compares
	// against. The two coincide when the configured mode is ML.
	Fit   *FitResult
	FitML *FitResult

	dfAlt int // residual degrees of freedom of the marker model

	score *scoreCache
}

// scoreCache holds the null-lambda quantities the score test reuses for
// every marker, avoiding any per-marker optimization.
type scoreCache struct {
	w       []float64    // 1/(d_i + lambda0)
	chol    mat.Cholesky // of W' D^-1 W at lambda0
	u       []float64    // GLS coefficients at lambda0
	sigmaG2 float64      // genetic variance estimate at lambda0
}

// FitNull estimates the null-model variance components and prepares the
// shared state for the marker loop.
func FitNull(m *Model, opt AssocOptions) (*Null, error) {
	if !opt.Tests.Any() {
		opt.Tests.Wald = true
	}
	opt.Fit = opt.Fit.withDefaults()

	fit, err := m.Fit(opt.Fit)
	if err != nil {
		return nil, err
	}

	fitML := fit
	if opt.Tests.LRT && opt.Fit.REML {
		mlOpt := opt.Fit
		mlOpt.REML = false
		if fitML, err = m.Fit(mlOpt); err != nil {
			return nil, err
		}
	}

	nl := &Null{
		model: m,
		opt:   opt,
		Fit:   fit,
		FitML: fitML,
		dfAlt: m.n - m.c - 1,
	}

	if opt.Tests.Score {
		if nl.score, err = m.newScoreCache(fit); err != nil {
			return nil, err
		}
	}
	return nl, nil
}

func (m *Model) newScoreCache(fit *FitResult) (*scoreCache, error) {
	n, c := m.n, m.c
	w := make([]float64, n)
	aSym := mat.NewSymDense(c, nil)
	a1 := make([]float64, c)
	for i := 0; i < n; i++ {
		w[i] = 1 / (m.d[i] + fit.Lambda)
		yi := m.uty[i]
		row := m.utw.RawRowView(i)
		for j := 0; j < c; j++ {
			a1[j] += w[i] * yi * row[j]
			for k := j; k < c; k++ {
				aSym.SetSym(j, k, aSym.At(j, k)+w[i]*row[j]*row[k])
			}
		}
	}
	sc := &scoreCache{w: w, sigmaG2: fit.VG}
	if !sc.chol.Factorize(aSym) {
		return nil, fmt.Errorf("%w: weighted Gram matrix at null lambda", ErrSingularDesign)
	}
	uv := mat.NewVecDense(c, nil)
	if err := sc.chol.SolveVecTo(uv, mat.NewVecDense(c, a1)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSingularDesign, err)
	}
	sc.u = make([]float64, c)
	copy(sc.u, uv.RawVector().Data)
	return sc, nil
}

// MarkerStats is the association result for one tested marker. Disabled
// tests leave their p-value as NaN.
type MarkerStats struct {
	// Beta and SE are the marker effect-size estimate and its standard
	// error from the weighted least-squares solve.
	Beta, SE float64
	// Lambda is the variance ratio the Wald solve used: the null
	// estimate, or the per-marker re-fit when enabled.
	Lambda float64
	// LogLikAlt is the alternative-model log-likelihood at Lambda.
	LogLikAlt float64

	PWald, PLRT, PScore float64

	// Converged is false when a per-marker lambda re-fit fell back to
	// its grid estimate.
	Converged bool
}

// TestMarker computes the configured statistics for one marker whose
// genotype has already been rotated into eigenspace. A collinear or
// otherwise singular marker design returns ErrSingularDesign; callers skip
// that marker and keep the batch going.
func (nl *Null) TestMarker(utx []float64) (*MarkerStats, error) {
	m := nl.model
	alt, err := m.WithMarker(utx)
	if err != nil {
		return nil, err
	}

	stats := &MarkerStats{
		Lambda:    nl.Fit.Lambda,
		Converged: true,
		PWald:     math.NaN(),
		PLRT:      math.NaN(),
		PScore:    math.NaN(),
	}

	if nl.opt.PerMarkerLambda {
		fit, err := alt.Fit(nl.opt.Fit)
		if err != nil {
			return nil, err
		}
		stats.Lambda = fit.Lambda
		stats.Converged = fit.Converged || fit.AtBound
	}

	q, err := alt.quantities(stats.Lambda)
	if err != nil {
		return nil, err
	}
	stats.LogLikAlt = alt.logLik(q, nl.opt.Fit.REML)

	df := float64(nl.dfAlt)
	sigma2 := q.yPy / df
	stats.Beta = q.beta[alt.c-1]
	stats.SE = math.Sqrt(sigma2 * q.varLast)

	if nl.opt.Tests.Wald {
		f := stats.Beta / stats.SE
		fdist := distuv.F{D1: 1, D2: df}
		stats.PWald = fdist.Survival(f * f)
	}

	if nl.opt.Tests.LRT {
		llAlt, err := nl.altLogLikML(alt)
		if err != nil {
			return nil, err
		}
		stat := 2 * (llAlt - nl.FitML.LogLik)
		if stat < 0 {
			stat = 0
		}
		chi2 := distuv.ChiSquared{K: 1}
		stats.PLRT = chi2.Survival(stat)
	}

	if nl.opt.Tests.Score {
		stat, err := nl.scoreStat(utx)
		if err != nil {
			return nil, err
		}
		chi2 := distuv.ChiSquared{K: 1}
		stats.PScore = chi2.Survival(stat)
	}

	return stats, nil
}

// altLogLikML returns the alternative-model full-ML log-likelihood, either
// re-optimized per marker or evaluated at the null ML lambda.
func (nl *Null) altLogLikML(alt *Model) (float64, error) {
	if nl.opt.PerMarkerLambda {
		mlOpt := nl.opt.Fit
		mlOpt.REML = false
		fit, err := alt.Fit(mlOpt)
		if err != nil {
			return 0, err
		}
		return fit.LogLik, nil
	}
	q, err := alt.quantities(nl.FitML.Lambda)
	if err != nil {
		return 0, err
	}
	return alt.logLik(q, false), nil
}

// scoreStat computes (x' P0 y)^2 / (x' P0 x * vg0), chi-squared with one
// degree of freedom under the null. Only O(n*c) work per marker: the null
// projection is fully cached.
func (nl *Null) scoreStat(utx []float64) (float64, error) {
	m := nl.model
	sc := nl.score
	n, c := m.n, m.c

	b := make([]float64, c) // W' D^-1 x
	var sxy, sxx float64
	for i := 0; i < n; i++ {
		wx := sc.w[i] * utx[i]
		sxy += wx * m.uty[i]
		sxx += wx * utx[i]
		row := m.utw.RawRowView(i)
		for j := 0; j < c; j++ {
			b[j] += wx * row[j]
		}
	}

	t := mat.NewVecDense(c, nil)
	if err := sc.chol.SolveVecTo(t, mat.NewVecDense(c, b)); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSingularDesign, err)
	}

	var btu, btt float64
	for j := 0; j < c; j++ {
		btu += b[j] * sc.u[j]
		btt += b[j] * t.AtVec(j)
	}

	xPy := sxy - btu
	xPx := sxx - btt
	if xPx <= 0 {
		return 0, fmt.Errorf("%w: zero marker variance after projection", ErrSingularDesign)
	}
	return xPy * xPy / (xPx * sc.sigmaG2), nil
}
