package lmm

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// yPyFloor guards the profiled residual sum of squares against underflow
// when the phenotype is (numerically) fully explained by the fixed effects.
const yPyFloor = 1e-20

// Model holds the eigen-rotated null data shared read-only by every
// likelihood evaluation and every marker test: eigenvalues d, rotated
// phenotype U^T y and rotated covariates U^T W. After rotation the marginal
// model is
//
//	(U^T y)_i ~ N((U^T W)_i beta, vg*(d_i + lambda))
//
// with lambda = ve/vg, so each evaluation is a sum of n independent terms and
// costs O(n*c^2) instead of an O(n^3) matrix inversion.
type Model struct {
	d   []float64
	uty []float64
	utw *mat.Dense

	n, c int

	// log det(W^T W), the lambda-independent constant of the REML
	// likelihood. Rotation preserves it since U is orthonormal.
	logDetWtW float64
}

// NewModel validates dimensions and caches the rotated quantities. The
// covariate matrix must have full column rank; an intercept-only design is
// the minimal valid input.
func NewModel(eigenvalues, uty []float64, utw *mat.Dense) (*Model, error) {
	n := len(eigenvalues)
	r, c := utw.Dims()
	if len(uty) != n || r != n {
		return nil, fmt.Errorf("%w: %d eigenvalues, %d phenotypes, %d covariate rows", ErrDimensionMismatch, n, len(uty), r)
	}
	if n <= c+1 {
		return nil, fmt.Errorf("%w: %d individuals cannot support %d covariates plus a marker", ErrDimensionMismatch, n, c)
	}

	wtw := mat.NewSymDense(c, nil)
	for j := 0; j < c; j++ {
		for k := j; k < c; k++ {
			var s float64
			for i := 0; i < n; i++ {
				s += utw.At(i, j) * utw.At(i, k)
			}
			wtw.SetSym(j, k, s)
		}
	}
	var chol mat.Cholesky
	if !chol.Factorize(wtw) {
		return nil, fmt.Errorf("%w: covariate matrix is rank deficient", ErrSingularDesign)
	}

	return &Model{
		d:         eigenvalues,
		uty:       uty,
		utw:       utw,
		n:         n,
		c:         c,
		logDetWtW: chol.LogDet(),
	}, nil
}

// NumCovariates returns c, the number of fixed-effect columns.
func (m *Model) NumCovariates() int { return m.c }

// NumInds returns n, the number of individuals.
func (m *Model) NumInds() int { return m.n }

// WithMarker returns the alternative-model view of m: the rotated genotype
// appended as one more covariate column. The null data are copied, never
// mutated, so concurrent marker tests can share the same null Model.
func (m *Model) WithMarker(utx []float64) (*Model, error) {
	if len(utx) != m.n {
		return nil, fmt.Errorf("%w: rotated genotype length %d, want %d", ErrDimensionMismatch, len(utx), m.n)
	}
	utw := mat.NewDense(m.n, m.c+1, nil)
	for i := 0; i < m.n; i++ {
		row := utw.RawRowView(i)
		copy(row, m.utw.RawRowView(i))
		row[m.c] = utx[i]
	}
	alt := &Model{d: m.d, uty: m.uty, utw: utw, n: m.n, c: m.c + 1}

	wtw := mat.NewSymDense(alt.c, nil)
	for j := 0; j < alt.c; j++ {
		for k := j; k < alt.c; k++ {
			var s float64
			for i := 0; i < alt.n; i++ {
				s += utw.At(i, j) * utw.At(i, k)
			}
			wtw.SetSym(j, k, s)
		}
	}
	var chol mat.Cholesky
	if !chol.Factorize(wtw) {
		return nil, fmt.Errorf("%w: marker collinear with covariates", ErrSingularDesign)
	}
	alt.logDetWtW = chol.LogDet()
	return alt, nil
}

// quant collects everything a single lambda evaluation yields: the quadratic
// forms y'P y, y'P^2 y, y'P^3 y, the traces of P and P^2, the GLS
// coefficients and the last diagonal entry of (W' D^-1 W)^-1. P here is the
// projection D^-1 - D^-1 W (W' D^-1 W)^-1 W' D^-1 with D = diag(d_i+lambda).
type quant struct {
	lambda float64

	sumLogD      float64 // sum log(d_i + lambda)
	trHi, trHi2  float64 // trace of D^-1 and D^-2
	trP, trPP    float64
	yPy          float64
	yPPy, yPPPy  float64
	logDetA      float64
	beta         []float64 // (W' D^-1 W)^-1 W' D^-1 y
	varLast      float64   // ((W' D^-1 W)^-1)_{c-1,c-1}
}

// quantities evaluates the decomposed likelihood terms at one trial lambda.
// Everything reduces to c x c systems after one pass over the n rows.
func (m *Model) quantities(lambda float64) (*quant, error) {
	n, c := m.n, m.c

	aSym := mat.NewSymDense(c, nil)
	bSym := mat.NewSymDense(c, nil)
	cSym := mat.NewSymDense(c, nil)
	a1 := make([]float64, c)
	a2 := make([]float64, c)
	a3 := make([]float64, c)
	var s1, s2, s3, sumLogD, trHi, trHi2 float64

	for i := 0; i < n; i++ {
		di := m.d[i] + lambda
		w := 1 / di
		w2 := w * w
		w3 := w2 * w
		sumLogD += math.Log(di)
		trHi += w
		trHi2 += w2

		yi := m.uty[i]
		s1 += w * yi * yi
		s2 += w2 * yi * yi
		s3 += w3 * yi * yi

		row := m.utw.RawRowView(i)
		for j := 0; j < c; j++ {
			rj := row[j]
			a1[j] += w * yi * rj
			a2[j] += w2 * yi * rj
			a3[j] += w3 * yi * rj
			for k := j; k < c; k++ {
				p := rj * row[k]
				aSym.SetSym(j, k, aSym.At(j, k)+w*p)
				bSym.SetSym(j, k, bSym.At(j, k)+w2*p)
				cSym.SetSym(j, k, cSym.At(j, k)+w3*p)
			}
		}
	}

	var chol mat.Cholesky
	if !chol.Factorize(aSym) {
		return nil, fmt.Errorf("%w: weighted Gram matrix at lambda=%g", ErrSingularDesign, lambda)
	}

	a1v := mat.NewVecDense(c, a1)
	a2v := mat.NewVecDense(c, a2)

	u := mat.NewVecDense(c, nil) // A^-1 a1
	v := mat.NewVecDense(c, nil) // A^-1 a2
	if err := chol.SolveVecTo(u, a1v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSingularDesign, err)
	}
	if err := chol.SolveVecTo(v, a2v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSingularDesign, err)
	}

	bu := mat.NewVecDense(c, nil)
	bu.MulVec(bSym, u)
	bv := mat.NewVecDense(c, nil)
	bv.MulVec(bSym, v)
	cu := mat.NewVecDense(c, nil)
	cu.MulVec(cSym, u)
	abu := mat.NewVecDense(c, nil) // A^-1 B u
	if err := chol.SolveVecTo(abu, bu); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSingularDesign, err)
	}

	aib := mat.NewDense(c, c, nil) // A^-1 B
	if err := chol.SolveTo(aib, bSym); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSingularDesign, err)
	}
	aic := mat.NewDense(c, c, nil) // A^-1 C
	if err := chol.SolveTo(aic, cSym); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSingularDesign, err)
	}

	var trAiB, trAiC, trAiBAiB float64
	for j := 0; j < c; j++ {
		trAiB += aib.At(j, j)
		trAiC += aic.At(j, j)
		for k := 0; k < c; k++ {
			trAiBAiB += aib.At(j, k) * aib.At(k, j)
		}
	}

	us := u.RawVector().Data
	vs := v.RawVector().Data

	yPy := s1 - floats.Dot(a1, us)
	if yPy < yPyFloor {
		yPy = yPyFloor
	}
	yPPy := s2 - 2*floats.Dot(a2, us) + mat.Dot(u, bu)
	yPPPy := s3 - 2*floats.Dot(a3, us) - floats.Dot(a2, vs) +
		2*mat.Dot(u, bv) + mat.Dot(u, cu) - mat.Dot(bu, abu)

	// Last diagonal entry of A^-1, needed for the marker's standard error.
	ec := mat.NewVecDense(c, nil)
	ec.SetVec(c-1, 1)
	z := mat.NewVecDense(c, nil)
	if err := chol.SolveVecTo(z, ec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSingularDesign, err)
	}

	beta := make([]float64, c)
	copy(beta, us)

	return &quant{
		lambda:  lambda,
		sumLogD: sumLogD,
		trHi:    trHi,
		trHi2:   trHi2,
		trP:     trHi - trAiB,
		trPP:    trHi2 - 2*trAiC + trAiBAiB,
		yPy:     yPy,
		yPPy:    yPPy,
		yPPPy:   yPPPy,
		logDetA: chol.LogDet(),
		beta:    beta,
		varLast: z.AtVec(c - 1),
	}, nil
}

// logLik returns the profiled log-likelihood (beta and vg maximized out) at
// q.lambda, restricted (REML) or full (ML).
func (m *Model) logLik(q *quant, reml bool) float64 {
	if reml {
		df := float64(m.n - m.c)
		return 0.5 * (df*math.Log(df/(2*math.Pi)) - df - df*math.Log(q.yPy) -
			q.sumLogD - q.logDetA + m.logDetWtW)
	}
	fn := float64(m.n)
	return 0.5 * (fn*math.Log(fn/(2*math.Pi)) - fn - fn*math.Log(q.yPy) - q.sumLogD)
}

// score returns d logLik / d lambda, the root sought by Newton-Raphson.
func (m *Model) score(q *quant, reml bool) float64 {
	if reml {
		df := float64(m.n - m.c)
		return -0.5*q.trP + 0.5*df*q.yPPy/q.yPy
	}
	fn := float64(m.n)
	return -0.5*q.trHi + 0.5*fn*q.yPPy/q.yPy
}

// hessian returns d^2 logLik / d lambda^2; negative near a proper maximum.
func (m *Model) hessian(q *quant, reml bool) float64 {
	ratio := (q.yPPy*q.yPPy - 2*q.yPPPy*q.yPy) / (q.yPy * q.yPy)
	if reml {
		df := float64(m.n - m.c)
		return 0.5*q.trPP + 0.5*df*ratio
	}
	fn := float64(m.n)
	return 0.5*q.trHi2 + 0.5*fn*ratio
}
