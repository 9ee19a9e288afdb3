package lmm

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// symTol bounds the allowed relative asymmetry |k_ij - k_ji| of the input
// relatedness matrix before it is rejected as malformed.
const symTol = 1e-6

// Eigensystem is the spectral decomposition of the relatedness matrix,
// computed exactly once per analysis and shared read-only by every
// downstream step.
type Eigensystem struct {
	// Values holds the eigenvalues in ascending order. Small negative
	// values produced by floating-point error are clamped to zero.
	Values []float64
	// Vectors holds the orthonormal eigenvectors, column i matching
	// Values[i].
	Vectors *mat.Dense
}

// EigenKinship decomposes the n x n relatedness matrix k. The matrix must be
// square, symmetric and finite; violations are reported as ErrDecomposition
// since no downstream state is usable without the eigensystem.
func EigenKinship(k *mat.Dense) (*Eigensystem, error) {
	r, c := k.Dims()
	if r != c {
		return nil, fmt.Errorf("%w: matrix is %dx%d, want square", ErrDecomposition, r, c)
	}

	scale := 0.0
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := k.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: non-finite entry at (%d,%d)", ErrDecomposition, i, j)
			}
			if a := math.Abs(v); a > scale {
				scale = a
			}
		}
	}
	if scale == 0 {
		scale = 1
	}

	sym := mat.NewSymDense(r, nil)
	for i := 0; i < r; i++ {
		for j := i; j < r; j++ {
			a, b := k.At(i, j), k.At(j, i)
			if math.Abs(a-b) > symTol*scale {
				return nil, fmt.Errorf("%w: asymmetric entry at (%d,%d): %g vs %g", ErrDecomposition, i, j, a, b)
			}
			sym.SetSym(i, j, 0.5*(a+b))
		}
	}

	var es mat.EigenSym
	if ok := es.Factorize(sym, true); !ok {
		return nil, fmt.Errorf("%w: eigendecomposition did not converge", ErrDecomposition)
	}

	vals := es.Values(nil)
	for i := range vals {
		// Rank-deficient kinship matrices routinely produce tiny
		// negative eigenvalues; treat them as zero, not as an error.
		if vals[i] < 0 {
			vals[i] = 0
		}
	}

	vecs := mat.NewDense(r, r, nil)
	es.VectorsTo(vecs)

	return &Eigensystem{Values: vals, Vectors: vecs}, nil
}

// N returns the number of individuals in the decomposition.
func (e *Eigensystem) N() int {
	return len(e.Values)
}
