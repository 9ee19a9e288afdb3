package lmm

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// RotateVec computes U^T v, projecting v into the eigenbasis of the
// relatedness matrix. Applied once to the phenotype and once per marker to
// the genotype vector; the per-marker cost is O(n^2) because U is already
// available.
func (e *Eigensystem) RotateVec(v *mat.VecDense) (*mat.VecDense, error) {
	n := e.N()
	if v.Len() != n {
		return nil, fmt.Errorf("%w: vector length %d, eigensystem size %d", ErrDimensionMismatch, v.Len(), n)
	}
	out := mat.NewVecDense(n, nil)
	out.MulVec(e.Vectors.T(), v)
	return out, nil
}

// RotateMat computes U^T X for an n x c matrix X (the covariates).
func (e *Eigensystem) RotateMat(x *mat.Dense) (*mat.Dense, error) {
	n := e.N()
	r, c := x.Dims()
	if r != n {
		return nil, fmt.Errorf("%w: matrix has %d rows, eigensystem size %d", ErrDimensionMismatch, r, n)
	}
	out := mat.NewDense(n, c, nil)
	out.Mul(e.Vectors.T(), x)
	return out, nil
}

// RotateSlice is RotateVec for a bare slice, used on the per-marker hot path
// to avoid forcing callers through mat.VecDense.
func (e *Eigensystem) RotateSlice(v []float64) ([]float64, error) {
	n := e.N()
	if len(v) != n {
		return nil, fmt.Errorf("%w: vector length %d, eigensystem size %d", ErrDimensionMismatch, len(v), n)
	}
	out := make([]float64, n)
	vv := mat.NewVecDense(n, v)
	ov := mat.NewVecDense(n, out)
	ov.MulVec(e.Vectors.T(), vv)
	return out, nil
}
