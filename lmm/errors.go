package lmm

import "errors"

var (
	// ErrDecomposition marks a relatedness matrix that cannot be
	// eigendecomposed: non-square, non-symmetric or non-finite input.
	// Fatal for the whole run.
	ErrDecomposition = errors.New("lmm: kinship decomposition failed")

	// ErrDimensionMismatch marks disagreeing phenotype/covariate/kinship
	// row counts. Fatal for the whole run.
	ErrDimensionMismatch = errors.New("lmm: dimension mismatch")

	// ErrSingularDesign marks a per-marker design matrix that cannot be
	// inverted (marker collinear with the covariates). Only the single
	// marker's test fails; the batch continues.
	ErrSingularDesign = errors.New("lmm: singular design matrix")
)
