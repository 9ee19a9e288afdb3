package lmm

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// randomKinship builds Z Z^T / m from an n x m standard-normal matrix, a
// positive-semidefinite relatedness matrix of the kind the engine consumes.
func randomKinship(r *rand.Rand, n, m int) *mat.Dense {
	z := mat.NewDense(n, m, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < m; j++ {
			z.Set(i, j, r.NormFloat64())
		}
	}
	k := mat.NewDense(n, n, nil)
	k.Mul(z, z.T())
	k.Scale(1/float64(m), k)
	return k
}

func TestEigenKinshipRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	n := 50
	k := randomKinship(r, n, 80)

	eig, err := EigenKinship(k)
	require.NoError(t, err)
	require.Len(t, eig.Values, n)

	// U diag(L) U^T must reconstruct the input.
	d := mat.NewDiagDense(n, eig.Values)
	var rec mat.Dense
	rec.Product(eig.Vectors, d, eig.Vectors.T())
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			assert.InDelta(t, k.At(i, j), rec.At(i, j), 1e-8)
		}
	}

	// Columns must be orthonormal.
	var utu mat.Dense
	utu.Mul(eig.Vectors.T(), eig.Vectors)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			assert.InDelta(t, want, utu.At(i, j), 1e-10)
		}
	}
}

func TestEigenKinshipAscendingNonNegative(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	// Rank deficient on purpose: fewer markers than individuals.
	k := randomKinship(r, 30, 10)

	eig, err := EigenKinship(k)
	require.NoError(t, err)

	for i, v := range eig.Values {
		assert.GreaterOrEqual(t, v, 0.0, "eigenvalue %d", i)
		if i > 0 {
			assert.LessOrEqual(t, eig.Values[i-1], v)
		}
	}
}

func TestEigenKinshipRejectsNonSquare(t *testing.T) {
	k := mat.NewDense(3, 4, nil)
	_, err := EigenKinship(k)
	require.ErrorIs(t, err, ErrDecomposition)
}

func TestEigenKinshipRejectsNonFinite(t *testing.T) {
	k := mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, math.NaN(), 0,
		0, 0, 1,
	})
	_, err := EigenKinship(k)
	require.ErrorIs(t, err, ErrDecomposition)

	k.Set(1, 1, math.Inf(1))
	_, err = EigenKinship(k)
	require.ErrorIs(t, err, ErrDecomposition)
}

func TestEigenKinshipRejectsAsymmetric(t *testing.T) {
	k := mat.NewDense(2, 2, []float64{1, 0.9, 0.1, 1})
	_, err := EigenKinship(k)
	require.ErrorIs(t, err, ErrDecomposition)
}

func TestRotateRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	n := 20
	k := randomKinship(r, n, 40)
	eig, err := EigenKinship(k)
	require.NoError(t, err)

	v := make([]float64, n)
	for i := range v {
		v[i] = r.NormFloat64()
	}
	rot, err := eig.RotateSlice(v)
	require.NoError(t, err)

	// U (U^T v) = v for orthonormal U.
	back := mat.NewVecDense(n, nil)
	back.MulVec(eig.Vectors, mat.NewVecDense(n, rot))
	for i := 0; i < n; i++ {
		assert.InDelta(t, v[i], back.AtVec(i), 1e-10)
	}

	_, err = eig.RotateSlice(v[:n-1])
	require.ErrorIs(t, err, ErrDimensionMismatch)
}
