package gwas

import (
	"context"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// sliceSource serves markers from memory, satisfying MarkerSource.
type sliceSource struct {
	markers []*Marker
	pos     int
}

func (s *sliceSource) Next() (*Marker, error) {
	if s.pos >= len(s.markers) {
		return nil, io.EOF
	}
	m := s.markers[s.pos]
	s.pos++
	return m, nil
}

// testCohort builds a synthetic dataset with a heritable phenotype.
func testCohort(t *testing.T, r *rand.Rand, n int) *Dataset {
	t.Helper()

	m := 2 * n
	z := mat.NewDense(n, m, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < m; j++ {
			z.Set(i, j, r.NormFloat64())
		}
	}
	kin := mat.NewDense(n, n, nil)
	kin.Mul(z, z.T())
	kin.Scale(1/float64(m), kin)

	g := make([]float64, n)
	sd := math.Sqrt(1 / float64(m))
	a := make([]float64, m)
	for j := range a {
		a[j] = sd * r.NormFloat64()
	}
	for i := 0; i < n; i++ {
		for j := 0; j < m; j++ {
			g[i] += z.At(i, j) * a[j]
		}
	}

	pheno := make([]float64, n)
	covar := mat.NewDense(n, 1, nil)
	keep := make([]bool, n)
	for i := 0; i < n; i++ {
		pheno[i] = 1 + g[i] + r.NormFloat64()
		covar.Set(i, 0, 1)
		keep[i] = true
	}

	return &Dataset{
		Pheno:   pheno,
		Covar:   covar,
		Kinship: kin,
		Keep:    keep,
		NumKept: n,
	}
}

func testConfig(n, snps int) *Config {
	config := &Config{
		NumInds:         n,
		NumSnps:         snps,
		TestWald:        true,
		TestLRT:         true,
		TestScore:       true,
		LocalNumThreads: 8,
		BatchSize:       32,
	}
	config.SetDefaults()
	return config
}

// randomMarkers mixes slow and fast markers so workers finish out of order:
// polymorphic markers run the full tester while monomorphic ones return
// almost immediately.
func randomMarkers(r *rand.Rand, n, count int) []*Marker {
	markers := make([]*Marker, count)
	for idx := range markers {
		geno := make([]float64, n)
		switch idx % 5 {
		case 3: // monomorphic, skipped fast
			for i := range geno {
				geno[i] = 1
			}
		case 4: // excessive missingness, skipped fast
			for i := range geno {
				geno[i] = math.NaN()
			}
		default:
			for i := range geno {
				for k := 0; k < 2; k++ {
					if r.Float64() < 0.3 {
						geno[i]++
					}
				}
			}
		}
		markers[idx] = &Marker{Index: idx, ID: markerID(idx), Geno: geno}
	}
	return markers
}

func markerID(idx int) string {
	return "rs" + string(rune('a'+idx/676%26)) + string(rune('a'+idx/26%26)) + string(rune('a'+idx%26))
}

func runOnce(t *testing.T, dir string, config *Config, ds *Dataset, markers []*Marker) *Summary {
	t.Helper()

	runner, err := NewRunner(config, ds)
	require.NoError(t, err)

	sink, err := NewAssocWriter(dir, config.OutPrefix, config.AssocOptions().Tests)
	require.NoError(t, err)

	src := &sliceSource{markers: markers}
	summary, err := runner.Run(context.Background(), src, sink, nil)
	require.NoError(t, err)
	require.NoError(t, sink.Close())
	return summary
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	return lines
}

func TestRunPreservesMarkerOrder(t *testing.T) {
	r := rand.New(rand.NewSource(31))
	n := 60
	ds := testCohort(t, r, n)
	config := testConfig(n, 300)
	// Per-marker re-fit maximizes the per-marker cost spread, so workers
	// genuinely finish out of order.
	config.PerMarkerLambda = true

	markers := randomMarkers(r, n, 300)
	dir := t.TempDir()
	summary := runOnce(t, dir, config, ds, markers)

	assert.Equal(t, 300, summary.Tested+summary.Skipped)

	lines := readLines(t, filepath.Join(dir, config.OutPrefix+".assoc.txt"))
	require.Greater(t, len(lines), 1)

	// Tested markers must come out in input order no matter which worker
	// finished first.
	indexOf := make(map[string]int, len(markers))
	for _, m := range markers {
		indexOf[m.ID] = m.Index
	}
	prev := -1
	for _, line := range lines[1:] {
		id := strings.SplitN(line, "\t", 2)[0]
		idx, ok := indexOf[id]
		require.True(t, ok, "unknown marker %s in output", id)
		assert.Greater(t, idx, prev, "marker %s out of order", id)
		prev = idx
	}
}

func TestRunDeterministic(t *testing.T) {
	r := rand.New(rand.NewSource(32))
	n := 50
	ds := testCohort(t, r, n)
	markers := randomMarkers(r, n, 120)

	dirA, dirB := t.TempDir(), t.TempDir()
	configA := testConfig(n, 120)
	configB := testConfig(n, 120)
	// Different worker counts must not change a single output byte.
	configB.LocalNumThreads = 3

	runOnce(t, dirA, configA, ds, markers)
	runOnce(t, dirB, configB, ds, markers)

	for _, name := range []string{"result.assoc.txt", "result.skipped.txt"} {
		a, err := os.ReadFile(filepath.Join(dirA, name))
		require.NoError(t, err)
		b, err := os.ReadFile(filepath.Join(dirB, name))
		require.NoError(t, err)
		assert.Equal(t, a, b, name)
	}
}

func TestRunSkipsAndCounts(t *testing.T) {
	r := rand.New(rand.NewSource(33))
	n := 40
	ds := testCohort(t, r, n)
	config := testConfig(n, 4)

	config.MafLB = 0.05

	mono := make([]float64, n)
	missing := make([]float64, n)
	rare := make([]float64, n)
	poly := make([]float64, n)
	for i := 0; i < n; i++ {
		mono[i] = 2
		missing[i] = math.NaN()
		if i%2 == 0 {
			poly[i] = 1
		}
	}
	rare[0] = 1 // one copy in the whole cohort: below the maf bound

	markers := []*Marker{
		{Index: 0, ID: "mono", Geno: mono},
		{Index: 1, ID: "miss", Geno: missing},
		{Index: 2, ID: "rare", Geno: rare},
		{Index: 3, ID: "poly", Geno: poly},
	}

	dir := t.TempDir()
	summary := runOnce(t, dir, config, ds, markers)

	assert.Equal(t, 1, summary.Tested)
	assert.Equal(t, 3, summary.Skipped)
	assert.Equal(t, 1, summary.SkipCounts[SkipMonomorphic])
	assert.Equal(t, 1, summary.SkipCounts[SkipMissingness])
	assert.Equal(t, 1, summary.SkipCounts[SkipLowMaf])

	skipLines := readLines(t, filepath.Join(dir, "result.skipped.txt"))
	require.Len(t, skipLines, 4) // header + 3 skips
	assert.Contains(t, skipLines[1], "mono")
	assert.Contains(t, skipLines[1], SkipMonomorphic)
	assert.Contains(t, skipLines[2], "miss")
	assert.Contains(t, skipLines[3], "rare")
}

func TestRunPartialMissingnessImputed(t *testing.T) {
	r := rand.New(rand.NewSource(34))
	n := 40
	ds := testCohort(t, r, n)
	config := testConfig(n, 1)
	config.SnpMissUB = 0.2

	geno := make([]float64, n)
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			geno[i] = 1
		}
	}
	geno[5] = math.NaN() // below the 20% bound: imputed, not skipped

	dir := t.TempDir()
	summary := runOnce(t, dir, config, ds, []*Marker{{Index: 0, ID: "part", Geno: geno}})

	assert.Equal(t, 1, summary.Tested)
	lines := readLines(t, filepath.Join(dir, "result.assoc.txt"))
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[1], "part\t1\t"), "n_miss column records the imputed entry: %s", lines[1])
}

func TestRunCancelledContext(t *testing.T) {
	r := rand.New(rand.NewSource(35))
	n := 40
	ds := testCohort(t, r, n)
	config := testConfig(n, 64)

	runner, err := NewRunner(config, ds)
	require.NoError(t, err)

	dir := t.TempDir()
	sink, err := NewAssocWriter(dir, config.OutPrefix, config.AssocOptions().Tests)
	require.NoError(t, err)
	defer sink.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := &sliceSource{markers: randomMarkers(r, n, 64)}
	_, err = runner.Run(ctx, src, sink, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSummaryGCLambda(t *testing.T) {
	r := rand.New(rand.NewSource(36))
	n := 60
	ds := testCohort(t, r, n)
	config := testConfig(n, 200)

	markers := randomMarkers(r, n, 200)
	dir := t.TempDir()
	summary := runOnce(t, dir, config, ds, markers)

	// Null markers: the inflation factor sits near 1.
	require.False(t, math.IsNaN(summary.GCLambda))
	assert.Greater(t, summary.GCLambda, 0.3)
	assert.Less(t, summary.GCLambda, 2.5)
}
