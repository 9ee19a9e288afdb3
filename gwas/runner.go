package gwas

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/montanaflynn/stats"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/sync/errgroup"

	"github.com/aartaka/GEMMA/lmm"
)

// Skip reason codes reported to the output sink for untested markers.
const (
	SkipMonomorphic = "monomorphic"
	SkipMissingness = "high_missingness"
	SkipLowMaf      = "low_maf"
	SkipSingular    = "singular_design"
)

// chi2Median is the median of the chi-squared distribution with one degree
// of freedom, the denominator of the genomic-control inflation factor.
const chi2Median = 0.4549364231195724

// Record is the per-marker outcome streamed to the sink: either an
// association result or a skip notice with its reason.
type Record struct {
	ID    string
	NMiss int
	AF    float64

	Stats *lmm.MarkerStats
	Skip  string // empty when tested
}

// Summary is the end-of-run accounting the user sees.
type Summary struct {
	Tested       int
	Skipped      int
	NonConverged int
	SkipCounts   map[string]int

	// GCLambda is the genomic-control inflation factor, the median Wald
	// chi-squared statistic over its theoretical null median. NaN when
	// the Wald test is disabled or nothing was tested.
	GCLambda float64
}

// Runner wires the one-time stages (eigendecomposition, rotation, null fit)
// to the parallel per-marker loop. The eigensystem and the fitted null are
// computed once and shared read-only across all workers.
type Runner struct {
	config *Config
	ds     *Dataset
	params *GWASParams
	filter FilterParams

	eig  *lmm.Eigensystem
	null *lmm.Null
}

// NewRunner performs the sequential one-time stages. The eigendecomposition
// runs here, exactly once per analysis; nothing on the marker path ever
// triggers it again.
func NewRunner(config *Config, ds *Dataset) (*Runner, error) {
	_, numCovs := ds.Covar.Dims()
	params := InitGWASParams(config.NumInds, config.NumSnps, numCovs)
	params.SetNumFiltInds(ds.NumKept)

	start := time.Now()
	eig, err := lmm.EigenKinship(ds.Kinship)
	if err != nil {
		return nil, err
	}
	log.LLvl1(time.Now().Format(time.StampMilli), "kinship eigendecomposition:", ds.NumKept, "individuals,", time.Since(start).String())

	uty, err := eig.RotateSlice(ds.Pheno)
	if err != nil {
		return nil, err
	}
	utw, err := eig.RotateMat(ds.Covar)
	if err != nil {
		return nil, err
	}

	model, err := lmm.NewModel(eig.Values, uty, utw)
	if err != nil {
		return nil, err
	}

	start = time.Now()
	null, err := lmm.FitNull(model, config.AssocOptions())
	if err != nil {
		return nil, err
	}
	log.LLvl1(time.Now().Format(time.StampMilli), "null model fit:",
		"lambda", null.Fit.Lambda, "vg", null.Fit.VG, "ve", null.Fit.VE,
		"logl", null.Fit.LogLik, "converged", null.Fit.Converged,
		time.Since(start).String())

	return &Runner{
		config: config,
		ds:     ds,
		params: params,
		filter: config.FilterParams(),
		eig:    eig,
		null:   null,
	}, nil
}

// Null exposes the fitted null model.
func (r *Runner) Null() *lmm.Null { return r.null }

// Eigen exposes the kinship eigensystem.
func (r *Runner) Eigen() *lmm.Eigensystem { return r.eig }

// Run drives the per-marker loop: markers are pulled from src in batches,
// tested in parallel with pre-assigned output slots, and emitted to sink in
// input order regardless of which worker finished first. Per-marker failures
// become skip records; only I/O and dimension errors abort the run. Results
// already written stay written on cancellation.
func (r *Runner) Run(ctx context.Context, src MarkerSource, sink *AssocWriter, progress func(int)) (*Summary, error) {
	nproc := r.config.LocalNumThreads
	if nproc < 1 {
		nproc = 1
	}
	batchSize := r.config.BatchSize
	if batchSize < 1 {
		batchSize = 1
	}

	summary := &Summary{SkipCounts: make(map[string]int)}
	var waldStats []float64

	batch := make([]*Marker, 0, batchSize)
	out := make([]*Record, batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := r.testBatch(ctx, batch, out, nproc); err != nil {
			return err
		}
		for i := range batch {
			rec := out[i]
			if err := sink.Write(rec); err != nil {
				return err
			}
			if rec.Skip != "" {
				summary.Skipped++
				summary.SkipCounts[rec.Skip]++
			} else {
				summary.Tested++
				if !rec.Stats.Converged {
					summary.NonConverged++
				}
				if r.config.TestWald {
					t := rec.Stats.Beta / rec.Stats.SE
					waldStats = append(waldStats, t*t)
				}
			}
		}
		if progress != nil {
			progress(len(batch))
		}
		batch = batch[:0]
		return nil
	}

	for {
		marker, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return summary, err
		}
		batch = append(batch, marker)
		if len(batch) == batchSize {
			if err := flush(); err != nil {
				return summary, err
			}
		}
	}
	if err := flush(); err != nil {
		return summary, err
	}

	summary.GCLambda = math.NaN()
	if len(waldStats) > 0 {
		med, err := stats.Median(waldStats)
		if err == nil {
			summary.GCLambda = med / chi2Median
		}
	}

	return summary, nil
}

// testBatch fans the batch out over nproc workers, each writing into its
// marker's pre-assigned slot in out. No shared mutable state beyond the
// disjoint slots, so the hot path carries no locks.
func (r *Runner) testBatch(ctx context.Context, batch []*Marker, out []*Record, nproc int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	jobChannels := make([]chan int, nproc)
	for i := range jobChannels {
		jobChannels[i] = make(chan int, 32)
	}

	group, ctx := errgroup.WithContext(ctx)

	// Dispatcher
	group.Go(func() error {
		defer func() {
			for _, c := range jobChannels {
				close(c)
			}
		}()
		for i := range batch {
			select {
			case jobChannels[i%nproc] <- i:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	for thread := 0; thread < nproc; thread++ {
		thread := thread
		group.Go(func() error {
			for i := range jobChannels[thread] {
				rec, err := r.testOne(batch[i])
				if err != nil {
					return err
				}
				out[i] = rec
			}
			return nil
		})
	}

	return group.Wait()
}

// testOne applies the per-marker filters, imputes missing dosages to the
// mean, rotates the genotype and runs the configured tests. Skips come back
// as records, not errors; only unrecoverable states propagate.
func (r *Runner) testOne(marker *Marker) (*Record, error) {
	n := r.ds.NumKept
	if len(marker.Geno) != n {
		return nil, fmt.Errorf("%w: marker %s has %d dosages for %d individuals",
			lmm.ErrDimensionMismatch, marker.ID, len(marker.Geno), n)
	}

	rec := &Record{ID: marker.ID}

	var sum float64
	observed := 0
	for _, g := range marker.Geno {
		if !math.IsNaN(g) {
			sum += g
			observed++
		}
	}
	rec.NMiss = n - observed

	missFrac := float64(rec.NMiss) / float64(n)
	if observed == 0 || missFrac > r.filter.GenoMissBound {
		rec.Skip = SkipMissingness
		return rec, nil
	}

	mean := sum / float64(observed)
	rec.AF = mean / 2

	geno := make([]float64, n)
	variance := 0.0
	for i, g := range marker.Geno {
		if math.IsNaN(g) {
			g = mean
		}
		geno[i] = g
		variance += (g - mean) * (g - mean)
	}
	if variance == 0 {
		rec.Skip = SkipMonomorphic
		return rec, nil
	}

	maf := math.Min(rec.AF, 1-rec.AF)
	if maf < r.filter.MafLowerBound {
		rec.Skip = SkipLowMaf
		return rec, nil
	}

	utx, err := r.eig.RotateSlice(geno)
	if err != nil {
		return nil, err
	}

	ms, err := r.null.TestMarker(utx)
	if err != nil {
		if errors.Is(err, lmm.ErrSingularDesign) {
			rec.Skip = SkipSingular
			return rec, nil
		}
		return nil, err
	}
	rec.Stats = ms
	return rec, nil
}
