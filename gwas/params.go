package gwas

// FilterParams holds the per-marker quality thresholds: markers below the
// minor-allele-frequency bound or above the missingness bound are skipped,
// not tested.
type FilterParams struct {
	MafLowerBound float64
	GenoMissBound float64
}

// GWASParams tracks the dimensions of the analysis as phenotype filtering
// narrows it down from the raw input.
type GWASParams struct {
	numInds int
	numCovs int
	numSnps int

	numFiltInds int
}

func InitGWASParams(numInds, numSnps, numCovs int) *GWASParams {
	gwasParams := &GWASParams{
		numInds: numInds,
		numSnps: numSnps,
		numCovs: numCovs,
	}
	return gwasParams
}

func (p *GWASParams) NumInds() int     { return p.numInds }
func (p *GWASParams) NumSnps() int     { return p.numSnps }
func (p *GWASParams) NumCovs() int     { return p.numCovs }
func (p *GWASParams) NumFiltInds() int { return p.numFiltInds }

func (p *GWASParams) SetNumFiltInds(n int) { p.numFiltInds = n }
