package gwas

import (
	"fmt"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/aartaka/GEMMA/lmm"
)

// Config is the full run configuration, decoded from a toml file.
type Config struct {
	GenoBinFile string `toml:"geno_binary_file"`
	SnpInfoFile string `toml:"snp_info_file"`
	PhenoFile   string `toml:"pheno_file"`
	CovFile     string `toml:"covar_file"`
	KinshipFile string `toml:"kinship_file"`

	// KinshipBinary selects the packed float64 kinship format over the
	// whitespace text table.
	KinshipBinary bool `toml:"kinship_binary"`

	NumInds int `toml:"num_inds"`
	NumSnps int `toml:"num_snps"`

	OutDir    string `toml:"output_dir"`
	OutPrefix string `toml:"output_prefix"`

	UseML           bool `toml:"use_ml"`
	TestWald        bool `toml:"test_wald"`
	TestLRT         bool `toml:"test_lrt"`
	TestScore       bool `toml:"test_score"`
	PerMarkerLambda bool `toml:"per_marker_lambda"`

	SnpMissUB float64 `toml:"gmiss"`
	MafLB     float64 `toml:"maf_lb"`

	LambdaMin     float64 `toml:"lambda_min"`
	LambdaMax     float64 `toml:"lambda_max"`
	GridPoints    int     `toml:"grid_points"`
	NewtonTol     float64 `toml:"newton_tol"`
	NewtonMaxIter int     `toml:"newton_max_iter"`

	LocalNumThreads int    `toml:"local_num_threads"`
	BatchSize       int    `toml:"batch_size"`
	MemoryLimit     uint64 `toml:"memory_limit"`
}

// LoadConfig decodes path and fills in defaults.
func LoadConfig(path string) (*Config, error) {
	config := new(Config)
	if _, err := toml.DecodeFile(path, config); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// SetDefaults fills the optional knobs a minimal config leaves out.
func (config *Config) SetDefaults() {
	if !config.TestWald && !config.TestLRT && !config.TestScore {
		config.TestWald = true
	}
	if config.SnpMissUB == 0 {
		config.SnpMissUB = 0.05
	}
	if config.MafLB == 0 {
		config.MafLB = 0.01
	}
	if config.LocalNumThreads == 0 {
		config.LocalNumThreads = 1
	}
	if config.BatchSize == 0 {
		config.BatchSize = 1024
	}
	if config.OutDir == "" {
		config.OutDir = "out"
	}
	if config.OutPrefix == "" {
		config.OutPrefix = "result"
	}
}

// Validate rejects configurations the engine cannot run.
func (config *Config) Validate() error {
	if config.NumInds <= 0 {
		return fmt.Errorf("config: num_inds must be positive, got %d", config.NumInds)
	}
	if config.NumSnps <= 0 {
		return fmt.Errorf("config: num_snps must be positive, got %d", config.NumSnps)
	}
	if config.GenoBinFile == "" || config.PhenoFile == "" || config.KinshipFile == "" {
		return fmt.Errorf("config: geno_binary_file, pheno_file and kinship_file are required")
	}
	if config.SnpMissUB < 0 || config.SnpMissUB > 1 {
		return fmt.Errorf("config: gmiss must be in [0,1], got %g", config.SnpMissUB)
	}
	return nil
}

// OutFile resolves a result file name inside the output directory.
func (config *Config) OutFile(name string) string {
	return filepath.Join(config.OutDir, name)
}

// FitOptions maps the config onto the variance-component search options.
func (config *Config) FitOptions() lmm.FitOptions {
	return lmm.FitOptions{
		REML:       !config.UseML,
		LambdaMin:  config.LambdaMin,
		LambdaMax:  config.LambdaMax,
		GridPoints: config.GridPoints,
		Tol:        config.NewtonTol,
		MaxIter:    config.NewtonMaxIter,
	}
}

// AssocOptions maps the config onto the per-marker tester options.
func (config *Config) AssocOptions() lmm.AssocOptions {
	return lmm.AssocOptions{
		Fit: config.FitOptions(),
		Tests: lmm.TestSet{
			Wald:  config.TestWald,
			LRT:   config.TestLRT,
			Score: config.TestScore,
		},
		PerMarkerLambda: config.PerMarkerLambda,
	}
}

// FilterParams extracts the per-marker filtering thresholds.
func (config *Config) FilterParams() FilterParams {
	return FilterParams{
		MafLowerBound: config.MafLB,
		GenoMissBound: config.SnpMissUB,
	}
}
