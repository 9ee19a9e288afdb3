package gwas

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/aartaka/GEMMA/lmm"
)

// Dataset holds the fully materialized per-individual inputs after
// phenotype-missingness filtering: everything downstream of here sees only
// the kept individuals.
type Dataset struct {
	Pheno   []float64  // length NumKept
	Covar   *mat.Dense // NumKept x c, intercept first
	Kinship *mat.Dense // NumKept x NumKept

	// Keep marks, over the original individual order, who survived
	// phenotype filtering. The genotype stream is filtered with it.
	Keep    []bool
	NumKept int
}

// LoadDataset reads phenotype, covariates and kinship per the config,
// drops individuals with missing phenotype, and subsets everything to the
// kept individuals.
func LoadDataset(config *Config) (*Dataset, error) {
	pheno, keep, err := ReadPhenoFile(config.PhenoFile, config.NumInds)
	if err != nil {
		return nil, err
	}

	numKept := 0
	for _, k := range keep {
		if k {
			numKept++
		}
	}
	if numKept == 0 {
		return nil, fmt.Errorf("%w: no individuals with observed phenotype", lmm.ErrDimensionMismatch)
	}

	var kin *mat.Dense
	if config.KinshipBinary {
		kin, err = ReadFloatBin(config.KinshipFile, config.NumInds, config.NumInds)
	} else {
		kin, err = ReadTableFile(config.KinshipFile, config.NumInds)
	}
	if err != nil {
		return nil, err
	}
	if _, c := kin.Dims(); c != config.NumInds {
		return nil, fmt.Errorf("%w: kinship has %d columns for %d individuals", lmm.ErrDimensionMismatch, c, config.NumInds)
	}

	var rawCovar *mat.Dense
	if config.CovFile != "" {
		rawCovar, err = ReadTableFile(config.CovFile, config.NumInds)
		if err != nil {
			return nil, err
		}
	}

	ds := &Dataset{
		Keep:    keep,
		NumKept: numKept,
		Pheno:   make([]float64, 0, numKept),
	}
	for i, k := range keep {
		if k {
			ds.Pheno = append(ds.Pheno, pheno[i])
		}
	}

	// Intercept column always present; the covariate file supplies only
	// the additional fixed effects.
	numCovs := 1
	if rawCovar != nil {
		_, c := rawCovar.Dims()
		numCovs += c
	}
	ds.Covar = mat.NewDense(numKept, numCovs, nil)
	row := 0
	for i, k := range keep {
		if !k {
			continue
		}
		ds.Covar.Set(row, 0, 1)
		for j := 1; j < numCovs; j++ {
			ds.Covar.Set(row, j, rawCovar.At(i, j-1))
		}
		row++
	}

	ds.Kinship = mat.NewDense(numKept, numKept, nil)
	ri := 0
	for i, ki := range keep {
		if !ki {
			continue
		}
		rj := 0
		for j, kj := range keep {
			if !kj {
				continue
			}
			ds.Kinship.Set(ri, rj, kin.At(i, j))
			rj++
		}
		ri++
	}

	return ds, nil
}

// ReadPhenoFile reads one phenotype value per line; "NA" marks a missing
// phenotype and excludes the individual from the analysis.
func ReadPhenoFile(filename string, n int) (pheno []float64, keep []bool, err error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Split(bufio.ScanLines)

	pheno = make([]float64, n)
	keep = make([]bool, n)
	for i := 0; i < n; i++ {
		if !scanner.Scan() {
			return nil, nil, fmt.Errorf("%w: %s has fewer than %d lines", lmm.ErrDimensionMismatch, filename, n)
		}
		field := strings.TrimSpace(scanner.Text())
		if strings.EqualFold(field, "NA") {
			pheno[i] = math.NaN()
			continue
		}
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("parse error in %s line %d: %w", filename, i+1, err)
		}
		pheno[i] = v
		keep[i] = true
	}
	if scanner.Scan() {
		return nil, nil, fmt.Errorf("%w: %s has more than %d lines", lmm.ErrDimensionMismatch, filename, n)
	}

	return pheno, keep, nil
}

// ReadTableFile reads a whitespace-separated float table with nrow rows; the
// column count is taken from the first row.
func ReadTableFile(filename string, nrow int) (*mat.Dense, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 1024*1024), 64*1024*1024)
	scanner.Split(bufio.ScanLines)

	var data []float64
	ncol := -1
	for i := 0; i < nrow; i++ {
		if !scanner.Scan() {
			return nil, fmt.Errorf("%w: %s has fewer than %d rows", lmm.ErrDimensionMismatch, filename, nrow)
		}
		fields := strings.Fields(scanner.Text())
		if ncol == -1 {
			ncol = len(fields)
			data = make([]float64, 0, nrow*ncol)
		} else if len(fields) != ncol {
			return nil, fmt.Errorf("%w: %s row %d has %d fields, want %d", lmm.ErrDimensionMismatch, filename, i+1, len(fields), ncol)
		}
		for _, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("parse error in %s row %d: %w", filename, i+1, err)
			}
			data = append(data, v)
		}
	}

	return mat.NewDense(nrow, ncol, data), nil
}

// ReadFloatBin reads a packed row-major little-endian float64 matrix.
func ReadFloatBin(filename string, nrow, ncol int) (*mat.Dense, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := bufio.NewReader(file)

	buf := make([]byte, 8*nrow*ncol)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return nil, fmt.Errorf("gwas: reading %s: %w", filename, err)
	}
	bufFloat := make([]float64, nrow*ncol)
	for i := 0; i < len(buf); i += 8 {
		bufFloat[i/8] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i : i+8]))
	}

	return mat.NewDense(nrow, ncol, bufFloat), nil
}

// WriteFloatBin writes X in the packed format ReadFloatBin reads.
func WriteFloatBin(X *mat.Dense, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	r, c := X.Dims()
	buf := make([]byte, 8)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			binary.LittleEndian.PutUint64(buf, math.Float64bits(X.At(i, j)))
			if _, err := writer.Write(buf); err != nil {
				return err
			}
		}
	}
	return writer.Flush()
}

// ReadSnpInfo reads marker identifiers, one per line; lines with extra
// whitespace-separated columns (chromosome, position) keep only the first.
func ReadSnpInfo(filename string, n int) ([]string, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Split(bufio.ScanLines)

	ids := make([]string, n)
	for i := 0; i < n; i++ {
		if !scanner.Scan() {
			return nil, fmt.Errorf("%w: %s has fewer than %d lines", lmm.ErrDimensionMismatch, filename, n)
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			return nil, fmt.Errorf("gwas: empty marker id in %s line %d", filename, i+1)
		}
		ids[i] = fields[0]
	}

	return ids, nil
}
