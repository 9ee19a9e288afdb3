package gwas

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
)

// Marker is one streamed genotype record: per-individual dosages with
// missing entries left as NaN. The tester imputes, filters and rotates;
// the stream only decodes.
type Marker struct {
	Index int
	ID    string
	Geno  []float64
}

// MarkerSource produces a lazy, finite, single-pass sequence of markers.
// The production order defines the output order of the association results.
type MarkerSource interface {
	Next() (*Marker, error) // io.EOF when exhausted
}

// GenoFileStream streams a row-per-marker binary genotype file: one byte per
// individual, dosage as int8, negative values meaning missing. An optional
// column filter drops individuals excluded by phenotype missingness.
type GenoFileStream struct {
	filename  string
	file      *os.File
	reader    *bufio.Reader
	numRows   uint64
	numCols   uint64
	lineCount uint64
	buf       []byte

	ids []string

	filtCols   []bool
	filtNumCol uint64
}

// NewGenoFileStream opens a stream of numRow markers over numCol
// individuals. ids may be nil, in which case markers are named by position.
func NewGenoFileStream(filename string, numRow, numCol uint64, ids []string) (*GenoFileStream, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	if ids != nil && uint64(len(ids)) != numRow {
		return nil, fmt.Errorf("gwas: %d marker ids for %d markers", len(ids), numRow)
	}

	return &GenoFileStream{
		filename:  filename,
		file:      file,
		buf:       make([]byte, numCol),
		numRows:   numRow,
		numCols:   numCol,
		reader:    bufio.NewReader(file),
		lineCount: 0,
		ids:       ids,
	}, nil
}

// Next decodes the next marker row, applying the column filter.
func (gfs *GenoFileStream) Next() (*Marker, error) {
	if gfs.checkEOF() {
		return nil, io.EOF
	}

	if _, err := io.ReadFull(gfs.reader, gfs.buf); err != nil {
		return nil, fmt.Errorf("gwas: reading %s row %d: %w", gfs.filename, gfs.lineCount, err)
	}

	geno := make([]float64, gfs.NumColsToKeep())
	idx := 0
	for i := range gfs.buf {
		if gfs.filtCols == nil || gfs.filtCols[i] {
			v := float64(int8(gfs.buf[i]))
			if v < 0 { // missing
				v = math.NaN()
			}
			geno[idx] = v
			idx++
		}
	}

	m := &Marker{
		Index: int(gfs.lineCount),
		Geno:  geno,
	}
	if gfs.ids != nil {
		m.ID = gfs.ids[gfs.lineCount]
	} else {
		m.ID = fmt.Sprintf("snp%d", gfs.lineCount)
	}

	gfs.lineCount++
	return m, nil
}

// Reset rewinds the stream for another pass.
func (gfs *GenoFileStream) Reset() error {
	var err error
	if gfs.file == nil {
		gfs.file, err = os.Open(gfs.filename)
	} else {
		_, err = gfs.file.Seek(0, io.SeekStart)
	}
	if err != nil {
		return err
	}

	gfs.reader = bufio.NewReader(gfs.file)
	gfs.lineCount = 0
	return nil
}

func (gfs *GenoFileStream) NumRows() uint64 {
	return gfs.numRows
}

func (gfs *GenoFileStream) NumCols() uint64 {
	return gfs.numCols
}

func (gfs *GenoFileStream) NumColsToKeep() uint64 {
	if gfs.filtCols == nil {
		return gfs.NumCols()
	}
	return gfs.filtNumCol
}

func (gfs *GenoFileStream) checkEOF() bool {
	if gfs.lineCount >= gfs.numRows {
		if gfs.file != nil {
			gfs.file.Close()
		}
		gfs.file = nil
		gfs.reader = nil

		return true
	}

	return false
}

// SetColFilt keeps only the individuals marked true.
func (gfs *GenoFileStream) SetColFilt(a []bool) error {
	if len(a) != int(gfs.numCols) {
		return fmt.Errorf("gwas: column filter length %d, want %d", len(a), gfs.numCols)
	}

	gfs.filtCols = make([]bool, gfs.numCols)
	sum := 0
	for i := range a {
		gfs.filtCols[i] = a[i]
		if a[i] {
			sum++
		}
	}
	gfs.filtNumCol = uint64(sum)
	return nil
}

// LineCount reports how many marker rows have been consumed.
func (gfs *GenoFileStream) LineCount() uint64 {
	return gfs.lineCount
}
