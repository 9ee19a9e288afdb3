package gwas

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/aartaka/GEMMA/lmm"
)

// AssocWriter streams association results to <prefix>.assoc.txt and skip
// notices to <prefix>.skipped.txt, in input marker order.
type AssocWriter struct {
	assocFile *os.File
	skipFile  *os.File
	assoc     *bufio.Writer
	skip      *bufio.Writer

	tests lmm.TestSet
}

// NewAssocWriter creates both output files under dir with the given prefix
// and writes the header row matching the enabled tests.
func NewAssocWriter(dir, prefix string, tests lmm.TestSet) (*AssocWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	assocFile, err := os.Create(fmt.Sprintf("%s/%s.assoc.txt", dir, prefix))
	if err != nil {
		return nil, err
	}
	skipFile, err := os.Create(fmt.Sprintf("%s/%s.skipped.txt", dir, prefix))
	if err != nil {
		assocFile.Close()
		return nil, err
	}

	w := &AssocWriter{
		assocFile: assocFile,
		skipFile:  skipFile,
		assoc:     bufio.NewWriter(assocFile),
		skip:      bufio.NewWriter(skipFile),
		tests:     tests,
	}

	cols := []string{"id", "n_miss", "af", "beta", "se", "lambda", "logl_alt"}
	if tests.Wald {
		cols = append(cols, "p_wald")
	}
	if tests.LRT {
		cols = append(cols, "p_lrt")
	}
	if tests.Score {
		cols = append(cols, "p_score")
	}
	if _, err := fmt.Fprintln(w.assoc, strings.Join(cols, "\t")); err != nil {
		w.Close()
		return nil, err
	}
	if _, err := fmt.Fprintln(w.skip, "id\treason"); err != nil {
		w.Close()
		return nil, err
	}

	return w, nil
}

// Write emits one record to the matching file.
func (w *AssocWriter) Write(rec *Record) error {
	if rec.Skip != "" {
		_, err := fmt.Fprintf(w.skip, "%s\t%s\n", rec.ID, rec.Skip)
		return err
	}

	s := rec.Stats
	if _, err := fmt.Fprintf(w.assoc, "%s\t%d\t%.6g\t%.6e\t%.6e\t%.6e\t%.6g",
		rec.ID, rec.NMiss, rec.AF, s.Beta, s.SE, s.Lambda, s.LogLikAlt); err != nil {
		return err
	}
	if w.tests.Wald {
		if _, err := fmt.Fprintf(w.assoc, "\t%.6e", s.PWald); err != nil {
			return err
		}
	}
	if w.tests.LRT {
		if _, err := fmt.Fprintf(w.assoc, "\t%.6e", s.PLRT); err != nil {
			return err
		}
	}
	if w.tests.Score {
		if _, err := fmt.Fprintf(w.assoc, "\t%.6e", s.PScore); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w.assoc)
	return err
}

// Close flushes and closes both files.
func (w *AssocWriter) Close() error {
	var firstErr error
	if err := w.assoc.Flush(); err != nil {
		firstErr = err
	}
	if err := w.skip.Flush(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.assocFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.skipFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
