package train

import (
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
)

// ReportWriter places report files: interim reports under
// <output>/reports/<step>/<epoch>/ and final reports directly under
// <output>/reports/<step>/.
type ReportWriter struct {
	outputDir string
	step      string
}

func NewReportWriter(outputDir, step string) *ReportWriter {
	return &ReportWriter{outputDir: outputDir, step: step}
}

func (w *ReportWriter) stepDir() string {
	return filepath.Join(w.outputDir, "reports", w.step)
}

// InterimPath returns the path of an interim report file for one epoch.
func (w *ReportWriter) InterimPath(epoch int, name string) string {
	return filepath.Join(w.stepDir(), strconv.Itoa(epoch), name)
}

// FinalPath returns the flat path of a final report file.
func (w *ReportWriter) FinalPath(name string) string {
	return filepath.Join(w.stepDir(), name)
}

// WriteInterim renders one interim report. I/O failures propagate.
func (w *ReportWriter) WriteInterim(epoch int, name string, render func(io.Writer) error) error {
	return writeReport(w.InterimPath(epoch, name), render)
}

// WriteFinal renders one final report.
func (w *ReportWriter) WriteFinal(name string, render func(io.Writer) error) error {
	return writeReport(w.FinalPath(name), render)
}

func writeReport(path string, render func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create report dir")
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create report")
	}
	if err := render(f); err != nil {
		f.Close()
		return errors.Wrap(err, "render report")
	}
	return errors.Wrap(f.Close(), "close report")
}
