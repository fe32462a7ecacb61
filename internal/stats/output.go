package stats

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gocarina/gocsv"

	"softbot/internal/model"
)

// DiagnosticsWriter appends one CSV row per completed generation. A nil
// writer discards rows.
type DiagnosticsWriter struct {
	file          *os.File
	headerWritten bool
}

// NewDiagnosticsWriter opens <dir>/diagnostics.csv for appending, so a
// resumed run extends the rows of the earlier one. An empty dir disables
// output and returns nil.
func NewDiagnosticsWriter(dir string) (*DiagnosticsWriter, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "diagnostics.csv"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening diagnostics.csv: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &DiagnosticsWriter{file: f, headerWritten: info.Size() > 0}, nil
}

// ObserveDiagnostics writes one row, with the header on first use.
func (w *DiagnosticsWriter) ObserveDiagnostics(d model.GenerationDiagnostics) error {
	if w == nil {
		return nil
	}
	records := []model.GenerationDiagnostics{d}
	if !w.headerWritten {
		if err := gocsv.Marshal(records, w.file); err != nil {
			return fmt.Errorf("writing diagnostics: %w", err)
		}
		w.headerWritten = true
		return nil
	}
	if err := gocsv.MarshalWithoutHeaders(records, w.file); err != nil {
		return fmt.Errorf("writing diagnostics: %w", err)
	}
	return nil
}

func (w *DiagnosticsWriter) Close() error {
	if w == nil {
		return nil
	}
	return w.file.Close()
}

// WriteDiagnosticsCSV writes a whole diagnostics series at once.
func WriteDiagnosticsCSV(path string, diagnostics []model.GenerationDiagnostics) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	rows := diagnostics
	if rows == nil {
		rows = []model.GenerationDiagnostics{}
	}
	return closeWith(gocsv.MarshalFile(&rows, f), f)
}

// ReadDiagnosticsCSV parses a file written by WriteDiagnosticsCSV or a
// DiagnosticsWriter.
func ReadDiagnosticsCSV(path string) ([]model.GenerationDiagnostics, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var rows []model.GenerationDiagnostics
	if err := gocsv.UnmarshalFile(f, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}
