// Package csvsink writes one Result row per rate-step to the CSV
// output file named with -c, matching spec.md §6's exact header and
// field format. There is no pack example for this semicolon-delimited,
// trailing-terminator format, so this is built directly on
// encoding/csv rather than invented field-escaping logic.
package csvsink

import (
	"encoding/csv"
	"fmt"
	"os"
	"strings"
)

// Result is one rate-step's aggregated measurement, the shape the
// controller hands to ResultSink implementations.
type Result struct {
	SendQPS     float64
	ReceivedQPS float64
	ErrorQPS    float64
	LostRate    float64 // fraction, e.g. 0.123 for 12.3%
	RTTAvgMs    float64
	RTTMinMs    float64
	RTTMaxMs    float64
}

// header's final element is an empty trailing field, so joining the
// fields with ';' ends the line with the literal trailing ';'. The header
// is joined and written directly rather than through encoding/csv,
// which would quote every field that begins with a space. Data rows use
// the same empty trailing field with the csv writer.
var header = []string{
	"#QPS Send", " QPS Received", " QPS Errors", " Lostrate", " rtt_avg", " rtt_min", " rtt_max", "",
}

// Sink appends Result rows to a CSV file, writing the header only the
// first time the file is created.
type Sink struct {
	path string
}

// Open returns a Sink bound to path. The file (and its header) are
// created lazily on the first Write call so that Open never creates an
// empty file for a run that produces no results.
func Open(path string) *Sink {
	return &Sink{path: path}
}

// Write appends one row, creating the file and its header row if this
// is the first write.
func (s *Sink) Write(r Result) error {
	_, statErr := os.Stat(s.path)
	isNew := os.IsNotExist(statErr)

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("csvsink: open %s: %w", s.path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Comma = ';'
	w.UseCRLF = false

	if isNew {
		if _, err := fmt.Fprintln(f, strings.Join(header, ";")); err != nil {
			return fmt.Errorf("csvsink: write header: %w", err)
		}
	}

	row := []string{
		fmt.Sprintf("%.0f", r.SendQPS),
		fmt.Sprintf("%.0f", r.ReceivedQPS),
		fmt.Sprintf("%.0f", r.ErrorQPS),
		fmt.Sprintf("%.3f", r.LostRate*100),
		fmt.Sprintf("%.4f", r.RTTAvgMs),
		fmt.Sprintf("%.4f", r.RTTMinMs),
		fmt.Sprintf("%.4f", r.RTTMaxMs),
		"",
	}
	if err := w.Write(row); err != nil {
		return fmt.Errorf("csvsink: write row: %w", err)
	}
	w.Flush()
	return w.Error()
}
