// Package export writes event logs in the two-column format the offline
// analysis reads.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/ashureev/simpa/internal/domain"
)

// Header is the first line of every exported log.
var Header = []string{"event_id", "timestamp"}

// WriteCSV writes rows as event_id,timestamp lines after the header.
func WriteCSV(w io.Writer, rows []domain.Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, r := range rows {
		record := []string{
			strconv.Itoa(r.EventID),
			strconv.FormatFloat(r.Elapsed, 'f', 6, 64),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write row %d: %w", r.Seq, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// TrialHeader is the first line of an exported trial plan.
var TrialHeader = []string{"trial", "interval", "pulse_index", "timing"}

// WriteTrialsCSV writes the planned trials of a session.
func WriteTrialsCSV(w io.Writer, trials []domain.TrialRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(TrialHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, t := range trials {
		pulse := ""
		if t.PulseIndex != nil {
			pulse = strconv.Itoa(*t.PulseIndex)
		}
		record := []string{
			strconv.Itoa(t.Index),
			strconv.FormatFloat(t.Interval, 'f', 3, 64),
			pulse,
			t.Timing,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write trial %d: %w", t.Index, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
