package poller

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"
)

// Row markers written when a tick produced no statistics.
const (
	MarkerNoContents = "(no contents)"
	MarkerNotStarted = "(not started)"
)

// Sink is the destination of one session's CSV stream.
type Sink interface {
	io.Writer
	Flush() error
	Close() error
}

// csvFormatter turns statistics snapshots into CSV rows on a sink.
//
// The header is written once, from the first non-empty snapshot. Snapshots
// with different names or ordering are written as they come without a new
// header.
type csvFormatter struct {
	sink          Sink
	w             *csv.Writer
	headerWritten bool
}

func newCSVFormatter(sink Sink) *csvFormatter {
	w := csv.NewWriter(sink)
	w.UseCRLF = true
	return &csvFormatter{sink: sink, w: w}
}

// writeStats writes the row for one tick, preceded by the header when this is
// the first tick with statistics.
func (f *csvFormatter) writeStats(ts time.Time, entries []StatEntry) error {
	if !f.headerWritten && len(entries) > 0 {
		header := make([]string, 0, len(entries)+1)
		header = append(header, "Time")
		for _, e := range entries {
			header = append(header, e.Name)
		}
		if err := f.w.Write(header); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
		f.headerWritten = true
	}

	row := make([]string, 0, len(entries)+1)
	row = append(row, timestamp(ts))
	for _, e := range entries {
		row = append(row, e.Value)
	}
	if err := f.w.Write(row); err != nil {
		return fmt.Errorf("write row: %w", err)
	}
	return f.flush()
}

// writeMarker writes a row holding only the timestamp and marker.
func (f *csvFormatter) writeMarker(ts time.Time, marker string) error {
	if err := f.w.Write([]string{timestamp(ts), marker}); err != nil {
		return fmt.Errorf("write row: %w", err)
	}
	return f.flush()
}

func (f *csvFormatter) flush() error {
	f.w.Flush()
	if err := f.w.Error(); err != nil {
		return fmt.Errorf("write row: %w", err)
	}
	if err := f.sink.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

func timestamp(ts time.Time) string {
	return strconv.FormatInt(ts.UnixMilli(), 10)
}
