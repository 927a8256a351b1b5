// Package history keeps the raw DataPoint series of a recording.
//
// The buffer is append-only between clears and owned by its caller.
// Views handed to a chart are downsampled copies; the raw series is never
// thinned.
package history

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"codeberg.org/mutker/labtelemetry/internal/display"
	"codeberg.org/mutker/labtelemetry/internal/errors"
	"codeberg.org/mutker/labtelemetry/internal/telemetry"
)

var csvHeader = []string{"Time", "Intensity", "Height", "Bubbles", "Audio"}

type Buffer struct {
	mu     sync.RWMutex
	points []telemetry.DataPoint
}

func New() *Buffer {
	return &Buffer{}
}

// Append records dp. It has the subscriber signature so a Buffer can be
// subscribed to a session directly.
func (b *Buffer) Append(dp telemetry.DataPoint) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.points = append(b.points, dp)
}

func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.points)
}

// Snapshot returns a copy of the raw series.
func (b *Buffer) Snapshot() []telemetry.DataPoint {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]telemetry.DataPoint, len(b.points))
	copy(out, b.points)

	return out
}

// View returns at most budget points for display.
func (b *Buffer) View(budget int) []telemetry.DataPoint {
	return display.Downsample(b.Snapshot(), budget)
}

// Last returns the most recent point, if any.
func (b *Buffer) Last() (telemetry.DataPoint, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.points) == 0 {
		return telemetry.DataPoint{}, false
	}

	return b.points[len(b.points)-1], true
}

// Clear drops every point. Used when a new recording starts.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.points = nil
}

// WriteCSV writes the raw series with a Time,Intensity,Height,Bubbles,Audio
// header.
func (b *Buffer) WriteCSV(w io.Writer) error {
	errFactory := errors.New()

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return errFactory.Wrap(errors.ErrOperationFailed, err)
	}

	for _, dp := range b.Snapshot() {
		record := []string{
			dp.TimeStr,
			strconv.Itoa(dp.Intensity),
			strconv.FormatFloat(dp.FoamHeight, 'f', -1, 64),
			strconv.Itoa(dp.BubbleCount),
			strconv.Itoa(dp.AudioLevel),
		}
		if err := cw.Write(record); err != nil {
			return errFactory.Wrap(errors.ErrOperationFailed, err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return errFactory.Wrap(errors.ErrOperationFailed, err)
	}

	return nil
}

// ExportCSV writes the series to path, replacing any existing file.
func (b *Buffer) ExportCSV(path string) error {
	errFactory := errors.New()

	fh, err := os.Create(path)
	if err != nil {
		return errFactory.WithData(errors.ErrOperationFailed, fmt.Sprintf("create %s: %v", path, err))
	}

	if err := b.WriteCSV(fh); err != nil {
		fh.Close()
		return err
	}

	if err := fh.Close(); err != nil {
		return errFactory.Wrap(errors.ErrOperationFailed, err)
	}

	return nil
}
