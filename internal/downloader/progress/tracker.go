package progress

import (
	"io"
	"sync/atomic"
)

// Tracker accumulates written bytes and reports each change of the integer percentage.
type Tracker struct {
	Total          int64 // <= 0 when unknown
	OnPercent      func(percent int)
	OnInterval     func(written int64, total int64)
	written        atomic.Int64
	lastPercent    int
	sinceReport    int64 // bytes since last interval report
	reportInterval int64 // bytes
}

// NewTracker starts counting at start bytes, which is where a resumed download picks up.
func NewTracker(start, total int64, onPercent func(percent int)) *Tracker {
	t := &Tracker{
		Total:       total,
		OnPercent:   onPercent,
		lastPercent: -1,
	}
	t.written.Store(start)

	return t
}

// WithInterval makes the tracker call cb every interval bytes.
func (t *Tracker) WithInterval(interval int64, cb func(written int64, total int64)) *Tracker {
	t.reportInterval = interval
	t.OnInterval = cb

	return t
}

// Add records n more bytes. It must be called from a single goroutine.
func (t *Tracker) Add(n int64) {
	if n <= 0 {
		return
	}

	written := t.written.Add(n)

	if t.OnInterval != nil && t.reportInterval > 0 {
		t.sinceReport += n
		if t.sinceReport >= t.reportInterval {
			t.OnInterval(written, t.Total)
			t.sinceReport = 0
		}
	}

	percent, ok := t.Percent()
	if !ok || percent == t.lastPercent {
		return
	}

	t.lastPercent = percent

	if t.OnPercent != nil {
		t.OnPercent(percent)
	}
}

// Written returns the cumulative byte count, including the starting offset.
func (t *Tracker) Written() int64 {
	return t.written.Load()
}

// Percent returns the current integer percentage, or false when the total is unknown.
func (t *Tracker) Percent() (int, bool) {
	if t.Total <= 0 {
		return 0, false
	}

	p := int(t.written.Load() * 100 / t.Total)
	if p > 100 {
		p = 100
	}

	return p, true
}

// Writer wraps an io.Writer and feeds every successful write into a Tracker.
type Writer struct {
	Writer  io.Writer
	Tracker *Tracker
}

func NewWriter(w io.Writer, t *Tracker) *Writer {
	return &Writer{Writer: w, Tracker: t}
}

func (pw *Writer) Write(p []byte) (int, error) {
	n, err := pw.Writer.Write(p)
	if n > 0 {
		pw.Tracker.Add(int64(n))
	}

	return n, err
}
