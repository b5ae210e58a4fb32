package report

import (
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	kilobyte = 1024
	megabyte = 1024 * kilobyte
	gigabyte = 1024 * megabyte
)

// FormatSize renders size in the largest binary unit that keeps the value
// above one. The exact count is reported separately, see Report.String.
func FormatSize(size uint64) string {
	switch {
	case size < kilobyte:
		return fmt.Sprintf("%18d bytes", size)
	case size < megabyte:
		return fmt.Sprintf("%10.3f Kb", float64(size)/kilobyte)
	case size < gigabyte:
		return fmt.Sprintf("%10.3f Mb", float64(size)/megabyte)
	default:
		return fmt.Sprintf("%10.3f Gb", float64(size)/gigabyte)
	}
}

// Mbps converts size bytes over elapsed seconds using the kilobit scale
// (bytes * 8 / 1024). A non-positive elapsed time yields 0.
func Mbps(elapsed float64, size uint64) float64 {
	if elapsed <= 0 || math.IsNaN(elapsed) {
		return 0
	}
	return float64(size) * 8 / 1024 / elapsed
}

func (r Report) Seconds() float64 {
	return r.Elapsed.Seconds()
}

func (r Report) Size() string {
	return FormatSize(r.Bytes)
}

func (r Report) Mbps() float64 {
	return Mbps(r.Seconds(), r.Bytes)
}

func (r Report) String() string {
	return fmt.Sprintf("[%s]: %s (%18d bytes) in %12.6f secs  -->  %8.1f Mbps",
		r.Addr, r.Size(), r.Bytes, r.Seconds(), r.Mbps())
}

// Printer writes one line per report. Lines from concurrent sessions never
// interleave. A failing writer is logged once and does not stop later
// writes.
type Printer struct {
	mu      sync.Mutex
	w       io.Writer
	errOnce sync.Once
}

func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

func (p *Printer) Report(r Report) {
	line := r.String() + "\n"

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := io.WriteString(p.w, line); err != nil {
		p.errOnce.Do(func() {
			logrus.WithError(err).Debug("Report output failed")
		})
	}
}

type tee []Sink

func (t tee) Report(r Report) {
	for _, s := range t {
		s.Report(r)
	}
}

// Tee fans a report out to every non-nil sink in order.
func Tee(sinks ...Sink) Sink {
	out := make(tee, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}
