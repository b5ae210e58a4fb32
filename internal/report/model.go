package report

import "time"

type Kind int

const (
	// Interval reports cover one reporting window of a live session.
	Interval Kind = iota
	// Final reports cover a whole session and are emitted exactly once.
	Final
)

func (k Kind) String() string {
	if k == Final {
		return "final"
	}
	return "interval"
}

// Report is a single throughput observation for one peer. It is produced and
// handed to a Sink immediately; nothing keeps it around.
type Report struct {
	Addr    string
	Elapsed time.Duration
	Bytes   uint64
	Kind    Kind
}
