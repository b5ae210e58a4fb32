package client

import (
	"io"
	"net"
	"time"

	"github.com/Arun445/tcp-bench/internal/config"
	"github.com/Arun445/tcp-bench/internal/report"
)

// Result is the outcome of one worker. Err is nil when the worker ran for the
// full duration.
type Result struct {
	Worker  int
	Local   string
	Remote  string
	Bytes   uint64
	Elapsed time.Duration
	Err     error
}

func (r Result) Mbps() float64 {
	return report.Mbps(r.Elapsed.Seconds(), r.Bytes)
}

type Orchestrator struct {
	config *config.ClientConfig
	sink   report.Sink
	dialer *net.Dialer
	wrap   func(io.Writer) io.Writer
}
