package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/Arun445/tcp-bench/internal/config"
	"github.com/Arun445/tcp-bench/internal/report"
	"github.com/Arun445/tcp-bench/internal/session"
	"github.com/Arun445/tcp-bench/internal/sockopt"
)

const dialTimeout = 10 * time.Second

var ErrWorkerPanic = errors.New("worker panicked")

func NewOrchestrator(clientConfig *config.ClientConfig, sink report.Sink) *Orchestrator {
	return &Orchestrator{
		config: clientConfig,
		sink:   sink,
		dialer: &net.Dialer{
			Timeout: dialTimeout,
			Control: sockopt.Control(clientConfig.SocketBuffer),
		},
	}
}

// WrapWriter installs a wrapper around every worker's connection writes, e.g.
// a progress counter.
func (o *Orchestrator) WrapWriter(wrap func(io.Writer) io.Writer) {
	o.wrap = wrap
}

// Run validates the configuration, starts one sender per worker against the
// same target and waits for all of them. A worker that fails to connect or
// write does not stop the others; the failures are returned combined,
// alongside every worker's result.
func (o *Orchestrator) Run(ctx context.Context) ([]Result, error) {
	if err := o.config.Validate(); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"target":   o.config.Target,
		"workers":  o.config.Workers,
		"duration": o.config.Duration,
	}).Info("Starting workers")

	results := make([]Result, o.config.Workers)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			results[id] = o.runWorker(ctx, id)
		}(i)
	}
	wg.Wait()

	var err error
	for _, result := range results {
		err = multierr.Append(err, result.Err)
	}
	return results, err
}

func (o *Orchestrator) runWorker(ctx context.Context, id int) (result Result) {
	result.Worker = id
	log := logrus.WithField("worker", id)

	defer func() {
		if r := recover(); r != nil {
			result.Err = fmt.Errorf("worker %d: %w: %v", id, ErrWorkerPanic, r)
			log.WithError(result.Err).Error("Worker aborted")
		}
	}()

	conn, err := o.dialer.DialContext(ctx, "tcp", o.config.Target)
	if err != nil {
		result.Err = fmt.Errorf("worker %d: connect: %w", id, err)
		log.WithError(err).Warn("Connect failed")
		return result
	}
	defer conn.Close()

	s := session.New(conn, o.config.BufferSize)
	if o.wrap != nil {
		s.Writer = o.wrap(conn)
	}
	result.Local, result.Remote = s.Local, s.Addr
	log.WithField("local", s.Local).Debug("Connected")

	err = s.HandleWrite(ctx, o.config.Duration, o.sink)
	result.Bytes, result.Elapsed = s.TotalBytes, time.Since(s.Start)
	if err != nil {
		result.Err = fmt.Errorf("worker %d: write: %w", id, err)
		log.WithError(err).Warn("Write failed")
	}
	return result
}
