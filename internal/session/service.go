package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Arun445/tcp-bench/internal/report"
)

// New allocates a session and its scratch buffer. The session clock starts
// now.
func New(conn net.Conn, bufferSize int) *Session {
	addr, local := "unknown", "unknown"
	if a := conn.RemoteAddr(); a != nil {
		addr = a.String()
	}
	if a := conn.LocalAddr(); a != nil {
		local = a.String()
	}

	now := time.Now()
	return &Session{
		ID:            fmt.Sprintf("%s-%d", addr, now.UnixNano()),
		Conn:          conn,
		Addr:          addr,
		Local:         local,
		Writer:        conn,
		Buffer:        make([]byte, bufferSize),
		Start:         now,
		IntervalStart: now,
	}
}

// HandleRead reads until the peer closes the stream or a read fails. Before
// every read it emits an interval report if at least interval has passed
// since the last one. A final report covering the whole session is always
// emitted on the way out.
func (session *Session) HandleRead(sink report.Sink, interval time.Duration) error {
	if sink == nil {
		sink = report.Discard
	}

	var err error
	for {
		if now := time.Now(); interval > 0 && now.Sub(session.IntervalStart) >= interval {
			session.flush(sink, now)
		}

		var n int
		n, err = session.Conn.Read(session.Buffer)
		session.add(n)
		if err != nil || n == 0 {
			break
		}
	}

	sink.Report(session.Final())

	if cleanEnd(err) {
		return nil
	}
	logrus.WithFields(logrus.Fields{
		"session": session.ID,
		"bytes":   session.TotalBytes,
	}).WithError(err).Warn("Session read error")
	return err
}

// HandleWrite writes the buffer repeatedly until duration has passed since
// the session started, ctx is done, the peer closes the stream, or a write
// fails. Only the last one is returned as an error. The deadline is checked
// before each write and is also set as the connection write deadline, so a
// write still blocked at the deadline is cut short. Overrun past duration is
// bounded by the latency of one write call returning.
func (session *Session) HandleWrite(ctx context.Context, duration time.Duration, sink report.Sink) error {
	if sink == nil {
		sink = report.Discard
	}

	deadline := session.Start.Add(duration)
	if err := session.Conn.SetWriteDeadline(deadline); err != nil {
		logrus.WithField("session", session.ID).WithError(err).Debug("Write deadline not supported")
	}
	stop := context.AfterFunc(ctx, func() {
		session.Conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	var err error
	for ctx.Err() == nil && time.Now().Before(deadline) {
		var n int
		n, err = session.Writer.Write(session.Buffer)
		session.add(n)
		if err != nil {
			break
		}
	}

	sink.Report(session.Final())

	if err == nil || errors.Is(err, os.ErrDeadlineExceeded) {
		return nil
	}
	if peerClosed(err) {
		logrus.WithFields(logrus.Fields{
			"session": session.ID,
			"bytes":   session.TotalBytes,
		}).WithError(err).Debug("Peer closed the stream")
		return nil
	}
	return err
}

// Final reports the cumulative byte count over the whole session.
func (session *Session) Final() report.Report {
	return report.Report{
		Addr:    session.Addr,
		Elapsed: time.Since(session.Start),
		Bytes:   session.TotalBytes,
		Kind:    report.Final,
	}
}

func (session *Session) add(n int) {
	if n > 0 {
		session.TotalBytes += uint64(n)
		session.IntervalBytes += uint64(n)
	}
}

func (session *Session) flush(sink report.Sink, now time.Time) {
	sink.Report(report.Report{
		Addr:    session.Addr,
		Elapsed: now.Sub(session.IntervalStart),
		Bytes:   session.IntervalBytes,
		Kind:    report.Interval,
	})
	session.IntervalBytes = 0
	session.IntervalStart = now
}

func cleanEnd(err error) bool {
	return err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// peerClosed reports whether a write failed because the stream went away
// rather than because of a local fault.
func peerClosed(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed)
}
