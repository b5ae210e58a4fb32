package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/Arun445/tcp-bench/internal/config"
	"github.com/Arun445/tcp-bench/internal/metrics"
	"github.com/Arun445/tcp-bench/internal/report"
	"github.com/Arun445/tcp-bench/internal/session"
	"github.com/Arun445/tcp-bench/internal/sockopt"
)

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

func NewListener(serverConfig *config.ServerConfig, sink report.Sink, m *metrics.Metrics) *Listener {
	return &Listener{
		config:   serverConfig,
		sink:     report.Tee(sink, m),
		metrics:  m,
		events:   make(chan Event),
		done:     make(chan struct{}),
		sessions: make(map[string]*session.Session),
	}
}

// Listen binds the configured address. A failure here is a startup error.
func (l *Listener) Listen(ctx context.Context) (net.Listener, error) {
	lc := net.ListenConfig{Control: sockopt.Control(l.config.SocketBuffer)}
	ln, err := lc.Listen(ctx, "tcp", l.config.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", l.config.Listen, err)
	}
	if l.config.SocketBuffer > 0 {
		logGrantedBuffers(ln, l.config.SocketBuffer)
	}
	return ln, nil
}

// The kernel may clamp or double the requested size.
func logGrantedBuffers(ln net.Listener, requested int) {
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		return
	}
	raw, err := tcpLn.SyscallConn()
	if err != nil {
		return
	}

	var rcv, snd int
	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		rcv, snd, sockErr = sockopt.Buffers(fd)
	}); err != nil || sockErr != nil {
		logrus.WithError(errors.Join(err, sockErr)).Debug("Socket buffer sizes unavailable")
		return
	}
	logrus.WithFields(logrus.Fields{
		"requested": humanize.IBytes(uint64(requested)),
		"rcvbuf":    humanize.IBytes(uint64(rcv)),
		"sndbuf":    humanize.IBytes(uint64(snd)),
	}).Info("Socket buffers")
}

// Serve accepts connections until ctx is done or ln is closed. A failed
// accept is logged and the loop continues. On the way out every live session
// is closed and Serve waits for their final reports.
func (l *Listener) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	opened := make(chan struct{})
	go func() {
		l.Open(ctx)
		close(opened)
	}()
	stop := context.AfterFunc(ctx, func() {
		ln.Close()
	})
	defer stop()

	logrus.WithFields(logrus.Fields{
		"addr":   ln.Addr().String(),
		"buffer": humanize.IBytes(uint64(l.config.BufferSize)),
	}).Info("Listening")

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			l.metrics.AcceptFailed()
			delay = acceptBackoff(delay)
			logrus.WithError(err).WithField("retry", delay).Warn("Accept error")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
			continue
		}
		delay = 0

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.NewSession(conn)
		}()
	}

	cancel()
	<-opened
	l.wg.Wait()
	return nil
}

// NewSession runs a receiver on conn until the peer closes it or it fails.
func (l *Listener) NewSession(conn net.Conn) {
	defer conn.Close()

	session := session.New(conn, l.config.BufferSize)
	if !l.emit(Event{Session: session, Type: Register}) {
		return
	}

	session.HandleRead(l.sink, l.config.Interval)

	l.emit(Event{Session: session, Type: Unregister})
}

// Active returns the number of registered sessions.
func (l *Listener) Active() int64 {
	return l.active.Load()
}

// Open tracks live sessions until ctx is done, then closes the ones still
// registered so their readers finish.
func (l *Listener) Open(ctx context.Context) {
	defer close(l.done)

	for {
		select {
		case event := <-l.events:
			if event.Type == Register {
				l.sessions[event.Session.ID] = event.Session
				active := l.active.Inc()
				l.metrics.SessionOpened()
				logrus.WithFields(logrus.Fields{
					"session": event.Session.ID,
					"peer":    event.Session.Addr,
					"active":  active,
				}).Info("Session registered")
			}
			if event.Type == Unregister {
				if _, ok := l.sessions[event.Session.ID]; ok {
					delete(l.sessions, event.Session.ID)
					active := l.active.Dec()
					l.metrics.SessionClosed()
					logrus.WithFields(logrus.Fields{
						"session": event.Session.ID,
						"bytes":   humanize.IBytes(event.Session.TotalBytes),
						"active":  active,
					}).Info("Session unregistered")
				}
			}

		case <-ctx.Done():
			logrus.WithField("active", l.active.Load()).Info("Closing live sessions")
			for id, s := range l.sessions {
				s.Conn.Close()
				delete(l.sessions, id)
				l.active.Dec()
				l.metrics.SessionClosed()
			}
			return
		}
	}
}

// acceptBackoff doubles the wait after a failed accept, from
// minAcceptDelay up to maxAcceptDelay.
func acceptBackoff(prev time.Duration) time.Duration {
	if prev == 0 {
		return minAcceptDelay
	}
	if next := 2 * prev; next < maxAcceptDelay {
		return next
	}
	return maxAcceptDelay
}

func (l *Listener) emit(event Event) bool {
	select {
	case l.events <- event:
		return true
	case <-l.done:
		return false
	}
}
