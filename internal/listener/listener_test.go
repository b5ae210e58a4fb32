package listener

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/Arun445/tcp-bench/internal/config"
	"github.com/Arun445/tcp-bench/internal/metrics"
	"github.com/Arun445/tcp-bench/internal/report"
	"github.com/Arun445/tcp-bench/internal/session"
)

type collector struct {
	mu     sync.Mutex
	finals []report.Report
}

func (c *collector) Report(r report.Report) {
	if r.Kind != report.Final {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finals = append(c.finals, r)
}

func (c *collector) snapshot() []report.Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]report.Report(nil), c.finals...)
}

func testConfig() *config.ServerConfig {
	return &config.ServerConfig{
		Listen:     "127.0.0.1:0",
		Interval:   50 * time.Millisecond,
		BufferSize: 16 * 1024,
	}
}

func startServer(t *testing.T, sink report.Sink, m *metrics.Metrics) (*Listener, net.Addr, context.CancelFunc, <-chan error) {
	t.Helper()

	l := NewListener(testConfig(), sink, m)
	ctx, cancel := context.WithCancel(context.Background())
	ln, err := l.Listen(ctx)
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() {
		served <- l.Serve(ctx, ln)
	}()
	return l, ln.Addr(), cancel, served
}

func TestListener_Open_RegisterUnregister(t *testing.T) {
	l := NewListener(testConfig(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Open(ctx)

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	testSession := session.New(serverConn, 16)

	require.True(t, l.emit(Event{Session: testSession, Type: Register}))
	require.Eventually(t, func() bool { return l.Active() == 1 }, time.Second, 10*time.Millisecond)

	require.True(t, l.emit(Event{Session: testSession, Type: Unregister}))
	require.Eventually(t, func() bool { return l.Active() == 0 }, time.Second, 10*time.Millisecond)
}

func findEntry(hook *logtest.Hook, msg string) *logrus.Entry {
	for _, e := range hook.AllEntries() {
		if e.Message == msg {
			return e
		}
	}
	return nil
}

func TestListener_Open_LogsActiveCount(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()

	l := NewListener(testConfig(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Open(ctx)

	first, peer1 := net.Pipe()
	defer peer1.Close()
	second, peer2 := net.Pipe()
	defer peer2.Close()
	s1 := session.New(first, 16)
	s2 := session.New(second, 16)
	s1.ID, s2.ID = "first", "second"

	require.True(t, l.emit(Event{Session: s1, Type: Register}))
	require.True(t, l.emit(Event{Session: s2, Type: Register}))
	require.True(t, l.emit(Event{Session: s1, Type: Unregister}))
	require.Eventually(t, func() bool { return findEntry(hook, "Session unregistered") != nil }, time.Second, 10*time.Millisecond)

	var registered []int64
	for _, e := range hook.AllEntries() {
		if e.Message == "Session registered" {
			registered = append(registered, e.Data["active"].(int64))
		}
	}
	require.Equal(t, []int64{1, 2}, registered)
	require.Equal(t, int64(1), findEntry(hook, "Session unregistered").Data["active"])

	cancel()
	<-l.done
	closing := findEntry(hook, "Closing live sessions")
	require.NotNil(t, closing)
	require.Equal(t, int64(1), closing.Data["active"])
}

func TestListener_Open_ClosesSessionsOnShutdown(t *testing.T) {
	l := NewListener(testConfig(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Open(ctx)

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	require.True(t, l.emit(Event{Session: session.New(serverConn, 16), Type: Register}))

	cancel()
	<-l.done

	_, err := clientConn.Read(make([]byte, 1))
	require.Error(t, err)
	require.Zero(t, l.Active())
	require.False(t, l.emit(Event{Type: Unregister}))
}

func TestListener_Serve_Integration(t *testing.T) {
	sink := &collector{}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	_, addr, cancel, served := startServer(t, sink, m)
	defer cancel()

	numClients := 4
	written := make([]int, numClients)
	var wg sync.WaitGroup
	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			conn, err := net.Dial("tcp", addr.String())
			if err != nil {
				t.Errorf("dial: %v", err)
				return
			}
			defer conn.Close()

			chunk := make([]byte, 8*1024)
			for j := 0; j < 20+id; j++ {
				n, err := conn.Write(chunk)
				written[id] += n
				if err != nil {
					t.Errorf("write: %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return len(sink.snapshot()) == numClients }, 2*time.Second, 10*time.Millisecond)

	var want, got uint64
	for _, n := range written {
		want += uint64(n)
	}
	for _, r := range sink.snapshot() {
		got += r.Bytes
	}
	require.Equal(t, want, got)
	require.Equal(t, float64(numClients), testutil.ToFloat64(m.SessionsTotal))
	require.Equal(t, float64(want), testutil.ToFloat64(m.ReceivedBytes))

	cancel()
	require.NoError(t, <-served)
}

func TestListener_Serve_ShutdownReportsLiveSessions(t *testing.T) {
	sink := &collector{}
	l, addr, cancel, served := startServer(t, sink, nil)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return l.Active() == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	cancel()
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	finals := sink.snapshot()
	require.Len(t, finals, 1)
	require.Equal(t, uint64(5), finals[0].Bytes)
}

type flakyListener struct {
	net.Listener
	mu    sync.Mutex
	fails int
}

func (f *flakyListener) Accept() (net.Conn, error) {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return nil, errors.New("too many open files")
	}
	f.mu.Unlock()
	return f.Listener.Accept()
}

func TestListener_Serve_AcceptErrorContinues(t *testing.T) {
	sink := &collector{}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	l := NewListener(testConfig(), sink, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ln, err := l.Listen(ctx)
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() {
		served <- l.Serve(ctx, &flakyListener{Listener: ln, fails: 3})
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	conn.Write([]byte("abc"))
	conn.Close()

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 3.0, testutil.ToFloat64(m.AcceptErrors))

	cancel()
	require.NoError(t, <-served)
}

func TestAcceptBackoff(t *testing.T) {
	var got []time.Duration
	var d time.Duration
	for i := 0; i < 10; i++ {
		d = acceptBackoff(d)
		got = append(got, d)
	}
	require.Equal(t, []time.Duration{
		5 * time.Millisecond,
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		80 * time.Millisecond,
		160 * time.Millisecond,
		320 * time.Millisecond,
		640 * time.Millisecond,
		time.Second,
		time.Second,
	}, got)
}

func TestListener_Serve_PersistentAcceptErrorBacksOff(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	l := NewListener(testConfig(), nil, m)

	ctx, cancel := context.WithCancel(context.Background())
	ln, err := l.Listen(ctx)
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() {
		served <- l.Serve(ctx, &flakyListener{Listener: ln, fails: 1 << 20})
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop while backing off")
	}

	// 5+10+20+40+80 ms already exceeds the 200ms window, a busy loop
	// would have counted thousands of failures.
	require.LessOrEqual(t, testutil.ToFloat64(m.AcceptErrors), 7.0)
	require.GreaterOrEqual(t, testutil.ToFloat64(m.AcceptErrors), 2.0)
}

func TestListener_Listen_BindFailure(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	cfg := testConfig()
	cfg.Listen = taken.Addr().String()
	_, err = NewListener(cfg, nil, nil).Listen(context.Background())
	require.Error(t, err)
}
