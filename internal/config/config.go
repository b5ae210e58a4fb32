package config

import (
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	DefaultPort       = "5201"
	DefaultListen     = ":" + DefaultPort
	DefaultDuration   = 10 * time.Second
	DefaultInterval   = time.Second
	DefaultRecvBuffer = 32 * 1024 * 1024
	DefaultSendBuffer = 1024 * 1024
)

var (
	ErrInvalidWorkers  = errors.New("worker count must be at least 1")
	ErrInvalidAddress  = errors.New("invalid address")
	ErrInvalidBuffer   = errors.New("buffer size must be positive")
	ErrInvalidInterval = errors.New("report interval must be positive")
)

type ServerConfig struct {
	Listen       string
	Interval     time.Duration
	BufferSize   int
	SocketBuffer int
	MetricsAddr  string
}

type ClientConfig struct {
	Target       string
	Workers      int
	Duration     time.Duration
	BufferSize   int
	SocketBuffer int
	Progress     bool
}

// ServerFrom layers defaults, the optional file (nil for none) and the
// environment, in that order.
func ServerFrom(f *File) *ServerConfig {
	c := &ServerConfig{
		Listen:     DefaultListen,
		Interval:   DefaultInterval,
		BufferSize: DefaultRecvBuffer,
	}
	f.applyServer(c)

	if listen := os.Getenv("TCPBENCH_LISTEN"); listen != "" {
		c.Listen = listen
	}
	envDuration("TCPBENCH_INTERVAL", &c.Interval)
	envSize("TCPBENCH_RECV_BUFFER", &c.BufferSize)
	envSize("TCPBENCH_WINDOW", &c.SocketBuffer)
	if metrics := os.Getenv("TCPBENCH_METRICS"); metrics != "" {
		c.MetricsAddr = metrics
	}
	return c
}

// ClientFrom is ServerFrom for the client role.
func ClientFrom(f *File) *ClientConfig {
	c := &ClientConfig{
		Workers:    1,
		Duration:   DefaultDuration,
		BufferSize: DefaultSendBuffer,
	}
	f.applyClient(c)

	if target := os.Getenv("TCPBENCH_TARGET"); target != "" {
		c.Target = target
	}
	if workers := os.Getenv("TCPBENCH_PROCESSES"); workers != "" {
		if workersInt, err := strconv.Atoi(workers); err == nil {
			c.Workers = workersInt
		}
	}
	envDuration("TCPBENCH_TIME", &c.Duration)
	envSize("TCPBENCH_SEND_BUFFER", &c.BufferSize)
	envSize("TCPBENCH_WINDOW", &c.SocketBuffer)
	return c
}

func (c *ServerConfig) Validate() error {
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidAddress, c.Listen, err)
	}
	if c.Interval <= 0 {
		return ErrInvalidInterval
	}
	if c.BufferSize < 1 || c.SocketBuffer < 0 {
		return ErrInvalidBuffer
	}
	return nil
}

// Validate rejects unusable client settings and normalizes the rest: the
// target gets the default port if it has none, and a non-positive duration
// falls back to DefaultDuration.
func (c *ClientConfig) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidWorkers, c.Workers)
	}
	target, err := NormalizeTarget(c.Target)
	if err != nil {
		return err
	}
	c.Target = target
	if c.BufferSize < 1 || c.SocketBuffer < 0 {
		return ErrInvalidBuffer
	}
	if c.Duration <= 0 {
		c.Duration = DefaultDuration
	}
	return nil
}

// NormalizeTarget turns "host", "host:port", a bare IP or a bracketed IPv6
// address into host:port.
func NormalizeTarget(addr string) (string, error) {
	if addr == "" {
		return "", fmt.Errorf("%w: empty target", ErrInvalidAddress)
	}
	if strings.HasPrefix(addr, "[") && strings.HasSuffix(addr, "]") {
		inner := addr[1 : len(addr)-1]
		if net.ParseIP(inner) == nil {
			return "", fmt.Errorf("%w %q: bracketed host is not an IP", ErrInvalidAddress, addr)
		}
		addr = inner
	}
	if ip := net.ParseIP(addr); ip != nil {
		addr = net.JoinHostPort(addr, DefaultPort)
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		var addrErr *net.AddrError
		if !errors.As(err, &addrErr) || addrErr.Err != "missing port in address" {
			return "", fmt.Errorf("%w %q: %v", ErrInvalidAddress, addr, err)
		}
		host, port = addr, DefaultPort
	}
	if host == "" {
		return "", fmt.Errorf("%w %q: missing host", ErrInvalidAddress, addr)
	}
	if p, err := strconv.Atoi(port); err != nil || p < 1 || p > math.MaxUint16 {
		return "", fmt.Errorf("%w %q: bad port %q", ErrInvalidAddress, addr, port)
	}
	return net.JoinHostPort(host, port), nil
}

// ParseDuration accepts plain seconds ("10", "2.5") or a Go duration ("1500ms").
func ParseDuration(s string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return seconds(secs), nil
	}
	return time.ParseDuration(s)
}

// ParseSize accepts byte counts like "1048576", "64KiB" or "32 MB".
func ParseSize(s string) (int, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if n > math.MaxInt32 {
		return 0, fmt.Errorf("size %s too large", s)
	}
	return int(n), nil
}

func seconds(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envSize(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := ParseSize(v); err == nil {
			*dst = n
		}
	}
}
