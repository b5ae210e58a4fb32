package session

import (
	"io"
	"net"
	"time"
)

// Session is the measurement state of one connection. It is owned by the
// goroutine running its loop and must not be shared.
type Session struct {
	ID     string
	Conn   net.Conn
	Addr   string
	Local  string
	Writer io.Writer
	Buffer []byte

	Start         time.Time
	IntervalStart time.Time
	TotalBytes    uint64
	IntervalBytes uint64
}
