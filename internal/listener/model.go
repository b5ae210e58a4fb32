package listener

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/Arun445/tcp-bench/internal/config"
	"github.com/Arun445/tcp-bench/internal/metrics"
	"github.com/Arun445/tcp-bench/internal/report"
	"github.com/Arun445/tcp-bench/internal/session"
)

// Listener accepts connections and runs one receiver session per connection.
// The sessions map belongs to the Open goroutine.
type Listener struct {
	config   *config.ServerConfig
	sink     report.Sink
	metrics  *metrics.Metrics
	events   chan Event
	done     chan struct{}
	sessions map[string]*session.Session
	active   atomic.Int64
	wg       sync.WaitGroup
}
