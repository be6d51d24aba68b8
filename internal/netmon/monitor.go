// Package netmon provides the single source of truth for connectivity
// state, independent of any individual request's success or failure.
//
// The monitor probes a health endpoint at a fixed interval and emits
// edge-triggered online/offline transitions to subscribers. Consumers
// (the sync engine) decide what to do with a transition; the monitor
// itself never touches the queue.
package netmon

import (
	"context"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

// Config holds configuration for the monitor.
type Config struct {
	// ProbeURL is the endpoint checked for reachability. A HEAD request
	// that returns any HTTP status counts as online; only transport
	// errors count as offline.
	ProbeURL string

	// ProbeInterval is how often to check (default: 10s).
	ProbeInterval time.Duration

	// ProbeTimeout bounds a single probe request (default: 5s).
	ProbeTimeout time.Duration

	// Logger for transition events.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ProbeInterval: 10 * time.Second,
		ProbeTimeout:  5 * time.Second,
		Logger:        log.New(os.Stderr, "[netmon] ", log.LstdFlags),
	}
}

// Monitor observes connectivity and notifies subscribers of
// transitions. It implements sync.Connectivity.
type Monitor struct {
	config *Config
	client *http.Client

	mu     sync.Mutex
	online bool
	subs   []chan bool
}

// New creates a monitor. The initial state is offline until the first
// successful probe.
func New(config *Config) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}
	if config.ProbeInterval == 0 {
		config.ProbeInterval = 10 * time.Second
	}
	if config.ProbeTimeout == 0 {
		config.ProbeTimeout = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[netmon] ", log.LstdFlags)
	}
	return &Monitor{
		config: config,
		client: &http.Client{Timeout: config.ProbeTimeout},
	}
}

// Online reports the current connectivity state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe returns a channel of edge-triggered transitions: true on
// offline->online, false on online->offline. Slow subscribers miss
// transitions rather than blocking the monitor.
func (m *Monitor) Subscribe() <-chan bool {
	ch := make(chan bool, 4)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Run probes until ctx is cancelled. An immediate probe runs before
// the first tick so startup state settles quickly.
func (m *Monitor) Run(ctx context.Context) error {
	m.Probe(ctx)

	ticker := time.NewTicker(m.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

// Probe checks reachability once and records the result.
func (m *Monitor) Probe(ctx context.Context) bool {
	online := m.probe(ctx)
	m.SetOnline(online)
	return online
}

func (m *Monitor) probe(ctx context.Context) bool {
	if m.config.ProbeURL == "" {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.config.ProbeURL, nil)
	if err != nil {
		return false
	}

	resp, err := m.client.Do(req)
	if err != nil {
		// Unreachable. Any HTTP response, even 5xx, means the network
		// path is up; server health is the transport's problem.
		return false
	}
	_ = resp.Body.Close()
	return true
}

// SetOnline records a connectivity observation and notifies
// subscribers when the state changed. Exposed for transports that
// learn about connectivity from their own request failures, and for
// tests.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]chan bool, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	if online {
		m.config.Logger.Printf("connectivity restored")
	} else {
		m.config.Logger.Printf("connectivity lost")
	}

	for _, ch := range subs {
		select {
		case ch <- online:
		default:
		}
	}
}
