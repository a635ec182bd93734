package core

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// NetworkMonitor reports connectivity. State is advisory: callers still
// handle failures from operations attempted on a stale "connected".
type NetworkMonitor interface {
	// IsConnected returns the current state, probing if needed.
	IsConnected(ctx context.Context) bool

	// Subscribe registers fn for connectivity changes.
	Subscribe(fn func(connected bool)) (unsubscribe func())
}

// StaticMonitor is a settable NetworkMonitor.
type StaticMonitor struct {
	connected atomic.Bool
	subs      *listeners[bool]
}

// NewStaticMonitor creates a monitor with the given initial state.
func NewStaticMonitor(connected bool) *StaticMonitor {
	m := &StaticMonitor{subs: newListeners[bool]("network", zap.NewNop())}
	m.connected.Store(connected)
	return m
}

// IsConnected returns the last value set.
func (m *StaticMonitor) IsConnected(context.Context) bool {
	return m.connected.Load()
}

// Subscribe registers fn for changes made through Set.
func (m *StaticMonitor) Subscribe(fn func(bool)) func() {
	return m.subs.add(fn)
}

// Set changes the state and notifies subscribers when it differs.
func (m *StaticMonitor) Set(connected bool) {
	if m.connected.Swap(connected) != connected {
		m.subs.notify(connected)
	}
}

// ProbeMonitor polls a TCP endpoint and reports changes.
type ProbeMonitor struct {
	address  string
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	connected atomic.Bool
	probed    atomic.Bool
	subs      *listeners[bool]

	dial func(ctx context.Context, network, address string) (net.Conn, error)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewProbeMonitor creates a monitor for address (host:port).
func NewProbeMonitor(address string, interval, timeout time.Duration, logger *zap.Logger) *ProbeMonitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &net.Dialer{}
	return &ProbeMonitor{
		address:  address,
		interval: interval,
		timeout:  timeout,
		logger:   logger.Named("network"),
		subs:     newListeners[bool]("network", logger),
		dial:     d.DialContext,
	}
}

// IsConnected returns the last probed state, probing once if never probed.
func (m *ProbeMonitor) IsConnected(ctx context.Context) bool {
	if !m.probed.Load() {
		m.check(ctx)
	}
	return m.connected.Load()
}

// Subscribe registers fn for connectivity changes.
func (m *ProbeMonitor) Subscribe(fn func(bool)) func() {
	return m.subs.add(fn)
}

// Start polls until Stop or ctx is done.
func (m *ProbeMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		m.check(ctx)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.check(ctx)
			}
		}
	}(m.done)
}

// Stop ends polling and waits for the poller to exit.
func (m *ProbeMonitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (m *ProbeMonitor) check(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	connected := false
	conn, err := m.dial(ctx, "tcp", m.address)
	if err == nil {
		conn.Close()
		connected = true
	}

	prev := m.connected.Swap(connected)
	wasProbed := m.probed.Swap(true)
	if wasProbed && prev == connected {
		return
	}

	m.logger.Info("connectivity changed",
		zap.String("address", m.address),
		zap.Bool("connected", connected),
	)
	// The initial probe only sets state, like the startup poll it replaces.
	if wasProbed {
		m.subs.notify(connected)
	}
}
