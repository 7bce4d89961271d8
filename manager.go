package pgsession

import (
	"context"
	"os"
	"sync"

	"github.com/gopgsession/pgsession/internal/driver"
	"github.com/gopgsession/pgsession/internal/driver/driverpg"
)

// Manager owns a bounded cache of idle backend connections and hands out
// Sessions that wrap one connection exclusively for their lifetime
// (spec.md §4.1). A Manager is safe for concurrent use: unlike a Session,
// many goroutines may call Session/Close/Stats on the same Manager at once,
// the explicit generalization recorded in SPEC_FULL.md §10.
type Manager struct {
	cfg config

	mu     sync.Mutex
	idle   []driver.Conn
	pid    int
	closed bool
}

// New builds a Manager against dsn. WithWatcher is required; New returns a
// UsageError when none is configured.
func New(dsn string, opts ...Option) (*Manager, error) {
	cfg := newConfig(dsn, opts...)
	if cfg.dialer == nil {
		cfg.dialer = driverpg.Dialer{}
	}
	if cfg.watcher == nil {
		return nil, usageError("new", errNoWatcher)
	}
	return &Manager{cfg: cfg, pid: os.Getpid()}, nil
}

// Stats reports the Manager's idle cache occupancy.
type Stats struct {
	Idle int
}

// Stats returns a snapshot of the idle cache's current size.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Idle: len(m.idle)}
}

// MaxConnections returns the configured idle cache capacity.
func (m *Manager) MaxConnections() int {
	return m.cfg.maxConnections
}

// discardForkedCacheLocked drops the entire idle cache without a protocol
// goodbye when the calling process's pid no longer matches the Manager's
// creator: a forked child inherited these file descriptors, but writing a
// Terminate message on them would race the parent, which still owns them
// (spec.md's fork-identity guard).
func (m *Manager) discardForkedCacheLocked() {
	if os.Getpid() == m.pid {
		return
	}
	for _, c := range m.idle {
		c.CloseAbrupt()
	}
	m.idle = nil
	m.pid = os.Getpid()
}

// Session checks out a connection — reused from the idle cache (LIFO) when
// one is available, freshly dialed otherwise — and wraps it in a Session.
func (m *Manager) Session(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, usageError("session", errManagerClosed)
	}
	m.discardForkedCacheLocked()

	for len(m.idle) > 0 {
		n := len(m.idle)
		conn := m.idle[n-1]
		m.idle = m.idle[:n-1]
		m.mu.Unlock()

		if err := conn.Ping(ctx); err != nil {
			conn.CloseAbrupt()
			m.cfg.metrics.ConnectionClosed()
			m.mu.Lock()
			continue
		}

		m.cfg.metrics.CacheHit()
		return newSession(m, conn), nil
	}
	m.mu.Unlock()

	m.cfg.metrics.CacheMiss()
	conn, err := m.dialAndInit(ctx)
	if err != nil {
		return nil, err
	}
	m.cfg.metrics.ConnectionOpened()
	return newSession(m, conn), nil
}

// dialAndInit opens a fresh connection and applies the configured
// initializers: search_path (spec.md §4.1/§6) first, then caller-supplied
// OnConnect hooks.
func (m *Manager) dialAndInit(ctx context.Context) (driver.Conn, error) {
	conn, err := m.cfg.dialer.Dial(ctx, m.cfg.dsn)
	if err != nil {
		return nil, connectionError(err)
	}
	if stmt := searchPathStatement(m.cfg.searchPath); stmt != "" {
		if _, err := conn.Exec(ctx, stmt, nil, true); err != nil {
			conn.CloseAbrupt()
			return nil, connectionError(err)
		}
	}
	for _, fn := range m.cfg.onConnect {
		if err := fn(ctx, conn); err != nil {
			conn.CloseAbrupt()
			return nil, connectionError(err)
		}
	}
	return conn, nil
}

// enqueue is called by Session.Close to return a connection to the cache,
// or discard it. A poisoned connection (left in an indeterminate protocol
// state, still listening on a channel, or interrupted mid-async) is always
// discarded rather than reused.
func (m *Manager) enqueue(conn driver.Conn, poisoned bool) {
	m.mu.Lock()
	m.discardForkedCacheLocked()

	if poisoned || m.closed || conn.NoReuse() {
		m.mu.Unlock()
		conn.CloseAbrupt()
		m.cfg.metrics.ConnectionClosed()
		return
	}

	if len(m.idle) >= m.cfg.maxConnections {
		// FIFO eviction: the oldest idle connection, not the one just
		// returned, is dropped to make room.
		evicted := m.idle[0]
		m.idle = m.idle[1:]
		m.mu.Unlock()
		evicted.CloseAbrupt()
		m.cfg.metrics.CacheEvict()
		m.cfg.metrics.ConnectionClosed()
		m.mu.Lock()
	}

	m.idle = append(m.idle, conn)
	m.mu.Unlock()
}

// Close shuts down every idle connection and marks the Manager unusable for
// further Sessions. In-flight Sessions are unaffected; each still returns
// its connection through enqueue, which discards it once closed is set.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	idle := m.idle
	m.idle = nil
	m.mu.Unlock()

	var firstErr error
	for _, c := range idle {
		if err := c.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		m.cfg.metrics.ConnectionClosed()
	}
	return firstErr
}
