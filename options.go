package pgsession

import (
	"context"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/gopgsession/pgsession/internal/driver"
	"github.com/gopgsession/pgsession/reactor"
)

const defaultMaxConnections = 5

// OnConnectFunc runs once per newly dialed backend connection, before it is
// ever handed out as a Session, so callers can set search_path, statement
// timeouts, or any other per-connection state (spec.md §4.1).
type OnConnectFunc func(ctx context.Context, conn driver.Conn) error

// config collects the options a Manager is built from. Mirrors the teacher
// repo's convertOptions pattern (options.go) but as direct functional
// options rather than a discriminated-union Option.Type() switch, since
// there is exactly one target struct here.
type config struct {
	dialer         driver.Dialer
	dsn            string
	watcher        reactor.Watcher
	logger         *zap.Logger
	maxConnections int
	onConnect      []OnConnectFunc
	metrics        MetricsRecorder
	searchPath     []string
}

// Option configures a Manager at construction time.
type Option func(*config)

// WithDialer overrides the driver used to open new connections. Defaults to
// driverpg.Dialer{}. Tests inject drivermock.Dialer here.
func WithDialer(d driver.Dialer) Option {
	return func(c *config) { c.dialer = d }
}

// WithWatcher supplies the reactor a Session registers its socket with.
// Required: New returns a UsageError if none was configured.
func WithWatcher(w reactor.Watcher) Option {
	return func(c *config) { c.watcher = w }
}

// WithLogger sets the logger the Manager hands to every Session it
// produces. Defaults to zap.NewNop(). Manager and Session hold the logger
// but emit no log entries of their own.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithSearchPath sets the ordered search_path applied to every freshly
// dialed connection as `SET search_path TO ...` (spec.md §3/§4.1). The
// literal identifier "$user" is preserved as its own list entry, matching
// Postgres's own special-cased search_path element.
func WithSearchPath(schemas ...string) Option {
	return func(c *config) { c.searchPath = schemas }
}

// WithMaxConnections bounds the idle connection cache (spec.md §4.1). The
// default is 5.
func WithMaxConnections(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxConnections = n
		}
	}
}

// WithOnConnect registers fn to run against every newly dialed connection,
// in registration order, before it is first used.
func WithOnConnect(fn OnConnectFunc) Option {
	return func(c *config) { c.onConnect = append(c.onConnect, fn) }
}

// WithMetrics attaches a recorder observing cache and connection events.
// Defaults to a no-op recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(c *config) { c.metrics = m }
}

// MetricsRecorder observes Manager cache behavior. pgmetrics provides a
// Prometheus-backed implementation; the zero value of noopMetrics is used
// when WithMetrics is not supplied.
type MetricsRecorder interface {
	CacheHit()
	CacheMiss()
	CacheEvict()
	ConnectionOpened()
	ConnectionClosed()
}

type noopMetrics struct{}

func (noopMetrics) CacheHit()         {}
func (noopMetrics) CacheMiss()        {}
func (noopMetrics) CacheEvict()       {}
func (noopMetrics) ConnectionOpened() {}
func (noopMetrics) ConnectionClosed() {}

func newConfig(dsn string, opts ...Option) config {
	cfg := config{
		dsn:            dsn,
		maxConnections: defaultMaxConnections,
		logger:         zap.NewNop(),
		metrics:        noopMetrics{},
		searchPath:     searchPathFromDSN(dsn),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// searchPathFromDSN recognizes the `search_path` connection URL option
// (spec.md §6): a comma-joined list of identifiers, applied on connect.
// Scheme is opaque; an unparsable dsn simply yields no search_path rather
// than an error, since the driver is left to reject a malformed dsn itself.
func searchPathFromDSN(dsn string) []string {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil
	}
	raw := u.Query().Get("search_path")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	schemas := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			schemas = append(schemas, p)
		}
	}
	return schemas
}

// searchPathStatement renders the SET search_path statement applied to a
// freshly dialed connection. Every entry, including the literal "$user"
// placeholder, is double-quoted — the same form Postgres itself reports
// back from `SHOW search_path` (`"$user", public`); quoting does not
// disable Postgres's special-case handling of that one token.
func searchPathStatement(schemas []string) string {
	if len(schemas) == 0 {
		return ""
	}
	quoted := make([]string, len(schemas))
	for i, s := range schemas {
		quoted[i] = `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
	}
	return "SET search_path TO " + strings.Join(quoted, ", ")
}
