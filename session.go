package pgsession

import (
	"context"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/gopgsession/pgsession/internal/driver"
	"github.com/gopgsession/pgsession/reactor"
)

// AsyncCallback is invoked when an asynchronously submitted query
// completes. err is nil on success; results is still provided alongside a
// server-side query error (with no rows), so the caller can inspect the
// statement handle (spec.md §7).
type AsyncCallback func(session *Session, err error, results *Results)

type pendingAsync struct {
	sql string
	cb  AsyncCallback
}

// Session is a handle owning exactly one backend connection for its
// lifetime (spec.md §3). It is not safe for concurrent use: the scheduling
// model is single-threaded cooperative within one reactor-owned thread
// (spec.md §5) — callers must not call Session methods from a goroutine
// other than the one driving the reactor's callback dispatch, or must
// otherwise serialize access themselves.
type Session struct {
	mgr     *Manager
	conn    driver.Conn
	watcher reactor.Watcher
	logger  *zap.Logger

	listens map[string]struct{}
	waiting *pendingAsync

	watchedFd int
	watched   bool

	dollarOnce bool
	closed     bool

	notificationSubs map[int]func(channel string, pid int32, payload string)
	closeSubs        map[int]func()
	subSeq           int
}

func newSession(mgr *Manager, conn driver.Conn) *Session {
	return &Session{
		mgr:              mgr,
		conn:             conn,
		watcher:          mgr.cfg.watcher,
		logger:           mgr.cfg.logger,
		listens:          make(map[string]struct{}),
		notificationSubs: make(map[int]func(channel string, pid int32, payload string)),
		closeSubs:        make(map[int]func()),
	}
}

// PID returns the server-side backend PID.
func (s *Session) PID() int32 { return s.conn.PID() }

// Ping reports connection liveness.
func (s *Session) Ping(ctx context.Context) error {
	if err := s.conn.Ping(ctx); err != nil {
		return connectionError(err)
	}
	return nil
}

// DollarOnly sets the one-shot flag restricting the next query's
// placeholder parsing to `$N`, so a literal `?` (e.g. the JSONB
// containment operator) is not mistaken for a placeholder.
func (s *Session) DollarOnly() *Session {
	s.dollarOnce = true
	return s
}

// IsListening reports whether channel is in this session's listen set.
func (s *Session) IsListening(channel string) bool {
	_, ok := s.listens[channel]
	return ok
}

// OnNotification registers fn to be called for every notification
// delivered to this session. It returns an unsubscribe function.
func (s *Session) OnNotification(fn func(channel string, pid int32, payload string)) func() {
	id := s.subSeq
	s.subSeq++
	s.notificationSubs[id] = fn
	return func() { delete(s.notificationSubs, id) }
}

// OnClose registers fn to be called once if the backend disappears while
// this session is subscribed to any channel. It returns an unsubscribe
// function.
func (s *Session) OnClose(fn func()) func() {
	id := s.subSeq
	s.subSeq++
	s.closeSubs[id] = fn
	return func() { delete(s.closeSubs, id) }
}

func (s *Session) emitNotification(channel string, pid int32, payload string) {
	for _, fn := range s.notificationSubs {
		fn(channel, pid, payload)
	}
}

func (s *Session) emitClose() {
	for _, fn := range s.closeSubs {
		fn()
	}
}

// Query runs sql synchronously and returns its Results (spec.md §4.2).
func (s *Session) Query(ctx context.Context, sql string, args ...any) (*Results, error) {
	if s.waiting != nil {
		return nil, usageError("query", ErrBusy)
	}

	dollarOnly := s.dollarOnce
	s.dollarOnce = false
	execSQL := sql
	if !dollarOnly {
		execSQL = rewriteQuestionPlaceholders(sql)
	}

	stmt, err := s.conn.Exec(ctx, execSQL, toDriverParams(args), dollarOnly)

	// Drain before return: a query may surface piggy-backed notifications
	// even on the synchronous path.
	s.drainAndEmit()

	if err != nil {
		return nil, queryError(sql, err)
	}
	return newResults(stmt), nil
}

// QueryAsync submits sql asynchronously. cb is invoked once, from the reactor's
// callback dispatch, when the driver reports completion (spec.md §4.3).
func (s *Session) QueryAsync(ctx context.Context, sql string, args []any, cb AsyncCallback) error {
	if s.waiting != nil {
		return usageError("query", ErrBusy)
	}

	dollarOnly := s.dollarOnce
	s.dollarOnce = false
	execSQL := sql
	if !dollarOnly {
		execSQL = rewriteQuestionPlaceholders(sql)
	}

	if err := s.conn.SubmitAsync(ctx, execSQL, toDriverParams(args), dollarOnly); err != nil {
		return queryError(sql, err)
	}

	s.waiting = &pendingAsync{sql: sql, cb: cb}
	s.syncWatch(ctx)
	return nil
}

// Listen issues LISTEN channel, idempotent per channel, and ensures the
// socket is watched.
func (s *Session) Listen(ctx context.Context, channel string) error {
	if s.waiting != nil {
		return usageError("listen", ErrBusy)
	}
	if _, ok := s.listens[channel]; ok {
		return nil
	}
	if err := s.conn.Listen(ctx, channel); err != nil {
		return connectionError(err)
	}
	s.listens[channel] = struct{}{}
	s.drainAndEmit()
	s.syncWatch(ctx)
	return nil
}

// Unlisten issues UNLISTEN channel (or "*" for all channels) and, if the
// resulting listen set is empty and no async query is in flight, unwatches
// the socket.
func (s *Session) Unlisten(ctx context.Context, channel string) error {
	if s.waiting != nil {
		return usageError("unlisten", ErrBusy)
	}
	if err := s.conn.Unlisten(ctx, channel); err != nil {
		return connectionError(err)
	}
	if channel == "*" {
		s.listens = make(map[string]struct{})
	} else {
		delete(s.listens, channel)
	}
	s.drainAndEmit()
	s.syncWatch(ctx)
	return nil
}

// Notify issues NOTIFY channel[, payload]. Because this session may itself
// be listening on channel, it drains its own inbox before returning.
func (s *Session) Notify(ctx context.Context, channel string, payload ...string) error {
	if s.waiting != nil {
		return usageError("notify", ErrBusy)
	}
	hasPayload := len(payload) > 0
	var p string
	if hasPayload {
		p = payload[0]
	}
	if err := s.conn.Notify(ctx, channel, p, hasPayload); err != nil {
		return connectionError(err)
	}
	s.drainAndEmit()
	return nil
}

// Tables returns the names of user-visible tables and views, excluding the
// pg_catalog and information_schema schemas.
func (s *Session) Tables(ctx context.Context) ([]string, error) {
	if s.waiting != nil {
		return nil, usageError("tables", ErrBusy)
	}
	names, err := s.conn.Tables(ctx)
	if err != nil {
		return nil, connectionError(err)
	}
	return names, nil
}

// Begin starts a transaction, optionally at the given isolation level.
func (s *Session) Begin(ctx context.Context, isolation ...string) (*Transaction, error) {
	if s.waiting != nil {
		return nil, usageError("begin", ErrBusy)
	}
	lvl := ""
	if len(isolation) > 0 {
		lvl = isolation[0]
	}
	if err := s.conn.Begin(ctx, lvl); err != nil {
		return nil, connectionError(err)
	}
	return &Transaction{session: s, state: txOpen}, nil
}

// Disconnect unwatches and closes the connection without returning it to
// the Manager's cache.
func (s *Session) Disconnect(ctx context.Context) error {
	s.conn.MarkNoReuse()
	return s.Close(ctx)
}

// Close ends the session: if an async query is in flight its continuation
// is invoked with ErrPrematureClose, the socket is unwatched, and the
// backend connection is offered back to the Manager (which admits it per
// the enqueue rules in spec.md §4.1 unless it is poisoned).
func (s *Session) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true

	poisoned := s.conn.NoReuse()

	if s.waiting != nil {
		cb := s.waiting.cb
		s.waiting = nil
		poisoned = true
		cb(s, connectionError(ErrPrematureClose), nil)
	}

	if len(s.listens) > 0 {
		poisoned = true
	}

	if s.watched {
		_ = s.watcher.Remove(s.watchedFd)
		s.watched = false
	}
	s.conn.PauseWatch()

	s.mgr.enqueue(s.conn, poisoned)
	return nil
}

func (s *Session) drainAndEmit() {
	notifications, err := s.conn.DrainNotifications()
	if err != nil {
		return
	}
	for _, n := range notifications {
		s.emitNotification(n.Channel, n.PID, n.Payload)
	}
}

// syncWatch registers or removes the reactor watch depending on whether an
// async query is in flight or the listen set is non-empty, and restarts or
// stops the driver's idle notify-wait goroutine to match.
func (s *Session) syncWatch(ctx context.Context) {
	needWatch := s.waiting != nil || len(s.listens) > 0

	if needWatch && !s.watched {
		fd, err := s.conn.Fd()
		if err == nil {
			if err := s.watcher.Watch(fd, s.handleReadable); err == nil {
				s.watchedFd = fd
				s.watched = true
			}
		}
	} else if !needWatch && s.watched {
		_ = s.watcher.Remove(s.watchedFd)
		s.watched = false
	}

	s.conn.ResumeWatch(ctx, s.waiting == nil && len(s.listens) > 0)
}

// handleReadable runs the reactor transition table from spec.md §4.3:
// drain notifications first, then check async completion, then re-evaluate
// whether the socket still needs to be watched.
func (s *Session) handleReadable() {
	ctx := context.Background()

	notifications, err := s.conn.DrainNotifications()
	if err != nil {
		if s.watched {
			_ = s.watcher.Remove(s.watchedFd)
			s.watched = false
		}
		return
	}
	for _, n := range notifications {
		s.emitNotification(n.Channel, n.PID, n.Payload)
	}

	if s.waiting != nil {
		if done, stmt, qerr := s.conn.PollAsync(); done {
			cb := s.waiting.cb
			sql := s.waiting.sql
			s.waiting = nil

			var results *Results
			if stmt != nil {
				results = newResults(stmt)
			}
			s.syncWatch(ctx)
			cb(s, queryError(sql, qerr), results)
			return
		}
	}

	if s.conn.PeerClosed() {
		wasListening := len(s.listens) > 0
		if s.watched {
			_ = s.watcher.Remove(s.watchedFd)
			s.watched = false
		}
		if wasListening {
			s.emitClose()
		}
		return
	}

	s.syncWatch(ctx)
}

// rewriteQuestionPlaceholders rewrites bare `?` characters outside of
// single-quoted string literals into sequential `$N` placeholders, the
// default (non dollar-only) binding behavior from spec.md §4.2 step 4.
func rewriteQuestionPlaceholders(sql string) string {
	if !strings.ContainsRune(sql, '?') {
		return sql
	}

	var b strings.Builder
	b.Grow(len(sql))
	inString := false
	n := 0
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case c == '\'':
			inString = !inString
			b.WriteByte(c)
		case c == '?' && !inString:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
