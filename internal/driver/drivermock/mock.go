// Package drivermock implements internal/driver.Conn and internal/driver.Dialer
// against a queue of canned expectations rather than a live server, the same
// expectation-matching style as driver/postgres/mock/mock.go in the teacher
// repo, retargeted at pgsession's lower-level driver.Conn seam instead of
// pgx.Conn/pgx.Rows.
package drivermock

import (
	"context"
	"fmt"
	"sync"

	"github.com/gopgsession/pgsession/internal/driver"
)

// Dialer returns a fixed sequence of preconfigured Conns, one per Dial
// call, so a test can assert how many distinct backend connections a
// Manager actually opened.
type Dialer struct {
	mu    sync.Mutex
	conns []*Conn
}

var _ driver.Dialer = (*Dialer)(nil)

// NewDialer returns a Dialer that hands out conns in order, one per Dial.
func NewDialer(conns ...*Conn) *Dialer {
	return &Dialer{conns: conns}
}

func (d *Dialer) Dial(_ context.Context, _ string) (driver.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil, fmt.Errorf("drivermock: no more preconfigured connections")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

// expectation is one queued (method, sql pattern) -> canned result entry.
type expectation struct {
	method string
	sql    string
	stmt   driver.StatementHandle
	err    error
}

// Conn is a scriptable driver.Conn. Queue expected Exec/SubmitAsync calls
// with ExpectExec before exercising code against it; an unscripted Exec
// returns an error naming its SQL, an unscripted SubmitAsync stays pending,
// and the remaining methods succeed without scripting.
type Conn struct {
	mu sync.Mutex

	pid     int32
	noReuse bool
	closed  bool
	pingErr error

	exec []expectation

	asyncDone bool
	asyncStmt driver.StatementHandle
	asyncErr  error

	inbox      []driver.Notification
	peerClosed bool
	listens    map[string]bool

	calls []string
}

var _ driver.Conn = (*Conn)(nil)

// NewConn returns a ready Conn reporting pid as its backend PID.
func NewConn(pid int32) *Conn {
	return &Conn{pid: pid, listens: make(map[string]bool)}
}

// ExpectExec queues a canned (stmt, err) response for the next Exec or
// SubmitAsync call whose sql matches exactly.
func (c *Conn) ExpectExec(sql string, stmt driver.StatementHandle, err error) *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exec = append(c.exec, expectation{method: "Exec", sql: sql, stmt: stmt, err: err})
	return c
}

// InjectNotification appends n to the inbox as if delivered by the server,
// for driving Session's notification-handling path in tests.
func (c *Conn) InjectNotification(n driver.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inbox = append(c.inbox, n)
}

// SetPeerClosed marks the connection as observed closed by the server.
func (c *Conn) SetPeerClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peerClosed = true
}

// SetPingError makes the next (and every subsequent) Ping call fail with
// err, for driving the dead-cached-connection discard path in tests.
func (c *Conn) SetPingError(err error) *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingErr = err
	return c
}

// Calls returns the ordered list of method names invoked on this Conn, for
// assertions about call sequencing (e.g. "Exec before Commit").
func (c *Conn) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.calls))
	copy(out, c.calls)
	return out
}

func (c *Conn) record(method string) {
	c.calls = append(c.calls, method)
}

func (c *Conn) PID() int32 { return c.pid }

func (c *Conn) Fd() (int, error) { return 0, nil }

func (c *Conn) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("Ping")
	return c.pingErr
}

func (c *Conn) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("Close")
	c.closed = true
	return nil
}

func (c *Conn) CloseAbrupt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("CloseAbrupt")
	c.closed = true
}

// Closed reports whether Close or CloseAbrupt was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) NoReuse() bool { c.mu.Lock(); defer c.mu.Unlock(); return c.noReuse }
func (c *Conn) MarkNoReuse()  { c.mu.Lock(); defer c.mu.Unlock(); c.noReuse = true }

func (c *Conn) Exec(_ context.Context, sql string, _ []driver.Param, _ bool) (driver.StatementHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("Exec")
	stmt, err, found := c.takeExec(sql)
	if !found {
		return nil, fmt.Errorf("drivermock: unexpected Exec(%q)", sql)
	}
	return stmt, err
}

// SubmitAsync consumes a queued expectation for sql, if any, and completes
// immediately (this mock never simulates latency). When no expectation was
// queued, the call is accepted but left pending indefinitely — standing in
// for a long-running query a test drives to completion (or to Close) by
// other means, rather than failing the submission outright.
func (c *Conn) SubmitAsync(_ context.Context, sql string, _ []driver.Param, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("SubmitAsync")
	if stmt, err, found := c.takeExec(sql); found {
		c.asyncDone = true
		c.asyncStmt = stmt
		c.asyncErr = err
	}
	return nil
}

// takeExec finds and consumes the first queued expectation matching sql.
func (c *Conn) takeExec(sql string) (stmt driver.StatementHandle, err error, found bool) {
	for i, e := range c.exec {
		if e.sql == sql {
			c.exec = append(c.exec[:i], c.exec[i+1:]...)
			return e.stmt, e.err, true
		}
	}
	return nil, nil, false
}

// PollAsync reports the result queued by the most recent SubmitAsync,
// available immediately (this mock never simulates latency).
func (c *Conn) PollAsync() (bool, driver.StatementHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.asyncDone {
		return false, nil, nil
	}
	stmt, err := c.asyncStmt, c.asyncErr
	c.asyncDone = false
	c.asyncStmt, c.asyncErr = nil, nil
	return true, stmt, err
}

func (c *Conn) Listen(_ context.Context, channel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("Listen")
	c.listens[channel] = true
	return nil
}

func (c *Conn) Unlisten(_ context.Context, channel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("Unlisten")
	if channel == "*" {
		c.listens = make(map[string]bool)
	} else {
		delete(c.listens, channel)
	}
	return nil
}

func (c *Conn) Notify(context.Context, string, string, bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("Notify")
	return nil
}

func (c *Conn) DrainNotifications() ([]driver.Notification, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.inbox
	c.inbox = nil
	return out, nil
}

func (c *Conn) PauseWatch()                        {}
func (c *Conn) ResumeWatch(context.Context, bool)   {}

func (c *Conn) PeerClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerClosed
}

func (c *Conn) Tables(context.Context) ([]string, error) { return nil, nil }

func (c *Conn) Begin(context.Context, string) error                { c.record("Begin"); return nil }
func (c *Conn) Commit(context.Context) error                       { c.record("Commit"); return nil }
func (c *Conn) Rollback(context.Context) error                     { c.record("Rollback"); return nil }
func (c *Conn) Savepoint(context.Context, string) error            { return nil }
func (c *Conn) ReleaseSavepoint(context.Context, string) error     { return nil }
func (c *Conn) RollbackToSavepoint(context.Context, string) error  { return nil }

// StatementHandle is a minimal in-memory driver.StatementHandle for tests
// that need to script an Exec/SubmitAsync result.
type StatementHandle struct {
	IDValue      string
	ColumnsValue []driver.ColumnInfo
	Rows         [][]any
	Affected     int64

	pos int
}

func (h *StatementHandle) ID() string                  { return h.IDValue }
func (h *StatementHandle) Columns() []driver.ColumnInfo { return h.ColumnsValue }
func (h *StatementHandle) RowsAffected() int64          { return h.Affected }
func (h *StatementHandle) Close()                       {}

func (h *StatementHandle) Next() ([]any, bool) {
	if h.pos >= len(h.Rows) {
		return nil, false
	}
	row := h.Rows[h.pos]
	h.pos++
	return row, true
}
