// Package driverpg implements pgsession's internal/driver.Conn against
// jackc/pgx/v5's low-level pgconn.PgConn, the same layer
// driver/postgres/pgx.go leans on in the teacher repo, one level further
// down the stack so the async submit/poll contract in spec.md §4.3 has
// something real to drive.
package driverpg

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/gopgsession/pgsession/internal/driver"
)

const defaultStatementCacheSize = 32

// Dialer opens driverpg connections from a DSN.
type Dialer struct {
	// StatementCacheSize bounds the per-connection prepared statement LRU.
	// Zero selects defaultStatementCacheSize.
	StatementCacheSize int
}

var _ driver.Dialer = Dialer{}

// Dial connects to dsn and returns a ready Conn.
func (d Dialer) Dial(ctx context.Context, dsn string) (driver.Conn, error) {
	cfg, err := pgconn.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("driverpg: parse dsn: %w", err)
	}

	c := &Conn{
		stmts: newStmtCache(cacheSizeOrDefault(d.StatementCacheSize)),
	}
	cfg.OnNotification = c.onNotification

	pc, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("driverpg: connect: %w", err)
	}
	c.pc = pc
	c.pid = int32(pc.PID())

	r, w, err := os.Pipe()
	if err != nil {
		_ = pc.Close(ctx)
		return nil, fmt.Errorf("driverpg: self-pipe: %w", err)
	}
	c.wakeR, c.wakeW = r, w

	return c, nil
}

func cacheSizeOrDefault(n int) int {
	if n <= 0 {
		return defaultStatementCacheSize
	}
	return n
}

// Conn is a single backend connection. It is not safe for concurrent API
// use except for the producer/consumer handoff between the notify-wait
// goroutine (or the async-exec goroutine) and the owning Session's
// reactor callback, both guarded by mu.
type Conn struct {
	pc   *pgconn.PgConn
	pid  int32
	wakeR, wakeW *os.File

	stmts *stmtCache

	noReuse bool

	mu           sync.Mutex
	inbox        []driver.Notification
	asyncDone    bool
	asyncStmt    driver.StatementHandle
	asyncErr     error
	peerClosed   bool

	watchCancel context.CancelFunc
	watchDone   chan struct{}

	asyncWG sync.WaitGroup
}

func (c *Conn) PID() int32 { return c.pid }

func (c *Conn) NoReuse() bool    { return c.noReuse }
func (c *Conn) MarkNoReuse()     { c.noReuse = true }

// Fd returns a dup of the self-pipe's read end. The reactor owns the
// returned descriptor and may close it independently of the Conn's own
// copy, per the socket-duplication design note.
func (c *Conn) Fd() (int, error) {
	dup, err := syscall.Dup(int(c.wakeR.Fd()))
	if err != nil {
		return 0, fmt.Errorf("driverpg: dup wake fd: %w", err)
	}
	return dup, nil
}

func (c *Conn) wake() {
	_, _ = c.wakeW.Write([]byte{1})
}

// drainWakeBytes empties the self-pipe without blocking.
func (c *Conn) drainWakeBytes() error {
	buf := make([]byte, 64)
	if err := c.wakeR.SetReadDeadline(time.Now()); err != nil {
		return err
	}
	for {
		_, err := c.wakeR.Read(buf)
		if err != nil {
			if os.IsTimeout(err) || err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func (c *Conn) onNotification(_ *pgconn.PgConn, n *pgconn.Notification) {
	c.mu.Lock()
	c.inbox = append(c.inbox, driver.Notification{
		Channel: n.Channel,
		PID:     int32(n.PID),
		Payload: n.Payload,
	})
	c.mu.Unlock()
}

func (c *Conn) DrainNotifications() ([]driver.Notification, error) {
	if err := c.drainWakeBytes(); err != nil {
		return nil, fmt.Errorf("driverpg: drain wake pipe: %w", err)
	}
	c.mu.Lock()
	out := c.inbox
	c.inbox = nil
	c.mu.Unlock()
	return out, nil
}

func (c *Conn) PeerClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerClosed || c.pc.IsClosed()
}

func (c *Conn) Ping(ctx context.Context) error {
	_, err := c.pc.Exec(ctx, "SELECT 1").ReadAll()
	return err
}

func (c *Conn) Close(ctx context.Context) error {
	c.PauseWatch()
	c.cancelAsyncAndWait(ctx)
	err := c.pc.Close(ctx)
	_ = c.wakeW.Close()
	_ = c.wakeR.Close()
	return err
}

func (c *Conn) CloseAbrupt() {
	c.PauseWatch()
	c.cancelAsyncAndWait(context.Background())
	// A forked child's inherited fd belongs to the parent's backend;
	// closing the socket directly (not the protocol Close) avoids
	// sending a Terminate message the parent's backend never asked for.
	if conn := c.pc.Conn(); conn != nil {
		_ = conn.Close()
	}
	_ = c.wakeW.Close()
	_ = c.wakeR.Close()
}

// cancelAsyncAndWait asks the server to cancel any query still running on
// behalf of a SubmitAsync call and waits for that goroutine to return
// before the caller tears down the connection out from under it.
func (c *Conn) cancelAsyncAndWait(ctx context.Context) {
	_ = c.pc.CancelRequest(ctx)
	c.asyncWG.Wait()
}

// PauseWatch stops the idle notify-wait goroutine, if running, and blocks
// until it has returned so the caller can safely issue a command.
func (c *Conn) PauseWatch() {
	c.mu.Lock()
	cancel := c.watchCancel
	done := c.watchDone
	c.watchCancel = nil
	c.watchDone = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// ResumeWatch restarts the idle notify-wait goroutine when there is at
// least one active channel and no async query in flight.
func (c *Conn) ResumeWatch(ctx context.Context, hasListens bool) {
	if !hasListens {
		return
	}

	c.mu.Lock()
	if c.watchCancel != nil {
		c.mu.Unlock()
		return
	}
	waitCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.watchCancel = cancel
	c.watchDone = done
	c.mu.Unlock()

	go c.notifyWaitLoop(waitCtx, done)
}

// notifyWaitLoop blocks on WaitForNotification so that an idle,
// listen-only connection still surfaces server notifications. Every
// notification arriving this way already populated the inbox via
// onNotification before WaitForNotification returns, so the loop only
// needs to wake the reactor.
func (c *Conn) notifyWaitLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		err := c.pc.WaitForNotification(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.mu.Lock()
			c.peerClosed = true
			c.mu.Unlock()
			c.wake()
			return
		}
		c.wake()
	}
}

func (c *Conn) Listen(ctx context.Context, channel string) error {
	c.PauseWatch()
	_, err := c.pc.Exec(ctx, fmt.Sprintf("LISTEN %s", quoteIdent(channel))).ReadAll()
	return err
}

func (c *Conn) Unlisten(ctx context.Context, channel string) error {
	c.PauseWatch()
	var sql string
	if channel == "*" {
		sql = "UNLISTEN *"
	} else {
		sql = fmt.Sprintf("UNLISTEN %s", quoteIdent(channel))
	}
	_, err := c.pc.Exec(ctx, sql).ReadAll()
	return err
}

func (c *Conn) Notify(ctx context.Context, channel, payload string, hasPayload bool) error {
	c.PauseWatch()
	var sql string
	if hasPayload {
		sql = fmt.Sprintf("NOTIFY %s, %s", quoteIdent(channel), quoteLiteral(payload))
	} else {
		sql = fmt.Sprintf("NOTIFY %s", quoteIdent(channel))
	}
	_, err := c.pc.Exec(ctx, sql).ReadAll()
	return err
}

func (c *Conn) Tables(ctx context.Context) ([]string, error) {
	c.PauseWatch()
	const q = `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema NOT IN ('pg_catalog', 'information_schema')
		ORDER BY table_name`
	h, err := c.execText(ctx, q, nil)
	if err != nil {
		return nil, err
	}
	var names []string
	for {
		row, ok := h.Next()
		if !ok {
			break
		}
		if s, ok := row[0].(string); ok {
			names = append(names, s)
		}
	}
	return names, nil
}

func (c *Conn) Begin(ctx context.Context, isolation string) error {
	c.PauseWatch()
	sql := "BEGIN"
	if isolation != "" {
		sql = fmt.Sprintf("BEGIN ISOLATION LEVEL %s", isolation)
	}
	_, err := c.pc.Exec(ctx, sql).ReadAll()
	return err
}

func (c *Conn) Commit(ctx context.Context) error {
	c.PauseWatch()
	_, err := c.pc.Exec(ctx, "COMMIT").ReadAll()
	return err
}

func (c *Conn) Rollback(ctx context.Context) error {
	c.PauseWatch()
	_, err := c.pc.Exec(ctx, "ROLLBACK").ReadAll()
	return err
}

func (c *Conn) Savepoint(ctx context.Context, name string) error {
	c.PauseWatch()
	_, err := c.pc.Exec(ctx, fmt.Sprintf("SAVEPOINT %s", quoteIdent(name))).ReadAll()
	return err
}

func (c *Conn) ReleaseSavepoint(ctx context.Context, name string) error {
	c.PauseWatch()
	_, err := c.pc.Exec(ctx, fmt.Sprintf("RELEASE SAVEPOINT %s", quoteIdent(name))).ReadAll()
	return err
}

func (c *Conn) RollbackToSavepoint(ctx context.Context, name string) error {
	c.PauseWatch()
	_, err := c.pc.Exec(ctx, fmt.Sprintf("ROLLBACK TO SAVEPOINT %s", quoteIdent(name))).ReadAll()
	return err
}

// Exec runs sql to completion, preparing (or reusing a cached preparation
// of) the statement first.
func (c *Conn) Exec(ctx context.Context, sql string, params []driver.Param, dollarOnly bool) (driver.StatementHandle, error) {
	c.PauseWatch()
	return c.execBound(ctx, sql, params, dollarOnly)
}

func (c *Conn) execText(ctx context.Context, sql string, params []driver.Param) (driver.StatementHandle, error) {
	return c.execBound(ctx, sql, params, true)
}

func (c *Conn) execBound(ctx context.Context, sql string, params []driver.Param, _ bool) (driver.StatementHandle, error) {
	values, oids, formats, err := bindParams(params)
	if err != nil {
		return nil, err
	}

	name, ok := c.stmts.lookup(sql)
	if !ok {
		// Each SQL text gets its own named statement; the unnamed statement
		// would be replaced by the next command on the connection.
		h := fnv.New64a()
		_, _ = h.Write([]byte(sql))
		name = "pgsession_" + strconv.FormatUint(h.Sum64(), 16)
		desc, err := c.pc.Prepare(ctx, name, sql, oids)
		if err != nil {
			return nil, err
		}
		name = desc.Name
		if evicted, did := c.stmts.insert(sql, name); did {
			_ = c.pc.Deallocate(ctx, evicted)
		}
	}

	// nil means all-text result format codes regardless of column count;
	// every value below is decoded as text, so the result formats never
	// need to track the param count (and must not be sized by it).
	rr := c.pc.ExecPrepared(ctx, name, values, formats, nil)
	result := rr.Read()
	if result.Err != nil {
		return nil, result.Err
	}

	cols := make([]driver.ColumnInfo, len(result.FieldDescriptions))
	for i, fd := range result.FieldDescriptions {
		cols[i] = driver.ColumnInfo{Name: fd.Name, OID: fd.DataTypeOID}
	}

	rows := make([][]any, len(result.Rows))
	for i, raw := range result.Rows {
		row := make([]any, len(raw))
		for j, v := range raw {
			if v == nil {
				row[j] = nil
			} else {
				row[j] = string(v)
			}
		}
		rows[i] = row
	}

	return &statementHandle{
		id:           sql,
		columns:      cols,
		rows:         rows,
		rowsAffected: result.CommandTag.RowsAffected(),
	}, nil
}

// SubmitAsync runs the query on a dedicated goroutine and signals
// completion through the self-pipe. The caller must have ensured no other
// goroutine is using the connection (Session enforces the single
// in-flight-async invariant).
func (c *Conn) SubmitAsync(ctx context.Context, sql string, params []driver.Param, dollarOnly bool) error {
	c.PauseWatch()
	c.asyncWG.Add(1)
	go func() {
		defer c.asyncWG.Done()
		stmt, err := c.execBound(ctx, sql, params, dollarOnly)
		if err != nil && stmt == nil {
			// An empty handle, so the caller still gets a Results with the error.
			stmt = &statementHandle{id: sql}
		}
		c.mu.Lock()
		c.asyncDone = true
		c.asyncStmt = stmt
		c.asyncErr = err
		c.mu.Unlock()
		c.wake()
	}()
	return nil
}

func (c *Conn) PollAsync() (done bool, stmt driver.StatementHandle, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.asyncDone {
		return false, nil, nil
	}
	stmt, err = c.asyncStmt, c.asyncErr
	c.asyncDone = false
	c.asyncStmt = nil
	c.asyncErr = nil
	return true, stmt, err
}

// statementHandle is the materialized result of one executed statement.
type statementHandle struct {
	id           string
	columns      []driver.ColumnInfo
	rows         [][]any
	pos          int
	rowsAffected int64
}

func (h *statementHandle) ID() string                      { return h.id }
func (h *statementHandle) Columns() []driver.ColumnInfo     { return h.columns }
func (h *statementHandle) RowsAffected() int64              { return h.rowsAffected }
func (h *statementHandle) Close()                           {}

func (h *statementHandle) Next() ([]any, bool) {
	if h.pos >= len(h.rows) {
		return nil, false
	}
	row := h.rows[h.pos]
	h.pos++
	return row, true
}

func bindParams(params []driver.Param) (values [][]byte, oids []uint32, formats []int16, err error) {
	values = make([][]byte, len(params))
	oids = make([]uint32, len(params))
	formats = make([]int16, len(params))

	for i, p := range params {
		switch p.Kind {
		case driver.ParamJSON:
			b, jerr := json.Marshal(p.Value)
			if jerr != nil {
				return nil, nil, nil, fmt.Errorf("driverpg: encode json param %d: %w", i, jerr)
			}
			values[i] = b
		case driver.ParamTyped:
			oids[i] = p.OID
			values[i] = []byte(toText(p.Value))
		default:
			if p.Value == nil {
				values[i] = nil
			} else {
				values[i] = []byte(toText(p.Value))
			}
		}
	}
	return values, oids, formats, nil
}

func toText(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case bool:
		return strconv.FormatBool(x)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return `'` + strings.ReplaceAll(s, `'`, `''`) + `'`
}
