// Package driver defines the boundary between pgsession and a concrete
// PostgreSQL wire implementation. pgsession's session state machine is
// written entirely against this interface; driverpg is the only
// implementation that speaks to a real server, drivermock drives the same
// interface from canned expectations for tests.
package driver

import "context"

// ParamKind distinguishes how a bound query argument should be encoded.
type ParamKind int

const (
	// ParamScalar binds the value using the driver's natural type mapping.
	ParamScalar ParamKind = iota
	// ParamJSON JSON-encodes the value and binds it as text.
	ParamJSON
	// ParamTyped binds the value with an explicit driver-native type OID.
	ParamTyped
)

// Param is one positional query argument.
type Param struct {
	Kind  ParamKind
	Value any
	OID   uint32
}

// ColumnInfo describes one result column.
type ColumnInfo struct {
	Name string
	OID  uint32
}

// Notification is one payload delivered through LISTEN/NOTIFY.
type Notification struct {
	Channel string
	PID     int32
	Payload string
}

// StatementHandle is the materialized result of one executed statement: a
// name identity plus the column descriptors, the affected/returned row
// count, and the rows themselves. Rows are materialized up front (streaming
// row delivery is a non-goal), so Next simply walks an in-memory slice.
type StatementHandle interface {
	// ID identifies the statement text this handle was produced from, for
	// the statement-cache identity checks in the Results lifetime rule.
	ID() string
	Columns() []ColumnInfo
	RowsAffected() int64
	// Next returns the next row's values, or ok=false when exhausted.
	Next() (values []any, ok bool)
	Close()
}

// Conn is one backend connection: the wire handle a Session owns
// exclusively for its lifetime.
type Conn interface {
	PID() int32
	// Fd returns a file descriptor suitable for reactor registration. The
	// returned fd is independent of the driver's own socket ownership (the
	// driver may dup it); closing it does not affect the connection.
	Fd() (int, error)

	Ping(ctx context.Context) error
	// Close sends the protocol-level termination message.
	Close(ctx context.Context) error
	// CloseAbrupt closes the underlying socket without a protocol goodbye,
	// used for connections orphaned by a fork in the owning process.
	CloseAbrupt()

	NoReuse() bool
	MarkNoReuse()

	// Exec runs sql to completion and returns its materialized result.
	Exec(ctx context.Context, sql string, params []Param, dollarOnly bool) (StatementHandle, error)

	// SubmitAsync begins executing sql without blocking the caller. It
	// returns before the query completes; completion is observed through
	// PollAsync and surfaced via the reactor fd becoming readable.
	SubmitAsync(ctx context.Context, sql string, params []Param, dollarOnly bool) error
	// PollAsync reports whether the previously submitted async query has
	// completed. When done is true the result (and error, if the query
	// failed server-side) are returned exactly once.
	PollAsync() (done bool, stmt StatementHandle, err error)

	Listen(ctx context.Context, channel string) error
	Unlisten(ctx context.Context, channel string) error
	Notify(ctx context.Context, channel, payload string, hasPayload bool) error
	// DrainNotifications removes and returns all notifications accumulated
	// in the inbox since the last drain.
	DrainNotifications() ([]Notification, error)

	// PauseWatch stops any background goroutine reading from the socket on
	// the Conn's behalf (idle LISTEN wait), blocking until it has stopped.
	// Callers must pause before issuing any other command on the
	// connection and resume afterward.
	PauseWatch()
	// ResumeWatch restarts the idle LISTEN wait if the connection has at
	// least one active channel and no async query in flight.
	ResumeWatch(ctx context.Context, hasListens bool)

	// PeerClosed reports whether the connection was observed to be closed
	// by the server since the last check.
	PeerClosed() bool

	Tables(ctx context.Context) ([]string, error)

	Begin(ctx context.Context, isolation string) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Savepoint(ctx context.Context, name string) error
	ReleaseSavepoint(ctx context.Context, name string) error
	RollbackToSavepoint(ctx context.Context, name string) error
}

// Dialer opens a new Conn from a DSN plus connect-time initializers.
type Dialer interface {
	Dial(ctx context.Context, dsn string) (Conn, error)
}
