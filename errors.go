package pgsession

import (
	"errors"
	"fmt"
)

// Stable error strings surfaced to callers (spec.md §6).
const (
	msgBusy            = "Non-blocking query already in progress"
	msgPrematureClose  = "Premature connection close"
)

// ErrBusy is returned when a blocking query, a second async query, or any
// other command is attempted while an async query is already in flight
// (spec.md §4.2 step 1, §4.3).
var ErrBusy = errors.New(msgBusy)

// ErrPrematureClose is delivered to an async continuation when its Session
// is closed before the driver reports completion (spec.md §4.3, §5).
var ErrPrematureClose = errors.New(msgPrematureClose)

var errNoWatcher = errors.New("no reactor.Watcher configured: use WithWatcher")

var errManagerClosed = errors.New("manager is closed")

// UsageError reports a precondition violated by the caller: a busy session,
// a double commit, a closed Manager, and similar.
// It is always raised synchronously and is never retried.
type UsageError struct {
	Op  string
	Err error
}

func (e *UsageError) Error() string { return fmt.Sprintf("pgsession: %s: %s", e.Op, e.Err) }
func (e *UsageError) Unwrap() error { return e.Err }

func usageError(op string, err error) error {
	return &UsageError{Op: op, Err: err}
}

// QueryError reports a SQL or server error attributed to the call site that
// issued the query. Synchronous queries return it directly; asynchronous
// queries deliver it as the error argument to the continuation.
type QueryError struct {
	SQL string
	Err error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("pgsession: query %q: %s", e.SQL, e.Err)
}
func (e *QueryError) Unwrap() error { return e.Err }

func queryError(sql string, err error) error {
	if err == nil {
		return nil
	}
	return &QueryError{SQL: sql, Err: err}
}

// ConnectionError reports a lost socket, a premature close, or a failed
// ping. In an async context it aborts the in-flight continuation with
// ErrPrematureClose.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string { return fmt.Sprintf("pgsession: connection: %s", e.Err) }
func (e *ConnectionError) Unwrap() error { return e.Err }

func connectionError(err error) error {
	if err == nil {
		return nil
	}
	return &ConnectionError{Err: err}
}

// BuilderError reports a malformed option shape passed to the SQL builder
// (spec.md §4.6). It is raised synchronously at build time, before any
// query reaches the connection.
type BuilderError struct {
	Err error
}

func (e *BuilderError) Error() string { return fmt.Sprintf("pgsession: builder: %s", e.Err) }
func (e *BuilderError) Unwrap() error { return e.Err }

func builderError(err error) error {
	if err == nil {
		return nil
	}
	return &BuilderError{Err: err}
}
