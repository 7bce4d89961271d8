package pgsession

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gopgsession/pgsession/internal/driver"
	"github.com/gopgsession/pgsession/internal/driver/drivermock"
)

// fakeWatcher is a reactor.Watcher stub that records the callback for a
// watched fd so a test can invoke it directly, standing in for an actual
// epoll wake-up.
type fakeWatcher struct {
	mu    sync.Mutex
	cb    map[int]func()
	calls []string
}

func newFakeWatcher() *fakeWatcher { return &fakeWatcher{cb: make(map[int]func())} }

func (w *fakeWatcher) Watch(fd int, onReadable func()) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cb[fd] = onReadable
	w.calls = append(w.calls, "watch")
	return nil
}

func (w *fakeWatcher) Remove(fd int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.cb, fd)
	w.calls = append(w.calls, "remove")
	return nil
}

func (w *fakeWatcher) Close() error { return nil }

func (w *fakeWatcher) fire(fd int) {
	w.mu.Lock()
	cb := w.cb[fd]
	w.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func newTestSession(conn driver.Conn, watcher *fakeWatcher) *Session {
	mgr := &Manager{cfg: config{watcher: watcher, logger: zap.NewNop(), maxConnections: 8, metrics: noopMetrics{}}}
	return newSession(mgr, conn)
}

func TestSession_QuerySynchronous(t *testing.T) {
	ctx := context.Background()
	stmt := &drivermock.StatementHandle{
		IDValue:      "select 1",
		ColumnsValue: []driver.ColumnInfo{{Name: "n"}},
		Rows:         [][]any{{"1"}},
	}
	conn := drivermock.NewConn(1).ExpectExec("SELECT 1", stmt, nil)
	s := newTestSession(conn, newFakeWatcher())

	res, err := s.Query(ctx, "SELECT 1")
	require.NoError(t, err)
	require.Equal(t, []string{"n"}, res.Columns())
}

func TestSession_SecondQueryWhileAsyncInFlightIsBusy(t *testing.T) {
	ctx := context.Background()
	conn := drivermock.NewConn(1)
	s := newTestSession(conn, newFakeWatcher())

	require.NoError(t, s.QueryAsync(ctx, "SELECT pg_sleep(1)", nil, func(*Session, error, *Results) {}))

	_, err := s.Query(ctx, "SELECT 1")
	require.ErrorIs(t, err, ErrBusy)
}

func TestSession_AsyncCompletionDeliversResults(t *testing.T) {
	ctx := context.Background()
	stmt := &drivermock.StatementHandle{IDValue: "async", Affected: 1}
	conn := drivermock.NewConn(1).ExpectExec("UPDATE t SET a=1", stmt, nil)
	w := newFakeWatcher()
	s := newTestSession(conn, w)

	var gotErr error
	var gotResults *Results
	done := make(chan struct{})
	require.NoError(t, s.QueryAsync(ctx, "UPDATE t SET a=1", nil, func(_ *Session, err error, res *Results) {
		gotErr, gotResults = err, res
		close(done)
	}))

	w.fire(0)
	<-done

	require.NoError(t, gotErr)
	require.NotNil(t, gotResults)
	require.EqualValues(t, 1, gotResults.Rows())
	require.Nil(t, s.waiting)
}

func TestSession_CloseWithAsyncInFlightDeliversPrematureClose(t *testing.T) {
	ctx := context.Background()
	conn := drivermock.NewConn(1)
	s := newTestSession(conn, newFakeWatcher())

	var gotErr error
	require.NoError(t, s.QueryAsync(ctx, "SELECT pg_sleep(5)", nil, func(_ *Session, err error, _ *Results) {
		gotErr = err
	}))

	require.NoError(t, s.Close(ctx))
	require.ErrorIs(t, gotErr, ErrPrematureClose)
	require.True(t, conn.Closed())

	var connErr *ConnectionError
	require.ErrorAs(t, gotErr, &connErr)
}

func TestSession_NotificationDeliveredThroughListen(t *testing.T) {
	ctx := context.Background()
	conn := drivermock.NewConn(1)
	w := newFakeWatcher()
	s := newTestSession(conn, w)

	require.NoError(t, s.Listen(ctx, "chan1"))
	require.True(t, s.IsListening("chan1"))

	var got []string
	s.OnNotification(func(channel string, pid int32, payload string) {
		got = append(got, payload)
	})

	conn.InjectNotification(driver.Notification{Channel: "chan1", PID: 1, Payload: "hello"})
	w.fire(0)

	require.Equal(t, []string{"hello"}, got)
}

func TestSession_DollarOnlySuppressesPlaceholderRewrite(t *testing.T) {
	ctx := context.Background()
	stmt := &drivermock.StatementHandle{IDValue: "jsonb"}
	conn := drivermock.NewConn(1).ExpectExec(`SELECT data ? 'a' FROM t WHERE id = $1`, stmt, nil)
	s := newTestSession(conn, newFakeWatcher())

	_, err := s.DollarOnly().Query(ctx, `SELECT data ? 'a' FROM t WHERE id = $1`, 1)
	require.NoError(t, err)
}
