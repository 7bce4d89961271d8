package pgsession

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gopgsession/pgsession/internal/driver/drivermock"
	"github.com/gopgsession/pgsession/reactor"
)

func newTestManager(t *testing.T, dialer *drivermock.Dialer, opts ...Option) *Manager {
	t.Helper()
	w, err := reactor.NewEpoll()
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	allOpts := append([]Option{WithDialer(dialer), WithWatcher(w)}, opts...)
	mgr, err := New("postgresql://test/test", allOpts...)
	require.NoError(t, err)
	return mgr
}

func TestManager_RequiresWatcher(t *testing.T) {
	_, err := New("postgresql://test/test", WithDialer(drivermock.NewDialer()))
	require.Error(t, err)
}

func TestManager_SessionDialsOnCacheMiss(t *testing.T) {
	ctx := context.Background()
	dialer := drivermock.NewDialer(drivermock.NewConn(1), drivermock.NewConn(2))
	mgr := newTestManager(t, dialer)

	s1, err := mgr.Session(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, s1.PID())

	s2, err := mgr.Session(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, s2.PID())
}

func TestManager_ReusesIdleConnectionLIFO(t *testing.T) {
	ctx := context.Background()
	connA := drivermock.NewConn(1)
	connB := drivermock.NewConn(2)
	dialer := drivermock.NewDialer(connA, connB)
	mgr := newTestManager(t, dialer)

	sa, err := mgr.Session(ctx)
	require.NoError(t, err)
	sb, err := mgr.Session(ctx)
	require.NoError(t, err)

	require.NoError(t, sa.Close(ctx))
	require.NoError(t, sb.Close(ctx))
	require.Equal(t, 2, mgr.Stats().Idle)

	// LIFO: the most recently returned connection (B) comes back first.
	reused, err := mgr.Session(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, reused.PID())
}

func TestManager_EvictsFIFOOverCapacity(t *testing.T) {
	ctx := context.Background()
	c1, c2, c3 := drivermock.NewConn(1), drivermock.NewConn(2), drivermock.NewConn(3)
	dialer := drivermock.NewDialer(c1, c2, c3)
	mgr := newTestManager(t, dialer, WithMaxConnections(2))

	s1, _ := mgr.Session(ctx)
	s2, _ := mgr.Session(ctx)
	s3, _ := mgr.Session(ctx)

	require.NoError(t, s1.Close(ctx))
	require.NoError(t, s2.Close(ctx))
	// Cache is full (2/2); returning a third evicts the oldest (c1).
	require.NoError(t, s3.Close(ctx))

	require.Equal(t, 2, mgr.Stats().Idle)
	require.True(t, c1.Closed())
	require.False(t, c2.Closed())
	require.False(t, c3.Closed())
}

func TestManager_PoisonedSessionIsDiscarded(t *testing.T) {
	ctx := context.Background()
	conn := drivermock.NewConn(1)
	dialer := drivermock.NewDialer(conn)
	mgr := newTestManager(t, dialer)

	s, err := mgr.Session(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Disconnect(ctx))

	require.Equal(t, 0, mgr.Stats().Idle)
	require.True(t, conn.Closed())
}

func TestManager_DeadIdleConnectionIsDiscardedAndRedialed(t *testing.T) {
	ctx := context.Background()
	dead := drivermock.NewConn(1).SetPingError(errors.New("connection reset by peer"))
	fresh := drivermock.NewConn(2)
	dialer := drivermock.NewDialer(dead, fresh)
	mgr := newTestManager(t, dialer)

	s1, err := mgr.Session(ctx)
	require.NoError(t, err)
	require.NoError(t, s1.Close(ctx))
	require.Equal(t, 1, mgr.Stats().Idle)

	s2, err := mgr.Session(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, s2.PID())
	require.True(t, dead.Closed())
}

func TestManager_SearchPathAppliedOnFreshConnection(t *testing.T) {
	ctx := context.Background()
	conn := drivermock.NewConn(1).
		ExpectExec(`SET search_path TO "$user", "public"`, &drivermock.StatementHandle{}, nil)
	dialer := drivermock.NewDialer(conn)
	mgr := newTestManager(t, dialer, WithSearchPath("$user", "public"))

	_, err := mgr.Session(ctx)
	require.NoError(t, err)
	require.Contains(t, conn.Calls(), "Exec")
}

func TestManager_CloseDiscardsIdleConnections(t *testing.T) {
	ctx := context.Background()
	conn := drivermock.NewConn(1)
	dialer := drivermock.NewDialer(conn)
	mgr := newTestManager(t, dialer)

	s, err := mgr.Session(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Close(ctx))
	require.Equal(t, 1, mgr.Stats().Idle)

	require.NoError(t, mgr.Close(ctx))
	require.True(t, conn.Closed())

	_, err = mgr.Session(ctx)
	require.Error(t, err)
}
