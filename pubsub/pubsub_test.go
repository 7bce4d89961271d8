package pubsub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gopgsession/pgsession"
	"github.com/gopgsession/pgsession/internal/driver"
	"github.com/gopgsession/pgsession/internal/driver/drivermock"
)

// fakeWatcher is a minimal reactor.Watcher stub letting the test fire a
// watched fd's callback directly instead of waiting on a real epoll event.
type fakeWatcher struct {
	mu sync.Mutex
	cb map[int]func()
}

func newFakeWatcher() *fakeWatcher { return &fakeWatcher{cb: make(map[int]func())} }

func (w *fakeWatcher) Watch(fd int, onReadable func()) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cb[fd] = onReadable
	return nil
}

func (w *fakeWatcher) Remove(fd int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.cb, fd)
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

func TestHub_SubscribeDeliversAndUnsubscribeUnlistens(t *testing.T) {
	ctx := context.Background()
	conn := drivermock.NewConn(1)
	w := newFakeWatcher()

	mgr, err := pgsession.New("postgresql://test/test",
		pgsession.WithDialer(drivermock.NewDialer(conn)),
		pgsession.WithWatcher(w),
	)
	require.NoError(t, err)

	session, err := mgr.Session(ctx)
	require.NoError(t, err)

	hub := New(session)
	defer hub.Close()

	deliveries, unsubscribe, err := hub.Subscribe(ctx, "chan1")
	require.NoError(t, err)
	require.True(t, session.IsListening("chan1"))

	conn.InjectNotification(driver.Notification{Channel: "chan1", PID: 7, Payload: "hi"})
	w.fire(0)

	select {
	case n := <-deliveries:
		require.Equal(t, Notification{Channel: "chan1", PID: 7, Payload: "hi"}, n)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	unsubscribe()
	require.False(t, session.IsListening("chan1"))
}

func TestHub_MultipleSubscribersFanOut(t *testing.T) {
	ctx := context.Background()
	conn := drivermock.NewConn(1)
	w := newFakeWatcher()

	mgr, err := pgsession.New("postgresql://test/test",
		pgsession.WithDialer(drivermock.NewDialer(conn)),
		pgsession.WithWatcher(w),
	)
	require.NoError(t, err)

	session, err := mgr.Session(ctx)
	require.NoError(t, err)

	hub := New(session)
	defer hub.Close()

	d1, unsub1, err := hub.Subscribe(ctx, "chan1")
	require.NoError(t, err)
	d2, unsub2, err := hub.Subscribe(ctx, "chan1")
	require.NoError(t, err)
	defer unsub1()
	defer unsub2()

	conn.InjectNotification(driver.Notification{Channel: "chan1", PID: 1, Payload: "x"})
	w.fire(0)

	for _, c := range []<-chan Notification{d1, d2} {
		select {
		case n := <-c:
			require.Equal(t, "x", n.Payload)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fan-out delivery")
		}
	}

	// channel stays listened while one subscriber remains.
	unsub1()
	require.True(t, session.IsListening("chan1"))
}
