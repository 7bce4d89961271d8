// Package pubsub is a channel-based fan-out built on top of
// pgsession.Session's Listen/Unlisten/Notify surface (spec.md §2 lists this
// as a "referenced only" collaborator; SPEC_FULL.md §9 supplements it).
// It is grounded on the event-loop idiom in
// db857b35_corbaltcode-go-libraries__pgutils-listener.go.go, stripped of
// that file's lib/pq-specific reconnect/backoff machinery (pgsession does
// not reconnect; a lost backend surfaces through Session.OnClose) and its
// pq.Listener event callback, and built instead
// on pgsession.Session.OnNotification: one dispatcher callback fans out to
// any number of per-channel subscriber channels.
package pubsub

import (
	"context"
	"fmt"
	"sync"

	"github.com/gopgsession/pgsession"
)

// Notification is one LISTEN/NOTIFY delivery, renamed from the session's
// positional callback arguments into a value subscribers can range over.
type Notification struct {
	Channel string
	PID     int32
	Payload string
}

// subscriberBuffer bounds how many undelivered notifications a slow
// subscriber can accumulate before new ones are dropped for it; the
// dispatch callback runs on the reactor's own goroutine and must not block
// (the same constraint pgutils.Listen's callback comment calls out).
const subscriberBuffer = 16

// Hub fans LISTEN/NOTIFY deliveries on one Session out to any number of
// subscriber channels, issuing LISTEN for a channel only while it has at
// least one subscriber and UNLISTEN once the last one unsubscribes.
type Hub struct {
	session *pgsession.Session

	mu   sync.Mutex
	subs map[string][]chan Notification
	off  func()
}

// New wires a Hub to session. It registers exactly one OnNotification
// callback for the session's lifetime.
func New(session *pgsession.Session) *Hub {
	h := &Hub{session: session, subs: make(map[string][]chan Notification)}
	h.off = session.OnNotification(h.dispatch)
	return h
}

func (h *Hub) dispatch(channel string, pid int32, payload string) {
	h.mu.Lock()
	chans := h.subs[channel]
	h.mu.Unlock()

	n := Notification{Channel: channel, PID: pid, Payload: payload}
	for _, c := range chans {
		select {
		case c <- n:
		default:
			// Subscriber is behind; drop rather than block the reactor.
		}
	}
}

// Subscribe issues LISTEN channel if this is the first subscriber for it,
// and returns a channel of deliveries plus an unsubscribe function. Calling
// unsubscribe more than once is a no-op.
func (h *Hub) Subscribe(ctx context.Context, channel string) (<-chan Notification, func(), error) {
	h.mu.Lock()
	first := len(h.subs[channel]) == 0
	h.mu.Unlock()

	if first {
		if err := h.session.Listen(ctx, channel); err != nil {
			return nil, nil, fmt.Errorf("pubsub: listen %q: %w", channel, err)
		}
	}

	c := make(chan Notification, subscriberBuffer)
	h.mu.Lock()
	h.subs[channel] = append(h.subs[channel], c)
	h.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() { h.unsubscribe(ctx, channel, c) })
	}
	return c, unsubscribe, nil
}

func (h *Hub) unsubscribe(ctx context.Context, channel string, c chan Notification) {
	h.mu.Lock()
	subs := h.subs[channel]
	for i, sub := range subs {
		if sub == c {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	h.subs[channel] = subs
	last := len(subs) == 0
	if last {
		delete(h.subs, channel)
	}
	h.mu.Unlock()

	close(c)
	if last {
		_ = h.session.Unlisten(ctx, channel)
	}
}

// Close unregisters the Hub's notification callback. It does not close the
// underlying Session.
func (h *Hub) Close() {
	if h.off != nil {
		h.off()
	}
}
