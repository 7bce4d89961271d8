//go:build !linux

package reactor

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Epoll is named to match the linux build's exported type; on other
// platforms it is backed by a select(2) poll loop instead of epoll.
type Epoll struct {
	mu       sync.Mutex
	handlers map[int]func()
	closed   bool
	done     chan struct{}
}

// NewEpoll creates a running Watcher. Call Close when done.
func NewEpoll() (*Epoll, error) {
	e := &Epoll{
		handlers: make(map[int]func()),
		done:     make(chan struct{}),
	}
	go e.loop()
	return e, nil
}

func (e *Epoll) Watch(fd int, onReadable func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("reactor: watcher is closed")
	}
	e.handlers[fd] = onReadable
	return nil
}

func (e *Epoll) Remove(fd int) error {
	e.mu.Lock()
	delete(e.handlers, fd)
	e.mu.Unlock()
	return nil
}

func (e *Epoll) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	close(e.done)
	return nil
}

func (e *Epoll) loop() {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.pollOnce()
		}
	}
}

func (e *Epoll) pollOnce() {
	e.mu.Lock()
	fds := make([]int, 0, len(e.handlers))
	for fd := range e.handlers {
		fds = append(fds, fd)
	}
	e.mu.Unlock()
	if len(fds) == 0 {
		return
	}

	var set unix.FdSet
	maxFd := 0
	for _, fd := range fds {
		fdSetBit(&set, fd)
		if fd > maxFd {
			maxFd = fd
		}
	}

	timeout := unix.Timeval{Sec: 0, Usec: 0}
	n, err := unix.Select(maxFd+1, &set, nil, nil, &timeout)
	if err != nil || n <= 0 {
		return
	}

	for _, fd := range fds {
		if fdIsSet(&set, fd) {
			e.mu.Lock()
			handler := e.handlers[fd]
			e.mu.Unlock()
			if handler != nil {
				handler()
			}
		}
	}
}

const fdSetBitsPerWord = 64

func fdSetBit(set *unix.FdSet, fd int) {
	set.Bits[fd/fdSetBitsPerWord] |= 1 << (uint(fd) % fdSetBitsPerWord)
}

func fdIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/fdSetBitsPerWord]&(1<<(uint(fd)%fdSetBitsPerWord)) != 0
}
