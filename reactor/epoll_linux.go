//go:build linux

package reactor

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Epoll is a Watcher backed by Linux epoll, the natural "watch fd for
// read/write" primitive for a systems-language reactor.
type Epoll struct {
	fd int

	mu       sync.Mutex
	handlers map[int]func()
	closed   bool

	wakeR, wakeW int // self-pipe used to unblock EpollWait on Close
}

// NewEpoll creates a running Epoll watcher. Call Close when done.
func NewEpoll() (*Epoll, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}

	pipeFDs := make([]int, 2)
	if err := unix.Pipe2(pipeFDs, unix.O_CLOEXEC); err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("reactor: pipe2: %w", err)
	}

	e := &Epoll{
		fd:       epfd,
		handlers: make(map[int]func()),
		wakeR:    pipeFDs[0],
		wakeW:    pipeFDs[1],
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, e.wakeR, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(e.wakeR),
	}); err != nil {
		_ = unix.Close(epfd)
		_ = unix.Close(e.wakeR)
		_ = unix.Close(e.wakeW)
		return nil, fmt.Errorf("reactor: epoll_ctl add wake fd: %w", err)
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
	return unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	})
}

func (e *Epoll) Remove(fd int) error {
	e.mu.Lock()
	delete(e.handlers, fd)
	e.mu.Unlock()
	return unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (e *Epoll) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	_, _ = unix.Write(e.wakeW, []byte{1})
	_ = unix.Close(e.wakeW)
	_ = unix.Close(e.wakeR)
	return unix.Close(e.fd)
}

func (e *Epoll) loop() {
	events := make([]unix.EpollEvent, 32)
	for {
		n, err := unix.EpollWait(e.fd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == e.wakeR {
				e.mu.Lock()
				closed := e.closed
				e.mu.Unlock()
				if closed {
					return
				}
				continue
			}

			e.mu.Lock()
			handler := e.handlers[fd]
			e.mu.Unlock()
			if handler != nil {
				handler()
			}
		}
	}
}
