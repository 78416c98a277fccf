// Package notify provides the event notifier primitive used to signal
// synthetic interrupts and acknowledgments between the core, the guest and
// the acceleration backend. On Linux each notifier is backed by an eventfd
// so a backend can wire it directly; everywhere else (or when eventfd is
// unavailable) a channel-based notifier is used instead, logged once.
package notify

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

var fallbackOnce sync.Once

func warnFallback(err error) {
	fallbackOnce.Do(func() {
		slog.Warn("eventfd not available; using slower userspace notifier path", "err", err)
	})
}

// Notifier is a binary event flag. Signal sets it; TestAndClear consumes it.
// An optional handler is dispatched from a dedicated goroutine whenever the
// notifier is signalled.
type Notifier struct {
	fd int // eventfd, or -1 on the userspace path

	pending atomic.Bool
	wake    chan struct{}
	done    chan struct{}

	mu       sync.Mutex
	handler  func()
	watching bool
	closed   bool
}

// New allocates a notifier, preferring an eventfd backing.
func New() (*Notifier, error) {
	n := &Notifier{
		fd:   -1,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	if fd, err := newEventFD(); err == nil {
		n.fd = fd
	} else {
		warnFallback(err)
	}
	return n, nil
}

// FD returns the eventfd backing the notifier, or -1 on the userspace path.
func (n *Notifier) FD() int { return n.fd }

// Signal sets the notifier and wakes the handler goroutine if one is
// attached. Safe to call from any goroutine.
func (n *Notifier) Signal() error {
	n.pending.Store(true)
	if n.fd >= 0 {
		if err := eventFDSignal(n.fd); err != nil {
			return err
		}
	}
	select {
	case n.wake <- struct{}{}:
	default:
	}
	return nil
}

// TestAndClear consumes a pending signal, reporting whether one was set.
func (n *Notifier) TestAndClear() bool {
	set := n.pending.Swap(false)
	if n.fd >= 0 {
		if eventFDConsume(n.fd) {
			set = true
		}
	}
	select {
	case <-n.wake:
	default:
	}
	return set
}

// SetHandler attaches fn, dispatched once per signal from a dedicated
// goroutine. Passing nil detaches the current handler.
func (n *Notifier) SetHandler(fn func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.handler = fn
	if fn != nil && !n.watching {
		n.watching = true
		go n.watch()
	}
}

func (n *Notifier) watch() {
	for {
		select {
		case <-n.done:
			return
		case <-n.wake:
		}
		n.mu.Lock()
		fn := n.handler
		n.mu.Unlock()
		if fn != nil {
			fn()
		}
	}
}

// Close releases the notifier. The handler, if any, stops being dispatched.
func (n *Notifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.handler = nil
	n.mu.Unlock()

	close(n.done)
	if n.fd >= 0 {
		return eventFDClose(n.fd)
	}
	return nil
}
