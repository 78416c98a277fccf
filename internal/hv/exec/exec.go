// Package exec provides the execution contexts the enlightenment core
// schedules work onto: one context per (logical processor, trust tier) pair
// plus a shared main loop for deferred one-shot callbacks. A context owns
// the architectural snapshot for its tier and supports the cooperative
// stop/resume protocol the VTL switch engine relies on.
package exec

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tinyvmm/hyperv/internal/hv"
)

// Context is a single execution context: a goroutine draining a task
// mailbox. Queued tasks run even while the context is stopped, matching the
// behavior of run-on-cpu work on a halted processor; stopping only suspends
// guest execution.
type Context struct {
	id  int
	acc hv.StateAccelerator

	state hv.ArchState

	tasks chan func()

	mu      sync.Mutex
	cond    *sync.Cond
	stopped bool
	busy    bool
}

func newContext(id int, acc hv.StateAccelerator) *Context {
	c := &Context{
		id:    id,
		acc:   acc,
		tasks: make(chan func(), 64),
		// New contexts start stopped; the owner resumes them when the
		// tier becomes runnable.
		stopped: true,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// ID returns the context identifier assigned by the pool.
func (c *Context) ID() int { return c.id }

// State returns the architectural snapshot owned by this context. Callers
// must serialize access through the engine's locking and the
// SyncState/SyncPostMutate protocol.
func (c *Context) State() *hv.ArchState { return &c.state }

// SyncState pulls the acceleration backend's state into the snapshot.
func (c *Context) SyncState() error {
	return c.acc.SyncState(c.id, &c.state)
}

// SyncPostMutate pushes a mutated snapshot back to the backend.
func (c *Context) SyncPostMutate() error {
	return c.acc.SyncPostMutate(c.id, &c.state)
}

// RunAsync schedules fn to run on this context, fire and forget.
func (c *Context) RunAsync(fn func()) {
	c.tasks <- fn
}

// RunSync schedules fn and waits for it to finish.
func (c *Context) RunSync(fn func()) {
	done := make(chan struct{})
	c.tasks <- func() {
		fn()
		close(done)
	}
	<-done
}

// Stop requests the context to suspend guest execution.
func (c *Context) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	c.Kick()
}

// StopAndWait stops the context and blocks until it has quiesced (no task
// in flight). A context that never quiesces is a stuck collaborator; this
// wait is deliberately not cancellable.
func (c *Context) StopAndWait() {
	c.Stop()
	c.mu.Lock()
	for c.busy {
		c.cond.Wait()
	}
	c.mu.Unlock()
}

// Resume lets the context execute guest code again.
func (c *Context) Resume() {
	c.mu.Lock()
	c.stopped = false
	c.mu.Unlock()
	c.Kick()
}

// Stopped reports whether guest execution is currently suspended.
func (c *Context) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Kick wakes the context's loop. A no-op placeholder in pure emulation,
// kept for parity with backends that need an explicit signal.
func (c *Context) Kick() {}

func (c *Context) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-c.tasks:
			c.mu.Lock()
			c.busy = true
			c.mu.Unlock()

			fn()

			c.mu.Lock()
			c.busy = false
			c.cond.Broadcast()
			c.mu.Unlock()
		}
	}
}

// MainLoop runs deferred one-shot callbacks, serialized with each other but
// not with any processor context.
type MainLoop struct {
	tasks chan func()
}

// Schedule queues a one-shot callback on the main loop.
func (m *MainLoop) Schedule(fn func()) {
	m.tasks <- fn
}

func (m *MainLoop) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-m.tasks:
			fn()
		}
	}
}

// Pool owns all execution contexts of a partition and the shared main loop.
type Pool struct {
	acc hv.StateAccelerator

	mu       sync.Mutex
	contexts map[int]*Context

	main *MainLoop

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPool creates a pool with a running main loop.
func NewPool(acc hv.StateAccelerator) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	p := &Pool{
		acc:      acc,
		contexts: make(map[int]*Context),
		main:     &MainLoop{tasks: make(chan func(), 256)},
		group:    g,
		ctx:      gctx,
		cancel:   cancel,
	}
	g.Go(func() error { return p.main.loop(gctx) })
	return p
}

// Main returns the shared deferred-callback loop.
func (p *Pool) Main() *MainLoop { return p.main }

// AddContext creates and starts the execution context with the given id.
func (p *Pool) AddContext(id int) (*Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.contexts[id]; ok {
		return nil, fmt.Errorf("exec: context %d already exists", id)
	}
	c := newContext(id, p.acc)
	p.contexts[id] = c
	p.group.Go(func() error { return c.loop(p.ctx) })
	return c, nil
}

// Context returns the context with the given id, or nil.
func (p *Pool) Context(id int) *Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.contexts[id]
}

// Close stops all contexts and the main loop.
func (p *Pool) Close() error {
	p.cancel()
	return p.group.Wait()
}
