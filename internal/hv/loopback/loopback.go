// Package loopback implements the interrupt router contract entirely in
// process: routes are bookkeeping entries and raised interrupts are turned
// into callbacks. It backs the simulator and tests, standing in for a
// hardware acceleration backend.
package loopback

import (
	"fmt"
	"sync"

	"github.com/tinyvmm/hyperv/internal/hv/notify"
)

type route struct {
	vpIndex uint32
	sint    uint32
	set     *notify.Notifier
	ack     *notify.Notifier
}

// Router is an in-process interrupt router. The zero value is not usable;
// call New.
type Router struct {
	mu     sync.Mutex
	routes map[int]*route
	next   int

	onSint func(vpIndex, sint uint32)
}

// New returns an empty router.
func New() *Router {
	return &Router{routes: make(map[int]*route)}
}

// OnSint registers the callback invoked whenever a bound route's interrupt
// is raised. Must be set before any route is bound.
func (r *Router) OnSint(fn func(vpIndex, sint uint32)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSint = fn
}

// AddSintRoute allocates a route for the (processor, sint) pair.
func (r *Router) AddSintRoute(vpIndex, sint uint32) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.next
	r.next++
	r.routes[id] = &route{vpIndex: vpIndex, sint: sint}
	return id, nil
}

// ReleaseRoute frees a route.
func (r *Router) ReleaseRoute(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.routes, id)
}

// BindNotifiers attaches the set/ack notifier pair to a route. The set
// notifier's handler forwards raised interrupts to the OnSint callback.
func (r *Router) BindNotifiers(id int, set, ack *notify.Notifier) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.routes[id]
	if !ok {
		return fmt.Errorf("loopback: no route %d", id)
	}
	rt.set = set
	rt.ack = ack
	cb := r.onSint
	if set != nil && cb != nil {
		vp, sint := rt.vpIndex, rt.sint
		set.SetHandler(func() {
			set.TestAndClear()
			cb(vp, sint)
		})
	}
	return nil
}

// UnbindNotifiers detaches the notifier pair from a route.
func (r *Router) UnbindNotifiers(id int, set, ack *notify.Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.routes[id]
	if !ok {
		return
	}
	if rt.set == set {
		if set != nil {
			set.SetHandler(nil)
		}
		rt.set = nil
	}
	if rt.ack == ack {
		rt.ack = nil
	}
}

// SignalEventDirect reports no accelerated event-flag path; callers fall
// back to userspace processing.
func (r *Router) SignalEventDirect(connID uint32, n *notify.Notifier) bool {
	return false
}

// InjectAck simulates the guest acknowledging the message slot of a
// (processor, sint) pair, reporting whether a bound route was found.
func (r *Router) InjectAck(vpIndex, sint uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rt := range r.routes {
		if rt.vpIndex == vpIndex && rt.sint == sint && rt.ack != nil {
			rt.ack.Signal()
			return true
		}
	}
	return false
}
