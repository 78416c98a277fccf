// Package hyperv implements the guest-visible Hyper-V enlightenment layer:
// per-processor synthetic interrupt controllers with their message and
// event-flag pages, connection-keyed handler registries, sint routes with
// the staged message pipeline, and the hypercall dispatch that drives them.
package hyperv

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinyvmm/hyperv/internal/hv"
	"github.com/tinyvmm/hyperv/internal/hv/exec"
	"github.com/tinyvmm/hyperv/internal/hv/notify"
	"github.com/tinyvmm/hyperv/internal/hyperv/hvproto"
	"github.com/tinyvmm/hyperv/internal/hyperv/vsm"
)

var (
	// ErrAlreadyExists reports a registration against an occupied
	// connection id.
	ErrAlreadyExists = errors.New("hyperv: connection id already registered")

	// ErrNotFound reports an unregistration of an absent connection id.
	ErrNotFound = errors.New("hyperv: connection id not registered")

	// ErrInvalidVP reports an operation against a virtual processor that
	// does not exist.
	ErrInvalidVP = errors.New("hyperv: no such virtual processor")

	// ErrEventOutOfRange reports an event flag number beyond the per-sint
	// flag count.
	ErrEventOutOfRange = errors.New("hyperv: event flag number out of range")
)

// MsgHandlerFunc consumes a guest-posted message for one connection id and
// returns the status reported back to the guest.
type MsgHandlerFunc func(msg *hvproto.PostMessageInput) hvproto.Status

// Partition ties together the enlightenment state of one guest partition.
// It is an explicit object, not ambient globals: every component that needs
// partition-scoped state holds a reference.
type Partition struct {
	mem    hv.GuestMemory
	router hv.InterruptRouter
	pool   *exec.Pool

	vsm *vsm.Partition

	// Registries: mutations serialize on handlersMu and publish a fresh
	// map through the atomic pointer, so lookups are lock-free and can
	// never observe a half-removed entry.
	handlersMu    sync.Mutex
	msgHandlers   atomic.Pointer[map[uint32]MsgHandlerFunc]
	eventHandlers atomic.Pointer[map[uint32]*notify.Notifier]

	// eventFlagsUserspace is latched when the backend lacks direct
	// event-flag signalling; from then on every connection uses the
	// userspace registry.
	eventFlagsUserspace bool
	eventFallbackOnce   sync.Once

	synicsMu sync.Mutex
	synics   map[uint32]*SynIC

	syndbgMu      sync.Mutex
	syndbgHandler SyndbgHandler
}

// New builds a partition with vpCount virtual processors, each with a
// synthetic interrupt controller bound to its base-tier execution context.
func New(memory hv.GuestMemory, router hv.InterruptRouter, pool *exec.Pool, vpCount int) (*Partition, error) {
	vsmState, err := vsm.New(pool, memory, vpCount)
	if err != nil {
		return nil, fmt.Errorf("hyperv: partition vtl state: %w", err)
	}

	p := &Partition{
		mem:    memory,
		router: router,
		pool:   pool,
		vsm:    vsmState,
		synics: make(map[uint32]*SynIC),
	}
	emptyMsg := make(map[uint32]MsgHandlerFunc)
	p.msgHandlers.Store(&emptyMsg)
	emptyEvt := make(map[uint32]*notify.Notifier)
	p.eventHandlers.Store(&emptyEvt)

	for i := 0; i < vpCount; i++ {
		vp := vsmState.VP(uint32(i))
		p.synics[uint32(i)] = newSynIC(p, uint32(i), vp.Tier(0).Context())
	}
	return p, nil
}

// VSM exposes the partition's virtual-trust-level state.
func (p *Partition) VSM() *vsm.Partition { return p.vsm }

// SynIC returns the synthetic interrupt controller of a virtual processor,
// or nil if the processor does not exist.
func (p *Partition) SynIC(vpIndex uint32) *SynIC {
	p.synicsMu.Lock()
	defer p.synicsMu.Unlock()
	return p.synics[vpIndex]
}

// SetMsgHandler binds a message handler to a connection id.
func (p *Partition) SetMsgHandler(connID uint32, handler MsgHandlerFunc) error {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()

	old := *p.msgHandlers.Load()
	if _, ok := old[connID]; ok {
		return ErrAlreadyExists
	}
	next := make(map[uint32]MsgHandlerFunc, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[connID] = handler
	p.msgHandlers.Store(&next)
	return nil
}

// ClearMsgHandler removes the message handler of a connection id.
func (p *Partition) ClearMsgHandler(connID uint32) error {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()

	old := *p.msgHandlers.Load()
	if _, ok := old[connID]; !ok {
		return ErrNotFound
	}
	next := make(map[uint32]MsgHandlerFunc, len(old)-1)
	for k, v := range old {
		if k != connID {
			next[k] = v
		}
	}
	p.msgHandlers.Store(&next)
	return nil
}

func (p *Partition) lookupMsgHandler(connID uint32) MsgHandlerFunc {
	return (*p.msgHandlers.Load())[connID]
}

// SetEventFlagHandler binds an event-flag notifier to a connection id,
// preferring the backend's direct signalling path when it exists.
func (p *Partition) SetEventFlagHandler(connID uint32, n *notify.Notifier) error {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()

	if !p.eventFlagsUserspace {
		if p.router.SignalEventDirect(connID, n) {
			return nil
		}
		p.eventFlagsUserspace = true
		p.eventFallbackOnce.Do(func() {
			slog.Warn("event signaling not supported by the backend; using slower userspace hypercall processing")
		})
	}

	old := *p.eventHandlers.Load()
	if _, ok := old[connID]; ok {
		return ErrAlreadyExists
	}
	next := make(map[uint32]*notify.Notifier, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[connID] = n
	p.eventHandlers.Store(&next)
	return nil
}

// ClearEventFlagHandler removes the event-flag notifier of a connection id.
func (p *Partition) ClearEventFlagHandler(connID uint32) error {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()

	if !p.eventFlagsUserspace {
		if p.router.SignalEventDirect(connID, nil) {
			return nil
		}
	}

	old := *p.eventHandlers.Load()
	if _, ok := old[connID]; !ok {
		return ErrNotFound
	}
	next := make(map[uint32]*notify.Notifier, len(old)-1)
	for k, v := range old {
		if k != connID {
			next[k] = v
		}
	}
	p.eventHandlers.Store(&next)
	return nil
}

func (p *Partition) lookupEventHandler(connID uint32) *notify.Notifier {
	return (*p.eventHandlers.Load())[connID]
}
