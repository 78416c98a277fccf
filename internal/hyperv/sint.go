package hyperv

import (
	"fmt"
	"sync/atomic"

	"github.com/tinyvmm/hyperv/internal/hv"
	"github.com/tinyvmm/hyperv/internal/hv/notify"
	"github.com/tinyvmm/hyperv/internal/hyperv/hvproto"
	"github.com/tinyvmm/hyperv/internal/trace"
)

// MsgCompletionFunc is invoked exactly once per accepted PostMessage with
// the delivery status: nil on success, hv.ErrTryAgain when the guest slot
// was occupied, hv.ErrNotMapped when the message page was absent.
type MsgCompletionFunc func(status error)

// Staged message handoff states. Collaborators can produce messages from
// any context; to serialize with the owning processor's own message
// production, a message is first staged and then posted into the guest
// message page from that processor's execution context.
const (
	// stagedFree: the staging area is available to PostMessage.
	stagedFree uint32 = iota
	// stagedBusy: PostMessage grabbed the area (Free -> Busy), copied the
	// message and scheduled the transfer on the owning processor.
	stagedBusy
	// stagedPosted: the transfer recorded the delivery status
	// (Busy -> Posted) and completion is pending on the main loop.
	stagedPosted
)

type stagedMessage struct {
	state atomic.Uint32

	// msg and status are owned by whichever actor holds the state machine
	// between transitions; the tag is the only synchronization.
	msg    hvproto.Message
	status error

	cb MsgCompletionFunc
}

// SintRoute is a signaling endpoint bound to one (virtual processor, sint)
// pair. Routes are reference counted; collaborators release their reference
// when done and must not touch the route afterwards.
type SintRoute struct {
	sint  uint32
	synic *SynIC

	// route is the backend interrupt route index, or -1 when the SynIC
	// was not enabled at creation time.
	route       int
	setNotifier *notify.Notifier
	ackNotifier *notify.Notifier

	staged *stagedMessage

	refs atomic.Int32
}

// NewSintRoute allocates a route for (vpIndex, sint). When cb is supplied a
// staged-message pipeline is armed and guest acknowledgments feed back into
// completion. Any allocation failure unwinds everything already set up.
func (p *Partition) NewSintRoute(vpIndex, sint uint32, cb MsgCompletionFunc) (*SintRoute, error) {
	synic := p.SynIC(vpIndex)
	if synic == nil {
		return nil, fmt.Errorf("%w: vp %d", ErrInvalidVP, vpIndex)
	}
	if sint >= hvproto.SintCount {
		return nil, fmt.Errorf("hyperv: sint %d out of range", sint)
	}

	r := &SintRoute{
		sint:  sint,
		synic: synic,
		route: -1,
	}
	r.refs.Store(1)

	if cb != nil {
		r.staged = &stagedMessage{cb: cb}

		ack, err := notify.New()
		if err != nil {
			return nil, fmt.Errorf("hyperv: ack notifier: %w", err)
		}
		r.ackNotifier = ack
		ack.SetHandler(r.ackHandler)
	}

	if synic.sctlEnabled {
		set, err := notify.New()
		if err != nil {
			r.unwind()
			return nil, fmt.Errorf("hyperv: set notifier: %w", err)
		}
		r.setNotifier = set

		route, err := p.router.AddSintRoute(vpIndex, sint)
		if err != nil {
			r.unwind()
			return nil, fmt.Errorf("hyperv: backend sint route: %w", err)
		}

		if err := p.router.BindNotifiers(route, set, r.ackNotifier); err != nil {
			p.router.ReleaseRoute(route)
			r.unwind()
			return nil, fmt.Errorf("hyperv: bind notifiers: %w", err)
		}
		r.route = route
	}

	synic.addRoute(r)
	return r, nil
}

// unwind tears down partially constructed route state.
func (r *SintRoute) unwind() {
	if r.setNotifier != nil {
		r.setNotifier.Close()
		r.setNotifier = nil
	}
	if r.ackNotifier != nil {
		r.ackNotifier.Close()
		r.ackNotifier = nil
	}
	r.staged = nil
}

// Ref takes an additional reference on the route.
func (r *SintRoute) Ref() {
	r.refs.Add(1)
}

// Unref drops a reference; the last reference removes the route from its
// controller, releases the backend route and frees the notifiers.
func (r *SintRoute) Unref() {
	n := r.refs.Add(-1)
	if n < 0 {
		panic("hyperv: sint route refcount underflow")
	}
	if n > 0 {
		return
	}

	r.synic.removeRoute(r)

	if r.route >= 0 {
		p := r.synic.part
		p.router.UnbindNotifiers(r.route, r.setNotifier, r.ackNotifier)
		p.router.ReleaseRoute(r.route)
		r.setNotifier.Close()
	}
	if r.staged != nil {
		r.ackNotifier.Close()
	}
}

// SetSint raises the synthetic interrupt for this route.
func (r *SintRoute) SetSint() error {
	if r.route < 0 {
		return nil
	}
	return r.setNotifier.Signal()
}

// PostMessage stages a message for delivery into the guest's message slot,
// performed on the owning processor's execution context. At most one
// message is in flight per route; hv.ErrTryAgain tells the caller to retry
// after its completion callback has run.
func (r *SintRoute) PostMessage(msg *hvproto.Message) error {
	staged := r.staged
	if staged == nil {
		panic("hyperv: PostMessage on a route without a completion callback")
	}

	if !staged.state.CompareAndSwap(stagedFree, stagedBusy) {
		return hv.ErrTryAgain
	}

	staged.msg = *msg

	// Hold a reference until the completion callback has finished.
	r.Ref()

	r.synic.ctx.RunAsync(r.transferMessage)
	return nil
}

// transferMessage moves the staged message into the guest message slot.
// Running on the owning processor's context guarantees serialization with
// that processor's own message production.
func (r *SintRoute) transferMessage() {
	staged := r.staged
	synic := r.synic

	if staged.state.Load() != stagedBusy {
		panic("hyperv: message transfer without a staged message")
	}

	waitForAck := false
	if synic.msgPageAddr == 0 {
		staged.status = hv.ErrNotMapped
	} else if hvproto.SlotType(synic.msgPage, r.sint) != hvproto.MessageTypeNone {
		// Slot occupied: flag it pending so the guest's acknowledgment
		// re-arms completion, and let the producer retry.
		hvproto.SetSlotPending(synic.msgPage, r.sint)
		staged.status = hv.ErrTryAgain
		waitForAck = true
		synic.markMsgPageDirty()
	} else {
		staged.msg.Encode(synic.msgPage[hvproto.SlotOffset(r.sint):])
		staged.status = r.SetSint()
		synic.markMsgPageDirty()
	}

	staged.state.Store(stagedPosted)

	// When the slot was busy it is the guest who finishes the handoff:
	// its acknowledgment fires the ack notifier, which schedules the
	// completion with the TryAgain status recorded above.
	if !waitForAck {
		synic.part.pool.Main().Schedule(r.completeMessage)
	}
}

// completeMessage finishes the staged message processing on the main loop.
func (r *SintRoute) completeMessage() {
	staged := r.staged

	if staged.state.Load() != stagedPosted {
		// Spurious wakeup, e.g. a guest ack with nothing posted.
		return
	}

	staged.cb(staged.status)
	staged.status = nil

	// Ready to start over.
	staged.state.Store(stagedFree)
	r.Unref()
}

func (r *SintRoute) ackHandler() {
	r.ackNotifier.TestAndClear()

	trace.Emitf("sint", "vp %d sint %d guest ack", r.synic.vpIndex, r.sint)
	r.synic.part.pool.Main().Schedule(r.completeMessage)
}

// SetEventFlag sets an event flag for this route's sint and raises the
// interrupt when the flag was newly set.
func (r *SintRoute) SetEventFlag(eventNo uint32) error {
	synic := r.synic

	if eventNo >= hvproto.EventFlagsPerSint {
		return ErrEventOutOfRange
	}
	if !synic.sctlEnabled || synic.eventPageAddr == 0 {
		return hv.ErrNotMapped
	}

	off, mask := hvproto.EventFlagOffset(r.sint, eventNo)
	word := &synic.eventWords[off/8]
	var old uint64
	for {
		old = atomic.LoadUint64(word)
		if atomic.CompareAndSwapUint64(word, old, old|mask) {
			break
		}
	}
	if old&mask != 0 {
		// Flag already pending; the guest has not consumed it yet.
		return nil
	}
	synic.markEventPageDirty()
	return r.SetSint()
}
