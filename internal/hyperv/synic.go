package hyperv

import (
	"sync"
	"unsafe"

	"github.com/tinyvmm/hyperv/internal/hv/exec"
	"github.com/tinyvmm/hyperv/internal/hyperv/hvproto"
	"github.com/tinyvmm/hyperv/internal/trace"
)

// SynIC is the synthetic interrupt controller of one virtual processor: the
// enable flag, the guest addresses of the message and event-flag pages, the
// host backing for both, and the sint routes bound to the processor.
//
// Page contents are only mutated from the owning processor's execution
// context (message slots) or through atomic flag updates (event flags); the
// route list has its own lock.
type SynIC struct {
	part    *Partition
	vpIndex uint32
	ctx     *exec.Context

	sctlEnabled   bool
	msgPageAddr   uint64
	eventPageAddr uint64

	msgPage []byte

	// eventWords backs the event-flag page; flags are set with atomic OR
	// so producers never race the guest's own clears.
	eventWords []uint64
	eventPage  []byte

	routesMu sync.Mutex
	routes   []*SintRoute
}

func newSynIC(p *Partition, vpIndex uint32, ctx *exec.Context) *SynIC {
	s := &SynIC{
		part:       p,
		vpIndex:    vpIndex,
		ctx:        ctx,
		msgPage:    make([]byte, hvproto.PageSize),
		eventWords: make([]uint64, hvproto.PageSize/8),
	}
	s.eventPage = unsafe.Slice((*byte)(unsafe.Pointer(&s.eventWords[0])), hvproto.PageSize)
	return s
}

// VPIndex returns the owning virtual processor's index.
func (s *SynIC) VPIndex() uint32 { return s.vpIndex }

// Update applies a control write: the enable flag and the guest addresses
// of the two pages. Remapping is idempotent; a changed non-zero address
// unmaps the old location before the new one is mapped.
func (s *SynIC) Update(sctlEnabled bool, msgPageAddr, eventPageAddr uint64) error {
	trace.Emitf("synic", "vp %d update sctl %v msg %#x event %#x", s.vpIndex, sctlEnabled, msgPageAddr, eventPageAddr)

	s.sctlEnabled = sctlEnabled

	// With the control bit clear the pages are unreachable from the guest;
	// the backing storage keeps its contents for a later re-enable.
	if !sctlEnabled {
		msgPageAddr, eventPageAddr = 0, 0
	}

	if s.msgPageAddr != msgPageAddr {
		if s.msgPageAddr != 0 {
			s.part.mem.UnmapOverlay(s.msgPageAddr)
		}
		if msgPageAddr != 0 {
			if err := s.part.mem.MapOverlay(msgPageAddr, s.msgPage); err != nil {
				return err
			}
		}
		s.msgPageAddr = msgPageAddr
	}

	if s.eventPageAddr != eventPageAddr {
		if s.eventPageAddr != 0 {
			s.part.mem.UnmapOverlay(s.eventPageAddr)
		}
		if eventPageAddr != 0 {
			if err := s.part.mem.MapOverlay(eventPageAddr, s.eventPage); err != nil {
				return err
			}
		}
		s.eventPageAddr = eventPageAddr
	}
	return nil
}

// Reset zeroes both pages and disables the mapping. All sint routes must
// have been torn down by their owners first; resetting with live routes is
// a collaborator bug, not a guest-reachable state.
func (s *SynIC) Reset() {
	clear(s.msgPage)
	clear(s.eventWords)
	if err := s.Update(false, 0, 0); err != nil {
		panic("hyperv: synic reset unmap failed: " + err.Error())
	}

	s.routesMu.Lock()
	defer s.routesMu.Unlock()
	if len(s.routes) != 0 {
		panic("hyperv: synic reset with live sint routes")
	}
}

func (s *SynIC) addRoute(r *SintRoute) {
	s.routesMu.Lock()
	defer s.routesMu.Unlock()
	s.routes = append([]*SintRoute{r}, s.routes...)
}

func (s *SynIC) removeRoute(r *SintRoute) {
	s.routesMu.Lock()
	defer s.routesMu.Unlock()
	for i, route := range s.routes {
		if route == r {
			s.routes = append(s.routes[:i], s.routes[i+1:]...)
			return
		}
	}
}

// markMsgPageDirty records host-side mutation of the message page for
// migration collaborators.
func (s *SynIC) markMsgPageDirty() {
	if s.msgPageAddr != 0 {
		s.part.mem.MarkDirty(s.msgPageAddr, hvproto.PageSize)
	}
}

func (s *SynIC) markEventPageDirty() {
	if s.eventPageAddr != 0 {
		s.part.mem.MarkDirty(s.eventPageAddr, hvproto.PageSize)
	}
}
