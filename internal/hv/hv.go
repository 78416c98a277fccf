// Package hv defines the contracts between the enlightenment core and its
// collaborators: guest physical memory, the hardware interrupt backend and
// the architectural state carried by an execution context. Implementations
// live in subpackages; the core only sees these interfaces.
package hv

import (
	"errors"

	"github.com/tinyvmm/hyperv/internal/hv/notify"
)

var (
	// ErrTryAgain reports transient contention: the caller is expected to
	// retry the operation later.
	ErrTryAgain = errors.New("resource busy, try again")

	// ErrNotMapped reports that a required guest page mapping is absent.
	ErrNotMapped = errors.New("guest page not mapped")
)

// GuestMemory is the guest physical memory subsystem. Overlay pages let a
// device expose host-backed page-sized buffers at guest physical addresses,
// the way SynIC message and event pages are surfaced.
type GuestMemory interface {
	// MapOverlay maps a page-sized host buffer at a guest physical address.
	// Mapping a second overlay at the same address replaces the first.
	MapOverlay(addr uint64, page []byte) error

	// UnmapOverlay removes the overlay at a guest physical address.
	UnmapOverlay(addr uint64)

	// ReadPhysical copies guest physical memory into b.
	ReadPhysical(addr uint64, b []byte) error

	// WritePhysical copies b into guest physical memory.
	WritePhysical(addr uint64, b []byte) error

	// MarkDirty records that the range was modified by the host, for
	// migration and tracing collaborators.
	MarkDirty(addr, size uint64)
}

// InterruptRouter is the hardware-acceleration backend's interrupt surface:
// software-defined routes bound to (virtual processor, sint) pairs, with
// optional set/ack notifier pairs attached.
type InterruptRouter interface {
	// AddSintRoute allocates a route for the pair and returns its index.
	AddSintRoute(vpIndex uint32, sint uint32) (int, error)

	// ReleaseRoute frees a route allocated by AddSintRoute.
	ReleaseRoute(route int)

	// BindNotifiers attaches a set notifier (signalled to raise the
	// interrupt) and an optional ack notifier (signalled when the guest
	// acknowledges) to a route.
	BindNotifiers(route int, set, ack *notify.Notifier) error

	// UnbindNotifiers detaches the notifier pair from a route.
	UnbindNotifiers(route int, set, ack *notify.Notifier)

	// SignalEventDirect asks the backend to handle event-flag signalling
	// for a connection id entirely in the accelerated path. Returning
	// false means the backend has no such support and the caller must
	// process event flags itself.
	SignalEventDirect(connID uint32, n *notify.Notifier) bool
}

// SegmentState mirrors the TLFS segment register representation inside an
// architectural snapshot.
type SegmentState struct {
	Base       uint64
	Limit      uint32
	Selector   uint16
	Attributes uint16
}

// TableState describes GDTR/IDTR inside an architectural snapshot.
type TableState struct {
	Base  uint64
	Limit uint16
}

// ArchState is the full architectural snapshot of one execution context.
// The VTL engine saves, copies and restores these wholesale; the per-tier
// private subset is selected by the engine, not here.
type ArchState struct {
	// General purpose registers.
	Regs   [16]uint64 // rax..r15, index 4 is rsp
	Rip    uint64
	Rflags uint64

	// Control and debug registers.
	Cr0, Cr3, Cr4 uint64
	Dr7           uint64
	Efer          uint64

	// Segmentation.
	Cs, Ds, Es, Fs, Gs, Ss, Tr, Ldtr SegmentState
	Idtr, Gdtr                       TableState

	// Model specific registers.
	Pat          uint64
	KernelGsBase uint64
	GsBase       uint64
	FsBase       uint64
	TscAux       uint64
	SysenterCs   uint64
	SysenterEsp  uint64
	SysenterEip  uint64
	Star         uint64
	Lstar        uint64
	Cstar        uint64
	Sfmask       uint64
	ApicBase     uint64

	// Enlightenment MSRs, isolated per tier.
	SynicControl    uint64
	SynicEvtPage    uint64
	SynicMsgPage    uint64
	SynicSint       [16]uint64
	StimerConfig    [4]uint64
	StimerCount     [4]uint64
	GuestOsID       uint64
	HypercallMsr    uint64
	ReferenceTsc    uint64
	AssistPage      uint64
	CodePageOffsets uint64

	// Pending exception and interrupt state.
	ExceptionNr         int32
	InterruptInjected   int32
	SoftInterrupt       uint8
	ExceptionPending    uint8
	ExceptionInjected   uint8
	HasErrorCode        uint8
	ExceptionHasPayload uint8
	ExceptionPayload    uint64
	TripleFaultPending  uint8
	InsLen              uint32
	SipiVector          uint32
}

// RspIndex is the Regs slot holding the stack pointer.
const RspIndex = 4

// StateAccelerator synchronizes architectural state between the core's
// snapshot representation and an acceleration backend. The pure-emulation
// backend keeps all state in the snapshot and needs no work on either hook.
type StateAccelerator interface {
	// SyncState pulls the backend's current state into the snapshot.
	SyncState(id int, st *ArchState) error

	// SyncPostMutate pushes a mutated snapshot back to the backend.
	SyncPostMutate(id int, st *ArchState) error
}

// NopAccelerator is the StateAccelerator for pure emulation.
type NopAccelerator struct{}

func (NopAccelerator) SyncState(int, *ArchState) error      { return nil }
func (NopAccelerator) SyncPostMutate(int, *ArchState) error { return nil }
