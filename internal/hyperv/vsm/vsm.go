// Package vsm implements virtual secure mode: the per-partition virtual
// trust level (VTL) state, the per-logical-processor tier contexts and the
// synchronized switch engine that moves a processor between tiers.
package vsm

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tinyvmm/hyperv/internal/hv"
	"github.com/tinyvmm/hyperv/internal/hv/exec"
	"github.com/tinyvmm/hyperv/internal/hv/notify"
	"github.com/tinyvmm/hyperv/internal/hyperv/hvproto"
	"github.com/tinyvmm/hyperv/internal/trace"
)

// Partition is the partition-wide VTL state: the enabled-tier bitmap, the
// per-tier protection configuration and every logical processor's tier
// contexts. It also owns the coarse register/switch lock serializing
// register access and tier switches against each other.
type Partition struct {
	pool *exec.Pool
	mem  hv.GuestMemory

	// status is the VSM partition status register image. Only same-width
	// atomic access; no partition-wide VTL lock is taken for reads.
	status       atomic.Uint64
	capabilities uint64

	// config holds the per-VTL partition config register images. The
	// protection-enable bit and default protection mask are write-once
	// after first set.
	config [hvproto.NumVTLs]atomic.Uint64

	// mu serializes register get/set batches and explicit tier switches.
	mu sync.Mutex

	vpsMu sync.Mutex
	vps   map[uint32]*VP
}

// VP is one logical processor: its tier contexts and the per-processor
// switch lock that orders interrupt-triggered switches against explicit
// call/return.
type VP struct {
	part  *Partition
	index uint32

	switchMu   sync.Mutex
	activeVTL  uint8
	enabledSet uint16

	tiers [hvproto.NumVTLs]*Tier
}

// Tier is one (logical processor, VTL) execution context and the state
// private to it.
type Tier struct {
	vp  *VP
	vtl uint8

	ctx *exec.Context

	// priv holds this tier's private architectural state while another
	// tier is running, and acts as scratch during a switch.
	priv hv.ArchState

	// secureConfig[r] is the secure configuration this tier set for the
	// strictly lower tier r.
	secureConfig [hvproto.NumVTLs]uint64

	assistMsr uint64
	assistGPA uint64
	assistOn  bool

	notifier *notify.Notifier
}

// contextID maps a (logical processor, tier) pair onto an execution context
// id. Tiers of one processor form a fixed-size array, not a pointer chain.
func contextID(vpIndex uint32, vtl uint8) int {
	return int(vpIndex)*hvproto.NumVTLs + int(vtl)
}

// New creates the partition VTL state with vpCount logical processors, each
// with its base tier enabled and running.
func New(pool *exec.Pool, mem hv.GuestMemory, vpCount int) (*Partition, error) {
	p := &Partition{
		pool: pool,
		mem:  mem,
		vps:  make(map[uint32]*VP),
	}
	p.status.Store(hvproto.PartitionStatus(1<<0, hvproto.MaximumVTL))

	for i := 0; i < vpCount; i++ {
		vp := &VP{
			part:       p,
			index:      uint32(i),
			enabledSet: 1 << 0,
		}
		tier, err := p.newTier(vp, 0)
		if err != nil {
			return nil, err
		}
		vp.tiers[0] = tier
		tier.ctx.Resume()
		p.vps[uint32(i)] = vp
	}
	return p, nil
}

func (p *Partition) newTier(vp *VP, vtl uint8) (*Tier, error) {
	ctx, err := p.pool.AddContext(contextID(vp.index, vtl))
	if err != nil {
		return nil, fmt.Errorf("vsm: create tier %d context for vp %d: %w", vtl, vp.index, err)
	}
	t := &Tier{vp: vp, vtl: vtl, ctx: ctx}

	n, err := notify.New()
	if err != nil {
		return nil, fmt.Errorf("vsm: tier notifier: %w", err)
	}
	t.notifier = n
	n.SetHandler(func() {
		n.TestAndClear()
		vp.switchOnInterrupt(t)
	})
	return t, nil
}

// VP returns the logical processor with the given index, or nil.
func (p *Partition) VP(index uint32) *VP {
	p.vpsMu.Lock()
	defer p.vpsMu.Unlock()
	return p.vps[index]
}

// Lock acquires the partition register/switch lock. Register get/set
// batches hold it across synchronize-state, mutate and post-mutate.
func (p *Partition) Lock() { p.mu.Lock() }

// Unlock releases the partition register/switch lock.
func (p *Partition) Unlock() { p.mu.Unlock() }

// Status returns the VSM partition status register image.
func (p *Partition) Status() uint64 { return p.status.Load() }

// MaximumVTL returns the highest tier the partition supports.
func (p *Partition) MaximumVTL() uint8 {
	return hvproto.PartitionStatusMaximumVTL(p.status.Load())
}

// VTLEnabled reports whether the tier is enabled partition-wide.
func (p *Partition) VTLEnabled(vtl uint8) bool {
	return hvproto.PartitionStatusEnabledSet(p.status.Load())&(1<<vtl) != 0
}

// EnablePartitionVTL enables a tier partition-wide.
func (p *Partition) EnablePartitionVTL(vtl uint8, flags hvproto.EnablePartitionVTLFlags) hvproto.Status {
	trace.Emitf("vsm", "enable partition vtl %d flags %#x", vtl, uint8(flags))

	// MBEC support is not advertised.
	if flags.EnableMbec() {
		return hvproto.StatusInvalidParameter
	}
	if vtl > p.MaximumVTL() {
		return hvproto.StatusInvalidParameter
	}
	for {
		old := p.status.Load()
		if hvproto.PartitionStatusEnabledSet(old)&(1<<vtl) != 0 {
			return hvproto.StatusInvalidParameter
		}
		if p.status.CompareAndSwap(old, old|uint64(1)<<vtl) {
			return hvproto.StatusSuccess
		}
	}
}

// EnableVPVTL enables a tier for one logical processor, creating its
// execution context seeded with the supplied initial architectural state.
func (p *Partition) EnableVPVTL(vp *VP, vtl uint8, initial *hvproto.InitialVPContext) hvproto.Status {
	trace.Emitf("vsm", "enable vp %d vtl %d rip %#x", vp.index, vtl, initial.Rip)

	if vtl > p.MaximumVTL() {
		return hvproto.StatusInvalidParameter
	}
	if !p.VTLEnabled(vtl) {
		return hvproto.StatusInvalidParameter
	}

	vp.switchMu.Lock()
	defer vp.switchMu.Unlock()

	if vp.enabledSet&(1<<vtl) != 0 {
		return hvproto.StatusInvalidParameter
	}

	tier, err := p.newTier(vp, vtl)
	if err != nil {
		return hvproto.StatusInsufficientMemory
	}
	applyInitialContext(tier.ctx.State(), initial)
	vp.tiers[vtl] = tier
	vp.enabledSet |= 1 << vtl
	return hvproto.StatusSuccess
}

// Index returns the logical processor index.
func (v *VP) Index() uint32 { return v.index }

// ActiveVTL returns the tier currently executing on this processor.
func (v *VP) ActiveVTL() uint8 {
	v.switchMu.Lock()
	defer v.switchMu.Unlock()
	return v.activeVTL
}

// Tier returns the tier context for a VTL, or nil if it was never enabled.
func (v *VP) Tier(vtl uint8) *Tier {
	if int(vtl) >= len(v.tiers) {
		return nil
	}
	return v.tiers[vtl]
}

// Status returns this processor's VSM VP status register image.
func (v *VP) Status() uint64 {
	v.switchMu.Lock()
	defer v.switchMu.Unlock()
	return hvproto.VPStatus(v.activeVTL, v.enabledSet)
}

// Notifier returns the signaling endpoint whose assertion, while the tier
// is stopped, triggers an interrupt switch into it.
func (t *Tier) Notifier() *notify.Notifier { return t.notifier }

// Context returns the tier's execution context.
func (t *Tier) Context() *exec.Context { return t.ctx }

// PartitionConfig returns the partition config register image for a tier.
func (p *Partition) PartitionConfig(vtl uint8) uint64 {
	return p.config[vtl].Load()
}

// SetPartitionConfig writes the partition config register for a tier,
// preserving the write-once protection fields once they have been set.
func (p *Partition) SetPartitionConfig(vtl uint8, val uint64) {
	for {
		old := p.config[vtl].Load()
		merged := hvproto.MergeWriteOnceConfig(old, val)
		if merged&(hvproto.PartitionConfigInterceptVPStartup|hvproto.PartitionConfigDenyLowerVTLStartup) != 0 {
			// StartVirtualProcessor is not advertised; the intercept
			// request is recorded but never honored.
			trace.Emitf("vsm", "vtl %d requested vp startup intercepts without the privilege", vtl)
		}
		if p.config[vtl].CompareAndSwap(old, merged) {
			return
		}
	}
}

// Capabilities returns the VSM capabilities register image.
func (p *Partition) Capabilities() uint64 { return p.capabilities }

// applyInitialContext seeds a fresh tier snapshot from the caller-supplied
// initial state. GS/FS bases start from the respective segment bases; they
// have no fields of their own in the initial context.
func applyInitialContext(st *hv.ArchState, c *hvproto.InitialVPContext) {
	st.Rip = c.Rip
	st.Regs[hv.RspIndex] = c.Rsp
	st.Rflags = c.Rflags

	st.Cs = segState(c.Cs)
	st.Ds = segState(c.Ds)
	st.Es = segState(c.Es)
	st.Fs = segState(c.Fs)
	st.Gs = segState(c.Gs)
	st.Ss = segState(c.Ss)
	st.Tr = segState(c.Tr)
	st.Ldtr = segState(c.Ldtr)

	st.Idtr = hv.TableState{Base: c.Idtr.Base, Limit: c.Idtr.Limit}
	st.Gdtr = hv.TableState{Base: c.Gdtr.Base, Limit: c.Gdtr.Limit}

	st.Efer = c.Efer
	st.Cr0 = c.Cr0
	st.Cr3 = c.Cr3
	st.Cr4 = c.Cr4
	st.Pat = c.Pat

	st.GsBase = c.Gs.Base
	st.FsBase = c.Fs.Base
}

func segState(s hvproto.SegmentRegister) hv.SegmentState {
	return hv.SegmentState{
		Base:       s.Base,
		Limit:      s.Limit,
		Selector:   s.Selector,
		Attributes: s.Attributes,
	}
}

// SetupAssistPage handles a write to the VP assist page register for a
// tier: records the MSR image and the page address when enabled.
func (t *Tier) SetupAssistPage(data uint64) {
	trace.Emitf("vsm", "vp %d vtl %d assist page %#x", t.vp.index, t.vtl, data)

	t.assistMsr = data
	t.assistOn = data&hvproto.AssistPageEnable != 0
	t.assistGPA = data & hvproto.AssistPageAddressMask
}

// AssistMsr returns the raw assist page register image.
func (t *Tier) AssistMsr() uint64 { return t.assistMsr }

// writeEntryReason publishes the VTL entry reason through the tier's assist
// page, when the guest has one mapped.
func (t *Tier) writeEntryReason(reason uint32) {
	if !t.assistOn {
		return
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], reason)
	if err := t.vp.part.mem.WritePhysical(t.assistGPA+hvproto.AssistVTLControlOffset, buf[:]); err != nil {
		trace.Emitf("vsm", "vp %d vtl %d assist page write failed: %v", t.vp.index, t.vtl, err)
	}
}
