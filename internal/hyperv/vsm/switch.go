package vsm

import (
	"errors"

	"github.com/tinyvmm/hyperv/internal/hv"
	"github.com/tinyvmm/hyperv/internal/hyperv/hvproto"
	"github.com/tinyvmm/hyperv/internal/trace"
)

// ErrNoSuchTier reports a switch request targeting a tier that was never
// enabled for the processor.
var ErrNoSuchTier = errors.New("vsm: target tier not enabled")

// savePriv copies the tier-private subset of src into dst. Everything not
// listed here is shared state and follows the processor across tiers.
func savePriv(dst, src *hv.ArchState) {
	dst.Rip = src.Rip
	dst.Regs[hv.RspIndex] = src.Regs[hv.RspIndex]
	dst.Rflags = src.Rflags
	dst.Efer = src.Efer
	dst.Cr0 = src.Cr0
	dst.Cr3 = src.Cr3
	dst.Cr4 = src.Cr4
	dst.Dr7 = src.Dr7

	dst.Pat = src.Pat
	dst.KernelGsBase = src.KernelGsBase
	dst.GsBase = src.GsBase
	dst.FsBase = src.FsBase
	dst.TscAux = src.TscAux
	dst.SysenterCs = src.SysenterCs
	dst.SysenterEsp = src.SysenterEsp
	dst.SysenterEip = src.SysenterEip
	dst.Star = src.Star
	dst.Lstar = src.Lstar
	dst.Cstar = src.Cstar
	dst.Sfmask = src.Sfmask

	dst.SynicControl = src.SynicControl
	dst.SynicEvtPage = src.SynicEvtPage
	dst.SynicMsgPage = src.SynicMsgPage
	dst.SynicSint = src.SynicSint
	dst.StimerConfig = src.StimerConfig
	dst.StimerCount = src.StimerCount
	dst.GuestOsID = src.GuestOsID
	dst.HypercallMsr = src.HypercallMsr
	dst.ReferenceTsc = src.ReferenceTsc

	dst.Cs = src.Cs
	dst.Ds = src.Ds
	dst.Es = src.Es
	dst.Fs = src.Fs
	dst.Gs = src.Gs
	dst.Ss = src.Ss
	dst.Tr = src.Tr
	dst.Ldtr = src.Ldtr
	dst.Idtr = src.Idtr
	dst.Gdtr = src.Gdtr

	dst.ExceptionNr = src.ExceptionNr
	dst.InterruptInjected = src.InterruptInjected
	dst.SoftInterrupt = src.SoftInterrupt
	dst.ExceptionPending = src.ExceptionPending
	dst.ExceptionInjected = src.ExceptionInjected
	dst.HasErrorCode = src.HasErrorCode
	dst.ExceptionHasPayload = src.ExceptionHasPayload
	dst.ExceptionPayload = src.ExceptionPayload
	dst.TripleFaultPending = src.TripleFaultPending
	dst.InsLen = src.InsLen
	dst.SipiVector = src.SipiVector
}

// syncSharedState performs the snapshot handoff from the active tier into
// the next tier: stash next's private state, copy the active tier's full
// snapshot across, then restore next's private state over it. Callers hold
// the partition register/switch lock.
func (p *Partition) syncSharedState(active, next *Tier) error {
	if err := next.ctx.SyncState(); err != nil {
		return err
	}
	if err := active.ctx.SyncState(); err != nil {
		return err
	}

	savePriv(&next.priv, next.ctx.State())
	*next.ctx.State() = *active.ctx.State()
	savePriv(next.ctx.State(), &next.priv)

	return next.ctx.SyncPostMutate()
}

// switchOnInterrupt handles an assertion of a tier's notifier: if the tier
// is stopped, the lower active tier is fully stopped, state is handed
// across and the target tier resumes with an interrupt entry reason.
func (v *VP) switchOnInterrupt(target *Tier) {
	// The base tier never enters through the notifier path.
	if target.vtl == 0 {
		return
	}

	v.switchMu.Lock()
	defer v.switchMu.Unlock()

	// Target already running: nothing to do.
	if !target.ctx.Stopped() {
		return
	}

	active := v.tiers[v.activeVTL]
	if active == nil || active == target {
		return
	}

	trace.Emitf("vsm", "vp %d interrupt switch vtl %d -> %d", v.index, v.activeVTL, target.vtl)

	active.ctx.StopAndWait()

	target.writeEntryReason(hvproto.VTLEntryInterrupt)

	v.part.Lock()
	err := v.part.syncSharedState(active, target)
	v.part.Unlock()
	if err != nil {
		trace.Emitf("vsm", "vp %d state handoff failed: %v", v.index, err)
		active.ctx.Resume()
		return
	}

	target.ctx.Resume()
	v.activeVTL = target.vtl
}

// Call performs the explicit switch into the next higher tier. Only
// adjacent base-to-first-tier calls are supported. The calling tier
// transitions voluntarily, so there is no stop-wait.
func (v *VP) Call() error {
	v.switchMu.Lock()
	defer v.switchMu.Unlock()

	if v.activeVTL > 0 {
		return ErrNoSuchTier
	}
	active := v.tiers[v.activeVTL]
	next := v.tiers[v.activeVTL+1]
	if next == nil {
		return ErrNoSuchTier
	}

	trace.Emitf("vsm", "vp %d vtl call %d -> %d", v.index, active.vtl, next.vtl)

	next.writeEntryReason(hvproto.VTLEntryCall)
	if err := v.switchTo(active, next); err != nil {
		return err
	}
	return nil
}

// Return performs the explicit switch back into the next lower tier.
func (v *VP) Return() error {
	v.switchMu.Lock()
	defer v.switchMu.Unlock()

	if v.activeVTL == 0 {
		return ErrNoSuchTier
	}
	active := v.tiers[v.activeVTL]
	next := v.tiers[v.activeVTL-1]
	if next == nil {
		return ErrNoSuchTier
	}

	trace.Emitf("vsm", "vp %d vtl return %d -> %d", v.index, active.vtl, next.vtl)

	return v.switchTo(active, next)
}

// switchTo hands the processor from active to next: sync state, resume the
// target, stop the caller. Callers hold the switch lock.
func (v *VP) switchTo(active, next *Tier) error {
	v.part.Lock()
	err := v.part.syncSharedState(active, next)
	v.part.Unlock()
	if err != nil {
		return err
	}

	next.ctx.Resume()
	active.ctx.Stop()
	v.activeVTL = next.vtl
	return nil
}
