package hyperv

import (
	"encoding/binary"

	"github.com/tinyvmm/hyperv/internal/hyperv/hvproto"
	"github.com/tinyvmm/hyperv/internal/hyperv/vsm"
	"github.com/tinyvmm/hyperv/internal/trace"
)

// HypercallInput carries one guest hypercall out of the exit handler. For
// the fast calling convention Params holds the first 16 input bytes and XMM
// the rest, 8 bytes per element in XMM0 low, XMM0 high, XMM1 low order; fast
// outputs are written back into XMM. For the memory convention InGPA and
// OutGPA address the guest input and output blocks.
type HypercallInput struct {
	// Input is the hypercall input value: call code, fast bit and the
	// repetition fields.
	Input uint64

	InGPA  uint64
	OutGPA uint64

	Params [2]uint64
	XMM    [12]uint64

	// VPIndex identifies the calling processor.
	VPIndex uint32
}

// Register batch limits per calling convention.
const (
	maxRegistersPerCall     = 16
	maxFastRegistersPerCall = 4
)

// Hypercall dispatches one guest hypercall and returns the result value to
// place in the guest's result register.
func (p *Partition) Hypercall(in *HypercallInput) uint64 {
	code := hvproto.CallCode(in.Input)
	fast := hvproto.IsFast(in.Input)

	switch code {
	case hvproto.CallPostMessage:
		return uint64(p.hcallPostMessage(in.InGPA, fast))
	case hvproto.CallSignalEvent:
		param := in.InGPA
		if fast {
			param = in.Params[0]
		}
		return uint64(p.hcallSignalEvent(param, fast))
	case hvproto.CallVTLCall:
		return uint64(p.hcallVTLSwitch(in, false))
	case hvproto.CallVTLReturn:
		return uint64(p.hcallVTLSwitch(in, true))
	case hvproto.CallEnablePartitionVTL:
		return uint64(p.hcallEnablePartitionVTL(in, fast))
	case hvproto.CallEnableVPVTL:
		return uint64(p.hcallEnableVPVTL(in, fast))
	case hvproto.CallGetVPRegisters:
		return p.hcallGetSetVPRegisters(in, false)
	case hvproto.CallSetVPRegisters:
		return p.hcallGetSetVPRegisters(in, true)
	case hvproto.CallModifyVTLProtectionMask:
		// Memory protections are not enforced by this implementation; the
		// request is accepted so secure kernels can proceed.
		trace.Emitf("hypercall", "vp %d modify vtl protection mask ignored", in.VPIndex)
		return hvproto.RepResult(hvproto.StatusSuccess, hvproto.RepCount(in.Input))
	case hvproto.CallResetDebugSession:
		return uint64(p.hcallResetDebugSession(in.OutGPA))
	case hvproto.CallRetrieveDebugData:
		if fast {
			return uint64(hvproto.StatusInvalidParameter)
		}
		return uint64(p.hcallRetrieveDebugData(in.InGPA, in.OutGPA))
	case hvproto.CallPostDebugData:
		if fast {
			return uint64(hvproto.StatusInvalidParameter)
		}
		return uint64(p.hcallPostDebugData(in.InGPA, in.OutGPA))
	default:
		trace.Emitf("hypercall", "unrecognized call %#x input %#x", code, in.Input)
		return uint64(hvproto.StatusInvalidHypercallCode)
	}
}

func (p *Partition) hcallPostMessage(inGPA uint64, fast bool) hvproto.Status {
	// The fast form of this call is not a recognized variant.
	if fast {
		return hvproto.StatusInvalidHypercallCode
	}
	if inGPA%4 != 0 {
		return hvproto.StatusInvalidAlignment
	}

	var buf [hvproto.PostMessageInputSize]byte
	if err := p.mem.ReadPhysical(inGPA, buf[:]); err != nil {
		return hvproto.StatusInsufficientMemory
	}
	msg := hvproto.DecodePostMessageInput(buf[:])

	if msg.PayloadSize > hvproto.PayloadSize {
		return hvproto.StatusInvalidHypercallInput
	}
	if msg.MessageType == hvproto.MessageTypeNone {
		return hvproto.StatusInvalidHypercallInput
	}

	handler := p.lookupMsgHandler(msg.ConnectionID & hvproto.ConnectionIDMask)
	if handler == nil {
		return hvproto.StatusInvalidConnectionID
	}
	return handler(&msg)
}

func (p *Partition) hcallSignalEvent(param uint64, fast bool) hvproto.Status {
	if !fast {
		if param%8 != 0 {
			return hvproto.StatusInvalidAlignment
		}
		var buf [8]byte
		if err := p.mem.ReadPhysical(param, buf[:]); err != nil {
			return hvproto.StatusInsufficientMemory
		}
		param = binary.LittleEndian.Uint64(buf[:])
	}

	// Bits 32-47 carry an extra flag number. No known producer uses a
	// non-zero value, so treat one as a bad port rather than honor it.
	if param&0xffff00000000 != 0 {
		return hvproto.StatusInvalidPortID
	}
	if param&^uint64(hvproto.ConnectionIDMask) != 0 {
		return hvproto.StatusInvalidHypercallInput
	}

	n := p.lookupEventHandler(uint32(param))
	if n == nil {
		return hvproto.StatusInvalidConnectionID
	}
	if err := n.Signal(); err != nil {
		trace.Emitf("hypercall", "signal event %d: %v", uint32(param), err)
	}
	return hvproto.StatusSuccess
}

// callingVP resolves the hypercall's originating processor.
func (p *Partition) callingVP(in *HypercallInput) *vsm.VP {
	return p.vsm.VP(in.VPIndex)
}

func (p *Partition) hcallVTLSwitch(in *HypercallInput, ret bool) hvproto.Status {
	vp := p.callingVP(in)
	if vp == nil {
		return hvproto.StatusInvalidVPIndex
	}

	var err error
	if ret {
		err = vp.Return()
	} else {
		err = vp.Call()
	}
	if err != nil {
		trace.Emitf("hypercall", "vp %d vtl switch: %v", in.VPIndex, err)
		return hvproto.StatusAccessDenied
	}
	return hvproto.StatusSuccess
}

func (p *Partition) hcallEnablePartitionVTL(in *HypercallInput, fast bool) hvproto.Status {
	// The 10-byte input fits in the parameter registers; only the fast
	// variant of this call exists.
	if !fast {
		return hvproto.StatusInvalidHypercallCode
	}
	partitionID := in.Params[0]
	targetVTL := uint8(in.Params[1])
	flags := hvproto.EnablePartitionVTLFlags(in.Params[1] >> 8)
	if in.Params[1]>>16 != 0 {
		return hvproto.StatusInvalidHypercallInput
	}

	if partitionID != hvproto.PartitionSelf {
		return hvproto.StatusInvalidPartitionID
	}
	return p.vsm.EnablePartitionVTL(targetVTL, flags)
}

func (p *Partition) hcallEnableVPVTL(in *HypercallInput, fast bool) hvproto.Status {
	// The initial context pushes the input block past what registers can
	// carry; only the memory convention is accepted.
	if fast {
		return hvproto.StatusInvalidHypercallInput
	}

	var buf [hvproto.EnableVPVTLInputSize]byte
	if err := p.mem.ReadPhysical(in.InGPA, buf[:]); err != nil {
		return hvproto.StatusInsufficientMemory
	}
	partitionID := binary.LittleEndian.Uint64(buf[0:])
	vpIndex := binary.LittleEndian.Uint32(buf[8:])
	targetVTL := uint8(buf[12])
	initial := hvproto.DecodeInitialVPContext(buf[16:])

	if partitionID != hvproto.PartitionSelf {
		return hvproto.StatusInvalidPartitionID
	}
	// Like register access, processor targeting is self-only.
	if vpIndex == hvproto.VPIndexSelf {
		vpIndex = in.VPIndex
	} else if vpIndex != in.VPIndex {
		return hvproto.StatusInvalidVPIndex
	}
	vp := p.vsm.VP(vpIndex)
	if vp == nil {
		return hvproto.StatusInvalidVPIndex
	}
	return p.vsm.EnableVPVTL(vp, targetVTL, &initial)
}

// alignTo16 rounds an offset up to the next 16-byte boundary, the alignment
// of register values within the set-registers input block.
func alignTo16(off int) int { return (off + 15) &^ 15 }

func (p *Partition) hcallGetSetVPRegisters(in *HypercallInput, set bool) uint64 {
	fast := hvproto.IsFast(in.Input)
	repCnt := hvproto.RepCount(in.Input)
	repStart := hvproto.RepStart(in.Input)

	status := func(s hvproto.Status) uint64 { return hvproto.RepResult(s, 0) }

	if repCnt == 0 || repStart >= repCnt {
		return status(hvproto.StatusInvalidHypercallInput)
	}
	repEnd := repCnt
	if fast {
		// Fast calls have no continuation; everything must fit in the
		// parameter and XMM registers in one go.
		if repStart != 0 || int(repCnt) > maxFastRegistersPerCall {
			return status(hvproto.StatusInvalidHypercallInput)
		}
	} else if int(repEnd-repStart) > maxRegistersPerCall {
		// Oversized batches are clamped; the reported completion count
		// tells the guest where to continue.
		repEnd = repStart + maxRegistersPerCall
	}

	// Input layout: the 16-byte header, repCnt register names, and for set
	// the register values aligned to 16 bytes after the names.
	namesOff := hvproto.GetSetVPRegistersInputSize
	valuesOff := alignTo16(namesOff + int(repCnt)*4)
	inSize := namesOff + int(repCnt)*4
	if set {
		inSize = valuesOff + int(repCnt)*16
	}

	buf := make([]byte, alignTo16(inSize))
	if fast {
		for i := 0; i*8 < len(buf); i++ {
			var w uint64
			if i < 2 {
				w = in.Params[i]
			} else if i-2 < len(in.XMM) {
				w = in.XMM[i-2]
			} else {
				return status(hvproto.StatusInvalidHypercallInput)
			}
			binary.LittleEndian.PutUint64(buf[i*8:], w)
		}
	} else {
		if in.InGPA%8 != 0 || (!set && in.OutGPA%8 != 0) {
			return status(hvproto.StatusInvalidAlignment)
		}
		if err := p.mem.ReadPhysical(in.InGPA, buf[:inSize]); err != nil {
			return status(hvproto.StatusInsufficientMemory)
		}
	}

	hdr := hvproto.DecodeGetSetVPRegistersInput(buf)
	if hdr.PartitionID != hvproto.PartitionSelf {
		return status(hvproto.StatusInvalidPartitionID)
	}

	caller := p.callingVP(in)
	if caller == nil {
		return status(hvproto.StatusInvalidVPIndex)
	}

	// Register access is self-addressed only; cross-processor access is
	// not supported.
	vpIndex := hdr.VPIndex
	if vpIndex == hvproto.VPIndexSelf {
		vpIndex = in.VPIndex
	} else if vpIndex != in.VPIndex {
		return status(hvproto.StatusInvalidVPIndex)
	}
	vp := p.vsm.VP(vpIndex)
	if vp == nil {
		return status(hvproto.StatusInvalidVPIndex)
	}

	// A tier may address itself or any tier below; reaching upward is
	// denied regardless of the register name.
	callerVTL := caller.ActiveVTL()
	targetVTL := callerVTL
	if hdr.InputVTL.UseTarget() {
		targetVTL = hdr.InputVTL.TargetVTL()
	}
	if targetVTL > callerVTL {
		return status(hvproto.StatusAccessDenied)
	}
	tier := vp.Tier(targetVTL)
	if tier == nil {
		return status(hvproto.StatusInvalidParameter)
	}

	out := make([]byte, int(repEnd-repStart)*16)

	p.vsm.Lock()
	defer p.vsm.Unlock()

	if err := tier.Context().SyncState(); err != nil {
		trace.Emitf("hypercall", "vp %d state sync: %v", vpIndex, err)
		return status(hvproto.StatusInvalidParameter)
	}

	completed := uint16(0)
	result := hvproto.StatusSuccess
	dirty := false
	for i := repStart; i < repEnd; i++ {
		name := binary.LittleEndian.Uint32(buf[namesOff+int(i)*4:])
		if set {
			val := hvproto.RegisterValue{
				Low:  binary.LittleEndian.Uint64(buf[valuesOff+int(i)*16:]),
				High: binary.LittleEndian.Uint64(buf[valuesOff+int(i)*16+8:]),
			}
			mutated, s := p.vsm.SetVPRegister(tier, name, val)
			if s != hvproto.StatusSuccess {
				result = s
				break
			}
			dirty = dirty || mutated
		} else {
			val, s := p.vsm.GetVPRegister(tier, name)
			if s != hvproto.StatusSuccess {
				result = s
				break
			}
			o := int(i-repStart) * 16
			binary.LittleEndian.PutUint64(out[o:], val.Low)
			binary.LittleEndian.PutUint64(out[o+8:], val.High)
		}
		completed++
	}

	if dirty {
		if err := tier.Context().SyncPostMutate(); err != nil {
			trace.Emitf("hypercall", "vp %d state push: %v", vpIndex, err)
			return hvproto.RepResult(hvproto.StatusInvalidParameter, completed)
		}
	}

	if !set && completed > 0 {
		done := out[:int(completed)*16]
		if fast {
			// Output values follow the names in the xmm registers,
			// starting at the next 16-byte boundary.
			base := (valuesOff - hvproto.GetSetVPRegistersInputSize) / 8
			for i := 0; i*8 < len(done); i++ {
				in.XMM[base+i] = binary.LittleEndian.Uint64(done[i*8:])
			}
		} else {
			if err := p.mem.WritePhysical(in.OutGPA+uint64(repStart)*16, done); err != nil {
				return hvproto.RepResult(hvproto.StatusInsufficientMemory, completed)
			}
		}
	}

	return hvproto.RepResult(result, completed)
}
