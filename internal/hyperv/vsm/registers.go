package vsm

import (
	"github.com/tinyvmm/hyperv/internal/hv"
	"github.com/tinyvmm/hyperv/internal/hyperv/hvproto"
	"github.com/tinyvmm/hyperv/internal/trace"
)

// encodeSegment packs a segment state into the 128-bit register value
// layout: base in the low word, then limit, selector and attributes.
func encodeSegment(s hv.SegmentState) hvproto.RegisterValue {
	return hvproto.RegisterValue{
		Low:  s.Base,
		High: uint64(s.Limit) | uint64(s.Selector)<<32 | uint64(s.Attributes)<<48,
	}
}

func decodeSegment(v hvproto.RegisterValue) hv.SegmentState {
	return hv.SegmentState{
		Base:       v.Low,
		Limit:      uint32(v.High),
		Selector:   uint16(v.High >> 32),
		Attributes: uint16(v.High >> 48),
	}
}

func encodeTable(t hv.TableState) hvproto.RegisterValue {
	return hvproto.RegisterValue{Low: t.Base, High: uint64(t.Limit)}
}

func decodeTable(v hvproto.RegisterValue) hv.TableState {
	return hv.TableState{Base: v.Low, Limit: uint16(v.High)}
}

// secureConfigVTL resolves a secure-config register name against the
// requesting tier. A tier may only address the register of a tier strictly
// below itself, and tier 0 has no such registers at all.
func secureConfigVTL(t *Tier, name uint32) (uint8, bool) {
	regVTL := uint8(name - hvproto.RegisterVsmVPSecureConfVTL0)
	if t.vtl == 0 || regVTL >= t.vtl {
		return 0, false
	}
	return regVTL, true
}

// GetVPRegister reads one VP register of the target tier. Callers hold the
// partition register/switch lock with the tier's state synchronized.
func (p *Partition) GetVPRegister(t *Tier, name uint32) (hvproto.RegisterValue, hvproto.Status) {
	st := t.ctx.State()
	var val hvproto.RegisterValue

	switch name {
	case hvproto.RegisterRsp:
		val.Low = st.Regs[hv.RspIndex]
	case hvproto.RegisterRip:
		val.Low = st.Rip
	case hvproto.RegisterRflags:
		val.Low = st.Rflags
	case hvproto.RegisterCr0:
		val.Low = st.Cr0
	case hvproto.RegisterCr3:
		val.Low = st.Cr3
	case hvproto.RegisterCr4:
		val.Low = st.Cr4
	case hvproto.RegisterDr7:
		val.Low = st.Dr7
	case hvproto.RegisterCs:
		val = encodeSegment(st.Cs)
	case hvproto.RegisterDs:
		val = encodeSegment(st.Ds)
	case hvproto.RegisterEs:
		val = encodeSegment(st.Es)
	case hvproto.RegisterFs:
		val = encodeSegment(st.Fs)
	case hvproto.RegisterGs:
		val = encodeSegment(st.Gs)
	case hvproto.RegisterSs:
		val = encodeSegment(st.Ss)
	case hvproto.RegisterLdtr:
		val = encodeSegment(st.Ldtr)
	case hvproto.RegisterTr:
		val = encodeSegment(st.Tr)
	case hvproto.RegisterIdtr:
		val = encodeTable(st.Idtr)
	case hvproto.RegisterGdtr:
		val = encodeTable(st.Gdtr)
	case hvproto.RegisterEfer:
		val.Low = st.Efer
	case hvproto.RegisterSysenterCs:
		val.Low = st.SysenterCs
	case hvproto.RegisterSysenterEip:
		val.Low = st.SysenterEip
	case hvproto.RegisterSysenterEsp:
		val.Low = st.SysenterEsp
	case hvproto.RegisterStar:
		val.Low = st.Star
	case hvproto.RegisterLstar:
		val.Low = st.Lstar
	case hvproto.RegisterCstar:
		val.Low = st.Cstar
	case hvproto.RegisterSfmask:
		val.Low = st.Sfmask
	case hvproto.RegisterTscAux:
		val.Low = st.TscAux
	case hvproto.RegisterApicBase:
		val.Low = st.ApicBase
	case hvproto.RegisterVsmCapabilities:
		val.Low = p.Capabilities()
	case hvproto.RegisterVsmPartitionStatus:
		val.Low = p.Status()
	case hvproto.RegisterVsmVPStatus:
		val.Low = t.vp.Status()
	case hvproto.RegisterVsmPartitionConfig:
		// The only partition-wide per-VTL register; relies on 64-bit
		// atomicity instead of the partition VTL lock.
		val.Low = p.PartitionConfig(t.vtl)
	case hvproto.RegisterVPAssistPage:
		val.Low = t.assistMsr
	case hvproto.RegisterVsmCodePageOffsets:
		val.Low = st.CodePageOffsets
	default:
		if name >= hvproto.RegisterVsmVPSecureConfVTL0 && name <= hvproto.RegisterVsmVPSecureConfVTL14 {
			regVTL, ok := secureConfigVTL(t, name)
			if !ok {
				return val, hvproto.StatusInvalidParameter
			}
			val.Low = t.secureConfig[regVTL]
			break
		}
		trace.Emitf("vsm", "get of unknown vp register %#x", name)
		return val, hvproto.StatusInvalidParameter
	}

	trace.Emitf("vsm", "get vp %d vtl %d register %#x = %#x", t.vp.index, t.vtl, name, val.Low)
	return val, hvproto.StatusSuccess
}

// SetVPRegister writes one VP register of the target tier, reporting
// whether architectural state was mutated. Callers hold the partition
// register/switch lock with the tier's state synchronized.
func (p *Partition) SetVPRegister(t *Tier, name uint32, val hvproto.RegisterValue) (bool, hvproto.Status) {
	st := t.ctx.State()

	trace.Emitf("vsm", "set vp %d vtl %d register %#x = %#x", t.vp.index, t.vtl, name, val.Low)

	switch name {
	case hvproto.RegisterRsp:
		st.Regs[hv.RspIndex] = val.Low
	case hvproto.RegisterRip:
		st.Rip = val.Low
	case hvproto.RegisterRflags:
		st.Rflags = val.Low
	case hvproto.RegisterCr0:
		st.Cr0 = val.Low
	case hvproto.RegisterCr3:
		st.Cr3 = val.Low
	case hvproto.RegisterCr4:
		st.Cr4 = val.Low
	case hvproto.RegisterDr7:
		st.Dr7 = val.Low
	case hvproto.RegisterCs:
		st.Cs = decodeSegment(val)
	case hvproto.RegisterDs:
		st.Ds = decodeSegment(val)
	case hvproto.RegisterEs:
		st.Es = decodeSegment(val)
	case hvproto.RegisterFs:
		st.Fs = decodeSegment(val)
	case hvproto.RegisterGs:
		st.Gs = decodeSegment(val)
	case hvproto.RegisterSs:
		st.Ss = decodeSegment(val)
	case hvproto.RegisterLdtr:
		st.Ldtr = decodeSegment(val)
	case hvproto.RegisterTr:
		st.Tr = decodeSegment(val)
	case hvproto.RegisterIdtr:
		st.Idtr = decodeTable(val)
	case hvproto.RegisterGdtr:
		st.Gdtr = decodeTable(val)
	case hvproto.RegisterEfer:
		st.Efer = val.Low
	case hvproto.RegisterSysenterCs:
		st.SysenterCs = val.Low
	case hvproto.RegisterSysenterEip:
		st.SysenterEip = val.Low
	case hvproto.RegisterSysenterEsp:
		st.SysenterEsp = val.Low
	case hvproto.RegisterStar:
		st.Star = val.Low
	case hvproto.RegisterLstar:
		st.Lstar = val.Low
	case hvproto.RegisterCstar:
		st.Cstar = val.Low
	case hvproto.RegisterSfmask:
		st.Sfmask = val.Low
	case hvproto.RegisterTscAux:
		st.TscAux = val.Low
	case hvproto.RegisterVsmPartitionConfig:
		p.SetPartitionConfig(t.vtl, val.Low)
		return false, hvproto.StatusSuccess
	case hvproto.RegisterVPAssistPage:
		st.AssistPage = val.Low
		t.SetupAssistPage(val.Low)
	case hvproto.RegisterPendingEvent0:
		// Pending event injection is not implemented; accepted and dropped.
		trace.Emitf("vsm", "set of pending event register ignored")
		return false, hvproto.StatusSuccess
	case hvproto.RegisterVsmVina,
		hvproto.RegisterCrInterceptControl,
		hvproto.RegisterCrInterceptCr0Mask,
		hvproto.RegisterCrInterceptCr4Mask,
		hvproto.RegisterCrInterceptIa32MiscEnable:
		// Accepted but not backed by any machinery.
		trace.Emitf("vsm", "faking vp register %#x", name)
		return false, hvproto.StatusSuccess
	default:
		if name >= hvproto.RegisterVsmVPSecureConfVTL0 && name <= hvproto.RegisterVsmVPSecureConfVTL14 {
			regVTL, ok := secureConfigVTL(t, name)
			if !ok {
				return false, hvproto.StatusInvalidParameter
			}
			if val.Low&hvproto.SecureConfMbecEnabled != 0 {
				trace.Emitf("vsm", "mbec requested for vtl %d but not implemented", regVTL)
			}
			t.secureConfig[regVTL] = val.Low
			return false, hvproto.StatusSuccess
		}
		trace.Emitf("vsm", "set of unknown vp register %#x", name)
		return false, hvproto.StatusInvalidParameter
	}

	return true, hvproto.StatusSuccess
}
