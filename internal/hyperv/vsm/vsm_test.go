package vsm

import (
	"testing"
	"time"

	"github.com/tinyvmm/hyperv/internal/hv"
	"github.com/tinyvmm/hyperv/internal/hv/exec"
	"github.com/tinyvmm/hyperv/internal/hv/mem"
	"github.com/tinyvmm/hyperv/internal/hyperv/hvproto"
)

func newTestPartition(t *testing.T, vpCount int) (*Partition, *mem.AddressSpace) {
	t.Helper()
	a := mem.NewAddressSpace(0, 64*4096)
	pool := exec.NewPool(hv.NopAccelerator{})
	t.Cleanup(func() { pool.Close() })
	p, err := New(pool, a, vpCount)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p, a
}

func TestInitialState(t *testing.T) {
	p, _ := newTestPartition(t, 2)

	if got := hvproto.PartitionStatusEnabledSet(p.Status()); got != 1 {
		t.Errorf("enabled set = %#x, want only the base tier", got)
	}
	if p.MaximumVTL() != hvproto.MaximumVTL {
		t.Errorf("maximum vtl = %d, want %d", p.MaximumVTL(), hvproto.MaximumVTL)
	}

	vp := p.VP(1)
	if vp == nil {
		t.Fatal("vp 1 missing")
	}
	if vp.ActiveVTL() != 0 {
		t.Errorf("active vtl = %d, want 0", vp.ActiveVTL())
	}
	if vp.Tier(0) == nil || vp.Tier(0).Context().Stopped() {
		t.Error("base tier missing or not running")
	}
	if p.VP(2) != nil {
		t.Error("lookup of unknown vp returned one")
	}
}

func TestEnableOrdering(t *testing.T) {
	p, _ := newTestPartition(t, 1)
	vp := p.VP(0)
	initial := &hvproto.InitialVPContext{Rip: 0x1000}

	// The vp tier cannot be enabled before the partition tier.
	if s := p.EnableVPVTL(vp, 1, initial); s != hvproto.StatusInvalidParameter {
		t.Errorf("premature EnableVPVTL = %#x", uint16(s))
	}

	// MBEC is not advertised.
	if s := p.EnablePartitionVTL(1, 1); s != hvproto.StatusInvalidParameter {
		t.Errorf("mbec enable = %#x", uint16(s))
	}

	if s := p.EnablePartitionVTL(1, 0); s != hvproto.StatusSuccess {
		t.Fatalf("EnablePartitionVTL = %#x", uint16(s))
	}
	if !p.VTLEnabled(1) {
		t.Error("tier 1 not marked enabled")
	}
	if s := p.EnablePartitionVTL(1, 0); s != hvproto.StatusInvalidParameter {
		t.Errorf("double EnablePartitionVTL = %#x", uint16(s))
	}

	if s := p.EnableVPVTL(vp, 1, initial); s != hvproto.StatusSuccess {
		t.Fatalf("EnableVPVTL = %#x", uint16(s))
	}
	if s := p.EnableVPVTL(vp, 1, initial); s != hvproto.StatusInvalidParameter {
		t.Errorf("double EnableVPVTL = %#x", uint16(s))
	}

	tier := vp.Tier(1)
	if tier == nil {
		t.Fatal("tier 1 missing")
	}
	if !tier.Context().Stopped() {
		t.Error("new tier must start stopped")
	}
	st := tier.Context().State()
	if st.Rip != 0x1000 {
		t.Errorf("seeded rip = %#x, want 0x1000", st.Rip)
	}

	if got := hvproto.VPStatus(0, 0b11); vp.Status() != got {
		t.Errorf("vp status = %#x, want %#x", vp.Status(), got)
	}
}

func TestPartitionConfigWriteOnce(t *testing.T) {
	p, _ := newTestPartition(t, 1)

	first := hvproto.PartitionConfigEnableVTLProtection | uint64(0x3)<<4
	p.SetPartitionConfig(1, first)
	if got := p.PartitionConfig(1); got != first {
		t.Fatalf("config = %#x, want %#x", got, first)
	}

	p.SetPartitionConfig(1, uint64(0x9)<<4)
	got := p.PartitionConfig(1)
	if got&hvproto.PartitionConfigEnableVTLProtection == 0 {
		t.Error("protection enable cleared by rewrite")
	}
	if hvproto.PartitionConfigDefaultMask(got) != 0x3 {
		t.Errorf("default mask = %#x, want the original 0x3", hvproto.PartitionConfigDefaultMask(got))
	}

	// Tiers have independent config registers.
	if p.PartitionConfig(2) != 0 {
		t.Error("config leaked across tiers")
	}
}

func enableTier1(t *testing.T, p *Partition, vp *VP, rip uint64) *Tier {
	t.Helper()
	if s := p.EnablePartitionVTL(1, 0); s != hvproto.StatusSuccess {
		t.Fatalf("EnablePartitionVTL = %#x", uint16(s))
	}
	if s := p.EnableVPVTL(vp, 1, &hvproto.InitialVPContext{Rip: rip}); s != hvproto.StatusSuccess {
		t.Fatalf("EnableVPVTL = %#x", uint16(s))
	}
	return vp.Tier(1)
}

func TestSecureConfigGating(t *testing.T) {
	p, _ := newTestPartition(t, 1)
	vp := p.VP(0)
	tier1 := enableTier1(t, p, vp, 0x1000)
	tier0 := vp.Tier(0)

	p.Lock()
	defer p.Unlock()

	// The base tier has no secure config registers at all.
	if _, s := p.GetVPRegister(tier0, hvproto.RegisterVsmVPSecureConfVTL0); s != hvproto.StatusInvalidParameter {
		t.Errorf("tier 0 get = %#x", uint16(s))
	}

	// Tier 1 may configure tier 0.
	if _, s := p.SetVPRegister(tier1, hvproto.RegisterVsmVPSecureConfVTL0, hvproto.RegisterValue{Low: hvproto.SecureConfTlbLocked}); s != hvproto.StatusSuccess {
		t.Fatalf("tier 1 set = %#x", uint16(s))
	}
	val, s := p.GetVPRegister(tier1, hvproto.RegisterVsmVPSecureConfVTL0)
	if s != hvproto.StatusSuccess || val.Low != hvproto.SecureConfTlbLocked {
		t.Errorf("tier 1 get = %#x/%#x", uint16(s), val.Low)
	}

	// Tier 1 may not touch its own tier's register.
	name := uint32(hvproto.RegisterVsmVPSecureConfVTL0 + 1)
	if _, s := p.GetVPRegister(tier1, name); s != hvproto.StatusInvalidParameter {
		t.Errorf("same-tier get = %#x", uint16(s))
	}
}

func TestVPRegisterAccess(t *testing.T) {
	p, _ := newTestPartition(t, 1)
	tier0 := p.VP(0).Tier(0)

	p.Lock()
	defer p.Unlock()

	seg := hv.SegmentState{Base: 0x100, Limit: 0xfffff, Selector: 0x10, Attributes: 0x93}
	if mutated, s := p.SetVPRegister(tier0, hvproto.RegisterSs, encodeSegment(seg)); s != hvproto.StatusSuccess || !mutated {
		t.Fatalf("set ss = %#x mutated %v", uint16(s), mutated)
	}
	val, s := p.GetVPRegister(tier0, hvproto.RegisterSs)
	if s != hvproto.StatusSuccess {
		t.Fatal(s)
	}
	if decodeSegment(val) != seg {
		t.Errorf("ss round trip = %+v", decodeSegment(val))
	}

	// Config writes report no architectural mutation.
	if mutated, s := p.SetVPRegister(tier0, hvproto.RegisterVsmPartitionConfig, hvproto.RegisterValue{Low: 1}); s != hvproto.StatusSuccess || mutated {
		t.Errorf("config set = %#x mutated %v", uint16(s), mutated)
	}

	if _, s := p.GetVPRegister(tier0, 0xdeadbeef); s != hvproto.StatusInvalidParameter {
		t.Errorf("unknown get = %#x", uint16(s))
	}
	if _, s := p.SetVPRegister(tier0, 0xdeadbeef, hvproto.RegisterValue{}); s != hvproto.StatusInvalidParameter {
		t.Errorf("unknown set = %#x", uint16(s))
	}
}

func TestCallReturnPreservesPrivateState(t *testing.T) {
	p, _ := newTestPartition(t, 1)
	vp := p.VP(0)
	enableTier1(t, p, vp, 0x2000)

	tier0 := vp.Tier(0)
	tier0.Context().State().Rip = 0x500
	tier0.Context().State().Regs[2] = 0x77 // shared

	if err := vp.Call(); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	st1 := vp.Tier(1).Context().State()
	if st1.Rip != 0x2000 {
		t.Errorf("tier 1 rip = %#x, want its own 0x2000", st1.Rip)
	}
	if st1.Regs[2] != 0x77 {
		t.Errorf("shared reg = %#x, want 0x77", st1.Regs[2])
	}

	// Mutate both a private and a shared register in tier 1, then return.
	st1.Rip = 0x2222
	st1.Regs[2] = 0x88

	if err := vp.Return(); err != nil {
		t.Fatalf("Return failed: %v", err)
	}
	st0 := tier0.Context().State()
	if st0.Rip != 0x500 {
		t.Errorf("tier 0 rip = %#x, want its own 0x500", st0.Rip)
	}
	if st0.Regs[2] != 0x88 {
		t.Errorf("shared reg = %#x, want tier 1's 0x88", st0.Regs[2])
	}

	// Calling while above the base tier is rejected.
	if err := vp.Call(); err != nil {
		// Back at vtl0, so a second call works; drain it.
		t.Fatalf("second Call failed: %v", err)
	}
	if err := vp.Call(); err != ErrNoSuchTier {
		t.Errorf("nested Call = %v, want ErrNoSuchTier", err)
	}
}

func TestInterruptSwitch(t *testing.T) {
	p, _ := newTestPartition(t, 1)
	vp := p.VP(0)
	tier1 := enableTier1(t, p, vp, 0x3000)

	if err := tier1.Notifier().Signal(); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for vp.ActiveVTL() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("interrupt never switched the processor to tier 1")
		}
		time.Sleep(time.Millisecond)
	}
	if !vp.Tier(0).Context().Stopped() {
		t.Error("base tier still running after the switch")
	}

	// A second assertion while tier 1 is already active is a no-op.
	if err := tier1.Notifier().Signal(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	if vp.ActiveVTL() != 1 {
		t.Error("redundant interrupt changed the active tier")
	}
}

func TestAssistPageEntryReason(t *testing.T) {
	p, a := newTestPartition(t, 1)
	vp := p.VP(0)
	tier1 := enableTier1(t, p, vp, 0x1000)

	tier1.SetupAssistPage(0x5000 | hvproto.AssistPageEnable)
	if err := vp.Call(); err != nil {
		t.Fatalf("Call failed: %v", err)
	}

	reason := make([]byte, 4)
	if err := a.ReadPhysical(0x5000+hvproto.AssistVTLControlOffset, reason); err != nil {
		t.Fatal(err)
	}
	if reason[0] != hvproto.VTLEntryCall {
		t.Errorf("entry reason = %d, want call", reason[0])
	}

	// Disabled assist page suppresses the write.
	if err := vp.Return(); err != nil {
		t.Fatal(err)
	}
	tier1.SetupAssistPage(0x5000)
	if err := a.WritePhysical(0x5000+hvproto.AssistVTLControlOffset, []byte{0xee, 0, 0, 0}); err != nil {
		t.Fatal(err)
	}
	if err := vp.Call(); err != nil {
		t.Fatal(err)
	}
	if err := a.ReadPhysical(0x5000+hvproto.AssistVTLControlOffset, reason); err != nil {
		t.Fatal(err)
	}
	if reason[0] != 0xee {
		t.Error("entry reason written despite disabled assist page")
	}
}
