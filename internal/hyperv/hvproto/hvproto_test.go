package hvproto

import (
	"bytes"
	"testing"
)

func TestHypercallInputFields(t *testing.T) {
	input := uint64(CallPostMessage) | HypercallFast | uint64(12)<<HypercallRepCompOffset | uint64(3)<<HypercallRepStartOffset

	if CallCode(input) != CallPostMessage {
		t.Errorf("CallCode = %#x, want %#x", CallCode(input), CallPostMessage)
	}
	if !IsFast(input) {
		t.Error("IsFast = false, want true")
	}
	if RepCount(input) != 12 {
		t.Errorf("RepCount = %d, want 12", RepCount(input))
	}
	if RepStart(input) != 3 {
		t.Errorf("RepStart = %d, want 3", RepStart(input))
	}
}

func TestRepResult(t *testing.T) {
	res := RepResult(StatusInvalidParameter, 7)
	if Status(res&0xffff) != StatusInvalidParameter {
		t.Errorf("status bits = %#x, want %#x", res&0xffff, StatusInvalidParameter)
	}
	if got := (res >> HypercallRepCompOffset) & 0xfff; got != 7 {
		t.Errorf("completed reps = %d, want 7", got)
	}
}

func TestMessageSlotRoundTrip(t *testing.T) {
	msg := Message{
		Type:        0x40000001,
		PayloadSize: 5,
	}
	copy(msg.Payload[:], "hello")

	page := make([]byte, PageSize)
	msg.Encode(page[SlotOffset(3):])

	if SlotType(page, 3) != msg.Type {
		t.Errorf("SlotType = %#x, want %#x", SlotType(page, 3), msg.Type)
	}
	if SlotType(page, 2) != MessageTypeNone {
		t.Errorf("neighbor slot type = %#x, want none", SlotType(page, 2))
	}

	var got Message
	got.Decode(page[SlotOffset(3):])
	if got.Type != msg.Type || got.PayloadSize != msg.PayloadSize {
		t.Errorf("decoded header = %+v", got)
	}
	if !bytes.Equal(got.Payload[:5], []byte("hello")) {
		t.Errorf("payload = %q, want %q", got.Payload[:5], "hello")
	}

	SetSlotPending(page, 3)
	got.Decode(page[SlotOffset(3):])
	if got.Flags&MessageFlagPending == 0 {
		t.Error("pending flag not set")
	}
}

func TestEventFlagOffset(t *testing.T) {
	off, mask := EventFlagOffset(0, 0)
	if off != 0 || mask != 1 {
		t.Errorf("flag (0,0) = (%d, %#x), want (0, 1)", off, mask)
	}

	off, mask = EventFlagOffset(2, 65)
	if off != 2*MessageSize+8 {
		t.Errorf("flag (2,65) offset = %d, want %d", off, 2*MessageSize+8)
	}
	if mask != 1<<1 {
		t.Errorf("flag (2,65) mask = %#x, want %#x", mask, uint64(1<<1))
	}

	// The last sint's flag block must stay inside the page.
	off, _ = EventFlagOffset(SintCount-1, EventFlagsPerSint-1)
	if off+8 > PageSize {
		t.Errorf("flag offset %d overruns the page", off)
	}
}

func TestMergeWriteOnceConfig(t *testing.T) {
	first := PartitionConfigEnableVTLProtection | uint64(0x3)<<4
	merged := MergeWriteOnceConfig(0, first)
	if merged != first {
		t.Errorf("first write = %#x, want %#x", merged, first)
	}

	// A later write may not clear the protection bit or change the mask.
	second := uint64(0x9) << 4
	merged = MergeWriteOnceConfig(first, second)
	if merged&PartitionConfigEnableVTLProtection == 0 {
		t.Error("protection bit cleared by second write")
	}
	if PartitionConfigDefaultMask(merged) != 0x3 {
		t.Errorf("default mask = %#x, want 0x3", PartitionConfigDefaultMask(merged))
	}

	// Bits outside the write-once fields do follow the second write.
	merged = MergeWriteOnceConfig(first, second|PartitionConfigInterceptVPStartup)
	if merged&PartitionConfigInterceptVPStartup == 0 {
		t.Error("non-write-once bit dropped")
	}
}

func TestInputVTL(t *testing.T) {
	v := InputVTL(0x12)
	if !v.UseTarget() {
		t.Error("UseTarget = false, want true")
	}
	if v.TargetVTL() != 2 {
		t.Errorf("TargetVTL = %d, want 2", v.TargetVTL())
	}
	if InputVTL(0x02).UseTarget() {
		t.Error("UseTarget = true without the valid bit")
	}
}

func TestDecodeInitialVPContext(t *testing.T) {
	buf := make([]byte, InitialVPContextSize)
	put64 := func(off int, v uint64) {
		for i := 0; i < 8; i++ {
			buf[off+i] = byte(v >> (8 * i))
		}
	}
	put64(0, 0x1000)  // rip
	put64(8, 0x8000)  // rsp
	put64(16, 0x2)    // rflags
	// cs at offset 24: base, limit, selector, attributes
	put64(24, 0)
	buf[24+8] = 0xff
	buf[24+12] = 0x08
	buf[24+14] = 0x9b
	cr3Off := 24 + 8*16 + 2*16 + 16
	put64(cr3Off, 0xdead000)

	c := DecodeInitialVPContext(buf)
	if c.Rip != 0x1000 || c.Rsp != 0x8000 || c.Rflags != 0x2 {
		t.Errorf("entry state = %#x/%#x/%#x", c.Rip, c.Rsp, c.Rflags)
	}
	if c.Cs.Limit != 0xff || c.Cs.Selector != 0x08 || c.Cs.Attributes != 0x9b {
		t.Errorf("cs = %+v", c.Cs)
	}
	if c.Cr3 != 0xdead000 {
		t.Errorf("cr3 = %#x, want 0xdead000", c.Cr3)
	}
}

func TestDecodePostMessageInput(t *testing.T) {
	buf := make([]byte, PostMessageInputSize)
	buf[0] = 0x2a // connection id
	buf[8] = 0x01 // message type
	buf[12] = 3   // payload size
	copy(buf[16:], "abc")

	in := DecodePostMessageInput(buf)
	if in.ConnectionID != 0x2a || in.MessageType != 1 || in.PayloadSize != 3 {
		t.Errorf("decoded input = %+v", in)
	}
	if !bytes.Equal(in.Payload[:3], []byte("abc")) {
		t.Errorf("payload = %q, want %q", in.Payload[:3], "abc")
	}
}
