package hyperv

import (
	"encoding/binary"
	"testing"

	"github.com/tinyvmm/hyperv/internal/hyperv/hvproto"
)

func TestSyndbgWithoutHandler(t *testing.T) {
	p, _, _ := newTestPartition(t, 1)

	in := &HypercallInput{Input: hvproto.CallResetDebugSession, OutGPA: 0x9000}
	hcResult(t, p.Hypercall(in), hvproto.StatusInvalidHypercallCode)

	if got := p.SyndbgQueryOptions(); got != 0 {
		t.Errorf("options without handler = %#x, want 0", got)
	}
}

func TestSyndbgDoubleRegistrationPanics(t *testing.T) {
	p, _, _ := newTestPartition(t, 1)
	handler := func(*SyndbgMsg) hvproto.Status { return hvproto.StatusSuccess }

	p.SetSyndbgHandler(handler)
	defer func() {
		if recover() == nil {
			t.Error("second registration did not panic")
		}
	}()
	p.SetSyndbgHandler(handler)
}

func TestSyndbgResetSession(t *testing.T) {
	p, a, _ := newTestPartition(t, 1)

	p.SetSyndbgHandler(func(msg *SyndbgMsg) hvproto.Status {
		if msg.Type != SyndbgMsgConnectionInfo {
			t.Errorf("message type = %d, want connection info", msg.Type)
		}
		msg.HostIP = 0x0a00020f
		msg.HostPort = 50000
		return hvproto.StatusSuccess
	})

	in := &HypercallInput{Input: hvproto.CallResetDebugSession, OutGPA: 0x9000}
	hcResult(t, p.Hypercall(in), hvproto.StatusSuccess)

	out := make([]byte, resetDebugSessionOutSize)
	if err := a.ReadPhysical(0x9000, out); err != nil {
		t.Fatal(err)
	}
	if binary.LittleEndian.Uint32(out[0:]) != 0x0a00020f {
		t.Error("host ip not written")
	}
	if binary.LittleEndian.Uint16(out[4:]) != 50000 {
		t.Error("host port not written")
	}
	// Target endpoint mirrors the host endpoint.
	if binary.LittleEndian.Uint32(out[12:]) != 0x0a00020f || binary.LittleEndian.Uint16(out[16:]) != 50000 {
		t.Error("target endpoint does not mirror host")
	}
}

func TestSyndbgRetrieveNoData(t *testing.T) {
	p, a, _ := newTestPartition(t, 1)

	p.SetSyndbgHandler(func(msg *SyndbgMsg) hvproto.Status {
		if msg.Type != SyndbgMsgRecv {
			t.Errorf("message type = %d, want recv", msg.Type)
		}
		if !msg.IsRaw {
			t.Error("hypercall transport must ask for raw data")
		}
		return hvproto.StatusNoData
	})

	var req [retrieveDebugDataInSize]byte
	binary.LittleEndian.PutUint32(req[0:], 512) // requested count
	if err := a.WritePhysical(0xa000, req[:]); err != nil {
		t.Fatal(err)
	}

	in := &HypercallInput{Input: hvproto.CallRetrieveDebugData, InGPA: 0xa000, OutGPA: 0xb000}
	hcResult(t, p.Hypercall(in), hvproto.StatusNoData)

	out := make([]byte, retrieveDebugDataOutSize)
	if err := a.ReadPhysical(0xb000, out); err != nil {
		t.Fatal(err)
	}
	if binary.LittleEndian.Uint32(out[0:]) != 0 {
		t.Error("retrieved count should be zero")
	}
	if binary.LittleEndian.Uint32(out[4:]) != 512 {
		t.Error("remaining count should echo the request")
	}

	// Fast convention is rejected before the handler runs.
	in.Input |= hvproto.HypercallFast
	hcResult(t, p.Hypercall(in), hvproto.StatusInvalidParameter)
}

func TestSyndbgPostDataPending(t *testing.T) {
	p, a, _ := newTestPartition(t, 1)

	p.SetSyndbgHandler(func(msg *SyndbgMsg) hvproto.Status {
		if msg.Type != SyndbgMsgSend {
			t.Errorf("message type = %d, want send", msg.Type)
		}
		if msg.Count != 100 {
			t.Errorf("count = %d, want 100", msg.Count)
		}
		msg.PendingCount = 100
		return hvproto.StatusSuccess
	})

	var req [postDebugDataInSize]byte
	binary.LittleEndian.PutUint32(req[0:], 100)
	if err := a.WritePhysical(0xa000, req[:]); err != nil {
		t.Fatal(err)
	}

	in := &HypercallInput{Input: hvproto.CallPostDebugData, InGPA: 0xa000, OutGPA: 0xb000}
	hcResult(t, p.Hypercall(in), hvproto.StatusInsufficientBuffers)

	out := make([]byte, postDebugDataOutSize)
	if err := a.ReadPhysical(0xb000, out); err != nil {
		t.Fatal(err)
	}
	if binary.LittleEndian.Uint32(out) != 100 {
		t.Error("pending count not reported")
	}
}

func TestSyndbgMSRTransport(t *testing.T) {
	p, _, _ := newTestPartition(t, 1)

	p.SetSyndbgHandler(func(msg *SyndbgMsg) hvproto.Status {
		switch msg.Type {
		case SyndbgMsgRecv:
			msg.RetrievedCount = 32
		case SyndbgMsgQueryOptions:
			msg.Options = 0x5
		}
		return hvproto.StatusSuccess
	})

	if got := p.SyndbgSend(0x1000, 16); got != SyndbgStatusSendSuccess {
		t.Errorf("SyndbgSend = %#x", got)
	}
	if got := p.SyndbgRecv(0x1000, 64); got != SyndbgStatusSetSize(32) {
		t.Errorf("SyndbgRecv = %#x, want %#x", got, SyndbgStatusSetSize(32))
	}
	if got := p.SyndbgQueryOptions(); got != 0x5 {
		t.Errorf("SyndbgQueryOptions = %#x, want 0x5", got)
	}
	p.SyndbgSetPendingPage(0x2000)
}
