package hyperv

import (
	"encoding/binary"

	"github.com/tinyvmm/hyperv/internal/hyperv/hvproto"
	"github.com/tinyvmm/hyperv/internal/trace"
)

// Synthetic debugger message types exchanged with the registered handler.
const (
	SyndbgMsgConnectionInfo = iota
	SyndbgMsgRecv
	SyndbgMsgSend
	SyndbgMsgSetPendingPage
	SyndbgMsgQueryOptions
)

// Synthetic debugger status values returned through the MSR interface.
const (
	SyndbgStatusInvalid     = 0
	SyndbgStatusSendSuccess = 1
)

// SyndbgStatusSetSize encodes a successful receive with the retrieved size.
func SyndbgStatusSetSize(size uint32) uint32 { return 1 | size<<16 }

// SyndbgMsg is one request to the synthetic debugger handler. Type selects
// which field group is meaningful; the handler fills the output fields of
// that group before returning.
type SyndbgMsg struct {
	Type int

	// ConnectionInfo outputs.
	HostIP   uint32
	HostPort uint16

	// Recv: read up to Count bytes of debugger data into guest memory at
	// BufGPA. RetrievedCount is the handler's output.
	// Send: transmit Count bytes from guest memory at BufGPA; a non-zero
	// PendingCount output means the data could not be sent yet.
	BufGPA         uint64
	Count          uint32
	Options        uint32
	Timeout        uint64
	IsRaw          bool
	RetrievedCount uint32
	PendingCount   uint32

	// SetPendingPage input.
	PendingPageGPA uint64
}

// SyndbgHandler processes synthetic debugger requests. Exactly one handler
// serves a partition.
type SyndbgHandler func(msg *SyndbgMsg) hvproto.Status

// SetSyndbgHandler registers the partition's synthetic debugger handler.
// Registering a second handler is a wiring bug.
func (p *Partition) SetSyndbgHandler(handler SyndbgHandler) {
	p.syndbgMu.Lock()
	defer p.syndbgMu.Unlock()
	if p.syndbgHandler != nil && handler != nil {
		panic("hyperv: syndbg handler already registered")
	}
	p.syndbgHandler = handler
}

func (p *Partition) syndbg(msg *SyndbgMsg) hvproto.Status {
	p.syndbgMu.Lock()
	handler := p.syndbgHandler
	p.syndbgMu.Unlock()
	if handler == nil {
		return hvproto.StatusInvalidHypercallCode
	}
	return handler(msg)
}

// Debugger session block sizes, fixed by the wire contract.
const (
	// host ip, host port, host mac[6], target ip, target port, target mac[6]
	resetDebugSessionOutSize = 4 + 2 + 6 + 4 + 2 + 6

	// count, options, timeout
	retrieveDebugDataInSize = 16
	// retrieved count, remaining count
	retrieveDebugDataOutSize = 8

	// count, reserved
	postDebugDataInSize = 8
	// pending count
	postDebugDataOutSize = 4
)

// hcallResetDebugSession starts a debugger session and reports the
// connection endpoints into the guest output block.
func (p *Partition) hcallResetDebugSession(outGPA uint64) hvproto.Status {
	msg := SyndbgMsg{Type: SyndbgMsgConnectionInfo}
	if status := p.syndbg(&msg); status != hvproto.StatusSuccess {
		return status
	}

	var out [resetDebugSessionOutSize]byte
	binary.LittleEndian.PutUint32(out[0:], msg.HostIP)
	binary.LittleEndian.PutUint16(out[4:], msg.HostPort)
	// The mac fields are only validation fodder for the guest debugger
	// transport and stay zero; target mirrors host.
	binary.LittleEndian.PutUint32(out[12:], msg.HostIP)
	binary.LittleEndian.PutUint16(out[16:], msg.HostPort)

	if err := p.mem.WritePhysical(outGPA, out[:]); err != nil {
		return hvproto.StatusInsufficientMemory
	}
	return hvproto.StatusSuccess
}

// hcallRetrieveDebugData reads pending debugger data into the guest buffer
// that follows the output block.
func (p *Partition) hcallRetrieveDebugData(inGPA, outGPA uint64) hvproto.Status {
	var in [retrieveDebugDataInSize]byte
	if err := p.mem.ReadPhysical(inGPA, in[:]); err != nil {
		return hvproto.StatusInsufficientMemory
	}
	count := binary.LittleEndian.Uint32(in[0:])
	options := binary.LittleEndian.Uint32(in[4:])
	timeout := binary.LittleEndian.Uint64(in[8:])

	msg := SyndbgMsg{
		Type:    SyndbgMsgRecv,
		BufGPA:  outGPA + retrieveDebugDataOutSize,
		Count:   hvproto.PageSize - retrieveDebugDataOutSize,
		Options: options,
		Timeout: timeout,
		IsRaw:   true,
	}
	status := p.syndbg(&msg)

	var retrieved, remaining uint32
	switch status {
	case hvproto.StatusNoData:
		remaining = count
	case hvproto.StatusSuccess:
		retrieved = msg.RetrievedCount
		remaining = count - msg.RetrievedCount
	default:
		return status
	}

	var out [retrieveDebugDataOutSize]byte
	binary.LittleEndian.PutUint32(out[0:], retrieved)
	binary.LittleEndian.PutUint32(out[4:], remaining)
	if err := p.mem.WritePhysical(outGPA, out[:]); err != nil {
		return hvproto.StatusInsufficientMemory
	}
	return status
}

// hcallPostDebugData transmits the guest data that follows the input block.
func (p *Partition) hcallPostDebugData(inGPA, outGPA uint64) hvproto.Status {
	var in [postDebugDataInSize]byte
	if err := p.mem.ReadPhysical(inGPA, in[:]); err != nil {
		return hvproto.StatusInsufficientMemory
	}
	count := binary.LittleEndian.Uint32(in[0:])

	msg := SyndbgMsg{
		Type:   SyndbgMsgSend,
		BufGPA: inGPA + postDebugDataInSize,
		Count:  count,
		IsRaw:  true,
	}
	status := p.syndbg(&msg)
	if status != hvproto.StatusSuccess {
		return status
	}

	var out [postDebugDataOutSize]byte
	if msg.PendingCount != 0 {
		status = hvproto.StatusInsufficientBuffers
		binary.LittleEndian.PutUint32(out[:], msg.PendingCount)
	}
	if err := p.mem.WritePhysical(outGPA, out[:]); err != nil {
		return hvproto.StatusInsufficientMemory
	}
	return status
}

// SyndbgSend pushes raw debugger data from guest memory to the handler, for
// the MSR-based transport.
func (p *Partition) SyndbgSend(inGPA uint64, count uint32) uint32 {
	msg := SyndbgMsg{Type: SyndbgMsgSend, BufGPA: inGPA, Count: count}
	if p.syndbg(&msg) != hvproto.StatusSuccess {
		return SyndbgStatusInvalid
	}
	return SyndbgStatusSendSuccess
}

// SyndbgRecv pulls raw debugger data into guest memory, for the MSR-based
// transport. The returned status carries the retrieved size.
func (p *Partition) SyndbgRecv(inGPA uint64, count uint32) uint32 {
	msg := SyndbgMsg{Type: SyndbgMsgRecv, BufGPA: inGPA, Count: count}
	if p.syndbg(&msg) != hvproto.StatusSuccess {
		return SyndbgStatusInvalid
	}
	return SyndbgStatusSetSize(msg.RetrievedCount)
}

// SyndbgSetPendingPage tells the handler where the guest's pending-events
// page lives.
func (p *Partition) SyndbgSetPendingPage(gpa uint64) {
	msg := SyndbgMsg{Type: SyndbgMsgSetPendingPage, PendingPageGPA: gpa}
	if status := p.syndbg(&msg); status != hvproto.StatusSuccess {
		trace.Emitf("syndbg", "set pending page %#x failed: %#x", gpa, uint16(status))
	}
}

// SyndbgQueryOptions asks the handler for its transport options word.
func (p *Partition) SyndbgQueryOptions() uint32 {
	msg := SyndbgMsg{Type: SyndbgMsgQueryOptions}
	if p.syndbg(&msg) != hvproto.StatusSuccess {
		return 0
	}
	return msg.Options
}
