// Package hvproto holds the guest-visible Hyper-V enlightenment contract:
// hypercall status codes and call codes, the synthetic interrupt message and
// event-flag page layouts, VP register names and the VSM register bit-fields.
// All values are fixed by the TLFS; nothing in here is negotiable.
package hvproto

import "encoding/binary"

// Status is a 16-bit hypercall completion code.
type Status uint16

const (
	StatusSuccess               Status = 0x0000
	StatusInvalidHypercallCode  Status = 0x0002
	StatusInvalidHypercallInput Status = 0x0003
	StatusInvalidAlignment      Status = 0x0004
	StatusInvalidParameter      Status = 0x0005
	StatusAccessDenied          Status = 0x0006
	StatusInsufficientMemory    Status = 0x000b
	StatusInvalidPartitionID    Status = 0x000d
	StatusInvalidVPIndex        Status = 0x000e
	StatusInvalidPortID         Status = 0x0011
	StatusInvalidConnectionID   Status = 0x0012
	StatusInsufficientBuffers   Status = 0x0013
	StatusNotAcknowledged       Status = 0x0014
	StatusNoData                Status = 0x0027
)

// Hypercall call codes.
const (
	CallModifyVTLProtectionMask = 0x000c
	CallEnablePartitionVTL      = 0x000d
	CallEnableVPVTL             = 0x000f
	CallVTLCall                 = 0x0011
	CallVTLReturn               = 0x0012
	CallGetVPRegisters          = 0x0050
	CallSetVPRegisters          = 0x0051
	CallPostMessage             = 0x005c
	CallSignalEvent             = 0x005d
	CallPostDebugData           = 0x0069
	CallRetrieveDebugData       = 0x006a
	CallResetDebugSession       = 0x006b
)

// Hypercall input value bit-fields.
const (
	HypercallFast           = uint64(1) << 16
	HypercallRepCompOffset  = 32
	HypercallRepStartOffset = 48
	hypercallRepMask        = 0xfff
)

// CallCode extracts the call code from a hypercall input value.
func CallCode(input uint64) uint16 { return uint16(input & 0xffff) }

// IsFast reports whether the fast calling convention bit is set.
func IsFast(input uint64) bool { return input&HypercallFast != 0 }

// RepCount extracts the total repetition count of a repeated hypercall.
func RepCount(input uint64) uint16 {
	return uint16(input>>HypercallRepCompOffset) & hypercallRepMask
}

// RepStart extracts the starting repetition index of a repeated hypercall.
func RepStart(input uint64) uint16 {
	return uint16(input>>HypercallRepStartOffset) & hypercallRepMask
}

// RepResult encodes a hypercall result value carrying the number of
// completed repetitions alongside the status.
func RepResult(status Status, completed uint16) uint64 {
	return uint64(status) | uint64(completed)<<HypercallRepCompOffset
}

// Partition and virtual-processor self references. These are the only
// addressing values supported by this implementation.
const (
	PartitionSelf = uint64(0xffffffffffffffff)
	VPIndexSelf   = uint32(0xfffffffe)
)

// Synthetic interrupt constants.
const (
	SintCount   = 16
	PageSize    = 4096
	MessageSize = 256
	PayloadSize = 240

	MessageTypeNone    = 0
	MessageFlagPending = 0x1

	ConnectionIDMask = 0x00ffffff

	// Event flags: one 256-byte flag block per sint, 2048 flags each.
	EventFlagsPerSint = 2048
	eventFlagsBytes   = MessageSize
)

// Message header byte offsets within a 256-byte message slot.
const (
	msgTypeOff    = 0  // uint32 message type
	msgPaySizeOff = 4  // uint8 payload size
	msgFlagsOff   = 5  // uint8 message flags
	msgHeaderSize = 16 // payload follows the 16-byte header
)

// Message is one guest-visible synthetic message: a 16-byte header followed
// by up to 240 bytes of payload. It is the staged representation as well as
// the in-page slot layout.
type Message struct {
	Type        uint32
	Flags       uint8
	PayloadSize uint8
	Payload     [PayloadSize]byte
}

// Encode serializes m into a 256-byte message slot.
func (m *Message) Encode(slot []byte) {
	_ = slot[MessageSize-1]
	binary.LittleEndian.PutUint32(slot[msgTypeOff:], m.Type)
	slot[msgPaySizeOff] = m.PayloadSize
	slot[msgFlagsOff] = m.Flags
	for i := msgFlagsOff + 1; i < msgHeaderSize; i++ {
		slot[i] = 0
	}
	copy(slot[msgHeaderSize:], m.Payload[:])
}

// Decode fills m from a 256-byte message slot.
func (m *Message) Decode(slot []byte) {
	_ = slot[MessageSize-1]
	m.Type = binary.LittleEndian.Uint32(slot[msgTypeOff:])
	m.PayloadSize = slot[msgPaySizeOff]
	m.Flags = slot[msgFlagsOff]
	copy(m.Payload[:], slot[msgHeaderSize:MessageSize])
}

// SlotOffset returns the byte offset of the message slot for a sint within
// the message page.
func SlotOffset(sint uint32) int { return int(sint) * MessageSize }

// SlotType reads the message type field of the slot for a sint directly from
// a message page.
func SlotType(page []byte, sint uint32) uint32 {
	return binary.LittleEndian.Uint32(page[SlotOffset(sint):])
}

// SetSlotPending sets the pending flag in the slot header for a sint.
func SetSlotPending(page []byte, sint uint32) {
	page[SlotOffset(sint)+msgFlagsOff] |= MessageFlagPending
}

// EventFlagOffset returns the byte offset of the aligned uint64 flags word
// holding eventNo within the event-flags page, plus the bit mask inside it.
func EventFlagOffset(sint uint32, eventNo uint32) (off int, mask uint64) {
	word := eventNo / 64
	off = int(sint)*eventFlagsBytes + int(word)*8
	mask = uint64(1) << (eventNo % 64)
	return off, mask
}

// PostMessageInput is the memory layout of the HvPostMessage input block.
type PostMessageInput struct {
	ConnectionID uint32
	MessageType  uint32
	PayloadSize  uint32
	Payload      [PayloadSize]byte
}

// PostMessageInputSize covers connection id, reserved word, message type and
// payload size, followed by the payload.
const PostMessageInputSize = 16 + PayloadSize

// DecodePostMessageInput parses the guest's post-message input block.
func DecodePostMessageInput(b []byte) PostMessageInput {
	var in PostMessageInput
	in.ConnectionID = binary.LittleEndian.Uint32(b[0:])
	// bytes 4..8 are reserved
	in.MessageType = binary.LittleEndian.Uint32(b[8:])
	in.PayloadSize = binary.LittleEndian.Uint32(b[12:])
	copy(in.Payload[:], b[16:PostMessageInputSize])
	return in
}

// VP register names dispatched by the get/set register hypercalls.
const (
	RegisterRsp    = 0x00020004
	RegisterRip    = 0x00020010
	RegisterRflags = 0x00020011

	RegisterCr0 = 0x00040000
	RegisterCr3 = 0x00040002
	RegisterCr4 = 0x00040003

	RegisterDr7 = 0x00050005

	RegisterEs   = 0x00060000
	RegisterCs   = 0x00060001
	RegisterSs   = 0x00060002
	RegisterDs   = 0x00060003
	RegisterFs   = 0x00060004
	RegisterGs   = 0x00060005
	RegisterLdtr = 0x00060006
	RegisterTr   = 0x00060007

	RegisterIdtr = 0x00070000
	RegisterGdtr = 0x00070001

	RegisterEfer        = 0x00080001
	RegisterKernelGsbas = 0x00080002
	RegisterApicBase    = 0x00080003
	RegisterPat         = 0x00080004
	RegisterSysenterCs  = 0x00080005
	RegisterSysenterEip = 0x00080006
	RegisterSysenterEsp = 0x00080007
	RegisterStar        = 0x00080008
	RegisterLstar       = 0x00080009
	RegisterCstar       = 0x0008000a
	RegisterSfmask      = 0x0008000b
	RegisterTscAux      = 0x0008002b

	RegisterPendingEvent0 = 0x00010004

	RegisterVPAssistPage = 0x00090013

	RegisterVsmCodePageOffsets   = 0x000d0002
	RegisterVsmVPStatus          = 0x000d0003
	RegisterVsmPartitionStatus   = 0x000d0004
	RegisterVsmVina              = 0x000d0005
	RegisterVsmCapabilities      = 0x000d0006
	RegisterVsmPartitionConfig   = 0x000d0007
	RegisterVsmVPSecureConfVTL0  = 0x000d0010
	RegisterVsmVPSecureConfVTL14 = 0x000d001e

	RegisterCrInterceptControl        = 0x000e0000
	RegisterCrInterceptCr0Mask        = 0x000e0001
	RegisterCrInterceptCr4Mask        = 0x000e0002
	RegisterCrInterceptIa32MiscEnable = 0x000e0003
)

// RegisterValue is a 128-bit register value as carried by the get/set VP
// register hypercalls.
type RegisterValue struct {
	Low  uint64
	High uint64
}

// VTL limits and register bit-field accessors.
const (
	NumVTLs    = 16
	MaximumVTL = NumVTLs - 1
)

// InputVTL is the packed input-vtl byte used by several hypercalls.
type InputVTL uint8

// TargetVTL returns the target VTL field.
func (v InputVTL) TargetVTL() uint8 { return uint8(v) & 0xf }

// UseTarget reports whether the explicit target VTL field is valid.
func (v InputVTL) UseTarget() bool { return v&0x10 != 0 }

// VSM partition status register fields: enabled_vtl_set 15:0,
// maximum_vtl 19:16, mbec_enabled_vtl_set 35:20.
func PartitionStatus(enabledSet uint16, maximumVTL uint8) uint64 {
	return uint64(enabledSet) | uint64(maximumVTL&0xf)<<16
}

// PartitionStatusEnabledSet extracts the enabled-VTL bitmap.
func PartitionStatusEnabledSet(v uint64) uint16 { return uint16(v) }

// PartitionStatusMaximumVTL extracts the maximum VTL field.
func PartitionStatusMaximumVTL(v uint64) uint8 { return uint8(v>>16) & 0xf }

// VSM partition config register fields.
const (
	PartitionConfigEnableVTLProtection = uint64(1) << 0
	partitionConfigDefaultMaskShift    = 4
	partitionConfigDefaultMaskBits     = uint64(0xf) << partitionConfigDefaultMaskShift
	PartitionConfigInterceptVPStartup  = uint64(1) << 12
	PartitionConfigDenyLowerVTLStartup = uint64(1) << 13
)

// PartitionConfigDefaultMask extracts the default VTL protection mask field.
func PartitionConfigDefaultMask(v uint64) uint64 {
	return (v & partitionConfigDefaultMaskBits) >> partitionConfigDefaultMaskShift
}

// MergeWriteOnceConfig applies the write-once rule for the partition config
// register: once enable_vtl_protection has been set, that bit and the
// default protection mask retain their original values on later writes.
func MergeWriteOnceConfig(old, new uint64) uint64 {
	if old&PartitionConfigEnableVTLProtection == 0 {
		return new
	}
	keep := PartitionConfigEnableVTLProtection | partitionConfigDefaultMaskBits
	return (new &^ keep) | (old & keep)
}

// VSM VP status register fields: active_vtl 3:0, active_mbec_enabled bit 4,
// enabled_vtl_set 31:16.
func VPStatus(activeVTL uint8, enabledSet uint16) uint64 {
	return uint64(activeVTL&0xf) | uint64(enabledSet)<<16
}

// Secure VTL config register bits.
const (
	SecureConfMbecEnabled = uint64(1) << 0
	SecureConfTlbLocked   = uint64(1) << 1
)

// VP assist page register fields.
const (
	AssistPageEnable      = uint64(1) << 0
	AssistPageAddressMask = ^uint64(0xfff)
)

// Assist page VTL control block: entry reason is the first 32-bit word.
const (
	AssistVTLControlOffset = 0x100
	VTLEntryReserved       = 0
	VTLEntryCall           = 1
	VTLEntryInterrupt      = 2
)

// EnablePartitionVTLFlags is the flags byte of HvEnablePartitionVtl.
type EnablePartitionVTLFlags uint8

// EnableMbec reports whether the caller asked for MBEC, which this
// implementation does not advertise.
func (f EnablePartitionVTLFlags) EnableMbec() bool { return f&1 != 0 }

// InitialVPContext is the architectural seed state supplied to
// HvEnableVpVtl for the new tier. Layout per TLFS hv_init_vp_context.
type InitialVPContext struct {
	Rip    uint64
	Rsp    uint64
	Rflags uint64

	Cs, Ds, Es, Fs, Gs, Ss, Tr, Ldtr SegmentRegister

	Idtr, Gdtr TableRegister

	Efer uint64
	Cr0  uint64
	Cr3  uint64
	Cr4  uint64
	Pat  uint64
}

// SegmentRegister is the TLFS segment descriptor representation.
type SegmentRegister struct {
	Base       uint64
	Limit      uint32
	Selector   uint16
	Attributes uint16
}

// TableRegister describes GDTR/IDTR.
type TableRegister struct {
	Limit uint16
	Base  uint64
}

const (
	segmentRegisterSize = 16
	tableRegisterSize   = 16

	// EnableVPVTLInputSize covers partition id, vp index, input vtl byte and
	// padding, followed by the initial VP context.
	EnableVPVTLInputSize = 16 + InitialVPContextSize

	// InitialVPContextSize is the packed size of InitialVPContext.
	InitialVPContextSize = 3*8 + 8*segmentRegisterSize + 2*tableRegisterSize + 5*8
)

func decodeSegment(b []byte) SegmentRegister {
	return SegmentRegister{
		Base:       binary.LittleEndian.Uint64(b[0:]),
		Limit:      binary.LittleEndian.Uint32(b[8:]),
		Selector:   binary.LittleEndian.Uint16(b[12:]),
		Attributes: binary.LittleEndian.Uint16(b[14:]),
	}
}

func decodeTable(b []byte) TableRegister {
	return TableRegister{
		Limit: binary.LittleEndian.Uint16(b[6:]),
		Base:  binary.LittleEndian.Uint64(b[8:]),
	}
}

// DecodeInitialVPContext parses the packed initial VP context.
func DecodeInitialVPContext(b []byte) InitialVPContext {
	var c InitialVPContext
	c.Rip = binary.LittleEndian.Uint64(b[0:])
	c.Rsp = binary.LittleEndian.Uint64(b[8:])
	c.Rflags = binary.LittleEndian.Uint64(b[16:])
	off := 24
	segs := []*SegmentRegister{&c.Cs, &c.Ds, &c.Es, &c.Fs, &c.Gs, &c.Ss, &c.Tr, &c.Ldtr}
	for _, s := range segs {
		*s = decodeSegment(b[off:])
		off += segmentRegisterSize
	}
	c.Idtr = decodeTable(b[off:])
	off += tableRegisterSize
	c.Gdtr = decodeTable(b[off:])
	off += tableRegisterSize
	c.Efer = binary.LittleEndian.Uint64(b[off:])
	c.Cr0 = binary.LittleEndian.Uint64(b[off+8:])
	c.Cr3 = binary.LittleEndian.Uint64(b[off+16:])
	c.Cr4 = binary.LittleEndian.Uint64(b[off+24:])
	c.Pat = binary.LittleEndian.Uint64(b[off+32:])
	return c
}

// GetSetVPRegistersInput is the fixed header of the get/set VP registers
// input block; register names (and, for set, values) follow it.
type GetSetVPRegistersInput struct {
	PartitionID uint64
	VPIndex     uint32
	InputVTL    InputVTL
}

// GetSetVPRegistersInputSize is the packed header size (8 + 4 + 1 + 3 pad).
const GetSetVPRegistersInputSize = 16

// DecodeGetSetVPRegistersInput parses the fixed input header.
func DecodeGetSetVPRegistersInput(b []byte) GetSetVPRegistersInput {
	return GetSetVPRegistersInput{
		PartitionID: binary.LittleEndian.Uint64(b[0:]),
		VPIndex:     binary.LittleEndian.Uint32(b[8:]),
		InputVTL:    InputVTL(b[12]),
	}
}
