// Package wire implements the RVFI-DII binary wire protocol: fixed-layout
// packet encode/decode, the three magic constants, and the one
// byte-reversal quirk carried by the legacy version-negotiation reply.
//
// All multi-byte fields are little-endian. Packets are packed with no
// implicit padding beyond what is spelled out in each struct's layout.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Magic constants, interpreted as little-endian uint64 of ASCII bytes.
const (
	MagicTraceV2 uint64 = 0x32762d6563617274 // "trace-v2"
	MagicIntData uint64 = 0x617461642d746e69 // "int-data"
	MagicMemData uint64 = 0x617461642d6d656d // "mem-data"
)

// Instruction command opcodes (the rvfi_cmd byte of InstructionCommand).
const (
	CmdHaltReset     uint8 = 0
	CmdInject        uint8 = 1
	CmdVersionSelect uint8 = 'v' // 0x76
)

// VersionNegotiationInsn is the sentinel rvfi_instr value (the ASCII codes
// of "VERS" as hex digits, sent little-endian as 53 52 45 56) that turns
// a halt/reset command into a version negotiation request.
const VersionNegotiationInsn uint32 = 0x56455253

// VersionSelectInsnV2 is the rvfi_instr value accompanying
// CmdVersionSelect that selects protocol v2.
const VersionSelectInsnV2 uint32 = 2

// Packet sizes, in bytes.
const (
	InstructionCommandSize = 8
	LegacyExecutionSize    = 88
	VersionReplySize       = 16
	MetadataSize           = 24
	PCBlockSize            = 16
	IntegerExtSize         = 40
	MemExtSize             = 88
	V2HeaderSize           = 64
)

// InstructionCommand is the 8-byte packet the stimulus engine sends to
// request a halt/reset, an instruction injection, or version negotiation.
type InstructionCommand struct {
	Insn uint32
	Time uint16
	Cmd  uint8
	Pad  uint8
}

// Encode writes c in its 8-byte wire layout.
func (c InstructionCommand) Encode() []byte {
	buf := make([]byte, InstructionCommandSize)
	binary.LittleEndian.PutUint32(buf[0:4], c.Insn)
	binary.LittleEndian.PutUint16(buf[4:6], c.Time)
	buf[6] = c.Cmd
	buf[7] = c.Pad
	return buf
}

// DecodeInstructionCommand parses an 8-byte buffer into an InstructionCommand.
func DecodeInstructionCommand(buf []byte) (InstructionCommand, error) {
	if len(buf) != InstructionCommandSize {
		return InstructionCommand{}, fmt.Errorf("wire: instruction command must be %d bytes, got %d", InstructionCommandSize, len(buf))
	}
	return InstructionCommand{
		Insn: binary.LittleEndian.Uint32(buf[0:4]),
		Time: binary.LittleEndian.Uint16(buf[4:6]),
		Cmd:  buf[6],
		Pad:  buf[7],
	}, nil
}

// IsVersionNegotiation reports whether c is the "VERS" reset packet used
// to kick off version negotiation rather than a real halt/reset.
func (c InstructionCommand) IsVersionNegotiation() bool {
	return c.Cmd == CmdHaltReset && c.Insn == VersionNegotiationInsn
}

// IsVersionSelectV2 reports whether c is the engine's request to use the
// v2 trace format.
func (c InstructionCommand) IsVersionSelectV2() bool {
	return c.Cmd == CmdVersionSelect && c.Insn == VersionSelectInsnV2
}

// ReverseBytes reverses b end-to-end in place and returns it, for
// convenience chaining. Used exactly once, by the legacy version reply.
func ReverseBytes(b []byte) []byte {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return b
}

// LegacyVersionReply builds the 88-byte v1 execution-packet reply sent in
// response to the "VERS" negotiation request, already byte-reversed and
// ready to send.
//
// The pre-reversal layout matches the original RVFI_DII_Execution_Packet
// struct field order exactly (increasing byte offset): intr, halt, trap,
// rd_addr, rs2_addr, rs1_addr, mem_wmask, mem_rmask, mem_wdata, mem_rdata,
// mem_addr, rd_wdata, rs2_data, rs1_data, insn, pc_wdata, pc_rdata, order.
// Only rvfi_halt is set (to 0x03, at pre-reversal offset 1); everything
// else is zero. Reversing the 88 bytes then puts the halt byte at wire
// offset 86.
func LegacyVersionReply() []byte {
	buf := make([]byte, LegacyExecutionSize)
	const haltOffset = 1
	buf[haltOffset] = 0x03
	return ReverseBytes(buf)
}

// VersionSelectReply builds the 16-byte "version=2" reply sent after the
// engine selects v2 trace format.
func VersionSelectReply() []byte {
	buf := make([]byte, VersionReplySize)
	copy(buf[0:8], []byte("version="))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(VersionSelectInsnV2))
	return buf
}

// Metadata is the 24-byte instruction metadata block.
type Metadata struct {
	Order uint64
	Insn  uint64
	Trap  uint8
	Halt  uint8
	Intr  uint8
	Mode  uint8
	IXL   uint8
	Valid uint8
	// Pad is two reserved bytes; always encoded as zero.
}

func (m Metadata) encodeInto(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], m.Order)
	binary.LittleEndian.PutUint64(buf[8:16], m.Insn)
	buf[16] = m.Trap
	buf[17] = m.Halt
	buf[18] = m.Intr
	buf[19] = m.Mode
	buf[20] = m.IXL
	buf[21] = m.Valid
	buf[22] = 0
	buf[23] = 0
}

func decodeMetadata(buf []byte) Metadata {
	return Metadata{
		Order: binary.LittleEndian.Uint64(buf[0:8]),
		Insn:  binary.LittleEndian.Uint64(buf[8:16]),
		Trap:  buf[16],
		Halt:  buf[17],
		Intr:  buf[18],
		Mode:  buf[19],
		IXL:   buf[20],
		Valid: buf[21],
	}
}

// PCBlock is the 16-byte program-counter block.
type PCBlock struct {
	PCRdata uint64
	PCWdata uint64
}

func (p PCBlock) encodeInto(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], p.PCRdata)
	binary.LittleEndian.PutUint64(buf[8:16], p.PCWdata)
}

func decodePCBlock(buf []byte) PCBlock {
	return PCBlock{
		PCRdata: binary.LittleEndian.Uint64(buf[0:8]),
		PCWdata: binary.LittleEndian.Uint64(buf[8:16]),
	}
}

// Flag bits within the V2 header's flags byte.
const (
	FlagIntAvail uint8 = 1 << 0
	FlagMemAvail uint8 = 1 << 1
)

// V2Header is the fixed 64-byte execution packet header. Its TraceSize
// field must equal V2HeaderSize plus the size of whichever optional
// extensions are flagged available.
type V2Header struct {
	Magic     uint64
	TraceSize uint64
	Basic     Metadata
	PC        PCBlock
	Flags     uint8
}

// IntAvail reports whether the integer extension follows this header.
func (h V2Header) IntAvail() bool { return h.Flags&FlagIntAvail != 0 }

// MemAvail reports whether the memory extension follows this header.
func (h V2Header) MemAvail() bool { return h.Flags&FlagMemAvail != 0 }

// ExpectedTraceSize returns what TraceSize should be given the flags set.
func (h V2Header) ExpectedTraceSize() uint64 {
	size := uint64(V2HeaderSize)
	if h.IntAvail() {
		size += IntegerExtSize
	}
	if h.MemAvail() {
		size += MemExtSize
	}
	return size
}

// Encode writes h in its 64-byte wire layout.
func (h V2Header) Encode() []byte {
	buf := make([]byte, V2HeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.Magic)
	binary.LittleEndian.PutUint64(buf[8:16], h.TraceSize)
	h.Basic.encodeInto(buf[16:40])
	h.PC.encodeInto(buf[40:56])
	buf[56] = h.Flags
	// buf[57:64] reserved, left zero.
	return buf
}

// DecodeV2Header parses a 64-byte buffer into a V2Header.
func DecodeV2Header(buf []byte) (V2Header, error) {
	if len(buf) != V2HeaderSize {
		return V2Header{}, fmt.Errorf("wire: v2 header must be %d bytes, got %d", V2HeaderSize, len(buf))
	}
	return V2Header{
		Magic:     binary.LittleEndian.Uint64(buf[0:8]),
		TraceSize: binary.LittleEndian.Uint64(buf[8:16]),
		Basic:     decodeMetadata(buf[16:40]),
		PC:        decodePCBlock(buf[40:56]),
		Flags:     buf[56],
	}, nil
}

// HaltHeader builds the zeroed V2 header sent in response to a halt/reset
// command: only Magic, TraceSize, and Basic.Halt are set.
func HaltHeader() V2Header {
	return V2Header{
		Magic:     MagicTraceV2,
		TraceSize: V2HeaderSize,
		Basic:     Metadata{Halt: 1},
	}
}

// IntegerExt is the 40-byte optional integer-register extension.
//
// Invariant: if RdAddr == 0, RdWdata is forced to 0 on emission (the
// RISC-V x0 rule) — enforced by SetIntegerExt at the call site, not here,
// matching the original implementation's field-setter behavior.
type IntegerExt struct {
	Magic    uint64
	RdWdata  uint64
	Rs1Rdata uint64
	Rs2Rdata uint64
	RdAddr   uint8
	Rs1Addr  uint8
	Rs2Addr  uint8
}

// Encode writes e in its 40-byte wire layout.
func (e IntegerExt) Encode() []byte {
	buf := make([]byte, IntegerExtSize)
	binary.LittleEndian.PutUint64(buf[0:8], e.Magic)
	binary.LittleEndian.PutUint64(buf[8:16], e.RdWdata)
	binary.LittleEndian.PutUint64(buf[16:24], e.Rs1Rdata)
	binary.LittleEndian.PutUint64(buf[24:32], e.Rs2Rdata)
	buf[32] = e.RdAddr
	buf[33] = e.Rs1Addr
	buf[34] = e.Rs2Addr
	// buf[35:40] padding, left zero.
	return buf
}

// DecodeIntegerExt parses a 40-byte buffer into an IntegerExt.
func DecodeIntegerExt(buf []byte) (IntegerExt, error) {
	if len(buf) != IntegerExtSize {
		return IntegerExt{}, fmt.Errorf("wire: integer ext must be %d bytes, got %d", IntegerExtSize, len(buf))
	}
	return IntegerExt{
		Magic:    binary.LittleEndian.Uint64(buf[0:8]),
		RdWdata:  binary.LittleEndian.Uint64(buf[8:16]),
		Rs1Rdata: binary.LittleEndian.Uint64(buf[16:24]),
		Rs2Rdata: binary.LittleEndian.Uint64(buf[24:32]),
		RdAddr:   buf[32],
		Rs1Addr:  buf[33],
		Rs2Addr:  buf[34],
	}, nil
}

// MemExt is the 88-byte optional memory-access extension.
type MemExt struct {
	Magic uint64
	Rdata [4]uint64
	Wdata [4]uint64
	Rmask uint32
	Wmask uint32
	Addr  uint64
}

// Encode writes e in its 88-byte wire layout.
func (e MemExt) Encode() []byte {
	buf := make([]byte, MemExtSize)
	binary.LittleEndian.PutUint64(buf[0:8], e.Magic)
	for i, v := range e.Rdata {
		binary.LittleEndian.PutUint64(buf[8+i*8:16+i*8], v)
	}
	for i, v := range e.Wdata {
		binary.LittleEndian.PutUint64(buf[40+i*8:48+i*8], v)
	}
	binary.LittleEndian.PutUint32(buf[72:76], e.Rmask)
	binary.LittleEndian.PutUint32(buf[76:80], e.Wmask)
	binary.LittleEndian.PutUint64(buf[80:88], e.Addr)
	return buf
}

// DecodeMemExt parses an 88-byte buffer into a MemExt.
func DecodeMemExt(buf []byte) (MemExt, error) {
	if len(buf) != MemExtSize {
		return MemExt{}, fmt.Errorf("wire: mem ext must be %d bytes, got %d", MemExtSize, len(buf))
	}
	var e MemExt
	e.Magic = binary.LittleEndian.Uint64(buf[0:8])
	for i := range e.Rdata {
		e.Rdata[i] = binary.LittleEndian.Uint64(buf[8+i*8 : 16+i*8])
	}
	for i := range e.Wdata {
		e.Wdata[i] = binary.LittleEndian.Uint64(buf[40+i*8 : 48+i*8])
	}
	e.Rmask = binary.LittleEndian.Uint32(buf[72:76])
	e.Wmask = binary.LittleEndian.Uint32(buf[76:80])
	e.Addr = binary.LittleEndian.Uint64(buf[80:88])
	return e, nil
}
