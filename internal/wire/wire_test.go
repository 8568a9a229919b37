package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstructionCommandRoundTrip(t *testing.T) {
	cases := []InstructionCommand{
		{Insn: 0, Time: 0, Cmd: CmdHaltReset, Pad: 0},
		{Insn: VersionNegotiationInsn, Time: 0, Cmd: CmdHaltReset, Pad: 0},
		{Insn: VersionSelectInsnV2, Time: 0, Cmd: CmdVersionSelect, Pad: 0},
		{Insn: 0x00f00093, Time: 1, Cmd: CmdInject, Pad: 0},
	}
	for _, c := range cases {
		buf := c.Encode()
		require.Len(t, buf, InstructionCommandSize)
		got, err := DecodeInstructionCommand(buf)
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
}

func TestS1HandshakeBytes(t *testing.T) {
	// S1: client sends 53 52 45 56 00 00 00 00 then 02 00 00 00 00 00 76 00
	versReq, err := DecodeInstructionCommand([]byte{0x53, 0x52, 0x45, 0x56, 0x00, 0x00, 0x00, 0x00})
	require.NoError(t, err)
	assert.True(t, versReq.IsVersionNegotiation())

	v2Req, err := DecodeInstructionCommand([]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x00, 0x76, 0x00})
	require.NoError(t, err)
	assert.True(t, v2Req.IsVersionSelectV2())
}

func TestLegacyVersionReplyReversal(t *testing.T) {
	reply := LegacyVersionReply()
	require.Len(t, reply, LegacyExecutionSize)

	// Pre-reversal byte 1 (rvfi_halt) == 0x03 lands at wire offset 86.
	assert.Equal(t, byte(0x03), reply[86])
	for i, b := range reply {
		if i == 86 {
			continue
		}
		assert.Equalf(t, byte(0), b, "byte %d should be zero", i)
	}
}

func TestVersionSelectReplyBytes(t *testing.T) {
	got := VersionSelectReply()
	want := []byte{0x76, 0x65, 0x72, 0x73, 0x69, 0x6f, 0x6e, 0x3d, 0x02, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	assert.Equal(t, want, got)
}

func TestV2HeaderRoundTrip(t *testing.T) {
	h := V2Header{
		Magic:     MagicTraceV2,
		TraceSize: V2HeaderSize + IntegerExtSize,
		Basic: Metadata{
			Order: 7, Insn: 0x13, Trap: 0, Halt: 0, Intr: 0, Mode: 3, IXL: 1, Valid: 1,
		},
		PC:    PCBlock{PCRdata: 0x80000000, PCWdata: 0x80000004},
		Flags: FlagIntAvail,
	}
	buf := h.Encode()
	require.Len(t, buf, V2HeaderSize)
	got, err := DecodeV2Header(buf)
	require.NoError(t, err)
	assert.True(t, got.IntAvail())
	assert.False(t, got.MemAvail())
	assert.Equal(t, h.Basic, got.Basic)
	assert.Equal(t, h.PC, got.PC)
}

func TestTraceSizeInvariant(t *testing.T) {
	cases := []struct {
		flags uint8
		want  uint64
	}{
		{0, V2HeaderSize},
		{FlagIntAvail, V2HeaderSize + IntegerExtSize},
		{FlagMemAvail, V2HeaderSize + MemExtSize},
		{FlagIntAvail | FlagMemAvail, V2HeaderSize + IntegerExtSize + MemExtSize},
	}
	for _, c := range cases {
		h := V2Header{Flags: c.flags}
		assert.Equal(t, c.want, h.ExpectedTraceSize())
	}
}

func TestHaltHeader(t *testing.T) {
	h := HaltHeader()
	assert.Equal(t, MagicTraceV2, h.Magic)
	assert.Equal(t, uint64(V2HeaderSize), h.TraceSize)
	assert.Equal(t, uint8(1), h.Basic.Halt)
	assert.Zero(t, h.Basic.Order)
	assert.False(t, h.IntAvail())
	assert.False(t, h.MemAvail())
}

func TestIntegerExtRoundTrip(t *testing.T) {
	e := IntegerExt{
		Magic: MagicIntData, RdWdata: 15, Rs1Rdata: 1, Rs2Rdata: 2,
		RdAddr: 1, Rs1Addr: 2, Rs2Addr: 3,
	}
	buf := e.Encode()
	require.Len(t, buf, IntegerExtSize)
	got, err := DecodeIntegerExt(buf)
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestX0SuppressionOnWire(t *testing.T) {
	// S5, wire half: once the x0 rule has cleared rd_wdata (done by the
	// tracequeue field-setter, tested there), bytes 8..15 encode as zero.
	e := IntegerExt{Magic: MagicIntData, RdWdata: 0, RdAddr: 0}
	buf := e.Encode()
	assert.Equal(t, make([]byte, 8), buf[8:16])
}

func TestMemExtRoundTrip(t *testing.T) {
	e := MemExt{
		Magic: MagicMemData,
		Rdata: [4]uint64{1, 2, 3, 4},
		Wdata: [4]uint64{5, 6, 7, 8},
		Rmask: 0xF,
		Wmask: 0x3,
		Addr:  0x80001000,
	}
	buf := e.Encode()
	require.Len(t, buf, MemExtSize)
	got, err := DecodeMemExt(buf)
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestDecodeErrorsOnWrongLength(t *testing.T) {
	_, err := DecodeInstructionCommand(make([]byte, 4))
	assert.Error(t, err)
	_, err = DecodeV2Header(make([]byte, 10))
	assert.Error(t, err)
	_, err = DecodeIntegerExt(make([]byte, 10))
	assert.Error(t, err)
	_, err = DecodeMemExt(make([]byte, 10))
	assert.Error(t, err)
}
