package comparator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvfidii/rvfi-core/internal/tracequeue"
	"github.com/rvfidii/rvfi-core/internal/wire"
)

func setupMatching(t *testing.T) (*tracequeue.Buffers, *Comparator) {
	t.Helper()
	b := tracequeue.New()
	b.PushReference(tracequeue.Entry{
		Header: wire.V2Header{
			Basic: wire.Metadata{Order: 5, Insn: 0x13, Mode: 3, IXL: 1},
			PC:    wire.PCBlock{PCRdata: 0x80000000, PCWdata: 0x80000004},
		},
	})
	b.SetInstMeta(wire.Metadata{Order: 5, Insn: 0x13, Mode: 3, IXL: 1})
	b.SetPC(wire.PCBlock{PCRdata: 0x80000000, PCWdata: 0x80000004})
	b.CommitV2(false, false)
	return b, New(b)
}

func TestCompareNoMismatchOnMatchingPackets(t *testing.T) {
	b, c := setupMatching(t)
	c.Compare(context.Background(), 1)
	assert.Zero(t, c.MismatchCount())
	assert.Zero(t, b.ReferenceLen())
}

func TestCompareWarnsAndReturnsWhenReferenceEmpty(t *testing.T) {
	b := tracequeue.New()
	b.SetTraceDone(false)
	c := New(b)
	assert.NotPanics(t, func() { c.Compare(context.Background(), 1) })
	assert.Zero(t, c.MismatchCount())
}

func TestCompareReturnsSilentlyWhenTraceDone(t *testing.T) {
	b := tracequeue.New() // traceDone true by default
	c := New(b)
	c.Compare(context.Background(), 1)
	assert.Zero(t, c.MismatchCount())
}

func TestComparePCWdataMismatchIncrementsCounter(t *testing.T) {
	b := tracequeue.New()
	b.PushReference(tracequeue.Entry{
		Header: wire.V2Header{PC: wire.PCBlock{PCWdata: 0x80000008}},
	})
	b.SetPC(wire.PCBlock{PCWdata: 0x80000004})
	b.CommitV2(false, false)

	c := New(b)
	c.Compare(context.Background(), 1)
	assert.Equal(t, uint32(1), c.MismatchCount())
}

func TestCompareValidFieldIsIgnored(t *testing.T) {
	b := tracequeue.New()
	b.PushReference(tracequeue.Entry{
		Header: wire.V2Header{Basic: wire.Metadata{Valid: 0}},
	})
	b.SetInstMeta(wire.Metadata{Valid: 1})
	b.CommitV2(false, false)

	c := New(b)
	c.Compare(context.Background(), 1)
	assert.Zero(t, c.MismatchCount())
}

func TestCompareIntegerExtMismatchOnRdWdata(t *testing.T) {
	b := tracequeue.New()
	refInt := wire.IntegerExt{RdAddr: 1, RdWdata: 99}
	b.PushReference(tracequeue.Entry{
		Header: wire.V2Header{Flags: wire.FlagIntAvail},
		Int:    &refInt,
	})
	b.SetIntegerExt(wire.IntegerExt{RdAddr: 1, RdWdata: 7})
	b.CommitV2(true, false)

	c := New(b)
	c.Compare(context.Background(), 1)
	assert.Equal(t, uint32(1), c.MismatchCount())
}

func TestCompareIntegerExtIgnoresRs1Rs2(t *testing.T) {
	b := tracequeue.New()
	refInt := wire.IntegerExt{RdAddr: 1, RdWdata: 7, Rs1Addr: 9, Rs2Addr: 10}
	b.PushReference(tracequeue.Entry{
		Header: wire.V2Header{Flags: wire.FlagIntAvail},
		Int:    &refInt,
	})
	b.SetIntegerExt(wire.IntegerExt{RdAddr: 1, RdWdata: 7, Rs1Addr: 1, Rs2Addr: 2})
	b.CommitV2(true, false)

	c := New(b)
	c.Compare(context.Background(), 1)
	assert.Zero(t, c.MismatchCount())
}

func TestCompareMemExtSkippedOnDUTTrap(t *testing.T) {
	b := tracequeue.New()
	refMem := wire.MemExt{Rdata: [4]uint64{0xff}, Rmask: 0x1}
	b.PushReference(tracequeue.Entry{
		Header: wire.V2Header{Flags: wire.FlagMemAvail, Basic: wire.Metadata{Trap: 1}},
		Mem:    &refMem,
	})
	b.SetInstMeta(wire.Metadata{Trap: 1})
	b.SetMemExt(wire.MemExt{Rdata: [4]uint64{0x00}, Rmask: 0x1})
	b.CommitV2(false, true)

	c := New(b)
	c.Compare(context.Background(), 1)
	assert.Zero(t, c.MismatchCount())
}

func TestCompareMemExtByteMaskedComparison(t *testing.T) {
	b := tracequeue.New()
	refMem := wire.MemExt{Rdata: [4]uint64{0xAABBCCDD}, Rmask: 0x1, Addr: 0x2000}
	b.PushReference(tracequeue.Entry{
		Header: wire.V2Header{Flags: wire.FlagMemAvail},
		Mem:    &refMem,
	})
	// Only the low byte is masked in (rmask=0x1), so differing upper bytes shouldn't matter.
	b.SetMemExt(wire.MemExt{Rdata: [4]uint64{0x112233DD}, Rmask: 0x1, Addr: 0x2000})
	b.CommitV2(false, true)

	c := New(b)
	c.Compare(context.Background(), 1)
	assert.Zero(t, c.MismatchCount())
}

func TestCompareMemExtAddrMismatch(t *testing.T) {
	b := tracequeue.New()
	refMem := wire.MemExt{Addr: 0x2000}
	b.PushReference(tracequeue.Entry{
		Header: wire.V2Header{Flags: wire.FlagMemAvail},
		Mem:    &refMem,
	})
	b.SetMemExt(wire.MemExt{Addr: 0x3000})
	b.CommitV2(false, true)

	c := New(b)
	c.Compare(context.Background(), 1)
	assert.Equal(t, uint32(1), c.MismatchCount())
}

func TestMismatchMonotonicityAcrossCalls(t *testing.T) {
	b := tracequeue.New()
	for i := 0; i < 3; i++ {
		b.PushReference(tracequeue.Entry{Header: wire.V2Header{PC: wire.PCBlock{PCWdata: uint64(i)}}})
	}
	c := New(b)

	var last uint32
	for i := 0; i < 3; i++ {
		b.SetPC(wire.PCBlock{PCWdata: 999}) // guaranteed mismatch each time
		b.CommitV2(false, false)
		c.Compare(context.Background(), uint64(i))
		require.GreaterOrEqual(t, c.MismatchCount(), last)
		last = c.MismatchCount()
	}
	assert.Equal(t, uint32(3), last)
}
