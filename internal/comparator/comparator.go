// Package comparator implements the field-wise comparison between the
// DUT's current retired-instruction packet and the head of the
// reference-side trace queue: the nine basic metadata/PC fields, rd_wdata
// and rd_addr of the integer extension, and the byte-masked memory
// extension fields. rs1/rs2 and the valid bit are intentionally excluded.
package comparator

import (
	"context"

	"github.com/rvfidii/rvfi-core/internal/logger"
	"github.com/rvfidii/rvfi-core/internal/tracequeue"
	"github.com/rvfidii/rvfi-core/internal/wire"
)

// Comparator compares a DUT's committed packets against a reference
// trace queue, accounting mismatches as it goes.
type Comparator struct {
	buffers *tracequeue.Buffers
}

// New returns a Comparator reading from and accounting into buffers.
func New(buffers *tracequeue.Buffers) *Comparator {
	return &Comparator{buffers: buffers}
}

// Compare runs one comparator cycle for the DUT's current packet,
// tagged with timestamp for diagnostics. It never blocks: if the
// reference side has not produced an entry yet, it logs a single
// warning and returns, leaving the caller to retry on the next cycle.
func (c *Comparator) Compare(ctx context.Context, timestamp uint64) {
	c.buffers.Lock()
	defer c.buffers.Unlock()

	if c.buffers.TraceDoneLocked() {
		return
	}

	entry, ok := c.buffers.PeekReferenceLocked()
	if !ok {
		logger.WarnCtx(ctx, "comparator: reference queue empty, DUT ahead of reference", "timestamp", timestamp)
		return
	}

	dut := c.buffers.Current()
	ref := entry.Header

	c.compareBasic(ctx, timestamp, dut, ref)
	c.compareInteger(ctx, timestamp, dut, ref, entry.Int)
	c.compareMemory(ctx, timestamp, dut, ref, entry.Mem)

	c.buffers.PopReferenceLocked()
}

func (c *Comparator) mismatch(ctx context.Context, kind string, timestamp uint64, pc uint64, dutVal, refVal any) {
	logger.WarnCtx(ctx, "comparator: mismatch",
		"kind", kind,
		"timestamp", timestamp,
		"dut_pc", pc,
		"dut_value", dutVal,
		"ref_value", refVal,
	)
	c.buffers.IncrementMismatchLocked()
}

func (c *Comparator) compareBasic(ctx context.Context, timestamp uint64, dut, ref wire.V2Header) {
	pc := dut.PC.PCRdata

	if dut.Basic.Order != ref.Basic.Order {
		c.mismatch(ctx, "order", timestamp, pc, dut.Basic.Order, ref.Basic.Order)
	}
	if dut.PC.PCRdata != ref.PC.PCRdata {
		c.mismatch(ctx, "pc_rdata", timestamp, pc, dut.PC.PCRdata, ref.PC.PCRdata)
	}
	if dut.PC.PCWdata != ref.PC.PCWdata {
		c.mismatch(ctx, "pc_wdata", timestamp, pc, dut.PC.PCWdata, ref.PC.PCWdata)
	}
	if dut.Basic.Insn != ref.Basic.Insn {
		c.mismatch(ctx, "insn", timestamp, pc, dut.Basic.Insn, ref.Basic.Insn)
	}
	if dut.Basic.Trap != ref.Basic.Trap {
		c.mismatch(ctx, "trap", timestamp, pc, dut.Basic.Trap, ref.Basic.Trap)
	}
	if dut.Basic.Halt != ref.Basic.Halt {
		c.mismatch(ctx, "halt", timestamp, pc, dut.Basic.Halt, ref.Basic.Halt)
	}
	if dut.Basic.Intr != ref.Basic.Intr {
		c.mismatch(ctx, "intr", timestamp, pc, dut.Basic.Intr, ref.Basic.Intr)
	}
	if dut.Basic.Mode != ref.Basic.Mode {
		c.mismatch(ctx, "mode", timestamp, pc, dut.Basic.Mode, ref.Basic.Mode)
	}
	if dut.Basic.IXL != ref.Basic.IXL {
		c.mismatch(ctx, "ixl", timestamp, pc, dut.Basic.IXL, ref.Basic.IXL)
	}
	// Basic.Valid is deliberately not compared: the reference leaves it unset.
}

func (c *Comparator) compareInteger(ctx context.Context, timestamp uint64, dut, ref wire.V2Header, refExt *wire.IntegerExt) {
	pc := dut.PC.PCRdata
	dutAvail := dut.IntAvail()
	refAvail := ref.IntAvail()

	if dutAvail != refAvail {
		c.mismatch(ctx, "int_avail", timestamp, pc, dutAvail, refAvail)
	}
	if !dutAvail || !refAvail || refExt == nil {
		return
	}

	dutExt := c.buffers.CurrentInt()
	if dutExt.RdWdata != refExt.RdWdata {
		c.mismatch(ctx, "rd_wdata", timestamp, pc, dutExt.RdWdata, refExt.RdWdata)
	}
	if dutExt.RdAddr != refExt.RdAddr {
		c.mismatch(ctx, "rd_addr", timestamp, pc, dutExt.RdAddr, refExt.RdAddr)
	}
	// rs1_addr/rs1_rdata and rs2_addr/rs2_rdata are intentionally not
	// compared: the reference model does not report them consistently.
}

// byteMaskFromBits expands a bit-per-byte mask (as carried by rmask/wmask)
// into a full byte mask suitable for ANDing against an 8-byte data word.
func byteMaskFromBits(bits uint32) uint64 {
	var mask uint64
	for i := 0; i < 8; i++ {
		if bits&(1<<uint(i)) != 0 {
			mask |= 0xff << uint(i*8)
		}
	}
	return mask
}

func (c *Comparator) compareMemory(ctx context.Context, timestamp uint64, dut, ref wire.V2Header, refExt *wire.MemExt) {
	pc := dut.PC.PCRdata
	dutAvail := dut.MemAvail()
	refAvail := ref.MemAvail()

	if dutAvail != refAvail {
		c.mismatch(ctx, "mem_avail", timestamp, pc, dutAvail, refAvail)
	}
	if !dutAvail || !refAvail || refExt == nil {
		return
	}
	if dut.Basic.Trap != 0 {
		// A trapping instruction's memory side effects are not
		// compared: the reference does not model the trap's partial
		// or aborted access faithfully.
		return
	}

	dutExt := c.buffers.CurrentMem()
	readMask := byteMaskFromBits(refExt.Rmask)
	writeMask := byteMaskFromBits(refExt.Wmask)

	if dutExt.Rdata[0]&readMask != refExt.Rdata[0]&readMask {
		c.mismatch(ctx, "mem_rdata", timestamp, pc, dutExt.Rdata[0]&readMask, refExt.Rdata[0]&readMask)
	}
	if dutExt.Wdata[0]&writeMask != refExt.Wdata[0]&writeMask {
		c.mismatch(ctx, "mem_wdata", timestamp, pc, dutExt.Wdata[0]&writeMask, refExt.Wdata[0]&writeMask)
	}
	if dutExt.Rmask != refExt.Rmask {
		c.mismatch(ctx, "mem_rmask", timestamp, pc, dutExt.Rmask, refExt.Rmask)
	}
	if dutExt.Wmask != refExt.Wmask {
		c.mismatch(ctx, "mem_wmask", timestamp, pc, dutExt.Wmask, refExt.Wmask)
	}
	if dutExt.Addr != refExt.Addr {
		c.mismatch(ctx, "mem_addr", timestamp, pc, dutExt.Addr, refExt.Addr)
	}
}

// MismatchCount returns the running mismatch total.
func (c *Comparator) MismatchCount() uint32 {
	return c.buffers.MismatchCount()
}
