// Package tracequeue implements the shared trace buffers (one FIFO of
// reference entries, each carrying its header and optional extensions,
// plus the DUT's current-packet-under-construction) that connect the
// reference-side drain loop to the comparator, and the host shim's
// field-setters to the engine-side commit call.
//
// A single mutex guards the reference queue, the mismatch counter, and the
// trace-done flag: one lock for all low-contention shared state, with
// Lock/Unlock exposed directly so a caller that needs to peek, compare,
// and pop under one critical section (the comparator) can do so without
// a second API layered on top.
package tracequeue

import (
	"sync"

	"github.com/rvfidii/rvfi-core/internal/wire"
)

// Entry bundles one reference-side V2 execution packet with its optional
// extensions, exactly as drained together from the reference socket.
type Entry struct {
	Header wire.V2Header
	Int    *wire.IntegerExt
	Mem    *wire.MemExt
}

// Buffers holds the reference FIFO (the exec, integer-ext, and mem-ext
// queues of spec §4.2 collapsed into one queue of Entry) and the mutable
// "current DUT packet" described in §3 — field-setters write it from the
// host shim's thread, CommitV2 reads and sends it, and Compare reads it
// again on the same thread. No lock is needed for the current packet
// itself; by contract only one thread ever touches it.
type Buffers struct {
	mu sync.Mutex

	refQueue []Entry

	mismatchCount uint32
	traceDone     bool

	current       wire.V2Header
	currentInt    wire.IntegerExt
	currentMem    wire.MemExt
	currentHasInt bool
	currentHasMem bool
}

// New returns an empty Buffers with TraceDone initially true, matching
// the original implementation's startup state (set before the reference
// threads are launched, cleared on the first successful drain).
func New() *Buffers {
	return &Buffers{traceDone: true}
}

// PushReference enqueues one drained reference entry. Invariant (spec
// §4.2 #1/#2): the extensions, if present, travel with the header they
// were drained alongside — Entry keeps them together so the separate
// int/mem FIFOs named in the original design collapse into one queue of
// matched entries without losing the "i-th V2 corresponds to i-th
// extension" invariant.
func (b *Buffers) PushReference(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refQueue = append(b.refQueue, e)
	b.traceDone = false
}

// popReferenceLocked removes and returns the head reference entry, if
// any. Callers must already hold b.mu.
func (b *Buffers) popReferenceLocked() (Entry, bool) {
	if len(b.refQueue) == 0 {
		return Entry{}, false
	}
	e := b.refQueue[0]
	b.refQueue = b.refQueue[1:]
	return e, true
}

// peekReferenceLocked returns the head reference entry without removing
// it. Callers must already hold b.mu.
func (b *Buffers) peekReferenceLocked() (Entry, bool) {
	if len(b.refQueue) == 0 {
		return Entry{}, false
	}
	return b.refQueue[0], true
}

// PeekReference returns the head reference entry without removing it.
func (b *Buffers) PeekReference() (Entry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peekReferenceLocked()
}

// PopReferenceHead removes and returns the head reference entry.
func (b *Buffers) PopReferenceHead() (Entry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.popReferenceLocked()
}

// ReferenceLen reports how many reference entries are queued.
func (b *Buffers) ReferenceLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.refQueue)
}

// traceDoneLocked reports whether the "trace done" flag is set. Callers
// must already hold b.mu.
func (b *Buffers) traceDoneLocked() bool {
	return b.traceDone
}

// TraceDone reports whether the "trace done" flag is set.
func (b *Buffers) TraceDone() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.traceDoneLocked()
}

// SetTraceDone sets the "trace done" flag, used when the reference side
// shuts down (FinalizeRefModel) so late Compare calls return silently
// instead of racing an emptied queue.
func (b *Buffers) SetTraceDone(done bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.traceDone = done
}

// Drain empties the reference queue, used by FinalizeRefModel.
func (b *Buffers) Drain() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refQueue = nil
}

// incrementMismatchLocked increments the mismatch counter by one.
// Callers must already hold b.mu.
func (b *Buffers) incrementMismatchLocked() {
	b.mismatchCount++
}

// IncrementMismatch increments the mismatch counter by one.
func (b *Buffers) IncrementMismatch() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.incrementMismatchLocked()
}

// MismatchCount reads the current mismatch counter.
func (b *Buffers) MismatchCount() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mismatchCount
}

// Lock/Unlock expose the buffers' mutex directly to the comparator,
// which needs to hold it across a multi-field comparison that both
// peeks and eventually pops the reference head — matching spec §4.5's
// "under the buffers lock" framing without re-deriving a second API for
// the same critical section.
func (b *Buffers) Lock()   { b.mu.Lock() }
func (b *Buffers) Unlock() { b.mu.Unlock() }

// PopReferenceLocked is PopReferenceHead for callers that already hold
// the lock via Lock/Unlock.
func (b *Buffers) PopReferenceLocked() (Entry, bool) {
	return b.popReferenceLocked()
}

// PeekReferenceLocked is PeekReference for callers that already hold the
// lock via Lock/Unlock.
func (b *Buffers) PeekReferenceLocked() (Entry, bool) {
	return b.peekReferenceLocked()
}

// TraceDoneLocked is TraceDone for callers that already hold the lock
// via Lock/Unlock.
func (b *Buffers) TraceDoneLocked() bool {
	return b.traceDoneLocked()
}

// IncrementMismatchLocked is IncrementMismatch for callers that already
// hold the lock via Lock/Unlock.
func (b *Buffers) IncrementMismatchLocked() {
	b.incrementMismatchLocked()
}

// --- current DUT packet (single-producer, single-consumer; unguarded by design) ---

// ResetCurrent zeroes the current packet and its extensions.
func (b *Buffers) ResetCurrent() {
	b.current = wire.V2Header{}
	b.currentInt = wire.IntegerExt{}
	b.currentMem = wire.MemExt{}
	b.currentHasInt = false
	b.currentHasMem = false
}

// SetInstMeta populates the metadata block of the current packet.
func (b *Buffers) SetInstMeta(m wire.Metadata) {
	b.current.Basic = m
}

// SetPC populates the PC block of the current packet.
func (b *Buffers) SetPC(pc wire.PCBlock) {
	b.current.PC = pc
}

// SetIntegerExt populates the integer extension of the current packet.
// The x0 rule (rd_wdata forced to 0 when rd_addr==0) is enforced here,
// matching the original rvfi_set_ext_integer_data field-setter.
func (b *Buffers) SetIntegerExt(e wire.IntegerExt) {
	if e.RdAddr == 0 {
		e.RdWdata = 0
	}
	e.Magic = wire.MagicIntData
	b.currentInt = e
	b.currentHasInt = true
}

// SetMemExt populates the memory extension of the current packet.
func (b *Buffers) SetMemExt(e wire.MemExt) {
	e.Magic = wire.MagicMemData
	b.currentMem = e
	b.currentHasMem = true
}

// CommitV2 finalizes the current packet's header (magic, flags,
// trace_size) and returns it along with its extensions, ready to encode
// and send. It does not itself clear the current packet — ResetCurrent
// (or the next round of field-setters) does that, mirroring the
// original's persistent process-wide packet that is merely overwritten
// between commits.
func (b *Buffers) CommitV2(intAvail, memAvail bool) (wire.V2Header, *wire.IntegerExt, *wire.MemExt) {
	b.current.Magic = wire.MagicTraceV2
	b.current.Flags = 0
	if intAvail {
		b.current.Flags |= wire.FlagIntAvail
	}
	if memAvail {
		b.current.Flags |= wire.FlagMemAvail
	}
	b.current.TraceSize = b.current.ExpectedTraceSize()

	var intExt *wire.IntegerExt
	if intAvail {
		e := b.currentInt
		intExt = &e
	}
	var memExt *wire.MemExt
	if memAvail {
		e := b.currentMem
		memExt = &e
	}
	return b.current, intExt, memExt
}

// Current returns the current DUT packet header as last set, for the
// comparator to read on the same thread that populated it.
func (b *Buffers) Current() wire.V2Header {
	return b.current
}

// CurrentHasInt/CurrentHasMem report whether the current packet's
// extensions were populated since the last reset.
func (b *Buffers) CurrentHasInt() bool { return b.currentHasInt }
func (b *Buffers) CurrentHasMem() bool { return b.currentHasMem }

// CurrentInt/CurrentMem return the current packet's extension payloads.
func (b *Buffers) CurrentInt() wire.IntegerExt { return b.currentInt }
func (b *Buffers) CurrentMem() wire.MemExt     { return b.currentMem }
