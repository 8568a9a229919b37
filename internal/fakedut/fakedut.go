// Package fakedut provides a trivial loopback implementation of the
// host simulator's DUTExports interface. It never decodes or executes
// real RISC-V instructions — it exists purely so cmd/rvfi-harness
// selftest and integration tests can drive the engine-side server and
// reference client end to end without a real simulator shim linked in.
package fakedut

import "sync"

// DUT is a NOP DUTExports implementation that records the calls made
// into it so tests can assert on them.
type DUT struct {
	mu       sync.Mutex
	halted   bool
	order    uint64
	finished bool
	haltN    int
	unhaltN  int
}

// New returns an unhalted DUT.
func New() *DUT {
	return &DUT{}
}

// Halt marks the DUT halted.
func (d *DUT) Halt() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.halted = true
	d.haltN++
}

// Unhalt marks the DUT running.
func (d *DUT) Unhalt() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.halted = false
	d.unhaltN++
}

// QueueFinish marks the run as finished (peer disconnected or EOF).
func (d *DUT) QueueFinish() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.finished = true
}

// SetRVFIOrder seeds the order counter, as called by the reference
// client once the discard phase finds the ELF entry packet.
func (d *DUT) SetRVFIOrder(order uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.order = order
}

// Halted reports the last Halt/Unhalt state.
func (d *DUT) Halted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.halted
}

// Order reports the last value SetRVFIOrder was called with.
func (d *DUT) Order() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.order
}

// Finished reports whether QueueFinish has been called.
func (d *DUT) Finished() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.finished
}

// HaltCount and UnhaltCount report how many times each signal fired.
func (d *DUT) HaltCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.haltN
}

func (d *DUT) UnhaltCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unhaltN
}
