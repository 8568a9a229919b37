// Package harness composes the wire codec, shared trace buffers,
// engine-side server, reference-side client, comparator, and
// subprocess/signal supervisor behind the Initialize/Finalize
// lifecycle and field-setter API the host simulator calls into (spec
// §6). It is the only package cmd/rvfi-harness needs to import to
// drive a full verification run.
package harness

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/rvfidii/rvfi-core/internal/comparator"
	"github.com/rvfidii/rvfi-core/internal/config"
	"github.com/rvfidii/rvfi-core/internal/engineserver"
	"github.com/rvfidii/rvfi-core/internal/logger"
	"github.com/rvfidii/rvfi-core/internal/refclient"
	"github.com/rvfidii/rvfi-core/internal/supervisor"
	"github.com/rvfidii/rvfi-core/internal/tracequeue"
	"github.com/rvfidii/rvfi-core/internal/wire"
)

// DUTExports is the full set of host-simulator exports this core calls
// into: the engine-side server's halt/unhalt/queue-finish signaling
// plus the reference client's order-seeding callback. Any host shim
// implementing these four methods can be handed to New.
type DUTExports interface {
	Halt()
	Unhalt()
	QueueFinish()
	SetRVFIOrder(order uint64)
}

// Harness is the startup/shutdown orchestrator (C7).
type Harness struct {
	cfg *config.Config
	dut DUTExports

	sup        *supervisor.Supervisor
	buffers    *tracequeue.Buffers
	server     *engineserver.Server
	comparator *comparator.Comparator
	refClient  *refclient.Client

	numTests int
}

// New constructs a Harness around dut, not yet started.
func New(cfg *config.Config, dut DUTExports) *Harness {
	buffers := tracequeue.New()
	sup := supervisor.New()
	return &Harness{
		cfg:        cfg,
		dut:        dut,
		sup:        sup,
		buffers:    buffers,
		server:     engineserver.New(dut, cfg.Engine.AcceptTimeout),
		comparator: comparator.New(buffers),
	}
}

// Initialize starts the engine-side server, blocks until it is
// accepting connections, conditionally launches the reference model,
// and blocks until the reference is connected or marked dead. port=0
// picks an ephemeral port.
func (h *Harness) Initialize(ctx context.Context, port int, spawnClient bool, numTests int) error {
	h.numTests = numTests
	h.sup.WatchSIGINT()

	if err := h.server.Start(ctx, port); err != nil {
		return fmt.Errorf("harness: initialize: %w", err)
	}
	if err := h.server.WaitStarted(ctx); err != nil {
		return fmt.Errorf("harness: initialize: waiting for server start: %w", err)
	}
	logger.Info("harness: engine-side server listening", "port", h.server.Port())

	if spawnClient {
		if err := h.InitRefModel(ctx, h.cfg.Reference.ELFPath); err != nil {
			return fmt.Errorf("harness: initialize: %w", err)
		}
		if err := h.refClient.WaitConnectedOrDead(ctx); err != nil {
			return fmt.Errorf("harness: initialize: waiting for reference connection: %w", err)
		}
		if h.refClient.Dead() {
			return fmt.Errorf("harness: initialize: reference simulator exited before connecting")
		}
	}
	return nil
}

// InitRefModel starts the reference subprocess and its connect+drain
// goroutine, usable standalone when a host shim wants to manage
// reference-model lifecycle separately from Initialize's spawn_client
// flag.
func (h *Harness) InitRefModel(ctx context.Context, elfPath string) error {
	refCfg := refclient.Config{
		SailRiscv:            h.cfg.Reference.SailRiscv,
		ELFPath:              elfPath,
		ConnectRetries:       h.cfg.Reference.ConnectRetries,
		ConnectRetryInterval: h.cfg.Reference.ConnectRetryInterval,
	}
	h.refClient = refclient.New(refCfg, h.sup, h.buffers, h.dut)
	port, err := h.refClient.Launch(ctx)
	if err != nil {
		return fmt.Errorf("launch reference model: %w", err)
	}
	logger.Info("harness: reference simulator launched", "port", port)
	return nil
}

// FinalizeRefModel tears down the reference side's contribution to the
// shared buffers: marks the trace done and drops any unconsumed
// reference entries, matching the original's finalize_sail_ref_model
// resetting trace_done to true.
func (h *Harness) FinalizeRefModel() {
	h.buffers.SetTraceDone(true)
	h.buffers.Drain()
}

// Finalize runs the supervisor's shutdown path and joins the
// engine-side server and (if started) the reference client's
// goroutines before returning.
func (h *Harness) Finalize(ctx context.Context) error {
	h.sup.Shutdown()
	h.server.Shutdown()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-h.server.Done():
			return nil
		case <-gctx.Done():
			return gctx.Err()
		}
	})
	if h.refClient != nil {
		g.Go(func() error {
			select {
			case <-h.refClient.Done():
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	err := g.Wait()
	h.FinalizeRefModel()
	return err
}

// --- field-setter API (spec §6) ---

// SetInstMeta populates the metadata block of the current packet.
func (h *Harness) SetInstMeta(insn uint64, trap, halt, intr, mode, ixl, valid uint8) {
	h.buffers.SetInstMeta(wire.Metadata{
		Insn: insn, Trap: trap, Halt: halt, Intr: intr, Mode: mode, IXL: ixl, Valid: valid,
	})
}

// SetPC populates the PC block of the current packet.
func (h *Harness) SetPC(pcRdata, pcWdata uint64) {
	h.buffers.SetPC(wire.PCBlock{PCRdata: pcRdata, PCWdata: pcWdata})
}

// SetIntegerExt populates the integer extension of the current packet.
// rd_wdata is zeroed when rd_addr==0, enforced inside tracequeue.
func (h *Harness) SetIntegerExt(rdWdata, rs1Rdata, rs2Rdata uint64, rdAddr, rs1Addr, rs2Addr uint8) {
	h.buffers.SetIntegerExt(wire.IntegerExt{
		RdWdata: rdWdata, Rs1Rdata: rs1Rdata, Rs2Rdata: rs2Rdata,
		RdAddr: rdAddr, Rs1Addr: rs1Addr, Rs2Addr: rs2Addr,
	})
}

// SetMemExt populates the memory extension of the current packet.
func (h *Harness) SetMemExt(rdata, wdata [4]uint64, rmask, wmask uint32, addr uint64) {
	h.buffers.SetMemExt(wire.MemExt{Rdata: rdata, Wdata: wdata, Rmask: rmask, Wmask: wmask, Addr: addr})
}

// CommitV2 finalizes the current packet's trace_size/flags and sends
// it over the engine socket. The current packet is left as committed so
// a following Compare sees it; the next round of field-setters
// overwrites it.
func (h *Harness) CommitV2(intAvail, memAvail bool) error {
	hdr, intExt, memExt := h.buffers.CommitV2(intAvail, memAvail)
	if err := h.server.SendTrace(hdr, intExt, memExt); err != nil {
		return fmt.Errorf("harness: commit_v2: %w", err)
	}
	return nil
}

// NextInstr blocks for the next injected instruction word from the
// engine.
func (h *Harness) NextInstr(ctx context.Context) (uint32, bool) {
	return h.server.NextInstr(ctx)
}

// Compare runs one comparator cycle against the DUT's current packet.
func (h *Harness) Compare(ctx context.Context, timestamp uint64) {
	h.comparator.Compare(ctx, timestamp)
}

// MismatchCount reads the running mismatch total.
func (h *Harness) MismatchCount() uint32 {
	return h.comparator.MismatchCount()
}

// Port returns the engine-side server's bound port.
func (h *Harness) Port() int { return h.server.Port() }
