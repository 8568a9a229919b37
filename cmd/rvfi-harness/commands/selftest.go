package commands

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/rvfidii/rvfi-core/internal/fakedut"
	"github.com/rvfidii/rvfi-core/internal/harness"
	"github.com/rvfidii/rvfi-core/internal/logger"
	"github.com/rvfidii/rvfi-core/internal/wire"
)

var selftestCount int

var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "Exercise the core end to end against a loopback DUT fixture",
	Long: `selftest drives the engine-side server, the comparator, and the
field-setter API through one handshake and a run of injected NOPs, acting as
its own stimulus engine over a loopback TCP connection. It never spawns a
reference simulator (--spawn-client is forced off) — with no reference
packets queued, the comparator has nothing to compare against, so every
injected instruction necessarily commits cleanly. This exists to smoke-test
wiring (handshake, command dispatch, trace encoding) without hardware or a
reference binary, not to validate comparator logic.`,
	RunE: runSelftest,
}

func init() {
	selftestCmd.Flags().IntVar(&selftestCount, "count", 8, "number of NOPs to inject")
}

func runSelftest(cmd *cobra.Command, args []string) error {
	if err := logger.Init(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output}); err != nil {
		return fmt.Errorf("selftest: init logger: %w", err)
	}

	dut := fakedut.New()
	h := harness.New(cfg, dut)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := h.Initialize(ctx, cfg.Engine.Port, false, selftestCount); err != nil {
		return fmt.Errorf("selftest: initialize: %w", err)
	}
	defer func() { _ = h.Finalize(context.Background()) }()

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", h.Port()))
	if err != nil {
		return fmt.Errorf("selftest: dial engine server: %w", err)
	}
	defer conn.Close()

	if err := selftestHandshake(conn); err != nil {
		return fmt.Errorf("selftest: handshake: %w", err)
	}

	const nop uint32 = 0x00000013 // addi x0, x0, 0
	var pc uint64 = 0x80000000

	for i := 0; i < selftestCount; i++ {
		inject := wire.InstructionCommand{Insn: nop, Cmd: wire.CmdInject}
		if _, err := conn.Write(inject.Encode()); err != nil {
			return fmt.Errorf("selftest: inject instruction %d: %w", i, err)
		}

		insn, ok := h.NextInstr(ctx)
		if !ok {
			return fmt.Errorf("selftest: engine server closed before instruction %d", i)
		}

		h.SetInstMeta(uint64(insn), 0, 0, 0, 3, 1, 1)
		h.SetPC(pc, pc+4)
		h.SetIntegerExt(0, 0, 0, 0, 0, 0)
		if err := h.CommitV2(true, false); err != nil {
			return fmt.Errorf("selftest: commit instruction %d: %w", i, err)
		}
		h.Compare(ctx, uint64(i))

		if err := selftestDrainTrace(conn); err != nil {
			return fmt.Errorf("selftest: read trace for instruction %d: %w", i, err)
		}
		pc += 4
	}

	fmt.Printf("selftest: ran %d instructions, %d mismatches\n", selftestCount, h.MismatchCount())
	return nil
}

func selftestHandshake(conn net.Conn) error {
	versReq := wire.InstructionCommand{Insn: wire.VersionNegotiationInsn, Cmd: wire.CmdHaltReset}
	if _, err := conn.Write(versReq.Encode()); err != nil {
		return err
	}
	if _, err := selftestReadFull(conn, make([]byte, wire.LegacyExecutionSize)); err != nil {
		return err
	}

	v2Req := wire.InstructionCommand{Insn: wire.VersionSelectInsnV2, Cmd: wire.CmdVersionSelect}
	if _, err := conn.Write(v2Req.Encode()); err != nil {
		return err
	}
	_, err := selftestReadFull(conn, make([]byte, wire.VersionReplySize))
	return err
}

func selftestDrainTrace(conn net.Conn) error {
	hbuf := make([]byte, wire.V2HeaderSize)
	if _, err := selftestReadFull(conn, hbuf); err != nil {
		return err
	}
	h, err := wire.DecodeV2Header(hbuf)
	if err != nil {
		return err
	}
	if h.IntAvail() {
		if _, err := selftestReadFull(conn, make([]byte, wire.IntegerExtSize)); err != nil {
			return err
		}
	}
	if h.MemAvail() {
		if _, err := selftestReadFull(conn, make([]byte, wire.MemExtSize)); err != nil {
			return err
		}
	}
	return nil
}

func selftestReadFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
