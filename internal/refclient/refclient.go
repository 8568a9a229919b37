// Package refclient implements the reference-side ("model side") of the
// protocol: it spawns the golden reference simulator as a subprocess,
// connects to it as a TCP client with retry, discards trace packets up
// to the ELF entry point, then drains the remainder into the shared
// trace buffers (C2) for the comparator to consume.
package refclient

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rvfidii/rvfi-core/internal/logger"
	"github.com/rvfidii/rvfi-core/internal/netutil"
	"github.com/rvfidii/rvfi-core/internal/rvfierrors"
	"github.com/rvfidii/rvfi-core/internal/supervisor"
	"github.com/rvfidii/rvfi-core/internal/tracequeue"
	"github.com/rvfidii/rvfi-core/internal/wire"
)

// entryPCWdata is the conventional ELF entry point the discard phase
// watches for (spec §4.4, resolved exactly by original_source §B.4.3).
const entryPCWdata uint64 = 0x80000000

// DUTExports is the subset of host-simulator exports refclient calls
// into directly: order seeding after discard, and queue-finish on an
// abnormal reference exit or peer disconnect.
type DUTExports interface {
	SetRVFIOrder(order uint64)
	QueueFinish()
}

// Config carries the reference subprocess's launch parameters.
type Config struct {
	SailRiscv            string
	ELFPath              string
	ConnectRetries       int
	ConnectRetryInterval time.Duration
}

// Client manages the reference subprocess and its drain loop.
type Client struct {
	cfg     Config
	sup     *supervisor.Supervisor
	buffers *tracequeue.Buffers
	dut     DUTExports

	port int
	cmd  *exec.Cmd

	dead          atomic.Bool
	connectedCh   chan struct{}
	connectedOnce atomic.Bool
	done          chan struct{}
}

// New returns a Client ready to Launch.
func New(cfg Config, sup *supervisor.Supervisor, buffers *tracequeue.Buffers, dut DUTExports) *Client {
	return &Client{
		cfg:         cfg,
		sup:         sup,
		buffers:     buffers,
		dut:         dut,
		connectedCh: make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// BuildArgs returns the reference simulator's argument list. The
// disable-flags are emitted in the original implementation's order:
// -C (compressed) -I (writable misa) -F (F extension) -W (V extension)
// before the trace-enable and endpoint flags.
func BuildArgs(port int, elfPath string) []string {
	return []string{
		"-C", "-I", "-F", "-W",
		"-Vinstr", "-Vreg", "-Vmem", "-Vplatform",
		"-e", strconv.Itoa(port),
		"-p", elfPath,
	}
}

// Launch picks a free port, spawns the reference simulator bound to
// it, registers the subprocess with the supervisor, and starts the
// connector+drain goroutine. It returns the chosen port immediately;
// callers wait on WaitConnectedOrDead and check Dead to learn the outcome.
func (c *Client) Launch(ctx context.Context) (int, error) {
	port, err := netutil.FindAvailablePort()
	if err != nil {
		return 0, fmt.Errorf("refclient: %w", err)
	}
	c.port = port

	cmd := exec.Command(c.cfg.SailRiscv, BuildArgs(port, c.cfg.ELFPath)...)
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("refclient: spawn reference simulator: %w", err)
	}
	c.cmd = cmd
	c.sup.RegisterProcess("reference-simulator", cmd.Process)

	go c.superviseProcess(cmd)
	go c.connectAndDrain(ctx, port)

	return port, nil
}

func (c *Client) superviseProcess(cmd *exec.Cmd) {
	err := cmd.Wait()
	c.sup.ClearProcess("reference-simulator")
	if err != nil {
		logger.Warn("refclient: reference simulator exited abnormally", "error", err)
		c.markDead()
	}
}

func (c *Client) markDead() {
	if c.dead.CompareAndSwap(false, true) {
		c.dut.QueueFinish()
		c.signalConnectedOrDead()
	}
}

func (c *Client) signalConnectedOrDead() {
	if c.connectedOnce.CompareAndSwap(false, true) {
		close(c.connectedCh)
	}
}

// Dead reports whether the reference subprocess exited abnormally.
func (c *Client) Dead() bool { return c.dead.Load() }

// Done returns a channel closed once the connect+drain goroutine has
// returned, letting the orchestrator join this client during shutdown.
func (c *Client) Done() <-chan struct{} { return c.done }

// WaitConnectedOrDead blocks until the connector succeeds or the
// reference subprocess is marked dead, matching the orchestrator's
// client_connected_or_dead predicate.
func (c *Client) WaitConnectedOrDead(ctx context.Context) error {
	select {
	case <-c.connectedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) connectAndDrain(ctx context.Context, port int) {
	defer close(c.done)

	conn, err := dialWithRetry(port, c.cfg.ConnectRetries, c.cfg.ConnectRetryInterval)
	if err != nil {
		logger.Warn("refclient: failed to connect to reference simulator", "error", err)
		c.markDead()
		return
	}
	defer conn.Close()

	c.signalConnectedOrDead()

	if err := c.drain(ctx, conn); err != nil {
		logger.Info("refclient: drain loop terminated", "error", err)
	}
	c.dut.QueueFinish()
}

func dialWithRetry(port int, retries int, interval time.Duration) (net.Conn, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	var lastErr error
	for i := 0; i < retries; i++ {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(interval)
	}
	return nil, fmt.Errorf("refclient: connect to %s after %d retries: %w", addr, retries, lastErr)
}

// drain runs the discard phase followed by the drain phase, pushing
// every post-entry packet into the shared buffers until EOF or a
// socket error.
func (c *Client) drain(ctx context.Context, conn net.Conn) error {
	var discarded uint64
	entryFound := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		h, intExt, memExt, err := readV2Packet(conn)
		if err != nil {
			return err
		}

		if !entryFound {
			if h.PC.PCWdata == entryPCWdata {
				entryFound = true
				c.dut.SetRVFIOrder(discarded)
			} else {
				discarded++
				continue
			}
		}

		c.buffers.PushReference(tracequeue.Entry{Header: h, Int: intExt, Mem: memExt})
	}
}

func readV2Packet(conn net.Conn) (wire.V2Header, *wire.IntegerExt, *wire.MemExt, error) {
	hbuf := make([]byte, wire.V2HeaderSize)
	if _, err := readFull(conn, hbuf); err != nil {
		return wire.V2Header{}, nil, nil, err
	}
	h, err := wire.DecodeV2Header(hbuf)
	if err != nil {
		return wire.V2Header{}, nil, nil, err
	}

	var intExt *wire.IntegerExt
	if h.IntAvail() {
		buf := make([]byte, wire.IntegerExtSize)
		if _, err := readFull(conn, buf); err != nil {
			return wire.V2Header{}, nil, nil, err
		}
		e, err := wire.DecodeIntegerExt(buf)
		if err != nil {
			return wire.V2Header{}, nil, nil, err
		}
		intExt = &e
	}

	var memExt *wire.MemExt
	if h.MemAvail() {
		buf := make([]byte, wire.MemExtSize)
		if _, err := readFull(conn, buf); err != nil {
			return wire.V2Header{}, nil, nil, err
		}
		e, err := wire.DecodeMemExt(buf)
		if err != nil {
			return wire.V2Header{}, nil, nil, err
		}
		memExt = &e
	}

	return h, intExt, memExt, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, rvfierrors.ErrPeerDisconnected
		}
	}
	return total, nil
}
