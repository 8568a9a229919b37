// Package engineserver implements the DUT-side (engine-side) of the
// protocol: a single-connection TCP server that accepts the stimulus
// engine, negotiates protocol version, and thereafter serves the
// per-instruction request/response loop, calling back into the host
// simulator's DUTExports for halt/unhalt/queue-finish signaling.
package engineserver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rvfidii/rvfi-core/internal/logger"
	"github.com/rvfidii/rvfi-core/internal/rvfierrors"
	"github.com/rvfidii/rvfi-core/internal/wire"
)

// State is the engine-side connection state machine (spec §4.3).
type State int32

const (
	StateListening State = iota
	StateAccepted
	StateVersionNegotiated
	StateV2Active
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "LISTENING"
	case StateAccepted:
		return "ACCEPTED"
	case StateVersionNegotiated:
		return "VERSION_NEGOTIATED"
	case StateV2Active:
		return "V2_ACTIVE"
	default:
		return "UNKNOWN"
	}
}

// DUTExports is the subset of the host simulator's exported calls the
// engine-side server invokes directly, per spec §6.
type DUTExports interface {
	Halt()
	Unhalt()
	QueueFinish()
	SetRVFIOrder(order uint64)
}

// Server is the engine-side TCP server.
type Server struct {
	dut           DUTExports
	acceptTimeout time.Duration

	listener net.Listener
	port     int

	connMu sync.Mutex
	conn   net.Conn

	state atomic.Int32

	startedOnce sync.Once
	started     chan struct{}

	instrCh chan uint32

	// halted tracks the engine-side halt/inject state machine (spec
	// §4.3): Unhalt fires on CmdInject only if a prior CmdHaltReset set
	// this, mirroring the original's static is_halted guard. Touched
	// only from steadyStateLoop, which runs on a single goroutine per
	// connection, so no lock is needed.
	halted bool

	shutdown atomic.Bool
	done     chan struct{}
}

// New returns a Server that will call back into dut and poll
// acceptTimeout for shutdown on each accept-loop iteration.
func New(dut DUTExports, acceptTimeout time.Duration) *Server {
	return &Server{
		dut:           dut,
		acceptTimeout: acceptTimeout,
		started:       make(chan struct{}),
		instrCh:       make(chan uint32),
		done:          make(chan struct{}),
		// The handshake's version-negotiation command is itself a
		// halt-reset (spec §4.3), so the DUT is halted before the
		// first injected instruction even though steadyStateLoop
		// never observes that particular halt-reset directly.
		halted: true,
	}
}

// Done returns a channel closed once the accept loop has returned,
// letting the orchestrator join this server's goroutine during shutdown.
func (s *Server) Done() <-chan struct{} { return s.done }

// State returns the server's current connection state.
func (s *Server) State() State { return State(s.state.Load()) }

// Port returns the bound TCP port, valid once Start has returned.
func (s *Server) Port() int { return s.port }

// Start binds the listener (port 0 picks an ephemeral port), signals
// "server started" once listening, then runs the accept loop in the
// background until ctx is cancelled or Shutdown is called. It returns
// once the listener is bound and accepting, not once a peer connects —
// matching the "server_started" predicate the orchestrator waits on.
func (s *Server) Start(ctx context.Context, port int) error {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("engineserver: listen: %w", err)
	}
	s.listener = l
	s.port = l.Addr().(*net.TCPAddr).Port

	go s.acceptLoop(ctx)

	s.startedOnce.Do(func() { close(s.started) })
	return nil
}

// WaitStarted blocks until the listener is bound or ctx is cancelled.
func (s *Server) WaitStarted(ctx context.Context) error {
	select {
	case <-s.started:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops the accept loop and closes any active connection,
// unblocking an in-flight read the way the original implementation's
// shutdown(fd, SHUT_RDWR) does.
func (s *Server) Shutdown() {
	s.shutdown.Store(true)
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.connMu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.connMu.Unlock()
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer close(s.done)
	s.state.Store(int32(StateListening))
	for {
		if s.shutdown.Load() {
			return
		}
		if tl, ok := s.listener.(*net.TCPListener); ok {
			_ = tl.SetDeadline(time.Now().Add(s.acceptTimeout))
		}
		conn, err := s.listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if s.shutdown.Load() {
				return
			}
			logger.Warn("engineserver: accept error", "error", err)
			return
		}

		s.connMu.Lock()
		s.conn = conn
		s.connMu.Unlock()
		s.state.Store(int32(StateAccepted))

		connCtx := logger.WithFields(ctx, logger.Fields{
			ConnectionID: uuid.New().String(),
			ClientAddr:   conn.RemoteAddr().String(),
		})
		logger.InfoCtx(connCtx, "engineserver: stimulus engine connected")

		if err := s.serviceConnection(connCtx); err != nil {
			logger.WarnCtx(connCtx, "engineserver: connection terminated", "error", err)
		}
		return
	}
}

// serviceConnection runs the handshake then the steady-state loop
// until the peer disconnects or the server is shut down.
func (s *Server) serviceConnection(ctx context.Context) error {
	if err := s.negotiateVersion(ctx); err != nil {
		return err
	}
	if err := s.selectV2(ctx); err != nil {
		return err
	}
	s.state.Store(int32(StateV2Active))
	logger.InfoCtx(ctx, "engineserver: v2 trace format active")
	return s.steadyStateLoop(ctx)
}

func (s *Server) readCommand() (wire.InstructionCommand, error) {
	buf := make([]byte, wire.InstructionCommandSize)
	n, err := readFull(s.conn, buf)
	if err != nil || n <= 0 {
		return wire.InstructionCommand{}, rvfierrors.ErrPeerDisconnected
	}
	return wire.DecodeInstructionCommand(buf)
}

func (s *Server) negotiateVersion(ctx context.Context) error {
	cmd, err := s.readCommand()
	if err != nil {
		return err
	}
	if !cmd.IsVersionNegotiation() {
		logger.ErrorCtx(ctx, "engineserver: protocol mismatch during version negotiation",
			"insn", cmd.Insn, "time", cmd.Time, "cmd", cmd.Cmd, "pad", cmd.Pad)
		return rvfierrors.ErrProtocolMismatch
	}
	reply := wire.LegacyVersionReply()
	if _, err := s.conn.Write(reply); err != nil {
		logger.WarnCtx(ctx, "engineserver: write failed on closed peer", "error", err)
	}
	s.state.Store(int32(StateVersionNegotiated))
	return nil
}

func (s *Server) selectV2(ctx context.Context) error {
	cmd, err := s.readCommand()
	if err != nil {
		return err
	}
	if !cmd.IsVersionSelectV2() {
		logger.ErrorCtx(ctx, "engineserver: protocol mismatch during version select",
			"insn", cmd.Insn, "time", cmd.Time, "cmd", cmd.Cmd, "pad", cmd.Pad)
		return rvfierrors.ErrProtocolMismatch
	}
	reply := wire.VersionSelectReply()
	if _, err := s.conn.Write(reply); err != nil {
		logger.WarnCtx(ctx, "engineserver: write failed on closed peer", "error", err)
	}
	return nil
}

func (s *Server) steadyStateLoop(ctx context.Context) error {
	for {
		cmd, err := s.readCommand()
		if err != nil {
			s.dut.QueueFinish()
			close(s.instrCh)
			return nil
		}

		switch cmd.Cmd {
		case wire.CmdHaltReset:
			halt := wire.HaltHeader()
			if _, err := s.conn.Write(halt.Encode()); err != nil {
				logger.Warn("engineserver: write failed on closed peer", "error", err)
			}
			s.dut.Halt()
			s.halted = true
		case wire.CmdInject:
			if s.halted {
				s.dut.Unhalt()
				s.halted = false
			}
			select {
			case s.instrCh <- cmd.Insn:
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			logger.Warn("engineserver: unexpected command byte in steady state", "cmd", cmd.Cmd)
		}
	}
}

// NextInstr blocks for the next injected instruction word from the
// engine, returning ok=false if the peer disconnected or ctx was
// cancelled first.
func (s *Server) NextInstr(ctx context.Context) (uint32, bool) {
	select {
	case insn, ok := <-s.instrCh:
		return insn, ok
	case <-ctx.Done():
		return 0, false
	}
}

// SendTrace transmits a committed V2 packet and its optional
// extensions back to the engine over the DUT socket.
func (s *Server) SendTrace(h wire.V2Header, intExt *wire.IntegerExt, memExt *wire.MemExt) error {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return rvfierrors.ErrPeerDisconnected
	}

	if _, err := conn.Write(h.Encode()); err != nil {
		logger.Warn("engineserver: send failed, peer likely gone", "error", err)
		return nil
	}
	if intExt != nil {
		if _, err := conn.Write(intExt.Encode()); err != nil {
			logger.Warn("engineserver: send failed, peer likely gone", "error", err)
			return nil
		}
	}
	if memExt != nil {
		if _, err := conn.Write(memExt.Encode()); err != nil {
			logger.Warn("engineserver: send failed, peer likely gone", "error", err)
			return nil
		}
	}
	return nil
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
