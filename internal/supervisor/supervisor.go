// Package supervisor owns subprocess lifecycle and signal handling: it
// ignores SIGPIPE so a write to a closed peer surfaces as an error
// instead of terminating the process, serializes SIGINT-triggered
// shutdown behind a dedicated lock, and force-kills any subprocess pids
// it is tracking when a shutdown is requested.
package supervisor

import (
	"context"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rvfidii/rvfi-core/internal/logger"
)

// Supervisor tracks zero or more subprocesses and coordinates an
// idempotent shutdown across the threads that hold a reference to it.
type Supervisor struct {
	shutdownMu   sync.Mutex
	shutdownOnce sync.Once

	timeToExit bool
	cond       *sync.Cond

	procs map[string]*os.Process

	sigintStop context.CancelFunc
}

// New returns a Supervisor with SIGPIPE ignored for the lifetime of the
// process and no subprocesses registered yet.
func New() *Supervisor {
	signal.Ignore(syscall.SIGPIPE)

	s := &Supervisor{
		procs: make(map[string]*os.Process),
	}
	s.cond = sync.NewCond(&s.shutdownMu)
	return s
}

// WatchSIGINT installs a SIGINT handler that invokes Shutdown exactly
// once, serialized by the shutdown lock so a second SIGINT while
// shutdown is already underway is a no-op rather than a re-entrant
// teardown.
func (s *Supervisor) WatchSIGINT() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)

	ctx, cancel := context.WithCancel(context.Background())
	s.sigintStop = cancel

	go func() {
		select {
		case <-ch:
			logger.Info("supervisor: received SIGINT, shutting down")
			s.Shutdown()
		case <-ctx.Done():
		}
	}()
}

// RegisterProcess tracks a subprocess's PID under name so Shutdown can
// force-kill it. Passing a nil process is a no-op (the caller decided
// not to spawn it, e.g. spawn_client=false).
func (s *Supervisor) RegisterProcess(name string, proc *os.Process) {
	if proc == nil {
		return
	}
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()
	s.procs[name] = proc
}

// ClearProcess removes name from the tracked set, e.g. after a clean
// Wait() has already reaped it.
func (s *Supervisor) ClearProcess(name string) {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()
	delete(s.procs, name)
}

// Shutdown kills all tracked subprocesses, sets time-to-exit, and
// broadcasts the condition variable returned by Cond. Safe to call
// multiple times and from multiple goroutines; only the first call does
// any work.
func (s *Supervisor) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.shutdownMu.Lock()
		for name, proc := range s.procs {
			if err := proc.Signal(syscall.SIGKILL); err != nil {
				logger.Warn("supervisor: failed to kill subprocess", "name", name, "error", err)
			}
			delete(s.procs, name)
		}
		s.timeToExit = true
		s.shutdownMu.Unlock()

		s.cond.Broadcast()

		if s.sigintStop != nil {
			s.sigintStop()
		}
	})
}

// TimeToExit reports whether Shutdown has been invoked.
func (s *Supervisor) TimeToExit() bool {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()
	return s.timeToExit
}

// TimeToExitLocked is TimeToExit for callers that already hold the
// shutdown lock, typically inside a sync.Cond predicate wait loop.
func (s *Supervisor) TimeToExitLocked() bool {
	return s.timeToExit
}

// Cond returns the condition variable broadcast by Shutdown, for callers
// that wait on TimeToExitLocked under Lock. The orchestrator's
// server-started and client-connected waits do not use it: they block on
// channels in engineserver and refclient and on their context.
func (s *Supervisor) Cond() *sync.Cond {
	return s.cond
}

// Lock/Unlock expose the shutdown mutex to callers that need to wait on
// Cond under the same lock (sync.Cond requires its Locker held by the
// waiter).
func (s *Supervisor) Lock()   { s.shutdownMu.Lock() }
func (s *Supervisor) Unlock() { s.shutdownMu.Unlock() }

// KillAndWait force-terminates cmd's process (if started) and reaps it,
// ignoring the resulting "signal: killed" error. Unlike Shutdown, it acts
// on one *exec.Cmd directly rather than on the tracked process set.
func KillAndWait(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && err != os.ErrProcessDone {
		return err
	}
	_ = cmd.Wait()
	return nil
}
