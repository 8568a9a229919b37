package supervisor

import (
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownSetsTimeToExit(t *testing.T) {
	s := New()
	assert.False(t, s.TimeToExit())
	s.Shutdown()
	assert.True(t, s.TimeToExit())
}

func TestShutdownIsIdempotent(t *testing.T) {
	s := New()
	assert.NotPanics(t, func() {
		s.Shutdown()
		s.Shutdown()
		s.Shutdown()
	})
	assert.True(t, s.TimeToExit())
}

func TestShutdownBroadcastsCond(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	woke := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Lock()
		for !s.TimeToExitLocked() {
			s.Cond().Wait()
		}
		s.Unlock()
		close(woke)
	}()

	time.Sleep(10 * time.Millisecond)
	s.Shutdown()

	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by Shutdown broadcast")
	}
	wg.Wait()
}

func TestRegisterAndClearProcess(t *testing.T) {
	s := New()
	s.RegisterProcess("nothing", nil) // nil proc is a no-op
	s.ClearProcess("does-not-exist")  // no-op, must not panic
}

func TestKillAndWaitOnNilCmd(t *testing.T) {
	assert.NoError(t, KillAndWait(nil))
	assert.NoError(t, KillAndWait(&exec.Cmd{}))
}

func TestKillAndWaitOnRealProcess(t *testing.T) {
	cmd := exec.Command("sleep", "10")
	require.NoError(t, cmd.Start())
	assert.NoError(t, KillAndWait(cmd))
}
