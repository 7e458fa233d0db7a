//go:build linux

package spawn

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestRetryEventualSuccess(t *testing.T) {
	attempts := 0
	err := Retry(5, time.Microsecond, func() error {
		attempts++
		if attempts < 3 {
			return unix.EAGAIN
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryBudgetExhausted(t *testing.T) {
	attempts := 0
	err := Retry(4, time.Microsecond, func() error {
		attempts++
		return unix.EAGAIN
	})
	assert.ErrorIs(t, err, unix.EAGAIN)
	assert.Equal(t, 4, attempts)
}

func TestRetryPermanentErrorNotRetried(t *testing.T) {
	permanent := errors.New("no such file")
	attempts := 0
	err := Retry(5, time.Microsecond, func() error {
		attempts++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, attempts)
}

func TestTransient(t *testing.T) {
	assert.True(t, Transient(unix.EAGAIN))
	assert.True(t, Transient(unix.EINTR))
	assert.False(t, Transient(unix.ENOMEM))
	assert.False(t, Transient(errors.New("other")))
}

func TestMemfdExecPath(t *testing.T) {
	assert.Equal(t, "/proc/self/fd/3", MemfdExecPath(0))
	assert.Equal(t, "/proc/self/fd/5", MemfdExecPath(2))
}

func TestFastSpawnTrue(t *testing.T) {
	pid, err := Fast("/bin/true", []string{"true"}, nil)
	require.NoError(t, err)
	ws, err := WaitPid(pid)
	require.NoError(t, err)
	assert.True(t, ws.Exited())
	assert.Equal(t, 0, ws.ExitStatus())
}

func TestStartCapturesExit(t *testing.T) {
	c := &Cmd{
		Path: "/bin/false",
		Args: []string{"false"},
	}
	cmd, err := c.Start()
	require.NoError(t, err)
	err = cmd.Wait()
	require.Error(t, err)
	assert.Equal(t, 1, cmd.ProcessState.ExitCode())
}
