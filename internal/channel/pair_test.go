package channel

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func dup(t *testing.T, f *os.File) *os.File {
	t.Helper()
	fd, err := unix.Dup(int(f.Fd()))
	require.NoError(t, err)
	return os.NewFile(uintptr(fd), f.Name()+"-dup")
}

func TestPair_DispatcherSplitKeepsOwnEnds(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	jobR, resultW := p.WorkerEnds()
	require.NotNil(t, jobR)
	require.NotNil(t, resultW)

	// Simulate the worker side holding duplicated ends, as a child process would.
	workerJobs, workerResults := jobR, resultW
	p.jobR, p.resultW = dup(t, jobR), dup(t, resultW)

	require.NoError(t, p.Split(RoleDispatcher))

	_, err = p.Jobs().Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(workerJobs, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	_, err = workerResults.Write([]byte("pong"))
	require.NoError(t, err)
	_, err = io.ReadFull(p.Results(), buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf))

	require.NoError(t, workerResults.Close())
	_, err = p.Results().Read(buf)
	assert.ErrorIs(t, err, io.EOF, "result stream must hit EOF once the only writer is gone")
	_ = workerJobs.Close()
}

func TestPair_SplitTwice(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	require.NoError(t, p.Split(RoleWorker))
	assert.ErrorIs(t, p.Split(RoleWorker), ErrAlreadySplit)
}

func TestPair_WorkerSplit(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	require.NoError(t, p.Split(RoleWorker))
	assert.Nil(t, p.jobW)
	assert.Nil(t, p.resultR)
	assert.NotNil(t, p.Jobs())
	assert.NotNil(t, p.Results())
}

func TestPair_CloseIsIdempotent(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	require.NoError(t, p.Split(RoleDispatcher))
	require.NoError(t, p.CloseJobs())
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}

func TestRole_String(t *testing.T) {
	assert.Equal(t, "dispatcher", RoleDispatcher.String())
	assert.Equal(t, "worker", RoleWorker.String())
	assert.Equal(t, "role(7)", Role(7).String())
}
