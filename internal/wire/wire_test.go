package wire

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadJob_FramesAndSentinel(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJob(&buf, "a.txt"))
	require.NoError(t, WriteJob(&buf, "name with spaces\nand newline"))
	require.NoError(t, WriteShutdown(&buf))

	name, shutdown, err := ReadJob(&buf)
	require.NoError(t, err)
	assert.False(t, shutdown)
	assert.Equal(t, "a.txt", name)

	name, shutdown, err = ReadJob(&buf)
	require.NoError(t, err)
	assert.False(t, shutdown)
	assert.Equal(t, "name with spaces\nand newline", name)

	_, shutdown, err = ReadJob(&buf)
	require.NoError(t, err)
	assert.True(t, shutdown)

	_, _, err = ReadJob(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadJob_OneByteAtATime(t *testing.T) {
	frame, err := EncodeJob("slow.bin")
	require.NoError(t, err)

	name, shutdown, err := ReadJob(iotest.OneByteReader(bytes.NewReader(frame)))
	require.NoError(t, err)
	assert.False(t, shutdown)
	assert.Equal(t, "slow.bin", name)
}

func TestReadJob_Truncated(t *testing.T) {
	frame, err := EncodeJob("cut.txt")
	require.NoError(t, err)

	_, _, err = ReadJob(bytes.NewReader(frame[:1]))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "truncated job header")

	_, _, err = ReadJob(bytes.NewReader(frame[:4]))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "truncated job name")
}

func TestEncodeJob_Rejects(t *testing.T) {
	_, err := EncodeJob("")
	assert.ErrorIs(t, err, ErrEmptyName)

	_, err = EncodeJob(strings.Repeat("x", MaxNameLength+1))
	assert.ErrorIs(t, err, ErrNameTooLong)
}

func TestResultBuffer_PartialTokens(t *testing.T) {
	var rb ResultBuffer

	_, _ = rb.Write([]byte("Succ"))
	_, ok, err := rb.Next()
	require.NoError(t, err)
	assert.False(t, ok, "partial token must not be consumed")

	_, _ = rb.Write([]byte("ess\nErr"))
	success, ok, err := rb.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, success)

	_, ok, err = rb.Next()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 3, rb.Pending())

	_, _ = rb.Write([]byte("or\n"))
	success, ok, err = rb.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, success)
	assert.Zero(t, rb.Pending())
}

func TestResultBuffer_UnknownToken(t *testing.T) {
	var rb ResultBuffer
	_, _ = rb.Write([]byte("Processed\n"))
	_, ok, err := rb.Next()
	assert.True(t, ok)
	require.Error(t, err)
}

func TestResultBuffer_Overlong(t *testing.T) {
	var rb ResultBuffer
	_, _ = rb.Write(bytes.Repeat([]byte("x"), maxTokenLength+1))
	_, ok, err := rb.Next()
	assert.False(t, ok)
	require.Error(t, err)
}

func TestWriteResult(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteResult(&buf, true))
	require.NoError(t, WriteResult(&buf, false))
	assert.Equal(t, "Success\nError\n", buf.String())
}
