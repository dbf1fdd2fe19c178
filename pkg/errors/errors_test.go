package errors

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSEWrapsPlainError(t *testing.T) {
	se := SE("flushSyscallbuf", "ring.drain", io.ErrUnexpectedEOF)
	require.NotNil(t, se.Wrapped)
	assert.Nil(t, se.Next)
	assert.Equal(t, "flushSyscallbuf", se.Op)
	assert.Equal(t, "ring.drain", se.Kind)
	assert.Equal(t, io.ErrUnexpectedEOF.Error(), se.Wrapped.Info)
	assert.NotEmpty(t, se.Wrapped.File)
	assert.Contains(t, se.Error(), "ring.drain")
}

func TestSEChainsSupervisorErrors(t *testing.T) {
	inner := SE("readTaskMappings", "maps.read", io.EOF)
	outer := SE("trackMemorySyscall", "mmap.untracked", inner)
	require.NotNil(t, outer.Next)
	assert.Nil(t, outer.Wrapped)
	assert.Equal(t, inner, outer.Next)
	assert.Contains(t, outer.Error(), "maps.read")
}

func TestDrainCollectsQueuedErrors(t *testing.T) {
	ch := make(chan error, 4)
	ch <- SE("a", "x", io.EOF)
	ch <- SE("b", "y", io.EOF)

	got := Drain(ch)
	require.Len(t, got, 2)
	assert.Empty(t, Drain(ch))
}
