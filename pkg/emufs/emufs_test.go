package emufs

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replaykit/retrace/pkg/memory"
	"github.com/replaykit/retrace/pkg/system"
)

func TestGetOrCreate(t *testing.T) {
	fs, err := New()
	require.NoError(t, err)
	defer fs.Destroy()

	id := FileID{Device: 8, Inode: 42}
	f, err := fs.GetOrCreate(id, "/dev/shm/seg", 4096)
	require.NoError(t, err)

	fi, err := os.Stat(f.EmuPath())
	require.NoError(t, err)
	assert.Equal(t, int64(4096), fi.Size())

	// Same identity returns the same file; a larger mapping grows it.
	again, err := fs.GetOrCreate(id, "/dev/shm/seg", 8192)
	require.NoError(t, err)
	assert.Same(t, f, again)
	fi, _ = os.Stat(f.EmuPath())
	assert.Equal(t, int64(8192), fi.Size())
	assert.Equal(t, 1, fs.Len())
}

func TestCloneCopiesContent(t *testing.T) {
	fs, err := New()
	require.NoError(t, err)
	defer fs.Destroy()

	id := FileID{Device: 8, Inode: 7}
	f, err := fs.GetOrCreate(id, "/dev/shm/seg", 16)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(f.EmuPath(), []byte("checkpoint state"), 0600))

	clone, err := fs.Clone()
	require.NoError(t, err)
	defer clone.Destroy()

	cf, ok := clone.Find(id)
	require.True(t, ok)
	assert.NotEqual(t, f.EmuPath(), cf.EmuPath())

	// Writes to the original no longer reach the clone.
	require.NoError(t, os.WriteFile(f.EmuPath(), []byte("diverged..state."), 0600))
	got, err := os.ReadFile(cf.EmuPath())
	require.NoError(t, err)
	assert.Equal(t, "checkpoint state", string(got))
}

func TestGCDropsUnreferencedFiles(t *testing.T) {
	fs, err := New()
	require.NoError(t, err)
	defer fs.Destroy()

	live, err := fs.GetOrCreate(FileID{Device: 8, Inode: 1}, "/dev/shm/a", memory.PageSize)
	require.NoError(t, err)
	dead, err := fs.GetOrCreate(FileID{Device: 8, Inode: 2}, "/dev/shm/b", memory.PageSize)
	require.NoError(t, err)

	as := memory.NewAddressSpace("/bin/test", system.ArchX8664)
	km := memory.NewKernelMapping(0x10000, 0x11000, "/dev/shm/a", 8, 1, 0x3, 0x1, 0)
	as.AddMapping(km, km, live)

	fs.GC([]*memory.AddressSpace{as})

	_, ok := fs.Find(live.ID())
	assert.True(t, ok, "referenced file was collected")
	_, ok = fs.Find(dead.ID())
	assert.False(t, ok, "unreferenced file survived")
	_, statErr := os.Stat(dead.EmuPath())
	assert.True(t, os.IsNotExist(statErr))
}
