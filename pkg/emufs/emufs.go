// Package emufs provides emulated backing files for shared memory
// mappings. A checkpointed session must not see later writes to the
// real file, so every shared mapping is reinstalled against a private
// copy owned by the session; cloning a session clones the file set.
package emufs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/replaykit/retrace/pkg/memory"
)

// FileID keys emulated files the way the kernel keys inodes.
type FileID struct {
	Device uint64
	Inode  uint64
}

func (id FileID) String() string {
	return fmt.Sprintf("dev:%x inode:%d", id.Device, id.Inode)
}

// File is one emulated backing file.
type File struct {
	id     FileID
	origin string // fs name the tracee mapped
	size   int64
	path   string
	digest uint64 // xxhash of the content at creation/clone time
}

func (f *File) ID() FileID     { return f.id }
func (f *File) Size() int64    { return f.size }
func (f *File) Origin() string { return f.origin }
func (f *File) Digest() uint64 { return f.digest }

// EmuPath returns the real path of the emulated file; this is what
// gets mapped into the tracee. Satisfies memory.EmuFileHandle.
func (f *File) EmuPath() string { return f.path }

// EmuFs owns one session's set of emulated files.
type EmuFs struct {
	dir   string
	files map[FileID]*File
}

func New() (*EmuFs, error) {
	dir, err := os.MkdirTemp("", "retrace-emufs-")
	if err != nil {
		return nil, errors.Wrap(err, "emufs: cannot create backing directory")
	}
	return &EmuFs{dir: dir, files: map[FileID]*File{}}, nil
}

func (fs *EmuFs) Dir() string { return fs.dir }
func (fs *EmuFs) Len() int    { return len(fs.files) }

func (fs *EmuFs) Find(id FileID) (*File, bool) {
	f, ok := fs.files[id]
	return f, ok
}

func (fs *EmuFs) fileName(id FileID, digest uint64) string {
	return filepath.Join(fs.dir, fmt.Sprintf("%x-%d-%016x", id.Device, id.Inode, digest))
}

// GetOrCreate returns the emulated file for id, creating a sparse file
// of the right size on first use. The caller then fills it with the
// recorded bytes.
func (fs *EmuFs) GetOrCreate(id FileID, origin string, size int64) (*File, error) {
	if f, ok := fs.files[id]; ok {
		if f.size < size {
			if err := os.Truncate(f.path, size); err != nil {
				return nil, errors.Wrapf(err, "emufs: cannot grow %q", f.path)
			}
			f.size = size
		}
		return f, nil
	}

	digest := xxhash.Sum64String(fmt.Sprintf("%s|%x|%d|%d", origin, id.Device, id.Inode, size))
	f := &File{id: id, origin: origin, size: size, digest: digest}
	f.path = fs.fileName(id, digest)

	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "emufs: cannot create backing file for %s", id)
	}
	defer file.Close()
	if err := file.Truncate(size); err != nil {
		return nil, errors.Wrapf(err, "emufs: cannot size backing file for %s", id)
	}

	fs.files[id] = f
	log.Debugf("emufs.EmuFs.GetOrCreate: created %q for %s (%q, %d bytes)",
		f.path, id, origin, size)
	return f, nil
}

// Clone copies the whole file set into a fresh EmuFs. Each copy's
// digest is recomputed from its bytes, so two checkpoints of identical
// state produce identically-named files.
func (fs *EmuFs) Clone() (*EmuFs, error) {
	clone, err := New()
	if err != nil {
		return nil, err
	}
	for id, f := range fs.files {
		digest, path, err := clone.copyFrom(f)
		if err != nil {
			clone.Destroy()
			return nil, err
		}
		clone.files[id] = &File{
			id:     id,
			origin: f.origin,
			size:   f.size,
			path:   path,
			digest: digest,
		}
	}
	return clone, nil
}

func (fs *EmuFs) copyFrom(f *File) (uint64, string, error) {
	src, err := os.Open(f.path)
	if err != nil {
		return 0, "", errors.Wrapf(err, "emufs: cannot open %q for cloning", f.path)
	}
	defer src.Close()

	tmp := filepath.Join(fs.dir, "clone.tmp")
	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return 0, "", errors.Wrap(err, "emufs: cannot create clone file")
	}

	h := xxhash.New()
	if _, err := io.Copy(io.MultiWriter(dst, h), src); err != nil {
		dst.Close()
		return 0, "", errors.Wrapf(err, "emufs: cannot copy %q", f.path)
	}
	if err := dst.Close(); err != nil {
		return 0, "", errors.Wrap(err, "emufs: cannot finish clone file")
	}

	digest := h.Sum64()
	path := fs.fileName(f.id, digest)
	if err := os.Rename(tmp, path); err != nil {
		return 0, "", errors.Wrap(err, "emufs: cannot place clone file")
	}
	return digest, path, nil
}

// GC drops emulated files no mapping in any of the given address
// spaces refers to anymore.
func (fs *EmuFs) GC(spaces []*memory.AddressSpace) {
	live := map[FileID]bool{}
	for _, as := range spaces {
		for _, m := range as.Mappings() {
			if f, ok := m.EmuFile.(*File); ok {
				live[f.id] = true
			}
		}
	}
	for id, f := range fs.files {
		if live[id] {
			continue
		}
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			log.Errorf("emufs.EmuFs.GC: cannot remove %q - %v", f.path, err)
		}
		delete(fs.files, id)
		log.Debugf("emufs.EmuFs.GC: dropped %s", id)
	}
}

// Destroy removes the backing directory and everything in it.
func (fs *EmuFs) Destroy() {
	if err := os.RemoveAll(fs.dir); err != nil {
		log.Errorf("emufs.EmuFs.Destroy: %v", err)
	}
	fs.files = map[FileID]*File{}
}
