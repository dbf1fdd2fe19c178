package record

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestParseMapsLine(t *testing.T) {
	tests := []struct {
		name string
		line string

		start, end uint64
		prot       int32
		flags      int32
		offset     uint64
		inode      uint64
		fsName     string
	}{
		{
			name:   "file backed executable",
			line:   "55c0a0000000-55c0a0001000 r-xp 00001000 fd:01 123456  /usr/bin/cat",
			start:  0x55c0a0000000,
			end:    0x55c0a0001000,
			prot:   unix.PROT_READ | unix.PROT_EXEC,
			flags:  unix.MAP_PRIVATE,
			offset: 0x1000,
			inode:  123456,
			fsName: "/usr/bin/cat",
		},
		{
			name:   "anonymous writable",
			line:   "7f0000000000-7f0000002000 rw-p 00000000 00:00 0",
			start:  0x7f0000000000,
			end:    0x7f0000002000,
			prot:   unix.PROT_READ | unix.PROT_WRITE,
			flags:  unix.MAP_PRIVATE | unix.MAP_ANONYMOUS,
			fsName: "",
		},
		{
			name:   "shared mapping",
			line:   "7f0000000000-7f0000001000 rw-s 00000000 00:01 42  /dev/shm/ring",
			start:  0x7f0000000000,
			end:    0x7f0000001000,
			prot:   unix.PROT_READ | unix.PROT_WRITE,
			flags:  unix.MAP_SHARED,
			inode:  42,
			fsName: "/dev/shm/ring",
		},
		{
			name:   "stack segment",
			line:   "7ffd00000000-7ffd00021000 rw-p 00000000 00:00 0  [stack]",
			start:  0x7ffd00000000,
			end:    0x7ffd00021000,
			prot:   unix.PROT_READ | unix.PROT_WRITE,
			flags:  unix.MAP_PRIVATE,
			fsName: "[stack]",
		},
		{
			name:   "path with spaces",
			line:   "7f0000000000-7f0000001000 r--p 00000000 fd:01 9  /tmp/with space.so",
			start:  0x7f0000000000,
			end:    0x7f0000001000,
			prot:   unix.PROT_READ,
			flags:  unix.MAP_PRIVATE,
			inode:  9,
			fsName: "/tmp/with space.so",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			km, err := parseMapsLine(tt.line)
			if err != nil {
				t.Fatalf("parseMapsLine: %v", err)
			}
			if km.Start != tt.start || km.End != tt.end {
				t.Errorf("range %#x-%#x, want %#x-%#x", km.Start, km.End, tt.start, tt.end)
			}
			if km.Prot != tt.prot {
				t.Errorf("prot %#x, want %#x", km.Prot, tt.prot)
			}
			if km.Flags != tt.flags {
				t.Errorf("flags %#x, want %#x", km.Flags, tt.flags)
			}
			if km.FileOffsetBytes != tt.offset {
				t.Errorf("offset %#x, want %#x", km.FileOffsetBytes, tt.offset)
			}
			if km.Inode != tt.inode {
				t.Errorf("inode %d, want %d", km.Inode, tt.inode)
			}
			if km.FsName != tt.fsName {
				t.Errorf("fsName %q, want %q", km.FsName, tt.fsName)
			}
		})
	}
}

func TestParseMapsLineErrors(t *testing.T) {
	for _, line := range []string{
		"",
		"not a maps line",
		"55c0-55c1 r-xp",
		"zzzz-55c0a0001000 r-xp 00001000 fd:01 1",
		"55c0a0000000-55c0a0001000 rx 00001000 fd:01 1",
	} {
		if _, err := parseMapsLine(line); err == nil {
			t.Errorf("parseMapsLine(%q) succeeded", line)
		}
	}
}

func TestReadTaskMappingsSelf(t *testing.T) {
	kms, err := readTaskMappings(unix.Getpid())
	if err != nil {
		t.Fatalf("readTaskMappings: %v", err)
	}
	if len(kms) == 0 {
		t.Fatal("no mappings parsed from our own maps file")
	}
	for i := 1; i < len(kms); i++ {
		if kms[i].Start < kms[i-1].End {
			t.Fatalf("mappings out of order: %s before %s", kms[i-1].Range, kms[i].Range)
		}
	}
}
