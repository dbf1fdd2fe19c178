package record

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/replaykit/retrace/pkg/memory"
)

// parseMapsLine decodes one line of /proc/<pid>/maps into a kernel
// mapping. Lines look like
//
//	55c0a000-55c0b000 r-xp 00001000 fd:01 123456  /usr/bin/cat
//
// with the pathname column absent for anonymous mappings.
func parseMapsLine(line string) (memory.KernelMapping, error) {
	var km memory.KernelMapping
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return km, fmt.Errorf("record: short maps line %q", line)
	}

	addrs := strings.SplitN(fields[0], "-", 2)
	if len(addrs) != 2 {
		return km, fmt.Errorf("record: bad address range %q", fields[0])
	}
	start, err := strconv.ParseUint(addrs[0], 16, 64)
	if err != nil {
		return km, err
	}
	end, err := strconv.ParseUint(addrs[1], 16, 64)
	if err != nil {
		return km, err
	}

	perms := fields[1]
	if len(perms) != 4 {
		return km, fmt.Errorf("record: bad permissions %q", perms)
	}
	var prot int32
	if perms[0] == 'r' {
		prot |= unix.PROT_READ
	}
	if perms[1] == 'w' {
		prot |= unix.PROT_WRITE
	}
	if perms[2] == 'x' {
		prot |= unix.PROT_EXEC
	}
	var flags int32
	if perms[3] == 's' {
		flags |= unix.MAP_SHARED
	} else {
		flags |= unix.MAP_PRIVATE
	}

	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return km, err
	}

	devParts := strings.SplitN(fields[3], ":", 2)
	if len(devParts) != 2 {
		return km, fmt.Errorf("record: bad device %q", fields[3])
	}
	major, err := strconv.ParseUint(devParts[0], 16, 32)
	if err != nil {
		return km, err
	}
	minor, err := strconv.ParseUint(devParts[1], 16, 32)
	if err != nil {
		return km, err
	}
	inode, err := strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		return km, err
	}

	fsName := ""
	if len(fields) > 5 {
		fsName = strings.Join(fields[5:], " ")
	}
	if fsName == "" {
		flags |= unix.MAP_ANONYMOUS
	}

	return memory.NewKernelMapping(start, end, fsName,
		unix.Mkdev(uint32(major), uint32(minor)), inode, prot, flags, offset), nil
}

// readTaskMappings parses the full mapping list of a live task.
func readTaskMappings(tid int) ([]memory.KernelMapping, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", tid))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []memory.KernelMapping
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		km, err := parseMapsLine(line)
		if err != nil {
			return nil, err
		}
		out = append(out, km)
	}
	return out, scanner.Err()
}
