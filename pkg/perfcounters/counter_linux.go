//go:build linux

package perfcounters

import (
	"encoding/binary"
	"os"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Counter wraps one perf event fd attached to one tracee tid.
type Counter struct {
	fd      int
	tid     int
	enabled bool
}

var (
	probeOnce sync.Once
	rawTicks  bool
)

// probeRawTicks checks once whether the precise conditional-branch raw
// event opens on this machine; otherwise the portable event is used.
func probeRawTicks() {
	attr := ticksAttr(true)
	fd, err := unix.PerfEventOpen(&attr, 0, -1, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err == nil {
		unix.Close(fd)
		rawTicks = true
		return
	}
	log.Debugf("perfcounters.probeRawTicks: raw event unavailable (%v), using branch-instructions", err)
}

// NewTicksCounter opens the ticks counter for tid, initially disabled.
// With a non-zero sig, counter overflow (the programmed Reset period)
// delivers sig to the counted thread; that is the timeslice interrupt.
func NewTicksCounter(tid int, sig unix.Signal) (*Counter, error) {
	probeOnce.Do(probeRawTicks)
	attr := ticksAttr(rawTicks)
	fd, err := unix.PerfEventOpen(&attr, tid, -1, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return nil, errors.Wrapf(err, "perfcounters: cannot open ticks counter for tid %d", tid)
	}
	c := &Counter{fd: fd, tid: tid}
	if sig != 0 {
		if err := c.routeOverflowSignal(sig); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

// NewDeschedCounter opens the context-switch counter for tid and wires
// its overflow to deliver sig to exactly that thread. This is the
// descheduled-in-buffered-syscall detector.
func NewDeschedCounter(tid int, sig unix.Signal) (*Counter, error) {
	attr := deschedAttr()
	fd, err := unix.PerfEventOpen(&attr, tid, -1, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return nil, errors.Wrapf(err, "perfcounters: cannot open desched counter for tid %d", tid)
	}
	c := &Counter{fd: fd, tid: tid}

	if err := c.routeOverflowSignal(sig); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

type fOwnerEx struct {
	Type int32
	Pid  int32
}

const fOwnerTid = 0 // F_OWNER_TID

func (c *Counter) routeOverflowSignal(sig unix.Signal) error {
	flags, err := unix.FcntlInt(uintptr(c.fd), unix.F_GETFL, 0)
	if err != nil {
		return errors.Wrap(err, "perfcounters: F_GETFL")
	}
	if _, err := unix.FcntlInt(uintptr(c.fd), unix.F_SETFL, flags|unix.O_ASYNC); err != nil {
		return errors.Wrap(err, "perfcounters: F_SETFL O_ASYNC")
	}
	if _, err := unix.FcntlInt(uintptr(c.fd), unix.F_SETSIG, int(sig)); err != nil {
		return errors.Wrap(err, "perfcounters: F_SETSIG")
	}
	owner := fOwnerEx{Type: fOwnerTid, Pid: int32(c.tid)}
	if _, _, errno := unix.Syscall(unix.SYS_FCNTL, uintptr(c.fd), unix.F_SETOWN_EX,
		uintptr(unsafe.Pointer(&owner))); errno != 0 {
		return errors.Wrap(errno, "perfcounters: F_SETOWN_EX")
	}
	return nil
}

// Fd exposes the raw descriptor so it can be dup'd into the tracee for
// the in-tracee ioctl arm/disarm.
func (c *Counter) Fd() int { return c.fd }

// Reset zeroes the counter and programs an interrupt after period
// ticks (0 means count without interrupting), then enables it.
func (c *Counter) Reset(period Ticks) error {
	if err := unix.IoctlSetInt(c.fd, unix.PERF_EVENT_IOC_RESET, 0); err != nil {
		return errors.Wrap(err, "perfcounters: IOC_RESET")
	}
	if period > 0 {
		p := uint64(period)
		if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(c.fd),
			unix.PERF_EVENT_IOC_PERIOD, uintptr(unsafe.Pointer(&p))); errno != 0 {
			return errors.Wrap(errno, "perfcounters: IOC_PERIOD")
		}
	}
	if err := unix.IoctlSetInt(c.fd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
		return errors.Wrap(err, "perfcounters: IOC_ENABLE")
	}
	c.enabled = true
	return nil
}

// Read returns the current tick count.
func (c *Counter) Read() (Ticks, error) {
	var buf [8]byte
	n, err := unix.Read(c.fd, buf[:])
	if err != nil {
		return 0, errors.Wrap(err, "perfcounters: read")
	}
	if n != 8 {
		return 0, errors.Errorf("perfcounters: short counter read (%d bytes)", n)
	}
	return Ticks(binary.LittleEndian.Uint64(buf[:])), nil
}

// Stop disables the counter without destroying it.
func (c *Counter) Stop() error {
	if !c.enabled {
		return nil
	}
	c.enabled = false
	return errors.Wrap(unix.IoctlSetInt(c.fd, unix.PERF_EVENT_IOC_DISABLE, 0),
		"perfcounters: IOC_DISABLE")
}

func (c *Counter) Close() error {
	if c.fd < 0 {
		return nil
	}
	err := unix.Close(c.fd)
	c.fd = -1
	return err
}

// Supported reports whether perf events are usable at the current
// paranoia level.
func Supported() bool {
	raw, err := os.ReadFile("/proc/sys/kernel/perf_event_paranoid")
	if err != nil {
		return false
	}
	// Level 3+ forbids unprivileged per-task counters.
	return len(raw) > 0 && raw[0] != '3' && raw[0] != '4'
}
