//go:build linux && amd64

package replay

import (
	"encoding/binary"
	"os"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/replaykit/retrace/pkg/event"
	"github.com/replaykit/retrace/pkg/memory"
	"github.com/replaykit/retrace/pkg/perfcounters"
	"github.com/replaykit/retrace/pkg/remote"
	"github.com/replaykit/retrace/pkg/session"
	"github.com/replaykit/retrace/pkg/system"
	"github.com/replaykit/retrace/pkg/trace"
)

// ticksInterruptSignal interrupts a replaying tracee when its
// programmed tick budget runs out.
const ticksInterruptSignal = unix.SIGSTKFLT

const syscallInstructionSize = 2

// PtraceExecutor is the live machine layer: tracees are real stopped
// processes and every operation goes through ptrace or process_vm.
type PtraceExecutor struct {
	// traceDir resolves relative backing-file names of recorded
	// mappings.
	traceDir string

	counters map[int32]*perfcounters.Counter
	// children holds, per parent tid, a freshly cloned tracee parked at
	// its initial stop until the step engine claims it.
	children map[int32]int32
	// drArmed tracks which tids currently carry hardware watchpoints,
	// so the debug registers get cleared when the last watch goes away.
	drArmed map[int32]bool
}

func NewPtraceExecutor(traceDir string) *PtraceExecutor {
	return &PtraceExecutor{
		traceDir: traceDir,
		counters: map[int32]*perfcounters.Counter{},
		children: map[int32]int32{},
		drArmed:  map[int32]bool{},
	}
}

// userDebugRegOffset is offsetof(struct user, u_debugreg) on x86-64.
const userDebugRegOffset = 848

func debugRegOffset(i int) uintptr {
	return uintptr(userDebugRegOffset + 8*i)
}

func (e *PtraceExecutor) peekUser(t *session.Task, off uintptr) (uint64, error) {
	var buf [8]byte
	if _, err := unix.PtracePeekUser(int(t.Tid), off, buf[:]); err != nil {
		return 0, errors.Wrapf(err, "replay: PEEKUSER %#x on %v", off, t)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (e *PtraceExecutor) pokeUser(t *session.Task, off uintptr, val uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	if _, err := unix.PtracePokeUser(int(t.Tid), off, buf[:]); err != nil {
		return errors.Wrapf(err, "replay: POKEUSER %#x on %v", off, t)
	}
	return nil
}

// DR7 type field: 00 exec, 01 write, 11 read-write.
func watchTypeBits(t memory.WatchType) uint64 {
	switch {
	case t&memory.WatchExec != 0:
		return 0
	case t&memory.WatchRead != 0:
		return 3
	default:
		return 1
	}
}

// DR7 length field: 00 one byte, 01 two, 11 four, 10 eight.
func watchSizeBits(size uint64) uint64 {
	switch size {
	case 2:
		return 1
	case 4:
		return 3
	case 8:
		return 2
	default:
		return 0
	}
}

// armWatchpoints loads the task's watchpoints into the hardware debug
// registers. When they do not fit, the registers are cleared and write
// watches fall back to differential compare at the next stop.
func (e *PtraceExecutor) armWatchpoints(t *session.Task) error {
	cfgs, ok := t.AddressSpace().AllocateWatchpoints()
	if !ok {
		cfgs = nil
	}
	if len(cfgs) == 0 && !e.drArmed[t.Tid] {
		return nil
	}
	var dr7 uint64
	for i, cfg := range cfgs {
		if err := e.pokeUser(t, debugRegOffset(i), cfg.Addr); err != nil {
			return err
		}
		dr7 |= 1 << (2 * uint(i))
		dr7 |= watchTypeBits(cfg.Type) << (16 + 4*uint(i))
		dr7 |= watchSizeBits(cfg.Size) << (18 + 4*uint(i))
	}
	if err := e.pokeUser(t, debugRegOffset(7), dr7); err != nil {
		return err
	}
	e.drArmed[t.Tid] = len(cfgs) > 0
	return nil
}

// harvestWatchHits decides whether a trap stop came from watched
// memory: a debug-register hit latched in DR6, or a differential change
// when the watchpoints did not fit the hardware slots.
func (e *PtraceExecutor) harvestWatchHits(t *session.Task) []memory.Range {
	as := t.AddressSpace()
	if len(as.Watchpoints()) == 0 {
		return nil
	}
	dr6, err := e.peekUser(t, debugRegOffset(6))
	if err != nil {
		return nil
	}
	hit := dr6&0xf != 0
	if hit {
		e.pokeUser(t, debugRegOffset(6), 0)
	} else if e.drArmed[t.Tid] {
		return nil
	}
	fired, err := as.ConsumeWatchpointChanges(&execTracee{e: e, t: t})
	if err != nil {
		log.Debugf("replay.PtraceExecutor.harvestWatchHits: %v", err)
		return nil
	}
	if len(fired) == 0 && hit {
		// A read or exec watch fired without changing any bytes; report
		// the watched spans themselves.
		for _, cfg := range as.Watchpoints() {
			fired = append(fired, memory.NewRange(cfg.Addr, cfg.Addr+cfg.Size))
		}
	}
	return fired
}

func (e *PtraceExecutor) counter(t *session.Task) (*perfcounters.Counter, error) {
	if c, ok := e.counters[t.Tid]; ok {
		return c, nil
	}
	c, err := perfcounters.NewTicksCounter(int(t.Tid), ticksInterruptSignal)
	if err != nil {
		return nil, err
	}
	e.counters[t.Tid] = c
	return c, nil
}

func (e *PtraceExecutor) refresh(t *session.Task) error {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(int(t.Tid), &regs); err != nil {
		return errors.Wrapf(err, "replay: cannot read registers of %v", t)
	}
	t.Regs = system.FromPtraceRegs(regs)
	return nil
}

func (e *PtraceExecutor) SetRegs(t *session.Task, regs system.Registers) error {
	pr := regs.ToPtraceRegs()
	if err := unix.PtraceSetRegs(int(t.Tid), &pr); err != nil {
		return errors.Wrapf(err, "replay: cannot set registers of %v", t)
	}
	t.Regs = regs
	return nil
}

func (e *PtraceExecutor) ReadBytes(t *session.Task, addr uint64, buf []byte) error {
	local := []unix.Iovec{{Base: &buf[0], Len: uint64(len(buf))}}
	rem := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(buf)}}
	n, err := unix.ProcessVMReadv(int(t.Tid), local, rem, 0)
	if err != nil || n != len(buf) {
		return errors.Wrapf(err, "replay: read %d bytes at %#x from %v", len(buf), addr, t)
	}
	return nil
}

func (e *PtraceExecutor) WriteBytes(t *session.Task, addr uint64, data []byte) error {
	local := []unix.Iovec{{Base: &data[0], Len: uint64(len(data))}}
	rem := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(data)}}
	n, err := unix.ProcessVMWritev(int(t.Tid), local, rem, 0)
	if err != nil || n != len(data) {
		return errors.Wrapf(err, "replay: write %d bytes at %#x to %v", len(data), addr, t)
	}
	return nil
}

// wait harvests the next stop of t and refreshes its state.
func (e *PtraceExecutor) wait(t *session.Task) (unix.WaitStatus, error) {
	var ws unix.WaitStatus
	if _, err := unix.Wait4(int(t.Tid), &ws, unix.WALL, nil); err != nil {
		return ws, errors.Wrapf(err, "replay: wait on %v", t)
	}
	if ws.Exited() || ws.Signaled() {
		return ws, nil
	}
	if err := e.refresh(t); err != nil {
		return ws, err
	}
	if c, ok := e.counters[t.Tid]; ok {
		if ticks, err := c.Read(); err == nil {
			t.TickCount += ticks
			c.Stop()
		}
	}
	return ws, nil
}

func (e *PtraceExecutor) classify(t *session.Task, ws unix.WaitStatus, singlestep bool) Stop {
	if ws.Exited() || ws.Signaled() {
		return Stop{Kind: StopExited}
	}
	sig := ws.StopSignal()
	switch {
	case sig == unix.SIGTRAP|0x80:
		return Stop{Kind: StopSyscall}
	case sig == unix.SIGTRAP:
		if watches := e.harvestWatchHits(t); len(watches) > 0 {
			return Stop{Kind: StopWatchpoint, Watches: watches}
		}
		if singlestep {
			return Stop{Kind: StopSinglestep}
		}
		// A trap we planted: back the IP up over the breakpoint byte.
		as := t.AddressSpace()
		bpIP := t.Regs.IP() - memory.BreakpointInstructionLength(system.NativeArch())
		if as.IsBreakpointIP(bpIP) {
			regs := t.Regs
			regs.SetIP(bpIP)
			e.SetRegs(t, regs)
			return Stop{Kind: StopBreakpoint}
		}
		return Stop{Kind: StopSignal, Signo: int32(unix.SIGTRAP)}
	case sig == ticksInterruptSignal:
		return Stop{Kind: StopTicksInterrupt}
	default:
		return Stop{Kind: StopSignal, Signo: int32(sig)}
	}
}

func (e *PtraceExecutor) Resume(t *session.Task, cmd RunCommand, maxTicks perfcounters.Ticks) (Stop, error) {
	c, err := e.counter(t)
	if err != nil {
		return Stop{}, err
	}
	if err := c.Reset(maxTicks); err != nil {
		return Stop{}, err
	}
	if err := e.armWatchpoints(t); err != nil {
		return Stop{}, err
	}

	singlestep := cmd != RunContinue
	if singlestep {
		err = unix.PtraceSingleStep(int(t.Tid))
	} else {
		err = unix.PtraceCont(int(t.Tid), 0)
	}
	if err != nil {
		return Stop{}, errors.Wrapf(err, "replay: cannot resume %v", t)
	}
	ws, err := e.wait(t)
	if err != nil {
		return Stop{}, err
	}
	return e.classify(t, ws, singlestep), nil
}

func (e *PtraceExecutor) RunToSyscall(t *session.Task) (Stop, error) {
	c, err := e.counter(t)
	if err != nil {
		return Stop{}, err
	}
	if err := e.armWatchpoints(t); err != nil {
		return Stop{}, err
	}
	for {
		if err := c.Reset(0); err != nil {
			return Stop{}, err
		}
		if err := syscall.PtraceSyscall(int(t.Tid), 0); err != nil {
			return Stop{}, errors.Wrapf(err, "replay: cannot resume %v to syscall", t)
		}
		ws, err := e.wait(t)
		if err != nil {
			return Stop{}, err
		}
		switch ws.TrapCause() {
		case syscall.PTRACE_EVENT_CLONE, syscall.PTRACE_EVENT_FORK, syscall.PTRACE_EVENT_VFORK:
			// A birth event stop between syscall entry and exit: stash the
			// child and keep driving the parent to its exit stop.
			if err := e.stashChild(t); err != nil {
				return Stop{}, err
			}
			continue
		}
		return e.classify(t, ws, false), nil
	}
}

// stashChild harvests the tid a clone-family event stop reports and
// parks the new tracee at its initial stop until the step engine
// registers it.
func (e *PtraceExecutor) stashChild(t *session.Task) error {
	msg, err := syscall.PtraceGetEventMsg(int(t.Tid))
	if err != nil {
		return errors.Wrapf(err, "replay: PTRACE_GETEVENTMSG on %v", t)
	}
	child := int32(msg)
	var ws unix.WaitStatus
	if _, err := unix.Wait4(int(child), &ws, unix.WALL, nil); err != nil {
		return errors.Wrapf(err, "replay: wait for initial stop of child %d", child)
	}
	e.children[t.Tid] = child
	return nil
}

func (e *PtraceExecutor) HarvestClone(t *session.Task) (int32, error) {
	child, ok := e.children[t.Tid]
	if !ok {
		return 0, errors.Errorf("replay: no unclaimed clone child of %v", t)
	}
	delete(e.children, t.Tid)
	return child, nil
}

// MapRegion re-establishes a recorded mapping inside the tracee via
// remote syscalls. Bytes for trace-sourced regions arrive separately
// through WriteBytes.
func (e *PtraceExecutor) MapRegion(t *session.Task, region *trace.MappedRegion, emu memory.EmuFileHandle) error {
	rem := remote.New(&execTracee{e: e, t: t}, t.Regs.IP()-syscallInstructionSize)
	defer rem.Release()

	size := region.End - region.Start
	prot := uint64(uint32(region.Prot))
	mmapNo, err := rem.Callno("mmap")
	if err != nil {
		return err
	}

	backing := ""
	switch {
	case emu != nil:
		backing = emu.EmuPath()
	case region.Source == trace.SourceFile:
		backing = region.BackingFileName
		if len(backing) > 0 && backing[0] != '/' {
			backing = e.traceDir + "/" + backing
		}
	}

	if backing == "" {
		// Anonymous fixed mapping; recorded bytes follow as raw data.
		flags := uint64(unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_FIXED)
		_, err := rem.SyscallChecked(mmapNo, region.Start, size,
			uint64(unix.PROT_READ|unix.PROT_WRITE), flags, ^uint64(0), 0)
		if err != nil {
			return err
		}
		if prot != uint64(unix.PROT_READ|unix.PROT_WRITE) {
			return e.remoteProtect(rem, region.Start, size, prot)
		}
		return nil
	}

	pathMem, err := remote.NewRestoreMem(rem, append([]byte(backing), 0), 0)
	if err != nil {
		return err
	}
	defer pathMem.Release()
	openNo, err := rem.Callno("openat")
	if err != nil {
		return err
	}
	openFlags := uint64(unix.O_RDONLY)
	if emu != nil {
		openFlags = unix.O_RDWR
	}
	fd, err := rem.SyscallChecked(openNo, remote.AtFdcwd(), pathMem.Addr(), openFlags)
	if err != nil {
		return err
	}
	flags := uint64(uint32(region.Flags)) | unix.MAP_FIXED
	if _, err := rem.SyscallChecked(mmapNo, region.Start, size, prot, flags,
		uint64(fd), region.FileOffsetBytes); err != nil {
		return err
	}
	closeNo, err := rem.Callno("close")
	if err != nil {
		return err
	}
	if _, err := rem.SyscallChecked(closeNo, uint64(fd)); err != nil {
		log.Errorf("replay.PtraceExecutor.MapRegion: close failed - %v", err)
	}
	return nil
}

func (e *PtraceExecutor) remoteProtect(rem *remote.AutoRemoteSyscalls, start, size, prot uint64) error {
	no, err := rem.Callno("mprotect")
	if err != nil {
		return err
	}
	_, err = rem.SyscallChecked(no, start, size, prot)
	return err
}

// DeliverSignal lets the kernel run its real delivery path: the signal
// rides the next resume, so handler frames and sigmask updates are the
// kernel's own work, not an emulation.
func (e *PtraceExecutor) DeliverSignal(t *session.Task, si *event.SigInfo) error {
	if _, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_SINGLESTEP,
		uintptr(t.Tid), 0, uintptr(si.Signo), 0, 0); errno != 0 {
		return errors.Wrapf(errno, "replay: cannot deliver signal %d to %v", si.Signo, t)
	}
	_, err := e.wait(t)
	return err
}

func (e *PtraceExecutor) ExitTask(t *session.Task) error {
	if c, ok := e.counters[t.Tid]; ok {
		c.Close()
		delete(e.counters, t.Tid)
	}
	if err := unix.PtraceCont(int(t.Tid), 0); err != nil {
		// Already gone is fine.
		log.Debugf("replay.PtraceExecutor.ExitTask: %v - %v", t, err)
		return nil
	}
	var ws unix.WaitStatus
	unix.Wait4(int(t.Tid), &ws, unix.WALL, nil)
	return nil
}

// Close releases every per-task counter.
func (e *PtraceExecutor) Close() {
	for tid, c := range e.counters {
		c.Close()
		delete(e.counters, tid)
	}
}

// execTracee adapts the executor to the remote-syscall interface for
// one task.
type execTracee struct {
	e *PtraceExecutor
	t *session.Task
}

func (x *execTracee) Regs() system.Registers { return x.t.Regs }

func (x *execTracee) SetRegs(r system.Registers) error { return x.e.SetRegs(x.t, r) }

func (x *execTracee) ReadBytes(addr uint64, buf []byte) error {
	return x.e.ReadBytes(x.t, addr, buf)
}

func (x *execTracee) WriteBytes(addr uint64, data []byte) error {
	return x.e.WriteBytes(x.t, addr, data)
}

func (x *execTracee) ResumeSyscall() error {
	for i := 0; i < 2; i++ {
		if err := syscall.PtraceSyscall(int(x.t.Tid), 0); err != nil {
			return errors.Wrapf(err, "replay: cannot resume %v", x.t)
		}
		var ws unix.WaitStatus
		if _, err := unix.Wait4(int(x.t.Tid), &ws, unix.WALL, nil); err != nil {
			return errors.Wrapf(err, "replay: wait on %v", x.t)
		}
		if !ws.Stopped() || ws.StopSignal() != unix.SIGTRAP|0x80 {
			return errors.Errorf("replay: unexpected stop %#x while running a syscall in %v",
				uint32(ws), x.t)
		}
	}
	if err := x.e.refresh(x.t); err != nil {
		return err
	}
	return nil
}

func (x *execTracee) Arch() system.Arch { return system.NativeArch() }

// SpawnTracee launches the recorded command again under ptrace and
// returns its pid, stopped at exec, ready to be steered by the trace.
func SpawnTracee(reader *trace.Reader) (int, error) {
	argv := reader.Argv()
	if len(argv) == 0 {
		return 0, errors.New("replay: trace records no command line")
	}
	cmd := argv[0]

	proc, err := os.StartProcess(cmd, argv, &os.ProcAttr{
		Dir:   reader.Cwd(),
		Files: []*os.File{os.Stdin, os.Stdout, os.Stderr},
		Sys: &syscall.SysProcAttr{
			Ptrace:    true,
			Setpgid:   true,
			Pdeathsig: syscall.SIGKILL,
		},
	})
	if err != nil {
		return 0, errors.Wrapf(err, "replay: cannot spawn %s", cmd)
	}
	var ws unix.WaitStatus
	if _, err := unix.Wait4(proc.Pid, &ws, 0, nil); err != nil {
		return 0, errors.Wrap(err, "replay: wait for initial stop")
	}
	if !ws.Stopped() || ws.StopSignal() != unix.SIGTRAP {
		return 0, errors.Errorf("replay: %s did not stop at exec (status %#x)", cmd, uint32(ws))
	}
	opts := syscall.PTRACE_O_TRACECLONE | syscall.PTRACE_O_TRACEFORK |
		syscall.PTRACE_O_TRACEVFORK | syscall.PTRACE_O_TRACESYSGOOD |
		syscall.PTRACE_O_TRACEEXIT | unix.PTRACE_O_EXITKILL
	if err := syscall.PtraceSetOptions(proc.Pid, opts); err != nil {
		return 0, errors.Wrapf(err, "replay: PTRACE_SETOPTIONS on %d", proc.Pid)
	}
	return proc.Pid, nil
}
