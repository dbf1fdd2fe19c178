//go:build linux && amd64

package record

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	serrors "github.com/replaykit/retrace/pkg/errors"
	"github.com/replaykit/retrace/pkg/event"
	"github.com/replaykit/retrace/pkg/launcher"
	"github.com/replaykit/retrace/pkg/memory"
	"github.com/replaykit/retrace/pkg/perfcounters"
	"github.com/replaykit/retrace/pkg/remote"
	"github.com/replaykit/retrace/pkg/session"
	"github.com/replaykit/retrace/pkg/stats"
	"github.com/replaykit/retrace/pkg/syscallbuf"
	"github.com/replaykit/retrace/pkg/system"
	"github.com/replaykit/retrace/pkg/trace"
)

const ptOptions = syscall.PTRACE_O_TRACECLONE |
	syscall.PTRACE_O_TRACEFORK |
	syscall.PTRACE_O_TRACEVFORK |
	syscall.PTRACE_O_TRACEEXEC |
	syscall.PTRACE_O_TRACESYSGOOD |
	syscall.PTRACE_O_TRACEEXIT |
	unix.PTRACE_O_EXITKILL

// timeSliceSignal is delivered by the ticks counter when a task
// exhausts its timeslice. SIGSTKFLT is unused by real software.
const timeSliceSignal = unix.SIGSTKFLT

// Supervisor-private syscall numbers the in-tracee library uses for its
// handshakes. They sit far above the real table, so an unsupervised run
// gets a harmless ENOSYS.
const (
	callInitPreload        = 442
	callInitBuffers        = 443
	callNotifyHookExit     = 444
	syscallInstructionSize = 2
)

// Options configures one recording.
type Options struct {
	Cmd  string
	Args []string
	Dir  string
	User string

	// NoRedirectOutput leaves the target's stdout/stderr alone instead
	// of teeing them into the trace directory.
	NoRedirectOutput bool

	BindToCPU int
	Timeslice perfcounters.Ticks

	Chaos     bool
	ChaosSeed int64
}

// Result summarizes a finished recording.
type Result struct {
	TraceDir   string
	ExitStatus int
	Frames     uint64
	Signals    uint64

	// Anomalies are non-fatal supervision failures: the recording
	// finished, but these spots may replay divergently.
	Anomalies []error
}

// tracee is the recorder's per-thread ptrace state, paired with the
// session model's task.
type tracee struct {
	task *session.Task
	pt   *ptraceTracee

	ticks   *perfcounters.Counter
	desched *perfcounters.Counter

	running   bool
	inSyscall bool
	entryRegs system.Registers

	// newborn marks a cloned task whose attach SIGSTOP has not arrived
	// yet; that stop belongs to ptrace, not to the recording.
	newborn bool

	// pendingInitBuffers is the params address of an init-buffers
	// handshake seen at syscall entry, handled at the exit stop.
	pendingInitBuffers uint64

	// exiting is set at the PTRACE_EVENT_EXIT stop; the final wait
	// status is then expected, not an anomaly.
	exiting bool

	injectSig unix.Signal
}

// Recorder drives one recording session: launch, supervise every stop,
// serialize the trace.
type Recorder struct {
	Opts   Options
	StopCh chan struct{}

	writer *trace.Writer
	sess   *session.Session
	sched  *Scheduler
	cmd    *exec.Cmd

	tracees map[int32]*tracee
	preload syscallbuf.InitPreloadParams
	pthread *syscallbuf.PthreadCreateBookkeeping

	frames    stats.Counter
	signals   stats.Counter
	schedEvts stats.Counter

	anomalies chan error

	startMono  time.Time
	exitStatus int
}

func New(opts Options) *Recorder {
	if opts.Timeslice == 0 {
		opts.Timeslice = perfcounters.DefaultTimeslice
	}
	sess := session.New()
	return &Recorder{
		Opts:      opts,
		StopCh:    make(chan struct{}),
		sess:      sess,
		sched:     NewScheduler(sess),
		tracees:   map[int32]*tracee{},
		pthread:   syscallbuf.NewPthreadCreateBookkeeping(),
		anomalies: make(chan error, 64),
	}
}

// anomaly queues a non-fatal supervision failure for the final Result.
// If the queue is full the oldest report wins; the log has them all.
func (r *Recorder) anomaly(op, kind string, err error) {
	se := serrors.SE(op, kind, err)
	log.Error(se)
	select {
	case r.anomalies <- se:
	default:
	}
}

// Stop asks the supervisor to terminate the recording. The trace ends
// with a TraceTermination event and stays replayable up to that point.
func (r *Recorder) Stop() {
	close(r.StopCh)
}

// Run records until the target exits or Stop is called. The ptrace loop
// owns its OS thread: every ptrace request must come from the thread
// that attached.
func (r *Recorder) Run() (*Result, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := r.start(); err != nil {
		return nil, err
	}
	if err := r.loop(); err != nil {
		r.writer.Close()
		return nil, err
	}

	if err := r.writer.Close(); err != nil {
		return nil, err
	}
	r.writer.MakeLatestTrace()
	return &Result{
		TraceDir:   r.writer.Dir(),
		ExitStatus: r.exitStatus,
		Frames:     r.frames.Value(),
		Signals:    r.signals.Value(),
		Anomalies:  serrors.Drain(r.anomalies),
	}, nil
}

func (r *Recorder) start() error {
	log.Debug("record.Recorder.start")
	r.startMono = time.Now()

	argv := append([]string{r.Opts.Cmd}, r.Opts.Args...)
	cwd := r.Opts.Dir
	if cwd == "" {
		cwd, _ = os.Getwd()
	}
	writer, err := trace.NewWriter(argv, os.Environ(), cwd, r.Opts.BindToCPU)
	if err != nil {
		return err
	}
	r.writer = writer

	var stdout, stderr io.Writer
	if !r.Opts.NoRedirectOutput {
		stdout, stderr = r.teeOutput()
	}

	r.cmd, err = launcher.Start(r.Opts.Cmd, r.Opts.Args, r.Opts.Dir, r.Opts.User, stdout, stderr)
	if err != nil {
		return err
	}
	pid := r.cmd.Process.Pid

	// Harvest the exec SIGTRAP the launcher's Ptrace flag produced.
	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		return errors.Wrapf(err, "record: wait for initial stop of %d", pid)
	}
	if !ws.Stopped() || ws.StopSignal() != unix.SIGTRAP {
		return errors.Errorf("record: target %d did not stop at exec (status %#x)", pid, uint32(ws))
	}
	if err := syscall.PtraceSetOptions(pid, ptOptions); err != nil {
		return errors.Wrapf(err, "record: PTRACE_SETOPTIONS on %d", pid)
	}

	exe, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		exe = r.Opts.Cmd
	}
	task := r.sess.CreateInitialTask(int32(pid), exe, system.NativeArch())
	tr, err := r.addTracee(task)
	if err != nil {
		return err
	}

	r.writer.WriteTaskEvent(&trace.TaskEvent{
		Type:     trace.TaskEventExec,
		Tid:      task.RecTid,
		FileName: exe,
		CmdLine:  argv,
	})
	if err := r.recordMappings(tr); err != nil {
		return err
	}

	if r.Opts.Chaos {
		r.sched.EnableChaos(r.Opts.ChaosSeed)
	}
	r.sched.SetCurrent(task)
	log.Debugf("record.Recorder.start: supervising PID=%d trace=%s", pid, r.writer.Dir())
	return nil
}

// teeOutput mirrors the target's stdout/stderr into the trace
// directory so a replay can be checked against what the user saw.
func (r *Recorder) teeOutput() (io.Writer, io.Writer) {
	stdout := io.Writer(os.Stdout)
	stderr := io.Writer(os.Stderr)
	if f, err := os.Create(filepath.Join(r.writer.Dir(), "stdout")); err == nil {
		stdout = io.MultiWriter(os.Stdout, f)
	}
	if f, err := os.Create(filepath.Join(r.writer.Dir(), "stderr")); err == nil {
		stderr = io.MultiWriter(os.Stderr, f)
	}
	return stdout, stderr
}

func (r *Recorder) addTracee(task *session.Task) (*tracee, error) {
	ticks, err := perfcounters.NewTicksCounter(int(task.Tid), timeSliceSignal)
	if err != nil {
		return nil, err
	}
	tr := &tracee{
		task:  task,
		pt:    &ptraceTracee{tid: int(task.Tid), arch: system.NativeArch()},
		ticks: ticks,
	}
	r.tracees[task.Tid] = tr
	return tr, nil
}

func (r *Recorder) removeTracee(tr *tracee) {
	tr.ticks.Close()
	if tr.desched != nil {
		tr.desched.Close()
	}
	delete(r.tracees, tr.task.Tid)
	r.sched.OnTaskExit(tr.task)
	r.sess.OnExit(tr.task)
}

// recordMappings snapshots the live mapping list into both the address
// space model and the trace.
func (r *Recorder) recordMappings(tr *tracee) error {
	kms, err := readTaskMappings(tr.pt.tid)
	if err != nil {
		return errors.Wrapf(err, "record: cannot read mappings of %d", tr.pt.tid)
	}
	as := tr.task.AddressSpace()
	for _, km := range kms {
		as.AddMapping(km, km, nil)
		// Kernel-provided segments exist in every process; replay gets
		// its own. Stack and heap are ordinary memory and are captured.
		switch km.FsName {
		case "[vdso]", "[vvar]", "[vsyscall]":
			continue
		}
		r.writeRegionToTrace(tr, km, trace.ExecMapping)
	}
	return nil
}

// writeRegionToTrace records one mapping in the mmaps substream and,
// when the writer asks for it, captures the mapped bytes.
func (r *Recorder) writeRegionToTrace(tr *tracee, km memory.KernelMapping, origin trace.MappingOrigin) {
	region := trace.MappedRegion{
		Time:            r.writer.Time(),
		Start:           km.Start,
		End:             km.End,
		FsName:          km.FsName,
		Device:          km.Device,
		Inode:           km.Inode,
		Prot:            km.Prot,
		Flags:           km.Flags,
		FileOffsetBytes: km.FileOffsetBytes,
		BackingFileName: km.FsName,
	}
	if fi, err := os.Stat(km.FsName); km.FsName != "" && err == nil {
		region.FileSize = fi.Size()
		region.FileMtime = fi.ModTime().Unix()
		region.FileMode = uint32(fi.Mode())
	}
	if recorded := r.writer.WriteMappedRegion(region, origin); recorded == trace.DoRecordInTrace {
		data := make([]byte, km.Size())
		if err := tr.pt.ReadBytes(km.Start, data); err == nil {
			r.writer.WriteRaw(data, km.Start)
		}
	}
}

// trackMemorySyscall mirrors a successful address-space syscall into
// the task's mapping model and records any new mapping in the trace so
// replay can re-establish it.
func (r *Recorder) trackMemorySyscall(tr *tracee, regs system.Registers) {
	res := regs.SyscallResultSigned()
	if res < 0 {
		return
	}
	as := tr.task.AddressSpace()
	args := tr.entryRegs

	switch args.Syscallno() {
	case system.X8664SysMmap:
		kms, err := readTaskMappings(tr.pt.tid)
		if err != nil {
			r.anomaly("trackMemorySyscall", "maps.read", err)
			return
		}
		addr := uint64(res)
		for _, km := range kms {
			if !km.Contains(addr) {
				continue
			}
			// /proc/pid/maps coalesces; narrow to what this call mapped.
			end := memory.PageAlignUp(addr + args.Arg(2))
			if end > km.End {
				end = km.End
			}
			km = km.Subrange(addr, end)
			as.AddMapping(km, km, nil)
			r.writeRegionToTrace(tr, km, trace.SyscallMapping)
			return
		}
		r.anomaly("trackMemorySyscall", "mmap.untracked",
			errors.Errorf("mmap result %#x not in /proc/%d/maps", addr, tr.pt.tid))

	case system.X8664SysMunmap:
		as.Unmap(memory.NewRange(args.Arg(1), memory.PageAlignUp(args.Arg(2))))

	case system.X8664SysMprotect:
		as.Protect(memory.NewRange(args.Arg(1), memory.PageAlignUp(args.Arg(2))), int32(args.Arg(3)))

	case system.X8664SysMremap:
		if err := as.Remap(args.Arg(1), memory.PageAlignUp(args.Arg(2)),
			uint64(res), memory.PageAlignUp(args.Arg(3))); err != nil {
			r.anomaly("trackMemorySyscall", "mremap", err)
		}
	}
}

// captureSyscallOutParams saves the memory a traced syscall wrote in
// the tracee. The raw records go out ahead of the exit frame that owns
// them, so replay finds them while completing that frame.
func (r *Recorder) captureSyscallOutParams(tr *tracee, exitRegs system.Registers) {
	for _, wr := range syscallOutParams(tr.entryRegs, exitRegs) {
		data := make([]byte, wr.size)
		if err := tr.pt.ReadBytes(wr.addr, data); err != nil {
			r.anomaly("captureSyscallOutParams", "read", err)
			continue
		}
		r.writer.WriteRaw(data, wr.addr)
	}
}

func (r *Recorder) monotonic() float64 {
	return time.Since(r.startMono).Seconds()
}

func (r *Recorder) writeFrame(tr *tracee, ev event.Event) {
	frame := trace.NewFrame(r.writer.Time(), tr.task.RecTid, ev,
		trace.Ticks(tr.task.TickCount), r.monotonic())
	if ev.HasExecInfo() {
		frame.Regs = tr.task.Regs
		frame.ExtraRegs = tr.task.ExtraRegs
	}
	r.writer.WriteFrame(&frame)
	r.frames.Inc()
}

func (r *Recorder) loop() error {
	for len(r.tracees) > 0 {
		select {
		case <-r.StopCh:
			return r.terminate()
		default:
		}

		if cur := r.sched.Current(); cur != nil {
			if err := r.resume(r.tracees[cur.Tid]); err != nil {
				return err
			}
		}

		var ws unix.WaitStatus
		wpid, err := unix.Wait4(-1, &ws, unix.WALL, nil)
		if err != nil {
			if err == unix.ECHILD {
				break
			}
			return errors.Wrap(err, "record: wait4")
		}

		tr, ok := r.tracees[int32(wpid)]
		if !ok {
			// A child announced by a ptrace event we have not consumed
			// yet; leave it stopped, its clone event registers it.
			log.Debugf("record.Recorder.loop: early stop of unknown tid %d", wpid)
			continue
		}
		tr.running = false
		r.harvestTicks(tr)

		cs := classifyStop(ws)
		log.Tracef("record.Recorder.loop: tid=%d %v", wpid, cs)
		if err := r.handleStop(tr, cs); err != nil {
			return err
		}
	}
	return nil
}

// terminate ends the trace deliberately: one TraceTermination frame,
// then the whole process group goes away.
func (r *Recorder) terminate() error {
	log.Debug("record.Recorder.terminate")
	if cur := r.sched.Current(); cur != nil {
		if tr, ok := r.tracees[cur.Tid]; ok {
			r.writeFrame(tr, event.New(event.TraceTermination, false, system.NativeArch()))
		}
	}
	if r.cmd != nil && r.cmd.Process != nil {
		unix.Kill(-r.cmd.Process.Pid, unix.SIGKILL)
	}
	return nil
}

func (r *Recorder) resume(tr *tracee) error {
	if tr == nil || tr.exiting || tr.running {
		return nil
	}
	if err := tr.ticks.Reset(r.sched.Timeslice()); err != nil {
		return err
	}
	sig := int(tr.injectSig)
	tr.injectSig = 0
	if err := syscall.PtraceSyscall(tr.pt.tid, sig); err != nil {
		// The task can die between our stop handling and the resume.
		log.Debugf("record.Recorder.resume: tid=%v sig=%v error - %v", tr.pt.tid, sig, err)
		return nil
	}
	tr.running = true
	return nil
}

func (r *Recorder) harvestTicks(tr *tracee) {
	ticks, err := tr.ticks.Read()
	if err != nil {
		return
	}
	tr.task.TickCount += ticks
	tr.ticks.Stop()
}

func (r *Recorder) handleStop(tr *tracee, cs classifiedStop) error {
	switch cs.kind {
	case stopExit:
		return r.handleExit(tr, cs)
	case stopSyscall:
		return r.handleSyscallStop(tr)
	case stopPtraceEvent:
		return r.handlePtraceEvent(tr, cs)
	case stopSignal:
		return r.handleSignalStop(tr, cs)
	}
	return nil
}

func (r *Recorder) handleExit(tr *tracee, cs classifiedStop) error {
	log.Debugf("record.Recorder.handleExit: %v status=%d", tr.task, cs.exitStatus)
	if !tr.exiting {
		// Killed without an exit stop (e.g. SIGKILL from outside):
		// teardown may be incomplete and replay must not wait for it.
		r.writeFrame(tr, event.New(event.UnstableExit, false, system.NativeArch()))
	}
	r.writer.WriteTaskEvent(&trace.TaskEvent{
		Type:       trace.TaskEventExit,
		Tid:        tr.task.RecTid,
		ExitStatus: int32(cs.exitStatus),
	})
	if r.cmd != nil && tr.pt.tid == r.cmd.Process.Pid {
		r.exitStatus = cs.exitStatus
	}
	r.removeTracee(tr)
	r.chooseNext()
	return nil
}

// chooseNext consults the scheduler; nil leaves the loop blocking in
// wait4 for whichever running task stops first.
func (r *Recorder) chooseNext() {
	runnable := func(t *session.Task) bool {
		tr, ok := r.tracees[t.Tid]
		return ok && !tr.exiting
	}
	r.sched.ChooseNext(runnable)
}

func (r *Recorder) handleSyscallStop(tr *tracee) error {
	regs := tr.pt.Regs()
	tr.task.Regs = regs
	arch := tr.pt.arch

	if !tr.inSyscall {
		tr.inSyscall = true
		tr.entryRegs = regs
		no := regs.Syscallno()

		switch no {
		case system.X8664SysSchedYield:
			r.sched.OnYield(func(t *session.Task) bool {
				tr, ok := r.tracees[t.Tid]
				return ok && !tr.exiting
			})
		case callInitPreload:
			if err := r.initPreload(tr, regs.Arg(1)); err != nil {
				r.anomaly("handleSyscallStop", "init-preload", err)
			}
		case callInitBuffers:
			tr.pendingInitBuffers = regs.Arg(1)
		case callNotifyHookExit:
			r.flushSyscallbuf(tr)
		}

		ev := event.NewSyscall(event.Syscall, event.SyscallEvent{
			State:  event.EnteringSyscall,
			Number: int32(no),
			Regs:   tr.entryRegs,
		}, arch)
		r.writeFrame(tr, ev)
		return nil
	}

	tr.inSyscall = false
	if tr.pendingInitBuffers != 0 {
		addr := tr.pendingInitBuffers
		tr.pendingInitBuffers = 0
		if err := r.initBuffers(tr, addr); err != nil {
			r.anomaly("handleSyscallStop", "init-buffers", err)
		}
		// The handshake "syscall" succeeds from the tracee's viewpoint.
		regs = tr.pt.Regs()
		regs.SetSyscallResult(0)
		if err := tr.pt.SetRegs(regs); err != nil {
			return err
		}
		tr.task.Regs = regs
	}

	r.trackMemorySyscall(tr, regs)
	r.captureSyscallOutParams(tr, regs)

	ev := event.NewSyscall(event.Syscall, event.SyscallEvent{
		State:  event.ExitingSyscall,
		Number: int32(tr.entryRegs.Syscallno()),
		Regs:   tr.entryRegs,
	}, tr.pt.arch)
	r.writeFrame(tr, ev)

	// A traced syscall is a commit point for everything buffered so far.
	if tr.task.Buffer != nil && tr.task.Buffer.NumRecBytes() > 0 {
		r.flushSyscallbuf(tr)
	}
	return nil
}

func (r *Recorder) handlePtraceEvent(tr *tracee, cs classifiedStop) error {
	arch := tr.pt.arch
	switch cs.cause {
	case syscall.PTRACE_EVENT_CLONE, syscall.PTRACE_EVENT_FORK, syscall.PTRACE_EVENT_VFORK:
		msg, err := syscall.PtraceGetEventMsg(tr.pt.tid)
		if err != nil {
			return errors.Wrapf(err, "record: PTRACE_GETEVENTMSG on %d", tr.pt.tid)
		}
		newTid := int32(msg)
		var flags uint64
		teType := trace.TaskEventFork
		if cs.cause == syscall.PTRACE_EVENT_CLONE {
			flags = tr.entryRegs.Arg(1)
			teType = trace.TaskEventClone
		}
		child := r.sess.OnClone(tr.task, newTid, newTid, flags)
		childTr, err := r.addTracee(child)
		if err != nil {
			return err
		}
		childTr.newborn = true
		if flags&unix.CLONE_THREAD != 0 {
			r.pthread.NoteCreated(newTid)
		}
		if child.Buffer != nil {
			child.Buffer.ResetForFork()
		}
		r.writer.WriteTaskEvent(&trace.TaskEvent{
			Type:       teType,
			Tid:        newTid,
			ParentTid:  tr.task.RecTid,
			CloneFlags: flags,
		})
		log.Debugf("record.Recorder.handlePtraceEvent: new task %v", childTr.task)

	case syscall.PTRACE_EVENT_EXEC:
		exe, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", tr.pt.tid))
		if err != nil {
			exe = tr.task.AddressSpace().Exe()
		}
		r.sess.OnExec(tr.task, exe, arch)
		r.writer.WriteTaskEvent(&trace.TaskEvent{
			Type:     trace.TaskEventExec,
			Tid:      tr.task.RecTid,
			FileName: exe,
		})
		if err := r.recordMappings(tr); err != nil {
			return err
		}

	case syscall.PTRACE_EVENT_EXIT:
		tr.exiting = true
		r.writeFrame(tr, event.New(event.Exit, false, arch))
		r.chooseNext()
	}
	return nil
}

func (r *Recorder) handleSignalStop(tr *tracee, cs classifiedStop) error {
	arch := tr.pt.arch
	si, err := ptraceGetSiginfo(tr.pt.tid)
	if err != nil {
		return err
	}

	if tr.newborn && cs.sig == unix.SIGSTOP {
		tr.newborn = false
		return nil
	}

	switch cs.sig {
	case syscallbuf.DeschedSignal:
		// Only relevant while a may-block buffered syscall is armed;
		// any other desched sample is noise and is swallowed.
		if tr.task.Buffer != nil && tr.task.Buffer.DeschedSignalMayBeRelevant() {
			rec := uint64(syscallbuf.HeaderSize) + uint64(tr.task.Buffer.NumRecBytes())
			r.writeFrame(tr, event.NewDesched(event.DeschedEvent{Rec: rec}, arch))
			r.recordDeschedInterruption(tr)
			r.flushSyscallbuf(tr)
			r.chooseNext()
		}
		return nil

	case timeSliceSignal:
		tr.task.Regs = tr.pt.Regs()
		r.writeFrame(tr, event.New(event.Sched, true, arch))
		r.schedEvts.Inc()
		if r.Opts.Chaos && r.schedEvts.Value()%32 == 0 {
			r.sched.RandomizePriorities()
		}
		r.chooseNext()
		return nil
	}

	tr.task.Regs = tr.pt.Regs()
	sigEv := event.SignalEvent{
		Siginfo: event.SigInfo{
			Signo: si.signo(),
			Errno: si.errno(),
			Code:  si.code(),
		},
		Deterministic: isDeterministicSignal(si),
	}
	if sigEv.Deterministic {
		sigEv.Siginfo.Addr = si.faultAddr()
	}

	ev := event.NewSignal(event.Signal, sigEv, arch)
	r.writeFrame(tr, ev)
	delivery := ev
	delivery.Transform(event.SignalDelivery)
	r.writeFrame(tr, delivery)
	r.signals.Inc()

	tr.injectSig = cs.sig
	return nil
}

// recordDeschedInterruption records the buffered syscall the desched
// caught mid-flight. Its record will never commit in-buffer, so the
// trace carries it as an interrupted syscall and replay drives the
// tracee through its completion like any traced exit.
func (r *Recorder) recordDeschedInterruption(tr *tracee) {
	no := tr.task.Buffer.ArmedSyscall()
	if no < 0 {
		return
	}
	tr.task.Regs = tr.pt.Regs()
	r.writeFrame(tr, event.NewSyscall(event.SyscallInterruption, event.SyscallEvent{
		State:  event.ExitingSyscall,
		Number: no,
		Regs:   tr.task.Regs,
	}, tr.pt.arch))
}

// isDeterministicSignal: raised by the retirement of a specific
// instruction (si_code > 0 on a fault signal), as opposed to anything
// asynchronous the kernel or another process aimed at us.
func isDeterministicSignal(si siginfoBuf) bool {
	switch si.signo() {
	case int32(unix.SIGILL), int32(unix.SIGTRAP), int32(unix.SIGBUS),
		int32(unix.SIGFPE), int32(unix.SIGSEGV):
		return si.code() > 0
	default:
		return false
	}
}

// flushSyscallbuf drains the tracee's committed records into the trace
// and resets the ring. The reset is its own frame, one event later.
func (r *Recorder) flushSyscallbuf(tr *tracee) {
	buf := tr.task.Buffer
	if buf == nil || buf.NumRecBytes() == 0 {
		return
	}
	records, err := buf.DrainRecords()
	if err != nil {
		r.anomaly("flushSyscallbuf", "ring.drain", err)
		return
	}
	arch := tr.pt.arch
	r.writer.WriteRaw(syscallbuf.EncodeRecords(records), tr.task.SyscallbufChild+syscallbuf.HeaderSize)
	r.writeFrame(tr, event.New(event.SyscallbufFlush, false, arch))
	buf.Reset()
	r.writeFrame(tr, event.New(event.SyscallbufReset, false, arch))
	log.Debugf("record.Recorder.flushSyscallbuf: %v flushed %d records", tr.task, len(records))
}

func (r *Recorder) initPreload(tr *tracee, paramsAddr uint64) error {
	var raw [56]byte
	if err := tr.pt.ReadBytes(paramsAddr, raw[:]); err != nil {
		return err
	}
	le := binary.LittleEndian
	r.preload = syscallbuf.InitPreloadParams{
		SyscallHookTrampoline: le.Uint64(raw[0:]),
		StubBuffer:            le.Uint64(raw[8:]),
		StubBufferEnd:         le.Uint64(raw[16:]),
		PatchList:             le.Uint64(raw[24:]),
		PatchListCount:        le.Uint32(raw[32:]),
		InReplayAddr:          le.Uint64(raw[40:]),
		PretendCoreCount:      le.Uint32(raw[48:]),
	}
	log.Debugf("record.Recorder.initPreload: %v trampoline=%#x patches=%d",
		tr.task, r.preload.SyscallHookTrampoline, r.preload.PatchListCount)
	return nil
}

// initBuffers wires one thread's fast path: a shared-memory ring mapped
// in both the tracee and the supervisor, and a desched counter whose fd
// the tracee can ioctl.
func (r *Recorder) initBuffers(tr *tracee, paramsAddr uint64) error {
	var raw [40]byte
	if err := tr.pt.ReadBytes(paramsAddr, raw[:]); err != nil {
		return err
	}
	le := binary.LittleEndian
	params := syscallbuf.InitBuffersParams{
		SyscallbufPtr:  le.Uint64(raw[0:]),
		SyscallbufSize: le.Uint32(raw[8:]),
		ScratchPtr:     le.Uint64(raw[24:]),
		ScratchSize:    le.Uint32(raw[32:]),
	}

	shm, err := unix.MemfdCreate(fmt.Sprintf("retrace-syscallbuf-%d", tr.pt.tid), unix.MFD_CLOEXEC)
	if err != nil {
		return errors.Wrap(err, "record: memfd_create")
	}
	defer unix.Close(shm)
	if err := unix.Ftruncate(shm, int64(params.SyscallbufSize)); err != nil {
		return errors.Wrap(err, "record: ftruncate syscallbuf")
	}
	local, err := unix.Mmap(shm, 0, int(params.SyscallbufSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return errors.Wrap(err, "record: mmap syscallbuf")
	}

	// The tracee maps the same pages through our /proc fd entry.
	regs := tr.pt.Regs()
	rem := remote.New(tr.pt, regs.IP()-syscallInstructionSize)
	defer rem.Release()

	fdPath := fmt.Sprintf("/proc/%d/fd/%d", os.Getpid(), shm)
	pathMem, err := remote.NewRestoreMem(rem, append([]byte(fdPath), 0), 0)
	if err != nil {
		return err
	}
	defer pathMem.Release()

	openNo, err := rem.Callno("openat")
	if err != nil {
		return err
	}
	childFd, err := rem.SyscallChecked(openNo, remote.AtFdcwd(), pathMem.Addr(), unix.O_RDWR)
	if err != nil {
		return err
	}
	mmapNo, err := rem.Callno("mmap")
	if err != nil {
		return err
	}
	if _, err := rem.SyscallChecked(mmapNo, params.SyscallbufPtr, uint64(params.SyscallbufSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_FIXED, uint64(childFd), 0); err != nil {
		return err
	}
	closeNo, err := rem.Callno("close")
	if err != nil {
		return err
	}
	if _, err := rem.SyscallChecked(closeNo, uint64(childFd)); err != nil {
		log.Errorf("record.Recorder.initBuffers: close of ring fd failed - %v", err)
	}

	// The desched counter fd crosses the other way: opened here on the
	// tracee's tid, reopened by the tracee through /proc.
	desched, err := perfcounters.NewDeschedCounter(tr.pt.tid, syscallbuf.DeschedSignal)
	if err != nil {
		return err
	}
	tr.desched = desched
	deschedPath := fmt.Sprintf("/proc/%d/fd/%d", os.Getpid(), desched.Fd())
	deschedMem, err := remote.NewRestoreMem(rem, append([]byte(deschedPath), 0), 0)
	if err != nil {
		return err
	}
	defer deschedMem.Release()
	childDesched, err := rem.SyscallChecked(openNo, remote.AtFdcwd(), deschedMem.Addr(), unix.O_RDWR)
	if err != nil {
		return err
	}
	var fdBytes [4]byte
	le.PutUint32(fdBytes[:], uint32(int32(childDesched)))
	if err := tr.pt.WriteBytes(paramsAddr+12, fdBytes[:]); err != nil {
		return err
	}

	km := memory.NewKernelMapping(params.SyscallbufPtr,
		params.SyscallbufPtr+uint64(memory.PageAlignUp(uint64(params.SyscallbufSize))),
		fmt.Sprintf("/retrace-syscallbuf-%d", tr.pt.tid), 0, 0,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED, 0)
	tr.task.AddressSpace().AddMapping(km, km, nil)
	r.writer.WriteMappedRegion(trace.MappedRegion{
		Time:   r.writer.Time(),
		Source: trace.SourceZero,
		Start:  km.Start,
		End:    km.End,
		FsName: km.FsName,
		Prot:   km.Prot,
		Flags:  km.Flags,
	}, trace.SyscallMapping)

	tr.task.SyscallbufChild = params.SyscallbufPtr
	tr.task.Buffer = syscallbuf.FromBytes(local)
	tr.task.Scratch = memory.Range{Start: params.ScratchPtr,
		End: params.ScratchPtr + uint64(params.ScratchSize)}
	r.pthread.NoteInitialized(tr.task.Tid)

	log.Debugf("record.Recorder.initBuffers: %v ring=%#x size=%d desched-fd=%d",
		tr.task, params.SyscallbufPtr, params.SyscallbufSize, childDesched)
	return nil
}
