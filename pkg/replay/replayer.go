package replay

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/replaykit/retrace/pkg/emufs"
	"github.com/replaykit/retrace/pkg/event"
	"github.com/replaykit/retrace/pkg/memory"
	"github.com/replaykit/retrace/pkg/perfcounters"
	"github.com/replaykit/retrace/pkg/session"
	"github.com/replaykit/retrace/pkg/syscallbuf"
	"github.com/replaykit/retrace/pkg/system"
	"github.com/replaykit/retrace/pkg/trace"
)

// RunCommand is how the caller wants the tracee advanced.
type RunCommand int

const (
	RunContinue RunCommand = iota
	RunSinglestep
	// RunSinglestepFastForward batches identical single-steps (string
	// instructions) but still stops before any register state listed in
	// the constraints.
	RunSinglestepFastForward
)

// StopKind classifies why the executor's resume returned.
type StopKind int

const (
	StopNone StopKind = iota
	// StopTicksInterrupt: the programmed tick period elapsed.
	StopTicksInterrupt
	// StopSignal: a signal-delivery stop; Signo says which.
	StopSignal
	// StopSyscall: a syscall boundary.
	StopSyscall
	// StopBreakpoint / StopWatchpoint: a planted trap fired.
	StopBreakpoint
	StopWatchpoint
	// StopSinglestep: one instruction retired.
	StopSinglestep
	// StopExited: the task is gone.
	StopExited
)

// Stop is the executor's report of why the tracee stopped. The
// executor has already refreshed the task's Regs and TickCount.
type Stop struct {
	Kind  StopKind
	Signo int32
	// Watches are the watched ranges whose values changed.
	Watches []memory.Range
}

// Executor is the machine layer under the step engine: it runs tracee
// instructions and moves tracee memory, nothing more. The ptrace
// implementation lives in its own file; tests substitute emulations.
type Executor interface {
	// RunToSyscall resumes t to its next syscall boundary stop.
	RunToSyscall(t *session.Task) (Stop, error)
	// Resume continues or single-steps t. With maxTicks > 0 the tracee
	// is interrupted once that many ticks retire.
	Resume(t *session.Task, cmd RunCommand, maxTicks perfcounters.Ticks) (Stop, error)
	SetRegs(t *session.Task, regs system.Registers) error
	ReadBytes(t *session.Task, addr uint64, buf []byte) error
	WriteBytes(t *session.Task, addr uint64, data []byte) error
	// MapRegion establishes a recorded mapping in the tracee, against
	// the emulated file when emu is non-nil.
	MapRegion(t *session.Task, region *trace.MappedRegion, emu memory.EmuFileHandle) error
	// HarvestClone returns the live tid of the child the most recent
	// clone-family syscall in t created. The executor observes the birth
	// at its stop and holds the tid until the step engine claims it.
	HarvestClone(t *session.Task) (int32, error)
	// DeliverSignal emulates kernel signal delivery to t.
	DeliverSignal(t *session.Task, si *event.SigInfo) error
	ExitTask(t *session.Task) error
}

// StepResult is the outcome class of one ReplayStep.
type StepResult int

const (
	// ResultComplete: the frame was fully realized and consumed.
	ResultComplete StepResult = iota
	// ResultIncomplete: execution stopped early (breakpoint, watchpoint,
	// single-step, stop-at-time); retry continues the same frame.
	ResultIncomplete
	// ResultTraceEnded: no frames remain.
	ResultTraceEnded
)

// BreakStatus reports what interrupted an incomplete step.
type BreakStatus struct {
	Task           *session.Task
	HitBreakpoint  bool
	Watches        []memory.Range
	SignalStop     int32
	SinglestepDone bool
	ReachedTarget  bool
}

func (b BreakStatus) Any() bool {
	return b.HitBreakpoint || len(b.Watches) > 0 || b.SignalStop != 0 ||
		b.SinglestepDone || b.ReachedTarget
}

// Outcome is the full result of one ReplayStep.
type Outcome struct {
	Result StepResult
	Break  BreakStatus
}

// Constraints scope one ReplayStep.
type Constraints struct {
	Command RunCommand
	// StopAtTime halts before executing any frame at or past this
	// global time. Zero means no limit.
	StopAtTime trace.FrameTime
	// StopBeforeStates are register states fast-forward must not step
	// over.
	StopBeforeStates []system.Registers
}

// skidTicks is how far before a tick target the counter interrupt is
// programmed; the interrupt can land late, never early enough to
// matter, so the last stretch is single-stepped.
const skidTicks = 1000

// Session replays one trace. It owns the reader cursor, the task
// model, the emulated-file namespace and the checkpoint set.
type Session struct {
	reader *trace.Reader
	sess   *session.Session
	emu    *emufs.EmuFs
	exec   Executor

	ignoredSignals map[int32]bool
	checkpoints    map[string]*Checkpoint

	// flushedSyscallbuf delays the ring reset to the frame after the
	// flush, mirroring how it was recorded.
	flushedSyscallbuf bool
}

func NewSession(reader *trace.Reader, exec Executor) (*Session, error) {
	emu, err := emufs.New()
	if err != nil {
		return nil, err
	}
	return &Session{
		reader: reader,
		sess:   session.New(),
		emu:    emu,
		exec:   exec,
		// Replayed tracees have their own children; the recorded
		// SIGCHLDs are what replay delivers, the live ones are noise.
		ignoredSignals: map[int32]bool{int32(unix.SIGCHLD): true},
		checkpoints:    map[string]*Checkpoint{},
	}, nil
}

// Close releases the reader, the emulated files and every checkpoint.
func (s *Session) Close() {
	for id := range s.checkpoints {
		s.DeleteCheckpoint(id)
	}
	s.reader.Close()
	s.emu.Destroy()
}

func (s *Session) Reader() *trace.Reader        { return s.reader }
func (s *Session) Tasks() *session.Session      { return s.sess }
func (s *Session) CurrentTime() trace.FrameTime { return s.reader.Time() }

// SetIgnoreSignal adds or removes a signal from the ignore filter.
func (s *Session) SetIgnoreSignal(signo int32, ignore bool) {
	if ignore {
		s.ignoredSignals[signo] = true
	} else {
		delete(s.ignoredSignals, signo)
	}
}

// BootstrapInitialTask registers the replaying thread standing in for
// the recording's first task.
func (s *Session) BootstrapInitialTask(tid, recTid int32, exe string) *session.Task {
	t := s.sess.CreateInitialTask(tid, exe, system.NativeArch())
	t.RecTid = recTid
	return t
}

// ReplayStep realizes at most one frame of the trace.
func (s *Session) ReplayStep(c Constraints) (Outcome, error) {
	if s.reader.AtEnd() {
		return Outcome{Result: ResultTraceEnded}, nil
	}
	frame := s.reader.PeekFrame()
	if c.StopAtTime > 0 && frame.Time >= c.StopAtTime {
		return Outcome{Result: ResultIncomplete,
			Break: BreakStatus{ReachedTarget: true}}, nil
	}

	task, ok := s.sess.FindTaskByRecTid(frame.Tid)
	if !ok {
		return Outcome{}, errors.Errorf("replay: frame at time %d names unknown task %d",
			frame.Time, frame.Tid)
	}

	step := setupStep(&frame)
	log.Tracef("replay.Session.ReplayStep: time=%d %v -> %v", frame.Time, frame.Event.String(), step.Type)

	var out Outcome
	var err error
	switch step.Type {
	case StepNone:
		s.applyQuietFrame(task, &frame)
	case StepRetire, StepProgramAsyncSignalInterrupt:
		out, err = s.advanceToTarget(task, &frame, step, c)
	case StepEnterSyscall:
		out, err = s.enterSyscall(task, &frame, c)
	case StepExitSyscall:
		out, err = s.exitSyscall(task, &frame, c)
	case StepDeterministicSignal:
		out, err = s.deterministicSignal(task, &frame, step)
	case StepDeliverSignal:
		out, err = s.deliverSignal(task, &frame)
	case StepFlushSyscallbuf, StepPatchSyscall:
		// All the work is in the recorded side effects, applied once the
		// frame is consumed.
		out = Outcome{Result: ResultComplete}
	case StepExitTask:
		out, err = s.exitTask(task)
	}
	if err != nil {
		return out, err
	}
	if out.Result == ResultIncomplete {
		out.Break.Task = task
		return out, nil
	}

	return s.completeFrame(task, step)
}

// completeFrame consumes the frame, applies its recorded side effects
// (new mappings, kernel-written memory) and verifies the tracee landed
// on the recorded state.
func (s *Session) completeFrame(task *session.Task, step Step) (Outcome, error) {
	consumed := s.reader.ReadFrame()

	for {
		region := s.reader.ReadMappedRegion()
		if region == nil {
			break
		}
		if err := s.installRegion(task, region); err != nil {
			return Outcome{}, err
		}
	}

	for {
		raw := s.reader.ReadRawDataForFrame()
		if raw == nil {
			break
		}
		if step.Type == StepPatchSyscall {
			original := make([]byte, len(raw.Data))
			if err := s.exec.ReadBytes(task, raw.Addr, original); err == nil {
				task.AddressSpace().RecordPatch(raw.Addr, original)
			}
		}
		if err := s.exec.WriteBytes(task, raw.Addr, raw.Data); err != nil {
			return Outcome{}, err
		}
		if task.Buffer != nil && task.SyscallbufChild != 0 &&
			raw.Addr == task.SyscallbufChild+syscallbuf.HeaderSize {
			records, err := syscallbuf.DecodeRecords(raw.Data)
			if err != nil {
				return Outcome{}, err
			}
			if err := task.Buffer.LoadRecords(records); err != nil {
				return Outcome{}, err
			}
		}
	}

	switch step.Type {
	case StepExitSyscall, StepDeliverSignal:
		// The recorded result registers are authoritative: emulated
		// syscalls (mmap addresses, timers) do not re-run in the kernel.
		if err := s.exec.SetRegs(task, consumed.Regs); err != nil {
			return Outcome{}, err
		}
		task.Regs = consumed.Regs
		if step.Type == StepExitSyscall {
			if err := s.realizeClone(task, step, &consumed); err != nil {
				return Outcome{}, err
			}
		}
	case StepFlushSyscallbuf:
		s.flushedSyscallbuf = true
	}

	ev := &consumed.Event
	if ev.HasExecInfo() {
		if !ev.HasTicksSlop() && task.TickCount != perfcounters.Ticks(consumed.Ticks) {
			return Outcome{}, errors.Errorf(
				"replay: tick divergence at time %d: have %d, recorded %d",
				consumed.Time, task.TickCount, consumed.Ticks)
		}
		if err := s.checkRegisterDivergence(task, &consumed); err != nil {
			return Outcome{}, err
		}
	}
	return Outcome{Result: ResultComplete, Break: BreakStatus{Task: task}}, nil
}

// realizeClone registers the live child standing in for a recorded
// clone/fork/vfork once the parent's exit frame shows a child tid. The
// recorded tid comes from the forced result registers; the live tid
// comes from the executor, which saw the birth.
func (s *Session) realizeClone(task *session.Task, step Step, frame *trace.Frame) error {
	var flags uint64
	switch system.CallNumberResolver(frame.Event.Arch())(uint32(step.Syscallno)) {
	case "clone":
		flags = frame.Event.Syscall().Regs.Arg(1)
	case "fork", "vfork":
	default:
		return nil
	}
	res := frame.Regs.SyscallResult()
	if res == 0 || system.IsErrnoResult(res) {
		return nil
	}

	tid, err := s.exec.HarvestClone(task)
	if err != nil {
		return errors.Wrapf(err, "replay: clone child at time %d", frame.Time)
	}
	child := s.sess.OnClone(task, tid, int32(res), flags)
	// The child side of the clone returns zero.
	child.Regs.SetSyscallResult(0)
	return nil
}

func (s *Session) checkRegisterDivergence(task *session.Task, frame *trace.Frame) error {
	mismatched := task.Regs.MatchesMasked(&frame.Regs)
	if len(mismatched) == 0 {
		return nil
	}
	system.LogMismatches(mismatched)
	return errors.Errorf("replay: register divergence at time %d in %v (%d registers differ)",
		frame.Time, task, len(mismatched))
}

// applyQuietFrame handles bookkeeping frames that run no tracee code.
func (s *Session) applyQuietFrame(task *session.Task, frame *trace.Frame) {
	switch frame.Event.Type() {
	case event.SyscallbufReset:
		if task.Buffer != nil {
			task.Buffer.Reset()
		}
		s.flushedSyscallbuf = false
	case event.SyscallbufAbortCommit:
		if task.Buffer != nil {
			task.Buffer.SetAbortCommit(true)
		}
	case event.TraceTermination:
		log.Debugf("replay.Session.applyQuietFrame: recording was terminated at time %d", frame.Time)
	}
}

// resumeFiltered is Resume with the ignored-signal filter applied:
// filtered signals are swallowed and the resume repeats.
func (s *Session) resumeFiltered(task *session.Task, cmd RunCommand, maxTicks perfcounters.Ticks) (Stop, error) {
	for {
		stop, err := s.exec.Resume(task, cmd, maxTicks)
		if err != nil {
			return stop, err
		}
		if stop.Kind == StopSignal && s.ignoredSignals[stop.Signo] {
			log.Tracef("replay.Session.resumeFiltered: ignoring signal %d in %v", stop.Signo, task)
			continue
		}
		return stop, nil
	}
}

// breakOutcome translates a trap stop into an incomplete result, or
// reports that the stop needs no caller attention (ok=false).
func breakOutcome(stop Stop) (Outcome, bool) {
	switch stop.Kind {
	case StopBreakpoint:
		return Outcome{Result: ResultIncomplete,
			Break: BreakStatus{HitBreakpoint: true}}, true
	case StopWatchpoint:
		return Outcome{Result: ResultIncomplete,
			Break: BreakStatus{Watches: stop.Watches}}, true
	case StopSignal:
		return Outcome{Result: ResultIncomplete,
			Break: BreakStatus{SignalStop: stop.Signo}}, true
	}
	return Outcome{}, false
}

// advanceToTarget drives the task to exactly the recorded tick count
// and program counter: counter interrupt for the bulk, single-steps for
// the last skid-sized stretch.
func (s *Session) advanceToTarget(task *session.Task, frame *trace.Frame, step Step, c Constraints) (Outcome, error) {
	target := perfcounters.Ticks(step.TargetTicks)
	targetIP := frame.Regs.IP()

	for {
		if task.TickCount > target {
			return Outcome{}, errors.Errorf(
				"replay: overshot tick target at time %d: %d past %d",
				frame.Time, task.TickCount, target)
		}
		remaining := target - task.TickCount

		if remaining > skidTicks && c.Command == RunContinue {
			stop, err := s.resumeFiltered(task, RunContinue, remaining-skidTicks)
			if err != nil {
				return Outcome{}, err
			}
			if out, ok := breakOutcome(stop); ok {
				return out, nil
			}
			continue
		}

		if task.TickCount == target && task.Regs.IP() == targetIP {
			return Outcome{Result: ResultComplete}, nil
		}

		cmd := RunSinglestep
		if c.Command == RunSinglestepFastForward && !s.atStopBeforeState(task, c) {
			cmd = RunSinglestepFastForward
		}
		stop, err := s.resumeFiltered(task, cmd, 0)
		if err != nil {
			return Outcome{}, err
		}
		if out, ok := breakOutcome(stop); ok {
			return out, nil
		}
		if c.Command != RunContinue {
			// The caller asked for a single step; hand control back even
			// though the frame is not done.
			return Outcome{Result: ResultIncomplete,
				Break: BreakStatus{SinglestepDone: true}}, nil
		}
	}
}

// atStopBeforeState reports whether the task currently matches one of
// the register states fast-forward must not step over.
func (s *Session) atStopBeforeState(task *session.Task, c Constraints) bool {
	for i := range c.StopBeforeStates {
		if len(task.Regs.MatchesMasked(&c.StopBeforeStates[i])) == 0 {
			return true
		}
	}
	return false
}

func (s *Session) enterSyscall(task *session.Task, frame *trace.Frame, c Constraints) (Outcome, error) {
	for {
		stop, err := s.exec.RunToSyscall(task)
		if err != nil {
			return Outcome{}, err
		}
		if stop.Kind == StopSignal && s.ignoredSignals[stop.Signo] {
			continue
		}
		if out, ok := breakOutcome(stop); ok {
			return out, nil
		}
		if stop.Kind != StopSyscall {
			return Outcome{}, errors.Errorf("replay: expected syscall entry in %v, got stop %d",
				task, stop.Kind)
		}
		return Outcome{Result: ResultComplete}, nil
	}
}

func (s *Session) exitSyscall(task *session.Task, frame *trace.Frame, c Constraints) (Outcome, error) {
	for {
		stop, err := s.exec.RunToSyscall(task)
		if err != nil {
			return Outcome{}, err
		}
		if stop.Kind == StopSignal && s.ignoredSignals[stop.Signo] {
			continue
		}
		if out, ok := breakOutcome(stop); ok {
			return out, nil
		}
		if stop.Kind != StopSyscall {
			return Outcome{}, errors.Errorf("replay: expected syscall exit in %v, got stop %d",
				task, stop.Kind)
		}
		return Outcome{Result: ResultComplete}, nil
	}
}

// installRegion realizes one recorded mapping: shared mappings go
// against emulated files so replayed processes keep sharing without
// touching the original backing file.
func (s *Session) installRegion(task *session.Task, region *trace.MappedRegion) error {
	km := memory.NewKernelMapping(region.Start, region.End, region.FsName,
		region.Device, region.Inode, region.Prot, region.Flags, region.FileOffsetBytes)

	var emu memory.EmuFileHandle
	if km.IsShared() && region.Source != trace.SourceFile {
		f, err := s.emu.GetOrCreate(emufs.FileID{Device: region.Device, Inode: region.Inode},
			region.FsName, int64(region.End-region.Start))
		if err != nil {
			return err
		}
		emu = f
	}
	if err := s.exec.MapRegion(task, region, emu); err != nil {
		return err
	}
	task.AddressSpace().AddMapping(km, km, emu)
	return nil
}

func (s *Session) deterministicSignal(task *session.Task, frame *trace.Frame, step Step) (Outcome, error) {
	stop, err := s.resumeFiltered(task, RunContinue, 0)
	if err != nil {
		return Outcome{}, err
	}
	if stop.Kind == StopSignal && stop.Signo == step.Signo {
		task.PendingSiginfo = &frame.Event.Signal().Siginfo
		return Outcome{Result: ResultComplete}, nil
	}
	if out, ok := breakOutcome(stop); ok && stop.Kind != StopSignal {
		return out, nil
	}
	return Outcome{}, errors.Errorf(
		"replay: expected deterministic signal %d in %v at time %d, got stop %d (signal %d)",
		step.Signo, task, frame.Time, stop.Kind, stop.Signo)
}

func (s *Session) deliverSignal(task *session.Task, frame *trace.Frame) (Outcome, error) {
	si := frame.Event.Signal().Siginfo
	if err := s.exec.DeliverSignal(task, &si); err != nil {
		return Outcome{}, err
	}
	task.PendingSiginfo = nil
	return Outcome{Result: ResultComplete}, nil
}

func (s *Session) exitTask(task *session.Task) (Outcome, error) {
	if err := s.exec.ExitTask(task); err != nil {
		return Outcome{}, err
	}
	task.Destroy()
	return Outcome{Result: ResultComplete}, nil
}
