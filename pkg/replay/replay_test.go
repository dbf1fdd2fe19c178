package replay

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/replaykit/retrace/pkg/event"
	"github.com/replaykit/retrace/pkg/memory"
	"github.com/replaykit/retrace/pkg/perfcounters"
	"github.com/replaykit/retrace/pkg/session"
	"github.com/replaykit/retrace/pkg/syscallbuf"
	"github.com/replaykit/retrace/pkg/system"
	"github.com/replaykit/retrace/pkg/trace"
)

const (
	testRecTid = int32(100)
	testTid    = int32(500)
)

func testRegs() system.Registers {
	regs := system.NewRegisters(system.ArchX8664)
	regs.SetIP(0x7f0000001000)
	regs.SetSP(0x7ffffff00000)
	return regs
}

func syscallFrame(w *trace.Writer, no int64, state event.SyscallState, ticks trace.Ticks) trace.Frame {
	regs := testRegs()
	regs.SetSyscallno(no)
	ev := event.NewSyscall(event.Syscall, event.SyscallEvent{
		State:  state,
		Number: int32(no),
		Regs:   regs,
	}, system.ArchX8664)
	f := trace.NewFrame(w.Time(), testRecTid, ev, ticks, 0)
	f.Regs = regs
	return f
}

func schedFrame(w *trace.Writer, ticks trace.Ticks, regs system.Registers) trace.Frame {
	f := trace.NewFrame(w.Time(), testRecTid, event.New(event.Sched, true, system.ArchX8664), ticks, 0)
	f.Regs = regs
	return f
}

func newTestTrace(t *testing.T, build func(w *trace.Writer)) *trace.Reader {
	t.Helper()
	t.Setenv(trace.TraceDirEnvVar, t.TempDir())
	w, err := trace.NewWriter([]string{"/bin/date", "-u"}, []string{"TERM=dumb"}, "/", -1)
	require.NoError(t, err)
	build(w)
	require.NoError(t, w.Close())

	r, err := trace.NewReader(w.Dir())
	require.NoError(t, err)
	return r
}

// fakeExecutor scripts tracee behavior so the step engine can be
// driven without ptrace.
type fakeExecutor struct {
	resumes   []RunCommand
	maxTicks  []perfcounters.Ticks
	writes    map[uint64][]byte
	exited    []int32
	cloneTids []int32
	regsSet   []int32

	onResume  func(t *session.Task, cmd RunCommand, maxTicks perfcounters.Ticks) Stop
	onSyscall func(t *session.Task) Stop
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{writes: map[uint64][]byte{}}
}

func (f *fakeExecutor) RunToSyscall(t *session.Task) (Stop, error) {
	if f.onSyscall != nil {
		return f.onSyscall(t), nil
	}
	return Stop{Kind: StopSyscall}, nil
}

func (f *fakeExecutor) Resume(t *session.Task, cmd RunCommand, maxTicks perfcounters.Ticks) (Stop, error) {
	f.resumes = append(f.resumes, cmd)
	f.maxTicks = append(f.maxTicks, maxTicks)
	return f.onResume(t, cmd, maxTicks), nil
}

func (f *fakeExecutor) SetRegs(t *session.Task, regs system.Registers) error {
	f.regsSet = append(f.regsSet, t.Tid)
	t.Regs = regs
	return nil
}

func (f *fakeExecutor) ReadBytes(t *session.Task, addr uint64, buf []byte) error {
	copy(buf, f.writes[addr])
	return nil
}

func (f *fakeExecutor) WriteBytes(t *session.Task, addr uint64, data []byte) error {
	f.writes[addr] = append([]byte(nil), data...)
	return nil
}

func (f *fakeExecutor) MapRegion(t *session.Task, region *trace.MappedRegion, emu memory.EmuFileHandle) error {
	return nil
}

func (f *fakeExecutor) DeliverSignal(t *session.Task, si *event.SigInfo) error {
	return nil
}

func (f *fakeExecutor) HarvestClone(t *session.Task) (int32, error) {
	if len(f.cloneTids) == 0 {
		return 0, errors.New("no scripted clone child")
	}
	tid := f.cloneTids[0]
	f.cloneTids = f.cloneTids[1:]
	return tid, nil
}

func (f *fakeExecutor) ExitTask(t *session.Task) error {
	f.exited = append(f.exited, t.Tid)
	return nil
}

func newTestSession(t *testing.T, r *trace.Reader, exec Executor) *Session {
	t.Helper()
	s, err := NewSession(r, exec)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	s.BootstrapInitialTask(testTid, testRecTid, "/bin/date")
	return s
}

func TestSetupStep(t *testing.T) {
	arch := system.ArchX8664
	sigSegv := event.SignalEvent{Siginfo: event.SigInfo{Signo: 11, Addr: 0x1}, Deterministic: true}
	sigUsr1 := event.SignalEvent{Siginfo: event.SigInfo{Signo: 10}}

	tests := []struct {
		name  string
		ev    event.Event
		ticks trace.Ticks
		want  Step
	}{
		{
			name:  "syscall entry",
			ev:    event.NewSyscall(event.Syscall, event.SyscallEvent{State: event.EnteringSyscall, Number: 1}, arch),
			ticks: 10,
			want:  Step{Type: StepEnterSyscall, Syscallno: 1, TargetTicks: 10},
		},
		{
			name: "syscall exit",
			ev:   event.NewSyscall(event.Syscall, event.SyscallEvent{State: event.ExitingSyscall, Number: 1}, arch),
			want: Step{Type: StepExitSyscall, Syscallno: 1},
		},
		{
			name: "interrupted syscall",
			ev:   event.NewSyscall(event.SyscallInterruption, event.SyscallEvent{State: event.ExitingSyscall, Number: 0}, arch),
			want: Step{Type: StepExitSyscall},
		},
		{
			name:  "sched",
			ev:    event.New(event.Sched, true, arch),
			ticks: 500,
			want:  Step{Type: StepRetire, TargetTicks: 500},
		},
		{
			name:  "deterministic signal",
			ev:    event.NewSignal(event.Signal, sigSegv, arch),
			ticks: 42,
			want:  Step{Type: StepDeterministicSignal, Signo: 11, TargetTicks: 42},
		},
		{
			name:  "async signal",
			ev:    event.NewSignal(event.Signal, sigUsr1, arch),
			ticks: 42,
			want:  Step{Type: StepProgramAsyncSignalInterrupt, Signo: 10, TargetTicks: 42},
		},
		{
			name: "signal delivery",
			ev:   event.NewSignal(event.SignalDelivery, sigUsr1, arch),
			want: Step{Type: StepDeliverSignal, Signo: 10},
		},
		{
			name: "syscallbuf flush",
			ev:   event.New(event.SyscallbufFlush, false, arch),
			want: Step{Type: StepFlushSyscallbuf},
		},
		{
			name: "syscallbuf reset is quiet",
			ev:   event.New(event.SyscallbufReset, false, arch),
			want: Step{Type: StepNone},
		},
		{
			name: "patch",
			ev:   event.New(event.PatchSyscall, false, arch),
			want: Step{Type: StepPatchSyscall},
		},
		{
			name: "exit",
			ev:   event.New(event.Exit, true, arch),
			want: Step{Type: StepExitTask},
		},
		{
			name: "trace termination is quiet",
			ev:   event.New(event.TraceTermination, false, arch),
			want: Step{Type: StepNone},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			frame := trace.NewFrame(1, testRecTid, tc.ev, tc.ticks, 0)
			assert.Equal(t, tc.want, setupStep(&frame))
		})
	}
}

func TestReplayStepStopsAtTimeLimit(t *testing.T) {
	r := newTestTrace(t, func(w *trace.Writer) {
		f := schedFrame(w, 10, testRegs())
		w.WriteFrame(&f)
	})
	s := newTestSession(t, r, newFakeExecutor())

	out, err := s.ReplayStep(Constraints{StopAtTime: 1})
	require.NoError(t, err)
	assert.Equal(t, ResultIncomplete, out.Result)
	assert.True(t, out.Break.ReachedTarget)
	assert.Equal(t, trace.FrameTime(0), s.CurrentTime(), "the frame must not be consumed")
}

func TestSchedAdvancesToTickTarget(t *testing.T) {
	regs := testRegs()
	r := newTestTrace(t, func(w *trace.Writer) {
		f := schedFrame(w, 5000, regs)
		w.WriteFrame(&f)
	})

	exec := newFakeExecutor()
	exec.onResume = func(task *session.Task, cmd RunCommand, maxTicks perfcounters.Ticks) Stop {
		if cmd == RunContinue {
			task.TickCount += maxTicks
			return Stop{Kind: StopTicksInterrupt}
		}
		task.TickCount++
		if task.TickCount == 5000 {
			task.Regs = regs
		}
		return Stop{Kind: StopSinglestep}
	}
	s := newTestSession(t, r, exec)

	out, err := s.ReplayStep(Constraints{})
	require.NoError(t, err)
	assert.Equal(t, ResultComplete, out.Result)
	assert.Equal(t, trace.FrameTime(1), s.CurrentTime())

	// One bulk resume up to the skid boundary, then single-steps.
	require.NotEmpty(t, exec.resumes)
	assert.Equal(t, RunContinue, exec.resumes[0])
	assert.Equal(t, perfcounters.Ticks(4000), exec.maxTicks[0])
	assert.Len(t, exec.resumes, 1001)
}

func TestOvershootingTickTargetFails(t *testing.T) {
	r := newTestTrace(t, func(w *trace.Writer) {
		f := schedFrame(w, 100, testRegs())
		w.WriteFrame(&f)
	})

	exec := newFakeExecutor()
	exec.onResume = func(task *session.Task, cmd RunCommand, maxTicks perfcounters.Ticks) Stop {
		task.TickCount += 500
		return Stop{Kind: StopSinglestep}
	}
	s := newTestSession(t, r, exec)

	_, err := s.ReplayStep(Constraints{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overshot")
}

func TestSinglestepHandsControlBack(t *testing.T) {
	r := newTestTrace(t, func(w *trace.Writer) {
		f := schedFrame(w, 3, testRegs())
		w.WriteFrame(&f)
	})

	exec := newFakeExecutor()
	exec.onResume = func(task *session.Task, cmd RunCommand, maxTicks perfcounters.Ticks) Stop {
		task.TickCount++
		return Stop{Kind: StopSinglestep}
	}
	s := newTestSession(t, r, exec)

	out, err := s.ReplayStep(Constraints{Command: RunSinglestep})
	require.NoError(t, err)
	assert.Equal(t, ResultIncomplete, out.Result)
	assert.True(t, out.Break.SinglestepDone)
	assert.NotNil(t, out.Break.Task)
	assert.Equal(t, trace.FrameTime(0), s.CurrentTime(), "frame stays pending across single-steps")
}

func TestIgnoredSignalsAreSwallowed(t *testing.T) {
	regs := testRegs()
	r := newTestTrace(t, func(w *trace.Writer) {
		f := schedFrame(w, 50, regs)
		w.WriteFrame(&f)
	})

	exec := newFakeExecutor()
	sentChld := false
	exec.onResume = func(task *session.Task, cmd RunCommand, maxTicks perfcounters.Ticks) Stop {
		if !sentChld {
			sentChld = true
			return Stop{Kind: StopSignal, Signo: 17} // SIGCHLD
		}
		task.TickCount = 50
		task.Regs = regs
		return Stop{Kind: StopSinglestep}
	}
	s := newTestSession(t, r, exec)

	out, err := s.ReplayStep(Constraints{})
	require.NoError(t, err)
	assert.Equal(t, ResultComplete, out.Result)
	assert.Len(t, exec.resumes, 2)
}

func TestWatchpointStopBreaksStep(t *testing.T) {
	watched := memory.NewRange(0x601000, 0x601008)
	r := newTestTrace(t, func(w *trace.Writer) {
		f := schedFrame(w, 50, testRegs())
		w.WriteFrame(&f)
	})

	exec := newFakeExecutor()
	exec.onResume = func(task *session.Task, cmd RunCommand, maxTicks perfcounters.Ticks) Stop {
		return Stop{Kind: StopWatchpoint, Watches: []memory.Range{watched}}
	}
	s := newTestSession(t, r, exec)

	out, err := s.ReplayStep(Constraints{})
	require.NoError(t, err)
	assert.Equal(t, ResultIncomplete, out.Result)
	assert.Equal(t, []memory.Range{watched}, out.Break.Watches)
	assert.Equal(t, trace.FrameTime(0), s.CurrentTime(), "the frame stays pending at a watch hit")
}

func TestUnexpectedSignalBreaksStep(t *testing.T) {
	r := newTestTrace(t, func(w *trace.Writer) {
		f := schedFrame(w, 50, testRegs())
		w.WriteFrame(&f)
	})

	exec := newFakeExecutor()
	exec.onResume = func(task *session.Task, cmd RunCommand, maxTicks perfcounters.Ticks) Stop {
		return Stop{Kind: StopSignal, Signo: 10} // SIGUSR1
	}
	s := newTestSession(t, r, exec)

	out, err := s.ReplayStep(Constraints{})
	require.NoError(t, err)
	assert.Equal(t, ResultIncomplete, out.Result)
	assert.Equal(t, int32(10), out.Break.SignalStop)
	assert.Equal(t, trace.FrameTime(0), s.CurrentTime())
}

func TestTickDivergenceIsAnError(t *testing.T) {
	r := newTestTrace(t, func(w *trace.Writer) {
		f := syscallFrame(w, 1, event.EnteringSyscall, 777)
		w.WriteFrame(&f)
	})

	exec := newFakeExecutor()
	exec.onSyscall = func(task *session.Task) Stop {
		regs := testRegs()
		regs.SetSyscallno(1)
		task.Regs = regs
		return Stop{Kind: StopSyscall}
	}
	s := newTestSession(t, r, exec)

	_, err := s.ReplayStep(Constraints{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tick divergence")
}

func TestRegisterDivergenceIsAnError(t *testing.T) {
	r := newTestTrace(t, func(w *trace.Writer) {
		f := syscallFrame(w, 1, event.EnteringSyscall, 0)
		w.WriteFrame(&f)
	})

	exec := newFakeExecutor()
	exec.onSyscall = func(task *session.Task) Stop {
		regs := testRegs()
		regs.SetIP(0xbad0000000)
		task.Regs = regs
		return Stop{Kind: StopSyscall}
	}
	s := newTestSession(t, r, exec)

	_, err := s.ReplayStep(Constraints{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "register divergence")
}

func TestExitSyscallAppliesRecordedSideEffects(t *testing.T) {
	payload := []byte("read() result bytes")
	var exitRegs system.Registers

	r := newTestTrace(t, func(w *trace.Writer) {
		entry := syscallFrame(w, 0, event.EnteringSyscall, 0)
		w.WriteFrame(&entry)

		w.WriteRaw(payload, 0x7f0000002000)
		exit := syscallFrame(w, 0, event.ExitingSyscall, 0)
		exit.Regs.SetSyscallResult(uint64(len(payload)))
		exitRegs = exit.Regs
		w.WriteFrame(&exit)
	})

	exec := newFakeExecutor()
	exec.onSyscall = func(task *session.Task) Stop {
		regs := testRegs()
		regs.SetSyscallno(0)
		task.Regs = regs
		return Stop{Kind: StopSyscall}
	}
	s := newTestSession(t, r, exec)

	out, err := s.ReplayStep(Constraints{})
	require.NoError(t, err)
	require.Equal(t, ResultComplete, out.Result)

	out, err = s.ReplayStep(Constraints{})
	require.NoError(t, err)
	require.Equal(t, ResultComplete, out.Result)

	assert.Equal(t, payload, exec.writes[0x7f0000002000])
	task, ok := s.Tasks().FindTaskByRecTid(testRecTid)
	require.True(t, ok)
	assert.Equal(t, uint64(len(payload)), task.Regs.SyscallResult(),
		"recorded result registers must be forced")
	assert.Equal(t, exitRegs.IP(), task.Regs.IP())
}

func TestExitSyscallRejectsUnexpectedStop(t *testing.T) {
	r := newTestTrace(t, func(w *trace.Writer) {
		entry := syscallFrame(w, 1, event.EnteringSyscall, 0)
		w.WriteFrame(&entry)
		exit := syscallFrame(w, 1, event.ExitingSyscall, 0)
		w.WriteFrame(&exit)
	})

	exec := newFakeExecutor()
	calls := 0
	exec.onSyscall = func(task *session.Task) Stop {
		calls++
		if calls == 1 {
			regs := testRegs()
			regs.SetSyscallno(1)
			task.Regs = regs
			return Stop{Kind: StopSyscall}
		}
		return Stop{Kind: StopExited}
	}
	s := newTestSession(t, r, exec)

	out, err := s.ReplayStep(Constraints{})
	require.NoError(t, err)
	require.Equal(t, ResultComplete, out.Result)

	// A tracee that dies instead of reaching the recorded syscall exit
	// is a divergence, not a completed frame.
	_, err = s.ReplayStep(Constraints{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected syscall exit")
}

func TestCloneCreatesReplayTask(t *testing.T) {
	const (
		childRecTid = int32(101)
		childTid    = int32(501)
	)
	cloneFlags := uint64(unix.CLONE_VM | unix.CLONE_FS | unix.CLONE_FILES |
		unix.CLONE_SIGHAND | unix.CLONE_THREAD)

	cloneRegs := testRegs()
	cloneRegs.SetSyscallno(int64(system.X8664SysClone))
	cloneRegs.SetArg(1, cloneFlags)

	r := newTestTrace(t, func(w *trace.Writer) {
		ev := event.NewSyscall(event.Syscall, event.SyscallEvent{
			State:  event.EnteringSyscall,
			Number: int32(system.X8664SysClone),
			Regs:   cloneRegs,
		}, system.ArchX8664)
		entry := trace.NewFrame(w.Time(), testRecTid, ev, 0, 0)
		entry.Regs = cloneRegs
		w.WriteFrame(&entry)

		exitRegs := cloneRegs
		exitRegs.SetSyscallResult(uint64(childRecTid))
		ev = event.NewSyscall(event.Syscall, event.SyscallEvent{
			State:  event.ExitingSyscall,
			Number: int32(system.X8664SysClone),
			Regs:   cloneRegs,
		}, system.ArchX8664)
		exit := trace.NewFrame(w.Time(), testRecTid, ev, 0, 0)
		exit.Regs = exitRegs
		w.WriteFrame(&exit)

		// The child's first scheduling: only a realized child task can
		// replay this frame.
		childRegs := exitRegs
		childRegs.SetSyscallResult(0)
		first := trace.NewFrame(w.Time(), childRecTid,
			event.New(event.Sched, true, system.ArchX8664), 0, 0)
		first.Regs = childRegs
		w.WriteFrame(&first)
	})

	exec := newFakeExecutor()
	exec.cloneTids = []int32{childTid}
	exec.onSyscall = func(task *session.Task) Stop {
		task.Regs = cloneRegs
		return Stop{Kind: StopSyscall}
	}
	s := newTestSession(t, r, exec)

	for i := 0; i < 2; i++ {
		out, err := s.ReplayStep(Constraints{})
		require.NoError(t, err)
		require.Equal(t, ResultComplete, out.Result)
	}

	child, ok := s.Tasks().FindTask(childTid)
	require.True(t, ok, "the clone exit must realize the child task")
	assert.Equal(t, childRecTid, child.RecTid)
	assert.Empty(t, exec.cloneTids, "the live child tid came from the executor")
	assert.Equal(t, uint64(0), child.Regs.SyscallResult())
	parent, ok := s.Tasks().FindTask(testTid)
	require.True(t, ok)
	assert.Same(t, parent.AddressSpace(), child.AddressSpace(),
		"CLONE_VM shares the address space")

	out, err := s.ReplayStep(Constraints{})
	require.NoError(t, err)
	assert.Equal(t, ResultComplete, out.Result, "the child frame replays on the new task")
}

func TestFlushInstallsRingRecords(t *testing.T) {
	const bufChild = uint64(0x70000000)
	records := []syscallbuf.Record{
		{Syscallno: 228, Ret: 0, Payload: []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}},
		{Syscallno: 39, Ret: 4242},
	}

	r := newTestTrace(t, func(w *trace.Writer) {
		w.WriteRaw(syscallbuf.EncodeRecords(records), bufChild+syscallbuf.HeaderSize)
		flush := trace.NewFrame(w.Time(), testRecTid,
			event.New(event.SyscallbufFlush, false, system.ArchX8664), 0, 0)
		w.WriteFrame(&flush)

		reset := trace.NewFrame(w.Time(), testRecTid,
			event.New(event.SyscallbufReset, false, system.ArchX8664), 0, 0)
		w.WriteFrame(&reset)
	})

	exec := newFakeExecutor()
	s := newTestSession(t, r, exec)
	task, ok := s.Tasks().FindTaskByRecTid(testRecTid)
	require.True(t, ok)
	task.SyscallbufChild = bufChild
	task.Buffer = syscallbuf.NewBuffer(4096)

	out, err := s.ReplayStep(Constraints{})
	require.NoError(t, err)
	require.Equal(t, ResultComplete, out.Result)

	// The ring image went into the tracee and into the local mirror.
	assert.NotEmpty(t, exec.writes[bufChild+syscallbuf.HeaderSize])
	got, err := task.Buffer.DrainRecords()
	require.NoError(t, err)
	assert.Equal(t, records, got)

	// The reset frame empties the mirror one frame later.
	out, err = s.ReplayStep(Constraints{})
	require.NoError(t, err)
	require.Equal(t, ResultComplete, out.Result)
	assert.Equal(t, uint32(0), task.Buffer.NumRecBytes())
}

func TestExitTaskTearsDownTask(t *testing.T) {
	r := newTestTrace(t, func(w *trace.Writer) {
		exit := trace.NewFrame(w.Time(), testRecTid,
			event.New(event.Exit, false, system.ArchX8664), 0, 0)
		w.WriteFrame(&exit)
	})

	exec := newFakeExecutor()
	s := newTestSession(t, r, exec)

	out, err := s.ReplayStep(Constraints{})
	require.NoError(t, err)
	assert.Equal(t, ResultComplete, out.Result)
	assert.Equal(t, []int32{testTid}, exec.exited)
	_, ok := s.Tasks().FindTaskByRecTid(testRecTid)
	assert.False(t, ok)
}

func TestCheckpointRestoreRewinds(t *testing.T) {
	r := newTestTrace(t, func(w *trace.Writer) {
		for i := 0; i < 2; i++ {
			f := syscallFrame(w, 1, event.EnteringSyscall, 0)
			w.WriteFrame(&f)
		}
	})

	exec := newFakeExecutor()
	exec.onSyscall = func(task *session.Task) Stop {
		regs := testRegs()
		regs.SetSyscallno(1)
		task.Regs = regs
		return Stop{Kind: StopSyscall}
	}
	s := newTestSession(t, r, exec)

	_, err := s.ReplayStep(Constraints{})
	require.NoError(t, err)
	require.Equal(t, trace.FrameTime(1), s.CurrentTime())

	// A writable anonymous mapping whose bytes must come back with the
	// checkpoint.
	const heapStart = uint64(0x7f0000100000)
	task, ok := s.Tasks().FindTaskByRecTid(testRecTid)
	require.True(t, ok)
	km := memory.NewKernelMapping(heapStart, heapStart+0x1000, "", 0, 0,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS, 0)
	task.AddressSpace().AddMapping(km, km, nil)
	require.NoError(t, exec.WriteBytes(task, heapStart, []byte("before")))

	cp, err := s.Checkpoint(true, "after frame 1")
	require.NoError(t, err)
	assert.NotEmpty(t, cp.ID)
	assert.Equal(t, trace.FrameTime(1), cp.Time)

	_, err = s.ReplayStep(Constraints{})
	require.NoError(t, err)
	require.Equal(t, trace.FrameTime(2), s.CurrentTime())
	require.NoError(t, exec.WriteBytes(task, heapStart, []byte("mutated!")))

	seated := len(exec.regsSet)
	require.NoError(t, s.Restore(cp.ID))
	assert.Equal(t, trace.FrameTime(1), s.CurrentTime())
	assert.Equal(t, []byte("before"), exec.writes[heapStart][:6],
		"the checkpoint's memory image must be written back")
	require.Greater(t, len(exec.regsSet), seated, "the tracee registers must be re-seated")
	assert.Equal(t, testTid, exec.regsSet[len(exec.regsSet)-1])

	// The checkpoint survives a restore and can be used again.
	_, err = s.ReplayStep(Constraints{})
	require.NoError(t, err)
	require.NoError(t, s.Restore(cp.ID))
	assert.Equal(t, trace.FrameTime(1), s.CurrentTime())

	list := s.Checkpoints()
	require.Len(t, list, 1)
	assert.Equal(t, cp.ID, list[0].ID)

	require.NoError(t, s.DeleteCheckpoint(cp.ID))
	assert.Empty(t, s.Checkpoints())
	assert.Error(t, s.Restore(cp.ID))
}

func TestImplicitCheckpointsAreHidden(t *testing.T) {
	r := newTestTrace(t, func(w *trace.Writer) {
		f := schedFrame(w, 1, testRegs())
		w.WriteFrame(&f)
	})
	s := newTestSession(t, r, newFakeExecutor())

	_, err := s.Checkpoint(false, "internal")
	require.NoError(t, err)
	explicit, err := s.Checkpoint(true, "user")
	require.NoError(t, err)

	list := s.Checkpoints()
	require.Len(t, list, 1)
	assert.Equal(t, explicit.ID, list[0].ID)
}

func TestDiversionLeavesMainLineUntouched(t *testing.T) {
	r := newTestTrace(t, func(w *trace.Writer) {
		f := syscallFrame(w, 1, event.EnteringSyscall, 0)
		w.WriteFrame(&f)
	})

	exec := newFakeExecutor()
	exec.onSyscall = func(task *session.Task) Stop {
		regs := testRegs()
		regs.SetSyscallno(1)
		task.Regs = regs
		return Stop{Kind: StopSyscall}
	}
	s := newTestSession(t, r, exec)

	div, err := s.Diversion()
	require.NoError(t, err)
	defer div.Close()

	out, err := div.ReplayStep(Constraints{})
	require.NoError(t, err)
	assert.Equal(t, ResultComplete, out.Result)
	assert.Equal(t, trace.FrameTime(1), div.CurrentTime())
	assert.Equal(t, trace.FrameTime(0), s.CurrentTime(), "the diversion advances alone")
}
