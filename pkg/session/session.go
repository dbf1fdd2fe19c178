package session

import (
	"sort"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/replaykit/retrace/pkg/memory"
	"github.com/replaykit/retrace/pkg/syscallbuf"
	"github.com/replaykit/retrace/pkg/system"
)

// Session owns one tree of supervised tasks: the recorder has exactly
// one, the replayer has one per checkpoint or diversion.
type Session struct {
	tasks  map[int32]*Task
	groups map[int32]*TaskGroup

	// vmRefs counts tasks per address space so the space set can be
	// enumerated (emufs GC) and dropped when the last task goes.
	vmRefs map[*memory.AddressSpace]int
}

func New() *Session {
	return &Session{
		tasks:  map[int32]*Task{},
		groups: map[int32]*TaskGroup{},
		vmRefs: map[*memory.AddressSpace]int{},
	}
}

// CreateInitialTask sets up the first task of the tree after the
// tracee's exec.
func (s *Session) CreateInitialTask(tid int32, exe string, arch system.Arch) *Task {
	as := memory.NewAddressSpace(exe, arch)
	tg := newTaskGroup(tid, tid, nil)
	t := &Task{
		Tid:     tid,
		RecTid:  tid,
		Regs:    system.NewRegisters(arch),
		as:      as,
		tg:      tg,
		session: s,
	}
	s.tasks[tid] = t
	s.groups[tid] = tg
	s.vmRefs[as]++
	tg.addTask(t)
	return t
}

// OnClone adds the task created by a clone/fork/vfork of parent.
// CLONE_VM shares the parent's address space, otherwise it is copied;
// CLONE_THREAD joins the parent's thread group, otherwise a child
// group is created.
func (s *Session) OnClone(parent *Task, tid, recTid int32, flags uint64) *Task {
	var as *memory.AddressSpace
	if flags&unix.CLONE_VM != 0 {
		as = parent.as
	} else {
		as = parent.as.Clone()
	}

	var tg *TaskGroup
	if flags&unix.CLONE_THREAD != 0 {
		tg = parent.tg
	} else {
		tg = newTaskGroup(tid, recTid, parent.tg)
		s.groups[tid] = tg
	}

	t := &Task{
		Tid:      tid,
		RecTid:   recTid,
		Regs:     parent.Regs,
		Priority: parent.Priority,
		as:       as,
		tg:       tg,
		session:  s,
	}
	s.tasks[tid] = t
	s.vmRefs[as]++
	tg.addTask(t)

	log.Debugf("session.Session.OnClone: %s -> %s (flags %#x)", parent, t, flags)
	return t
}

// OnExec replaces the task's address space: execve destroys the old
// image. Other threads of the group are already dead by the time the
// exec event is observed.
func (s *Session) OnExec(t *Task, exe string, arch system.Arch) {
	s.dropVMRef(t.as)
	t.as = memory.NewAddressSpace(exe, arch)
	s.vmRefs[t.as]++
	t.Regs = system.NewRegisters(arch)
	t.SyscallbufChild = 0
	t.Buffer = nil
}

// OnExit destroys the task and releases its address-space reference.
func (s *Session) OnExit(t *Task) {
	s.dropVMRef(t.as)
	t.Destroy()
}

func (s *Session) removeTask(t *Task) {
	delete(s.tasks, t.Tid)
	if tg := s.groups[t.Tid]; tg != nil && len(tg.tasks) == 0 {
		delete(s.groups, t.Tid)
	}
}

func (s *Session) dropVMRef(as *memory.AddressSpace) {
	if as == nil {
		return
	}
	s.vmRefs[as]--
	if s.vmRefs[as] <= 0 {
		delete(s.vmRefs, as)
	}
}

// FindTask looks a task up by its current tid.
func (s *Session) FindTask(tid int32) (*Task, bool) {
	t, ok := s.tasks[tid]
	return t, ok
}

// FindTaskByRecTid looks a task up by its recorded tid, which is how
// trace frames name tasks.
func (s *Session) FindTaskByRecTid(recTid int32) (*Task, bool) {
	for _, t := range s.tasks {
		if t.RecTid == recTid {
			return t, true
		}
	}
	return nil, false
}

// Tasks returns every live task ordered by tid.
func (s *Session) Tasks() []*Task {
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tid < out[j].Tid })
	return out
}

func (s *Session) TaskCount() int { return len(s.tasks) }

// AddressSpaces returns the distinct address spaces in use.
func (s *Session) AddressSpaces() []*memory.AddressSpace {
	out := make([]*memory.AddressSpace, 0, len(s.vmRefs))
	for as := range s.vmRefs {
		out = append(out, as)
	}
	return out
}

// CopyStateTo populates an empty destination session with a deep copy
// of this one: the checkpoint operation. Shared address spaces stay
// shared among the copied tasks; task-group parentage is preserved.
func (s *Session) CopyStateTo(dst *Session) error {
	if len(dst.tasks) != 0 {
		return errors.New("session: checkpoint destination is not empty")
	}

	asCopies := map[*memory.AddressSpace]*memory.AddressSpace{}
	for as := range s.vmRefs {
		asCopies[as] = as.Clone()
	}

	tgCopies := map[*TaskGroup]*TaskGroup{}
	var copyGroup func(tg *TaskGroup) *TaskGroup
	copyGroup = func(tg *TaskGroup) *TaskGroup {
		if tg == nil {
			return nil
		}
		if cp, ok := tgCopies[tg]; ok {
			return cp
		}
		cp := newTaskGroup(tg.Tgid, tg.RecTgid, copyGroup(tg.parent))
		cp.ExitStatus = tg.ExitStatus
		cp.Exited = tg.Exited
		tgCopies[tg] = cp
		dst.groups[tg.Tgid] = cp
		return cp
	}

	for tid, t := range s.tasks {
		cp := &Task{
			Tid:             t.Tid,
			RecTid:          t.RecTid,
			Regs:            t.Regs,
			ExtraRegs:       t.ExtraRegs,
			TickCount:       t.TickCount,
			Priority:        t.Priority,
			InRoundRobin:    t.InRoundRobin,
			Scratch:         t.Scratch,
			SyscallbufChild: t.SyscallbufChild,
			as:              asCopies[t.as],
			tg:              copyGroup(t.tg),
			session:         dst,
		}
		if t.PendingSiginfo != nil {
			si := *t.PendingSiginfo
			cp.PendingSiginfo = &si
		}
		if t.Buffer != nil {
			buf := make([]byte, len(t.Buffer.Bytes()))
			copy(buf, t.Buffer.Bytes())
			cp.Buffer = syscallbuf.FromBytes(buf)
		}
		dst.tasks[tid] = cp
		dst.vmRefs[cp.as]++
		cp.tg.addTask(cp)
	}
	return nil
}
