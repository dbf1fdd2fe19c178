// Package session tracks the supervised task tree: tasks, their
// thread groups, the address spaces they share, and how all of it
// copies for checkpoints.
package session

import (
	"fmt"

	"github.com/replaykit/retrace/pkg/event"
	"github.com/replaykit/retrace/pkg/memory"
	"github.com/replaykit/retrace/pkg/perfcounters"
	"github.com/replaykit/retrace/pkg/syscallbuf"
	"github.com/replaykit/retrace/pkg/system"
)

// Task is one supervised thread. During replay Tid is the real tid of
// the replaying thread while RecTid is the tid it had when recorded;
// trace frames are keyed by RecTid.
type Task struct {
	Tid    int32
	RecTid int32

	Regs      system.Registers
	ExtraRegs system.ExtraRegisters

	// PendingSiginfo is a signal observed but not yet delivered.
	PendingSiginfo *event.SigInfo

	TickCount perfcounters.Ticks

	// Priority orders scheduling; lower value runs first.
	Priority int
	// InRoundRobin marks tasks queued by a sched_yield round.
	InRoundRobin bool

	// Scratch is supervisor-owned tracee memory for syscall argument
	// staging.
	Scratch memory.Range

	// SyscallbufChild is the tracee-side address of the ring; Buffer is
	// the supervisor's model of its contents.
	SyscallbufChild uint64
	Buffer          *syscallbuf.Buffer

	as      *memory.AddressSpace
	tg      *TaskGroup
	session *Session

	destroyed bool
}

func (t *Task) AddressSpace() *memory.AddressSpace { return t.as }
func (t *Task) TaskGroup() *TaskGroup              { return t.tg }
func (t *Task) Session() *Session                  { return t.session }

func (t *Task) String() string {
	return fmt.Sprintf("task %d (rec %d)", t.Tid, t.RecTid)
}

// Destroy unregisters the task from its session, its task group and
// its address space. The back-references are weak: nothing here keeps
// a dead task alive.
func (t *Task) Destroy() {
	if t.destroyed {
		return
	}
	t.destroyed = true
	if t.tg != nil {
		t.tg.removeTask(t)
		t.tg = nil
	}
	if t.session != nil {
		t.session.removeTask(t)
		t.session = nil
	}
	t.as = nil
}

// TaskGroup is a thread group (a process): the set of tasks sharing a
// tgid, linked to parent and child groups.
type TaskGroup struct {
	Tgid    int32
	RecTgid int32

	// ExitStatus is set when the group leader exits.
	ExitStatus int32
	Exited     bool

	parent   *TaskGroup
	children map[*TaskGroup]bool
	tasks    map[int32]*Task
}

func newTaskGroup(tgid, recTgid int32, parent *TaskGroup) *TaskGroup {
	tg := &TaskGroup{
		Tgid:     tgid,
		RecTgid:  recTgid,
		parent:   parent,
		children: map[*TaskGroup]bool{},
		tasks:    map[int32]*Task{},
	}
	if parent != nil {
		parent.children[tg] = true
	}
	return tg
}

func (tg *TaskGroup) Parent() *TaskGroup { return tg.parent }

func (tg *TaskGroup) Tasks() []*Task {
	out := make([]*Task, 0, len(tg.tasks))
	for _, t := range tg.tasks {
		out = append(out, t)
	}
	return out
}

func (tg *TaskGroup) addTask(t *Task) { tg.tasks[t.Tid] = t }

func (tg *TaskGroup) removeTask(t *Task) {
	delete(tg.tasks, t.Tid)
	if len(tg.tasks) == 0 {
		tg.unlink()
	}
}

// unlink detaches an empty group from the tree; its children reparent
// to the grandparent, as the kernel reparents orphans.
func (tg *TaskGroup) unlink() {
	if tg.parent != nil {
		delete(tg.parent.children, tg)
	}
	for child := range tg.children {
		child.parent = tg.parent
		if tg.parent != nil {
			tg.parent.children[child] = true
		}
	}
	tg.children = map[*TaskGroup]bool{}
	tg.parent = nil
}
