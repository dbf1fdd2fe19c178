package session

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/replaykit/retrace/pkg/memory"
	"github.com/replaykit/retrace/pkg/system"
)

func newTestSession(t *testing.T) (*Session, *Task) {
	t.Helper()
	s := New()
	leader := s.CreateInitialTask(100, "/bin/app", system.ArchX8664)
	return s, leader
}

func addMapping(as *memory.AddressSpace, start, end uint64) {
	km := memory.NewKernelMapping(start, end, "", 0, 0, unix.PROT_READ, unix.MAP_ANONYMOUS, 0)
	as.AddMapping(km, km, nil)
}

func TestCloneThreadSharesAddressSpace(t *testing.T) {
	s, leader := newTestSession(t)

	thread := s.OnClone(leader, 101, 101, unix.CLONE_VM|unix.CLONE_THREAD)
	if thread.AddressSpace() != leader.AddressSpace() {
		t.Error("CLONE_VM thread got its own address space")
	}
	if thread.TaskGroup() != leader.TaskGroup() {
		t.Error("CLONE_THREAD thread got its own task group")
	}
	if len(s.AddressSpaces()) != 1 {
		t.Errorf("%d address spaces, want 1", len(s.AddressSpaces()))
	}
}

func TestForkCopiesAddressSpace(t *testing.T) {
	s, leader := newTestSession(t)
	addMapping(leader.AddressSpace(), 0x1000, 0x2000)

	child := s.OnClone(leader, 200, 200, 0)
	if child.AddressSpace() == leader.AddressSpace() {
		t.Fatal("fork child shares the parent's address space")
	}
	if child.TaskGroup() == leader.TaskGroup() {
		t.Fatal("fork child joined the parent's thread group")
	}
	if child.TaskGroup().Parent() != leader.TaskGroup() {
		t.Error("fork child's group not parented to the forker's")
	}

	// The copy snapshots the parent's layout and then diverges.
	if _, ok := child.AddressSpace().MappingOf(0x1800); !ok {
		t.Error("child lost the parent's mapping")
	}
	leader.AddressSpace().Unmap(memory.Range{Start: 0x1000, End: 0x2000})
	if _, ok := child.AddressSpace().MappingOf(0x1800); !ok {
		t.Error("parent unmap reached the child")
	}
}

func TestExitUnregistersEverywhere(t *testing.T) {
	s, leader := newTestSession(t)
	thread := s.OnClone(leader, 101, 101, unix.CLONE_VM|unix.CLONE_THREAD)

	s.OnExit(thread)

	if _, ok := s.FindTask(101); ok {
		t.Error("exited task still findable")
	}
	if len(leader.TaskGroup().Tasks()) != 1 {
		t.Error("exited task still in its group")
	}
	if s.TaskCount() != 1 {
		t.Errorf("task count %d, want 1", s.TaskCount())
	}

	// Address space survives while the leader uses it.
	if len(s.AddressSpaces()) != 1 {
		t.Error("shared address space dropped too early")
	}
	s.OnExit(leader)
	if len(s.AddressSpaces()) != 0 {
		t.Error("address space leaked after the last task exited")
	}
}

func TestGroupReparenting(t *testing.T) {
	s, leader := newTestSession(t)
	child := s.OnClone(leader, 200, 200, 0)
	grandchild := s.OnClone(child, 300, 300, 0)

	// The middle process exits; its child reparents to the leader's
	// group.
	s.OnExit(child)
	if grandchild.TaskGroup().Parent() != leader.TaskGroup() {
		t.Error("orphaned group not reparented")
	}
}

func TestExecReplacesAddressSpace(t *testing.T) {
	s, leader := newTestSession(t)
	oldAS := leader.AddressSpace()
	addMapping(oldAS, 0x1000, 0x2000)
	leader.SyscallbufChild = 0xdead000

	s.OnExec(leader, "/bin/other", system.ArchX8664)

	newAS := leader.AddressSpace()
	if newAS == oldAS {
		t.Fatal("exec kept the old address space")
	}
	if newAS.Exe() != "/bin/other" {
		t.Errorf("exe %q, want /bin/other", newAS.Exe())
	}
	if _, ok := newAS.MappingOf(0x1800); ok {
		t.Error("old image survived exec")
	}
	if leader.SyscallbufChild != 0 {
		t.Error("syscallbuf address survived exec")
	}
	if len(s.AddressSpaces()) != 1 {
		t.Errorf("%d address spaces, want 1", len(s.AddressSpaces()))
	}
}

func TestCopyStateTo(t *testing.T) {
	s, leader := newTestSession(t)
	thread := s.OnClone(leader, 101, 101, unix.CLONE_VM|unix.CLONE_THREAD)
	forked := s.OnClone(leader, 200, 200, 0)
	addMapping(leader.AddressSpace(), 0x1000, 0x2000)
	thread.Priority = 3
	forked.TickCount = 777

	cp := New()
	if err := s.CopyStateTo(cp); err != nil {
		t.Fatalf("CopyStateTo: %v", err)
	}

	if cp.TaskCount() != 3 {
		t.Fatalf("checkpoint has %d tasks, want 3", cp.TaskCount())
	}
	cpLeader, _ := cp.FindTask(100)
	cpThread, _ := cp.FindTask(101)
	cpForked, _ := cp.FindTask(200)

	// Sharing structure is preserved, not flattened.
	if cpLeader.AddressSpace() != cpThread.AddressSpace() {
		t.Error("checkpoint broke CLONE_VM sharing")
	}
	if cpForked.AddressSpace() == cpLeader.AddressSpace() {
		t.Error("checkpoint merged distinct address spaces")
	}
	if cpLeader.TaskGroup() != cpThread.TaskGroup() {
		t.Error("checkpoint broke thread-group membership")
	}
	if cpForked.TaskGroup().Parent() != cpLeader.TaskGroup() {
		t.Error("checkpoint lost group parentage")
	}
	if cpThread.Priority != 3 || cpForked.TickCount != 777 {
		t.Error("checkpoint lost task state")
	}

	// The copy is independent of the original.
	leader.AddressSpace().Unmap(memory.Range{Start: 0x1000, End: 0x2000})
	if _, ok := cpLeader.AddressSpace().MappingOf(0x1800); !ok {
		t.Error("mutating the original reached the checkpoint")
	}

	if err := s.CopyStateTo(cp); err == nil {
		t.Error("CopyStateTo into a non-empty session succeeded")
	}
}

func TestFindTaskByRecTid(t *testing.T) {
	s, leader := newTestSession(t)
	// Replay: real tid differs from recorded tid.
	replayed := s.OnClone(leader, 4242, 101, unix.CLONE_VM|unix.CLONE_THREAD)

	got, ok := s.FindTaskByRecTid(101)
	if !ok || got != replayed {
		t.Error("lookup by recorded tid failed")
	}
	if _, ok := s.FindTaskByRecTid(9999); ok {
		t.Error("lookup of unknown recorded tid succeeded")
	}
}
