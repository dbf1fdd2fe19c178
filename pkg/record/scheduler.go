// Package record drives recording: the ptrace supervision loop that
// turns tracee stops into trace frames, and the scheduler that decides
// which tracee runs between stops.
package record

import (
	"math/rand"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/replaykit/retrace/pkg/perfcounters"
	"github.com/replaykit/retrace/pkg/session"
)

// Scheduler picks the next task to run. Recording is single-step
// concurrency: exactly one tracee runs at a time, so this choice fully
// determines the recorded interleaving.
type Scheduler struct {
	sess    *session.Session
	current *session.Task

	// roundRobin, when non-empty, overrides priorities: tasks run in
	// queue order. sched_yield fills it so the yielder's intent (let
	// somebody else run) actually happens.
	roundRobin []*session.Task

	timeslice perfcounters.Ticks

	chaos bool
	rng   *rand.Rand
	// In chaos mode, a random window during which only the highest
	// priority band may run at all.
	highPriorityOnly int
}

const chaosPriorityRange = 8

func NewScheduler(sess *session.Session) *Scheduler {
	return &Scheduler{
		sess:      sess,
		timeslice: perfcounters.DefaultTimeslice,
	}
}

func (s *Scheduler) Current() *session.Task { return s.current }

func (s *Scheduler) SetCurrent(t *session.Task) { s.current = t }

// Timeslice is the tick budget programmed into the counter before
// resuming the chosen task.
func (s *Scheduler) Timeslice() perfcounters.Ticks {
	if s.chaos {
		// Short random slices shake out races that a fixed slice hides.
		return perfcounters.Ticks(1 + s.rng.Int63n(int64(s.timeslice)))
	}
	return s.timeslice
}

func (s *Scheduler) SetTimeslice(t perfcounters.Ticks) { s.timeslice = t }

// EnableChaos turns on randomized scheduling, seeded for
// reproducibility of the chaos itself.
func (s *Scheduler) EnableChaos(seed int64) {
	s.chaos = true
	s.rng = rand.New(rand.NewSource(seed))
	s.RandomizePriorities()
}

// RandomizePriorities gives every task a fresh random priority and
// picks a new high-priority-only cutoff. Called periodically in chaos
// mode.
func (s *Scheduler) RandomizePriorities() {
	if !s.chaos {
		return
	}
	for _, t := range s.sess.Tasks() {
		t.Priority = int(s.rng.Int31n(chaosPriorityRange))
	}
	s.highPriorityOnly = int(s.rng.Int31n(chaosPriorityRange))
	log.Debugf("record.Scheduler.RandomizePriorities: cutoff %d", s.highPriorityOnly)
}

// OnYield queues every runnable task round-robin, starting with the
// tasks the yielder is trying to hand the CPU to.
func (s *Scheduler) OnYield(runnable func(*session.Task) bool) {
	s.roundRobin = s.roundRobin[:0]
	for _, t := range s.sess.Tasks() {
		if t == s.current || !runnable(t) {
			continue
		}
		t.InRoundRobin = true
		s.roundRobin = append(s.roundRobin, t)
	}
	if s.current != nil {
		s.current.InRoundRobin = true
		s.roundRobin = append(s.roundRobin, s.current)
	}
}

// InRoundRobinMode reports whether a yield queue is being drained.
func (s *Scheduler) InRoundRobinMode() bool { return len(s.roundRobin) > 0 }

// ChooseNext picks the task to run. The runnable predicate is the
// by_waitpid contract: it must answer from an already-harvested,
// non-blocking wait status, never by blocking. A nil return means
// every task is blocked and the caller must block in waitpid itself.
func (s *Scheduler) ChooseNext(runnable func(*session.Task) bool) *session.Task {
	// Drain the yield queue first.
	for len(s.roundRobin) > 0 {
		t := s.roundRobin[0]
		s.roundRobin = s.roundRobin[1:]
		t.InRoundRobin = false
		if runnable(t) {
			s.current = t
			return t
		}
	}

	tasks := s.sess.Tasks()
	if len(tasks) == 0 {
		return nil
	}

	// Priorities may be negative, so "nothing runnable" needs its own
	// flag rather than a sentinel value.
	best := 0
	found := false
	for _, t := range tasks {
		if !runnable(t) {
			continue
		}
		if !found || t.Priority < best {
			best = t.Priority
			found = true
		}
	}
	if !found {
		return nil
	}
	if s.chaos && best > s.highPriorityOnly {
		// Inside the high-priority-only window nothing below the
		// cutoff runs, even if that leaves the CPU idle.
		return nil
	}

	band := make([]*session.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Priority == best && runnable(t) {
			band = append(band, t)
		}
	}
	sort.Slice(band, func(i, j int) bool { return band[i].Tid < band[j].Tid })

	// Round-robin within the band: the successor of the current task
	// in cyclic tid order runs next.
	next := band[0]
	if s.current != nil {
		for _, t := range band {
			if t.Tid > s.current.Tid {
				next = t
				break
			}
		}
	}
	s.current = next
	return next
}

// OnTaskExit forgets the task everywhere the scheduler references it.
func (s *Scheduler) OnTaskExit(t *session.Task) {
	if s.current == t {
		s.current = nil
	}
	for i, q := range s.roundRobin {
		if q == t {
			s.roundRobin = append(s.roundRobin[:i], s.roundRobin[i+1:]...)
			break
		}
	}
}
