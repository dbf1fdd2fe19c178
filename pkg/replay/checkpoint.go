package replay

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/segmentio/ksuid"
	log "github.com/sirupsen/logrus"

	"github.com/replaykit/retrace/pkg/emufs"
	"github.com/replaykit/retrace/pkg/memory"
	"github.com/replaykit/retrace/pkg/session"
	"github.com/replaykit/retrace/pkg/trace"
)

// savedMemory is one writable span of a task's memory at checkpoint
// time.
type savedMemory struct {
	tid  int32
	addr uint64
	data []byte
}

// Checkpoint is a resumable snapshot of a replay: a deep copy of the
// task model, a cloned reader cursor and a cloned emulated-file set.
// Restoring one rewinds replay to its global time.
type Checkpoint struct {
	ID   string
	Time trace.FrameTime
	// Where describes the stop for listings ("time 1234 tid 567").
	Where string
	// Explicit checkpoints come from the user; implicit ones are the
	// engine's own (reverse execution, diversion bases) and are hidden
	// from listings.
	Explicit bool

	sess   *session.Session
	reader *trace.Reader
	emu    *emufs.EmuFs
	mem    []savedMemory
}

// Checkpoint captures the current replay state.
func (s *Session) Checkpoint(explicit bool, where string) (*Checkpoint, error) {
	reader, err := s.reader.Clone()
	if err != nil {
		return nil, errors.Wrap(err, "replay: cannot clone trace cursor")
	}
	sessCopy := session.New()
	if err := s.sess.CopyStateTo(sessCopy); err != nil {
		return nil, errors.Wrap(err, "replay: cannot copy task state")
	}
	emuCopy, err := s.emu.Clone()
	if err != nil {
		return nil, errors.Wrap(err, "replay: cannot clone emulated files")
	}

	cp := &Checkpoint{
		ID:       ksuid.New().String(),
		Time:     s.reader.Time(),
		Where:    where,
		Explicit: explicit,
		sess:     sessCopy,
		reader:   reader,
		emu:      emuCopy,
		mem:      s.captureWritableMemory(),
	}
	s.checkpoints[cp.ID] = cp
	log.Debugf("replay.Session.Checkpoint: %s at time %d", cp.ID, cp.Time)
	return cp, nil
}

// captureWritableMemory snapshots every writable private mapping of
// every live task, one visit per address space. Shared mappings live in
// emulated files, which the emufs clone copies on its own.
func (s *Session) captureWritableMemory() []savedMemory {
	var out []savedMemory
	seen := map[*memory.AddressSpace]bool{}
	for _, t := range s.sess.Tasks() {
		as := t.AddressSpace()
		if seen[as] {
			continue
		}
		seen[as] = true
		for _, m := range as.Mappings() {
			km := m.Map
			if !km.IsWritable() || km.IsShared() {
				continue
			}
			data := make([]byte, km.Size())
			if err := s.exec.ReadBytes(t, km.Start, data); err != nil {
				log.Debugf("replay.Session.Checkpoint: skipping %s in %v: %v", km, t, err)
				continue
			}
			out = append(out, savedMemory{tid: t.Tid, addr: km.Start, data: data})
		}
	}
	return out
}

// Restore rewinds the session to a checkpoint: the task model and trace
// cursor come back as copies, and the live tracees are re-seated with
// the checkpoint's memory image and registers. The checkpoint itself
// stays valid; restoring consumes copies, not the original.
func (s *Session) Restore(id string) error {
	cp, ok := s.checkpoints[id]
	if !ok {
		return errors.Errorf("replay: no checkpoint %q", id)
	}
	reader, err := cp.reader.Clone()
	if err != nil {
		return err
	}
	sessCopy := session.New()
	if err := cp.sess.CopyStateTo(sessCopy); err != nil {
		return err
	}
	emuCopy, err := cp.emu.Clone()
	if err != nil {
		return err
	}

	for _, sm := range cp.mem {
		t, ok := sessCopy.FindTask(sm.tid)
		if !ok {
			continue
		}
		if err := s.exec.WriteBytes(t, sm.addr, sm.data); err != nil {
			return errors.Wrapf(err, "replay: cannot restore memory at %#x in %v", sm.addr, t)
		}
	}
	for _, t := range sessCopy.Tasks() {
		if err := s.exec.SetRegs(t, t.Regs); err != nil {
			return errors.Wrapf(err, "replay: cannot restore registers of %v", t)
		}
	}

	s.reader.Close()
	s.emu.Destroy()
	s.reader = reader
	s.sess = sessCopy
	s.emu = emuCopy
	log.Debugf("replay.Session.Restore: %s back to time %d", cp.ID, cp.Time)
	return nil
}

// DeleteCheckpoint discards a checkpoint and its file clones.
func (s *Session) DeleteCheckpoint(id string) error {
	cp, ok := s.checkpoints[id]
	if !ok {
		return errors.Errorf("replay: no checkpoint %q", id)
	}
	cp.reader.Close()
	cp.emu.Destroy()
	delete(s.checkpoints, id)
	return nil
}

// Checkpoints lists the explicit checkpoints, oldest first.
func (s *Session) Checkpoints() []*Checkpoint {
	out := make([]*Checkpoint, 0, len(s.checkpoints))
	for _, cp := range s.checkpoints {
		if cp.Explicit {
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Time != out[j].Time {
			return out[i].Time < out[j].Time
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Diversion forks an ephemeral session for debugger experiments
// (inferior function calls, speculative stepping). The diversion works
// on copies; the main replay line is untouched.
func (s *Session) Diversion() (*Session, error) {
	cp, err := s.Checkpoint(false, "diversion")
	if err != nil {
		return nil, err
	}
	defer s.DeleteCheckpoint(cp.ID)

	reader, err := cp.reader.Clone()
	if err != nil {
		return nil, err
	}
	sessCopy := session.New()
	if err := cp.sess.CopyStateTo(sessCopy); err != nil {
		return nil, err
	}
	emuCopy, err := cp.emu.Clone()
	if err != nil {
		return nil, err
	}

	div := &Session{
		reader:         reader,
		sess:           sessCopy,
		emu:            emuCopy,
		exec:           s.exec,
		ignoredSignals: map[int32]bool{},
		checkpoints:    map[string]*Checkpoint{},
	}
	for signo := range s.ignoredSignals {
		div.ignoredSignals[signo] = true
	}
	return div, nil
}
