//go:build linux && amd64

package app

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/replaykit/retrace/pkg/event"
	"github.com/replaykit/retrace/pkg/replay"
	"github.com/replaykit/retrace/pkg/system"
	"github.com/replaykit/retrace/pkg/trace"
)

const (
	FlagGoto      = "goto"
	FlagOnFork    = "onfork"
	FlagOnProcess = "onprocess"
)

func replayCommand() *cli.Command {
	return &cli.Command{
		Name:      "replay",
		Usage:     "replay a recorded trace",
		ArgsUsage: "[trace-dir]",
		Flags: []cli.Flag{
			&cli.Uint64Flag{Name: FlagGoto, Usage: "pause before this event time and accept commands"},
			&cli.IntFlag{Name: FlagOnFork, Usage: "pause at the first event of this recorded tid"},
			&cli.StringFlag{Name: FlagOnProcess, Usage: "pause at the exec of this recorded pid or command name"},
			&cli.Uint64Flag{Name: FlagTrace, Usage: "print every frame from this event time on"},
		},
		Action: doReplay,
	}
}

// replayRun is the state of one replay invocation: the session, the
// attach conditions and the controller's stdin.
type replayRun struct {
	sess  *replay.Session
	stdin *bufio.Scanner

	gotoTime   trace.FrameTime
	onFork     int32
	onProcExec int32
	traceFrom  trace.FrameTime

	lastPrinted trace.FrameTime
}

func doReplay(ctx *cli.Context) error {
	r, err := openTrace(ctx)
	if err != nil {
		return err
	}

	// The first task record is the initial exec; it carries the recorded
	// tid and executable the session model needs.
	te := r.ReadTaskEvent()
	if te == nil || te.Type != trace.TaskEventExec {
		r.Close()
		return errors.New("replay: trace has no initial exec record")
	}

	run := &replayRun{
		stdin:     bufio.NewScanner(os.Stdin),
		gotoTime:  trace.FrameTime(ctx.Uint64(FlagGoto)),
		onFork:    int32(ctx.Int(FlagOnFork)),
		traceFrom: trace.FrameTime(ctx.Uint64(FlagTrace)),
	}
	run.onProcExec = resolveOnProcess(ctx.String(FlagOnProcess), te, r)

	pid, err := replay.SpawnTracee(r)
	if err != nil {
		r.Close()
		return err
	}

	exec := replay.NewPtraceExecutor(r.Dir())
	sess, err := replay.NewSession(r, exec)
	if err != nil {
		exec.Close()
		r.Close()
		return err
	}
	defer func() {
		// Session.Close also closes the reader.
		sess.Close()
		exec.Close()
	}()
	run.sess = sess

	sess.BootstrapInitialTask(int32(pid), te.Tid, te.FileName)
	log.Debugf("replay: tracee pid %d stands in for recorded tid %d (%s)", pid, te.Tid, te.FileName)

	return run.loop()
}

// resolveOnProcess turns --onprocess into a recorded tid: a number is
// used directly, a name is matched against recorded exec command names
// in the tasks substream. Zero means no exec attach point.
func resolveOnProcess(arg string, first *trace.TaskEvent, r *trace.Reader) int32 {
	if arg == "" {
		return 0
	}
	if n, err := strconv.Atoi(arg); err == nil {
		return int32(n)
	}
	match := func(te *trace.TaskEvent) bool {
		if len(te.CmdLine) == 0 {
			return false
		}
		cmd := te.CmdLine[0]
		return cmd == arg || strings.HasSuffix(cmd, "/"+arg)
	}
	if match(first) {
		return first.Tid
	}
	for {
		te := r.ReadTaskEvent()
		if te == nil {
			log.Warnf("replay: no recorded exec of %q; ignoring --onprocess", arg)
			return 0
		}
		if te.Type == trace.TaskEventExec && match(te) {
			return te.Tid
		}
	}
}

func (run *replayRun) loop() error {
	r := run.sess.Reader()
	for {
		if !r.AtEnd() && run.atAttachPoint(r.PeekFrame()) {
			quit, err := run.controller()
			if err != nil || quit {
				return err
			}
		}

		// Above the --trace event every instruction is stepped and
		// logged instead of running frames in one go.
		tracing := run.traceFrom != 0 && !r.AtEnd() && r.Time()+1 >= run.traceFrom
		command := replay.RunContinue
		if tracing {
			command = replay.RunSinglestep
			if next := r.Time() + 1; next != run.lastPrinted {
				frame := r.PeekFrame()
				fmt.Println(frame.String())
				run.lastPrinted = next
			}
		}

		out, err := run.sess.ReplayStep(replay.Constraints{
			Command:    command,
			StopAtTime: run.gotoTime,
		})
		if err != nil {
			return errors.Wrapf(err, "replay: diverged at event %d", run.sess.CurrentTime())
		}
		switch {
		case out.Result == replay.ResultTraceEnded:
			fmt.Printf("replayed %s to the end\n", r.Dir())
			return nil
		case out.Break.SinglestepDone:
			if task := out.Break.Task; task != nil {
				fmt.Printf("  tid=%d ip=%#x ticks=%d\n", task.RecTid, task.Regs.IP(), task.TickCount)
			}
		case out.Break.ReachedTarget:
			quit, err := run.controller()
			if err != nil || quit {
				return err
			}
		case out.Break.SignalStop != 0:
			log.Debugf("replay: unexpected signal %d at event %d; continuing",
				out.Break.SignalStop, run.sess.CurrentTime())
		}
	}
}

// atAttachPoint reports whether the frame about to execute is one of
// the requested pauses: the first frame of an --onfork child, or the
// execve completion of the --onprocess target.
func (run *replayRun) atAttachPoint(frame trace.Frame) bool {
	if run.onFork != 0 && frame.Tid == run.onFork {
		run.onFork = 0
		return true
	}
	if run.onProcExec != 0 && frame.Tid == run.onProcExec &&
		frame.Event.IsSyscallEvent() &&
		frame.Event.Syscall().Number == system.X8664SysExecve &&
		frame.Event.Syscall().State == event.ExitingSyscall {
		run.onProcExec = 0
		return true
	}
	return false
}

// controller is the paused-replay command loop. It returns true when
// the user quits the whole replay.
func (run *replayRun) controller() (bool, error) {
	sess := run.sess
	r := sess.Reader()
	fmt.Printf("paused before event %d\n", r.Time()+1)

	// Further stop-at-time pauses only happen if the user asks again.
	run.gotoTime = 0

	for {
		fmt.Print("(retrace) ")
		if !run.stdin.Scan() {
			return true, run.stdin.Err()
		}
		fields := strings.Fields(run.stdin.Text())
		if len(fields) == 0 {
			continue
		}

		switch strings.Join(fields, " ") {
		case "when":
			fmt.Printf("current event: %d\n", r.Time())
			continue
		case "when-tid", "when-ticks":
			if r.AtEnd() {
				fmt.Println("at end of trace")
				continue
			}
			frame := r.PeekFrame()
			if fields[0] == "when-tid" {
				fmt.Printf("current tid: %d\n", frame.Tid)
			} else if task, ok := sess.Tasks().FindTaskByRecTid(frame.Tid); ok {
				fmt.Printf("current tick: %d\n", task.TickCount)
			} else {
				fmt.Printf("tid %d has no live task\n", frame.Tid)
			}
			continue
		case "checkpoint":
			where := fmt.Sprintf("time %d", r.Time())
			cp, err := sess.Checkpoint(true, where)
			if err != nil {
				fmt.Printf("checkpoint failed: %v\n", err)
				continue
			}
			fmt.Printf("checkpoint %s at %s\n", cp.ID, cp.Where)
			continue
		case "info checkpoints":
			cps := sess.Checkpoints()
			if len(cps) == 0 {
				fmt.Println("no checkpoints")
			}
			for _, cp := range cps {
				fmt.Printf("%s  %s\n", cp.ID, cp.Where)
			}
			continue
		case "c", "continue":
			return false, nil
		case "q", "quit", "exit":
			return true, nil
		}

		switch {
		case len(fields) == 3 && fields[0] == "delete" && fields[1] == "checkpoint":
			if err := sess.DeleteCheckpoint(fields[2]); err != nil {
				fmt.Println(err)
			}
		case len(fields) == 2 && fields[0] == "restore":
			if err := sess.Restore(fields[1]); err != nil {
				fmt.Println(err)
				continue
			}
			// The restore swapped the trace cursor out from under us.
			r = sess.Reader()
			fmt.Printf("restored to event %d\n", sess.CurrentTime())
		case len(fields) == 2 && fields[0] == "goto":
			t, err := strconv.ParseUint(fields[1], 10, 32)
			if err != nil {
				fmt.Printf("bad event time %q\n", fields[1])
				continue
			}
			run.gotoTime = trace.FrameTime(t)
			return false, nil
		default:
			fmt.Println("commands: when, when-ticks, when-tid, checkpoint, restore ID, " +
				"delete checkpoint ID, info checkpoints, goto N, c, q")
		}
	}
}

func platformCommands() []*cli.Command {
	return []*cli.Command{
		recordCommand(),
		replayCommand(),
	}
}
