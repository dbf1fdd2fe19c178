package app

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/replaykit/retrace/pkg/trace"
)

const (
	FlagFrom  = "from"
	FlagTo    = "to"
	FlagRaw   = "raw"
	FlagMaps  = "maps"
	FlagStats = "stats"
)

func dumpCommand() *cli.Command {
	return &cli.Command{
		Name:      "dump",
		Usage:     "print the events of a recorded trace",
		ArgsUsage: "[trace-dir]",
		Flags: []cli.Flag{
			&cli.Uint64Flag{Name: FlagFrom, Usage: "first event time to print"},
			&cli.Uint64Flag{Name: FlagTo, Usage: "last event time to print (0 means end of trace)"},
			&cli.BoolFlag{Name: FlagRaw, Usage: "print recorded memory captures"},
			&cli.BoolFlag{Name: FlagMaps, Usage: "print recorded memory mappings"},
			&cli.BoolFlag{Name: FlagStats, Usage: "print trace size statistics"},
		},
		Action: doDump,
	}
}

func doDump(ctx *cli.Context) error {
	r, err := openTrace(ctx)
	if err != nil {
		return err
	}
	defer r.Close()

	heading := color.New(color.Bold)
	eventColor := color.New(color.FgCyan)

	heading.Printf("trace: %s\n", r.Dir())
	fmt.Printf("cmd:   %s\n", strings.Join(r.Argv(), " "))
	fmt.Printf("cwd:   %s\n", r.Cwd())
	if cpu := r.BindToCPU(); cpu >= 0 {
		fmt.Printf("cpu:   %d\n", cpu)
	}
	fmt.Println()

	from := trace.FrameTime(ctx.Uint64(FlagFrom))
	to := trace.FrameTime(ctx.Uint64(FlagTo))

	for !r.AtEnd() {
		frame := r.ReadFrame()
		show := frame.Time >= from && (to == 0 || frame.Time <= to)

		if show {
			fmt.Printf("{ time:%d tid:%d ticks:%d ev:%s",
				frame.Time, frame.Tid, frame.Ticks, eventColor.Sprint(frame.Event.String()))
			if frame.Event.HasExecInfo() {
				fmt.Printf(" ip:%#x sp:%#x", frame.Regs.IP(), frame.Regs.SP())
			}
			fmt.Println(" }")
		}

		// Side-effect records are keyed to the frame just consumed and
		// must be drained even when filtered out of the output.
		for {
			region := r.ReadMappedRegion()
			if region == nil {
				break
			}
			if show && ctx.Bool(FlagMaps) {
				fmt.Printf("  map %#x-%#x prot:%#x flags:%#x off:%d %s\n",
					region.Start, region.End, region.Prot, region.Flags,
					region.FileOffsetBytes, region.FsName)
			}
		}
		for {
			raw := r.ReadRawDataForFrame()
			if raw == nil {
				break
			}
			if show && ctx.Bool(FlagRaw) {
				fmt.Printf("  raw %#x %s\n", raw.Addr, humanize.Bytes(uint64(len(raw.Data))))
			}
		}
	}

	if ctx.Bool(FlagStats) {
		fmt.Println()
		heading.Println("stats:")
		fmt.Printf("  uncompressed: %s\n", humanize.Bytes(r.UncompressedBytes()))
		fmt.Printf("  compressed:   %s\n", humanize.Bytes(r.CompressedBytes()))
	}
	return nil
}

func psCommand() *cli.Command {
	return &cli.Command{
		Name:      "ps",
		Usage:     "print the recorded task tree",
		ArgsUsage: "[trace-dir]",
		Action: func(ctx *cli.Context) error {
			r, err := openTrace(ctx)
			if err != nil {
				return err
			}
			defer r.Close()

			parents := map[int32]int32{}
			cmdlines := map[int32]string{}
			exits := map[int32]int32{}
			var order []int32

			track := func(tid int32) {
				if _, seen := parents[tid]; !seen {
					parents[tid] = 0
					order = append(order, tid)
				}
			}
			for {
				te := r.ReadTaskEvent()
				if te == nil {
					break
				}
				track(te.Tid)
				switch te.Type {
				case trace.TaskEventClone, trace.TaskEventFork:
					parents[te.Tid] = te.ParentTid
				case trace.TaskEventExec:
					cmdlines[te.Tid] = strings.Join(te.CmdLine, " ")
				case trace.TaskEventExit:
					exits[te.Tid] = te.ExitStatus
				}
			}

			fmt.Println("PID\tPPID\tEXIT\tCMD")
			for _, tid := range order {
				cmd := cmdlines[tid]
				if cmd == "" {
					cmd = "(forked without exec)"
				}
				fmt.Printf("%d\t%d\t%d\t%s\n", tid, parents[tid], exits[tid], cmd)
			}
			return nil
		},
	}
}
