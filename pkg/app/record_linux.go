//go:build linux && amd64

package app

import (
	"fmt"
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sys/unix"

	"github.com/replaykit/retrace/pkg/perfcounters"
	"github.com/replaykit/retrace/pkg/record"
)

const (
	FlagNoRedirectOutput = "no-redirect-output"
	FlagBindToCPU        = "bind-to-cpu"
	FlagTimeslice        = "timeslice"
	FlagChaos            = "chaos"
	FlagChaosSeed        = "chaos-seed"
	FlagUser             = "user"
	FlagChdir            = "chdir"
)

func recordCommand() *cli.Command {
	return &cli.Command{
		Name:      "record",
		Usage:     "record the execution of a command",
		ArgsUsage: "COMMAND [ARG...]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: FlagNoRedirectOutput, Usage: "leave the target's stdout/stderr alone"},
			&cli.IntFlag{Name: FlagBindToCPU, Value: -1, Usage: "pin the target to this CPU (-1 picks one)"},
			&cli.Uint64Flag{Name: FlagTimeslice, Usage: "scheduling timeslice in ticks (0 uses the default)"},
			&cli.BoolFlag{Name: FlagChaos, Usage: "randomize scheduling to shake out races"},
			&cli.Int64Flag{Name: FlagChaosSeed, Usage: "seed for --chaos (0 picks one)"},
			&cli.StringFlag{Name: FlagUser, Usage: "run the target as this user"},
			&cli.StringFlag{Name: FlagChdir, Usage: "run the target in this directory"},
		},
		Action: doRecord,
	}
}

func doRecord(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		cli.ShowCommandHelp(ctx, "record")
		return cli.Exit("record: no command given", 2)
	}
	args := ctx.Args().Slice()

	rec := record.New(record.Options{
		Cmd:              args[0],
		Args:             args[1:],
		Dir:              ctx.String(FlagChdir),
		User:             ctx.String(FlagUser),
		NoRedirectOutput: ctx.Bool(FlagNoRedirectOutput),
		BindToCPU:        ctx.Int(FlagBindToCPU),
		Timeslice:        perfcounters.Ticks(ctx.Uint64(FlagTimeslice)),
		Chaos:            ctx.Bool(FlagChaos),
		ChaosSeed:        ctx.Int64(FlagChaosSeed),
	})

	// An interrupt stops the recording cleanly; the trace stays usable
	// up to the point of the interrupt.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		sig, ok := <-sigCh
		if !ok {
			return
		}
		log.Infof("record: stopping on %v", sig)
		rec.Stop()
	}()

	result, err := rec.Run()
	signal.Stop(sigCh)
	close(sigCh)
	if err != nil {
		return err
	}

	log.Infof("record: %d frames, %d signals", result.Frames, result.Signals)
	for _, anomaly := range result.Anomalies {
		log.Warnf("record: %v", anomaly)
	}
	fmt.Printf("trace recorded to %s\n", result.TraceDir)

	// The recorder's exit status becomes ours, so scripts behave the
	// same whether the target runs recorded or bare.
	if result.ExitStatus != 0 {
		return cli.Exit("", result.ExitStatus)
	}
	return nil
}
