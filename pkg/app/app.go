// Package app is the retrace command line: record a process tree,
// replay a recording, inspect trace contents.
package app

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/replaykit/retrace/pkg/trace"
	v "github.com/replaykit/retrace/pkg/version"
)

const (
	AppName  = "retrace"
	AppUsage = "record and deterministically replay process execution"
)

// Global flag names.
const (
	FlagDebug     = "debug"
	FlagVerbose   = "verbose"
	FlagLogLevel  = "log-level"
	FlagLogFormat = "log-format"
	FlagLog       = "log"
	FlagNoColor   = "no-color"
	FlagTrace     = "trace"
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{Name: FlagDebug, Usage: "enable debug logs"},
		&cli.BoolFlag{Name: FlagVerbose, Usage: "enable info logs"},
		&cli.StringFlag{Name: FlagLogLevel, Value: "warn", Usage: "log level: trace, debug, info, warn, error, fatal, panic"},
		&cli.StringFlag{Name: FlagLogFormat, Value: "text", Usage: "log format: text or json"},
		&cli.StringFlag{Name: FlagLog, Usage: "write logs to this file"},
		&cli.BoolFlag{Name: FlagNoColor, Usage: "disable color output"},
	}
}

func setupLogging(ctx *cli.Context) error {
	switch {
	case ctx.Bool(FlagDebug):
		log.SetLevel(log.DebugLevel)
	case ctx.Bool(FlagVerbose):
		log.SetLevel(log.InfoLevel)
	default:
		level, err := log.ParseLevel(ctx.String(FlagLogLevel))
		if err != nil {
			return cli.Exit(fmt.Sprintf("unknown log-level %q", ctx.String(FlagLogLevel)), 2)
		}
		log.SetLevel(level)
	}

	switch ctx.String(FlagLogFormat) {
	case "text":
		log.SetFormatter(&log.TextFormatter{DisableColors: true})
	case "json":
		log.SetFormatter(new(log.JSONFormatter))
	default:
		return cli.Exit(fmt.Sprintf("unknown log-format %q", ctx.String(FlagLogFormat)), 2)
	}

	if path := ctx.String(FlagLog); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		log.SetOutput(f)
	}
	return nil
}

func newCLI() *cli.App {
	app := cli.NewApp()
	app.Name = AppName
	app.Usage = AppUsage
	app.Version = v.Current()
	app.Flags = globalFlags()
	app.CommandNotFound = func(ctx *cli.Context, command string) {
		fmt.Printf("unknown command - %v \n\n", command)
		cli.ShowAppHelp(ctx)
	}
	app.Before = func(ctx *cli.Context) error {
		if ctx.Bool(FlagNoColor) {
			color.NoColor = true
		}
		return setupLogging(ctx)
	}

	app.Commands = platformCommands()
	app.Commands = append(app.Commands,
		dumpCommand(),
		psCommand(),
		versionCommand())
	return app
}

// Run executes the command line and exits the process on failure.
func Run() {
	if err := newCLI().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "show the version",
		Action: func(ctx *cli.Context) error {
			fmt.Println(v.Current())
			return nil
		},
	}
}

// openTrace opens the trace named by the first positional argument
// (empty means the latest recording). A version mismatch exits with
// EX_DATAERR so scripts can tell "wrong build" from "broken
// invocation".
func openTrace(ctx *cli.Context) (*trace.Reader, error) {
	dir := trace.ResolveTraceDir(ctx.Args().First())
	r, err := trace.NewReader(dir)
	if err != nil {
		var vErr *trace.VersionMismatchError
		if errors.As(err, &vErr) {
			return nil, cli.Exit(err.Error(), trace.DataErrExitCode)
		}
		return nil, cli.Exit(err.Error(), 2)
	}
	return r, nil
}
