//go:build !linux || !amd64

package app

import (
	"github.com/urfave/cli/v2"
)

// Recording and replaying need ptrace and the x86-64 syscall ABI; on
// other platforms only the trace inspection commands are available.
func platformCommands() []*cli.Command {
	return nil
}
