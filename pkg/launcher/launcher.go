//go:build linux

// Package launcher starts the target process in the stopped, traced
// state the recording supervisor expects.
package launcher

import (
	"io"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
)

func resolveUser(spec string) (uint32, uint32, error) {
	parts := strings.Split(spec, ":")
	u, err := user.Lookup(parts[0])
	if err != nil {
		return 0, 0, err
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, 0, err
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return 0, 0, err
	}
	if len(parts) > 1 {
		g, err := user.LookupGroup(parts[1])
		if err != nil {
			log.Errorf("launcher.Start: error resolving group identity (%v/%v) - %v", spec, parts[1], err)
		} else if xgid, err := strconv.ParseUint(g.Gid, 10, 32); err == nil {
			gid = xgid
		}
	}
	return uint32(uid), uint32(gid), nil
}

// Start launches the target under ptrace. The child stops with SIGTRAP
// before executing a single instruction of the target; the caller
// harvests that stop, sets its ptrace options and takes over. Setpgid
// keeps supervisor signals from reaching the target's process group;
// Pdeathsig guarantees no orphaned tracee outlives a dead supervisor.
func Start(
	appName string,
	appArgs []string,
	appDir string,
	appUser string,
	appStdout io.Writer,
	appStderr io.Writer,
) (*exec.Cmd, error) {
	log.Debugf("launcher.Start(%v,%v,%v,%v)", appName, appArgs, appDir, appUser)

	app := exec.Command(appName, appArgs...)
	app.SysProcAttr = &syscall.SysProcAttr{
		Ptrace:    true,
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}

	if appUser != "" {
		uid, gid, err := resolveUser(appUser)
		if err != nil {
			log.Errorf("launcher.Start: error resolving user identity (%v) - %v", appUser, err)
		} else {
			app.SysProcAttr.Credential = &syscall.Credential{Uid: uid, Gid: gid}
			log.Debugf("launcher.Start: start target as user (%s) - (uid=%d,gid=%d)", appUser, uid, gid)
		}
	}

	app.Dir = appDir
	app.Stdin = os.Stdin
	app.Stdout = appStdout
	app.Stderr = appStderr
	if appStdout == nil {
		app.Stdout = os.Stdout
	}
	if appStderr == nil {
		app.Stderr = os.Stderr
	}

	if err := app.Start(); err != nil {
		log.Warnf("launcher.Start: error - %v", err)
		return nil, err
	}

	log.Debugf("launcher.Start: started target app --> PID=%d", app.Process.Pid)
	return app, nil
}
