// Package exitcmd implements the exit-command post-execution stage
// (spec.md's supplemented features, SPEC_FULL.md): an optional external
// command the monitor runs, detached from its own process group, after
// the container has fully exited. Translated from
// original_source/src/ctr_exit.c's do_exit_command.
package exitcmd

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Spec describes the exit command to run, taken verbatim from
// spec.md §3's MonitorConfig.ExitCommand.
type Spec struct {
	Path      string
	Args      []string
	DelaySecs int
}

// Run sleeps for the optional delay, releases the monitor's subreaper
// role, and starts the exit command as a direct child of the monitor
// with the monitor's stdio. It then reaps any other leftover children,
// waits for the command, and returns an error if the command could not
// be started or exited nonzero. No intermediate child is forked: the
// monitor itself is the exit command's parent and waits for it.
func Run(spec Spec) error {
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// The exit command runs in a process group of its own, separate from
	// the monitor's.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if spec.DelaySecs > 0 {
		time.Sleep(time.Duration(spec.DelaySecs) * time.Second)
	}

	_ = unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 0, 0, 0, 0)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start exit command %s: %w", spec.Path, err)
	}

	reapZombies()

	err := cmd.Wait()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		return fmt.Errorf("exit command %s exited with status %d", spec.Path, exitCode(exitErr))
	}
	return fmt.Errorf("failed to wait for exit command %s: %w", spec.Path, err)
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

func exitCode(ee *exec.ExitError) int {
	if ws, ok := ee.Sys().(syscall.WaitStatus); ok {
		if ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return ws.ExitStatus()
	}
	return ee.ExitCode()
}

// reapZombies matches reap_children: non-blocking wait on any leftover
// children (e.g. a runtime that errored out and left zombies behind).
func reapZombies() {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if pid <= 0 || err != nil {
			return
		}
	}
}
