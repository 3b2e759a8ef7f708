// Package pty spawns the target-side shell behind a pseudo-terminal, the
// target-side counterpart of the controller's raw local terminal.
package pty

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// Shell is a running shell child process attached to a pty master, whose
// fd is handed to the broker as both its local-in and local-out fd.
type Shell struct {
	Cmd    *exec.Cmd
	Master *os.File
	Fd     int
}

// Spawn starts shellPath (with no arguments) as an interactive child with env set,
// attached to a freshly allocated pty sized rows x cols. Grounded on the
// pack's pty.StartWithSize usage: creack/pty owns the fork/exec and
// slave-side TIOCSCTTY dance, which is exactly what the original's
// handle_pty_init equivalent in control/target setup does in C.
func Spawn(shellPath string, env []string, rows, cols uint16) (*Shell, error) {
	cmd := exec.Command(shellPath)
	cmd.Env = env

	master, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, fmt.Errorf("pty: start %s: %w", shellPath, err)
	}

	fd := int(master.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		master.Close()
		cmd.Process.Kill()
		return nil, fmt.Errorf("pty: set nonblocking: %w", err)
	}

	return &Shell{Cmd: cmd, Master: master, Fd: fd}, nil
}

// SetWinsize applies a new size to the pty, the target-side counterpart of
// a controller-reported DT_WINRESIZE frame.
func (s *Shell) SetWinsize(rows, cols uint16) error {
	return pty.Setsize(s.Master, &pty.Winsize{Rows: rows, Cols: cols})
}

// Wait blocks until the child exits, returning its exit code.
func (s *Shell) Wait() int {
	err := s.Cmd.Wait()
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

// Close releases the pty master. The child is not killed — an orphaned
// shell is expected to receive SIGHUP once the last fd referencing its
// controlling terminal is gone.
func (s *Shell) Close() error {
	return s.Master.Close()
}
