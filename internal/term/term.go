// Package term handles the controller's local terminal: switching it into
// raw mode for the duration of a session, reading/applying window size,
// and relaying SIGWINCH into the broker's lock-free sticky flag.
package term

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/tevino/abool"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// Raw puts fd into raw mode (no echo, no canonical processing, no signal
// generation from the tty) and returns a Restore func undoing it, mirroring
// do_control's termios setup before handing off to the broker.
func Raw(fd int) (restore func() error, err error) {
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("term: make raw: %w", err)
	}
	return func() error { return term.Restore(fd, state) }, nil
}

// Winsize reads fd's current terminal size via ioctl(TIOCGWINSZ).
type Winsize struct {
	fd int
}

// NewWinsize builds a Winsize reader/writer bound to fd.
func NewWinsize(fd int) *Winsize { return &Winsize{fd: fd} }

func (w *Winsize) Winsize() (rows, cols uint16, err error) {
	ws, err := unix.IoctlGetWinsize(w.fd, unix.TIOCGWINSZ)
	if err != nil {
		return 0, 0, fmt.Errorf("term: get winsize: %w", err)
	}
	return ws.Row, ws.Col, nil
}

// SetWinsize applies rows/cols via ioctl(TIOCSWINSZ) — the target-side
// counterpart, applied to a pty master.
func (w *Winsize) SetWinsize(rows, cols uint16) error {
	ws := &unix.Winsize{Row: rows, Col: cols}
	if err := unix.IoctlSetWinsize(w.fd, unix.TIOCSWINSZ, ws); err != nil {
		return fmt.Errorf("term: set winsize: %w", err)
	}
	return nil
}

// WatchSigwinch relays SIGWINCH into pending: a lock-free sticky flag the
// broker polls once per loop iteration. The original's signal handler does
// nothing but set sig_found; this is the same contract, expressed as a
// small goroutine instead of an async-signal-unsafe handler body, since Go
// does not allow arbitrary code in a true OS signal handler anyway.
func WatchSigwinch(pending *abool.AtomicBool) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGWINCH)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ch:
				pending.Set()
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}
