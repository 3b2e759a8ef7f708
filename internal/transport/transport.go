// Package transport implements the byte-level remote socket, plaintext or
// TLS, with blocking-until-complete read/write semantics: it loops over the
// non-blocking fd, waiting for readiness on EAGAIN and retrying transparently
// on EINTR, exactly like the original remote_read_plaintext/
// remote_write_plaintext pair it is grounded on.
package transport

import (
	"github.com/020monkey/revsh/internal/errs"
	"golang.org/x/sys/unix"
)

// Transport is the broker-visible remote socket: a single fd, block-until-
// complete Read/Write, and an EOF flag set once a read sees the peer close
// (the read itself then fails with errs.Closed).
type Transport interface {
	// Fd returns the underlying non-blocking socket fd, for inclusion in the
	// broker's readiness set.
	Fd() int
	// Read blocks until len(p) bytes have been read, or an error occurs.
	Read(p []byte) (int, error)
	// Write blocks until len(p) bytes have been written, or an error occurs.
	Write(p []byte) (int, error)
	Close() error
	// Eof reports whether the last Read observed a zero-byte read (peer EOF).
	Eof() bool
}

// waitFor blocks until fd is ready for the given poll event, retrying on
// EINTR. It is the Go equivalent of the single-fd select() calls in
// remote_read_plaintext/remote_write_plaintext.
func waitFor(fd int, events int16) error {
	pfd := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for {
		n, err := unix.Poll(pfd, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errs.Wrap(errs.Io, "transport: poll", err)
		}
		if n > 0 {
			return nil
		}
	}
}
