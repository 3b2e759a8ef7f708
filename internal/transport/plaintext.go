package transport

import (
	"github.com/020monkey/revsh/internal/errs"
	"golang.org/x/sys/unix"
)

// Plaintext is a raw, unencrypted Transport over a non-blocking socket fd.
// It is grounded directly on remote_read_plaintext/remote_write_plaintext:
// loop the syscall until the whole buffer has moved, treating EAGAIN as
// "wait for readiness" and EINTR as "retry immediately".
type Plaintext struct {
	fd  int
	eof bool
}

// NewPlaintext takes ownership of fd, which must already be set non-blocking.
func NewPlaintext(fd int) *Plaintext {
	return &Plaintext{fd: fd}
}

func (p *Plaintext) Fd() int   { return p.fd }
func (p *Plaintext) Eof() bool { return p.eof }

func (p *Plaintext) Close() error {
	return unix.Close(p.fd)
}

func (p *Plaintext) Read(buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := unix.Read(p.fd, buf[total:])
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			if werr := waitFor(p.fd, unix.POLLIN); werr != nil {
				return total, werr
			}
			continue
		case err != nil:
			return total, errs.Wrap(errs.Io, "transport: read", err)
		case n == 0:
			p.eof = true
			return total, errs.Closed
		}
		total += n
	}
	return total, nil
}

func (p *Plaintext) Write(buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := unix.Write(p.fd, buf[total:])
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			if werr := waitFor(p.fd, unix.POLLOUT); werr != nil {
				return total, werr
			}
			continue
		case err != nil:
			return total, errs.Wrap(errs.Io, "transport: write", err)
		}
		total += n
	}
	return total, nil
}
