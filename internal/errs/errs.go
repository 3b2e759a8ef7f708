// Package errs declares the error taxonomy shared by every broker
// collaborator, so callers can tell a session-fatal failure from one that
// only costs a single tunneled stream.
package errs

import (
	"errors"
	"fmt"
)

var (
	// Closed means the peer went away cleanly; the session ends, exit 0.
	Closed = errors.New("transport closed")

	// Io is a local syscall failure. On a per-stream fd it only kills that
	// stream; on the transport fd it is session-fatal.
	Io = errors.New("io error")

	// Protocol covers framing violations, size-negotiation failure, unknown
	// data_type/header_type. Always session-fatal.
	Protocol = errors.New("protocol violation")

	// Malformed is bad SOCKS input on one connection. Destroys that stream.
	Malformed = errors.New("malformed socks request")

	// ConnectFailed is an outbound tunnel connect() failure, reported back
	// to the peer via PROXY_DESTROY.header_errno.
	ConnectFailed = errors.New("connect failed")

	// Resource is allocation/fd-limit pressure on listener admission. The
	// listener is skipped for one round; the session continues.
	Resource = errors.New("resource exhausted")
)

// Wrap annotates cause with sentinel so errors.Is(err, sentinel) still
// succeeds while context carries the call site, matching the
// "report_error(): %s: %s" style of the original C sources.
func Wrap(sentinel error, context string, cause error) error {
	if cause == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", context, sentinel, cause)
}
