package transport

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// ListenAndAccept binds addr, accepts exactly one connection, and returns
// it. Grounded on init_io_controller: the controller role listens and
// waits for the target to call home. ctx bounds the whole wait, replacing
// the original's SIGALRM/alarm(timeout) self-destruct.
func ListenAndAccept(ctx context.Context, addr string) (net.Conn, error) {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	defer ln.Close()

	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- result{conn, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("transport: accept on %s: %w", addr, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("transport: accept on %s: %w", addr, r.err)
		}
		return r.conn, nil
	}
}

// DialWithRetry connects to addr, retrying with a randomized backoff drawn
// from [retryMin, retryMax) between attempts. Grounded on init_io_target's
// connect-retry loop, which sleeps a random duration in that window before
// trying again so many targets calling back don't all hammer the
// controller in lockstep.
func DialWithRetry(ctx context.Context, addr string, retryMin, retryMax time.Duration) (net.Conn, error) {
	d := net.Dialer{}
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("transport: dial %s: %w", addr, ctx.Err())
		}

		wait := retryMin
		if retryMax > retryMin {
			wait += time.Duration(rand.Int63n(int64(retryMax - retryMin)))
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("transport: dial %s: %w", addr, ctx.Err())
		case <-timer.C:
		}
	}
}

// DetachNonblocking extracts conn's underlying fd and marks it non-blocking,
// for transports that bypass the runtime netpoller in favor of the broker's
// own readiness set (see Plaintext). The caller takes ownership of the fd;
// conn itself should not be used for I/O afterwards.
func DetachNonblocking(conn net.Conn) (int, error) {
	fd := fdOf(conn)
	if fd < 0 {
		return -1, fmt.Errorf("transport: cannot extract fd from %T", conn)
	}
	dup, err := unix.Dup(fd)
	if err != nil {
		return -1, fmt.Errorf("transport: dup fd: %w", err)
	}
	if err := unix.SetNonblock(dup, true); err != nil {
		unix.Close(dup)
		return -1, fmt.Errorf("transport: set nonblocking: %w", err)
	}
	return dup, nil
}
