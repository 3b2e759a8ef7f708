package broker

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// connectNonblocking starts a non-blocking TCP connect to a "host:port"
// string, returning the new fd, an error for a resolution or socket-level
// failure, and whether the connect is still in progress (EINPROGRESS) and
// should be completed later via activate() once the fd is writable.
func connectNonblocking(rhostRport string) (fd int, err error, inProgress bool) {
	addr, err := net.ResolveTCPAddr("tcp", rhostRport)
	if err != nil {
		return -1, fmt.Errorf("broker: resolve %q: %w", rhostRport, err)
	}

	domain := unix.AF_INET
	var sa unix.Sockaddr
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa4 := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa4.Addr[:], ip4)
		sa = sa4
	} else {
		domain = unix.AF_INET6
		sa6 := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa6.Addr[:], addr.IP.To16())
		sa = sa6
	}

	s, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("broker: socket: %w", err)
	}
	if err := unix.SetNonblock(s, true); err != nil {
		unix.Close(s)
		return -1, fmt.Errorf("broker: set nonblocking: %w", err)
	}

	err = unix.Connect(s, sa)
	if err == nil {
		return s, nil, false
	}
	if err == unix.EINPROGRESS {
		return s, nil, true
	}
	unix.Close(s)
	return -1, fmt.Errorf("broker: connect %q: %w", rhostRport, err)
}
