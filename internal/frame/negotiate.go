package frame

import (
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// Negotiate runs once after transport setup: each side proposes its
// preferred max payload (the system page size), the session-wide max is
// min(local, remote), and it must be at least MinimumMessageSize. Returns a
// ready Codec wrapping rw.
func Negotiate(rw byteReadWriter) (*Codec, error) {
	local := uint16(unix.Getpagesize())

	var out [2]byte
	binary.BigEndian.PutUint16(out[:], local)
	if _, err := writeFull(rw, out[:]); err != nil {
		return nil, fmt.Errorf("frame: negotiate: send local size: %w", err)
	}

	var in [2]byte
	if _, err := io.ReadFull(rw, in[:]); err != nil {
		return nil, fmt.Errorf("frame: negotiate: read remote size: %w", err)
	}
	remote := binary.BigEndian.Uint16(in[:])

	if remote < MinimumMessageSize {
		return nil, fmt.Errorf("frame: negotiate: remote max payload %d below minimum %d", remote, MinimumMessageSize)
	}

	max := local
	if remote < max {
		max = remote
	}
	if max < MinimumMessageSize {
		return nil, fmt.Errorf("frame: negotiate: agreed max payload %d below minimum %d", max, MinimumMessageSize)
	}

	return NewCodec(rw, int(max)), nil
}
