package broker

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/020monkey/revsh/internal/errs"
)

// SOCKS protocol constants, shared across versions 4, 4a and 5.
const (
	socksVer4 = 0x04
	socksVer5 = 0x05

	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	authNoAuth      = 0x00
	authNoAcceptable = 0xFF
)

// ParseResult is what SocksParser.Feed returns after each call.
type ParseResult int

const (
	// ResultNeedMore means the scratch buffer holds an incomplete
	// request; the caller should keep reading and feeding more bytes.
	ResultNeedMore ParseResult = iota
	// ResultV5Auth means a SOCKS5 greeting was consumed; the caller must
	// send the two-octet method-selection reply before more is fed.
	ResultV5Auth
	// ResultReady means a complete CONNECT request was consumed; Ver,
	// Cmd and RhostRport are populated, and any bytes still in scratch
	// past the request are pipelined client data.
	ResultReady
)

// SocksParser incrementally parses a SOCKS4, SOCKS4a or SOCKS5 greeting and
// CONNECT request out of a ConnectionNode's growing scratch buffer. It is
// driven by repeated calls to Feed as more bytes arrive; it never blocks
// and never reads past what has already been appended to scratch.
type SocksParser struct {
	Ver        byte
	Cmd        byte
	RhostRport string

	// AuthMethod is the method selected during a SOCKS5 greeting (0x00
	// no-auth, or 0xFF if none of the client's offered methods were
	// acceptable).
	AuthMethod byte

	// greeted is true once a SOCKS5 greeting has been parsed, so a
	// following request isn't mistaken for another greeting — AuthMethod
	// alone can't tell "no greeting yet" from "no-auth (0x00) selected".
	greeted bool

	// consumed counts the bytes of scratch taken up by the greeting or
	// request this parser last returned (ResultV5Auth or ResultReady),
	// so the bytes after it can be sliced off by the caller.
	consumed int
}

// Consumed returns how many leading bytes of scratch made up the
// greeting/request just parsed; scratch[Consumed():] is pipelined data.
func (p *SocksParser) Consumed() int { return p.consumed }

// Feed attempts to parse scratch, the full bytes accumulated so far on the
// ConnectionNode. Call again with a larger scratch as more bytes arrive.
func (p *SocksParser) Feed(scratch []byte) (ParseResult, error) {
	if len(scratch) == 0 {
		return ResultNeedMore, nil
	}

	switch scratch[0] {
	case socksVer4:
		return p.feedV4(scratch)
	case socksVer5:
		if !p.greeted {
			return p.feedV5Greeting(scratch)
		}
		return p.feedV5Request(scratch)
	default:
		return ResultNeedMore, fmt.Errorf("broker: socks: %w: unknown version byte %#02x", errs.Malformed, scratch[0])
	}
}

// feedV4 parses SOCKS4/4a: VER CMD DSTPORT(2) DSTIP(4) USERID NUL [DOMAIN NUL].
func (p *SocksParser) feedV4(scratch []byte) (ParseResult, error) {
	if len(scratch) < 9 {
		return ResultNeedMore, nil
	}
	cmd := scratch[1]
	if cmd != cmdConnect {
		return ResultNeedMore, fmt.Errorf("broker: socks: %w: unsupported v4 command %#02x", errs.Malformed, cmd)
	}
	port := binary.BigEndian.Uint16(scratch[2:4])
	ip := net.IPv4(scratch[4], scratch[5], scratch[6], scratch[7])
	isV4a := ip.Equal(net.IPv4(0, 0, 0, scratch[7])) && scratch[4] == 0 && scratch[5] == 0 && scratch[6] == 0 && scratch[7] != 0

	idEnd := indexNUL(scratch, 8)
	if idEnd < 0 {
		return ResultNeedMore, nil
	}
	pos := idEnd + 1

	host := ip.String()
	if isV4a {
		domEnd := indexNUL(scratch, pos)
		if domEnd < 0 {
			return ResultNeedMore, nil
		}
		host = string(scratch[pos:domEnd])
		pos = domEnd + 1
	}

	p.Ver = socksVer4
	p.Cmd = cmd
	p.RhostRport = fmt.Sprintf("%s:%d", host, port)
	p.consumed = pos
	return ResultReady, nil
}

// feedV5Greeting parses VER NMETHODS METHODS[0..NMETHODS].
func (p *SocksParser) feedV5Greeting(scratch []byte) (ParseResult, error) {
	if len(scratch) < 2 {
		return ResultNeedMore, nil
	}
	n := int(scratch[1])
	if len(scratch) < 2+n {
		return ResultNeedMore, nil
	}
	method := byte(authNoAcceptable)
	for _, m := range scratch[2 : 2+n] {
		if m == authNoAuth {
			method = authNoAuth
			break
		}
	}
	p.AuthMethod = method
	p.greeted = true
	p.consumed = 2 + n
	return ResultV5Auth, nil
}

// feedV5Request parses VER CMD RSV ATYP DST.ADDR DST.PORT(2).
func (p *SocksParser) feedV5Request(scratch []byte) (ParseResult, error) {
	if len(scratch) < 4 {
		return ResultNeedMore, nil
	}
	cmd := scratch[1]
	if cmd != cmdConnect {
		return ResultNeedMore, fmt.Errorf("broker: socks: %w: unsupported v5 command %#02x", errs.Malformed, cmd)
	}
	atyp := scratch[3]

	var host string
	var pos int
	switch atyp {
	case atypIPv4:
		if len(scratch) < 4+4+2 {
			return ResultNeedMore, nil
		}
		host = net.IP(scratch[4:8]).String()
		pos = 8
	case atypDomain:
		if len(scratch) < 5 {
			return ResultNeedMore, nil
		}
		n := int(scratch[4])
		if len(scratch) < 5+n+2 {
			return ResultNeedMore, nil
		}
		host = string(scratch[5 : 5+n])
		pos = 5 + n
	case atypIPv6:
		if len(scratch) < 4+16+2 {
			return ResultNeedMore, nil
		}
		host = net.IP(scratch[4:20]).String()
		pos = 20
	default:
		return ResultNeedMore, fmt.Errorf("broker: socks: %w: unknown v5 address type %#02x", errs.Malformed, atyp)
	}

	port := binary.BigEndian.Uint16(scratch[pos : pos+2])
	pos += 2

	p.Ver = socksVer5
	p.Cmd = cmd
	p.RhostRport = fmt.Sprintf("%s:%d", host, port)
	p.consumed = pos
	return ResultReady, nil
}

func indexNUL(b []byte, from int) int {
	for i := from; i < len(b); i++ {
		if b[i] == 0 {
			return i
		}
	}
	return -1
}

// V5GreetingReply is the two-octet method-selection frame sent back to the
// client after a SOCKS5 greeting.
func V5GreetingReply(method byte) [2]byte {
	return [2]byte{socksVer5, method}
}

// V5SuccessReply builds the SOCKS5 success reply bound to 0.0.0.0:0 — the
// broker never reports the real bound address of a peer-side connect, so it
// uses the same zero-address convention as the original.
func V5SuccessReply() []byte {
	return []byte{socksVer5, 0x00, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0}
}

// V4SuccessReply builds the SOCKS4 success reply (VN=0, CD=0x5A granted).
func V4SuccessReply() []byte {
	return []byte{0x00, 0x5A, 0, 0, 0, 0, 0, 0}
}
