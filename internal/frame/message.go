// Package frame implements the wire framing shared by both broker
// endpoints: the typed, length-prefixed Message and the payload-size
// negotiation that runs once at session start.
package frame

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DataType is the one-octet frame kind.
type DataType byte

const (
	DTInit       DataType = 0x01
	DTTTY        DataType = 0x02
	DTWinresize  DataType = 0x03
	DTProxy      DataType = 0x04
	DTConnection DataType = 0x05
	DTNop        DataType = 0x06
	DTError      DataType = 0x07
)

func (d DataType) String() string {
	switch d {
	case DTInit:
		return "INIT"
	case DTTTY:
		return "TTY"
	case DTWinresize:
		return "WINRESIZE"
	case DTProxy:
		return "PROXY"
	case DTConnection:
		return "CONNECTION"
	case DTNop:
		return "NOP"
	case DTError:
		return "ERROR"
	default:
		return fmt.Sprintf("DataType(%#02x)", byte(d))
	}
}

// HeaderType is the two-octet subtype, meaning depends on DataType.
type HeaderType uint16

const (
	// PROXY subtypes.
	HTProxyCreate   HeaderType = 0x01
	HTProxyDestroy  HeaderType = 0x02
	HTProxyResponse HeaderType = 0x03

	// CONNECTION subtypes.
	HTConnectionData    HeaderType = 0x10
	HTConnectionDormant HeaderType = 0x11
	HTConnectionActive  HeaderType = 0x12
)

// MinimumMessageSize is the smallest acceptable negotiated max payload: it
// must be able to carry one SOCKS request comfortably.
const MinimumMessageSize = 512

// HeaderSize is the fixed on-wire header length in bytes:
// data_type(1) + header_type(2) + header_origin(2) + header_id(2) +
// header_errno(2) + data_len(2).
const HeaderSize = 1 + 2 + 2 + 2 + 2 + 2

// Message is one frame, header plus payload.
type Message struct {
	DataType      DataType
	HeaderType    HeaderType
	HeaderOrigin  uint16
	HeaderID      uint16
	HeaderErrno   uint16
	Data          []byte
}

// Encode serializes m into the fixed header followed by m.Data, in network
// byte order, writing into dst (which must have len(dst) >= HeaderSize+len(m.Data)).
// It returns the number of bytes written.
func (m *Message) Encode(dst []byte) int {
	dst[0] = byte(m.DataType)
	binary.BigEndian.PutUint16(dst[1:3], uint16(m.HeaderType))
	binary.BigEndian.PutUint16(dst[3:5], m.HeaderOrigin)
	binary.BigEndian.PutUint16(dst[5:7], m.HeaderID)
	binary.BigEndian.PutUint16(dst[7:9], m.HeaderErrno)
	binary.BigEndian.PutUint16(dst[9:11], uint16(len(m.Data)))
	n := copy(dst[HeaderSize:], m.Data)
	return HeaderSize + n
}

// DecodeHeader reads the fixed header fields from src (len(src) >= HeaderSize)
// into m, returning the declared data_len.
func (m *Message) DecodeHeader(src []byte) uint16 {
	m.DataType = DataType(src[0])
	m.HeaderType = HeaderType(binary.BigEndian.Uint16(src[1:3]))
	m.HeaderOrigin = binary.BigEndian.Uint16(src[3:5])
	m.HeaderID = binary.BigEndian.Uint16(src[5:7])
	m.HeaderErrno = binary.BigEndian.Uint16(src[7:9])
	return binary.BigEndian.Uint16(src[9:11])
}

// byteReadWriter is the minimal surface frame needs from a Transport:
// blocking, complete reads/writes of exactly len(p) bytes.
type byteReadWriter interface {
	io.Reader
	io.Writer
}

// Codec pushes and pulls Messages over a transport using a shared, reusable
// scratch buffer sized to the negotiated max payload. The scratch is never
// mutated while a pulled Message is still being dispatched by the caller —
// callers must finish processing msg.Data before calling Pull again.
type Codec struct {
	rw        byteReadWriter
	maxPayload int
	headerBuf [HeaderSize]byte
	scratch   []byte
}

// NewCodec wraps rw with a scratch buffer of maxPayload bytes.
func NewCodec(rw byteReadWriter, maxPayload int) *Codec {
	return &Codec{rw: rw, maxPayload: maxPayload, scratch: make([]byte, maxPayload)}
}

// MaxPayload returns the negotiated maximum payload size.
func (c *Codec) MaxPayload() int { return c.maxPayload }

// Push serializes and writes m. m.Data must not exceed MaxPayload().
func (c *Codec) Push(m *Message) error {
	if len(m.Data) > c.maxPayload {
		return fmt.Errorf("frame: push: payload %d exceeds negotiated max %d", len(m.Data), c.maxPayload)
	}
	hdr := c.headerBuf[:]
	hdr[0] = byte(m.DataType)
	binary.BigEndian.PutUint16(hdr[1:3], uint16(m.HeaderType))
	binary.BigEndian.PutUint16(hdr[3:5], m.HeaderOrigin)
	binary.BigEndian.PutUint16(hdr[5:7], m.HeaderID)
	binary.BigEndian.PutUint16(hdr[7:9], m.HeaderErrno)
	binary.BigEndian.PutUint16(hdr[9:11], uint16(len(m.Data)))

	if _, err := writeFull(c.rw, hdr); err != nil {
		return err
	}
	if len(m.Data) == 0 {
		return nil
	}
	_, err := writeFull(c.rw, m.Data)
	return err
}

// Pull fills the scratch Message from the transport: fixed header, then
// data_len payload bytes. The returned Message aliases the Codec's scratch
// buffer — it is only valid until the next call to Pull.
func (c *Codec) Pull() (*Message, error) {
	hdr := c.headerBuf[:]
	if _, err := readFull(c.rw, hdr); err != nil {
		return nil, err
	}

	m := &Message{}
	dataLen := m.DecodeHeader(hdr)
	if int(dataLen) > c.maxPayload {
		return nil, fmt.Errorf("frame: pull: data_len %d exceeds negotiated max %d", dataLen, c.maxPayload)
	}

	m.Data = c.scratch[:dataLen]
	if dataLen > 0 {
		if _, err := readFull(c.rw, m.Data); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func readFull(r io.Reader, buf []byte) (int, error) {
	return io.ReadFull(r, buf)
}

func writeFull(w io.Writer, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := w.Write(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
