// Package protocol defines the length-prefixed wire format spoken on every
// TCP connection between the proxy server and its clients.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame types.
const (
	TypeAuth       byte = 0x01
	TypeConnect    byte = 0x03
	TypeDisconnect byte = 0x04
	TypeTransfer   byte = 0x05
	TypeHeartbeat  byte = 0x07
)

// Field sizes and limits.
const (
	// LengthFieldSize is the size of the length prefix. The prefix counts
	// everything that follows it, not itself.
	LengthFieldSize = 4

	// FixedBodySize is Type(1) + SerialNumber(8) + UriLen(1).
	FixedBodySize = 1 + 8 + 1

	// MaxURILen is the largest URI the single-byte UriLen field can carry.
	MaxURILen = 255

	// MaxControlFrameSize bounds frames on control-direction connections.
	MaxControlFrameSize = 2 * 1024 * 1024

	// MaxDataFrameSize bounds frames on data-direction connections.
	MaxDataFrameSize = 1024 * 1024
)

// Errors.
var (
	ErrURITooLong       = errors.New("uri exceeds 255 bytes")
	ErrFrameTooLarge    = errors.New("frame exceeds maximum length")
	ErrInvalidLength    = errors.New("invalid frame length")
	ErrInsufficientData = errors.New("insufficient data for frame")
)

// Frame is one protocol unit. URI meaning depends on Type: the clientKey for
// AUTH, "userId:host:port" or "userId@clientKey" for CONNECT, the userId for
// DISCONNECT and TRANSFER, empty for HEARTBEAT.
type Frame struct {
	Type         byte
	SerialNumber uint64
	URI          string
	Data         []byte
}

// NewFrame builds a frame of the given type.
func NewFrame(typ byte, uri string, data []byte) *Frame {
	return &Frame{Type: typ, URI: uri, Data: data}
}

func (f *Frame) String() string {
	return fmt.Sprintf("Frame{type=%#02x sn=%d uri=%q data=%dB}", f.Type, f.SerialNumber, f.URI, len(f.Data))
}

// bodyLen returns the value of the length prefix.
func (f *Frame) bodyLen() int {
	return FixedBodySize + len(f.URI) + len(f.Data)
}

// Marshal serializes the frame. All integers are big-endian; an empty URI is
// written as UriLen=0 with no URI bytes.
func (f *Frame) Marshal() ([]byte, error) {
	uri := []byte(f.URI)
	if len(uri) > MaxURILen {
		return nil, ErrURITooLong
	}

	buf := make([]byte, LengthFieldSize+f.bodyLen())
	binary.BigEndian.PutUint32(buf, uint32(f.bodyLen()))
	buf[4] = f.Type
	binary.BigEndian.PutUint64(buf[5:], f.SerialNumber)
	buf[13] = byte(len(uri))
	copy(buf[14:], uri)
	copy(buf[14+len(uri):], f.Data)

	return buf, nil
}

// Unmarshal decodes one frame from the front of data and reports how many
// bytes it consumed. It returns ErrInsufficientData, consuming nothing, when
// data does not yet hold a complete frame; any other error is fatal for the
// connection.
func Unmarshal(data []byte, maxFrame int) (*Frame, int, error) {
	if len(data) < LengthFieldSize {
		return nil, 0, ErrInsufficientData
	}

	bodyLen := int(binary.BigEndian.Uint32(data))
	if bodyLen < FixedBodySize {
		return nil, 0, fmt.Errorf("%w: %d", ErrInvalidLength, bodyLen)
	}
	if bodyLen > maxFrame {
		return nil, 0, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, bodyLen, maxFrame)
	}
	if len(data) < LengthFieldSize+bodyLen {
		return nil, 0, ErrInsufficientData
	}

	f, err := parseBody(data[LengthFieldSize : LengthFieldSize+bodyLen])
	if err != nil {
		return nil, 0, err
	}
	return f, LengthFieldSize + bodyLen, nil
}

// parseBody decodes the fields after the length prefix. The UriLen byte is
// unsigned; values 128-255 must not be sign-extended.
func parseBody(body []byte) (*Frame, error) {
	f := &Frame{}
	f.Type = body[0]
	f.SerialNumber = binary.BigEndian.Uint64(body[1:9])

	uriLen := int(body[9])
	if FixedBodySize+uriLen > len(body) {
		return nil, fmt.Errorf("%w: uri length %d overruns frame", ErrInvalidLength, uriLen)
	}
	f.URI = string(body[10 : 10+uriLen])

	if dataLen := len(body) - FixedBodySize - uriLen; dataLen > 0 {
		f.Data = make([]byte, dataLen)
		copy(f.Data, body[10+uriLen:])
	}
	return f, nil
}

// ReadFrame reads exactly one frame from r, enforcing maxFrame on the
// declared length.
func ReadFrame(r io.Reader, maxFrame int) (*Frame, error) {
	var header [LengthFieldSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	bodyLen := int(binary.BigEndian.Uint32(header[:]))
	if bodyLen < FixedBodySize {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLength, bodyLen)
	}
	if bodyLen > maxFrame {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, bodyLen, maxFrame)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return parseBody(body)
}
