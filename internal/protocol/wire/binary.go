package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/yndnr/memscope-go/internal/core/domain"
)

// HeaderLen is the fixed size of a binary frame header.
const HeaderLen = 24

// MaxBodyLen bounds the declared body of a single frame so a corrupt
// header cannot make the decoder buffer without limit.
const MaxBodyLen = 128 << 20

// Frame magic bytes.
const (
	MagicRequest  byte = 0x80
	MagicResponse byte = 0x81
)

// Opcode identifies a binary command.
type Opcode uint8

// Opcodes used by memscope. Everything else is out of reach on purpose.
const (
	OpGet      Opcode = 0x00
	OpSet      Opcode = 0x01
	OpDelete   Opcode = 0x04
	OpFlush    Opcode = 0x08
	OpStat     Opcode = 0x10
	OpSASLAuth Opcode = 0x21
)

// String returns the opcode mnemonic.
func (o Opcode) String() string {
	switch o {
	case OpGet:
		return "GET"
	case OpSet:
		return "SET"
	case OpDelete:
		return "DELETE"
	case OpFlush:
		return "FLUSH"
	case OpStat:
		return "STAT"
	case OpSASLAuth:
		return "SASL_AUTH"
	default:
		return fmt.Sprintf("0x%02x", uint8(o))
	}
}

// Status is the response status carried in the vbucket/status header field.
type Status uint16

// Response statuses.
const (
	StatusOK             Status = 0x0000
	StatusKeyNotFound    Status = 0x0001
	StatusKeyExists      Status = 0x0002
	StatusValueTooLarge  Status = 0x0003
	StatusInvalidArgs    Status = 0x0004
	StatusNotStored      Status = 0x0005
	StatusNonNumeric     Status = 0x0006
	StatusAuthError      Status = 0x0020
	StatusAuthContinue   Status = 0x0021
	StatusUnknownCommand Status = 0x0081
	StatusOutOfMemory    Status = 0x0082
	StatusNotSupported   Status = 0x0083
	StatusInternalError  Status = 0x0084
	StatusBusy           Status = 0x0085
	StatusTemporaryError Status = 0x0086
)

var statusText = map[Status]string{
	StatusOK:             "no error",
	StatusKeyNotFound:    "key not found",
	StatusKeyExists:      "key exists",
	StatusValueTooLarge:  "value too large",
	StatusInvalidArgs:    "invalid arguments",
	StatusNotStored:      "item not stored",
	StatusNonNumeric:     "incr/decr on non-numeric value",
	StatusAuthError:      "authentication error",
	StatusAuthContinue:   "authentication continue",
	StatusUnknownCommand: "unknown command",
	StatusOutOfMemory:    "out of memory",
	StatusNotSupported:   "not supported",
	StatusInternalError:  "internal error",
	StatusBusy:           "busy",
	StatusTemporaryError: "temporary failure",
}

// String returns a human readable status.
func (s Status) String() string {
	if text, ok := statusText[s]; ok {
		return text
	}
	return fmt.Sprintf("status 0x%04x", uint16(s))
}

// Header is the fixed 24-byte frame header. All fields are big-endian on the wire.
type Header struct {
	Magic     byte
	Opcode    Opcode
	KeyLen    uint16
	ExtrasLen uint8
	DataType  uint8
	Status    Status // vbucket id on requests, always 0 here
	BodyLen   uint32
	Opaque    uint32
	CAS       uint64
}

// Frame is one decoded binary frame.
type Frame struct {
	Header
	Extras []byte
	Key    []byte
	Value  []byte
}

// Err converts a non-success status into a domain error. The message is the
// value segment when the server supplied one.
func (f *Frame) Err() error {
	if f.Status == StatusOK {
		return nil
	}
	msg := string(bytes.TrimSpace(f.Value))
	if msg == "" {
		msg = f.Status.String()
	}
	if f.Status == StatusAuthError {
		return domain.ErrAuthenticationFailed.WithDetails(msg)
	}
	return domain.ErrProtocol.WithDetailsf("%s: %s", f.Opcode, msg)
}

func putHeader(dst []byte, h Header) {
	dst[0] = h.Magic
	dst[1] = byte(h.Opcode)
	binary.BigEndian.PutUint16(dst[2:4], h.KeyLen)
	dst[4] = h.ExtrasLen
	dst[5] = h.DataType
	binary.BigEndian.PutUint16(dst[6:8], uint16(h.Status))
	binary.BigEndian.PutUint32(dst[8:12], h.BodyLen)
	binary.BigEndian.PutUint32(dst[12:16], h.Opaque)
	binary.BigEndian.PutUint64(dst[16:24], h.CAS)
}

func parseHeader(src []byte) Header {
	return Header{
		Magic:     src[0],
		Opcode:    Opcode(src[1]),
		KeyLen:    binary.BigEndian.Uint16(src[2:4]),
		ExtrasLen: src[4],
		DataType:  src[5],
		Status:    Status(binary.BigEndian.Uint16(src[6:8])),
		BodyLen:   binary.BigEndian.Uint32(src[8:12]),
		Opaque:    binary.BigEndian.Uint32(src[12:16]),
		CAS:       binary.BigEndian.Uint64(src[16:24]),
	}
}

func encodeFrame(magic byte, op Opcode, status Status, extras, key, value []byte) []byte {
	body := len(extras) + len(key) + len(value)
	buf := make([]byte, HeaderLen+body)
	putHeader(buf, Header{
		Magic:     magic,
		Opcode:    op,
		KeyLen:    uint16(len(key)),
		ExtrasLen: uint8(len(extras)),
		Status:    status,
		BodyLen:   uint32(body),
	})
	off := HeaderLen
	off += copy(buf[off:], extras)
	off += copy(buf[off:], key)
	copy(buf[off:], value)
	return buf
}

// EncodeRequest builds a request frame. Data type, vbucket, opaque and CAS are zero.
func EncodeRequest(op Opcode, extras, key, value []byte) []byte {
	return encodeFrame(MagicRequest, op, 0, extras, key, value)
}

// EncodeResponse builds a response frame.
func EncodeResponse(op Opcode, status Status, extras, key, value []byte) []byte {
	return encodeFrame(MagicResponse, op, status, extras, key, value)
}

// EncodeSASLPlain builds a SASL PLAIN authentication request.
// The credential blob is "\x00username\x00password".
func EncodeSASLPlain(username, password string) []byte {
	blob := make([]byte, 0, 2+len(username)+len(password))
	blob = append(blob, 0)
	blob = append(blob, username...)
	blob = append(blob, 0)
	blob = append(blob, password...)
	return EncodeRequest(OpSASLAuth, nil, []byte("PLAIN"), blob)
}

// EncodeStat builds a statistics request. An empty arg asks for general stats.
func EncodeStat(arg string) []byte {
	return EncodeRequest(OpStat, nil, []byte(arg), nil)
}

// EncodeGet builds a get request.
func EncodeGet(key string) []byte {
	return EncodeRequest(OpGet, nil, []byte(key), nil)
}

// EncodeSet builds a set request with zero flags and the given expiration.
func EncodeSet(key string, value []byte, expiration uint32) []byte {
	extras := make([]byte, 8)
	binary.BigEndian.PutUint32(extras[4:8], expiration)
	return EncodeRequest(OpSet, extras, []byte(key), value)
}

// EncodeDelete builds a delete request.
func EncodeDelete(key string) []byte {
	return EncodeRequest(OpDelete, nil, []byte(key), nil)
}

// EncodeFlush builds a flush request that takes effect immediately.
func EncodeFlush() []byte {
	return EncodeRequest(OpFlush, nil, nil, nil)
}

// Decoder slices complete frames off a growing byte buffer.
//
// Feed may be called with arbitrarily split input; Next returns ok=false
// until a full header plus declared body is buffered. The remainder stays
// buffered for the next call.
type Decoder struct {
	buf []byte
}

// Feed appends raw bytes read from the socket.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes not yet consumed as a frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete frame.
func (d *Decoder) Next() (*Frame, bool, error) {
	if len(d.buf) < HeaderLen {
		return nil, false, nil
	}
	h := parseHeader(d.buf)
	if h.Magic != MagicResponse && h.Magic != MagicRequest {
		return nil, false, domain.ErrProtocol.WithDetailsf("bad magic 0x%02x", h.Magic)
	}
	if h.BodyLen > MaxBodyLen {
		return nil, false, domain.ErrProtocol.WithDetailsf("body length %d exceeds limit %d", h.BodyLen, MaxBodyLen)
	}
	if uint32(h.KeyLen)+uint32(h.ExtrasLen) > h.BodyLen {
		return nil, false, domain.ErrProtocol.WithDetailsf("key length %d + extras length %d exceed body length %d",
			h.KeyLen, h.ExtrasLen, h.BodyLen)
	}
	total := HeaderLen + int(h.BodyLen)
	if len(d.buf) < total {
		return nil, false, nil
	}

	body := make([]byte, h.BodyLen)
	copy(body, d.buf[HeaderLen:total])
	d.buf = d.buf[total:]
	if len(d.buf) == 0 {
		d.buf = nil
	}

	keyStart := int(h.ExtrasLen)
	valueStart := keyStart + int(h.KeyLen)
	return &Frame{
		Header: h,
		Extras: body[:keyStart],
		Key:    body[keyStart:valueStart],
		Value:  body[valueStart:],
	}, true, nil
}

// StatsCollector gathers a STAT reply, which is a run of frames terminated
// by one with an empty key.
type StatsCollector struct {
	stats map[string]string
	done  bool
}

// NewStatsCollector returns an empty collector.
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{stats: make(map[string]string)}
}

// Add consumes one frame. It reports done once the terminating frame was seen.
// A non-success status ends collection with the decoded error.
func (c *StatsCollector) Add(f *Frame) (bool, error) {
	if c.done {
		return true, nil
	}
	if err := f.Err(); err != nil {
		c.done = true
		return true, err
	}
	if len(f.Key) == 0 {
		c.done = true
		return true, nil
	}
	c.stats[string(f.Key)] = string(f.Value)
	return false, nil
}

// Stats returns the collected statistics.
func (c *StatsCollector) Stats() map[string]string {
	return c.stats
}

// FlagsAndExpiration reads the extras of a SET request or a GET response.
// GET responses only carry flags, in which case expiration is 0.
func FlagsAndExpiration(extras []byte) (flags, expiration uint32) {
	if len(extras) >= 4 {
		flags = binary.BigEndian.Uint32(extras[0:4])
	}
	if len(extras) >= 8 {
		expiration = binary.BigEndian.Uint32(extras[4:8])
	}
	return flags, expiration
}
