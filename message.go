package coap

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// Type is one of the four CoAP message types (RFC 7252 section 2.2).
type Type uint8

const (
	Confirmable     Type = 0
	NonConfirmable  Type = 1
	Acknowledgement Type = 2
	Reset           Type = 3
)

var typeNames = [4]string{"Confirmable", "NonConfirmable", "Acknowledgement", "Reset"}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", t)
}

// Code is the one-byte request/response code: class = code>>5, detail =
// code&0x1F. Class 0 carries requests (or Empty); classes 2/4/5 carry
// responses.
type Code uint8

const (
	CodeEmpty  Code = 0x00
	CodeGET    Code = 0x01
	CodePOST   Code = 0x02
	CodePUT    Code = 0x03
	CodeDELETE Code = 0x04

	CodeCreated Code = 0x41 // 2.01
	CodeDeleted Code = 0x42 // 2.02
	CodeValid   Code = 0x43 // 2.03
	CodeChanged Code = 0x44 // 2.04
	CodeContent Code = 0x45 // 2.05

	CodeBadRequest               Code = 0x80 // 4.00
	CodeUnauthorized             Code = 0x81 // 4.01
	CodeBadOption                Code = 0x82 // 4.02
	CodeForbidden                Code = 0x83 // 4.03
	CodeNotFound                 Code = 0x84 // 4.04
	CodeMethodNotAllowed         Code = 0x85 // 4.05
	CodeNotAcceptable            Code = 0x86 // 4.06
	CodePreconditionFailed       Code = 0x8C // 4.12
	CodeRequestEntityTooLarge    Code = 0x8D // 4.13
	CodeUnsupportedContentFormat Code = 0x8F // 4.15

	CodeInternalServerError  Code = 0xA0 // 5.00
	CodeNotImplemented       Code = 0xA1 // 5.01
	CodeBadGateway           Code = 0xA2 // 5.02
	CodeServiceUnavailable   Code = 0xA3 // 5.03
	CodeGatewayTimeout       Code = 0xA4 // 5.04
	CodeProxyingNotSupported Code = 0xA5 // 5.05
)

// Class returns the three-bit class of the code.
func (c Code) Class() uint8 { return uint8(c) >> 5 }

// Detail returns the five-bit detail of the code.
func (c Code) Detail() uint8 { return uint8(c) & 0x1F }

func (c Code) String() string {
	return fmt.Sprintf("%d.%02d", c.Class(), c.Detail())
}

// IsRequest reports whether the code is a class-0 code other than Empty
// (GET/PUT/POST/DELETE, or any other class-0 method code).
func (c Code) IsRequest() bool {
	return c.Class() == 0 && c != CodeEmpty
}

// IsResponse reports whether the code falls in the 2.xx/4.xx/5.xx ranges.
func (c Code) IsResponse() bool {
	switch c.Class() {
	case 2, 4, 5:
		return true
	default:
		return false
	}
}

// Message is the immutable wire entity described by spec.md §3. It is
// built by value and never mutated by the codec or the engines after
// construction; ClientEngine/ServerEngine derive new Messages (new
// MessageID, same Token) rather than editing one in place.
type Message struct {
	Type      Type
	Code      Code
	MessageID uint16

	// Token is modelled as a 64-bit big-endian value, trimmed of leading
	// zero bytes on the wire: Token==0 encodes as TKL=0, Token==0x100 as
	// TKL=2. Valid range is effectively 0..2^64-1 with a wire length of
	// 0-8 bytes.
	Token uint64

	// Path holds the ordered Uri-Path segments, one per option
	// occurrence, opaque to the codec beyond the 255-byte-per-segment
	// limit.
	Path []string

	// Queries holds the ordered Uri-Query segments ("k=v", opaque).
	Queries []string

	// ContentFormat is the Content-Format option value, if present.
	ContentFormat *uint16

	// ObserveValue is the Observe option value, if present. Only 0
	// (register) and 1 (deregister) are interpreted by the server
	// engine; other values are passed through unexamined.
	ObserveValue *uint32

	Payload []byte
}

// option numbers recognized by the codec (spec.md §4.1 table).
const (
	optObserve       uint16 = 6
	optURIPath       uint16 = 11
	optContentFormat uint16 = 12
	optURIQuery      uint16 = 15
)

const (
	extByteCode   = 13
	extByteAddend = 13
	extWordCode   = 14
	extWordAddend = 269
	extReserved   = 15
	payloadMarker = 0xFF
)

// tokenBytes returns the minimum-length big-endian encoding of t (nil for
// t==0), mirroring the minimum-length encoding used for integer options.
func tokenBytes(t uint64) []byte {
	if t == 0 {
		return nil
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], t)
	i := 0
	for i < 7 && buf[i] == 0 {
		i++
	}
	return buf[i:]
}

func tokenFromBytes(b []byte) (uint64, error) {
	if len(b) > 8 {
		return 0, errors.Wrap(ErrInvalidTokenLen, "token longer than 8 bytes")
	}
	var buf [8]byte
	copy(buf[8-len(b):], b)
	return binary.BigEndian.Uint64(buf[:]), nil
}

// encodeUint is the minimum-length big-endian encoding used for
// Content-Format and Observe option values.
func encodeUint(v uint32) []byte {
	switch {
	case v == 0:
		return nil
	case v < 1<<8:
		return []byte{byte(v)}
	case v < 1<<16:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(v))
		return b
	case v < 1<<24:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, v)
		return b[1:]
	default:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, v)
		return b
	}
}

func decodeUint(b []byte) uint32 {
	var buf [4]byte
	copy(buf[4-len(b):], b)
	return binary.BigEndian.Uint32(buf[:])
}

type wireOption struct {
	id    uint16
	value []byte
}

// orderedOptions builds the option record list in strictly nondecreasing
// option-number order: Observe(6), Uri-Path(11, repeated), Content-Format
// (12), Uri-Query(15, repeated).
func (m *Message) orderedOptions() []wireOption {
	var opts []wireOption
	if m.ObserveValue != nil {
		opts = append(opts, wireOption{optObserve, encodeUint(*m.ObserveValue)})
	}
	for _, seg := range m.Path {
		opts = append(opts, wireOption{optURIPath, []byte(seg)})
	}
	if m.ContentFormat != nil {
		opts = append(opts, wireOption{optContentFormat, encodeUint(uint32(*m.ContentFormat))})
	}
	for _, q := range m.Queries {
		opts = append(opts, wireOption{optURIQuery, []byte(q)})
	}
	return opts
}

func splitExt(n int) (nibble, ext int) {
	switch {
	case n >= extWordAddend:
		return extWordCode, n - extWordAddend
	case n >= extByteAddend:
		return extByteCode, n - extByteAddend
	default:
		return n, 0
	}
}

func writeExt(dst []byte, nibble, ext int) []byte {
	switch nibble {
	case extByteCode:
		dst = append(dst, byte(ext))
	case extWordCode:
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(ext))
		dst = append(dst, b[:]...)
	}
	return dst
}

// MarshalBinary serializes the Message to its RFC 7252 wire form.
func (m *Message) MarshalBinary() ([]byte, error) {
	tok := tokenBytes(m.Token)
	if len(tok) > 8 {
		return nil, errors.Wrap(ErrInvalidTokenLen, "token encodes to more than 8 bytes")
	}

	buf := make([]byte, 0, 16+len(m.Payload))
	buf = append(buf,
		(1<<6)|(uint8(m.Type)<<4)|uint8(len(tok)),
		byte(m.Code),
	)
	var midBuf [2]byte
	binary.BigEndian.PutUint16(midBuf[:], m.MessageID)
	buf = append(buf, midBuf[:]...)
	buf = append(buf, tok...)

	prev := 0
	for _, o := range m.orderedOptions() {
		delta := int(o.id) - prev
		if delta < 0 {
			return nil, errors.New("coap: options out of order")
		}
		length := len(o.value)
		dNibble, dExt := splitExt(delta)
		lNibble, lExt := splitExt(length)
		buf = append(buf, byte(dNibble<<4)|byte(lNibble))
		buf = writeExt(buf, dNibble, dExt)
		buf = writeExt(buf, lNibble, lExt)
		buf = append(buf, o.value...)
		prev = int(o.id)
	}

	if len(m.Payload) > 0 {
		buf = append(buf, payloadMarker)
		buf = append(buf, m.Payload...)
	}

	return buf, nil
}

// ParseMessage parses a datagram into a Message. Any wire-format
// violation (bad version, TKL>8, truncation, an out-of-range option
// length, or a stray reserved 15 nibble outside the payload marker)
// returns ErrMalformedMessage; the caller drops the datagram per
// spec.md §4.1.
func ParseMessage(data []byte) (Message, error) {
	var m Message
	if len(data) < 4 {
		return m, errors.Wrap(ErrMalformedMessage, "datagram shorter than 4 bytes")
	}
	if data[0]>>6 != 1 {
		return m, errors.Wrap(ErrMalformedMessage, "bad version")
	}

	m.Type = Type((data[0] >> 4) & 0x3)
	tkl := int(data[0] & 0x0F)
	if tkl > 8 {
		return m, fmt.Errorf("%w: %w: TKL>8 in header", ErrMalformedMessage, ErrInvalidTokenLen)
	}
	m.Code = Code(data[1])
	m.MessageID = binary.BigEndian.Uint16(data[2:4])

	if len(data) < 4+tkl {
		return m, fmt.Errorf("%w: %w: truncated token", ErrMalformedMessage, ErrInvalidTokenLen)
	}
	tok, err := tokenFromBytes(data[4 : 4+tkl])
	if err != nil {
		return m, err
	}
	m.Token = tok

	b := data[4+tkl:]
	prev := 0
	for len(b) > 0 {
		if b[0] == payloadMarker {
			b = b[1:]
			break
		}

		deltaNibble := int(b[0] >> 4)
		lenNibble := int(b[0] & 0x0F)
		if deltaNibble == extReserved || lenNibble == extReserved {
			return Message{}, errors.Wrap(ErrMalformedMessage, "reserved option nibble outside payload marker")
		}
		b = b[1:]

		delta, b2, err := readExt(deltaNibble, b)
		if err != nil {
			return Message{}, err
		}
		b = b2
		length, b3, err := readExt(lenNibble, b)
		if err != nil {
			return Message{}, err
		}
		b = b3

		if length > len(b) {
			return Message{}, errors.Wrap(ErrMalformedMessage, "option length exceeds remaining buffer")
		}
		id := prev + delta
		if id < prev {
			return Message{}, errors.Wrap(ErrMalformedMessage, "option delta produced decreasing number")
		}
		value := b[:length]
		b = b[length:]
		prev = id

		switch uint16(id) {
		case optObserve:
			v := decodeUint(value)
			m.ObserveValue = &v
		case optURIPath:
			if len(value) > 255 {
				return Message{}, errors.Wrap(ErrSegmentTooLong, "uri-path option")
			}
			m.Path = append(m.Path, string(value))
		case optContentFormat:
			v := uint16(decodeUint(value))
			m.ContentFormat = &v
		case optURIQuery:
			m.Queries = append(m.Queries, string(value))
		default:
			// Unrecognized option: tolerated and dropped (spec.md §4.1).
		}
	}
	m.Payload = b
	return m, nil
}

// readExt resolves an extended delta/length nibble against the buffer
// that follows the option header byte, returning the resolved value and
// the remaining buffer.
func readExt(nibble int, b []byte) (int, []byte, error) {
	switch nibble {
	case extByteCode:
		if len(b) < 1 {
			return 0, nil, errors.Wrap(ErrMalformedMessage, "truncated extended option byte")
		}
		return int(b[0]) + extByteAddend, b[1:], nil
	case extWordCode:
		if len(b) < 2 {
			return 0, nil, errors.Wrap(ErrMalformedMessage, "truncated extended option word")
		}
		return int(binary.BigEndian.Uint16(b[:2])) + extWordAddend, b[2:], nil
	default:
		return nibble, b, nil
	}
}
