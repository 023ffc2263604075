package dbus

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"

	"github.com/thrykol/dbus/fragments"
)

// maxMessageBytes is the largest message the wire protocol permits.
const maxMessageBytes = 1 << 27

// protocolVersion is the wire protocol major version this package
// speaks.
const protocolVersion = 1

// MessageType is the type of a DBus message.
type MessageType byte

const (
	// MessageTypeCall is a method call.
	MessageTypeCall MessageType = iota + 1
	// MessageTypeReturn is a successful reply to a method call.
	MessageTypeReturn
	// MessageTypeError is a failure reply to a method call.
	MessageTypeError
	// MessageTypeSignal is a broadcast notification with no reply.
	MessageTypeSignal
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeCall:
		return "method_call"
	case MessageTypeReturn:
		return "method_return"
	case MessageTypeError:
		return "error"
	case MessageTypeSignal:
		return "signal"
	}
	return fmt.Sprintf("unknown(%d)", byte(t))
}

// Message flags.
const (
	// FlagNoReplyExpected tells the callee that no reply, success or
	// error, should be sent back.
	FlagNoReplyExpected byte = 0x1
	// FlagNoAutoStart tells the bus not to launch an owner for the
	// destination name.
	FlagNoAutoStart byte = 0x2
	// FlagAllowInteractiveAuth tells the callee the caller is
	// prepared to wait for interactive authorization.
	FlagAllowInteractiveAuth byte = 0x4
)

// Header field codes of the wire protocol.
const (
	fieldPath        = 1
	fieldInterface   = 2
	fieldMember      = 3
	fieldErrName     = 4
	fieldReplySerial = 5
	fieldDestination = 6
	fieldSender      = 7
	fieldSignature   = 8
	fieldNumFDs      = 9
)

// A Message is a single DBus message: a method call, a reply, an
// error, or a signal.
type Message struct {
	// Type is the message's type.
	Type MessageType
	// Flags is the message's flag byte.
	Flags byte
	// Serial is the sender-assigned sequence number for this
	// message. The connection assigns it on send; it must be
	// non-zero on the wire.
	Serial uint32

	// Path is the target object for a call, or the source object for
	// a signal. Required for calls and signals.
	Path ObjectPath
	// Interface is the interface to target for a call, or the source
	// interface for a signal. Required for calls and signals.
	Interface string
	// Member is the method name for a call, or signal name for a
	// signal. Required for calls and signals.
	Member string
	// ErrName is the name of the error that occurred. Required for
	// error replies.
	ErrName string
	// ReplySerial is the serial of the call to which this message is
	// replying. Required for returns and errors.
	ReplySerial uint32
	// Destination is the intended recipient of the message. Optional
	// for signals, required for everything else on a message bus.
	Destination string
	// Sender is the unique name of the message sender. The bus
	// populates this itself; any sent value is ignored.
	Sender string
	// Signature is the type signature of the body. Derived from Body
	// on send.
	Signature Signature
	// NumFDs is the number of file descriptors attached to the
	// message. Derived from Files on send.
	NumFDs uint32

	// Body is the message payload, an ordered sequence of values
	// matching Signature.
	Body []Value

	// Files are the open files attached to the message. A [UnixFD]
	// value in Body is an index into this slice.
	Files []*os.File

	// Unknown collects header fields with codes this package does
	// not know, preserved in code order.
	Unknown map[byte]Variant
}

// Valid checks that the message header is structurally valid for its
// message type.
func (m *Message) Valid() error {
	if m.Serial == 0 {
		return errors.New("invalid message with zero Serial")
	}
	switch m.Type {
	case 0:
		return errors.New("invalid message with Type 0")
	case MessageTypeCall:
		if m.Path == "" {
			return errors.New("missing required header field Path")
		}
		if m.Interface == "" {
			return errors.New("missing required header field Interface")
		}
		if m.Member == "" {
			return errors.New("missing required header field Member")
		}
	case MessageTypeReturn:
		if m.ReplySerial == 0 {
			return errors.New("missing required header field ReplySerial")
		}
	case MessageTypeError:
		if m.ReplySerial == 0 {
			return errors.New("missing required header field ReplySerial")
		}
		if m.ErrName == "" {
			return errors.New("missing required header field ErrName")
		}
	case MessageTypeSignal:
		if m.Path == "" {
			return errors.New("missing required header field Path")
		}
		if m.Interface == "" {
			return errors.New("missing required header field Interface")
		}
		if m.Member == "" {
			return errors.New("missing required header field Member")
		}
	default:
		// Unknown message types are suspect, but the spec requires
		// us to gracefully allow them.
	}
	return nil
}

// validNames checks the grammar of every name-valued header field
// that is present.
func (m *Message) validNames() error {
	if m.Path != "" && !m.Path.Valid() {
		return NameError{"object path", string(m.Path)}
	}
	if m.Interface != "" && !validInterface(m.Interface) {
		return NameError{"interface name", m.Interface}
	}
	if m.Member != "" && !validMember(m.Member) {
		return NameError{"member name", m.Member}
	}
	if m.ErrName != "" && !validErrorName(m.ErrName) {
		return NameError{"error name", m.ErrName}
	}
	if m.Destination != "" && !validBusName(m.Destination) {
		return NameError{"bus name", m.Destination}
	}
	if m.Sender != "" && !validBusName(m.Sender) {
		return NameError{"bus name", m.Sender}
	}
	return nil
}

// WantReply reports whether this message requires a response.
func (m *Message) WantReply() bool {
	return m.Type == MessageTypeCall && m.Flags&FlagNoReplyExpected == 0
}

// File resolves a [UnixFD] body value to the attached file it refers
// to, or nil if the index does not name an attached file.
func (m *Message) File(fd UnixFD) *os.File {
	if int(fd) >= len(m.Files) {
		return nil
	}
	return m.Files[fd]
}

// marshalHeader appends the message's header to e, including the
// trailing padding that aligns the body to an 8-byte boundary.
// bodyLen and the body signature must already be computed.
func (m *Message) marshalHeader(e *fragments.Encoder, bodyLen int) error {
	e.ByteOrderFlag()
	e.Uint8(byte(m.Type))
	e.Uint8(m.Flags)
	e.Uint8(protocolVersion)
	e.Uint32(uint32(bodyLen))
	e.Uint32(m.Serial)

	field := func(code byte, v Value) error {
		return e.Struct(func() error {
			e.Uint8(code)
			return marshalVariant(e, Variant{Value: v})
		})
	}
	err := e.Array(8, func() error {
		if m.Path != "" {
			if err := field(fieldPath, m.Path); err != nil {
				return err
			}
		}
		if m.Interface != "" {
			if err := field(fieldInterface, String(m.Interface)); err != nil {
				return err
			}
		}
		if m.Member != "" {
			if err := field(fieldMember, String(m.Member)); err != nil {
				return err
			}
		}
		if m.ErrName != "" {
			if err := field(fieldErrName, String(m.ErrName)); err != nil {
				return err
			}
		}
		if m.ReplySerial != 0 {
			if err := field(fieldReplySerial, Uint32(m.ReplySerial)); err != nil {
				return err
			}
		}
		if m.Destination != "" {
			if err := field(fieldDestination, String(m.Destination)); err != nil {
				return err
			}
		}
		if m.Sender != "" {
			if err := field(fieldSender, String(m.Sender)); err != nil {
				return err
			}
		}
		if !m.Signature.IsZero() {
			if err := field(fieldSignature, m.Signature); err != nil {
				return err
			}
		}
		if m.NumFDs > 0 {
			if err := field(fieldNumFDs, Uint32(m.NumFDs)); err != nil {
				return err
			}
		}
		for _, code := range slices.Sorted(maps.Keys(m.Unknown)) {
			if err := field(code, m.Unknown[code].Value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	// The header is specified to carry trailing padding up to the
	// body's 8-byte boundary.
	e.Pad(8)
	return nil
}

// MarshalMessage encodes the message in the given byte order.
//
// The message's Signature is derived from its Body; any caller-set
// Signature is ignored.
func MarshalMessage(m *Message, order fragments.ByteOrder) ([]byte, error) {
	if err := m.Valid(); err != nil {
		return nil, err
	}
	sig, err := BodySignature(m.Body)
	if err != nil {
		return nil, err
	}
	bodyEnc := fragments.Encoder{Order: order}
	if err := marshalBody(&bodyEnc, m.Body); err != nil {
		return nil, err
	}

	hdr := *m
	hdr.Signature = sig
	hdr.NumFDs = uint32(len(m.Files))
	enc := fragments.Encoder{Order: order}
	if err := hdr.marshalHeader(&enc, len(bodyEnc.Out)); err != nil {
		return nil, err
	}
	enc.Write(bodyEnc.Out)
	return enc.Out, nil
}

// unmarshalHeader reads a message header from d, including the
// trailing padding before the body. It returns the partially
// populated message and the declared body length; the caller is
// responsible for reading the body.
func unmarshalHeader(d *fragments.Decoder) (*Message, uint32, error) {
	if err := d.ByteOrderFlag(); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, 0, err
		}
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var m Message
	t, err := d.Uint8()
	if err != nil {
		return nil, 0, err
	}
	m.Type = MessageType(t)
	if m.Flags, err = d.Uint8(); err != nil {
		return nil, 0, err
	}
	version, err := d.Uint8()
	if err != nil {
		return nil, 0, err
	}
	if version != protocolVersion {
		return nil, 0, fmt.Errorf("%w: unsupported protocol version %d", ErrMalformed, version)
	}
	bodyLen, err := d.Uint32()
	if err != nil {
		return nil, 0, err
	}
	if bodyLen > maxMessageBytes {
		return nil, 0, fmt.Errorf("%w: declared body length %d exceeds the message size limit", ErrMalformed, bodyLen)
	}
	if m.Serial, err = d.Uint32(); err != nil {
		return nil, 0, err
	}

	_, err = d.Array(8, func(int) error {
		return d.Struct(func() error {
			code, err := d.Uint8()
			if err != nil {
				return err
			}
			v, err := unmarshalVariant(d)
			if err != nil {
				return err
			}
			return m.setField(code, v.(Variant))
		})
	})
	if err != nil {
		return nil, 0, err
	}
	if err := d.Pad(8); err != nil {
		return nil, 0, err
	}
	return &m, bodyLen, nil
}

// setField stores a decoded header field, enforcing the wire type
// each known field code requires.
func (m *Message) setField(code byte, v Variant) error {
	wrongType := func(want string) error {
		return fmt.Errorf("%w: header field %d has type %q, want %q",
			ErrMalformed, code, v.Value.Signature(), want)
	}
	str := func(dst *string) error {
		s, ok := v.Value.(String)
		if !ok {
			return wrongType("s")
		}
		*dst = string(s)
		return nil
	}
	switch code {
	case fieldPath:
		p, ok := v.Value.(ObjectPath)
		if !ok {
			return wrongType("o")
		}
		m.Path = p
		return nil
	case fieldInterface:
		return str(&m.Interface)
	case fieldMember:
		return str(&m.Member)
	case fieldErrName:
		return str(&m.ErrName)
	case fieldReplySerial:
		u, ok := v.Value.(Uint32)
		if !ok {
			return wrongType("u")
		}
		m.ReplySerial = uint32(u)
		return nil
	case fieldDestination:
		return str(&m.Destination)
	case fieldSender:
		return str(&m.Sender)
	case fieldSignature:
		s, ok := v.Value.(Signature)
		if !ok {
			return wrongType("g")
		}
		m.Signature = s
		return nil
	case fieldNumFDs:
		u, ok := v.Value.(Uint32)
		if !ok {
			return wrongType("u")
		}
		m.NumFDs = uint32(u)
		return nil
	default:
		if m.Unknown == nil {
			m.Unknown = map[byte]Variant{}
		}
		m.Unknown[code] = v
		return nil
	}
}

// UnmarshalMessage decodes one message from the front of buf.
//
// If buf does not yet hold a complete message, UnmarshalMessage
// reports [ErrIncomplete]; the caller should retry with more bytes.
// Other errors wrap [ErrMalformed] and are fatal to the message.
func UnmarshalMessage(buf []byte) (*Message, error) {
	d := fragments.Decoder{
		Order: fragments.NativeEndian,
		In:    bytes.NewReader(buf),
	}
	m, bodyLen, err := unmarshalHeader(&d)
	if err != nil {
		return nil, mapIncomplete(err)
	}
	body, err := d.Read(int(bodyLen))
	if err != nil {
		return nil, mapIncomplete(err)
	}
	if err := m.unmarshalBody(body, d.Order); err != nil {
		return nil, err
	}
	return m, nil
}

// unmarshalBody decodes the message's body bytes against its
// declared signature. The body must exhaust exactly.
func (m *Message) unmarshalBody(body []byte, order fragments.ByteOrder) error {
	if m.Signature.IsZero() {
		if len(body) != 0 {
			return fmt.Errorf("%w: %d body bytes with no body signature", ErrMalformed, len(body))
		}
		return nil
	}
	r := bytes.NewReader(body)
	d := fragments.Decoder{Order: order, In: r}
	vals, err := unmarshalBody(&d, m.Signature)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: body truncated for signature %q", ErrMalformed, m.Signature)
		}
		return err
	}
	if r.Len() != 0 {
		return fmt.Errorf("%w: %d trailing body bytes after signature %q", ErrMalformed, r.Len(), m.Signature)
	}
	m.Body = vals
	return nil
}

func mapIncomplete(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrIncomplete
	}
	return err
}
