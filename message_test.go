package dbus

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/thrykol/dbus/fragments"
)

var msgCmpOpts = cmp.Options{
	cmp.AllowUnexported(Signature{}),
	cmp.Comparer(func(a, b Signature) bool { return a.str == b.str }),
	cmpopts.IgnoreFields(Message{}, "Signature", "NumFDs"),
}

func TestMessageRoundTrip(t *testing.T) {
	msgs := []*Message{
		{
			Type:        MessageTypeCall,
			Serial:      1,
			Path:        "/org/freedesktop/DBus",
			Interface:   "org.freedesktop.DBus",
			Member:      "Hello",
			Destination: "org.freedesktop.DBus",
		},
		{
			Type:        MessageTypeCall,
			Flags:       FlagNoReplyExpected | FlagNoAutoStart,
			Serial:      7,
			Path:        "/com/example/Object",
			Interface:   "com.example.Iface",
			Member:      "Notify",
			Destination: ":1.42",
			Body:        []Value{String("hi"), Uint32(4)},
		},
		{
			Type:        MessageTypeReturn,
			Serial:      2,
			ReplySerial: 1,
			Destination: ":1.7",
			Body:        []Value{String(":1.7")},
		},
		{
			Type:        MessageTypeError,
			Serial:      3,
			ReplySerial: 9,
			ErrName:     "org.freedesktop.DBus.Error.UnknownMethod",
			Destination: ":1.7",
			Body:        []Value{String("no such method")},
		},
		{
			Type:      MessageTypeSignal,
			Serial:    4,
			Path:      "/org/freedesktop/DBus",
			Interface: "org.freedesktop.DBus",
			Member:    "NameOwnerChanged",
			Sender:    "org.freedesktop.DBus",
			Body:      []Value{String("com.example"), String(""), String(":1.9")},
		},
	}

	for _, order := range []fragments.ByteOrder{fragments.LittleEndian, fragments.BigEndian} {
		for _, m := range msgs {
			bs, err := MarshalMessage(m, order)
			if err != nil {
				t.Fatalf("MarshalMessage(%s %d) got err: %v", m.Type, m.Serial, err)
			}
			got, err := UnmarshalMessage(bs)
			if err != nil {
				t.Fatalf("UnmarshalMessage(%s %d) got err: %v", m.Type, m.Serial, err)
			}
			if diff := cmp.Diff(got, m, msgCmpOpts); diff != "" {
				t.Errorf("round trip of %s %d changed the message (-got+want):\n%s", m.Type, m.Serial, diff)
			}
		}
	}
}

func TestMessageIncomplete(t *testing.T) {
	m := &Message{
		Type:        MessageTypeCall,
		Serial:      1,
		Path:        "/x",
		Interface:   "a.b",
		Member:      "M",
		Destination: ":1.1",
		Body:        []Value{Uint64(42)},
	}
	bs, err := MarshalMessage(m, fragments.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	// Every strict prefix of a valid message must report
	// ErrIncomplete, never a decode success or a malformed error.
	for i := 0; i < len(bs); i++ {
		_, err := UnmarshalMessage(bs[:i])
		if !errors.Is(err, ErrIncomplete) {
			t.Fatalf("UnmarshalMessage(%d of %d bytes) got %v, want ErrIncomplete", i, len(bs), err)
		}
	}
	if _, err := UnmarshalMessage(bs); err != nil {
		t.Fatalf("UnmarshalMessage(complete) got err: %v", err)
	}
}

func TestMessageMalformed(t *testing.T) {
	valid := func() []byte {
		bs, err := MarshalMessage(&Message{
			Type:      MessageTypeSignal,
			Serial:    5,
			Path:      "/x",
			Interface: "a.b",
			Member:    "M",
			Body:      []Value{Bool(true)},
		}, fragments.LittleEndian)
		if err != nil {
			t.Fatal(err)
		}
		return bs
	}

	t.Run("bad byte order flag", func(t *testing.T) {
		bs := valid()
		bs[0] = 'x'
		if _, err := UnmarshalMessage(bs); !errors.Is(err, ErrMalformed) {
			t.Errorf("got %v, want ErrMalformed", err)
		}
	})
	t.Run("bad protocol version", func(t *testing.T) {
		bs := valid()
		bs[3] = 2
		if _, err := UnmarshalMessage(bs); !errors.Is(err, ErrMalformed) {
			t.Errorf("got %v, want ErrMalformed", err)
		}
	})
	t.Run("bad bool body", func(t *testing.T) {
		bs := valid()
		// The body is the final 4 bytes, a little-endian bool.
		bs[len(bs)-4] = 2
		if _, err := UnmarshalMessage(bs); !errors.Is(err, ErrMalformed) {
			t.Errorf("got %v, want ErrMalformed", err)
		}
	})
	t.Run("trailing body bytes", func(t *testing.T) {
		bs, err := MarshalMessage(&Message{
			Type:      MessageTypeSignal,
			Serial:    5,
			Path:      "/x",
			Interface: "a.b",
			Member:    "M",
		}, fragments.LittleEndian)
		if err != nil {
			t.Fatal(err)
		}
		// Declare a 4-byte body with no body signature.
		bs[4] = 4
		bs = append(bs, 0, 0, 0, 0)
		if _, err := UnmarshalMessage(bs); !errors.Is(err, ErrMalformed) {
			t.Errorf("got %v, want ErrMalformed", err)
		}
	})
}

func TestMessageValid(t *testing.T) {
	tests := []struct {
		name string
		m    Message
		ok   bool
	}{
		{"zero serial", Message{Type: MessageTypeReturn, ReplySerial: 1}, false},
		{"zero type", Message{Serial: 1}, false},
		{"call", Message{Type: MessageTypeCall, Serial: 1, Path: "/x", Interface: "a.b", Member: "M"}, true},
		{"call without member", Message{Type: MessageTypeCall, Serial: 1, Path: "/x", Interface: "a.b"}, false},
		{"return", Message{Type: MessageTypeReturn, Serial: 1, ReplySerial: 2}, true},
		{"return without reply serial", Message{Type: MessageTypeReturn, Serial: 1}, false},
		{"error", Message{Type: MessageTypeError, Serial: 1, ReplySerial: 2, ErrName: "a.b"}, true},
		{"error without name", Message{Type: MessageTypeError, Serial: 1, ReplySerial: 2}, false},
		{"signal", Message{Type: MessageTypeSignal, Serial: 1, Path: "/x", Interface: "a.b", Member: "M"}, true},
		{"signal without path", Message{Type: MessageTypeSignal, Serial: 1, Interface: "a.b", Member: "M"}, false},
		{"unknown type", Message{Type: MessageType(9), Serial: 1}, true},
	}
	for _, tc := range tests {
		err := tc.m.Valid()
		if tc.ok && err != nil {
			t.Errorf("%s: Valid() got err: %v", tc.name, err)
		} else if !tc.ok && err == nil {
			t.Errorf("%s: Valid() accepted an invalid message", tc.name)
		}
	}
}

func TestMessageUnknownHeaderField(t *testing.T) {
	// A header field with an unknown code must be preserved, not
	// rejected.
	m := &Message{
		Type:        MessageTypeReturn,
		Serial:      2,
		ReplySerial: 1,
		Unknown:     map[byte]Variant{42: {Value: String("future")}},
	}
	bs, err := MarshalMessage(m, fragments.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnmarshalMessage(bs)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(got, m, msgCmpOpts); diff != "" {
		t.Errorf("unknown field not preserved (-got+want):\n%s", diff)
	}
}
