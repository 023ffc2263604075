package fragments_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/thrykol/dbus/fragments"
)

type mustDecoder struct {
	t *testing.T
	*fragments.Decoder
}

func (d *mustDecoder) MustRead(n int, want []byte) {
	d.t.Helper()
	got, err := d.Read(n)
	if err != nil {
		d.t.Fatalf("Read(%d) got err: %v", n, err)
	}
	if !bytes.Equal(got, want) {
		d.t.Fatalf("Read(%d) wrong output:\n  got: % x\n want: % x", n, got, want)
	}
}

func (d *mustDecoder) MustString(want string) {
	d.t.Helper()
	got, err := d.String()
	if err != nil {
		d.t.Fatalf("String() got err: %v", err)
	}
	if got != want {
		d.t.Fatalf("String() got %q, want %q", got, want)
	}
}

func (d *mustDecoder) MustSignature(want string) {
	d.t.Helper()
	got, err := d.Signature()
	if err != nil {
		d.t.Fatalf("Signature() got err: %v", err)
	}
	if got != want {
		d.t.Fatalf("Signature() got %q, want %q", got, want)
	}
}

func (d *mustDecoder) MustUint8(want uint8) {
	d.t.Helper()
	got, err := d.Uint8()
	if err != nil {
		d.t.Fatalf("Uint8() got err: %v", err)
	}
	if got != want {
		d.t.Fatalf("Uint8() got %d, want %d", got, want)
	}
}

func (d *mustDecoder) MustUint16(want uint16) {
	d.t.Helper()
	got, err := d.Uint16()
	if err != nil {
		d.t.Fatalf("Uint16() got err: %v", err)
	}
	if got != want {
		d.t.Fatalf("Uint16() got %d, want %d", got, want)
	}
}

func (d *mustDecoder) MustUint32(want uint32) {
	d.t.Helper()
	got, err := d.Uint32()
	if err != nil {
		d.t.Fatalf("Uint32() got err: %v", err)
	}
	if got != want {
		d.t.Fatalf("Uint32() got %d, want %d", got, want)
	}
}

func (d *mustDecoder) MustUint64(want uint64) {
	d.t.Helper()
	got, err := d.Uint64()
	if err != nil {
		d.t.Fatalf("Uint64() got err: %v", err)
	}
	if got != want {
		d.t.Fatalf("Uint64() got %d, want %d", got, want)
	}
}

func newDecoder(t *testing.T, bs []byte) *mustDecoder {
	return &mustDecoder{t, &fragments.Decoder{
		Order: fragments.BigEndian,
		In:    bytes.NewReader(bs),
	}}
}

func TestDecoderBasic(t *testing.T) {
	d := newDecoder(t, []byte{
		0x2a,
		0x00, // pad
		0x00, 0x42,
		0x00, 0x00, 0x00, 0x2a,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x42,
	})
	d.MustUint8(42)
	d.MustUint16(66)
	d.MustUint32(42)
	d.MustUint64(66)
}

func TestDecoderPadding(t *testing.T) {
	d := newDecoder(t, []byte{
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x42,
		0x00,             // raw
		0x00, 0x00, 0x00, // pad
		0x00, 0x00, 0x00, 0x2a,
		0x00, // raw
		0x00, // pad
		0x00, 0x42,
	})
	d.MustUint64(66)
	d.MustRead(1, []byte{0})
	d.MustUint32(42)
	d.MustRead(1, []byte{0})
	d.MustUint16(66)
}

func TestDecoderStrings(t *testing.T) {
	d := newDecoder(t, []byte{
		0x00, 0x00, 0x00, 0x03, // length
		0x66, 0x6f, 0x6f, // "foo"
		0x00, // terminator
		0x02, // signature length
		0x61, 0x79,
		0x00, // terminator
	})
	d.MustString("foo")
	d.MustSignature("ay")
}

func TestDecoderStringMissingNUL(t *testing.T) {
	d := newDecoder(t, []byte{
		0x00, 0x00, 0x00, 0x03,
		0x66, 0x6f, 0x6f,
		0x01, // not a NUL terminator
	})
	if _, err := d.String(); err == nil {
		t.Fatal("String() decoded a string with no NUL terminator")
	}
}

func TestDecoderStringTooLong(t *testing.T) {
	// The declared length is 4GiB, backed by no data at all. String
	// must reject the length outright rather than allocate for it.
	d := newDecoder(t, []byte{0xff, 0xff, 0xff, 0xff})
	if _, err := d.String(); err == nil {
		t.Fatal("String() accepted a 4GiB length prefix")
	}
}

func TestDecoderArray(t *testing.T) {
	d := newDecoder(t, []byte{
		0x00, 0x00, 0x00, 0x04, // length
		0x00, 0x01,
		0x00, 0x02,
		0x00, 0x03, // trailing value, not part of the array
	})
	var got []uint16
	n, err := d.Array(2, func(i int) error {
		v, err := d.Uint16()
		if err != nil {
			return err
		}
		got = append(got, v)
		return nil
	})
	if err != nil {
		t.Fatalf("Array() got err: %v", err)
	}
	if n != 2 {
		t.Errorf("Array() processed %d elements, want 2", n)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("Array() got %v, want [1 2]", got)
	}
	d.MustUint16(3)
}

func TestDecoderEmptyStructArray(t *testing.T) {
	// An empty array of 8-aligned elements still carries padding
	// between the length and the (absent) first element.
	d := newDecoder(t, []byte{
		0x00, 0x00, 0x00, 0x00, // length
		0x00, 0x00, 0x00, 0x00, // pad
		0x2a,
	})
	n, err := d.Array(8, func(int) error {
		t.Fatal("readElement called for an empty array")
		return nil
	})
	if err != nil {
		t.Fatalf("Array() got err: %v", err)
	}
	if n != 0 {
		t.Errorf("Array() processed %d elements, want 0", n)
	}
	d.MustUint8(42)
}

func TestDecoderArrayElementOverread(t *testing.T) {
	d := newDecoder(t, []byte{
		0x00, 0x00, 0x00, 0x02, // length
		0x00, 0x01,
		0x00, 0x02, // beyond the array
	})
	_, err := d.Array(2, func(int) error {
		// Deliberately try to read past the array's end.
		if _, err := d.Uint32(); err != nil {
			return err
		}
		return nil
	})
	if err == nil {
		t.Fatal("Array() allowed an element read past the array end")
	}
}

func TestDecoderByteOrderFlag(t *testing.T) {
	d := newDecoder(t, []byte{'l', 0x00, 0x01, 0x00, 'B', 0x00, 0x00, 0x02, 'x'})
	if err := d.ByteOrderFlag(); err != nil {
		t.Fatalf("ByteOrderFlag() got err: %v", err)
	}
	d.MustUint16(1)
	if err := d.ByteOrderFlag(); err != nil {
		t.Fatalf("ByteOrderFlag() got err: %v", err)
	}
	d.MustUint16(2)
	if err := d.ByteOrderFlag(); err == nil {
		t.Fatal("ByteOrderFlag() accepted an unknown flag byte")
	}
}

func TestDecoderTruncated(t *testing.T) {
	d := newDecoder(t, []byte{0x00, 0x00})
	if _, err := d.Uint32(); !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		t.Fatalf("Uint32() on truncated input got %v, want EOF", err)
	}
}
