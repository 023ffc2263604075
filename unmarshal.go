package dbus

import (
	"fmt"
	"math"

	"github.com/thrykol/dbus/fragments"
)

// unmarshalBody reads the sequence of values described by sig from
// d. It is the mirror of marshalBody.
func unmarshalBody(d *fragments.Decoder, sig Signature) ([]Value, error) {
	sigs, ok := sig.split()
	if !ok {
		return nil, fmt.Errorf("%w: invalid body signature %q", ErrMalformed, sig)
	}
	var ret []Value
	for _, s := range sigs {
		v, err := unmarshalValue(d, s)
		if err != nil {
			return nil, err
		}
		ret = append(ret, v)
	}
	return ret, nil
}

// unmarshalValue reads one value of the given type from d.
func unmarshalValue(d *fragments.Decoder, sig Signature) (Value, error) {
	switch sig.str[0] {
	case 'y':
		v, err := d.Uint8()
		return Byte(v), err
	case 'b':
		v, err := d.Uint32()
		if err != nil {
			return nil, err
		}
		switch v {
		case 0:
			return Bool(false), nil
		case 1:
			return Bool(true), nil
		}
		return nil, fmt.Errorf("%w: invalid boolean value %d", ErrMalformed, v)
	case 'n':
		v, err := d.Uint16()
		return Int16(v), err
	case 'q':
		v, err := d.Uint16()
		return Uint16(v), err
	case 'i':
		v, err := d.Uint32()
		return Int32(v), err
	case 'u':
		v, err := d.Uint32()
		return Uint32(v), err
	case 'x':
		v, err := d.Uint64()
		return Int64(v), err
	case 't':
		v, err := d.Uint64()
		return Uint64(v), err
	case 'd':
		v, err := d.Uint64()
		return Double(math.Float64frombits(v)), err
	case 's':
		v, err := d.String()
		return String(v), err
	case 'o':
		v, err := d.String()
		if err != nil {
			return nil, err
		}
		if !ObjectPath(v).Valid() {
			return nil, fmt.Errorf("%w: invalid object path %q", ErrMalformed, v)
		}
		return ObjectPath(v), nil
	case 'g':
		v, err := d.Signature()
		if err != nil {
			return nil, err
		}
		ret, err := ParseSignature(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return ret, nil
	case 'h':
		v, err := d.Uint32()
		return UnixFD(v), err
	case 'a':
		if sig.IsDict() {
			return unmarshalDict(d, sig)
		}
		return unmarshalArray(d, sig)
	case '(':
		return unmarshalStruct(d, sig)
	case 'v':
		return unmarshalVariant(d)
	}
	return nil, fmt.Errorf("%w: unknown type code %q", ErrMalformed, string(sig.str[0]))
}

func unmarshalArray(d *fragments.Decoder, sig Signature) (Value, error) {
	elem := sig.Elem()
	ret := Array{Elem: elem}
	_, err := d.Array(elem.alignment(), func(i int) error {
		v, err := unmarshalValue(d, elem)
		if err != nil {
			return err
		}
		ret.Values = append(ret.Values, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

func unmarshalDict(d *fragments.Decoder, sig Signature) (Value, error) {
	key, value, ok := sig.DictKeyValue()
	if !ok {
		return nil, fmt.Errorf("%w: invalid dict signature %q", ErrMalformed, sig)
	}
	ret := Dict{Key: key, Value: value}
	_, err := d.Array(8, func(i int) error {
		return d.Struct(func() error {
			k, err := unmarshalValue(d, key)
			if err != nil {
				return err
			}
			v, err := unmarshalValue(d, value)
			if err != nil {
				return err
			}
			ret.Entries = append(ret.Entries, DictEntry{Key: k, Value: v})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

func unmarshalStruct(d *fragments.Decoder, sig Signature) (Value, error) {
	fields := sig.fields()
	if fields == nil {
		return nil, fmt.Errorf("%w: invalid struct signature %q", ErrMalformed, sig)
	}
	ret := Struct{}
	err := d.Struct(func() error {
		for _, fs := range fields {
			f, err := unmarshalValue(d, fs)
			if err != nil {
				return err
			}
			ret.Fields = append(ret.Fields, f)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

func unmarshalVariant(d *fragments.Decoder) (Value, error) {
	s, err := d.Signature()
	if err != nil {
		return nil, err
	}
	sig, err := ParseSignature(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !sig.IsSingle() {
		return nil, fmt.Errorf("%w: variant signature %q is not a single complete type", ErrMalformed, sig)
	}
	v, err := unmarshalValue(d, sig)
	if err != nil {
		return nil, err
	}
	return Variant{Value: v}, nil
}
