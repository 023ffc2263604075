package dbus

import (
	"math"

	"github.com/thrykol/dbus/fragments"
)

// marshalBody appends the wire encoding of a message body to e.
func marshalBody(e *fragments.Encoder, body []Value) error {
	for _, v := range body {
		if err := marshalValue(e, v); err != nil {
			return err
		}
	}
	return nil
}

// marshalValue appends the wire encoding of a single value to e,
// padding to the value's alignment boundary first.
func marshalValue(e *fragments.Encoder, v Value) error {
	switch v := v.(type) {
	case Byte:
		e.Uint8(uint8(v))
	case Bool:
		if v {
			e.Uint32(1)
		} else {
			e.Uint32(0)
		}
	case Int16:
		e.Uint16(uint16(v))
	case Uint16:
		e.Uint16(uint16(v))
	case Int32:
		e.Uint32(uint32(v))
	case Uint32:
		e.Uint32(uint32(v))
	case Int64:
		e.Uint64(uint64(v))
	case Uint64:
		e.Uint64(uint64(v))
	case Double:
		e.Uint64(math.Float64bits(float64(v)))
	case String:
		e.String(string(v))
	case ObjectPath:
		e.String(string(v))
	case Signature:
		e.Signature(v.str)
	case UnixFD:
		e.Uint32(uint32(v))
	case Array:
		return marshalArray(e, v)
	case Dict:
		return marshalDict(e, v)
	case Struct:
		return marshalStruct(e, v)
	case Variant:
		return marshalVariant(e, v)
	case nil:
		return typeErr("cannot marshal a nil value")
	default:
		return typeErr("cannot marshal value of unknown type %T", v)
	}
	return nil
}

func marshalArray(e *fragments.Encoder, a Array) error {
	if !a.Elem.IsSingle() {
		return typeErr("array element type %q is not a single complete type", a.Elem)
	}
	return e.Array(a.Elem.alignment(), func() error {
		for i, el := range a.Values {
			if el == nil {
				return typeErr("array element %d is nil", i)
			}
			if el.Signature() != a.Elem {
				return typeErr("array element %d has type %q, want %q", i, el.Signature(), a.Elem)
			}
			if err := marshalValue(e, el); err != nil {
				return err
			}
		}
		return nil
	})
}

func marshalDict(e *fragments.Encoder, d Dict) error {
	if !d.Key.IsBasic() {
		return typeErr("dict key type %q is not a basic type", d.Key)
	}
	if !d.Value.IsSingle() {
		return typeErr("dict value type %q is not a single complete type", d.Value)
	}
	// Dict entries are structs on the wire, always 8-aligned.
	return e.Array(8, func() error {
		for i, kv := range d.Entries {
			if kv.Key == nil || kv.Value == nil {
				return typeErr("dict entry %d has a nil key or value", i)
			}
			if kv.Key.Signature() != d.Key {
				return typeErr("dict entry %d has key type %q, want %q", i, kv.Key.Signature(), d.Key)
			}
			if kv.Value.Signature() != d.Value {
				return typeErr("dict entry %d has value type %q, want %q", i, kv.Value.Signature(), d.Value)
			}
			err := e.Struct(func() error {
				if err := marshalValue(e, kv.Key); err != nil {
					return err
				}
				return marshalValue(e, kv.Value)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func marshalStruct(e *fragments.Encoder, s Struct) error {
	if len(s.Fields) == 0 {
		return typeErr("cannot marshal an empty struct")
	}
	return e.Struct(func() error {
		for i, f := range s.Fields {
			if f == nil {
				return typeErr("struct field %d is nil", i)
			}
			if err := marshalValue(e, f); err != nil {
				return err
			}
		}
		return nil
	})
}

func marshalVariant(e *fragments.Encoder, v Variant) error {
	if v.Value == nil {
		return typeErr("cannot marshal a variant holding no value")
	}
	sig := v.Value.Signature()
	if !sig.IsSingle() {
		return typeErr("variant value type %q is not a single complete type", sig)
	}
	e.Signature(sig.str)
	return marshalValue(e, v.Value)
}
