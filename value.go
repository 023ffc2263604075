package dbus

import (
	"fmt"
	"strings"
)

// A Value is a single DBus value.
//
// The DBus type system is closed: a Value is always one of [Byte],
// [Bool], [Int16], [Uint16], [Int32], [Uint32], [Int64], [Uint64],
// [Double], [String], [ObjectPath], [Signature], [Array], [Struct],
// [Dict], [Variant] or [UnixFD].
type Value interface {
	// Signature returns the type signature describing the value's
	// wire type.
	Signature() Signature

	value()
}

type (
	// Byte is the DBus 'y' type, an unsigned 8-bit integer.
	Byte uint8
	// Bool is the DBus 'b' type.
	Bool bool
	// Int16 is the DBus 'n' type, a signed 16-bit integer.
	Int16 int16
	// Uint16 is the DBus 'q' type, an unsigned 16-bit integer.
	Uint16 uint16
	// Int32 is the DBus 'i' type, a signed 32-bit integer.
	Int32 int32
	// Uint32 is the DBus 'u' type, an unsigned 32-bit integer.
	Uint32 uint32
	// Int64 is the DBus 'x' type, a signed 64-bit integer.
	Int64 int64
	// Uint64 is the DBus 't' type, an unsigned 64-bit integer.
	Uint64 uint64
	// Double is the DBus 'd' type, an IEEE-754 double precision
	// float.
	Double float64
	// String is the DBus 's' type, a UTF-8 string.
	String string
	// UnixFD is the DBus 'h' type. Its value is an index into the
	// file descriptors attached to the message that carries it, not
	// a raw file descriptor number.
	UnixFD uint32
)

func (Byte) value()   {}
func (Bool) value()   {}
func (Int16) value()  {}
func (Uint16) value() {}
func (Int32) value()  {}
func (Uint32) value() {}
func (Int64) value()  {}
func (Uint64) value() {}
func (Double) value() {}
func (String) value() {}
func (UnixFD) value() {}

func (Byte) Signature() Signature   { return sigByte }
func (Bool) Signature() Signature   { return sigBool }
func (Int16) Signature() Signature  { return sigInt16 }
func (Uint16) Signature() Signature { return sigUint16 }
func (Int32) Signature() Signature  { return sigInt32 }
func (Uint32) Signature() Signature { return sigUint32 }
func (Int64) Signature() Signature  { return sigInt64 }
func (Uint64) Signature() Signature { return sigUint64 }
func (Double) Signature() Signature { return sigDouble }
func (String) Signature() Signature { return sigString }
func (UnixFD) Signature() Signature { return sigUnixFD }

// ObjectPath is the DBus 'o' type, the name of an object exposed on
// the bus.
type ObjectPath string

func (ObjectPath) value()               {}
func (ObjectPath) Signature() Signature { return sigObjectPath }

func (p ObjectPath) String() string { return string(p) }

// An Array is an ordered sequence of values that all have the same
// type.
type Array struct {
	// Elem is the type of the array's elements. It must be set even
	// when Values is empty, because an empty array still encodes its
	// element type on the wire.
	Elem Signature
	// Values are the array's elements, in order.
	Values []Value
}

func (Array) value() {}

func (a Array) Signature() Signature { return Signature{"a" + a.Elem.str} }

// NewArray returns an Array of the given element type, after
// verifying that every element has that type.
func NewArray(elem Signature, vs ...Value) (Array, error) {
	if !elem.IsSingle() {
		return Array{}, typeErr("array element type %q is not a single complete type", elem)
	}
	for i, v := range vs {
		if v == nil {
			return Array{}, typeErr("array element %d is nil", i)
		}
		if v.Signature() != elem {
			return Array{}, typeErr("array element %d has type %q, want %q", i, v.Signature(), elem)
		}
	}
	return Array{Elem: elem, Values: vs}, nil
}

// A Struct is an ordered sequence of values of possibly differing
// types. A Struct must have at least one field.
type Struct struct {
	Fields []Value
}

func (Struct) value() {}

func (s Struct) Signature() Signature {
	if len(s.Fields) == 0 {
		return Signature{}
	}
	var b strings.Builder
	b.WriteByte('(')
	for _, f := range s.Fields {
		b.WriteString(f.Signature().str)
	}
	b.WriteByte(')')
	return Signature{b.String()}
}

// A DictEntry is a single key/value pair of a [Dict].
type DictEntry struct {
	Key, Value Value
}

// A Dict is an ordered mapping from keys to values. All keys have
// the same basic (non-container) type, and all values have the same
// type. Entries preserve insertion order.
type Dict struct {
	// Key is the type of the dict's keys. It must be a basic type.
	Key Signature
	// Value is the type of the dict's values.
	Value Signature
	// Entries are the dict's entries, in insertion order.
	Entries []DictEntry
}

func (Dict) value() {}

func (d Dict) Signature() Signature {
	return Signature{"a{" + d.Key.str + d.Value.str + "}"}
}

// NewDict returns a Dict with the given key and value types, after
// verifying that the key type is basic and that every entry conforms
// to the dict's types.
func NewDict(key, value Signature, entries ...DictEntry) (Dict, error) {
	if !key.IsBasic() {
		return Dict{}, typeErr("dict key type %q is not a basic type", key)
	}
	if !value.IsSingle() {
		return Dict{}, typeErr("dict value type %q is not a single complete type", value)
	}
	for i, kv := range entries {
		if kv.Key == nil || kv.Value == nil {
			return Dict{}, typeErr("dict entry %d has a nil key or value", i)
		}
		if kv.Key.Signature() != key {
			return Dict{}, typeErr("dict entry %d has key type %q, want %q", i, kv.Key.Signature(), key)
		}
		if kv.Value.Signature() != value {
			return Dict{}, typeErr("dict entry %d has value type %q, want %q", i, kv.Value.Signature(), value)
		}
	}
	return Dict{Key: key, Value: value, Entries: entries}, nil
}

// Lookup returns the value stored under the given key, if any.
func (d Dict) Lookup(key Value) (Value, bool) {
	for _, kv := range d.Entries {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return nil, false
}

// A Variant is a value boxed together with its own type signature,
// the DBus 'v' type.
type Variant struct {
	Value Value
}

func (Variant) value()               {}
func (Variant) Signature() Signature { return sigVariant }

// BodySignature returns the signature describing the given message
// body, the concatenation of the signatures of its values.
func BodySignature(body []Value) (Signature, error) {
	if len(body) == 0 {
		return Signature{}, nil
	}
	var b strings.Builder
	for i, v := range body {
		if v == nil {
			return Signature{}, typeErr("body value %d is nil", i)
		}
		s := v.Signature()
		if s.IsZero() {
			return Signature{}, typeErr("body value %d has no signature", i)
		}
		b.WriteString(s.str)
	}
	return ParseSignature(b.String())
}

func typeErr(reason string, args ...any) error {
	return TypeError{Reason: fmt.Sprintf(reason, args...)}
}
