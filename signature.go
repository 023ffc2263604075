package dbus

// Signature limits imposed by the wire format.
const (
	maxSignatureLen = 255
	maxNestingDepth = 32
)

// A Signature describes the type of one or more DBus values. It is
// itself a DBus value, the 'g' type.
type Signature struct {
	str string
}

func (Signature) value() {}

// Signature returns the signature describing a signature value,
// which is always "g".
func (Signature) Signature() Signature { return sigSignature }

// String returns the string encoding of the Signature, as described
// in the DBus specification.
func (s Signature) String() string { return s.str }

// IsZero reports whether the signature is the zero value. A zero
// Signature describes a void value, such as the body of a message
// with no arguments.
func (s Signature) IsZero() bool { return s.str == "" }

var (
	sigByte       = Signature{"y"}
	sigBool       = Signature{"b"}
	sigInt16      = Signature{"n"}
	sigUint16     = Signature{"q"}
	sigInt32      = Signature{"i"}
	sigUint32     = Signature{"u"}
	sigInt64      = Signature{"x"}
	sigUint64     = Signature{"t"}
	sigDouble     = Signature{"d"}
	sigString     = Signature{"s"}
	sigObjectPath = Signature{"o"}
	sigSignature  = Signature{"g"}
	sigVariant    = Signature{"v"}
	sigUnixFD     = Signature{"h"}
)

// ParseSignature parses a DBus type signature string.
//
// ParseSignature verifies the grammar of the whole signature: every
// type code must be from the DBus type alphabet, container brackets
// must be balanced, dict entries may only appear as array elements,
// structs must have at least one field, the total length must not
// exceed 255 bytes and containers must not nest more than 32 levels
// deep.
func ParseSignature(sig string) (Signature, error) {
	if len(sig) > maxSignatureLen {
		return Signature{}, sigErr(sig, "longer than %d bytes", maxSignatureLen)
	}
	rest := sig
	for rest != "" {
		var err error
		rest, err = parseOne(sig, rest, 0, 0)
		if err != nil {
			return Signature{}, err
		}
	}
	return Signature{sig}, nil
}

func mustParseSignature(sig string) Signature {
	ret, err := ParseSignature(sig)
	if err != nil {
		panic(err)
	}
	return ret
}

// parseOne consumes the first complete type from the front of rest
// and returns the remainder. whole is the full signature being
// parsed, for error reporting. arrayDepth and structDepth track
// container nesting, which the wire format bounds separately for
// arrays and for structs/dict entries.
func parseOne(whole, rest string, arrayDepth, structDepth int) (string, error) {
	switch c := rest[0]; c {
	case 'y', 'b', 'n', 'q', 'i', 'u', 'x', 't', 'd', 's', 'o', 'g', 'v', 'h':
		return rest[1:], nil
	case 'a':
		if arrayDepth+1 > maxNestingDepth {
			return "", sigErr(whole, "arrays nested more than %d deep", maxNestingDepth)
		}
		if len(rest) == 1 {
			return "", sigErr(whole, "array with no element type")
		}
		if rest[1] == '{' {
			return parseDictEntry(whole, rest[1:], arrayDepth+1, structDepth)
		}
		return parseOne(whole, rest[1:], arrayDepth+1, structDepth)
	case '(':
		if structDepth+1 > maxNestingDepth {
			return "", sigErr(whole, "structs nested more than %d deep", maxNestingDepth)
		}
		rest = rest[1:]
		if rest != "" && rest[0] == ')' {
			return "", sigErr(whole, "empty struct")
		}
		for rest != "" && rest[0] != ')' {
			var err error
			rest, err = parseOne(whole, rest, arrayDepth, structDepth+1)
			if err != nil {
				return "", err
			}
		}
		if rest == "" {
			return "", sigErr(whole, "missing closing ) in struct definition")
		}
		return rest[1:], nil
	case '{':
		return "", sigErr(whole, "dict entry found outside array")
	case ')', '}':
		return "", sigErr(whole, "unmatched %q", string(c))
	default:
		return "", sigErr(whole, "unknown type code %q", string(c))
	}
}

// parseDictEntry consumes a {kv} dict entry type. The leading 'a'
// has already been consumed by the caller.
func parseDictEntry(whole, rest string, arrayDepth, structDepth int) (string, error) {
	if structDepth+1 > maxNestingDepth {
		return "", sigErr(whole, "dict entries nested more than %d deep", maxNestingDepth)
	}
	rest = rest[1:]
	if rest == "" {
		return "", sigErr(whole, "missing closing } in dict entry definition")
	}
	key := Signature{string(rest[0])}
	if !key.IsBasic() {
		return "", sigErr(whole, "dict entry key type %q is not a basic type", key)
	}
	rest = rest[1:]
	if rest == "" || rest[0] == '}' {
		return "", sigErr(whole, "dict entry with no value type")
	}
	rest, err := parseOne(whole, rest, arrayDepth, structDepth+1)
	if err != nil {
		return "", err
	}
	if rest == "" || rest[0] != '}' {
		return "", sigErr(whole, "dict entry must contain exactly one key and one value")
	}
	return rest[1:], nil
}

// IsSingle reports whether the signature describes exactly one
// complete type.
func (s Signature) IsSingle() bool {
	if s.IsZero() {
		return false
	}
	_, rest, ok := s.Single()
	return ok && rest.IsZero()
}

// IsBasic reports whether the signature describes a single basic
// (non-container) type. Basic types are the only types permitted as
// dict keys.
func (s Signature) IsBasic() bool {
	if len(s.str) != 1 {
		return false
	}
	switch s.str[0] {
	case 'y', 'b', 'n', 'q', 'i', 'u', 'x', 't', 'd', 's', 'o', 'g', 'h':
		return true
	}
	return false
}

// Single splits the first complete type off the front of the
// signature. It reports false if the signature is empty or starts
// with an incomplete type.
func (s Signature) Single() (first, rest Signature, ok bool) {
	if s.IsZero() {
		return Signature{}, Signature{}, false
	}
	r, err := parseOne(s.str, s.str, 0, 0)
	if err != nil {
		return Signature{}, Signature{}, false
	}
	return Signature{s.str[:len(s.str)-len(r)]}, Signature{r}, true
}

// IsArray reports whether the signature describes an array type,
// including dicts.
func (s Signature) IsArray() bool {
	return len(s.str) > 1 && s.str[0] == 'a'
}

// IsDict reports whether the signature describes a dict type.
func (s Signature) IsDict() bool {
	return len(s.str) > 2 && s.str[0] == 'a' && s.str[1] == '{'
}

// IsStruct reports whether the signature describes a struct type.
func (s Signature) IsStruct() bool {
	return len(s.str) > 1 && s.str[0] == '('
}

// Elem returns the element type of an array signature.
func (s Signature) Elem() Signature {
	if !s.IsArray() {
		return Signature{}
	}
	return Signature{s.str[1:]}
}

// DictKeyValue returns the key and value types of a dict signature.
func (s Signature) DictKeyValue() (key, value Signature, ok bool) {
	if !s.IsDict() {
		return Signature{}, Signature{}, false
	}
	inner := Signature{s.str[2 : len(s.str)-1]}
	key, value, ok = inner.Single()
	return key, value, ok
}

// fields returns the field types of a struct signature.
func (s Signature) fields() []Signature {
	if !s.IsStruct() {
		return nil
	}
	var ret []Signature
	rest := Signature{s.str[1 : len(s.str)-1]}
	for !rest.IsZero() {
		var f Signature
		var ok bool
		f, rest, ok = rest.Single()
		if !ok {
			return nil
		}
		ret = append(ret, f)
	}
	return ret
}

// alignment returns the wire alignment boundary of the signature's
// first type.
func (s Signature) alignment() int {
	if s.IsZero() {
		return 1
	}
	switch s.str[0] {
	case 'y', 'g', 'v':
		return 1
	case 'n', 'q':
		return 2
	case 'b', 'i', 'u', 's', 'o', 'a', 'h':
		return 4
	case 'x', 't', 'd', '(', '{':
		return 8
	}
	return 1
}

// split returns the sequence of complete types the signature
// describes, in order.
func (s Signature) split() ([]Signature, bool) {
	var ret []Signature
	rest := s
	for !rest.IsZero() {
		var f Signature
		var ok bool
		f, rest, ok = rest.Single()
		if !ok {
			return nil, false
		}
		ret = append(ret, f)
	}
	return ret, true
}
