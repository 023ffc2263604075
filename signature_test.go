package dbus

import (
	"strings"
	"testing"
)

func TestParseSignature(t *testing.T) {
	tests := []struct {
		sig string
		ok  bool
	}{
		{"", true},
		{"y", true},
		{"b", true},
		{"n", true},
		{"q", true},
		{"i", true},
		{"u", true},
		{"x", true},
		{"t", true},
		{"d", true},
		{"s", true},
		{"o", true},
		{"g", true},
		{"v", true},
		{"h", true},
		{"ii", true},
		{"aay", true},
		{"a{sv}", true},
		{"a{s(iu)}", true},
		{"(y)", true},
		{"(yy)", true},
		{"(y(uu)s)", true},
		{"a(ua{sv})", true},
		{"sa{sv}as", true},
		{strings.Repeat("a", 32) + "y", true},
		{"(" + strings.Repeat("(", 31) + "y" + strings.Repeat(")", 31) + ")", true},

		{"e", false},
		{"a", false},
		{"a{", false},
		{"a{}", false},
		{"a{s}", false},
		{"a{sv", false},
		{"a{svv}", false},
		{"a{vs}", false}, // variant key is not basic
		{"a{as}", false}, // array key is not basic
		{"{sv}", false},  // dict entry outside array
		{"()", false},
		{"(", false},
		{"(y", false},
		{")", false},
		{"}", false},
		{"y)", false},
		{strings.Repeat("a", 33) + "y", false},
		{"(" + strings.Repeat("(", 32) + "y" + strings.Repeat(")", 32) + ")", false},
		{strings.Repeat("y", 256), false},
	}
	for _, tc := range tests {
		got, err := ParseSignature(tc.sig)
		if tc.ok && err != nil {
			t.Errorf("ParseSignature(%q) got err: %v", tc.sig, err)
		} else if !tc.ok && err == nil {
			t.Errorf("ParseSignature(%q) accepted an invalid signature", tc.sig)
		}
		if err == nil && got.String() != tc.sig {
			t.Errorf("ParseSignature(%q) returned %q", tc.sig, got)
		}
	}
}

func TestSignatureSingle(t *testing.T) {
	tests := []struct {
		sig         string
		first, rest string
		ok          bool
	}{
		{"y", "y", "", true},
		{"ys", "y", "s", true},
		{"a{sv}u", "a{sv}", "u", true},
		{"(yy)ss", "(yy)", "ss", true},
		{"aaii", "aai", "i", true},
		{"", "", "", false},
		{"a", "", "", false},
	}
	for _, tc := range tests {
		s := Signature{tc.sig}
		first, rest, ok := s.Single()
		if ok != tc.ok {
			t.Errorf("Signature(%q).Single() ok = %v, want %v", tc.sig, ok, tc.ok)
			continue
		}
		if first.String() != tc.first || rest.String() != tc.rest {
			t.Errorf("Signature(%q).Single() = %q, %q, want %q, %q", tc.sig, first, rest, tc.first, tc.rest)
		}
	}
}

func TestSignatureKind(t *testing.T) {
	tests := []struct {
		sig                             string
		single, basic, arr, dict, strct bool
	}{
		{"y", true, true, false, false, false},
		{"s", true, true, false, false, false},
		{"v", true, false, false, false, false},
		{"ay", true, false, true, false, false},
		{"a{sv}", true, false, true, true, false},
		{"(yy)", true, false, false, false, true},
		{"yy", false, false, false, false, false},
		{"", false, false, false, false, false},
	}
	for _, tc := range tests {
		s := Signature{tc.sig}
		if got := s.IsSingle(); got != tc.single {
			t.Errorf("Signature(%q).IsSingle() = %v, want %v", tc.sig, got, tc.single)
		}
		if got := s.IsBasic(); got != tc.basic {
			t.Errorf("Signature(%q).IsBasic() = %v, want %v", tc.sig, got, tc.basic)
		}
		if got := s.IsArray(); got != tc.arr {
			t.Errorf("Signature(%q).IsArray() = %v, want %v", tc.sig, got, tc.arr)
		}
		if got := s.IsDict(); got != tc.dict {
			t.Errorf("Signature(%q).IsDict() = %v, want %v", tc.sig, got, tc.dict)
		}
		if got := s.IsStruct(); got != tc.strct {
			t.Errorf("Signature(%q).IsStruct() = %v, want %v", tc.sig, got, tc.strct)
		}
	}
}

func TestSignatureAlignment(t *testing.T) {
	tests := []struct {
		sig   string
		align int
	}{
		{"y", 1}, {"g", 1}, {"v", 1},
		{"n", 2}, {"q", 2},
		{"b", 4}, {"i", 4}, {"u", 4}, {"s", 4}, {"o", 4}, {"ay", 4}, {"h", 4},
		{"x", 8}, {"t", 8}, {"d", 8}, {"(y)", 8}, {"a{sv}", 4},
	}
	for _, tc := range tests {
		if got := (Signature{tc.sig}).alignment(); got != tc.align {
			t.Errorf("Signature(%q).alignment() = %d, want %d", tc.sig, got, tc.align)
		}
	}
}

func TestSignatureDictKeyValue(t *testing.T) {
	key, value, ok := mustParseSignature("a{s(iu)}").DictKeyValue()
	if !ok {
		t.Fatal("DictKeyValue() failed on a valid dict signature")
	}
	if key.String() != "s" || value.String() != "(iu)" {
		t.Errorf("DictKeyValue() = %q, %q, want s, (iu)", key, value)
	}
	if _, _, ok := mustParseSignature("as").DictKeyValue(); ok {
		t.Error("DictKeyValue() succeeded on a plain array signature")
	}
}
