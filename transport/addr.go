package transport

import (
	"fmt"
	"strings"
)

// A busAddr is one parsed candidate of a DBus address string.
type busAddr struct {
	scheme string
	params map[string]string
}

func (a busAddr) String() string {
	kv := make([]string, 0, len(a.params))
	for k, v := range a.params {
		kv = append(kv, k+"="+v)
	}
	return a.scheme + ":" + strings.Join(kv, ",")
}

// parseAddress parses a DBus address string: semicolon-separated
// candidates, each "scheme:key=value,key=value", with %xx escapes in
// values.
func parseAddress(address string) ([]busAddr, error) {
	if address == "" {
		return nil, fmt.Errorf("empty bus address")
	}
	var ret []busAddr
	for _, cand := range strings.Split(address, ";") {
		if cand == "" {
			continue
		}
		scheme, params, ok := strings.Cut(cand, ":")
		if !ok || scheme == "" {
			return nil, fmt.Errorf("bus address %q has no transport prefix", cand)
		}
		a := busAddr{scheme: scheme, params: map[string]string{}}
		if params != "" {
			for _, kv := range strings.Split(params, ",") {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || k == "" {
					return nil, fmt.Errorf("bus address %q has malformed parameter %q", cand, kv)
				}
				uv, err := unescapeValue(v)
				if err != nil {
					return nil, fmt.Errorf("bus address %q: %w", cand, err)
				}
				a.params[k] = uv
			}
		}
		ret = append(ret, a)
	}
	if len(ret) == 0 {
		return nil, fmt.Errorf("empty bus address")
	}
	return ret, nil
}

// unescapeValue undoes the %xx escaping DBus addresses apply to
// parameter values.
func unescapeValue(s string) (string, error) {
	if !strings.Contains(s, "%") {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("truncated %%xx escape in %q", s)
		}
		hi, ok1 := unhex(s[i+1])
		lo, ok2 := unhex(s[i+2])
		if !ok1 || !ok2 {
			return "", fmt.Errorf("invalid %%xx escape in %q", s)
		}
		b.WriteByte(hi<<4 | lo)
		i += 2
	}
	return b.String(), nil
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
