package dbus

import "strings"

// Name length limit imposed by the wire protocol. Object paths have
// no length limit.
const maxNameLen = 255

// Valid reports whether the path conforms to the DBus object path
// grammar: it must begin with a slash, each segment must be a
// non-empty run of [A-Za-z0-9_], and only the root path may end with
// a slash.
func (p ObjectPath) Valid() bool {
	if p == "" || p[0] != '/' {
		return false
	}
	if p == "/" {
		return true
	}
	if p[len(p)-1] == '/' {
		return false
	}
	seg := 0
	for i := 1; i < len(p); i++ {
		c := p[i]
		switch {
		case c == '/':
			if seg == 0 {
				return false
			}
			seg = 0
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
			seg++
		default:
			return false
		}
	}
	return seg > 0
}

// Clean returns the path with any trailing slash removed, except for
// the root path.
func (p ObjectPath) Clean() ObjectPath {
	if len(p) > 1 && p[len(p)-1] == '/' {
		return p[:len(p)-1]
	}
	return p
}

// IsChildOf reports whether p is nested underneath parent. A path is
// not a child of itself.
func (p ObjectPath) IsChildOf(parent ObjectPath) bool {
	if parent == "/" {
		return len(p) > 1 && p[0] == '/'
	}
	return strings.HasPrefix(string(p), string(parent)+"/")
}

// validInterface reports whether s is a valid DBus interface name:
// two or more dot-separated elements, each a non-empty run of
// [A-Za-z0-9_] not starting with a digit.
func validInterface(s string) bool {
	if len(s) == 0 || len(s) > maxNameLen {
		return false
	}
	elems := strings.Split(s, ".")
	if len(elems) < 2 {
		return false
	}
	for _, e := range elems {
		if !validNameElement(e, false) {
			return false
		}
	}
	return true
}

// validErrorName reports whether s is a valid DBus error name. Error
// names share the interface name grammar.
func validErrorName(s string) bool {
	return validInterface(s)
}

// validMember reports whether s is a valid DBus member (method or
// signal) name: a single non-empty run of [A-Za-z0-9_] not starting
// with a digit.
func validMember(s string) bool {
	if len(s) == 0 || len(s) > maxNameLen {
		return false
	}
	return validNameElement(s, false)
}

// validBusName reports whether s is a valid bus name, either a
// unique name beginning with ':' or a well-known reverse-domain
// name. Elements of unique names may begin with a digit.
func validBusName(s string) bool {
	if len(s) == 0 || len(s) > maxNameLen {
		return false
	}
	unique := s[0] == ':'
	if unique {
		s = s[1:]
	}
	elems := strings.Split(s, ".")
	if len(elems) < 2 {
		return false
	}
	for _, e := range elems {
		if !validNameElement(e, unique) {
			return false
		}
	}
	return true
}

func validNameElement(e string, digitOK bool) bool {
	if e == "" {
		return false
	}
	for i := 0; i < len(e); i++ {
		c := e[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		case c == '-' && digitOK:
			// unique names additionally permit '-'
		case c >= '0' && c <= '9':
			if i == 0 && !digitOK {
				return false
			}
		default:
			return false
		}
	}
	return true
}
