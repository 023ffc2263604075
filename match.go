package dbus

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/creachadair/mds/value"
)

// A MatchRule is a filter that selects bus messages, in the same
// terms the bus itself uses for AddMatch.
//
// A zero rule matches everything. Each builder method narrows the
// rule by one more condition; all conditions must hold for a message
// to match.
type MatchRule struct {
	mtype  value.Maybe[MessageType]
	sender value.Maybe[string]
	iface  value.Maybe[string]
	member value.Maybe[string]
	path   value.Maybe[ObjectPath]
	pathNS value.Maybe[ObjectPath]
	dest   value.Maybe[string]

	argStr  map[int]string
	argPath map[int]ObjectPath
	arg0NS  value.Maybe[string]
}

// Arg matches are bounded by the bus's own limit on match rule
// argument indices.
const maxMatchArg = 63

// MatchSignals returns a rule that matches all signals.
func MatchSignals() *MatchRule {
	return (&MatchRule{}).Type(MessageTypeSignal)
}

// Type restricts the rule to messages of type t.
func (r *MatchRule) Type(t MessageType) *MatchRule {
	r.mtype = value.Just(t)
	return r
}

// Sender restricts the rule to messages sent by the named peer.
func (r *MatchRule) Sender(name string) *MatchRule {
	r.sender = value.Just(name)
	return r
}

// Interface restricts the rule to messages carrying the given
// interface name.
func (r *MatchRule) Interface(name string) *MatchRule {
	r.iface = value.Just(name)
	return r
}

// Member restricts the rule to messages carrying the given member
// name.
func (r *MatchRule) Member(name string) *MatchRule {
	r.member = value.Just(name)
	return r
}

// Path restricts the rule to messages about the object at p exactly.
// Path and PathNamespace are mutually exclusive; setting one clears
// the other.
func (r *MatchRule) Path(p ObjectPath) *MatchRule {
	r.pathNS = value.Absent[ObjectPath]()
	r.path = value.Just(p.Clean())
	return r
}

// PathNamespace restricts the rule to messages about the object at p
// or any object below it. Path and PathNamespace are mutually
// exclusive; setting one clears the other.
//
// For example, PathNamespace("/mascots/gopher") matches messages
// about /mascots/gopher and /mascots/gopher/plushie, but not
// /mascots/glenda.
func (r *MatchRule) PathNamespace(p ObjectPath) *MatchRule {
	r.path = value.Absent[ObjectPath]()
	if p == "/" {
		// The root namespace matches everything, same as no path
		// condition at all. dbus-broker additionally rejects it, so
		// leave it out.
		r.pathNS = value.Absent[ObjectPath]()
	} else {
		r.pathNS = value.Just(p.Clean())
	}
	return r
}

// Destination restricts the rule to messages addressed to the given
// unique name.
func (r *MatchRule) Destination(name string) *MatchRule {
	r.dest = value.Just(name)
	return r
}

// ArgStr restricts the rule to messages whose i-th body value is a
// string equal to val.
func (r *MatchRule) ArgStr(i int, val string) *MatchRule {
	if i < 0 || i > maxMatchArg {
		panic(fmt.Errorf("arg match index %d out of range", i))
	}
	if r.argStr == nil {
		r.argStr = map[int]string{}
	}
	r.argStr[i] = val
	return r
}

// ArgPath restricts the rule to messages whose i-th body value is a
// string or object path related to val by path prefixing, in either
// direction.
func (r *MatchRule) ArgPath(i int, val ObjectPath) *MatchRule {
	if i < 0 || i > maxMatchArg {
		panic(fmt.Errorf("arg match index %d out of range", i))
	}
	if r.argPath == nil {
		r.argPath = map[int]ObjectPath{}
	}
	r.argPath[i] = val
	return r
}

// Arg0Namespace restricts the rule to messages whose first body value
// is a bus or interface name equal to val or within its dot-separated
// namespace.
func (r *MatchRule) Arg0Namespace(val string) *MatchRule {
	r.arg0NS = value.Just(val)
	return r
}

// String returns the rule in the textual format that the bus's
// AddMatch and RemoveMatch methods expect.
func (r *MatchRule) String() string {
	var ms []string
	kv := func(k, v string) {
		ms = append(ms, k+"="+escapeMatchArg(v))
	}

	if t, ok := r.mtype.GetOK(); ok {
		kv("type", t.String())
	}
	if s, ok := r.sender.GetOK(); ok {
		kv("sender", s)
	}
	if i, ok := r.iface.GetOK(); ok {
		kv("interface", i)
	}
	if m, ok := r.member.GetOK(); ok {
		kv("member", m)
	}
	if p, ok := r.path.GetOK(); ok {
		kv("path", string(p))
	}
	if p, ok := r.pathNS.GetOK(); ok {
		kv("path_namespace", string(p))
	}
	if d, ok := r.dest.GetOK(); ok {
		kv("destination", d)
	}
	for _, i := range slices.Sorted(maps.Keys(r.argStr)) {
		kv(fmt.Sprintf("arg%d", i), r.argStr[i])
	}
	for _, i := range slices.Sorted(maps.Keys(r.argPath)) {
		kv(fmt.Sprintf("arg%dpath", i), string(r.argPath[i]))
	}
	if n, ok := r.arg0NS.GetOK(); ok {
		kv("arg0namespace", n)
	}

	return strings.Join(ms, ",")
}

// Matches reports whether m satisfies every condition of the rule.
//
// The connection applies the same logic the bus applies to the
// rule's String() form: a connection receives the union of all its
// rules' traffic, so each subscription filters again on receipt.
func (r *MatchRule) Matches(m *Message) bool {
	if t, ok := r.mtype.GetOK(); ok && m.Type != t {
		return false
	}
	if s, ok := r.sender.GetOK(); ok && m.Sender != s {
		return false
	}
	if i, ok := r.iface.GetOK(); ok && m.Interface != i {
		return false
	}
	if mb, ok := r.member.GetOK(); ok && m.Member != mb {
		return false
	}
	if p, ok := r.path.GetOK(); ok && m.Path != p {
		return false
	}
	if p, ok := r.pathNS.GetOK(); ok && m.Path != p && !m.Path.IsChildOf(p) {
		return false
	}
	if d, ok := r.dest.GetOK(); ok && m.Destination != d {
		return false
	}

	for i, want := range r.argStr {
		got, ok := argString(m, i)
		if !ok || got != want {
			return false
		}
	}
	for i, want := range r.argPath {
		got, ok := argPathString(m, i)
		if !ok || !pathRelated(ObjectPath(got), want) {
			return false
		}
	}
	if n, ok := r.arg0NS.GetOK(); ok {
		got, ok := argString(m, 0)
		if !ok || (got != n && !strings.HasPrefix(got, n+".")) {
			return false
		}
	}

	return true
}

// argString extracts the i-th body value if it is a string.
func argString(m *Message, i int) (string, bool) {
	if i >= len(m.Body) {
		return "", false
	}
	s, ok := m.Body[i].(String)
	return string(s), ok
}

// argPathString extracts the i-th body value if it is a string or an
// object path.
func argPathString(m *Message, i int) (string, bool) {
	if i >= len(m.Body) {
		return "", false
	}
	switch v := m.Body[i].(type) {
	case String:
		return string(v), true
	case ObjectPath:
		return string(v), true
	}
	return "", false
}

// pathRelated reports whether got and want are equal or one is a
// path prefix of the other, the relation argNpath matches use.
func pathRelated(got, want ObjectPath) bool {
	return got == want || got.IsChildOf(want) || want.IsChildOf(got)
}

func escapeMatchArg(s string) string {
	s = strings.ReplaceAll(s, "'", `'\''`)
	return "'" + s + "'"
}

// A Subscription is a registered signal handler on a connection. It
// stays active until canceled or until its connection closes.
type Subscription struct {
	c       *Conn
	rule    *MatchRule
	handler SignalHandler

	mu     sync.Mutex
	active bool
}

// Subscribe registers fn to receive signals matching rule, and asks
// the bus to route that traffic here. Identical rules held by
// several subscriptions share one bus-side match; the bus-side match
// is removed when the last of them cancels.
//
// The rule is captured by reference and must not be mutated after
// Subscribe returns.
func (c *Conn) Subscribe(ctx context.Context, rule *MatchRule, fn SignalHandler) (*Subscription, error) {
	key := rule.String()
	if err := c.addMatchRef(ctx, key); err != nil {
		return nil, err
	}

	s := &Subscription{c: c, rule: rule, handler: fn, active: true}
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		c.removeMatchRef(ctx, key)
		return nil, err
	}
	c.subs = append(c.subs, s)
	c.mu.Unlock()
	return s, nil
}

// Cancel removes the subscription. The bus-side match is removed if
// no other subscription shares it. Canceling twice does nothing.
func (s *Subscription) Cancel(ctx context.Context) error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = false
	s.mu.Unlock()

	c := s.c
	c.mu.Lock()
	if i := slices.Index(c.subs, s); i >= 0 {
		c.subs = slices.Delete(c.subs, i, i+1)
	}
	c.mu.Unlock()

	return c.removeMatchRef(ctx, s.rule.String())
}

// invalidate marks the subscription dead without touching the bus.
// The connection calls it while tearing down.
func (s *Subscription) invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
}

// addMatchRef takes one reference on the bus-side match for key,
// installing it with AddMatch when it is the first.
func (c *Conn) addMatchRef(ctx context.Context, key string) error {
	c.mu.Lock()
	if c.closed {
		defer c.mu.Unlock()
		return c.closeErr
	}
	c.matchRefs[key]++
	first := c.matchRefs[key] == 1
	registered := c.clientID != ""
	c.mu.Unlock()

	if !first || !registered {
		// Either the bus already routes this traffic to us, or this
		// is a direct peer connection with no bus in the middle.
		return nil
	}
	if _, err := c.CallMethod(ctx, busName, busPath, busInterface, "AddMatch", String(key)); err != nil {
		c.mu.Lock()
		if c.matchRefs != nil {
			if c.matchRefs[key]--; c.matchRefs[key] <= 0 {
				delete(c.matchRefs, key)
			}
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// removeMatchRef drops one reference on the bus-side match for key,
// removing it with RemoveMatch when it was the last.
func (c *Conn) removeMatchRef(ctx context.Context, key string) error {
	c.mu.Lock()
	if c.closed || c.matchRefs == nil {
		c.mu.Unlock()
		return nil
	}
	if _, ok := c.matchRefs[key]; !ok {
		c.mu.Unlock()
		return nil
	}
	c.matchRefs[key]--
	last := c.matchRefs[key] == 0
	if last {
		delete(c.matchRefs, key)
	}
	registered := c.clientID != ""
	c.mu.Unlock()

	if !last || !registered {
		return nil
	}
	_, err := c.CallMethod(ctx, busName, busPath, busInterface, "RemoveMatch", String(key))
	return err
}
