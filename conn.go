package dbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/taskgroup"
	"github.com/thrykol/dbus/fragments"
	"github.com/thrykol/dbus/transport"
)

// A Handler services incoming method calls routed to a registered
// (path, interface, member) triple. It returns the reply body, or
// an error. Returning a [CallError] controls the error name sent
// back to the caller; any other error is reported under
// [ErrNameFailed].
type Handler func(ctx context.Context, call *Message) ([]Value, error)

// A SignalHandler receives signals that match a subscription.
type SignalHandler func(sig *Message)

// Conn is a DBus connection.
//
// A Conn multiplexes one transport: concurrent outgoing calls are
// assigned distinct serials, replies are matched back to their
// pending calls by serial regardless of arrival order, and
// unsolicited signals and method calls are routed to registered
// handlers by a background dispatch loop.
type Conn struct {
	t    transport.Transport
	opts connOptions

	clientID string

	// writeMu serializes writers, so a message's header and body
	// reach the transport contiguously.
	writeMu sync.Mutex
	encHdr  []byte
	encBody []byte

	// handlers tracks in-flight method call handler goroutines, so
	// Close can drain them.
	inflight *taskgroup.Group

	mu         sync.Mutex
	closed     bool
	closeErr   error
	lastSerial uint32
	calls      map[uint32]*PendingCall
	handlers   map[objectMember]Handler
	subs       []*Subscription
	matchRefs  map[string]int
	watchers   mapset.Set[*Watcher]
}

// objectMember identifies one method of one interface on one object.
type objectMember struct {
	Path      ObjectPath
	Interface string
	Member    string
}

func (om objectMember) String() string {
	return string(om.Path) + " " + om.Interface + "." + om.Member
}

// NewConn returns a connection running over an already
// authenticated transport, and starts its dispatch loop.
//
// NewConn does not register with a message bus; use [Dial],
// [SystemBus] or [SessionBus] to obtain a bus connection with a
// unique name.
func NewConn(t transport.Transport, opts ...Option) *Conn {
	c := &Conn{
		t:         t,
		opts:      resolveOptions(opts),
		calls:     map[uint32]*PendingCall{},
		handlers:  map[objectMember]Handler{},
		matchRefs: map[string]int{},
	}
	c.inflight = taskgroup.New(nil)
	go c.readLoop()
	return c
}

// Close closes the connection. All unresolved pending calls resolve
// with [net.ErrClosed], and in-flight method call handlers are
// drained before the transport is torn down.
func (c *Conn) Close() error {
	if err := c.fail(net.ErrClosed); err != nil {
		// Already closed or broken.
		return err
	}
	c.inflight.Wait()
	return c.t.Close()
}

// fail marks the connection unusable and resolves every pending
// call with err. It reports the pre-existing failure if the
// connection is already down.
func (c *Conn) fail(err error) error {
	c.mu.Lock()
	if c.closed {
		defer c.mu.Unlock()
		return c.closeErr
	}
	c.closed = true
	c.closeErr = err
	pend := c.calls
	c.calls = nil
	subs := c.subs
	c.subs = nil
	ws := c.watchers
	c.watchers = nil
	c.matchRefs = nil
	c.mu.Unlock()

	for _, p := range pend {
		p.resolveLocked(nil, err)
	}
	for _, s := range subs {
		s.invalidate()
	}
	for w := range ws {
		w.stop()
	}
	return nil
}

// LocalName returns the connection's unique bus name, assigned by
// the bus during the Hello exchange. It is empty for connections
// that never registered with a bus.
func (c *Conn) LocalName() string { return c.clientID }

// nextSerial allocates the next outgoing message serial. Serials
// are unique per connection and monotonically increasing.
func (c *Conn) nextSerial() (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, c.closeErr
	}
	c.lastSerial++
	return c.lastSerial, nil
}

// validate applies outbound message validation per the connection's
// options.
func (c *Conn) validate(m *Message) error {
	if err := m.Valid(); err != nil {
		return err
	}
	if c.opts.skipValidation {
		return nil
	}
	return m.validNames()
}

// writeMsg marshals and writes one message. The serial must already
// be assigned.
func (c *Conn) writeMsg(m *Message) error {
	if len(m.Files) > 0 && !c.t.SupportsUnixFDs() {
		return errors.New("transport does not support unix fd passing")
	}
	sig, err := BodySignature(m.Body)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	bodyEnc := fragments.Encoder{Order: fragments.NativeEndian, Out: c.encBody[:0]}
	if err := marshalBody(&bodyEnc, m.Body); err != nil {
		return err
	}
	c.encBody = bodyEnc.Out

	hdr := *m
	hdr.Signature = sig
	hdr.NumFDs = uint32(len(m.Files))
	hdrEnc := fragments.Encoder{Order: fragments.NativeEndian, Out: c.encHdr[:0]}
	if err := hdr.marshalHeader(&hdrEnc, len(c.encBody)); err != nil {
		return err
	}
	c.encHdr = hdrEnc.Out

	if _, err := c.t.WriteWithFiles(c.encHdr, m.Files); err != nil {
		return err
	}
	if _, err := c.t.Write(c.encBody); err != nil {
		return err
	}
	return nil
}

// Send transmits m without waiting for a reply.
//
// For method calls that expect a reply, Send assigns a serial,
// registers a [PendingCall] under it and returns the handle; the
// call resolves as a side effect of the connection's dispatch loop.
// For all other messages the returned handle is nil.
func (c *Conn) Send(m *Message) (*PendingCall, error) {
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return nil, err
	}
	c.lastSerial++
	m.Serial = c.lastSerial
	var p *PendingCall
	if m.WantReply() {
		p = &PendingCall{c: c, serial: m.Serial, done: make(chan struct{})}
		c.calls[m.Serial] = p
	}
	c.mu.Unlock()

	if err := c.validate(m); err != nil {
		if p != nil {
			p.Cancel()
		}
		return nil, err
	}
	if err := c.writeMsg(m); err != nil {
		if p != nil {
			p.Cancel()
		}
		return nil, err
	}
	return p, nil
}

// Call transmits m and blocks until its reply arrives or ctx
// expires. If ctx carries no deadline, the connection's call
// timeout applies. A timeout is fatal only to this call; the
// connection remains usable.
//
// If m has the no-reply-expected flag set, Call returns (nil, nil)
// as soon as the message is written.
func (c *Conn) Call(ctx context.Context, m *Message) (*Message, error) {
	p, err := c.Send(m)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, nil
	}
	if _, ok := ctx.Deadline(); !ok && c.opts.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.callTimeout)
		defer cancel()
	}
	return p.Wait(ctx)
}

// CallMethod calls member of iface on the object path of the peer
// named dest, and returns the reply body.
func (c *Conn) CallMethod(ctx context.Context, dest string, path ObjectPath, iface, member string, body ...Value) ([]Value, error) {
	reply, err := c.Call(ctx, &Message{
		Type:        MessageTypeCall,
		Destination: dest,
		Path:        path,
		Interface:   iface,
		Member:      member,
		Body:        body,
	})
	if err != nil {
		return nil, err
	}
	return reply.Body, nil
}

// EmitSignal broadcasts a signal from the object at path.
func (c *Conn) EmitSignal(path ObjectPath, iface, member string, body ...Value) error {
	m := &Message{
		Type:      MessageTypeSignal,
		Path:      path,
		Interface: iface,
		Member:    member,
		Body:      body,
	}
	_, err := c.Send(m)
	return err
}

// Handle registers fn to service method calls to member of iface on
// the object at path. A later Handle for the same triple replaces
// the earlier handler.
func (c *Conn) Handle(path ObjectPath, iface, member string, fn Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers == nil {
		return
	}
	c.handlers[objectMember{path.Clean(), iface, member}] = fn
}

// Unhandle removes the handler registered for the given triple, if
// any.
func (c *Conn) Unhandle(path ObjectPath, iface, member string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, objectMember{path.Clean(), iface, member})
}

func (c *Conn) logf(format string, args ...any) {
	c.opts.logf(format, args...)
}

// readLoop reads and dispatches inbound messages until the
// transport fails or the connection is closed.
func (c *Conn) readLoop() {
	for {
		msg, err := c.readMsg()
		if errors.Is(err, ErrMalformed) {
			// Fatal to this message only: its bytes were fully
			// consumed, the stream is still framed correctly.
			c.logf("dbus: dropping malformed message: %v", err)
			continue
		} else if err != nil {
			// Transport failure, or a header we cannot frame past.
			// Either way the stream is unusable.
			if c.fail(err) == nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
				c.logf("dbus: connection failed: %v", err)
			}
			return
		}
		c.dispatch(msg)
	}
}

// readMsg reads one complete message from the transport. Must not
// be called concurrently (only the readLoop calls it).
//
// Errors wrapping [ErrMalformed] leave the stream correctly framed;
// any other error is fatal to the connection.
func (c *Conn) readMsg() (*Message, error) {
	dec := fragments.Decoder{Order: fragments.NativeEndian, In: c.t}
	m, bodyLen, err := unmarshalHeader(&dec)
	if err != nil {
		// Even a malformed header is fatal: we cannot know where
		// the next message starts.
		if errors.Is(err, ErrMalformed) {
			return nil, fmt.Errorf("unrecoverable: %v", err)
		}
		return nil, err
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(c.t, body); err != nil {
		return nil, err
	}
	if m.NumFDs > 0 {
		if m.Files, err = c.t.GetFiles(int(m.NumFDs)); err != nil {
			return nil, err
		}
	}
	if err := m.Valid(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := m.unmarshalBody(body, dec.Order); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *Conn) dispatch(m *Message) {
	switch m.Type {
	case MessageTypeCall:
		c.dispatchCall(m)
	case MessageTypeReturn:
		c.dispatchReturn(m, nil)
	case MessageTypeError:
		c.dispatchReturn(nil, m)
	case MessageTypeSignal:
		c.dispatchSignal(m)
	default:
		// Unknown message types are allowed on the wire; nothing to
		// route them to.
	}
}

// dispatchReturn resolves the pending call a reply or error belongs
// to. A reply whose serial matches no pending call is a protocol
// violation by the peer, or the tail of a canceled call; it is
// logged and ignored.
func (c *Conn) dispatchReturn(reply, errReply *Message) {
	m := reply
	if m == nil {
		m = errReply
	}

	c.mu.Lock()
	p := c.calls[m.ReplySerial]
	delete(c.calls, m.ReplySerial)
	c.mu.Unlock()

	if p == nil {
		c.logf("dbus: ignoring %s for unknown serial %d", m.Type, m.ReplySerial)
		return
	}

	if errReply != nil {
		p.resolveLocked(nil, CallError{
			Name:   errReply.ErrName,
			Detail: errorDetail(errReply),
		})
		return
	}
	p.resolveLocked(reply, nil)
}

// errorDetail extracts the conventional human-readable first body
// string of an error reply.
func errorDetail(m *Message) string {
	if len(m.Body) == 0 {
		return ""
	}
	if s, ok := m.Body[0].(String); ok {
		return string(s)
	}
	return ""
}

// dispatchSignal delivers a signal to every matching subscription
// in registration order, and to every watcher. A handler that
// panics is isolated: it does not prevent delivery to the handlers
// after it.
func (c *Conn) dispatchSignal(m *Message) {
	c.mu.Lock()
	subs := make([]*Subscription, len(c.subs))
	copy(subs, c.subs)
	ws := make([]*Watcher, 0, len(c.watchers))
	for w := range c.watchers {
		ws = append(ws, w)
	}
	c.mu.Unlock()

	for _, s := range subs {
		if !s.rule.Matches(m) {
			continue
		}
		c.invokeSignalHandler(s, m)
	}
	for _, w := range ws {
		w.deliver(m)
	}
}

func (c *Conn) invokeSignalHandler(s *Subscription, m *Message) {
	defer func() {
		if v := recover(); v != nil {
			c.logf("dbus: signal handler for %q panicked: %v", s.rule.String(), v)
		}
	}()
	s.handler(m)
}

// dispatchCall routes an incoming method call to its registered
// handler on a tracked goroutine. A call that matches no handler is
// answered with an error reply, unless the caller asked for no
// reply.
func (c *Conn) dispatchCall(m *Message) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	handler := c.handlers[objectMember{m.Path.Clean(), m.Interface, m.Member}]
	c.mu.Unlock()

	c.inflight.Run(func() {
		c.serveCall(m, handler)
	})
}

func (c *Conn) serveCall(m *Message, handler Handler) {
	reply := &Message{
		Type:        MessageTypeReturn,
		Destination: m.Sender,
		ReplySerial: m.Serial,
	}
	if handler == nil {
		if !m.WantReply() {
			return
		}
		reply.Type = MessageTypeError
		reply.ErrName = ErrNameUnknownMethod
		reply.Body = []Value{String(fmt.Sprintf("no handler for %s", objectMember{m.Path, m.Interface, m.Member}))}
		c.sendReply(reply)
		return
	}

	body, err := c.runHandler(handler, m)
	if !m.WantReply() {
		return
	}
	if err != nil {
		reply.Type = MessageTypeError
		var ce CallError
		if errors.As(err, &ce) && ce.Name != "" {
			reply.ErrName = ce.Name
			reply.Body = []Value{String(ce.Detail)}
		} else {
			reply.ErrName = ErrNameFailed
			reply.Body = []Value{String(err.Error())}
		}
	} else {
		reply.Body = body
	}
	c.sendReply(reply)
}

// runHandler invokes a method call handler, converting a panic into
// an error reply rather than letting it take down the process.
func (c *Conn) runHandler(handler Handler, m *Message) (body []Value, err error) {
	defer func() {
		if v := recover(); v != nil {
			c.logf("dbus: handler for %s panicked: %v", objectMember{m.Path, m.Interface, m.Member}, v)
			err = CallError{Name: ErrNameFailed, Detail: fmt.Sprintf("handler panicked: %v", v)}
		}
	}()
	return handler(context.Background(), m)
}

func (c *Conn) sendReply(reply *Message) {
	serial, err := c.nextSerial()
	if err != nil {
		return
	}
	reply.Serial = serial
	if err := c.writeMsg(reply); err != nil {
		c.logf("dbus: writing reply to %s: %v", reply.Destination, err)
	}
}
