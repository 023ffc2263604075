package dbus

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"

	"github.com/thrykol/dbus/transport"
)

// The message bus itself, as a peer.
const (
	busName      = "org.freedesktop.DBus"
	busPath      = ObjectPath("/org/freedesktop/DBus")
	busInterface = "org.freedesktop.DBus"

	ifacePeer           = "org.freedesktop.DBus.Peer"
	ifaceProps          = "org.freedesktop.DBus.Properties"
	ifaceIntrospectable = "org.freedesktop.DBus.Introspectable"
)

const defaultSystemBusAddress = "unix:path=/run/dbus/system_bus_socket"

// SystemBus connects to the system bus.
func SystemBus(ctx context.Context, opts ...Option) (*Conn, error) {
	addr := os.Getenv("DBUS_SYSTEM_BUS_ADDRESS")
	if addr == "" {
		addr = defaultSystemBusAddress
	}
	return Dial(ctx, addr, opts...)
}

// SessionBus connects to the current user's session bus.
func SessionBus(ctx context.Context, opts ...Option) (*Conn, error) {
	addr := os.Getenv("DBUS_SESSION_BUS_ADDRESS")
	if addr == "" {
		return nil, errors.New("session bus not available")
	}
	return Dial(ctx, addr, opts...)
}

// Dial connects to the message bus at the given address and registers
// with it. The returned connection has a unique name assigned by the
// bus, available from [Conn.LocalName].
func Dial(ctx context.Context, address string, opts ...Option) (*Conn, error) {
	t, err := transport.Dial(ctx, address)
	if err != nil {
		return nil, err
	}
	c := NewConn(t, opts...)
	if err := c.hello(ctx); err != nil {
		c.Close()
		return nil, err
	}
	c.serveStandardInterfaces()
	return c, nil
}

// hello performs the mandatory registration exchange. Hello must be
// the first call on a bus connection; the bus replies with the unique
// name it has assigned us.
func (c *Conn) hello(ctx context.Context) error {
	body, err := c.CallMethod(ctx, busName, busPath, busInterface, "Hello")
	if err != nil {
		return fmt.Errorf("getting DBus client ID: %w", err)
	}
	if len(body) != 1 {
		return fmt.Errorf("unexpected Hello reply with %d values", len(body))
	}
	name, ok := body[0].(String)
	if !ok {
		return fmt.Errorf("unexpected Hello reply of type %s", body[0].Signature())
	}
	c.clientID = string(name)
	return nil
}

// serveStandardInterfaces implements org.freedesktop.DBus.Peer on all
// objects, as the spec requires of every connection.
func (c *Conn) serveStandardInterfaces() {
	ping := func(context.Context, *Message) ([]Value, error) {
		return nil, nil
	}
	getMachineID := func(context.Context, *Message) ([]Value, error) {
		id, err := machineID()
		if err != nil {
			return nil, err
		}
		return []Value{String(id)}, nil
	}
	for _, path := range []ObjectPath{"/", "/org/freedesktop/DBus"} {
		c.Handle(path, ifacePeer, "Ping", ping)
		c.Handle(path, ifacePeer, "GetMachineId", getMachineID)
	}
}

var machineID = sync.OnceValues(func() (string, error) {
	bs, err := os.ReadFile("/etc/machine-id")
	if errors.Is(err, fs.ErrNotExist) {
		bs, err = os.ReadFile("/var/lib/dbus/machine-id")
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(bs)), nil
})

// Flags for RequestName.
const (
	// NameFlagAllowReplacement consents to another peer taking the
	// name away, if that peer asks to replace the current owner.
	NameFlagAllowReplacement uint32 = 1 << iota
	// NameFlagReplaceExisting asks to replace the current owner, if
	// the name is taken and its owner allows replacement.
	NameFlagReplaceExisting
	// NameFlagDoNotQueue declines to wait in line for the name if it
	// cannot be acquired immediately.
	NameFlagDoNotQueue
)

// Replies from RequestName and ReleaseName.
const (
	NameReplyPrimaryOwner uint32 = iota + 1
	NameReplyInQueue
	NameReplyExists
	NameReplyAlreadyOwner

	NameReplyReleased    uint32 = 1
	NameReplyNonExistent uint32 = 2
	NameReplyNotOwner    uint32 = 3
)

// RequestName asks the bus to assign the well-known name to this
// connection, and returns the bus's disposition.
func (c *Conn) RequestName(ctx context.Context, name string, flags uint32) (uint32, error) {
	body, err := c.CallMethod(ctx, busName, busPath, busInterface, "RequestName", String(name), Uint32(flags))
	if err != nil {
		return 0, err
	}
	return replyCode(body)
}

// ReleaseName gives up ownership of, or a queued claim to, the
// well-known name.
func (c *Conn) ReleaseName(ctx context.Context, name string) (uint32, error) {
	body, err := c.CallMethod(ctx, busName, busPath, busInterface, "ReleaseName", String(name))
	if err != nil {
		return 0, err
	}
	return replyCode(body)
}

// NameHasOwner reports whether any peer currently owns the given
// name.
func (c *Conn) NameHasOwner(ctx context.Context, name string) (bool, error) {
	body, err := c.CallMethod(ctx, busName, busPath, busInterface, "NameHasOwner", String(name))
	if err != nil {
		return false, err
	}
	if len(body) != 1 {
		return false, fmt.Errorf("unexpected NameHasOwner reply with %d values", len(body))
	}
	b, ok := body[0].(Bool)
	if !ok {
		return false, fmt.Errorf("unexpected NameHasOwner reply of type %s", body[0].Signature())
	}
	return bool(b), nil
}

// ListNames returns the names currently present on the bus, both
// unique and well-known.
func (c *Conn) ListNames(ctx context.Context) ([]string, error) {
	body, err := c.CallMethod(ctx, busName, busPath, busInterface, "ListNames")
	if err != nil {
		return nil, err
	}
	if len(body) != 1 {
		return nil, fmt.Errorf("unexpected ListNames reply with %d values", len(body))
	}
	arr, ok := body[0].(Array)
	if !ok {
		return nil, fmt.Errorf("unexpected ListNames reply of type %s", body[0].Signature())
	}
	names := make([]string, 0, len(arr.Values))
	for _, v := range arr.Values {
		s, ok := v.(String)
		if !ok {
			return nil, fmt.Errorf("unexpected ListNames element of type %s", v.Signature())
		}
		names = append(names, string(s))
	}
	return names, nil
}

// GetNameOwner returns the unique name of the peer that owns name.
func (c *Conn) GetNameOwner(ctx context.Context, name string) (string, error) {
	body, err := c.CallMethod(ctx, busName, busPath, busInterface, "GetNameOwner", String(name))
	if err != nil {
		return "", err
	}
	if len(body) != 1 {
		return "", fmt.Errorf("unexpected GetNameOwner reply with %d values", len(body))
	}
	s, ok := body[0].(String)
	if !ok {
		return "", fmt.Errorf("unexpected GetNameOwner reply of type %s", body[0].Signature())
	}
	return string(s), nil
}

func replyCode(body []Value) (uint32, error) {
	if len(body) != 1 {
		return 0, fmt.Errorf("unexpected reply with %d values", len(body))
	}
	code, ok := body[0].(Uint32)
	if !ok {
		return 0, fmt.Errorf("unexpected reply of type %s", body[0].Signature())
	}
	return uint32(code), nil
}
