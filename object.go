package dbus

import (
	"context"
	"fmt"
)

// Object is an addressable object hosted by a [Peer].
type Object struct {
	p    Peer
	path ObjectPath
}

// Conn returns the connection the handle belongs to.
func (o Object) Conn() *Conn { return o.p.Conn() }

// Peer returns the peer hosting the object.
func (o Object) Peer() Peer { return o.p }

// Path returns the object's path.
func (o Object) Path() ObjectPath { return o.path }

func (o Object) String() string {
	return fmt.Sprintf("%s:%s", o.p, o.path)
}

// Interface returns a handle for the named interface on the object.
func (o Object) Interface(name string) Interface {
	return Interface{
		o:    o,
		name: name,
	}
}

// Introspect returns the object's XML self-description.
func (o Object) Introspect(ctx context.Context) (string, error) {
	body, err := o.Interface(ifaceIntrospectable).Call(ctx, "Introspect")
	if err != nil {
		return "", err
	}
	if len(body) != 1 {
		return "", fmt.Errorf("unexpected Introspect reply with %d values", len(body))
	}
	s, ok := body[0].(String)
	if !ok {
		return "", fmt.Errorf("unexpected Introspect reply of type %s", body[0].Signature())
	}
	return string(s), nil
}
