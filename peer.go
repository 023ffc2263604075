package dbus

import (
	"context"
)

// Peer is a named participant on the bus. The name may be a unique
// name assigned by the bus, or a well-known name owned by some peer.
type Peer struct {
	c    *Conn
	name string
}

// Peer returns a handle for the named bus participant.
func (c *Conn) Peer(name string) Peer {
	return Peer{c: c, name: name}
}

// Conn returns the connection the handle belongs to.
func (p Peer) Conn() *Conn { return p.c }

// Name returns the peer's bus name.
func (p Peer) Name() string { return p.name }

func (p Peer) String() string {
	if p.c == nil {
		return "<no peer>"
	}
	return p.name
}

// Ping calls the standard liveness check method on the peer.
func (p Peer) Ping(ctx context.Context) error {
	_, err := p.Object("/").Interface(ifacePeer).Call(ctx, "Ping")
	return err
}

// Object returns a handle for the object at path on the peer.
func (p Peer) Object(path ObjectPath) Object {
	return Object{
		p:    p,
		path: path,
	}
}
