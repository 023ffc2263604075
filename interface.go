package dbus

import (
	"context"
	"fmt"
)

// Interface is a set of methods, properties and signals offered by
// an [Object].
type Interface struct {
	o    Object
	name string
}

// Conn returns the connection the handle belongs to.
func (f Interface) Conn() *Conn { return f.o.Conn() }

// Peer returns the peer that is offering the interface.
func (f Interface) Peer() Peer { return f.o.Peer() }

// Object returns the object that implements the interface.
func (f Interface) Object() Object { return f.o }

// Name returns the name of the interface.
func (f Interface) Name() string { return f.name }

func (f Interface) String() string {
	if f.name == "" {
		return fmt.Sprintf("%s:<no interface>", f.o)
	}
	return fmt.Sprintf("%s:%s", f.o, f.name)
}

// Call calls method on the interface with the given arguments, and
// returns the reply body.
//
// This is a low-level calling API. It is the caller's responsibility
// to match the arguments to the signature of the method being
// invoked.
func (f Interface) Call(ctx context.Context, method string, args ...Value) ([]Value, error) {
	return f.Conn().CallMethod(ctx, f.Peer().Name(), f.o.path, f.name, method, args...)
}

// OneWay calls method on the interface with the given arguments, and
// tells the peer not to send a reply.
//
// OneWay returns after the method call is successfully sent. Since
// the response is suppressed at the bus level, there is no way to
// know whether the call was delivered to anyone, or acted upon.
func (f Interface) OneWay(ctx context.Context, method string, args ...Value) error {
	_, err := f.Conn().Send(&Message{
		Type:        MessageTypeCall,
		Flags:       FlagNoReplyExpected,
		Destination: f.Peer().Name(),
		Path:        f.o.path,
		Interface:   f.name,
		Member:      method,
		Body:        args,
	})
	return err
}

// GetProperty reads the named property and returns the value carried
// inside its variant.
func (f Interface) GetProperty(ctx context.Context, name string) (Value, error) {
	body, err := f.o.Interface(ifaceProps).Call(ctx, "Get", String(f.name), String(name))
	if err != nil {
		return nil, err
	}
	if len(body) != 1 {
		return nil, fmt.Errorf("unexpected Get reply with %d values", len(body))
	}
	v, ok := body[0].(Variant)
	if !ok {
		return nil, fmt.Errorf("unexpected Get reply of type %s", body[0].Signature())
	}
	return v.Value, nil
}

// SetProperty sets the named property to val.
//
// It is the caller's responsibility to match the value's type to the
// type offered by the interface.
func (f Interface) SetProperty(ctx context.Context, name string, val Value) error {
	_, err := f.o.Interface(ifaceProps).Call(ctx, "Set", String(f.name), String(name), Variant{Value: val})
	return err
}

// GetAllProperties returns all the properties exported by the
// interface, with each value unwrapped from its variant.
func (f Interface) GetAllProperties(ctx context.Context) (map[string]Value, error) {
	body, err := f.o.Interface(ifaceProps).Call(ctx, "GetAll", String(f.name))
	if err != nil {
		return nil, err
	}
	if len(body) != 1 {
		return nil, fmt.Errorf("unexpected GetAll reply with %d values", len(body))
	}
	d, ok := body[0].(Dict)
	if !ok {
		return nil, fmt.Errorf("unexpected GetAll reply of type %s", body[0].Signature())
	}
	ret := make(map[string]Value, len(d.Entries))
	for _, ent := range d.Entries {
		k, ok := ent.Key.(String)
		if !ok {
			return nil, fmt.Errorf("unexpected GetAll key of type %s", ent.Key.Signature())
		}
		v, ok := ent.Value.(Variant)
		if !ok {
			return nil, fmt.Errorf("unexpected GetAll value of type %s", ent.Value.Signature())
		}
		ret[string(k)] = v.Value
	}
	return ret, nil
}
