package dbus

import "context"

// A PendingCall is an in-flight method call awaiting its reply.
//
// The connection owns the call until it resolves; the caller holds
// this handle to await, poll or cancel it. A PendingCall resolves
// exactly once, with the reply message, the peer's error, a
// transport failure, or cancellation.
type PendingCall struct {
	c      *Conn
	serial uint32

	// done is closed by the connection after msg and err are set.
	done chan struct{}
	msg  *Message
	err  error
}

// Serial returns the serial number assigned to the call.
func (p *PendingCall) Serial() uint32 { return p.serial }

// Done returns a channel that is closed when the call resolves.
func (p *PendingCall) Done() <-chan struct{} { return p.done }

// Result returns the call's outcome. It must only be called after
// the Done channel is closed; before then the outcome is undefined.
func (p *PendingCall) Result() (*Message, error) {
	select {
	case <-p.done:
		return p.msg, p.err
	default:
		return nil, ErrIncomplete
	}
}

// Wait blocks until the call resolves or ctx expires. Expiry
// cancels the call: the request is not retracted from the bus, but
// a late reply will be discarded.
func (p *PendingCall) Wait(ctx context.Context) (*Message, error) {
	select {
	case <-p.done:
		return p.msg, p.err
	case <-ctx.Done():
		p.Cancel()
		return nil, ctx.Err()
	}
}

// Cancel abandons the call. A reply that later arrives for it is
// discarded. Canceling an already resolved call does nothing.
func (p *PendingCall) Cancel() {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	if p.c.calls[p.serial] != p {
		return
	}
	delete(p.c.calls, p.serial)
	p.err = ErrCanceled
	close(p.done)
}

// resolveLocked completes the call. The connection's state lock must
// be held, and the call must already be removed from the pending
// map.
func (p *PendingCall) resolveLocked(msg *Message, err error) {
	p.msg = msg
	p.err = err
	close(p.done)
}
