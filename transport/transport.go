// Package transport provides the raw byte-stream connections that
// carry DBus traffic, along with the SASL handshake that precedes
// message exchange.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

// Transport is a raw, authenticated DBus connection.
type Transport interface {
	io.ReadWriteCloser

	// GetFiles returns n received files that were attached to
	// previously read bytes as ancillary data.
	GetFiles(n int) ([]*os.File, error)
	// WriteWithFiles is like Write, but additionally sends the given
	// files as ancillary data.
	WriteWithFiles(bs []byte, files []*os.File) (int, error)
	// SupportsUnixFDs reports whether the transport can carry file
	// descriptors. It is false until fd passing has been negotiated
	// during the handshake, and always false for TCP transports.
	SupportsUnixFDs() bool
}

// Dial connects to the bus at the given address and authenticates.
//
// The address uses the textual DBus grammar: one or more
// semicolon-separated candidates of the form
// "unix:path=/some/path", "unix:abstract=name" or
// "tcp:host=somehost,port=123". Candidates are tried in order and
// the first that connects and authenticates is returned.
func Dial(ctx context.Context, address string) (Transport, error) {
	addrs, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, a := range addrs {
		t, err := dialOne(ctx, a)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a, err))
			continue
		}
		return t, nil
	}
	return nil, errors.Join(errs...)
}

func dialOne(ctx context.Context, addr busAddr) (Transport, error) {
	switch addr.scheme {
	case "unix":
		return dialUnix(ctx, addr)
	case "tcp":
		return dialTCP(ctx, addr)
	default:
		return nil, fmt.Errorf("unsupported transport %q", addr.scheme)
	}
}

// authDeadline computes the deadline to apply to a connection for
// the duration of the handshake.
func authDeadline(ctx context.Context) time.Time {
	if deadline, ok := ctx.Deadline(); ok {
		return deadline
	}
	return time.Time{}
}

// handshake runs the authentication exchange on conn, bounded by the
// context deadline, and clears the deadline afterwards.
func handshake(ctx context.Context, conn net.Conn, a *authClient) error {
	if err := conn.SetDeadline(authDeadline(ctx)); err != nil {
		return err
	}
	if err := a.run(); err != nil {
		return err
	}
	return conn.SetDeadline(time.Time{})
}
