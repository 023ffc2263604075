package transport

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
)

// dialTCP connects to the bus over TCP, given host= and port=
// parameters. TCP transports cannot carry unix file descriptors and
// authenticate anonymously, since no socket credentials exist for
// the bus to inspect.
func dialTCP(ctx context.Context, addr busAddr) (Transport, error) {
	host, ok := addr.params["host"]
	if !ok {
		return nil, errors.New("tcp address missing host=")
	}
	port, ok := addr.params["port"]
	if !ok {
		return nil, errors.New("tcp address missing port=")
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, err
	}

	ret := &tcpTransport{
		conn: conn,
		buf:  bufio.NewReader(conn),
	}

	auth := &authClient{
		w:     conn,
		r:     ret.buf,
		mechs: []mechanism{anonymous(), external()},
	}
	if err := handshake(ctx, conn, auth); err != nil {
		ret.Close()
		return nil, err
	}

	return ret, nil
}

// tcpTransport is a Transport that runs over a TCP connection.
type tcpTransport struct {
	conn net.Conn
	buf  *bufio.Reader
}

func (t *tcpTransport) Read(bs []byte) (int, error)  { return t.buf.Read(bs) }
func (t *tcpTransport) Write(bs []byte) (int, error) { return t.conn.Write(bs) }
func (t *tcpTransport) Close() error                 { return t.conn.Close() }

func (t *tcpTransport) SupportsUnixFDs() bool { return false }

func (t *tcpTransport) WriteWithFiles(bs []byte, fs []*os.File) (int, error) {
	if len(fs) > 0 {
		return 0, errors.New("cannot send files over a tcp transport")
	}
	return t.Write(bs)
}

func (t *tcpTransport) GetFiles(n int) ([]*os.File, error) {
	if n == 0 {
		return nil, nil
	}
	return nil, errors.New("no files available on a tcp transport")
}
