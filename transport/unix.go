package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/creachadair/mds/queue"
	"golang.org/x/sys/unix"
)

// dialUnix connects to the bus over a unix domain socket, given
// either a path= or abstract= parameter.
func dialUnix(ctx context.Context, addr busAddr) (Transport, error) {
	var name string
	if p, ok := addr.params["path"]; ok {
		name = p
	} else if p, ok := addr.params["abstract"]; ok {
		name = "@" + p
	} else {
		return nil, errors.New("unix address has neither path= nor abstract=")
	}

	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Net: "unix", Name: name})
	if err != nil {
		return nil, err
	}

	ret := &unixTransport{
		conn: conn,
		fds:  queue.New[*os.File](),
	}
	ret.buf = bufio.NewReader(funcReader(ret.readToBuf))

	auth := &authClient{
		w:            conn,
		r:            ret.buf,
		mechs:        []mechanism{external()},
		negotiateFDs: true,
	}
	if err := handshake(ctx, conn, auth); err != nil {
		ret.Close()
		return nil, err
	}
	ret.fdsOK = auth.fdsAgreed

	return ret, nil
}

// unixTransport is a Transport that runs over a unix domain socket.
type unixTransport struct {
	conn  *net.UnixConn
	oob   [512]byte
	buf   *bufio.Reader
	fds   *queue.Queue[*os.File]
	fdsOK bool
}

func (u *unixTransport) Read(bs []byte) (int, error) {
	return u.buf.Read(bs)
}

func (u *unixTransport) Write(bs []byte) (int, error) {
	return u.conn.Write(bs)
}

func (u *unixTransport) Close() error {
	u.fds.Each(func(f *os.File) bool {
		f.Close()
		return true
	})
	u.fds.Clear()
	u.buf.Discard(u.buf.Buffered())
	return u.conn.Close()
}

func (u *unixTransport) SupportsUnixFDs() bool { return u.fdsOK }

func (u *unixTransport) WriteWithFiles(bs []byte, fs []*os.File) (int, error) {
	if len(fs) == 0 {
		return u.Write(bs)
	}
	if !u.fdsOK {
		return 0, errors.New("bus did not agree to unix fd passing")
	}

	fds := make([]int, len(fs))
	for i, f := range fs {
		fds[i] = int(f.Fd())
	}
	scm := unix.UnixRights(fds...)
	n, oobn, err := u.conn.WriteMsgUnix(bs, scm, nil)
	if err != nil {
		u.Close()
		return n, err
	}
	if oobn != len(scm) {
		u.Close()
		return n, io.ErrShortWrite
	}
	return n, nil
}

func (u *unixTransport) GetFiles(n int) ([]*os.File, error) {
	ret := make([]*os.File, 0, n)
	for range n {
		f, ok := u.fds.Pop()
		if !ok {
			for _, f := range ret {
				f.Close()
			}
			return nil, errors.New("requested file not available")
		}
		ret = append(ret, f)
	}
	return ret, nil
}

func (u *unixTransport) readToBuf(bs []byte) (int, error) {
	n, oobn, flags, _, err := u.conn.ReadMsgUnix(bs, u.oob[:])
	if flags&unix.MSG_CTRUNC != 0 {
		u.Close()
		return 0, errors.New("control message truncated")
	}
	if oobn > 0 {
		if oobErr := u.parseFDs(u.oob[:oobn]); oobErr != nil {
			u.Close()
			return 0, oobErr
		}
	}
	if err != nil {
		u.Close()
		return 0, err
	}

	return n, nil
}

func (u *unixTransport) parseFDs(oob []byte) error {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return err
	}
	// Accumulate errors and keep parsing on errors. We want to
	// extract all provided file descriptors from the message, so that
	// we can correctly close all of them on error. If we bailed on
	// first error, we'd leave dangling fds in the process, and allow
	// for a DoS.
	var errs []error
	for _, scm := range scms {
		if scm.Header.Level != unix.SOL_SOCKET || scm.Header.Type != unix.SCM_RIGHTS {
			continue
		}
		var fds []int
		fds, err = unix.ParseUnixRights(&scm)
		if err != nil {
			errs = append(errs, fmt.Errorf("parsing unix rights: %w", err))
			continue
		}
		for _, fd := range fds {
			f := os.NewFile(uintptr(fd), "")
			if f == nil {
				errs = append(errs, fmt.Errorf("invalid file descriptor %d received on dbus socket", fd))
			} else {
				u.fds.Add(f)
			}
		}
	}

	if len(errs) != 0 {
		return errors.Join(errs...)
	}
	return nil
}

type funcReader func([]byte) (int, error)

func (f funcReader) Read(bs []byte) (int, error) {
	return f(bs)
}
