package transport

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// maxAuthLine bounds the length of a single line of the
// authentication protocol. A peer that sends a longer line is
// misbehaving and the handshake fails as malformed.
const maxAuthLine = 16 * 1024

// ErrAuthRejected is reported when the bus rejects every offered
// authentication mechanism. It is terminal: the handshake never
// succeeds again on the same connection.
var ErrAuthRejected = errors.New("authentication rejected")

// AuthError is a fatal authentication failure.
type AuthError struct {
	// Reason describes the failure.
	Reason string
	// Line is the offending protocol line, if any.
	Line string
}

func (e AuthError) Error() string {
	if e.Line == "" {
		return fmt.Sprintf("auth failed: %s", e.Reason)
	}
	return fmt.Sprintf("auth failed: %s (server said %q)", e.Reason, e.Line)
}

// A mechanism is one SASL mechanism the client can offer.
type mechanism struct {
	name string
	// initial is the hex-encoded initial response sent with the AUTH
	// command.
	initial string
}

// external authenticates with the credentials the kernel attaches to
// a unix socket. The initial response is the client's uid, so the
// bus can cross-check it against the socket credentials.
func external() mechanism {
	uid := strconv.Itoa(os.Getuid())
	return mechanism{
		name:    "EXTERNAL",
		initial: hex.EncodeToString([]byte(uid)),
	}
}

// anonymous requests no authentication at all. It is the fallback
// for TCP transports, where no socket credentials exist.
func anonymous() mechanism {
	return mechanism{
		name:    "ANONYMOUS",
		initial: hex.EncodeToString([]byte("go-dbus")),
	}
}

// authClient drives the client side of the pre-message
// authentication handshake: a NUL byte, then CRLF-terminated ASCII
// command lines, ending with BEGIN. No message traffic may be sent
// before run returns successfully.
type authClient struct {
	w     io.Writer
	r     *bufio.Reader
	mechs []mechanism

	// negotiateFDs requests unix fd passing after authentication.
	// A refusal downgrades to no fd support instead of failing.
	negotiateFDs bool
	fdsAgreed    bool
}

func (a *authClient) run() error {
	if _, err := a.w.Write([]byte{0}); err != nil {
		return err
	}

	authed := false
	for _, mech := range a.mechs {
		ok, err := a.tryMechanism(mech)
		if err != nil {
			return err
		}
		if ok {
			authed = true
			break
		}
	}
	if !authed {
		return ErrAuthRejected
	}

	if a.negotiateFDs {
		if err := a.writeLine("NEGOTIATE_UNIX_FD"); err != nil {
			return err
		}
		line, err := a.readLine()
		if err != nil {
			return err
		}
		switch verb(line) {
		case "AGREE_UNIX_FD":
			a.fdsAgreed = true
		case "ERROR":
			// Server can't pass fds; carry on without them.
		default:
			return AuthError{Reason: "unexpected response to NEGOTIATE_UNIX_FD", Line: line}
		}
	}

	return a.writeLine("BEGIN")
}

// tryMechanism offers one mechanism. It reports whether the server
// accepted it; a REJECTED answer is not an error, the caller moves
// on to the next mechanism.
func (a *authClient) tryMechanism(m mechanism) (bool, error) {
	if err := a.writeLine("AUTH " + m.name + " " + m.initial); err != nil {
		return false, err
	}
	for {
		line, err := a.readLine()
		if err != nil {
			return false, err
		}
		switch verb(line) {
		case "OK":
			// The rest of the line is the server GUID, which this
			// client has no use for.
			return true, nil
		case "REJECTED":
			return false, nil
		case "DATA":
			// Neither offered mechanism is challenge-response, so
			// any challenge is unanswerable. Cancel and wait for the
			// REJECTED that must follow.
			if err := a.writeLine("CANCEL"); err != nil {
				return false, err
			}
		case "ERROR":
			if err := a.writeLine("CANCEL"); err != nil {
				return false, err
			}
		default:
			return false, AuthError{Reason: "unrecognized server command", Line: line}
		}
	}
}

func (a *authClient) writeLine(s string) error {
	_, err := io.WriteString(a.w, s+"\r\n")
	return err
}

// readLine reads one CRLF-terminated line, enforcing maxAuthLine.
func (a *authClient) readLine() (string, error) {
	var buf []byte
	for {
		frag, err := a.r.ReadSlice('\n')
		buf = append(buf, frag...)
		if len(buf) > maxAuthLine {
			return "", AuthError{Reason: fmt.Sprintf("line longer than %d bytes", maxAuthLine)}
		}
		if err == nil {
			break
		}
		if err != bufio.ErrBufferFull {
			return "", err
		}
	}
	return strings.TrimRight(string(buf), "\r\n"), nil
}

func verb(line string) string {
	v, _, _ := strings.Cut(line, " ")
	return v
}
