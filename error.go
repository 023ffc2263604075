package dbus

import (
	"errors"
	"fmt"
)

// ErrIncomplete is reported when a buffer does not yet contain a
// complete message. It signals "need more bytes": the caller should
// retry the decode once more data is available.
var ErrIncomplete = errors.New("incomplete message")

// ErrMalformed is the class of errors reported when received bytes
// cannot be a valid message. A malformed message is fatal to that
// message but not to the connection.
var ErrMalformed = errors.New("malformed message")

// ErrCanceled is reported by a [PendingCall] whose caller canceled
// it before a reply arrived.
var ErrCanceled = errors.New("call canceled")

// TypeError is the error returned when a value cannot be
// represented in the DBus wire format.
type TypeError struct {
	// Reason is an explanation of why the value isn't representable.
	Reason string
}

func (e TypeError) Error() string {
	return fmt.Sprintf("dbus type error: %s", e.Reason)
}

// SignatureError is the error returned for a string that is not a
// valid DBus type signature.
type SignatureError struct {
	// Signature is the offending signature string.
	Signature string
	// Reason is an explanation of the grammar violation.
	Reason string
}

func (e SignatureError) Error() string {
	return fmt.Sprintf("invalid type signature %q: %s", e.Signature, e.Reason)
}

func sigErr(sig, reason string, args ...any) error {
	return SignatureError{Signature: sig, Reason: fmt.Sprintf(reason, args...)}
}

// NameError is the error returned when a bus name, interface name,
// member name or object path does not conform to its grammar.
// Outbound name validation can be elided with [SkipValidation].
type NameError struct {
	// Kind says which grammar was violated.
	Kind string
	// Value is the offending string.
	Value string
}

func (e NameError) Error() string {
	return fmt.Sprintf("invalid %s %q", e.Kind, e.Value)
}

// CallError is the error returned from failed DBus method calls.
type CallError struct {
	// Name is the error name provided by the remote peer.
	Name string
	// Detail is the human-readable explanation of what went wrong.
	Detail string
}

func (e CallError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("call error %s", e.Name)
	}
	return fmt.Sprintf("call error %s: %s", e.Name, e.Detail)
}

// Well-known error names used for replies the connection
// synthesizes itself. The exact strings are bus conventions rather
// than protocol contract, so deployments that need different names
// may replace them.
var (
	ErrNameUnknownMethod = "org.freedesktop.DBus.Error.UnknownMethod"
	ErrNameFailed        = "org.freedesktop.DBus.Error.Failed"
)
