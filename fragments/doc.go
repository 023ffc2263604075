// Package fragments provides low-level encoding and decoding helpers
// to construct and parse DBus wire format messages.
//
// The provided encoder and decoder are very low level, and do not
// enforce any DBus semantics beyond alignment and byte order. It is
// the caller's responsibility to produce valid DBus messages using
// these tools.
package fragments
