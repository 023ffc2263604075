// Package dbus implements a client for the DBus message bus.
//
// A [Conn] multiplexes one authenticated byte stream to a bus or a
// direct peer. Outgoing method calls get per-connection serials and
// resolve through [PendingCall] handles as replies arrive, in any
// order. Inbound traffic is read by a background loop and routed:
// replies to their pending calls, signals to [Subscription] handlers
// and [Watcher] channels, and method calls to handlers registered
// with [Conn.Handle].
//
// Values on the wire are represented by the closed [Value] sum type:
// one Go type per DBus type, with [Signature] describing aggregate
// shapes. There is no reflection-driven mapping to arbitrary Go
// types; callers construct and inspect bodies explicitly.
//
// Use [SystemBus], [SessionBus] or [Dial] to reach a message bus;
// use [NewConn] to speak the protocol over an already authenticated
// transport, such as a direct peer connection.
package dbus
