// Package wire implements the Diglett tunnel protocol: a framed,
// length-prefixed message channel running over a symmetric stream cipher
// whose key is agreed through an secp256k1 Diffie-Hellman handshake.
package wire

import "fmt"

// Registration identifies one logical domain registration within a session.
// Agents currently always register id 0; the field is carried on the wire
// for multi-name futures.
type Registration uint16

// Stream identifies one multiplexed byte stream. The high 16 bits are the
// registration, the low 16 bits are the source port of the public client
// socket accepted at the gateway. A stream id can only repeat after the
// previous holder closed, because the OS keeps accepted source ports unique
// among open sockets on the listening port.
type Stream uint32

// NewStream builds a stream id from a registration and a source port.
func NewStream(reg Registration, port uint16) Stream {
	return Stream(uint32(reg)<<16 | uint32(port))
}

// Registration returns the registration part of the stream id.
func (s Stream) Registration() Registration {
	return Registration(s >> 16)
}

// Port returns the public client source port part of the stream id.
func (s Stream) Port() uint16 {
	return uint16(s)
}

// String returns a debug representation of the stream id.
func (s Stream) String() string {
	return fmt.Sprintf("(%d, %d)", s.Registration(), s.Port())
}
