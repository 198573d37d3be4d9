package wire

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidMagic is returned when a handshake carries the wrong magic number.
	ErrInvalidMagic = errors.New("invalid wire magic number")

	// ErrInvalidHeader is returned when a frame header carries an unknown kind.
	ErrInvalidHeader = errors.New("received an invalid frame header")

	// ErrInvalidPublicKey is returned when the peer's handshake key does not
	// decode to a curve point.
	ErrInvalidPublicKey = errors.New("invalid peer public key")

	// ErrUnexpectedMessage is returned when a message arrives in a state
	// that does not accept it.
	ErrUnexpectedMessage = errors.New("received an unexpected message")

	// ErrFrameTooLarge is returned when a frame payload exceeds MaxPayloadSize.
	ErrFrameTooLarge = errors.New("frame payload exceeds maximum size")
)

// InvalidVersionError is returned when a handshake carries an unsupported
// protocol version.
type InvalidVersionError struct {
	Version uint8
}

func (e *InvalidVersionError) Error() string {
	return fmt.Sprintf("invalid wire version: %d", e.Version)
}

// RemoteError is the receipt of an Error frame from the peer.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string {
	return "remote error: " + e.Msg
}
