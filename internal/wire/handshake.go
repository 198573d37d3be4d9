package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Handshake format (38 bytes, big-endian):
//
//	Magic   [4 byte]  - 0x6469676c
//	Version [1 byte]  - protocol version, currently 1
//	Key     [33 byte] - compressed SEC1 secp256k1 public key
//
// The handshake is the only unencrypted traffic on a connection; both
// peers hold both public keys before the first frame is exchanged.
const (
	Magic   uint32 = 0x6469676c
	Version uint8  = 1

	// HandshakeSize is the size of the handshake preface in bytes.
	HandshakeSize = 5 + publicKeySize

	publicKeySize = 33
)

func writeHandshake(w io.Writer, pub *secp256k1.PublicKey) error {
	var buf [HandshakeSize]byte
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	buf[4] = Version
	copy(buf[5:], pub.SerializeCompressed())

	_, err := w.Write(buf[:])
	return err
}

func readHandshake(r io.Reader) (*secp256k1.PublicKey, error) {
	var buf [HandshakeSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}

	if binary.BigEndian.Uint32(buf[0:4]) != Magic {
		return nil, ErrInvalidMagic
	}
	if version := buf[4]; version != Version {
		return nil, &InvalidVersionError{Version: version}
	}

	pub, err := secp256k1.ParsePubKey(buf[5:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}

	return pub, nil
}

// Client performs the dialing side of the handshake: send our preface
// first, then read the peer's. On success the returned connection carries
// the encrypted frame channel.
func Client(conn net.Conn, priv *secp256k1.PrivateKey) (*Conn, error) {
	if err := writeHandshake(conn, priv.PubKey()); err != nil {
		return nil, err
	}
	peer, err := readHandshake(conn)
	if err != nil {
		return nil, err
	}

	key := Shared(priv, peer)
	return newConn(conn, &key)
}

// Server performs the accepting side of the handshake: read the peer's
// preface first, then send ours. The order matters — the server must hold
// the client's public key before the client sends any encrypted bytes,
// and vice versa.
func Server(conn net.Conn, priv *secp256k1.PrivateKey) (*Conn, error) {
	peer, err := readHandshake(conn)
	if err != nil {
		return nil, err
	}
	if err := writeHandshake(conn, priv.PubKey()); err != nil {
		return nil, err
	}

	key := Shared(priv, peer)
	return newConn(conn, &key)
}
