package wire

import (
	"crypto/sha512"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/chacha20"
)

// SharedKeySize is the size of the derived symmetric key material.
// Bytes [0:32) key the stream cipher, bytes [32:44) are its nonce.
const SharedKeySize = sha512.Size

// SharedKey is the symmetric key material both peers derive from the
// handshake. Each connection builds two independent cipher states from it:
// one encrypting outgoing bytes, one decrypting incoming bytes. Both start
// at keystream position zero on both peers.
type SharedKey [SharedKeySize]byte

// GenerateKeypair returns a fresh secp256k1 keypair for one session endpoint.
func GenerateKeypair() (*secp256k1.PrivateKey, error) {
	return secp256k1.GeneratePrivateKey()
}

// Shared derives the symmetric key material from our private key and the
// peer's public key: SHA-512 over the x coordinate of the ECDH shared point.
// Shared(a, B) == Shared(b, A) for any two keypairs (a, A), (b, B).
func Shared(priv *secp256k1.PrivateKey, pub *secp256k1.PublicKey) SharedKey {
	point := secp256k1.GenerateSharedSecret(priv, pub)
	return sha512.Sum512(point)
}

// newCipher builds a ChaCha20 keystream state from the shared key material.
// The cipher XORs in place and advances its position only by the bytes it
// was handed, so sender and receiver positions stay equal after every
// complete frame.
func newCipher(key *SharedKey) (*chacha20.Cipher, error) {
	c, err := chacha20.NewUnauthenticatedCipher(
		key[:chacha20.KeySize],
		key[chacha20.KeySize:chacha20.KeySize+chacha20.NonceSize],
	)
	if err != nil {
		return nil, fmt.Errorf("initialize stream cipher: %w", err)
	}
	return c, nil
}
