package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20"
)

// Frame header format (7 bytes, big-endian):
//
//	Kind [1 byte] - Frame kind
//	ID   [4 byte] - Stream or registration id (big-endian)
//	Size [2 byte] - Payload length (big-endian)
const (
	// HeaderSize is the size of a frame header in bytes.
	HeaderSize = 7

	// MaxPayloadSize is the maximum frame payload size.
	MaxPayloadSize = 0xffff
)

// Kind is the frame kind byte. The numeric encoding is part of the wire
// protocol and must not change.
type Kind uint8

const (
	KindOk             Kind = 0 // acknowledge
	KindError          Kind = 1 // report an error message
	KindRegister       Kind = 2 // register a domain name
	KindFinishRegister Kind = 3 // end registration, start serving
	KindPayload        Kind = 4 // stream data
	KindClose          Kind = 5 // close a stream
	KindTerminate      Kind = 6 // terminate and drop the connection
	KindLogin          Kind = 7 // authentication token
)

// valid reports whether the kind byte is a known frame kind.
func (k Kind) valid() bool {
	return k <= KindLogin
}

// String returns a human-readable name for the frame kind.
func (k Kind) String() string {
	switch k {
	case KindOk:
		return "OK"
	case KindError:
		return "ERROR"
	case KindRegister:
		return "REGISTER"
	case KindFinishRegister:
		return "FINISH_REGISTER"
	case KindPayload:
		return "PAYLOAD"
	case KindClose:
		return "CLOSE"
	case KindTerminate:
		return "TERMINATE"
	case KindLogin:
		return "LOGIN"
	default:
		return "UNKNOWN"
	}
}

// FrameReader is the reading half of the framed channel. It owns the
// decryption cipher state and the payload buffer; the payload slice
// returned by Read is only valid until the next Read.
type FrameReader struct {
	buf    [MaxPayloadSize]byte
	cipher *chacha20.Cipher
}

// NewFrameReader creates a frame reader decrypting with the given key.
func NewFrameReader(key *SharedKey) (*FrameReader, error) {
	cipher, err := newCipher(key)
	if err != nil {
		return nil, err
	}
	return &FrameReader{cipher: cipher}, nil
}

// Read reads exactly one frame from the transport, decrypting header and
// payload in place. The returned payload is nil when the frame carries none.
func (fr *FrameReader) Read(r io.Reader) (Kind, uint32, []byte, error) {
	header := fr.buf[:HeaderSize]
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, 0, nil, err
	}
	fr.cipher.XORKeyStream(header, header)

	kind := Kind(header[0])
	if !kind.valid() {
		return 0, 0, nil, ErrInvalidHeader
	}
	id := binary.BigEndian.Uint32(header[1:5])
	size := binary.BigEndian.Uint16(header[5:7])

	if size == 0 {
		return kind, id, nil, nil
	}

	payload := fr.buf[:size]
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, 0, nil, err
	}
	fr.cipher.XORKeyStream(payload, payload)

	return kind, id, payload, nil
}

// FrameWriter is the writing half of the framed channel. It owns the
// encryption cipher state and a header scratch buffer. Writes are not
// safe for concurrent use; callers serialize through an enclosing mutex
// so whole frames stay contiguous on the transport.
type FrameWriter struct {
	header [HeaderSize]byte
	cipher *chacha20.Cipher
}

// NewFrameWriter creates a frame writer encrypting with the given key.
func NewFrameWriter(key *SharedKey) (*FrameWriter, error) {
	cipher, err := newCipher(key)
	if err != nil {
		return nil, err
	}
	return &FrameWriter{cipher: cipher}, nil
}

// Write writes one frame to the transport. The payload is encrypted in
// place, so the caller's buffer holds ciphertext after the call returns.
func (fw *FrameWriter) Write(w io.Writer, kind Kind, id uint32, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	fw.header[0] = byte(kind)
	binary.BigEndian.PutUint32(fw.header[1:5], id)
	binary.BigEndian.PutUint16(fw.header[5:7], uint16(len(payload)))

	fw.cipher.XORKeyStream(fw.header[:], fw.header[:])
	if _, err := w.Write(fw.header[:]); err != nil {
		return err
	}

	if len(payload) > 0 {
		fw.cipher.XORKeyStream(payload, payload)
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}

	return nil
}
