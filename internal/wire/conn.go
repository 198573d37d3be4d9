package wire

import (
	"net"
	"sync"
)

// Message is a decoded frame. Which fields are meaningful depends on Kind:
//
//	Ok, FinishRegister, Terminate  - none
//	Error                          - Text (error message)
//	Login                          - Text (token)
//	Register                       - Registration, Name
//	Close                          - Stream
//	Payload                        - Stream, Data
type Message struct {
	Kind         Kind
	Stream       Stream
	Registration Registration
	Name         string
	Text         string
	Data         []byte
}

// OkOrErr interprets the message as the answer to a request: Ok is nil,
// Error surfaces as a RemoteError, anything else is ErrUnexpectedMessage.
func (m Message) OkOrErr() error {
	switch m.Kind {
	case KindOk:
		return nil
	case KindError:
		return &RemoteError{Msg: m.Text}
	default:
		return ErrUnexpectedMessage
	}
}

// ReadHalf is the reading side of an encrypted connection. It owns the
// decryption state and can be moved to its own goroutine independently of
// the write half.
type ReadHalf struct {
	conn net.Conn
	fr   *FrameReader
}

// ReadMessage decodes the next frame into a typed message. Payload data is
// copied out of the frame buffer, so the message owns its bytes.
func (h *ReadHalf) ReadMessage() (Message, error) {
	kind, id, payload, err := h.fr.Read(h.conn)
	if err != nil {
		return Message{}, err
	}

	msg := Message{Kind: kind}
	switch kind {
	case KindError, KindLogin:
		msg.Text = string(payload)
	case KindRegister:
		msg.Registration = Registration(id)
		msg.Name = string(payload)
	case KindClose:
		msg.Stream = Stream(id)
	case KindPayload:
		msg.Stream = Stream(id)
		msg.Data = append([]byte(nil), payload...)
	}

	return msg, nil
}

// WriteHalf is the writing side of an encrypted connection. It owns the
// encryption state. Methods are not safe for concurrent use; share a half
// across goroutines through a SharedWriter.
type WriteHalf struct {
	conn net.Conn
	fw   *FrameWriter
}

// Ok sends an acknowledge frame.
func (h *WriteHalf) Ok() error {
	return h.fw.Write(h.conn, KindOk, 0, nil)
}

// Error sends an error frame carrying the message.
func (h *WriteHalf) Error(msg string) error {
	return h.fw.Write(h.conn, KindError, 0, []byte(msg))
}

// Login sends the authentication token.
func (h *WriteHalf) Login(token string) error {
	return h.fw.Write(h.conn, KindLogin, 0, []byte(token))
}

// Register asks the gateway to register a domain name under the
// registration id.
func (h *WriteHalf) Register(id Registration, name string) error {
	return h.fw.Write(h.conn, KindRegister, uint32(id), []byte(name))
}

// FinishRegister tells the gateway all registrations have been provided.
func (h *WriteHalf) FinishRegister() error {
	return h.fw.Write(h.conn, KindFinishRegister, 0, nil)
}

// CloseStream closes one multiplexed stream.
func (h *WriteHalf) CloseStream(id Stream) error {
	return h.fw.Write(h.conn, KindClose, uint32(id), nil)
}

// Terminate announces the connection is going away.
func (h *WriteHalf) Terminate() error {
	return h.fw.Write(h.conn, KindTerminate, 0, nil)
}

// WriteStream emits one payload frame for the stream and returns the number
// of bytes consumed. Data beyond MaxPayloadSize is left for the caller to
// write in a following call. The consumed bytes are encrypted in place.
func (h *WriteHalf) WriteStream(id Stream, data []byte) (int, error) {
	if len(data) > MaxPayloadSize {
		data = data[:MaxPayloadSize]
	}
	if err := h.fw.Write(h.conn, KindPayload, uint32(id), data); err != nil {
		return 0, err
	}
	return len(data), nil
}

// Conn is an encrypted, framed duplex connection produced by the Client or
// Server handshake. It can be used directly or split into independently
// owned halves.
type Conn struct {
	conn net.Conn
	rd   ReadHalf
	wr   WriteHalf
}

func newConn(conn net.Conn, key *SharedKey) (*Conn, error) {
	fr, err := NewFrameReader(key)
	if err != nil {
		return nil, err
	}
	fw, err := NewFrameWriter(key)
	if err != nil {
		return nil, err
	}
	return &Conn{
		conn: conn,
		rd:   ReadHalf{conn: conn, fr: fr},
		wr:   WriteHalf{conn: conn, fw: fw},
	}, nil
}

// Split separates the connection into its read and write halves. The Conn
// must not be used directly afterwards.
func (c *Conn) Split() (*ReadHalf, *WriteHalf) {
	return &c.rd, &c.wr
}

// Close closes the underlying transport.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// ReadMessage decodes the next frame into a typed message.
func (c *Conn) ReadMessage() (Message, error) { return c.rd.ReadMessage() }

// Ok sends an acknowledge frame.
func (c *Conn) Ok() error { return c.wr.Ok() }

// Error sends an error frame carrying the message.
func (c *Conn) Error(msg string) error { return c.wr.Error(msg) }

// Login sends the authentication token.
func (c *Conn) Login(token string) error { return c.wr.Login(token) }

// Register asks the gateway to register a domain name.
func (c *Conn) Register(id Registration, name string) error { return c.wr.Register(id, name) }

// FinishRegister tells the gateway all registrations have been provided.
func (c *Conn) FinishRegister() error { return c.wr.FinishRegister() }

// CloseStream closes one multiplexed stream.
func (c *Conn) CloseStream(id Stream) error { return c.wr.CloseStream(id) }

// WriteStream emits one payload frame and returns the bytes consumed.
func (c *Conn) WriteStream(id Stream, data []byte) (int, error) { return c.wr.WriteStream(id, data) }

// SharedWriter serializes frame writes from many goroutines over a single
// write half, keeping whole frames contiguous. The lock is taken per frame
// so concurrent writers interleave at frame granularity.
type SharedWriter struct {
	mu sync.Mutex
	w  *WriteHalf
}

// NewSharedWriter wraps a write half for concurrent use.
func NewSharedWriter(w *WriteHalf) *SharedWriter {
	return &SharedWriter{w: w}
}

// WriteAll writes the whole buffer as a sequence of payload frames and
// returns the total bytes written.
func (s *SharedWriter) WriteAll(id Stream, data []byte) (int, error) {
	var total int
	for len(data) > 0 {
		s.mu.Lock()
		n, err := s.w.WriteStream(id, data)
		s.mu.Unlock()
		if err != nil {
			return total, err
		}
		total += n
		data = data[n:]
	}
	return total, nil
}

// CloseStream sends a close frame for the stream.
func (s *SharedWriter) CloseStream(id Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.CloseStream(id)
}

// Error sends an error frame carrying the message.
func (s *SharedWriter) Error(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Error(msg)
}
