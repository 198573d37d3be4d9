package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/postalsys/diglett/internal/logging"
	"github.com/postalsys/diglett/internal/metrics"
	"github.com/postalsys/diglett/internal/recovery"
	"github.com/postalsys/diglett/internal/wire"
)

// errSessionEnded marks a policy rejection that was already reported to the
// agent as an error frame. The session ends cleanly; it is not a transport
// failure.
var errSessionEnded = errors.New("session ended")

// registration is the (id, name) pair recorded when the agent registered a
// domain.
type registration struct {
	id   wire.Registration
	name string
}

// session drives one agent connection through its lifecycle:
// handshake, login, registration, serving, cleanup.
type session struct {
	id        uint64
	conn      net.Conn
	logger    *slog.Logger
	metrics   *metrics.Metrics
	auth      Authenticator
	registrar Registrar

	bytesUp   atomic.Uint64 // agent -> public clients
	bytesDown atomic.Uint64 // public clients -> agent
}

func (s *session) run(ctx context.Context) error {
	defer s.conn.Close()

	kp, err := wire.GenerateKeypair()
	if err != nil {
		return err
	}

	conn, err := wire.Server(s.conn, kp)
	if err != nil {
		s.metrics.HandshakeErrors.WithLabelValues(handshakeErrorReason(err)).Inc()
		return err
	}

	s.logger.Debug("agent handshake completed",
		logging.KeySession, s.id,
		logging.KeyRemoteAddr, remoteAddr(s.conn))

	user, err := s.login(ctx, conn)
	if err != nil {
		return sessionResult(err)
	}

	reg, err := s.register(ctx, conn, user)
	if err != nil {
		return sessionResult(err)
	}

	return s.serve(ctx, conn, reg)
}

// sessionResult maps the graceful-end sentinel to a clean return.
func sessionResult(err error) error {
	if errors.Is(err, errSessionEnded) {
		return nil
	}
	return err
}

// login reads the Login message and consults the authenticator. Any policy
// rejection is reported to the agent before the session ends.
func (s *session) login(ctx context.Context, conn *wire.Conn) (*User, error) {
	msg, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	if msg.Kind != wire.KindLogin {
		conn.Error("unexpected message")
		return nil, wire.ErrUnexpectedMessage
	}

	user, err := s.auth.Authenticate(ctx, msg.Text)
	if err != nil {
		s.metrics.AuthFailures.Inc()
		s.logger.Info("agent login rejected",
			logging.KeySession, s.id,
			logging.KeyError, err)
		conn.Error(err.Error())
		return nil, errSessionEnded
	}

	if err := conn.Ok(); err != nil {
		return nil, err
	}
	return user, nil
}

// register runs the registration phase: Register messages until
// FinishRegister. Exactly one registration must be recorded.
func (s *session) register(ctx context.Context, conn *wire.Conn, user *User) (*registration, error) {
	var reg *registration

loop:
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}

		switch msg.Kind {
		case wire.KindRegister:
			if reg != nil {
				conn.Error("only one name registration is allowed")
				return nil, errSessionEnded
			}

			ok, err := s.auth.Authorize(ctx, user.ID, msg.Name)
			if err != nil {
				conn.Error(err.Error())
				return nil, errSessionEnded
			}
			if !ok {
				conn.Error("not authorized to use this domain")
				return nil, errSessionEnded
			}

			reg = &registration{id: msg.Registration, name: msg.Name}
			s.logger.Debug("domain registered",
				logging.KeySession, s.id,
				logging.KeyDomain, msg.Name)
			if err := conn.Ok(); err != nil {
				return nil, err
			}

		case wire.KindFinishRegister:
			break loop

		default:
			conn.Error("unexpected message")
			return nil, wire.ErrUnexpectedMessage
		}
	}

	if reg == nil {
		conn.Error("missing name registration")
		return nil, errSessionEnded
	}

	return reg, nil
}

// serve binds the public listener, publishes the domain, and runs the two
// directions: the upstream demux and one downstream pump per accepted
// public client.
func (s *session) serve(ctx context.Context, conn *wire.Conn, reg *registration) error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	defer ln.Close()

	port := uint16(ln.Addr().(*net.TCPAddr).Port)

	handle, err := s.registrar.Register(ctx, reg.name, port)
	if err != nil {
		return err
	}
	defer handle.Close()

	s.metrics.RegistrationsTotal.Inc()
	s.metrics.RegistrationsActive.Inc()
	defer s.metrics.RegistrationsActive.Dec()

	s.logger.Info("serving domain",
		logging.KeySession, s.id,
		logging.KeyDomain, reg.name,
		logging.KeyPort, port)

	agentReader, agentWriter := conn.Split()
	writer := wire.NewSharedWriter(agentWriter)

	clients := newClientTable()
	done := make(chan struct{})

	go func() {
		defer recovery.RecoverWithLog(s.logger, "gateway.demux")
		defer close(done)
		s.demux(agentReader, clients)
	}()

	// Unblock Accept when the agent disconnects or the server shuts down.
	go func() {
		select {
		case <-done:
		case <-ctx.Done():
		}
		ln.Close()
	}()

	for {
		accepted, err := ln.Accept()
		if err != nil {
			break
		}

		id := wire.NewStream(reg.id, uint16(accepted.RemoteAddr().(*net.TCPAddr).Port))

		s.metrics.StreamsOpened.Inc()
		s.metrics.StreamsActive.Inc()

		// The pump may not observe the table before this entry is in it:
		// the spawn happens inside the same critical section as the
		// insert.
		clients.mu.Lock()
		clients.entries[id] = &client{conn: accepted}
		go func() {
			defer recovery.RecoverWithLog(s.logger, "gateway.downstream")
			defer s.metrics.StreamsActive.Dec()
			s.downstream(id, accepted, writer, clients)
		}()
		clients.mu.Unlock()
	}

	// Dropping the table closes every public client and stops its pump.
	clients.clear()

	s.logger.Info("session closed",
		logging.KeySession, s.id,
		logging.KeyDomain, reg.name,
		"bytes_up", humanize.Bytes(s.bytesUp.Load()),
		"bytes_down", humanize.Bytes(s.bytesDown.Load()))

	return nil
}

// demux dispatches messages read from the agent to the public client
// sockets. It returns when the agent channel errors out, hits EOF, or
// announces termination.
func (s *session) demux(reader *wire.ReadHalf, clients *clientTable) {
	for {
		msg, err := reader.ReadMessage()
		if err != nil {
			s.logger.Debug("agent disconnected",
				logging.KeySession, s.id,
				logging.KeyError, err)
			return
		}

		switch msg.Kind {
		case wire.KindPayload:
			// Present-in-table implies the pump exists; the write happens
			// under the table lock so removal cannot race it.
			clients.mu.Lock()
			cl, ok := clients.entries[msg.Stream]
			if ok {
				if _, err := cl.conn.Write(msg.Data); err != nil {
					if !isDisconnect(err) {
						s.logger.Error("failed to forward traffic to client",
							logging.KeySession, s.id,
							logging.KeyStream, msg.Stream,
							logging.KeyError, err)
					}
					delete(clients.entries, msg.Stream)
					cl.conn.Close()
				} else {
					s.bytesUp.Add(uint64(len(msg.Data)))
					s.metrics.BytesForwarded.WithLabelValues(metrics.DirectionUp).Add(float64(len(msg.Data)))
				}
			}
			clients.mu.Unlock()

		case wire.KindClose:
			clients.remove(msg.Stream)
			s.metrics.StreamsClosed.Inc()

		case wire.KindTerminate:
			return

		default:
			s.logger.Debug("received unexpected message",
				logging.KeySession, s.id,
				logging.KeyKind, msg.Kind.String())
		}
	}
}

// downstream pumps one public client into the agent channel. On exit it
// removes the table entry and tells the agent to close the stream.
func (s *session) downstream(id wire.Stream, conn net.Conn, writer *wire.SharedWriter, clients *clientTable) {
	buf := make([]byte, wire.MaxPayloadSize)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			written, werr := writer.WriteAll(id, buf[:n])
			s.bytesDown.Add(uint64(written))
			s.metrics.BytesForwarded.WithLabelValues(metrics.DirectionDown).Add(float64(written))
			if werr != nil {
				// Agent channel is gone; session teardown cleans up.
				break
			}
		}
		if err != nil {
			break
		}
	}

	clients.remove(id)
	writer.CloseStream(id)
}

// client is one public connection. The table owns the conn; removing the
// entry closes it, which unblocks the pump.
type client struct {
	conn net.Conn
}

// clientTable maps streams to their public client connections. The demux
// loop and every pump share it under one mutex.
type clientTable struct {
	mu      sync.Mutex
	entries map[wire.Stream]*client
}

func newClientTable() *clientTable {
	return &clientTable{entries: make(map[wire.Stream]*client)}
}

// remove deletes the entry and closes its connection. Concurrent removals
// of the same stream are idempotent.
func (t *clientTable) remove(id wire.Stream) {
	t.mu.Lock()
	cl, ok := t.entries[id]
	delete(t.entries, id)
	t.mu.Unlock()

	if ok {
		cl.conn.Close()
	}
}

// clear closes every connection and empties the table.
func (t *clientTable) clear() {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[wire.Stream]*client)
	t.mu.Unlock()

	for _, cl := range entries {
		cl.conn.Close()
	}
}

// len reports the number of live entries.
func (t *clientTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// isDisconnect reports whether the error is an ordinary peer disconnect
// rather than something worth logging.
func isDisconnect(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed)
}

// handshakeErrorReason buckets handshake failures for metrics.
func handshakeErrorReason(err error) string {
	var versionErr *wire.InvalidVersionError
	switch {
	case errors.Is(err, wire.ErrInvalidMagic):
		return "magic"
	case errors.As(err, &versionErr):
		return "version"
	case errors.Is(err, wire.ErrInvalidPublicKey):
		return "key"
	default:
		return "io"
	}
}
