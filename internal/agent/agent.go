// Package agent implements the private side of the tunnel: it dials the
// gateway, authenticates, registers a domain name, and then multiplexes
// gateway streams onto connections to the local backend service.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/postalsys/diglett/internal/logging"
	"github.com/postalsys/diglett/internal/metrics"
	"github.com/postalsys/diglett/internal/recovery"
	"github.com/postalsys/diglett/internal/transport"
	"github.com/postalsys/diglett/internal/wire"
)

// Config contains agent settings.
type Config struct {
	// Gateway is the address of the public gateway.
	Gateway string

	// Backend is the address of the local service to expose.
	Backend string

	// Name is the domain name to register.
	Name string

	// Token is the login token. May be empty.
	Token string

	// Transport selects the gateway link protocol.
	Transport transport.Config

	// Logger for logging.
	Logger *slog.Logger

	// Metrics for instrumentation. Defaults to the shared instance.
	Metrics *metrics.Metrics
}

// Agent exposes one backend through one gateway session.
type Agent struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates an agent.
func New(cfg Config) (*Agent, error) {
	if cfg.Gateway == "" {
		return nil, fmt.Errorf("gateway address is required")
	}
	if cfg.Backend == "" {
		return nil, fmt.Errorf("backend address is required")
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("domain name is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}

	return &Agent{cfg: cfg, logger: logger, metrics: m}, nil
}

// Run connects to the gateway, registers the domain, and serves until the
// gateway disconnects or the context is canceled.
func (a *Agent) Run(ctx context.Context) error {
	raw, err := transport.Dial(ctx, a.cfg.Gateway, a.cfg.Transport)
	if err != nil {
		return fmt.Errorf("connect to gateway: %w", err)
	}
	defer raw.Close()

	kp, err := wire.GenerateKeypair()
	if err != nil {
		return err
	}

	conn, err := wire.Client(raw, kp)
	if err != nil {
		return fmt.Errorf("gateway handshake: %w", err)
	}

	a.logger.Debug("handshake completed", logging.KeyGateway, a.cfg.Gateway)

	if err := a.login(conn); err != nil {
		return err
	}
	if err := a.register(conn); err != nil {
		return err
	}

	a.logger.Info("domain registered",
		logging.KeyDomain, a.cfg.Name,
		logging.KeyGateway, a.cfg.Gateway)

	// Unblock the serve loop when the context goes away.
	stop := context.AfterFunc(ctx, func() {
		raw.Close()
	})
	defer stop()

	return a.serve(ctx, conn)
}

// login sends the token and waits for the gateway's verdict.
func (a *Agent) login(conn *wire.Conn) error {
	if err := conn.Login(a.cfg.Token); err != nil {
		return err
	}
	msg, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	if err := msg.OkOrErr(); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	return nil
}

// register claims the domain name. One name per agent for now; the
// registration id is carried on the wire for multi-name futures.
func (a *Agent) register(conn *wire.Conn) error {
	if err := conn.Register(wire.Registration(0), a.cfg.Name); err != nil {
		return err
	}
	msg, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	if err := msg.OkOrErr(); err != nil {
		return fmt.Errorf("register %q: %w", a.cfg.Name, err)
	}

	return conn.FinishRegister()
}

// serve reads messages from the gateway and routes payloads to backend
// connections, opening one lazily per stream.
func (a *Agent) serve(ctx context.Context, conn *wire.Conn) error {
	reader, writerHalf := conn.Split()
	writer := wire.NewSharedWriter(writerHalf)
	backends := newBackendTable()

	// Dropping the table closes every backend and stops its pump.
	defer backends.clear()

	for {
		msg, err := reader.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.logger.Debug("gateway disconnected", logging.KeyError, err)
			return nil
		}

		switch msg.Kind {
		case wire.KindPayload:
			a.handlePayload(ctx, msg, writer, backends)

		case wire.KindClose:
			backends.remove(msg.Stream)
			a.metrics.StreamsClosed.Inc()

		default:
			a.logger.Debug("received unexpected message",
				logging.KeyKind, msg.Kind.String())
		}
	}
}

// handlePayload writes the payload to the stream's backend connection,
// opening it first if this is the stream's first payload.
func (a *Agent) handlePayload(ctx context.Context, msg wire.Message, writer *wire.SharedWriter, backends *backendTable) {
	backends.mu.Lock()

	b, ok := backends.entries[msg.Stream]
	if !ok {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", a.cfg.Backend)
		if err != nil {
			backends.mu.Unlock()
			a.logger.Error("failed to establish connection to backend",
				logging.KeyBackend, a.cfg.Backend,
				logging.KeyStream, msg.Stream,
				logging.KeyError, err)
			writer.CloseStream(msg.Stream)
			return
		}

		b = &backend{conn: conn}
		backends.entries[msg.Stream] = b

		a.metrics.StreamsOpened.Inc()
		a.metrics.StreamsActive.Inc()

		id := msg.Stream
		go func() {
			defer recovery.RecoverWithLog(a.logger, "agent.upstream")
			defer a.metrics.StreamsActive.Dec()
			a.upstream(id, conn, writer, backends)
		}()
	}

	if _, err := b.conn.Write(msg.Data); err != nil {
		delete(backends.entries, msg.Stream)
		b.conn.Close()
		backends.mu.Unlock()

		a.logger.Error("failed to write data to backend",
			logging.KeyStream, msg.Stream,
			logging.KeyError, err)
		writer.CloseStream(msg.Stream)
		return
	}

	a.metrics.BytesForwarded.WithLabelValues(metrics.DirectionDown).Add(float64(len(msg.Data)))
	backends.mu.Unlock()
}

// upstream pumps one backend connection into the gateway channel. On exit
// it tells the gateway to close the stream and removes the table entry.
func (a *Agent) upstream(id wire.Stream, conn net.Conn, writer *wire.SharedWriter, backends *backendTable) {
	buf := make([]byte, wire.MaxPayloadSize)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			written, werr := writer.WriteAll(id, buf[:n])
			a.metrics.BytesForwarded.WithLabelValues(metrics.DirectionUp).Add(float64(written))
			if werr != nil {
				a.logger.Error("failed to forward data upstream",
					logging.KeyStream, id,
					logging.KeyError, werr)
				break
			}
		}
		if err != nil {
			break
		}
	}

	writer.CloseStream(id)
	backends.remove(id)
}

// backend is one connection to the local service. The table owns the conn;
// removing the entry closes it, which unblocks the pump.
type backend struct {
	conn net.Conn
}

// backendTable maps streams to backend connections. The serve loop and
// every pump share it under one mutex.
type backendTable struct {
	mu      sync.Mutex
	entries map[wire.Stream]*backend
}

func newBackendTable() *backendTable {
	return &backendTable{entries: make(map[wire.Stream]*backend)}
}

// remove deletes the entry and closes its connection. Concurrent removals
// of the same stream are idempotent.
func (t *backendTable) remove(id wire.Stream) {
	t.mu.Lock()
	b, ok := t.entries[id]
	delete(t.entries, id)
	t.mu.Unlock()

	if ok {
		b.conn.Close()
	}
}

// clear closes every connection and empties the table.
func (t *backendTable) clear() {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[wire.Stream]*backend)
	t.mu.Unlock()

	for _, b := range entries {
		b.conn.Close()
	}
}
