// Package gateway implements the public side of the tunnel: it accepts
// agent connections, runs the per-session state machine (handshake, login,
// registration) and multiplexes public clients over the agent channel.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/postalsys/diglett/internal/logging"
	"github.com/postalsys/diglett/internal/metrics"
	"github.com/postalsys/diglett/internal/recovery"
	"github.com/postalsys/diglett/internal/transport"
)

// Config contains gateway server settings.
type Config struct {
	// Listen is the address agents connect to.
	Listen string

	// Transport selects the agent link protocol.
	Transport transport.Config

	// Authenticator decides login and domain authorization. Defaults to
	// AllowAll.
	Authenticator Authenticator

	// Registrar publishes registered domains. Defaults to LogRegistrar.
	Registrar Registrar

	// Logger for logging.
	Logger *slog.Logger

	// Metrics for instrumentation. Defaults to the shared instance.
	Metrics *metrics.Metrics
}

// Server accepts agent connections and serves one session per agent.
// Sessions are independent; a failing session never affects another or the
// accept loop itself.
type Server struct {
	cfg       Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	auth      Authenticator
	registrar Registrar

	ln          net.Listener
	nextSession atomic.Uint64
}

// NewServer creates a gateway server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	auth := cfg.Authenticator
	if auth == nil {
		auth = AllowAll{}
	}
	registrar := cfg.Registrar
	if registrar == nil {
		registrar = &LogRegistrar{Logger: logger}
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}

	return &Server{
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		auth:      auth,
		registrar: registrar,
	}
}

// Run binds the agent listener and serves until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Listen binds the agent listener without serving yet.
func (s *Server) Listen() error {
	ln, err := transport.Listen(s.cfg.Listen, s.cfg.Transport)
	if err != nil {
		return err
	}
	s.ln = ln
	return nil
}

// Addr returns the bound agent listener address. Only valid after Listen.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts agents until the context is canceled. Per-session errors
// are logged, not returned; sessions are independent of each other and of
// the accept loop.
func (s *Server) Serve(ctx context.Context) error {
	ln := s.ln
	defer ln.Close()

	s.logger.Info("gateway listening",
		logging.KeyAddress, ln.Addr().String(),
		logging.KeyTransport, string(s.cfg.Transport.WithDefaults().Kind))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		sess := &session{
			id:        s.nextSession.Add(1),
			conn:      conn,
			logger:    s.logger,
			metrics:   s.metrics,
			auth:      s.auth,
			registrar: s.registrar,
		}

		s.metrics.SessionsTotal.Inc()
		s.metrics.SessionsActive.Inc()

		go func() {
			defer recovery.RecoverWithLog(s.logger, "gateway.session")
			defer s.metrics.SessionsActive.Dec()

			if err := sess.run(ctx); err != nil {
				s.logger.Error("session failed",
					logging.KeySession, sess.id,
					logging.KeyRemoteAddr, remoteAddr(conn),
					logging.KeyError, err)
			}
		}()
	}
}

// remoteAddr formats the peer address; WebSocket links may not expose one.
func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}
