package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// WebSocket link constants.
const (
	wsReadLimit = 16 * 1024 * 1024 // 16 MB max message size
	wsProtocol  = "diglett/1"
)

// dialWebSocket connects to the gateway's WebSocket endpoint and adapts the
// connection to a net.Conn carrying binary messages.
func dialWebSocket(ctx context.Context, addr string, cfg Config) (net.Conn, error) {
	wsURL := webSocketURL(addr, cfg.Path)

	opts := &websocket.DialOptions{
		Subprotocols: []string{wsProtocol},
	}

	if strings.HasPrefix(wsURL, "wss://") {
		tlsCfg, err := clientTLSConfig(cfg.TLS, addr)
		if err != nil {
			return nil, err
		}
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
		}
	}

	c, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	c.SetReadLimit(wsReadLimit)

	// The NetConn context outlives the dial; the tunnel closes the conn
	// explicitly.
	return websocket.NetConn(context.Background(), c, websocket.MessageBinary), nil
}

// webSocketURL derives the endpoint URL from a host:port address.
func webSocketURL(addr, path string) string {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return addr
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "ws://" + addr + path
}

// wsListener adapts a WebSocket HTTP endpoint to net.Listener. Upgraded
// connections are handed to Accept through a channel.
type wsListener struct {
	ln     net.Listener
	server *http.Server

	connCh    chan net.Conn
	closeCh   chan struct{}
	closeOnce sync.Once
}

// listenWebSocket serves the WebSocket upgrade endpoint and returns a
// net.Listener of adapted connections.
func listenWebSocket(addr string, cfg Config) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	l := &wsListener{
		ln:      ln,
		connCh:  make(chan net.Conn, 16),
		closeCh: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, l.handleUpgrade)
	l.server = &http.Server{Handler: mux}

	var tlsCfg *tls.Config
	if cfg.TLS.Cert != "" {
		tlsCfg, err = serverTLSConfig(cfg.TLS)
		if err != nil {
			ln.Close()
			return nil, err
		}
		l.server.TLSConfig = tlsCfg
	}

	go func() {
		if tlsCfg != nil {
			l.server.ServeTLS(ln, "", "")
		} else {
			l.server.Serve(ln)
		}
	}()

	return l, nil
}

// handleUpgrade accepts a WebSocket connection and queues it for Accept.
func (l *wsListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	select {
	case <-l.closeCh:
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	default:
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsProtocol},
	})
	if err != nil {
		return
	}
	c.SetReadLimit(wsReadLimit)

	nc := websocket.NetConn(context.Background(), c, websocket.MessageBinary)

	select {
	case l.connCh <- nc:
	case <-l.closeCh:
		c.Close(websocket.StatusGoingAway, "server closed")
	}
}

// Accept waits for the next upgraded connection.
func (l *wsListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.connCh:
		return conn, nil
	case <-l.closeCh:
		return nil, net.ErrClosed
	}
}

// Addr returns the listening address.
func (l *wsListener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops the HTTP server and the underlying listener.
func (l *wsListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closeCh)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = l.server.Shutdown(ctx)
	})
	return err
}
