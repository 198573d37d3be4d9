package agent

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/postalsys/diglett/internal/metrics"
	"github.com/postalsys/diglett/internal/wire"
	"github.com/prometheus/client_golang/prometheus"
)

func testMetrics() *metrics.Metrics {
	return metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
}

// scriptedGateway accepts one agent connection, answers the login and
// registration exchange, and hands the live wire connection to the script.
func scriptedGateway(t *testing.T, script func(conn *wire.Conn)) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		sock, err := ln.Accept()
		if err != nil {
			return
		}
		defer sock.Close()

		kp, err := wire.GenerateKeypair()
		if err != nil {
			return
		}
		conn, err := wire.Server(sock, kp)
		if err != nil {
			return
		}

		// Login
		msg, err := conn.ReadMessage()
		if err != nil || msg.Kind != wire.KindLogin {
			return
		}
		conn.Ok()

		// Registration
		msg, err = conn.ReadMessage()
		if err != nil || msg.Kind != wire.KindRegister {
			return
		}
		conn.Ok()

		msg, err = conn.ReadMessage()
		if err != nil || msg.Kind != wire.KindFinishRegister {
			return
		}

		script(conn)
	}()

	return ln.Addr().String()
}

func startEchoBackend(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()

	return ln.Addr().String()
}

func runAgent(t *testing.T, gatewayAddr, backendAddr string) (context.CancelFunc, chan error) {
	t.Helper()

	a, err := New(Config{
		Gateway: gatewayAddr,
		Backend: backendAddr,
		Name:    "svc",
		Metrics: testMetrics(),
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan error, 1)
	go func() {
		done <- a.Run(ctx)
	}()

	return cancel, done
}

// A payload for an unknown stream opens a backend connection; the backend's
// response comes back as a payload for the same stream.
func TestPayloadOpensBackendAndEchoes(t *testing.T) {
	backend := startEchoBackend(t)

	result := make(chan wire.Message, 1)
	gateway := scriptedGateway(t, func(conn *wire.Conn) {
		id := wire.NewStream(0, 9000)
		if _, err := conn.WriteStream(id, []byte("hello backend")); err != nil {
			return
		}
		msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		result <- msg
	})

	runAgent(t, gateway, backend)

	select {
	case msg := <-result:
		if msg.Kind != wire.KindPayload {
			t.Fatalf("expected payload, got %s", msg.Kind)
		}
		if msg.Stream != wire.NewStream(0, 9000) {
			t.Fatalf("payload for wrong stream: %s", msg.Stream)
		}
		if string(msg.Data) != "hello backend" {
			t.Fatalf("echo mismatch: %q", msg.Data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no echo from the backend")
	}
}

// When the backend cannot be reached, the agent answers with a close frame
// for the stream instead of failing the session.
func TestUnreachableBackendSendsClose(t *testing.T) {
	// Grab a port that nothing listens on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadAddr := ln.Addr().String()
	ln.Close()

	result := make(chan wire.Message, 1)
	gateway := scriptedGateway(t, func(conn *wire.Conn) {
		id := wire.NewStream(0, 9001)
		if _, err := conn.WriteStream(id, []byte("anyone there?")); err != nil {
			return
		}
		msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		result <- msg
	})

	runAgent(t, gateway, deadAddr)

	select {
	case msg := <-result:
		if msg.Kind != wire.KindClose {
			t.Fatalf("expected close, got %s", msg.Kind)
		}
		if msg.Stream != wire.NewStream(0, 9001) {
			t.Fatalf("close for wrong stream: %s", msg.Stream)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no close frame from the agent")
	}
}

// A close from the gateway tears down the backend connection; the agent
// answers the pump's exit with its own close frame.
func TestCloseFromGatewayClosesBackend(t *testing.T) {
	backendConns := make(chan net.Conn, 1)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		backendConns <- conn
	}()

	closed := make(chan struct{})
	gateway := scriptedGateway(t, func(conn *wire.Conn) {
		id := wire.NewStream(0, 9002)
		if _, err := conn.WriteStream(id, []byte("open up")); err != nil {
			return
		}
		if err := conn.CloseStream(id); err != nil {
			return
		}
		// Drain until the agent has nothing more to say.
		for {
			if _, err := conn.ReadMessage(); err != nil {
				close(closed)
				return
			}
		}
	})

	runAgent(t, gateway, ln.Addr().String())

	var backendConn net.Conn
	select {
	case backendConn = <-backendConns:
	case <-time.After(5 * time.Second):
		t.Fatal("backend never saw a connection")
	}

	backendConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 16)
	n, _ := backendConn.Read(buf)
	if string(buf[:n]) != "open up" {
		t.Fatalf("backend read %q", buf[:n])
	}

	// The close must propagate to the backend socket as EOF.
	backendConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := backendConn.Read(buf); err == nil {
		t.Fatal("expected backend connection to be closed")
	}
}

// The agent exits cleanly when the gateway goes away.
func TestGatewayDisconnectEndsRun(t *testing.T) {
	backend := startEchoBackend(t)

	gateway := scriptedGateway(t, func(conn *wire.Conn) {
		conn.Close()
	})

	_, done := runAgent(t, gateway, backend)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean exit, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not exit after gateway disconnect")
	}
}

// A login rejection surfaces as a remote error from Run.
func TestLoginRejectionSurfaces(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		sock, err := ln.Accept()
		if err != nil {
			return
		}
		defer sock.Close()

		kp, _ := wire.GenerateKeypair()
		conn, err := wire.Server(sock, kp)
		if err != nil {
			return
		}
		if msg, err := conn.ReadMessage(); err != nil || msg.Kind != wire.KindLogin {
			return
		}
		conn.Error("invalid token")
	}()

	a, err := New(Config{
		Gateway: ln.Addr().String(),
		Backend: "127.0.0.1:1",
		Name:    "svc",
		Token:   "fail",
		Metrics: testMetrics(),
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := a.Run(context.Background()); err == nil {
		t.Fatal("expected login error")
	}
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing gateway", Config{Backend: "b", Name: "n"}},
		{"missing backend", Config{Gateway: "g", Name: "n"}},
		{"missing name", Config{Gateway: "g", Backend: "b"}},
	}

	for _, tt := range tests {
		if _, err := New(tt.cfg); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}
