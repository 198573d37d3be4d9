// Package transport provides the network link between agent and gateway.
//
// The tunnel protocol multiplexes its own streams over one ordered byte
// stream, so every link kind here boils down to dialing or accepting a
// net.Conn: plain TCP, TLS, or a WebSocket carrying binary messages.
package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Kind identifies the link protocol.
type Kind string

const (
	KindTCP       Kind = "tcp"
	KindTLS       Kind = "tls"
	KindWebSocket Kind = "ws"
)

// Config selects and tunes the link between agent and gateway.
type Config struct {
	// Kind is the link protocol: tcp (default), tls or ws.
	Kind Kind `yaml:"kind"`

	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// TLS settings, used by the tls kind and by ws over wss.
	TLS TLSConfig `yaml:"tls"`

	// Path is the HTTP path for the WebSocket endpoint.
	Path string `yaml:"path"`
}

// TLSConfig carries certificate material for the tls link kind.
type TLSConfig struct {
	// CA certificate file for verifying the peer.
	CA string `yaml:"ca"`

	// Cert and Key are the endpoint's certificate and private key files.
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`

	// ServerName overrides the name verified against the gateway
	// certificate.
	ServerName string `yaml:"server_name"`

	// Insecure skips certificate verification. Development only.
	Insecure bool `yaml:"insecure"`
}

const (
	defaultDialTimeout = 30 * time.Second
	defaultWSPath      = "/tunnel"
)

// WithDefaults returns the config with unset fields filled in.
func (c Config) WithDefaults() Config {
	if c.Kind == "" {
		c.Kind = KindTCP
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.Path == "" {
		c.Path = defaultWSPath
	}
	return c
}

// Validate checks the config for unusable combinations.
func (c Config) Validate() error {
	switch c.Kind {
	case "", KindTCP, KindTLS, KindWebSocket:
	default:
		return fmt.Errorf("unknown transport kind: %q", c.Kind)
	}
	if c.Kind == KindTLS && c.TLS.Cert != "" && c.TLS.Key == "" {
		return fmt.Errorf("tls cert configured without key")
	}
	return nil
}

// Dial connects to a gateway over the configured link.
func Dial(ctx context.Context, addr string, cfg Config) (net.Conn, error) {
	cfg = cfg.WithDefaults()
	ctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	switch cfg.Kind {
	case KindTCP:
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	case KindTLS:
		return dialTLS(ctx, addr, cfg)
	case KindWebSocket:
		return dialWebSocket(ctx, addr, cfg)
	default:
		return nil, fmt.Errorf("unknown transport kind: %q", cfg.Kind)
	}
}

// Listen accepts agent links on the configured address.
func Listen(addr string, cfg Config) (net.Listener, error) {
	cfg = cfg.WithDefaults()

	switch cfg.Kind {
	case KindTCP:
		return net.Listen("tcp", addr)
	case KindTLS:
		return listenTLS(addr, cfg)
	case KindWebSocket:
		return listenWebSocket(addr, cfg)
	default:
		return nil, fmt.Errorf("unknown transport kind: %q", cfg.Kind)
	}
}
