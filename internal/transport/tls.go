package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
)

// dialTLS connects to the gateway with TLS on top of TCP.
func dialTLS(ctx context.Context, addr string, cfg Config) (net.Conn, error) {
	tlsCfg, err := clientTLSConfig(cfg.TLS, addr)
	if err != nil {
		return nil, err
	}

	d := &tls.Dialer{Config: tlsCfg}
	return d.DialContext(ctx, "tcp", addr)
}

// listenTLS accepts TLS connections from agents.
func listenTLS(addr string, cfg Config) (net.Listener, error) {
	tlsCfg, err := serverTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", addr, tlsCfg)
}

// clientTLSConfig builds the dialing side TLS configuration.
func clientTLSConfig(cfg TLSConfig, addr string) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: cfg.Insecure,
		ServerName:         cfg.ServerName,
	}

	if tlsCfg.ServerName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err == nil {
			tlsCfg.ServerName = host
		}
	}

	if cfg.CA != "" {
		pem, err := os.ReadFile(cfg.CA)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CA)
		}
		tlsCfg.RootCAs = pool
	}

	if cfg.Cert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.Cert, cfg.Key)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return tlsCfg, nil
}

// serverTLSConfig builds the listening side TLS configuration.
func serverTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	if cfg.Cert == "" || cfg.Key == "" {
		return nil, fmt.Errorf("tls listener requires cert and key")
	}

	cert, err := tls.LoadX509KeyPair(cfg.Cert, cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if cfg.CA != "" {
		pem, err := os.ReadFile(cfg.CA)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CA)
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return tlsCfg, nil
}
