// Package transport provides the cleartext HTTP/2 plumbing of the control
// plane: an h2c server wrapper and a prior-knowledge client.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// H2CHandler serves h, accepting HTTP/2 without TLS as well as HTTP/1.1.
func H2CHandler(h http.Handler) http.Handler {
	return h2c.NewHandler(h, &http2.Server{
		IdleTimeout: 2 * time.Minute,
	})
}

// NewServer builds an http.Server for addr serving h over h2c.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           H2CHandler(h),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// BuildHTTP2Client creates a client speaking HTTP/2 with prior knowledge over
// plain TCP.
func BuildHTTP2Client(timeout time.Duration) (*http.Client, error) {
	if timeout < 0 {
		return nil, fmt.Errorf("timeout must not be negative")
	}

	dialer := &net.Dialer{Timeout: 5 * time.Second}
	transport := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}, nil
}
