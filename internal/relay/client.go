// Package relay implements the default relay capability: a client that
// asks a relay broker to provision or tear down relay endpoints for
// nodes without direct connectivity.
package relay

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// ALPNProtocol identifies the broker protocol during TLS negotiation.
const ALPNProtocol = "muster-relay"

// Default client tuning values.
const (
	DefaultDialTimeout = 10 * time.Second
)

// request is one broker operation.
type request struct {
	Op       string `json:"op"` // "create" or "destroy"
	Node     string `json:"node,omitempty"`
	Scope    string `json:"scope,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
}

// response is the broker's answer.
type response struct {
	Endpoint string `json:"endpoint,omitempty"`
	Error    string `json:"error,omitempty"`
}

// dialFunc opens one short-lived broker session.
type dialFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// ClientConfig contains broker client settings.
type ClientConfig struct {
	// Transport selects the broker transport: "quic" or "ws".
	Transport string

	// BrokerAddr is the broker address: host:port for quic, a ws(s)
	// URL or host:port for ws.
	BrokerAddr string

	// TLS configures the broker connection; nil uses sane defaults
	// with system roots.
	TLS *tls.Config

	// DialTimeout bounds one broker dial.
	DialTimeout time.Duration
}

// Client requests relay endpoints from a broker. Each operation uses a
// short-lived session, so the client holds no connection state.
type Client struct {
	dial dialFunc
}

// NewClient creates a broker client for the configured transport.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BrokerAddr == "" {
		return nil, fmt.Errorf("relay: broker address required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}

	switch strings.ToLower(cfg.Transport) {
	case "quic", "":
		return &Client{dial: quicDialer(cfg)}, nil
	case "ws":
		return &Client{dial: wsDialer(cfg)}, nil
	default:
		return nil, fmt.Errorf("relay: unknown transport %q", cfg.Transport)
	}
}

// Create asks the broker for a relay endpoint scoped to the node's
// network/region. May take seconds while the broker provisions.
func (c *Client) Create(ctx context.Context, node, scope string) (string, error) {
	resp, err := c.roundTrip(ctx, request{Op: "create", Node: node, Scope: scope})
	if err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", fmt.Errorf("relay broker rejected create: %s", resp.Error)
	}
	if resp.Endpoint == "" {
		return "", fmt.Errorf("relay broker returned empty endpoint")
	}
	return resp.Endpoint, nil
}

// Destroy asks the broker to tear down an endpoint. Destroying an
// endpoint the broker no longer knows is not an error.
func (c *Client) Destroy(ctx context.Context, endpoint string) error {
	resp, err := c.roundTrip(ctx, request{Op: "destroy", Endpoint: endpoint})
	if err != nil {
		return err
	}
	if resp.Error != "" && !strings.Contains(resp.Error, "not found") {
		return fmt.Errorf("relay broker rejected destroy: %s", resp.Error)
	}
	return nil
}

// roundTrip performs one request/response exchange on a fresh session.
func (c *Client) roundTrip(ctx context.Context, req request) (*response, error) {
	sess, err := c.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("relay broker dial failed: %w", err)
	}
	defer sess.Close()

	if err := json.NewEncoder(sess).Encode(&req); err != nil {
		return nil, fmt.Errorf("relay broker write failed: %w", err)
	}

	var resp response
	if err := json.NewDecoder(sess).Decode(&resp); err != nil {
		return nil, fmt.Errorf("relay broker read failed: %w", err)
	}
	return &resp, nil
}

// clientTLSConfig returns the effective TLS config for a broker dial.
func clientTLSConfig(cfg ClientConfig) *tls.Config {
	var tlsConfig *tls.Config
	if cfg.TLS != nil {
		tlsConfig = cfg.TLS.Clone()
	} else {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS13}
	}
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig.NextProtos = []string{ALPNProtocol}
	}
	return tlsConfig
}
