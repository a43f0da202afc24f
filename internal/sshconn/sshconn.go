// Package sshconn provides the default connection capability: command
// execution over SSH, reaching nodes directly or through a relay
// endpoint.
package sshconn

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/net/proxy"

	"github.com/postalsys/muster/internal/dispatch"
)

// Config contains SSH dialer settings.
type Config struct {
	// User is the SSH login user.
	User string

	// KeyFile is the private key path.
	KeyFile string

	// KnownHostsFile enables host key verification when set; empty
	// accepts any host key (lab use).
	KnownHostsFile string

	// Port is appended to addresses that carry no port.
	Port int

	// DialTimeout bounds the TCP dial and SSH handshake together.
	DialTimeout time.Duration

	// SOCKSProxy, when set, routes direct dials through a SOCKS5
	// proxy (host:port), for fleets only reachable via a bastion.
	SOCKSProxy string
}

// Dialer opens SSH connections to fleet nodes. It implements
// dispatch.Dialer.
type Dialer struct {
	cfg     Config
	auth    []ssh.AuthMethod
	hostKey ssh.HostKeyCallback
}

// NewDialer creates an SSH dialer from the given settings.
func NewDialer(cfg Config) (*Dialer, error) {
	if cfg.User == "" {
		return nil, fmt.Errorf("sshconn: user required")
	}
	if cfg.Port <= 0 {
		cfg.Port = 22
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	var auth []ssh.AuthMethod
	if cfg.KeyFile != "" {
		keyData, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("sshconn: failed to read key file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil {
			return nil, fmt.Errorf("sshconn: failed to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("sshconn: key_file required")
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("sshconn: failed to load known hosts: %w", err)
		}
		hostKey = cb
	}

	return &Dialer{cfg: cfg, auth: auth, hostKey: hostKey}, nil
}

// OpenDirect connects to a node's public address.
func (d *Dialer) OpenDirect(ctx context.Context, addr string) (dispatch.Conn, error) {
	return d.open(ctx, withDefaultPort(addr, d.cfg.Port), d.cfg.SOCKSProxy)
}

// OpenRelayed connects to a node through its relay endpoint. The relay
// forwards straight to the node's SSH port, so the endpoint is dialed
// as-is and never routed through the bastion proxy.
func (d *Dialer) OpenRelayed(ctx context.Context, relayEndpoint string) (dispatch.Conn, error) {
	return d.open(ctx, relayEndpoint, "")
}

// open dials TCP (optionally via SOCKS) and completes the SSH handshake.
func (d *Dialer) open(ctx context.Context, addr, socksProxy string) (dispatch.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
	defer cancel()

	var raw net.Conn
	var err error
	if socksProxy != "" {
		var socks proxy.Dialer
		socks, err = proxy.SOCKS5("tcp", socksProxy, nil, &net.Dialer{Timeout: d.cfg.DialTimeout})
		if err != nil {
			return nil, fmt.Errorf("sshconn: socks proxy setup failed: %w", err)
		}
		raw, err = socks.(proxy.ContextDialer).DialContext(dialCtx, "tcp", addr)
	} else {
		var nd net.Dialer
		raw, err = nd.DialContext(dialCtx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("sshconn: dial %s failed: %w", addr, err)
	}

	// Bound the handshake with the same deadline as the dial.
	if deadline, ok := dialCtx.Deadline(); ok {
		raw.SetDeadline(deadline)
	}

	conn, chans, reqs, err := ssh.NewClientConn(raw, addr, &ssh.ClientConfig{
		User:            d.cfg.User,
		Auth:            d.auth,
		HostKeyCallback: d.hostKey,
		Timeout:         d.cfg.DialTimeout,
	})
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("sshconn: handshake with %s failed: %w", addr, err)
	}
	raw.SetDeadline(time.Time{})

	return &Conn{client: ssh.NewClient(conn, chans, reqs)}, nil
}

// Conn is one open SSH connection. It implements dispatch.Conn.
type Conn struct {
	client *ssh.Client
}

// Execute runs a command in a fresh session and returns its combined
// output. On context expiry the remote process is signalled and any
// partial output is returned with the context error.
func (c *Conn) Execute(ctx context.Context, command string) ([]byte, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("sshconn: session open failed: %w", err)
	}
	defer session.Close()

	var buf bytes.Buffer
	session.Stdout = &buf
	session.Stderr = &buf

	if err := session.Start(command); err != nil {
		return nil, fmt.Errorf("sshconn: command start failed: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case err := <-done:
		return buf.Bytes(), err
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		return buf.Bytes(), ctx.Err()
	}
}

// Close releases the connection.
func (c *Conn) Close() error {
	return c.client.Close()
}

// withDefaultPort appends the default SSH port to bare host addresses.
func withDefaultPort(addr string, port int) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(port))
}
