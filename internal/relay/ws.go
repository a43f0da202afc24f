package relay

import (
	"context"
	"io"
	"net/http"
	"strings"

	"nhooyr.io/websocket"
)

// wsDefaultPath is the broker's WebSocket endpoint path.
const wsDefaultPath = "/relay"

// wsDialer returns a dialFunc that opens a WebSocket to the broker.
// Useful where QUIC is blocked and traffic must traverse HTTP proxies.
func wsDialer(cfg ClientConfig) dialFunc {
	tlsConfig := clientTLSConfig(cfg)

	httpClient := &http.Client{
		Timeout: cfg.DialTimeout,
		Transport: &http.Transport{
			TLSClientConfig: tlsConfig,
			Proxy:           http.ProxyFromEnvironment,
		},
	}

	url := cfg.BrokerAddr
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		url = "wss://" + url + wsDefaultPath
	}

	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()

		conn, _, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{
			HTTPClient:   httpClient,
			Subprotocols: []string{ALPNProtocol},
		})
		if err != nil {
			return nil, err
		}

		// NetConn carries the long-lived ctx, not the dial ctx: the
		// exchange may outlive the dial timeout.
		return websocket.NetConn(ctx, conn, websocket.MessageBinary), nil
	}
}
