package relay

import (
	"context"
	"io"
	"time"

	"github.com/quic-go/quic-go"
)

// QUIC broker session tuning.
const (
	quicMaxIdleTimeout = 60 * time.Second
)

// quicSession is one broker exchange over a QUIC stream.
type quicSession struct {
	conn   quic.Connection
	stream quic.Stream
}

// Read implements io.Reader.
func (s *quicSession) Read(p []byte) (int, error) {
	return s.stream.Read(p)
}

// Write implements io.Writer.
func (s *quicSession) Write(p []byte) (int, error) {
	return s.stream.Write(p)
}

// Close closes the stream and the underlying connection.
func (s *quicSession) Close() error {
	s.stream.CancelRead(0)
	s.stream.Close()
	return s.conn.CloseWithError(0, "done")
}

// quicDialer returns a dialFunc that opens a QUIC stream to the broker.
func quicDialer(cfg ClientConfig) dialFunc {
	tlsConfig := clientTLSConfig(cfg)
	quicConfig := &quic.Config{
		MaxIdleTimeout: quicMaxIdleTimeout,
	}

	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()

		conn, err := quic.DialAddr(dialCtx, cfg.BrokerAddr, tlsConfig, quicConfig)
		if err != nil {
			return nil, err
		}

		stream, err := conn.OpenStreamSync(dialCtx)
		if err != nil {
			conn.CloseWithError(0, "stream open failed")
			return nil, err
		}

		return &quicSession{conn: conn, stream: stream}, nil
	}
}
