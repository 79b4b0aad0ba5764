package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"

	"github.com/quic-go/quic-go"
)

// ALPN is the application protocol negotiated by the quic transport.
const ALPN = "dop"

func quicTLS(conf *tls.Config) *tls.Config {
	conf = conf.Clone()
	if len(conf.NextProtos) == 0 {
		conf.NextProtos = []string{ALPN}
	}
	return conf
}

// streamConn carries one connection on the first stream of a QUIC
// connection.
type streamConn struct {
	quic.Stream
	conn quic.Connection
}

func (c *streamConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *streamConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *streamConn) ConnectionState() tls.ConnectionState {
	return c.conn.ConnectionState().TLS
}

func (c *streamConn) Close() error {
	c.Stream.CancelRead(0)
	c.Stream.Close()
	return c.conn.CloseWithError(0, "close connection")
}

// DialQUIC opens a QUIC connection and its single stream.
func DialQUIC(ctx context.Context, addr string, conf *tls.Config) (io.ReadWriteCloser, error) {
	if conf == nil {
		return nil, errors.New("transport: quic requires a config")
	}
	conn, err := quic.DialAddr(ctx, addr, quicTLS(conf), nil)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(1, "open stream")
		return nil, err
	}
	return &streamConn{Stream: stream, conn: conn}, nil
}

// ListenQUIC accepts QUIC connections. A connection is handed out once
// its peer opened the stream and sent the first bytes.
func ListenQUIC(addr string, conf *tls.Config) (net.Listener, error) {
	if conf == nil {
		return nil, errors.New("transport: quic requires a config")
	}
	ql, err := quic.ListenAddr(addr, quicTLS(conf), nil)
	if err != nil {
		return nil, err
	}
	nl := newNetListener(ql.Addr(), ql.Close)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-nl.closer
		cancel()
	}()
	go func() {
		for {
			conn, err := ql.Accept(ctx)
			if err != nil {
				nl.fail(err)
				return
			}
			go func() {
				stream, err := conn.AcceptStream(ctx)
				if err != nil {
					conn.CloseWithError(1, "accept stream")
					return
				}
				nl.deliver(&streamConn{Stream: stream, conn: conn})
			}()
		}
	}()
	return nl, nil
}
