package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
)

func dialNet(ctx context.Context, proto, addr string) (io.ReadWriteCloser, error) {
	var d net.Dialer
	return d.DialContext(ctx, proto, addr)
}

func DialTCP(ctx context.Context, addr string, _ *tls.Config) (io.ReadWriteCloser, error) {
	return dialNet(ctx, "tcp", addr)
}

func DialUnix(ctx context.Context, addr string, _ *tls.Config) (io.ReadWriteCloser, error) {
	return dialNet(ctx, "unix", addr)
}

// DialTLS connects over TLS. The returned *tls.Conn has completed its
// handshake, so the peer certificate can be checked before use.
func DialTLS(ctx context.Context, addr string, conf *tls.Config) (io.ReadWriteCloser, error) {
	if conf == nil {
		return nil, errors.New("transport: tls requires a config")
	}
	d := tls.Dialer{Config: conf}
	return d.DialContext(ctx, "tcp", addr)
}
