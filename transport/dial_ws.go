package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"

	"golang.org/x/net/websocket"
)

// DialWS connects via a WebSocket connection carrying binary frames.
// The address must be a host and port. Opening a WebSocket
// connection at a particular path is not supported.
func DialWS(ctx context.Context, addr string, _ *tls.Config) (io.ReadWriteCloser, error) {
	return dialWS(ctx, "ws", addr, nil)
}

// DialWSS is DialWS over TLS.
func DialWSS(ctx context.Context, addr string, conf *tls.Config) (io.ReadWriteCloser, error) {
	if conf == nil {
		return nil, errors.New("transport: wss requires a config")
	}
	return dialWS(ctx, "wss", addr, conf)
}

func dialWS(ctx context.Context, scheme, addr string, conf *tls.Config) (io.ReadWriteCloser, error) {
	cfg, err := websocket.NewConfig(fmt.Sprintf("%s://%s/", scheme, addr), fmt.Sprintf("http://%s/", addr))
	if err != nil {
		return nil, err
	}
	cfg.TlsConfig = conf
	ws, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, err
	}
	ws.PayloadType = websocket.BinaryFrame
	return ws, nil
}
