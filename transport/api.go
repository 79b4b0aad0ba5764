// Package transport connects the byte streams the protocol runs over:
// TCP, TLS, Unix sockets, WebSocket, QUIC and standard I/O.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"
)

// A Dialer connects to addr. conf is required by the tls, wss and quic
// transports and ignored by the others.
type Dialer func(ctx context.Context, addr string, conf *tls.Config) (io.ReadWriteCloser, error)

// A Listen function listens on addr for incoming connections.
type Listen func(addr string, conf *tls.Config) (net.Listener, error)

// Dialers is map of transport strings to Dialers
// and includes all builtin transports
var Dialers map[string]Dialer

// Listeners is the listening counterpart of Dialers.
var Listeners map[string]Listen

func init() {
	Dialers = map[string]Dialer{
		"tcp":  DialTCP,
		"tls":  DialTLS,
		"unix": DialUnix,
		"ws":   DialWS,
		"wss":  DialWSS,
		"quic": DialQUIC,
		"stdio": func(context.Context, string, *tls.Config) (io.ReadWriteCloser, error) {
			return Stdio(), nil
		},
	}
	Listeners = map[string]Listen{
		"tcp":  ListenTCP,
		"tls":  ListenTLS,
		"unix": ListenUnix,
		"ws":   ListenWS,
		"wss":  ListenWSS,
		"quic": ListenQUIC,
	}
}

// Dial connects to addr using a registered transport.
func Dial(ctx context.Context, transport, addr string, conf *tls.Config) (io.ReadWriteCloser, error) {
	d, ok := Dialers[transport]
	if !ok {
		return nil, fmt.Errorf("transport '%s' not in available in Dialers", transport)
	}
	return d(ctx, addr, conf)
}

// ListenOn listens on addr using a registered transport.
func ListenOn(transport, addr string, conf *tls.Config) (net.Listener, error) {
	l, ok := Listeners[transport]
	if !ok {
		return nil, fmt.Errorf("transport '%s' not in available in Listeners", transport)
	}
	return l(addr, conf)
}

// ParseURL splits "transport://addr". A bare address means tcp.
func ParseURL(u string) (transport, addr string) {
	if i := strings.Index(u, "://"); i >= 0 {
		return u[:i], u[i+3:]
	}
	return "tcp", u
}
