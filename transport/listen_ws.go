package transport

import (
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"

	"golang.org/x/net/websocket"
)

// wsConn keeps the handler of an upgraded connection running until
// the connection is closed.
type wsConn struct {
	*websocket.Conn
	once sync.Once
	done chan struct{}
}

func (c *wsConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() { close(c.done) })
	return err
}

// HandleWS is used to take WebSocket connections and send them to a
// NetListener to be accepted.
func HandleWS(l *NetListener, ws *websocket.Conn) {
	ws.PayloadType = websocket.BinaryFrame
	c := &wsConn{Conn: ws, done: make(chan struct{})}
	if !l.deliver(c) {
		return
	}
	select {
	case <-c.done:
	case <-l.closer:
	}
}

// ListenWS takes a TCP address and returns a NetListener with an
// HTTP+WebSocket server listening on the given address.
func ListenWS(addr string, _ *tls.Config) (net.Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return serveWS(l), nil
}

// ListenWSS is ListenWS over TLS.
func ListenWSS(addr string, conf *tls.Config) (net.Listener, error) {
	if conf == nil {
		return nil, errors.New("transport: wss requires a config")
	}
	l, err := tls.Listen("tcp", addr, conf)
	if err != nil {
		return nil, err
	}
	return serveWS(l), nil
}

func serveWS(l net.Listener) net.Listener {
	nl := newNetListener(l.Addr(), l.Close)
	s := &http.Server{
		Handler: websocket.Handler(func(ws *websocket.Conn) {
			HandleWS(nl, ws)
		}),
	}
	go func() {
		if err := s.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			nl.fail(err)
		}
	}()
	return nl
}
