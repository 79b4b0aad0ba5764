package transport

import (
	"crypto/tls"
	"errors"
	"net"
	"sync"
)

// NetListener hands out connections produced by a background accept
// loop, so transports that accept in stages (WebSocket upgrades, QUIC
// streams) look like a plain net.Listener.
type NetListener struct {
	addr     net.Addr
	closeFn  func() error
	accepted chan net.Conn
	closer   chan struct{}
	errs     chan error
	once     sync.Once
}

func newNetListener(addr net.Addr, closeFn func() error) *NetListener {
	return &NetListener{
		addr:     addr,
		closeFn:  closeFn,
		accepted: make(chan net.Conn),
		closer:   make(chan struct{}),
		errs:     make(chan error, 2),
	}
}

// Accept waits for and returns the next connection to the listener.
func (l *NetListener) Accept() (net.Conn, error) {
	select {
	case <-l.closer:
		return nil, net.ErrClosed
	case err := <-l.errs:
		return nil, err
	case conn := <-l.accepted:
		return conn, nil
	}
}

// deliver passes conn to Accept. It reports false once the listener is
// closed, in which case conn is closed.
func (l *NetListener) deliver(conn net.Conn) bool {
	select {
	case l.accepted <- conn:
		return true
	case <-l.closer:
		conn.Close()
		return false
	}
}

func (l *NetListener) fail(err error) {
	select {
	case l.errs <- err:
	default:
	}
}

// Close closes the listener.
// Any blocked Accept operations will be unblocked and return errors.
func (l *NetListener) Close() error {
	l.once.Do(func() { close(l.closer) })
	if err := l.closeFn(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Addr returns the listener's network address.
func (l *NetListener) Addr() net.Addr {
	return l.addr
}

// ListenTCP creates a TCP listener at the given address.
func ListenTCP(addr string, _ *tls.Config) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

// ListenUnix creates a Unix domain socket listener at the given path.
func ListenUnix(path string, _ *tls.Config) (net.Listener, error) {
	return net.Listen("unix", path)
}

// ListenTLS creates a TLS listener at the given address.
func ListenTLS(addr string, conf *tls.Config) (net.Listener, error) {
	if conf == nil {
		return nil, errors.New("transport: tls requires a config")
	}
	return tls.Listen("tcp", addr, conf)
}
