package dop

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dorepo/dop/auth"
	"github.com/dorepo/dop/codec"
	"github.com/dorepo/dop/errs"
	"github.com/dorepo/dop/mux"
	"github.com/dorepo/dop/resolve"
	"github.com/dorepo/dop/transport"
)

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("dop: server closed")

// ServerConfig carries the settings of the accepting side.
type ServerConfig struct {
	// Auth is the server identity proven to clients.
	Auth auth.Method

	// Handler serves operations. Defaults to an empty ServeMux, which
	// only answers OpListOperations.
	Handler Handler

	// Resolver looks up client and issuer keys. It is wrapped in a
	// resolve.Cache of KeyCacheSize entries.
	Resolver     resolve.Resolver
	KeyCacheSize int

	Delegation Delegation

	// TLSConfig is used by ListenAndServe for tls, wss and quic URLs.
	TLSConfig *tls.Config

	Mux    mux.Config
	Logger *zap.Logger
}

// Server accepts connections and dispatches the operations performed on
// them to its Handler.
type Server struct {
	cfg      ServerConfig
	handler  Handler
	resolver resolve.Resolver
	log      *zap.Logger

	mu        sync.Mutex
	closed    bool
	listeners map[net.Listener]struct{}
	conns     map[*ServerConn]struct{}
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Auth == nil {
		cfg.Auth = auth.Anonymous()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &Server{
		cfg:       cfg,
		handler:   cfg.Handler,
		log:       cfg.Logger.Named("dop"),
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[*ServerConn]struct{}),
	}
	if s.handler == nil {
		s.handler = NewServeMux()
	}
	if cfg.Resolver != nil {
		rc, err := resolve.NewCache(cfg.Resolver, cfg.KeyCacheSize)
		if err != nil {
			return nil, err
		}
		s.resolver = rc
	}
	return s, nil
}

// Resolver returns the cached resolver used to authenticate clients.
func (s *Server) Resolver() resolve.Resolver {
	return s.resolver
}

// ListenAndServe listens on every URL (see transport.ParseURL) and
// serves until ctx is done or a listener fails.
func (s *Server) ListenAndServe(ctx context.Context, urls ...string) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, u := range urls {
		network, addr := transport.ParseURL(u)
		l, err := transport.ListenOn(network, addr, s.cfg.TLSConfig)
		if err != nil {
			s.Close()
			return err
		}
		s.log.Info("listening", zap.String("transport", network), zap.Stringer("addr", l.Addr()))
		g.Go(func() error {
			return s.Serve(l)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		if err := s.Close(); err != nil {
			s.log.Debug("close", zap.Error(err))
		}
		return nil
	})
	err := g.Wait()
	if errors.Is(err, ErrServerClosed) {
		return nil
	}
	return err
}

// Serve accepts connections on l until it fails or the server is closed.
func (s *Server) Serve(l net.Listener) error {
	if !s.track(l) {
		l.Close()
		return ErrServerClosed
	}
	defer s.untrack(l)
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			return err
		}
		go func() {
			if _, err := s.ServeConn(conn); err != nil {
				s.log.Debug("connection setup failed", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
			}
		}()
	}
}

// ServeConn performs the opening exchange on t and serves operations on
// it in the background.
func (s *Server) ServeConn(t io.ReadWriteCloser) (*ServerConn, error) {
	sc := newServerConn(s.resolver, s.cfg.Delegation, s.log)
	l := &connListener{srv: s, sc: sc, ready: make(chan struct{})}

	mcfg := s.cfg.Mux
	mcfg.Auth = s.cfg.Auth
	mcfg.Listener = l
	if mcfg.Logger == nil {
		mcfg.Logger = s.cfg.Logger
	}
	mc, err := mux.Server(t, mcfg)
	if err != nil {
		return nil, err
	}
	sc.Conn = mc
	sc.log = s.log.With(zap.String("conn", mc.ID()))
	if !s.trackConn(sc) {
		mc.Close()
		return nil, ErrServerClosed
	}
	close(l.ready)
	return sc, nil
}

// Close stops every listener and connection.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	var closers []io.Closer
	for l := range s.listeners {
		closers = append(closers, l)
	}
	for c := range s.conns {
		closers = append(closers, c)
	}
	s.mu.Unlock()

	var err error
	for _, c := range closers {
		err = multierr.Append(err, c.Close())
	}
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(l net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.listeners[l] = struct{}{}
	return true
}

func (s *Server) untrack(l net.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, l)
}

func (s *Server) trackConn(sc *ServerConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if sc.IsOpen() {
		s.conns[sc] = struct{}{}
	}
	return true
}

// connListener receives the events of one server connection. Channels
// are served once the ServerConn is fully set up.
type connListener struct {
	srv   *Server
	sc    *ServerConn
	ready chan struct{}
}

func (l *connListener) ChannelCreated(ch *mux.Channel) {
	go func() {
		<-l.ready
		l.srv.serveChannel(l.sc, ch)
	}()
}

func (l *connListener) ConnectionClosed(_ *mux.Conn, err error) {
	l.sc.reset()
	l.srv.mu.Lock()
	delete(l.srv.conns, l.sc)
	l.srv.mu.Unlock()
}

func (s *Server) serveChannel(sc *ServerConn, ch *mux.Channel) {
	resp := &responder{ch: ch}
	defer func() {
		if _, hijacked := resp.state(); !hijacked {
			ch.Close()
		}
	}()

	msg, err := codec.NewDecoder(ch).Decode()
	if err != nil {
		if err != io.EOF {
			sc.log.Debug("unable to read operation request", zap.Stringer("channel", ch), zap.Error(err))
		}
		return
	}
	if !strings.EqualFold(msg.Type, cmdDo) {
		resp.Error(errs.Errorf(errs.Protocol, "unknown request type: %s", msg.Type))
		return
	}
	var hdr OperationHeader
	if err := msg.Decode(&hdr); err != nil {
		resp.Error(errs.Wrap(errs.Protocol, err, "malformed operation request"))
		return
	}
	ctx, cancel := context.WithCancel(sc.Context())
	defer cancel()
	req := &Request{
		Conn:        sc,
		CallerID:    hdr.CallerID,
		ObjectID:    hdr.ObjectID,
		OperationID: hdr.OperationID,
		Params:      msg.Subset(paramsPrefix),
		Channel:     ch,
		ctx:         ctx,
	}
	sc.log.Debug("operation",
		zap.String("caller", req.CallerID),
		zap.String("object", req.ObjectID),
		zap.String("operation", req.OperationID),
	)

	s.handler.ServeDOP(resp, req)
	responded, hijacked := resp.state()
	if hijacked {
		return
	}
	if !responded {
		resp.Success()
	}
	resp.Flush()
}
