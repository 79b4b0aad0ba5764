package dop

import (
	"bytes"
	"context"
	"crypto"
	"crypto/tls"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/dorepo/dop/auth"
	"github.com/dorepo/dop/codec"
	"github.com/dorepo/dop/crypt"
	"github.com/dorepo/dop/errs"
	"github.com/dorepo/dop/mux"
	"github.com/dorepo/dop/resolve"
	"github.com/dorepo/dop/transport"
)

// ClientConfig carries the settings of the connecting side.
type ClientConfig struct {
	// Auth is the identity presented to servers. Defaults to the
	// anonymous identity.
	Auth auth.Method

	// DisableEncryption skips the key exchange during server
	// authentication.
	DisableEncryption bool

	// PreferTLS dials the TLS port of servers that have one. The server
	// is then authenticated by its certificate key instead of in-band.
	PreferTLS bool

	// TLSConfig is used for TLS and QUIC. Defaults to a config that
	// accepts any certificate, since the server key is checked against
	// its resolved keys instead.
	TLSConfig *tls.Config

	// Transport names the entry of transport.Dialers used for plain
	// connections. Defaults to "tcp".
	Transport string

	Resolver resolve.Resolver
	Retry    RetryConfig
	Mux      mux.Config
	Logger   *zap.Logger
}

// DefaultClientConfig returns a ClientConfig with every default filled in.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Auth:      auth.Anonymous(),
		Transport: "tcp",
		Mux:       mux.DefaultConfig(),
		Logger:    zap.NewNop(),
	}
}

func (cfg ClientConfig) withDefaults() ClientConfig {
	d := DefaultClientConfig()
	if cfg.Auth == nil {
		cfg.Auth = d.Auth
	}
	if cfg.Transport == "" {
		cfg.Transport = d.Transport
	}
	if cfg.Logger == nil {
		cfg.Logger = d.Logger
	}
	if cfg.TLSConfig == nil {
		cfg.TLSConfig = &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS12}
	}
	return cfg
}

// ClientConn is an authenticated connection to one server.
type ClientConn struct {
	*mux.Conn

	cfg     ClientConfig
	server  resolve.ServerInfo
	service *resolve.ServiceInfo
	log     *zap.Logger
}

// DialService connects to the first server of the service that can be
// reached and authenticated.
func DialService(ctx context.Context, serviceID string, cfg ClientConfig) (*ClientConn, error) {
	if cfg.Resolver == nil {
		return nil, errs.New(errs.UnableToLocate, "no resolver configured")
	}
	info, err := cfg.Resolver.ResolveService(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	return DialServiceInfo(ctx, info, cfg)
}

// DialServiceInfo is DialService with the service already resolved.
// The error of the last server tried is returned when none succeeds.
func DialServiceInfo(ctx context.Context, info *resolve.ServiceInfo, cfg ClientConfig) (*ClientConn, error) {
	var lastErr error
	for _, srv := range info.Servers {
		if srv.ServiceID == "" {
			srv.ServiceID = info.ServiceID
		}
		c, err := DialServer(ctx, srv, cfg)
		if err == nil {
			c.service = info
			return c, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errs.New(errs.UnableToLocate, "No servers left to contact")
}

// DialServer connects to one server and authenticates it.
func DialServer(ctx context.Context, srv resolve.ServerInfo, cfg ClientConfig) (*ClientConn, error) {
	cfg = cfg.withDefaults()
	network, addr := cfg.Transport, srv.Addr()
	if cfg.PreferTLS && srv.TLSPort > 0 {
		network, addr = "tls", srv.TLSAddr()
	}
	t, err := transport.Dial(ctx, network, addr, cfg.TLSConfig)
	if err != nil {
		return nil, errs.Wrap(errs.Network, err, "connect to "+addr)
	}
	return NewClientConn(ctx, t, srv, cfg)
}

// NewClientConn runs the opening exchange over an established transport
// and authenticates srv, which is at its other end. A transport with a
// TLS connection state is authenticated by its certificate key. t is
// closed on failure.
func NewClientConn(ctx context.Context, t io.ReadWriteCloser, srv resolve.ServerInfo, cfg ClientConfig) (*ClientConn, error) {
	cfg = cfg.withDefaults()
	mcfg := cfg.Mux
	mcfg.Auth = cfg.Auth
	if mcfg.Logger == nil {
		mcfg.Logger = cfg.Logger
	}
	mc, err := mux.Client(t, mcfg)
	if err != nil {
		return nil, err
	}
	c := &ClientConn{
		Conn:   mc,
		cfg:    cfg,
		server: srv,
		log: cfg.Logger.Named("dop").With(
			zap.String("conn", mc.ID()),
			zap.String("server", srv.ServerID),
		),
	}

	if st, ok := t.(interface{ ConnectionState() tls.ConnectionState }); ok {
		err = c.verifyCertificate(ctx, st.ConnectionState())
	} else {
		err = c.authenticateServer(ctx, !cfg.DisableEncryption)
	}
	if err != nil {
		c.log.Debug("server authentication failed", zap.Error(err))
		mc.Close()
		return nil, err
	}
	c.log.Debug("connected", zap.Bool("encrypted", mc.Encrypted()))
	return c, nil
}

// Server returns the server this connection was made to.
func (c *ClientConn) Server() resolve.ServerInfo {
	return c.server
}

// Service returns the service this connection was made for, or nil when
// the server was dialed directly.
func (c *ClientConn) Service() *resolve.ServiceInfo {
	return c.service
}

// serverKeys returns the key known for the server, else its resolved
// keys.
func (c *ClientConn) serverKeys(ctx context.Context) ([]crypto.PublicKey, error) {
	if c.server.PublicKey != nil {
		return []crypto.PublicKey{c.server.PublicKey}, nil
	}
	if c.cfg.Resolver == nil {
		return nil, errs.New(errs.Crypto, "no public key known for server")
	}
	id := c.server.ServiceID
	if id == "" {
		id = c.server.ServerID
	}
	keys, err := c.cfg.Resolver.ResolvePublicKeys(ctx, id)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, err, "resolve server keys")
	}
	return keys, nil
}

// authenticateServer challenges the server to sign a nonce and, with
// encrypt set, sets up encryption in the same exchange.
func (c *ClientConn) authenticateServer(ctx context.Context, encrypt bool) error {
	nonce, err := auth.NewNonce(nil, true)
	if err != nil {
		return err
	}
	req := codec.NewHeaderSet(cmdAuthenticate)
	req.Add(mux.HeaderEntityID, c.cfg.Auth.ID())
	req.AddBytes(mux.HeaderNonce, nonce)

	var (
		resp *codec.HeaderSet
		sess *crypt.Session
	)
	if encrypt {
		v := c.Version()
		sess = crypt.NewSession(c.cfg.Mux.Encryption, v.Major, v.Minor)
		resp, err = c.RequestEncrypted(ctx, req, sess)
	} else {
		req.AddBool(mux.HeaderSetupEncryption, false)
		resp, err = c.Request(ctx, req)
	}
	if err != nil {
		return err
	}
	if err := responseError(resp); err != nil {
		return err
	}

	keys, err := c.serverKeys(ctx)
	if err != nil {
		return err
	}
	sig := resp.GetBytes("auth_response")
	verified := false
	for _, k := range keys {
		if auth.Verify(k, nonce, sig) {
			verified = true
			break
		}
	}
	if !verified {
		return errs.New(errs.Crypto, "Server authentication failed")
	}

	if sess != nil {
		if sess.State() != crypt.Established {
			return errs.New(errs.Crypto, "server did not set up encryption")
		}
		return c.CommitEncryption(sess)
	}
	return nil
}

type keyEqualer interface {
	Equal(crypto.PublicKey) bool
}

// verifyCertificate checks that the TLS peer presented a key known for
// the server.
func (c *ClientConn) verifyCertificate(ctx context.Context, st tls.ConnectionState) error {
	if len(st.PeerCertificates) == 0 {
		return errs.New(errs.Crypto, "server presented no certificate")
	}
	peer := st.PeerCertificates[0].PublicKey
	keys, err := c.serverKeys(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if eq, ok := k.(keyEqualer); ok && eq.Equal(peer) {
			return nil
		}
	}
	return errs.New(errs.Crypto, "server certificate key does not match")
}

// PerformOperation opens a channel, sends the operation request and
// reads the response line. On success the channel carries the
// operation's input and output; the caller closes it.
func (c *ClientConn) PerformOperation(ctx context.Context, objectID, operationID string, params *codec.HeaderSet) (*mux.Channel, error) {
	ch, err := c.OpenChannel(ctx)
	if err != nil {
		return nil, err
	}
	hdr := OperationHeader{CallerID: c.cfg.Auth.ID(), ObjectID: objectID, OperationID: operationID}
	if err := codec.NewEncoder(ch).Encode(hdr.encode(params)); err != nil {
		ch.Close()
		return nil, opError(err, objectID, operationID)
	}
	if err := ch.Flush(); err != nil {
		ch.Close()
		return nil, opError(err, objectID, operationID)
	}
	resp, err := codec.NewDecoder(ch).Decode()
	if err != nil {
		ch.Close()
		return nil, opError(err, objectID, operationID)
	}
	if err := responseError(resp); err != nil {
		ch.Close()
		return nil, err
	}
	c.log.Debug("operation started",
		zap.String("object", objectID),
		zap.String("operation", operationID),
		zap.Stringer("channel", ch),
	)
	return ch, nil
}

func opError(err error, objectID, operationID string) error {
	if errs.KindOf(err) != errs.Unknown {
		return err
	}
	return errs.Wrap(errs.Network, err, fmt.Sprintf("Error invoking operation obj=%s; op=%s", objectID, operationID))
}

// ListOperations returns the operations the server offers on objectID.
func (c *ClientConn) ListOperations(ctx context.Context, objectID string) ([]string, error) {
	ch, err := c.PerformOperation(ctx, objectID, OpListOperations, nil)
	if err != nil {
		return nil, err
	}
	defer ch.Close()
	ch.CloseWrite()
	return readOperations(ch)
}

func readOperations(r io.Reader) ([]string, error) {
	var ops []string
	for {
		line, err := codec.ReadLine(r)
		if err == io.EOF {
			return ops, nil
		}
		if err != nil {
			return ops, err
		}
		if op := strings.TrimSpace(string(bytes.TrimSpace(line))); op != "" {
			ops = append(ops, op)
		}
	}
}
