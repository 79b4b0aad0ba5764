package dop

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dorepo/dop/auth"
	"github.com/dorepo/dop/codec"
	"github.com/dorepo/dop/errs"
	"github.com/dorepo/dop/resolve"
)

func fatal(err error, t *testing.T) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func identity(t *testing.T, id string) *auth.PublicKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	fatal(err, t)
	return auth.NewPublicKey(id, priv)
}

func publicKey(a *auth.PublicKey) crypto.PublicKey {
	return a.Signer().Public()
}

// startServer serves mux on a loopback port and returns the record a
// client needs to reach it.
func startServer(t *testing.T, cfg ServerConfig) (*Server, resolve.ServerInfo) {
	t.Helper()
	if cfg.Auth == nil {
		cfg.Auth = identity(t, "0.NA/test.server")
	}
	if cfg.Logger == nil {
		cfg.Logger = zaptest.NewLogger(t)
	}
	s, err := NewServer(cfg)
	fatal(err, t)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	fatal(err, t)
	go s.Serve(l)
	t.Cleanup(func() { s.Close() })

	return s, resolve.ServerInfo{
		ServerID:  "1",
		Host:      "127.0.0.1",
		Port:      l.Addr().(*net.TCPAddr).Port,
		PublicKey: publicKey(cfg.Auth.(*auth.PublicKey)),
	}
}

func clientConfig(t *testing.T) ClientConfig {
	cfg := DefaultClientConfig()
	cfg.Logger = zaptest.NewLogger(t)
	return cfg
}

func dial(t *testing.T, srv resolve.ServerInfo, cfg ClientConfig) *ClientConn {
	t.Helper()
	c, err := DialServer(context.Background(), srv, cfg)
	fatal(err, t)
	t.Cleanup(func() { c.Close() })
	return c
}

func closedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	fatal(err, t)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func dataHandler(n int) HandlerFunc {
	return func(resp Responder, req *Request) {
		resp.Write(bytes.Repeat([]byte{'x'}, n))
	}
}

func TestPerformOperation(t *testing.T) {
	for _, encrypt := range []bool{true, false} {
		t.Run(map[bool]string{true: "encrypted", false: "plain"}[encrypt], func(t *testing.T) {
			m := NewServeMux()
			m.Handle(OpGetData, dataHandler(1024))
			s, info := startServer(t, ServerConfig{Handler: m})

			cfg := clientConfig(t)
			cfg.DisableEncryption = !encrypt
			c := dial(t, info, cfg)
			assert.Equal(t, encrypt, c.Encrypted())

			ch, err := c.PerformOperation(context.Background(), "0.NA/obj", OpGetData, nil)
			fatal(err, t)
			got, err := io.ReadAll(ch)
			fatal(err, t)
			assert.Len(t, got, 1024)
			fatal(ch.Close(), t)

			require.Eventually(t, func() bool { return c.NumChannels() == 0 }, 5*time.Second, 10*time.Millisecond)
			require.Eventually(t, func() bool {
				s.mu.Lock()
				defer s.mu.Unlock()
				for sc := range s.conns {
					if sc.NumChannels() != 0 {
						return false
					}
				}
				return len(s.conns) == 1
			}, 5*time.Second, 10*time.Millisecond)
		})
	}
}

func TestOperationParams(t *testing.T) {
	got := make(chan *Request, 1)
	m := NewServeMux()
	m.HandleFunc(OpStoreData, func(resp Responder, req *Request) {
		resp.Success()
		body, err := io.ReadAll(req)
		if err != nil {
			return
		}
		got <- req
		resp.Write(bytes.ToUpper(body))
	})
	_, info := startServer(t, ServerConfig{Handler: m})
	c := dial(t, info, clientConfig(t))

	params := codec.NewHeaderSet("params")
	params.Add("element", "content")
	params.AddBool("append", true)
	ch, err := c.PerformOperation(context.Background(), "0.NA/obj", OpStoreData, params)
	fatal(err, t)
	_, err = ch.Write([]byte("hello"))
	fatal(err, t)
	fatal(ch.CloseWrite(), t)
	out, err := io.ReadAll(ch)
	fatal(err, t)
	assert.Equal(t, "HELLO", string(out))

	req := <-got
	assert.Equal(t, auth.AnonymousID, req.CallerID)
	assert.Equal(t, "0.NA/obj", req.ObjectID)
	assert.Equal(t, OpStoreData, req.OperationID)
	assert.Equal(t, "content", req.Params.GetString("element", ""))
	assert.True(t, req.Params.GetBool("append", false))
}

func TestOperationErrors(t *testing.T) {
	m := NewServeMux()
	m.HandleFunc(OpGetData, func(resp Responder, req *Request) {
		resp.Error(errs.New(errs.NoSuchObject, "no object named "+req.ObjectID))
	})
	m.HandleFunc(OpDeleteObject, func(resp Responder, req *Request) {
		resp.Error(errors.New("disk on fire"))
	})
	_, info := startServer(t, ServerConfig{Handler: m})
	c := dial(t, info, clientConfig(t))
	ctx := context.Background()

	_, err := c.PerformOperation(ctx, "0.NA/missing", OpGetData, nil)
	require.Error(t, err)
	assert.Equal(t, errs.NoSuchObject, errs.KindOf(err))
	var e *errs.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "no object named 0.NA/missing", e.Message)

	_, err = c.PerformOperation(ctx, "0.NA/obj", OpDeleteObject, nil)
	assert.Equal(t, errs.ServerError, errs.KindOf(err))

	_, err = c.PerformOperation(ctx, "0.NA/obj", "0.NA/unknown.op", nil)
	assert.Equal(t, errs.OperationNotAvailable, errs.KindOf(err))

	require.Eventually(t, func() bool { return c.NumChannels() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, c.IsOpen())
}

func TestListOperations(t *testing.T) {
	m := NewServeMux()
	m.Handle(OpGetData, dataHandler(1))
	m.Handle(OpStoreData, dataHandler(1))
	m.Handle("0.NA/Custom.Op", dataHandler(1))
	_, info := startServer(t, ServerConfig{Handler: m})
	c := dial(t, info, clientConfig(t))

	ops, err := c.ListOperations(context.Background(), "0.NA/obj")
	fatal(err, t)
	assert.Equal(t, []string{"0.NA/Custom.Op", OpGetData, OpStoreData}, ops)

	m.Remove(OpStoreData)
	ops, err = c.ListOperations(context.Background(), "0.NA/obj")
	fatal(err, t)
	assert.Equal(t, []string{"0.NA/Custom.Op", OpGetData}, ops)
}

func TestServeMuxIgnoresCase(t *testing.T) {
	m := NewServeMux()
	m.Handle("0.NA/Op", dataHandler(1))
	assert.NotNil(t, m.Handler("0.na/OP"))
	assert.Nil(t, m.Handler("0.NA/other"))

	fallback := dataHandler(2)
	m.HandleFallback(fallback)
	assert.NotNil(t, m.Handler("0.NA/other"))
	assert.Equal(t, []string{"0.NA/Op"}, m.Operations())
}

func TestServerAuthentication(t *testing.T) {
	_, info := startServer(t, ServerConfig{Handler: NewServeMux()})

	t.Run("resolved key", func(t *testing.T) {
		r := resolve.NewStatic()
		r.AddService(resolve.ServiceInfo{ServiceID: "0.NA/svc", Servers: []resolve.ServerInfo{info}})
		cfg := clientConfig(t)
		cfg.Resolver = r
		noKey := info
		noKey.PublicKey = nil
		noKey.ServiceID = "0.NA/svc"
		dial(t, noKey, cfg)
	})

	t.Run("wrong key", func(t *testing.T) {
		wrong := info
		wrong.PublicKey = publicKey(identity(t, "0.NA/impostor"))
		_, err := DialServer(context.Background(), wrong, clientConfig(t))
		require.Error(t, err)
		assert.Equal(t, errs.Crypto, errs.KindOf(err))
		assert.Contains(t, err.Error(), "Server authentication failed")
	})

	t.Run("no key", func(t *testing.T) {
		noKey := info
		noKey.PublicKey = nil
		_, err := DialServer(context.Background(), noKey, clientConfig(t))
		assert.Equal(t, errs.Crypto, errs.KindOf(err))
	})
}

func TestDialService(t *testing.T) {
	_, info := startServer(t, ServerConfig{Handler: NewServeMux()})
	down := info
	down.ServerID = "2"
	down.Port = closedPort(t)

	r := resolve.NewStatic()
	r.AddService(resolve.ServiceInfo{ServiceID: "0.NA/svc", Servers: []resolve.ServerInfo{down, info}})
	r.AddService(resolve.ServiceInfo{ServiceID: "0.NA/empty"})
	cfg := clientConfig(t)
	cfg.Resolver = r
	ctx := context.Background()

	c, err := DialService(ctx, "0.NA/svc", cfg)
	fatal(err, t)
	defer c.Close()
	assert.Equal(t, "1", c.Server().ServerID)
	assert.Equal(t, "0.NA/svc", c.Service().ServiceID)

	_, err = DialService(ctx, "0.NA/empty", cfg)
	require.Error(t, err)
	assert.Equal(t, errs.UnableToLocate, errs.KindOf(err))
	assert.Contains(t, err.Error(), "No servers left to contact")

	_, err = DialService(ctx, "0.NA/nowhere", cfg)
	assert.Equal(t, errs.UnableToLocate, errs.KindOf(err))
}

func authCheck(results chan<- error) HandlerFunc {
	return func(resp Responder, req *Request) {
		ok, err := req.Authenticate(nil, nil)
		if err == nil && !ok {
			err = errs.New(errs.PermissionDenied, "authentication failed")
		}
		results <- err
		if err != nil {
			resp.Error(err)
		}
	}
}

func TestAuthenticateClient(t *testing.T) {
	alice := identity(t, "0.NA/alice")
	r := resolve.NewStatic()
	r.AddPublicKey("0.NA/alice", publicKey(alice))
	r.AddSecret("0.NA/bob", []byte("hunter2"))

	results := make(chan error, 4)
	m := NewServeMux()
	m.Handle(OpGetData, authCheck(results))
	_, info := startServer(t, ServerConfig{Handler: m, Resolver: r})
	ctx := context.Background()

	for _, tc := range []struct {
		name string
		auth auth.Method
		kind errs.Kind
	}{
		{"public key", alice, errs.Unknown},
		{"shared secret", auth.NewSharedSecret("0.NA/bob", []byte("hunter2")), errs.Unknown},
		{"anonymous", auth.Anonymous(), errs.Unknown},
		{"wrong secret", auth.NewSharedSecret("0.NA/bob", []byte("hunter3")), errs.PermissionDenied},
		{"unknown key", identity(t, "0.NA/alice"), errs.PermissionDenied},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := clientConfig(t)
			cfg.Auth = tc.auth
			c := dial(t, info, cfg)
			ch, err := c.PerformOperation(ctx, "0.NA/obj", OpGetData, nil)
			herr := <-results
			if tc.kind == errs.Unknown {
				fatal(err, t)
				fatal(herr, t)
				ch.Close()
				return
			}
			require.Error(t, err)
			assert.Equal(t, tc.kind, errs.KindOf(err))
			assert.Equal(t, tc.kind, errs.KindOf(herr))
		})
	}
}

func TestAuthenticateOncePerConnection(t *testing.T) {
	alice := identity(t, "0.NA/alice")
	r := &countingResolver{Static: resolve.NewStatic()}
	r.AddPublicKey("0.NA/alice", publicKey(alice))

	results := make(chan error, 2)
	m := NewServeMux()
	m.Handle(OpGetData, authCheck(results))
	_, info := startServer(t, ServerConfig{Handler: m, Resolver: r})

	cfg := clientConfig(t)
	cfg.Auth = alice
	c := dial(t, info, cfg)
	for i := 0; i < 2; i++ {
		ch, err := c.PerformOperation(context.Background(), "0.NA/obj", OpGetData, nil)
		fatal(err, t)
		fatal(<-results, t)
		ch.Close()
	}
	assert.EqualValues(t, 1, r.keys.Load())
}

type countingResolver struct {
	*resolve.Static
	keys     atomic.Int32
	services atomic.Int32
}

func (r *countingResolver) ResolvePublicKeys(ctx context.Context, id string) ([]crypto.PublicKey, error) {
	r.keys.Add(1)
	return r.Static.ResolvePublicKeys(ctx, id)
}

func (r *countingResolver) ResolveService(ctx context.Context, id string) (*resolve.ServiceInfo, error) {
	r.services.Add(1)
	return r.Static.ResolveService(ctx, id)
}

// issue returns a certificate naming subject, signed by issuer.
func issue(t *testing.T, subject *auth.PublicKey, issuer *auth.PublicKey, notAfter time.Time) *x509.Certificate {
	t.Helper()
	parent := &x509.Certificate{
		Subject: pkix.Name{CommonName: issuer.ID()},
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: subject.ID()},
		NotBefore:    time.Now().Add(-2 * time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, publicKey(subject), issuer.Signer())
	fatal(err, t)
	cert, err := x509.ParseCertificate(der)
	fatal(err, t)
	return cert
}

type staticDelegation map[string][]string

func (d staticDelegation) ImplicitDelegators(ctx context.Context, delegate string, delegators []string) ([]string, error) {
	return d[delegate], nil
}

func (d staticDelegation) CheckImplicitDelegation(ctx context.Context, delegate string, delegators []string, delegator string) (bool, error) {
	for _, id := range d[delegate] {
		if id == delegator {
			return true, nil
		}
	}
	return false, nil
}

func TestCredentials(t *testing.T) {
	alice := identity(t, "0.NA/alice")
	group := identity(t, "0.NA/group")
	other := identity(t, "0.NA/other")
	alice.Cache().Set([]*x509.Certificate{
		issue(t, alice, group, time.Now().Add(time.Hour)),
		issue(t, other, group, time.Now().Add(time.Hour)),
	})

	r := resolve.NewStatic()
	r.AddPublicKey("0.NA/alice", publicKey(alice))
	r.AddPublicKey("0.NA/group", publicKey(group))

	type result struct {
		ids     []string
		group   bool
		admins  bool
		nothing bool
	}
	results := make(chan result, 1)
	m := NewServeMux()
	m.HandleFunc(OpGetData, func(resp Responder, req *Request) {
		ok, err := req.Authenticate(nil, nil)
		if err != nil || !ok {
			resp.Error(errs.New(errs.PermissionDenied, "not authenticated"))
			return
		}
		ctx := req.Context()
		var res result
		res.ids, _ = req.Conn.GetCredentialIDs(ctx, req.CallerID)
		res.group, _ = req.Conn.AuthenticateCredential(ctx, req.CallerID, "0.NA/group")
		res.admins, _ = req.Conn.AuthenticateCredential(ctx, req.CallerID, "0.NA/admins")
		res.nothing, _ = req.Conn.AuthenticateCredential(ctx, req.CallerID, "0.NA/other")
		results <- res
	})
	_, info := startServer(t, ServerConfig{
		Handler:    m,
		Resolver:   r,
		Delegation: staticDelegation{"0.NA/alice": {"0.NA/admins"}},
	})

	cfg := clientConfig(t)
	cfg.Auth = alice
	c := dial(t, info, cfg)
	ch, err := c.PerformOperation(context.Background(), "0.NA/obj", OpGetData, nil)
	fatal(err, t)
	defer ch.Close()

	res := <-results
	assert.Equal(t, []string{"0.NA/group", "0.NA/admins"}, res.ids)
	assert.True(t, res.group)
	assert.True(t, res.admins)
	assert.False(t, res.nothing)
}

func TestCredentialForgedIssuer(t *testing.T) {
	alice := identity(t, "0.NA/alice")
	forger := identity(t, "0.NA/group")
	group := identity(t, "0.NA/group")
	alice.Cache().Set([]*x509.Certificate{issue(t, alice, forger, time.Now().Add(time.Hour))})

	r := resolve.NewStatic()
	r.AddPublicKey("0.NA/alice", publicKey(alice))
	r.AddPublicKey("0.NA/group", publicKey(group))

	results := make(chan bool, 1)
	m := NewServeMux()
	m.HandleFunc(OpGetData, func(resp Responder, req *Request) {
		req.Authenticate(nil, nil)
		ok, _ := req.Conn.AuthenticateCredential(req.Context(), req.CallerID, "0.NA/group")
		results <- ok
	})
	_, info := startServer(t, ServerConfig{Handler: m, Resolver: r})

	cfg := clientConfig(t)
	cfg.Auth = alice
	c := dial(t, info, cfg)
	ch, err := c.PerformOperation(context.Background(), "0.NA/obj", OpGetData, nil)
	fatal(err, t)
	defer ch.Close()
	assert.False(t, <-results)
}

func TestConnectionMapping(t *testing.T) {
	conns := make(chan *ServerConn, 1)
	m := NewServeMux()
	m.HandleFunc(OpGetData, func(resp Responder, req *Request) {
		req.Conn.SetConnectionMapping("session", req.CallerID)
		conns <- req.Conn
	})
	_, info := startServer(t, ServerConfig{Handler: m})
	c := dial(t, info, clientConfig(t))

	ch, err := c.PerformOperation(context.Background(), "0.NA/obj", OpGetData, nil)
	fatal(err, t)
	ch.Close()
	sc := <-conns
	v, ok := sc.ConnectionMapping("session")
	require.True(t, ok)
	assert.Equal(t, auth.AnonymousID, v)

	fatal(c.Close(), t)
	require.Eventually(t, func() bool {
		_, ok := sc.ConnectionMapping("session")
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
}

func TestClient(t *testing.T) {
	m := NewServeMux()
	m.Handle(OpGetData, dataHandler(10))
	_, info := startServer(t, ServerConfig{Handler: m})

	r := &countingResolver{Static: resolve.NewStatic()}
	r.AddService(resolve.ServiceInfo{ServiceID: "0.NA/repo", Servers: []resolve.ServerInfo{info}})
	r.AddRepository("0.NA/obj", "0.NA/repo")
	cfg := clientConfig(t)
	cfg.Resolver = r
	client := NewClient(cfg)
	defer client.Close()
	ctx := context.Background()

	ch1, err := client.PerformOperation(ctx, "", "0.NA/obj", OpGetData, nil)
	fatal(err, t)
	ch1.Close()
	ch2, err := client.PerformOperation(ctx, "0.NA/repo", "0.NA/obj", OpGetData, nil)
	fatal(err, t)
	ch2.Close()
	assert.Same(t, ch1.Conn(), ch2.Conn())
	assert.EqualValues(t, 1, r.services.Load())

	fatal(ch1.Conn().Close(), t)
	ch3, err := client.PerformOperation(ctx, "", "0.NA/obj", OpGetData, nil)
	fatal(err, t)
	ch3.Close()
	assert.NotSame(t, ch1.Conn(), ch3.Conn())

	ops, err := client.ListOperations(ctx, "", "0.NA/obj")
	fatal(err, t)
	assert.Equal(t, []string{OpGetData}, ops)

	_, err = client.PerformOperation(ctx, "", "0.NA/unplaced", OpGetData, nil)
	assert.Equal(t, errs.UnableToLocate, errs.KindOf(err))
}

func TestClientRetry(t *testing.T) {
	down := resolve.ServerInfo{ServerID: "1", Host: "127.0.0.1", Port: closedPort(t)}
	r := &countingResolver{Static: resolve.NewStatic()}
	r.AddService(resolve.ServiceInfo{ServiceID: "0.NA/repo", Servers: []resolve.ServerInfo{down}})

	cfg := clientConfig(t)
	cfg.Resolver = r
	cfg.Retry = RetryConfig{Attempts: 3, Min: time.Millisecond, Max: 5 * time.Millisecond}
	client := NewClient(cfg)
	defer client.Close()

	_, err := client.Connect(context.Background(), "0.NA/repo")
	require.Error(t, err)
	assert.Equal(t, errs.Network, errs.KindOf(err))
	assert.EqualValues(t, 3, r.services.Load())
}

func TestCredentialRetrieval(t *testing.T) {
	alice := identity(t, "0.NA/alice")
	group := identity(t, "0.NA/group")
	valid := issue(t, alice, group, time.Now().Add(time.Hour))
	expired := issue(t, alice, group, time.Now().Add(-time.Hour))

	m := NewServeMux()
	m.Handle(OpGetCredentials, CredentialsHandler(func(ctx context.Context, objectID string) ([]*x509.Certificate, error) {
		if objectID != "0.NA/alice" {
			return nil, errs.New(errs.NoSuchObject, objectID)
		}
		return []*x509.Certificate{valid, expired}, nil
	}))
	_, info := startServer(t, ServerConfig{Handler: m})

	r := resolve.NewStatic()
	r.AddService(resolve.ServiceInfo{ServiceID: "0.NA/repo", Servers: []resolve.ServerInfo{info}})
	r.AddRepository("0.NA/alice", "0.NA/repo")
	cfg := clientConfig(t)
	cfg.Resolver = r
	alice.Cache().Source = CredentialSource(cfg)

	certs := alice.Credentials(context.Background())
	require.Len(t, certs, 1)
	assert.Equal(t, valid.Raw, certs[0].Raw)
}

func TestReadCertificateListSkipsInvalid(t *testing.T) {
	alice := identity(t, "0.NA/alice")
	cert := issue(t, alice, identity(t, "0.NA/group"), time.Now().Add(time.Hour))

	var buf bytes.Buffer
	fatal(WriteCertificateList(&buf, []*x509.Certificate{cert}), t)
	doc := strings.Replace(buf.String(), "</credentials>", "<certificate>ZZ</certificate></credentials>", 1)

	certs, err := ReadCertificateList(strings.NewReader(doc))
	assert.Error(t, err)
	require.Len(t, certs, 1)
	assert.Equal(t, cert.Raw, certs[0].Raw)

	_, err = ReadCertificateList(strings.NewReader("<nope/>"))
	assert.Equal(t, errs.Protocol, errs.KindOf(err))
}

func TestForwardHandler(t *testing.T) {
	back := NewServeMux()
	back.Handle(OpGetData, dataHandler(4096))
	_, backInfo := startServer(t, ServerConfig{Handler: back})
	upstream := dial(t, backInfo, clientConfig(t))

	front := NewServeMux()
	front.HandleFallback(ForwardHandler(upstream))
	_, frontInfo := startServer(t, ServerConfig{Handler: front})
	c := dial(t, frontInfo, clientConfig(t))
	ctx := context.Background()

	ch, err := c.PerformOperation(ctx, "0.NA/obj", OpGetData, nil)
	fatal(err, t)
	got, err := io.ReadAll(ch)
	fatal(err, t)
	assert.Len(t, got, 4096)
	fatal(ch.Close(), t)

	_, err = c.PerformOperation(ctx, "0.NA/obj", OpDeleteObject, nil)
	assert.Equal(t, errs.OperationNotAvailable, errs.KindOf(err))

	require.Eventually(t, func() bool { return upstream.NumChannels() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestServerClose(t *testing.T) {
	s, info := startServer(t, ServerConfig{})
	c := dial(t, info, clientConfig(t))
	fatal(s.Close(), t)

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client connection still open")
	}
	_, err := DialServer(context.Background(), info, clientConfig(t))
	assert.Error(t, err)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	fatal(err, t)
	assert.ErrorIs(t, s.Serve(l), ErrServerClosed)
}

func TestListenAndServe(t *testing.T) {
	srvAuth := identity(t, "0.NA/test.server")
	s, err := NewServer(ServerConfig{Auth: srvAuth, Logger: zaptest.NewLogger(t)})
	fatal(err, t)
	port := closedPort(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.ListenAndServe(ctx, "tcp://127.0.0.1:"+strconv.Itoa(port))
	}()

	info := resolve.ServerInfo{Host: "127.0.0.1", Port: port, PublicKey: publicKey(srvAuth)}
	var c *ClientConn
	require.Eventually(t, func() bool {
		conn, err := DialServer(ctx, info, clientConfig(t))
		if err != nil {
			return false
		}
		c = conn
		return true
	}, 5*time.Second, 20*time.Millisecond)
	defer c.Close()
	ops, err := c.ListOperations(ctx, "0.NA/obj")
	fatal(err, t)
	assert.Empty(t, ops)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ListenAndServe did not return")
	}
}
