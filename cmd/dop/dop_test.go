package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"io"
	"math/big"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dorepo/dop/auth"
	"github.com/dorepo/dop/codec"
	"github.com/dorepo/dop/dop"
	"github.com/dorepo/dop/dop/doptest"
	"github.com/dorepo/dop/errs"
	"github.com/dorepo/dop/resolve"
)

func mustNoErr(err error, t *testing.T) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func startStore(t *testing.T, allowAnonymous bool) (*memStore, string) {
	t.Helper()
	log := zaptest.NewLogger(t)
	store := newMemStore(log, allowAnonymous)
	m := dop.NewServeMux()
	store.Register(m)
	srv, err := dop.NewServer(dop.ServerConfig{Auth: auth.Anonymous(), Handler: m, Logger: log})
	mustNoErr(err, t)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	mustNoErr(err, t)
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })
	return store, l.Addr().String()
}

func dialStore(t *testing.T, addr string, a auth.Method) *dop.ClientConn {
	t.Helper()
	cfg := dop.DefaultClientConfig()
	cfg.Auth = a
	cfg.Logger = zaptest.NewLogger(t)
	conn, err := connect(context.Background(), cfg, "tcp://"+addr, auth.Anonymous().Signer().Public())
	mustNoErr(err, t)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestMemStore(t *testing.T) {
	_, addr := startStore(t, true)
	conn := dialStore(t, addr, auth.Anonymous())
	ctx := context.Background()

	err := perform(ctx, conn, "0.NA/obj", dop.OpObjectExists, nil, nil, io.Discard)
	assert.Equal(t, errs.NoSuchObject, errs.KindOf(err))

	mustNoErr(perform(ctx, conn, "0.NA/obj", dop.OpCreateObject, nil, nil, io.Discard), t)
	mustNoErr(perform(ctx, conn, "0.NA/obj", dop.OpObjectExists, nil, nil, io.Discard), t)
	err = perform(ctx, conn, "0.NA/obj", dop.OpCreateObject, nil, nil, io.Discard)
	assert.Equal(t, errs.AlreadyExists, errs.KindOf(err))

	params := codec.NewHeaderSet(paramsType)
	params.Add("element", "content")
	var ack bytes.Buffer
	mustNoErr(perform(ctx, conn, "0.NA/obj", dop.OpStoreData, params, strings.NewReader("Hello world"), &ack), t)
	assert.Equal(t, "11\n", ack.String())

	var out bytes.Buffer
	mustNoErr(perform(ctx, conn, "0.NA/obj", dop.OpGetData, params, nil, &out), t)
	assert.Equal(t, "Hello world", out.String())

	err = perform(ctx, conn, "0.NA/obj", dop.OpGetData, nil, nil, io.Discard)
	assert.Equal(t, errs.NoSuchElement, errs.KindOf(err))

	mustNoErr(perform(ctx, conn, "0.NA/other", dop.OpCreateObject, nil, nil, io.Discard), t)
	out.Reset()
	mustNoErr(perform(ctx, conn, "", dop.OpListObjects, nil, nil, &out), t)
	assert.Equal(t, "0.NA/obj\n0.NA/other\n", out.String())

	mustNoErr(perform(ctx, conn, "0.NA/obj", dop.OpDeleteObject, nil, nil, io.Discard), t)
	err = perform(ctx, conn, "0.NA/obj", dop.OpGetData, params, nil, io.Discard)
	assert.Equal(t, errs.NoSuchObject, errs.KindOf(err))

	ops, err := conn.ListOperations(ctx, "0.NA/other")
	mustNoErr(err, t)
	assert.Contains(t, ops, dop.OpStoreData)
	assert.Contains(t, ops, dop.OpGetCredentials)
}

func TestMemStoreRejectsAnonymous(t *testing.T) {
	store, addr := startStore(t, false)
	store.objects["0.NA/obj"] = map[string][]byte{"": []byte("x")}
	conn := dialStore(t, addr, auth.Anonymous())
	ctx := context.Background()

	err := perform(ctx, conn, "0.NA/new", dop.OpCreateObject, nil, nil, io.Discard)
	assert.Equal(t, errs.PermissionDenied, errs.KindOf(err))
	err = perform(ctx, conn, "0.NA/obj", dop.OpStoreData, nil, strings.NewReader("y"), io.Discard)
	assert.Equal(t, errs.PermissionDenied, errs.KindOf(err))

	var out bytes.Buffer
	mustNoErr(perform(ctx, conn, "0.NA/obj", dop.OpGetData, nil, nil, &out), t)
	assert.Equal(t, "x", out.String())
}

func TestMemStoreAuthenticatedWrite(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	mustNoErr(err, t)
	r := resolve.NewStatic()
	r.AddPublicKey("0.NA/me", priv.Public())

	log := zaptest.NewLogger(t)
	store := newMemStore(log, false)
	m := dop.NewServeMux()
	store.Register(m)
	cfg := dop.DefaultClientConfig()
	cfg.Auth = auth.NewPublicKey("0.NA/me", priv)
	cfg.Logger = log
	p, err := doptest.NewPair(m, dop.ServerConfig{Resolver: r, Logger: log}, cfg)
	mustNoErr(err, t)
	defer p.Close()

	ctx := context.Background()
	mustNoErr(perform(ctx, p.Client, "0.NA/obj", dop.OpCreateObject, nil, nil, io.Discard), t)
	var ack bytes.Buffer
	mustNoErr(perform(ctx, p.Client, "0.NA/obj", dop.OpStoreData, nil, strings.NewReader("abc"), &ack), t)
	assert.Equal(t, "3\n", ack.String())
	assert.True(t, p.Server.IsAuthenticated("0.NA/me"))
}

func TestMemStoreCredentials(t *testing.T) {
	store, addr := startStore(t, true)

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	mustNoErr(err, t)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "0.NA/me"},
		Issuer:       pkix.Name{CommonName: "0.NA/issuer"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, priv.Public(), priv)
	mustNoErr(err, t)
	store.objects["0.NA/me"] = map[string][]byte{
		credentialsElement: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}
	store.objects["0.NA/none"] = map[string][]byte{}

	conn := dialStore(t, addr, auth.Anonymous())
	ctx := context.Background()

	var out bytes.Buffer
	mustNoErr(perform(ctx, conn, "0.NA/me", dop.OpGetCredentials, nil, nil, &out), t)
	certs, err := dop.ReadCertificateList(&out)
	mustNoErr(err, t)
	require.Len(t, certs, 1)
	assert.Equal(t, der, certs[0].Raw)

	out.Reset()
	mustNoErr(perform(ctx, conn, "0.NA/none", dop.OpGetCredentials, nil, nil, &out), t)
	certs, err = dop.ReadCertificateList(&out)
	mustNoErr(err, t)
	assert.Empty(t, certs)

	err = perform(ctx, conn, "0.NA/missing", dop.OpGetCredentials, nil, nil, io.Discard)
	assert.Equal(t, errs.NoSuchObject, errs.KindOf(err))
}

func TestRunBench(t *testing.T) {
	log := zaptest.NewLogger(t)
	store := newMemStore(log, true)
	m := dop.NewServeMux()
	store.Register(m)
	cfg := dop.DefaultClientConfig()
	cfg.Logger = log
	p, err := doptest.NewPair(m, dop.ServerConfig{Logger: log}, cfg)
	mustNoErr(err, t)
	defer p.Close()

	mustNoErr(runBench(context.Background(), p.Client, []int{1}), t)
	store.mu.RLock()
	defer store.mu.RUnlock()
	assert.Empty(t, store.objects)
}

func TestHeadersFrom(t *testing.T) {
	h := headersFrom(map[string]any{
		"element": "content",
		"count":   3,
		"tags":    []any{"a", "b,c"},
		"flag":    nil,
		"sub":     map[string]any{"k": "v"},
	})
	assert.Equal(t, "content", h.GetString("element", ""))
	assert.Equal(t, 3, h.GetInt("count", 0))
	assert.Equal(t, []string{"a", "b,c"}, h.GetStrings("tags"))
	assert.True(t, h.Has("flag"))
	assert.Equal(t, "v", h.Subset("sub").GetString("k", ""))

	assert.Equal(t, 0, headersFrom("scalar").Len())
}

func TestExecute(t *testing.T) {
	var got []string
	root := &Command{Usage: "dop"}
	root.AddCommand(&Command{
		Usage: "echo <arg>",
		Args:  MinArgs(1),
		Run: func(ctx context.Context, args []string) error {
			got = args
			return nil
		},
	})
	ctx := context.Background()

	mustNoErr(Execute(ctx, root, []string{"echo", "a", "b"}), t)
	assert.Equal(t, []string{"a", "b"}, got)

	err := Execute(ctx, root, []string{"echo"})
	assert.True(t, errors.Is(err, errUsage))
	err = Execute(ctx, root, []string{"nope"})
	assert.True(t, errors.Is(err, errUsage))
	err = Execute(ctx, root, []string{"echo", "-bogus", "a"})
	assert.True(t, errors.Is(err, errUsage))
}

func TestConnectUnknownService(t *testing.T) {
	_, err := connect(context.Background(), dop.DefaultClientConfig(), "0.NA/repo", nil)
	assert.Equal(t, errs.UnableToLocate, errs.KindOf(err))
}
