package resolve

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dorepo/dop/auth"
	"github.com/dorepo/dop/errs"
)

func fatal(err error, t *testing.T) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func pemKey(t *testing.T) (ed25519.PublicKey, string) {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	fatal(err, t)
	der, err := x509.MarshalPKIXPublicKey(pub)
	fatal(err, t)
	return pub, string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func TestStatic(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	fatal(err, t)
	s := NewStatic()
	s.AddService(ServiceInfo{
		ServiceID: "0.NA/svc",
		Servers:   []ServerInfo{{ServerID: "svc/1", Host: "127.0.0.1", Port: 9900, PublicKey: pub}},
	})
	ctx := context.Background()

	info, err := s.ResolveService(ctx, "0.NA/svc")
	fatal(err, t)
	require.Len(t, info.Servers, 1)
	assert.Equal(t, "127.0.0.1:9900", info.Servers[0].Addr())
	assert.Equal(t, "", info.Servers[0].TLSAddr())

	info.Servers[0].Host = "mutated"
	again, err := s.ResolveService(ctx, "0.NA/svc")
	fatal(err, t)
	assert.Equal(t, "127.0.0.1", again.Servers[0].Host)

	keys, err := s.ResolvePublicKeys(ctx, "svc/1")
	fatal(err, t)
	assert.Equal(t, []crypto.PublicKey{pub}, keys)

	keys, err = s.ResolvePublicKeys(ctx, "0.NA/svc")
	fatal(err, t)
	assert.Len(t, keys, 1)
	assert.Equal(t, "0.NA/svc", info.Servers[0].ServiceID)

	_, err = s.ResolveService(ctx, "missing")
	assert.Equal(t, errs.UnableToLocate, errs.KindOf(err))
	_, err = s.ResolvePublicKeys(ctx, "missing")
	assert.Equal(t, errs.UnableToLocate, errs.KindOf(err))
}

func TestLoadStatic(t *testing.T) {
	serverKey, serverPEM := pemKey(t)
	userKey, userPEM := pemKey(t)
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "user.pem")
	fatal(os.WriteFile(keyFile, []byte(userPEM), 0o600), t)

	data := `
[[service]]
id = "0.NA/repo"

  [[service.server]]
  id = "repo/1"
  host = "10.0.0.1"
  port = 9900
  tls_port = 9901
  public_key = """` + serverPEM + `"""

[[entity]]
id = "user/1"
public_key_files = ["` + filepath.ToSlash(keyFile) + `"]
`
	path := filepath.Join(dir, "records.toml")
	fatal(os.WriteFile(path, []byte(data), 0o600), t)

	s, err := LoadStatic(path)
	fatal(err, t)
	ctx := context.Background()

	info, err := s.ResolveService(ctx, "0.NA/repo")
	fatal(err, t)
	require.Len(t, info.Servers, 1)
	srv := info.Servers[0]
	assert.Equal(t, "repo/1", srv.ServerID)
	assert.Equal(t, "10.0.0.1:9901", srv.TLSAddr())
	assert.True(t, serverKey.Equal(srv.PublicKey))

	keys, err := s.ResolvePublicKeys(ctx, "user/1")
	fatal(err, t)
	require.Len(t, keys, 1)
	assert.True(t, userKey.Equal(keys[0]))
}

func TestStaticSecretsAndRepositories(t *testing.T) {
	s := NewStatic()
	s.AddSecret("user/1", []byte("hunter2"))
	s.AddRepository("obj/1", "0.NA/repo")
	c, err := NewCache(s, 0)
	fatal(err, t)
	ctx := context.Background()

	nonce, clientNonce := []byte("nonce"), []byte("client")
	digest, err := auth.SecretDigest("sha1", []byte("hunter2"), nonce, clientNonce)
	fatal(err, t)
	ok, err := c.VerifySecret(ctx, "user/1", "sha1", nonce, clientNonce, digest)
	fatal(err, t)
	assert.True(t, ok)
	ok, err = c.VerifySecret(ctx, "user/1", "sha1", nonce, []byte("other"), digest)
	fatal(err, t)
	assert.False(t, ok)
	_, err = c.VerifySecret(ctx, "user/2", "sha1", nonce, clientNonce, digest)
	assert.Equal(t, errs.UnableToLocate, errs.KindOf(err))

	repo, err := c.ResolveRepository(ctx, "obj/1")
	fatal(err, t)
	assert.Equal(t, "0.NA/repo", repo)
	_, err = c.ResolveRepository(ctx, "obj/2")
	assert.Error(t, err)
}

func TestLoadStaticBadKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.toml")
	data := "[[entity]]\nid = \"x\"\npublic_keys = [\"not a key\"]\n"
	fatal(os.WriteFile(path, []byte(data), 0o600), t)
	_, err := LoadStatic(path)
	assert.Error(t, err)
}

type countingResolver struct {
	Resolver
	services atomic.Int32
	keys     atomic.Int32
	gate     chan struct{}
}

func (r *countingResolver) ResolveService(ctx context.Context, id string) (*ServiceInfo, error) {
	r.services.Add(1)
	if r.gate != nil {
		<-r.gate
	}
	return r.Resolver.ResolveService(ctx, id)
}

func (r *countingResolver) ResolvePublicKeys(ctx context.Context, id string) ([]crypto.PublicKey, error) {
	r.keys.Add(1)
	return r.Resolver.ResolvePublicKeys(ctx, id)
}

func TestCache(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	fatal(err, t)
	s := NewStatic()
	s.AddPublicKey("user/1", pub)
	s.AddService(ServiceInfo{ServiceID: "svc", Servers: []ServerInfo{{Host: "h", Port: 1}}})
	r := &countingResolver{Resolver: s}
	c, err := NewCache(r, 0)
	fatal(err, t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		keys, err := c.ResolvePublicKeys(ctx, "user/1")
		fatal(err, t)
		assert.Len(t, keys, 1)
	}
	assert.Equal(t, int32(1), r.keys.Load())

	// failures are not remembered
	for i := 0; i < 2; i++ {
		_, err := c.ResolvePublicKeys(ctx, "user/2")
		assert.Error(t, err)
	}
	assert.Equal(t, int32(3), r.keys.Load())

	c.Invalidate("user/1")
	_, err = c.ResolvePublicKeys(ctx, "user/1")
	fatal(err, t)
	assert.Equal(t, int32(4), r.keys.Load())

	_, err = c.ResolveService(ctx, "svc")
	fatal(err, t)
	c.Purge()
	_, err = c.ResolveService(ctx, "svc")
	fatal(err, t)
	assert.Equal(t, int32(2), r.services.Load())
}

func TestCacheSharesConcurrentLookups(t *testing.T) {
	s := NewStatic()
	s.AddService(ServiceInfo{ServiceID: "svc", Servers: []ServerInfo{{Host: "h", Port: 1}}})
	r := &countingResolver{Resolver: s, gate: make(chan struct{})}
	c, err := NewCache(r, 8)
	fatal(err, t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			info, err := c.ResolveService(context.Background(), "svc")
			assert.NoError(t, err)
			assert.Equal(t, "svc", info.ServiceID)
		}()
	}
	require.Eventually(t, func() bool { return r.services.Load() > 0 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(r.gate)
	wg.Wait()
	assert.Equal(t, int32(1), r.services.Load())
}
