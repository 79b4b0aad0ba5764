package dop

import (
	"context"
	"crypto"
	"crypto/md5"
	"crypto/x509"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/dorepo/dop/auth"
	"github.com/dorepo/dop/codec"
	"github.com/dorepo/dop/errs"
	"github.com/dorepo/dop/mux"
	"github.com/dorepo/dop/resolve"
)

// Delegation answers questions about implicit delegation, where an
// entity is allowed to act for another without a certificate.
type Delegation interface {
	// ImplicitDelegators returns the entities that delegate has implicit
	// permission to act for, given the delegators it claimed.
	ImplicitDelegators(ctx context.Context, delegate string, delegators []string) ([]string, error)
	// CheckImplicitDelegation reports whether delegate may act for
	// delegator.
	CheckImplicitDelegation(ctx context.Context, delegate string, delegators []string, delegator string) (bool, error)
}

// client is what a ServerConn has learned about one authenticated caller.
type client struct {
	id        string
	creds     map[string]*x509.Certificate
	delegated []string
}

// ServerConn is the accepting side of a connection. It authenticates the
// callers of operations and remembers what it learned for the life of
// the connection.
type ServerConn struct {
	*mux.Conn

	resolver   resolve.Resolver
	delegation Delegation
	log        *zap.Logger

	mu      sync.Mutex
	clients map[string]*client
	mapping map[interface{}]interface{}
}

func newServerConn(resolver resolve.Resolver, delegation Delegation, log *zap.Logger) *ServerConn {
	return &ServerConn{
		resolver:   resolver,
		delegation: delegation,
		log:        log,
		clients:    make(map[string]*client),
		mapping:    make(map[interface{}]interface{}),
	}
}

func (c *ServerConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clients = make(map[string]*client)
	c.mapping = make(map[interface{}]interface{})
}

// SetConnectionMapping attaches a value to the connection. Mappings are
// dropped when the connection closes.
func (c *ServerConn) SetConnectionMapping(key, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mapping[key] = value
}

func (c *ServerConn) ConnectionMapping(key interface{}) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.mapping[key]
	return v, ok
}

// IsAuthenticated reports whether clientID already proved its identity
// on this connection.
func (c *ServerConn) IsAuthenticated(clientID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.clients[clientID]
	return ok
}

func (c *ServerConn) lookup(clientID string) *client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clients[clientID]
}

// AuthenticateClient challenges the peer to prove it is clientID. The
// secret and key, when given, are tried before the resolver. The
// anonymous identity is always accepted and a client is challenged at
// most once per connection. A failed proof returns false; errors report
// a broken exchange.
func (c *ServerConn) AuthenticateClient(ctx context.Context, clientID string, secret []byte, pub crypto.PublicKey) (bool, error) {
	if clientID == auth.AnonymousID {
		return true, nil
	}
	if c.IsAuthenticated(clientID) {
		return true, nil
	}

	nonce, err := auth.NewNonce(nil, false)
	if err != nil {
		return false, err
	}
	req := codec.NewHeaderSet(cmdAuthenticate)
	req.Add(mux.HeaderEntityID, c.Auth().ID())
	req.Add("entityid", clientID)
	req.AddBytes(mux.HeaderNonce, nonce)
	req.Add("digest_alg", "sha1")

	resp, err := c.Request(ctx, req)
	if err != nil {
		return false, err
	}
	if err := responseError(resp); err != nil {
		return false, err
	}

	var ok bool
	switch authType := resp.GetString("auth_type", ""); strings.ToLower(authType) {
	case auth.TypePublicKey:
		ok, err = c.verifyPublicKey(ctx, clientID, pub, nonce, resp.GetBytes("auth_response"))
	case auth.TypeSecretKey:
		ok, err = c.verifySecret(ctx, clientID, secret, nonce, resp)
	default:
		return false, errs.Errorf(errs.Protocol, "Unrecognized authentication type: %s", authType)
	}
	if err != nil || !ok {
		c.log.Debug("client authentication failed", zap.String("client", clientID), zap.Error(err))
		return false, err
	}

	cl := &client{
		id:        clientID,
		creds:     make(map[string]*x509.Certificate),
		delegated: resp.GetStrings("delegatedids"),
	}
	certs, cerr := auth.ReadCredentials(resp)
	if cerr != nil {
		c.log.Warn("unreadable client credentials", zap.String("client", clientID), zap.Error(cerr))
	}
	for _, cert := range certs {
		if auth.Identity(cert.Subject) != clientID {
			continue
		}
		cl.creds[auth.Identity(cert.Issuer)] = cert
	}

	c.mu.Lock()
	c.clients[clientID] = cl
	c.mu.Unlock()
	c.log.Debug("client authenticated",
		zap.String("client", clientID),
		zap.Int("credentials", len(cl.creds)),
	)
	return true, nil
}

func (c *ServerConn) verifyPublicKey(ctx context.Context, clientID string, pub crypto.PublicKey, nonce, sig []byte) (bool, error) {
	if pub != nil && auth.Verify(pub, nonce, sig) {
		return true, nil
	}
	if c.resolver == nil {
		return false, nil
	}
	keys, err := c.resolver.ResolvePublicKeys(ctx, clientID)
	if err != nil {
		return false, err
	}
	for _, k := range keys {
		if auth.Verify(k, nonce, sig) {
			return true, nil
		}
	}
	return false, nil
}

func (c *ServerConn) verifySecret(ctx context.Context, clientID string, secret, nonce []byte, resp *codec.HeaderSet) (bool, error) {
	alg := resp.GetString("digest_alg", "")
	if !strings.EqualFold(alg, "sha1") {
		return false, errs.New(errs.Crypto, "Client used different digest algorithm than requested")
	}
	digest := resp.GetBytes("auth_response")
	clientNonce := resp.GetBytes("client_nonce")
	if v := c.Version(); len(digest) == md5.Size && v.Major == 1 && v.Minor < 4 {
		alg = "md5"
	}
	if secret != nil && auth.VerifySecretDigest(alg, secret, nonce, clientNonce, digest) {
		return true, nil
	}
	sv, ok := c.resolver.(resolve.SecretVerifier)
	if !ok {
		return false, errs.Errorf(errs.Crypto, "unable to verify secret key authentication for %q", clientID)
	}
	return sv.VerifySecret(ctx, clientID, alg, nonce, clientNonce, digest)
}

// GetCredentialIDs returns the identities clientID holds a credential
// from, followed by those it may act for by implicit delegation.
func (c *ServerConn) GetCredentialIDs(ctx context.Context, clientID string) ([]string, error) {
	cl := c.lookup(clientID)
	if cl == nil {
		return nil, nil
	}
	ids := make([]string, 0, len(cl.creds))
	for issuer := range cl.creds {
		ids = append(ids, issuer)
	}
	sort.Strings(ids)
	if c.delegation == nil {
		return ids, nil
	}
	implicit, err := c.delegation.ImplicitDelegators(ctx, clientID, cl.delegated)
	if err != nil {
		return ids, err
	}
	return append(ids, implicit...), nil
}

// AuthenticateCredential reports whether clientID may act as
// credentialID: either its certificate from credentialID carries a
// signature by one of credentialID's keys, or delegation allows it.
func (c *ServerConn) AuthenticateCredential(ctx context.Context, clientID, credentialID string) (bool, error) {
	cl := c.lookup(clientID)
	if cl == nil {
		return false, nil
	}
	if cert, ok := cl.creds[credentialID]; ok && c.resolver != nil {
		keys, err := c.resolver.ResolvePublicKeys(ctx, credentialID)
		if err != nil {
			c.log.Debug("unable to resolve issuer keys", zap.String("issuer", credentialID), zap.Error(err))
		}
		for _, k := range keys {
			if checkCertificate(cert, k) {
				return true, nil
			}
		}
	}
	if c.delegation == nil {
		return false, nil
	}
	return c.delegation.CheckImplicitDelegation(ctx, clientID, cl.delegated, credentialID)
}

// checkCertificate verifies the signature on cert with the issuer key.
// Unlike CheckSignatureFrom, CheckSignature accepts SHA-1 signatures.
func checkCertificate(cert *x509.Certificate, issuerKey crypto.PublicKey) bool {
	issuer := &x509.Certificate{PublicKey: issuerKey}
	return issuer.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature) == nil
}
