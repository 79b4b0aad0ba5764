package auth

import (
	"context"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/dorepo/dop/codec"
)

// RequestIDHeader correlates control requests and responses.
const RequestIDHeader = "_requestid"

// CredentialTTL is how long fetched credentials are reused.
const CredentialTTL = time.Hour

// CredentialSource retrieves the certificates issued to m's identity.
type CredentialSource func(ctx context.Context, m Method) ([]*x509.Certificate, error)

// CredentialCache holds credentials for a Method and refreshes them from
// Source at most once per TTL. Without a Source it only returns what was
// stored with Set.
type CredentialCache struct {
	Source CredentialSource
	Clock  clock.Clock
	TTL    time.Duration
	// OnError observes failed refreshes. The stale value is kept.
	OnError func(error)

	mu       sync.Mutex
	certs    []*x509.Certificate
	updated  time.Time
	fetched  bool
	fetching bool
}

func (c *CredentialCache) clock() clock.Clock {
	if c.Clock == nil {
		return clock.New()
	}
	return c.Clock
}

func (c *CredentialCache) ttl() time.Duration {
	if c.TTL <= 0 {
		return CredentialTTL
	}
	return c.TTL
}

// Set replaces the cached credentials.
func (c *CredentialCache) Set(certs []*x509.Certificate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.certs = certs
	c.updated = c.clock().Now()
	c.fetched = true
}

// Get returns the cached credentials, refreshing them through Source when
// they are missing or older than the TTL. Re-entrant calls made while a
// refresh is running return the stale value.
func (c *CredentialCache) Get(ctx context.Context, m Method) []*x509.Certificate {
	c.mu.Lock()
	if c.Source == nil || c.fetching || (c.fetched && c.clock().Since(c.updated) < c.ttl()) {
		certs := c.certs
		c.mu.Unlock()
		return certs
	}
	c.fetching = true
	src := c.Source
	c.mu.Unlock()

	certs, err := src(ctx, m)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetching = false
	if err != nil {
		if c.OnError != nil {
			c.OnError(err)
		}
		return c.certs
	}
	c.certs = certs
	c.updated = c.clock().Now()
	c.fetched = true
	return certs
}

func (c *CredentialCache) detached() *CredentialCache {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &CredentialCache{Clock: c.Clock, TTL: c.TTL, certs: c.certs, updated: c.updated, fetched: c.fetched}
}

var oidUserID = asn1.ObjectIdentifier{0, 9, 2342, 19200300, 100, 1, 1}

// Identity returns the identifier named by a certificate subject or
// issuer: its UID attribute when present, else its common name.
func Identity(name pkix.Name) string {
	for _, atv := range name.Names {
		if atv.Type.Equal(oidUserID) {
			if s, ok := atv.Value.(string); ok && s != "" {
				return s
			}
		}
	}
	return name.CommonName
}

// WriteCredentials adds numcreds and cred0..N (hex DER) to h.
func WriteCredentials(h *codec.HeaderSet, certs []*x509.Certificate) {
	h.AddInt("numcreds", len(certs))
	for i, cert := range certs {
		h.AddBytes(fmt.Sprintf("cred%d", i), cert.Raw)
	}
}

// ReadCredentials parses numcreds and cred0..N. Unparseable certificates
// are skipped and reported in the returned error.
func ReadCredentials(h *codec.HeaderSet) ([]*x509.Certificate, error) {
	n := h.GetInt("numcreds", 0)
	if n > h.Len() {
		n = h.Len()
	}
	var (
		certs []*x509.Certificate
		err   error
	)
	for i := 0; i < n; i++ {
		der := h.GetBytes(fmt.Sprintf("cred%d", i))
		if der == nil {
			continue
		}
		cert, perr := x509.ParseCertificate(der)
		if perr != nil {
			err = multierr.Append(err, fmt.Errorf("cred%d: %w", i, perr))
			continue
		}
		certs = append(certs, cert)
	}
	return certs, err
}
