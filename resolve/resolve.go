// Package resolve maps service and entity identifiers to the records a
// client needs to reach and authenticate a server.
package resolve

import (
	"context"
	"crypto"
	"net"
	"strconv"

	"github.com/dorepo/dop/errs"
)

// ServerInfo describes one server of a service.
type ServerInfo struct {
	ServiceID string
	ServerID  string
	Host      string
	Port      int
	TLSPort   int
	PublicKey crypto.PublicKey
}

// Addr is the plain TCP address of the server.
func (s ServerInfo) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// TLSAddr is the TLS address, or "" when the server has no TLS port.
func (s ServerInfo) TLSAddr() string {
	if s.TLSPort <= 0 {
		return ""
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(s.TLSPort))
}

// ServiceInfo lists the servers that provide a service.
type ServiceInfo struct {
	ServiceID string
	Servers   []ServerInfo
}

// Resolver is the identifier resolution service.
type Resolver interface {
	// ResolveService returns the servers of the service with the given ID.
	ResolveService(ctx context.Context, id string) (*ServiceInfo, error)
	// ResolvePublicKeys returns the keys registered for an entity.
	ResolvePublicKeys(ctx context.Context, id string) ([]crypto.PublicKey, error)
}

// SecretVerifier is implemented by resolvers that can check a shared
// secret digest for an entity without revealing the secret.
type SecretVerifier interface {
	VerifySecret(ctx context.Context, id, alg string, nonce, clientNonce, digest []byte) (bool, error)
}

// RepositoryResolver is implemented by resolvers that know which
// repository service hosts an object.
type RepositoryResolver interface {
	ResolveRepository(ctx context.Context, objectID string) (string, error)
}

func notFound(what, id string) error {
	return errs.Errorf(errs.UnableToLocate, "no %s registered for %q", what, id)
}
