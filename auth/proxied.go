package auth

import (
	"context"
	"crypto/x509"
	"sync"

	"github.com/dorepo/dop/codec"
)

// Proxied answers challenges by forwarding them over another connection
// whose peer holds the real identity, and relays that peer's response.
type Proxied struct {
	id   string
	conn Requester

	mu    sync.Mutex
	certs []*x509.Certificate
}

func NewProxied(id string, conn Requester) *Proxied {
	return &Proxied{id: id, conn: conn}
}

func (a *Proxied) ID() string {
	return a.id
}

func (a *Proxied) SignChallenge(ctx context.Context, challenge, resp *codec.HeaderSet) error {
	fwd := codec.NewHeaderSet(challenge.Type)
	challenge.CopyInto(fwd)
	fwd.Remove(RequestIDHeader)

	answer, err := a.conn.Request(ctx, fwd)
	if err != nil {
		return err
	}
	answer = answer.Clone()
	answer.Remove(RequestIDHeader)
	answer.CopyInto(resp)

	certs, _ := ReadCredentials(answer)
	a.mu.Lock()
	a.certs = certs
	a.mu.Unlock()
	return nil
}

// Credentials returns those relayed with the last forwarded response.
// They are already part of that response, so callers answering a
// challenge must not append them again.
func (a *Proxied) Credentials(context.Context) []*x509.Certificate {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.certs
}

func (a *Proxied) Clone() Method {
	return NewProxied(a.id, a.conn)
}
