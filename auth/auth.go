// Package auth provides the identities a peer can prove during the
// authenticate exchange: an asymmetric key, a shared secret, or a
// challenge proxied to another connection.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"encoding/binary"
	"io"
	"time"

	"github.com/dorepo/dop/codec"
	"github.com/dorepo/dop/errs"
)

// Authentication types carried in auth_type.
const (
	TypePublicKey = "hspubkey"
	TypeSecretKey = "hsseckey"
)

// AnonymousID is accepted by servers without a challenge.
const AnonymousID = "1037/anon"

// NonceSize is the number of random bytes in every nonce.
const NonceSize = 20

// Method proves an identity by answering authenticate challenges.
type Method interface {
	// ID is the claimed identity.
	ID() string
	// SignChallenge adds the proof for challenge to resp.
	SignChallenge(ctx context.Context, challenge, resp *codec.HeaderSet) error
	// Credentials returns identity certificates to present with the proof.
	Credentials(ctx context.Context) []*x509.Certificate
	// Clone returns a copy that never retrieves credentials on its own.
	Clone() Method
}

// Requester sends a control request on a connection and waits for the
// correlated response.
type Requester interface {
	Request(ctx context.Context, msg *codec.HeaderSet) (*codec.HeaderSet, error)
}

// NewNonce returns NonceSize random bytes. With timestamp set, the Unix
// time in seconds is appended as 8 big-endian bytes.
func NewNonce(r io.Reader, timestamp bool) ([]byte, error) {
	if r == nil {
		r = rand.Reader
	}
	n := NonceSize
	if timestamp {
		n += 8
	}
	nonce := make([]byte, n)
	if _, err := io.ReadFull(r, nonce[:NonceSize]); err != nil {
		return nil, errs.Wrap(errs.Crypto, err, "generate nonce")
	}
	if timestamp {
		binary.BigEndian.PutUint64(nonce[NonceSize:], uint64(time.Now().Unix()))
	}
	return nonce, nil
}

func challengeNonce(challenge *codec.HeaderSet) ([]byte, error) {
	nonce := challenge.GetBytes("nonce")
	if nonce == nil {
		return nil, errs.New(errs.Crypto, "challenge has no nonce")
	}
	return nonce, nil
}
