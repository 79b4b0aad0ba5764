package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"crypto/x509"
	"io"
	"strings"

	"github.com/dorepo/dop/codec"
	"github.com/dorepo/dop/crypt"
	"github.com/dorepo/dop/errs"
)

// SharedSecret proves an identity by hashing a secret known to both sides
// together with the server nonce and a client nonce.
type SharedSecret struct {
	id     string
	secret []byte

	// Broken answers sha1 challenges with an MD5 digest, as servers
	// before protocol 1.4 expect.
	Broken bool
	// Rand sources client nonces. Defaults to crypto/rand.Reader.
	Rand io.Reader
}

func NewSharedSecret(id string, secret []byte) *SharedSecret {
	return &SharedSecret{id: id, secret: secret}
}

func (a *SharedSecret) ID() string {
	return a.id
}

// Credentials is always empty for shared secrets.
func (a *SharedSecret) Credentials(context.Context) []*x509.Certificate {
	return nil
}

func (a *SharedSecret) Clone() Method {
	c := *a
	return &c
}

func (a *SharedSecret) SignChallenge(ctx context.Context, challenge, resp *codec.HeaderSet) error {
	return a.sign(challenge, resp, a.Broken)
}

// SignChallengeLegacy answers like SignChallenge with Broken set.
func (a *SharedSecret) SignChallengeLegacy(challenge, resp *codec.HeaderSet) error {
	return a.sign(challenge, resp, true)
}

func (a *SharedSecret) sign(challenge, resp *codec.HeaderSet, broken bool) error {
	nonce, err := challengeNonce(challenge)
	if err != nil {
		return err
	}
	alg := challenge.GetString("alg", challenge.GetString("digest_alg", "sha1"))
	digestAlg := alg
	switch strings.ToLower(alg) {
	case "md5":
	case "sha1":
		if broken {
			digestAlg = "md5"
		}
	default:
		return errs.Errorf(errs.Crypto, "unknown digest algorithm: '%s'", alg)
	}
	r := a.Rand
	if r == nil {
		r = rand.Reader
	}
	clientNonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(r, clientNonce); err != nil {
		return errs.Wrap(errs.Crypto, err, "generate client nonce")
	}
	sum, err := SecretDigest(digestAlg, a.secret, nonce, clientNonce)
	if err != nil {
		return err
	}
	resp.Add("auth_type", TypeSecretKey)
	resp.Add("digest_alg", alg)
	resp.AddBytes("client_nonce", clientNonce)
	resp.AddBytes("auth_response", sum)
	return nil
}

func (a *SharedSecret) String() string {
	return a.id + " <secret key>"
}

// SecretDigest computes digest(secret || nonce || clientNonce || secret).
func SecretDigest(alg string, secret, nonce, clientNonce []byte) ([]byte, error) {
	h, err := crypt.NewDigest(alg)
	if err != nil {
		return nil, err
	}
	h.Write(secret)
	h.Write(nonce)
	h.Write(clientNonce)
	h.Write(secret)
	return h.Sum(nil), nil
}

// VerifySecretDigest reports whether response matches the digest of the
// given inputs.
func VerifySecretDigest(alg string, secret, nonce, clientNonce, response []byte) bool {
	sum, err := SecretDigest(alg, secret, nonce, clientNonce)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(sum, response) == 1
}
