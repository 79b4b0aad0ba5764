package auth

import (
	"context"
	"crypto"
	"crypto/dsa"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"sync"

	"github.com/dorepo/dop/codec"
	"github.com/dorepo/dop/errs"
)

// Signature algorithm names carried in auth_alg.
const (
	SHA1withRSA     = "SHA1withRSA"
	SHA1withDSA     = "SHA1withDSA"
	SHA256withECDSA = "SHA256withECDSA"
	Ed25519         = "Ed25519"
)

// PublicKey proves an identity by signing the challenge nonce with a
// private key.
type PublicKey struct {
	id     string
	signer crypto.Signer

	creds *CredentialCache
}

func NewPublicKey(id string, signer crypto.Signer) *PublicKey {
	return &PublicKey{id: id, signer: signer, creds: &CredentialCache{}}
}

// LoadPublicKey reads a PEM encoded PKCS#8, PKCS#1 or SEC 1 private key.
func LoadPublicKey(id, path string) (*PublicKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	signer, err := ParsePrivateKey(b)
	if err != nil {
		return nil, fmt.Errorf("auth: %s: %w", path, err)
	}
	return NewPublicKey(id, signer), nil
}

// ParsePrivateKey accepts PEM or raw DER.
func ParsePrivateKey(b []byte) (crypto.Signer, error) {
	if block, _ := pem.Decode(b); block != nil {
		b = block.Bytes
	}
	if k, err := x509.ParsePKCS8PrivateKey(b); err == nil {
		if s, ok := k.(crypto.Signer); ok {
			return s, nil
		}
		return nil, errs.Errorf(errs.Crypto, "unsupported private key type %T", k)
	}
	if k, err := x509.ParsePKCS1PrivateKey(b); err == nil {
		return k, nil
	}
	if k, err := x509.ParseECPrivateKey(b); err == nil {
		return k, nil
	}
	return nil, errs.New(errs.Crypto, "unrecognized private key encoding")
}

func (a *PublicKey) ID() string {
	return a.id
}

// Signer returns the private key.
func (a *PublicKey) Signer() crypto.Signer {
	return a.signer
}

// Cache returns the credential cache backing Credentials.
func (a *PublicKey) Cache() *CredentialCache {
	return a.creds
}

func (a *PublicKey) Credentials(ctx context.Context) []*x509.Certificate {
	return a.creds.Get(ctx, a)
}

func (a *PublicKey) Clone() Method {
	return &PublicKey{id: a.id, signer: a.signer, creds: a.creds.detached()}
}

func (a *PublicKey) SignChallenge(ctx context.Context, challenge, resp *codec.HeaderSet) error {
	nonce, err := challengeNonce(challenge)
	if err != nil {
		return err
	}
	alg, sig, err := Sign(a.signer, nonce)
	if err != nil {
		return err
	}
	resp.Add("auth_type", TypePublicKey)
	resp.AddBytes("auth_response", sig)
	resp.Add("auth_alg", alg)
	return nil
}

func (a *PublicKey) String() string {
	return a.id + " <private key>"
}

// SignatureAlgorithm names the scheme used for keys of pub's type.
func SignatureAlgorithm(pub crypto.PublicKey) string {
	switch pub.(type) {
	case *rsa.PublicKey:
		return SHA1withRSA
	case *dsa.PublicKey:
		return SHA1withDSA
	case *ecdsa.PublicKey:
		return SHA256withECDSA
	case ed25519.PublicKey:
		return Ed25519
	}
	return ""
}

// Sign signs msg with the scheme matching the signer's key type.
func Sign(signer crypto.Signer, msg []byte) (alg string, sig []byte, err error) {
	alg = SignatureAlgorithm(signer.Public())
	switch alg {
	case SHA1withRSA:
		h := sha1.Sum(msg)
		sig, err = signer.Sign(rand.Reader, h[:], crypto.SHA1)
	case SHA256withECDSA:
		h := sha256.Sum256(msg)
		sig, err = signer.Sign(rand.Reader, h[:], crypto.SHA256)
	case Ed25519:
		sig, err = signer.Sign(rand.Reader, msg, crypto.Hash(0))
	default:
		return "", nil, errs.Errorf(errs.Crypto, "cannot sign with %T", signer.Public())
	}
	if err != nil {
		return "", nil, errs.Wrap(errs.Crypto, err, "sign challenge")
	}
	return alg, sig, nil
}

type dsaSignature struct {
	R, S *big.Int
}

// Verify checks sig over msg with the scheme matching pub's type.
func Verify(pub crypto.PublicKey, msg, sig []byte) bool {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		h := sha1.Sum(msg)
		return rsa.VerifyPKCS1v15(k, crypto.SHA1, h[:], sig) == nil
	case *dsa.PublicKey:
		var ds dsaSignature
		if rest, err := asn1.Unmarshal(sig, &ds); err != nil || len(rest) > 0 {
			return false
		}
		h := sha1.Sum(msg)
		return dsa.Verify(k, h[:], ds.R, ds.S)
	case *ecdsa.PublicKey:
		h := sha256.Sum256(msg)
		return ecdsa.VerifyASN1(k, h[:], sig)
	case ed25519.PublicKey:
		return ed25519.Verify(k, msg, sig)
	}
	return false
}

// ParsePublicKey decodes a DER SubjectPublicKeyInfo, optionally PEM armored.
func ParsePublicKey(b []byte) (crypto.PublicKey, error) {
	if block, _ := pem.Decode(b); block != nil {
		b = block.Bytes
	}
	pub, err := x509.ParsePKIXPublicKey(b)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, err, "parse public key")
	}
	return pub, nil
}

var (
	anonOnce sync.Once
	anon     *PublicKey
)

// Anonymous returns the shared anonymous identity. Servers accept it
// without a challenge, so its key is generated per process.
func Anonymous() *PublicKey {
	anonOnce.Do(func() {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			panic(err)
		}
		anon = NewPublicKey(AnonymousID, priv)
	})
	return anon
}
