// Package crypt negotiates and applies connection encryption. A Session
// runs a Diffie-Hellman exchange carried in authenticate headers and then
// yields a Cipher that encrypts every chunk in both directions.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"hash"
	"strings"

	"github.com/dorepo/dop/errs"
)

// Suite selects one of the two chunk codecs.
type Suite int

const (
	// Current is AES in ECB mode with PKCS5 padding and a negotiated key size.
	Current Suite = iota
	// Legacy is triple-DES in ECB mode with PKCS5 padding.
	Legacy
)

func (s Suite) String() string {
	if s == Legacy {
		return "legacy"
	}
	return "current"
}

// Params are the crypt* header values describing a cipher.
type Params struct {
	Alg     string `header:"cryptalg"`
	Mode    string `header:"cryptmode"`
	Padding string `header:"cryptpadding"`
	MacAlg  string `header:"cryptmacalg"`
	// KeySize truncates the shared secret. Zero uses the algorithm default.
	KeySize int `header:"keysize"`
}

// DefaultPreferredKeySize is advertised by the current suite.
const DefaultPreferredKeySize = 16

// Params returns the parameters a responder advertises for s.
func (s Suite) Params() Params {
	if s == Legacy {
		return Params{Alg: "DESede", Mode: "ECB", Padding: "PKCS5Padding", MacAlg: "SHA1"}
	}
	return Params{Alg: "AES", Mode: "ECB", Padding: "PKCS5Padding", MacAlg: "SHA1", KeySize: DefaultPreferredKeySize}
}

// SuiteOf reports which codec a cryptalg value belongs to.
func SuiteOf(alg string) Suite {
	if strings.EqualFold(alg, "DESede") || strings.EqualFold(alg, "TripleDES") {
		return Legacy
	}
	return Current
}

// NewDigest returns a hash for the digest algorithm names used on the
// wire (SHA1, SHA-1, MD5, SHA256, SHA-256).
func NewDigest(name string) (hash.Hash, error) {
	switch strings.ToUpper(strings.ReplaceAll(name, "-", "")) {
	case "SHA1", "SHA":
		return sha1.New(), nil
	case "MD5":
		return md5.New(), nil
	case "SHA256":
		return sha256.New(), nil
	}
	return nil, errs.Errorf(errs.Crypto, "unsupported digest algorithm %q", name)
}

func newBlock(p Params, secret []byte) (cipher.Block, error) {
	key := secret
	switch SuiteOf(p.Alg) {
	case Legacy:
		if len(key) < 24 {
			return nil, errs.Errorf(errs.Crypto, "DESede needs 24 key bytes, have %d", len(key))
		}
		return des.NewTripleDESCipher(key[:24])
	default:
		if !strings.EqualFold(p.Alg, "AES") {
			return nil, errs.Errorf(errs.Crypto, "unsupported cipher algorithm %q", p.Alg)
		}
		if p.KeySize > 0 && p.KeySize < len(key) {
			key = key[:p.KeySize]
		}
		switch len(key) {
		case 16, 24, 32:
		default:
			if len(key) < 16 {
				return nil, errs.Errorf(errs.Crypto, "AES key too short: %d bytes", len(key))
			}
			key = key[:16]
		}
		return aes.NewCipher(key)
	}
}
