package crypt

import (
	"crypto/rand"
	"encoding/asn1"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/curve25519"

	"github.com/dorepo/dop/errs"
)

// Key agreement algorithm names carried in public_key_alg.
const (
	AlgDH     = "DH"
	AlgX25519 = "X25519"
)

// Exchange is one side's ephemeral key pair.
type Exchange interface {
	// Algorithm is the public_key_alg header value.
	Algorithm() string
	// PublicKey is the DER SubjectPublicKeyInfo sent as public_key.
	PublicKey() []byte
	// Agree derives the shared secret from the peer's encoded public key.
	Agree(peer []byte) ([]byte, error)
}

var (
	oidDHKeyAgreement = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 3, 1}
	oidX25519         = asn1.ObjectIdentifier{1, 3, 101, 110}
)

type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

type subjectPublicKeyInfo struct {
	Algorithm algorithmIdentifier
	PublicKey asn1.BitString
}

type dhParams struct {
	P *big.Int
	G *big.Int
	L int `asn1:"optional"`
}

// Group is a finite-field Diffie-Hellman group.
type Group struct {
	P *big.Int
	G *big.Int
}

// WellKnownGroup is the 768-bit MODP group clients have always offered.
var WellKnownGroup = Group{
	P: mustHex("FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
		"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
		"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
		"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
		"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE65381" +
		"FFFFFFFFFFFFFFFF"),
	G: big.NewInt(2),
}

func mustHex(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("crypt: bad group constant")
	}
	return n
}

// NewExchange generates a key pair for alg. DH uses WellKnownGroup.
func NewExchange(alg string, r io.Reader) (Exchange, error) {
	if r == nil {
		r = rand.Reader
	}
	switch alg {
	case AlgDH:
		return newDHExchange(WellKnownGroup, r)
	case AlgX25519, "XDH":
		return newX25519Exchange(r)
	}
	return nil, errs.Errorf(errs.Crypto, "unsupported key agreement %q", alg)
}

// RespondExchange generates a key pair compatible with the peer's public
// key, taking the group parameters from it.
func RespondExchange(alg string, peer []byte, r io.Reader) (Exchange, error) {
	if r == nil {
		r = rand.Reader
	}
	switch alg {
	case AlgDH, "":
		g, _, err := parseDHPublicKey(peer)
		if err != nil {
			return nil, err
		}
		return newDHExchange(g, r)
	case AlgX25519, "XDH":
		return newX25519Exchange(r)
	}
	return nil, errs.Errorf(errs.Crypto, "unsupported key agreement %q", alg)
}

type dhExchange struct {
	group Group
	x     *big.Int
	y     *big.Int
	enc   []byte
}

// MaxDHBits bounds the modulus a peer may ask us to compute with.
const MaxDHBits = 8192

func newDHExchange(g Group, r io.Reader) (*dhExchange, error) {
	if g.P == nil || g.G == nil || g.P.Cmp(big.NewInt(5)) < 0 {
		return nil, errs.New(errs.Crypto, "invalid DH group")
	}
	if g.P.BitLen() > MaxDHBits {
		return nil, errs.New(errs.Crypto, "DH group too large")
	}
	// x in [2, p-2]
	max := new(big.Int).Sub(g.P, big.NewInt(3))
	x, err := rand.Int(r, max)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, err, "generate DH key")
	}
	x.Add(x, big.NewInt(2))
	e := &dhExchange{group: g, x: x, y: new(big.Int).Exp(g.G, x, g.P)}
	e.enc, err = marshalDHPublicKey(g, e.y)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (e *dhExchange) Algorithm() string { return AlgDH }

func (e *dhExchange) PublicKey() []byte { return e.enc }

func (e *dhExchange) Agree(peer []byte) ([]byte, error) {
	g, y, err := parseDHPublicKey(peer)
	if err != nil {
		return nil, err
	}
	if g.P.Cmp(e.group.P) != 0 || g.G.Cmp(e.group.G) != 0 {
		return nil, errs.New(errs.Crypto, "peer DH key uses a different group")
	}
	pMinus1 := new(big.Int).Sub(g.P, big.NewInt(1))
	if y.Cmp(big.NewInt(1)) <= 0 || y.Cmp(pMinus1) >= 0 {
		return nil, errs.New(errs.Crypto, "peer DH key out of range")
	}
	s := new(big.Int).Exp(y, e.x, g.P)
	return s.FillBytes(make([]byte, (g.P.BitLen()+7)/8)), nil
}

func marshalDHPublicKey(g Group, y *big.Int) ([]byte, error) {
	params, err := asn1.Marshal(dhParams{P: g.P, G: g.G})
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, err, "encode DH params")
	}
	key, err := asn1.Marshal(y)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, err, "encode DH key")
	}
	return asn1.Marshal(subjectPublicKeyInfo{
		Algorithm: algorithmIdentifier{
			Algorithm:  oidDHKeyAgreement,
			Parameters: asn1.RawValue{FullBytes: params},
		},
		PublicKey: asn1.BitString{Bytes: key, BitLength: len(key) * 8},
	})
}

func parseDHPublicKey(der []byte) (Group, *big.Int, error) {
	var spki subjectPublicKeyInfo
	if rest, err := asn1.Unmarshal(der, &spki); err != nil || len(rest) > 0 {
		return Group{}, nil, errs.Wrap(errs.Crypto, fmt.Errorf("malformed public key: %v", err), "parse DH key")
	}
	if !spki.Algorithm.Algorithm.Equal(oidDHKeyAgreement) {
		return Group{}, nil, errs.Errorf(errs.Crypto, "public key is not a DH key: %v", spki.Algorithm.Algorithm)
	}
	var p dhParams
	if _, err := asn1.Unmarshal(spki.Algorithm.Parameters.FullBytes, &p); err != nil {
		return Group{}, nil, errs.Wrap(errs.Crypto, err, "parse DH params")
	}
	y := new(big.Int)
	if _, err := asn1.Unmarshal(spki.PublicKey.RightAlign(), &y); err != nil {
		return Group{}, nil, errs.Wrap(errs.Crypto, err, "parse DH key")
	}
	return Group{P: p.P, G: p.G}, y, nil
}

type x25519Exchange struct {
	priv []byte
	enc  []byte
}

func newX25519Exchange(r io.Reader) (*x25519Exchange, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(r, priv); err != nil {
		return nil, errs.Wrap(errs.Crypto, err, "generate X25519 key")
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, err, "generate X25519 key")
	}
	enc, err := asn1.Marshal(subjectPublicKeyInfo{
		Algorithm: algorithmIdentifier{Algorithm: oidX25519},
		PublicKey: asn1.BitString{Bytes: pub, BitLength: len(pub) * 8},
	})
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, err, "encode X25519 key")
	}
	return &x25519Exchange{priv: priv, enc: enc}, nil
}

func (e *x25519Exchange) Algorithm() string { return AlgX25519 }

func (e *x25519Exchange) PublicKey() []byte { return e.enc }

func (e *x25519Exchange) Agree(peer []byte) ([]byte, error) {
	var spki subjectPublicKeyInfo
	if rest, err := asn1.Unmarshal(peer, &spki); err != nil || len(rest) > 0 {
		return nil, errs.New(errs.Crypto, "malformed X25519 public key")
	}
	if !spki.Algorithm.Algorithm.Equal(oidX25519) {
		return nil, errs.Errorf(errs.Crypto, "public key is not an X25519 key: %v", spki.Algorithm.Algorithm)
	}
	secret, err := curve25519.X25519(e.priv, spki.PublicKey.RightAlign())
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, err, "X25519 agreement")
	}
	return secret, nil
}
