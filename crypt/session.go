package crypt

import (
	"crypto/rand"
	"io"
	"sync"

	"github.com/dorepo/dop/codec"
	"github.com/dorepo/dop/errs"
)

// State is the progress of a key exchange.
type State int

const (
	Unestablished State = iota
	KeyExchangeInProgress
	Established
)

func (s State) String() string {
	switch s {
	case KeyExchangeInProgress:
		return "key exchange in progress"
	case Established:
		return "established"
	}
	return "unestablished"
}

// Config selects how a Session negotiates.
type Config struct {
	// Suite is the codec a responder advertises.
	Suite Suite
	// KeyAgreement is the algorithm an initiator offers. Defaults to X25519.
	KeyAgreement string
	// KeySize overrides the preferred key size advertised by the current suite.
	KeySize int
	// Rand defaults to crypto/rand.Reader.
	Rand io.Reader
}

// Session carries one connection's key exchange from Unestablished to
// Established. Major and Minor are the negotiated protocol version: the
// keysize header is only exchanged at 1.2 and above, and 1.0 peers get
// the per-chunk MAC.
type Session struct {
	cfg          Config
	major, minor int

	mu     sync.Mutex
	state  State
	exch   Exchange
	params Params
	cipher *Cipher
}

func NewSession(cfg Config, major, minor int) *Session {
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	if cfg.KeyAgreement == "" {
		cfg.KeyAgreement = AlgX25519
	}
	return &Session{cfg: cfg, major: major, minor: minor}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Params returns the negotiated parameters once established.
func (s *Session) Params() Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// Cipher returns the chunk codec, or nil before the session is established.
func (s *Session) Cipher() *Cipher {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cipher
}

func (s *Session) keySizeNegotiated() bool {
	return s.major > 1 || (s.major == 1 && s.minor >= 2)
}

func (s *Session) withMAC() bool {
	return s.major == 1 && s.minor == 0
}

// Initiate generates an ephemeral key pair and adds public_key_alg and
// public_key to req.
func (s *Session) Initiate(req *codec.HeaderSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Unestablished {
		return errs.Errorf(errs.Crypto, "cannot initiate key exchange: session %s", s.state)
	}
	exch, err := NewExchange(s.cfg.KeyAgreement, s.cfg.Rand)
	if err != nil {
		return err
	}
	s.exch = exch
	s.state = KeyExchangeInProgress
	req.Add("public_key_alg", exch.Algorithm())
	req.AddBytes("public_key", exch.PublicKey())
	return nil
}

// Respond answers an initiator's request: it advertises the cipher
// parameters, derives the secret from a key pair built on the peer's
// parameters, and adds its own public key to resp. The session is
// Established when Respond returns without error.
func (s *Session) Respond(req, resp *codec.HeaderSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Unestablished {
		return errs.Errorf(errs.Crypto, "cannot respond to key exchange: session %s", s.state)
	}
	peer := req.GetBytes("public_key")
	if peer == nil {
		return errs.New(errs.Crypto, "missing public_key")
	}
	alg := req.GetString("public_key_alg", AlgDH)
	exch, err := RespondExchange(alg, peer, s.cfg.Rand)
	if err != nil {
		return err
	}
	secret, err := exch.Agree(peer)
	if err != nil {
		return err
	}

	p := s.cfg.Suite.Params()
	if s.cfg.KeySize > 0 && s.cfg.Suite == Current {
		p.KeySize = s.cfg.KeySize
	}
	resp.Add("cryptmacalg", p.MacAlg)
	resp.Add("cryptmode", p.Mode)
	resp.Add("cryptpadding", p.Padding)
	resp.Add("cryptalg", p.Alg)
	if p.KeySize > 0 && s.keySizeNegotiated() {
		resp.AddInt("keysize", p.KeySize)
	} else {
		p.KeySize = 0
	}
	c, err := NewCipher(p, secret, s.withMAC())
	if err != nil {
		return err
	}
	resp.Add("public_key_alg", exch.Algorithm())
	resp.AddBytes("public_key", exch.PublicKey())

	s.exch, s.params, s.cipher, s.state = exch, p, c, Established
	return nil
}

// Complete finishes an initiated exchange with the responder's headers.
func (s *Session) Complete(resp *codec.HeaderSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != KeyExchangeInProgress {
		return errs.Errorf(errs.Crypto, "cannot complete key exchange: session %s", s.state)
	}
	if alg := resp.GetString("public_key_alg", s.exch.Algorithm()); alg != s.exch.Algorithm() {
		return errs.Errorf(errs.Crypto, "responder answered with %s key, offered %s", alg, s.exch.Algorithm())
	}
	peer := resp.GetBytes("public_key")
	if peer == nil {
		return errs.New(errs.Crypto, "missing public_key in response")
	}
	secret, err := s.exch.Agree(peer)
	if err != nil {
		return err
	}
	var p Params
	if err := resp.Decode(&p); err != nil {
		return errs.Wrap(errs.Crypto, err, "read cipher parameters")
	}
	if p.Alg == "" {
		p.Alg = "AES"
	}
	c, err := NewCipher(p, secret, s.withMAC())
	if err != nil {
		return err
	}
	s.params, s.cipher, s.state = p, c, Established
	return nil
}
