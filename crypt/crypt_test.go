package crypt

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dorepo/dop/codec"
	"github.com/dorepo/dop/errs"
)

func handshake(t *testing.T, alg string, suite Suite, major, minor int) (*Session, *Session, *codec.HeaderSet) {
	t.Helper()
	client := NewSession(Config{KeyAgreement: alg}, major, minor)
	server := NewSession(Config{Suite: suite}, major, minor)

	req := codec.NewHeaderSet("authenticate")
	require.NoError(t, client.Initiate(req))
	assert.Equal(t, KeyExchangeInProgress, client.State())

	resp := codec.NewHeaderSet("response")
	require.NoError(t, server.Respond(req, resp))
	assert.Equal(t, Established, server.State())
	assert.False(t, resp.Has("cryptsecretkey"))

	require.NoError(t, client.Complete(resp))
	assert.Equal(t, Established, client.State())
	return client, server, resp
}

func TestSessionSuites(t *testing.T) {
	tests := []struct {
		name         string
		alg          string
		suite        Suite
		major, minor int
		keysize      bool
	}{
		{"x25519-current", AlgX25519, Current, 1, 4, true},
		{"dh-current", AlgDH, Current, 1, 4, true},
		{"dh-current-no-keysize", AlgDH, Current, 1, 1, false},
		{"dh-legacy", AlgDH, Legacy, 1, 4, false},
		{"dh-legacy-mac", AlgDH, Legacy, 1, 0, false},
		{"x25519-current-mac", AlgX25519, Current, 1, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server, resp := handshake(t, tt.alg, tt.suite, tt.major, tt.minor)
			assert.Equal(t, tt.keysize, resp.Has("keysize"))
			assert.Equal(t, tt.suite, SuiteOf(resp.GetString("cryptalg", "")))
			assert.Equal(t, server.Params(), client.Params())

			for _, size := range []int{0, 1, 15, 16, 17, 100000} {
				msg := bytes.Repeat([]byte{byte(size)}, size)
				enc := append([]byte{}, client.Cipher().Encrypt(msg)...)
				dec, err := server.Cipher().Decrypt(enc)
				require.NoError(t, err)
				assert.Equal(t, msg, dec)

				enc = append([]byte{}, server.Cipher().Encrypt(msg)...)
				dec, err = client.Cipher().Decrypt(enc)
				require.NoError(t, err)
				assert.Equal(t, msg, dec)
			}
		})
	}
}

func TestEncryptReusesScratch(t *testing.T) {
	client, _, _ := handshake(t, AlgDH, Legacy, 1, 0)
	c := client.Cipher()
	first := c.Encrypt(make([]byte, 1000))
	second := c.Encrypt(make([]byte, 500))
	assert.Same(t, &first[0], &second[0])
}

func TestMACDetectsTampering(t *testing.T) {
	client, server, _ := handshake(t, AlgDH, Legacy, 1, 0)
	enc := append([]byte{}, client.Cipher().Encrypt([]byte("hello world, this is a chunk"))...)

	// flip a bit in the first block, which holds the length prefix and data
	enc[2] ^= 0x40
	_, err := server.Cipher().Decrypt(enc)
	require.Error(t, err)
	assert.Equal(t, errs.Crypto, errs.KindOf(err))
}

func TestDecryptRejectsBadLength(t *testing.T) {
	_, server, _ := handshake(t, AlgX25519, Current, 1, 4)
	_, err := server.Cipher().Decrypt(make([]byte, 15))
	assert.Equal(t, errs.Crypto, errs.KindOf(err))
	_, err = server.Cipher().Decrypt(nil)
	assert.Error(t, err)
}

func TestSessionStateErrors(t *testing.T) {
	s := NewSession(Config{}, 1, 4)
	assert.Error(t, s.Complete(codec.NewHeaderSet("response")))
	assert.Nil(t, s.Cipher())

	require.NoError(t, s.Initiate(codec.NewHeaderSet("authenticate")))
	assert.Error(t, s.Initiate(codec.NewHeaderSet("authenticate")))

	resp := codec.NewHeaderSet("response")
	assert.Error(t, s.Complete(resp), "missing public key")

	server := NewSession(Config{}, 1, 4)
	assert.Error(t, server.Respond(codec.NewHeaderSet("authenticate"), codec.NewHeaderSet("response")))
}

func TestMismatchedAgreement(t *testing.T) {
	client := NewSession(Config{KeyAgreement: AlgDH}, 1, 4)
	req := codec.NewHeaderSet("authenticate")
	require.NoError(t, client.Initiate(req))

	other := NewSession(Config{KeyAgreement: AlgX25519}, 1, 4)
	otherReq := codec.NewHeaderSet("authenticate")
	require.NoError(t, other.Initiate(otherReq))

	server := NewSession(Config{}, 1, 4)
	resp := codec.NewHeaderSet("response")
	require.NoError(t, server.Respond(otherReq, resp))

	err := client.Complete(resp)
	require.Error(t, err)
	assert.Equal(t, errs.Crypto, errs.KindOf(err))
}

func TestDHRejectsOutOfRangeKey(t *testing.T) {
	e, err := NewExchange(AlgDH, nil)
	require.NoError(t, err)
	one, err := marshalDHPublicKey(WellKnownGroup, big.NewInt(1))
	require.NoError(t, err)
	_, err = e.Agree(one)
	assert.Error(t, err)
}

func TestRespondRejectsOversizedGroup(t *testing.T) {
	p := new(big.Int).Lsh(big.NewInt(1), MaxDHBits+1)
	p.Add(p, big.NewInt(1))
	peer, err := marshalDHPublicKey(Group{P: p, G: big.NewInt(2)}, big.NewInt(4))
	require.NoError(t, err)
	_, err = RespondExchange(AlgDH, peer, nil)
	assert.Equal(t, errs.Crypto, errs.KindOf(err))

	peer, err = marshalDHPublicKey(WellKnownGroup, big.NewInt(4))
	require.NoError(t, err)
	_, err = RespondExchange(AlgDH, peer, nil)
	assert.NoError(t, err)
}

func TestNewDigest(t *testing.T) {
	for _, name := range []string{"SHA1", "sha-1", "MD5", "SHA-256"} {
		_, err := NewDigest(name)
		assert.NoError(t, err, name)
	}
	_, err := NewDigest("whirlpool")
	assert.Equal(t, errs.Crypto, errs.KindOf(err))
}
