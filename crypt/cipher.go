package crypt

import (
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"hash"
	"strings"

	"github.com/dorepo/dop/errs"
)

// Cipher encrypts outgoing chunks and decrypts incoming ones. The two
// directions keep separate scratch space, so one goroutine may encrypt
// while another decrypts, but each direction must be used serially.
type Cipher struct {
	block cipher.Block
	// mac wraps each chunk as [len][data][maclen][mac] before encryption.
	// Only protocol 1.0 peers use it.
	mac     bool
	encHash hash.Hash
	decHash hash.Hash

	out []byte
}

// NewCipher builds a cipher from negotiated params and the shared secret.
// withMAC enables the per-chunk digest used by protocol 1.0.
func NewCipher(p Params, secret []byte, withMAC bool) (*Cipher, error) {
	if p.Mode != "" && !strings.EqualFold(p.Mode, "ECB") {
		return nil, errs.Errorf(errs.Crypto, "unsupported cipher mode %q", p.Mode)
	}
	if p.Padding != "" && !strings.EqualFold(p.Padding, "PKCS5Padding") {
		return nil, errs.Errorf(errs.Crypto, "unsupported cipher padding %q", p.Padding)
	}
	block, err := newBlock(p, secret)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, err, "init cipher")
	}
	c := &Cipher{block: block, mac: withMAC}
	if withMAC {
		macAlg := p.MacAlg
		if macAlg == "" {
			macAlg = "SHA1"
		}
		if c.encHash, err = NewDigest(macAlg); err != nil {
			return nil, err
		}
		c.decHash, _ = NewDigest(macAlg)
	}
	return c, nil
}

// Encrypt returns the ciphertext of chunk. The result aliases internal
// scratch space and is only valid until the next call.
func (c *Cipher) Encrypt(chunk []byte) []byte {
	bs := c.block.BlockSize()
	n := len(chunk)
	if c.mac {
		n += 8 + c.encHash.Size()
	}
	padded := n + bs - n%bs
	if cap(c.out) < padded {
		c.out = make([]byte, padded, padded+padded/4)
	}
	out := c.out[:padded]

	if c.mac {
		binary.BigEndian.PutUint32(out, uint32(len(chunk)))
		copy(out[4:], chunk)
		c.encHash.Reset()
		c.encHash.Write(chunk)
		off := 4 + len(chunk)
		binary.BigEndian.PutUint32(out[off:], uint32(c.encHash.Size()))
		c.encHash.Sum(out[off+4 : off+4])
	} else {
		copy(out, chunk)
	}
	pad := byte(padded - n)
	for i := n; i < padded; i++ {
		out[i] = pad
	}
	for i := 0; i < padded; i += bs {
		c.block.Encrypt(out[i:i+bs], out[i:i+bs])
	}
	return out
}

// Decrypt decrypts chunk in place and returns the plaintext, a subslice
// of chunk.
func (c *Cipher) Decrypt(chunk []byte) ([]byte, error) {
	bs := c.block.BlockSize()
	if len(chunk) == 0 || len(chunk)%bs != 0 {
		return nil, errs.Errorf(errs.Crypto, "ciphertext length %d is not a multiple of %d", len(chunk), bs)
	}
	for i := 0; i < len(chunk); i += bs {
		c.block.Decrypt(chunk[i:i+bs], chunk[i:i+bs])
	}
	pad := int(chunk[len(chunk)-1])
	if pad == 0 || pad > bs || pad > len(chunk) {
		return nil, errs.New(errs.Crypto, "invalid padding")
	}
	for _, b := range chunk[len(chunk)-pad:] {
		if int(b) != pad {
			return nil, errs.New(errs.Crypto, "invalid padding")
		}
	}
	plain := chunk[:len(chunk)-pad]
	if !c.mac {
		return plain, nil
	}

	if len(plain) < 4 {
		return nil, errs.New(errs.Crypto, "MAC digest length mismatch")
	}
	dataLen := int(binary.BigEndian.Uint32(plain))
	if dataLen < 0 || 4+dataLen+4 > len(plain) {
		return nil, errs.New(errs.Crypto, "MAC digest length mismatch")
	}
	data := plain[4 : 4+dataLen]
	macLen := int(binary.BigEndian.Uint32(plain[4+dataLen:]))
	macAt := 8 + dataLen
	if macLen != c.decHash.Size() || macAt+macLen != len(plain) {
		return nil, errs.New(errs.Crypto, "MAC digest length mismatch")
	}
	c.decHash.Reset()
	c.decHash.Write(data)
	var sum [64]byte
	if subtle.ConstantTimeCompare(c.decHash.Sum(sum[:0]), plain[macAt:]) != 1 {
		return nil, errs.New(errs.Crypto, "invalid MAC digest")
	}
	return data, nil
}
