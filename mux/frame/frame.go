// Package frame implements encoding and decoding of chunks, the unit of
// framing on a connection:
//
//	[int32 channel ID][int32 length][length bytes of payload]
//
// Both integers are big-endian. Once a cipher is installed the payload
// field carries ciphertext.
package frame

import (
	"fmt"
	"io"
)

var (
	// Debug can be set to get chunks as they're encoded and decoded
	Debug io.Writer
)

const (
	// ControlChannel carries control messages and always exists.
	ControlChannel int32 = 0

	// HeaderSize is the length of the channel ID and length prefix.
	HeaderSize = 8
)

// MaxChunkSize bounds the length field accepted from a peer.
var MaxChunkSize = 16 << 20

// Chunk is one framed unit of bytes belonging to a single channel.
type Chunk struct {
	ChannelID int32
	Payload   []byte

	// Buf backs Payload. It may be returned to the allocator once the
	// payload has been consumed.
	Buf []byte
}

func (c Chunk) String() string {
	return fmt.Sprintf("{Chunk ChannelID:%d Length:%d}", c.ChannelID, len(c.Payload))
}

// Sealer encrypts outgoing payloads. The returned slice need only remain
// valid until the next call.
type Sealer interface {
	Encrypt(payload []byte) []byte
}

// Opener decrypts incoming payloads in place.
type Opener interface {
	Decrypt(payload []byte) ([]byte, error)
}
