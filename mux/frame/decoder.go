package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
)

// Decoder decodes chunks given an io.Reader
type Decoder struct {
	r io.Reader
	sync.Mutex

	// Alloc returns a buffer of at least n bytes for a chunk payload.
	// Defaults to make.
	Alloc func(n int) []byte

	opener Opener
	header [HeaderSize]byte
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Open installs o for every later chunk.
func (dec *Decoder) Open(o Opener) {
	dec.Lock()
	dec.opener = o
	dec.Unlock()
}

// Opened reports whether an Opener is installed.
func (dec *Decoder) Opened() bool {
	dec.Lock()
	defer dec.Unlock()
	return dec.opener != nil
}

// ErrChunkTooLarge is returned for a length field above MaxChunkSize.
var ErrChunkTooLarge = errors.New("frame: chunk too large")

// Decode reads the next chunk, decrypting it if an Opener is installed.
// A connection reset by the peer is reported as io.EOF.
func (dec *Decoder) Decode() (Chunk, error) {
	dec.Lock()
	defer dec.Unlock()

	_, err := io.ReadFull(dec.r, dec.header[:])
	if err != nil {
		var syscallErr *os.SyscallError
		if errors.As(err, &syscallErr) && syscallErr.Err == syscall.ECONNRESET {
			return Chunk{}, io.EOF
		}
		return Chunk{}, err
	}
	id := int32(binary.BigEndian.Uint32(dec.header[:4]))
	length := int32(binary.BigEndian.Uint32(dec.header[4:]))
	if length < 0 || int(length) > MaxChunkSize {
		return Chunk{}, fmt.Errorf("%w: %d bytes on channel %d", ErrChunkTooLarge, length, id)
	}

	var buf []byte
	if dec.Alloc != nil {
		buf = dec.Alloc(int(length))[:length]
	} else {
		buf = make([]byte, length)
	}
	if _, err := io.ReadFull(dec.r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Chunk{}, err
	}

	c := Chunk{ChannelID: id, Payload: buf, Buf: buf}
	if dec.opener != nil {
		if c.Payload, err = dec.opener.Decrypt(buf); err != nil {
			return Chunk{}, err
		}
	}

	if Debug != nil {
		fmt.Fprintln(Debug, ">>DEC", c)
	}

	return c, nil
}
