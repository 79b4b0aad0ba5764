package frame

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// Encoder encodes chunks given an io.Writer. A single lock covers the
// header and payload so chunks from different writers never interleave.
type Encoder struct {
	w io.Writer
	sync.Mutex

	sealer  Sealer
	scratch []byte
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes payload as one chunk on channel id, sealing it if a
// Sealer has been installed.
func (enc *Encoder) Encode(id int32, payload []byte) error {
	enc.Lock()
	defer enc.Unlock()
	return enc.encode(id, payload)
}

// EncodeThenSeal writes payload in the clear and installs s for every
// later chunk, with no chunk able to slip in between.
func (enc *Encoder) EncodeThenSeal(id int32, payload []byte, s Sealer) error {
	enc.Lock()
	defer enc.Unlock()
	if err := enc.encode(id, payload); err != nil {
		return err
	}
	enc.sealer = s
	return nil
}

// Seal installs s for every later chunk.
func (enc *Encoder) Seal(s Sealer) {
	enc.Lock()
	enc.sealer = s
	enc.Unlock()
}

// Sealed reports whether a Sealer is installed.
func (enc *Encoder) Sealed() bool {
	enc.Lock()
	defer enc.Unlock()
	return enc.sealer != nil
}

func (enc *Encoder) encode(id int32, payload []byte) error {
	if enc.sealer != nil {
		payload = enc.sealer.Encrypt(payload)
	}

	if Debug != nil {
		fmt.Fprintln(Debug, "<<ENC", Chunk{ChannelID: id, Payload: payload})
	}

	n := HeaderSize + len(payload)
	if cap(enc.scratch) < n {
		enc.scratch = make([]byte, n)
	}
	buf := enc.scratch[:n]
	binary.BigEndian.PutUint32(buf, uint32(id))
	binary.BigEndian.PutUint32(buf[4:], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	_, err := enc.w.Write(buf)
	return err
}
