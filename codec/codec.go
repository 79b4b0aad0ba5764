// Package codec implements the line oriented header format used for every
// control message and operation request/response block:
//
//	type:name1=value1&name2&name3=value3\n
package codec

import (
	"io"
)

// Encoder writes header sets to a stream, one line each.
type Encoder struct {
	w   io.Writer
	buf []byte
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes h as a single write call, so a line is never split
// between chunks by a buffering writer flushing midway.
func (e *Encoder) Encode(h *HeaderSet) error {
	e.buf = h.AppendLine(e.buf[:0])
	_, err := e.w.Write(e.buf)
	return err
}

// Decoder reads header sets from a stream.
//
// It never reads past the terminating newline, so payload bytes following
// a header block on the same stream are left unread.
type Decoder struct {
	r io.Reader
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Decode reads the next line. It returns io.EOF when the stream ends
// before a line starts.
func (d *Decoder) Decode() (*HeaderSet, error) {
	line, err := ReadLine(d.r)
	if err != nil {
		return nil, err
	}
	return Parse(line), nil
}
