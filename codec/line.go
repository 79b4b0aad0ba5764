package codec

import (
	"errors"
	"io"
)

// MaxLineSize bounds a single encoded header line.
var MaxLineSize = 1 << 20

var ErrLineTooLong = errors.New("codec: header line too long")

// ReadLine reads bytes up to and including the next newline and returns
// them without the terminator. Bytes are consumed one at a time so nothing
// beyond the newline is taken from r. A stream that ends before any byte
// was read returns io.EOF; one that ends mid-line returns the partial line.
func ReadLine(r io.Reader) ([]byte, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = &singleByteReader{r: r}
	}
	var line []byte
	for {
		b, err := br.ReadByte()
		if err != nil {
			if err == io.EOF && len(line) > 0 {
				return line, nil
			}
			return nil, err
		}
		if b == '\n' {
			if n := len(line); n > 0 && line[n-1] == '\r' {
				line = line[:n-1]
			}
			if line == nil {
				line = []byte{}
			}
			return line, nil
		}
		if len(line) >= MaxLineSize {
			return nil, ErrLineTooLong
		}
		line = append(line, b)
	}
}

type singleByteReader struct {
	r   io.Reader
	buf [1]byte
}

func (s *singleByteReader) ReadByte() (byte, error) {
	for {
		n, err := s.r.Read(s.buf[:])
		if n == 1 {
			return s.buf[0], nil
		}
		if err != nil {
			return 0, err
		}
	}
}
