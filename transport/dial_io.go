package transport

import (
	"io"
	"os"

	"go.uber.org/multierr"
)

type ioduplex struct {
	io.WriteCloser
	io.ReadCloser
}

func (d *ioduplex) Close() error {
	return multierr.Append(d.WriteCloser.Close(), d.ReadCloser.Close())
}

// IO joins a WriteCloser and a ReadCloser into one stream.
func IO(out io.WriteCloser, in io.ReadCloser) io.ReadWriteCloser {
	return &ioduplex{out, in}
}

// Stdio is the stream of Stdout and Stdin.
func Stdio() io.ReadWriteCloser {
	return IO(os.Stdout, os.Stdin)
}
