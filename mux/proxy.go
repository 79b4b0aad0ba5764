package mux

import (
	"io"
	"sync"

	"go.uber.org/zap"
)

// Proxy returns a Listener for a server connection that opens a channel
// on dst for every channel the peer opens and copies bytes in both
// directions. dst must be a client connection.
func Proxy(dst *Conn) Listener {
	return &proxyListener{dst: dst}
}

type proxyListener struct {
	dst *Conn
}

func (p *proxyListener) ChannelCreated(a *Channel) {
	go func() {
		b, err := p.dst.OpenChannel(a.Conn().Context())
		if err != nil {
			p.dst.log.Warn("proxy: unable to open channel", zap.Error(err))
			a.Close()
			return
		}
		Splice(a, b)
	}()
}

func (p *proxyListener) ConnectionClosed(*Conn, error) {}

// Splice copies a to b and b to a until both directions reach the end
// of their streams, then closes both channels.
func Splice(a, b *Channel) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		copyChannel(a, b)
		wg.Done()
	}()
	go func() {
		copyChannel(b, a)
		wg.Done()
	}()
	wg.Wait()
	a.Close()
	b.Close()
}

func copyChannel(dst, src *Channel) {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
			if src.Available() == 0 {
				if dst.Flush() != nil {
					return
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				src.Conn().Logger().Debug("splice ended", zap.Stringer("channel", src), zap.Error(err))
			}
			dst.CloseWrite()
			return
		}
	}
}
