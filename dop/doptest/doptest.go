// Package doptest connects a dop client and server over an in-memory pipe.
package doptest

import (
	"context"
	"net"

	"go.uber.org/multierr"

	"github.com/dorepo/dop/auth"
	"github.com/dorepo/dop/dop"
	"github.com/dorepo/dop/resolve"
)

// ServerID is the server ID the client side of a Pair sees.
const ServerID = "pipe"

type Pair struct {
	Client *dop.ClientConn
	Server *dop.ServerConn

	srv *dop.Server
}

// NewPair serves handler on one end of a pipe and authenticates the
// server from the other. The server identity defaults to the anonymous
// one and its key is handed to the client directly.
func NewPair(handler dop.Handler, srvCfg dop.ServerConfig, cliCfg dop.ClientConfig) (*Pair, error) {
	if srvCfg.Auth == nil {
		srvCfg.Auth = auth.Anonymous()
	}
	srvCfg.Handler = handler
	srv, err := dop.NewServer(srvCfg)
	if err != nil {
		return nil, err
	}

	info := resolve.ServerInfo{ServerID: ServerID}
	if pk, ok := srvCfg.Auth.(*auth.PublicKey); ok {
		info.PublicKey = pk.Signer().Public()
	}

	a, b := net.Pipe()
	type result struct {
		sc  *dop.ServerConn
		err error
	}
	done := make(chan result, 1)
	go func() {
		sc, err := srv.ServeConn(a)
		done <- result{sc, err}
	}()

	cc, err := dop.NewClientConn(context.Background(), b, info, cliCfg)
	if err != nil {
		a.Close()
		<-done
		srv.Close()
		return nil, err
	}
	r := <-done
	if r.err != nil {
		cc.Close()
		srv.Close()
		return nil, r.err
	}
	return &Pair{Client: cc, Server: r.sc, srv: srv}, nil
}

func (p *Pair) Close() error {
	return multierr.Append(p.Client.Close(), p.srv.Close())
}
