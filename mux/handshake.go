package mux

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dorepo/dop/codec"
	"github.com/dorepo/dop/errs"
)

// Protocol is the name exchanged in the opening line.
const Protocol = "dop"

// Version is a protocol major and minor version.
type Version struct {
	Major int
	Minor int
}

// CurrentVersion is the newest protocol version this package speaks.
var CurrentVersion = Version{Major: 1, Minor: 4}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// AtLeast reports whether v is major.minor or newer.
func (v Version) AtLeast(major, minor int) bool {
	return v.Major > major || (v.Major == major && v.Minor >= minor)
}

// Negotiate returns the version a server supporting server settles on
// when a client asks for client. A client ahead of the server gets the
// server's version, equal majors get the lower minor and an older
// client keeps its own version.
func Negotiate(client, server Version) Version {
	switch {
	case client.Major > server.Major:
		return server
	case client.Major == server.Major:
		if client.Minor < server.Minor {
			return client
		}
		return server
	default:
		return client
	}
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// withDeadline bounds the opening exchange when the transport supports
// deadlines.
func withDeadline(t io.ReadWriteCloser, d time.Duration, fn func() error) error {
	dl, ok := t.(deadliner)
	if !ok {
		return fn()
	}
	if err := dl.SetDeadline(time.Now().Add(d)); err != nil {
		return fn()
	}
	defer dl.SetDeadline(time.Time{})
	return fn()
}

func readHello(r *bufio.Reader) (*codec.HeaderSet, error) {
	h, err := codec.NewDecoder(r).Decode()
	if err != nil {
		return nil, errs.Fatal(errs.Network, "read opening line", err)
	}
	return h, nil
}

// clientHello sends the init line and returns the version the server
// settled on.
func clientHello(t io.ReadWriteCloser, r *bufio.Reader, offer Version) (Version, error) {
	req := codec.NewHeaderSet("init")
	req.Add("protocol", Protocol)
	req.AddInt("protocol_major_version", offer.Major)
	req.AddInt("protocol_minor_version", offer.Minor)
	if err := codec.NewEncoder(t).Encode(req); err != nil {
		return Version{}, errs.Fatal(errs.Network, "write opening line", err)
	}
	resp, err := readHello(r)
	if err != nil {
		return Version{}, err
	}
	if strings.EqualFold(resp.GetString("status", "OK"), "ERROR") {
		kind := errs.FromCode(resp.GetInt("code", errs.Protocol.Code()))
		return Version{}, errs.Fatal(kind, resp.GetString("message", "server refused connection"), nil)
	}
	v := Version{
		Major: resp.GetInt("protocol_major_version", offer.Major),
		Minor: resp.GetInt("protocol_minor_version", offer.Minor),
	}
	if v.Major > offer.Major {
		return Version{}, errs.Fatal(errs.Protocol, fmt.Sprintf("server responded with incompatible version: %s", v), nil)
	}
	return v, nil
}

// serverHello answers the client's init line.
func serverHello(t io.ReadWriteCloser, r *bufio.Reader, supported Version) (Version, error) {
	req, err := readHello(r)
	if err != nil {
		return Version{}, err
	}
	resp := codec.NewHeaderSet("response")
	if protocol := req.GetString("protocol", ""); !strings.EqualFold(protocol, Protocol) {
		msg := fmt.Sprintf("Unknown protocol: '%s'", protocol)
		resp.Add("status", "ERROR")
		resp.AddInt("code", errs.Protocol.Code())
		resp.Add("message", msg)
		codec.NewEncoder(t).Encode(resp)
		return Version{}, errs.Fatal(errs.Protocol, msg, nil)
	}
	v := Negotiate(Version{
		Major: req.GetInt("protocol_major_version", 0),
		Minor: req.GetInt("protocol_minor_version", 0),
	}, supported)
	resp.Add("status", "OK")
	resp.AddInt("protocol_major_version", v.Major)
	resp.AddInt("protocol_minor_version", v.Minor)
	if err := codec.NewEncoder(t).Encode(resp); err != nil {
		return Version{}, errs.Fatal(errs.Network, "write opening line", err)
	}
	return v, nil
}
