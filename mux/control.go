package mux

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/dorepo/dop/auth"
	"github.com/dorepo/dop/codec"
	"github.com/dorepo/dop/crypt"
	"github.com/dorepo/dop/errs"
)

// Control message types.
const (
	cmdResponse     = "response"
	cmdOpenChannel  = "openchannel"
	cmdCloseStream  = "closestream"
	cmdAuthenticate = "authenticate"
	cmdBlock        = "block"
	cmdUnblock      = "unblock"

	streamInput  = "input"
	streamOutput = "output"

	statusSuccess = "success"
	statusError   = "error"
)

// Handshake headers shared with the role-specific connections.
const (
	HeaderEntityID        = "entity_id"
	HeaderNonce           = "nonce"
	HeaderSetupEncryption = "setup_encryption"
)

// exchange is a pending control request. hook, if set, runs on the
// dispatcher before the response is delivered and before any later
// chunk is read.
type exchange struct {
	resp chan *codec.HeaderSet
	hook func(*codec.HeaderSet) error
}

// Request sends msg on the control channel and waits for the matching
// response. An expired protocol timeout tears the connection down;
// cancelling ctx only abandons this request.
func (c *Conn) Request(ctx context.Context, msg *codec.HeaderSet) (*codec.HeaderSet, error) {
	return c.request(ctx, msg, nil)
}

// RequestEncrypted sends an authenticate request that sets up
// encryption with sess. When the response carries the peer's key the
// exchange is completed and incoming chunks are decrypted from then on.
// Outgoing chunks stay in the clear until CommitEncryption.
func (c *Conn) RequestEncrypted(ctx context.Context, msg *codec.HeaderSet, sess *crypt.Session) (*codec.HeaderSet, error) {
	if c.dec.Opened() {
		return nil, errs.New(errs.Crypto, "encryption already established")
	}
	msg.AddBool(HeaderSetupEncryption, true)
	if err := sess.Initiate(msg); err != nil {
		return nil, err
	}
	return c.request(ctx, msg, func(resp *codec.HeaderSet) error {
		if !resp.Has("public_key") {
			return nil
		}
		if err := sess.Complete(resp); err != nil {
			return errs.Fatal(errs.Crypto, "complete key exchange", err)
		}
		c.dec.Open(sess.Cipher())
		return nil
	})
}

// CommitEncryption encrypts every later outgoing chunk with sess.
func (c *Conn) CommitEncryption(sess *crypt.Session) error {
	ci := sess.Cipher()
	if ci == nil {
		return errs.New(errs.Crypto, "key exchange not established")
	}
	c.ctrlMu.Lock()
	c.enc.Seal(ci)
	c.ctrlMu.Unlock()
	return nil
}

func (c *Conn) request(ctx context.Context, msg *codec.HeaderSet, hook func(*codec.HeaderSet) error) (*codec.HeaderSet, error) {
	if strings.EqualFold(msg.Type, cmdResponse) {
		return nil, errs.New(errs.Protocol, "cannot wait for a response to a response")
	}
	id := "c" + strconv.FormatUint(c.nextRequest.Add(1), 10)
	msg.Remove(auth.RequestIDHeader)
	msg.Add(auth.RequestIDHeader, id)

	ex := &exchange{resp: make(chan *codec.HeaderSet, 1), hook: hook}
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil, c.closedErr()
	}
	c.pending[id] = ex
	c.mu.Unlock()

	if err := c.sendControl(msg); err != nil {
		c.forget(id)
		return nil, err
	}

	timer := c.clock.Timer(c.Timeout())
	defer timer.Stop()
	select {
	case resp := <-ex.resp:
		return resp, nil
	case <-c.closed:
		return nil, c.closedErr()
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case <-timer.C:
		err := errs.Timeout(fmt.Sprintf("no response to %s request %s", msg.Type, id))
		c.fail(err)
		return nil, c.closedErr()
	}
}

func (c *Conn) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Notify sends msg on the control channel without waiting for a reply.
func (c *Conn) Notify(msg *codec.HeaderSet) error {
	return c.sendControl(msg)
}

func (c *Conn) sendControl(msg *codec.HeaderSet) error {
	c.ctrlMu.Lock()
	defer c.ctrlMu.Unlock()
	return c.writeChunk(0, msg.Bytes())
}

// respond sends resp as the answer to req.
func (c *Conn) respond(req, resp *codec.HeaderSet) error {
	prepareResponse(req, resp)
	return c.sendControl(resp)
}

func prepareResponse(req, resp *codec.HeaderSet) {
	resp.Type = cmdResponse
	resp.Remove(auth.RequestIDHeader)
	resp.Add(auth.RequestIDHeader, req.GetString(auth.RequestIDHeader, ""))
}

func (c *Conn) respondError(req *codec.HeaderSet, kind errs.Kind, msg string) error {
	resp := codec.NewHeaderSet(cmdResponse)
	resp.Add("status", statusError)
	resp.AddInt("code", kind.Code())
	resp.Add("message", msg)
	return c.respond(req, resp)
}

// handleControl runs on the dispatcher. Only errors that must tear the
// connection down are returned.
func (c *Conn) handleControl(msg *codec.HeaderSet) error {
	switch strings.ToLower(msg.Type) {
	case cmdResponse:
		return c.handleResponse(msg)

	case cmdCloseStream:
		id := int32(msg.GetInt("channelid", -1))
		if id <= 0 {
			return nil
		}
		ch, ok := c.Channel(id)
		if !ok {
			return nil
		}
		switch stream := msg.GetString("streamid", ""); strings.ToLower(stream) {
		case streamInput:
			ch.closeInput(false)
		case streamOutput:
			ch.closeOutput(false)
		default:
			c.log.Warn("unknown stream type in closestream", zap.String("stream", stream))
		}
		return nil

	case cmdOpenChannel:
		return c.handleOpenChannel(msg)

	case cmdAuthenticate:
		return c.handleAuthenticate(msg)

	case cmdBlock, cmdUnblock:
		block := strings.EqualFold(msg.Type, cmdBlock)
		c.metrics.flow("received", block)
		id := int32(msg.GetInt("channelid", -1))
		if ch, ok := c.Channel(id); ok && id > 0 {
			ch.setBlocked(block)
		}
		return nil

	default:
		c.log.Warn("unknown control command", zap.String("command", msg.Type), zap.Stringer("message", msg))
		return nil
	}
}

func (c *Conn) handleResponse(msg *codec.HeaderSet) error {
	id, ok := msg.Get(auth.RequestIDHeader)
	if !ok {
		c.log.Warn("response without request id", zap.Stringer("message", msg))
		return nil
	}
	c.mu.Lock()
	ex := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ex == nil {
		c.log.Warn("received unrequested response", zap.String("request", id))
		return nil
	}
	if ex.hook != nil {
		if err := ex.hook(msg); err != nil {
			return err
		}
	}
	ex.resp <- msg
	return nil
}

func (c *Conn) handleOpenChannel(req *codec.HeaderSet) error {
	id := int32(req.GetInt("channelid", -1))
	if id <= 0 {
		return c.respondError(req, errs.Protocol, fmt.Sprintf("invalid channel ID: %d", id))
	}
	c.mu.Lock()
	if _, exists := c.chans[id]; exists {
		c.mu.Unlock()
		return c.respondError(req, errs.Protocol, "Channel is already open")
	}
	ch := c.registerLocked(id)
	c.mu.Unlock()

	resp := codec.NewHeaderSet(cmdResponse)
	resp.Add("status", statusSuccess)
	if err := c.respond(req, resp); err != nil {
		return err
	}
	c.cfg.Listener.ChannelCreated(ch)
	return nil
}

// handleAuthenticate proves this side's identity to the peer and, when
// asked, responds to a key exchange. The response that carries our key
// is the last plaintext chunk in each direction.
func (c *Conn) handleAuthenticate(req *codec.HeaderSet) error {
	setup := req.GetBool(HeaderSetupEncryption, false)
	if c.cfg.ProxyAuth != nil && !setup {
		fwd := req.Clone()
		fwd.Remove(auth.RequestIDHeader)
		go func() {
			resp, err := c.cfg.ProxyAuth.Request(c.ctx, fwd)
			if err != nil {
				c.log.Warn("proxied authentication failed", zap.Error(err))
				c.respondError(req, errs.KindOf(err), err.Error())
				return
			}
			resp = resp.Clone()
			c.respond(req, resp)
		}()
		return nil
	}

	resp := codec.NewHeaderSet(cmdResponse)
	var sess *crypt.Session
	if setup {
		if c.dec.Opened() || c.enc.Sealed() {
			return c.respondError(req, errs.Crypto, "encryption already established")
		}
		sess = crypt.NewSession(c.cfg.Encryption, c.version.Major, c.version.Minor)
		if err := sess.Respond(req, resp); err != nil {
			c.log.Warn("key exchange failed", zap.Error(err))
			return c.respondError(req, errs.Crypto, err.Error())
		}
	}

	if err := c.signChallenge(req, resp); err != nil {
		c.log.Warn("unable to sign challenge", zap.Error(err))
		return c.respondError(req, errs.Crypto, err.Error())
	}
	if _, proxied := c.cfg.Auth.(*auth.Proxied); !proxied {
		auth.WriteCredentials(resp, c.cfg.Auth.Credentials(c.ctx))
	}

	prepareResponse(req, resp)
	if sess == nil {
		return c.sendControl(resp)
	}

	line := resp.Bytes()
	c.ctrlMu.Lock()
	err := c.enc.EncodeThenSeal(0, line, sess.Cipher())
	c.ctrlMu.Unlock()
	if err != nil {
		return errs.Fatal(errs.Network, "write authenticate response", err)
	}
	c.metrics.sent(len(line))
	c.dec.Open(sess.Cipher())
	return nil
}

func (c *Conn) signChallenge(req, resp *codec.HeaderSet) error {
	if ss, ok := c.cfg.Auth.(*auth.SharedSecret); ok && c.version.Major == 1 && c.version.Minor < 4 {
		return ss.SignChallengeLegacy(req, resp)
	}
	return c.cfg.Auth.SignChallenge(c.ctx, req, resp)
}
