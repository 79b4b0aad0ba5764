// Package mux multiplexes numbered channels over a single stream
// transport. Channel 0 carries newline-terminated control messages;
// every other channel carries raw bytes subject to block/unblock flow
// control. A single dispatcher goroutine per connection reads chunks,
// handles control messages and queues data for channel readers.
package mux

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/xid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dorepo/dop/auth"
	"github.com/dorepo/dop/codec"
	"github.com/dorepo/dop/errs"
	"github.com/dorepo/dop/mux/frame"
)

// ErrClosed is the error of a connection closed locally.
var ErrClosed = errors.New("mux: connection closed")

// Conn is one multiplexed connection. It is created by Client or Server
// once the opening version exchange has completed.
type Conn struct {
	id      xid.ID
	t       io.ReadWriteCloser
	cfg     Config
	log     *zap.Logger
	clock   clock.Clock
	metrics *Metrics
	server  bool
	version Version

	enc  *frame.Encoder
	dec  *frame.Decoder
	pool *pool
	flow *flowWorker

	// ctrlMu serializes control messages so that a response that turns
	// on encryption is never interleaved with another control write.
	ctrlMu sync.Mutex

	// ctrlBuf accumulates control bytes up to the next newline. Only
	// the dispatcher touches it.
	ctrlBuf []byte

	timeout atomic.Int64

	nextChannel atomic.Int32
	nextRequest atomic.Uint64

	mu          sync.Mutex
	chans       map[int32]*Channel
	maxRemoteID int32
	pending     map[string]*exchange
	err         error
	closeErr    error

	ctx       context.Context
	cancel    context.CancelFunc
	closed    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Client performs the opening exchange as the connecting side and starts
// the dispatcher.
func Client(t io.ReadWriteCloser, cfg Config) (*Conn, error) {
	return open(t, cfg, false)
}

// Server performs the opening exchange as the accepting side and starts
// the dispatcher.
func Server(t io.ReadWriteCloser, cfg Config) (*Conn, error) {
	return open(t, cfg, true)
}

func open(t io.ReadWriteCloser, cfg Config, server bool) (*Conn, error) {
	cfg = cfg.withDefaults()
	r := bufio.NewReader(t)
	var v Version
	err := withDeadline(t, cfg.Timeout, func() (err error) {
		if server {
			v, err = serverHello(t, r, cfg.Version)
		} else {
			v, err = clientHello(t, r, cfg.Version)
		}
		return err
	})
	if err != nil {
		t.Close()
		return nil, err
	}
	c := newConn(t, r, cfg, server, v)
	go c.loop()
	go c.flow.run()
	return c, nil
}

func newConn(t io.ReadWriteCloser, r io.Reader, cfg Config, server bool, v Version) *Conn {
	id := xid.New()
	role := "client"
	if server {
		role = "server"
	}
	fields := []zap.Field{zap.String("conn", id.String()), zap.String("role", role), zap.Stringer("version", v)}
	if nc, ok := t.(net.Conn); ok {
		fields = append(fields, zap.Stringer("remote", nc.RemoteAddr()))
	}
	c := &Conn{
		id:      id,
		t:       t,
		cfg:     cfg,
		log:     cfg.Logger.Named("mux").With(fields...),
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
		server:  server,
		version: v,
		enc:     frame.NewEncoder(t),
		dec:     frame.NewDecoder(r),
		pool:    newPool(cfg.PoolSize),
		chans:   make(map[int32]*Channel),
		pending: make(map[string]*exchange),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.dec.Alloc = c.pool.get
	c.flow = newFlowWorker(c)
	c.timeout.Store(int64(cfg.Timeout))
	c.nextChannel.Store(1)
	c.log.Debug("connection open")
	return c
}

// ID identifies the connection in logs.
func (c *Conn) ID() string {
	return c.id.String()
}

// Version returns the negotiated protocol version.
func (c *Conn) Version() Version {
	return c.version
}

// IsServer reports whether this side accepted the connection.
func (c *Conn) IsServer() bool {
	return c.server
}

// Auth returns the method that answers the peer's challenges.
func (c *Conn) Auth() auth.Method {
	return c.cfg.Auth
}

// Logger returns the connection's logger.
func (c *Conn) Logger() *zap.Logger {
	return c.log
}

// Transport returns the underlying transport.
func (c *Conn) Transport() io.ReadWriteCloser {
	return c.t
}

// Context is cancelled when the connection is torn down.
func (c *Conn) Context() context.Context {
	return c.ctx
}

// Timeout returns the current protocol timeout.
func (c *Conn) Timeout() time.Duration {
	return time.Duration(c.timeout.Load())
}

// SetTimeout changes the protocol timeout for every later wait.
func (c *Conn) SetTimeout(d time.Duration) {
	c.timeout.Store(int64(d))
}

// Encrypted reports whether chunks are encrypted in both directions.
func (c *Conn) Encrypted() bool {
	return c.enc.Sealed() && c.dec.Opened()
}

// IsOpen reports whether the connection has not been torn down.
func (c *Conn) IsOpen() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

// Done is closed when the connection is torn down.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// Err returns the error that tore the connection down, or nil while it
// is open. A local Close yields ErrClosed.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Wait blocks until the dispatcher exits. It returns nil when the
// connection was closed cleanly by either side.
func (c *Conn) Wait() error {
	<-c.done
	err := c.Err()
	if cleanClose(err) {
		return nil
	}
	return err
}

// Close tears the connection down. Waiters on its channels observe the
// end of their streams.
func (c *Conn) Close() error {
	c.fail(ErrClosed)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

func cleanClose(err error) bool {
	return err == nil || errors.Is(err, ErrClosed) || errors.Is(err, io.EOF)
}

// fail tears the connection down once, recording err for every waiter.
func (c *Conn) fail(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		chans := make([]*Channel, 0, len(c.chans))
		for _, ch := range c.chans {
			chans = append(chans, ch)
		}
		c.chans = make(map[int32]*Channel)
		c.pending = make(map[string]*exchange)
		c.mu.Unlock()

		close(c.closed)
		c.cancel()
		closeErr := c.t.Close()

		for _, ch := range chans {
			ch.teardown()
		}
		c.metrics.OpenChannels.Sub(float64(len(chans)))
		c.pool.clear()

		if cleanClose(err) {
			c.log.Debug("connection closed", zap.Error(err))
		} else {
			c.log.Info("connection failed", zap.Error(err))
		}
		c.cfg.Listener.ConnectionClosed(c, err)

		c.mu.Lock()
		if !errors.Is(closeErr, net.ErrClosed) {
			c.closeErr = multierr.Append(c.closeErr, closeErr)
		}
		c.mu.Unlock()
	})
}

// closedErr is returned by operations attempted after teardown.
func (c *Conn) closedErr() error {
	if err := c.Err(); err != nil {
		return err
	}
	return ErrClosed
}

// writeChunk sends one chunk. A transport error is fatal.
func (c *Conn) writeChunk(id int32, p []byte) error {
	if !c.IsOpen() {
		return c.closedErr()
	}
	if err := c.enc.Encode(id, p); err != nil {
		cerr := errs.Fatal(errs.Network, fmt.Sprintf("write chunk on channel %d", id), err)
		c.fail(cerr)
		return c.closedErr()
	}
	c.metrics.sent(len(p))
	return nil
}

func (c *Conn) loop() {
	defer close(c.done)
	var err error
	for {
		if err = c.oneChunk(); err != nil {
			break
		}
	}
	switch {
	case errs.IsFatal(err) || errors.Is(err, ErrClosed):
	case err == io.EOF:
		err = errs.Fatal(errs.Network, "connection closed by peer", io.EOF)
	case errs.KindOf(err) == errs.Crypto:
		err = errs.Fatal(errs.Crypto, "decrypt chunk", err)
	case errors.Is(err, frame.ErrChunkTooLarge):
		err = errs.Fatal(errs.Protocol, "read chunk", err)
	default:
		if !c.IsOpen() {
			err = c.Err()
		} else {
			err = errs.Fatal(errs.Network, "read chunk", err)
		}
	}
	c.fail(err)
}

func (c *Conn) oneChunk() error {
	chunk, err := c.dec.Decode()
	if err != nil {
		return err
	}
	c.metrics.received(len(chunk.Payload))

	if chunk.ChannelID == frame.ControlChannel {
		c.ctrlBuf = append(c.ctrlBuf, chunk.Payload...)
		c.pool.put(chunk.Buf)
		for {
			i := bytes.IndexByte(c.ctrlBuf, '\n')
			if i < 0 {
				break
			}
			msg := codec.Parse(c.ctrlBuf[:i])
			c.ctrlBuf = append(c.ctrlBuf[:0], c.ctrlBuf[i+1:]...)
			if msg.Type == "" && msg.Len() == 0 {
				continue
			}
			if err := c.handleControl(msg); err != nil {
				return err
			}
		}
		if len(c.ctrlBuf) > codec.MaxLineSize {
			return errs.Fatal(errs.Protocol, "control message too long", codec.ErrLineTooLong)
		}
		return nil
	}

	ch := c.channelForChunk(chunk.ChannelID)
	if ch == nil {
		c.log.Debug("dropped chunk for unknown channel", zap.Int32("channel", chunk.ChannelID))
		c.pool.put(chunk.Buf)
		return nil
	}
	ch.push(chunk)
	return nil
}

// channelForChunk finds the channel a data chunk belongs to. A server
// registers a channel it has never seen, since data may race the
// openchannel message; a channel that was closed is not revived.
func (c *Conn) channelForChunk(id int32) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.chans[id]; ok {
		return ch
	}
	if !c.server || id <= c.maxRemoteID {
		return nil
	}
	return c.registerLocked(id)
}

func (c *Conn) registerLocked(id int32) *Channel {
	ch := newChannel(c, id)
	c.chans[id] = ch
	if c.server && id > c.maxRemoteID {
		c.maxRemoteID = id
	}
	c.metrics.OpenChannels.Inc()
	return ch
}

// Channel returns the open channel with the given ID.
func (c *Conn) Channel(id int32) (*Channel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.chans[id]
	return ch, ok
}

// NumChannels returns the number of registered channels.
func (c *Conn) NumChannels() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chans)
}

func (c *Conn) removeChannel(ch *Channel) {
	c.mu.Lock()
	cur, ok := c.chans[ch.id]
	if ok && cur == ch {
		delete(c.chans, ch.id)
	}
	c.mu.Unlock()
	if ok && cur == ch {
		c.metrics.OpenChannels.Dec()
	}
}

// OpenChannel creates a new channel and waits for the peer to accept it.
// Only the connecting side opens channels.
func (c *Conn) OpenChannel(ctx context.Context) (*Channel, error) {
	if c.server {
		return nil, errs.New(errs.Protocol, "only clients can open channels")
	}
	id := c.nextChannel.Add(1) - 1
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil, c.closedErr()
	}
	ch := c.registerLocked(id)
	c.mu.Unlock()

	req := codec.NewHeaderSet(cmdOpenChannel)
	req.AddInt("channelid", int(id))
	resp, err := c.Request(ctx, req)
	if err != nil {
		c.removeChannel(ch)
		return nil, err
	}
	if strings.EqualFold(resp.GetString("status", statusSuccess), statusError) {
		c.removeChannel(ch)
		return nil, errs.Errorf(errs.Protocol, "open channel %d: %s", id, resp.GetString("message", "refused"))
	}
	return ch, nil
}

// wait blocks until wake is closed, the connection is torn down or the
// timer fires. It reports whether the timer fired.
func (c *Conn) wait(wake <-chan struct{}, timer <-chan time.Time) bool {
	select {
	case <-wake:
		return false
	case <-c.closed:
		return false
	case <-timer:
		return true
	}
}
