package mux

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/dorepo/dop/codec"
	"github.com/dorepo/dop/errs"
	"github.com/dorepo/dop/mux/frame"
)

// ErrStreamClosed is returned by writes after the output stream closed.
var ErrStreamClosed = errors.New("mux: write to closed stream")

// Channel is a pair of independent streams multiplexed over a Conn.
// Reads drain chunks queued by the dispatcher; writes are buffered and
// sent as chunks when the buffer fills or on Flush.
type Channel struct {
	id   int32
	conn *Conn

	// mu guards the input side.
	mu        sync.Mutex
	queue     []frame.Chunk
	available int
	inClosed  bool
	readWake  chan struct{}
	wantBlock bool
	sentBlock bool
	flowErr   error

	// wmu serializes writers and guards out.
	wmu sync.Mutex
	out []byte

	// omu guards the output state changed by the dispatcher.
	omu       sync.Mutex
	outClosed bool
	blocked   bool
	writeWake chan struct{}
}

func newChannel(c *Conn, id int32) *Channel {
	return &Channel{
		id:        id,
		conn:      c,
		readWake:  make(chan struct{}),
		writeWake: make(chan struct{}),
	}
}

// ID returns the unique identifier of this channel
// within the connection
func (ch *Channel) ID() int32 {
	return ch.id
}

// Conn returns the connection the channel belongs to.
func (ch *Channel) Conn() *Conn {
	return ch.conn
}

func (ch *Channel) String() string {
	return fmt.Sprintf("%s.%d", ch.conn.ID(), ch.id)
}

// push queues a chunk from the dispatcher and asks the peer to block
// once too many bytes are waiting.
func (ch *Channel) push(c frame.Chunk) {
	ch.mu.Lock()
	if ch.inClosed {
		ch.mu.Unlock()
		ch.conn.pool.put(c.Buf)
		return
	}
	ch.queue = append(ch.queue, c)
	ch.available += len(c.Payload)
	close(ch.readWake)
	ch.readWake = make(chan struct{})
	kick := !ch.wantBlock && ch.available > ch.conn.cfg.MaxWindow
	if kick {
		ch.wantBlock = true
	}
	ch.mu.Unlock()
	if kick {
		ch.conn.flow.mark(ch)
	}
}

// Available returns the number of received bytes not yet read.
func (ch *Channel) Available() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.available
}

// Read reads up to len(p) bytes from the channel. It returns io.EOF once
// the peer closed its output and every queued byte was read.
func (ch *Channel) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	ch.mu.Lock()
	if err := ch.flowErr; err != nil {
		ch.flowErr = nil
		ch.mu.Unlock()
		return 0, err
	}
	if err := ch.fill(); err != nil {
		ch.mu.Unlock()
		return 0, err
	}
	head := &ch.queue[0]
	n := copy(p, head.Payload)
	head.Payload = head.Payload[n:]
	if len(head.Payload) == 0 {
		ch.conn.pool.put(head.Buf)
		ch.queue[0] = frame.Chunk{}
		ch.queue = ch.queue[1:]
	}
	ch.available -= n
	kick := ch.wantBlock && ch.available < ch.conn.cfg.MinWindow
	if kick {
		ch.wantBlock = false
	}
	ch.mu.Unlock()
	if kick {
		ch.conn.flow.mark(ch)
	}
	return n, nil
}

// ReadByte reads a single byte, which lets header lines be read
// from a channel without over-reading.
func (ch *Channel) ReadByte() (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(ch, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// fill waits with mu held until the queue is not empty.
func (ch *Channel) fill() error {
	if len(ch.queue) > 0 {
		return nil
	}
	timer := ch.conn.clock.Timer(ch.conn.Timeout())
	defer timer.Stop()
	for len(ch.queue) == 0 {
		if ch.inClosed {
			return io.EOF
		}
		if !ch.conn.IsOpen() {
			return ch.conn.readErr()
		}
		wake := ch.readWake
		ch.mu.Unlock()
		expired := ch.conn.wait(wake, timer.C)
		ch.mu.Lock()
		if expired && len(ch.queue) == 0 && !ch.inClosed && ch.conn.IsOpen() {
			err := errs.Timeout(fmt.Sprintf("timeout waiting for bytes on channel %s", ch))
			ch.mu.Unlock()
			ch.conn.fail(err)
			ch.mu.Lock()
			return ch.conn.closedErr()
		}
	}
	return nil
}

// readErr is what a reader sees once the connection is gone: the end of
// the stream after a clean close, the failure otherwise.
func (c *Conn) readErr() error {
	err := c.Err()
	if cleanClose(err) {
		return io.EOF
	}
	return err
}

// Write writes len(p) bytes to the channel's output buffer, sending a
// chunk each time it fills. It waits while the peer has blocked the
// channel.
func (ch *Channel) Write(p []byte) (n int, err error) {
	ch.wmu.Lock()
	defer ch.wmu.Unlock()
	for len(p) > 0 {
		if err := ch.waitUnblocked(); err != nil {
			return n, err
		}
		if ch.outputClosed() {
			return n, ErrStreamClosed
		}
		if ch.out == nil {
			size := ch.conn.cfg.WriteBufferSize
			ch.out = ch.conn.pool.get(size)[:0:size]
		}
		if len(ch.out) == cap(ch.out) {
			if err := ch.flushLocked(); err != nil {
				return n, err
			}
		}
		k := copy(ch.out[len(ch.out):cap(ch.out)], p)
		ch.out = ch.out[:len(ch.out)+k]
		p = p[k:]
		n += k
	}
	return n, nil
}

// Flush sends any buffered bytes as one chunk.
func (ch *Channel) Flush() error {
	ch.wmu.Lock()
	defer ch.wmu.Unlock()
	return ch.flushLocked()
}

func (ch *Channel) flushLocked() error {
	if len(ch.out) == 0 {
		return nil
	}
	err := ch.conn.writeChunk(ch.id, ch.out)
	ch.out = ch.out[:0]
	return err
}

func (ch *Channel) outputClosed() bool {
	ch.omu.Lock()
	defer ch.omu.Unlock()
	return ch.outClosed
}

func (ch *Channel) setBlocked(blocked bool) {
	ch.omu.Lock()
	if ch.blocked != blocked {
		ch.blocked = blocked
		close(ch.writeWake)
		ch.writeWake = make(chan struct{})
	}
	ch.omu.Unlock()
}

// Blocked reports whether the peer has asked us to pause writes.
func (ch *Channel) Blocked() bool {
	ch.omu.Lock()
	defer ch.omu.Unlock()
	return ch.blocked
}

func (ch *Channel) waitUnblocked() error {
	ch.omu.Lock()
	if !ch.blocked || ch.outClosed {
		ch.omu.Unlock()
		return nil
	}
	ch.omu.Unlock()

	timer := ch.conn.clock.Timer(ch.conn.Timeout())
	defer timer.Stop()
	for {
		ch.omu.Lock()
		if !ch.blocked || ch.outClosed {
			ch.omu.Unlock()
			return nil
		}
		wake := ch.writeWake
		ch.omu.Unlock()
		if !ch.conn.IsOpen() {
			return ch.conn.closedErr()
		}
		if ch.conn.wait(wake, timer.C) && ch.Blocked() && ch.conn.IsOpen() {
			err := errs.Timeout(fmt.Sprintf("timeout while blocked on channel %s", ch))
			ch.conn.fail(err)
			return ch.conn.closedErr()
		}
	}
}

// CloseWrite flushes the output and tells the peer no more bytes will be
// sent. The input side stays readable.
func (ch *Channel) CloseWrite() error {
	ch.wmu.Lock()
	var err error
	if !ch.outputClosed() {
		err = ch.flushLocked()
	}
	if ch.out != nil {
		ch.conn.pool.put(ch.out)
		ch.out = nil
	}
	ch.wmu.Unlock()
	if cerr := ch.closeOutput(true); err == nil {
		err = cerr
	}
	return err
}

// CloseRead discards unread input and tells the peer to stop sending.
func (ch *Channel) CloseRead() error {
	return ch.closeInput(true)
}

// Close closes both streams. The channel is removed from its connection
// once both are closed, by either side.
func (ch *Channel) Close() error {
	err := ch.CloseWrite()
	if rerr := ch.CloseRead(); err == nil {
		err = rerr
	}
	return err
}

// closeOutput marks the output closed. notify is false when the peer
// closed its input, so there is nothing to tell it.
func (ch *Channel) closeOutput(notify bool) error {
	ch.omu.Lock()
	if ch.outClosed {
		ch.omu.Unlock()
		return nil
	}
	ch.outClosed = true
	close(ch.writeWake)
	ch.writeWake = make(chan struct{})
	ch.omu.Unlock()

	var err error
	if notify && ch.conn.IsOpen() {
		err = ch.conn.sendControl(ch.closeStream(streamInput))
	}
	ch.mu.Lock()
	done := ch.inClosed
	ch.mu.Unlock()
	if done {
		ch.conn.removeChannel(ch)
	}
	return err
}

// closeInput marks the input closed and releases queued chunks.
func (ch *Channel) closeInput(notify bool) error {
	ch.mu.Lock()
	if ch.inClosed {
		ch.mu.Unlock()
		return nil
	}
	ch.inClosed = true
	if notify {
		ch.releaseLocked()
	}
	close(ch.readWake)
	ch.readWake = make(chan struct{})
	ch.mu.Unlock()

	var err error
	if notify && ch.conn.IsOpen() {
		err = ch.conn.sendControl(ch.closeStream(streamOutput))
	}
	if ch.outputClosed() {
		ch.conn.removeChannel(ch)
	}
	return err
}

// closeStream names the stream on the peer's side, which is the
// opposite of ours.
func (ch *Channel) closeStream(peerStream string) *codec.HeaderSet {
	msg := codec.NewHeaderSet(cmdCloseStream)
	msg.AddInt("channelid", int(ch.id))
	msg.Add("streamid", peerStream)
	return msg
}

func (ch *Channel) releaseLocked() {
	for _, c := range ch.queue {
		ch.conn.pool.put(c.Buf)
	}
	ch.queue = nil
	ch.available = 0
}

// teardown wakes every waiter after the connection is gone.
func (ch *Channel) teardown() {
	ch.mu.Lock()
	close(ch.readWake)
	ch.readWake = make(chan struct{})
	ch.mu.Unlock()
	ch.omu.Lock()
	close(ch.writeWake)
	ch.writeWake = make(chan struct{})
	ch.omu.Unlock()
}
