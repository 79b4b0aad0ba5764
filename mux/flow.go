package mux

import (
	"sync"

	"go.uber.org/zap"

	"github.com/dorepo/dop/codec"
)

// flowWorker sends block and unblock messages off the dispatcher. Marks
// coalesce: a channel that flips state several times before the worker
// runs gets at most one message, for the state it ends in.
type flowWorker struct {
	conn  *Conn
	mu    sync.Mutex
	dirty map[*Channel]struct{}
	kick  chan struct{}
}

func newFlowWorker(c *Conn) *flowWorker {
	return &flowWorker{
		conn:  c,
		dirty: make(map[*Channel]struct{}),
		kick:  make(chan struct{}, 1),
	}
}

func (f *flowWorker) mark(ch *Channel) {
	f.mu.Lock()
	f.dirty[ch] = struct{}{}
	f.mu.Unlock()
	select {
	case f.kick <- struct{}{}:
	default:
	}
}

func (f *flowWorker) run() {
	for {
		select {
		case <-f.conn.closed:
			return
		case <-f.kick:
		}
		f.mu.Lock()
		dirty := f.dirty
		f.dirty = make(map[*Channel]struct{})
		f.mu.Unlock()
		for ch := range dirty {
			f.update(ch)
		}
	}
}

func (f *flowWorker) update(ch *Channel) {
	ch.mu.Lock()
	want, sent := ch.wantBlock, ch.sentBlock
	ch.mu.Unlock()
	if want == sent {
		return
	}

	cmd := cmdUnblock
	if want {
		cmd = cmdBlock
	}
	msg := codec.NewHeaderSet(cmd)
	msg.AddInt("channelid", int(ch.id))
	err := f.conn.sendControl(msg)

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if err != nil {
		f.conn.log.Warn("unable to send flow control", zap.String("command", cmd), zap.Stringer("channel", ch), zap.Error(err))
		if want {
			// the peer never heard; try again on the next crossing
			ch.wantBlock = false
		} else {
			ch.flowErr = err
		}
		return
	}
	ch.sentBlock = want
	f.conn.metrics.flow("sent", want)
}
