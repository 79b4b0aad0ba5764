package dop

import (
	"context"
	"crypto"
	"io"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/dorepo/dop/codec"
	"github.com/dorepo/dop/errs"
	"github.com/dorepo/dop/mux"
)

type Handler interface {
	ServeDOP(Responder, *Request)
}

type HandlerFunc func(Responder, *Request)

func (f HandlerFunc) ServeDOP(resp Responder, req *Request) {
	f(resp, req)
}

// Request is an operation performed by a client.
type Request struct {
	Conn        *ServerConn
	CallerID    string
	ObjectID    string
	OperationID string
	Params      *codec.HeaderSet

	// Channel carries the operation input after the request line. Output
	// is written through the Responder.
	Channel *mux.Channel

	ctx context.Context
}

// Context is cancelled when the operation returns or the connection
// closes.
func (r *Request) Context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// Read reads operation input.
func (r *Request) Read(p []byte) (int, error) {
	return r.Channel.Read(p)
}

// Authenticate challenges the caller to prove its identity, with
// optional secret and key to check against before the resolver.
func (r *Request) Authenticate(secret []byte, pub crypto.PublicKey) (bool, error) {
	return r.Conn.AuthenticateClient(r.Context(), r.CallerID, secret, pub)
}

// Responder answers one operation. Exactly one of Success or Error is
// sent; writing output sends Success first when neither was.
type Responder interface {
	Success() error
	Error(err error) error
	Write(p []byte) (int, error)
	Flush() error
	// Hijack takes the channel over. The server will neither respond on
	// it nor close it.
	Hijack() *mux.Channel
}

type responder struct {
	ch        *mux.Channel
	mu        sync.Mutex
	responded bool
	hijacked  bool
}

func (r *responder) send(h *codec.HeaderSet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.responded {
		return errs.New(errs.ServerError, "operation already responded")
	}
	r.responded = true
	if err := codec.NewEncoder(r.ch).Encode(h); err != nil {
		return err
	}
	return r.ch.Flush()
}

func (r *responder) Success() error {
	return r.send(successResponse())
}

func (r *responder) Error(err error) error {
	return r.send(errorResponse(err))
}

func (r *responder) Write(p []byte) (int, error) {
	r.mu.Lock()
	responded := r.responded
	r.mu.Unlock()
	if !responded {
		if err := r.Success(); err != nil {
			return 0, err
		}
	}
	return r.ch.Write(p)
}

func (r *responder) Flush() error {
	return r.ch.Flush()
}

func (r *responder) state() (responded, hijacked bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.responded, r.hijacked
}

func (r *responder) Hijack() *mux.Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responded = true
	r.hijacked = true
	return r.ch
}

// ServeMux dispatches operations to handlers by operation ID, ignoring
// case. It answers OpListOperations itself unless a handler is
// registered for it.
type ServeMux struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	names    map[string]string
	fallback Handler
}

func NewServeMux() *ServeMux {
	return &ServeMux{
		handlers: make(map[string]Handler),
		names:    make(map[string]string),
	}
}

func cleanOperation(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func (m *ServeMux) Handle(operationID string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := cleanOperation(operationID)
	m.handlers[key] = h
	m.names[key] = strings.TrimSpace(operationID)
}

func (m *ServeMux) HandleFunc(operationID string, fn func(Responder, *Request)) {
	m.Handle(operationID, HandlerFunc(fn))
}

// HandleFallback serves operations no other handler matches. Its
// operations are not listed.
func (m *ServeMux) HandleFallback(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = h
}

func (m *ServeMux) Remove(operationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := cleanOperation(operationID)
	delete(m.handlers, key)
	delete(m.names, key)
}

// Operations lists the registered operation IDs, sorted.
func (m *ServeMux) Operations() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ops := make([]string, 0, len(m.names))
	for _, name := range m.names {
		ops = append(ops, name)
	}
	sort.Strings(ops)
	return ops
}

// Handler returns the handler for operationID, or nil.
func (m *ServeMux) Handler(operationID string) Handler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if h, ok := m.handlers[cleanOperation(operationID)]; ok {
		return h
	}
	return m.fallback
}

func (m *ServeMux) ServeDOP(resp Responder, req *Request) {
	if h := m.Handler(req.OperationID); h != nil {
		h.ServeDOP(resp, req)
		return
	}
	if cleanOperation(req.OperationID) == OpListOperations {
		resp.Success()
		for _, op := range m.Operations() {
			if _, err := io.WriteString(resp, op+"\n"); err != nil {
				return
			}
		}
		return
	}
	resp.Error(errs.Errorf(errs.OperationNotAvailable, "Operation '%s' not available", req.OperationID))
}

// ForwardHandler relays every operation to the server behind dst and
// splices the two channels until both sides finish.
func ForwardHandler(dst *ClientConn) Handler {
	return HandlerFunc(func(resp Responder, req *Request) {
		out, err := dst.OpenChannel(req.Context())
		if err != nil {
			resp.Error(errs.Wrap(errs.Network, err, "forward operation"))
			return
		}
		hdr := OperationHeader{CallerID: req.CallerID, ObjectID: req.ObjectID, OperationID: req.OperationID}
		if err := codec.NewEncoder(out).Encode(hdr.encode(req.Params)); err != nil {
			out.Close()
			resp.Error(errs.Wrap(errs.Network, err, "forward operation"))
			return
		}
		if err := out.Flush(); err != nil {
			out.Close()
			resp.Error(errs.Wrap(errs.Network, err, "forward operation"))
			return
		}
		dst.log.Debug("forwarding operation",
			zap.String("object", req.ObjectID),
			zap.String("operation", req.OperationID),
		)
		mux.Splice(resp.Hijack(), out)
	})
}
