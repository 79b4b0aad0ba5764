package dop

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jpillora/backoff"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/dorepo/dop/codec"
	"github.com/dorepo/dop/errs"
	"github.com/dorepo/dop/mux"
	"github.com/dorepo/dop/resolve"
)

// RetryConfig bounds how a Client reconnects to a service. Only network
// failures and timeouts are retried.
type RetryConfig struct {
	// Attempts is the total number of connection attempts. Values below
	// one mean a single attempt.
	Attempts int
	Min      time.Duration
	Max      time.Duration
}

// Client performs operations on objects by service, keeping one open
// connection per service and reconnecting when it closes.
type Client struct {
	cfg   ClientConfig
	log   *zap.Logger
	clock clock.Clock
	group singleflight.Group

	mu    sync.Mutex
	conns map[string]*ClientConn
}

func NewClient(cfg ClientConfig) *Client {
	cfg = cfg.withDefaults()
	clk := cfg.Mux.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Client{
		cfg:   cfg,
		log:   cfg.Logger.Named("dop.client"),
		clock: clk,
		conns: make(map[string]*ClientConn),
	}
}

// Connect returns the open connection to serviceID, dialing a new one
// when there is none.
func (c *Client) Connect(ctx context.Context, serviceID string) (*ClientConn, error) {
	c.mu.Lock()
	conn, ok := c.conns[serviceID]
	c.mu.Unlock()
	if ok && conn.IsOpen() {
		return conn, nil
	}
	v, err, _ := c.group.Do(serviceID, func() (interface{}, error) {
		conn, err := c.dial(ctx, serviceID)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if old, ok := c.conns[serviceID]; ok && old != conn {
			old.Close()
		}
		c.conns[serviceID] = conn
		c.mu.Unlock()
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ClientConn), nil
}

func (c *Client) dial(ctx context.Context, serviceID string) (*ClientConn, error) {
	b := &backoff.Backoff{
		Min:    c.cfg.Retry.Min,
		Max:    c.cfg.Retry.Max,
		Factor: 2,
		Jitter: true,
	}
	for {
		conn, err := DialService(ctx, serviceID, c.cfg)
		if err == nil {
			return conn, nil
		}
		if !retryable(err) || int(b.Attempt())+1 >= c.cfg.Retry.Attempts {
			return nil, err
		}
		d := b.Duration()
		c.log.Debug("connect failed, retrying",
			zap.String("service", serviceID),
			zap.Duration("wait", d),
			zap.Error(err),
		)
		t := c.clock.Timer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}
}

func retryable(err error) bool {
	return errs.KindOf(err) == errs.Network || errs.IsTimeout(err)
}

// ResolveRepository returns the repository service of objectID.
func (c *Client) ResolveRepository(ctx context.Context, objectID string) (string, error) {
	rr, ok := c.cfg.Resolver.(resolve.RepositoryResolver)
	if !ok {
		return "", errs.Errorf(errs.UnableToLocate, "unable to locate repository for %q", objectID)
	}
	return rr.ResolveRepository(ctx, objectID)
}

// PerformOperation performs operationID on objectID at the repository
// service repoID. An empty repoID is resolved from the object.
func (c *Client) PerformOperation(ctx context.Context, repoID, objectID, operationID string, params *codec.HeaderSet) (*mux.Channel, error) {
	if repoID == "" {
		var err error
		if repoID, err = c.ResolveRepository(ctx, objectID); err != nil {
			return nil, err
		}
	}
	conn, err := c.Connect(ctx, repoID)
	if err != nil {
		return nil, err
	}
	return conn.PerformOperation(ctx, objectID, operationID, params)
}

// ListOperations returns the operations the repository offers on
// objectID.
func (c *Client) ListOperations(ctx context.Context, repoID, objectID string) ([]string, error) {
	ch, err := c.PerformOperation(ctx, repoID, objectID, OpListOperations, nil)
	if err != nil {
		return nil, err
	}
	defer ch.Close()
	ch.CloseWrite()
	return readOperations(ch)
}

// Close closes every cached connection.
func (c *Client) Close() error {
	c.mu.Lock()
	conns := c.conns
	c.conns = make(map[string]*ClientConn)
	c.mu.Unlock()

	var err error
	for _, conn := range conns {
		err = multierr.Append(err, conn.Close())
	}
	return err
}
