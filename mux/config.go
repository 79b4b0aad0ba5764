package mux

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/dorepo/dop/auth"
	"github.com/dorepo/dop/crypt"
)

const (
	// DefaultTimeout bounds every wait on a connection.
	DefaultTimeout = 60 * time.Second

	// DefaultWriteBufferSize is the output buffer of a channel. A full
	// buffer is sent as one chunk.
	DefaultWriteBufferSize = 100000

	// DefaultMaxWindow is the number of unread bytes on a channel above
	// which the peer is asked to block.
	DefaultMaxWindow = 500000

	// DefaultMinWindow is the number of unread bytes below which a
	// blocked peer is released.
	DefaultMinWindow = 200000

	// DefaultPoolSize is the number of idle buffers a connection keeps.
	DefaultPoolSize = 15
)

// Config carries the settings of one connection. The zero value of any
// field selects its default.
type Config struct {
	Timeout         time.Duration
	WriteBufferSize int
	MaxWindow       int
	MinWindow       int
	PoolSize        int

	// Version is the highest protocol version offered or accepted.
	Version Version

	// Auth answers authenticate requests from the peer. Defaults to the
	// anonymous identity.
	Auth auth.Method

	// ProxyAuth, when set, receives authenticate requests that do not
	// set up encryption and its answer is relayed to the peer.
	ProxyAuth auth.Requester

	// Encryption selects the cipher suite this side offers when it
	// responds to a key exchange.
	Encryption crypt.Config

	Listener Listener
	Logger   *zap.Logger
	Clock    clock.Clock
	Metrics  *Metrics
}

// DefaultConfig returns a Config with every default filled in.
func DefaultConfig() Config {
	return Config{
		Timeout:         DefaultTimeout,
		WriteBufferSize: DefaultWriteBufferSize,
		MaxWindow:       DefaultMaxWindow,
		MinWindow:       DefaultMinWindow,
		PoolSize:        DefaultPoolSize,
		Version:         CurrentVersion,
	}
}

func (cfg Config) withDefaults() Config {
	d := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.WriteBufferSize <= 0 {
		cfg.WriteBufferSize = d.WriteBufferSize
	}
	if cfg.MaxWindow <= 0 {
		cfg.MaxWindow = d.MaxWindow
	}
	if cfg.MinWindow <= 0 || cfg.MinWindow > cfg.MaxWindow {
		cfg.MinWindow = cfg.MaxWindow * 2 / 5
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = d.PoolSize
	}
	if cfg.Version == (Version{}) {
		cfg.Version = d.Version
	}
	if cfg.Auth == nil {
		cfg.Auth = auth.Anonymous()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = newMetrics()
	}
	if cfg.Listener == nil {
		cfg.Listener = nopListener{}
	}
	return cfg
}

// Listener is notified of connection events. Callbacks run on the
// dispatcher and must not block.
type Listener interface {
	// ChannelCreated is called when the peer opens a channel.
	ChannelCreated(ch *Channel)

	// ConnectionClosed is called once when the connection is torn down.
	ConnectionClosed(c *Conn, err error)
}

type nopListener struct{}

func (nopListener) ChannelCreated(*Channel)        {}
func (nopListener) ConnectionClosed(*Conn, error) {}
