// Package config reads the TOML file shared by the dop client and server
// processes and turns it into their runtime configurations.
package config

import (
	"crypto/tls"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"

	"github.com/dorepo/dop/auth"
	"github.com/dorepo/dop/crypt"
	"github.com/dorepo/dop/dop"
	"github.com/dorepo/dop/mux"
	"github.com/dorepo/dop/resolve"
)

// File is the on-disk configuration.
//
//	[identity]
//	id = "0.NA/me"
//	key_file = "me.pem"
//
//	[server]
//	listen = ["tcp://:9900", "tls://:9943"]
//
//	[[resolver.service]]
//	id = "0.NA/repo"
//	  [[resolver.service.server]]
//	  id = "1"
//	  host = "repo.example.org"
//	  port = 9900
type File struct {
	Identity   Identity        `toml:"identity"`
	Client     Client          `toml:"client"`
	Server     Server          `toml:"server"`
	Encryption Encryption      `toml:"encryption"`
	Log        Log             `toml:"log"`
	Resolver   resolve.Records `toml:"resolver"`
}

type Identity struct {
	ID         string `toml:"id"`
	KeyFile    string `toml:"key_file"`
	Secret     string `toml:"secret"`
	SecretFile string `toml:"secret_file"`
	// RetrieveCredentials fetches the identity's credentials from its own
	// object before presenting them.
	RetrieveCredentials bool `toml:"retrieve_credentials"`
}

type Client struct {
	Transport         string   `toml:"transport"`
	PreferTLS         bool     `toml:"prefer_tls"`
	DisableEncryption bool     `toml:"disable_encryption"`
	Timeout           Duration `toml:"timeout"`
	RetryAttempts     int      `toml:"retry_attempts"`
	RetryMin          Duration `toml:"retry_min"`
	RetryMax          Duration `toml:"retry_max"`
}

type Server struct {
	Listen       []string `toml:"listen"`
	TLSCertFile  string   `toml:"tls_cert_file"`
	TLSKeyFile   string   `toml:"tls_key_file"`
	KeyCacheSize int      `toml:"key_cache_size"`
	MetricsAddr  string   `toml:"metrics_addr"`
	Timeout      Duration `toml:"timeout"`
}

type Encryption struct {
	Suite        string `toml:"suite"`
	KeyAgreement string `toml:"key_agreement"`
	KeySize      int    `toml:"key_size"`
}

type Log struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// Duration is a time.Duration written as a string such as "30s".
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Default returns the configuration used for keys the file leaves out.
func Default() *File {
	return &File{
		Client: Client{
			Transport:     "tcp",
			RetryAttempts: 1,
		},
		Server: Server{
			Listen:       []string{"tcp://:9900"},
			KeyCacheSize: resolve.DefaultCacheSize,
		},
		Log: Log{Level: "info"},
	}
}

// Load reads path over Default. Unknown keys are an error.
func Load(path string) (*File, error) {
	f := Default()
	meta, err := toml.DecodeFile(path, f)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("load config: unknown keys: %s", strings.Join(keys, ", "))
	}
	if meta.IsDefined("server", "listen") {
		f.Server.Listen = normalize(f.Server.Listen)
	}
	return f, f.validate()
}

func normalize(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if v := strings.TrimSpace(s); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func (f *File) validate() error {
	id := f.Identity
	if id.KeyFile != "" && (id.Secret != "" || id.SecretFile != "") {
		return fmt.Errorf("identity: key_file and secret are exclusive")
	}
	if id.ID == "" && (id.KeyFile != "" || id.Secret != "" || id.SecretFile != "") {
		return fmt.Errorf("identity: id is required with a key or secret")
	}
	switch strings.ToLower(f.Encryption.Suite) {
	case "", "current", "legacy":
	default:
		return fmt.Errorf("encryption: unknown suite %q", f.Encryption.Suite)
	}
	switch strings.ToUpper(f.Encryption.KeyAgreement) {
	case "", crypt.AlgDH, crypt.AlgX25519:
	default:
		return fmt.Errorf("encryption: unknown key agreement %q", f.Encryption.KeyAgreement)
	}
	if (f.Server.TLSCertFile == "") != (f.Server.TLSKeyFile == "") {
		return fmt.Errorf("server: tls_cert_file and tls_key_file go together")
	}
	return nil
}

// Auth returns the configured identity, or the anonymous one.
func (f *File) Auth() (auth.Method, error) {
	id := f.Identity
	switch {
	case id.KeyFile != "":
		return auth.LoadPublicKey(id.ID, id.KeyFile)
	case id.SecretFile != "":
		b, err := os.ReadFile(id.SecretFile)
		if err != nil {
			return nil, fmt.Errorf("identity: %w", err)
		}
		return auth.NewSharedSecret(id.ID, []byte(strings.TrimSpace(string(b)))), nil
	case id.Secret != "":
		return auth.NewSharedSecret(id.ID, []byte(id.Secret)), nil
	}
	return auth.Anonymous(), nil
}

// Logger builds the process logger.
func (f *File) Logger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if f.Log.Development {
		cfg = zap.NewDevelopmentConfig()
	}
	if f.Log.Level != "" {
		lvl, err := zap.ParseAtomicLevel(f.Log.Level)
		if err != nil {
			return nil, fmt.Errorf("log: %w", err)
		}
		cfg.Level = lvl
	}
	return cfg.Build()
}

func (f *File) muxConfig(timeout Duration, log *zap.Logger) mux.Config {
	mcfg := mux.DefaultConfig()
	if timeout > 0 {
		mcfg.Timeout = time.Duration(timeout)
	}
	mcfg.Logger = log
	if strings.EqualFold(f.Encryption.Suite, "legacy") {
		mcfg.Encryption.Suite = crypt.Legacy
	}
	mcfg.Encryption.KeyAgreement = strings.ToUpper(f.Encryption.KeyAgreement)
	mcfg.Encryption.KeySize = f.Encryption.KeySize
	return mcfg
}

// ClientConfig builds the settings of a connecting process. The static
// resolver records of the file become its resolver.
func (f *File) ClientConfig(log *zap.Logger) (dop.ClientConfig, error) {
	a, err := f.Auth()
	if err != nil {
		return dop.ClientConfig{}, err
	}
	r, err := f.Resolver.Static()
	if err != nil {
		return dop.ClientConfig{}, err
	}
	cfg := dop.DefaultClientConfig()
	cfg.Auth = a
	cfg.Transport = f.Client.Transport
	cfg.PreferTLS = f.Client.PreferTLS
	cfg.DisableEncryption = f.Client.DisableEncryption
	cfg.Resolver = r
	cfg.Retry = dop.RetryConfig{
		Attempts: f.Client.RetryAttempts,
		Min:      time.Duration(f.Client.RetryMin),
		Max:      time.Duration(f.Client.RetryMax),
	}
	cfg.Mux = f.muxConfig(f.Client.Timeout, log)
	cfg.Logger = log

	if pk, ok := a.(*auth.PublicKey); ok && f.Identity.RetrieveCredentials {
		pk.Cache().Source = dop.CredentialSource(cfg)
		pk.Cache().OnError = func(err error) {
			log.Warn("unable to retrieve credentials", zap.String("id", pk.ID()), zap.Error(err))
		}
	}
	return cfg, nil
}

// ServerConfig builds the settings of a serving process. The handler is
// left for the caller.
func (f *File) ServerConfig(log *zap.Logger) (dop.ServerConfig, error) {
	a, err := f.Auth()
	if err != nil {
		return dop.ServerConfig{}, err
	}
	r, err := f.Resolver.Static()
	if err != nil {
		return dop.ServerConfig{}, err
	}
	cfg := dop.ServerConfig{
		Auth:         a,
		Resolver:     r,
		KeyCacheSize: f.Server.KeyCacheSize,
		Mux:          f.muxConfig(f.Server.Timeout, log),
		Logger:       log,
	}
	if f.Server.TLSCertFile != "" {
		cert, err := tls.LoadX509KeyPair(f.Server.TLSCertFile, f.Server.TLSKeyFile)
		if err != nil {
			return dop.ServerConfig{}, fmt.Errorf("server tls: %w", err)
		}
		cfg.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}
	return cfg, nil
}
