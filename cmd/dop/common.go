package main

import (
	"context"
	"crypto"
	"flag"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/dorepo/dop/auth"
	"github.com/dorepo/dop/codec"
	"github.com/dorepo/dop/config"
	"github.com/dorepo/dop/dop"
	"github.com/dorepo/dop/resolve"
	"github.com/dorepo/dop/transport"
)

func configFlag(fs *flag.FlagSet, p *string) {
	fs.StringVar(p, "config", "", "path to a TOML configuration file")
}

func serverKeyFlag(fs *flag.FlagSet, p *string) {
	fs.StringVar(p, "server-key", "", "PEM public key of a server dialed by address")
}

func loadServerKey(path string) (crypto.PublicKey, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return auth.ParsePublicKey(b)
}

func loadConfig(path string) (*config.File, *zap.Logger, error) {
	f := config.Default()
	if path != "" {
		var err error
		if f, err = config.Load(path); err != nil {
			return nil, nil, err
		}
	}
	log, err := f.Logger()
	if err != nil {
		return nil, nil, err
	}
	return f, log, nil
}

func clientConfig(path string) (dop.ClientConfig, *zap.Logger, error) {
	f, log, err := loadConfig(path)
	if err != nil {
		return dop.ClientConfig{}, nil, err
	}
	cfg, err := f.ClientConfig(log)
	return cfg, log, err
}

// connect dials target, which is either "transport://host:port", a bare
// "host:port", or a service ID known to the configured resolver. A server
// dialed by address is authenticated with key, else with the keys
// resolved for the address.
func connect(ctx context.Context, cfg dop.ClientConfig, target string, key crypto.PublicKey) (*dop.ClientConn, error) {
	if !strings.Contains(target, "://") {
		if _, _, err := net.SplitHostPort(target); err != nil {
			return dop.DialService(ctx, target, cfg)
		}
	}
	network, addr := transport.ParseURL(target)
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("bad port in %q: %w", target, err)
	}
	cfg.Transport = network
	cfg.PreferTLS = false
	return dop.DialServer(ctx, resolve.ServerInfo{ServerID: addr, Host: host, Port: p, PublicKey: key}, cfg)
}

// headersFrom flattens parsed command line params into operation params.
// Nested maps become sub-headers and lists become string arrays.
func headersFrom(v any) *codec.HeaderSet {
	h := codec.NewHeaderSet(paramsType)
	m, ok := v.(map[string]any)
	if !ok {
		return h
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch val := m[k].(type) {
		case map[string]any:
			h.AddHeaders(k, headersFrom(val))
		case []any:
			ss := make([]string, len(val))
			for i, e := range val {
				ss[i] = fmt.Sprint(e)
			}
			h.AddStrings(k, ss)
		case nil:
			h.AddFlag(k)
		default:
			h.Add(k, fmt.Sprint(val))
		}
	}
	return h
}

const paramsType = "params"
