package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dorepo/dop/dop"
	"github.com/dorepo/dop/mux"
)

var serveCmd = &Command{
	Usage: "serve [-config file] [-listen urls] [-allow-anonymous]",
	Short: "run an in-memory object repository",
	Long: `serve runs a repository server that keeps objects in memory.

Listen URLs take the form transport://host:port with transport one of tcp,
tls, unix, ws, wss or quic. The tls, wss and quic transports need the
server TLS material from the configuration.`,
	Args: MaxArgs(0),
}

func init() {
	var configPath, listen string
	var allowAnonymous bool
	serveCmd.Flags = func(fs *flag.FlagSet) {
		configFlag(fs, &configPath)
		fs.StringVar(&listen, "listen", "", "comma separated listen URLs, overriding the configuration")
		fs.BoolVar(&allowAnonymous, "allow-anonymous", false, "let anonymous callers modify objects")
	}
	serveCmd.Run = func(ctx context.Context, args []string) error {
		f, log, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		defer log.Sync()

		cfg, err := f.ServerConfig(log)
		if err != nil {
			return err
		}
		if f.Server.MetricsAddr != "" {
			cfg.Mux.Metrics = mux.NewMetrics(prometheus.DefaultRegisterer)
			go serveMetrics(ctx, f.Server.MetricsAddr, log)
		}

		m := dop.NewServeMux()
		newMemStore(log.Named("store"), allowAnonymous).Register(m)
		cfg.Handler = m

		srv, err := dop.NewServer(cfg)
		if err != nil {
			return err
		}
		urls := f.Server.Listen
		if listen != "" {
			urls = strings.Split(listen, ",")
		}
		log.Info("starting server", zap.String("id", cfg.Auth.ID()), zap.Strings("listen", urls))
		return srv.ListenAndServe(ctx, urls...)
	}
}

func serveMetrics(ctx context.Context, addr string, log *zap.Logger) {
	h := http.NewServeMux()
	h.Handle("/metrics", promhttp.Handler())
	h.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	s := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		s.Close()
	}()
	log.Info("serving metrics", zap.String("addr", addr))
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics server", zap.String("addr", addr), zap.Error(err))
	}
}
