package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/xid"
	"go.uber.org/zap"

	"github.com/dorepo/dop/auth"
	"github.com/dorepo/dop/codec"
	"github.com/dorepo/dop/dop"
	"github.com/dorepo/dop/errs"
)

var benchCmd = &Command{
	Usage: "bench [-config file] [-server-key file] [-sizes mb,...] [target]",
	Short: "measure store and retrieve throughput",
	Long: `bench stores and retrieves objects of growing size and prints the
round trip time and throughput of each transfer.

Without a target an in-process server on a loopback port is measured.`,
	Args: MaxArgs(1),
}

func init() {
	var configPath, serverKey, sizes string
	benchCmd.Flags = func(fs *flag.FlagSet) {
		configFlag(fs, &configPath)
		serverKeyFlag(fs, &serverKey)
		fs.StringVar(&sizes, "sizes", "1,16,64", "comma separated transfer sizes in MB")
	}
	benchCmd.Run = func(ctx context.Context, args []string) error {
		cfg, log, err := clientConfig(configPath)
		if err != nil {
			return err
		}
		defer log.Sync()

		var mbs []int
		for _, s := range strings.Split(sizes, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil || n <= 0 {
				return fmt.Errorf("%w: bad size %q", errUsage, s)
			}
			mbs = append(mbs, n)
		}

		var target string
		key, err := loadServerKey(serverKey)
		if err != nil {
			return err
		}
		if len(args) > 0 {
			target = args[0]
		} else {
			addr, stop, err := benchServer(log)
			if err != nil {
				return err
			}
			defer stop()
			target, key = addr, auth.Anonymous().Signer().Public()
		}

		conn, err := connect(ctx, cfg, target, key)
		if err != nil {
			return err
		}
		defer conn.Close()
		return runBench(ctx, conn, mbs)
	}
}

// benchServer starts a server that lets anonymous callers store data. It
// authenticates as the anonymous identity of this process.
func benchServer(log *zap.Logger) (string, func(), error) {
	m := dop.NewServeMux()
	newMemStore(log.Named("store"), true).Register(m)
	srv, err := dop.NewServer(dop.ServerConfig{Auth: auth.Anonymous(), Handler: m, Logger: log})
	if err != nil {
		return "", nil, err
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}
	go srv.Serve(l)
	return l.Addr().String(), func() { srv.Close() }, nil
}

func runBench(ctx context.Context, conn *dop.ClientConn, mbs []int) error {
	object := "bench/" + xid.New().String()
	if err := perform(ctx, conn, object, dop.OpCreateObject, nil, nil, io.Discard); err != nil {
		return err
	}
	defer perform(ctx, conn, object, dop.OpDeleteObject, nil, nil, io.Discard)

	mb := 1 << 20
	for _, n := range mbs {
		data := make([]byte, n*mb)
		rand.Read(data)

		start := time.Now()
		var ack bytes.Buffer
		if err := perform(ctx, conn, object, dop.OpStoreData, nil, bytes.NewReader(data), &ack); err != nil {
			return err
		}
		if strings.TrimSpace(ack.String()) != strconv.Itoa(len(data)) {
			return errs.Errorf(errs.Storage, "stored %q bytes, sent %d", strings.TrimSpace(ack.String()), len(data))
		}
		report("Store:", len(data), time.Since(start))

		start = time.Now()
		var buf bytes.Buffer
		if err := perform(ctx, conn, object, dop.OpGetData, nil, nil, &buf); err != nil {
			return err
		}
		if !bytes.Equal(buf.Bytes(), data) {
			return fmt.Errorf("retrieved data does not match")
		}
		report("Get:", buf.Len(), time.Since(start))
	}
	return nil
}

func perform(ctx context.Context, conn *dop.ClientConn, object, op string, params *codec.HeaderSet, in io.Reader, out io.Writer) error {
	ch, err := conn.PerformOperation(ctx, object, op, params)
	if err != nil {
		return err
	}
	defer ch.Close()
	if in != nil {
		if _, err := io.Copy(ch, in); err != nil {
			return err
		}
	}
	if err := ch.CloseWrite(); err != nil {
		return err
	}
	_, err = io.Copy(out, ch)
	return err
}

func report(label string, n int, d time.Duration) {
	mb := float64(1 << 20)
	fmt.Println(label, n>>20, "MB", "RTT:", d.Round(time.Microsecond), "Thru:", int(float64(n)/d.Seconds()/mb), "MB/s")
}
