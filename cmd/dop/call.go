package main

import (
	"context"
	"flag"
	"io"
	"os"

	"github.com/progrium/clon-go"

	"github.com/dorepo/dop/codec"
)

var callCmd = &Command{
	Usage: "call [-config file] [-server-key file] [-in file] <target> <objectid> <operationid> [key=value...]",
	Short: "perform an operation on an object",
	Long: `call performs one operation and copies its output to stdout.

The target is transport://host:port, host:port, or a service ID from the
resolver section of the configuration. Params use CLON syntax, for example
element=content.`,
	Args: MinArgs(3),
}

func init() {
	var configPath, serverKey, input string
	callCmd.Flags = func(fs *flag.FlagSet) {
		configFlag(fs, &configPath)
		serverKeyFlag(fs, &serverKey)
		fs.StringVar(&input, "in", "", "file sent as operation input, - for stdin")
	}
	callCmd.Run = func(ctx context.Context, args []string) error {
		cfg, log, err := clientConfig(configPath)
		if err != nil {
			return err
		}
		defer log.Sync()

		var params *codec.HeaderSet
		if len(args) > 3 {
			v, err := clon.Parse(args[3:])
			if err != nil {
				return err
			}
			params = headersFrom(v)
		}

		key, err := loadServerKey(serverKey)
		if err != nil {
			return err
		}
		conn, err := connect(ctx, cfg, args[0], key)
		if err != nil {
			return err
		}
		defer conn.Close()

		ch, err := conn.PerformOperation(ctx, args[1], args[2], params)
		if err != nil {
			return err
		}
		defer ch.Close()

		go func() {
			defer ch.CloseWrite()
			var r io.Reader
			switch input {
			case "":
				return
			case "-":
				r = os.Stdin
			default:
				f, err := os.Open(input)
				if err != nil {
					log.Sugar().Warnf("input: %v", err)
					return
				}
				defer f.Close()
				r = f
			}
			if _, err := io.Copy(ch, r); err != nil {
				log.Sugar().Warnf("input: %v", err)
			}
		}()

		_, err = io.Copy(os.Stdout, ch)
		return err
	}
}
