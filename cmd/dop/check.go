package main

import (
	"context"
	"flag"
	"fmt"
	"time"
)

var checkCmd = &Command{
	Usage: "check [-config file] [-server-key file] [-object id] <target>",
	Short: "check the handshake and authentication with a server",
	Args:  MinArgs(1),
}

func init() {
	var configPath, serverKey, object string
	checkCmd.Flags = func(fs *flag.FlagSet) {
		configFlag(fs, &configPath)
		serverKeyFlag(fs, &serverKey)
		fs.StringVar(&object, "object", "", "also list the operations offered on this object")
	}
	checkCmd.Run = func(ctx context.Context, args []string) error {
		cfg, log, err := clientConfig(configPath)
		if err != nil {
			return err
		}
		defer log.Sync()

		start := time.Now()
		key, err := loadServerKey(serverKey)
		if err != nil {
			return err
		}
		conn, err := connect(ctx, cfg, args[0], key)
		if err != nil {
			return err
		}
		defer conn.Close()

		srv := conn.Server()
		fmt.Println("Server:", srv.ServerID, srv.Addr())
		fmt.Println("Version:", conn.Version())
		fmt.Println("Identity:", conn.Auth().ID())
		fmt.Println("Encrypted:", conn.Encrypted())
		fmt.Println("Handshake:", time.Since(start).Round(time.Microsecond))

		if object == "" {
			return nil
		}
		ops, err := conn.ListOperations(ctx, object)
		if err != nil {
			return err
		}
		for _, op := range ops {
			fmt.Println("Operation:", op)
		}
		return nil
	}
}
