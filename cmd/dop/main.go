package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	root := &Command{
		Usage: "dop <command> [flags] [args]",
		Long:  `dop is a utility for working with digital object protocol servers`,
	}

	root.AddCommand(callCmd)
	root.AddCommand(serveCmd)
	root.AddCommand(checkCmd)
	root.AddCommand(benchCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.SetFlags(0)
	log.SetOutput(os.Stderr)
	if err := Execute(ctx, root, os.Args[1:]); err != nil {
		stop()
		if errors.Is(err, errUsage) {
			log.Println(err)
			os.Exit(2)
		}
		fatal(err)
	}
}

func fatal(err error) {
	if err != nil {
		log.Fatal(err)
	}
}
