package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
)

var errUsage = errors.New("usage")

// Command is one subcommand of the dop tool.
type Command struct {
	Usage string
	Short string
	Long  string

	// Args validates the positional arguments left after flag parsing.
	Args PositionalArgs

	// Flags registers the command's flags before parsing.
	Flags func(fs *flag.FlagSet)

	Run func(ctx context.Context, args []string) error

	commands []*Command
}

type PositionalArgs func(args []string) error

func MinArgs(n int) PositionalArgs {
	return func(args []string) error {
		if len(args) < n {
			return fmt.Errorf("%w: requires at least %d arg(s), only received %d", errUsage, n, len(args))
		}
		return nil
	}
}

func MaxArgs(n int) PositionalArgs {
	return func(args []string) error {
		if len(args) > n {
			return fmt.Errorf("%w: accepts at most %d arg(s), received %d", errUsage, n, len(args))
		}
		return nil
	}
}

func (c *Command) AddCommand(sub *Command) {
	c.commands = append(c.commands, sub)
}

func (c *Command) name() string {
	name, _, _ := strings.Cut(c.Usage, " ")
	return name
}

func (c *Command) find(name string) *Command {
	for _, sub := range c.commands {
		if sub.name() == name {
			return sub
		}
	}
	return nil
}

func (c *Command) printUsage(w io.Writer, fs *flag.FlagSet) {
	if c.Long != "" {
		fmt.Fprintf(w, "%s\n\n", c.Long)
	} else if c.Short != "" {
		fmt.Fprintf(w, "%s\n\n", c.Short)
	}
	fmt.Fprintf(w, "Usage: %s\n", c.Usage)
	if len(c.commands) > 0 {
		subs := append([]*Command(nil), c.commands...)
		sort.Slice(subs, func(i, j int) bool { return subs[i].name() < subs[j].name() })
		fmt.Fprintln(w, "\nCommands:")
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, sub := range subs {
			fmt.Fprintf(tw, "  %s\t%s\n", sub.name(), sub.Short)
		}
		tw.Flush()
	}
	if fs != nil {
		fmt.Fprintln(w, "\nFlags:")
		fs.SetOutput(w)
		fs.PrintDefaults()
	}
}

// Execute picks the subcommand named by args[0], parses its flags and runs
// it.
func Execute(ctx context.Context, root *Command, args []string) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "-help" || args[0] == "help" {
		root.printUsage(os.Stderr, nil)
		return nil
	}
	cmd := root.find(args[0])
	if cmd == nil {
		root.printUsage(os.Stderr, nil)
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}

	fs := flag.NewFlagSet(cmd.name(), flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if cmd.Flags != nil {
		cmd.Flags(fs)
	}
	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			cmd.printUsage(os.Stderr, fs)
			return nil
		}
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if cmd.Args != nil {
		if err := cmd.Args(fs.Args()); err != nil {
			cmd.printUsage(os.Stderr, fs)
			return err
		}
	}
	return cmd.Run(ctx, fs.Args())
}
