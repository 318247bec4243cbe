package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"
)

// errHelp is returned after help has been printed so main exits 0.
var errHelp = errors.New("help requested")

// command is one node of the nodectl command tree.
type command struct {
	name    string
	summary string
	usage   string

	// flags is called once per invocation; nil means no flags.
	flags func() *pflag.FlagSet
	run   func(fs *pflag.FlagSet, args []string) error

	subcommands []*command
}

func isHelpFlag(arg string) bool {
	return arg == "-h" || arg == "--help" || arg == "help"
}

// execute dispatches args to a subcommand or parses flags and runs.
func (c *command) execute(w io.Writer, path string, args []string) error {
	path = strings.TrimSpace(path + " " + c.name)

	if len(c.subcommands) > 0 {
		if len(args) == 0 || isHelpFlag(args[0]) {
			c.printHelp(w, path)
			if len(args) == 0 {
				return fmt.Errorf("subcommand required")
			}
			return errHelp
		}
		for _, sub := range c.subcommands {
			if sub.name == args[0] {
				return sub.execute(w, path, args[1:])
			}
		}
		return fmt.Errorf("unknown command %q\n\nRun '%s --help' for usage", args[0], path)
	}

	fs := pflag.NewFlagSet(path, pflag.ContinueOnError)
	if c.flags != nil {
		fs = c.flags()
	}
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			c.printHelp(w, path)
			return errHelp
		}
		return fmt.Errorf("%w\n\nRun '%s --help' for usage", err, path)
	}
	return c.run(fs, fs.Args())
}

func (c *command) printHelp(w io.Writer, path string) {
	if c.summary != "" {
		fmt.Fprintf(w, "%s\n\n", c.summary)
	}
	switch {
	case c.usage != "":
		fmt.Fprintf(w, "Usage:\n  %s\n", c.usage)
	case len(c.subcommands) > 0:
		fmt.Fprintf(w, "Usage:\n  %s <command> [flags]\n", path)
	default:
		fmt.Fprintf(w, "Usage:\n  %s [flags]\n", path)
	}

	if len(c.subcommands) > 0 {
		fmt.Fprintf(w, "\nCommands:\n")
		tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
		for _, sub := range c.subcommands {
			fmt.Fprintf(tw, "  %s\t%s\n", sub.name, sub.summary)
		}
		tw.Flush()
	}

	if c.flags != nil {
		var b strings.Builder
		fs := c.flags()
		fs.SetOutput(&b)
		fs.PrintDefaults()
		if b.Len() > 0 {
			fmt.Fprintf(w, "\nFlags:\n%s", b.String())
		}
	}
}
