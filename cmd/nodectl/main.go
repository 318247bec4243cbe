// Package main provides nodectl, a command-line client that drives the
// node lifecycle manager directly against the local install root.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/narvanalabs/searchnode/internal/models"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s := &session{ctx: ctx, out: os.Stdout, errOut: os.Stderr}
	defer s.close()

	err := newRootCommand(s).execute(os.Stderr, "", args)
	switch {
	case err == nil, errors.Is(err, errHelp):
		return 0
	case models.IsKind(err, models.KindPartialFailure):
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		return 3
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
}
