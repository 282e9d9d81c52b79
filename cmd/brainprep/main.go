package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"brainprep/pkg/errs"
)

// Exit codes: 1 for failed runs, 2 when the configuration is unusable.
const (
	exitFailure = 1
	exitConfig  = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		return exitFailure
	case errors.Is(err, errs.ErrConfiguration):
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	default:
		fmt.Fprintln(os.Stderr, err)
		return exitFailure
	}
}
