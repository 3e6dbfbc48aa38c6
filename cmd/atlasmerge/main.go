package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"atlasmerge/pkg/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		logging.Error().Err(err).Msg("atlasmerge failed")
		stop()
		os.Exit(1)
	}
}
