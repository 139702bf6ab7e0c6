package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"order-ledger/internal/common/logger"
)

var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		logger.New("bootstrap").Error("fatal", err, nil)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
