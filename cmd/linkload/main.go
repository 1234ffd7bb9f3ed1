// cmd/linkload/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/FairForge/linkload/cmd/linkload/cmd"
	"github.com/FairForge/linkload/internal/loadtest"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := cmd.NewRootCmd(os.Stdout).ExecuteContext(ctx)
	stop()

	switch {
	case err == nil:
	case errors.Is(err, loadtest.ErrThresholdViolated):
		fmt.Fprintln(os.Stderr, "linkload:", err)
		os.Exit(1)
	default:
		fmt.Fprintln(os.Stderr, "linkload:", err)
		os.Exit(2)
	}
}
