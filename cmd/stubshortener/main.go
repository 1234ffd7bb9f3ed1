// cmd/stubshortener/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/FairForge/linkload/internal/logging"
	"github.com/FairForge/linkload/internal/stubservice"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "stubshortener:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		addr    string
		level   string
		format  string
		service = stubservice.DefaultConfig()
	)
	cmd := &cobra.Command{
		Use:   "stubshortener",
		Short: "In-memory URL shortener with cache telemetry for local linkload runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.NewLogger(&logging.LoggerConfig{Level: level, Format: format})
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return serve(addr, service, logger)
		},
	}

	f := cmd.Flags()
	f.StringVar(&addr, "addr", ":8080", "listen address")
	f.StringVar(&service.PublicURL, "public-url", service.PublicURL, "prefix for shortUrl in responses")
	f.IntVar(&service.CacheSize, "cache-size", service.CacheSize, "codes held in the simulated cache")
	f.DurationVar(&service.MissLatency, "miss-latency", 0, "extra latency for cache misses")
	f.StringVar(&level, "log-level", logging.LevelInfo, "debug, info, warn or error")
	f.StringVar(&format, "log-format", logging.FormatConsole, "json or console")
	return cmd
}

func serve(addr string, config stubservice.Config, logger *zap.Logger) error {
	svc := stubservice.New(config, logger)
	server := &http.Server{
		Addr:              addr,
		Handler:           svc.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	fmt.Printf("\n")
	fmt.Printf("╔══════════════════════════════════════╗\n")
	fmt.Printf("║       Stub Shortener Started         ║\n")
	fmt.Printf("╠══════════════════════════════════════╣\n")
	fmt.Printf("║  API:     %-26s ║\n", addr)
	fmt.Printf("║  Metrics: %-26s ║\n", addr+"/metrics")
	fmt.Printf("╚══════════════════════════════════════╝\n")
	fmt.Printf("\n")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-sigChan:
	}

	logger.Info("shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	hits, misses := svc.Stats()
	logger.Info("stopped", zap.Int("urls", svc.Len()), zap.Int64("hits", hits), zap.Int64("misses", misses))
	return nil
}
