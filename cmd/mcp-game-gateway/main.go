// Package main provides the entry point for the mcp-game-gateway server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gatewayserver "github.com/txn2/mcp-game-gateway/internal/server"
)

// shutdownGrace bounds how long in-flight requests may drain.
const shutdownGrace = 25 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type serverOptions struct {
	configPath  string
	address     string
	showVersion bool
}

func parseFlags() serverOptions {
	opts := serverOptions{}
	flag.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	flag.StringVar(&opts.address, "address", "", "Listen address, overrides config")
	flag.BoolVar(&opts.showVersion, "version", false, "Show version and exit")
	flag.Parse()
	return opts
}

func setupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx
}

func run() error {
	opts := parseFlags()

	if opts.showVersion {
		fmt.Printf("mcp-game-gateway version %s\n", gatewayserver.Version)
		return nil
	}

	ctx := setupSignalHandler()

	gateway, cfg, err := gatewayserver.New(ctx, opts.configPath)
	if err != nil {
		return err
	}
	defer gateway.Close()

	address := cfg.Server.Address
	if opts.address != "" {
		address = opts.address
	}

	httpServer := &http.Server{
		Addr:              address,
		Handler:           gateway.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "address", address, "mode", cfg.Server.Mode)
		gateway.Checker().SetReady()
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	// Flip readiness first so load balancers stop routing, then drain.
	gateway.Checker().SetDraining()
	slog.Info("gateway shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("draining connections: %w", err)
	}
	return nil
}
