// Package server provides a factory for creating the gateway from
// configuration.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/txn2/mcp-game-gateway/pkg/platform"
)

// Version is set at build time.
var Version = "dev"

// New loads configuration and assembles the gateway. An empty configPath
// builds the config from environment variables alone.
func New(ctx context.Context, configPath string) (*platform.Gateway, *platform.Config, error) {
	cfg, err := platform.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.Server.Version == "" || cfg.Server.Version == "1.0.0" {
		cfg.Server.Version = Version
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	gateway, err := platform.NewGateway(ctx, cfg, nil, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("building gateway: %w", err)
	}
	return gateway, cfg, nil
}
