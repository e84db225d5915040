// Package cmd contains all CLI commands for authadmin, the operator tool
// for the auth backend. It works against the storage backend directly, so
// it can run even when the server itself is down or compromised.
package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openquill/go-auth-backend/internal/backend"
	"github.com/openquill/go-auth-backend/internal/storage"
	"github.com/openquill/go-auth-backend/pkg/config"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:          "authadmin",
	Short:        "Operator tool for the auth backend",
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "configs/config.yaml", "Path to configuration file")
}

// openStore loads the config and connects to the configured storage backend
func openStore(ctx context.Context) (storage.Store, *config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	store, err := backend.New(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return store, cfg, nil
}

// quietLogger returns a logger suitable for CLI use
func quietLogger() *zap.Logger {
	return zap.NewNop()
}
