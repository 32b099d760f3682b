package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/sushant-115/kcore/config"
	"github.com/sushant-115/kcore/core/kernel"
	"github.com/sushant-115/kcore/pkg/logger"
	"github.com/sushant-115/kcore/pkg/telemetry"
	"go.uber.org/zap"
)

var (
	// Global flags
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "kcore",
	Short: "Drive a per-core page allocator and a block buffer cache",
	Long: `kcore boots a physical page allocator with per-core free lists and a
hashed block buffer cache over a pluggable block device, and lets you
exercise them interactively or under a concurrent stress load.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bootKernel loads the configuration and boots a kernel. The returned
// function shuts down the kernel, telemetry and logger.
func bootKernel() (*kernel.Kernel, *zap.Logger, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	if verbose {
		cfg.Logger.Level = "debug"
	}

	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	if tel.MetricsAddr != "" {
		zlogger.Info("serving metrics", zap.String("addr", tel.MetricsAddr))
	}

	k, err := kernel.Boot(cfg, zlogger, tel)
	if err != nil {
		_ = shutdownTelemetry(context.Background())
		return nil, nil, nil, err
	}
	cleanup := func() {
		_ = k.Close()
		if err := shutdownTelemetry(context.Background()); err != nil {
			zlogger.Warn("telemetry shutdown failed", zap.Error(err))
		}
		_ = zlogger.Sync()
	}
	return k, zlogger, cleanup, nil
}

// printJSON outputs data as indented JSON.
func printJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
