package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/odvcencio/revpack/pkg/config"
	"github.com/odvcencio/revpack/pkg/store"
)

// storeRoot resolves the --store persistent flag.
func storeRoot(cmd *cobra.Command) string {
	root, err := cmd.Flags().GetString("store")
	if err != nil || root == "" {
		return "."
	}
	return root
}

// newLogger builds a production logger at the effective level: the
// --log-level flag when set, else the configured level, else warn.
func newLogger(cmd *cobra.Command, cfg config.Config) (*zap.Logger, error) {
	level := cfg.Log.Level
	if flagLevel, err := cmd.Flags().GetString("log-level"); err == nil && flagLevel != "" {
		level = flagLevel
	}
	if level == "" {
		level = "warn"
	}

	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(zapLevel)
	return zcfg.Build()
}

// openStore loads the store's config and opens the store the way the
// config asks for, with the CLI's logger wired in.
func openStore(cmd *cobra.Command) (*store.Store, config.Config, *zap.Logger, error) {
	root := storeRoot(cmd)

	cfg, err := config.LoadStore(root)
	if err != nil {
		return nil, config.Config{}, nil, err
	}

	log, err := newLogger(cmd, cfg)
	if err != nil {
		return nil, config.Config{}, nil, err
	}

	opts := cfg.StoreOptions()
	opts.Logger = log

	st, err := store.Open(root, opts)
	if err != nil {
		return nil, config.Config{}, nil, err
	}
	return st, cfg, log, nil
}
