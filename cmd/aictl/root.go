package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"aictl/internal/config"
	"aictl/internal/engine"
	"aictl/internal/registry"
	"aictl/internal/request"
	"aictl/internal/server"
	"aictl/internal/session"
)

var (
	flagConfig   string
	flagDir      string
	flagLogLevel string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "aictl",
		Short:         "Orchestrate an AI assistant program across quick runs and persistent servers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to config file (.yaml, .json or .toml)")
	root.PersistentFlags().StringVar(&flagDir, "dir", "", "Project working directory (defaults to cwd)")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug|info|warn|error")

	root.AddCommand(newRunCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newServerCmd())
	root.AddCommand(newSessionsCmd())
	root.AddCommand(newModelsCmd())
	return root
}

// Execute runs the command tree and exits nonzero on failure.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	var cfg config.Config
	if flagConfig != "" {
		c, err := config.Load(flagConfig)
		if err != nil {
			return cfg, fmt.Errorf("load config: %w", err)
		}
		cfg = c
	}
	cfg = config.FromEnv(cfg)
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	return config.ApplyDefaults(cfg), nil
}

func newLogger(cfg config.Config) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

func buildEngine(cfg config.Config, log zerolog.Logger) *engine.Engine {
	reg := registry.New(cfg.DataDir)
	mgr := server.NewManager(cfg, reg, log)
	return engine.New(cfg, mgr, session.NewStore(cfg.DataDir), request.NewTable(), log)
}

func workDir() (string, error) {
	if flagDir != "" {
		return filepath.Abs(flagDir)
	}
	return os.Getwd()
}
