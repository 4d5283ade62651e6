package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/chorus/internal/api"
	"github.com/jackzampolin/chorus/internal/app"
	"github.com/jackzampolin/chorus/internal/config"
	"github.com/jackzampolin/chorus/internal/home"
	"github.com/jackzampolin/chorus/internal/metrics"
	"github.com/jackzampolin/chorus/version"
)

var (
	cfgFile      string
	homeDir      string
	outputFormat string
	logLevel     string
)

var rootCmd = &cobra.Command{
	Use:   "chorus",
	Short: "Chapter-parallel audiobook synthesis across a pool of workers",
	Long: `Chorus converts a book into an audiobook by synthesizing its chapters in
parallel on any number of workers and joining the results in order.

A coordinator submits one task per chapter to a shared queue, tracks
progress in a checkpoint that survives restarts, and combines the
finished chapter audio once every chapter has settled.

Components:
  - Coordination store (memory, Redis or etcd) for checkpoints and locks
  - Task queue (memory or Redis) with retries and visibility timeouts
  - Artifact transfer (shared filesystem, inline in the store, or S3)
  - Synthesis engines (OpenAI speech or a built-in test tone)`,
	Version:      version.GitRelease,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.chorus/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "chorus home directory (default: ~/.chorus)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "yaml", "output format: yaml, json or table",
	)
	rootCmd.PersistentFlags().StringVar(
		&logLevel, "log-level", "", "log level override: debug, info, warn or error",
	)

	// Set output format before any command runs
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if _, err := api.ParseOutputFormat(outputFormat); err != nil {
			return err
		}
		api.SetOutputFormat(outputFormat)
		return nil
	}

	rootCmd.AddCommand(versionCmd)
}

// getHome resolves the home directory from --home.
func getHome() (*home.Dir, error) {
	h, err := home.New(homeDir)
	if err != nil {
		return nil, err
	}
	if err := h.EnsureExists(); err != nil {
		return nil, err
	}
	return h, nil
}

// loadConfig reads --config, falling back to the home's config.yaml.
func loadConfig(h *home.Dir) (*config.Manager, error) {
	path := cfgFile
	if path == "" && h.ConfigExists() {
		path = h.ConfigPath()
	}
	mgr, err := config.NewManager(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return mgr, nil
}

// newLogger builds the process logger. The returned level follows config
// reloads when the command watches its config.
func newLogger(cfg *config.Config) (*slog.Logger, *slog.LevelVar) {
	level := new(slog.LevelVar)
	level.Set(cfg.SlogLevel())
	if logLevel != "" {
		override := config.Config{LogLevel: strings.ToLower(logLevel)}
		level.Set(override.SlogLevel())
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger, level
}

// cliEnv is what most commands need: config, logger and connected
// backends.
type cliEnv struct {
	home   *home.Dir
	cfgMgr *config.Manager
	logger *slog.Logger
	level  *slog.LevelVar
	app    *app.App
}

func openEnv(ctx context.Context, withMetrics bool) (*cliEnv, error) {
	h, err := getHome()
	if err != nil {
		return nil, err
	}
	mgr, err := loadConfig(h)
	if err != nil {
		return nil, err
	}
	cfg := mgr.Get()
	logger, level := newLogger(cfg)

	var rec *metrics.Recorder
	if withMetrics {
		rec = metrics.NewRecorder()
	}
	a, err := app.New(ctx, cfg, h, app.Options{Logger: logger, Metrics: rec})
	if err != nil {
		return nil, err
	}
	return &cliEnv{home: h, cfgMgr: mgr, logger: logger, level: level, app: a}, nil
}

func (r *cliEnv) Close() {
	if err := r.app.Close(); err != nil {
		r.logger.Warn("failed to close backends", "error", err)
	}
}
