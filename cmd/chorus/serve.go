package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/chorus/internal/server"
)

var (
	serveHost    string
	servePort    string
	serveWorkers int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chorus server",
	Long: `Start the chorus HTTP server, optionally with embedded workers.

The server connects to the configured coordination store and queue and
exposes session progress, abort and worker health. Workers started with
--workers pull chapter tasks from the same queue as standalone workers.

The server provides:
  - /health                      - Basic server health check
  - /ready                       - Readiness check (includes the store)
  - /api/sessions/{id}/progress  - Session progress
  - /ws/progress/{id}            - Live progress stream
  - /api/workers                 - Health of every live worker
  - /metrics                     - Prometheus metrics

Config file edits to log_level take effect without a restart.

Examples:
  chorus serve                    # Start on the configured port
  chorus serve --port 3000        # Start on custom port
  chorus serve --workers 4        # Also run four workers in-process`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := openEnv(ctx, true)
		if err != nil {
			return err
		}
		defer env.Close()

		if pid, ok := env.home.RunningPID(); ok {
			return fmt.Errorf("a server for %s is already running (pid %d)", env.home.Path(), pid)
		}
		if err := env.home.WritePID(); err != nil {
			return err
		}
		defer env.home.RemovePID()

		cfg := env.cfgMgr.Get()
		host, port := cfg.Server.Host, cfg.Server.Port
		if cmd.Flags().Changed("host") {
			host = serveHost
		}
		if cmd.Flags().Changed("port") {
			port = servePort
		}

		srv, err := server.New(server.Config{
			Host:          host,
			Port:          port,
			App:           env.app,
			Workers:       serveWorkers,
			ConfigManager: env.cfgMgr,
			LogLevel:      env.level,
			Logger:        env.logger,
		})
		if err != nil {
			return err
		}
		if env.cfgMgr.ConfigFile() != "" {
			env.cfgMgr.WatchConfig()
		}

		// Start server (blocks until shutdown)
		return srv.Start(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "127.0.0.1", "Host to bind to")
	serveCmd.Flags().StringVar(&servePort, "port", "8080", "Port to listen on")
	serveCmd.Flags().IntVar(&serveWorkers, "workers", 0, "Number of workers to run in-process")

	rootCmd.AddCommand(serveCmd)
}
