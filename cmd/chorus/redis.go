package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/chorus/internal/dockerstore"
)

var redisCmd = &cobra.Command{
	Use:   "redis",
	Short: "Manage a local Redis container for development",
	Long: `Manage a Redis container that can serve as the coordination store and
task queue on a development machine.

The container name, image and host port come from the docker section of
the config. Data is persisted to <home>/redis/.

Point chorus at it with:
  store.backend: redis
  queue.backend: redis
  store.redis.addr: 127.0.0.1:6379

Examples:
  chorus redis start   # Start the Redis container
  chorus redis stop    # Stop the container (data preserved)
  chorus redis status  # Check container status
  chorus redis logs    # View container logs`,
}

func getDockerManager() (*dockerstore.DockerManager, error) {
	h, err := getHome()
	if err != nil {
		return nil, err
	}
	mgr, err := loadConfig(h)
	if err != nil {
		return nil, err
	}
	cfg := mgr.Get().Docker
	return dockerstore.NewDockerManager(dockerstore.DockerConfig{
		ContainerName: cfg.ContainerName,
		Image:         cfg.Image,
		HostPort:      cfg.Port,
		DataPath:      filepath.Join(h.Path(), "redis"),
	})
}

var redisStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Redis container",
	Long: `Start the Redis container.

If the container doesn't exist, it will be created and started.
If it exists but is stopped, it will be started.
If it's already running, this is a no-op.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		mgr, err := getDockerManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		fmt.Println("Starting Redis...")
		if err := mgr.Start(ctx); err != nil {
			return fmt.Errorf("failed to start Redis: %w", err)
		}

		fmt.Printf("Redis is running at %s\n", mgr.Addr())
		return nil
	},
}

var redisStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the Redis container",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		mgr, err := getDockerManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		fmt.Println("Stopping Redis...")
		if err := mgr.Stop(ctx); err != nil {
			return fmt.Errorf("failed to stop Redis: %w", err)
		}

		fmt.Println("Redis stopped")
		return nil
	},
}

var redisStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show Redis container status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		mgr, err := getDockerManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		status, err := mgr.Status(ctx)
		if err != nil {
			return fmt.Errorf("failed to get status: %w", err)
		}

		switch status {
		case dockerstore.StatusRunning:
			fmt.Printf("Status: %s\n", status)
			fmt.Printf("Addr: %s\n", mgr.Addr())
			if err := mgr.WaitReady(ctx, time.Second); err != nil {
				fmt.Printf("Health: unhealthy (%v)\n", err)
			} else {
				fmt.Println("Health: healthy")
			}
		case dockerstore.StatusStopped:
			fmt.Printf("Status: %s (use 'chorus redis start' to start)\n", status)
		case dockerstore.StatusNotFound:
			fmt.Printf("Status: %s (use 'chorus redis start' to create)\n", status)
		default:
			fmt.Printf("Status: %s\n", status)
		}

		return nil
	},
}

var logsTail string

var redisLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show Redis container logs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		mgr, err := getDockerManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		logs, err := mgr.Logs(ctx, logsTail)
		if err != nil {
			return fmt.Errorf("failed to get logs: %w", err)
		}

		fmt.Print(logs)
		return nil
	},
}

var redisRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove the Redis container",
	Long: `Remove the Redis container.

This stops and removes the container. Data in <home>/redis/ is NOT
deleted - only the container is removed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		mgr, err := getDockerManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		fmt.Println("Removing Redis container...")
		if err := mgr.Remove(ctx); err != nil {
			return fmt.Errorf("failed to remove container: %w", err)
		}

		fmt.Println("Redis container removed (data preserved)")
		return nil
	},
}

var redisWaitCmd = &cobra.Command{
	Use:   "wait",
	Short: "Wait for Redis to be ready",
	Long: `Wait for Redis to accept connections.

This is useful in scripts to ensure Redis is fully started
before running workers.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		mgr, err := getDockerManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		timeout, _ := cmd.Flags().GetDuration("timeout")
		fmt.Printf("Waiting for Redis (timeout: %s)...\n", timeout)

		if err := mgr.WaitReady(ctx, timeout); err != nil {
			return fmt.Errorf("redis not ready: %w", err)
		}

		fmt.Println("Redis is ready")
		return nil
	},
}

func init() {
	redisCmd.AddCommand(redisStartCmd)
	redisCmd.AddCommand(redisStopCmd)
	redisCmd.AddCommand(redisStatusCmd)
	redisCmd.AddCommand(redisLogsCmd)
	redisCmd.AddCommand(redisRemoveCmd)
	redisCmd.AddCommand(redisWaitCmd)

	redisLogsCmd.Flags().StringVar(&logsTail, "tail", "100", "Number of lines to show from the end")
	redisWaitCmd.Flags().Duration("timeout", 30*time.Second, "Maximum time to wait")

	rootCmd.AddCommand(redisCmd)
}
