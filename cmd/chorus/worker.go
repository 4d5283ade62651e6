package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/chorus/internal/worker"
)

var (
	workerID       string
	workerMaxTasks int
	workerRestart  bool
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a synthesis worker",
	Long: `Run a worker that pulls chapter tasks from the shared queue.

The worker runs one task at a time and publishes a heartbeat to the
coordination store. After worker.max_tasks tasks it recycles: by default
the process exits with status 75 so a supervisor can start a fresh one.
With --restart the worker is replaced in-process instead.

The queue and store must be shared backends (redis or etcd) for the
worker to see tasks submitted by another process.

Examples:
  chorus worker                   # Run until interrupted
  chorus worker --id gpu-1        # Use a fixed worker id
  chorus worker --max-tasks 0     # Never recycle`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := openEnv(ctx, false)
		if err != nil {
			return err
		}
		defer env.Close()

		if cmd.Flags().Changed("max-tasks") {
			env.app.Config.Worker.MaxTasks = workerMaxTasks
		}

		for {
			w, err := env.app.NewWorker(workerID)
			if err != nil {
				return err
			}
			err = w.Run(ctx)
			if !workerRestart || !errors.Is(err, worker.ErrRecycle) || ctx.Err() != nil {
				return err
			}
			env.logger.Info("recycling worker", "worker", w.ID(), "tasks_done", w.TasksDone())
			env.app.Engines.Clear()
		}
	},
}

func init() {
	workerCmd.Flags().StringVar(&workerID, "id", "", "Worker id (default: worker.id from config, then host-pid-random)")
	workerCmd.Flags().IntVar(&workerMaxTasks, "max-tasks", 0, "Recycle after this many tasks (default: worker.max_tasks)")
	workerCmd.Flags().BoolVar(&workerRestart, "restart", false, "Replace the worker in-process when it recycles")

	rootCmd.AddCommand(workerCmd)
}
