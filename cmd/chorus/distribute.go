package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/chorus/internal/api"
	"github.com/jackzampolin/chorus/internal/coordinator"
	"github.com/jackzampolin/chorus/internal/manifest"
	"github.com/jackzampolin/chorus/internal/session"
)

var (
	distSession    string
	distResume     bool
	distDetach     bool
	distHandleFile string
	distWorkers    int
	combine        combineFlags
)

// combineFlags are shared by distribute and wait.
type combineFlags struct {
	output        string
	format        string
	timeout       time.Duration
	keepArtifacts bool
}

func (f *combineFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.output, "out", "", "Combined audiobook path (default: <home>/output/<session>.<format>)")
	cmd.Flags().StringVar(&f.format, "format", "", "Output format (default: the chapter artifact format)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "Give up waiting after this long (0 waits indefinitely)")
	cmd.Flags().BoolVar(&f.keepArtifacts, "keep-artifacts", false, "Keep chapter artifacts after combining")
}

var distributeCmd = &cobra.Command{
	Use:   "distribute <manifest.json>",
	Short: "Convert a book manifest into an audiobook",
	Long: `Submit one synthesis task per chapter of a manifest, wait for the
workers to settle every chapter and combine the results in chapter order.

The session id comes from --session, then the manifest's session_id, then
a new random id. --resume keeps the session's checkpoint and only
submits chapters that have not completed; without it the session starts
over.

With --detach the command prints the batch handle and exits; pass the
handle to 'chorus wait' to finish the conversion later, from any host
sharing the store.

Examples:
  chorus distribute book.json
  chorus distribute book.json --resume --session my-book
  chorus distribute book.json --detach --handle-file book.handle.json
  chorus distribute book.json --workers 2   # single-process run`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		m, err := manifest.Load(args[0])
		if err != nil {
			return err
		}
		sessionID := distSession
		if sessionID == "" {
			sessionID = m.SessionID
		}
		if sessionID == "" {
			sessionID = session.NewID()
		}

		env, err := openEnv(ctx, false)
		if err != nil {
			return err
		}
		defer env.Close()

		coord, err := env.app.Coordinator(sessionID)
		if err != nil {
			return err
		}

		stopWorkers := startLocalWorkers(ctx, env, distWorkers)
		defer stopWorkers()

		synthCfg := env.app.DefaultSynth(m.Config)
		h, err := coord.Distribute(ctx, m.Chapters, synthCfg, distResume)
		if err != nil {
			return err
		}
		if distHandleFile != "" {
			if err := writeHandle(distHandleFile, h); err != nil {
				return err
			}
		}
		if distDetach {
			return api.Output(h)
		}

		format := combine.format
		if format == "" {
			format = synthCfg.Format
		}
		return waitAndCombine(ctx, env, coord, h, combine, format, m.CombineMetadata())
	},
}

// startLocalWorkers runs n workers in this process until the returned
// func is called.
func startLocalWorkers(ctx context.Context, env *cliEnv, n int) func() {
	if n <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		w, err := env.app.NewWorker(fmt.Sprintf("local-%d-%d", os.Getpid(), i))
		if err != nil {
			env.logger.Error("failed to start local worker", "error", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				env.logger.Warn("local worker stopped", "worker", w.ID(), "error", err)
			}
		}()
	}
	return func() {
		cancel()
		wg.Wait()
	}
}

func writeHandle(path string, h *coordinator.Handle) error {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func readHandle(path string) (*coordinator.Handle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read handle: %w", err)
	}
	var h coordinator.Handle
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("invalid handle file %s: %w", path, err)
	}
	if h.Session == "" || h.Batch == "" {
		return nil, fmt.Errorf("invalid handle file %s: missing session or batch", path)
	}
	return &h, nil
}

func init() {
	distributeCmd.Flags().StringVar(&distSession, "session", "", "Session id")
	distributeCmd.Flags().BoolVar(&distResume, "resume", false, "Keep completed chapters from an earlier run")
	distributeCmd.Flags().BoolVar(&distDetach, "detach", false, "Print the batch handle and exit without waiting")
	distributeCmd.Flags().StringVar(&distHandleFile, "handle-file", "", "Also write the batch handle to this file")
	distributeCmd.Flags().IntVar(&distWorkers, "workers", 0, "Run this many workers in-process while waiting")
	combine.register(distributeCmd)

	rootCmd.AddCommand(distributeCmd)
}
