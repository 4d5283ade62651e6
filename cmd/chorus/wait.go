package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/chorus/internal/api"
	"github.com/jackzampolin/chorus/internal/coordinator"
)

var (
	waitCombine combineFlags
	waitTitle   string
	waitAuthor  string
	waitWorkers int
)

// CombineResult describes a finished audiobook.
type CombineResult struct {
	Session         string  `json:"session" yaml:"session"`
	Output          string  `json:"output" yaml:"output"`
	Chapters        int     `json:"chapters" yaml:"chapters"`
	DurationSeconds float64 `json:"duration_seconds" yaml:"duration_seconds"`
}

var waitCmd = &cobra.Command{
	Use:   "wait <handle.json>",
	Short: "Wait for a detached batch and combine it",
	Long: `Resume waiting on a batch submitted with 'chorus distribute --detach',
then combine the chapters into the audiobook.

Chapters that completed while nobody was waiting are taken from the
session checkpoint.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		h, err := readHandle(args[0])
		if err != nil {
			return err
		}

		env, err := openEnv(ctx, false)
		if err != nil {
			return err
		}
		defer env.Close()

		coord, err := env.app.Coordinator(h.Session)
		if err != nil {
			return err
		}
		stopWorkers := startLocalWorkers(ctx, env, waitWorkers)
		defer stopWorkers()

		metadata := map[string]string{}
		if waitTitle != "" {
			metadata["title"] = waitTitle
			metadata["album"] = waitTitle
		}
		if waitAuthor != "" {
			metadata["artist"] = waitAuthor
		}
		return waitAndCombine(ctx, env, coord, h, waitCombine, waitCombine.format, metadata)
	},
}

// waitAndCombine waits for every chapter of h, combines them and removes
// the chapter artifacts unless asked to keep them.
func waitAndCombine(ctx context.Context, env *cliEnv, coord *coordinator.Coordinator, h *coordinator.Handle, flags combineFlags, format string, metadata map[string]string) error {
	artifacts, err := coord.WaitAndAggregate(ctx, h, flags.timeout)
	if err != nil {
		if cf, ok := coordinator.IsChapterFailure(err); ok {
			fmt.Fprint(os.Stderr, cf.Detail())
			fmt.Fprintf(os.Stderr, "Fix the failed chapters and rerun with --resume --session %s\n", h.Session)
		}
		if errors.Is(err, coordinator.ErrTimeout) {
			fmt.Fprintf(os.Stderr, "%d chapter(s) finished; resume waiting with 'chorus wait'\n", len(artifacts))
		}
		return err
	}

	if format == "" && len(artifacts) > 0 {
		if _, _, name, err := artifacts[0].Handle.Parse(); err == nil {
			format = strings.TrimPrefix(path.Ext(name), ".")
		}
	}
	output := flags.output
	if output == "" {
		output = env.home.OutputPath(h.Session, format)
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return err
	}

	out, err := coord.Combine(ctx, artifacts, output, format, metadata)
	if err != nil {
		return err
	}

	if !flags.keepArtifacts {
		if err := env.app.Transfer.Cleanup(ctx, h.Session); err != nil {
			env.logger.Warn("failed to clean up chapter artifacts", "session", h.Session, "error", err)
		}
	}

	res := CombineResult{Session: h.Session, Output: out, Chapters: len(artifacts)}
	for _, a := range artifacts {
		res.DurationSeconds += a.DurationSeconds
	}
	return api.Output(res)
}

func init() {
	waitCombine.register(waitCmd)
	waitCmd.Flags().StringVar(&waitTitle, "title", "", "Title tag for the combined audiobook")
	waitCmd.Flags().StringVar(&waitAuthor, "author", "", "Artist tag for the combined audiobook")
	waitCmd.Flags().IntVar(&waitWorkers, "workers", 0, "Run this many workers in-process while waiting")

	rootCmd.AddCommand(waitCmd)
}
