package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/chorus/internal/api"
	"github.com/jackzampolin/chorus/internal/server/endpoints"
	"github.com/jackzampolin/chorus/internal/store"
)

var statusWatch bool

var statusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show a session's progress from the coordination store",
	Long: `Show a session's progress by reading its checkpoint directly from the
coordination store. No server is needed.

With --watch, progress notifications are printed as they are published
until the session completes or is aborted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := openEnv(ctx, false)
		if err != nil {
			return err
		}
		defer env.Close()

		cp, err := env.app.Checkpoint(args[0])
		if err != nil {
			return err
		}

		// Subscribe before the snapshot so no update falls in between.
		var updates <-chan []byte
		if statusWatch {
			updates, err = env.app.Store.Subscribe(ctx, store.ProgressChannel(args[0]))
			if err != nil {
				return err
			}
		}

		rec, err := cp.Load(ctx)
		if err != nil {
			return err
		}
		if !rec.Exists() {
			return fmt.Errorf("session %s not found", args[0])
		}
		p := rec.Progress(env.app.Clock.Now())

		if !statusWatch {
			return api.Output(endpoints.SessionResponse{Progress: p, Errors: rec.Errors})
		}

		fmt.Println(endpoints.FormatProgress(p))
		for !p.Stage.Terminal() {
			select {
			case <-ctx.Done():
				return nil
			case data, ok := <-updates:
				if !ok {
					return nil
				}
				if err := json.Unmarshal(data, &p); err != nil {
					env.logger.Warn("malformed progress message", "error", err)
					continue
				}
				fmt.Println(endpoints.FormatProgress(p))
			}
		}
		return nil
	},
}

var abortPurge bool

var abortCmd = &cobra.Command{
	Use:   "abort <session-id>",
	Short: "Abort a session",
	Long: `Mark a session ABORTED in the coordination store. Workers drop its
remaining chapters and a waiting coordinator returns early.

With --purge the checkpoint and chapter artifacts are deleted as well.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := openEnv(ctx, false)
		if err != nil {
			return err
		}
		defer env.Close()

		cp, err := env.app.Checkpoint(args[0])
		if err != nil {
			return err
		}
		rec, err := cp.Load(ctx)
		if err != nil {
			return err
		}
		if !rec.Exists() {
			return fmt.Errorf("session %s not found", args[0])
		}
		coord, err := env.app.Coordinator(args[0])
		if err != nil {
			return err
		}
		if err := coord.Abort(ctx); err != nil {
			return err
		}

		if abortPurge {
			if err := cp.Purge(ctx); err != nil {
				return err
			}
			if err := env.app.Transfer.Cleanup(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Aborted and purged session %s\n", args[0])
			return nil
		}
		fmt.Printf("Aborted session %s\n", args[0])
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "Follow progress until the session finishes")
	abortCmd.Flags().BoolVar(&abortPurge, "purge", false, "Also delete the checkpoint and chapter artifacts")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(abortCmd)
}
