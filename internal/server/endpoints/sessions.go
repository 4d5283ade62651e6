package endpoints

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/chorus/internal/api"
	"github.com/jackzampolin/chorus/internal/app"
	"github.com/jackzampolin/chorus/internal/session"
	"github.com/jackzampolin/chorus/internal/svcctx"
)

// SessionResponse is a session's progress plus its failed chapters.
type SessionResponse struct {
	session.Progress
	Errors map[int]string `json:"errors,omitempty" yaml:"errors,omitempty"`
}

func (r SessionResponse) TableHeader() []string {
	return []string{"SESSION", "STAGE", "COMPLETE", "FAILED", "RUNNING", "PERCENT", "ETA"}
}

func (r SessionResponse) TableRows() [][]string {
	p := r.Progress
	eta := "-"
	if d, ok := p.ETA(); ok {
		eta = d.Round(time.Second).String()
	}
	return [][]string{{
		p.SessionID, string(p.Stage),
		fmt.Sprintf("%d/%d", p.Completed, p.Total),
		strconv.Itoa(p.Failed), strconv.Itoa(p.InProgress),
		fmt.Sprintf("%.1f%%", p.Percent), eta,
	}}
}

// findSession loads a session's record and writes a 404 when it was
// never saved. The record is nil when a response has been written.
func findSession(w http.ResponseWriter, r *http.Request, a *app.App) *session.Record {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "session id is required")
		return nil
	}
	cp, err := a.Checkpoint(id)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil
	}
	rec, err := cp.Load(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return nil
	}
	if !rec.Exists() {
		writeError(w, http.StatusNotFound, "session not found")
		return nil
	}
	return rec
}

// ProgressEndpoint handles GET /api/sessions/{id}/progress.
type ProgressEndpoint struct{}

func (e *ProgressEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/sessions/{id}/progress", e.handler
}

func (e *ProgressEndpoint) RequiresInit() bool { return true }

func (e *ProgressEndpoint) Parent() string { return "sessions" }

func (e *ProgressEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	a := svcctx.AppFrom(r.Context())
	rec := findSession(w, r, a)
	if rec == nil {
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{
		Progress: rec.Progress(a.Clock.Now()),
		Errors:   rec.Errors,
	})
}

func (e *ProgressEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "progress <session-id>",
		Short: "Show a session's progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp SessionResponse
			if err := client.Get(cmd.Context(), "/api/sessions/"+args[0]+"/progress", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// AbortResponse confirms an abort.
type AbortResponse struct {
	SessionID string        `json:"session_id"`
	Stage     session.Stage `json:"stage"`
}

// AbortEndpoint handles POST /api/sessions/{id}/abort.
type AbortEndpoint struct{}

func (e *AbortEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/sessions/{id}/abort", e.handler
}

func (e *AbortEndpoint) RequiresInit() bool { return true }

func (e *AbortEndpoint) Parent() string { return "sessions" }

func (e *AbortEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	a := svcctx.AppFrom(r.Context())
	rec := findSession(w, r, a)
	if rec == nil {
		return
	}
	coord, err := a.Coordinator(rec.SessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := coord.Abort(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	stage := session.StageAborted
	if p, err := coord.GetProgress(r.Context()); err == nil {
		stage = p.Stage
	}
	writeJSON(w, http.StatusOK, AbortResponse{SessionID: rec.SessionID, Stage: stage})
}

func (e *AbortEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "abort <session-id>",
		Short: "Abort a session",
		Long: `Mark a session ABORTED. Workers drop its remaining chapters and a
waiting coordinator returns what has completed so far.

A COMPLETED session stays COMPLETED.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp AbortResponse
			if err := client.Post(cmd.Context(), "/api/sessions/"+args[0]+"/abort", nil, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// PurgeEndpoint handles DELETE /api/sessions/{id}.
type PurgeEndpoint struct{}

func (e *PurgeEndpoint) Route() (string, string, http.HandlerFunc) {
	return "DELETE", "/api/sessions/{id}", e.handler
}

func (e *PurgeEndpoint) RequiresInit() bool { return true }

func (e *PurgeEndpoint) Parent() string { return "sessions" }

func (e *PurgeEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	a := svcctx.AppFrom(r.Context())
	rec := findSession(w, r, a)
	if rec == nil {
		return
	}
	cp, err := a.Checkpoint(rec.SessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := cp.Purge(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := a.Transfer.Cleanup(r.Context(), rec.SessionID); err != nil {
		if logger := svcctx.LoggerFrom(r.Context()); logger != nil {
			logger.Warn("failed to clean up session artifacts", "session", rec.SessionID, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (e *PurgeEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "purge <session-id>",
		Short: "Delete a session's checkpoint and artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			if err := client.Delete(cmd.Context(), "/api/sessions/"+args[0]); err != nil {
				return err
			}
			fmt.Printf("Purged session %s\n", args[0])
			return nil
		},
	}
}
