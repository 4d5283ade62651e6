package endpoints

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/chorus/internal/api"
	"github.com/jackzampolin/chorus/internal/progress"
	"github.com/jackzampolin/chorus/internal/session"
	"github.com/jackzampolin/chorus/internal/svcctx"
)

// StreamEndpoint handles GET /ws/progress/{id}. The current progress is
// sent on connect, then every notification published for the session.
type StreamEndpoint struct{}

func (e *StreamEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/ws/progress/{id}", e.handler
}

func (e *StreamEndpoint) RequiresInit() bool { return true }

func (e *StreamEndpoint) Parent() string { return "sessions" }

func (e *StreamEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	hub := svcctx.HubFrom(r.Context())
	if hub == nil {
		writeError(w, http.StatusServiceUnavailable, "progress hub not initialized")
		return
	}
	a := svcctx.AppFrom(r.Context())
	rec := findSession(w, r, a)
	if rec == nil {
		return
	}
	hub.Serve(w, r, rec.SessionID, func() ([]byte, error) {
		cp, err := a.Checkpoint(rec.SessionID)
		if err != nil {
			return nil, err
		}
		cur, err := cp.Load(r.Context())
		if err != nil {
			return nil, err
		}
		return json.Marshal(cur.Progress(a.Clock.Now()))
	})
}

func (e *StreamEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <session-id>",
		Short: "Stream a session's progress until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url, err := progress.StreamURL(getServerURL(), args[0])
			if err != nil {
				return err
			}
			return progress.Watch(cmd.Context(), url, func(p session.Progress) bool {
				if api.GetOutputFormat() == api.OutputFormatJSON {
					return api.Output(p) == nil
				}
				fmt.Println(FormatProgress(p))
				return true
			})
		},
	}
}

// FormatProgress renders a one-line progress summary.
func FormatProgress(p session.Progress) string {
	line := fmt.Sprintf("%s  %s  %d/%d complete  %d failed  %d in progress  %.1f%%",
		p.SessionID, p.Stage, p.Completed, p.Total, p.Failed, p.InProgress, p.Percent)
	if eta, ok := p.ETA(); ok {
		line += fmt.Sprintf("  eta %s", eta.Round(time.Second))
	}
	return line
}
