package endpoints

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/chorus/internal/api"
	"github.com/jackzampolin/chorus/internal/queue"
	"github.com/jackzampolin/chorus/internal/svcctx"
	"github.com/jackzampolin/chorus/version"
)

// HealthResponse is the response for health check endpoints.
type HealthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store,omitempty"`
}

// HealthEndpoint handles GET /health.
type HealthEndpoint struct{}

func (e *HealthEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/health", e.handler
}

func (e *HealthEndpoint) RequiresInit() bool { return false }

func (e *HealthEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (e *HealthEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp HealthResponse
			if err := client.Get(cmd.Context(), "/health", &resp); err != nil {
				return err
			}
			return api.OutputTable(resp)
		},
	}
}

func (r HealthResponse) TableHeader() []string { return []string{"STATUS", "STORE"} }

func (r HealthResponse) TableRows() [][]string {
	store := r.Store
	if store == "" {
		store = "-"
	}
	return [][]string{{r.Status, store}}
}

// ReadyEndpoint handles GET /ready.
type ReadyEndpoint struct{}

func (e *ReadyEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/ready", e.handler
}

func (e *ReadyEndpoint) RequiresInit() bool { return false }

func (e *ReadyEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Store: "ok"}

	a := svcctx.AppFrom(r.Context())
	if a == nil {
		resp.Status = "degraded"
		resp.Store = "not_initialized"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	if err := a.Ready(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Store = "unreachable"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (e *ReadyEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "ready",
		Short: "Check server readiness (includes the coordination store)",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp HealthResponse
			if err := client.Get(cmd.Context(), "/ready", &resp); err != nil {
				return err
			}
			return api.OutputTable(resp)
		},
	}
}

// StatusResponse is the detailed status response.
type StatusResponse struct {
	Server   string       `json:"server"`
	Version  string       `json:"version"`
	Store    string       `json:"store"`
	Queue    QueueStatus  `json:"queue"`
	Transfer string       `json:"transfer"`
	Workers  int          `json:"embedded_workers"`
	Depth    *queue.Depth `json:"depth,omitempty"`
}

// QueueStatus names the broker behind the task queue.
type QueueStatus struct {
	Backend string `json:"backend"`
	Error   string `json:"error,omitempty"`
}

func (r StatusResponse) TableHeader() []string {
	return []string{"SERVER", "VERSION", "STORE", "QUEUE", "TRANSFER", "WORKERS", "READY", "DELAYED", "RESERVED"}
}

func (r StatusResponse) TableRows() [][]string {
	queueCol := r.Queue.Backend
	if r.Queue.Error != "" {
		queueCol += " (" + r.Queue.Error + ")"
	}
	ready, delayed, reserved := "-", "-", "-"
	if r.Depth != nil {
		ready = strconv.Itoa(r.Depth.Ready)
		delayed = strconv.Itoa(r.Depth.Delayed)
		reserved = strconv.Itoa(r.Depth.Reserved)
	}
	return [][]string{{
		r.Server, r.Version, r.Store, queueCol, r.Transfer,
		strconv.Itoa(r.Workers), ready, delayed, reserved,
	}}
}

// StatusEndpoint handles GET /status.
type StatusEndpoint struct{}

func (e *StatusEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/status", e.handler
}

func (e *StatusEndpoint) RequiresInit() bool { return true }

func (e *StatusEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	a := svcctx.AppFrom(r.Context())
	resp := StatusResponse{
		Server:   "running",
		Version:  version.GitRelease,
		Store:    a.Config.Store.Backend,
		Queue:    QueueStatus{Backend: a.Config.Queue.Backend},
		Transfer: a.Transfer.Kind(),
	}
	if ws := svcctx.WorkersFrom(r.Context()); ws != nil {
		resp.Workers = len(ws.Statuses())
	}
	depth, err := a.Queue.Depth(r.Context())
	if err != nil {
		resp.Queue.Error = err.Error()
	} else {
		resp.Depth = &depth
	}

	writeJSON(w, http.StatusOK, resp)
}

func (e *StatusEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Get detailed server status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp StatusResponse
			if err := client.Get(cmd.Context(), "/status", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ErrorResponse is a standard error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
