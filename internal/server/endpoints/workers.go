package endpoints

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/chorus/internal/api"
	"github.com/jackzampolin/chorus/internal/queue"
	"github.com/jackzampolin/chorus/internal/svcctx"
	"github.com/jackzampolin/chorus/internal/worker"
)

// WorkersResponse lists worker health reports.
type WorkersResponse struct {
	Workers []worker.Health `json:"workers"`
}

// WorkersEndpoint handles GET /api/workers. It lists every worker with a
// live heartbeat in the coordination store, in any process.
type WorkersEndpoint struct{}

func (e *WorkersEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/workers", e.handler
}

func (e *WorkersEndpoint) RequiresInit() bool { return true }

func (e *WorkersEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	a := svcctx.AppFrom(r.Context())
	workers, err := worker.ListWorkers(r.Context(), a.Store)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, WorkersResponse{Workers: workers})
}

func (e *WorkersEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "List live workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp WorkersResponse
			if err := client.Get(cmd.Context(), "/api/workers", &resp); err != nil {
				return err
			}
			return api.OutputTable(resp)
		},
	}
}

func (r WorkersResponse) TableHeader() []string {
	return []string{"WORKER", "STATUS", "CURRENT", "DONE", "ENGINES", "HEADROOM"}
}

func (r WorkersResponse) TableRows() [][]string {
	rows := make([][]string, 0, len(r.Workers))
	for _, h := range r.Workers {
		current := "-"
		if h.Current != nil {
			current = fmt.Sprintf("%s/%d", h.Current.Session, h.Current.Chapter)
		}
		headroom := "-"
		if h.MemHeadroomMB >= 0 {
			headroom = fmt.Sprintf("%dMB", h.MemHeadroomMB)
		}
		rows = append(rows, []string{
			h.WorkerID, string(h.Status), current,
			strconv.Itoa(h.TasksDone), strconv.Itoa(h.CachedEngines), headroom,
		})
	}
	return rows
}

// WorkerSelfEndpoint handles GET /api/workers/self, the workers embedded
// in the serving process.
type WorkerSelfEndpoint struct{}

func (e *WorkerSelfEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/workers/self", e.handler
}

func (e *WorkerSelfEndpoint) RequiresInit() bool { return true }

func (e *WorkerSelfEndpoint) Parent() string { return "workers" }

func (e *WorkerSelfEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	resp := WorkersResponse{Workers: []worker.Health{}}
	if ws := svcctx.WorkersFrom(r.Context()); ws != nil {
		resp.Workers = append(resp.Workers, ws.Statuses()...)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (e *WorkerSelfEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "self",
		Short: "Show the workers embedded in the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp WorkersResponse
			if err := client.Get(cmd.Context(), "/api/workers/self", &resp); err != nil {
				return err
			}
			return api.OutputTable(resp)
		},
	}
}

// QueueEndpoint handles GET /api/queue.
type QueueEndpoint struct{}

func (e *QueueEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/queue", e.handler
}

func (e *QueueEndpoint) RequiresInit() bool { return true }

func (e *QueueEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	a := svcctx.AppFrom(r.Context())
	depth, err := a.Queue.Depth(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, depth)
}

func (e *QueueEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show task queue depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp queue.Depth
			if err := client.Get(cmd.Context(), "/api/queue", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}
