package endpoints

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/chorus/internal/api"
	"github.com/jackzampolin/chorus/internal/svcctx"
)

// MetricsEndpoint handles GET /metrics in the Prometheus text format.
type MetricsEndpoint struct{}

func (e *MetricsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/metrics", e.handler
}

func (e *MetricsEndpoint) RequiresInit() bool { return false }

func (e *MetricsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	rec := svcctx.MetricsFrom(r.Context())
	if rec == nil {
		writeError(w, http.StatusNotFound, "metrics are disabled")
		return
	}
	rec.Handler().ServeHTTP(w, r)
}

func (e *MetricsEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Dump the server's Prometheus metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			body, err := client.GetText(cmd.Context(), "/metrics")
			if err != nil {
				return err
			}
			fmt.Print(body)
			return nil
		},
	}
}
