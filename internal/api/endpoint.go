package api

import (
	"net/http"

	"github.com/spf13/cobra"
)

// Endpoint is one coordinator operation served over HTTP and reachable
// from the CLI under `chorus api`.
type Endpoint interface {
	// Route returns the HTTP method, path pattern and handler.
	Route() (method, path string, handler http.HandlerFunc)

	// RequiresInit reports whether the handler needs the store, queue and
	// transfer backend to be connected. Such routes answer 503 until then.
	RequiresInit() bool

	// Command returns the CLI command that calls the endpoint. getServerURL
	// is read when the command runs, after flags are parsed.
	Command(getServerURL func() string) *cobra.Command
}

// Nested is implemented by endpoints whose command sits under a parent
// command, as in `chorus api sessions progress`.
type Nested interface {
	Parent() string
}
