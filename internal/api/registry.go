package api

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// Registry holds the registered endpoints and the command groups their
// CLI commands nest under.
type Registry struct {
	endpoints []Endpoint
	routes    map[string]bool
	groups    map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{routes: make(map[string]bool), groups: make(map[string]string)}
}

// Register adds an endpoint. Registering the same method and path twice
// panics, like http.ServeMux does.
func (r *Registry) Register(ep Endpoint) {
	method, path, _ := ep.Route()
	pattern := method + " " + path
	if r.routes[pattern] {
		panic(fmt.Sprintf("api: duplicate route %s", pattern))
	}
	r.routes[pattern] = true
	r.endpoints = append(r.endpoints, ep)
}

// Group declares a parent command for Nested endpoints that no endpoint
// provides itself.
func (r *Registry) Group(name, short string) {
	r.groups[name] = short
}

// RegisterRoutes adds every route to mux. initMiddleware wraps the
// handlers of endpoints that need a connected app.
func (r *Registry) RegisterRoutes(mux *http.ServeMux, initMiddleware func(http.HandlerFunc) http.HandlerFunc) {
	for _, ep := range r.endpoints {
		method, path, handler := ep.Route()
		if ep.RequiresInit() {
			handler = initMiddleware(handler)
		}
		mux.HandleFunc(method+" "+path, handler)
	}
}

// BuildCommands returns the `api` command tree. A Nested endpoint's command
// goes under the endpoint command or declared group named by Parent.
func (r *Registry) BuildCommands(getServerURL func() string) *cobra.Command {
	apiCmd := &cobra.Command{
		Use:   "api",
		Short: "Commands that call the running server",
		Long: `API commands call a running coordinator server via HTTP.

These commands require a running server (chorus serve).
Use --server to specify a custom server URL.

Examples:
  chorus api health                   # Check server health
  chorus api sessions progress <id>   # Show session progress
  chorus api workers                  # List live workers`,
	}

	parents := make(map[string]*cobra.Command)
	var nested []*cobra.Command
	var nestedUnder []string
	for _, ep := range r.endpoints {
		cmd := ep.Command(getServerURL)
		if n, ok := ep.(Nested); ok {
			nested = append(nested, cmd)
			nestedUnder = append(nestedUnder, n.Parent())
			continue
		}
		apiCmd.AddCommand(cmd)
		parents[cmd.Name()] = cmd
	}

	for i, cmd := range nested {
		name := nestedUnder[i]
		parent, ok := parents[name]
		if !ok {
			short := r.groups[name]
			if short == "" {
				short = name + " commands"
			}
			parent = &cobra.Command{Use: name, Short: short}
			apiCmd.AddCommand(parent)
			parents[name] = parent
		}
		parent.AddCommand(cmd)
	}

	return apiCmd
}

// Endpoints returns all registered endpoints.
func (r *Registry) Endpoints() []Endpoint {
	return r.endpoints
}
