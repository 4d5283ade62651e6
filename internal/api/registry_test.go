package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/spf13/cobra"
)

type stubEndpoint struct {
	method, path string
	use          string
	parent       string
	needsInit    bool
}

func (e stubEndpoint) Route() (string, string, http.HandlerFunc) {
	return e.method, e.path, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}
}

func (e stubEndpoint) RequiresInit() bool { return e.needsInit }

func (e stubEndpoint) Command(func() string) *cobra.Command {
	return &cobra.Command{Use: e.use}
}

type nestedStub struct{ stubEndpoint }

func (e nestedStub) Parent() string { return e.parent }

func testRegistry() *Registry {
	r := NewRegistry()
	r.Group("sessions", "Session commands")
	r.Register(stubEndpoint{method: "GET", path: "/health", use: "health"})
	r.Register(stubEndpoint{method: "GET", path: "/api/workers", use: "workers", needsInit: true})
	r.Register(nestedStub{stubEndpoint{method: "GET", path: "/api/workers/self", use: "self", parent: "workers"}})
	r.Register(nestedStub{stubEndpoint{method: "GET", path: "/api/sessions/{id}/progress", use: "progress <id>", parent: "sessions", needsInit: true}})
	r.Register(nestedStub{stubEndpoint{method: "POST", path: "/api/sessions/{id}/abort", use: "abort <id>", parent: "sessions", needsInit: true}})
	return r
}

func TestRegistry_BuildCommandsNests(t *testing.T) {
	root := testRegistry().BuildCommands(func() string { return "" })

	for _, path := range [][]string{
		{"health"},
		{"workers"},
		{"workers", "self"},
		{"sessions", "progress"},
		{"sessions", "abort"},
	} {
		cmd, rest, err := root.Find(path)
		if err != nil || len(rest) != 0 || cmd.Name() != path[len(path)-1] {
			t.Errorf("Find(%v) = %v, %v, %v", path, cmd.Name(), rest, err)
		}
	}
	sessions, _, _ := root.Find([]string{"sessions"})
	if sessions.Short != "Session commands" {
		t.Errorf("sessions group short = %q", sessions.Short)
	}
	if len(root.Commands()) != 3 {
		t.Errorf("top-level commands = %d, want health, workers and sessions", len(root.Commands()))
	}
}

func TestRegistry_RegisterRoutesWrapsInit(t *testing.T) {
	r := testRegistry()
	mux := http.NewServeMux()
	r.RegisterRoutes(mux, func(http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})

	tests := []struct {
		method, path string
		want         int
	}{
		{"GET", "/health", http.StatusNoContent},
		{"GET", "/api/workers", http.StatusServiceUnavailable},
		{"GET", "/api/workers/self", http.StatusNoContent},
		{"POST", "/api/sessions/s1/abort", http.StatusServiceUnavailable},
		{"GET", "/api/sessions/s1/abort", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
		if rec.Code != tt.want {
			t.Errorf("%s %s = %d, want %d", tt.method, tt.path, rec.Code, tt.want)
		}
	}
}

func TestRegistry_DuplicateRoutePanics(t *testing.T) {
	r := NewRegistry()
	r.Register(stubEndpoint{method: "GET", path: "/health", use: "health"})
	defer func() {
		if recover() == nil {
			t.Error("duplicate route did not panic")
		}
	}()
	r.Register(stubEndpoint{method: "GET", path: "/health", use: "health2"})
}
