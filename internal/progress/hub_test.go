package progress

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/jackzampolin/chorus/internal/session"
	"github.com/jackzampolin/chorus/internal/store"
	"github.com/jackzampolin/chorus/internal/store/memstore"
)

func newHubServer(t *testing.T) (*Hub, *memstore.Store, *httptest.Server) {
	t.Helper()
	st := memstore.New(clockwork.NewRealClock())
	hub := NewHub(st, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/progress/{id}", func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, r.PathValue("id"), func() ([]byte, error) {
			return json.Marshal(session.Progress{SessionID: r.PathValue("id"), Stage: session.StageInProgress, Total: 3})
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, st, srv
}

func publish(t *testing.T, st store.Store, p session.Progress) {
	t.Helper()
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Publish(context.Background(), store.ProgressChannel(p.SessionID), data); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
}

func TestStreamURL(t *testing.T) {
	tests := []struct {
		base, want string
	}{
		{"http://localhost:8080", "ws://localhost:8080/ws/progress/s1"},
		{"https://chorus.example.com/", "wss://chorus.example.com/ws/progress/s1"},
	}
	for _, tt := range tests {
		got, err := StreamURL(tt.base, "s1")
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("StreamURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}

func TestHub_RelaysSessionMessages(t *testing.T) {
	hub, st, srv := newHubServer(t)
	url, _ := StreamURL(srv.URL, "s1")

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	_, snap, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("snapshot read error = %v", err)
	}
	if !strings.Contains(string(snap), `"total":3`) {
		t.Errorf("snapshot = %s", snap)
	}
	if got := hub.Clients("s1"); got != 1 {
		t.Errorf("Clients() = %d, want 1", got)
	}

	publish(t, st, session.Progress{SessionID: "other", Completed: 9})
	publish(t, st, session.Progress{SessionID: "s1", Completed: 2, Total: 3})

	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read error = %v", err)
	}
	var p session.Progress
	if err := json.Unmarshal(msg, &p); err != nil {
		t.Fatal(err)
	}
	if p.SessionID != "s1" || p.Completed != 2 {
		t.Errorf("relayed = %+v, want session s1 with 2 completed", p)
	}
}

func TestWatch_StopsOnTerminalStage(t *testing.T) {
	_, st, srv := newHubServer(t)
	url, _ := StreamURL(srv.URL, "s1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var seen []session.Progress
	first := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, url, func(p session.Progress) bool {
			seen = append(seen, p)
			if len(seen) == 1 {
				close(first)
			}
			return true
		})
	}()

	select {
	case <-first:
	case <-ctx.Done():
		t.Fatal("no snapshot received")
	}
	publish(t, st, session.Progress{SessionID: "s1", Stage: session.StageCompleted, Completed: 3, Total: 3})

	if err := <-done; err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	if len(seen) != 2 || seen[1].Stage != session.StageCompleted {
		t.Errorf("seen = %+v", seen)
	}
}

func TestWatch_ContextCancel(t *testing.T) {
	_, _, srv := newHubServer(t)
	url, _ := StreamURL(srv.URL, "s1")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := Watch(ctx, url, func(session.Progress) bool { return true })
	if err != context.DeadlineExceeded {
		t.Errorf("Watch() error = %v, want deadline exceeded", err)
	}
}
