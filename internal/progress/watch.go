package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/jackzampolin/chorus/internal/session"
)

// StreamURL converts a server base URL into the progress stream URL for a
// session.
func StreamURL(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path += "/ws/progress/" + url.PathEscape(sessionID)
	return u.String(), nil
}

// Watch streams progress updates to fn until fn returns false, the stage
// becomes terminal, or ctx ends.
func Watch(ctx context.Context, streamURL string, fn func(session.Progress) bool) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, streamURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to progress stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("progress stream failed: %w", err)
		}

		var p session.Progress
		if err := json.Unmarshal(data, &p); err != nil {
			return errors.Join(errors.New("malformed progress message"), err)
		}
		if !fn(p) || p.Stage.Terminal() {
			return nil
		}
	}
}
