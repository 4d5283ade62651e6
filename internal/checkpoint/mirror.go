package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jackzampolin/chorus/internal/session"
)

// mirror keeps a local copy of each checkpoint so a store outage degrades
// to resuming from the last local snapshot.
type mirror struct {
	dir string
}

func (m *mirror) path(sessionID string) string {
	return filepath.Join(m.dir, sessionID+".json")
}

// write replaces the snapshot atomically.
func (m *mirror) write(sessionID string, data []byte) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint dir: %w", err)
	}
	tmp, err := os.CreateTemp(m.dir, "."+sessionID+"-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), m.path(sessionID))
}

func (m *mirror) read(sessionID string) (*session.Record, error) {
	data, err := os.ReadFile(m.path(sessionID))
	if err != nil {
		return nil, err
	}
	var rec session.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode local checkpoint: %w", err)
	}
	return &rec, nil
}

func (m *mirror) remove(sessionID string) error {
	return os.Remove(m.path(sessionID))
}
