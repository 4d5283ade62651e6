package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/jackzampolin/chorus/internal/store"
	"github.com/jackzampolin/chorus/version"
)

// Status summarizes whether a worker can take work.
type Status string

const (
	StatusAvailable Status = "available"
	StatusBusy      Status = "busy"
	StatusDegraded  Status = "degraded"
)

// degradedHeadroom is the remaining memory under which a worker reports
// itself degraded.
const degradedHeadroom = 1 << 30

// Current identifies the chapter a worker is executing.
type Current struct {
	Session string `json:"session"`
	Chapter int    `json:"chapter"`
}

// Health is a worker's self-reported status. It is read by operators and
// never by the coordinator. MemHeadroomMB is -1 when no memory limit is
// known.
type Health struct {
	WorkerID      string    `json:"worker_id"`
	Status        Status    `json:"status"`
	Current       *Current  `json:"current,omitempty"`
	TasksDone     int       `json:"tasks_done"`
	CachedEngines int       `json:"cached_engines"`
	MemHeadroomMB int64     `json:"mem_headroom_mb"`
	Version       string    `json:"version"`
	StartedAt     time.Time `json:"started_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Status reports the worker's current health.
func (w *Worker) Status() Health {
	w.mu.Lock()
	h := Health{
		WorkerID:  w.cfg.ID,
		Status:    StatusAvailable,
		TasksDone: w.tasksDone,
		Version:   version.GitRelease,
		StartedAt: w.started,
		UpdatedAt: w.cfg.Clock.Now(),
	}
	if w.current != nil {
		h.Status = StatusBusy
		h.Current = &Current{Session: w.current.Session, Chapter: w.current.ChapterID}
	}
	w.mu.Unlock()

	h.CachedEngines = w.cfg.Engines.Len()
	h.MemHeadroomMB = -1
	if headroom, ok := memoryHeadroom(w.cfg.MemoryLimit); ok {
		h.MemHeadroomMB = headroom >> 20
		if headroom < degradedHeadroom {
			h.Status = StatusDegraded
		}
	}
	return h
}

// memoryHeadroom compares runtime memory use with the Go memory limit, or
// with fallback when the runtime has none.
func memoryHeadroom(fallback int64) (int64, bool) {
	limit := debug.SetMemoryLimit(-1)
	if limit == math.MaxInt64 {
		limit = fallback
	}
	if limit <= 0 {
		return 0, false
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	used := int64(ms.Sys - ms.HeapReleased)
	return max(limit-used, 0), true
}

func (w *Worker) heartbeat(ctx context.Context) {
	ticker := w.cfg.Clock.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	w.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			if err := w.cfg.Store.Delete(cctx, store.WorkerKey(w.cfg.ID)); err != nil {
				w.logger.Debug("failed to remove heartbeat", "error", err)
			}
			cancel()
			return
		case <-ticker.Chan():
			w.beat(ctx)
		}
	}
}

func (w *Worker) beat(ctx context.Context) {
	data, err := json.Marshal(w.Status())
	if err != nil {
		return
	}
	if err := w.cfg.Store.Set(ctx, store.WorkerKey(w.cfg.ID), data, 3*w.cfg.HeartbeatInterval); err != nil {
		w.logger.Warn("failed to publish heartbeat", "error", err)
	}
}

// ListWorkers returns the health of every worker with a live heartbeat.
func ListWorkers(ctx context.Context, st store.Store) ([]Health, error) {
	keys, err := st.Keys(ctx, store.WorkerPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}

	workers := make([]Health, 0, len(keys))
	for _, k := range keys {
		data, err := st.Get(ctx, k)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var h Health
		if err := json.Unmarshal(data, &h); err != nil {
			continue
		}
		workers = append(workers, h)
	}
	return workers, nil
}
