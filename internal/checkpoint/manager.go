// Package checkpoint owns every read and write of a session's checkpoint
// record. Each mutation runs lock, read, merge, write, unlock against the
// coordination store, so concurrent workers never lose each other's updates.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/jackzampolin/chorus/internal/metrics"
	"github.com/jackzampolin/chorus/internal/session"
	"github.com/jackzampolin/chorus/internal/store"
)

const (
	DefaultLockTTL        = 10 * time.Second
	DefaultLockAttempts   = 30
	DefaultLockRetryDelay = time.Second
	DefaultRetention      = 7 * 24 * time.Hour
)

var (
	// ErrLockTimeout means the session lock stayed held for every attempt.
	// It is transient: callers retry rather than treat it as data loss.
	ErrLockTimeout = errors.New("timed out acquiring checkpoint lock")
	// ErrNoSession is returned for an empty session id.
	ErrNoSession = errors.New("session id is required")
)

// Config configures a Manager. Zero values take the defaults above.
type Config struct {
	SessionID string
	Store     store.Store
	// FallbackDir holds the local mirror; empty disables mirroring.
	FallbackDir    string
	LockTTL        time.Duration
	LockAttempts   uint
	LockRetryDelay time.Duration
	// Retention is the expiry refreshed on every checkpoint write.
	Retention time.Duration
	// Owner prefixes lock tokens (default: hostname-pid).
	Owner   string
	Clock   clockwork.Clock
	Metrics *metrics.Recorder
	Logger  *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.LockTTL <= 0 {
		c.LockTTL = DefaultLockTTL
	}
	if c.LockAttempts == 0 {
		c.LockAttempts = DefaultLockAttempts
	}
	if c.LockRetryDelay <= 0 {
		c.LockRetryDelay = DefaultLockRetryDelay
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.Owner == "" {
		host, _ := os.Hostname()
		c.Owner = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager reads and mutates one session's checkpoint record.
type Manager struct {
	cfg    Config
	mirror *mirror
	logger *slog.Logger
}

// New creates a manager for cfg.SessionID.
func New(cfg Config) (*Manager, error) {
	if cfg.SessionID == "" {
		return nil, ErrNoSession
	}
	if err := session.ValidateID(cfg.SessionID); err != nil {
		return nil, err
	}
	if cfg.Store == nil {
		return nil, errors.New("checkpoint store is required")
	}
	cfg.applyDefaults()

	m := &Manager{
		cfg:    cfg,
		logger: cfg.Logger.With("session", cfg.SessionID),
	}
	if cfg.FallbackDir != "" {
		m.mirror = &mirror{dir: cfg.FallbackDir}
	}
	return m, nil
}

// SessionID returns the managed session.
func (m *Manager) SessionID() string {
	return m.cfg.SessionID
}

// Load returns the current record. The store's copy wins; the local mirror
// is used when the store has nothing or cannot be reached. A session that
// exists nowhere yields a fresh INITIALIZED record.
func (m *Manager) Load(ctx context.Context) (*session.Record, error) {
	return m.load(ctx, true)
}

// load reads the record. With offline false an unreachable store is an
// error: a merge into a stale local snapshot would overwrite newer entries.
func (m *Manager) load(ctx context.Context, offline bool) (*session.Record, error) {
	rec, err := m.loadStore(ctx)
	switch {
	case err == nil:
		return rec, nil
	case errors.Is(err, store.ErrNotFound):
	case errors.Is(err, store.ErrUnavailable) && offline:
		m.logger.Warn("checkpoint store unreachable, using local snapshot", "error", err)
	default:
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	if m.mirror != nil {
		local, lerr := m.mirror.read(m.cfg.SessionID)
		if lerr == nil {
			return local, nil
		}
		if !errors.Is(lerr, os.ErrNotExist) {
			m.logger.Warn("failed to read local checkpoint", "error", lerr)
		}
	}
	if errors.Is(err, store.ErrUnavailable) {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return session.New(m.cfg.SessionID), nil
}

func (m *Manager) loadStore(ctx context.Context) (*session.Record, error) {
	data, err := m.cfg.Store.Get(ctx, store.CheckpointKey(m.cfg.SessionID))
	if err != nil {
		return nil, err
	}
	var rec session.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	if rec.SessionID == "" {
		rec.SessionID = m.cfg.SessionID
	}
	return &rec, nil
}

// Update applies patch under the session lock and returns the merged record.
func (m *Manager) Update(ctx context.Context, patch session.Patch) (*session.Record, error) {
	token, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer m.release(ctx, token)

	rec, err := m.load(ctx, false)
	if err != nil {
		return nil, err
	}
	rec.Apply(patch, m.cfg.Clock.Now())

	if err := m.write(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (m *Manager) write(ctx context.Context, rec *session.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := m.cfg.Store.Set(ctx, store.CheckpointKey(m.cfg.SessionID), data, m.cfg.Retention); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if m.mirror != nil {
		if err := m.mirror.write(m.cfg.SessionID, data); err != nil {
			m.logger.Warn("failed to mirror checkpoint locally", "error", err)
		}
	}
	return nil
}

// SaveCheckpoint merges partial into the record and sets stage.
func (m *Manager) SaveCheckpoint(ctx context.Context, stage session.Stage, partial session.Patch) (*session.Record, error) {
	partial.Stage = stage
	return m.Update(ctx, partial)
}

// Init starts a fresh record for total chapters, discarding earlier state.
func (m *Manager) Init(ctx context.Context, total int) (*session.Record, error) {
	return m.Update(ctx, session.Patch{
		Reset:         true,
		Stage:         session.StageInitialized,
		TotalChapters: total,
	})
}

// Reopen moves a resumed session back to IN_PROGRESS, keeping its chapters.
func (m *Manager) Reopen(ctx context.Context, total int) (*session.Record, error) {
	return m.Update(ctx, session.Patch{
		Reopen:        true,
		Stage:         session.StageInProgress,
		TotalChapters: total,
	})
}

// MarkChapterComplete records a finished chapter. Repeating it is a no-op.
// meta may be nil.
func (m *Manager) MarkChapterComplete(ctx context.Context, chapter int, meta *session.ChapterMeta) error {
	patch := session.Patch{Completed: []int{chapter}}
	if meta != nil {
		patch.Metadata = map[int]session.ChapterMeta{chapter: *meta}
	}
	if _, err := m.Update(ctx, patch); err != nil {
		return fmt.Errorf("failed to mark chapter %d complete: %w", chapter, err)
	}
	return nil
}

// MarkChapterFailed records a terminal failure. A completed chapter is
// left completed.
func (m *Manager) MarkChapterFailed(ctx context.Context, chapter int, reason string) error {
	if _, err := m.Update(ctx, session.Patch{Failed: map[int]string{chapter: reason}}); err != nil {
		return fmt.Errorf("failed to mark chapter %d failed: %w", chapter, err)
	}
	return nil
}

// MarkInProgress records which worker holds a chapter. Advisory only.
func (m *Manager) MarkInProgress(ctx context.Context, chapter int, worker string) error {
	_, err := m.Update(ctx, session.Patch{InProgress: map[int]string{chapter: worker}})
	return err
}

// ClearInProgress drops the advisory holder of a chapter.
func (m *Manager) ClearInProgress(ctx context.Context, chapter int) error {
	_, err := m.Update(ctx, session.Patch{Settled: []int{chapter}})
	return err
}

// GetPendingChapters returns {1..total} minus the completed set.
func (m *Manager) GetPendingChapters(ctx context.Context, total int) ([]int, error) {
	rec, err := m.Load(ctx)
	if err != nil {
		return nil, err
	}
	return rec.Pending(total), nil
}

// Abort marks the session ABORTED. Workers observe it on their next
// checkpoint read and stop taking its chapters.
func (m *Manager) Abort(ctx context.Context) error {
	_, err := m.Update(ctx, session.Patch{Stage: session.StageAborted})
	return err
}

// Complete marks the session COMPLETED and returns the merged record. An
// aborted session stays ABORTED.
func (m *Manager) Complete(ctx context.Context) (*session.Record, error) {
	return m.Update(ctx, session.Patch{Stage: session.StageCompleted})
}

// Purge deletes the record from the store and the local mirror.
func (m *Manager) Purge(ctx context.Context) error {
	token, err := m.acquire(ctx)
	if err != nil {
		return err
	}
	defer m.release(ctx, token)

	if err := m.cfg.Store.Delete(ctx, store.CheckpointKey(m.cfg.SessionID)); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	if m.mirror != nil {
		if err := m.mirror.remove(m.cfg.SessionID); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to delete local checkpoint: %w", err)
		}
	}
	return nil
}

// newToken returns a lock token unique to this acquisition.
func (m *Manager) newToken() string {
	return m.cfg.Owner + "-" + uuid.NewString()
}

// Opener returns a constructor for managers sharing base's settings.
func Opener(base Config) func(sessionID string) (*Manager, error) {
	return func(sessionID string) (*Manager, error) {
		cfg := base
		cfg.SessionID = sessionID
		return New(cfg)
	}
}
