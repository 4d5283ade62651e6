// Package coordinator splits a book into chapter tasks, waits for workers
// to settle them and combines the resulting artifacts in chapter order.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/jackzampolin/chorus/internal/checkpoint"
	"github.com/jackzampolin/chorus/internal/metrics"
	"github.com/jackzampolin/chorus/internal/queue"
	"github.com/jackzampolin/chorus/internal/session"
	"github.com/jackzampolin/chorus/internal/store"
	"github.com/jackzampolin/chorus/internal/synth"
	"github.com/jackzampolin/chorus/internal/transfer"
)

const (
	DefaultPollInterval     = 2 * time.Second
	DefaultProgressInterval = 5 * time.Second
)

// Chapter is one chapter's text as produced by the text pipeline.
type Chapter struct {
	ID       int      `json:"id"`
	Title    string   `json:"title,omitempty"`
	Segments []string `json:"segments"`
}

// Handle identifies a submitted batch. It is JSON so a later process can
// resume waiting on it.
type Handle struct {
	Session     string    `json:"session"`
	Batch       string    `json:"batch"`
	Chapters    []int     `json:"chapters"`
	Total       int       `json:"total"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Artifact is a finished chapter.
type Artifact struct {
	ChapterID       int             `json:"chapter_id"`
	Handle          transfer.Handle `json:"handle"`
	DurationSeconds float64         `json:"duration_seconds"`
	ByteSize        int64           `json:"byte_size"`
}

// Config configures a Coordinator.
type Config struct {
	Checkpoint *checkpoint.Manager
	Queue      *queue.Queue
	// Store carries progress notifications; nil disables them.
	Store      store.Store
	Transfer   transfer.Backend
	Muxer      Muxer
	StagingDir string

	PollInterval     time.Duration
	ProgressInterval time.Duration

	Clock   clockwork.Clock
	Metrics *metrics.Recorder
	Logger  *slog.Logger
}

// Coordinator drives one session.
type Coordinator struct {
	cfg     Config
	session string
	logger  *slog.Logger
}

// New creates a coordinator for the checkpoint's session.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Checkpoint == nil || cfg.Queue == nil {
		return nil, errors.New("coordinator requires a checkpoint manager and a queue")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = DefaultProgressInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	id := cfg.Checkpoint.SessionID()
	return &Coordinator{
		cfg:     cfg,
		session: id,
		logger:  cfg.Logger.With("session", id),
	}, nil
}

// SessionID returns the coordinated session.
func (c *Coordinator) SessionID() string {
	return c.session
}

// ValidateChapters checks ids are exactly 1..len(chapters).
func ValidateChapters(chapters []Chapter) error {
	if len(chapters) == 0 {
		return fmt.Errorf("%w: no chapters", ErrInvalidChapters)
	}
	seen := make(map[int]bool, len(chapters))
	for _, ch := range chapters {
		if ch.ID < 1 || ch.ID > len(chapters) || seen[ch.ID] {
			return fmt.Errorf("%w: bad or duplicate id %d", ErrInvalidChapters, ch.ID)
		}
		seen[ch.ID] = true
	}
	return nil
}

// Distribute submits one task per chapter as a single batch. With resume,
// chapters already completed in the checkpoint are skipped and the rest of
// the record is kept; otherwise the record starts over.
func (c *Coordinator) Distribute(ctx context.Context, chapters []Chapter, cfg synth.Config, resume bool) (*Handle, error) {
	if err := ValidateChapters(chapters); err != nil {
		return nil, err
	}
	total := len(chapters)

	var (
		rec *session.Record
		err error
	)
	if resume {
		rec, err = c.cfg.Checkpoint.Reopen(ctx, total)
	} else {
		if _, err = c.cfg.Checkpoint.Init(ctx, total); err == nil {
			rec, err = c.cfg.Checkpoint.SaveCheckpoint(ctx, session.StageInProgress, session.Patch{})
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to prepare checkpoint: %w", err)
	}

	sorted := append([]Chapter(nil), chapters...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	batch := queue.NewBatchID()
	tasks := make([]*queue.Task, 0, total)
	ids := make([]int, 0, total)
	for _, ch := range sorted {
		if rec.IsCompleted(ch.ID) {
			continue
		}
		tasks = append(tasks, &queue.Task{
			Session:   c.session,
			ChapterID: ch.ID,
			Title:     ch.Title,
			Segments:  ch.Segments,
			Config:    cfg,
		})
		ids = append(ids, ch.ID)
	}

	if len(tasks) > 0 {
		if err := c.cfg.Queue.Submit(ctx, batch, tasks); err != nil {
			return nil, err
		}
	}

	c.logger.Info("distributed chapters",
		"batch", batch,
		"submitted", len(tasks),
		"skipped", total-len(tasks),
		"resume", resume,
	)
	c.publish(ctx, rec)

	return &Handle{
		Session:     c.session,
		Batch:       batch,
		Chapters:    ids,
		Total:       total,
		SubmittedAt: c.cfg.Clock.Now(),
	}, nil
}

// GetProgress derives progress from the checkpoint record.
func (c *Coordinator) GetProgress(ctx context.Context) (session.Progress, error) {
	rec, err := c.cfg.Checkpoint.Load(ctx)
	if err != nil {
		return session.Progress{}, err
	}
	return rec.Progress(c.cfg.Clock.Now()), nil
}

// Abort marks the session aborted. Workers drop its remaining tasks.
func (c *Coordinator) Abort(ctx context.Context) error {
	if err := c.cfg.Checkpoint.Abort(ctx); err != nil {
		return err
	}
	c.logger.Warn("session aborted")
	if rec, err := c.cfg.Checkpoint.Load(ctx); err == nil {
		c.publish(ctx, rec)
	}
	return nil
}

// publish sends a progress notification. Failure only warns.
func (c *Coordinator) publish(ctx context.Context, rec *session.Record) {
	p := rec.Progress(c.cfg.Clock.Now())
	c.cfg.Metrics.SessionProgress(c.session, p.Completed, p.Failed)
	if c.cfg.Store == nil {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := c.cfg.Store.Publish(ctx, store.ProgressChannel(c.session), data); err != nil {
		c.logger.Warn("failed to publish progress", "error", err)
	}
}
