// Package worker executes chapter tasks one at a time: synthesize every
// segment, join them, store the artifact, record the chapter in the
// checkpoint and report back.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/jackzampolin/chorus/internal/checkpoint"
	"github.com/jackzampolin/chorus/internal/metrics"
	"github.com/jackzampolin/chorus/internal/queue"
	"github.com/jackzampolin/chorus/internal/session"
	"github.com/jackzampolin/chorus/internal/store"
	"github.com/jackzampolin/chorus/internal/synth"
	"github.com/jackzampolin/chorus/internal/transfer"
)

const (
	DefaultTaskTimeout       = time.Hour
	DefaultPollInterval      = time.Second
	DefaultHeartbeatInterval = 10 * time.Second
)

// ErrRecycle is returned by Run after MaxTasks tasks. The supervisor should
// start a fresh process, which also drops the engine cache.
var ErrRecycle = errors.New("worker reached its task limit")

// CheckpointOpener returns the checkpoint manager for a session.
type CheckpointOpener func(sessionID string) (*checkpoint.Manager, error)

// Config configures a Worker.
type Config struct {
	ID          string
	Queue       *queue.Queue
	Transfer    transfer.Backend
	Engines     *synth.Cache
	Joiner      *synth.Joiner
	Checkpoints CheckpointOpener
	// Store receives heartbeats; nil disables them.
	Store store.Store

	TaskTimeout       time.Duration
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	// MaxTasks recycles the worker after this many tasks; 0 is unlimited.
	MaxTasks int
	// MemoryLimit is the soft memory budget in bytes used for health when
	// no runtime limit is set.
	MemoryLimit int64

	Clock   clockwork.Clock
	Metrics *metrics.Recorder
	Logger  *slog.Logger
}

// Worker pulls tasks from the queue and runs them sequentially.
type Worker struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	started   time.Time
	current   *queue.Task
	tasksDone int
}

// New validates cfg and applies defaults.
func New(cfg Config) (*Worker, error) {
	if cfg.Queue == nil || cfg.Transfer == nil || cfg.Engines == nil || cfg.Checkpoints == nil {
		return nil, errors.New("worker requires a queue, transfer backend, engine cache and checkpoint opener")
	}
	if cfg.ID == "" {
		host, _ := os.Hostname()
		cfg.ID = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Joiner == nil {
		cfg.Joiner = &synth.Joiner{Logger: cfg.Logger}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Worker{
		cfg:     cfg,
		logger:  cfg.Logger.With("worker", cfg.ID),
		started: cfg.Clock.Now(),
	}, nil
}

// ID returns the worker id.
func (w *Worker) ID() string {
	return w.cfg.ID
}

// Run processes tasks until ctx is cancelled (returning nil) or the task
// limit is reached (returning ErrRecycle).
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "max_tasks", w.cfg.MaxTasks, "task_timeout", w.cfg.TaskTimeout)

	g, gctx := errgroup.WithContext(ctx)
	loopCtx, stopHeartbeat := context.WithCancel(gctx)
	defer stopHeartbeat()

	g.Go(func() error {
		defer stopHeartbeat()
		return w.loop(loopCtx)
	})
	if w.cfg.Store != nil {
		g.Go(func() error {
			w.heartbeat(loopCtx)
			return nil
		})
	}

	err := g.Wait()
	w.logger.Info("worker stopped", "tasks_done", w.TasksDone(), "error", err)
	return err
}

func (w *Worker) loop(ctx context.Context) error {
	for {
		if w.cfg.MaxTasks > 0 && w.TasksDone() >= w.cfg.MaxTasks {
			return ErrRecycle
		}

		d, err := w.cfg.Queue.Next(ctx, w.cfg.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Warn("failed to reserve task", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-w.cfg.Clock.After(w.cfg.PollInterval):
			}
			continue
		}

		w.handle(ctx, d)
	}
}

// TasksDone counts tasks this worker settled.
func (w *Worker) TasksDone() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tasksDone
}

func (w *Worker) setCurrent(t *queue.Task) {
	w.mu.Lock()
	w.current = t
	w.mu.Unlock()
	w.cfg.Metrics.WorkerBusy(t != nil)
}

func (w *Worker) settled() {
	w.mu.Lock()
	w.tasksDone++
	w.mu.Unlock()
}

// handle runs one delivery to completion. A cancelled ctx leaves the task
// unacknowledged so it is redelivered after its visibility timeout.
func (w *Worker) handle(ctx context.Context, d *queue.Delivery) {
	t := d.Task
	logger := w.logger.With("session", t.Session, "chapter", t.ChapterID, "attempt", t.Attempt+1, "task", t.ID)

	cp, err := w.cfg.Checkpoints(t.Session)
	if err != nil {
		logger.Error("failed to open checkpoint", "error", err)
		w.fail(ctx, d, nil, err, logger)
		return
	}

	rec, err := cp.Load(ctx)
	if err != nil {
		logger.Warn("failed to load checkpoint, running task anyway", "error", err)
		rec = session.New(t.Session)
	}
	if rec.Stage == session.StageAborted {
		logger.Info("session aborted, discarding task")
		if err := w.cfg.Queue.Discard(ctx, d); err != nil {
			logger.Warn("failed to discard task", "error", err)
		}
		w.settled()
		return
	}

	if err := d.Task.Transition(queue.StateExecuting); err != nil {
		logger.Warn("unexpected task state", "error", err)
		d.Task.State = queue.StateExecuting
	}

	// A redelivered chapter that already has a stored artifact is reported
	// again without re-synthesizing it.
	if meta, ok := rec.ChapterMetadata[t.ChapterID]; ok && rec.IsCompleted(t.ChapterID) && meta.Artifact != "" {
		logger.Info("chapter already completed, reporting existing artifact", "artifact", meta.Artifact)
		w.succeed(ctx, d, meta, 0, logger)
		return
	}

	// Workers that lost the lease never reported; those deliveries spend
	// the retry budget too.
	if w.cfg.Queue.Abandoned(d) {
		lost := t.Deliveries - 1 - t.Attempt
		w.fail(ctx, d, cp, fmt.Errorf("chapter lease expired %d time(s) without a report", lost), logger)
		return
	}

	if err := cp.MarkInProgress(ctx, t.ChapterID, w.cfg.ID); err != nil {
		logger.Warn("failed to mark chapter in progress", "error", err)
	}

	w.setCurrent(t)
	defer w.setCurrent(nil)

	release := w.keepLease(ctx, d, logger)
	defer release()

	start := w.cfg.Clock.Now()
	clip, err := w.execute(ctx, t, logger)
	if ctx.Err() != nil {
		logger.Info("worker stopping, leaving task for redelivery")
		return
	}
	if err != nil {
		release()
		w.fail(ctx, d, cp, err, logger)
		return
	}

	name := fmt.Sprintf("chapter_%04d.%s", t.ChapterID, clip.Format)
	h, err := transfer.PutBytes(ctx, w.cfg.Transfer, t.Session, name, clip.Audio)
	release()
	if err != nil {
		w.fail(ctx, d, cp, fmt.Errorf("failed to store artifact: %w", err), logger)
		return
	}

	meta := session.ChapterMeta{
		DurationSeconds: clip.Duration.Seconds(),
		ByteSize:        int64(len(clip.Audio)),
		Artifact:        h.String(),
	}
	if err := cp.MarkChapterComplete(ctx, t.ChapterID, &meta); err != nil {
		w.fail(ctx, d, cp, err, logger)
		return
	}

	w.succeed(ctx, d, meta, w.cfg.Clock.Since(start), logger)
}

// keepLease renews d's reservation every third of the visibility window
// until the returned func is called. The func waits for the renewer to exit
// and is safe to call more than once.
func (w *Worker) keepLease(ctx context.Context, d *queue.Delivery, logger *slog.Logger) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	ticker := w.cfg.Clock.NewTicker(w.cfg.Queue.Visibility() / 3)

	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
			}
			err := w.cfg.Queue.Extend(ctx, d)
			switch {
			case err == nil:
				logger.Debug("renewed task lease", "deadline", d.Deadline)
			case ctx.Err() != nil:
				return
			case errors.Is(err, queue.ErrLeaseLost):
				logger.Warn("task lease lost, another worker may run this chapter")
				return
			default:
				logger.Warn("failed to renew task lease", "error", err)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

func (w *Worker) succeed(ctx context.Context, d *queue.Delivery, meta session.ChapterMeta, took time.Duration, logger *slog.Logger) {
	err := w.cfg.Queue.Succeed(ctx, d, &queue.Result{
		Artifact:        meta.Artifact,
		DurationSeconds: meta.DurationSeconds,
		ByteSize:        meta.ByteSize,
		Worker:          w.cfg.ID,
	})
	if err != nil {
		// The checkpoint already holds the chapter; a redelivery reports it.
		logger.Error("failed to report chapter result", "error", err)
		return
	}
	w.settled()
	w.cfg.Metrics.TaskFinished("success", took)
	logger.Info("chapter completed", "duration", meta.DurationSeconds, "bytes", meta.ByteSize, "took", took)
}

// fail retries the task or, once retries are exhausted, records it as
// failed in the checkpoint before reporting the failure.
func (w *Worker) fail(ctx context.Context, d *queue.Delivery, cp *checkpoint.Manager, cause error, logger *slog.Logger) {
	t := d.Task

	if w.cfg.Queue.Exhausted(d) {
		if cp != nil {
			if err := cp.MarkChapterFailed(ctx, t.ChapterID, cause.Error()); err != nil {
				logger.Error("failed to record chapter failure", "error", err)
			}
		}
		if err := w.cfg.Queue.Terminate(ctx, d, cause, &queue.Result{Worker: w.cfg.ID}); err != nil {
			logger.Error("failed to report chapter failure", "error", err)
			return
		}
		w.settled()
		w.cfg.Metrics.TaskFinished("failure", 0)
		logger.Error("chapter failed permanently", "error", cause)
		return
	}

	var minDelay time.Duration
	var rle *synth.RateLimitError
	if errors.As(cause, &rle) {
		minDelay = rle.RetryAfter
	}
	delay, err := w.cfg.Queue.Retry(ctx, d, cause, minDelay)
	if err != nil {
		logger.Error("failed to schedule retry", "error", err)
		return
	}
	if cp != nil {
		if err := cp.ClearInProgress(ctx, t.ChapterID); err != nil {
			logger.Warn("failed to clear in-progress marker", "error", err)
		}
	}
	w.settled()
	w.cfg.Metrics.RetryScheduled()
	w.cfg.Metrics.TaskFinished("retry", 0)
	logger.Warn("chapter failed, retrying", "error", cause, "delay", delay)
}

// execute synthesizes and joins a chapter within the task timeout.
func (w *Worker) execute(ctx context.Context, t *queue.Task, logger *slog.Logger) (*synth.Clip, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.TaskTimeout)
	defer cancel()

	soft := w.cfg.Clock.AfterFunc(w.cfg.TaskTimeout*55/60, func() {
		logger.Warn("chapter approaching time limit", "limit", w.cfg.TaskTimeout)
	})
	defer soft.Stop()

	engine, err := w.cfg.Engines.Get(t.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to load engine: %w", err)
	}

	clips := make([]*synth.Clip, 0, len(t.Segments))
	for i, seg := range t.Segments {
		if strings.TrimSpace(seg) == "" {
			continue
		}
		clip, err := engine.Synthesize(ctx, seg)
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("chapter exceeded time limit of %s", w.cfg.TaskTimeout)
			}
			return nil, fmt.Errorf("segment %d: %w", i+1, err)
		}
		clips = append(clips, clip)
	}
	if len(clips) == 0 {
		return nil, errors.New("chapter has no text to synthesize")
	}

	return w.cfg.Joiner.Join(ctx, clips)
}
