package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackzampolin/chorus/internal/queue"
	"github.com/jackzampolin/chorus/internal/session"
	"github.com/jackzampolin/chorus/internal/transfer"
)

// WaitAndAggregate blocks until every chapter of h has settled, then
// returns all of the session's artifacts ordered by chapter id.
//
// A chapter failure does not stop the wait: the call returns only once
// every other chapter has settled, with the successful artifacts and a
// *ChapterFailureError. Abort returns ErrAborted and the deadline
// ErrTimeout, both with the artifacts collected so far. A timeout of zero
// waits indefinitely.
func (c *Coordinator) WaitAndAggregate(ctx context.Context, h *Handle, timeout time.Duration) ([]Artifact, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = c.cfg.Clock.Now().Add(timeout)
	}

	outstanding := make(map[int]bool, len(h.Chapters))
	for _, id := range h.Chapters {
		outstanding[id] = true
	}
	results := make(map[int]*queue.Result)
	var lastCheck time.Time

	for {
		// Read the checkpoint on the progress interval and after results.
		if lastCheck.IsZero() || c.cfg.Clock.Since(lastCheck) >= c.cfg.ProgressInterval {
			rec, err := c.cfg.Checkpoint.Load(ctx)
			if err != nil {
				c.logger.Warn("failed to read checkpoint while waiting", "error", err)
			} else {
				lastCheck = c.cfg.Clock.Now()
				c.publish(ctx, rec)
				if rec.Stage == session.StageAborted {
					return c.collect(rec, results), ErrAborted
				}
				// Chapters completed by any worker count even if
				// their result never reaches us.
				for id := range outstanding {
					if rec.IsCompleted(id) {
						delete(outstanding, id)
					}
				}
			}
		}

		if len(outstanding) == 0 {
			break
		}

		wait := c.cfg.PollInterval
		if !deadline.IsZero() {
			remaining := deadline.Sub(c.cfg.Clock.Now())
			if remaining <= 0 {
				rec, _ := c.cfg.Checkpoint.Load(ctx)
				return c.collect(rec, results), fmt.Errorf("%w: %d of %d chapters outstanding", ErrTimeout, len(outstanding), len(h.Chapters))
			}
			wait = min(wait, remaining)
		}

		r, err := c.cfg.Queue.Results(ctx, h.Batch, wait)
		switch {
		case err == nil:
			c.record(results, outstanding, r)
			// Re-read the checkpoint before the next result.
			lastCheck = time.Time{}
		case errors.Is(err, queue.ErrEmpty):
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			c.logger.Warn("failed to read results", "error", err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-c.cfg.Clock.After(c.cfg.PollInterval):
			}
		}
	}

	return c.finish(ctx, h, results)
}

// record keeps the first report per chapter, except that a success always
// replaces a failure.
func (c *Coordinator) record(results map[int]*queue.Result, outstanding map[int]bool, r *queue.Result) {
	if r.Session != "" && r.Session != c.session {
		return
	}
	if prev, ok := results[r.ChapterID]; ok {
		if prev.Status == queue.StatusSuccess || r.Status != queue.StatusSuccess {
			c.logger.Debug("duplicate chapter result", "chapter", r.ChapterID, "status", r.Status)
			return
		}
	}
	results[r.ChapterID] = r
	delete(outstanding, r.ChapterID)

	if r.Status == queue.StatusSuccess {
		c.logger.Info("chapter settled", "chapter", r.ChapterID, "worker", r.Worker, "attempts", r.Attempts)
	} else {
		c.logger.Warn("chapter failed", "chapter", r.ChapterID, "attempts", r.Attempts, "error", r.Error)
	}
}

func (c *Coordinator) finish(ctx context.Context, h *Handle, results map[int]*queue.Result) ([]Artifact, error) {
	rec, err := c.cfg.Checkpoint.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read final checkpoint: %w", err)
	}
	artifacts := c.collect(rec, results)

	have := make(map[int]bool, len(artifacts))
	for _, a := range artifacts {
		have[a.ChapterID] = true
	}

	failure := &ChapterFailureError{Errors: make(map[int]string)}
	for id := 1; id <= h.Total; id++ {
		if have[id] {
			continue
		}
		failure.Failed = append(failure.Failed, id)
		switch {
		case results[id] != nil && results[id].Error != "":
			failure.Errors[id] = results[id].Error
		case rec.Errors[id] != "":
			failure.Errors[id] = rec.Errors[id]
		default:
			failure.Errors[id] = "no artifact recorded"
		}
	}

	if len(failure.Failed) > 0 {
		c.publish(ctx, rec)
		c.logger.Error("session finished with failed chapters", "failed", failure.Failed)
		return artifacts, failure
	}

	if done, err := c.cfg.Checkpoint.Complete(ctx); err != nil {
		c.logger.Warn("failed to mark session completed", "error", err)
	} else {
		rec = done
	}
	c.publish(ctx, rec)
	c.logger.Info("all chapters completed", "chapters", len(artifacts))
	return artifacts, nil
}

// collect returns one artifact per completed chapter, ordered by id. The
// checkpoint covers chapters finished in earlier runs.
func (c *Coordinator) collect(rec *session.Record, results map[int]*queue.Result) []Artifact {
	var artifacts []Artifact
	total := 0
	if rec != nil {
		total = rec.TotalChapters
	}
	for id := range results {
		total = max(total, id)
	}

	for id := 1; id <= total; id++ {
		if rec != nil && rec.IsCompleted(id) {
			if meta, ok := rec.ChapterMetadata[id]; ok && meta.Artifact != "" {
				artifacts = append(artifacts, Artifact{
					ChapterID:       id,
					Handle:          transfer.Handle(meta.Artifact),
					DurationSeconds: meta.DurationSeconds,
					ByteSize:        meta.ByteSize,
				})
				continue
			}
		}
		if r := results[id]; r != nil && r.Status == queue.StatusSuccess && r.Artifact != "" {
			artifacts = append(artifacts, Artifact{
				ChapterID:       id,
				Handle:          transfer.Handle(r.Artifact),
				DurationSeconds: r.DurationSeconds,
				ByteSize:        r.ByteSize,
			})
		}
	}
	return artifacts
}
