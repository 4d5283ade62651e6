package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	// DefaultVisibility outlasts the default one hour task timeout plus
	// artifact upload and checkpoint time.
	DefaultVisibility = 90 * time.Minute
	DefaultResultTTL  = 24 * time.Hour
)

// Config configures a Queue.
type Config struct {
	Broker Broker
	// Visibility is how long a reserved task stays hidden before redelivery.
	Visibility time.Duration
	ResultTTL  time.Duration
	Retry      RetryPolicy
	Clock      clockwork.Clock
	Logger     *slog.Logger
}

// Queue applies the task lifecycle on top of a Broker.
type Queue struct {
	broker     Broker
	visibility time.Duration
	resultTTL  time.Duration
	retry      RetryPolicy
	clock      clockwork.Clock
	logger     *slog.Logger
}

// New creates a queue.
func New(cfg Config) *Queue {
	if cfg.Visibility <= 0 {
		cfg.Visibility = DefaultVisibility
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = DefaultResultTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Queue{
		broker:     cfg.Broker,
		visibility: cfg.Visibility,
		resultTTL:  cfg.ResultTTL,
		retry:      cfg.Retry.withDefaults(),
		clock:      cfg.Clock,
		logger:     cfg.Logger,
	}
}

// Broker returns the underlying broker.
func (q *Queue) Broker() Broker {
	return q.broker
}

// RetryPolicy returns the effective retry policy.
func (q *Queue) RetryPolicy() RetryPolicy {
	return q.retry
}

// Visibility returns the reservation window.
func (q *Queue) Visibility() time.Duration {
	return q.visibility
}

// NewBatchID returns an id for a group of tasks submitted together.
func NewBatchID() string {
	return uuid.NewString()
}

// Submit enqueues tasks as one batch. Missing task ids are generated.
func (q *Queue) Submit(ctx context.Context, batch string, tasks []*Task) error {
	now := q.clock.Now()
	for _, t := range tasks {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		t.Batch = batch
		t.State = StatePending
		t.Attempt = 0
		t.EnqueuedAt = now
		if err := q.broker.Push(ctx, t); err != nil {
			return fmt.Errorf("failed to submit chapter %d: %w", t.ChapterID, err)
		}
	}
	q.logger.Info("submitted batch", "batch", batch, "tasks", len(tasks))
	return nil
}

// Next waits for a task, polling the broker every poll interval.
func (q *Queue) Next(ctx context.Context, poll time.Duration) (*Delivery, error) {
	for {
		d, err := q.broker.Reserve(ctx, q.visibility)
		if err == nil {
			if d.Task.State == "" {
				d.Task.State = StatePending
			}
			if err := d.Task.Transition(StateDispatched); err != nil {
				// A payload in an unexpected state is still worth running.
				q.logger.Warn("unexpected task state on delivery", "task", d.Task.ID, "error", err)
				d.Task.State = StateDispatched
			}
			return d, nil
		}
		if !errors.Is(err, ErrEmpty) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.clock.After(poll):
		}
	}
}

// Succeed reports the result and settles the delivery. The result is sent
// before the ack, so a crash in between causes a duplicate, never a loss.
func (q *Queue) Succeed(ctx context.Context, d *Delivery, r *Result) error {
	if err := d.Task.Transition(StateSuccess); err != nil {
		return err
	}
	r.Status = StatusSuccess
	q.fill(d, r)
	if err := q.broker.PushResult(ctx, d.Task.Batch, r, q.resultTTL); err != nil {
		return err
	}
	return q.ack(ctx, d)
}

// failures counts reported failures plus earlier deliveries whose lease
// expired without a report, such as a worker killed mid-chapter.
func failures(t *Task) int {
	return max(t.Attempt, t.Deliveries-1)
}

// Exhausted reports whether failing this delivery once more ends the task.
func (q *Queue) Exhausted(d *Delivery) bool {
	return q.retry.Exhausted(failures(d.Task) + 1)
}

// Abandoned reports whether earlier deliveries already used up the retry
// budget. Such a task is terminated without running it again.
func (q *Queue) Abandoned(d *Delivery) bool {
	return d.Task.Deliveries-1 > d.Task.Attempt && q.retry.Exhausted(failures(d.Task))
}

// Extend renews the delivery's reservation for another visibility window.
func (q *Queue) Extend(ctx context.Context, d *Delivery) error {
	deadline := q.clock.Now().Add(q.visibility)
	if err := q.broker.Extend(ctx, d, deadline); err != nil {
		return err
	}
	d.Deadline = deadline
	return nil
}

// Retry records a failure and schedules the next attempt with backoff.
// minDelay raises the delay, for example to honor a rate limit hint.
func (q *Queue) Retry(ctx context.Context, d *Delivery, cause error, minDelay time.Duration) (time.Duration, error) {
	if err := d.Task.Transition(StateRetryWait); err != nil {
		return 0, err
	}
	delay := q.retry.Delay(failures(d.Task))
	if delay < minDelay {
		delay = minDelay
	}
	d.Task.Attempt = failures(d.Task) + 1
	d.Task.LastError = cause.Error()

	if err := q.broker.Release(ctx, d, q.clock.Now().Add(delay)); err != nil {
		return 0, err
	}
	return delay, nil
}

// Terminate records the final failure, reports it and settles the delivery.
func (q *Queue) Terminate(ctx context.Context, d *Delivery, cause error, r *Result) error {
	if d.Task.State != StateRetryWait {
		if err := d.Task.Transition(StateRetryWait); err != nil {
			return err
		}
	}
	if err := d.Task.Transition(StateTerminalFailure); err != nil {
		return err
	}
	d.Task.Attempt = failures(d.Task) + 1
	d.Task.LastError = cause.Error()

	r.Status = StatusFailure
	r.Error = cause.Error()
	q.fill(d, r)
	if err := q.broker.PushResult(ctx, d.Task.Batch, r, q.resultTTL); err != nil {
		return err
	}
	return q.ack(ctx, d)
}

// Discard settles a delivery without reporting, used for aborted sessions.
func (q *Queue) Discard(ctx context.Context, d *Delivery) error {
	return q.ack(ctx, d)
}

// Results waits up to wait for the next result of batch.
func (q *Queue) Results(ctx context.Context, batch string, wait time.Duration) (*Result, error) {
	return q.broker.PopResult(ctx, batch, wait)
}

// Depth reports the broker's backlog.
func (q *Queue) Depth(ctx context.Context) (Depth, error) {
	return q.broker.Depth(ctx)
}

// ack treats a lost lease as settled: another worker owns the task now and
// its own report will follow.
func (q *Queue) ack(ctx context.Context, d *Delivery) error {
	err := q.broker.Ack(ctx, d)
	if errors.Is(err, ErrLeaseLost) {
		q.logger.Warn("delivery lease expired before ack", "task", d.Task.ID, "chapter", d.Task.ChapterID)
		return nil
	}
	return err
}

func (q *Queue) fill(d *Delivery, r *Result) {
	r.TaskID = d.Task.ID
	r.Batch = d.Task.Batch
	r.Session = d.Task.Session
	r.ChapterID = d.Task.ChapterID
	r.Attempts = d.Task.Attempt + 1
	if r.Status == StatusFailure {
		r.Attempts = d.Task.Attempt
	}
	if r.FinishedAt.IsZero() {
		r.FinishedAt = q.clock.Now()
	}
}
