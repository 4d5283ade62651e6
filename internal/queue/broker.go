package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrEmpty means nothing was available before the wait elapsed.
	ErrEmpty = errors.New("queue empty")
	// ErrLeaseLost means the delivery's reservation expired and the task
	// was handed to someone else.
	ErrLeaseLost = errors.New("delivery lease lost")
	ErrClosed    = errors.New("broker closed")
)

// Broker is the storage behind a Queue.
type Broker interface {
	// Push makes a task ready now.
	Push(ctx context.Context, t *Task) error
	// Schedule makes a task ready at a later time.
	Schedule(ctx context.Context, t *Task, at time.Time) error
	// Reserve hands out the oldest ready task for visibility, or ErrEmpty.
	Reserve(ctx context.Context, visibility time.Duration) (*Delivery, error)
	// Ack removes a reserved task for good.
	Ack(ctx context.Context, d *Delivery) error
	// Release atomically replaces a reserved task's payload with d.Task and
	// schedules it for at.
	Release(ctx context.Context, d *Delivery, at time.Time) error
	// Extend moves a held reservation's deadline to deadline, or returns
	// ErrLeaseLost.
	Extend(ctx context.Context, d *Delivery, deadline time.Time) error
	// Requeue moves due delayed tasks and expired reservations back to ready.
	Requeue(ctx context.Context, now time.Time) (int, error)

	PushResult(ctx context.Context, batch string, r *Result, ttl time.Duration) error
	// PopResult waits up to wait for the next result of batch, or ErrEmpty.
	PopResult(ctx context.Context, batch string, wait time.Duration) (*Result, error)

	Depth(ctx context.Context) (Depth, error)
	Close() error
}
