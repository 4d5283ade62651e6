// Package queuetest holds the behavioral suite every queue.Broker must pass.
package queuetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/jackzampolin/chorus/internal/queue"
)

// Harness is a fresh broker plus the clock it reads.
type Harness struct {
	Broker queue.Broker
	Clock  *clockwork.FakeClock
	// Expire advances backend key expiry, when it is not driven by Clock.
	Expire func(time.Duration)
}

func (h Harness) advance(d time.Duration) {
	h.Clock.Advance(d)
	if h.Expire != nil {
		h.Expire(d)
	}
}

func task(id string, chapter int) *queue.Task {
	return &queue.Task{
		ID:        id,
		Batch:     "b1",
		Session:   "s1",
		ChapterID: chapter,
		Segments:  []string{fmt.Sprintf("Chapter %d.", chapter)},
		State:     queue.StatePending,
	}
}

// Run executes the suite, calling newHarness once per subtest.
func Run(t *testing.T, newHarness func(t *testing.T) Harness) {
	ctx := context.Background()

	t.Run("reserve empty", func(t *testing.T) {
		h := newHarness(t)
		if _, err := h.Broker.Reserve(ctx, time.Minute); !errors.Is(err, queue.ErrEmpty) {
			t.Errorf("Reserve() error = %v, want ErrEmpty", err)
		}
	})

	t.Run("fifo reserve and ack", func(t *testing.T) {
		h := newHarness(t)
		for i := 1; i <= 3; i++ {
			if err := h.Broker.Push(ctx, task(fmt.Sprintf("t%d", i), i)); err != nil {
				t.Fatalf("Push() error = %v", err)
			}
		}
		for i := 1; i <= 3; i++ {
			d, err := h.Broker.Reserve(ctx, time.Minute)
			if err != nil {
				t.Fatalf("Reserve() error = %v", err)
			}
			if d.Task.ChapterID != i {
				t.Errorf("reserved chapter %d, want %d", d.Task.ChapterID, i)
			}
			if err := h.Broker.Ack(ctx, d); err != nil {
				t.Fatalf("Ack() error = %v", err)
			}
		}
		depth, err := h.Broker.Depth(ctx)
		if err != nil {
			t.Fatalf("Depth() error = %v", err)
		}
		if depth.Total() != 0 {
			t.Errorf("Depth() = %+v, want empty", depth)
		}
	})

	t.Run("reserved task is hidden", func(t *testing.T) {
		h := newHarness(t)
		_ = h.Broker.Push(ctx, task("t1", 1))
		if _, err := h.Broker.Reserve(ctx, time.Minute); err != nil {
			t.Fatalf("Reserve() error = %v", err)
		}
		if _, err := h.Broker.Reserve(ctx, time.Minute); !errors.Is(err, queue.ErrEmpty) {
			t.Errorf("second Reserve() error = %v, want ErrEmpty", err)
		}
		depth, _ := h.Broker.Depth(ctx)
		if depth.Reserved != 1 {
			t.Errorf("Depth() = %+v, want 1 reserved", depth)
		}
	})

	t.Run("visibility expiry redelivers", func(t *testing.T) {
		h := newHarness(t)
		_ = h.Broker.Push(ctx, task("t1", 1))
		first, err := h.Broker.Reserve(ctx, time.Minute)
		if err != nil {
			t.Fatalf("Reserve() error = %v", err)
		}

		h.advance(2 * time.Minute)
		second, err := h.Broker.Reserve(ctx, time.Minute)
		if err != nil {
			t.Fatalf("Reserve() after expiry error = %v", err)
		}
		if second.Task.ID != "t1" || second.Token == first.Token {
			t.Errorf("redelivery = %+v, want t1 with a new token", second)
		}
		if err := h.Broker.Ack(ctx, first); !errors.Is(err, queue.ErrLeaseLost) {
			t.Errorf("stale Ack() error = %v, want ErrLeaseLost", err)
		}
		if err := h.Broker.Ack(ctx, second); err != nil {
			t.Errorf("Ack() error = %v", err)
		}
	})

	t.Run("redeliveries are counted", func(t *testing.T) {
		h := newHarness(t)
		_ = h.Broker.Push(ctx, task("t1", 1))
		for want := 1; want <= 3; want++ {
			d, err := h.Broker.Reserve(ctx, time.Minute)
			if err != nil {
				t.Fatalf("Reserve() %d error = %v", want, err)
			}
			if d.Task.Deliveries != want {
				t.Errorf("delivery %d: Deliveries = %d", want, d.Task.Deliveries)
			}
			h.advance(2 * time.Minute)
		}

		// A fresh push starts the count over.
		_ = h.Broker.Push(ctx, task("t2", 2))
		d, _ := h.Broker.Reserve(ctx, time.Minute)
		for d != nil && d.Task.ID != "t2" {
			d, _ = h.Broker.Reserve(ctx, time.Minute)
		}
		if d == nil || d.Task.Deliveries != 1 {
			t.Errorf("fresh task delivery = %+v, want Deliveries 1", d)
		}
	})

	t.Run("extend keeps reservation", func(t *testing.T) {
		h := newHarness(t)
		_ = h.Broker.Push(ctx, task("t1", 1))
		d, err := h.Broker.Reserve(ctx, time.Minute)
		if err != nil {
			t.Fatalf("Reserve() error = %v", err)
		}

		h.advance(45 * time.Second)
		if err := h.Broker.Extend(ctx, d, h.Clock.Now().Add(time.Minute)); err != nil {
			t.Fatalf("Extend() error = %v", err)
		}
		h.advance(45 * time.Second)
		if _, err := h.Broker.Reserve(ctx, time.Minute); !errors.Is(err, queue.ErrEmpty) {
			t.Errorf("Reserve() after Extend error = %v, want ErrEmpty", err)
		}
		if err := h.Broker.Ack(ctx, d); err != nil {
			t.Errorf("Ack() after Extend error = %v", err)
		}
	})

	t.Run("extend after expiry loses lease", func(t *testing.T) {
		h := newHarness(t)
		_ = h.Broker.Push(ctx, task("t1", 1))
		first, _ := h.Broker.Reserve(ctx, time.Minute)
		h.advance(2 * time.Minute)
		if _, err := h.Broker.Reserve(ctx, time.Minute); err != nil {
			t.Fatalf("Reserve() after expiry error = %v", err)
		}
		if err := h.Broker.Extend(ctx, first, h.Clock.Now().Add(time.Minute)); !errors.Is(err, queue.ErrLeaseLost) {
			t.Errorf("stale Extend() error = %v, want ErrLeaseLost", err)
		}
	})

	t.Run("schedule delays delivery", func(t *testing.T) {
		h := newHarness(t)
		if err := h.Broker.Schedule(ctx, task("t1", 1), h.Clock.Now().Add(time.Minute)); err != nil {
			t.Fatalf("Schedule() error = %v", err)
		}
		if _, err := h.Broker.Reserve(ctx, time.Minute); !errors.Is(err, queue.ErrEmpty) {
			t.Errorf("Reserve() before due error = %v, want ErrEmpty", err)
		}
		depth, _ := h.Broker.Depth(ctx)
		if depth.Delayed != 1 {
			t.Errorf("Depth() = %+v, want 1 delayed", depth)
		}

		h.advance(time.Minute)
		d, err := h.Broker.Reserve(ctx, time.Minute)
		if err != nil {
			t.Fatalf("Reserve() after due error = %v", err)
		}
		if d.Task.ID != "t1" {
			t.Errorf("reserved %s, want t1", d.Task.ID)
		}
	})

	t.Run("release reschedules updated payload", func(t *testing.T) {
		h := newHarness(t)
		_ = h.Broker.Push(ctx, task("t1", 1))
		d, _ := h.Broker.Reserve(ctx, time.Minute)

		d.Task.Attempt = 1
		d.Task.LastError = "boom"
		if err := h.Broker.Release(ctx, d, h.Clock.Now().Add(30*time.Second)); err != nil {
			t.Fatalf("Release() error = %v", err)
		}
		if err := h.Broker.Ack(ctx, d); !errors.Is(err, queue.ErrLeaseLost) {
			t.Errorf("Ack() after release error = %v, want ErrLeaseLost", err)
		}

		h.advance(30 * time.Second)
		again, err := h.Broker.Reserve(ctx, time.Minute)
		if err != nil {
			t.Fatalf("Reserve() error = %v", err)
		}
		if again.Task.Attempt != 1 || again.Task.LastError != "boom" {
			t.Errorf("released payload = %+v", again.Task)
		}
	})

	t.Run("requeue counts moves", func(t *testing.T) {
		h := newHarness(t)
		now := h.Clock.Now()
		_ = h.Broker.Schedule(ctx, task("t1", 1), now.Add(time.Second))
		_ = h.Broker.Push(ctx, task("t2", 2))
		if _, err := h.Broker.Reserve(ctx, time.Second); err != nil {
			t.Fatalf("Reserve() error = %v", err)
		}

		n, err := h.Broker.Requeue(ctx, now.Add(2*time.Second))
		if err != nil {
			t.Fatalf("Requeue() error = %v", err)
		}
		if n != 2 {
			t.Errorf("Requeue() = %d, want 2", n)
		}
	})

	t.Run("results in order", func(t *testing.T) {
		h := newHarness(t)
		for i := 1; i <= 2; i++ {
			r := &queue.Result{ChapterID: i, Status: queue.StatusSuccess}
			if err := h.Broker.PushResult(ctx, "b1", r, time.Hour); err != nil {
				t.Fatalf("PushResult() error = %v", err)
			}
		}
		for i := 1; i <= 2; i++ {
			r, err := h.Broker.PopResult(ctx, "b1", 0)
			if err != nil {
				t.Fatalf("PopResult() error = %v", err)
			}
			if r.ChapterID != i {
				t.Errorf("result chapter %d, want %d", r.ChapterID, i)
			}
		}
		if _, err := h.Broker.PopResult(ctx, "b1", 0); !errors.Is(err, queue.ErrEmpty) {
			t.Errorf("PopResult() error = %v, want ErrEmpty", err)
		}
	})

	t.Run("results are per batch", func(t *testing.T) {
		h := newHarness(t)
		_ = h.Broker.PushResult(ctx, "b1", &queue.Result{ChapterID: 1}, time.Hour)
		if _, err := h.Broker.PopResult(ctx, "b2", 0); !errors.Is(err, queue.ErrEmpty) {
			t.Errorf("PopResult(b2) error = %v, want ErrEmpty", err)
		}
	})

	t.Run("results expire", func(t *testing.T) {
		h := newHarness(t)
		_ = h.Broker.PushResult(ctx, "b1", &queue.Result{ChapterID: 1}, time.Hour)
		h.advance(2 * time.Hour)
		if _, err := h.Broker.PopResult(ctx, "b1", 0); !errors.Is(err, queue.ErrEmpty) {
			t.Errorf("PopResult() after ttl error = %v, want ErrEmpty", err)
		}
	})
}
