package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func newTestQueue(clock clockwork.Clock) *Queue {
	return New(Config{
		Broker: NewMemoryBroker(clock),
		Retry:  RetryPolicy{MaxRetries: 3, Base: time.Minute, Cap: 10 * time.Minute},
		Clock:  clock,
	})
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StatePending, StateDispatched, true},
		{StateDispatched, StateExecuting, true},
		{StateExecuting, StateSuccess, true},
		{StateExecuting, StateRetryWait, true},
		{StateRetryWait, StateDispatched, true},
		{StateRetryWait, StateTerminalFailure, true},
		{StatePending, StateSuccess, false},
		{StateSuccess, StateDispatched, false},
		{StateTerminalFailure, StateRetryWait, false},
		{StateExecuting, StateTerminalFailure, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.ok {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestQueue_SuccessPath(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	q := newTestQueue(clock)

	if err := q.Submit(ctx, "b1", []*Task{{Session: "s1", ChapterID: 7}}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	d, err := q.Next(ctx, time.Millisecond)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if d.Task.ID == "" || d.Task.State != StateDispatched {
		t.Fatalf("delivery = %+v", d.Task)
	}
	if err := d.Task.Transition(StateExecuting); err != nil {
		t.Fatal(err)
	}
	if err := q.Succeed(ctx, d, &Result{Artifact: "fs://s1/chapter_0007.wav", Worker: "w1"}); err != nil {
		t.Fatalf("Succeed() error = %v", err)
	}

	r, err := q.Results(ctx, "b1", 0)
	if err != nil {
		t.Fatalf("Results() error = %v", err)
	}
	if r.Status != StatusSuccess || r.ChapterID != 7 || r.Session != "s1" || r.Attempts != 1 {
		t.Errorf("result = %+v", r)
	}
	depth, _ := q.Depth(ctx)
	if depth.Total() != 0 {
		t.Errorf("Depth() = %+v after success", depth)
	}
}

// Three failures end the task: two retries, then a terminal report.
func TestQueue_RetryThenTerminal(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	q := newTestQueue(clock)
	q.retry.Jitter = 0

	_ = q.Submit(ctx, "b1", []*Task{{Session: "s1", ChapterID: 2}})
	cause := errors.New("engine crashed")

	wantDelays := []time.Duration{time.Minute, 2 * time.Minute}
	for i, want := range wantDelays {
		d, err := q.broker.Reserve(ctx, time.Hour)
		if err != nil {
			t.Fatalf("attempt %d: Reserve() error = %v", i+1, err)
		}
		_ = d.Task.Transition(StateDispatched)
		_ = d.Task.Transition(StateExecuting)
		if q.Exhausted(d) {
			t.Fatalf("attempt %d: exhausted too early", i+1)
		}
		delay, err := q.Retry(ctx, d, cause, 0)
		if err != nil {
			t.Fatalf("Retry() error = %v", err)
		}
		if delay != want {
			t.Errorf("attempt %d: delay = %v, want %v", i+1, delay, want)
		}
		clock.Advance(delay)
	}

	d, err := q.broker.Reserve(ctx, time.Hour)
	if err != nil {
		t.Fatalf("final Reserve() error = %v", err)
	}
	if d.Task.Attempt != 2 || d.Task.State != StateRetryWait {
		t.Fatalf("task after retries = %+v", d.Task)
	}
	_ = d.Task.Transition(StateDispatched)
	_ = d.Task.Transition(StateExecuting)
	if !q.Exhausted(d) {
		t.Fatal("third failure should exhaust retries")
	}
	if err := q.Terminate(ctx, d, cause, &Result{Worker: "w1"}); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	if d.Task.State != StateTerminalFailure {
		t.Errorf("state = %s, want TERMINAL_FAILURE", d.Task.State)
	}

	r, err := q.Results(ctx, "b1", 0)
	if err != nil {
		t.Fatalf("Results() error = %v", err)
	}
	if r.Status != StatusFailure || r.Attempts != 3 || r.Error != "engine crashed" {
		t.Errorf("result = %+v", r)
	}
}

func TestQueue_RetryHonorsMinDelay(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	q := newTestQueue(clock)
	q.retry.Jitter = 0

	_ = q.Submit(ctx, "b1", []*Task{{ChapterID: 1}})
	d, _ := q.Next(ctx, time.Millisecond)
	_ = d.Task.Transition(StateExecuting)

	delay, err := q.Retry(ctx, d, errors.New("rate limited"), 5*time.Minute)
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if delay != 5*time.Minute {
		t.Errorf("delay = %v, want 5m", delay)
	}
}

func TestQueue_NextHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q := newTestQueue(clockwork.NewRealClock())
	if _, err := q.Next(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("Next() error = %v, want context.Canceled", err)
	}
}

func TestQueue_LostLeaseIsNotAnError(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	q := New(Config{Broker: NewMemoryBroker(clock), Visibility: time.Minute, Clock: clock})

	_ = q.Submit(ctx, "b1", []*Task{{ChapterID: 1}})
	stale, _ := q.Next(ctx, time.Millisecond)
	clock.Advance(2 * time.Minute)
	fresh, err := q.Next(ctx, time.Millisecond)
	if err != nil {
		t.Fatalf("redelivery error = %v", err)
	}

	_ = stale.Task.Transition(StateExecuting)
	if err := q.Succeed(ctx, stale, &Result{}); err != nil {
		t.Errorf("stale Succeed() error = %v", err)
	}
	_ = fresh.Task.Transition(StateExecuting)
	if err := q.Succeed(ctx, fresh, &Result{}); err != nil {
		t.Errorf("Succeed() error = %v", err)
	}

	// Both copies reported; consumers dedupe by chapter.
	for i := 0; i < 2; i++ {
		if _, err := q.Results(ctx, "b1", 0); err != nil {
			t.Errorf("result %d: %v", i, err)
		}
	}
}

// A worker that dies mid-chapter never reports, so only the lease expiry
// shows the attempt. Those expiries use up the retry budget too.
func TestQueue_LeaseExpiriesCountAsFailures(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	q := New(Config{
		Broker:     NewMemoryBroker(clock),
		Visibility: time.Minute,
		Retry:      RetryPolicy{MaxRetries: 3, Base: time.Minute, Cap: 10 * time.Minute},
		Clock:      clock,
	})
	_ = q.Submit(ctx, "b1", []*Task{{Session: "s1", ChapterID: 4}})

	for i := 1; i <= 3; i++ {
		d, err := q.Next(ctx, time.Millisecond)
		if err != nil {
			t.Fatalf("delivery %d: Next() error = %v", i, err)
		}
		if d.Task.Deliveries != i {
			t.Errorf("delivery %d: Deliveries = %d", i, d.Task.Deliveries)
		}
		if q.Abandoned(d) {
			t.Fatalf("delivery %d: abandoned too early", i)
		}
		clock.Advance(2 * time.Minute)
	}

	d, err := q.Next(ctx, time.Millisecond)
	if err != nil {
		t.Fatalf("final Next() error = %v", err)
	}
	if !q.Abandoned(d) || !q.Exhausted(d) {
		t.Fatalf("task after 3 lost leases: abandoned=%v exhausted=%v", q.Abandoned(d), q.Exhausted(d))
	}
	_ = d.Task.Transition(StateExecuting)
	if err := q.Terminate(ctx, d, errors.New("worker lost"), &Result{}); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	r, err := q.Results(ctx, "b1", 0)
	if err != nil || r.Status != StatusFailure {
		t.Fatalf("result = %+v, %v", r, err)
	}
	if depth, _ := q.Depth(ctx); depth.Total() != 0 {
		t.Errorf("Depth() = %+v, want empty", depth)
	}
}

func TestQueue_LostLeaseThenFailureShortensBudget(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	q := New(Config{
		Broker:     NewMemoryBroker(clock),
		Visibility: time.Minute,
		Retry:      RetryPolicy{MaxRetries: 3, Base: time.Minute, Cap: 10 * time.Minute},
		Clock:      clock,
	})
	q.retry.Jitter = 0
	_ = q.Submit(ctx, "b1", []*Task{{ChapterID: 1}})

	_, _ = q.Next(ctx, time.Millisecond)
	clock.Advance(2 * time.Minute)

	d, _ := q.Next(ctx, time.Millisecond)
	_ = d.Task.Transition(StateExecuting)
	delay, err := q.Retry(ctx, d, errors.New("engine crashed"), 0)
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if delay != 2*time.Minute {
		t.Errorf("delay = %v, want 2m for the second failure", delay)
	}
	clock.Advance(delay)

	d, _ = q.Next(ctx, time.Millisecond)
	if d.Task.Attempt != 2 || !q.Exhausted(d) || q.Abandoned(d) {
		t.Errorf("third delivery: attempt=%d exhausted=%v abandoned=%v", d.Task.Attempt, q.Exhausted(d), q.Abandoned(d))
	}
}

func TestQueue_ExtendKeepsReservation(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	q := New(Config{Broker: NewMemoryBroker(clock), Visibility: time.Minute, Clock: clock})
	_ = q.Submit(ctx, "b1", []*Task{{ChapterID: 1}})

	d, _ := q.Next(ctx, time.Millisecond)
	clock.Advance(50 * time.Second)
	if err := q.Extend(ctx, d); err != nil {
		t.Fatalf("Extend() error = %v", err)
	}
	if want := clock.Now().Add(time.Minute); !d.Deadline.Equal(want) {
		t.Errorf("Deadline = %v, want %v", d.Deadline, want)
	}
	clock.Advance(50 * time.Second)
	if _, err := q.broker.Reserve(ctx, time.Minute); !errors.Is(err, ErrEmpty) {
		t.Fatalf("extended task was redelivered: %v", err)
	}

	clock.Advance(time.Minute)
	if _, err := q.broker.Reserve(ctx, time.Minute); err != nil {
		t.Fatalf("expired task not redelivered: %v", err)
	}
	if err := q.Extend(ctx, d); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("Extend() after expiry error = %v, want ErrLeaseLost", err)
	}
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{Base: 60 * time.Second, Cap: 600 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 60 * time.Second},
		{1, 120 * time.Second},
		{2, 240 * time.Second},
		{3, 480 * time.Second},
		{4, 600 * time.Second},
		{10, 600 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	jittered := RetryPolicy{Base: 60 * time.Second, Cap: 600 * time.Second, Jitter: 0.1}
	for i := 0; i < 50; i++ {
		got := jittered.Delay(1)
		if got < 108*time.Second || got > 132*time.Second {
			t.Fatalf("Delay(1) with jitter = %v, want 120s ± 10%%", got)
		}
	}
}

func TestRetryPolicy_Exhausted(t *testing.T) {
	p := DefaultRetryPolicy()
	if p.Exhausted(2) {
		t.Error("2 failures should not exhaust 3 retries")
	}
	if !p.Exhausted(3) {
		t.Error("3 failures should exhaust 3 retries")
	}
}
