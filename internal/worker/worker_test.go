package worker

import (
	"context"
	"errors"
	"math"
	"runtime/debug"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/jackzampolin/chorus/internal/checkpoint"
	"github.com/jackzampolin/chorus/internal/queue"
	"github.com/jackzampolin/chorus/internal/session"
	"github.com/jackzampolin/chorus/internal/store/memstore"
	"github.com/jackzampolin/chorus/internal/synth"
	"github.com/jackzampolin/chorus/internal/transfer"
)

// fakeEngine echoes text as audio and can be told to fail or hang.
type fakeEngine struct {
	mu      sync.Mutex
	calls   int
	failOn  string
	err     error
	block   bool
	started chan struct{}
}

func (e *fakeEngine) Name() string { return "fake" }

func (e *fakeEngine) Synthesize(ctx context.Context, text string) (*synth.Clip, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()

	if e.block {
		if e.started != nil {
			close(e.started)
			e.started = nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if e.failOn != "" && strings.Contains(text, e.failOn) {
		return nil, e.err
	}
	return &synth.Clip{Audio: []byte("<" + text + ">"), Format: "mp3", Duration: time.Second}, nil
}

func (e *fakeEngine) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type fixture struct {
	clock    *clockwork.FakeClock
	store    *memstore.Store
	queue    *queue.Queue
	transfer transfer.Backend
	engine   *fakeEngine
	open     CheckpointOpener
	worker   *Worker
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	st := memstore.New(clock)
	fsb, err := transfer.NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	engine := &fakeEngine{}

	f := &fixture{
		clock:    clock,
		store:    st,
		transfer: fsb,
		engine:   engine,
		queue: queue.New(queue.Config{
			Broker: queue.NewMemoryBroker(clock),
			Retry:  queue.RetryPolicy{MaxRetries: 3, Base: time.Minute, Cap: 10 * time.Minute},
			Clock:  clock,
		}),
		open: checkpoint.Opener(checkpoint.Config{
			Store:          st,
			LockAttempts:   100,
			LockRetryDelay: time.Millisecond,
			Clock:          clock,
		}),
	}

	cfg := Config{
		ID:       "w1",
		Queue:    f.queue,
		Transfer: fsb,
		Engines: synth.NewCache(func(synth.Config) (synth.Engine, error) {
			return engine, nil
		}, nil),
		Joiner:      &synth.Joiner{FFmpeg: synth.FFmpeg{Bin: "/nonexistent/ffmpeg"}},
		Checkpoints: f.open,
		Clock:       clock,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	w, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.worker = w
	return f
}

func (f *fixture) submit(t *testing.T, tasks ...*queue.Task) {
	t.Helper()
	if err := f.queue.Submit(context.Background(), "b1", tasks); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
}

func (f *fixture) record(t *testing.T, sessionID string) *session.Record {
	t.Helper()
	cp, err := f.open(sessionID)
	if err != nil {
		t.Fatal(err)
	}
	rec, err := cp.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return rec
}

// next reserves without blocking on the fake clock.
func (f *fixture) next(t *testing.T) *queue.Delivery {
	t.Helper()
	d, err := f.queue.Next(context.Background(), time.Millisecond)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	return d
}

func chapter(id int, segments ...string) *queue.Task {
	return &queue.Task{Session: "s1", ChapterID: id, Segments: segments}
}

func TestRun_ProcessesTasksAndRecycles(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxTasks = 3 })
	f.submit(t, chapter(1, "One.", "Uno."), chapter(2, "Two."), chapter(3, "Three.", "", "Tres."))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := f.worker.Run(ctx); !errors.Is(err, ErrRecycle) {
		t.Fatalf("Run() error = %v, want ErrRecycle", err)
	}

	rec := f.record(t, "s1")
	if len(rec.Completed) != 3 || len(rec.InProgress) != 0 {
		t.Errorf("record = completed %v in_progress %v", rec.Completed, rec.InProgress)
	}

	for i := 0; i < 3; i++ {
		r, err := f.queue.Results(ctx, "b1", 0)
		if err != nil {
			t.Fatalf("Results() error = %v", err)
		}
		if r.Status != queue.StatusSuccess || r.Worker != "w1" {
			t.Errorf("result = %+v", r)
		}
		meta := rec.ChapterMetadata[r.ChapterID]
		if meta.Artifact != r.Artifact {
			t.Errorf("chapter %d artifact %q, checkpoint has %q", r.ChapterID, r.Artifact, meta.Artifact)
		}
	}

	data, err := transfer.GetBytes(ctx, f.transfer, transfer.NewHandle(transfer.KindFS, "s1", "chapter_0003.mp3"))
	if err != nil {
		t.Fatalf("GetBytes() error = %v", err)
	}
	if string(data) != "<Three.><Tres.>" {
		t.Errorf("chapter 3 audio = %q", data)
	}
	if got := rec.ChapterMetadata[3].DurationSeconds; got != 2 {
		t.Errorf("chapter 3 duration = %v, want 2", got)
	}
}

func TestHandle_RetriesThenFailsPermanently(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.failOn = "bad"
	f.engine.err = errors.New("model crashed")
	f.submit(t, chapter(2, "bad text"))
	ctx := context.Background()

	for attempt := 1; attempt <= 3; attempt++ {
		d := f.next(t)
		if d.Task.Attempt != attempt-1 {
			t.Fatalf("attempt %d: task.Attempt = %d", attempt, d.Task.Attempt)
		}
		f.worker.handle(ctx, d)

		rec := f.record(t, "s1")
		if _, ok := rec.InProgress[2]; ok {
			t.Errorf("attempt %d: chapter left in progress", attempt)
		}
		if attempt < 3 && rec.IsFailed(2) {
			t.Errorf("attempt %d: chapter marked failed before retries ran out", attempt)
		}
		f.clock.Advance(11 * time.Minute)
	}

	r, err := f.queue.Results(ctx, "b1", 0)
	if err != nil {
		t.Fatalf("Results() error = %v", err)
	}
	if r.Status != queue.StatusFailure || r.Attempts != 3 || !strings.Contains(r.Error, "model crashed") {
		t.Errorf("result = %+v", r)
	}

	rec := f.record(t, "s1")
	if !rec.IsFailed(2) || !strings.Contains(rec.Errors[2], "model crashed") {
		t.Errorf("record = failed %v errors %v", rec.Failed, rec.Errors)
	}
	if depth, _ := f.queue.Depth(ctx); depth.Total() != 0 {
		t.Errorf("Depth() = %+v after terminal failure", depth)
	}
	if f.worker.TasksDone() != 3 {
		t.Errorf("TasksDone() = %d, want 3", f.worker.TasksDone())
	}
}

func TestHandle_RateLimitExtendsDelay(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.failOn = "Hello"
	f.engine.err = &synth.RateLimitError{Message: "slow down", RetryAfter: 20 * time.Minute}
	f.submit(t, chapter(1, "Hello."))
	ctx := context.Background()

	f.worker.handle(ctx, f.next(t))

	f.clock.Advance(11 * time.Minute)
	if _, err := f.queue.Broker().Reserve(ctx, time.Hour); !errors.Is(err, queue.ErrEmpty) {
		t.Fatalf("task redelivered before Retry-After: %v", err)
	}
	f.clock.Advance(10 * time.Minute)
	if _, err := f.queue.Broker().Reserve(ctx, time.Hour); err != nil {
		t.Errorf("task not redelivered after Retry-After: %v", err)
	}
}

func TestHandle_AbortedSessionIsDiscarded(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	cp, _ := f.open("s1")
	if err := cp.Abort(ctx); err != nil {
		t.Fatal(err)
	}
	f.submit(t, chapter(1, "One."))

	f.worker.handle(ctx, f.next(t))

	if f.engine.Calls() != 0 {
		t.Errorf("engine called %d times for aborted session", f.engine.Calls())
	}
	if depth, _ := f.queue.Depth(ctx); depth.Total() != 0 {
		t.Errorf("Depth() = %+v, want task discarded", depth)
	}
	if _, err := f.queue.Results(ctx, "b1", 0); !errors.Is(err, queue.ErrEmpty) {
		t.Errorf("aborted task reported a result: %v", err)
	}
}

func TestHandle_CompletedChapterIsNotResynthesized(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	cp, _ := f.open("s1")
	meta := &session.ChapterMeta{DurationSeconds: 42, ByteSize: 7, Artifact: "fs://s1/chapter_0001.mp3"}
	if err := cp.MarkChapterComplete(ctx, 1, meta); err != nil {
		t.Fatal(err)
	}
	f.submit(t, chapter(1, "One."))

	f.worker.handle(ctx, f.next(t))

	if f.engine.Calls() != 0 {
		t.Errorf("engine called %d times for a completed chapter", f.engine.Calls())
	}
	r, err := f.queue.Results(ctx, "b1", 0)
	if err != nil {
		t.Fatalf("Results() error = %v", err)
	}
	if r.Artifact != meta.Artifact || r.DurationSeconds != 42 {
		t.Errorf("result = %+v", r)
	}
}

func TestHandle_ShutdownLeavesTaskReserved(t *testing.T) {
	f := newFixture(t, nil)
	started := make(chan struct{})
	f.engine.block = true
	f.engine.started = started
	f.submit(t, chapter(1, "One."))

	ctx, cancel := context.WithCancel(context.Background())
	d := f.next(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.worker.handle(ctx, d)
	}()

	<-started
	if h := f.worker.Status(); h.Status == StatusAvailable || h.Current == nil || h.Current.Chapter != 1 {
		t.Errorf("Status() while executing = %+v", h)
	}
	cancel()
	<-done

	depth, _ := f.queue.Depth(context.Background())
	if depth.Reserved != 1 {
		t.Errorf("Depth() = %+v, want the task still reserved", depth)
	}
	if f.worker.Status().Current != nil {
		t.Error("worker still reports a current task")
	}
}

func TestHandle_LostLeasesEndInTerminalFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.submit(t, chapter(1, "One."))
	ctx := context.Background()

	// Three workers reserve the chapter and vanish.
	for i := 0; i < 3; i++ {
		f.next(t)
		f.clock.Advance(queue.DefaultVisibility + time.Minute)
	}

	d := f.next(t)
	if d.Task.Deliveries != 4 || d.Task.Attempt != 0 {
		t.Fatalf("fourth delivery = deliveries %d attempt %d", d.Task.Deliveries, d.Task.Attempt)
	}
	f.worker.handle(ctx, d)

	if f.engine.Calls() != 0 {
		t.Errorf("engine called %d times for an abandoned chapter", f.engine.Calls())
	}
	r, err := f.queue.Results(ctx, "b1", 0)
	if err != nil {
		t.Fatalf("Results() error = %v", err)
	}
	if r.Status != queue.StatusFailure || !strings.Contains(r.Error, "lease expired 3 time(s)") {
		t.Errorf("result = %+v", r)
	}
	if rec := f.record(t, "s1"); !rec.IsFailed(1) {
		t.Errorf("record failed = %v, want chapter 1", rec.Failed)
	}
	if depth, _ := f.queue.Depth(ctx); depth.Total() != 0 {
		t.Errorf("Depth() = %+v after terminal failure", depth)
	}
}

// extendSignal reports every lease renewal.
type extendSignal struct {
	queue.Broker
	extended chan error
}

func (b *extendSignal) Extend(ctx context.Context, d *queue.Delivery, deadline time.Time) error {
	err := b.Broker.Extend(ctx, d, deadline)
	b.extended <- err
	return err
}

func TestHandle_RenewsLeaseWhileExecuting(t *testing.T) {
	f := newFixture(t, nil)
	broker := &extendSignal{Broker: queue.NewMemoryBroker(f.clock), extended: make(chan error, 1)}
	f.queue = queue.New(queue.Config{
		Broker:     broker,
		Visibility: 3 * time.Minute,
		Retry:      queue.RetryPolicy{MaxRetries: 3, Base: time.Minute, Cap: 10 * time.Minute},
		Clock:      f.clock,
	})
	f.worker.cfg.Queue = f.queue

	started := make(chan struct{})
	f.engine.block = true
	f.engine.started = started
	f.submit(t, chapter(1, "One."))

	ctx, cancel := context.WithCancel(context.Background())
	d := f.next(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.worker.handle(ctx, d)
	}()
	<-started

	// Run past the original three minute lease, one renewal per minute.
	for i := 0; i < 3; i++ {
		f.clock.Advance(61 * time.Second)
		select {
		case err := <-broker.extended:
			if err != nil {
				t.Fatalf("renewal %d error = %v", i+1, err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("renewal %d never happened", i+1)
		}
	}

	if _, err := f.queue.Broker().Reserve(context.Background(), time.Hour); !errors.Is(err, queue.ErrEmpty) {
		t.Errorf("running chapter was redelivered: %v", err)
	}
	cancel()
	<-done
}

func TestHandle_TaskTimeout(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.TaskTimeout = 20 * time.Millisecond })
	f.engine.block = true
	f.submit(t, chapter(1, "One."))

	d := f.next(t)
	f.worker.handle(context.Background(), d)

	if d.Task.State != queue.StateRetryWait || !strings.Contains(d.Task.LastError, "time limit") {
		t.Errorf("task after timeout = state %s error %q", d.Task.State, d.Task.LastError)
	}
}

func TestHeartbeat(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.HeartbeatInterval = 10 * time.Second })
	f.worker.cfg.Store = f.store
	ctx := context.Background()

	f.worker.beat(ctx)
	workers, err := ListWorkers(ctx, f.store)
	if err != nil {
		t.Fatalf("ListWorkers() error = %v", err)
	}
	if len(workers) != 1 || workers[0].WorkerID != "w1" || workers[0].Status != StatusAvailable {
		t.Fatalf("ListWorkers() = %+v", workers)
	}

	f.clock.Advance(31 * time.Second)
	workers, _ = ListWorkers(ctx, f.store)
	if len(workers) != 0 {
		t.Errorf("stale heartbeat still listed: %+v", workers)
	}
}

func TestStatus_DegradedUnderMemoryBudget(t *testing.T) {
	if debug.SetMemoryLimit(-1) != math.MaxInt64 {
		t.Skip("GOMEMLIMIT is set")
	}
	f := newFixture(t, func(c *Config) { c.MemoryLimit = 1 << 20 })
	h := f.worker.Status()
	if h.Status != StatusDegraded || h.MemHeadroomMB != 0 {
		t.Errorf("Status() = %+v, want degraded with no headroom", h)
	}

	f = newFixture(t, nil)
	if h := f.worker.Status(); h.MemHeadroomMB != -1 || h.Status != StatusAvailable {
		t.Errorf("Status() without limit = %+v", h)
	}
}
