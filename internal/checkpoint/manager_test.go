package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/jackzampolin/chorus/internal/session"
	"github.com/jackzampolin/chorus/internal/store"
	"github.com/jackzampolin/chorus/internal/store/memstore"
)

func newManager(t *testing.T, st store.Store, clock clockwork.Clock, dir string) *Manager {
	t.Helper()
	m, err := New(Config{
		SessionID:      "s1",
		Store:          st,
		FallbackDir:    dir,
		LockAttempts:   2000,
		LockRetryDelay: time.Millisecond,
		Clock:          clock,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return m
}

func TestNew_RequiresSession(t *testing.T) {
	_, err := New(Config{Store: memstore.New(nil)})
	if !errors.Is(err, ErrNoSession) {
		t.Errorf("New() error = %v, want ErrNoSession", err)
	}
}

func TestNew_RejectsUnsafeSessionID(t *testing.T) {
	for _, id := range []string{"../x", "a/b", "a:b", ".hidden"} {
		_, err := New(Config{SessionID: id, Store: memstore.New(nil), FallbackDir: t.TempDir()})
		if !errors.Is(err, session.ErrInvalidID) {
			t.Errorf("New(%q) error = %v, want ErrInvalidID", id, err)
		}
	}
}

func TestLoad_MissingSessionIsInitialized(t *testing.T) {
	m := newManager(t, memstore.New(clockwork.NewFakeClock()), clockwork.NewFakeClock(), t.TempDir())

	rec, err := m.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if rec.Stage != session.StageInitialized {
		t.Errorf("Stage = %s, want INITIALIZED", rec.Stage)
	}
	if len(rec.Completed) != 0 || len(rec.Failed) != 0 {
		t.Errorf("fresh record has chapters: %+v", rec)
	}
}

func TestMarkChapterComplete_Idempotent(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	m := newManager(t, memstore.New(clock), clock, "")

	if _, err := m.Init(ctx, 5); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := m.MarkChapterComplete(ctx, 3, nil); err != nil {
			t.Fatalf("MarkChapterComplete() error = %v", err)
		}
	}

	rec, err := m.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(rec.Completed) != 1 || rec.Completed[0] != 3 {
		t.Errorf("Completed = %v, want [3]", rec.Completed)
	}
}

func TestConcurrentManagers_NoLostUpdates(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	st := memstore.New(clock)
	const chapters = 12

	var wg sync.WaitGroup
	errs := make(chan error, chapters)
	for ch := 1; ch <= chapters; ch++ {
		wg.Add(1)
		go func(ch int) {
			defer wg.Done()
			m, err := New(Config{
				SessionID:      "s1",
				Store:          st,
				LockAttempts:   5000,
				LockRetryDelay: time.Millisecond,
				Owner:          fmt.Sprintf("worker-%d", ch),
				Clock:          clock,
			})
			if err != nil {
				errs <- err
				return
			}
			errs <- m.MarkChapterComplete(ctx, ch, &session.ChapterMeta{DurationSeconds: float64(ch)})
		}(ch)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent update error = %v", err)
		}
	}

	m := newManager(t, st, clock, "")
	rec, err := m.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(rec.Completed) != chapters {
		t.Fatalf("Completed = %v, want %d chapters", rec.Completed, chapters)
	}
	for ch := 1; ch <= chapters; ch++ {
		if rec.ChapterMetadata[ch].DurationSeconds != float64(ch) {
			t.Errorf("metadata for chapter %d = %+v", ch, rec.ChapterMetadata[ch])
		}
	}
}

func TestLock_StaleLockExpires(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	st := memstore.New(clock)

	// A holder that crashed without releasing.
	if ok, err := st.SetNX(ctx, store.LockKey("s1"), []byte("dead-holder"), DefaultLockTTL); err != nil || !ok {
		t.Fatalf("seed lock: ok=%v err=%v", ok, err)
	}

	m, err := New(Config{
		SessionID:      "s1",
		Store:          st,
		LockAttempts:   3,
		LockRetryDelay: time.Millisecond,
		Clock:          clock,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	t.Run("held lock times out", func(t *testing.T) {
		err := m.MarkChapterComplete(ctx, 1, nil)
		if !errors.Is(err, ErrLockTimeout) {
			t.Errorf("MarkChapterComplete() error = %v, want ErrLockTimeout", err)
		}
	})

	t.Run("expired lock is taken over", func(t *testing.T) {
		clock.Advance(DefaultLockTTL + time.Second)
		if err := m.MarkChapterComplete(ctx, 1, nil); err != nil {
			t.Fatalf("MarkChapterComplete() error = %v", err)
		}
		rec, _ := m.Load(ctx)
		if !rec.IsCompleted(1) {
			t.Errorf("chapter 1 not completed: %v", rec.Completed)
		}
	})
}

func TestLock_ReleasedAfterUpdate(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	st := memstore.New(clock)
	m := newManager(t, st, clock, "")

	if err := m.MarkInProgress(ctx, 2, "w1"); err != nil {
		t.Fatalf("MarkInProgress() error = %v", err)
	}
	if _, err := st.Get(ctx, store.LockKey("s1")); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("lock key still present after update: %v", err)
	}
}

func TestCheckpoint_RetentionTTL(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	st := memstore.New(clock)
	m := newManager(t, st, clock, "")

	if _, err := m.Init(ctx, 3); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	clock.Advance(DefaultRetention - time.Minute)
	if _, err := st.Get(ctx, store.CheckpointKey("s1")); err != nil {
		t.Fatalf("checkpoint expired early: %v", err)
	}
	clock.Advance(2 * time.Minute)
	if _, err := st.Get(ctx, store.CheckpointKey("s1")); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("checkpoint still present after retention: %v", err)
	}
}

// outageStore fails every read, as an unreachable backend would.
type outageStore struct {
	store.Store
}

func (outageStore) Get(context.Context, string) ([]byte, error) {
	return nil, fmt.Errorf("dial tcp: connection refused: %w", store.ErrUnavailable)
}

func TestLoad_FallsBackToLocalMirror(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	st := memstore.New(clock)
	dir := t.TempDir()

	m := newManager(t, st, clock, dir)
	if _, err := m.Init(ctx, 5); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	for _, ch := range []int{1, 2} {
		if err := m.MarkChapterComplete(ctx, ch, nil); err != nil {
			t.Fatalf("MarkChapterComplete() error = %v", err)
		}
	}

	down := newManager(t, outageStore{Store: st}, clock, dir)
	pending, err := down.GetPendingChapters(ctx, 5)
	if err != nil {
		t.Fatalf("GetPendingChapters() error = %v", err)
	}
	want := []int{3, 4, 5}
	if fmt.Sprint(pending) != fmt.Sprint(want) {
		t.Errorf("pending = %v, want %v", pending, want)
	}

	t.Run("no mirror surfaces the outage", func(t *testing.T) {
		bare := newManager(t, outageStore{Store: st}, clock, "")
		if _, err := bare.Load(ctx); !errors.Is(err, store.ErrUnavailable) {
			t.Errorf("Load() error = %v, want ErrUnavailable", err)
		}
	})
}

// flakyStore fails the next n reads.
type flakyStore struct {
	store.Store
	mu    sync.Mutex
	fails int
}

func (f *flakyStore) failNext(n int) {
	f.mu.Lock()
	f.fails = n
	f.mu.Unlock()
}

func (f *flakyStore) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	fail := f.fails > 0
	if fail {
		f.fails--
	}
	f.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("i/o timeout: %w", store.ErrUnavailable)
	}
	return f.Store.Get(ctx, key)
}

func TestUpdate_UnreachableStoreDoesNotMergeIntoMirror(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	st := memstore.New(clock)
	flaky := &flakyStore{Store: st}

	a := newManager(t, flaky, clock, t.TempDir())
	b := newManager(t, st, clock, t.TempDir())

	if _, err := a.Init(ctx, 5); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := a.MarkChapterComplete(ctx, 1, nil); err != nil {
		t.Fatalf("MarkChapterComplete(1) error = %v", err)
	}
	for _, ch := range []int{2, 3, 4} {
		if err := b.MarkChapterComplete(ctx, ch, nil); err != nil {
			t.Fatalf("MarkChapterComplete(%d) error = %v", ch, err)
		}
	}

	flaky.failNext(1)
	err := a.MarkChapterComplete(ctx, 5, nil)
	if !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("MarkChapterComplete(5) error = %v, want ErrUnavailable", err)
	}
	if err := a.MarkChapterComplete(ctx, 5, nil); err != nil {
		t.Fatalf("MarkChapterComplete(5) retry error = %v", err)
	}

	rec, err := b.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if want := []int{1, 2, 3, 4, 5}; fmt.Sprint(rec.Completed) != fmt.Sprint(want) {
		t.Errorf("Completed = %v, want %v", rec.Completed, want)
	}
}

func TestFailedThenCompleted(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	m := newManager(t, memstore.New(clock), clock, "")

	if err := m.MarkChapterFailed(ctx, 4, "engine crashed"); err != nil {
		t.Fatalf("MarkChapterFailed() error = %v", err)
	}
	if err := m.MarkChapterComplete(ctx, 4, nil); err != nil {
		t.Fatalf("MarkChapterComplete() error = %v", err)
	}
	if err := m.MarkChapterFailed(ctx, 4, "late duplicate"); err != nil {
		t.Fatalf("MarkChapterFailed() error = %v", err)
	}

	rec, _ := m.Load(ctx)
	if !rec.IsCompleted(4) || rec.IsFailed(4) {
		t.Errorf("chapter 4: completed=%v failed=%v, want completed only", rec.Completed, rec.Failed)
	}
	if _, ok := rec.Errors[4]; ok {
		t.Errorf("error kept for completed chapter: %v", rec.Errors)
	}
}

func TestAbort_Sticky(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	m := newManager(t, memstore.New(clock), clock, "")

	if _, err := m.Reopen(ctx, 3); err != nil {
		t.Fatalf("Reopen() error = %v", err)
	}
	if err := m.Abort(ctx); err != nil {
		t.Fatalf("Abort() error = %v", err)
	}
	if _, err := m.SaveCheckpoint(ctx, session.StageInProgress, session.Patch{Completed: []int{1}}); err != nil {
		t.Fatalf("SaveCheckpoint() error = %v", err)
	}
	if done, err := m.Complete(ctx); err != nil {
		t.Fatalf("Complete() error = %v", err)
	} else if done.Stage != session.StageAborted {
		t.Errorf("Complete() stage = %s, want ABORTED", done.Stage)
	}

	rec, _ := m.Load(ctx)
	if rec.Stage != session.StageAborted {
		t.Errorf("Stage = %s, want ABORTED", rec.Stage)
	}
	if !rec.IsCompleted(1) {
		t.Errorf("chapter data dropped after abort: %v", rec.Completed)
	}

	t.Run("reopen resumes", func(t *testing.T) {
		rec, err := m.Reopen(ctx, 3)
		if err != nil {
			t.Fatalf("Reopen() error = %v", err)
		}
		if rec.Stage != session.StageInProgress || !rec.IsCompleted(1) {
			t.Errorf("after reopen: stage=%s completed=%v", rec.Stage, rec.Completed)
		}
	})
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	st := memstore.New(clock)
	dir := t.TempDir()
	m := newManager(t, st, clock, dir)

	if _, err := m.Init(ctx, 2); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := m.Purge(ctx); err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if _, err := st.Get(ctx, store.CheckpointKey("s1")); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("checkpoint key survived purge: %v", err)
	}
	if _, err := m.mirror.read("s1"); err == nil {
		t.Error("local mirror survived purge")
	}
}
