package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/jackzampolin/chorus/internal/config"
	"github.com/jackzampolin/chorus/internal/coordinator"
	"github.com/jackzampolin/chorus/internal/home"
	"github.com/jackzampolin/chorus/internal/queue"
	"github.com/jackzampolin/chorus/internal/session"
	"github.com/jackzampolin/chorus/internal/synth"
	"github.com/jackzampolin/chorus/internal/worker"
)

func testConfig(t *testing.T) (*config.Config, *home.Dir) {
	t.Helper()
	h, err := home.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.DefaultConfig()
	cfg.Synth.Engine = synth.EngineTone
	cfg.Synth.Format = ""
	cfg.Worker.PollInterval = 10 * time.Millisecond
	cfg.Coordinator.PollInterval = 20 * time.Millisecond
	cfg.Coordinator.ProgressInterval = 50 * time.Millisecond
	cfg.Coordinator.FFmpegPath = "/nonexistent/ffmpeg"
	cfg.Checkpoint.LockRetryDelay = 5 * time.Millisecond
	return cfg, h
}

func TestApp_EndToEndInProcess(t *testing.T) {
	cfg, h := testConfig(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	a, err := New(ctx, cfg, h, Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Close()

	coord, err := a.Coordinator("book-1")
	if err != nil {
		t.Fatal(err)
	}
	w, err := a.NewWorker("w1")
	if err != nil {
		t.Fatal(err)
	}
	wctx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- w.Run(wctx) }()
	defer func() {
		stop()
		<-done
	}()

	chapters := []coordinator.Chapter{
		{ID: 1, Segments: []string{"Call me Ishmael.", "Some years ago."}},
		{ID: 2, Segments: []string{"It is a way I have."}},
		{ID: 3, Segments: []string{"Whenever I find myself growing grim."}},
	}
	hd, err := coord.Distribute(ctx, chapters, a.DefaultSynth(synth.Config{}), false)
	if err != nil {
		t.Fatalf("Distribute() error = %v", err)
	}
	artifacts, err := coord.WaitAndAggregate(ctx, hd, 15*time.Second)
	if err != nil {
		t.Fatalf("WaitAndAggregate() error = %v", err)
	}
	if len(artifacts) != 3 {
		t.Fatalf("artifacts = %+v", artifacts)
	}

	out, err := coord.Combine(ctx, artifacts, h.OutputPath("book-1", "wav"), "", nil)
	if err != nil {
		t.Fatalf("Combine() error = %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	got, err := synth.WAVDuration(data)
	if err != nil {
		t.Fatal(err)
	}
	var want float64
	for _, art := range artifacts {
		want += art.DurationSeconds
	}
	if diff := got.Seconds() - want; diff > 0.01 || diff < -0.01 {
		t.Errorf("combined duration = %v, want %.2fs", got, want)
	}

	if _, err := os.Stat(filepath.Join(h.CheckpointsDir(), "book-1.json")); err != nil {
		t.Errorf("local checkpoint mirror missing: %v", err)
	}
	p, err := coord.GetProgress(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if p.Stage != session.StageCompleted || p.Completed != 3 {
		t.Errorf("progress = %+v", p)
	}
}

func TestApp_RedisBackends(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg, h := testConfig(t)
	cfg.Store.Backend = "redis"
	cfg.Store.Redis.Addr = mr.Addr()
	cfg.Queue.Backend = "redis"

	ctx := context.Background()
	a, err := New(ctx, cfg, h, Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Close()

	if err := a.Ready(ctx); err != nil {
		t.Fatalf("Ready() error = %v", err)
	}
	if _, ok := a.Queue.Broker().(*queue.RedisBroker); !ok {
		t.Errorf("broker = %T, want *queue.RedisBroker", a.Queue.Broker())
	}
	if err := a.Queue.Submit(ctx, "b1", []*queue.Task{{Session: "s1", ChapterID: 1, Segments: []string{"x"}}}); err != nil {
		t.Fatal(err)
	}
	depth, err := a.Queue.Depth(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if depth.Ready != 1 {
		t.Errorf("depth = %+v, want 1 ready", depth)
	}

	if _, err := a.NewWorker(""); err != nil {
		t.Errorf("NewWorker() error = %v", err)
	}
}

func TestApp_StoreUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg, h := testConfig(t)
	cfg.Store.Backend = "redis"
	cfg.Store.Redis.Addr = addr

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := New(ctx, cfg, h, Options{}); err == nil {
		t.Fatal("New() should fail when the store is unreachable")
	}
}

func TestApp_DefaultSynth(t *testing.T) {
	cfg, h := testConfig(t)
	cfg.Synth.Voice = "nova"
	a := &App{Config: cfg, Home: h}

	got := a.DefaultSynth(synth.Config{Speed: 1.5})
	if got.Engine != synth.EngineTone || got.Voice != "nova" || got.Speed != 1.5 || got.Format != "wav" {
		t.Errorf("DefaultSynth() = %+v", got)
	}
}

func TestApp_WorkerRecycles(t *testing.T) {
	cfg, h := testConfig(t)
	cfg.Worker.MaxTasks = 1
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, err := New(ctx, cfg, h, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	if err := a.Queue.Submit(ctx, "b1", []*queue.Task{{Session: "s1", ChapterID: 1, Segments: []string{"hello"}, Config: a.DefaultSynth(synth.Config{})}}); err != nil {
		t.Fatal(err)
	}
	w, err := a.NewWorker("w1")
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Run(ctx); !errors.Is(err, worker.ErrRecycle) {
		t.Errorf("Run() error = %v, want ErrRecycle", err)
	}
}
