// Package app assembles the coordination store, broker, transfer backend
// and engine cache described by a config, for both coordinator and worker
// processes.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/jackzampolin/chorus/internal/checkpoint"
	"github.com/jackzampolin/chorus/internal/config"
	"github.com/jackzampolin/chorus/internal/coordinator"
	"github.com/jackzampolin/chorus/internal/home"
	"github.com/jackzampolin/chorus/internal/metrics"
	"github.com/jackzampolin/chorus/internal/queue"
	"github.com/jackzampolin/chorus/internal/store"
	"github.com/jackzampolin/chorus/internal/store/etcdstore"
	"github.com/jackzampolin/chorus/internal/store/memstore"
	"github.com/jackzampolin/chorus/internal/store/redisstore"
	"github.com/jackzampolin/chorus/internal/synth"
	"github.com/jackzampolin/chorus/internal/transfer"
	"github.com/jackzampolin/chorus/internal/worker"
)

// App holds the shared services of one process.
type App struct {
	Config   *config.Config
	Home     *home.Dir
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Metrics  *metrics.Recorder
	Store    store.Store
	Queue    *queue.Queue
	Transfer transfer.Backend
	Engines  *synth.Cache
	FFmpeg   synth.FFmpeg

	closers []func() error
}

// Options carries process-level overrides.
type Options struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	// Metrics may be nil to disable instrumentation.
	Metrics *metrics.Recorder
}

// New connects to the configured backends. The store must answer a ping.
func New(ctx context.Context, cfg *config.Config, h *home.Dir, opts Options) (*App, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	a := &App{
		Config:  cfg,
		Home:    h,
		Logger:  opts.Logger,
		Clock:   opts.Clock,
		Metrics: opts.Metrics,
		FFmpeg: synth.FFmpeg{
			Bin:      cfg.Coordinator.FFmpegPath,
			ProbeBin: cfg.Coordinator.FFprobePath,
		},
	}

	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	st, redisClient, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	a.Store = st
	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("coordination store not reachable: %w", err)
	}

	broker, err := a.openBroker(redisClient)
	if err != nil {
		return err
	}
	a.Queue = queue.New(queue.Config{
		Broker:     broker,
		Visibility: cfg.Queue.VisibilityTimeout,
		ResultTTL:  cfg.Queue.ResultTTL,
		Retry: queue.RetryPolicy{
			MaxRetries: cfg.Queue.MaxRetries,
			Base:       cfg.Queue.RetryBase,
			Cap:        cfg.Queue.RetryCap,
			Jitter:     cfg.Queue.RetryJitter,
		},
		Clock:  a.Clock,
		Logger: a.Logger,
	})

	fsRoot := cfg.Transfer.FS.Root
	if fsRoot == "" {
		fsRoot = a.Home.ArtifactsDir()
	}
	a.Transfer, err = transfer.New(ctx, transfer.Config{
		Backend:        cfg.Transfer.Backend,
		Dir:            fsRoot,
		InlineTTL:      cfg.Transfer.InlineTTL,
		InlineMaxBytes: cfg.Transfer.InlineMaxBytes,
		S3: transfer.S3Config{
			Bucket:    cfg.Transfer.S3.Bucket,
			Prefix:    cfg.Transfer.S3.Prefix,
			Region:    cfg.Transfer.S3.Region,
			Endpoint:  cfg.Transfer.S3.Endpoint,
			PathStyle: cfg.Transfer.S3.PathStyle,
		},
	}, st)
	if err != nil {
		return fmt.Errorf("failed to create transfer backend: %w", err)
	}

	a.Engines = synth.NewCache(synth.NewFactory(synth.Options{
		DefaultEngine: cfg.Synth.Engine,
		OpenAIKey:     config.ResolveEnvVars(cfg.Synth.OpenAI.APIKey),
		OpenAIBaseURL: cfg.Synth.OpenAI.BaseURL,
		OpenAITimeout: cfg.Synth.OpenAI.Timeout,
	}), a.Logger)

	return nil
}

func (a *App) openStore(ctx context.Context) (store.Store, redis.UniversalClient, error) {
	cfg := a.Config.Store
	switch cfg.Backend {
	case "memory":
		st := memstore.New(a.Clock)
		a.closers = append(a.closers, st.Close)
		return st, nil, nil
	case "redis":
		st := redisstore.New(redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: config.ResolveEnvVars(cfg.Redis.Password),
			DB:       cfg.Redis.DB,
			Logger:   a.Logger,
		})
		a.closers = append(a.closers, st.Close)
		return st, st.Client(), nil
	case "etcd":
		st, err := etcdstore.New(ctx, etcdstore.Config{
			Endpoints:   cfg.Etcd.Endpoints,
			DialTimeout: cfg.Etcd.DialTimeout,
			Namespace:   cfg.Etcd.Namespace,
			Logger:      a.Logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to etcd: %w", err)
		}
		a.closers = append(a.closers, st.Close)
		return st, nil, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

// openBroker reuses the store's redis client when there is one.
func (a *App) openBroker(shared redis.UniversalClient) (queue.Broker, error) {
	cfg := a.Config
	switch cfg.Queue.Backend {
	case "memory":
		if cfg.Store.Backend != "memory" {
			a.Logger.Warn("memory queue only reaches workers in this process", "store", cfg.Store.Backend)
		}
		return queue.NewMemoryBroker(a.Clock), nil
	case "redis":
		client := shared
		if client == nil {
			rc := redis.NewClient(&redis.Options{
				Addr:     cfg.Store.Redis.Addr,
				Password: config.ResolveEnvVars(cfg.Store.Redis.Password),
				DB:       cfg.Store.Redis.DB,
			})
			a.closers = append(a.closers, rc.Close)
			client = rc
		}
		return queue.NewRedisBroker(queue.RedisOptions{
			Client: client,
			Prefix: cfg.Queue.Prefix,
			Clock:  a.Clock,
		}), nil
	}
	return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
}

// CheckpointConfig is the manager config shared by every session.
func (a *App) CheckpointConfig() checkpoint.Config {
	cfg := a.Config.Checkpoint
	fallback := cfg.FallbackDir
	if fallback == "" && a.Home != nil {
		fallback = a.Home.CheckpointsDir()
	}
	return checkpoint.Config{
		Store:          a.Store,
		FallbackDir:    fallback,
		LockTTL:        cfg.LockTTL,
		LockAttempts:   cfg.LockAttempts,
		LockRetryDelay: cfg.LockRetryDelay,
		Retention:      cfg.Retention,
		Clock:          a.Clock,
		Metrics:        a.Metrics,
		Logger:         a.Logger,
	}
}

// Checkpoint opens the checkpoint manager for a session.
func (a *App) Checkpoint(sessionID string) (*checkpoint.Manager, error) {
	cfg := a.CheckpointConfig()
	cfg.SessionID = sessionID
	return checkpoint.New(cfg)
}

// Coordinator builds a coordinator for a session.
func (a *App) Coordinator(sessionID string) (*coordinator.Coordinator, error) {
	cp, err := a.Checkpoint(sessionID)
	if err != nil {
		return nil, err
	}
	staging := a.Config.Coordinator.StagingDir
	if staging == "" && a.Home != nil {
		staging = a.Home.StagingDir()
	}
	return coordinator.New(coordinator.Config{
		Checkpoint:       cp,
		Queue:            a.Queue,
		Store:            a.Store,
		Transfer:         a.Transfer,
		Muxer:            coordinator.NewMuxer(a.FFmpeg),
		StagingDir:       staging,
		PollInterval:     a.Config.Coordinator.PollInterval,
		ProgressInterval: a.Config.Coordinator.ProgressInterval,
		Clock:            a.Clock,
		Metrics:          a.Metrics,
		Logger:           a.Logger,
	})
}

// NewWorker builds a worker. An empty id uses worker.id from config, then
// a generated id.
func (a *App) NewWorker(id string) (*worker.Worker, error) {
	cfg := a.Config.Worker
	if id == "" {
		id = cfg.ID
	}
	return worker.New(worker.Config{
		ID:                id,
		Queue:             a.Queue,
		Transfer:          a.Transfer,
		Engines:           a.Engines,
		Joiner:            &synth.Joiner{FFmpeg: a.FFmpeg, TempDir: os.TempDir(), Logger: a.Logger},
		Checkpoints:       checkpoint.Opener(a.CheckpointConfig()),
		Store:             a.Store,
		TaskTimeout:       cfg.TaskTimeout,
		PollInterval:      cfg.PollInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		MaxTasks:          cfg.MaxTasks,
		MemoryLimit:       cfg.MemoryLimitMB << 20,
		Clock:             a.Clock,
		Metrics:           a.Metrics,
		Logger:            a.Logger,
	})
}

// DefaultSynth fills a manifest's synthesis config from the synth section.
func (a *App) DefaultSynth(c synth.Config) synth.Config {
	s := a.Config.Synth
	if c.Engine == "" {
		c.Engine = s.Engine
	}
	if c.Model == "" {
		c.Model = s.Model
	}
	if c.Voice == "" {
		c.Voice = s.Voice
	}
	if c.Language == "" {
		c.Language = s.Language
	}
	if c.Format == "" {
		c.Format = s.Format
	}
	if c.Speed <= 0 {
		c.Speed = s.Speed
	}
	return c.WithDefaults(s.Engine)
}

// Close releases every backend connection.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// PingTimeout bounds readiness checks.
const PingTimeout = 2 * time.Second

// Ready reports whether the store answers.
func (a *App) Ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, PingTimeout)
	defer cancel()
	return a.Store.Ping(ctx)
}
