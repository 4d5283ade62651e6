package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jackzampolin/chorus/internal/app"
	"github.com/jackzampolin/chorus/internal/worker"
)

// workerPool runs workers inside the server process. A worker that hits
// its task limit is replaced by a fresh one with an empty engine cache.
type workerPool struct {
	app    *app.App
	size   int
	prefix string
	logger *slog.Logger

	mu      sync.Mutex
	workers map[string]*worker.Worker
}

func newWorkerPool(a *app.App, size int, logger *slog.Logger) *workerPool {
	prefix := a.Config.Worker.ID
	if prefix == "" {
		host, _ := os.Hostname()
		prefix = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return &workerPool{
		app:     a,
		size:    size,
		prefix:  prefix,
		logger:  logger,
		workers: make(map[string]*worker.Worker),
	}
}

// Run blocks until ctx ends or a worker fails to start.
func (p *workerPool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.size; i++ {
		id := fmt.Sprintf("%s-w%d", p.prefix, i)
		g.Go(func() error {
			return p.supervise(gctx, id)
		})
	}
	return g.Wait()
}

func (p *workerPool) supervise(ctx context.Context, id string) error {
	for {
		w, err := p.app.NewWorker(id)
		if err != nil {
			return fmt.Errorf("failed to create worker %s: %w", id, err)
		}
		p.set(id, w)

		err = w.Run(ctx)
		if !errors.Is(err, worker.ErrRecycle) {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		p.logger.Info("recycling worker", "worker", id, "tasks_done", w.TasksDone())
		p.app.Engines.Clear()
	}
}

func (p *workerPool) set(id string, w *worker.Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workers[id] = w
}

// Statuses reports the current worker in every slot, sorted by id.
func (p *workerPool) Statuses() []worker.Health {
	p.mu.Lock()
	ws := make([]*worker.Worker, 0, len(p.workers))
	for _, w := range p.workers {
		ws = append(ws, w)
	}
	p.mu.Unlock()

	out := make([]worker.Health, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}
