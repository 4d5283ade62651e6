// Package svcctx provides service context for dependency injection via context.
// This package is separate from server to avoid import cycles with endpoints.
package svcctx

import (
	"context"
	"log/slog"

	"github.com/jackzampolin/chorus/internal/app"
	"github.com/jackzampolin/chorus/internal/config"
	"github.com/jackzampolin/chorus/internal/home"
	"github.com/jackzampolin/chorus/internal/metrics"
	"github.com/jackzampolin/chorus/internal/progress"
	"github.com/jackzampolin/chorus/internal/worker"
)

// WorkerSet reports on the workers embedded in this process.
type WorkerSet interface {
	Statuses() []worker.Health
}

// Services holds all core services that flow through context.
// Components extract what they need via the individual extractors.
type Services struct {
	App       *app.App
	Hub       *progress.Hub
	Workers   WorkerSet
	ConfigMgr *config.Manager
	Metrics   *metrics.Recorder
	Logger    *slog.Logger
	Home      *home.Dir
}

type servicesKey struct{}

// WithServices returns a new context with services attached.
func WithServices(ctx context.Context, s *Services) context.Context {
	return context.WithValue(ctx, servicesKey{}, s)
}

// ServicesFrom extracts the full Services struct from context.
// Returns nil if not present.
func ServicesFrom(ctx context.Context) *Services {
	s, _ := ctx.Value(servicesKey{}).(*Services)
	return s
}

// AppFrom extracts the process services from context.
func AppFrom(ctx context.Context) *app.App {
	if s := ServicesFrom(ctx); s != nil {
		return s.App
	}
	return nil
}

// HubFrom extracts the progress hub from context.
func HubFrom(ctx context.Context) *progress.Hub {
	if s := ServicesFrom(ctx); s != nil {
		return s.Hub
	}
	return nil
}

// WorkersFrom extracts the embedded worker set from context.
func WorkersFrom(ctx context.Context) WorkerSet {
	if s := ServicesFrom(ctx); s != nil {
		return s.Workers
	}
	return nil
}

// ConfigManagerFrom extracts the config manager from context.
func ConfigManagerFrom(ctx context.Context) *config.Manager {
	if s := ServicesFrom(ctx); s != nil {
		return s.ConfigMgr
	}
	return nil
}

// MetricsFrom extracts the metrics recorder from context.
func MetricsFrom(ctx context.Context) *metrics.Recorder {
	if s := ServicesFrom(ctx); s != nil {
		return s.Metrics
	}
	return nil
}

// LoggerFrom extracts the logger from context.
func LoggerFrom(ctx context.Context) *slog.Logger {
	if s := ServicesFrom(ctx); s != nil {
		return s.Logger
	}
	return nil
}

// HomeFrom extracts the home directory from context.
func HomeFrom(ctx context.Context) *home.Dir {
	if s := ServicesFrom(ctx); s != nil {
		return s.Home
	}
	return nil
}
