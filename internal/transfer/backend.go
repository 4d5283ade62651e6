package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/jackzampolin/chorus/internal/store"
)

// Config selects a backend.
type Config struct {
	// Backend is "fs", "inline" or "s3".
	Backend string
	// Dir is the shared directory for the fs backend.
	Dir string

	InlineTTL      time.Duration
	InlineMaxBytes int64

	S3 S3Config
}

// New builds the configured backend. st is only used by the inline backend.
func New(ctx context.Context, cfg Config, st store.Store) (Backend, error) {
	switch cfg.Backend {
	case "", KindFS:
		if cfg.Dir == "" {
			return nil, fmt.Errorf("fs transfer backend requires a directory")
		}
		return NewFS(cfg.Dir)
	case KindInline:
		if st == nil {
			return nil, fmt.Errorf("inline transfer backend requires a store")
		}
		return NewInline(st, cfg.InlineTTL, cfg.InlineMaxBytes), nil
	case KindS3:
		return NewS3(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown transfer backend %q", cfg.Backend)
	}
}
