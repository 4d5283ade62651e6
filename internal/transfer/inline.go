package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jackzampolin/chorus/internal/store"
)

const (
	KindInline = "inline"

	DefaultInlineTTL      = 7 * 24 * time.Hour
	DefaultInlineMaxBytes = 64 << 20
)

// Inline keeps artifacts as values in the coordination store. It suits
// deployments without shared storage and chapters of modest size.
type Inline struct {
	store    store.Store
	ttl      time.Duration
	maxBytes int64
}

var _ Backend = (*Inline)(nil)

// NewInline stores artifacts in st. Zero ttl or maxBytes take the defaults.
func NewInline(st store.Store, ttl time.Duration, maxBytes int64) *Inline {
	if ttl <= 0 {
		ttl = DefaultInlineTTL
	}
	if maxBytes <= 0 {
		maxBytes = DefaultInlineMaxBytes
	}
	return &Inline{store: st, ttl: ttl, maxBytes: maxBytes}
}

func (b *Inline) Kind() string { return KindInline }

func (b *Inline) Put(ctx context.Context, session, name string, r io.Reader) (Handle, error) {
	if err := validate(session, name); err != nil {
		return "", err
	}
	data, err := io.ReadAll(io.LimitReader(r, b.maxBytes+1))
	if err != nil {
		return "", err
	}
	if int64(len(data)) > b.maxBytes {
		return "", fmt.Errorf("artifact %s/%s exceeds inline limit of %d bytes", session, name, b.maxBytes)
	}
	if err := b.store.Set(ctx, store.ArtifactKey(session, name), data, b.ttl); err != nil {
		return "", fmt.Errorf("failed to store %s/%s: %w", session, name, err)
	}
	return NewHandle(KindInline, session, name), nil
}

func (b *Inline) Get(ctx context.Context, h Handle, w io.Writer) error {
	session, name, err := parseFor(KindInline, h)
	if err != nil {
		return err
	}
	data, err := b.store.Get(ctx, store.ArtifactKey(session, name))
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, h)
	}
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func (b *Inline) List(ctx context.Context, session string) ([]Handle, error) {
	if err := ValidateName(session); err != nil {
		return nil, err
	}
	prefix := store.ArtifactPrefix(session)
	keys, err := b.store.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	handles := make([]Handle, 0, len(keys))
	for _, k := range keys {
		handles = append(handles, NewHandle(KindInline, session, strings.TrimPrefix(k, prefix)))
	}
	return handles, nil
}

func (b *Inline) Cleanup(ctx context.Context, session string) error {
	if err := ValidateName(session); err != nil {
		return err
	}
	keys, err := b.store.Keys(ctx, store.ArtifactPrefix(session))
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := b.store.Delete(ctx, k); err != nil {
			return fmt.Errorf("failed to delete %s: %w", k, err)
		}
	}
	return nil
}
