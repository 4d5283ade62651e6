// Package store defines the coordination store shared by coordinators and
// workers: key/value state with expiry, atomic set-if-absent, and a
// publish/subscribe channel for notifications.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key is absent or expired.
	ErrNotFound = errors.New("key not found")
	// ErrUnavailable wraps transport failures talking to the backend.
	ErrUnavailable = errors.New("coordination store unavailable")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store closed")
)

// Store is the coordination store contract. A ttl of zero means no expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX sets key only if it does not exist, reporting whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// CompareAndDelete deletes key only if its value equals expected.
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)
	Delete(ctx context.Context, key string) error
	// Keys lists keys with the given prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)

	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe delivers messages published after it returns. The channel
	// is closed when ctx is done or the store closes.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)

	Ping(ctx context.Context) error
	Close() error
}

// Key layout shared by every backend.
const (
	checkpointPrefix = "checkpoint:"
	lockPrefix       = "checkpoint_lock:"
	progressPrefix   = "progress:"
	artifactPrefix   = "artifact:"

	// WorkerPrefix prefixes worker heartbeat keys.
	WorkerPrefix = "worker:"
)

// CheckpointKey is the key of a session's checkpoint record.
func CheckpointKey(session string) string { return checkpointPrefix + session }

// LockKey is the key of a session's checkpoint lock.
func LockKey(session string) string { return lockPrefix + session }

// ProgressChannel is the pub/sub channel carrying a session's progress.
func ProgressChannel(session string) string { return progressPrefix + session }

// ArtifactPrefix prefixes every inline artifact key of a session.
func ArtifactPrefix(session string) string { return artifactPrefix + session + ":" }

// ArtifactKey is the key of an inline artifact.
func ArtifactKey(session, name string) string { return ArtifactPrefix(session) + name }

// WorkerKey is the heartbeat key of a worker.
func WorkerKey(id string) string { return WorkerPrefix + id }
