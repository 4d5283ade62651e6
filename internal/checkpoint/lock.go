package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/jackzampolin/chorus/internal/store"
)

var errLockHeld = errors.New("checkpoint lock held")

// acquire takes the session lock with set-if-absent, retrying a bounded
// number of times. Transport errors are retried like contention.
func (m *Manager) acquire(ctx context.Context) (string, error) {
	key := store.LockKey(m.cfg.SessionID)
	token := m.newToken()
	start := m.cfg.Clock.Now()

	err := retry.Do(
		func() error {
			ok, err := m.cfg.Store.SetNX(ctx, key, []byte(token), m.cfg.LockTTL)
			if err != nil {
				return err
			}
			if !ok {
				return errLockHeld
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(m.cfg.LockAttempts),
		retry.Delay(m.cfg.LockRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			if !errors.Is(err, errLockHeld) {
				m.logger.Warn("checkpoint lock attempt failed", "attempt", n+1, "error", err)
			}
		}),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		if errors.Is(err, errLockHeld) {
			m.cfg.Metrics.LockTimedOut()
			return "", fmt.Errorf("%w: session %s after %d attempts", ErrLockTimeout, m.cfg.SessionID, m.cfg.LockAttempts)
		}
		return "", fmt.Errorf("failed to acquire checkpoint lock: %w", err)
	}

	waited := m.cfg.Clock.Since(start)
	m.cfg.Metrics.LockAcquired(waited)
	if waited > m.cfg.LockTTL/2 {
		m.logger.Debug("checkpoint lock contended", "waited", waited)
	}
	return token, nil
}

// release deletes the lock only if this holder still owns it. An expired
// lock taken over by another holder is left alone.
func (m *Manager) release(ctx context.Context, token string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	released, err := m.cfg.Store.CompareAndDelete(ctx, store.LockKey(m.cfg.SessionID), []byte(token))
	if err != nil {
		m.logger.Warn("failed to release checkpoint lock", "error", err)
		return
	}
	if !released {
		m.logger.Warn("checkpoint lock expired before release", "ttl", m.cfg.LockTTL)
	}
}
