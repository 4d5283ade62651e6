// Package redisstore implements the coordination store on Redis.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jackzampolin/chorus/internal/store"
)

// compareAndDelete releases a key only while it still holds the caller's token.
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Config configures the Redis connection.
type Config struct {
	// Addr is host:port (default: 127.0.0.1:6379)
	Addr     string
	Password string
	DB       int
	// Client overrides Addr/Password/DB when set.
	Client redis.UniversalClient
	Logger *slog.Logger
}

// Store implements store.Store on a Redis client.
type Store struct {
	client redis.UniversalClient
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

// New creates a Redis-backed store. It does not dial; call Ping to verify.
func New(cfg Config) *Store {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	client := cfg.Client
	if client == nil {
		if cfg.Addr == "" {
			cfg.Addr = "127.0.0.1:6379"
		}
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
	}
	return &Store{client: client, logger: cfg.Logger}
}

// Client exposes the underlying client so the task broker can share it.
func (s *Store) Client() redis.UniversalClient {
	return s.client
}

func unavailable(op string, err error) error {
	return fmt.Errorf("redis %s: %w: %v", op, store.ErrUnavailable, err)
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return unavailable("set", err)
	}
	return nil
}

func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, unavailable("setnx", err)
	}
	return ok, nil
}

func (s *Store) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	n, err := compareAndDelete.Run(ctx, s.client, []string{key}, expected).Int64()
	if err != nil {
		return false, unavailable("compare-and-delete", err)
	}
	return n == 1, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return unavailable("del", err)
	}
	return nil
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, escapeGlob(prefix)+"*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, unavailable("scan", err)
	}
	// SCAN may return a key more than once.
	return sortUnique(keys), nil
}

func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		return unavailable("publish", err)
	}
	return nil
}

func (s *Store) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ps := s.client.Subscribe(ctx, channel)
	// Wait for the subscription confirmation so no publish is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, unavailable("subscribe", err)
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer ps.Close()
		defer s.logger.Debug("redis subscription closed", "channel", channel)
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *Store) Close() error {
	if err := s.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}

// escapeGlob escapes the characters SCAN MATCH treats specially.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func sortUnique(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
