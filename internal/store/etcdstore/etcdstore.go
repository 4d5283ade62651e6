// Package etcdstore implements the coordination store on etcd v3.
// Expiring keys are bound to leases; publish/subscribe is a put/watch on a
// reserved key per channel.
package etcdstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	etcd "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/namespace"

	"github.com/jackzampolin/chorus/internal/store"
)

const (
	pubsubPrefix = "_pubsub/"
	pubsubTTL    = 60 * time.Second
	pingKey      = "_ping"
)

// Config configures the etcd connection.
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	// Namespace prefixes every key (default: "chorus/").
	Namespace string
	Username  string
	Password  string
	Logger    *slog.Logger
}

// Store implements store.Store on etcd.
type Store struct {
	client  *etcd.Client
	kv      etcd.KV
	lease   etcd.Lease
	watcher etcd.Watcher
	logger  *slog.Logger
}

var _ store.Store = (*Store)(nil)

// New connects to etcd.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if len(cfg.Endpoints) == 0 {
		cfg.Endpoints = []string{"127.0.0.1:2379"}
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "chorus/"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	client, err := etcd.New(etcd.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
		Context:     ctx,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	return &Store{
		client:  client,
		kv:      namespace.NewKV(client.KV, cfg.Namespace),
		lease:   namespace.NewLease(client.Lease, cfg.Namespace),
		watcher: namespace.NewWatcher(client.Watcher, cfg.Namespace),
		logger:  cfg.Logger.With("store", "etcd"),
	}, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("etcd %s: %w: %v", op, store.ErrUnavailable, err)
}

// leaseSeconds rounds ttl up to whole seconds, the lease granularity.
func leaseSeconds(ttl time.Duration) int64 {
	return int64(math.Max(1, math.Ceil(ttl.Seconds())))
}

// putOptions grants a lease for ttl when positive.
func (s *Store) putOptions(ctx context.Context, ttl time.Duration) ([]etcd.OpOption, etcd.LeaseID, error) {
	if ttl <= 0 {
		return nil, etcd.NoLease, nil
	}
	grant, err := s.lease.Grant(ctx, leaseSeconds(ttl))
	if err != nil {
		return nil, etcd.NoLease, unavailable("lease grant", err)
	}
	return []etcd.OpOption{etcd.WithLease(grant.ID)}, grant.ID, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, unavailable("get", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, store.ErrNotFound
	}
	return resp.Kvs[0].Value, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	opts, _, err := s.putOptions(ctx, ttl)
	if err != nil {
		return err
	}
	if _, err := s.kv.Put(ctx, key, string(value), opts...); err != nil {
		return unavailable("put", err)
	}
	return nil
}

func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	opts, leaseID, err := s.putOptions(ctx, ttl)
	if err != nil {
		return false, err
	}
	resp, err := s.kv.Txn(ctx).
		If(etcd.Compare(etcd.CreateRevision(key), "=", 0)).
		Then(etcd.OpPut(key, string(value), opts...)).
		Commit()
	if err != nil {
		return false, unavailable("txn", err)
	}
	if !resp.Succeeded && leaseID != etcd.NoLease {
		if _, err := s.lease.Revoke(ctx, leaseID); err != nil {
			s.logger.Debug("failed to revoke unused lease", "error", err)
		}
	}
	return resp.Succeeded, nil
}

func (s *Store) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	resp, err := s.kv.Txn(ctx).
		If(etcd.Compare(etcd.Value(key), "=", string(expected))).
		Then(etcd.OpDelete(key)).
		Commit()
	if err != nil {
		return false, unavailable("txn", err)
	}
	return resp.Succeeded, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.kv.Delete(ctx, key); err != nil {
		return unavailable("delete", err)
	}
	return nil
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	resp, err := s.kv.Get(ctx, prefix, etcd.WithPrefix(), etcd.WithKeysOnly(), etcd.WithSort(etcd.SortByKey, etcd.SortAscend))
	if err != nil {
		return nil, unavailable("get prefix", err)
	}
	keys := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		keys = append(keys, string(kv.Key))
	}
	return keys, nil
}

// Publish writes payload to the channel key; subscribers observe the put.
func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	return s.Set(ctx, pubsubPrefix+channel, payload, pubsubTTL)
}

func (s *Store) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	// Pin the watch to the current revision so no later put is missed.
	resp, err := s.kv.Get(ctx, pingKey)
	if err != nil {
		return nil, unavailable("get revision", err)
	}
	events := s.watcher.Watch(ctx, pubsubPrefix+channel, etcd.WithRev(resp.Header.Revision+1))

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		for wr := range events {
			if err := wr.Err(); err != nil {
				s.logger.Warn("progress watch failed", "channel", channel, "error", err)
				return
			}
			for _, ev := range wr.Events {
				if !ev.IsCreate() && !ev.IsModify() {
					continue
				}
				select {
				case out <- ev.Kv.Value:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.kv.Get(ctx, pingKey); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *Store) Close() error {
	if err := s.client.Close(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
