// Package memstore is an in-process coordination store. It serves tests and
// single-machine runs where coordinator and workers share one process.
package memstore

import (
	"bytes"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/jackzampolin/chorus/internal/store"
)

const subscriberBuffer = 64

type item struct {
	value   []byte
	expires time.Time
}

type subscriber struct {
	ch chan []byte
}

// Store implements store.Store in memory. Expiry is evaluated lazily
// against the injected clock.
type Store struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	items  map[string]item
	subs   map[string]map[*subscriber]struct{}
	closed bool
}

var _ store.Store = (*Store)(nil)

// New creates an empty store. A nil clock uses wall time.
func New(clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		clock: clock,
		items: make(map[string]item),
		subs:  make(map[string]map[*subscriber]struct{}),
	}
}

// live returns the item if present and unexpired. Caller holds mu.
func (s *Store) live(key string) (item, bool) {
	it, ok := s.items[key]
	if !ok {
		return item{}, false
	}
	if !it.expires.IsZero() && !s.clock.Now().Before(it.expires) {
		delete(s.items, key)
		return item{}, false
	}
	return it, true
}

func (s *Store) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.clock.Now().Add(ttl)
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	it, ok := s.live(key)
	if !ok {
		return nil, store.ErrNotFound
	}
	return bytes.Clone(it.value), nil
}

func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	s.items[key] = item{value: bytes.Clone(value), expires: s.expiry(ttl)}
	return nil
}

func (s *Store) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, store.ErrClosed
	}
	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.items[key] = item{value: bytes.Clone(value), expires: s.expiry(ttl)}
	return true, nil
}

func (s *Store) CompareAndDelete(_ context.Context, key string, expected []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, store.ErrClosed
	}
	it, ok := s.live(key)
	if !ok || !bytes.Equal(it.value, expected) {
		return false, nil
	}
	delete(s.items, key)
	return true, nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	delete(s.items, key)
	return nil
}

func (s *Store) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	var keys []string
	for k := range s.items {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if _, ok := s.live(k); ok {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

// Publish delivers payload to current subscribers. A subscriber whose
// buffer is full misses the message.
func (s *Store) Publish(_ context.Context, channel string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	for sub := range s.subs[channel] {
		select {
		case sub.ch <- bytes.Clone(payload):
		default:
		}
	}
	return nil
}

func (s *Store) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	sub := &subscriber{ch: make(chan []byte, subscriberBuffer)}
	if s.subs[channel] == nil {
		s.subs[channel] = make(map[*subscriber]struct{})
	}
	s.subs[channel][sub] = struct{}{}

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[channel][sub]; ok {
			delete(s.subs[channel], sub)
			close(sub.ch)
		}
	}()
	return sub.ch, nil
}

func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	return nil
}

// Close drops all data and closes every subscription.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, subs := range s.subs {
		for sub := range subs {
			close(sub.ch)
		}
	}
	s.subs = nil
	s.items = nil
	return nil
}
