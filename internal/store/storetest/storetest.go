// Package storetest is a behavioral test suite run against every
// store.Store backend.
package storetest

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/jackzampolin/chorus/internal/store"
)

// Harness builds a fresh store for one subtest. Advance moves the store's
// notion of time forward so TTLs can be checked without sleeping.
type Harness struct {
	Store   store.Store
	Advance func(d time.Duration)
}

// Run exercises the store.Store contract.
func Run(t *testing.T, newHarness func(t *testing.T) Harness) {
	t.Helper()

	t.Run("get missing", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.Store.Get(context.Background(), "missing")
		if !errors.Is(err, store.ErrNotFound) {
			t.Errorf("Get() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("set and get", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		if err := h.Store.Set(ctx, "a", []byte("1"), 0); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		got, err := h.Store.Get(ctx, "a")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if string(got) != "1" {
			t.Errorf("Get() = %q, want %q", got, "1")
		}
	})

	t.Run("binary values round trip", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		value := []byte{0x00, 0xff, 0x10, 0x00, 'I', 'D', '3'}
		if err := h.Store.Set(ctx, "bin", value, 0); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		got, err := h.Store.Get(ctx, "bin")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if !slices.Equal(got, value) {
			t.Errorf("Get() = %v, want %v", got, value)
		}
	})

	t.Run("ttl expiry", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		if err := h.Store.Set(ctx, "ttl", []byte("x"), 2*time.Second); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		h.Advance(3 * time.Second)
		if _, err := h.Store.Get(ctx, "ttl"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("Get() after expiry error = %v, want ErrNotFound", err)
		}
	})

	t.Run("setnx excludes second writer", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		ok, err := h.Store.SetNX(ctx, "lock", []byte("owner-1"), 10*time.Second)
		if err != nil || !ok {
			t.Fatalf("SetNX() = %v, %v; want true, nil", ok, err)
		}
		ok, err = h.Store.SetNX(ctx, "lock", []byte("owner-2"), 10*time.Second)
		if err != nil {
			t.Fatalf("SetNX() error = %v", err)
		}
		if ok {
			t.Error("second SetNX() = true, want false")
		}
		got, _ := h.Store.Get(ctx, "lock")
		if string(got) != "owner-1" {
			t.Errorf("lock owner = %q, want owner-1", got)
		}
	})

	t.Run("setnx after expiry", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		if ok, err := h.Store.SetNX(ctx, "lock", []byte("crashed"), 2*time.Second); err != nil || !ok {
			t.Fatalf("SetNX() = %v, %v", ok, err)
		}
		h.Advance(3 * time.Second)
		ok, err := h.Store.SetNX(ctx, "lock", []byte("next"), 2*time.Second)
		if err != nil {
			t.Fatalf("SetNX() error = %v", err)
		}
		if !ok {
			t.Error("SetNX() after expiry = false, want true")
		}
	})

	t.Run("compare and delete", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		_ = h.Store.Set(ctx, "lock", []byte("mine"), 0)

		deleted, err := h.Store.CompareAndDelete(ctx, "lock", []byte("theirs"))
		if err != nil {
			t.Fatalf("CompareAndDelete() error = %v", err)
		}
		if deleted {
			t.Error("CompareAndDelete() with wrong token = true, want false")
		}

		deleted, err = h.Store.CompareAndDelete(ctx, "lock", []byte("mine"))
		if err != nil {
			t.Fatalf("CompareAndDelete() error = %v", err)
		}
		if !deleted {
			t.Error("CompareAndDelete() with owner token = false, want true")
		}
		if _, err := h.Store.Get(ctx, "lock"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
		}

		deleted, err = h.Store.CompareAndDelete(ctx, "absent", []byte("x"))
		if err != nil || deleted {
			t.Errorf("CompareAndDelete(absent) = %v, %v; want false, nil", deleted, err)
		}
	})

	t.Run("delete and keys", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		for _, k := range []string{"artifact:s1:b", "artifact:s1:a", "artifact:s2:a", "worker:w1"} {
			if err := h.Store.Set(ctx, k, []byte("v"), 0); err != nil {
				t.Fatalf("Set(%s) error = %v", k, err)
			}
		}
		keys, err := h.Store.Keys(ctx, "artifact:s1:")
		if err != nil {
			t.Fatalf("Keys() error = %v", err)
		}
		want := []string{"artifact:s1:a", "artifact:s1:b"}
		if !slices.Equal(keys, want) {
			t.Errorf("Keys() = %v, want %v", keys, want)
		}

		if err := h.Store.Delete(ctx, "artifact:s1:a"); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		keys, _ = h.Store.Keys(ctx, "artifact:s1:")
		if !slices.Equal(keys, []string{"artifact:s1:b"}) {
			t.Errorf("Keys() after delete = %v", keys)
		}
		if err := h.Store.Delete(ctx, "never-existed"); err != nil {
			t.Errorf("Delete(missing) error = %v, want nil", err)
		}
	})

	t.Run("publish subscribe", func(t *testing.T) {
		h := newHarness(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		msgs, err := h.Store.Subscribe(ctx, "progress:s1")
		if err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
		if err := h.Store.Publish(ctx, "progress:s1", []byte(`{"completed":1}`)); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}

		select {
		case msg := <-msgs:
			if string(msg) != `{"completed":1}` {
				t.Errorf("message = %q", msg)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("no message received")
		}

		cancel()
		deadline := time.After(5 * time.Second)
		for {
			select {
			case _, ok := <-msgs:
				if !ok {
					return
				}
			case <-deadline:
				t.Fatal("subscription not closed after cancel")
			}
		}
	})

	t.Run("ping", func(t *testing.T) {
		h := newHarness(t)
		if err := h.Store.Ping(context.Background()); err != nil {
			t.Errorf("Ping() error = %v", err)
		}
	})
}
