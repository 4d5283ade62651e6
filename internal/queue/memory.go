package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

type reservation struct {
	token    string
	deadline time.Time
}

type resultList struct {
	items   []*Result
	expires time.Time
}

// MemoryBroker is an in-process Broker for single-host runs and tests.
// Payloads are stored encoded so callers never share task memory.
type MemoryBroker struct {
	clock clockwork.Clock

	mu       sync.Mutex
	closed   bool
	payload  map[string][]byte
	ready    []string
	delayed  map[string]time.Time
	reserved map[string]reservation
	results  map[string]*resultList
	// signal is closed and replaced whenever a result arrives.
	signal chan struct{}
}

var _ Broker = (*MemoryBroker)(nil)

// NewMemoryBroker creates an empty broker. A nil clock uses the real one.
func NewMemoryBroker(clock clockwork.Clock) *MemoryBroker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryBroker{
		clock:    clock,
		payload:  make(map[string][]byte),
		delayed:  make(map[string]time.Time),
		reserved: make(map[string]reservation),
		results:  make(map[string]*resultList),
		signal:   make(chan struct{}),
	}
}

func (b *MemoryBroker) Push(_ context.Context, t *Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.payload[t.ID] = data
	delete(b.delayed, t.ID)
	b.ready = append(b.ready, t.ID)
	return nil
}

func (b *MemoryBroker) Schedule(ctx context.Context, t *Task, at time.Time) error {
	if !at.After(b.clock.Now()) {
		return b.Push(ctx, t)
	}
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.payload[t.ID] = data
	b.delayed[t.ID] = at
	return nil
}

func (b *MemoryBroker) Reserve(ctx context.Context, visibility time.Duration) (*Delivery, error) {
	now := b.clock.Now()
	if _, err := b.Requeue(ctx, now); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.ready) > 0 {
		id := b.ready[0]
		b.ready = b.ready[1:]
		data, ok := b.payload[id]
		if !ok {
			continue
		}

		var t Task
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, err
		}
		t.Deliveries++
		var err error
		if data, err = json.Marshal(&t); err != nil {
			return nil, err
		}
		b.payload[id] = data
		d := &Delivery{Task: &t, Token: uuid.NewString(), Deadline: now.Add(visibility)}
		b.reserved[id] = reservation{token: d.Token, deadline: d.Deadline}
		return d, nil
	}
	return nil, ErrEmpty
}

// owned reports whether d still holds its reservation. Caller holds mu.
func (b *MemoryBroker) owned(d *Delivery) bool {
	r, ok := b.reserved[d.Task.ID]
	return ok && r.token == d.Token
}

func (b *MemoryBroker) Ack(_ context.Context, d *Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.owned(d) {
		return ErrLeaseLost
	}
	delete(b.reserved, d.Task.ID)
	delete(b.payload, d.Task.ID)
	return nil
}

func (b *MemoryBroker) Release(_ context.Context, d *Delivery, at time.Time) error {
	data, err := json.Marshal(d.Task)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.owned(d) {
		return ErrLeaseLost
	}
	delete(b.reserved, d.Task.ID)
	b.payload[d.Task.ID] = data
	b.delayed[d.Task.ID] = at
	return nil
}

func (b *MemoryBroker) Extend(_ context.Context, d *Delivery, deadline time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.owned(d) {
		return ErrLeaseLost
	}
	b.reserved[d.Task.ID] = reservation{token: d.Token, deadline: deadline}
	return nil
}

func (b *MemoryBroker) Requeue(_ context.Context, now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}

	moved := 0
	for id, at := range b.delayed {
		if !at.After(now) {
			delete(b.delayed, id)
			b.ready = append(b.ready, id)
			moved++
		}
	}
	for id, r := range b.reserved {
		if !r.deadline.After(now) {
			delete(b.reserved, id)
			b.ready = append(b.ready, id)
			moved++
		}
	}
	return moved, nil
}

func (b *MemoryBroker) PushResult(_ context.Context, batch string, r *Result, ttl time.Duration) error {
	cp := *r
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	list := b.liveResults(batch)
	if list == nil {
		list = &resultList{}
		b.results[batch] = list
	}
	list.items = append(list.items, &cp)
	if ttl > 0 {
		list.expires = b.clock.Now().Add(ttl)
	}
	close(b.signal)
	b.signal = make(chan struct{})
	return nil
}

// liveResults drops an expired result list. Caller holds mu.
func (b *MemoryBroker) liveResults(batch string) *resultList {
	list, ok := b.results[batch]
	if !ok {
		return nil
	}
	if !list.expires.IsZero() && !b.clock.Now().Before(list.expires) {
		delete(b.results, batch)
		return nil
	}
	return list
}

func (b *MemoryBroker) PopResult(ctx context.Context, batch string, wait time.Duration) (*Result, error) {
	var timeout <-chan time.Time
	if wait > 0 {
		timer := b.clock.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.Chan()
	}

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		if list := b.liveResults(batch); list != nil && len(list.items) > 0 {
			r := list.items[0]
			list.items = list.items[1:]
			b.mu.Unlock()
			return r, nil
		}
		signal := b.signal
		b.mu.Unlock()

		if timeout == nil {
			return nil, ErrEmpty
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout:
			return nil, ErrEmpty
		case <-signal:
		}
	}
}

func (b *MemoryBroker) Depth(context.Context) (Depth, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Depth{
		Ready:    len(b.ready),
		Delayed:  len(b.delayed),
		Reserved: len(b.reserved),
	}, nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.signal)
		b.signal = make(chan struct{})
	}
	return nil
}
