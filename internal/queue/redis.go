package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// Ready tasks sit in a list, delayed and reserved tasks in sorted sets
// scored by unix milliseconds. Payloads and reservation tokens live in
// hashes keyed by task id.
var (
	reserveScript = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
while id do
  local payload = redis.call('HGET', KEYS[4], id)
  if payload then
    redis.call('ZADD', KEYS[2], ARGV[1], id)
    redis.call('HSET', KEYS[3], id, ARGV[2])
    local n = redis.call('HINCRBY', KEYS[5], id, 1)
    return {payload, n}
  end
  id = redis.call('LPOP', KEYS[1])
end
return false
`)

	requeueScript = redis.NewScript(`
local moved = 0
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('RPUSH', KEYS[1], id)
  moved = moved + 1
end
local expired = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1])
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[3], id)
  redis.call('HDEL', KEYS[4], id)
  redis.call('RPUSH', KEYS[1], id)
  moved = moved + 1
end
return moved
`)

	ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
return 1
`)

	extendScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('ZADD', KEYS[1], 'XX', ARGV[3], ARGV[1])
return 1
`)

	releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[3])
redis.call('ZADD', KEYS[4], ARGV[4], ARGV[1])
return 1
`)
)

// RedisBroker shares a queue between processes through redis.
type RedisBroker struct {
	client redis.UniversalClient
	clock  clockwork.Clock

	ready, delayed, reserved, payload, lease, deliveries string
	resultPrefix                                         string
}

var _ Broker = (*RedisBroker)(nil)

// RedisOptions configures a RedisBroker.
type RedisOptions struct {
	Client redis.UniversalClient
	// Prefix namespaces every key (default "chorus:queue:").
	Prefix string
	Clock  clockwork.Clock
}

// NewRedisBroker creates a broker over an existing client. Closing the
// broker does not close the client.
func NewRedisBroker(opts RedisOptions) *RedisBroker {
	if opts.Prefix == "" {
		opts.Prefix = "chorus:queue:"
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	p := opts.Prefix
	return &RedisBroker{
		client:       opts.Client,
		clock:        opts.Clock,
		ready:        p + "ready",
		delayed:      p + "delayed",
		reserved:     p + "reserved",
		payload:      p + "payload",
		lease:        p + "lease",
		deliveries:   p + "deliveries",
		resultPrefix: p + "results:",
	}
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func (b *RedisBroker) Push(ctx context.Context, t *Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, b.payload, t.ID, data)
		pipe.HDel(ctx, b.deliveries, t.ID)
		pipe.ZRem(ctx, b.delayed, t.ID)
		pipe.RPush(ctx, b.ready, t.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to push task %s: %w", t.ID, err)
	}
	return nil
}

func (b *RedisBroker) Schedule(ctx context.Context, t *Task, at time.Time) error {
	if !at.After(b.clock.Now()) {
		return b.Push(ctx, t)
	}
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, b.payload, t.ID, data)
		pipe.ZAdd(ctx, b.delayed, redis.Z{Score: float64(millis(at)), Member: t.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to schedule task %s: %w", t.ID, err)
	}
	return nil
}

func (b *RedisBroker) Reserve(ctx context.Context, visibility time.Duration) (*Delivery, error) {
	now := b.clock.Now()
	if _, err := b.Requeue(ctx, now); err != nil {
		return nil, err
	}

	token := uuid.NewString()
	deadline := now.Add(visibility)
	reply, err := reserveScript.Run(ctx, b.client,
		[]string{b.ready, b.reserved, b.lease, b.payload, b.deliveries},
		millis(deadline), token,
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reserve task: %w", err)
	}
	if len(reply) != 2 {
		return nil, fmt.Errorf("failed to reserve task: unexpected reply %v", reply)
	}
	data, _ := reply[0].(string)
	deliveries, _ := reply[1].(int64)

	var t Task
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("failed to decode task: %w", err)
	}
	t.Deliveries = int(deliveries)
	return &Delivery{Task: &t, Token: token, Deadline: deadline}, nil
}

func (b *RedisBroker) Ack(ctx context.Context, d *Delivery) error {
	n, err := ackScript.Run(ctx, b.client,
		[]string{b.reserved, b.lease, b.payload, b.deliveries},
		d.Task.ID, d.Token,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to ack task %s: %w", d.Task.ID, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (b *RedisBroker) Release(ctx context.Context, d *Delivery, at time.Time) error {
	data, err := json.Marshal(d.Task)
	if err != nil {
		return err
	}
	n, err := releaseScript.Run(ctx, b.client,
		[]string{b.reserved, b.lease, b.payload, b.delayed},
		d.Task.ID, d.Token, data, millis(at),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to release task %s: %w", d.Task.ID, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (b *RedisBroker) Extend(ctx context.Context, d *Delivery, deadline time.Time) error {
	n, err := extendScript.Run(ctx, b.client,
		[]string{b.reserved, b.lease},
		d.Task.ID, d.Token, millis(deadline),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to extend task %s: %w", d.Task.ID, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (b *RedisBroker) Requeue(ctx context.Context, now time.Time) (int, error) {
	n, err := requeueScript.Run(ctx, b.client,
		[]string{b.ready, b.delayed, b.reserved, b.lease},
		millis(now),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to requeue tasks: %w", err)
	}
	return n, nil
}

func (b *RedisBroker) resultKey(batch string) string {
	return b.resultPrefix + batch
}

func (b *RedisBroker) PushResult(ctx context.Context, batch string, r *Result, ttl time.Duration) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	key := b.resultKey(batch)
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to push result for chapter %d: %w", r.ChapterID, err)
	}
	return nil
}

// PopResult blocks with BLPOP, whose timeout has one second granularity.
func (b *RedisBroker) PopResult(ctx context.Context, batch string, wait time.Duration) (*Result, error) {
	key := b.resultKey(batch)

	var data string
	if wait <= 0 {
		v, err := b.client.LPop(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil, ErrEmpty
		}
		if err != nil {
			return nil, fmt.Errorf("failed to pop result: %w", err)
		}
		data = v
	} else {
		v, err := b.client.BLPop(ctx, wait, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil, ErrEmpty
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to pop result: %w", err)
		}
		// BLPOP answers [key, value].
		data = v[1]
	}

	var r Result
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	return &r, nil
}

func (b *RedisBroker) Depth(ctx context.Context) (Depth, error) {
	var ready, delayed, reserved *redis.IntCmd
	_, err := b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		ready = pipe.LLen(ctx, b.ready)
		delayed = pipe.ZCard(ctx, b.delayed)
		reserved = pipe.ZCard(ctx, b.reserved)
		return nil
	})
	if err != nil {
		return Depth{}, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return Depth{
		Ready:    int(ready.Val()),
		Delayed:  int(delayed.Val()),
		Reserved: int(reserved.Val()),
	}, nil
}

func (b *RedisBroker) Close() error {
	return nil
}
