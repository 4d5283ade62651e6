package queue_test

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/jackzampolin/chorus/internal/queue"
	"github.com/jackzampolin/chorus/internal/queue/queuetest"
)

func TestMemoryBroker(t *testing.T) {
	queuetest.Run(t, func(t *testing.T) queuetest.Harness {
		clock := clockwork.NewFakeClock()
		b := queue.NewMemoryBroker(clock)
		t.Cleanup(func() { b.Close() })
		return queuetest.Harness{Broker: b, Clock: clock}
	})
}

func TestRedisBroker(t *testing.T) {
	queuetest.Run(t, func(t *testing.T) queuetest.Harness {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })

		clock := clockwork.NewFakeClock()
		return queuetest.Harness{
			Broker: queue.NewRedisBroker(queue.RedisOptions{Client: client, Clock: clock}),
			Clock:  clock,
			Expire: func(d time.Duration) { mr.FastForward(d) },
		}
	})
}
