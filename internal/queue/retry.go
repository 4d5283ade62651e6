package queue

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultMaxRetries = 3
	DefaultRetryBase  = 60 * time.Second
	DefaultRetryCap   = 600 * time.Second
	DefaultJitter     = 0.1
)

// RetryPolicy decides when a failed task runs again.
type RetryPolicy struct {
	// MaxRetries is the number of failed executions after which a task is
	// terminal.
	MaxRetries int
	Base       time.Duration
	Cap        time.Duration
	// Jitter is the randomization factor: the delay varies by ±Jitter.
	Jitter float64
}

// DefaultRetryPolicy returns three attempts backing off from one minute.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: DefaultMaxRetries,
		Base:       DefaultRetryBase,
		Cap:        DefaultRetryCap,
		Jitter:     DefaultJitter,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.Base <= 0 {
		p.Base = DefaultRetryBase
	}
	if p.Cap <= 0 {
		p.Cap = DefaultRetryCap
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

func (p RetryPolicy) backoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.MaxInterval = p.Cap
	b.Multiplier = 2
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0 // don't stop
	b.Reset()
	return b
}

// Exhausted reports whether failures failed executions end the task.
func (p RetryPolicy) Exhausted(failures int) bool {
	return failures >= p.withDefaults().MaxRetries
}

// maxSteps bounds the walk along the curve; the cap is reached long before.
const maxSteps = 64

// Delay returns min(base * 2^attempt, cap) ± jitter, attempt counting
// from zero for the first retry.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	b := p.withDefaults().backoff()
	attempt = min(max(attempt, 0), maxSteps)

	var d time.Duration
	for i := 0; i <= attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
