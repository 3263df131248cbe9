package backoff

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"
)

var (
	// ErrRetriesExhausted signals that the policy allows no further
	// attempts.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrOperationCanceled signals a retry loop interrupted by context
	// cancellation.
	ErrOperationCanceled = errors.New("operation canceled")
)

type (
	// RetryPolicy decides how long to wait before retry number
	// retryCount, or ErrRetriesExhausted to stop.
	RetryPolicy interface {
		ComputeNextInterval(retryCount int, elapsed time.Duration, err error) (time.Duration, error)
	}

	// Retrier carries the attempt counter for one logical operation
	// across its retries.
	Retrier interface {
		// Next returns the wait before the next attempt and advances the
		// counter.
		Next(err error) (time.Duration, error)
		// Reset starts the sequence over.
		Reset()
	}
)

const (
	defaultBackoffFactor = 2.0
	defaultMaxInterval   = 10 * time.Second
)

// ExponentialBackoffPolicy multiplies the interval by BackoffFactor on
// every attempt until MaxInterval caps it. MaxRetries of 0 means
// unlimited.
type ExponentialBackoffPolicy struct {
	InitialInterval time.Duration
	BackoffFactor   float64
	MaxInterval     time.Duration
	MaxRetries      int
}

// NewExponentialBackoffPolicy builds a doubling policy capped at the
// package default interval.
func NewExponentialBackoffPolicy(initialInterval time.Duration) *ExponentialBackoffPolicy {
	return &ExponentialBackoffPolicy{
		InitialInterval: initialInterval,
		BackoffFactor:   defaultBackoffFactor,
		MaxInterval:     defaultMaxInterval,
	}
}

func (p *ExponentialBackoffPolicy) ComputeNextInterval(retryCount int, _ time.Duration, _ error) (time.Duration, error) {
	if p.MaxRetries > 0 && retryCount >= p.MaxRetries {
		return 0, ErrRetriesExhausted
	}
	interval := float64(p.InitialInterval) * math.Pow(p.BackoffFactor, float64(retryCount))
	if p.MaxInterval > 0 && interval > float64(p.MaxInterval) {
		interval = float64(p.MaxInterval)
	}
	return time.Duration(interval), nil
}

// ConstantBackoffPolicy retries on a fixed cadence.
type ConstantBackoffPolicy struct {
	Interval   time.Duration
	MaxRetries int
}

func NewConstantBackoffPolicy(interval time.Duration) *ConstantBackoffPolicy {
	return &ConstantBackoffPolicy{Interval: interval}
}

func (p *ConstantBackoffPolicy) ComputeNextInterval(retryCount int, _ time.Duration, _ error) (time.Duration, error) {
	if p.MaxRetries > 0 && retryCount >= p.MaxRetries {
		return 0, ErrRetriesExhausted
	}
	return p.Interval, nil
}

// JitterFunc perturbs an interval the base policy computed.
type JitterFunc func(interval time.Duration) time.Duration

// FullJitter draws uniformly from [0, interval) so many callers retrying
// the same dependency spread out instead of arriving in lockstep.
func FullJitter(interval time.Duration) time.Duration {
	if interval <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(interval)))
}

type jitteredPolicy struct {
	base   RetryPolicy
	jitter JitterFunc
}

// WithJitter layers a jitter function over a base policy.
func WithJitter(base RetryPolicy, jitter JitterFunc) RetryPolicy {
	return &jitteredPolicy{base: base, jitter: jitter}
}

func (p *jitteredPolicy) ComputeNextInterval(retryCount int, elapsed time.Duration, err error) (time.Duration, error) {
	interval, cerr := p.base.ComputeNextInterval(retryCount, elapsed, err)
	if cerr != nil {
		return 0, cerr
	}
	return p.jitter(interval), nil
}

// NewRetrier binds a fresh attempt counter to the policy.
func NewRetrier(policy RetryPolicy) Retrier {
	return &retrier{policy: policy}
}

type retrier struct {
	policy     RetryPolicy
	retryCount int
	startTime  time.Time
	mu         sync.Mutex
}

func (r *retrier) Next(err error) (time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.startTime.IsZero() {
		r.startTime = time.Now()
	}

	interval, computeErr := r.policy.ComputeNextInterval(r.retryCount, time.Since(r.startTime), err)
	if computeErr != nil {
		return 0, computeErr
	}
	r.retryCount++
	return interval, nil
}

func (r *retrier) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retryCount = 0
	r.startTime = time.Time{}
}
