// Package ratelimit provides token-bucket admission control keyed on
// (tenant, node-type class) and (tenant, global). State is in memory per
// coordinator; cluster-wide limits are approximate by design.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Key identifies one bucket. An empty Class means the tenant-global
// bucket.
type Key struct {
	Tenant string
	Class  string
}

// Config sets steady rates and burst capacities. ClassRPS overrides the
// default per node-type class.
type Config struct {
	TenantRPS    float64
	TenantBurst  int
	ClassRPS     float64
	ClassBurst   int
	ClassConfigs map[string]ClassConfig
}

// ClassConfig overrides rate and burst for one node-type class.
type ClassConfig struct {
	RPS   float64
	Burst int
}

// Limiter is the admission controller consulted by the scheduler before
// a step is emitted to the work queue.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	buckets map[Key]*rate.Limiter
}

func New(cfg Config) *Limiter {
	if cfg.TenantRPS <= 0 {
		cfg.TenantRPS = 50
	}
	if cfg.TenantBurst <= 0 {
		cfg.TenantBurst = 100
	}
	if cfg.ClassRPS <= 0 {
		cfg.ClassRPS = 25
	}
	if cfg.ClassBurst <= 0 {
		cfg.ClassBurst = 50
	}
	return &Limiter{
		cfg:     cfg,
		buckets: make(map[Key]*rate.Limiter),
	}
}

// Keys returns the bucket keys charged for one step emission: the
// tenant-global bucket and the (tenant, class) bucket.
func Keys(tenant, class string) []Key {
	return []Key{
		{Tenant: tenant},
		{Tenant: tenant, Class: class},
	}
}

// TryAcquire charges n tokens against every key. When any bucket denies,
// nothing is consumed and the returned wait is a hint for when to try
// again. ok is true when all buckets admitted.
func (l *Limiter) TryAcquire(keys []Key, n int) (ok bool, wait time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	reservations := make([]*rate.Reservation, 0, len(keys))
	var maxDelay time.Duration

	for _, key := range keys {
		res := l.bucket(key).ReserveN(now, n)
		if !res.OK() {
			// n exceeds burst capacity; nothing sensible to wait for.
			for _, r := range reservations {
				r.CancelAt(now)
			}
			return false, time.Second
		}
		reservations = append(reservations, res)
		if delay := res.DelayFrom(now); delay > maxDelay {
			maxDelay = delay
		}
	}

	if maxDelay > 0 {
		for _, r := range reservations {
			r.CancelAt(now)
		}
		return false, maxDelay
	}
	return true, 0
}

func (l *Limiter) bucket(key Key) *rate.Limiter {
	if lim, ok := l.buckets[key]; ok {
		return lim
	}

	rps, burst := l.cfg.TenantRPS, l.cfg.TenantBurst
	if key.Class != "" {
		rps, burst = l.cfg.ClassRPS, l.cfg.ClassBurst
		if override, ok := l.cfg.ClassConfigs[key.Class]; ok {
			if override.RPS > 0 {
				rps = override.RPS
			}
			if override.Burst > 0 {
				burst = override.Burst
			}
		}
	}

	lim := rate.NewLimiter(rate.Limit(rps), burst)
	l.buckets[key] = lim
	return lim
}
