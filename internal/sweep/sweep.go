// Package sweep fails wait tokens that were never woken. Async nodes
// must not park their runs forever: every sweep, unresolved tokens older
// than the TTL resolve as timed out.
package sweep

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flowplane/flowplane/internal/logger"
	"github.com/flowplane/flowplane/internal/model"
	"github.com/flowplane/flowplane/internal/store"
)

// Waker resolves a wait token with a final outcome. The coordinator
// manager implements it.
type Waker interface {
	Wake(ctx context.Context, wake model.Wake) error
}

// Config tunes the sweeper.
type Config struct {
	// Schedule is a cron expression; defaults to every minute.
	Schedule string
	// TokenTTL is how long an unresolved token may exist.
	TokenTTL time.Duration
}

// Sweeper periodically expires stale wait tokens.
type Sweeper struct {
	store store.Store
	waker Waker
	cfg   Config
	cron  *cron.Cron
}

func New(st store.Store, waker Waker, cfg Config) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	return &Sweeper{store: st, waker: waker, cfg: cfg}
}

// Start schedules the sweep. Stop halts it and waits for a running sweep
// to finish.
func (s *Sweeper) Start(ctx context.Context) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		s.Sweep(ctx)
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	logger.Info(ctx, "Wait-token sweeper started",
		"schedule", s.cfg.Schedule, "ttl", s.cfg.TokenTTL)
	return nil
}

func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep expires every unresolved token older than the TTL. Exported for
// tests and manual runs.
func (s *Sweeper) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.TokenTTL)
	tokens, err := s.store.ListExpiredWaitTokens(ctx, cutoff)
	if err != nil {
		logger.Error(ctx, "Wait-token sweep failed", "err", err)
		return
	}

	for _, token := range tokens {
		err := s.waker.Wake(ctx, model.Wake{
			WaitToken: token,
			Outcome:   model.OutcomeFailed,
			Error: &model.StepError{
				Kind:    model.ErrKindTimeout,
				Message: "wait token expired",
			},
		})
		if err != nil {
			logger.Warn(ctx, "Failed to expire wait token", "token", token, "err", err)
			continue
		}
		logger.Info(ctx, "Expired wait token", "token", token)
	}
}
