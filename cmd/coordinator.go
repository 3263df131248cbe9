package cmd

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/flowplane/flowplane/internal/api"
	"github.com/flowplane/flowplane/internal/bus"
	"github.com/flowplane/flowplane/internal/bus/membus"
	"github.com/flowplane/flowplane/internal/bus/redisbus"
	"github.com/flowplane/flowplane/internal/config"
	"github.com/flowplane/flowplane/internal/coordinator"
	"github.com/flowplane/flowplane/internal/dispatch"
	"github.com/flowplane/flowplane/internal/event"
	"github.com/flowplane/flowplane/internal/logger"
	"github.com/flowplane/flowplane/internal/model"
	"github.com/flowplane/flowplane/internal/ratelimit"
	"github.com/flowplane/flowplane/internal/scheduler"
	"github.com/flowplane/flowplane/internal/store"
	"github.com/flowplane/flowplane/internal/store/memory"
	"github.com/flowplane/flowplane/internal/store/postgres"
	"github.com/flowplane/flowplane/internal/sweep"
)

func coordinatorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "coordinator",
		Short: "Run the coordinator: control API, run loops, and dispatcher",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, err := loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			return runCoordinator(ctx, cfg)
		},
	}
}

func runCoordinator(ctx context.Context, cfg *config.Config) error {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	b, err := openBus(ctx, cfg, "coordinator-"+cfg.Coordinator.ID)
	if err != nil {
		return err
	}
	defer b.Close()

	sched := scheduler.New(scheduler.Defaults{
		MaxRetries:  cfg.Scheduler.MaxRetries,
		BackoffBase: cfg.Scheduler.BackoffBase,
		BackoffCap:  cfg.Scheduler.BackoffCap,
		Jitter:      cfg.Scheduler.Jitter,
	})
	limiter := ratelimit.New(ratelimit.Config{
		TenantRPS:   cfg.RateLimit.TenantRPS,
		TenantBurst: cfg.RateLimit.TenantBurst,
		ClassRPS:    cfg.RateLimit.ClassRPS,
		ClassBurst:  cfg.RateLimit.ClassBurst,
	})
	events := event.NewPublisher(b)

	// The dispatcher delivers into the manager and the manager dispatches
	// through the dispatcher; build the dispatcher against a late-bound
	// sink to break the construction cycle.
	var sink lateSink
	d := dispatch.New(b, &sink, dispatch.Config{
		DefaultTimeout: cfg.Coordinator.DefaultStepTimeout,
		Grace:          cfg.Dispatch.Grace,
		Prefetch:       cfg.Dispatch.Prefetch,
	})
	manager := coordinator.NewManager(st, d, sched, limiter, events, coordinator.Config{
		CoordinatorID:      cfg.Coordinator.ID,
		MaxConcurrentRuns:  cfg.Coordinator.MaxConcurrentRuns,
		InboxCapacity:      cfg.Coordinator.InboxCapacity,
		LeaseDuration:      cfg.Coordinator.LeaseDuration,
		RenewInterval:      cfg.Coordinator.RenewInterval,
		RecoveryInterval:   cfg.Coordinator.RecoveryInterval,
		DefaultStepTimeout: cfg.Coordinator.DefaultStepTimeout,
		DefaultRunTimeout:  cfg.Coordinator.DefaultRunTimeout,
	})
	sink.bind(manager)

	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}
	manager.Start(ctx)
	defer manager.Stop()

	sweeper := sweep.New(st, manager, sweep.Config{
		Schedule: cfg.Sweep.Schedule,
		TokenTTL: cfg.Sweep.TokenTTL,
	})
	if err := sweeper.Start(ctx); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}
	defer sweeper.Stop()

	server := api.NewServer(manager, b, api.Config{Addr: cfg.API.Addr})
	return server.Start(ctx)
}

// lateSink forwards deliveries to a result sink bound after
// construction.
type lateSink struct {
	mu   sync.RWMutex
	sink dispatch.ResultSink
}

func (l *lateSink) bind(sink dispatch.ResultSink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = sink
}

func (l *lateSink) Deliver(ctx context.Context, res model.StepResult) error {
	l.mu.RLock()
	sink := l.sink
	l.mu.RUnlock()
	if sink == nil {
		return fmt.Errorf("result sink not ready")
	}
	return sink.Deliver(ctx, res)
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		logger.Info(ctx, "Using postgres store")
		return postgres.New(ctx, cfg.Store.DSN)
	default:
		logger.Info(ctx, "Using in-memory store")
		return memory.New(), nil
	}
}

func openBus(ctx context.Context, cfg *config.Config, consumerID string) (bus.Bus, error) {
	switch cfg.Bus.Driver {
	case "redis":
		logger.Info(ctx, "Using redis bus", "addr", cfg.Bus.RedisAddr)
		return redisbus.New(ctx, cfg.Bus.RedisAddr, consumerID)
	default:
		logger.Info(ctx, "Using in-memory bus")
		return membus.New(), nil
	}
}
