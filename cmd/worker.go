package cmd

import (
	"github.com/spf13/cobra"

	"github.com/flowplane/flowplane/internal/runner"
)

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run a reference step runner",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, err := loadConfig(cmd.Context())
			if err != nil {
				return err
			}

			b, err := openBus(ctx, cfg, "worker-"+cfg.Runner.ID)
			if err != nil {
				return err
			}
			defer b.Close()

			r := runner.New(b, runner.DefaultRegistry(), runner.Config{
				ID:            cfg.Runner.ID,
				Prefetch:      cfg.Runner.Prefetch,
				MaxConcurrent: cfg.Runner.MaxConcurrent,
			})
			if err := r.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			r.Stop()
			return nil
		},
	}
}
