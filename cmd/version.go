package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flowplane/flowplane/internal/build"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "flowplane %s (commit %s, built %s)\n",
				build.Version, build.Commit, build.Date)
		},
	}
}
