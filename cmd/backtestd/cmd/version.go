package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/i-dream-of-ai/aegra/internal/common/build"
	"github.com/i-dream-of-ai/aegra/internal/common/util"
)

func versionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Prints build information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := util.NewTabbedStringBuilder()
			w.Row("Version", build.ReleaseVersion)
			w.Row("Commit", build.GitCommit)
			w.Row("Go version", build.GoVersion)
			w.Row("Built", build.BuildTime)
			_, err := fmt.Fprint(cmd.OutOrStdout(), w.String())
			return err
		},
	}
	return cmd
}
