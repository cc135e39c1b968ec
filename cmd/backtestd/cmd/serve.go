package cmd

import (
	"github.com/spf13/cobra"

	"github.com/i-dream-of-ai/aegra/internal/orchestrator"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the API, the worker pool and background reconciliation",
		RunE:  serve,
	}
	return cmd
}

func serve(_ *cobra.Command, _ []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	return orchestrator.Run(config)
}
