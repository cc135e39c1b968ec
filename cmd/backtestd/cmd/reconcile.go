package cmd

import (
	"github.com/spf13/cobra"

	"github.com/i-dream-of-ai/aegra/internal/orchestrator"
)

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Aborts orphaned jobs and releases stale port leases, then exits",
		RunE:  reconcile,
	}
	return cmd
}

func reconcile(_ *cobra.Command, _ []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	return orchestrator.Reconcile(config)
}
