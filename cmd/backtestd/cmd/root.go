package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/i-dream-of-ai/aegra/internal/common"
	commonconfig "github.com/i-dream-of-ai/aegra/internal/common/config"
	"github.com/i-dream-of-ai/aegra/internal/orchestrator/configuration"
)

const (
	CustomConfigLocation string = "config"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "backtestd",
		SilenceUsage: true,
		Short:        "Runs backtests of trading algorithms",
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")
	err := viper.BindPFlag(CustomConfigLocation, cmd.PersistentFlags().Lookup(CustomConfigLocation))
	if err != nil {
		panic(err)
	}

	cmd.AddCommand(
		serveCmd(),
		reconcileCmd(),
		versionCmd(),
	)

	return cmd
}

func loadConfig() (configuration.OrchestratorConfig, error) {
	var config configuration.OrchestratorConfig
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)

	common.LoadConfig(&config, "./config/orchestrator", userSpecifiedConfigs)

	err := commonconfig.Validate(config)
	if err != nil {
		commonconfig.LogValidationErrors(err)
	}
	return config, err
}
