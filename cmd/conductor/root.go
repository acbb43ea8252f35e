package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/martinemde/conductor/config"
)

func newRootCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "conductor",
		Short: "Coordinate autonomous LLM coding agents",
		Long: "conductor decomposes a request into a dependency-ordered plan " +
			"of sub-tasks, runs each step through a specialized agent loop, " +
			"and records the session.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default: ./conductor.yaml)")

	cmd.AddCommand(newRunCmd(&configFile))
	cmd.AddCommand(newPlanCmd(&configFile))
	return cmd
}

// loadSetup reads the configuration and builds the logger.
func loadSetup(configFile string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	logger, err := cfg.Log.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}
	return cfg, logger, nil
}
