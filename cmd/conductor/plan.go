package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

func newPlanCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "plan \"request\"",
		Short: "Show the step plan for a request without executing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadSetup(*configFile)
			if err != nil {
				return err
			}
			a, err := buildApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			plan := a.orch.CreatePlan(ctx, args[0])

			fmt.Printf("%s (%s)\n", plan.Summary, plan.Complexity)
			for _, step := range plan.Steps {
				deps := "-"
				if len(step.DependencyIDs) > 0 {
					deps = strings.Join(step.DependencyIDs, ", ")
				}
				fmt.Printf("  %s [%s] after %s: %s\n", step.ID, step.AgentType, deps, step.Description)
			}
			return nil
		},
	}
}
