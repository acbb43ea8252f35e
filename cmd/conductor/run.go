package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/martinemde/conductor/events"
	"github.com/martinemde/conductor/orchestrator"
)

func newRunCmd(configFile *string) *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "run \"request\"",
		Short: "Plan a request and execute it with agents",
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

			var printer sync.WaitGroup
			var unsubscribe func()
			if !quiet {
				sub, cancel := a.broker.Subscribe()
				unsubscribe = cancel
				defer cancel()
				printer.Add(1)
				go func() {
					defer printer.Done()
					printEvents(sub)
				}()
			}

			request := args[0]
			plan, results, execErr := a.orch.Run(ctx, request)
			a.rememberRun(ctx, request, results)

			// Drain the event stream before the summary so lines do not
			// interleave.
			if unsubscribe != nil {
				unsubscribe()
				printer.Wait()
			}

			fmt.Printf("\nPlan: %s (%s, %d steps)\n", plan.Summary, plan.Complexity, len(plan.Steps))
			succeeded := 0
			for _, res := range results {
				mark := "✗"
				if res.Succeeded() {
					mark = "✓"
					succeeded++
				}
				fmt.Printf("  %s step %s [%s]: %s\n", mark, res.StepID, res.Status, firstLine(res.Summary))
			}
			fmt.Printf("%d/%d steps succeeded\n", succeeded, len(results))
			fmt.Printf("session: %s\n", a.recorder.Path())

			if execErr != nil {
				return execErr
			}
			if succeeded < len(results) {
				return fmt.Errorf("%d step(s) failed", len(results)-succeeded)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress the live event stream")
	return cmd
}

// rememberRun stores the run outcome in semantic memory so later sessions
// can recall what was attempted and how it went.
func (a *app) rememberRun(ctx context.Context, request string, results []orchestrator.AgentResult) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "request: %s\n", request)
	for _, res := range results {
		fmt.Fprintf(&sb, "step %s: %s (%s)\n", res.StepID, res.Status, firstLine(res.Summary))
	}
	keywords := strings.Fields(strings.ToLower(request))
	if _, err := a.semantic.Store(ctx, sb.String(), keywords); err != nil {
		a.logger.Warn("semantic memory store failed", zap.Error(err))
	}
}

// printEvents renders the coordination event stream until the broker
// closes.
func printEvents(sub <-chan events.Event) {
	for ev := range sub {
		ts := ev.Timestamp.Format("15:04:05")
		switch ev.Kind {
		case events.KindAgentStatusChanged:
			fmt.Printf("[%s] agent %.8s: %v -> %v\n", ts, ev.AgentID, ev.Data["from"], ev.Data["to"])
		case events.KindToolExecuted:
			fmt.Printf("[%s] agent %.8s: tool %v (success=%v)\n", ts, ev.AgentID, ev.Data["tool"], ev.Data["success"])
		case events.KindLoopDetected:
			fmt.Printf("[%s] agent %.8s STUCK: %v\n", ts, ev.AgentID, ev.Data["reason"])
		case events.KindStepStarted:
			fmt.Printf("[%s] step %v started: %v\n", ts, ev.Data["stepId"], ev.Data["description"])
		case events.KindStepFinished:
			fmt.Printf("[%s] step %v finished (success=%v)\n", ts, ev.Data["stepId"], ev.Data["success"])
		case events.KindLessonRecorded:
			fmt.Printf("[%s] lesson recorded: %v\n", ts, ev.Data["pattern"])
		}
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
