package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"maestro/internal/delegation"
	"maestro/internal/profile"
	"maestro/internal/scheduler"
	"maestro/internal/stage"
)

// NewRunCmd creates the run command.
func NewRunCmd() *cobra.Command {
	var (
		agents            []string
		task              string
		staged            bool
		interactive       bool
		autoConfirm       bool
		resumable         bool
		continueOnFailure bool
		maxConcurrent     int
		timeout           time.Duration
		jsonOut           bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a cohort of agents, or one agent's stage sequence",
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx := GetCLIContext(cmd)
			if task == "" {
				return fmt.Errorf("--task is required")
			}
			if len(agents) == 0 {
				return fmt.Errorf("--agents is required")
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			profiles := make([]*profile.Profile, 0, len(agents))
			for _, name := range agents {
				p, err := cliCtx.Profiles().Load(strings.TrimSpace(name))
				if err != nil {
					return err
				}
				profiles = append(profiles, p)
			}

			if staged {
				if len(profiles) != 1 {
					return fmt.Errorf("--staged runs exactly one agent, got %d", len(profiles))
				}
				controller, err := cliCtx.StageController(interactive)
				if err != nil {
					return err
				}
				result, err := controller.Run(ctx, profiles[0], task, stage.Mode{
					Interactive: interactive,
					Resumable:   resumable,
					AutoConfirm: autoConfirm,
				})
				if err != nil {
					return err
				}
				return printStageResult(cmd, result, jsonOut)
			}

			sessions, err := cliCtx.Sessions()
			if err != nil {
				return err
			}
			sess, err := sessions.Create(profiles[0].Name, task, nil)
			if err != nil {
				return err
			}

			sched, err := cliCtx.Scheduler()
			if err != nil {
				return err
			}
			result, err := sched.Execute(ctx, profiles, &scheduler.ExecutionContext{
				SessionID:  sess.ID,
				Task:       task,
				Delegation: &delegation.Context{SessionID: sess.ID},
			}, scheduler.Options{
				ContinueOnFailure: &continueOnFailure,
				MaxConcurrent:     maxConcurrent,
				Timeout:           timeout,
			})
			if err != nil {
				_ = sessions.SetStatus(sess.ID, "failed")
				return err
			}

			status := "completed"
			if !result.Success {
				status = "failed"
			}
			_ = sessions.SetStatus(sess.ID, status)

			return printCohortResult(cmd, sess.ID, result, jsonOut)
		},
	}

	cmd.Flags().StringSliceVar(&agents, "agents", nil, "comma-separated agent names")
	cmd.Flags().StringVarP(&task, "task", "t", "", "task to execute")
	cmd.Flags().BoolVar(&staged, "staged", false, "run the agent's declared stages")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "prompt between stages and on failures")
	cmd.Flags().BoolVar(&autoConfirm, "auto-confirm", false, "auto-answer stage prompts with their defaults")
	cmd.Flags().BoolVar(&resumable, "resumable", true, "save checkpoints for resume")
	cmd.Flags().BoolVar(&continueOnFailure, "continue-on-failure", true, "keep executing after an agent fails")
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 0, "parallel batch size limit (0 = unbounded)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "total cohort timeout (0 = none)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the raw result as JSON")

	return cmd
}

func printCohortResult(cmd *cobra.Command, sessionID string, result *scheduler.Result, jsonOut bool) error {
	if jsonOut {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(result)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "session: %s\n", sessionID)
	fmt.Fprintf(out, "success: %v (%.2fs)\n", result.Success, result.TotalDuration.Seconds())
	fmt.Fprintf(out, "completed: %s\n", strings.Join(result.CompletedAgents, ", "))
	if len(result.FailedAgents) > 0 {
		fmt.Fprintf(out, "failed: %s\n", strings.Join(result.FailedAgents, ", "))
	}
	if len(result.SkippedAgents) > 0 {
		fmt.Fprintf(out, "skipped: %s\n", strings.Join(result.SkippedAgents, ", "))
	}
	for _, entry := range result.Timeline {
		fmt.Fprintf(out, "  [L%d] %-12s %-9s %6dms", entry.Level, entry.AgentName, entry.Status, entry.Duration.Milliseconds())
		if entry.Error != "" {
			fmt.Fprintf(out, "  %s", entry.Error)
		}
		fmt.Fprintln(out)
	}
	return nil
}

func printStageResult(cmd *cobra.Command, result *stage.RunResult, jsonOut bool) error {
	if jsonOut {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(result)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run: %s (agent %s)\n", result.RunID, result.Agent)
	fmt.Fprintf(out, "completed: %v  aborted: %v\n", result.Completed, result.Aborted)
	for _, st := range result.Stages {
		fmt.Fprintf(out, "  %-20s %-10s retries=%d\n", st.Name, st.Status, st.Retries)
	}
	return nil
}
