package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// NewResumeCmd creates the resume command.
func NewResumeCmd() *cobra.Command {
	var (
		interactive bool
		jsonOut     bool
	)

	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a staged run from its checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx := GetCLIContext(cmd)
			runID := args[0]

			ckpt, err := cliCtx.Checkpoints()
			if err != nil {
				return err
			}
			meta, err := ckpt.LoadMetadata(runID)
			if err != nil {
				return err
			}

			agent, err := cliCtx.Profiles().Load(meta.Agent)
			if err != nil {
				return fmt.Errorf("checkpoint agent %q: %w", meta.Agent, err)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			controller, err := cliCtx.StageController(interactive)
			if err != nil {
				return err
			}
			result, err := controller.Resume(ctx, runID, agent)
			if err != nil {
				return err
			}
			return printStageResult(cmd, result, jsonOut)
		},
	}

	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "prompt between stages and on failures")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the raw result as JSON")
	return cmd
}
