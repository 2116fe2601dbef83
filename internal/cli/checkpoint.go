package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewCheckpointCmd creates the checkpoint command group.
func NewCheckpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect and clean up staged-run checkpoints",
	}
	cmd.AddCommand(newCheckpointListCmd())
	cmd.AddCommand(newCheckpointShowCmd())
	cmd.AddCommand(newCheckpointDeleteCmd())
	return cmd
}

func newCheckpointListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := GetCLIContext(cmd).Checkpoints()
			if err != nil {
				return err
			}
			ids, err := store.List()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, id := range ids {
				meta, err := store.LoadMetadata(id)
				if err != nil {
					fmt.Fprintf(out, "%s  (unreadable: %v)\n", id, err)
					continue
				}
				fmt.Fprintf(out, "%s  %-9s  %-12s  %d/%d stages  %s\n",
					meta.RunID, meta.Status, meta.Agent,
					meta.CompletedStages, meta.TotalStages, meta.Task)
			}
			return nil
		},
	}
}

func newCheckpointShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one checkpoint's stage states",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := GetCLIContext(cmd).Checkpoints()
			if err != nil {
				return err
			}
			cp, err := store.Load(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run:    %s\n", cp.RunID)
			fmt.Fprintf(out, "agent:  %s\n", cp.Agent)
			fmt.Fprintf(out, "task:   %s\n", cp.Task)
			fmt.Fprintf(out, "cursor: %d\n", cp.LastCompletedStageIndex)
			for i, st := range cp.Stages {
				fmt.Fprintf(out, "  %2d %-20s %-10s retries=%d\n", i, st.Name, st.Status, st.Retries)
			}
			return nil
		},
	}
}

func newCheckpointDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := GetCLIContext(cmd).Checkpoints()
			if err != nil {
				return err
			}
			if err := store.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}
