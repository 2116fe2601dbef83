package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// NewSessionCmd creates the session command group.
func NewSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and clean up sessions",
	}
	cmd.AddCommand(newSessionListCmd())
	cmd.AddCommand(newSessionShowCmd())
	cmd.AddCommand(newSessionCleanupCmd())
	return cmd
}

func newSessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := GetCLIContext(cmd).Sessions()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, s := range sessions.List() {
				fmt.Fprintf(out, "%s  %-9s  %-20s  %s\n",
					s.ID, s.Status, s.CreatedAt.Format("2006-01-02 15:04:05"), s.Task)
			}
			return nil
		},
	}
}

func newSessionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx := GetCLIContext(cmd)
			sessions, err := cliCtx.Sessions()
			if err != nil {
				return err
			}
			s, err := sessions.Get(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "id:           %s\n", s.ID)
			fmt.Fprintf(out, "status:       %s\n", s.Status)
			fmt.Fprintf(out, "initiator:    %s\n", s.Initiator)
			fmt.Fprintf(out, "task:         %s\n", s.Task)
			fmt.Fprintf(out, "participants: %s\n", strings.Join(s.Participants, ", "))
			fmt.Fprintf(out, "created:      %s\n", s.CreatedAt.Format(time.RFC3339))
			fmt.Fprintf(out, "updated:      %s\n", s.UpdatedAt.Format(time.RFC3339))

			ws, err := cliCtx.Workspaces()
			if err != nil {
				return err
			}
			for _, agent := range s.Participants {
				files, err := ws.ListSessionFiles(s.ID, agent)
				if err != nil || len(files) == 0 {
					continue
				}
				fmt.Fprintf(out, "outputs[%s]:\n", agent)
				for _, f := range files {
					fmt.Fprintf(out, "  %s\n", f)
				}
			}
			return nil
		},
	}
}

func newSessionCleanupCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove finished sessions and their workspaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx := GetCLIContext(cmd)
			sessions, err := cliCtx.Sessions()
			if err != nil {
				return err
			}
			ws, err := cliCtx.Workspaces()
			if err != nil {
				return err
			}

			removed := sessions.Cleanup(time.Duration(days) * 24 * time.Hour)

			var surviving []string
			for _, s := range sessions.List() {
				surviving = append(surviving, s.ID)
			}
			dirs, err := ws.CleanupSessions(surviving)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "removed %d sessions, %d workspace directories\n", len(removed), dirs)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "age threshold in days")
	return cmd
}
