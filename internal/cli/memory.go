package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"maestro/internal/memory"
)

// NewMemoryCmd creates the memory command group.
func NewMemoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and maintain the memory store",
	}
	cmd.AddCommand(newMemoryListCmd())
	cmd.AddCommand(newMemoryStatsCmd())
	cmd.AddCommand(newMemoryExportCmd())
	cmd.AddCommand(newMemoryImportCmd())
	cmd.AddCommand(newMemoryCleanupCmd())
	cmd.AddCommand(newMemoryBackupCmd())
	return cmd
}

func newMemoryListCmd() *cobra.Command {
	var (
		limit   int
		offset  int
		agentID string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := GetCLIContext(cmd).Memory()
			if err != nil {
				return err
			}
			entries, err := store.GetAll(cmd.Context(), memory.GetAllOptions{Limit: limit, Offset: offset})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range entries {
				if agentID != "" && e.Metadata.AgentID != agentID {
					continue
				}
				content := e.Content
				if idx := strings.IndexByte(content, '\n'); idx >= 0 {
					content = content[:idx]
				}
				if len(content) > 80 {
					content = content[:80] + "…"
				}
				fmt.Fprintf(out, "%6d  %-12s  %s\n", e.ID, e.Metadata.Type, content)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "entries to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "pagination offset")
	cmd.Flags().StringVar(&agentID, "agent", "", "filter by agent id")
	return cmd
}

func newMemoryStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show store statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := GetCLIContext(cmd).Memory()
			if err != nil {
				return err
			}
			stats, err := store.GetStats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "entries:        %d\n", stats.TotalEntries)
			fmt.Fprintf(out, "with vectors:   %d\n", stats.WithEmbeddings)
			fmt.Fprintf(out, "total accesses: %d\n", stats.TotalAccesses)
			fmt.Fprintf(out, "db size:        %d bytes\n", stats.DBSizeBytes)
			if !stats.OldestEntry.IsZero() {
				fmt.Fprintf(out, "oldest:         %s\n", stats.OldestEntry.Format("2006-01-02"))
				fmt.Fprintf(out, "newest:         %s\n", stats.NewestEntry.Format("2006-01-02"))
			}
			return nil
		},
	}
}

func newMemoryExportCmd() *cobra.Command {
	var includeEmbeddings bool
	cmd := &cobra.Command{
		Use:   "export <path>",
		Short: "Export entries to a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := GetCLIContext(cmd).Memory()
			if err != nil {
				return err
			}
			report, err := store.ExportToJSON(cmd.Context(), args[0], memory.ExportOptions{
				IncludeEmbeddings: includeEmbeddings,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d entries to %s\n", report.Exported, args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&includeEmbeddings, "embeddings", false, "include embedding vectors")
	return cmd
}

func newMemoryImportCmd() *cobra.Command {
	var clearExisting bool
	cmd := &cobra.Command{
		Use:   "import <path>",
		Short: "Import entries from a JSON export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := GetCLIContext(cmd).Memory()
			if err != nil {
				return err
			}
			report, err := store.ImportFromJSON(cmd.Context(), args[0], memory.ImportOptions{
				ClearExisting: clearExisting,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d, skipped %d duplicates, %d errors\n",
				report.Imported, report.Skipped, len(report.Errors))
			for _, e := range report.Errors {
				fmt.Fprintf(cmd.ErrOrStderr(), "  %s\n", e)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&clearExisting, "clear", false, "clear the store before importing")
	return cmd
}

func newMemoryCleanupCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete entries older than N days",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := GetCLIContext(cmd).Memory()
			if err != nil {
				return err
			}
			deleted, err := store.Cleanup(cmd.Context(), days)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d entries\n", deleted)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 90, "age threshold in days")
	return cmd
}

func newMemoryBackupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup <path>",
		Short: "Write an online backup of the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := GetCLIContext(cmd).Memory()
			if err != nil {
				return err
			}
			if err := store.Backup(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "backup written to %s\n", args[0])
			return nil
		},
	}
}
