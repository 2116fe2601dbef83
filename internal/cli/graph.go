package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"maestro/internal/profile"
	"maestro/internal/scheduler"
)

// NewGraphCmd creates the graph command: a dry run that prints the
// computed dependency levels and batch plan without executing anything.
func NewGraphCmd() *cobra.Command {
	var (
		agents        []string
		maxConcurrent int
	)

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Print the dependency graph and batch plan for a cohort",
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx := GetCLIContext(cmd)
			if len(agents) == 0 {
				return fmt.Errorf("--agents is required")
			}

			profiles := make([]*profile.Profile, 0, len(agents))
			for _, name := range agents {
				p, err := cliCtx.Profiles().Load(strings.TrimSpace(name))
				if err != nil {
					return err
				}
				profiles = append(profiles, p)
			}

			g, err := scheduler.BuildGraph(profiles)
			if err != nil {
				return err
			}
			plan := scheduler.BuildPlan(g, maxConcurrent)

			out := cmd.OutOrStdout()
			for level := 0; level <= g.MaxLevel; level++ {
				fmt.Fprintf(out, "level %d:\n", level)
				for _, batch := range plan.Levels[level] {
					mode := "parallel"
					if !batch.Parallel {
						mode = "sequential"
					}
					fmt.Fprintf(out, "  [%s] %s\n", mode, strings.Join(batch.Agents, ", "))
				}
			}
			for name, node := range g.Nodes {
				if len(node.Dependencies) > 0 {
					fmt.Fprintf(out, "%s <- %s\n", name, strings.Join(node.Dependencies, ", "))
				}
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&agents, "agents", nil, "comma-separated agent names")
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 0, "parallel batch size limit (0 = unbounded)")
	return cmd
}
