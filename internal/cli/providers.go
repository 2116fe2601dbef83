package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewProvidersCmd creates the providers command.
func NewProvidersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "Show provider availability and health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx := GetCLIContext(cmd)
			rt, err := cliCtx.Router()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, p := range rt.Providers() {
				available := p.IsAvailable(cmd.Context())
				metrics := p.GetCacheMetrics()
				health := p.GetHealth()

				status := "unavailable"
				if available {
					status = "available"
				}
				if rt.IsPenalized(p.Name()) {
					status += " (penalized)"
				}

				fmt.Fprintf(out, "%-10s %s", p.Name(), status)
				if metrics.Version.Version != "" {
					fmt.Fprintf(out, "  v%s", metrics.Version.Version)
				}
				if health.ConsecutiveFailures > 0 {
					fmt.Fprintf(out, "  failures=%d", health.ConsecutiveFailures)
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
}
