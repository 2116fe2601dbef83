// Package cli provides the maestro command tree.
package cli

import (
	"context"

	"github.com/spf13/cobra"

	"maestro/internal/config"
	"maestro/pkg/logger"
)

// GlobalFlags are the persistent root flags.
type GlobalFlags struct {
	ConfigPath string
	Verbose    bool
	Quiet      bool
}

var globalFlags GlobalFlags

type contextKey struct{}

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "maestro",
		Short: "Maestro - agent orchestration runtime",
		Long: `Maestro routes agent tasks to external LLM CLI providers, executes
multi-agent cohorts over a dependency graph, drives checkpointed stage
sequences with resume, and persists stage outputs to a searchable memory
store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" || cmd.Name() == "help" {
				return nil
			}

			configPath := globalFlags.ConfigPath
			if configPath == "" {
				var err error
				configPath, err = config.DefaultConfigPath()
				if err != nil {
					return err
				}
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			logLevel := cfg.Log.Level
			if globalFlags.Verbose {
				logLevel = "debug"
			}
			if globalFlags.Quiet {
				logLevel = "error"
			}

			logCfg := cfg.Log
			logCfg.Level = logLevel
			if err := logger.Init(logCfg); err != nil {
				return err
			}

			cliCtx := NewCLIContext(cfg, configPath)
			cmd.SetContext(context.WithValue(cmd.Context(), contextKey{}, cliCtx))
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if cliCtx := GetCLIContext(cmd); cliCtx != nil {
				return cliCtx.Close()
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&globalFlags.ConfigPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.Verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.Quiet, "quiet", "q", false, "quiet mode")

	rootCmd.AddCommand(NewVersionCmd())
	rootCmd.AddCommand(NewInitCmd())
	rootCmd.AddCommand(NewRunCmd())
	rootCmd.AddCommand(NewResumeCmd())
	rootCmd.AddCommand(NewGraphCmd())
	rootCmd.AddCommand(NewProvidersCmd())
	rootCmd.AddCommand(NewMemoryCmd())
	rootCmd.AddCommand(NewSessionCmd())
	rootCmd.AddCommand(NewCheckpointCmd())
	rootCmd.AddCommand(NewServeCmd())

	return rootCmd
}

// GetCLIContext extracts the CLI context from a command.
func GetCLIContext(cmd *cobra.Command) *CLIContext {
	ctx := cmd.Context()
	if ctx == nil {
		return nil
	}
	cliCtx, ok := ctx.Value(contextKey{}).(*CLIContext)
	if !ok {
		return nil
	}
	return cliCtx
}
