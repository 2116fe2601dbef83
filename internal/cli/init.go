package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"maestro/internal/config"
)

const defaultConfigTemplate = `version: "1"

providers:
  claude:
    command: claude
    enabled: true
    priority: 1
    timeout: 15m
  gemini:
    command: gemini
    enabled: true
    priority: 2
    timeout: 15m

execution:
  stages:
    checkpoint_path: .maestro/checkpoints
    auto_save_checkpoint: true

orchestration:
  workspace:
    base_path: .maestro/workspaces

memory:
  persist_path: .maestro/memory.db

logging:
  level: info
  format: console
`

const exampleProfile = `name: architect
display_name: System Architect
role: coordinator
system_prompt: |
  You are a pragmatic system architect. Break tasks down, decide the
  approach, and delegate implementation work.
provider: claude
stages:
  - name: analyze
    description: Understand the task and its constraints.
    key_questions:
      - What are the moving parts?
      - What can go wrong?
  - name: design
    description: Produce a concrete design.
    save_to_memory: true
    expected_outputs:
      - A component breakdown
orchestration:
  can_write_to_shared: true
`

// NewInitCmd creates the init command.
func NewInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a starter config and example profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := globalFlags.ConfigPath
			if configPath == "" {
				var err error
				configPath, err = config.DefaultConfigPath()
				if err != nil {
					return err
				}
			}

			if _, err := os.Stat(configPath); err == nil {
				return fmt.Errorf("config already exists at %s", configPath)
			}
			if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
				return err
			}
			if err := os.WriteFile(configPath, []byte(defaultConfigTemplate), 0600); err != nil {
				return err
			}

			profilesDir := ".maestro/profiles"
			if err := os.MkdirAll(filepath.Join(profilesDir, "abilities"), 0755); err != nil {
				return err
			}
			profilePath := filepath.Join(profilesDir, "architect.yaml")
			if _, err := os.Stat(profilePath); os.IsNotExist(err) {
				if err := os.WriteFile(profilePath, []byte(exampleProfile), 0600); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "wrote %s\n", configPath)
			fmt.Fprintf(out, "wrote %s\n", profilePath)
			return nil
		},
	}
}
