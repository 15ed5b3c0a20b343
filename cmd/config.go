package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zjrosen/tickhost/internal/config"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a default config file",
	Long: `Write a default config file.

The file goes to .tickhost/config.yaml unless a path is given. An existing
file is left alone unless --force is set.`,
	Args:        cobra.MaximumNArgs(1),
	Annotations: map[string]string{"skip-config": "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.LocalConfigPath
		if len(args) == 1 {
			path = args[0]
		}
		if _, err := os.Stat(path); err == nil && !configForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.WriteDefaultConfig(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective config after file and environment overrides",
	RunE: func(cmd *cobra.Command, _ []string) error {
		out, err := config.Marshal(cfg)
		if err != nil {
			return err
		}
		if cfgUsed != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "# loaded from %s\n", cfgUsed)
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

func init() {
	configInitCmd.Flags().BoolVarP(&configForce, "force", "f", false,
		"overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configShowCmd)
}
