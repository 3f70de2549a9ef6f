// Package main is the entry point for the Switchboard CLI
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cloud-shuttle/switchboard/internal/config"
)

const version = "0.1.0"

var (
	cfg        *config.Config
	configPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "switchboard",
		Short: "Route customer conversations across specialist agents",
		Long: `Switchboard routes customer messages to specialist agents, escalates
conversations that need more help, and checkpoints every turn across memory,
Redis and SQL so a conversation survives restarts.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "init" {
				return nil
			}
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	rootCmd.AddCommand(
		initCmd(),
		serveCmd(),
		chatCmd(),
		sendCmd(),
		statusCmd(),
		historyCmd(),
		closeCmd(),
		transferCmd(),
		cleanupCmd(),
		healthCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
