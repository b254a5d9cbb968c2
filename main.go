package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configPath   string
	overridePath string
	envFile      string
)

func main() {
	root := &cobra.Command{
		Use:           "sceneforge",
		Short:         "Scene image and video generation orchestrator",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// A missing .env is normal outside development.
			if _, err := os.Stat(envFile); err == nil {
				return godotenv.Load(envFile)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Config file")
	root.PersistentFlags().StringVar(&overridePath, "override", "", "Optional override document merged over the config file")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file loaded before reading config")

	root.AddCommand(serveCmd())
	root.AddCommand(workerCmd())
	root.AddCommand(runCmd())
	root.AddCommand(reconcileCmd())
	root.AddCommand(auditCmd())
	root.AddCommand(bindCmd())
	root.AddCommand(exportCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
