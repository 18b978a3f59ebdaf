package main

import (
	"os"

	"github.com/xpucat/xpucat/cmd"
)

func main() {
	rootCmd := cmd.NewRootCommand()

	rootCmd.AddCommand(cmd.NewMigrateCommand())
	rootCmd.AddCommand(cmd.NewIngestCommand())
	rootCmd.AddCommand(cmd.NewResolveCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
