package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:          "contractctl",
		Short:        "Operations tool for the tutoring contract engine",
		Version:      Version,
		SilenceUsage: true,
	}

	// Add subcommands
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(reprocessCmd())
	rootCmd.AddCommand(verifySnapshotCmd())
	rootCmd.AddCommand(simulateCallbackCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
