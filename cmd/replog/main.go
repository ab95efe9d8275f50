package main

import (
	"fmt"
	"os"

	"github.com/ignatij/replog/internal/cli"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "replog",
	Short: "Replicate the change log to downstream consumers in ordered batches",
}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
