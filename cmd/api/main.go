// Command api runs the marketplace payments service.
//
// It wires the stores, provider adapters and services together and exposes
// them over HTTP, or runs one-off reconciliation and migration tasks.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "payments",
		Short:        "Payments - checkout, webhooks, settlement and entitlements",
		Version:      Version,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
