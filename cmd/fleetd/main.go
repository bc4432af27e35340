package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fleetd",
	Short: "Fleetd - control plane for the wopr bot-hosting fleet",
	Long: `Fleetd coordinates a fleet of GPU nodes running tenant bots:
node lifecycle and recovery, tenant placement, the credit ledger,
and billing enforcement, delivered as a single binary backed by an
embedded database.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Fleetd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(creditCmd)
}
