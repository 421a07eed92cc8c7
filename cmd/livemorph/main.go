package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "livemorph",
		Short: "Live component state synchronization server",
		Long: `Livemorph keeps server-owned component state and browser DOM in sync:
method calls travel over HTTP, broadcasts over a shared WebSocket, and
markup updates are morphed into the live tree instead of replacing it.

The serve command runs a demo todo backend wired through the full
protocol stack.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
