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
)

// rootFlags override values from the config file.
type rootFlags struct {
	config   string
	dataDir  string
	mode     string
	logLevel string
}

func main() {
	var flags rootFlags

	rootCmd := &cobra.Command{
		Use:   "zenohd",
		Short: "Zenoh unicast node",
		Long: `zenohd opens zenoh sessions over TCP and WebSocket links.

It listens for and dials peers, negotiates sessions, keeps their
leases alive and publishes or logs Put samples.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.config, "config", "c", "", "path to config file (default ~/.zenoh/config.toml)")
	pf.StringVar(&flags.dataDir, "data-dir", "", "data directory (overrides config)")
	pf.StringVar(&flags.mode, "mode", "", "router, peer or client (overrides config)")
	pf.StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error (overrides config)")

	rootCmd.AddCommand(
		listenCmd(&flags),
		connectCmd(&flags),
		idCmd(&flags),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "zenohd: %s\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "zenohd %s (%s)\n", version, commit)
		},
	}
}
