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

const appName = "rr-gslbd"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   appName,
		Short: "Authoritative DNS server with global load balancing",
		Long: `rr-gslbd serves authoritative DNS from zone files and steers
GLB names to the closest healthy datacenter using a GeoMetricDB.

Configuration comes from DNS_* environment variables and an optional
file named by DNS_CONFIG_FILE.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(fmt.Sprintf(
		"%s version %s\nCommit: %s\nBuilt: %s\n",
		appName, Version, Commit, BuildTime,
	))

	root.AddCommand(newServeCmd())
	root.AddCommand(newCheckCmd())
	root.AddCommand(newGeoDBCmd())
	root.AddCommand(newQueryCmd())
	return root
}
