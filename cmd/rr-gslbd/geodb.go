package main

import (
	"fmt"
	"net/netip"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/haukened/rr-gslb/internal/dns/repos/geodb"
)

func newGeoDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "geodb",
		Short: "Build and inspect GeoMetricDB files",
	}
	cmd.AddCommand(newGeoDBBuildCmd(), newGeoDBLookupCmd(), newGeoDBDumpCmd())
	return cmd
}

func newGeoDBBuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "build SOURCE.yaml OUTPUT",
		Short: "Compile a YAML source into a GeoMetricDB file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			src, err := geodb.ReadSource(f)
			if err != nil {
				return err
			}
			if err := geodb.WriteFile(args[1], src); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s: IPv%d, %d datacenters, %d records\n",
				args[1], src.Family, len(src.Datacenters), len(src.Records))
			return nil
		},
	}
}

func newGeoDBLookupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lookup FILE ADDRESS...",
		Short: "Show the datacenter metrics a GeoMetricDB holds for addresses",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := geodb.Open(args[0], 0)
			if err != nil {
				return err
			}
			defer t.Close()

			out := cmd.OutOrStdout()
			for _, a := range args[1:] {
				addr, err := netip.ParseAddr(a)
				if err != nil {
					return err
				}
				loc := t.Locate(addr)
				fmt.Fprintf(out, "%s: %s", addr, loc.Status)
				if loc.Status != geodb.NotFound {
					fmt.Fprintf(out, " /%d", loc.MaskLen)
				}
				for _, m := range loc.Metrics {
					fmt.Fprintf(out, " %s=%d", m.Datacenter, m.Value)
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
}

func newGeoDBDumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump FILE",
		Short: "Print a GeoMetricDB file as a YAML source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := geodb.Open(args[0], 0)
			if err != nil {
				return err
			}
			defer t.Close()
			src, err := geodb.Describe(t)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			defer enc.Close()
			return enc.Encode(src)
		},
	}
}
