package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haukened/rr-gslb/internal/dns/common/log"
	"github.com/haukened/rr-gslb/internal/dns/common/utils"
	"github.com/haukened/rr-gslb/internal/dns/config"
	"github.com/haukened/rr-gslb/internal/dns/repos/geodb"
	"github.com/haukened/rr-gslb/internal/dns/repos/health"
	"github.com/haukened/rr-gslb/internal/dns/repos/zone"
	"github.com/haukened/rr-gslb/internal/dns/repos/zonedb"
)

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check [name=path ...]",
		Short: "Parse zone files without serving them",
		Long: `Load the given zones, or the configured ones when none are given,
and report errors with file and line. GLB:MM datacenters are checked
against the GeoMetricDB files when any are given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			v4, _ := cmd.Flags().GetString("geodb-ipv4")
			v6, _ := cmd.Flags().GetString("geodb-ipv6")

			specs := args
			if len(specs) == 0 {
				cfg, err := config.Load()
				if err != nil {
					return fmt.Errorf("configuration error: %w", err)
				}
				specs = cfg.Zones
				if v4 == "" && v6 == "" {
					v4, v6 = cfg.GeoDBIPv4, cfg.GeoDBIPv6
				}
			}
			zones := make([]zone.Config, 0, len(specs))
			for _, s := range specs {
				zc, err := zone.ParseConfig(s)
				if err != nil {
					return err
				}
				zones = append(zones, zc)
			}
			if len(zones) == 0 {
				return fmt.Errorf("no zones to check")
			}

			logger := log.NewNoopLogger()
			state, err := health.New(logger, nil)
			if err != nil {
				return err
			}
			var dcs zonedb.DatacenterValidator
			if v4 != "" || v6 != "" {
				geo := geodb.NewManager(logger, state, geodb.Options{})
				defer geo.Close()
				for family, path := range map[int]string{4: v4, 6: v6} {
					if path == "" {
						continue
					}
					if err := geo.Load(family, path); err != nil {
						return err
					}
				}
				dcs = geo
			}

			db, err := zone.Load(zones, state, dcs)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, zc := range zones {
				z := db.FindZone(utils.CanonicalDNSName(zc.Name))
				if z == nil {
					continue
				}
				fmt.Fprintf(out, "%s: %s, %d names\n", z.Name(), zc.Path, len(z.Sets()))
			}
			fmt.Fprintf(out, "ok: %d zones, %d records, %d probes\n", db.ZoneCount(), db.RecordCount(), len(db.Probed()))
			return nil
		},
	}
	cmd.Flags().String("geodb-ipv4", "", "IPv4 GeoMetricDB used to validate datacenters")
	cmd.Flags().String("geodb-ipv6", "", "IPv6 GeoMetricDB used to validate datacenters")
	return cmd
}
