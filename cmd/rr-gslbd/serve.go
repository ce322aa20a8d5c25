package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haukened/rr-gslb/internal/dns/common/log"
	"github.com/haukened/rr-gslb/internal/dns/config"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the DNS server",
		Long: `Load the configured zones and GeoMetricDB files and answer queries
over UDP and TCP until SIGINT or SIGTERM. SIGHUP reloads the zones.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}
			if err := log.Configure(cfg.Env, cfg.LogLevel); err != nil {
				return fmt.Errorf("logging configuration error: %w", err)
			}

			log.Info(map[string]any{
				"version":   Version,
				"env":       cfg.Env,
				"log_level": cfg.LogLevel,
				"port":      cfg.Port,
				"zones":     len(cfg.Zones),
			}, "Starting rr-gslbd")

			app, err := buildApplication(cfg, log.GetLogger())
			if err != nil {
				return fmt.Errorf("failed to build application: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := app.Run(ctx); err != nil {
				return err
			}
			log.Info(nil, "rr-gslbd stopped gracefully")
			return nil
		},
	}
}
