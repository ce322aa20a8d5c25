package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/haukened/rr-gslb/internal/dns/common/log"
	"github.com/haukened/rr-gslb/internal/dns/common/metrics"
	"github.com/haukened/rr-gslb/internal/dns/config"
	"github.com/haukened/rr-gslb/internal/dns/gateways/admin"
	"github.com/haukened/rr-gslb/internal/dns/gateways/probe"
	"github.com/haukened/rr-gslb/internal/dns/gateways/transport"
	"github.com/haukened/rr-gslb/internal/dns/repos/geodb"
	"github.com/haukened/rr-gslb/internal/dns/repos/health"
	"github.com/haukened/rr-gslb/internal/dns/repos/health/bolt"
	"github.com/haukened/rr-gslb/internal/dns/repos/zone"
	"github.com/haukened/rr-gslb/internal/dns/repos/zonedb"
	"github.com/haukened/rr-gslb/internal/dns/services/glb"
	"github.com/haukened/rr-gslb/internal/dns/services/resolver"
)

const (
	geodbCacheSize = 4096
)

// Application holds every long-lived component of the server. It is the
// only owner of shared state; nothing is reachable through globals.
type Application struct {
	config  *config.AppConfig
	logger  log.Logger
	zones   []zone.Config
	started time.Time

	// reloadMu serializes zone builds so the last build started is the one
	// left published.
	reloadMu sync.Mutex
	active   *zonedb.Active
	geo      *geodb.Manager
	health   *health.State
	store    *bolt.Store
	metrics  *metrics.Metrics

	resolver   *resolver.Resolver
	probes     *probe.Runner
	admin      *admin.Server
	transports []transport.ServerTransport
}

// buildApplication constructs all components and wires them together.
func buildApplication(cfg *config.AppConfig, logger log.Logger) (app *Application, err error) {
	zones, err := cfg.ZoneConfigs()
	if err != nil {
		return nil, err
	}
	if len(zones) == 0 {
		return nil, errors.New("no zones configured")
	}
	allow, err := cfg.ChaosPrefixes()
	if err != nil {
		return nil, err
	}
	cfg.ResolveHostname()

	app = &Application{
		config:  cfg,
		logger:  logger,
		zones:   zones,
		started: time.Now(),
		active:  &zonedb.Active{},
		metrics: metrics.New(),
	}
	defer func() {
		if err != nil {
			app.close()
		}
	}()

	var store health.MaintenanceStore
	if cfg.MaintDB != "" {
		app.store, err = bolt.New(cfg.MaintDB)
		if err != nil {
			return nil, fmt.Errorf("open maintenance db: %w", err)
		}
		store = app.store
	}
	app.health, err = health.New(log.WithComponent(logger, "health"), store)
	if err != nil {
		return nil, fmt.Errorf("load maintenance flags: %w", err)
	}

	app.geo = geodb.NewManager(log.WithComponent(logger, "geodb"), app.health, geodb.Options{
		CacheSize: geodbCacheSize,
		OnLoad: func(path string, err error) {
			app.metrics.Reload("geodb", err)
		},
	})
	for _, f := range []struct {
		family int
		path   string
	}{{4, cfg.GeoDBIPv4}, {6, cfg.GeoDBIPv6}} {
		if f.path == "" {
			continue
		}
		if err := app.geo.Load(f.family, f.path); err != nil {
			return nil, err
		}
	}

	if err := app.loadZones(); err != nil {
		return nil, err
	}

	selector := glb.NewResolver(glb.Options{
		Locator:     app.geo,
		Maintenance: app.health,
		Stats:       app.metrics,
	})
	app.resolver = resolver.NewResolver(resolver.ResolverOptions{
		Zones:      app.active,
		GLB:        selector,
		Logger:     logger,
		RequestLog: log.NewSampler(logger, cfg.LogPercent),
		Stats:      app.metrics,
		NSID:       []byte(cfg.NSID),
		Chaos: resolver.Chaos{
			Version:  cfg.VersionString,
			Hostname: cfg.Hostname,
			Allow:    allow,
			Status:   app.status,
			Load:     loadAverage,
		},
	})

	app.probes = probe.NewRunner(app.active, app.health, probe.Options{
		Path:        cfg.ProbePath,
		Concurrency: cfg.ProbeConcurrency,
		Logger:      log.WithComponent(logger, "probe"),
		Metrics:     app.metrics,
	})

	if cfg.AdminAddr != "" {
		app.admin = admin.NewServer(admin.Options{
			Addr:    cfg.AdminAddr,
			Health:  app.health,
			Zones:   app.active,
			Metrics: app.metrics.Handler(),
			Logger:  log.WithComponent(logger, "admin"),
		})
	}

	addr := net.JoinHostPort("", strconv.Itoa(cfg.Port))
	timeout := time.Duration(cfg.RequestTimeout) * time.Second
	for _, tt := range []struct {
		kind    transport.TransportType
		workers int
	}{{transport.TransportUDP, cfg.UDPWorkers}, {transport.TransportTCP, cfg.TCPWorkers}} {
		t, err := transport.NewTransport(tt.kind, transport.Options{
			Addr:    addr,
			Workers: tt.workers,
			Timeout: timeout,
			Logger:  log.WithComponent(logger, "transport"),
		})
		if err != nil {
			return nil, err
		}
		app.transports = append(app.transports, t)
	}
	return app, nil
}

// datacenters validates GLB:MM datacenters against the currently loaded
// GeoMetricDB tables, so a datacenter dropped by a table reload is rejected.
// Without a table nothing is checked.
func (app *Application) datacenters() zonedb.DatacenterValidator {
	if app.geo.Loaded(4) || app.geo.Loaded(6) {
		return app.geo
	}
	return nil
}

// loadZones builds a new database and publishes it. On error the previous
// database stays in service.
func (app *Application) loadZones() error {
	app.reloadMu.Lock()
	defer app.reloadMu.Unlock()

	db, err := zone.Load(app.zones, app.health, app.datacenters())
	app.metrics.Reload("zones", err)
	if err != nil {
		return err
	}
	app.active.Store(db)

	probed := db.Probed()
	ids := make([]string, 0, len(probed))
	for _, id := range probed {
		ids = append(ids, db.Record(id).ProbeID())
	}
	pruned := app.health.Prune(ids)

	app.metrics.Loaded(db.ZoneCount(), db.RecordCount())
	app.logger.Info(map[string]any{
		"zones":   db.ZoneCount(),
		"records": db.RecordCount(),
		"probes":  len(probed),
		"pruned":  pruned,
	}, "zones loaded")
	return nil
}

func (app *Application) reloadZones() {
	if err := app.loadZones(); err != nil {
		app.logger.Error(map[string]any{"error": err.Error()}, "zone reload failed, keeping previous zones")
	}
}

// status is the status.server CHAOS answer.
func (app *Application) status() string {
	db := app.active.Load()
	zones, records := 0, 0
	if db != nil {
		zones, records = db.ZoneCount(), db.RecordCount()
	}
	offline := 0
	for _, dc := range app.health.Datacenters() {
		if dc.Offline {
			offline++
		}
	}
	return fmt.Sprintf("up %s; zones %d; records %d; datacenters %d (%d offline)",
		time.Since(app.started).Truncate(time.Second), zones, records, len(app.health.Datacenters()), offline)
}

// loadAverage is the load.server CHAOS answer.
func loadAverage() string {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return fmt.Sprintf("goroutines %d", runtime.NumGoroutine())
	}
	const scale = 1 << 16
	return fmt.Sprintf("%.2f %.2f %.2f",
		float64(si.Loads[0])/scale, float64(si.Loads[1])/scale, float64(si.Loads[2])/scale)
}

// Run starts the listeners and background workers and blocks until ctx is
// canceled or a worker fails.
func (app *Application) Run(ctx context.Context) (err error) {
	g, gctx := errgroup.WithContext(ctx)

	for _, t := range app.transports {
		if err := t.Start(gctx, app.resolver); err != nil {
			return multierr.Append(err, app.shutdown())
		}
		app.logger.Info(map[string]any{"address": t.Address()}, "DNS listener started")
	}

	g.Go(func() error { return app.probes.Run(gctx) })
	if app.config.GeoDBIPv4 != "" || app.config.GeoDBIPv6 != "" {
		g.Go(func() error {
			return app.geo.Watch(gctx, time.Duration(app.config.GeoDBReload)*time.Second)
		})
	}
	if app.config.WatchZones {
		g.Go(func() error {
			return zone.Watch(gctx, app.zones, zone.DefaultDebounce, log.WithComponent(app.logger, "zones"), app.reloadZones)
		})
	}
	if app.admin != nil {
		g.Go(func() error { return app.admin.ListenAndServe(gctx) })
	}
	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				app.logger.Info(nil, "SIGHUP received, reloading zones")
				app.reloadZones()
			}
		}
	})

	<-gctx.Done()
	app.logger.Info(nil, "Shutdown initiated")
	err = multierr.Append(g.Wait(), app.shutdown())
	return err
}

// shutdown stops the listeners and releases every resource.
func (app *Application) shutdown() error {
	var err error
	for _, t := range app.transports {
		err = multierr.Append(err, t.Stop())
	}
	return multierr.Append(err, app.close())
}

func (app *Application) close() error {
	if app.geo != nil {
		app.geo.Close()
	}
	if app.store != nil {
		err := app.store.Close()
		app.store = nil
		return err
	}
	return nil
}
