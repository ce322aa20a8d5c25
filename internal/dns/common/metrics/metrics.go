// Package metrics exposes server counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haukened/rr-gslb/internal/dns/domain"
	"github.com/haukened/rr-gslb/internal/dns/repos/zonedb"
)

const namespace = "rrgslb"

// Metrics holds every counter of one server instance on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	requests      *prometheus.CounterVec
	responses     *prometheus.CounterVec
	drops         prometheus.Counter
	edns          prometheus.Counter
	clientSubnet  prometheus.Counter
	chaos         prometheus.Counter
	glb           *prometheus.CounterVec
	failovers     prometheus.Counter
	failoverFails prometheus.Counter
	noLocation    prometheus.Counter
	probes        *prometheus.CounterVec
	reloads       *prometheus.CounterVec
	zones         prometheus.Gauge
	records       prometheus.Gauge
}

// New creates the counters and registers them, plus the Go runtime and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Queries received by transport",
		}, []string{"proto"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "Responses sent by rcode",
		}, []string{"rcode"}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_total",
			Help:      "Messages dropped without a reply",
		}),
		edns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "edns_total",
			Help:      "Queries carrying an OPT record",
		}),
		clientSubnet: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "edns_client_subnet_total",
			Help:      "Queries carrying an EDNS client subnet option",
		}),
		chaos: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chaos_total",
			Help:      "CHAOS class queries",
		}),
		glb: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "glb_selections_total",
			Help:      "Steered queries by steering kind",
		}, []string{"steering"}),
		failovers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "glb_failover_total",
			Help:      "Steered queries where the preferred datacenter was unusable",
		}),
		failoverFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "glb_failover_failed_total",
			Help:      "Steered queries left without any usable target",
		}),
		noLocation: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "glb_no_location_total",
			Help:      "Metric steered queries whose client could not be located",
		}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_results_total",
			Help:      "Health probe runs by result",
		}, []string{"result"}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reloads_total",
			Help:      "Zone and metric table reloads by source and result",
		}, []string{"what", "result"}),
		zones: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "zones",
			Help:      "Zones in the active database",
		}),
		records: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "records",
			Help:      "Records in the active database",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests, m.responses, m.drops, m.edns, m.clientSubnet, m.chaos,
		m.glb, m.failovers, m.failoverFails, m.noLocation,
		m.probes, m.reloads, m.zones, m.records,
	)
	return m
}

// Registry returns the registry the counters live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Request(p domain.Protocol) { m.requests.WithLabelValues(p.String()).Inc() }
func (m *Metrics) Response(rc domain.RCode)  { m.responses.WithLabelValues(rc.String()).Inc() }
func (m *Metrics) Drop()                     { m.drops.Inc() }
func (m *Metrics) EDNS()                     { m.edns.Inc() }
func (m *Metrics) ClientSubnet()             { m.clientSubnet.Inc() }
func (m *Metrics) Chaos()                    { m.chaos.Inc() }
func (m *Metrics) GLB(s zonedb.Steering)     { m.glb.WithLabelValues(s.String()).Inc() }
func (m *Metrics) Failover()                 { m.failovers.Inc() }
func (m *Metrics) FailoverFail()             { m.failoverFails.Inc() }
func (m *Metrics) NoLocation()               { m.noLocation.Inc() }

// Probe counts one health probe run.
func (m *Metrics) Probe(up bool) {
	result := "down"
	if up {
		result = "up"
	}
	m.probes.WithLabelValues(result).Inc()
}

// Reload counts a reload attempt of what ("zones" or "geodb").
func (m *Metrics) Reload(what string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.reloads.WithLabelValues(what, result).Inc()
}

// Loaded records the size of a newly published database.
func (m *Metrics) Loaded(zones, records int) {
	m.zones.Set(float64(zones))
	m.records.Set(float64(records))
}
