package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/rr-gslb/internal/dns/domain"
	"github.com/haukened/rr-gslb/internal/dns/repos/zonedb"
)

func TestCounters(t *testing.T) {
	m := New()

	m.Request(domain.ProtocolUDP)
	m.Request(domain.ProtocolUDP)
	m.Request(domain.ProtocolTCP)
	m.Response(domain.RCodeNXDomain)
	m.GLB(zonedb.SteerMetric)
	m.Failover()
	m.FailoverFail()
	m.NoLocation()
	m.Probe(true)
	m.Probe(false)
	m.Probe(false)
	m.Reload("zones", nil)
	m.Reload("zones", errors.New("boom"))
	m.Loaded(3, 42)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("udp")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("tcp")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.responses.WithLabelValues("NXDOMAIN")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.glb.WithLabelValues("metric")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failovers))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failoverFails))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.noLocation))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.probes.WithLabelValues("down")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reloads.WithLabelValues("zones", "error")))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.records))
}

func TestHandler(t *testing.T) {
	m := New()
	m.Drop()
	m.Chaos()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "rrgslb_dropped_total 1")
	assert.Contains(t, string(body), "rrgslb_chaos_total 1")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestInstancesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.EDNS()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.edns))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.edns))
}
