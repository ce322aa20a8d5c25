package glb

import (
	"context"
	"math/rand/v2"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/rr-gslb/internal/dns/common/log"
	"github.com/haukened/rr-gslb/internal/dns/domain"
	"github.com/haukened/rr-gslb/internal/dns/repos/geodb"
	"github.com/haukened/rr-gslb/internal/dns/repos/health"
	"github.com/haukened/rr-gslb/internal/dns/repos/zonedb"
)

type fakeLocator struct{ loc geodb.Location }

func (f *fakeLocator) Locate(netip.Addr) geodb.Location { return f.loc }

func located(metrics ...geodb.Metric) *fakeLocator {
	return &fakeLocator{loc: geodb.Location{Status: geodb.Found, MaskLen: 24, Metrics: metrics}}
}

type countingStats struct {
	glb, noLocation, failover, failoverFail int
}

func (c *countingStats) GLB(zonedb.Steering) { c.glb++ }
func (c *countingStats) NoLocation()         { c.noLocation++ }
func (c *countingStats) Failover()           { c.failover++ }
func (c *countingStats) FailoverFail()       { c.failoverFail++ }

var probe = &zonedb.ProbeSpec{Interval: time.Second, Program: "tcp", Args: []string{"80"}}

func addr(label, ip string) zonedb.Record {
	a := netip.MustParseAddr(ip)
	t := domain.RRTypeA
	if a.Is6() {
		t = domain.RRTypeAAAA
	}
	return zonedb.Record{Kind: zonedb.KindAddress, Type: t, TTL: 60, Label: label, Data: a.AsSlice(), Probe: probe}
}

func mm(label, target, dc string, weight float64, failover string) zonedb.Record {
	return zonedb.Record{Kind: zonedb.KindGLBMetric, TTL: 60, Label: label, Target: target,
		GLB: zonedb.GLBData{Datacenter: dc, Weight: weight, FailoverName: failover}}
}

func glbRec(kind zonedb.Kind, label, target string, weight float64) zonedb.Record {
	return zonedb.Record{Kind: kind, TTL: 60, Label: label, Target: target, GLB: zonedb.GLBData{Weight: weight}}
}

type fixture struct {
	db    *zonedb.DB
	state *health.State
	stats *countingStats
}

func newFixture(t *testing.T, recs ...zonedb.Record) *fixture {
	t.Helper()
	state, err := health.New(log.NewNoopLogger(), nil)
	require.NoError(t, err)
	for _, dc := range []string{"east", "west", "north"} {
		require.NoError(t, state.RegisterDatacenter(dc))
	}

	b := zonedb.NewBuilder(state, nil)
	zb, err := b.AddZone("example.com", "test")
	require.NoError(t, err)
	base := []zonedb.Record{
		{Kind: zonedb.KindSOA, Type: domain.RRTypeSOA, TTL: 60, SOA: zonedb.SOAData{MName: "ns1", RName: "hostmaster", Serial: 1}},
		{Kind: zonedb.KindName, Type: domain.RRTypeNS, TTL: 60, Target: "ns1"},
		{Kind: zonedb.KindAddress, Type: domain.RRTypeA, TTL: 60, Label: "ns1", Data: []byte{192, 0, 2, 53}},
		addr("east", "192.0.2.1"),
		addr("west", "192.0.2.2"),
		addr("north", "192.0.2.3"),
		addr("sorry", "192.0.2.99"),
		addr("v6", "2001:db8::1"),
	}
	for _, r := range append(base, recs...) {
		_, err := zb.Insert(r)
		require.NoError(t, err)
	}
	require.NoError(t, zb.Finish())
	db, err := b.Build()
	require.NoError(t, err)
	return &fixture{db: db, state: state, stats: &countingStats{}}
}

func (f *fixture) set(t *testing.T, label string) *zonedb.RecordSet {
	t.Helper()
	s, _ := f.db.Resolve(label + ".example.com.")
	require.NotNil(t, s)
	return s
}

// down marks every probed record of label down.
func (f *fixture) down(t *testing.T, label string) {
	t.Helper()
	for _, id := range f.set(t, label).Records() {
		require.True(t, f.state.SetRecordStatus(f.db.Record(id).ProbeID(), false))
	}
}

func (f *fixture) resolver(loc Locator, rnd func() float64) *Resolver {
	return NewResolver(Options{Locator: loc, Maintenance: f.state, Stats: f.stats, Rand: rnd})
}

func (f *fixture) selectLabel(t *testing.T, r *Resolver, label string, qtype domain.RRType) (string, Decision) {
	t.Helper()
	d, err := r.Select(context.Background(), f.db, f.set(t, label), qtype, netip.MustParseAddr("198.51.100.7"))
	require.NoError(t, err)
	if d.Target == zonedb.NoSet {
		return "", d
	}
	return f.db.Set(d.Target).Label(), d
}

func metricSet(failover string) []zonedb.Record {
	return []zonedb.Record{
		mm("lb", "east", "east", 1, failover),
		mm("lb", "west", "west", 1, failover),
		mm("lb", "north", "north", 1, failover),
	}
}

func TestMetricClosestWins(t *testing.T) {
	f := newFixture(t, metricSet("")...)
	r := f.resolver(located(
		geodb.Metric{Datacenter: "east", Value: 10},
		geodb.Metric{Datacenter: "west", Value: 20},
		geodb.Metric{Datacenter: "north", Value: 30},
	), nil)

	got, d := f.selectLabel(t, r, "lb", domain.RRTypeA)
	assert.Equal(t, "east", got)
	assert.Equal(t, FlagLocated, d.Flags)
	assert.Equal(t, uint8(24), d.Scope)
	assert.Equal(t, 1, f.stats.glb)
	assert.Zero(t, f.stats.failover)
}

func TestMetricWeightScalesMetric(t *testing.T) {
	f := newFixture(t,
		mm("lb", "east", "east", 1, ""),
		mm("lb", "west", "west", 2, ""),
	)
	r := f.resolver(located(
		geodb.Metric{Datacenter: "east", Value: 30},
		geodb.Metric{Datacenter: "west", Value: 40},
	), nil)

	got, _ := f.selectLabel(t, r, "lb", domain.RRTypeA)
	assert.Equal(t, "west", got, "40/2 beats 30/1")
}

func TestMetricNextBestSkipsMaintenance(t *testing.T) {
	f := newFixture(t,
		mm("lb", "east", "east", 1, ""),
		mm("lb", "west", "west", 1, ""),
	)
	require.True(t, f.state.SetMaintenance("east", true))
	r := f.resolver(located(
		geodb.Metric{Datacenter: "east", Value: 10},
		geodb.Metric{Datacenter: "west", Value: 20},
	), nil)

	for i := 0; i < 50; i++ {
		got, d := f.selectLabel(t, r, "lb", domain.RRTypeA)
		require.Equal(t, "west", got)
		assert.Equal(t, FlagLocated|FlagFailover, d.Flags)
	}
	assert.Equal(t, 50, f.stats.failover)
}

func TestMetricNextBestSkipsUnhealthy(t *testing.T) {
	f := newFixture(t, metricSet(":nextbest")...)
	f.down(t, "east")
	f.down(t, "west")
	r := f.resolver(located(
		geodb.Metric{Datacenter: "east", Value: 10},
		geodb.Metric{Datacenter: "west", Value: 20},
		geodb.Metric{Datacenter: "north", Value: 30},
	), nil)

	got, _ := f.selectLabel(t, r, "lb", domain.RRTypeA)
	assert.Equal(t, "north", got)
}

func TestMetricFailoverPolicies(t *testing.T) {
	metrics := located(
		geodb.Metric{Datacenter: "east", Value: 10},
		geodb.Metric{Datacenter: "west", Value: 20},
		geodb.Metric{Datacenter: "north", Value: 30},
	)

	t.Run("rrall spreads over the rest", func(t *testing.T) {
		f := newFixture(t, metricSet(":rrall")...)
		require.True(t, f.state.SetMaintenance("east", true))
		r := f.resolver(metrics, rand.New(rand.NewPCG(1, 2)).Float64)
		seen := map[string]int{}
		for i := 0; i < 400; i++ {
			got, _ := f.selectLabel(t, r, "lb", domain.RRTypeA)
			seen[got]++
		}
		assert.Zero(t, seen["east"])
		assert.Greater(t, seen["west"], 100)
		assert.Greater(t, seen["north"], 100)
	})

	t.Run("rrgood keeps at least two", func(t *testing.T) {
		f := newFixture(t, metricSet(":rrgood")...)
		require.True(t, f.state.SetMaintenance("east", true))
		r := f.resolver(metrics, rand.New(rand.NewPCG(3, 4)).Float64)
		seen := map[string]int{}
		for i := 0; i < 400; i++ {
			got, _ := f.selectLabel(t, r, "lb", domain.RRTypeA)
			seen[got]++
		}
		assert.Zero(t, seen["east"])
		assert.Greater(t, seen["west"], 100)
		assert.Greater(t, seen["north"], 100)
	})

	t.Run("specify names a datacenter", func(t *testing.T) {
		f := newFixture(t,
			mm("lb", "east", "east", 1, "far"),
			mm("lb", "west", "west", 1, ""),
			mm("lb", "sorry", "far", 1, ""),
		)
		require.True(t, f.state.SetMaintenance("east", true))
		r := f.resolver(metrics, nil)
		got, _ := f.selectLabel(t, r, "lb", domain.RRTypeA)
		assert.Equal(t, "sorry", got, "not the next best west")
	})

	t.Run("specify names a set", func(t *testing.T) {
		f := newFixture(t,
			mm("lb", "east", "east", 1, "sorry"),
			mm("lb", "west", "west", 1, ""),
		)
		require.True(t, f.state.SetMaintenance("east", true))
		r := f.resolver(metrics, nil)
		got, _ := f.selectLabel(t, r, "lb", domain.RRTypeA)
		assert.Equal(t, "sorry", got)
	})
}

func TestMetricFailoverWhenAllDown(t *testing.T) {
	metrics := located(
		geodb.Metric{Datacenter: "east", Value: 10},
		geodb.Metric{Datacenter: "west", Value: 20},
		geodb.Metric{Datacenter: "north", Value: 30},
	)

	t.Run("named set with every datacenter in maintenance", func(t *testing.T) {
		f := newFixture(t,
			mm("lb", "east", "east", 1, "sorry"),
			mm("lb", "west", "west", 1, ""),
		)
		require.True(t, f.state.SetMaintenance("east", true))
		require.True(t, f.state.SetMaintenance("west", true))
		r := f.resolver(metrics, nil)

		got, d := f.selectLabel(t, r, "lb", domain.RRTypeA)
		assert.Equal(t, "sorry", got)
		assert.Equal(t, FlagLocated|FlagFailover, d.Flags)
		assert.Zero(t, f.stats.failoverFail)
	})

	t.Run("specified datacenter with every target down", func(t *testing.T) {
		f := newFixture(t,
			mm("lb", "east", "east", 1, "far"),
			mm("lb", "west", "west", 1, ""),
			mm("lb", "sorry", "far", 1, ""),
		)
		f.down(t, "east")
		f.down(t, "west")
		r := f.resolver(metrics, nil)

		got, d := f.selectLabel(t, r, "lb", domain.RRTypeA)
		assert.Equal(t, "sorry", got)
		assert.Equal(t, FlagLocated|FlagFailover, d.Flags)
	})

	t.Run("nextbest with nothing live still fails", func(t *testing.T) {
		f := newFixture(t, metricSet("")...)
		for _, dc := range []string{"east", "west", "north"} {
			require.True(t, f.state.SetMaintenance(dc, true))
		}
		r := f.resolver(metrics, nil)

		got, d := f.selectLabel(t, r, "lb", domain.RRTypeA)
		assert.Empty(t, got)
		assert.Equal(t, FlagLocated|FlagFailover|FlagFailed, d.Flags)
	})
}

func TestMetricLastResort(t *testing.T) {
	f := newFixture(t,
		mm("lb", "east", "east", 1, ""),
		mm("lb", "west", "west", 1, ""),
		mm("lb", "sorry", zonedb.DatacenterLastResort, 1, ""),
	)
	require.True(t, f.state.SetMaintenance("east", true))
	require.True(t, f.state.SetMaintenance("west", true))
	r := f.resolver(located(
		geodb.Metric{Datacenter: "east", Value: 10},
		geodb.Metric{Datacenter: "west", Value: 20},
	), nil)

	got, d := f.selectLabel(t, r, "lb", domain.RRTypeA)
	assert.Equal(t, "sorry", got)
	assert.Equal(t, FlagLocated|FlagFailover, d.Flags)
	assert.Zero(t, f.stats.failoverFail)
}

func TestMetricExhausted(t *testing.T) {
	f := newFixture(t,
		mm("lb", "east", "east", 1, ""),
		mm("lb", "west", "west", 1, ""),
	)
	f.down(t, "east")
	f.down(t, "west")
	r := f.resolver(located(
		geodb.Metric{Datacenter: "east", Value: 10},
		geodb.Metric{Datacenter: "west", Value: 20},
	), nil)

	got, d := f.selectLabel(t, r, "lb", domain.RRTypeA)
	assert.Empty(t, got)
	assert.Equal(t, zonedb.NoSet, d.Target)
	assert.Equal(t, FlagLocated|FlagFailover|FlagFailed, d.Flags)
	assert.Equal(t, 1, f.stats.failoverFail)
}

func TestMetricUnlocated(t *testing.T) {
	notFound := &fakeLocator{loc: geodb.Location{Status: geodb.NotFound}}

	t.Run("unknown record", func(t *testing.T) {
		f := newFixture(t,
			mm("lb", "east", "east", 1, ""),
			mm("lb", "sorry", zonedb.DatacenterUnknown, 1, ""),
		)
		got, d := f.selectLabel(t, f.resolver(notFound, nil), "lb", domain.RRTypeA)
		assert.Equal(t, "sorry", got)
		assert.Zero(t, d.Flags&FlagLocated)
		assert.Equal(t, 1, f.stats.noLocation)
	})

	t.Run("first healthy match", func(t *testing.T) {
		f := newFixture(t, metricSet("")...)
		f.down(t, "east")
		got, _ := f.selectLabel(t, f.resolver(notFound, nil), "lb", domain.RRTypeA)
		assert.Equal(t, "west", got)
	})

	t.Run("unknown flag counts as unlocated", func(t *testing.T) {
		f := newFixture(t, metricSet("")...)
		got, _ := f.selectLabel(t, f.resolver(&fakeLocator{loc: geodb.Location{Status: geodb.Unknown}}, nil), "lb", domain.RRTypeA)
		assert.Equal(t, "east", got)
	})

	t.Run("no locator", func(t *testing.T) {
		f := newFixture(t, metricSet("")...)
		got, _ := f.selectLabel(t, f.resolver(nil, nil), "lb", domain.RRTypeA)
		assert.Equal(t, "east", got)
	})

	t.Run("nothing healthy", func(t *testing.T) {
		f := newFixture(t, metricSet("")...)
		for _, l := range []string{"east", "west", "north"} {
			f.down(t, l)
		}
		_, d := f.selectLabel(t, f.resolver(notFound, nil), "lb", domain.RRTypeA)
		assert.Equal(t, zonedb.NoSet, d.Target)
		assert.Equal(t, FlagFailed, d.Flags)
		assert.Equal(t, 1, f.stats.failoverFail)
	})
}

func TestMaintenanceVisibility(t *testing.T) {
	f := newFixture(t, metricSet("")...)
	r := f.resolver(located(
		geodb.Metric{Datacenter: "east", Value: 10},
		geodb.Metric{Datacenter: "west", Value: 20},
	), nil)

	got, _ := f.selectLabel(t, r, "lb", domain.RRTypeA)
	assert.Equal(t, "east", got)

	require.True(t, f.state.SetMaintenance("east", true))
	got, _ = f.selectLabel(t, r, "lb", domain.RRTypeA)
	assert.Equal(t, "west", got)

	require.True(t, f.state.SetMaintenance("east", false))
	got, _ = f.selectLabel(t, r, "lb", domain.RRTypeA)
	assert.Equal(t, "east", got)
}

func TestTypeCompatibility(t *testing.T) {
	f := newFixture(t,
		mm("lb", "east", "east", 1, ""),
		mm("lb", "v6", "west", 1, ""),
	)
	r := f.resolver(located(
		geodb.Metric{Datacenter: "east", Value: 10},
		geodb.Metric{Datacenter: "west", Value: 20},
	), nil)

	got, d := f.selectLabel(t, r, "lb", domain.RRTypeAAAA)
	assert.Equal(t, "v6", got, "the closer datacenter has no AAAA")
	assert.Equal(t, FlagLocated, d.Flags)

	got, _ = f.selectLabel(t, r, "lb", domain.RRTypeANY)
	assert.Equal(t, "east", got)

	_, d = f.selectLabel(t, r, "lb", domain.RRTypeMX)
	assert.Equal(t, zonedb.NoSet, d.Target)
	assert.Zero(t, d.Flags)
	assert.Equal(t, 2, f.stats.glb, "unsteered types are not counted")
}

func TestWeightedConvergence(t *testing.T) {
	f := newFixture(t,
		glbRec(zonedb.KindGLBWeighted, "rr", "east", 1),
		glbRec(zonedb.KindGLBWeighted, "rr", "west", 3),
	)
	r := f.resolver(nil, rand.New(rand.NewPCG(42, 7)).Float64)

	const trials = 20000
	west := 0
	for i := 0; i < trials; i++ {
		got, _ := f.selectLabel(t, r, "rr", domain.RRTypeA)
		if got == "west" {
			west++
		}
	}
	assert.InDelta(t, 0.75, float64(west)/trials, 0.02)
}

func TestWeightedSkipsUnusable(t *testing.T) {
	f := newFixture(t,
		glbRec(zonedb.KindGLBWeighted, "rr", "east", 1),
		glbRec(zonedb.KindGLBWeighted, "rr", "west", 3),
		glbRec(zonedb.KindGLBWeighted, "rr", "v6", 3),
	)
	f.down(t, "west")
	r := f.resolver(nil, rand.New(rand.NewPCG(1, 1)).Float64)
	for i := 0; i < 100; i++ {
		got, _ := f.selectLabel(t, r, "rr", domain.RRTypeA)
		require.Equal(t, "east", got)
	}

	f.down(t, "east")
	_, d := f.selectLabel(t, r, "rr", domain.RRTypeA)
	assert.Equal(t, FlagFailed, d.Flags)
}

func TestHashSticky(t *testing.T) {
	f := newFixture(t,
		glbRec(zonedb.KindGLBHash, "h", "east", 0),
		glbRec(zonedb.KindGLBHash, "h", "west", 0),
		glbRec(zonedb.KindGLBHash, "h", "north", 0),
	)
	r := f.resolver(nil, nil)
	set := f.set(t, "h")

	seen := map[zonedb.SetID]int{}
	for i := 0; i < 256; i++ {
		client := netip.AddrFrom4([4]byte{10, 0, byte(i), 1})
		first, err := r.Select(context.Background(), f.db, set, domain.RRTypeA, client)
		require.NoError(t, err)
		again, err := r.Select(context.Background(), f.db, set, domain.RRTypeA, client)
		require.NoError(t, err)
		require.Equal(t, first.Target, again.Target)
		seen[first.Target]++
	}
	assert.Len(t, seen, 3)

	f.down(t, "west")
	westID := f.set(t, "west").ID()
	for i := 0; i < 256; i++ {
		d, err := r.Select(context.Background(), f.db, set, domain.RRTypeA, netip.AddrFrom4([4]byte{10, 0, byte(i), 1}))
		require.NoError(t, err)
		require.NotEqual(t, westID, d.Target)
	}
}

func TestSelectCanceled(t *testing.T) {
	f := newFixture(t, metricSet("")...)
	r := f.resolver(located(geodb.Metric{Datacenter: "east", Value: 10}), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Select(ctx, f.db, f.set(t, "lb"), domain.RRTypeA, netip.MustParseAddr("192.0.2.200"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFlagsString(t *testing.T) {
	assert.Equal(t, "", Flags(0).String())
	assert.Equal(t, "located,failover,failed", (FlagLocated | FlagFailover | FlagFailed).String())
}
