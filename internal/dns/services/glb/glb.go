// Package glb picks the record set a steered name answers with.
package glb

import (
	"context"
	"math/rand/v2"
	"net/netip"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/haukened/rr-gslb/internal/dns/domain"
	"github.com/haukened/rr-gslb/internal/dns/repos/geodb"
	"github.com/haukened/rr-gslb/internal/dns/repos/zonedb"
)

// Locator maps a client address to per-datacenter metrics.
type Locator interface {
	Locate(addr netip.Addr) geodb.Location
}

// Maintenance reports datacenters taken out of rotation.
type Maintenance interface {
	InMaintenance(dc string) bool
}

// Stats receives steering counters.
type Stats interface {
	GLB(s zonedb.Steering)
	NoLocation()
	Failover()
	FailoverFail()
}

// Flags describe how a decision was reached.
type Flags uint8

const (
	// FlagLocated is set when the client was found in the metric table.
	FlagLocated Flags = 1 << iota
	// FlagFailover is set when the preferred datacenter could not be used.
	FlagFailover
	// FlagFailed is set when no target could be chosen at all.
	FlagFailed
)

func (f Flags) String() string {
	var parts []string
	if f&FlagLocated != 0 {
		parts = append(parts, "located")
	}
	if f&FlagFailover != 0 {
		parts = append(parts, "failover")
	}
	if f&FlagFailed != 0 {
		parts = append(parts, "failed")
	}
	return strings.Join(parts, ",")
}

// Decision is the outcome of one selection. Target is zonedb.NoSet when
// nothing should be answered.
type Decision struct {
	Target zonedb.SetID
	// Scope is the prefix length of the matched table entry, meaningful
	// only with FlagLocated.
	Scope uint8
	Flags Flags
}

// Options configures a Resolver. Locator, Maintenance and Stats may be nil.
type Options struct {
	Locator     Locator
	Maintenance Maintenance
	Stats       Stats
	// Rand returns a value in [0,1). Defaults to math/rand/v2.
	Rand func() float64
}

// Resolver runs the steering algorithms. It holds no per-request state and
// is safe for concurrent use.
type Resolver struct {
	locator Locator
	maint   Maintenance
	stats   Stats
	rand    func() float64
}

func NewResolver(opts Options) *Resolver {
	r := &Resolver{
		locator: opts.Locator,
		maint:   opts.Maintenance,
		stats:   opts.Stats,
		rand:    opts.Rand,
	}
	if r.stats == nil {
		r.stats = nopStats{}
	}
	if r.rand == nil {
		r.rand = rand.Float64
	}
	return r
}

// Steered reports whether qtype goes through steering at all. Other types
// get no answer from a steered set.
func Steered(qtype domain.RRType) bool {
	switch qtype {
	case domain.RRTypeA, domain.RRTypeAAAA, domain.RRTypeCNAME, domain.RRTypeANY:
		return true
	}
	return false
}

// Select chooses the target set answering qtype for client. client is the
// EDNS client subnet address when present, else the source address.
func (r *Resolver) Select(ctx context.Context, db *zonedb.DB, set *zonedb.RecordSet, qtype domain.RRType, client netip.Addr) (Decision, error) {
	none := Decision{Target: zonedb.NoSet}
	if !Steered(qtype) {
		return none, nil
	}
	r.stats.GLB(set.Steering())

	switch set.Steering() {
	case zonedb.SteerWeighted:
		return r.weighted(ctx, db, set, qtype)
	case zonedb.SteerMetric:
		return r.metric(ctx, db, set, qtype, client)
	case zonedb.SteerHash:
		return r.hash(ctx, db, set, qtype, client)
	case zonedb.SteerNone:
	}
	return none, nil
}

// usable reports whether target has a record of a compatible type, and
// whether one of those is healthy.
func usable(db *zonedb.DB, target zonedb.SetID, qtype domain.RRType) (typeOK, healthy bool) {
	if target == zonedb.NoSet {
		return false, false
	}
	for _, id := range db.Set(target).Records() {
		rec := db.Record(id)
		if !rec.CanSatisfy(qtype) {
			continue
		}
		typeOK = true
		if rec.Healthy() {
			return true, true
		}
	}
	return typeOK, false
}

// weighted draws one healthy compatible target with probability
// proportional to its weight, in a single reservoir pass.
func (r *Resolver) weighted(ctx context.Context, db *zonedb.DB, set *zonedb.RecordSet, qtype domain.RRType) (Decision, error) {
	d := Decision{Target: zonedb.NoSet}
	var total float64
	for _, id := range set.Records() {
		if err := ctx.Err(); err != nil {
			return d, err
		}
		g := &db.Record(id).GLB
		if g.Special() {
			continue
		}
		if _, ok := usable(db, g.TargetSet(), qtype); !ok {
			continue
		}
		total += g.Weight
		if r.rand() < g.Weight/total {
			d.Target = g.TargetSet()
		}
	}
	if d.Target == zonedb.NoSet {
		r.stats.FailoverFail()
		d.Flags |= FlagFailed
	}
	return d, nil
}

// hash maps the client onto the healthy compatible targets in zone file
// order, so a client keeps its answer while the candidate list is stable.
func (r *Resolver) hash(ctx context.Context, db *zonedb.DB, set *zonedb.RecordSet, qtype domain.RRType, client netip.Addr) (Decision, error) {
	d := Decision{Target: zonedb.NoSet}
	var cands []zonedb.SetID
	for _, id := range set.Records() {
		if err := ctx.Err(); err != nil {
			return d, err
		}
		g := &db.Record(id).GLB
		if g.Special() {
			continue
		}
		if _, ok := usable(db, g.TargetSet(), qtype); ok {
			cands = append(cands, g.TargetSet())
		}
	}
	if len(cands) == 0 {
		r.stats.FailoverFail()
		d.Flags |= FlagFailed
		return d, nil
	}
	var key []byte
	if client.IsValid() {
		key = client.Unmap().AsSlice()
	}
	d.Target = cands[xxhash.Sum64(key)%uint64(len(cands))]
	return d, nil
}

// candidate is one datacenter of the located client, in preference order.
type candidate struct {
	dc     string
	metric int
	rec    *zonedb.Record
	// live is cleared once the datacenter is known to be unusable
	live bool
}

// rank scales every metric by the weight of the matching record and sorts
// ascending. Datacenters the set has no record for keep their raw metric.
func rank(db *zonedb.DB, set *zonedb.RecordSet, metrics []geodb.Metric) []candidate {
	cands := make([]candidate, len(metrics))
	for i, m := range metrics {
		c := candidate{dc: m.Datacenter, metric: int(m.Value)}
		if id, ok := set.Datacenter(m.Datacenter); ok {
			c.rec = db.Record(id)
			c.metric = int(float64(m.Value) / c.rec.GLB.Weight)
		}
		cands[i] = c
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].metric < cands[j].metric })
	return cands
}

// metric answers from the closest usable datacenter, falling back through
// the failover policy of the closest one with a compatible record.
func (r *Resolver) metric(ctx context.Context, db *zonedb.DB, set *zonedb.RecordSet, qtype domain.RRType, client netip.Addr) (Decision, error) {
	d := Decision{Target: zonedb.NoSet}

	loc := geodb.Location{Status: geodb.NotFound}
	if r.locator != nil && client.IsValid() {
		loc = r.locator.Locate(client)
	}
	if loc.Status != geodb.Found {
		r.stats.NoLocation()
		if t := r.specify(db, set, zonedb.DatacenterUnknown, qtype); t != zonedb.NoSet {
			d.Target = t
			return d, nil
		}
		return r.firstMatch(ctx, db, set, qtype)
	}
	d.Flags |= FlagLocated
	d.Scope = uint8(loc.MaskLen)

	cands := rank(db, set, loc.Metrics)
	var best *zonedb.Record
	typeOK := false
	for i := range cands {
		if err := ctx.Err(); err != nil {
			return d, err
		}
		c := &cands[i]
		if c.rec == nil || c.rec.GLB.TargetSet() == zonedb.NoSet {
			continue
		}
		dcOK := !r.inMaintenance(c.dc)
		target := c.rec.GLB.TargetSet()
		for _, id := range db.Set(target).Records() {
			rec := db.Record(id)
			if !rec.CanSatisfy(qtype) {
				continue
			}
			typeOK = true
			ok := dcOK && rec.Healthy()
			if best == nil && ok {
				d.Target = target
				return d, nil
			}
			if best == nil {
				best = c.rec
			}
			if ok {
				c.live = true
				break
			}
		}
	}

	if typeOK {
		r.stats.Failover()
	}
	d.Flags |= FlagFailover

	// a named set or datacenter is tried even when no candidate is live
	if best != nil {
		d.Target = r.failover(db, set, best, cands, qtype)
	}
	if d.Target == zonedb.NoSet {
		d.Target = r.specify(db, set, zonedb.DatacenterLastResort, qtype)
	}
	if d.Target == zonedb.NoSet {
		if typeOK {
			r.stats.FailoverFail()
		}
		d.Flags |= FlagFailed
	}
	return d, nil
}

func (r *Resolver) inMaintenance(dc string) bool {
	return r.maint != nil && r.maint.InMaintenance(dc)
}

// failover applies the policy configured on best to the remaining live
// candidates.
func (r *Resolver) failover(db *zonedb.DB, set *zonedb.RecordSet, best *zonedb.Record, cands []candidate, qtype domain.RRType) zonedb.SetID {
	g := &best.GLB
	if fs := g.FailoverSet(); fs != zonedb.NoSet {
		if _, ok := usable(db, fs, qtype); ok {
			return fs
		}
		return zonedb.NoSet
	}

	switch g.Failover {
	case zonedb.FailoverNextBest:
		for _, c := range cands {
			if c.live {
				return c.rec.GLB.TargetSet()
			}
		}
	case zonedb.FailoverRRAll:
		return r.pick(cands, func(candidate, int) bool { return true })
	case zonedb.FailoverRRGood:
		n := len(cands)
		if n < 2 {
			return zonedb.NoSet
		}
		// keep everything within half the spread, scaled for small lists
		thold := cands[n-1].metric
		if n > 2 {
			thold = cands[0].metric + (cands[n-1].metric-cands[0].metric)*(n-1)/(n-2)/2
		}
		return r.pick(cands, func(c candidate, seen int) bool {
			return seen <= 2 || c.metric <= thold
		})
	case zonedb.FailoverSpecify:
		return r.specify(db, set, g.FailoverName, qtype)
	}
	return zonedb.NoSet
}

// pick draws uniformly among live candidates accepted by keep. seen is the
// number accepted so far.
func (r *Resolver) pick(cands []candidate, keep func(c candidate, seen int) bool) zonedb.SetID {
	chosen := zonedb.NoSet
	seen := 0
	for _, c := range cands {
		if !c.live || !keep(c, seen) {
			continue
		}
		seen++
		if r.rand() < 1/float64(seen) {
			chosen = c.rec.GLB.TargetSet()
		}
	}
	return chosen
}

// specify answers from the record for datacenter dc, if its target has a
// healthy compatible record. Maintenance is not consulted.
func (r *Resolver) specify(db *zonedb.DB, set *zonedb.RecordSet, dc string, qtype domain.RRType) zonedb.SetID {
	id, ok := set.Datacenter(dc)
	if !ok {
		return zonedb.NoSet
	}
	target := db.Record(id).GLB.TargetSet()
	if _, ok := usable(db, target, qtype); !ok {
		return zonedb.NoSet
	}
	return target
}

// firstMatch is used when the client cannot be located and no :unknown
// record exists: the first target in zone file order with a healthy
// compatible record wins.
func (r *Resolver) firstMatch(ctx context.Context, db *zonedb.DB, set *zonedb.RecordSet, qtype domain.RRType) (Decision, error) {
	d := Decision{Target: zonedb.NoSet}
	typeOK := false
	for _, id := range set.Records() {
		if err := ctx.Err(); err != nil {
			return d, err
		}
		g := &db.Record(id).GLB
		if g.Special() {
			continue
		}
		t, ok := usable(db, g.TargetSet(), qtype)
		typeOK = typeOK || t
		if ok {
			d.Target = g.TargetSet()
			return d, nil
		}
	}
	if typeOK {
		r.stats.FailoverFail()
	}
	d.Flags |= FlagFailed
	return d, nil
}

type nopStats struct{}

func (nopStats) GLB(zonedb.Steering) {}
func (nopStats) NoLocation()         {}
func (nopStats) Failover()           {}
func (nopStats) FailoverFail()       {}
