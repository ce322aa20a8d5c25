package zonedb

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/multierr"

	"github.com/haukened/rr-gslb/internal/dns/common/utils"
	"github.com/haukened/rr-gslb/internal/dns/domain"
	"github.com/haukened/rr-gslb/internal/dns/repos/health"
)

// FlagSource hands out the shared health flag for a probe identity.
type FlagSource interface {
	Record(id string) *health.RecordFlag
}

// DatacenterValidator reports whether a GLB:MM datacenter is known.
type DatacenterValidator interface {
	Known(dc string) bool
}

// Builder assembles a DB from zone files. It is single use: after Build it
// must be discarded.
type Builder struct {
	db        *DB
	flags     FlagSource
	dcs       DatacenterValidator
	zoneIndex map[string]ZoneID
}

// NewBuilder returns an empty Builder. flags may be nil, in which case
// probed records are always healthy. dcs may be nil to accept any
// datacenter name.
func NewBuilder(flags FlagSource, dcs DatacenterValidator) *Builder {
	return &Builder{
		db:        &DB{exact: make(map[string]SetID)},
		flags:     flags,
		dcs:       dcs,
		zoneIndex: make(map[string]ZoneID),
	}
}

// ZoneBuilder inserts the records of one zone.
type ZoneBuilder struct {
	b    *Builder
	id   ZoneID
	sets map[setKey]SetID
}

type setKey struct {
	label    string
	wildcard bool
}

// AddZone starts a zone. name is canonicalized.
func (b *Builder) AddZone(name, file string) (*ZoneBuilder, error) {
	name = utils.CanonicalDNSName(name)
	if _, ok := b.zoneIndex[name]; ok {
		return nil, fmt.Errorf("%s: %w", name, ErrDuplicateZone)
	}
	if _, err := utils.NameWire(name); err != nil {
		return nil, fmt.Errorf("zone %s: %w", name, err)
	}
	id := ZoneID(len(b.db.zones))
	b.db.zones = append(b.db.zones, Zone{id: id, name: name, file: file, soa: NoRecord})
	b.zoneIndex[name] = id
	return &ZoneBuilder{b: b, id: id, sets: make(map[setKey]SetID)}, nil
}

func (zb *ZoneBuilder) zone() *Zone { return &zb.b.db.zones[zb.id] }

// Name returns the canonical zone name.
func (zb *ZoneBuilder) Name() string { return zb.zone().name }

// FindSet returns the non-wildcard set at label, if one was inserted.
func (zb *ZoneBuilder) FindSet(label string) (SetID, bool) {
	id, ok := zb.sets[setKey{label: label}]
	return id, ok
}

// targetLabel turns a GLB target or failover name into a zone-relative label.
func (zb *ZoneBuilder) targetLabel(name string) (string, bool) {
	if name == "@" {
		return "", true
	}
	if strings.HasSuffix(name, ".") {
		return utils.RelativeLabel(utils.CanonicalDNSName(name), zb.zone().name)
	}
	return strings.ToLower(name), true
}

func (zb *ZoneBuilder) findTarget(name string) (SetID, bool) {
	label, ok := zb.targetLabel(name)
	if !ok {
		return NoSet, false
	}
	return zb.FindSet(label)
}

// Insert adds rec to the zone, creating its record set on first use. GLB
// targets must already be inserted.
func (zb *ZoneBuilder) Insert(rec Record) (RecordID, error) {
	db := zb.b.db
	z := zb.zone()

	rec.Label = strings.ToLower(rec.Label)
	if rec.Class == 0 {
		rec.Class = domain.RRClassIN
	}
	rec.zone = zb.id
	rec.zoneName = z.name
	rec.alias = NoSet
	rec.GLB.target = NoSet
	rec.GLB.failoverSet = NoSet

	if rec.Wildcard {
		rec.owner = "*." + utils.Join(rec.Label, z.name)
	} else {
		rec.owner = utils.Join(rec.Label, z.name)
		labels, err := utils.LabelsWire(rec.Label)
		if err != nil {
			return NoRecord, fmt.Errorf("owner %q: %w", rec.Label, err)
		}
		rec.labels = labels
	}
	ownerWire, err := utils.NameWire(rec.owner)
	if err != nil {
		return NoRecord, fmt.Errorf("owner %q: %w", rec.owner, err)
	}
	rec.ownerWire = ownerWire

	if err := zb.prepare(&rec); err != nil {
		return NoRecord, err
	}

	key := setKey{label: rec.Label, wildcard: rec.Wildcard}
	sid, ok := zb.sets[key]
	if !ok {
		sid = SetID(len(db.sets))
		db.sets = append(db.sets, RecordSet{
			id:       sid,
			zone:     zb.id,
			label:    rec.Label,
			fqdn:     utils.Join(rec.Label, z.name),
			wildcard: rec.Wildcard,
			steering: rec.Kind.Steering(),
		})
		zb.sets[key] = sid
		z.sets = append(z.sets, sid)
	}
	set := &db.sets[sid]
	if set.steering != rec.Kind.Steering() {
		return NoRecord, fmt.Errorf("%s %s into %s set %s: %w",
			rec.Kind, rec.owner, set.steering, set.fqdn, ErrIncompatible)
	}

	apex := rec.Label == "" && !rec.Wildcard
	if rec.Type == domain.RRTypeNS && rec.Kind == KindName && !apex {
		rec.delegation = true
		set.delegated = true
	}
	if rec.Kind == KindSOA {
		if !apex {
			return NoRecord, fmt.Errorf("SOA at %s: %w", rec.owner, ErrBadRecord)
		}
		if z.soa != NoRecord {
			return NoRecord, fmt.Errorf("%s: %w", z.name, ErrDuplicateSOA)
		}
	}

	if rec.Probe != nil {
		label := rec.Label
		if rec.Wildcard {
			label = "*." + label
		}
		rec.probeID = strings.Join([]string{
			z.name, label, rec.Type.String(), rec.rdataText(), rec.Probe.String(),
		}, "|")
		if zb.b.flags != nil {
			rec.flag = zb.b.flags.Record(rec.probeID)
		}
	}

	rid := RecordID(len(db.records))
	rec.id = rid
	rec.set = sid
	db.records = append(db.records, rec)
	set.records = append(set.records, rid)

	if rec.Kind == KindGLBMetric {
		if set.byDC == nil {
			set.byDC = make(map[string]RecordID)
		}
		set.byDC[rec.GLB.Datacenter] = rid
	}
	if apex {
		switch {
		case rec.Kind == KindSOA:
			z.soa = rid
		case rec.Kind == KindName && rec.Type == domain.RRTypeNS:
			z.ns = append(z.ns, rid)
		}
	}
	return rid, nil
}

// prepare validates the kind specific payload and resolves names.
func (zb *ZoneBuilder) prepare(rec *Record) error {
	zone := zb.zone().name
	var err error
	switch rec.Kind {
	case KindAddress:
		switch {
		case rec.Type == domain.RRTypeA && len(rec.Data) == 4:
		case rec.Type == domain.RRTypeAAAA && len(rec.Data) == 16:
		default:
			return fmt.Errorf("%s with %d bytes of rdata: %w", rec.Type, len(rec.Data), ErrBadRecord)
		}
	case KindText:
		if len(rec.Data) == 0 || len(rec.Data) > 0xFFFF {
			return fmt.Errorf("TXT rdata length %d: %w", len(rec.Data), ErrBadRecord)
		}
	case KindName, KindMX:
		rec.target, err = NewName(rec.Target, zone)
	case KindSOA:
		if rec.SOA.mname, err = NewName(rec.SOA.MName, zone); err != nil {
			return err
		}
		rec.SOA.rname, err = NewName(rec.SOA.RName, zone)
	case KindAlias:
		rec.target, err = NewName(rec.Target, zone)
	case KindGLBWeighted, KindGLBMetric, KindGLBHash:
		err = zb.prepareGLB(rec)
	default:
		err = fmt.Errorf("%s: %w", rec.Kind, ErrBadRecord)
	}
	return err
}

func (zb *ZoneBuilder) prepareGLB(rec *Record) error {
	db := zb.b.db
	g := &rec.GLB

	sid, ok := zb.findTarget(rec.Target)
	if !ok {
		return fmt.Errorf("%s target %q: %w", rec.Kind, rec.Target, ErrUnknownTarget)
	}
	if db.sets[sid].steering != SteerNone {
		return fmt.Errorf("%s target %q is itself steered: %w", rec.Kind, rec.Target, ErrBadRecord)
	}
	g.target = sid

	if g.Weight == 0 {
		g.Weight = 1
	}
	if g.Weight < 0 {
		return fmt.Errorf("%s weight %v: %w", rec.Kind, g.Weight, ErrBadRecord)
	}
	if rec.Kind != KindGLBMetric {
		return nil
	}

	if g.Datacenter == "" {
		return fmt.Errorf("GLB:MM without datacenter: %w", ErrBadRecord)
	}
	if !zb.b.knownDatacenter(g.Datacenter) {
		return fmt.Errorf("%q: %w", g.Datacenter, ErrUnknownDatacenter)
	}

	switch g.FailoverName {
	case "", FailoverNextBest.String():
		g.Failover = FailoverNextBest
		g.FailoverName = FailoverNextBest.String()
	case FailoverRRAll.String():
		g.Failover = FailoverRRAll
	case FailoverRRGood.String():
		g.Failover = FailoverRRGood
	default:
		g.Failover = FailoverSpecify
		if fs, ok := zb.findTarget(g.FailoverName); ok {
			g.failoverSet = fs
		} else if !zb.b.knownDatacenter(g.FailoverName) {
			return fmt.Errorf("failover %q: %w", g.FailoverName, ErrUnknownTarget)
		}
	}
	return nil
}

func (b *Builder) knownDatacenter(dc string) bool {
	return IsSpecialDatacenter(dc) || b.dcs == nil || b.dcs.Known(dc)
}

// Finish checks the apex and attaches same-zone address glue to NS, CNAME
// and MX records.
func (zb *ZoneBuilder) Finish() error {
	db := zb.b.db
	z := zb.zone()
	if z.soa == NoRecord {
		return fmt.Errorf("%s: %w", z.name, ErrMissingSOA)
	}
	if len(z.ns) == 0 {
		return fmt.Errorf("%s: %w", z.name, ErrMissingNS)
	}

	for _, sid := range z.sets {
		for _, rid := range db.sets[sid].records {
			r := &db.records[rid]
			glued := r.Kind == KindMX ||
				(r.Kind == KindName && (r.Type == domain.RRTypeNS || r.Type == domain.RRTypeCNAME))
			if !glued || !r.target.InZone() {
				continue
			}
			label, _ := utils.RelativeLabel(r.target.FQDN, z.name)
			tid, ok := zb.FindSet(label)
			if !ok {
				continue
			}
			for _, gid := range db.sets[tid].records {
				g := &db.records[gid]
				if g.Kind == KindAddress && g.Class == domain.RRClassIN {
					r.additional = append(r.additional, gid)
				}
			}
		}
	}
	return nil
}

// Build indexes every zone and returns the finished DB. Delegated sets are
// dropped when the delegated zone is loaded here too, and otherwise answer
// for everything below the delegation point.
func (b *Builder) Build() (*DB, error) {
	db := b.db
	b.db = nil

	db.byLength = make([]ZoneID, len(db.zones))
	for i := range db.zones {
		db.byLength[i] = ZoneID(i)
	}
	sort.SliceStable(db.byLength, func(i, j int) bool {
		return len(db.zones[db.byLength[i]].name) > len(db.zones[db.byLength[j]].name)
	})

	for _, zid := range db.byLength {
		for _, sid := range db.zones[zid].sets {
			s := &db.sets[sid]
			switch {
			case s.wildcard:
				db.wild = append(db.wild, sid)
			case s.delegated:
				if _, hosted := b.zoneIndex[s.fqdn]; hosted {
					continue
				}
				s.promoted = true
				db.wild = append(db.wild, sid)
			default:
				// a name hosted by a more specific zone wins
				if _, dup := db.exact[s.fqdn]; !dup {
					db.exact[s.fqdn] = sid
				}
			}
		}
	}
	sort.SliceStable(db.wild, func(i, j int) bool {
		a, c := &db.sets[db.wild[i]], &db.sets[db.wild[j]]
		return utils.CountLabels(a.fqdn) > utils.CountLabels(c.fqdn)
	})

	var errs error
	seen := make(map[string]bool)
	for i := range db.records {
		r := &db.records[i]
		if r.Kind == KindAlias {
			if err := db.resolveAlias(r); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", r.Source, err))
			}
		}
		if r.probeID != "" && !seen[r.probeID] {
			seen[r.probeID] = true
			db.probes = append(db.probes, r.id)
		}
	}
	if errs != nil {
		return nil, errs
	}
	return db, nil
}

func (db *DB) resolveAlias(r *Record) error {
	target, _ := db.Resolve(r.target.FQDN)
	if target == nil {
		return fmt.Errorf("alias %s: %w", r.target.FQDN, ErrUnknownTarget)
	}
	if target.steering != SteerNone || target.delegated {
		return fmt.Errorf("alias %s: %w", r.target.FQDN, ErrAliasTarget)
	}
	for _, rid := range target.records {
		if db.records[rid].Kind == KindAlias {
			return fmt.Errorf("alias %s: %w", r.target.FQDN, ErrAliasChain)
		}
	}
	r.alias = target.id
	return nil
}
