package zonedb

import (
	"sync/atomic"

	"github.com/haukened/rr-gslb/internal/dns/common/utils"
)

// RecordSet groups the records sharing an owner and wildcard flag. All of
// its records have the same Steering.
type RecordSet struct {
	id       SetID
	zone     ZoneID
	label    string
	fqdn     string
	wildcard bool
	steering Steering
	records  []RecordID

	// delegated is set when the set holds NS records below the zone apex
	delegated bool
	// promoted delegations answer for their own name as well as below it
	promoted bool
	// byDC indexes GLB:MM records by datacenter
	byDC map[string]RecordID
}

func (s *RecordSet) ID() SetID           { return s.id }
func (s *RecordSet) Zone() ZoneID        { return s.zone }
func (s *RecordSet) Label() string       { return s.label }
func (s *RecordSet) FQDN() string        { return s.fqdn }
func (s *RecordSet) Wildcard() bool      { return s.wildcard }
func (s *RecordSet) Steering() Steering  { return s.steering }
func (s *RecordSet) Records() []RecordID { return s.records }
func (s *RecordSet) Delegated() bool     { return s.delegated }

// Datacenter returns the GLB:MM record for dc.
func (s *RecordSet) Datacenter(dc string) (RecordID, bool) {
	id, ok := s.byDC[dc]
	return id, ok
}

// matches reports whether a wildcard set covers name: any name strictly
// below its base, and the base itself for a promoted delegation.
func (s *RecordSet) matches(name string) bool {
	if name == s.fqdn {
		return s.promoted
	}
	return utils.IsSubdomain(name, s.fqdn)
}

// Zone is one loaded zone.
type Zone struct {
	id   ZoneID
	name string
	file string
	sets []SetID
	ns   []RecordID
	soa  RecordID
}

func (z *Zone) ID() ZoneID   { return z.id }
func (z *Zone) Name() string { return z.name }
func (z *Zone) File() string { return z.file }

// NS returns the apex NS records.
func (z *Zone) NS() []RecordID { return z.ns }

// SOA returns the apex SOA record.
func (z *Zone) SOA() RecordID { return z.soa }

// Sets returns every record set of the zone in file order.
func (z *Zone) Sets() []SetID { return z.sets }

// DB is an immutable snapshot of every loaded zone.
type DB struct {
	zones   []Zone
	sets    []RecordSet
	records []Record

	exact map[string]SetID
	// wild holds wildcard and promoted delegation sets, most specific first
	wild []SetID
	// byLength orders zones longest name first
	byLength []ZoneID
	probes   []RecordID
}

func (db *DB) Zone(id ZoneID) *Zone       { return &db.zones[id] }
func (db *DB) Set(id SetID) *RecordSet    { return &db.sets[id] }
func (db *DB) Record(id RecordID) *Record { return &db.records[id] }
func (db *DB) ZoneCount() int             { return len(db.zones) }
func (db *DB) RecordCount() int           { return len(db.records) }

// Probed returns the records carrying a probe, one per probe identity.
func (db *DB) Probed() []RecordID { return db.probes }

// Resolve finds the record set answering name and the zone that owns the
// answer. The set is nil when the name does not exist under a known zone;
// both are nil when no zone covers name.
func (db *DB) Resolve(name string) (*RecordSet, *Zone) {
	if id, ok := db.exact[name]; ok {
		s := &db.sets[id]
		return s, &db.zones[s.zone]
	}
	z := db.FindZone(name)
	if z == nil {
		return nil, nil
	}
	for _, id := range db.wild {
		s := &db.sets[id]
		if s.zone == z.id && s.matches(name) {
			return s, z
		}
	}
	return nil, z
}

// FindZone returns the most specific zone covering name.
func (db *DB) FindZone(name string) *Zone {
	for _, id := range db.byLength {
		if utils.IsSubdomain(name, db.zones[id].name) {
			return &db.zones[id]
		}
	}
	return nil
}

// Active is the published DB. The zero value holds nothing.
type Active struct {
	p atomic.Pointer[DB]
}

// Load returns the current DB, or nil before the first successful load.
// The returned snapshot stays valid for as long as the caller holds it.
func (a *Active) Load() *DB { return a.p.Load() }

// Store publishes db.
func (a *Active) Store(db *DB) { a.p.Store(db) }

// Swap publishes db and returns the previous snapshot.
func (a *Active) Swap(db *DB) *DB { return a.p.Swap(db) }
