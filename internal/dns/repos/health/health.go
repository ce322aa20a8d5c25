// Package health holds the shared health state read by every GLB decision:
// an up/down flag per probed record and a maintenance flag per datacenter.
// Flags are individual atomics so readers never block writers.
package health

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/haukened/rr-gslb/internal/dns/common/log"
	"github.com/haukened/rr-gslb/internal/dns/domain"
)

// ErrTooManyDatacenters is returned once the registry holds domain.MaxDatacenters entries.
var ErrTooManyDatacenters = errors.New("too many datacenters")

// RecordFlag is the health of one probed record. A nil flag is always up.
type RecordFlag struct {
	down atomic.Bool
}

// Up reports whether the record may be served.
func (f *RecordFlag) Up() bool {
	return f == nil || !f.down.Load()
}

// MaintenanceStore persists maintenance flags across restarts.
type MaintenanceStore interface {
	LoadMaintenance() (map[string]bool, error)
	SaveMaintenance(dc string, offline bool) error
}

// DatacenterStatus is one row of the maintenance registry.
type DatacenterStatus struct {
	Name    string `json:"name"`
	Offline bool   `json:"offline"`
}

// State is the process-wide health registry. Record entries survive reloads
// that keep their probe id and are dropped by Prune once a reload removes
// them. Datacenter entries live for the lifetime of the process.
type State struct {
	mu      sync.RWMutex
	records map[string]*RecordFlag
	dcs     map[string]*atomic.Bool

	// saved holds persisted flags for datacenters not registered yet
	saved  map[string]bool
	store  MaintenanceStore
	logger log.Logger
}

// New creates a State. store may be nil; otherwise persisted maintenance
// flags are loaded and applied as datacenters register.
func New(logger log.Logger, store MaintenanceStore) (*State, error) {
	s := &State{
		records: make(map[string]*RecordFlag),
		dcs:     make(map[string]*atomic.Bool),
		saved:   map[string]bool{},
		store:   store,
		logger:  logger,
	}
	if store != nil {
		saved, err := store.LoadMaintenance()
		if err != nil {
			return nil, err
		}
		if saved != nil {
			s.saved = saved
		}
	}
	return s, nil
}

// Record returns the flag for a probe id, creating it up if unseen.
func (s *State) Record(id string) *RecordFlag {
	s.mu.RLock()
	f, ok := s.records[id]
	s.mu.RUnlock()
	if ok {
		return f
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok = s.records[id]; ok {
		return f
	}
	f = &RecordFlag{}
	s.records[id] = f
	return f
}

// SetRecordStatus marks a probed record up or down. It returns false for
// an id no zone has registered.
func (s *State) SetRecordStatus(id string, up bool) bool {
	s.mu.RLock()
	f, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	if prev := !f.down.Swap(!up); prev != up {
		s.logger.Info(map[string]any{"probe": id, "up": up}, "record status changed")
	}
	return true
}

// RecordStatus returns the current flag of a probe id.
func (s *State) RecordStatus(id string) (up, known bool) {
	s.mu.RLock()
	f, ok := s.records[id]
	s.mu.RUnlock()
	return f.Up(), ok
}

// RegisterDatacenter adds dc to the maintenance registry. Registration is
// idempotent; a new datacenter starts online unless a persisted flag says
// otherwise.
func (s *State) RegisterDatacenter(dc string) error {
	s.mu.RLock()
	_, ok := s.dcs[dc]
	s.mu.RUnlock()
	if ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dcs[dc]; ok {
		return nil
	}
	if len(s.dcs) >= domain.MaxDatacenters {
		return ErrTooManyDatacenters
	}
	flag := &atomic.Bool{}
	flag.Store(s.saved[dc])
	s.dcs[dc] = flag
	return nil
}

// SetMaintenance takes dc out of (offline=true) or back into rotation.
// It returns false for an unregistered datacenter.
func (s *State) SetMaintenance(dc string, offline bool) bool {
	s.mu.RLock()
	flag, ok := s.dcs[dc]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	flag.Store(offline)
	s.logger.Info(map[string]any{"datacenter": dc, "offline": offline}, "maintenance changed")

	if s.store != nil {
		if err := s.store.SaveMaintenance(dc, offline); err != nil {
			s.logger.Error(map[string]any{"datacenter": dc, "error": err.Error()}, "failed to persist maintenance flag")
		}
	}
	return true
}

// InMaintenance reports whether dc is offline. Unknown datacenters are not.
func (s *State) InMaintenance(dc string) bool {
	s.mu.RLock()
	flag, ok := s.dcs[dc]
	s.mu.RUnlock()
	return ok && flag.Load()
}

// Datacenters lists the registry sorted by name.
func (s *State) Datacenters() []DatacenterStatus {
	s.mu.RLock()
	out := make([]DatacenterStatus, 0, len(s.dcs))
	for name, flag := range s.dcs {
		out = append(out, DatacenterStatus{Name: name, Offline: flag.Load()})
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Records returns a snapshot of every probe id and whether it is up.
func (s *State) Records() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool, len(s.records))
	for id, f := range s.records {
		out[id] = f.Up()
	}
	return out
}

// Prune drops the flags of every probe id not in keep and returns how many
// were removed. Records of a database still being served keep their flag
// pointers, so a pruned flag only stops being reachable by id.
func (s *State) Prune(keep []string) int {
	live := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		live[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id := range s.records {
		if _, ok := live[id]; !ok {
			delete(s.records, id)
			n++
		}
	}
	return n
}
