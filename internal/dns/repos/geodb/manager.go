package geodb

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/haukened/rr-gslb/internal/dns/common/log"
)

// Registrar learns datacenter names as tables are loaded.
type Registrar interface {
	RegisterDatacenter(dc string) error
}

// Options tune a Manager.
type Options struct {
	// CacheSize bounds the lookup cache of each loaded table.
	CacheSize int
	// OnLoad, if set, is called after every load attempt.
	OnLoad func(path string, err error)
}

type fileIdent struct {
	dev   uint64
	ino   uint64
	mtime int64
	size  int64
}

func statIdent(path string) (fileIdent, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return fileIdent{}, err
	}
	return fileIdent{
		dev:   uint64(st.Dev),
		ino:   uint64(st.Ino),
		mtime: time.Unix(st.Mtim.Unix()).UnixNano(),
		size:  st.Size,
	}, nil
}

// Manager holds the current IPv4 and IPv6 tables and swaps them atomically
// on reload. A lookup in flight keeps its table mapped until it returns.
type Manager struct {
	logger    log.Logger
	registrar Registrar
	opts      Options

	v4 atomic.Pointer[Table]
	v6 atomic.Pointer[Table]

	mu     sync.Mutex
	paths  map[int]string
	idents map[string]fileIdent
}

// NewManager returns a Manager with no tables loaded. registrar may be nil.
func NewManager(logger log.Logger, registrar Registrar, opts Options) *Manager {
	return &Manager{
		logger:    logger,
		registrar: registrar,
		opts:      opts,
		paths:     make(map[int]string),
		idents:    make(map[string]fileIdent),
	}
}

func (m *Manager) slot(family int) *atomic.Pointer[Table] {
	if family == 6 {
		return &m.v6
	}
	return &m.v4
}

// ErrFamilyMismatch is returned when a file holds the other address family.
var ErrFamilyMismatch = errors.New("geodb: address family mismatch")

// Load opens path as the table for family (4 or 6) and publishes it. Watch
// keeps polling the path afterwards. On any error the previously loaded
// table stays in service.
func (m *Manager) Load(family int, path string) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer func() {
		if m.opts.OnLoad != nil {
			m.opts.OnLoad(path, err)
		}
	}()

	ident, err := statIdent(path)
	if err != nil {
		return fmt.Errorf("stat geodb: %w", err)
	}
	m.paths[family] = path
	// a file that fails to load is not retried by Watch until it changes
	m.idents[path] = ident
	t, err := Open(path, m.opts.CacheSize)
	if err != nil {
		return err
	}
	if t.Family() != family {
		t.Close()
		return fmt.Errorf("%s: %w: want IPv%d, file is IPv%d", path, ErrFamilyMismatch, family, t.Family())
	}
	if m.registrar != nil {
		for _, dc := range t.Datacenters() {
			if err := m.registrar.RegisterDatacenter(dc); err != nil {
				t.Close()
				return fmt.Errorf("%s: register datacenter %q: %w", path, dc, err)
			}
		}
	}

	if old := m.slot(family).Swap(t); old != nil {
		old.release()
	}
	m.logger.Info(map[string]any{
		"path":        path,
		"family":      t.Family(),
		"records":     t.Len(),
		"datacenters": len(t.Datacenters()),
	}, "geodb loaded")
	return nil
}

// acquire returns the current table for family with a reader reference held.
func (m *Manager) acquire(family int) *Table {
	s := m.slot(family)
	for {
		t := s.Load()
		if t == nil {
			return nil
		}
		if t.acquire() {
			return t
		}
		// released between Load and acquire; a newer table is published
	}
}

// Locate looks up addr in the table for its family. IPv4-mapped IPv6
// addresses are looked up as IPv4.
func (m *Manager) Locate(addr netip.Addr) Location {
	addr = addr.Unmap()
	family := 4
	if addr.Is6() {
		family = 6
	}
	t := m.acquire(family)
	if t == nil {
		return Location{Status: NotFound}
	}
	defer t.release()
	return t.Locate(addr)
}

// Loaded reports whether a table is published for family.
func (m *Manager) Loaded(family int) bool {
	return m.slot(family).Load() != nil
}

// Known reports whether dc appears in any loaded table.
func (m *Manager) Known(dc string) bool {
	for _, family := range []int{4, 6} {
		t := m.acquire(family)
		if t == nil {
			continue
		}
		found := false
		for _, name := range t.Datacenters() {
			if name == dc {
				found = true
				break
			}
		}
		t.release()
		if found {
			return true
		}
	}
	return false
}

// changed reports whether path differs from what was last loaded.
func (m *Manager) changed(path string) bool {
	ident, err := statIdent(path)
	if err != nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.idents[path] != ident
}

// Watch polls the loaded paths every interval and reloads any file whose
// identity changed. It returns when ctx is done.
func (m *Manager) Watch(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.mu.Lock()
			paths := make(map[int]string, len(m.paths))
			for f, p := range m.paths {
				paths[f] = p
			}
			m.mu.Unlock()
			for family, p := range paths {
				if !m.changed(p) {
					continue
				}
				if err := m.Load(family, p); err != nil {
					m.logger.Error(map[string]any{"path": p, "error": err.Error()}, "geodb reload failed, keeping previous table")
				}
			}
		}
	}
}

// Close releases both tables. Lookups still in flight finish first.
func (m *Manager) Close() {
	for _, family := range []int{4, 6} {
		if t := m.slot(family).Swap(nil); t != nil {
			t.release()
		}
	}
}
