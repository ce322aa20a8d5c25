package geodb

import (
	"bytes"
	"fmt"
	"net/netip"
	"os"
	"sort"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sys/unix"
)

// Status is the outcome of a lookup.
type Status int

const (
	// NotFound means no record plausibly covers the address.
	NotFound Status = iota
	// Unknown means the covering record is flagged as having no usable metrics.
	Unknown
	// Found means Metrics holds one entry per datacenter.
	Found
)

func (s Status) String() string {
	switch s {
	case Found:
		return "found"
	case Unknown:
		return "unknown"
	default:
		return "not-found"
	}
}

// Metric is the affinity of a client to one datacenter; lower is closer.
type Metric struct {
	Datacenter string
	Value      int32
}

// Location is the result of a lookup. Metrics is shared with the lookup
// cache and must be treated as read-only.
type Location struct {
	Status  Status
	MaskLen int
	Metrics []Metric
}

// Table is one mapped GeoMetricDB file. It is immutable once opened.
//
// A Table starts with one reference owned by whoever publishes it. Readers
// take an extra reference for the duration of a lookup; the mapping is
// released when the count reaches zero.
type Table struct {
	path     string
	data     []byte
	hdr      header
	addrSize int
	names    []string
	cache    *lru.Cache[string, Location]

	refs  atomic.Int64
	unmap func([]byte) error
}

// Open maps path read-only and validates it. cacheSize bounds the
// per-table lookup cache; zero disables it.
func Open(path string, cacheSize int) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geodb: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat geodb: %w", err)
	}
	if fi.Size() < headerSize {
		return nil, fmt.Errorf("%s: %w", path, ErrTruncated)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap geodb: %w", err)
	}
	t, err := newTable(path, data, unix.Munmap, cacheSize)
	if err != nil {
		_ = unix.Munmap(data)
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// newTable validates data and wraps it. unmap is called once when the last
// reference is released; it may be nil for heap-backed tables.
func newTable(path string, data []byte, unmap func([]byte) error, cacheSize int) (*Table, error) {
	h, err := parseHeader(data)
	if err != nil {
		return nil, err
	}
	names, err := parseNames(data, h.datacenterStart, h.nDatacenter)
	if err != nil {
		return nil, err
	}
	t := &Table{
		path:     path,
		data:     data,
		hdr:      h,
		addrSize: addrSizeIPv4,
		names:    names,
		unmap:    unmap,
	}
	if h.ipver == 6 {
		t.addrSize = addrSizeIPv6
	}
	for i := 1; i < int(h.nRecs); i++ {
		if bytes.Compare(t.addr(i-1), t.addr(i)) > 0 {
			return nil, fmt.Errorf("%w: records not sorted at %d", ErrCorrupt, i)
		}
	}
	if cacheSize > 0 {
		t.cache, err = lru.New[string, Location](cacheSize)
		if err != nil {
			return nil, err
		}
	}
	t.refs.Store(1)
	return t, nil
}

// Family returns 4 or 6.
func (t *Table) Family() int { return int(t.hdr.ipver) }

// Datacenters returns the datacenter names in column order.
func (t *Table) Datacenters() []string { return t.names }

// Len returns the number of records.
func (t *Table) Len() int { return int(t.hdr.nRecs) }

// Path returns the file the table was loaded from.
func (t *Table) Path() string { return t.path }

func (t *Table) rec(i int) []byte {
	off := int(t.hdr.recsStart) + i*int(t.hdr.recSize)
	return t.data[off : off+int(t.hdr.recSize)]
}

func (t *Table) addr(i int) []byte {
	return t.rec(i)[:t.addrSize]
}

// key returns the bytes compared against record addresses, or nil when
// addr is of the wrong family for this table.
func (t *Table) key(addr netip.Addr) []byte {
	addr = addr.Unmap()
	if t.hdr.ipver == 4 {
		if !addr.Is4() {
			return nil
		}
		b := addr.As4()
		return b[:]
	}
	if !addr.Is6() {
		return nil
	}
	b := addr.As16()
	return b[:addrSizeIPv6]
}

// Locate finds the record covering addr. An exact address match wins;
// otherwise the nearest record to the left is accepted when its leading
// bytes agree with the address, checked at whole-byte granularity gated by
// the record's mask length. This is deliberately looser than CIDR
// containment.
func (t *Table) Locate(addr netip.Addr) Location {
	key := t.key(addr)
	if key == nil {
		return Location{Status: NotFound}
	}
	if t.cache != nil {
		if loc, ok := t.cache.Get(string(key)); ok {
			return loc
		}
	}
	loc := t.locate(key)
	if t.cache != nil {
		t.cache.Add(string(key), loc)
	}
	return loc
}

func (t *Table) locate(key []byte) Location {
	n := int(t.hdr.nRecs)
	// first record strictly greater than key
	i := sort.Search(n, func(i int) bool { return bytes.Compare(t.addr(i), key) > 0 })
	l := i - 1
	if l < 0 {
		return Location{Status: NotFound}
	}

	r := t.rec(l)
	masklen := int(int16(le.Uint16(r[recAddrSize:])))
	if !bytes.Equal(r[:t.addrSize], key) {
		if r[0] != key[0] {
			return Location{Status: NotFound}
		}
		if masklen >= 16 && r[1] != key[1] {
			return Location{Status: NotFound}
		}
		if t.addrSize > addrSizeIPv4 {
			if masklen >= 24 && r[2] != key[2] {
				return Location{Status: NotFound}
			}
			if masklen >= 32 && r[3] != key[3] {
				return Location{Status: NotFound}
			}
		}
	}

	flags := le.Uint16(r[recAddrSize+2:])
	if flags&flagUnknown != 0 {
		return Location{Status: Unknown, MaskLen: masklen}
	}

	metrics := make([]Metric, len(t.names))
	for j, name := range t.names {
		metrics[j] = Metric{
			Datacenter: name,
			Value:      int32(le.Uint32(r[recFixedSize+4*j:])),
		}
	}
	return Location{Status: Found, MaskLen: masklen, Metrics: metrics}
}

// acquire takes a reader reference. It fails once the table is released.
func (t *Table) acquire() bool {
	for {
		n := t.refs.Load()
		if n <= 0 {
			return false
		}
		if t.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// release drops one reference and unmaps the file when none remain.
func (t *Table) release() {
	if t.refs.Add(-1) != 0 {
		return
	}
	if t.unmap != nil {
		_ = t.unmap(t.data)
	}
	t.data = nil
}

// Close releases the publisher's reference.
func (t *Table) Close() {
	t.release()
}
