package geodb

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/rr-gslb/internal/dns/common/log"
)

func v4Source() *Source {
	return &Source{
		Family:      4,
		Datacenters: []string{"dc1", "dc2"},
		Records: []SourceRecord{
			{Prefix: "10.1.0.0/16", Metrics: []int32{20, 2}},
			{Prefix: "10.0.0.0/8", Metrics: []int32{10, 1}},
			{Prefix: "192.168.0.0/16", Unknown: true},
		},
	}
}

func mustTable(t *testing.T, src *Source) *Table {
	t.Helper()
	data, err := Encode(src)
	require.NoError(t, err)
	tbl, err := newTable("mem", data, nil, 16)
	require.NoError(t, err)
	return tbl
}

func values(loc Location) []int32 {
	out := make([]int32, len(loc.Metrics))
	for i, m := range loc.Metrics {
		out[i] = m.Value
	}
	return out
}

func TestTableLocate(t *testing.T) {
	tbl := mustTable(t, v4Source())

	tests := []struct {
		name    string
		addr    string
		status  Status
		metrics []int32
		masklen int
	}{
		{"more specific prefix", "10.1.2.3", Found, []int32{20, 2}, 16},
		{"covering prefix", "10.0.5.5", Found, []int32{10, 1}, 8},
		{"exact match", "10.1.0.0", Found, []int32{20, 2}, 16},
		{"nearest record is a /16 with another second octet", "10.2.0.1", NotFound, nil, 0},
		{"first octet differs", "11.0.0.0", NotFound, nil, 0},
		{"below all records", "9.255.255.255", NotFound, nil, 0},
		{"unknown flag", "192.168.4.4", Unknown, nil, 16},
		{"wrong family", "2001:db8::1", NotFound, nil, 0},
		{"mapped address", "::ffff:10.1.2.3", Found, []int32{20, 2}, 16},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loc := tbl.Locate(netip.MustParseAddr(tt.addr))
			assert.Equal(t, tt.status, loc.Status)
			if tt.status == Found {
				assert.Equal(t, tt.metrics, values(loc))
				assert.Equal(t, "dc1", loc.Metrics[0].Datacenter)
			}
			if tt.status != NotFound {
				assert.Equal(t, tt.masklen, loc.MaskLen)
			}
		})
	}
}

func TestTableLocateLooseSecondOctet(t *testing.T) {
	// 10.2.0.1 sorts after 10.1.0.0/16; the /16 check on byte 1 must reject it.
	tbl := mustTable(t, &Source{
		Family:      4,
		Datacenters: []string{"dc1"},
		Records: []SourceRecord{
			{Prefix: "10.1.0.0/16", Metrics: []int32{5}},
		},
	})
	assert.Equal(t, NotFound, tbl.Locate(netip.MustParseAddr("10.2.0.1")).Status)
	assert.Equal(t, Found, tbl.Locate(netip.MustParseAddr("10.1.200.1")).Status)
}

func TestTableLocateIPv6(t *testing.T) {
	tbl := mustTable(t, &Source{
		Family:      6,
		Datacenters: []string{"east", "west"},
		Records: []SourceRecord{
			{Prefix: "2001:db8::/32", Metrics: []int32{1, 9}},
			{Prefix: "2001:db8:1::/48", Metrics: []int32{9, 1}},
		},
	})
	assert.Equal(t, 6, tbl.Family())

	loc := tbl.Locate(netip.MustParseAddr("2001:db8:1::53"))
	require.Equal(t, Found, loc.Status)
	assert.Equal(t, []int32{9, 1}, values(loc))

	loc = tbl.Locate(netip.MustParseAddr("2001:db8:ffff::1"))
	require.Equal(t, Found, loc.Status)
	assert.Equal(t, []int32{1, 9}, values(loc))

	assert.Equal(t, NotFound, tbl.Locate(netip.MustParseAddr("2001:db9::1")).Status)
	assert.Equal(t, NotFound, tbl.Locate(netip.MustParseAddr("10.0.0.1")).Status)
}

func TestTableCache(t *testing.T) {
	tbl := mustTable(t, v4Source())
	addr := netip.MustParseAddr("10.1.2.3")
	first := tbl.Locate(addr)
	assert.Equal(t, 1, tbl.cache.Len())
	assert.Equal(t, first, tbl.Locate(addr))
	assert.Equal(t, 1, tbl.cache.Len())
}

func TestParseRejects(t *testing.T) {
	good, err := Encode(v4Source())
	require.NoError(t, err)

	corrupt := func(f func(b []byte)) []byte {
		b := append([]byte(nil), good...)
		f(b)
		return b
	}

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"short", good[:10], ErrTruncated},
		{"bad magic", corrupt(func(b []byte) { b[0] ^= 0xff }), ErrBadMagic},
		{"bad version", corrupt(func(b []byte) { le.PutUint32(b[4:], 2) }), ErrBadVersion},
		{"bad family", corrupt(func(b []byte) { le.PutUint32(b[8:], 5) }), ErrCorrupt},
		{"bad record size", corrupt(func(b []byte) { le.PutUint32(b[12:], 99) }), ErrCorrupt},
		{"too many records", corrupt(func(b []byte) { le.PutUint64(b[40:], 1000) }), ErrTruncated},
		{"unsorted", corrupt(func(b []byte) {
			h, _ := parseHeader(b)
			r0 := b[h.recsStart:]
			r0[0] = 200
		}), ErrCorrupt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTable("mem", tt.data, nil, 0)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestEncodeRejects(t *testing.T) {
	tests := []struct {
		name string
		src  Source
		msg  string
	}{
		{"family", Source{Family: 5, Datacenters: []string{"a"}}, "family"},
		{"no datacenters", Source{Family: 4}, "datacenters"},
		{"duplicate", Source{Family: 4, Datacenters: []string{"a", "a"}}, "duplicate"},
		{"metric count", Source{Family: 4, Datacenters: []string{"a"}, Records: []SourceRecord{{Prefix: "10.0.0.0/8", Metrics: []int32{1, 2}}}}, "metrics"},
		{"family mismatch", Source{Family: 4, Datacenters: []string{"a"}, Records: []SourceRecord{{Prefix: "2001:db8::/32", Metrics: []int32{1}}}}, "not IPv4"},
		{"bad prefix", Source{Family: 4, Datacenters: []string{"a"}, Records: []SourceRecord{{Prefix: "nope", Metrics: []int32{1}}}}, "record 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(&tt.src)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestReadSourceAndDescribe(t *testing.T) {
	in := `
family: 4
datacenters: [dc1, dc2]
records:
  - prefix: 10.0.0.0/8
    metrics: [10, 1]
  - prefix: 192.168.0.0/16
    unknown: true
`
	src, err := ReadSource(strings.NewReader(in))
	require.NoError(t, err)
	tbl := mustTable(t, src)

	out, err := Describe(tbl)
	require.NoError(t, err)
	assert.Equal(t, src, out)

	_, err = ReadSource(strings.NewReader("family: 4\nbogus: 1\n"))
	assert.Error(t, err)
}

type registrar struct {
	mu  sync.Mutex
	dcs []string
}

func (r *registrar) RegisterDatacenter(dc string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dcs = append(r.dcs, dc)
	return nil
}

func TestManagerLoadAndFailClosed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "v4.db")
	require.NoError(t, WriteFile(path, v4Source()))

	reg := &registrar{}
	var loads []error
	m := NewManager(log.NewNoopLogger(), reg, Options{
		CacheSize: 8,
		OnLoad:    func(_ string, err error) { loads = append(loads, err) },
	})
	defer m.Close()

	require.NoError(t, m.Load(4, path))
	assert.True(t, m.Loaded(4))
	assert.False(t, m.Loaded(6))
	assert.Equal(t, []string{"dc1", "dc2"}, reg.dcs)
	assert.True(t, m.Known("dc2"))
	assert.False(t, m.Known("dc3"))

	loc := m.Locate(netip.MustParseAddr("10.1.2.3"))
	require.Equal(t, Found, loc.Status)

	// a bad replacement must not displace the loaded table
	require.NoError(t, os.WriteFile(path, []byte("garbage garbage garbage garbage garbage garbage!"), 0o644))
	assert.ErrorIs(t, m.Load(4, path), ErrBadMagic)
	assert.Equal(t, Found, m.Locate(netip.MustParseAddr("10.1.2.3")).Status)

	assert.Len(t, loads, 2)
	assert.NoError(t, loads[0])
	assert.Error(t, loads[1])

	assert.ErrorIs(t, m.Load(6, v4path(t)), ErrFamilyMismatch)
	assert.False(t, m.Loaded(6))

	// no IPv6 table loaded
	assert.Equal(t, NotFound, m.Locate(netip.MustParseAddr("2001:db8::1")).Status)
}

func uniform(dc []string, v int32) *Source {
	metrics := make([]int32, len(dc))
	for i := range metrics {
		metrics[i] = v
	}
	return &Source{
		Family:      4,
		Datacenters: dc,
		Records:     []SourceRecord{{Prefix: "10.0.0.0/8", Metrics: metrics}},
	}
}

func TestManagerKnownFollowsReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "v4.db")
	require.NoError(t, WriteFile(path, uniform([]string{"iad", "sfo"}, 1)))

	reg := &registrar{}
	m := NewManager(log.NewNoopLogger(), reg, Options{})
	defer m.Close()
	require.NoError(t, m.Load(4, path))
	assert.True(t, m.Known("sfo"))

	require.NoError(t, WriteFile(path, uniform([]string{"iad", "ord"}, 1)))
	require.NoError(t, m.Load(4, path))
	assert.True(t, m.Known("iad"))
	assert.True(t, m.Known("ord"))
	assert.False(t, m.Known("sfo"), "retired datacenter still known")
	assert.Contains(t, reg.dcs, "sfo", "the registry keeps maintenance state for it")
}

func TestManagerReloadAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "v4.db")
	dcs := []string{"a", "b", "c", "d"}
	require.NoError(t, WriteFile(path, uniform(dcs, 1)))

	m := NewManager(log.NewNoopLogger(), nil, Options{})
	defer m.Close()
	require.NoError(t, m.Load(4, path))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	errs := make(chan string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			addr := netip.MustParseAddr("10.9.9.9")
			for ctx.Err() == nil {
				loc := m.Locate(addr)
				if loc.Status != Found {
					errs <- "lookup miss during reload"
					return
				}
				first := loc.Metrics[0].Value
				for _, mt := range loc.Metrics {
					if mt.Value != first {
						errs <- "mixed metrics from two tables"
						return
					}
				}
			}
		}()
	}

	for i := 0; i < 50; i++ {
		v := int32(1 + i%2)
		require.NoError(t, WriteFile(path, uniform(dcs, v)))
		require.NoError(t, m.Load(4, path))
	}
	cancel()
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}
}

func TestManagerWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "v4.db")
	require.NoError(t, WriteFile(path, uniform([]string{"a"}, 1)))

	m := NewManager(log.NewNoopLogger(), nil, Options{})
	defer m.Close()
	require.NoError(t, m.Load(4, path))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx, 10*time.Millisecond)
		close(done)
	}()

	require.NoError(t, WriteFile(path, uniform([]string{"a"}, 7)))
	assert.Eventually(t, func() bool {
		loc := m.Locate(netip.MustParseAddr("10.0.0.1"))
		return loc.Status == Found && loc.Metrics[0].Value == 7
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestTableRefcount(t *testing.T) {
	data, err := Encode(v4Source())
	require.NoError(t, err)
	unmapped := 0
	tbl, err := newTable("mem", data, func([]byte) error { unmapped++; return nil }, 0)
	require.NoError(t, err)

	require.True(t, tbl.acquire())
	tbl.Close()
	assert.Equal(t, 0, unmapped, "reader still holds a reference")
	tbl.release()
	assert.Equal(t, 1, unmapped)
	assert.False(t, tbl.acquire())
}

func v4path(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "other.db")
	require.NoError(t, WriteFile(p, v4Source()))
	return p
}
