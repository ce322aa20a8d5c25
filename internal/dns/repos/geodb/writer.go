package geodb

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/haukened/rr-gslb/internal/dns/domain"
)

// Source is the editable description a GeoMetricDB file is built from.
type Source struct {
	Family      int            `yaml:"family"`
	Datacenters []string       `yaml:"datacenters"`
	Records     []SourceRecord `yaml:"records"`
}

// SourceRecord maps one prefix to a metric per datacenter, in the order of
// Source.Datacenters. Unknown records carry no metrics.
type SourceRecord struct {
	Prefix  string  `yaml:"prefix"`
	Unknown bool    `yaml:"unknown,omitempty"`
	Metrics []int32 `yaml:"metrics,omitempty"`
}

// ReadSource decodes a YAML source, rejecting unknown fields.
func ReadSource(r io.Reader) (*Source, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var src Source
	if err := dec.Decode(&src); err != nil {
		return nil, fmt.Errorf("decode geodb source: %w", err)
	}
	return &src, nil
}

type encRecord struct {
	addr    [recAddrSize]byte
	masklen int
	unknown bool
	metrics []int32
}

// Encode renders src in the on-disk format. Records are sorted by address.
func Encode(src *Source) ([]byte, error) {
	if src.Family != 4 && src.Family != 6 {
		return nil, fmt.Errorf("family must be 4 or 6, got %d", src.Family)
	}
	n := len(src.Datacenters)
	if n < 1 || n > domain.MaxDatacenters {
		return nil, fmt.Errorf("need 1 to %d datacenters, got %d", domain.MaxDatacenters, n)
	}
	seen := make(map[string]bool, n)
	for _, dc := range src.Datacenters {
		if dc == "" || len(dc) > maxNameLength {
			return nil, fmt.Errorf("invalid datacenter name %q", dc)
		}
		if seen[dc] {
			return nil, fmt.Errorf("duplicate datacenter %q", dc)
		}
		seen[dc] = true
	}

	recs := make([]encRecord, 0, len(src.Records))
	for i, sr := range src.Records {
		p, err := netip.ParsePrefix(sr.Prefix)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		p = p.Masked()
		var rec encRecord
		switch {
		case src.Family == 4 && p.Addr().Is4():
			a := p.Addr().As4()
			copy(rec.addr[:], a[:])
		case src.Family == 6 && p.Addr().Is6() && !p.Addr().Is4In6():
			a := p.Addr().As16()
			copy(rec.addr[:], a[:recAddrSize])
		default:
			return nil, fmt.Errorf("record %d: prefix %s is not IPv%d", i, sr.Prefix, src.Family)
		}
		rec.masklen = p.Bits()
		rec.unknown = sr.Unknown
		if !sr.Unknown {
			if len(sr.Metrics) != n {
				return nil, fmt.Errorf("record %d: %d metrics for %d datacenters", i, len(sr.Metrics), n)
			}
			rec.metrics = sr.Metrics
		}
		recs = append(recs, rec)
	}
	sort.SliceStable(recs, func(i, j int) bool {
		return bytes.Compare(recs[i].addr[:], recs[j].addr[:]) < 0
	})

	namesLen := 0
	for _, dc := range src.Datacenters {
		namesLen += len(dc) + 1
	}
	h := header{
		magic:           Magic,
		version:         Version,
		ipver:           int32(src.Family),
		recSize:         int32(recFixedSize + 4*n),
		datacenterStart: headerSize,
		nDatacenter:     int64(n),
		recsStart:       int64(headerSize + namesLen),
		nRecs:           int64(len(recs)),
	}
	out := make([]byte, int(h.recsStart)+len(recs)*int(h.recSize))
	h.marshal(out)

	pos := headerSize
	for _, dc := range src.Datacenters {
		pos += copy(out[pos:], dc)
		out[pos] = 0
		pos++
	}
	for _, rec := range recs {
		b := out[pos : pos+int(h.recSize)]
		copy(b, rec.addr[:])
		le.PutUint16(b[recAddrSize:], uint16(int16(rec.masklen)))
		var flags uint16
		if rec.unknown {
			flags |= flagUnknown
		}
		le.PutUint16(b[recAddrSize+2:], flags)
		for j, v := range rec.metrics {
			le.PutUint32(b[recFixedSize+4*j:], uint32(v))
		}
		pos += int(h.recSize)
	}
	return out, nil
}

// WriteFile encodes src and atomically replaces path with the result, so a
// watching server never maps a partially written file.
func WriteFile(path string, src *Source) (err error) {
	data, err := Encode(src)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".geodb-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ErrNoRecords is returned by Describe for an empty table.
var ErrNoRecords = errors.New("geodb: no records")

// Describe returns the datacenters and records of t as a Source.
func Describe(t *Table) (*Source, error) {
	if !t.acquire() {
		return nil, errors.New("geodb: table closed")
	}
	defer t.release()
	if t.Len() == 0 {
		return nil, ErrNoRecords
	}
	src := &Source{Family: t.Family(), Datacenters: append([]string(nil), t.names...)}
	for i := 0; i < t.Len(); i++ {
		r := t.rec(i)
		var addr netip.Addr
		if t.Family() == 4 {
			addr = netip.AddrFrom4([4]byte(r[:4]))
		} else {
			var a [16]byte
			copy(a[:], r[:recAddrSize])
			addr = netip.AddrFrom16(a)
		}
		masklen := int(int16(le.Uint16(r[recAddrSize:])))
		sr := SourceRecord{Prefix: netip.PrefixFrom(addr, masklen).String()}
		if le.Uint16(r[recAddrSize+2:])&flagUnknown != 0 {
			sr.Unknown = true
		} else {
			for j := range t.names {
				sr.Metrics = append(sr.Metrics, int32(le.Uint32(r[recFixedSize+4*j:])))
			}
		}
		src.Records = append(src.Records, sr)
	}
	return src, nil
}
