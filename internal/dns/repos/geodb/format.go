// Package geodb reads the GeoMetricDB: a memory-mapped, address-sorted table
// mapping client network prefixes to a metric per datacenter.
//
// File layout (little endian):
//
//	header   magic u32, version u32, ipver i32, rec_size i32,
//	         datacenter_start i64, n_datacenter i64, recs_start i64, n_recs i64
//	names    n_datacenter NUL-terminated datacenter names at datacenter_start
//	records  n_recs records of rec_size bytes at recs_start, ascending by addr:
//	         addr [8]byte, masklen i16, flags u16, metric [n_datacenter]i32
package geodb

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/haukened/rr-gslb/internal/dns/domain"
)

const (
	Magic   uint32 = 0x41436d46
	Version uint32 = 1

	headerSize    = 48
	recFixedSize  = 12
	recAddrSize   = 8
	flagUnknown   = 1
	addrSizeIPv4  = 4
	addrSizeIPv6  = 8
	maxNameLength = 255
)

var le = binary.LittleEndian

var (
	// ErrTruncated is returned when the file is shorter than its header claims.
	ErrTruncated = errors.New("geodb: file truncated")
	// ErrBadMagic is returned for files that are not a GeoMetricDB.
	ErrBadMagic = errors.New("geodb: bad magic")
	// ErrBadVersion is returned for an unsupported format version.
	ErrBadVersion = errors.New("geodb: unsupported version")
	// ErrCorrupt covers inconsistent header fields and unsorted records.
	ErrCorrupt = errors.New("geodb: corrupt file")
)

type header struct {
	magic           uint32
	version         uint32
	ipver           int32
	recSize         int32
	datacenterStart int64
	nDatacenter     int64
	recsStart       int64
	nRecs           int64
}

func (h *header) marshal(b []byte) {
	le.PutUint32(b[0:], h.magic)
	le.PutUint32(b[4:], h.version)
	le.PutUint32(b[8:], uint32(h.ipver))
	le.PutUint32(b[12:], uint32(h.recSize))
	le.PutUint64(b[16:], uint64(h.datacenterStart))
	le.PutUint64(b[24:], uint64(h.nDatacenter))
	le.PutUint64(b[32:], uint64(h.recsStart))
	le.PutUint64(b[40:], uint64(h.nRecs))
}

// parseHeader validates the header against the file size.
func parseHeader(data []byte) (header, error) {
	var h header
	if len(data) < headerSize {
		return h, ErrTruncated
	}
	h = header{
		magic:           le.Uint32(data[0:]),
		version:         le.Uint32(data[4:]),
		ipver:           int32(le.Uint32(data[8:])),
		recSize:         int32(le.Uint32(data[12:])),
		datacenterStart: int64(le.Uint64(data[16:])),
		nDatacenter:     int64(le.Uint64(data[24:])),
		recsStart:       int64(le.Uint64(data[32:])),
		nRecs:           int64(le.Uint64(data[40:])),
	}
	if h.magic != Magic {
		return h, ErrBadMagic
	}
	if h.version != Version {
		return h, fmt.Errorf("%w: %d", ErrBadVersion, h.version)
	}
	if h.ipver != 4 && h.ipver != 6 {
		return h, fmt.Errorf("%w: ipver %d", ErrCorrupt, h.ipver)
	}
	if h.nDatacenter < 1 || h.nDatacenter > domain.MaxDatacenters {
		return h, fmt.Errorf("%w: %d datacenters", ErrCorrupt, h.nDatacenter)
	}
	if int64(h.recSize) != recFixedSize+4*h.nDatacenter {
		return h, fmt.Errorf("%w: record size %d for %d datacenters", ErrCorrupt, h.recSize, h.nDatacenter)
	}
	size := int64(len(data))
	if h.datacenterStart < headerSize || h.datacenterStart >= size {
		return h, fmt.Errorf("%w: datacenter table offset", ErrCorrupt)
	}
	if h.nRecs < 0 || h.recsStart < headerSize || h.recsStart > size {
		return h, fmt.Errorf("%w: record table offset", ErrCorrupt)
	}
	if h.nRecs > (size-h.recsStart)/int64(h.recSize) {
		return h, ErrTruncated
	}
	return h, nil
}

// parseNames reads n NUL-terminated names starting at off.
func parseNames(data []byte, off int64, n int64) ([]string, error) {
	names := make([]string, 0, n)
	pos := int(off)
	for i := int64(0); i < n; i++ {
		end := pos
		for end < len(data) && data[end] != 0 {
			end++
		}
		if end >= len(data) || end-pos > maxNameLength {
			return nil, fmt.Errorf("%w: datacenter name %d", ErrCorrupt, i)
		}
		if end == pos {
			return nil, fmt.Errorf("%w: empty datacenter name %d", ErrCorrupt, i)
		}
		names = append(names, string(data[pos:end]))
		pos = end + 1
	}
	return names, nil
}
