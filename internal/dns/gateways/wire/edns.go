package wire

import (
	"encoding/binary"

	"github.com/haukened/rr-gslb/internal/dns/domain"
)

// optFixedLen is root name + type + class + ttl + rdlength.
const optFixedLen = 11

// parseEDNS looks for an OPT record immediately after the question. Any
// mismatch leaves the query without EDNS; bad options are skipped.
func parseEDNS(data []byte, off int, q *domain.Query, proto domain.Protocol) {
	if off+optFixedLen > len(data) {
		return
	}
	if data[off] != 0 {
		return
	}
	if domain.RRType(binary.BigEndian.Uint16(data[off+1:])) != domain.RRTypeOPT {
		return
	}
	udpsize := binary.BigEndian.Uint16(data[off+3:])
	// extended rcode and version must be zero; the flag bits (DO) are ignored
	if data[off+5] != 0 || data[off+6] != 0 {
		return
	}
	rdlen := int(binary.BigEndian.Uint16(data[off+9:]))
	start := off + optFixedLen
	if start+rdlen > len(data) {
		return
	}

	q.EDNS = domain.EDNS{Present: true, UDPSize: udpsize}
	if proto == domain.ProtocolUDP {
		q.MaxSize = clamp(int(udpsize), domain.MaxUDPSize, domain.MaxUDPSizeEDNS)
	}

	rd := data[start : start+rdlen]
	for len(rd) >= 4 {
		code := binary.BigEndian.Uint16(rd)
		olen := int(binary.BigEndian.Uint16(rd[2:]))
		if olen > len(rd)-4 {
			break
		}
		opt := rd[4 : 4+olen]
		switch code {
		case domain.EDNSOptionNSID:
			q.EDNS.NSID = true
		case domain.EDNSOptionClientSubnet:
			if cs, ok := parseClientSubnet(opt); ok {
				q.EDNS.Subnet = &cs
			}
		}
		rd = rd[4+olen:]
	}
}

// parseClientSubnet decodes an RFC 7871 option body.
func parseClientSubnet(opt []byte) (domain.ClientSubnet, bool) {
	var cs domain.ClientSubnet
	if len(opt) < 4 {
		return cs, false
	}
	cs.Family = binary.BigEndian.Uint16(opt)
	cs.SourceMask = opt[2]
	cs.ScopeMask = opt[3]

	switch cs.Family {
	case domain.FamilyIPv4:
		if cs.SourceMask < 8 || cs.SourceMask > 32 {
			return cs, false
		}
	case domain.FamilyIPv6:
		if cs.SourceMask < 16 || cs.SourceMask > 128 {
			return cs, false
		}
	default:
		return cs, false
	}

	alen := cs.AddrLen()
	if alen > len(opt)-4 {
		return cs, false
	}
	copy(cs.Addr[:], opt[4:4+alen])
	return cs, true
}

// AddEDNS appends the OPT record to the additional section, echoing the
// client subnet with the current scope mask and the NSID token when asked.
func (r *Response) AddEDNS(nsid []byte) bool {
	e := r.q.EDNS
	return r.Add(SectionAdditional, func(w *Response) {
		w.PutUint8(0)
		lenAt := w.PutRRHeader(domain.RRTypeOPT, domain.RRClass(domain.MaxUDPSizeEDNS), 0)
		if e.Subnet != nil {
			cs := *e.Subnet
			alen := cs.AddrLen()
			w.PutUint16(domain.EDNSOptionClientSubnet)
			w.PutUint16(uint16(4 + alen))
			w.PutUint16(cs.Family)
			w.PutUint8(cs.SourceMask)
			w.PutUint8(w.scope)
			w.PutBytes(cs.Addr[:alen])
		}
		if e.NSID && len(nsid) > 0 {
			w.PutUint16(domain.EDNSOptionNSID)
			w.PutUint16(uint16(len(nsid)))
			w.PutBytes(nsid)
		}
		w.EndRR(lenAt)
	})
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
