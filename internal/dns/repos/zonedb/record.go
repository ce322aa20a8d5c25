package zonedb

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/haukened/rr-gslb/internal/dns/common/utils"
	"github.com/haukened/rr-gslb/internal/dns/domain"
	"github.com/haukened/rr-gslb/internal/dns/repos/health"
)

// Writer is the subset of the response encoder a record needs to write
// itself. Every method records a short write instead of failing; the caller
// decides what to do with a record that did not fit.
type Writer interface {
	Zone() string
	PutQuestionName()
	PutZoneName(labels []byte)
	PutName(wire []byte)
	PutUint16(v uint16)
	PutUint32(v uint32)
	PutBytes(b []byte)
	PutRRHeader(t domain.RRType, c domain.RRClass, ttl uint32) int
	EndRR(lenAt int)
}

// ProbeSpec is an inline health check: run Program against the record's
// address every Interval.
type ProbeSpec struct {
	Interval time.Duration
	Program  string
	Args     []string
}

func (p ProbeSpec) String() string {
	parts := append([]string{p.Interval.String(), p.Program}, p.Args...)
	return strings.Join(parts, " ")
}

// SOAData is the payload of a KindSOA record.
type SOAData struct {
	MName, RName                            string
	Serial, Refresh, Retry, Expire, Minimum uint32

	mname, rname Name
}

// GLBData is the payload of the GLB kinds. Target names a non-wildcard
// record set in the same zone.
type GLBData struct {
	Weight float64
	// Datacenter is only used by KindGLBMetric.
	Datacenter   string
	Failover     Failover
	FailoverName string

	target      SetID
	failoverSet SetID
}

// Special reports whether the record is one of the reserved fallbacks,
// which are never chosen by normal selection.
func (g *GLBData) Special() bool { return IsSpecialDatacenter(g.Datacenter) }

// TargetSet returns the set the record steers to.
func (g *GLBData) TargetSet() SetID { return g.target }

// FailoverSet returns the record set named as failover, or NoSet.
func (g *GLBData) FailoverSet() SetID { return g.failoverSet }

// Record is one resource record. Kind selects which payload fields are
// meaningful; the parser fills the exported input fields and the Builder
// resolves the rest.
type Record struct {
	Kind  Kind
	Type  domain.RRType
	Class domain.RRClass
	TTL   uint32

	// Label is the owner relative to the zone, "" for the apex. For a
	// wildcard it is the part below the leading "*".
	Label    string
	Wildcard bool

	// Data is the encoded rdata of KindAddress and KindText.
	Data []byte
	// Target is the name of KindName, KindMX and KindAlias and the target
	// set label of the GLB kinds, as written in the zone file.
	Target string
	Pref   uint16
	SOA    SOAData
	GLB    GLBData
	Probe  *ProbeSpec

	// Source is the file:line the record came from.
	Source string

	id         RecordID
	zone       ZoneID
	set        SetID
	delegation bool
	additional []RecordID
	owner      string
	zoneName   string
	labels     []byte
	ownerWire  []byte
	target     Name
	alias      SetID
	probeID    string
	flag       *health.RecordFlag
}

func (r *Record) ID() RecordID { return r.id }

// Set returns the record set holding the record.
func (r *Record) Set() SetID { return r.set }

// Owner returns the owner FQDN; wildcards keep their leading "*".
func (r *Record) Owner() string { return r.owner }

// Delegation reports whether the record is an NS below its zone apex.
func (r *Record) Delegation() bool { return r.delegation }

// Additional returns the same-zone address records attached as glue.
func (r *Record) Additional() []RecordID { return r.additional }

// AliasTarget returns the set a KindAlias record answers with.
func (r *Record) AliasTarget() SetID { return r.alias }

// ProbeID is the stable identity the health state keys this record by, or
// "" when the record is not probed.
func (r *Record) ProbeID() string { return r.probeID }

// Healthy reports whether the record's probe last reported it up.
// Records without a probe are always healthy.
func (r *Record) Healthy() bool { return r.flag.Up() }

// CanSatisfy reports whether the record answers a query of type q. CNAME and
// ALIAS records answer any type.
func (r *Record) CanSatisfy(q domain.RRType) bool {
	switch r.Kind {
	case KindAlias:
		return true
	case KindGLBWeighted, KindGLBMetric, KindGLBHash:
		return false
	case KindAddress, KindText, KindName, KindMX, KindSOA:
		return q == r.Type || q == domain.RRTypeANY || r.Type == domain.RRTypeCNAME
	}
	return false
}

// Put writes the record. The owner is a pointer to the question when
// ownerIsQuestion is set, otherwise it is compressed against the zone apex
// when the response is for the record's own zone. Alias and GLB records
// have no wire form of their own and Put returns false for them.
func (r *Record) Put(w Writer, ownerIsQuestion bool) bool {
	switch r.Kind {
	case KindAddress, KindText:
		r.putOwner(w, ownerIsQuestion)
		at := w.PutRRHeader(r.Type, r.Class, r.TTL)
		w.PutBytes(r.Data)
		w.EndRR(at)
		return true
	case KindName:
		r.putOwner(w, ownerIsQuestion)
		at := w.PutRRHeader(r.Type, r.Class, r.TTL)
		r.target.put(w)
		w.EndRR(at)
		return true
	case KindMX:
		r.putOwner(w, ownerIsQuestion)
		at := w.PutRRHeader(r.Type, r.Class, r.TTL)
		w.PutUint16(r.Pref)
		r.target.put(w)
		w.EndRR(at)
		return true
	case KindSOA:
		r.putOwner(w, ownerIsQuestion)
		at := w.PutRRHeader(r.Type, r.Class, r.TTL)
		r.SOA.mname.put(w)
		r.SOA.rname.put(w)
		w.PutUint32(r.SOA.Serial)
		w.PutUint32(r.SOA.Refresh)
		w.PutUint32(r.SOA.Retry)
		w.PutUint32(r.SOA.Expire)
		w.PutUint32(r.SOA.Minimum)
		w.EndRR(at)
		return true
	case KindAlias, KindGLBWeighted, KindGLBMetric, KindGLBHash:
		return false
	}
	return false
}

func (r *Record) putOwner(w Writer, isQuestion bool) {
	switch {
	case isQuestion:
		w.PutQuestionName()
	case !r.Wildcard && w.Zone() == r.zoneName:
		w.PutZoneName(r.labels)
	default:
		w.PutName(r.ownerWire)
	}
}

// rdataText renders the part of the record that distinguishes it from its
// siblings, for probe identities and logs.
func (r *Record) rdataText() string {
	switch r.Kind {
	case KindAddress:
		if a, ok := netip.AddrFromSlice(r.Data); ok {
			return a.String()
		}
		return fmt.Sprintf("%x", r.Data)
	case KindText:
		return string(r.Data)
	case KindName, KindMX, KindAlias:
		return r.target.FQDN
	case KindSOA:
		return r.SOA.MName
	case KindGLBWeighted, KindGLBMetric, KindGLBHash:
		return r.Target + " " + r.GLB.Datacenter
	}
	return ""
}

// ProbeAddress is what the probe program is pointed at: the address of an
// address record, or the target name otherwise.
func (r *Record) ProbeAddress() string {
	switch r.Kind {
	case KindAddress:
		if a, ok := netip.AddrFromSlice(r.Data); ok {
			return a.String()
		}
	case KindName, KindMX:
		return strings.TrimSuffix(r.target.FQDN, ".")
	}
	return ""
}

// Name is a domain name carried in rdata, pre-encoded both relative to its
// zone and in full.
type Name struct {
	FQDN string

	// zone is set when FQDN lies inside the zone it was written in
	zone   string
	labels []byte
	wire   []byte
}

// NewName resolves a name as written in zone: "@" is the apex, a name
// without a trailing dot is relative to zone.
func NewName(written, zone string) (Name, error) {
	var fqdn string
	switch {
	case written == "@":
		fqdn = zone
	case strings.HasSuffix(written, "."):
		fqdn = utils.CanonicalDNSName(written)
	default:
		fqdn = utils.Join(strings.ToLower(written), zone)
	}
	wire, err := utils.NameWire(fqdn)
	if err != nil {
		return Name{}, fmt.Errorf("name %q: %w", written, err)
	}
	n := Name{FQDN: fqdn, wire: wire}
	if rel, ok := utils.RelativeLabel(fqdn, zone); ok {
		labels, err := utils.LabelsWire(rel)
		if err != nil {
			return Name{}, fmt.Errorf("name %q: %w", written, err)
		}
		n.zone = zone
		n.labels = labels
	}
	return n, nil
}

// InZone reports whether the name lies within the zone it was written in.
func (n Name) InZone() bool { return n.zone != "" }

func (n Name) put(w Writer) {
	if n.zone != "" && w.Zone() == n.zone {
		w.PutZoneName(n.labels)
		return
	}
	w.PutName(n.wire)
}
