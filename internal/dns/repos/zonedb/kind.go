// Package zonedb is the in-memory zone store: every loaded zone, its record
// sets and records, held in flat arenas and cross-referenced by index.
//
// A DB is built once by a Builder, never mutated afterwards, and published
// through Active. Readers that loaded a *DB keep using it safely while a
// newer one is swapped in.
package zonedb

import "fmt"

// Kind identifies the concrete shape of a Record.
type Kind uint8

const (
	// KindAddress is an A or AAAA record with raw rdata.
	KindAddress Kind = iota
	// KindText is a TXT record with raw rdata.
	KindText
	// KindName is an NS, CNAME or PTR record whose rdata is a single name.
	KindName
	// KindMX carries a preference and an exchange name.
	KindMX
	// KindSOA is the zone apex SOA.
	KindSOA
	// KindAlias answers with the records of another record set.
	KindAlias
	// KindGLBWeighted picks one target at random, weighted.
	KindGLBWeighted
	// KindGLBMetric picks the target in the datacenter nearest the client.
	KindGLBMetric
	// KindGLBHash picks a target by hashing the client address.
	KindGLBHash
)

var kindNames = [...]string{
	KindAddress:     "address",
	KindText:        "text",
	KindName:        "name",
	KindMX:          "mx",
	KindSOA:         "soa",
	KindAlias:       "alias",
	KindGLBWeighted: "GLB:RR",
	KindGLBMetric:   "GLB:MM",
	KindGLBHash:     "GLB:Hash",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Steering is the answering strategy of a record set. All records in one
// set share it.
type Steering uint8

const (
	SteerNone Steering = iota
	SteerWeighted
	SteerMetric
	SteerHash
)

func (s Steering) String() string {
	switch s {
	case SteerNone:
		return "plain"
	case SteerWeighted:
		return "weighted"
	case SteerMetric:
		return "metric"
	case SteerHash:
		return "hash"
	}
	return fmt.Sprintf("steering(%d)", s)
}

// Steering returns the set strategy records of this kind belong to.
func (k Kind) Steering() Steering {
	switch k {
	case KindGLBWeighted:
		return SteerWeighted
	case KindGLBMetric:
		return SteerMetric
	case KindGLBHash:
		return SteerHash
	case KindAddress, KindText, KindName, KindMX, KindSOA, KindAlias:
		return SteerNone
	}
	return SteerNone
}

// Failover is the policy a GLB:MM record applies when its datacenter is
// the best match but cannot answer.
type Failover uint8

const (
	FailoverNextBest Failover = iota
	FailoverRRAll
	FailoverRRGood
	FailoverSpecify
)

func (f Failover) String() string {
	switch f {
	case FailoverNextBest:
		return ":nextbest"
	case FailoverRRAll:
		return ":rrall"
	case FailoverRRGood:
		return ":rrgood"
	case FailoverSpecify:
		return "specify"
	}
	return fmt.Sprintf("failover(%d)", f)
}

// Reserved GLB:MM datacenter labels.
const (
	DatacenterUnknown    = ":unknown"
	DatacenterLastResort = ":lastresort"
)

// IsSpecialDatacenter reports whether dc is a reserved fallback label.
func IsSpecialDatacenter(dc string) bool {
	return dc == DatacenterUnknown || dc == DatacenterLastResort
}

// ZoneID, SetID and RecordID index the arenas of one DB. They are only
// meaningful for the DB that issued them.
type (
	ZoneID   int32
	SetID    int32
	RecordID int32
)

// Sentinels for absent references.
const (
	NoZone   ZoneID   = -1
	NoSet    SetID    = -1
	NoRecord RecordID = -1
)
