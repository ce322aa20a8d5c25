package domain

import (
	"net/netip"
)

// Header flag bits.
const (
	FlagQR uint16 = 0x8000
	FlagAA uint16 = 0x0400
	FlagTC uint16 = 0x0200
	FlagRD uint16 = 0x0100
	FlagRA uint16 = 0x0080
)

// Response size ceilings.
const (
	MaxUDPSize     = 512
	MaxUDPSizeEDNS = 4224
	MaxTCPSize     = 65535
	HeaderSize     = 12
)

// MaxDatacenters bounds the datacenter registry and GeoMetricDB tables.
const MaxDatacenters = 64

// EDNS option codes understood by the server.
const (
	EDNSOptionNSID         uint16 = 3
	EDNSOptionClientSubnet uint16 = 8
)

// Client subnet address families.
const (
	FamilyIPv4 uint16 = 1
	FamilyIPv6 uint16 = 2
)

// Protocol identifies the transport a request arrived on.
type Protocol uint8

const (
	ProtocolUDP Protocol = iota
	ProtocolTCP
)

func (p Protocol) String() string {
	if p == ProtocolTCP {
		return "tcp"
	}
	return "udp"
}

// MaxSize returns the base response ceiling for the transport before EDNS.
func (p Protocol) MaxSize() int {
	if p == ProtocolTCP {
		return MaxTCPSize
	}
	return MaxUDPSize
}

// Request is one inbound message as handed over by a transport.
type Request struct {
	Data     []byte
	Client   netip.AddrPort
	Protocol Protocol
}

// ClientSubnet is the EDNS client-subnet option (RFC 7871).
type ClientSubnet struct {
	Family     uint16
	SourceMask uint8
	ScopeMask  uint8
	// Addr holds the first ceil(SourceMask/8) bytes, zero padded.
	Addr [16]byte
}

// AddrLen is the number of address bytes carried on the wire.
func (cs ClientSubnet) AddrLen() int {
	return (int(cs.SourceMask) + 7) / 8
}

// Address returns the subnet address as a netip.Addr.
func (cs ClientSubnet) Address() netip.Addr {
	if cs.Family == FamilyIPv4 {
		return netip.AddrFrom4([4]byte(cs.Addr[:4]))
	}
	return netip.AddrFrom16(cs.Addr)
}

// EDNS carries the parsed OPT record of a query.
type EDNS struct {
	Present bool
	UDPSize uint16
	NSID    bool
	Subnet  *ClientSubnet
}

// Query is a decoded inbound question plus what is needed to answer it.
type Query struct {
	ID     uint16
	Flags  uint16
	Opcode Opcode

	// Name is lowercased and ends with a dot.
	Name  string
	Type  RRType
	Class RRClass

	// Question is the raw question section, echoed verbatim into replies.
	Question []byte
	// LabelOffsets holds the offset of every label of the question name
	// relative to the start of the message; the last entry is the root byte.
	LabelOffsets []int

	EDNS    EDNS
	MaxSize int
}

// RD reports whether recursion was desired.
func (q Query) RD() bool {
	return q.Flags&FlagRD != 0
}

// HasQuestion reports whether a question was parsed and can be echoed.
func (q Query) HasQuestion() bool {
	return len(q.Question) > 0
}

// SuffixOffset returns the message offset where the last n labels of the
// question name begin, suitable as a compression target.
func (q Query) SuffixOffset(n int) (int, bool) {
	labels := len(q.LabelOffsets) - 1
	if n < 0 || n > labels || labels < 0 {
		return 0, false
	}
	return q.LabelOffsets[labels-n], true
}
