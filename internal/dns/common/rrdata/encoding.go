package rrdata

import (
	"fmt"

	"github.com/haukened/rr-gslb/internal/dns/domain"
)

// Encode converts the presentation form of a record whose rdata carries no
// domain names into its binary representation. Name-bearing types are
// compressed at answer time and are encoded by the zone model instead.
func Encode(rrType domain.RRType, data string) ([]byte, error) {
	switch rrType {
	case domain.RRTypeA:
		return EncodeAData(data)
	case domain.RRTypeAAAA:
		return EncodeAAAAData(data)
	case domain.RRTypeTXT:
		return EncodeTXTData(data)
	default:
		return nil, fmt.Errorf("%s rdata is not raw-encodable", rrType)
	}
}
