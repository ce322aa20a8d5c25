package rrdata

import (
	"fmt"
	"net/netip"
	"strings"
)

// EncodeAAAAData encodes an IPv6 address string into its 16-byte rdata.
// IPv4-mapped and plain IPv4 forms are rejected.
func EncodeAAAAData(data string) ([]byte, error) {
	ip, err := netip.ParseAddr(strings.TrimSpace(data))
	if err != nil || !ip.Is6() || ip.Is4In6() {
		return nil, fmt.Errorf("invalid AAAA record IP: %s", data)
	}
	b := ip.As16()
	return b[:], nil
}
