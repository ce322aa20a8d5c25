package rrdata

import (
	"fmt"
	"net/netip"
	"strings"
)

// EncodeAData encodes a dotted-quad string into its 4-byte rdata.
func EncodeAData(data string) ([]byte, error) {
	ip, err := netip.ParseAddr(strings.TrimSpace(data))
	if err != nil || !ip.Is4() {
		return nil, fmt.Errorf("invalid A record IP: %s", data)
	}
	b := ip.As4()
	return b[:], nil
}
