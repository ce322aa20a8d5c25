package utils

import (
	"errors"
	"strings"
)

const (
	// MaxLabelLen is the longest single label allowed on the wire.
	MaxLabelLen = 63
	// MaxNameLen is the longest encoded name allowed on the wire.
	MaxNameLen = 255
)

var (
	// ErrLabelTooLong is returned when one label exceeds MaxLabelLen bytes.
	ErrLabelTooLong = errors.New("label too long")
	// ErrNameTooLong is returned when an encoded name exceeds MaxNameLen bytes.
	ErrNameTooLong = errors.New("name too long")
	// ErrEmptyLabel is returned for names such as "a..b".
	ErrEmptyLabel = errors.New("empty label")
)

// CanonicalDNSName returns a DNS name in canonical form:
// lowercased, trimmed of whitespace, with exactly one trailing dot.
// The empty string and "." both canonicalize to the root.
func CanonicalDNSName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.TrimRight(name, ".")
	return name + "."
}

// IsSubdomain reports whether name equals zone or lies below it on a
// label boundary. Both arguments must be canonical.
func IsSubdomain(name, zone string) bool {
	if zone == "." {
		return true
	}
	if len(name) < len(zone) {
		return false
	}
	if len(name) == len(zone) {
		return name == zone
	}
	return strings.HasSuffix(name, zone) && name[len(name)-len(zone)-1] == '.'
}

// RelativeLabel returns name with the zone suffix removed and no trailing
// dot, "" for the apex. ok is false when name is outside zone.
func RelativeLabel(name, zone string) (label string, ok bool) {
	if !IsSubdomain(name, zone) {
		return "", false
	}
	if name == zone {
		return "", true
	}
	if zone == "." {
		return strings.TrimSuffix(name, "."), true
	}
	return name[:len(name)-len(zone)-1], true
}

// Join appends a relative label to a zone, yielding a canonical FQDN.
func Join(label, zone string) string {
	if label == "" {
		return zone
	}
	if zone == "." {
		return label + "."
	}
	return label + "." + zone
}

// CountLabels returns the number of labels in a canonical name. The root has none.
func CountLabels(name string) int {
	if name == "." || name == "" {
		return 0
	}
	return strings.Count(name, ".")
}

// LabelsWire encodes a relative label such as "www.sub" as length-prefixed
// wire labels without the terminating zero byte.
func LabelsWire(label string) ([]byte, error) {
	if label == "" {
		return nil, nil
	}
	out := make([]byte, 0, len(label)+1)
	for _, part := range strings.Split(label, ".") {
		if part == "" {
			return nil, ErrEmptyLabel
		}
		if len(part) > MaxLabelLen {
			return nil, ErrLabelTooLong
		}
		out = append(out, byte(len(part)))
		out = append(out, part...)
	}
	if len(out) >= MaxNameLen {
		return nil, ErrNameTooLong
	}
	return out, nil
}

// NameWire encodes a canonical FQDN as uncompressed wire labels, including
// the terminating zero byte.
func NameWire(fqdn string) ([]byte, error) {
	if fqdn == "." || fqdn == "" {
		return []byte{0}, nil
	}
	b, err := LabelsWire(strings.TrimSuffix(fqdn, "."))
	if err != nil {
		return nil, err
	}
	return append(b, 0), nil
}
