package zonedb

import "errors"

var (
	// ErrIncompatible is returned when a record's steering kind differs
	// from the set it would join.
	ErrIncompatible = errors.New("record kind incompatible with existing record set")
	// ErrMissingSOA is returned when a zone has no SOA at its apex.
	ErrMissingSOA = errors.New("zone has no SOA record")
	// ErrMissingNS is returned when a zone has no NS at its apex.
	ErrMissingNS = errors.New("zone has no NS records")
	// ErrDuplicateSOA is returned for a second apex SOA.
	ErrDuplicateSOA = errors.New("zone has more than one SOA record")
	// ErrUnknownTarget is returned when a GLB or ALIAS target does not exist.
	ErrUnknownTarget = errors.New("unknown target")
	// ErrAliasChain is returned when an ALIAS points at another ALIAS.
	ErrAliasChain = errors.New("alias points at another alias")
	// ErrAliasTarget is returned when an ALIAS points at a steering or
	// delegated record set.
	ErrAliasTarget = errors.New("alias target cannot be flattened")
	// ErrUnknownDatacenter is returned for a GLB:MM datacenter that no
	// loaded GeoMetricDB table names.
	ErrUnknownDatacenter = errors.New("unknown datacenter")
	// ErrDuplicateZone is returned when the same zone is added twice.
	ErrDuplicateZone = errors.New("zone already loaded")
	// ErrBadRecord covers records whose fields do not fit their kind.
	ErrBadRecord = errors.New("invalid record")
)
