package zone

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"

	"github.com/haukened/rr-gslb/internal/dns/common/utils"
	"github.com/haukened/rr-gslb/internal/dns/repos/zonedb"
)

// Reserved top-level keys of a structured zone file.
const (
	keyZoneRoot = "zone_root"
	keyTTL      = "ttl"
)

// loadStructured reads a zone from YAML, JSON or TOML:
//
//	zone_root: example.com
//	ttl: 1h
//	"@":
//	  SOA: ns1 hostmaster 1 3h 1h 1w 5m
//	  NS: [ns1, ns2]
//	www:
//	  ttl: 60
//	  A: ["192.0.2.1 { 10 tcp 80 }", "192.0.2.2"]
//	lb:
//	  "GLB:MM": ["www east", "www2 west 2 :rrgood"]
//
// Values use the same rdata syntax as the text format. Plain records are
// inserted before GLB records so steering targets always resolve.
func loadStructured(path string, zb *zonedb.ZoneBuilder) error {
	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	case ".toml":
		parser = toml.Parser()
	default:
		return fmt.Errorf("unsupported zone file type %s", path)
	}

	// owners contain dots, so nest on a character labels cannot hold
	k := koanf.New("/")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return fmt.Errorf("failed to load zone file %s: %w", path, err)
	}

	if root := k.String(keyZoneRoot); root != "" && utils.CanonicalDNSName(root) != zb.Name() {
		return fmt.Errorf("%s: zone_root %q does not match zone %s", path, root, zb.Name())
	}

	var (
		defTTL  uint32
		haveTTL bool
	)
	if k.Exists(keyTTL) {
		ttl, err := ParseTTL(k.String(keyTTL))
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		defTTL, haveTTL = ttl, true
	}

	raw := k.Raw()
	owners := make([]string, 0, len(raw))
	for name := range raw {
		if name != keyZoneRoot && name != keyTTL {
			owners = append(owners, name)
		}
	}
	sort.Strings(owners)

	type pending struct {
		rec    zonedb.Record
		source string
	}
	var plain, steered []pending

	for _, name := range owners {
		rawMap, ok := raw[name].(map[string]any)
		if !ok {
			continue
		}
		label, wild, err := owner(name)
		if err != nil {
			return fmt.Errorf("%s: owner %q: %w", path, name, err)
		}
		ttl, okTTL := defTTL, haveTTL
		if v, ok := rawMap[keyTTL]; ok {
			t, err := ParseTTL(strings.TrimSpace(fmt.Sprint(v)))
			if err != nil {
				return fmt.Errorf("%s: owner %q: %w", path, name, err)
			}
			ttl, okTTL = t, true
		}

		types := make([]string, 0, len(rawMap))
		for t := range rawMap {
			if t != keyTTL {
				types = append(types, t)
			}
		}
		sort.Strings(types)

		for _, typ := range types {
			rt, ok := lookupType(typ)
			if !ok {
				return fmt.Errorf("%s: owner %q: unsupported record type %q", path, name, typ)
			}
			if !okTTL {
				return fmt.Errorf("%s: owner %q: TTL not specified", path, name)
			}
			for i, v := range toStringValues(rawMap[typ]) {
				rdata, probe, err := splitProbe(v)
				if err != nil {
					return fmt.Errorf("%s: %s %s: %w", path, name, typ, err)
				}
				rec, err := buildRecord(rt, rdata, probe)
				if err != nil {
					return fmt.Errorf("%s: %s %s: %w", path, name, typ, err)
				}
				rec.Label, rec.Wildcard, rec.TTL = label, wild, ttl
				p := pending{rec: rec, source: fmt.Sprintf("%s:%s/%s[%d]", path, name, typ, i)}
				if rt.kind.Steering() == zonedb.SteerNone {
					plain = append(plain, p)
				} else {
					steered = append(steered, p)
				}
			}
		}
	}

	for _, p := range append(plain, steered...) {
		p.rec.Source = p.source
		if _, err := zb.Insert(p.rec); err != nil {
			return fmt.Errorf("%s: %w", p.source, err)
		}
	}
	return nil
}

// toStringValues converts a raw koanf value (a string, number or list of
// them) into non-empty strings.
func toStringValues(val any) []string {
	switch v := val.(type) {
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return nil
		}
		return []string{s}
	case []any:
		out := make([]string, 0, len(v))
		for _, elem := range v {
			out = append(out, toStringValues(elem)...)
		}
		return out
	case nil:
		return nil
	default:
		return toStringValues(fmt.Sprint(v))
	}
}
