// Package zone loads zone files into a zonedb.Builder. Two formats are
// read: the BIND-like text format with GLB extensions, and structured
// YAML, JSON or TOML files mapping owners to record types and values.
package zone

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/haukened/rr-gslb/internal/dns/repos/zonedb"
)

// Config names one zone and the file it is loaded from.
type Config struct {
	Name string
	Path string
}

// ParseConfig reads a "name=path" zone spec.
func ParseConfig(spec string) (Config, error) {
	name, path, ok := strings.Cut(spec, "=")
	name, path = strings.TrimSpace(name), strings.TrimSpace(path)
	if !ok || name == "" || path == "" {
		return Config{}, fmt.Errorf("invalid zone spec %q, expected name=path", spec)
	}
	return Config{Name: name, Path: path}, nil
}

// Load reads every configured zone and builds a new DB. Any error aborts
// the whole load; the caller keeps serving its previous DB.
func Load(zones []Config, flags zonedb.FlagSource, dcs zonedb.DatacenterValidator) (*zonedb.DB, error) {
	b := zonedb.NewBuilder(flags, dcs)
	for _, zc := range zones {
		if err := LoadFile(b, zc); err != nil {
			return nil, err
		}
	}
	return b.Build()
}

// LoadFile adds one zone to b, choosing the format by file extension.
func LoadFile(b *zonedb.Builder, zc Config) error {
	zb, err := b.AddZone(zc.Name, zc.Path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(zc.Path)) {
	case ".yaml", ".yml", ".json", ".toml":
		err = loadStructured(zc.Path, zb)
	default:
		err = loadText(zc.Path, zb)
	}
	if err != nil {
		return fmt.Errorf("zone %s: %w", zb.Name(), err)
	}
	if err := zb.Finish(); err != nil {
		return fmt.Errorf("%s: %w", zc.Path, err)
	}
	return nil
}

func loadText(path string, zb *zonedb.ZoneBuilder) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return Parse(f, path, zb)
}
