package config

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/haukened/rr-gslb/internal/dns/repos/zone"
)

// ConfigFileEnv names the environment variable pointing at an optional
// YAML, JSON or TOML config file.
const ConfigFileEnv = "DNS_CONFIG_FILE"

// AppConfig holds configuration values parsed from defaults, an optional
// config file and environment variables.
type AppConfig struct {
	// Env is the runtime environment, either "dev" or "prod".
	Env string `koanf:"env" validate:"required,oneof=dev prod"`

	// LogLevel controls log verbosity: "debug", "info", "warn", or "error".
	LogLevel string `koanf:"log_level" validate:"required,oneof=debug info warn error"`

	// Port is the network port the DNS listeners bind to, UDP and TCP.
	Port int `koanf:"port" validate:"required,gte=1,lt=65536"`

	UDPWorkers int `koanf:"udp_workers" validate:"required,gte=1"`
	TCPWorkers int `koanf:"tcp_workers" validate:"required,gte=1"`

	// RequestTimeout bounds one request, in seconds.
	RequestTimeout int `koanf:"request_timeout" validate:"required,gte=1"`

	// Zones lists served zones as name=path.
	Zones []string `koanf:"zones" validate:"dive,zone_spec"`

	// WatchZones reloads zones when a zone file changes.
	WatchZones bool `koanf:"watch_zones"`

	GeoDBIPv4 string `koanf:"geodb_ipv4"`
	GeoDBIPv6 string `koanf:"geodb_ipv6"`

	// GeoDBReload is the GeoMetricDB stat interval, in seconds.
	GeoDBReload int `koanf:"geodb_reload" validate:"required,gte=1"`

	// LogPercent is the share of answered queries written to the request log.
	LogPercent float64 `koanf:"log_percent" validate:"gte=0,lte=100"`

	// ProbePath is the directory probe programs are run from.
	ProbePath        string `koanf:"probe_path"`
	ProbeConcurrency int    `koanf:"probe_concurrency" validate:"required,gte=1"`

	// NSID is returned to clients asking for it. Empty means the hostname.
	NSID string `koanf:"nsid" validate:"max=128"`

	// Hostname answers hostname.server and id.server. Empty means os.Hostname.
	Hostname      string `koanf:"hostname"`
	VersionString string `koanf:"version_string"`

	// ChaosAllow lists the networks served status.server and load.server.
	ChaosAllow []string `koanf:"chaos_allow" validate:"dive,cidr"`

	// MaintDB is the bbolt file persisting maintenance flags. Empty keeps
	// them in memory only.
	MaintDB string `koanf:"maint_db"`

	// AdminAddr is the admin HTTP listen address. Empty disables it.
	AdminAddr string `koanf:"admin_addr" validate:"omitempty,listen_addr"`
}

// DEFAULT_APP_CONFIG defines the default application configuration settings for the DNS service.
var DEFAULT_APP_CONFIG = AppConfig{
	Env:              "prod",
	LogLevel:         "info",
	Port:             53,
	UDPWorkers:       16,
	TCPWorkers:       64,
	RequestTimeout:   5,
	Zones:            []string{},
	GeoDBReload:      60,
	LogPercent:       0,
	ProbePath:        "/usr/lib/rr-gslb/probes",
	ProbeConcurrency: 20,
	VersionString:    "rr-gslb",
	ChaosAllow:       []string{"127.0.0.0/8", "::1/128"},
	AdminAddr:        "127.0.0.1:9153",
}

// validListenAddr accepts host:port where the host may be empty.
func validListenAddr(fl validator.FieldLevel) bool {
	host, port, err := net.SplitHostPort(fl.Field().String())
	if err != nil || port == "" {
		return false
	}
	if host != "" && net.ParseIP(host) == nil && host != "localhost" {
		return false
	}
	portNum, err := strconv.ParseUint(port, 10, 16)
	return err == nil && portNum > 0
}

// validZoneSpec accepts name=path zone declarations.
func validZoneSpec(fl validator.FieldLevel) bool {
	_, err := zone.ParseConfig(fl.Field().String())
	return err == nil
}

// envLoader is a function that loads environment variables with the prefix "DNS_".
// It transforms the keys to lowercase and removes the prefix.
// and can be mocked in tests.
var envLoader = func(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{
		Prefix: "DNS_",
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, "DNS_"))
			value = strings.TrimSpace(value)

			if key == "config_file" {
				return "", nil
			}
			if value == "" {
				return key, value
			}

			if strings.Contains(value, " ") || strings.Contains(value, ",") {
				parts := strings.FieldsFunc(value, func(r rune) bool {
					return r == ' ' || r == ','
				})
				return key, parts
			}

			return key, value
		},
	}), nil)
}

// defaultLoader loads default configuration values into the provided Koanf instance
// using the structs provider and the DEFAULT_APP_CONFIG struct.
var defaultLoader = func(k *koanf.Koanf) error {
	return k.Load(structs.Provider(DEFAULT_APP_CONFIG, "koanf"), nil)
}

// fileLoader loads the file named by DNS_CONFIG_FILE, if set. The parser
// is chosen by extension.
var fileLoader = func(k *koanf.Koanf) error {
	path := os.Getenv(ConfigFileEnv)
	if path == "" {
		return nil
	}
	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	case ".toml":
		parser = toml.Parser()
	default:
		return fmt.Errorf("config file %s: unsupported format", path)
	}
	return k.Load(file.Provider(path), parser)
}

// registerValidation registers the custom "listen_addr" and "zone_spec" tags.
var registerValidation = func(v *validator.Validate) error {
	if err := v.RegisterValidation("listen_addr", validListenAddr); err != nil {
		return err
	}
	return v.RegisterValidation("zone_spec", validZoneSpec)
}

// Load reads defaults, the optional config file and the environment, in
// that order, and validates the result.
func Load() (*AppConfig, error) {
	k := koanf.New(".")

	err := defaultLoader(k)
	if err != nil {
		return nil, fmt.Errorf("error loading default config: %w", err)
	}

	err = fileLoader(k)
	if err != nil {
		return nil, fmt.Errorf("error loading config file: %w", err)
	}

	err = envLoader(k)
	if err != nil {
		return nil, fmt.Errorf("error loading env: %w", err)
	}

	var cfg AppConfig

	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	err = registerValidation(validate)
	if err != nil {
		return nil, fmt.Errorf("error registering validation: %w", err)
	}

	err = validate.Struct(&cfg)
	if err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &cfg, nil
}

// ZoneConfigs parses the zones list.
func (c *AppConfig) ZoneConfigs() ([]zone.Config, error) {
	out := make([]zone.Config, 0, len(c.Zones))
	for _, z := range c.Zones {
		zc, err := zone.ParseConfig(z)
		if err != nil {
			return nil, err
		}
		out = append(out, zc)
	}
	return out, nil
}

// ChaosPrefixes parses chaos_allow.
func (c *AppConfig) ChaosPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.ChaosAllow))
	for _, s := range c.ChaosAllow {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("chaos_allow %q: %w", s, err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

// ResolveHostname fills Hostname and NSID from the system hostname where
// they are empty.
func (c *AppConfig) ResolveHostname() {
	if c.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			c.Hostname = h
		}
	}
	if c.NSID == "" {
		c.NSID = c.Hostname
	}
}
