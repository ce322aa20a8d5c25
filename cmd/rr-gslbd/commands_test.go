package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestGeoDBCommands(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "v4.yaml")
	require.NoError(t, os.WriteFile(src, []byte(`family: 4
datacenters: [east, west]
records:
  - prefix: 198.51.100.0/24
    metrics: [10, 50]
  - prefix: 10.0.0.0/8
    unknown: true
`), 0o644))
	db := filepath.Join(dir, "v4.gmdb")

	out, err := run(t, "geodb", "build", src, db)
	require.NoError(t, err)
	assert.Contains(t, out, "IPv4, 2 datacenters, 2 records")

	out, err = run(t, "geodb", "lookup", db, "198.51.100.7", "10.1.2.3", "192.0.2.1")
	require.NoError(t, err)
	assert.Contains(t, out, "198.51.100.7: found /24 east=10 west=50")
	assert.Contains(t, out, "10.1.2.3: unknown /8")
	assert.Contains(t, out, "192.0.2.1: not-found")

	out, err = run(t, "geodb", "dump", db)
	require.NoError(t, err)
	assert.Contains(t, out, "prefix: 198.51.100.0/24")
	assert.Contains(t, out, "unknown: true")

	_, err = run(t, "geodb", "lookup", db, "not-an-address")
	assert.Error(t, err)
	_, err = run(t, "geodb", "build", filepath.Join(dir, "missing.yaml"), db)
	assert.Error(t, err)
}

func TestCheckCommand(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "example.com.zone")
	require.NoError(t, os.WriteFile(good, []byte(appZone), 0o644))

	out, err := run(t, "check", "example.com="+good)
	require.NoError(t, err)
	assert.Contains(t, out, "example.com.: "+good)
	assert.Contains(t, out, "ok: 1 zones")

	bad := filepath.Join(dir, "bad.zone")
	require.NoError(t, os.WriteFile(bad, []byte(appZone+"oops A not-an-ip\n"), 0o644))
	_, err = run(t, "check", "example.org="+bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.zone:9")

	_, err = run(t, "check", "nonsense")
	assert.Error(t, err)

	gmdb := writeGeoDB(t, dir)
	_, err = run(t, "check", "--geodb-ipv4", gmdb, "example.com="+good)
	assert.NoError(t, err)
}

func TestBuildQuery(t *testing.T) {
	m, err := buildQuery([]string{"www.example.com", "aaaa"}, "IN", "", false)
	require.NoError(t, err)
	assert.Equal(t, "www.example.com.", m.Question[0].Name)
	assert.Equal(t, dns.TypeAAAA, m.Question[0].Qtype)
	assert.Nil(t, m.IsEdns0())

	m, err = buildQuery([]string{"version.bind"}, "ch", "2001:db8::1/48", true)
	require.NoError(t, err)
	assert.Equal(t, uint16(dns.ClassCHAOS), m.Question[0].Qclass)
	opt := m.IsEdns0()
	require.NotNil(t, opt)
	require.Len(t, opt.Option, 2)
	ecs := opt.Option[1].(*dns.EDNS0_SUBNET)
	assert.Equal(t, uint16(2), ecs.Family)
	assert.Equal(t, uint8(48), ecs.SourceNetmask)
	assert.Equal(t, "2001:db8::", ecs.Address.String())

	_, err = buildQuery([]string{"x", "BOGUS"}, "IN", "", false)
	assert.Error(t, err)
	_, err = buildQuery([]string{"x"}, "XX", "", false)
	assert.Error(t, err)
	_, err = buildQuery([]string{"x"}, "IN", "nope", false)
	assert.Error(t, err)
}
