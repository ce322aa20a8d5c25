package zone

import (
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/haukened/rr-gslb/internal/dns/common/rrdata"
	"github.com/haukened/rr-gslb/internal/dns/domain"
	"github.com/haukened/rr-gslb/internal/dns/repos/zonedb"
)

// ErrSyntax marks malformed zone file input.
var ErrSyntax = errors.New("syntax error")

// Error locates a problem in a zone file.
type Error struct {
	File string
	Line int
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s:%d: %v", e.File, e.Line, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func syntaxErr(line int, msg string) error {
	return &Error{Line: line, Err: fmt.Errorf("%w: %s", ErrSyntax, msg)}
}

// recordType is what the type column of a zone line selects.
type recordType struct {
	kind  zonedb.Kind
	rtype domain.RRType
}

var recordTypes = map[string]recordType{
	"A":        {zonedb.KindAddress, domain.RRTypeA},
	"AAAA":     {zonedb.KindAddress, domain.RRTypeAAAA},
	"TXT":      {zonedb.KindText, domain.RRTypeTXT},
	"NS":       {zonedb.KindName, domain.RRTypeNS},
	"CNAME":    {zonedb.KindName, domain.RRTypeCNAME},
	"PTR":      {zonedb.KindName, domain.RRTypePTR},
	"MX":       {zonedb.KindMX, domain.RRTypeMX},
	"SOA":      {zonedb.KindSOA, domain.RRTypeSOA},
	"ALIAS":    {zonedb.KindAlias, 0},
	"GLB:RR":   {zonedb.KindGLBWeighted, 0},
	"GLB:MM":   {zonedb.KindGLBMetric, 0},
	"GLB:HASH": {zonedb.KindGLBHash, 0},
}

func lookupType(tok string) (recordType, bool) {
	rt, ok := recordTypes[strings.ToUpper(tok)]
	return rt, ok
}

// ParseTTL reads a time value: a plain number of seconds, or one or more
// number+unit pairs with units s, m, h, d and w ("1h30m").
func ParseTTL(s string) (uint32, error) {
	if s == "" {
		return 0, fmt.Errorf("empty time value")
	}
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		return uint32(n), nil
	}
	var total, cur uint64
	digits := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= '0' && c <= '9' {
			cur = cur*10 + uint64(c-'0')
			digits = true
			if cur > math.MaxUint32 {
				return 0, fmt.Errorf("time value %q out of range", s)
			}
			continue
		}
		if !digits {
			return 0, fmt.Errorf("invalid time value %q", s)
		}
		var mult uint64
		switch c {
		case 's', 'S':
			mult = 1
		case 'm', 'M':
			mult = 60
		case 'h', 'H':
			mult = 3600
		case 'd', 'D':
			mult = 86400
		case 'w', 'W':
			mult = 7 * 86400
		default:
			return 0, fmt.Errorf("invalid time unit %q in %q", c, s)
		}
		total += cur * mult
		cur, digits = 0, false
	}
	if digits {
		total += cur
	}
	if total > math.MaxUint32 {
		return 0, fmt.Errorf("time value %q out of range", s)
	}
	return uint32(total), nil
}

// owner splits a label column into the zone relative label and wildcard
// flag. "@" is the apex; "*" and "*.x" are wildcards.
func owner(tok string) (label string, wildcard bool, err error) {
	tok = strings.ToLower(tok)
	if strings.HasSuffix(tok, ".") {
		return "", false, fmt.Errorf("absolute owner %q not supported", tok)
	}
	switch {
	case tok == "@":
		return "", false, nil
	case tok == "*":
		return "", true, nil
	case strings.HasPrefix(tok, "*."):
		return tok[2:], true, nil
	case strings.Contains(tok, "*"):
		return "", false, fmt.Errorf("wildcard must be the leftmost label: %q", tok)
	}
	return tok, false, nil
}

// parser holds the state carried from one line to the next.
type parser struct {
	file     string
	zb       *zonedb.ZoneBuilder
	label    string
	wildcard bool
	haveOwn  bool
	ttl      uint32
	haveTTL  bool
}

// Parse reads a zone file in the BIND-like format and inserts every record
// into zb. It does not call zb.Finish.
func Parse(r io.Reader, file string, zb *zonedb.ZoneBuilder) error {
	p := &parser{file: file, zb: zb}
	lx := newLexer(r)
	for {
		ll, err := lx.next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return p.locate(ll.line, err)
		}
		if err := p.line(ll); err != nil {
			return p.locate(ll.line, err)
		}
	}
}

// locate stamps err with the file and line it belongs to.
func (p *parser) locate(line int, err error) error {
	var ze *Error
	if errors.As(err, &ze) {
		return &Error{File: p.file, Line: ze.Line, Err: ze.Err}
	}
	return &Error{File: p.file, Line: line, Err: err}
}

func (p *parser) line(ll logicalLine) error {
	text := ll.text
	if strings.HasPrefix(text, "$") {
		return p.directive(text)
	}

	rest := text
	if !ll.inherit {
		var tok string
		tok, rest = cut(rest)
		label, wild, err := owner(tok)
		if err != nil {
			return err
		}
		p.label, p.wildcard, p.haveOwn = label, wild, true
	} else if !p.haveOwn {
		return fmt.Errorf("%w: no previous owner to inherit", ErrSyntax)
	}

	tok, rest := cut(rest)
	if tok != "" && tok[0] >= '0' && tok[0] <= '9' {
		ttl, err := ParseTTL(tok)
		if err != nil {
			return err
		}
		p.ttl, p.haveTTL = ttl, true
		tok, rest = cut(rest)
	}
	if !p.haveTTL {
		return fmt.Errorf("%w: TTL not specified", ErrSyntax)
	}

	switch strings.ToUpper(tok) {
	case "IN":
		tok, rest = cut(rest)
	case "CH", "HS":
		return fmt.Errorf("class %s is not supported", strings.ToUpper(tok))
	}

	rt, ok := lookupType(tok)
	if !ok {
		return fmt.Errorf("unsupported record type %q", tok)
	}
	rdata, probe, err := splitProbe(rest)
	if err != nil {
		return err
	}
	rec, err := buildRecord(rt, rdata, probe)
	if err != nil {
		return err
	}
	rec.Label = p.label
	rec.Wildcard = p.wildcard
	rec.TTL = p.ttl
	rec.Source = fmt.Sprintf("%s:%d", p.file, ll.line)
	_, err = p.zb.Insert(rec)
	return err
}

func (p *parser) directive(text string) error {
	name, rest := cut(text)
	switch strings.ToUpper(name) {
	case "$TTL":
		ttl, err := ParseTTL(strings.TrimSpace(rest))
		if err != nil {
			return err
		}
		p.ttl, p.haveTTL = ttl, true
		return nil
	}
	return fmt.Errorf("unsupported directive %s", name)
}

// cut returns the first space separated token and the remainder.
func cut(s string) (string, string) {
	tok, rest, _ := strings.Cut(strings.TrimLeft(s, " "), " ")
	return tok, rest
}

// splitProbe separates a trailing "{ ... }" probe spec from the rdata.
func splitProbe(s string) (rdata, probe string, err error) {
	s = strings.TrimSpace(s)
	if !strings.HasSuffix(s, "}") {
		if strings.Contains(s, "{") && !strings.Contains(s, `"`) {
			return "", "", fmt.Errorf("%w: unbalanced {", ErrSyntax)
		}
		return s, "", nil
	}
	open := strings.LastIndex(s, "{")
	if open < 0 {
		return "", "", fmt.Errorf("%w: unbalanced }", ErrSyntax)
	}
	return strings.TrimSpace(s[:open]), strings.TrimSpace(s[open+1 : len(s)-1]), nil
}

// parseProbe reads "freq prog args...". freq accepts time units.
func parseProbe(spec string) (*zonedb.ProbeSpec, error) {
	fields := strings.Fields(spec)
	if len(fields) < 2 {
		return nil, fmt.Errorf("invalid probe spec %q: expected freq and program", spec)
	}
	freq, err := ParseTTL(fields[0])
	if err != nil || freq == 0 {
		return nil, fmt.Errorf("invalid probe frequency %q", fields[0])
	}
	return &zonedb.ProbeSpec{
		Interval: time.Duration(freq) * time.Second,
		Program:  fields[1],
		Args:     fields[2:],
	}, nil
}

// buildRecord turns the type and rdata columns into a record. Owner and
// TTL are filled in by the caller.
func buildRecord(rt recordType, rdata, probe string) (zonedb.Record, error) {
	rec := zonedb.Record{Kind: rt.kind, Type: rt.rtype, Class: domain.RRClassIN}
	if rdata == "" {
		return rec, fmt.Errorf("%s record without data", typeName(rt))
	}
	fields := strings.Fields(rdata)

	var err error
	switch rt.kind {
	case zonedb.KindAddress, zonedb.KindText:
		rec.Data, err = rrdata.Encode(rt.rtype, rdata)
	case zonedb.KindName, zonedb.KindAlias:
		if len(fields) != 1 {
			return rec, fmt.Errorf("%s expects one name, got %q", typeName(rt), rdata)
		}
		rec.Target = fields[0]
	case zonedb.KindMX:
		if len(fields) != 2 {
			return rec, fmt.Errorf("MX expects preference and exchange, got %q", rdata)
		}
		pref, perr := strconv.ParseUint(fields[0], 10, 16)
		if perr != nil {
			return rec, fmt.Errorf("invalid MX preference %q", fields[0])
		}
		rec.Pref = uint16(pref)
		rec.Target = fields[1]
	case zonedb.KindSOA:
		err = parseSOA(&rec, fields)
	case zonedb.KindGLBWeighted:
		err = parseGLBWeighted(&rec, fields)
	case zonedb.KindGLBMetric:
		err = parseGLBMetric(&rec, fields)
	case zonedb.KindGLBHash:
		if len(fields) != 1 {
			return rec, fmt.Errorf("GLB:Hash expects a target, got %q", rdata)
		}
		rec.Target = fields[0]
	}
	if err != nil {
		return rec, err
	}

	if probe != "" {
		rec.Probe, err = parseProbe(probe)
	}
	return rec, err
}

func typeName(rt recordType) string {
	if rt.rtype != 0 {
		return rt.rtype.String()
	}
	return rt.kind.String()
}

// mname rname serial refresh retry expire minimum
func parseSOA(rec *zonedb.Record, f []string) error {
	if len(f) != 7 {
		return fmt.Errorf("SOA expects 7 fields, got %d", len(f))
	}
	rec.SOA.MName, rec.SOA.RName = f[0], f[1]
	nums := []*uint32{&rec.SOA.Serial, &rec.SOA.Refresh, &rec.SOA.Retry, &rec.SOA.Expire, &rec.SOA.Minimum}
	names := []string{"serial", "refresh", "retry", "expire", "minimum"}
	for i, dst := range nums {
		v, err := ParseTTL(f[i+2])
		if err != nil {
			return fmt.Errorf("invalid SOA %s: %w", names[i], err)
		}
		*dst = v
	}
	return nil
}

// GLB:RR target [weight]
func parseGLBWeighted(rec *zonedb.Record, f []string) error {
	if len(f) < 1 || len(f) > 2 {
		return fmt.Errorf("GLB:RR expects target [weight]")
	}
	rec.Target = f[0]
	if len(f) == 2 {
		w, err := parseWeight(f[1])
		if err != nil {
			return err
		}
		rec.GLB.Weight = w
	}
	return nil
}

// GLB:MM target datacenter [weight] [failover]
func parseGLBMetric(rec *zonedb.Record, f []string) error {
	if len(f) < 2 || len(f) > 4 {
		return fmt.Errorf("GLB:MM expects target datacenter [weight] [failover]")
	}
	rec.Target = f[0]
	rec.GLB.Datacenter = f[1]
	rest := f[2:]
	if len(rest) > 0 && rest[0][0] >= '0' && rest[0][0] <= '9' {
		w, err := parseWeight(rest[0])
		if err != nil {
			return err
		}
		rec.GLB.Weight = w
		rest = rest[1:]
	}
	switch len(rest) {
	case 0:
	case 1:
		rec.GLB.FailoverName = rest[0]
	default:
		return fmt.Errorf("GLB:MM: unexpected %q", strings.Join(rest, " "))
	}
	return nil
}

func parseWeight(s string) (float64, error) {
	w, err := strconv.ParseFloat(s, 64)
	if err != nil || w <= 0 || math.IsInf(w, 0) || math.IsNaN(w) {
		return 0, fmt.Errorf("invalid weight %q", s)
	}
	return w, nil
}
