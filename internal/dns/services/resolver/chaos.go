package resolver

import (
	"net/netip"

	"github.com/haukened/rr-gslb/internal/dns/domain"
	"github.com/haukened/rr-gslb/internal/dns/gateways/wire"
)

// Chaos configures the CHAOS class TXT names. Status and Load are served
// only to clients inside Allow.
type Chaos struct {
	Version  string
	Hostname string
	Allow    []netip.Prefix
	Status   func() string
	Load     func() string
}

type chaosEntry struct {
	restricted bool
	value      func(c *Chaos) string
}

func constant(s string) func(*Chaos) string { return func(*Chaos) string { return s } }

var chaosNames = map[string]chaosEntry{
	"version.bind.":    {value: func(c *Chaos) string { return c.Version }},
	"version.server.":  {value: func(c *Chaos) string { return c.Version }},
	"id.server.":       {value: func(c *Chaos) string { return c.Hostname }},
	"hostname.server.": {value: func(c *Chaos) string { return c.Hostname }},
	"xyzzy.":           {value: constant("nothing happens")},
	"plugh.":           {value: constant("Y2")},
	"status.server.":   {restricted: true, value: func(c *Chaos) string { return call(c.Status) }},
	"load.server.":     {restricted: true, value: func(c *Chaos) string { return call(c.Load) }},
}

func call(f func() string) string {
	if f == nil {
		return ""
	}
	return f()
}

// allowed reports whether addr may read restricted names.
func (c *Chaos) allowed(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range c.Allow {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// answerChaos serves the CHAOS TXT names. Unknown names are NXDOMAIN,
// known names asked for a type other than TXT get an empty NOERROR.
func (r *Resolver) answerChaos(q *domain.Query, client netip.Addr) ([]byte, domain.RCode) {
	r.stats.Chaos()

	resp := wire.NewResponse(q)
	resp.CopyQuestion()
	resp.SetFlags(domain.FlagAA)

	qtype := q.Type
	if qtype == domain.RRTypeANY {
		qtype = domain.RRTypeTXT
	}

	rcode := domain.RCodeNXDomain
	if e, ok := chaosNames[q.Name]; ok {
		switch {
		case qtype != domain.RRTypeTXT:
			rcode = domain.RCodeNoError
		case e.restricted && !r.chaos.allowed(client):
			rcode = domain.RCodeRefused
		default:
			resp.AddChaosTXT(e.value(&r.chaos))
			rcode = domain.RCodeNoError
		}
	}
	return resp.Finish(rcode), rcode
}
