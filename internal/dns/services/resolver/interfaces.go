package resolver

import (
	"context"
	"net/netip"

	"github.com/haukened/rr-gslb/internal/dns/domain"
	"github.com/haukened/rr-gslb/internal/dns/repos/zonedb"
	"github.com/haukened/rr-gslb/internal/dns/services/glb"
)

// RequestHandler is what a transport hands every inbound message to.
type RequestHandler interface {
	// HandleRequest returns the encoded reply, or nil when the message is
	// to be dropped without an answer.
	HandleRequest(ctx context.Context, req domain.Request) []byte
}

// ZoneSource yields the currently published zone database, nil until the
// first load succeeds. *zonedb.Active implements it.
type ZoneSource interface {
	Load() *zonedb.DB
}

// Selector picks the target of a steered record set. *glb.Resolver
// implements it.
type Selector interface {
	Select(ctx context.Context, db *zonedb.DB, set *zonedb.RecordSet, qtype domain.RRType, client netip.Addr) (glb.Decision, error)
}

// Stats receives per request counters.
type Stats interface {
	Request(p domain.Protocol)
	Response(rc domain.RCode)
	Drop()
	EDNS()
	ClientSubnet()
	Chaos()
}

type nopStats struct{}

func (nopStats) Request(domain.Protocol) {}
func (nopStats) Response(domain.RCode)   {}
func (nopStats) Drop()                   {}
func (nopStats) EDNS()                   {}
func (nopStats) ClientSubnet()           {}
func (nopStats) Chaos()                  {}

var _ RequestHandler = (*Resolver)(nil)
