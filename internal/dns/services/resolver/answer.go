package resolver

import (
	"context"
	"net/netip"

	"github.com/haukened/rr-gslb/internal/dns/domain"
	"github.com/haukened/rr-gslb/internal/dns/gateways/wire"
	"github.com/haukened/rr-gslb/internal/dns/repos/zonedb"
	"github.com/haukened/rr-gslb/internal/dns/services/glb"
)

// answer builds the reply to one IN class query.
type answer struct {
	r      *Resolver
	q      *domain.Query
	db     *zonedb.DB
	client netip.Addr

	resp *wire.Response
	set  *zonedb.RecordSet
	zone *zonedb.Zone

	rcode    domain.RCode
	decision *glb.Decision
	// hasNS is set once an NS record went into the answer or authority
	// section, which replaces the zone NS authority
	hasNS bool
	// referral is set when a delegation NS went into the authority section
	referral bool
}

func (a *answer) build(ctx context.Context) ([]byte, error) {
	a.set, a.zone = a.db.Resolve(a.q.Name)
	if a.zone == nil {
		a.rcode = domain.RCodeRefused
		return wire.ErrorResponse(a.q, domain.RCodeRefused, true), nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.resp = wire.NewResponse(a.q)
	a.resp.SetFlags(domain.FlagAA)
	a.resp.CopyQuestion()
	a.resp.SetZone(a.zone.Name())

	if a.set == nil {
		a.rcode = domain.RCodeNXDomain
	} else if err := a.addAnswers(ctx); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp := a.resp
	if resp.Count(wire.SectionAnswer) > 0 || resp.Count(wire.SectionAuthority) > 0 {
		if !resp.Truncated() {
			if !a.hasNS {
				a.addZoneNS()
			}
			a.addAdditional()
			if !a.hasNS {
				a.addZoneNSGlue()
			}
		}
	} else {
		a.addSOA()
	}

	if a.referral && resp.Count(wire.SectionAnswer) == 0 {
		resp.ClearFlags(domain.FlagAA)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if a.q.EDNS.Present && !resp.Truncated() {
		if a.decision != nil && a.decision.Flags&glb.FlagLocated != 0 {
			resp.SetScope(a.decision.Scope)
		}
		resp.AddEDNS(a.r.nsid)
	}
	return resp.Finish(a.rcode), nil
}

// addAnswers fills the answer section from the matched set, or the
// authority section for a delegation. It stops at the first record that
// does not fit.
func (a *answer) addAnswers(ctx context.Context) error {
	if a.set.Steering() != zonedb.SteerNone {
		return a.addSteered(ctx)
	}

	qtype := a.q.Type
	for _, id := range a.set.Records() {
		rec := a.db.Record(id)
		if rec.Type == domain.RRTypeNS && rec.Delegation() {
			if a.resp.Add(wire.SectionAuthority, func(w *wire.Response) { rec.Put(w, false) }) {
				a.hasNS, a.referral = true, true
			}
			continue
		}
		if !rec.CanSatisfy(qtype) {
			continue
		}
		if rec.Type == domain.RRTypeNS {
			a.hasNS = true
		}
		if rec.Kind == zonedb.KindAlias {
			if !a.addAlias(rec) {
				return nil
			}
			continue
		}
		if !a.addRecord(rec, qtype) {
			return nil
		}
	}
	return nil
}

// addRecord writes rec as an answer owned by the question name. A CNAME
// answering another type brings its same-zone target addresses along.
func (a *answer) addRecord(rec *zonedb.Record, qtype domain.RRType) bool {
	if !a.resp.Add(wire.SectionAnswer, func(w *wire.Response) { rec.Put(w, true) }) {
		return false
	}
	if rec.Type == domain.RRTypeCNAME && qtype != domain.RRTypeCNAME && qtype != domain.RRTypeANY {
		for _, gid := range rec.Additional() {
			glue := a.db.Record(gid)
			if !a.resp.Add(wire.SectionAnswer, func(w *wire.Response) { glue.Put(w, false) }) {
				return false
			}
		}
	}
	return true
}

// addAlias answers with the address, text and MX records of the alias
// target as if they were owned by the question name.
func (a *answer) addAlias(rec *zonedb.Record) bool {
	target := rec.AliasTarget()
	if target == zonedb.NoSet {
		return true
	}
	for _, id := range a.db.Set(target).Records() {
		t := a.db.Record(id)
		switch t.Kind {
		case zonedb.KindAddress, zonedb.KindText, zonedb.KindMX:
		default:
			continue
		}
		if !t.CanSatisfy(a.q.Type) {
			continue
		}
		if !a.resp.Add(wire.SectionAnswer, func(w *wire.Response) { t.Put(w, true) }) {
			return false
		}
	}
	return true
}

// addSteered asks the selector for a target set and answers with its
// healthy compatible records.
func (a *answer) addSteered(ctx context.Context) error {
	if !glb.Steered(a.q.Type) {
		return nil
	}
	d, err := a.r.glb.Select(ctx, a.db, a.set, a.q.Type, a.client)
	if err != nil {
		return err
	}
	a.decision = &d
	if d.Target == zonedb.NoSet {
		return nil
	}
	for _, id := range a.db.Set(d.Target).Records() {
		rec := a.db.Record(id)
		if !rec.CanSatisfy(a.q.Type) || !rec.Healthy() {
			continue
		}
		if rec.Kind == zonedb.KindAlias {
			if !a.addAlias(rec) {
				return nil
			}
			continue
		}
		if !a.addRecord(rec, a.q.Type) {
			return nil
		}
	}
	return nil
}

// addZoneNS lists the zone apex NS records as authority.
func (a *answer) addZoneNS() {
	for _, id := range a.zone.NS() {
		rec := a.db.Record(id)
		a.resp.Add(wire.SectionAuthority, func(w *wire.Response) { rec.Put(w, false) })
	}
}

// addZoneNSGlue adds the addresses of the zone name servers.
func (a *answer) addZoneNSGlue() {
	for _, id := range a.zone.NS() {
		a.addGlue(a.db.Record(id))
	}
}

// addAdditional adds glue for the answered records of the matched set,
// and for the name servers of a delegation.
func (a *answer) addAdditional() {
	if a.set == nil {
		return
	}
	qtype := a.q.Type
	for _, id := range a.set.Records() {
		rec := a.db.Record(id)
		if qtype == domain.RRTypeANY || qtype == rec.Type || (rec.Type == domain.RRTypeNS && rec.Delegation()) {
			a.addGlue(rec)
		}
	}
}

func (a *answer) addGlue(rec *zonedb.Record) {
	for _, gid := range rec.Additional() {
		glue := a.db.Record(gid)
		a.resp.Add(wire.SectionAdditional, func(w *wire.Response) { glue.Put(w, false) })
	}
}

// addSOA puts the zone SOA into the authority section of an empty answer.
func (a *answer) addSOA() {
	if a.zone.SOA() == zonedb.NoRecord {
		return
	}
	soa := a.db.Record(a.zone.SOA())
	a.resp.Add(wire.SectionAuthority, func(w *wire.Response) { soa.Put(w, false) })
}
