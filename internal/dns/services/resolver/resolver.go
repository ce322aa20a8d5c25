// Package resolver answers authoritative queries from the published zone
// database, steering GLB names through the glb package.
package resolver

import (
	"context"
	"errors"
	"net/netip"

	"github.com/haukened/rr-gslb/internal/dns/common/log"
	"github.com/haukened/rr-gslb/internal/dns/domain"
	"github.com/haukened/rr-gslb/internal/dns/gateways/wire"
	"github.com/haukened/rr-gslb/internal/dns/services/glb"
)

type Resolver struct {
	zones  ZoneSource
	glb    Selector
	codec  wire.DNSCodec
	logger log.Logger
	reqlog *log.Sampler
	stats  Stats
	nsid   []byte
	chaos  Chaos
}

type ResolverOptions struct {
	Zones  ZoneSource
	GLB    Selector
	Codec  wire.DNSCodec
	Logger log.Logger
	// RequestLog receives a sample of answered queries. Nil disables it.
	RequestLog *log.Sampler
	Stats      Stats
	// NSID is returned to clients sending the NSID option.
	NSID  []byte
	Chaos Chaos
}

func NewResolver(opts ResolverOptions) *Resolver {
	r := &Resolver{
		zones:  opts.Zones,
		glb:    opts.GLB,
		codec:  opts.Codec,
		logger: opts.Logger,
		reqlog: opts.RequestLog,
		stats:  opts.Stats,
		nsid:   opts.NSID,
		chaos:  opts.Chaos,
	}
	if r.logger == nil {
		r.logger = log.NewNoopLogger()
	}
	if r.codec == nil {
		r.codec = wire.NewCodec(r.logger)
	}
	if r.glb == nil {
		r.glb = glb.NewResolver(glb.Options{})
	}
	if r.stats == nil {
		r.stats = nopStats{}
	}
	return r
}

// outcome is what the request log and counters need about a reply.
type outcome struct {
	rcode    domain.RCode
	decision *glb.Decision
}

// HandleRequest decodes one message and builds its reply. It returns nil
// for messages that must not be answered and when ctx expires before the
// reply is complete.
func (r *Resolver) HandleRequest(ctx context.Context, req domain.Request) []byte {
	r.stats.Request(req.Protocol)

	q, err := r.codec.DecodeQuery(req.Data, req.Protocol)
	if err != nil {
		var de *wire.DecodeError
		if !errors.As(err, &de) {
			r.stats.Drop()
			return nil
		}
		return r.reply(req, &q, wire.ErrorResponse(&q, de.RCode, de.Echo), outcome{rcode: de.RCode})
	}
	if ctx.Err() != nil {
		return nil
	}

	db := r.zones.Load()
	if db == nil {
		return r.reply(req, &q, wire.ErrorResponse(&q, domain.RCodeServFail, true), outcome{rcode: domain.RCodeServFail})
	}

	if q.Opcode == domain.OpcodeStatus {
		return r.reply(req, &q, wire.StatusResponse(&q), outcome{rcode: domain.RCodeNoError})
	}

	if q.EDNS.Present {
		r.stats.EDNS()
		if q.EDNS.Subnet != nil {
			r.stats.ClientSubnet()
		}
	}

	switch q.Class {
	case domain.RRClassCH:
		msg, rcode := r.answerChaos(&q, req.Client.Addr())
		return r.reply(req, &q, msg, outcome{rcode: rcode})
	case domain.RRClassIN:
	default:
		return r.reply(req, &q, wire.ErrorResponse(&q, domain.RCodeNotImp, true), outcome{rcode: domain.RCodeNotImp})
	}

	a := &answer{r: r, q: &q, db: db, client: clientAddr(&q, req.Client)}
	msg, err := a.build(ctx)
	if err != nil {
		r.logger.Debug(map[string]any{
			"name":   q.Name,
			"client": req.Client.String(),
			"error":  err.Error(),
		}, "request abandoned")
		return nil
	}
	return r.reply(req, &q, msg, outcome{rcode: a.rcode, decision: a.decision})
}

// clientAddr is the address steering locates: the EDNS client subnet when
// present, else the source address.
func clientAddr(q *domain.Query, src netip.AddrPort) netip.Addr {
	if q.EDNS.Subnet != nil {
		return q.EDNS.Subnet.Address()
	}
	return src.Addr().Unmap()
}

// reply counts and samples a finished reply.
func (r *Resolver) reply(req domain.Request, q *domain.Query, msg []byte, o outcome) []byte {
	r.stats.Response(o.rcode)
	if r.reqlog.Sample() {
		r.reqlog.Log(requestFields(req, q, msg, o))
	}
	return msg
}

func requestFields(req domain.Request, q *domain.Query, msg []byte, o outcome) map[string]any {
	f := map[string]any{
		"client": req.Client.Addr().String(),
		"proto":  req.Protocol.String(),
		"id":     q.ID,
		"name":   q.Name,
		"type":   q.Type.String(),
		"class":  q.Class.String(),
		"rcode":  o.rcode.String(),
		"size":   len(msg),
	}
	if len(msg) >= domain.HeaderSize {
		f["flags"] = uint16(msg[2])<<8 | uint16(msg[3])
	}
	if q.EDNS.Present {
		f["edns_size"] = q.EDNS.UDPSize
		if cs := q.EDNS.Subnet; cs != nil {
			f["subnet"] = netip.PrefixFrom(cs.Address(), int(cs.SourceMask)).String()
		}
	}
	if o.decision != nil {
		f["glb"] = o.decision.Flags.String()
	}
	return f
}
