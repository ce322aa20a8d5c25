package wire

import (
	"encoding/binary"

	"github.com/haukened/rr-gslb/internal/dns/common/utils"
	"github.com/haukened/rr-gslb/internal/dns/domain"
)

// Section selects one of the three record sections of a response.
type Section int

const (
	SectionAnswer Section = iota
	SectionAuthority
	SectionAdditional
)

const (
	pointerMask    = 0xC000
	questionOffset = domain.HeaderSize
)

// Response is a bounded answer buffer. Writes never go past the capacity
// chosen at construction; a write that does not fit marks the buffer short
// and the enclosing Add rolls back to where the record started.
type Response struct {
	q     *domain.Query
	buf   []byte
	pos   int
	short bool

	flags     uint16
	qdcount   uint16
	counts    [3]uint16
	truncated bool

	zone  string
	zpos  int
	scope uint8
}

// NewResponse allocates a response buffer sized by q.MaxSize.
func NewResponse(q *domain.Query) *Response {
	size := q.MaxSize
	if size < domain.HeaderSize {
		size = domain.MaxUDPSize
	}
	return &Response{
		q:   q,
		buf: make([]byte, size),
		pos: domain.HeaderSize,
	}
}

// Capacity returns the buffer ceiling in bytes.
func (r *Response) Capacity() int { return len(r.buf) }

// Len returns the number of bytes written so far, header included.
func (r *Response) Len() int { return r.pos }

// Truncated reports whether an answer had to be dropped for space.
func (r *Response) Truncated() bool { return r.truncated }

// Count returns the number of records in a section.
func (r *Response) Count(s Section) uint16 { return r.counts[s] }

// SetFlags ors header flag bits into the reply.
func (r *Response) SetFlags(f uint16) { r.flags |= f }

// ClearFlags removes header flag bits from the reply.
func (r *Response) ClearFlags(f uint16) { r.flags &^= f }

// SetScope sets the client-subnet scope mask echoed by AddEDNS.
func (r *Response) SetScope(mask uint8) { r.scope = mask }

// Zone returns the zone set by SetZone.
func (r *Response) Zone() string { return r.zone }

// CopyQuestion echoes the question section verbatim.
func (r *Response) CopyQuestion() bool {
	if !r.q.HasQuestion() || r.qdcount > 0 {
		return false
	}
	if !r.fits(len(r.q.Question)) {
		r.short = false
		return false
	}
	r.pos += copy(r.buf[r.pos:], r.q.Question)
	r.qdcount = 1
	return true
}

// SetZone records the answering zone and locates its apex inside the
// question name, the second compression anchor. The question name must lie
// within zone.
func (r *Response) SetZone(zone string) bool {
	off, ok := r.q.SuffixOffset(utils.CountLabels(zone))
	if !ok || !utils.IsSubdomain(r.q.Name, zone) {
		return false
	}
	r.zone = zone
	r.zpos = off
	return true
}

// Add runs write as one all-or-nothing record. A record that does not fit
// is rolled back; in the answer section that also sets TC. Once TC is set
// the authority and additional sections refuse further records.
func (r *Response) Add(s Section, write func(w *Response)) bool {
	if r.truncated && s != SectionAnswer {
		return false
	}
	mark := r.pos
	write(r)
	if r.short {
		r.pos = mark
		r.short = false
		if s == SectionAnswer {
			r.truncated = true
		}
		return false
	}
	r.counts[s]++
	return true
}

func (r *Response) fits(n int) bool {
	if r.short || r.pos+n > len(r.buf) {
		r.short = true
		return false
	}
	return true
}

func (r *Response) PutUint8(v uint8) {
	if r.fits(1) {
		r.buf[r.pos] = v
		r.pos++
	}
}

func (r *Response) PutUint16(v uint16) {
	if r.fits(2) {
		binary.BigEndian.PutUint16(r.buf[r.pos:], v)
		r.pos += 2
	}
}

func (r *Response) PutUint32(v uint32) {
	if r.fits(4) {
		binary.BigEndian.PutUint32(r.buf[r.pos:], v)
		r.pos += 4
	}
}

func (r *Response) PutBytes(b []byte) {
	if r.fits(len(b)) {
		r.pos += copy(r.buf[r.pos:], b)
	}
}

// PutQuestionName writes a pointer to the question name.
func (r *Response) PutQuestionName() {
	r.PutUint16(pointerMask | questionOffset)
}

// PutZoneName writes zone-relative labels followed by a pointer to the zone
// apex. Without a zone it writes a bare root terminator after the labels.
func (r *Response) PutZoneName(labels []byte) {
	r.PutBytes(labels)
	if r.zone == "" {
		r.PutUint8(0)
		return
	}
	r.PutUint16(pointerMask | uint16(r.zpos))
}

// PutName writes a complete uncompressed name.
func (r *Response) PutName(wire []byte) {
	r.PutBytes(wire)
}

// PutRRHeader writes type, class and TTL plus a placeholder rdlength, and
// returns the offset EndRR needs to back-patch the length.
func (r *Response) PutRRHeader(t domain.RRType, c domain.RRClass, ttl uint32) int {
	r.PutUint16(uint16(t))
	r.PutUint16(uint16(c))
	r.PutUint32(ttl)
	at := r.pos
	r.PutUint16(0)
	return at
}

// EndRR patches the rdlength written by PutRRHeader.
func (r *Response) EndRR(lenAt int) {
	if r.short {
		return
	}
	binary.BigEndian.PutUint16(r.buf[lenAt:], uint16(r.pos-lenAt-2))
}

// AddChaosTXT answers with a class CH TXT record owned by the question name.
func (r *Response) AddChaosTXT(text string) bool {
	if len(text) > 255 {
		text = text[:255]
	}
	return r.Add(SectionAnswer, func(w *Response) {
		w.PutQuestionName()
		lenAt := w.PutRRHeader(domain.RRTypeTXT, domain.RRClassCH, chaosTTL)
		w.PutUint8(uint8(len(text)))
		w.PutBytes([]byte(text))
		w.EndRR(lenAt)
	})
}

const chaosTTL = 300

// Finish back-patches the header and returns the encoded message.
// QR is always set, RD is copied from the query and TC reflects truncation.
func (r *Response) Finish(rcode domain.RCode) []byte {
	flags := r.flags | domain.FlagQR | (r.q.Flags & domain.FlagRD)
	flags |= uint16(r.q.Opcode&opcodeMask) << opcodeShift
	flags |= uint16(rcode) & rcodeMask
	if r.truncated {
		flags |= domain.FlagTC
	}
	binary.BigEndian.PutUint16(r.buf[0:], r.q.ID)
	binary.BigEndian.PutUint16(r.buf[offFlags:], flags)
	binary.BigEndian.PutUint16(r.buf[offQDCount:], r.qdcount)
	binary.BigEndian.PutUint16(r.buf[offANCount:], r.counts[SectionAnswer])
	binary.BigEndian.PutUint16(r.buf[offNSCount:], r.counts[SectionAuthority])
	binary.BigEndian.PutUint16(r.buf[offARCount:], r.counts[SectionAdditional])
	return r.buf[:r.pos]
}

// ErrorResponse builds a header-only error reply, echoing the question
// when echo is set and the question was parsed.
func ErrorResponse(q *domain.Query, rcode domain.RCode, echo bool) []byte {
	r := NewResponse(q)
	if echo {
		r.CopyQuestion()
	}
	return r.Finish(rcode)
}

// StatusResponse answers a STATUS opcode with an empty NOERROR header.
func StatusResponse(q *domain.Query) []byte {
	return NewResponse(q).Finish(domain.RCodeNoError)
}
