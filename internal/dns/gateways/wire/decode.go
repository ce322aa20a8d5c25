package wire

import (
	"encoding/binary"

	"github.com/haukened/rr-gslb/internal/dns/common/utils"
	"github.com/haukened/rr-gslb/internal/dns/domain"
)

const (
	offFlags   = 2
	offQDCount = 4
	offANCount = 6
	offNSCount = 8
	offARCount = 10

	opcodeShift = 11
	opcodeMask  = 0xf
	rcodeMask   = 0xf
)

// DecodeQuery parses one query message.
//
// Messages shorter than a header or with QR set yield ErrDrop. Everything
// else that cannot be served yields a *DecodeError carrying the rcode.
func DecodeQuery(data []byte, proto domain.Protocol) (domain.Query, error) {
	q := domain.Query{MaxSize: proto.MaxSize()}
	if len(data) < domain.HeaderSize {
		return q, ErrDrop
	}

	q.ID = binary.BigEndian.Uint16(data[0:])
	q.Flags = binary.BigEndian.Uint16(data[offFlags:])
	if q.Flags&domain.FlagQR != 0 {
		return q, ErrDrop
	}
	q.Opcode = domain.Opcode((q.Flags >> opcodeShift) & opcodeMask)

	if q.Flags&rcodeMask != 0 {
		return q, formErr("nonzero rcode in query")
	}

	qdcount := binary.BigEndian.Uint16(data[offQDCount:])
	arcount := binary.BigEndian.Uint16(data[offARCount:])

	switch q.Opcode {
	case domain.OpcodeStatus:
		return q, nil
	case domain.OpcodeQuery:
	default:
		if qdcount == 1 {
			_, _ = parseQuestion(data, &q)
		}
		return q, &DecodeError{RCode: domain.RCodeNotImp, Echo: q.HasQuestion(), Reason: "unsupported opcode " + q.Opcode.String()}
	}

	if qdcount != 1 {
		return q, formErr("expected exactly one question")
	}

	end, err := parseQuestion(data, &q)
	if err != nil {
		return q, err
	}

	if arcount > 0 {
		parseEDNS(data, end, &q, proto)
	}
	return q, nil
}

// parseQuestion decodes the question starting right after the header and
// returns the offset just past it.
func parseQuestion(data []byte, q *domain.Query) (int, error) {
	name, offsets, end, err := decodeName(data, domain.HeaderSize)
	if err != nil {
		return 0, err
	}
	if end+4 > len(data) {
		return 0, formErr("question truncated")
	}

	q.Name = name
	q.LabelOffsets = offsets
	q.Type = domain.RRType(binary.BigEndian.Uint16(data[end:]))
	q.Class = domain.RRClass(binary.BigEndian.Uint16(data[end+2:]))
	if q.Class == domain.RRClassANY {
		q.Class = domain.RRClassIN
	}
	end += 4
	q.Question = append([]byte(nil), data[domain.HeaderSize:end]...)
	return end, nil
}

// decodeName expands an uncompressed name at off. It returns the lowercased,
// dot-terminated name, the offset of every label (the final entry is the
// root byte) and the offset following the name.
func decodeName(data []byte, off int) (string, []int, int, error) {
	var (
		buf     = make([]byte, 0, 64)
		offsets = make([]int, 0, 8)
		wirelen = 0
	)
	for {
		if off >= len(data) {
			return "", nil, 0, formErr("name truncated")
		}
		offsets = append(offsets, off)
		n := int(data[off])
		if n == 0 {
			off++
			wirelen++
			break
		}
		if n > utils.MaxLabelLen {
			// also rejects compression pointers, which are never valid in a question
			return "", nil, 0, formErr("invalid label length")
		}
		wirelen += n + 1
		if wirelen >= utils.MaxNameLen {
			return "", nil, 0, formErr("name too long")
		}
		off++
		if off+n > len(data) {
			return "", nil, 0, formErr("label truncated")
		}
		for _, c := range data[off : off+n] {
			if c >= 'A' && c <= 'Z' {
				c += 'a' - 'A'
			}
			buf = append(buf, c)
		}
		buf = append(buf, '.')
		off += n
	}
	if len(buf) == 0 {
		return ".", offsets, off, nil
	}
	return string(buf), offsets, off, nil
}
