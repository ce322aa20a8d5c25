// Package wire decodes inbound DNS queries and builds responses in the
// RFC 1035 wire format. Responses are written into a fixed-capacity buffer
// and compressed against two anchors only: the question name and the zone
// apex inside it.
package wire

import (
	"github.com/haukened/rr-gslb/internal/dns/common/log"
	"github.com/haukened/rr-gslb/internal/dns/domain"
)

// DNSCodec decodes raw query messages.
type DNSCodec interface {
	DecodeQuery(data []byte, proto domain.Protocol) (domain.Query, error)
}

// codec implements DNSCodec.
type codec struct {
	logger log.Logger
}

// NewCodec creates a codec that logs rejected messages at debug level.
func NewCodec(logger log.Logger) *codec {
	return &codec{logger: logger}
}

// DecodeQuery parses data into a Query. The returned Query carries whatever
// header fields were readable even when an error is returned, so the caller
// can still build an error reply.
func (c *codec) DecodeQuery(data []byte, proto domain.Protocol) (domain.Query, error) {
	q, err := DecodeQuery(data, proto)
	if err != nil {
		c.logger.Debug(map[string]any{
			"id":    q.ID,
			"len":   len(data),
			"proto": proto.String(),
			"error": err.Error(),
		}, "query rejected")
	}
	return q, err
}

var _ DNSCodec = &codec{}
