package wire

import (
	"errors"
	"fmt"

	"github.com/haukened/rr-gslb/internal/dns/domain"
)

// ErrDrop marks a message that must not be answered at all: too short to
// carry a header, or itself a response.
var ErrDrop = errors.New("message dropped")

// DecodeError is a query that is answered with an error rcode.
type DecodeError struct {
	RCode domain.RCode
	// Echo is set when the question was parsed and may be copied into the reply.
	Echo   bool
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %s", e.RCode, e.Reason)
}

func formErr(reason string) *DecodeError {
	return &DecodeError{RCode: domain.RCodeFormErr, Reason: reason}
}
