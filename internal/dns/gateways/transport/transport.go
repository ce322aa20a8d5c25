// Package transport runs the UDP and TCP listeners. Listeners move raw
// messages between sockets and a resolver.RequestHandler; they never look
// inside a message beyond TCP framing.
package transport

import (
	"context"
	"time"

	"github.com/haukened/rr-gslb/internal/dns/common/log"
	"github.com/haukened/rr-gslb/internal/dns/services/resolver"
)

// ServerTransport is a listener serving one protocol on one address.
type ServerTransport interface {
	// Start binds the socket and begins serving in the background. The
	// listener stops when ctx is canceled or Stop is called.
	Start(ctx context.Context, handler resolver.RequestHandler) error

	// Stop closes the socket and waits for in-flight requests.
	Stop() error

	// Address returns the bound address once started, else the configured one.
	Address() string
}

// TransportType names a listener protocol.
type TransportType string

const (
	// TransportUDP is DNS over UDP (RFC 1035 4.2.1).
	TransportUDP TransportType = "udp"

	// TransportTCP is DNS over TCP with a two byte length prefix (RFC 1035 4.2.2).
	TransportTCP TransportType = "tcp"
)

const (
	DefaultUDPWorkers = 16
	DefaultTCPWorkers = 64
	DefaultTimeout    = 5 * time.Second
)

// Options configures a listener.
type Options struct {
	Addr string
	// Workers is the UDP reader pool size or the TCP connection limit.
	Workers int
	// Timeout bounds each request, and each TCP read and write.
	Timeout time.Duration
	Logger  log.Logger
}

func (o Options) withDefaults(t TransportType) Options {
	if o.Workers <= 0 {
		if t == TransportTCP {
			o.Workers = DefaultTCPWorkers
		} else {
			o.Workers = DefaultUDPWorkers
		}
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Logger == nil {
		o.Logger = log.NewNoopLogger()
	}
	return o
}
