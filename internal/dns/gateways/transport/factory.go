package transport

import (
	"fmt"
)

// NewTransport creates a listener of the given type.
func NewTransport(transportType TransportType, opts Options) (ServerTransport, error) {
	switch transportType {
	case TransportUDP:
		return NewUDPTransport(opts), nil
	case TransportTCP:
		return NewTCPTransport(opts), nil
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", transportType)
	}
}

// GetSupportedTransports returns the listener types NewTransport accepts.
func GetSupportedTransports() []TransportType {
	return []TransportType{TransportUDP, TransportTCP}
}

// IsTransportSupported checks if a given transport type is currently supported.
func IsTransportSupported(transportType TransportType) bool {
	for _, t := range GetSupportedTransports() {
		if t == transportType {
			return true
		}
	}
	return false
}
