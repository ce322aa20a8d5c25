package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/haukened/rr-gslb/internal/dns/domain"
	"github.com/haukened/rr-gslb/internal/dns/services/resolver"
)

// maxDatagram is large enough for any UDP payload.
const maxDatagram = 65535

// UDPTransport serves DNS over UDP with a fixed pool of workers reading
// the shared socket. Each worker handles one datagram to completion.
type UDPTransport struct {
	opts Options

	mu      sync.Mutex
	conn    *net.UDPConn
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewUDPTransport creates a new UDP transport instance.
func NewUDPTransport(opts Options) *UDPTransport {
	return &UDPTransport{opts: opts.withDefaults(TransportUDP)}
}

// Start binds the socket and starts the worker pool.
func (t *UDPTransport) Start(ctx context.Context, handler resolver.RequestHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return fmt.Errorf("UDP transport already running")
	}

	udpAddr, err := net.ResolveUDPAddr("udp", t.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address %s: %w", t.opts.Addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("failed to bind UDP socket on %s: %w", t.opts.Addr, err)
	}

	t.conn = conn
	t.running = true
	t.stopCh = make(chan struct{})

	t.opts.Logger.Info(map[string]any{
		"transport": "udp",
		"address":   conn.LocalAddr().String(),
		"workers":   t.opts.Workers,
	}, "DNS transport started")

	for i := 0; i < t.opts.Workers; i++ {
		t.wg.Add(1)
		go t.worker(ctx, conn, handler)
	}
	go t.stopOnCancel(ctx, t.stopCh)
	return nil
}

func (t *UDPTransport) stopOnCancel(ctx context.Context, stopCh chan struct{}) {
	select {
	case <-ctx.Done():
		if err := t.Stop(); err != nil {
			t.opts.Logger.Warn(map[string]any{"error": err.Error()}, "Error stopping UDP transport")
		}
	case <-stopCh:
	}
}

// Stop closes the socket and waits for the workers to exit.
func (t *UDPTransport) Stop() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	close(t.stopCh)
	err := t.conn.Close()
	t.mu.Unlock()

	t.wg.Wait()
	t.opts.Logger.Info(map[string]any{
		"transport": "udp",
		"address":   t.Address(),
	}, "DNS transport stopped")
	return err
}

// Address returns the bound address once started, else the configured one.
func (t *UDPTransport) Address() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return t.conn.LocalAddr().String()
	}
	return t.opts.Addr
}

func (t *UDPTransport) worker(ctx context.Context, conn *net.UDPConn, handler resolver.RequestHandler) {
	defer t.wg.Done()
	buf := make([]byte, maxDatagram)

	for {
		n, client, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-t.stopCh:
				return
			default:
			}
			t.opts.Logger.Warn(map[string]any{
				"error": err.Error(),
			}, "Failed to read UDP packet")
			continue
		}

		reqCtx, cancel := context.WithTimeout(ctx, t.opts.Timeout)
		resp := handler.HandleRequest(reqCtx, domain.Request{
			Data:     buf[:n],
			Client:   client,
			Protocol: domain.ProtocolUDP,
		})
		cancel()
		if resp == nil {
			continue
		}

		if _, err := conn.WriteToUDPAddrPort(resp, client); err != nil {
			t.opts.Logger.Debug(map[string]any{
				"client": client.String(),
				"error":  err.Error(),
			}, "Failed to send DNS response")
		}
	}
}
