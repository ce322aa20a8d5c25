package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/haukened/rr-gslb/internal/dns/domain"
	"github.com/haukened/rr-gslb/internal/dns/services/resolver"
)

// TCPTransport serves DNS over TCP. At most Workers connections are served
// at once; further connections wait in the kernel accept queue.
type TCPTransport struct {
	opts Options
	sem  *semaphore.Weighted

	mu      sync.Mutex
	ln      *net.TCPListener
	conns   map[net.Conn]struct{}
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewTCPTransport creates a new TCP transport instance.
func NewTCPTransport(opts Options) *TCPTransport {
	opts = opts.withDefaults(TransportTCP)
	return &TCPTransport{
		opts:  opts,
		sem:   semaphore.NewWeighted(int64(opts.Workers)),
		conns: make(map[net.Conn]struct{}),
	}
}

// Start binds the listener and starts the accept loop.
func (t *TCPTransport) Start(ctx context.Context, handler resolver.RequestHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return fmt.Errorf("TCP transport already running")
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", t.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to resolve TCP address %s: %w", t.opts.Addr, err)
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on TCP %s: %w", t.opts.Addr, err)
	}

	t.ln = ln
	t.running = true
	t.stopCh = make(chan struct{})

	t.opts.Logger.Info(map[string]any{
		"transport":   "tcp",
		"address":     ln.Addr().String(),
		"connections": t.opts.Workers,
	}, "DNS transport started")

	// the accept loop holds the context used for slot acquisition, canceled by Stop
	loopCtx, cancel := context.WithCancel(ctx)
	t.wg.Add(1)
	go t.acceptLoop(loopCtx, ln, handler)
	go func(stopCh chan struct{}) {
		select {
		case <-ctx.Done():
			if err := t.Stop(); err != nil {
				t.opts.Logger.Warn(map[string]any{"error": err.Error()}, "Error stopping TCP transport")
			}
		case <-stopCh:
		}
		cancel()
	}(t.stopCh)
	return nil
}

// Stop closes the listener and every open connection, then waits for the
// connection goroutines to exit.
func (t *TCPTransport) Stop() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	close(t.stopCh)
	err := t.ln.Close()
	for c := range t.conns {
		c.Close()
	}
	t.mu.Unlock()

	t.wg.Wait()
	t.opts.Logger.Info(map[string]any{
		"transport": "tcp",
		"address":   t.Address(),
	}, "DNS transport stopped")
	return err
}

// Address returns the bound address once started, else the configured one.
func (t *TCPTransport) Address() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln != nil {
		return t.ln.Addr().String()
	}
	return t.opts.Addr
}

func (t *TCPTransport) acceptLoop(ctx context.Context, ln *net.TCPListener, handler resolver.RequestHandler) {
	defer t.wg.Done()
	for {
		if err := t.sem.Acquire(ctx, 1); err != nil {
			return
		}
		conn, err := ln.AcceptTCP()
		if err != nil {
			t.sem.Release(1)
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.opts.Logger.Warn(map[string]any{
				"error": err.Error(),
			}, "Failed to accept TCP connection")
			continue
		}
		if !t.track(conn) {
			conn.Close()
			t.sem.Release(1)
			return
		}
		t.wg.Add(1)
		go t.serve(ctx, conn, handler)
	}
}

// track registers an open connection. It reports false once stopping.
func (t *TCPTransport) track(c net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return false
	}
	t.conns[c] = struct{}{}
	return true
}

func (t *TCPTransport) untrack(c net.Conn) {
	t.mu.Lock()
	delete(t.conns, c)
	t.mu.Unlock()
}

// serve answers messages on one connection until the peer closes it, a
// deadline passes or a message is dropped.
func (t *TCPTransport) serve(ctx context.Context, conn *net.TCPConn, handler resolver.RequestHandler) {
	defer t.wg.Done()
	defer t.sem.Release(1)
	defer t.untrack(conn)
	defer conn.Close()

	client, err := netip.ParseAddrPort(conn.RemoteAddr().String())
	if err != nil {
		return
	}
	var prefix [2]byte

	for {
		if err := conn.SetReadDeadline(time.Now().Add(t.opts.Timeout)); err != nil {
			return
		}
		if _, err := io.ReadFull(conn, prefix[:]); err != nil {
			return
		}
		size := binary.BigEndian.Uint16(prefix[:])
		if size < domain.HeaderSize {
			return
		}
		msg := make([]byte, size)
		if _, err := io.ReadFull(conn, msg); err != nil {
			t.opts.Logger.Debug(map[string]any{
				"client": client.String(),
				"error":  err.Error(),
			}, "Short TCP message")
			return
		}

		reqCtx, cancel := context.WithTimeout(ctx, t.opts.Timeout)
		resp := handler.HandleRequest(reqCtx, domain.Request{
			Data:     msg,
			Client:   client,
			Protocol: domain.ProtocolTCP,
		})
		cancel()
		if resp == nil {
			return
		}

		out := make([]byte, 2+len(resp))
		binary.BigEndian.PutUint16(out, uint16(len(resp)))
		copy(out[2:], resp)
		if err := conn.SetWriteDeadline(time.Now().Add(t.opts.Timeout)); err != nil {
			return
		}
		if _, err := conn.Write(out); err != nil {
			t.opts.Logger.Debug(map[string]any{
				"client": client.String(),
				"error":  err.Error(),
			}, "Failed to send DNS response")
			return
		}
	}
}
