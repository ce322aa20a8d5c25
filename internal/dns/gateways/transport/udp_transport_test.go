package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/haukened/rr-gslb/internal/dns/domain"
	"github.com/haukened/rr-gslb/internal/dns/services/resolver"
)

// MockRequestHandler implements resolver.RequestHandler for testing.
type MockRequestHandler struct {
	mock.Mock
}

func (m *MockRequestHandler) HandleRequest(ctx context.Context, req domain.Request) []byte {
	args := m.Called(ctx, req)
	if b := args.Get(0); b != nil {
		return b.([]byte)
	}
	return nil
}

// handlerFunc adapts a function to resolver.RequestHandler.
type handlerFunc func(context.Context, domain.Request) []byte

func (f handlerFunc) HandleRequest(ctx context.Context, req domain.Request) []byte {
	return f(ctx, req)
}

var _ resolver.RequestHandler = handlerFunc(nil)

// echo replies with the request prefixed by its protocol.
var echo = handlerFunc(func(_ context.Context, req domain.Request) []byte {
	if len(req.Data) > 0 && req.Data[0] == 'x' {
		return nil
	}
	return append([]byte(req.Protocol.String()+":"), req.Data...)
})

func startUDP(t *testing.T, h resolver.RequestHandler, workers int) *UDPTransport {
	t.Helper()
	tr := NewUDPTransport(Options{Addr: "127.0.0.1:0", Workers: workers, Timeout: time.Second})
	require.NoError(t, tr.Start(context.Background(), h))
	t.Cleanup(func() { tr.Stop() })
	return tr
}

func udpExchange(t *testing.T, addr string, payload []byte) ([]byte, error) {
	t.Helper()
	conn, err := net.Dial("udp", addr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(payload)
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	buf := make([]byte, maxDatagram)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func TestUDPTransport_Exchange(t *testing.T) {
	tr := startUDP(t, echo, 2)
	assert.NotEqual(t, "127.0.0.1:0", tr.Address())

	got, err := udpExchange(t, tr.Address(), []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "udp:hello", string(got))
}

func TestUDPTransport_RequestFields(t *testing.T) {
	h := &MockRequestHandler{}
	h.On("HandleRequest", mock.Anything, mock.MatchedBy(func(r domain.Request) bool {
		return string(r.Data) == "query" && r.Protocol == domain.ProtocolUDP && r.Client.Addr().Is4() && r.Client.Port() != 0
	})).Return([]byte("answer"))

	tr := startUDP(t, h, 1)
	got, err := udpExchange(t, tr.Address(), []byte("query"))
	require.NoError(t, err)
	assert.Equal(t, "answer", string(got))
	h.AssertExpectations(t)
}

func TestUDPTransport_DropSendsNothing(t *testing.T) {
	tr := startUDP(t, echo, 1)
	_, err := udpExchange(t, tr.Address(), []byte("xdrop"))
	require.Error(t, err)
	var ne net.Error
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout())

	got, err := udpExchange(t, tr.Address(), []byte("after"))
	require.NoError(t, err)
	assert.Equal(t, "udp:after", string(got))
}

func TestUDPTransport_LargeDatagram(t *testing.T) {
	tr := startUDP(t, echo, 1)
	payload := make([]byte, 4000)
	for i := range payload {
		payload[i] = 'a'
	}
	got, err := udpExchange(t, tr.Address(), payload)
	require.NoError(t, err)
	assert.Len(t, got, 4004)
}

func TestUDPTransport_RequestDeadline(t *testing.T) {
	deadline := make(chan bool, 1)
	h := handlerFunc(func(ctx context.Context, _ domain.Request) []byte {
		_, ok := ctx.Deadline()
		deadline <- ok
		return []byte("ok")
	})
	tr := startUDP(t, h, 1)
	_, err := udpExchange(t, tr.Address(), []byte("q"))
	require.NoError(t, err)
	assert.True(t, <-deadline)
}

func TestUDPTransport_ConcurrentRequests(t *testing.T) {
	var inFlight, peak atomic.Int32
	h := handlerFunc(func(_ context.Context, req domain.Request) []byte {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return append([]byte(nil), req.Data...)
	})
	tr := startUDP(t, h, 4)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(b byte) {
			defer wg.Done()
			got, err := udpExchange(t, tr.Address(), []byte{b})
			if assert.NoError(t, err) {
				assert.Equal(t, []byte{b}, got)
			}
		}(byte('a' + i))
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(4))
	assert.Greater(t, peak.Load(), int32(1))
}

func TestUDPTransport_StartStop(t *testing.T) {
	tr := NewUDPTransport(Options{Addr: "127.0.0.1:0"})
	require.NoError(t, tr.Start(context.Background(), echo))

	err := tr.Start(context.Background(), echo)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	require.NoError(t, tr.Stop())
	assert.NoError(t, tr.Stop(), "second stop is a no-op")

	require.NoError(t, tr.Start(context.Background(), echo), "restart after stop")
	require.NoError(t, tr.Stop())
}

func TestUDPTransport_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tr := NewUDPTransport(Options{Addr: "127.0.0.1:0", Workers: 2})
	require.NoError(t, tr.Start(ctx, echo))
	cancel()

	assert.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return !tr.running
	}, time.Second, 10*time.Millisecond)
}

func TestUDPTransport_BindError(t *testing.T) {
	tr := NewUDPTransport(Options{Addr: "256.0.0.1:53"})
	err := tr.Start(context.Background(), echo)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to")
	assert.NoError(t, tr.Stop())
}
