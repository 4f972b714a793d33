// Package socket is a thin blocking-UDP facade: one local port, an
// Endpoint-addressed send/recv pair, and a close that reliably unblocks a
// goroutine parked in Recv. Fragmentation, reassembly, and connection
// state live in internal/link and internal/hub, not here.
package socket

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/zerodelay-net/rudp/internal/wire"
	"github.com/zerodelay-net/rudp/pkg/rudplog"
	"go.uber.org/zap"
)

// Result is the outcome of a Recv call.
type Result uint8

const (
	Succes Result = iota
	NoData
	Error
	SocketClosed
)

func (r Result) String() string {
	switch r {
	case Succes:
		return "Succes"
	case NoData:
		return "NoData"
	case Error:
		return "Error"
	case SocketClosed:
		return "SocketClosed"
	default:
		return "Unknown"
	}
}

// Socket is a single bound UDP endpoint. The zero value is not usable; build
// one with Open.
type Socket struct {
	conn   *net.UDPConn
	closed atomic.Bool

	mu         sync.Mutex
	lastErr    error
	bound      bool
}

// Open binds a UDP socket on the given local port. Port 0 lets the OS pick
// an ephemeral port, the usual choice for an outbound-only client.
func Open(localPort int) (*Socket, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: localPort})
	if err != nil {
		return nil, err
	}
	s := &Socket{conn: conn, bound: true}
	rudplog.Debug("socket opened", zap.String("localAddr", conn.LocalAddr().String()))
	return s, nil
}

// LocalAddr reports the endpoint this socket is bound to.
func (s *Socket) LocalAddr() wire.Endpoint {
	return wire.EndpointFromUDPAddr(s.conn.LocalAddr().(*net.UDPAddr))
}

// Send writes bytes to endpoint. Errors are also stashed as the last OS
// error for callers that poll rather than check the return value.
func (s *Socket) Send(endpoint wire.Endpoint, b []byte) error {
	_, err := s.conn.WriteToUDP(b, endpoint.UDPAddr())
	if err != nil {
		s.setLastErr(err)
	}
	return err
}

// Recv blocks until a datagram arrives, the socket is closed, or a read
// error occurs. buf must be sized for the largest expected datagram; a
// short buffer silently truncates per net.UDPConn.ReadFromUDP semantics.
func (s *Socket) Recv(buf []byte) (n int, from wire.Endpoint, result Result) {
	n, addr, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		if s.closed.Load() {
			return 0, wire.Endpoint{}, SocketClosed
		}
		s.setLastErr(err)
		return 0, wire.Endpoint{}, Error
	}
	if n == 0 {
		return 0, wire.Endpoint{}, NoData
	}
	return n, wire.EndpointFromUDPAddr(addr), Succes
}

// Close unblocks any goroutine parked in Recv and releases the OS socket.
// Safe to call more than once.
func (s *Socket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	rudplog.Debug("socket closing", zap.String("localAddr", s.conn.LocalAddr().String()))
	return s.conn.Close()
}

// IsClosed reports whether Close has been called.
func (s *Socket) IsClosed() bool {
	return s.closed.Load()
}

// LastError returns the most recent OS-level error observed by Send or Recv.
func (s *Socket) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Socket) setLastErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}
