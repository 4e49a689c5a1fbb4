package adapter

import (
	"context"
	"net"
	"sync"

	"github.com/1ureka/1ureka.net.relay/internal/util"
)

// Tuning constants.
const (
	maxPayloadSize  = 16 * 1024 // per DATA packet
	inboxBufferSize = 64        // per-socketID inbox capacity
)

// Socket holds the lifecycle state of one socketID.
type Socket struct {
	id uint32

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	inbox chan Packet // fed by the adapter's dispatch loop
	a     *adapter

	tcpConn net.Conn
}

// newSocket creates a Socket without a TCP connection (host side).
func newSocket(parentCtx context.Context, id uint32, a *adapter) *Socket {
	ctx, cancel := context.WithCancel(parentCtx)
	return &Socket{
		id:     id,
		ctx:    ctx,
		cancel: cancel,
		inbox:  make(chan Packet, inboxBufferSize),
		a:      a,
	}
}

// newSocketWithConn creates a Socket for an accepted TCP connection (client
// side).
func newSocketWithConn(parentCtx context.Context, id uint32, a *adapter, conn net.Conn) *Socket {
	s := newSocket(parentCtx, id, a)
	s.tcpConn = conn
	return s
}

// runAsHost waits for CONNECT, dials targetAddr and then writes DATA to the
// TCP connection until CLOSE.
func (s *Socket) runAsHost(targetAddr string) {
	defer s.cleanup()

	connected := false
	for {
		select {
		case pkt := <-s.inbox:
			switch pkt.Type {
			case TypeConnect:
				if connected {
					continue
				}
				var d net.Dialer
				conn, err := d.DialContext(s.ctx, "tcp", targetAddr)
				if err != nil {
					util.LogError("[%08x] TCP dial failed: %v", s.id, err)
					return
				}
				s.tcpConn = conn
				connected = true
				util.LogDebug("[%08x] TCP connected to %s", s.id, targetAddr)
				go s.pumpTCP()

			case TypeData:
				if !connected {
					continue
				}
				if _, err := s.tcpConn.Write(pkt.Payload); err != nil {
					util.LogDebug("[%08x] TCP write error: %v", s.id, err)
					return
				}

			case TypeClose:
				util.LogDebug("[%08x] received CLOSE", s.id)
				return
			}

		case <-s.ctx.Done():
			return
		}
	}
}

// runAsClient sends CONNECT at once and forwards in both directions until
// CLOSE or cancellation.
func (s *Socket) runAsClient() {
	defer s.cleanup()

	s.a.send(Packet{Type: TypeConnect, SocketID: s.id})
	go s.pumpTCP()

	for {
		select {
		case pkt := <-s.inbox:
			switch pkt.Type {
			case TypeData:
				if _, err := s.tcpConn.Write(pkt.Payload); err != nil {
					util.LogDebug("[%08x] TCP write error: %v", s.id, err)
					return
				}
			case TypeClose:
				util.LogDebug("[%08x] received CLOSE", s.id)
				return
			}

		case <-s.ctx.Done():
			return
		}
	}
}

// pumpTCP reads the TCP connection into DATA packets. cleanup closes the
// connection to unblock the read.
func (s *Socket) pumpTCP() {
	defer s.cleanup()

	buf := make([]byte, maxPayloadSize)
	for {
		n, err := s.tcpConn.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			s.a.send(Packet{Type: TypeData, SocketID: s.id, Payload: payload})
		}
		if err != nil {
			select {
			case <-s.ctx.Done():
			default:
				util.LogDebug("[%08x] TCP read ended: %v", s.id, err)
			}
			return
		}
	}
}

// cleanup releases the socket once, whichever goroutine exits first, and
// tells the other side with a single CLOSE.
func (s *Socket) cleanup() {
	s.closeOnce.Do(func() {
		if s.tcpConn != nil {
			s.tcpConn.Close()
		}
		s.a.send(Packet{Type: TypeClose, SocketID: s.id})
		s.cancel()
		util.LogDebug("[%08x] socket closed", s.id)
	})
}
