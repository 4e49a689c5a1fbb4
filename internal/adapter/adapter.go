// Package adapter bridges TCP connections over a relayed connection. Every
// TCP connection is a socket identified by a 32-bit id; its CONNECT, DATA and
// CLOSE packets are multiplexed on the one connection the relay allows per
// pair of peers.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/1ureka/1ureka.net.relay/internal/util"
)

const outboxBufferSize = 256

// errLinkClosed ends a serve group once the connection's source closed.
var errLinkClosed = errors.New("link closed")

// Conn is the ordered chunk stream sockets are multiplexed over.
// relay.Conn satisfies it.
type Conn interface {
	Source() <-chan []byte
	Sink(ctx context.Context, src <-chan []byte) error
}

// adapter manages the socketID route table of one connection.
type adapter struct {
	ctx context.Context
	out chan []byte

	mu     sync.Mutex
	routes map[uint32]*Socket
}

func newAdapter(ctx context.Context) *adapter {
	return &adapter{
		ctx:    ctx,
		out:    make(chan []byte, outboxBufferSize),
		routes: make(map[uint32]*Socket),
	}
}

// send queues a packet for the connection. It gives up once the adapter is
// shutting down.
func (a *adapter) send(pkt Packet) {
	select {
	case a.out <- Encode(pkt):
	case <-a.ctx.Done():
	}
}

// register adds a socket to the route table and removes it again once the
// socket's context is done.
func (a *adapter) register(s *Socket) {
	a.mu.Lock()
	a.routes[s.id] = s
	a.mu.Unlock()

	go func() {
		<-s.ctx.Done()
		a.mu.Lock()
		if a.routes[s.id] == s {
			delete(a.routes, s.id)
		}
		a.mu.Unlock()
	}()
}

// deliver routes a packet to the matching socket's inbox.
// Returns true if a route was found.
func (a *adapter) deliver(pkt Packet) bool {
	a.mu.Lock()
	s, ok := a.routes[pkt.SocketID]
	a.mu.Unlock()

	if !ok {
		return false
	}

	select {
	case s.inbox <- pkt:
	case <-s.ctx.Done():
	case <-a.ctx.Done():
	}
	return true
}

// serve pumps the outbox into conn and dispatches conn's packets until the
// connection ends or ctx is cancelled. unknown handles packets of sockets
// without a route.
func (a *adapter) serve(g *errgroup.Group, conn Conn, unknown func(Packet)) {
	g.Go(func() error {
		return conn.Sink(a.ctx, a.out)
	})

	g.Go(func() error {
		for {
			select {
			case msg, ok := <-conn.Source():
				if !ok {
					return errLinkClosed
				}
				pkt, err := Decode(msg)
				if err != nil {
					util.LogWarning("packet decode failed: %v", err)
					continue
				}
				if !a.deliver(pkt) && unknown != nil {
					unknown(pkt)
				}
			case <-a.ctx.Done():
				return a.ctx.Err()
			}
		}
	})
}

func waitServe(g *errgroup.Group) error {
	err := g.Wait()
	if errors.Is(err, errLinkClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ---------------------------------------------------------------------------
// Public API
// ---------------------------------------------------------------------------

// ServeHost runs the host side on conn: an unknown socketID carrying CONNECT
// gets a socket that dials targetAddr. It blocks until conn ends or ctx is
// cancelled.
func ServeHost(ctx context.Context, conn Conn, targetAddr string) error {
	g, ctx := errgroup.WithContext(ctx)
	a := newAdapter(ctx)

	a.serve(g, conn, func(pkt Packet) {
		if pkt.Type != TypeConnect {
			// Stale DATA or CLOSE of a socket that is already gone.
			if pkt.Type == TypeData {
				a.send(Packet{Type: TypeClose, SocketID: pkt.SocketID})
			}
			return
		}

		s := newSocket(ctx, pkt.SocketID, a)
		a.register(s)
		go s.runAsHost(targetAddr)
	})

	return waitServe(g)
}

// Client is the client side: a local TCP listener whose connections are
// bridged over whichever relayed connection is being served.
type Client struct {
	ln    net.Listener
	conns chan net.Conn
}

// Listen starts the local virtual service on 127.0.0.1:localPort. Port 0
// picks a free port. The listener closes when ctx is cancelled.
func Listen(ctx context.Context, localPort int) (*Client, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", localPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	c := &Client{ln: ln, conns: make(chan net.Conn)}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	go func() {
		defer close(c.conns)
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
				default:
					util.LogError("accept error: %v", err)
				}
				return
			}

			select {
			case c.conns <- conn:
			case <-ctx.Done():
				conn.Close()
				return
			}
		}
	}()

	util.LogInfo("virtual service listening on %s", ln.Addr())
	return c, nil
}

// Addr returns the listener address.
func (c *Client) Addr() net.Addr { return c.ln.Addr() }

// Serve bridges accepted TCP connections over conn until conn ends, ctx is
// cancelled or the listener closes. Sockets open when conn ends are closed;
// later TCP connections wait for the next Serve.
func (c *Client) Serve(ctx context.Context, conn Conn) error {
	g, ctx := errgroup.WithContext(ctx)
	a := newAdapter(ctx)

	a.serve(g, conn, func(pkt Packet) {
		util.LogDebug("[%08x] unknown socketID, dropping packet", pkt.SocketID)
	})

	g.Go(func() error {
		for {
			select {
			case tcpConn, ok := <-c.conns:
				if !ok {
					return errLinkClosed
				}
				id := util.ConnTag(tcpConn)
				util.LogInfo("[%08x] new connection from %s", id, tcpConn.RemoteAddr())

				s := newSocketWithConn(ctx, id, a, tcpConn)
				a.register(s)
				go s.runAsClient()
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	return waitServe(g)
}
