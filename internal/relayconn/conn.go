// Package relayconn implements the endpoint side of a relayed connection: a
// duplex stream of payload chunks that hides the relay's control traffic and
// survives the relay swapping the other end's stream.
package relayconn

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/1ureka/1ureka.net.relay/internal/identity"
	"github.com/1ureka/1ureka.net.relay/internal/protocol"
	"github.com/1ureka/1ureka.net.relay/internal/transport"
	"github.com/1ureka/1ureka.net.relay/internal/util"
)

const (
	// DefaultCloseGrace bounds how long Close waits for the STOP to go out.
	DefaultCloseGrace = 100 * time.Millisecond

	sourceBufferSize = 64

	// signalling frames kept for a generation without a handler yet
	maxPendingSignals = 64
)

// ErrClosed is returned by Sink once the connection is closed.
var ErrClosed = errors.New("relayed connection closed")

// Options configures a Conn.
type Options struct {
	Self         identity.ID
	Relay        identity.ID
	Counterparty identity.ID
	Outbound     bool // we dialed the relay
	CloseGrace   time.Duration

	// OnRestart is called with the generation that ended, before switching.
	OnRestart func(prev uint64)
	// OnReconnect is called on its own goroutine after a RESTART moved the
	// connection to a new generation.
	OnReconnect func(c *Conn, counterparty identity.ID)
}

// Timeline records when the connection opened and closed.
type Timeline struct {
	Open  time.Time
	Close time.Time // zero while open
}

// generation is one incarnation of the connection's read side.
type generation struct {
	id      uint64
	source  chan []byte
	done    chan struct{}
	signal  func([]byte)
	pending [][]byte // signalling received before signal was set
	once    sync.Once
}

func newGeneration(id uint64) *generation {
	return &generation{
		id:     id,
		source: make(chan []byte, sourceBufferSize),
		done:   make(chan struct{}),
	}
}

// Conn is a relayed connection as seen by an endpoint.
//
// A read loop demultiplexes the stream: payload goes to the current
// generation's Source, PING is answered, RESTART switches generation and
// WEBRTC_SIGNALLING goes to the handler registered with OnSignal. A write
// loop sends queued control frames ahead of payload attached with Sink.
type Conn struct {
	stream transport.Stream
	opts   Options
	log    util.Logger

	queue   *protocol.Queue
	payload chan []byte

	mu       sync.Mutex
	gen      *generation
	closed   bool
	timeline Timeline

	// held while handing a frame to a generation's source
	deliverMu sync.Mutex
	// orders signalling delivery against handler registration
	signalMu sync.Mutex

	closeOnce   sync.Once
	closing     chan struct{}
	destroyOnce sync.Once
	destroyed   chan struct{}
}

// New wraps a stream returned by a successful handshake and starts serving it.
func New(stream transport.Stream, opts Options) *Conn {
	if opts.CloseGrace <= 0 {
		opts.CloseGrace = DefaultCloseGrace
	}

	c := &Conn{
		stream:    stream,
		opts:      opts,
		log:       util.NewLogger("RC"),
		queue:     protocol.NewQueue(),
		payload:   make(chan []byte),
		gen:       newGeneration(0),
		timeline:  Timeline{Open: time.Now()},
		closing:   make(chan struct{}),
		destroyed: make(chan struct{}),
	}

	util.Stats.AddConn()
	c.log.Debug("relayed connection to %s via %s", opts.Counterparty.Short(), opts.Relay.Short())

	go c.readLoop()
	go c.writeLoop()
	return c
}

func (c *Conn) current() *generation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// ---------------------------------------------------------------------------
// Public API
// ---------------------------------------------------------------------------

// Source returns the payload chunks of the current generation. The channel is
// closed when the generation ends or the connection closes.
func (c *Conn) Source() <-chan []byte {
	return c.current().source
}

// Sink sends every chunk read from src as payload until src is closed. The
// stream to the relay is the same in every generation, so a switch does not
// interrupt it and no chunk taken from src is dropped. It returns nil when
// src is closed and ErrClosed once the connection is closed.
func (c *Conn) Sink(ctx context.Context, src <-chan []byte) error {
	for {
		select {
		case data, ok := <-src:
			if !ok {
				return nil
			}
			frame := protocol.Encode(protocol.PrefixPayload, data)
			select {
			case c.payload <- frame:
				util.Stats.AddSent(len(data))
			case <-c.closing:
				return ErrClosed
			case <-ctx.Done():
				return ctx.Err()
			}

		case <-c.closing:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close queues a STOP ahead of every other pending frame and waits until it
// was written, at most CloseGrace. Calling Close again is a no-op.
func (c *Conn) Close() error {
	c.queue.Push(protocol.Stop())

	select {
	case <-c.destroyed:
		return nil
	default:
	}

	c.setClosed()

	timer := time.NewTimer(c.opts.CloseGrace)
	defer timer.Stop()

	select {
	case <-c.destroyed:
	case <-timer.C:
		c.log.Debug("STOP not written within %s, tearing down", c.opts.CloseGrace)
		c.destroy()
	}
	return nil
}

// Switch moves the connection to a new generation: the current Source is
// closed and the signalling handler of the old generation is dropped. Sinks
// keep writing. Frames read afterwards go to the
// new generation only.
func (c *Conn) Switch() uint64 {
	c.mu.Lock()
	old := c.gen
	if c.closed {
		c.mu.Unlock()
		return old.id
	}
	next := newGeneration(old.id + 1)
	c.gen = next
	c.mu.Unlock()

	c.endGeneration(old)
	c.log.Debug("switched to generation %d", next.id)
	return next.id
}

// Generation returns the current generation number.
func (c *Conn) Generation() uint64 {
	return c.current().id
}

// CurrentGeneration returns the current generation number together with a
// channel closed when that generation ends.
func (c *Conn) CurrentGeneration() (uint64, <-chan struct{}) {
	g := c.current()
	return g.id, g.done
}

// OnSignal registers the handler for inbound WEBRTC_SIGNALLING frames of
// generation gen. Frames that arrived before are handed to fn first, in
// order. It returns false when gen is no longer current.
func (c *Conn) OnSignal(gen uint64, fn func(data []byte)) bool {
	c.signalMu.Lock()
	defer c.signalMu.Unlock()

	c.mu.Lock()
	g := c.gen
	if g.id != gen || c.closed {
		c.mu.Unlock()
		return false
	}
	g.signal = fn
	pending := g.pending
	g.pending = nil
	c.mu.Unlock()

	for _, data := range pending {
		fn(data)
	}
	return true
}

// SendSignal queues a WEBRTC_SIGNALLING frame on behalf of generation gen.
// Signals of a past generation are dropped.
func (c *Conn) SendSignal(gen uint64, data []byte) bool {
	if c.Generation() != gen {
		return false
	}
	return c.queue.Push(protocol.Encode(protocol.PrefixWebRTCSignalling, data))
}

// SendUpgraded tells the relay that this endpoint moved to a direct channel.
func (c *Conn) SendUpgraded() bool {
	return c.queue.Push(protocol.Upgraded())
}

// Timeline returns the open and close timestamps.
func (c *Conn) Timeline() Timeline {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeline
}

// Done is closed once the connection is torn down.
func (c *Conn) Done() <-chan struct{} { return c.destroyed }

// Counterparty returns the peer at the other end of the relay.
func (c *Conn) Counterparty() identity.ID { return c.opts.Counterparty }

// Relay returns the relay the connection runs through.
func (c *Conn) Relay() identity.ID { return c.opts.Relay }

// Outbound reports whether this side dialed the relay.
func (c *Conn) Outbound() bool { return c.opts.Outbound }

// LocalAddr implements net.Conn-style addressing.
func (c *Conn) LocalAddr() net.Addr { return identity.PeerAddr{Peer: c.opts.Self} }

// RemoteAddr returns the circuit address of the counterparty.
func (c *Conn) RemoteAddr() net.Addr {
	return identity.CircuitAddr{Relay: c.opts.Relay, Peer: c.opts.Counterparty}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// setClosed marks the connection closing: a STOP is queued, the current
// generation ends and no later generation is started.
func (c *Conn) setClosed() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.timeline.Close = time.Now()
		g := c.gen
		c.mu.Unlock()

		c.queue.Push(protocol.Stop())
		close(c.closing)
		c.endGeneration(g)
	})
}

// destroy releases the stream. It runs once the STOP went out, the stream
// failed or the close grace elapsed.
func (c *Conn) destroy() {
	c.destroyOnce.Do(func() {
		close(c.destroyed)
		c.setClosed()
		c.stream.Close()
		util.Stats.RemoveConn()
		c.log.Debug("connection destroyed")
	})
}

func (c *Conn) endGeneration(g *generation) {
	g.once.Do(func() {
		close(g.done)
		c.deliverMu.Lock()
		close(g.source)
		c.deliverMu.Unlock()
	})
}

// ---------------------------------------------------------------------------
// Loops
// ---------------------------------------------------------------------------

func (c *Conn) readLoop() {
	for {
		msg, err := c.stream.ReadMessage()
		if err != nil {
			select {
			case <-c.destroyed:
			default:
				c.log.Debug("stream ended: %v", err)
			}
			c.destroy()
			return
		}

		frame, ok := protocol.Decode(msg)
		if !ok {
			c.log.Debug("dropping malformed frame of %d bytes", len(msg))
			continue
		}

		switch frame.Prefix {
		case protocol.PrefixPayload:
			c.deliver(frame.Payload)

		case protocol.PrefixStatusMessage:
			switch protocol.StatusMessage(frame.Payload[0]) {
			case protocol.StatusPing:
				c.queue.Push(protocol.Pong())
			case protocol.StatusPong:
			default:
				c.log.Debug("dropping unknown status message %d", frame.Payload[0])
			}

		case protocol.PrefixConnectionStatus:
			switch protocol.ConnectionStatus(frame.Payload[0]) {
			case protocol.StatusStop:
				c.log.Info("STOP received, ending stream")
				c.setClosed()
				return
			case protocol.StatusRestart:
				c.restart()
			default:
				c.log.Debug("ignoring connection status %d", frame.Payload[0])
			}

		case protocol.PrefixWebRTCSignalling:
			c.signal(frame.Payload)
		}
	}
}

// deliver hands data to the current generation. Data of a generation that
// ends while waiting for the consumer is discarded.
func (c *Conn) deliver(data []byte) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	g := c.current()
	select {
	case <-g.done:
		return
	default:
	}

	select {
	case g.source <- data:
		util.Stats.AddRecv(len(data))
	case <-g.done:
		c.log.Debug("discarding payload of ended generation %d", g.id)
	}
}

// signal hands a signalling frame to the current generation's handler, or
// keeps it until OnSignal registers one.
func (c *Conn) signal(data []byte) {
	c.signalMu.Lock()
	defer c.signalMu.Unlock()

	c.mu.Lock()
	g := c.gen
	fn := g.signal
	if fn == nil {
		if len(g.pending) < maxPendingSignals {
			g.pending = append(g.pending, data)
		} else {
			c.log.Debug("dropping signalling frame, no direct channel attached")
		}
	}
	c.mu.Unlock()

	if fn != nil {
		fn(data)
	}
}

func (c *Conn) restart() {
	prev := c.Generation()
	c.log.Info("RESTART received, leaving generation %d", prev)

	if c.opts.OnRestart != nil {
		c.opts.OnRestart(prev)
	}
	if c.Switch() == prev {
		return
	}
	if c.opts.OnReconnect != nil {
		go c.opts.OnReconnect(c, c.opts.Counterparty)
	}
}

func (c *Conn) writeLoop() {
	defer c.destroy()

	for {
		if msg, ok := c.queue.Pop(); ok {
			if err := c.stream.WriteMessage(msg); err != nil {
				c.log.Debug("write failed: %v", err)
				return
			}
			if protocol.IsStop(msg) {
				c.log.Debug("STOP written")
				return
			}
			continue
		}

		select {
		case <-c.queue.Notify():
		case frame := <-c.payload:
			if c.queue.Stopped() {
				continue
			}
			if err := c.stream.WriteMessage(frame); err != nil {
				c.log.Debug("write failed: %v", err)
				return
			}
		case <-c.closing:
			if c.queue.Len() == 0 {
				return
			}
		case <-c.destroyed:
			return
		}
	}
}
