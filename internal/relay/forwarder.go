package relay

import (
	"sync"
	"time"

	"github.com/1ureka/1ureka.net.relay/internal/identity"
	"github.com/1ureka/1ureka.net.relay/internal/protocol"
	"github.com/1ureka/1ureka.net.relay/internal/transport"
	"github.com/1ureka/1ureka.net.relay/internal/util"
)

const (
	// DefaultPingTimeout bounds a liveness probe.
	DefaultPingTimeout = 300 * time.Millisecond

	// drainTimeout is how long a replaced stream may stay silent before the
	// read side gives up on it.
	drainTimeout = 500 * time.Millisecond

	forwardBufferSize = 64 // frames handed from the peer forwarder
)

type eventKind int

const (
	eventClose eventKind = iota
	eventUpgrade
)

// forwarderEvent is reported by a forwarder to the link that owns it.
type forwarderEvent struct {
	from *Forwarder
	kind eventKind
}

type readResult struct {
	msg []byte
	err error
}

// streamRef is one incarnation of a forwarder's stream. changed is closed
// once next replaced it; drained is closed once the read side is done with it.
type streamRef struct {
	s       transport.Stream
	next    *streamRef
	reads   chan readResult
	changed chan struct{}
	drained chan struct{}
}

func newStreamRef(s transport.Stream) *streamRef {
	return &streamRef{
		s:       s,
		reads:   make(chan readResult),
		changed: make(chan struct{}),
		drained: make(chan struct{}),
	}
}

// Forwarder is one relay-side end of a link: it owns the stream to one peer,
// forwards what that peer sends to the other forwarder of the link and
// writes what the other forwarder hands it back to its peer.
//
// Ping and Pong frames are answered here and never forwarded, UPGRADED is
// reported to the owner, STOP is forwarded once and ends reading.
type Forwarder struct {
	log  util.Logger
	side identity.ID
	peer *Forwarder

	fwd       chan []byte     // frames from peer, written to our stream in order
	queue     *protocol.Queue // locally generated status frames
	freeDelay time.Duration
	events    chan<- forwarderEvent
	metrics   *Metrics

	mu  sync.Mutex
	cur *streamRef

	pingMu sync.Mutex
	ping   chan bool

	closeOnce  sync.Once
	reportOnce sync.Once
	done       chan struct{}
}

func newForwarder(side identity.ID, s transport.Stream, freeDelay time.Duration, events chan<- forwarderEvent, m *Metrics) *Forwarder {
	return &Forwarder{
		log:       util.NewLogger("RX"),
		side:      side,
		fwd:       make(chan []byte, forwardBufferSize),
		queue:     protocol.NewQueue(),
		freeDelay: freeDelay,
		events:    events,
		metrics:   m,
		cur:       newStreamRef(s),
		done:      make(chan struct{}),
	}
}

// wire cross-connects two forwarders and starts both.
func wire(a, b *Forwarder) {
	a.peer = b
	b.peer = a
	go a.readLoop()
	go a.writeLoop()
	go b.readLoop()
	go b.writeLoop()
}

// Side returns the peer at the far end of this forwarder's stream.
func (f *Forwarder) Side() identity.ID { return f.side }

func (f *Forwarder) current() *streamRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cur
}

// ---------------------------------------------------------------------------
// Control
// ---------------------------------------------------------------------------

// Ping sends a PING to this forwarder's peer and waits for the PONG. A
// timeout of zero uses DefaultPingTimeout. Only one ping is outstanding at a
// time; starting a new one resolves the previous one with ErrNoPong.
func (f *Forwarder) Ping(timeout time.Duration) (time.Duration, error) {
	if timeout <= 0 {
		timeout = DefaultPingTimeout
	}

	waiter := make(chan bool, 1)
	f.pingMu.Lock()
	if f.ping != nil {
		f.ping <- false
	}
	f.ping = waiter
	f.pingMu.Unlock()

	defer func() {
		f.pingMu.Lock()
		if f.ping == waiter {
			f.ping = nil
		}
		f.pingMu.Unlock()
	}()

	start := time.Now()
	if !f.queue.Push(protocol.Ping()) {
		return 0, ErrForwarderClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ok := <-waiter:
		if ok {
			latency := time.Since(start)
			f.metrics.observePing(latency)
			return latency, nil
		}
		return 0, ErrNoPong
	case <-timer.C:
		f.log.Debug("ping timeout after %s", timeout)
		return 0, ErrNoPong
	case <-f.done:
		return 0, ErrForwarderClosed
	}
}

// resolvePing hands a PONG to the outstanding ping, if any.
func (f *Forwarder) resolvePing() {
	f.pingMu.Lock()
	defer f.pingMu.Unlock()
	if f.ping != nil {
		f.ping <- true
		f.ping = nil
	}
}

// Update replaces the stream to this forwarder's peer. Writes move to the
// new stream at once, a write that failed on the old stream is retried on
// the new one. The old stream is half-closed and read until it ends or stays
// silent for drainTimeout, so frames the peer sent before the swap are still
// forwarded. Then RESTART goes to the other peer and reads continue on the
// new stream.
func (f *Forwarder) Update(s transport.Stream) error {
	select {
	case <-f.done:
		return ErrForwarderClosed
	default:
	}

	f.mu.Lock()
	old := f.cur
	f.cur = newStreamRef(s)
	old.next = f.cur
	close(old.changed)
	f.mu.Unlock()

	f.log.Info("stream to %s updated", f.side.Short())
	transport.CloseWrite(old.s)
	return nil
}

// Close tears the forwarder down and closes its stream. A replaced stream
// still draining is closed by the read loop on its way out.
func (f *Forwarder) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.done)
		err = f.current().s.Close()
	})
	return err
}

// emit reports an event to the owner. Close is reported once.
func (f *Forwarder) emit(kind eventKind) {
	if kind == eventClose {
		sent := false
		f.reportOnce.Do(func() { sent = true })
		if !sent {
			return
		}
	}
	select {
	case f.events <- forwarderEvent{from: f, kind: kind}:
	case <-f.done:
	}
}

// forward hands a frame to the other forwarder. It returns false once this
// forwarder is closed.
func (f *Forwarder) forward(msg []byte) bool {
	select {
	case f.peer.fwd <- msg:
		return true
	case <-f.done:
		return false
	}
}

// ---------------------------------------------------------------------------
// Loops
// ---------------------------------------------------------------------------

// readLoop reads frames from the peer and dispatches them. A read error does
// not end the link: the loop waits for Update or Close. A replaced stream is
// read until it ends before the loop moves on to its successor.
func (f *Forwarder) readLoop() {
	ref := f.current()
	defer func() {
		if replaced(ref) {
			ref.s.Close()
		}
	}()
	go f.pump(ref)

	for {
		msg, ok := f.read(ref)
		if !ok {
			select {
			case <-f.done:
				return
			default:
			}
			next := f.advance(ref)
			if next == nil {
				return
			}
			ref = next
			continue
		}

		frame, ok := protocol.Decode(msg)
		if !ok {
			f.log.Debug("dropping malformed frame of %d bytes", len(msg))
			continue
		}

		switch frame.Prefix {
		case protocol.PrefixStatusMessage:
			switch protocol.StatusMessage(frame.Payload[0]) {
			case protocol.StatusPing:
				f.queue.Push(protocol.Pong())
			case protocol.StatusPong:
				f.resolvePing()
			default:
				f.log.Debug("dropping unknown status message %d", frame.Payload[0])
			}

		case protocol.PrefixConnectionStatus:
			switch protocol.ConnectionStatus(frame.Payload[0]) {
			case protocol.StatusStop:
				if replaced(ref) {
					// the peer closing the connection it abandoned
					f.log.Debug("dropping STOP of replaced stream")
					next := f.advance(ref)
					if next == nil {
						return
					}
					ref = next
					continue
				}
				f.log.Debug("STOP relayed")
				f.forward(msg)
				f.emit(eventClose)
				return
			case protocol.StatusRestart:
				if !f.forward(msg) {
					return
				}
			case protocol.StatusUpgraded:
				go f.freeAfterDelay()
			default:
				f.log.Debug("dropping unknown connection status %d", frame.Payload[0])
			}

		default:
			f.metrics.addForwarded(len(msg))
			if !f.forward(msg) {
				return
			}
		}
	}
}

// pump feeds the reads of one stream to the read loop until the stream
// fails or the read loop leaves it.
func (f *Forwarder) pump(ref *streamRef) {
	for {
		msg, err := ref.s.ReadMessage()
		select {
		case ref.reads <- readResult{msg: msg, err: err}:
		case <-ref.drained:
			return
		case <-f.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// read returns the next message of ref. It returns false once ref is
// finished: it failed and was replaced, it was replaced and then stayed
// silent for drainTimeout, or the forwarder closed. A failed stream that was
// not replaced yet waits for Update.
func (f *Forwarder) read(ref *streamRef) ([]byte, bool) {
	var idle <-chan time.Time
	for {
		changed := ref.changed
		if replaced(ref) {
			changed = nil
			if idle == nil {
				timer := time.NewTimer(drainTimeout)
				defer timer.Stop()
				idle = timer.C
			}
		}

		select {
		case r := <-ref.reads:
			if r.err == nil {
				return r.msg, true
			}
			select {
			case <-ref.changed:
			case <-f.done:
			}
			return nil, false
		case <-changed:
		case <-idle:
			f.log.Debug("replaced stream silent for %s, leaving it", drainTimeout)
			return nil, false
		case <-f.done:
			return nil, false
		}
	}
}

// advance retires a drained stream, tells the other peer with a RESTART and
// returns the stream that replaced it, or nil once the forwarder is closed.
func (f *Forwarder) advance(ref *streamRef) *streamRef {
	close(ref.drained)
	ref.s.Close()
	f.log.Debug("replaced stream drained, sending RESTART")
	if !f.forward(protocol.Restart()) {
		return nil
	}
	next := ref.next
	go f.pump(next)
	return next
}

func replaced(ref *streamRef) bool {
	select {
	case <-ref.changed:
		return true
	default:
		return false
	}
}

func (f *Forwarder) freeAfterDelay() {
	if f.freeDelay > 0 {
		timer := time.NewTimer(f.freeDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-f.done:
			return
		}
	}
	f.log.Debug("freeing relay slot after UPGRADED")
	f.emit(eventUpgrade)
}

// writeLoop writes local status frames ahead of frames from the peer
// forwarder. A STOP from the peer goes through the local queue, where it
// replaces pending status frames. After writing it the stream is closed and
// close is reported.
func (f *Forwarder) writeLoop() {
	var held []byte // next frame from the peer, written once the queue is empty
	for {
		if held == nil {
			select {
			case held = <-f.fwd:
			default:
			}
		}
		if held != nil && protocol.IsStop(held) {
			f.queue.Push(held)
			held = nil
		}

		if msg, ok := f.queue.Pop(); ok {
			if !f.write(msg) {
				return
			}
			if protocol.IsStop(msg) {
				f.current().s.Close()
				f.emit(eventClose)
				return
			}
			continue
		}

		if held != nil {
			if !f.write(held) {
				return
			}
			held = nil
			continue
		}

		select {
		case <-f.queue.Notify():
		case msg := <-f.fwd:
			held = msg
		case <-f.done:
			return
		}
	}
}

// write sends msg on the current stream, waiting for an Update when the
// write fails. It returns false once the forwarder is closed.
func (f *Forwarder) write(msg []byte) bool {
	for {
		ref := f.current()
		if err := ref.s.WriteMessage(msg); err == nil {
			return true
		}

		select {
		case <-ref.changed:
			f.log.Debug("retrying write on updated stream")
		case <-f.done:
			return false
		}
	}
}
