package webrtc

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/1ureka/1ureka.net.relay/internal/identity"
	"github.com/1ureka/1ureka.net.relay/internal/protocol"
	"github.com/1ureka/1ureka.net.relay/internal/relayconn"
	"github.com/1ureka/1ureka.net.relay/internal/util"
)

// DefaultUpgradeTimeout bounds how long the direct channel may take to open.
const DefaultUpgradeTimeout = 3 * time.Second

// ErrUpgradeBroken is reported when the counterparty switched to the direct
// channel but this side could not.
var ErrUpgradeBroken = errors.New("counterparty migrated but direct channel is unavailable")

// Outcome is the state of an upgrade attempt.
type Outcome int32

const (
	AwaitingOutcome Outcome = iota
	Direct
	Relayed
)

func (o Outcome) String() string {
	switch o {
	case AwaitingOutcome:
		return "awaiting"
	case Direct:
		return "direct"
	case Relayed:
		return "relayed"
	default:
		return "unknown"
	}
}

// Options configures New.
type Options struct {
	Timeout time.Duration
}

// Conn is a relayed connection that tries to move to a direct channel.
//
// Both directions carry a one-byte migration marker in front of every chunk.
// Once the channel opens, the sending side writes a DONE marker on the relay,
// sends UPGRADED and continues with length-prefixed frames on the channel.
// The receiving side reads the relay until it sees DONE and then switches to
// the channel, so no chunk is lost or reordered during the handover.
type Conn struct {
	rc   *relayconn.Conn
	ch   DirectChannel
	gen  uint64
	opts Options
	log  util.Logger

	mu      sync.Mutex
	outcome Outcome
	decided chan struct{}

	// closed when the direct channel fails after it was chosen
	lost     chan struct{}
	lostOnce sync.Once

	sourceOnce sync.Once
	source     chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// New attaches ch to the current generation of rc. A nil ch keeps the
// connection on the relay.
func New(rc *relayconn.Conn, ch DirectChannel, opts Options) *Conn {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultUpgradeTimeout
	}

	gen, genDone := rc.CurrentGeneration()
	c := &Conn{
		rc:      rc,
		ch:      ch,
		gen:     gen,
		opts:    opts,
		log:     util.NewLogger("WRTC"),
		decided: make(chan struct{}),
		lost:    make(chan struct{}),
		source:  make(chan []byte),
		closed:  make(chan struct{}),
	}

	if ch == nil {
		c.decide(Relayed)
		return c
	}

	if !rc.OnSignal(gen, c.onSignal) {
		c.decide(Relayed)
		return c
	}

	go c.pumpSignals()
	go c.watch(genDone)
	return c
}

func (c *Conn) onSignal(data []byte) {
	if c.Outcome() == Relayed {
		return
	}
	if err := c.ch.Signal(data); err != nil {
		c.log.Debug("signal rejected: %v", err)
	}
}

// pumpSignals forwards locally produced signalling data over the relay.
func (c *Conn) pumpSignals() {
	for {
		select {
		case data := <-c.ch.Signals():
			if c.Outcome() == Relayed {
				return
			}
			if !c.rc.SendSignal(c.gen, data) {
				return
			}
		case <-c.closed:
			return
		}
	}
}

// watch decides the outcome and, after a successful upgrade, keeps
// observing the channel for failures.
func (c *Conn) watch(genDone <-chan struct{}) {
	timer := time.NewTimer(c.opts.Timeout)
	defer timer.Stop()

	select {
	case <-c.ch.Connected():
		c.decide(Direct)
	case err := <-c.ch.Failed():
		c.log.Warning("direct channel failed: %v", err)
		c.decide(Relayed)
		return
	case <-timer.C:
		c.log.Info("direct channel not open after %s, staying on relay", c.opts.Timeout)
		c.decide(Relayed)
		return
	case <-genDone:
		c.decide(Relayed)
		return
	case <-c.closed:
		return
	}

	select {
	case err := <-c.ch.Failed():
		c.log.Warning("direct channel lost: %v", err)
		c.lostOnce.Do(func() { close(c.lost) })
	case <-c.closed:
	}
}

func (c *Conn) decide(o Outcome) {
	c.mu.Lock()
	if c.outcome != AwaitingOutcome {
		c.mu.Unlock()
		return
	}
	c.outcome = o
	c.mu.Unlock()
	close(c.decided)

	switch o {
	case Direct:
		util.Stats.AddUpgrade()
		c.log.Success("upgraded to direct channel with %s", c.rc.Counterparty().Short())
	case Relayed:
		if c.ch != nil {
			c.ch.Close()
		}
	}
}

// Outcome returns the current upgrade state.
func (c *Conn) Outcome() Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcome
}

// Decided is closed once the outcome is known.
func (c *Conn) Decided() <-chan struct{} { return c.decided }

// ---------------------------------------------------------------------------
// Data path
// ---------------------------------------------------------------------------

// Sink sends every chunk of src to the counterparty, over the relay first
// and over the direct channel once it opened.
func (c *Conn) Sink(ctx context.Context, src <-chan []byte) error {
	relayIn := make(chan []byte)
	relayErr := make(chan error, 1)
	go func() { relayErr <- c.rc.Sink(ctx, relayIn) }()

	decided := c.decided
	for {
		select {
		case data, ok := <-src:
			if !ok {
				close(relayIn)
				return <-relayErr
			}
			select {
			case relayIn <- protocol.WithMigration(protocol.MigrationNotDone, data):
			case err := <-relayErr:
				return err
			}

		case <-decided:
			if c.Outcome() != Direct {
				decided = nil
				continue
			}
			select {
			case relayIn <- protocol.WithMigration(protocol.MigrationDone, nil):
			case err := <-relayErr:
				return err
			}
			close(relayIn)
			if err := <-relayErr; err != nil {
				return err
			}
			c.rc.SendUpgraded()
			return c.sinkDirect(ctx, src)

		case err := <-relayErr:
			return err
		case <-ctx.Done():
			close(relayIn)
			<-relayErr
			return ctx.Err()
		}
	}
}

func (c *Conn) sinkDirect(ctx context.Context, src <-chan []byte) error {
	for {
		select {
		case data, ok := <-src:
			if !ok {
				return c.ch.Send(protocol.EncodeLengthPrefixed(protocol.WithMigration(protocol.MigrationDone, nil)))
			}
			frame := protocol.EncodeLengthPrefixed(protocol.WithMigration(protocol.MigrationNotDone, data))
			if err := c.ch.Send(frame); err != nil {
				return err
			}
		case <-c.lost:
			return ErrUpgradeBroken
		case <-c.closed:
			return relayconn.ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Source returns the chunks received from the counterparty. The channel is
// closed when the counterparty finished sending or the connection ended.
func (c *Conn) Source() <-chan []byte {
	c.sourceOnce.Do(func() { go c.readLoop() })
	return c.source
}

func (c *Conn) readLoop() {
	defer close(c.source)

	for msg := range c.rc.Source() {
		if len(msg) == 0 {
			continue
		}
		if protocol.MigrationStatus(msg[0]) == protocol.MigrationDone {
			c.readDirect()
			return
		}
		if !c.emit(msg[1:]) {
			return
		}
	}
}

func (c *Conn) readDirect() {
	select {
	case <-c.decided:
	case <-c.closed:
		return
	}
	if c.Outcome() != Direct {
		c.log.Error("%v", ErrUpgradeBroken)
		return
	}

	var dec protocol.LengthPrefixDecoder
	for {
		select {
		case chunk := <-c.ch.Messages():
			frames, err := dec.Feed(chunk)
			for _, frame := range frames {
				if len(frame) == 0 {
					continue
				}
				if protocol.MigrationStatus(frame[0]) == protocol.MigrationDone {
					return
				}
				if !c.emit(frame[1:]) {
					return
				}
			}
			if err != nil {
				c.log.Error("direct channel: %v", err)
				return
			}
		case <-c.lost:
			return
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) emit(data []byte) bool {
	select {
	case c.source <- data:
		return true
	case <-c.closed:
		return false
	}
}

// Close destroys the direct channel and closes the relayed connection.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.ch != nil {
			c.ch.Close()
		}
		err = c.rc.Close()
	})
	return err
}

// Relayed returns the underlying relayed connection.
func (c *Conn) Relayed() *relayconn.Conn { return c.rc }

func (c *Conn) Timeline() relayconn.Timeline { return c.rc.Timeline() }
func (c *Conn) Counterparty() identity.ID    { return c.rc.Counterparty() }
func (c *Conn) LocalAddr() net.Addr          { return c.rc.LocalAddr() }

// RemoteAddr is the circuit address while relayed and the plain peer
// address after an upgrade.
func (c *Conn) RemoteAddr() net.Addr {
	if c.Outcome() == Direct {
		return identity.PeerAddr{Peer: c.rc.Counterparty()}
	}
	return c.rc.RemoteAddr()
}
