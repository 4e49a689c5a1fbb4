package relay

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/1ureka.net.relay/internal/identity"
	"github.com/1ureka/1ureka.net.relay/internal/protocol"
	"github.com/1ureka/1ureka.net.relay/internal/transport"
)

func newID(t *testing.T) identity.ID {
	t.Helper()
	id, _, err := identity.Generate()
	require.NoError(t, err)
	return id
}

// readFrame reads one message from an endpoint stream, failing after a second.
func readFrame(t *testing.T, s transport.Stream) []byte {
	t.Helper()
	ch := make(chan []byte, 1)
	errc := make(chan error, 1)
	go func() {
		msg, err := s.ReadMessage()
		if err != nil {
			errc <- err
			return
		}
		ch <- msg
	}()
	select {
	case msg := <-ch:
		return msg
	case err := <-errc:
		t.Fatalf("read failed: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out reading frame")
	}
	return nil
}

// answerPings replies PONG to every PING read from s and drops everything else.
func answerPings(s transport.Stream) {
	go func() {
		for {
			msg, err := s.ReadMessage()
			if err != nil {
				return
			}
			if frame, ok := protocol.Decode(msg); ok &&
				frame.Prefix == protocol.PrefixStatusMessage &&
				protocol.StatusMessage(frame.Payload[0]) == protocol.StatusPing {
				if s.WriteMessage(protocol.Pong()) != nil {
					return
				}
			}
		}
	}()
}

type forwarderPair struct {
	fA, fB       *Forwarder
	endA, endB   transport.Stream // endpoint side of each stream
	events       chan forwarderEvent
	aliceID, bob identity.ID
}

// gatedStream holds every write until gate is closed.
type gatedStream struct {
	transport.Stream
	gate chan struct{}
}

func (g *gatedStream) WriteMessage(msg []byte) error {
	<-g.gate
	return g.Stream.WriteMessage(msg)
}

func newForwarderPair(t *testing.T) *forwarderPair {
	t.Helper()
	return newForwarderPairWith(t, nil)
}

// newForwarderPairWith wires a pair whose relay-side stream to Bob is passed
// through wrapB when it is set.
func newForwarderPairWith(t *testing.T, wrapB func(transport.Stream) transport.Stream) *forwarderPair {
	t.Helper()
	endA, relayA := transport.Pipe()
	endB, relayB := transport.Pipe()
	if wrapB != nil {
		relayB = wrapB(relayB)
	}

	p := &forwarderPair{
		endA:    endA,
		endB:    endB,
		events:  make(chan forwarderEvent, 8),
		aliceID: newID(t),
		bob:     newID(t),
	}
	p.fA = newForwarder(p.aliceID, relayA, 0, p.events, nil)
	p.fB = newForwarder(p.bob, relayB, 0, p.events, nil)
	wire(p.fA, p.fB)

	t.Cleanup(func() {
		p.fA.Close()
		p.fB.Close()
	})
	return p
}

func TestForwarderForwardsBothWays(t *testing.T) {
	p := newForwarderPair(t)

	require.NoError(t, p.endA.WriteMessage(protocol.Encode(protocol.PrefixPayload, []byte("ping"))))
	assert.Equal(t, protocol.Encode(protocol.PrefixPayload, []byte("ping")), readFrame(t, p.endB))

	require.NoError(t, p.endB.WriteMessage(protocol.Encode(protocol.PrefixWebRTCSignalling, []byte("sdp"))))
	assert.Equal(t, protocol.Encode(protocol.PrefixWebRTCSignalling, []byte("sdp")), readFrame(t, p.endA))
}

// TestForwarderAnswersPing verifies that PINGs from an endpoint are answered
// by the relay and never reach the other endpoint.
func TestForwarderAnswersPing(t *testing.T) {
	p := newForwarderPair(t)

	require.NoError(t, p.endA.WriteMessage(protocol.Ping()))
	assert.Equal(t, protocol.Pong(), readFrame(t, p.endA))

	require.NoError(t, p.endA.WriteMessage(protocol.Encode(protocol.PrefixPayload, []byte("x"))))
	assert.Equal(t, protocol.Encode(protocol.PrefixPayload, []byte("x")), readFrame(t, p.endB))
}

func TestForwarderPing(t *testing.T) {
	p := newForwarderPair(t)
	answerPings(p.endA)

	latency, err := p.fA.Ping(time.Second)
	require.NoError(t, err)
	assert.Positive(t, latency)
}

// TestForwarderPingTimeout checks that an unanswered ping fails and leaves no
// waiter behind.
func TestForwarderPingTimeout(t *testing.T) {
	p := newForwarderPair(t)

	start := time.Now()
	_, err := p.fB.Ping(20 * time.Millisecond)
	assert.ErrorIs(t, err, ErrNoPong)
	assert.Less(t, time.Since(start), time.Second)

	p.fB.pingMu.Lock()
	assert.Nil(t, p.fB.ping)
	p.fB.pingMu.Unlock()
}

// TestForwarderUpdate swaps the stream to Alice mid-link: nothing is lost and
// Bob is told with a RESTART.
func TestForwarderUpdate(t *testing.T) {
	p := newForwarderPair(t)

	require.NoError(t, p.endA.WriteMessage(protocol.Encode(protocol.PrefixPayload, []byte("one"))))
	assert.Equal(t, protocol.Encode(protocol.PrefixPayload, []byte("one")), readFrame(t, p.endB))

	newEndA, newRelayA := transport.Pipe()
	require.NoError(t, p.fA.Update(newRelayA))

	_, err := p.endA.ReadMessage()
	assert.ErrorIs(t, err, io.EOF, "old stream is half-closed")
	require.NoError(t, p.endA.Close())

	assert.Equal(t, protocol.Restart(), readFrame(t, p.endB))

	require.NoError(t, newEndA.WriteMessage(protocol.Encode(protocol.PrefixPayload, []byte("two"))))
	assert.Equal(t, protocol.Encode(protocol.PrefixPayload, []byte("two")), readFrame(t, p.endB))

	require.NoError(t, p.endB.WriteMessage(protocol.Encode(protocol.PrefixPayload, []byte("back"))))
	assert.Equal(t, protocol.Encode(protocol.PrefixPayload, []byte("back")), readFrame(t, newEndA))
}

// TestForwarderUpdateDrainsOldStream swaps Alice's stream while everything
// she sent before is still buffered behind a stalled writer to Bob: all of it
// reaches Bob ahead of the RESTART.
func TestForwarderUpdateDrainsOldStream(t *testing.T) {
	gate := make(chan struct{})
	p := newForwarderPairWith(t, func(s transport.Stream) transport.Stream {
		return &gatedStream{Stream: s, gate: gate}
	})

	const n = 200
	for i := 0; i < n; i++ {
		require.NoError(t, p.endA.WriteMessage(protocol.Encode(protocol.PrefixPayload, []byte{byte(i)})))
	}

	newEndA, newRelayA := transport.Pipe()
	require.NoError(t, p.fA.Update(newRelayA))
	require.NoError(t, newEndA.WriteMessage(protocol.Encode(protocol.PrefixPayload, []byte("after"))))
	close(gate)

	for i := 0; i < n; i++ {
		require.Equal(t, protocol.Encode(protocol.PrefixPayload, []byte{byte(i)}), readFrame(t, p.endB), "frame %d", i)
	}
	assert.Equal(t, protocol.Restart(), readFrame(t, p.endB))
	assert.Equal(t, protocol.Encode(protocol.PrefixPayload, []byte("after")), readFrame(t, p.endB))
}

// TestForwarderStopFromReplacedStream checks that the old endpoint closing
// its abandoned stream does not end the link.
func TestForwarderStopFromReplacedStream(t *testing.T) {
	p := newForwarderPair(t)

	newEndA, newRelayA := transport.Pipe()
	require.NoError(t, p.fA.Update(newRelayA))
	require.NoError(t, p.endA.WriteMessage(protocol.Stop()))

	assert.Equal(t, protocol.Restart(), readFrame(t, p.endB))
	require.NoError(t, newEndA.WriteMessage(protocol.Encode(protocol.PrefixPayload, []byte("still here"))))
	assert.Equal(t, protocol.Encode(protocol.PrefixPayload, []byte("still here")), readFrame(t, p.endB))

	select {
	case ev := <-p.events:
		t.Fatalf("unexpected event %v", ev)
	default:
	}
}

// TestForwarderPingSupersedesOutstanding starts a second ping while the
// first is unanswered: the first resolves as no answer right away.
func TestForwarderPingSupersedesOutstanding(t *testing.T) {
	p := newForwarderPair(t)

	first := make(chan error, 1)
	go func() {
		_, err := p.fA.Ping(time.Second)
		first <- err
	}()
	assert.Equal(t, protocol.Ping(), readFrame(t, p.endA))

	second := make(chan error, 1)
	go func() {
		_, err := p.fA.Ping(time.Second)
		second <- err
	}()

	select {
	case err := <-first:
		assert.ErrorIs(t, err, ErrNoPong)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("first ping not resolved by the second")
	}

	assert.Equal(t, protocol.Ping(), readFrame(t, p.endA))
	require.NoError(t, p.endA.WriteMessage(protocol.Pong()))
	select {
	case err := <-second:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("second ping not answered")
	}
}

// TestForwarderStopSupersedesQueuedStatus forwards a STOP to Bob while PONGs
// for him are still queued: the STOP replaces them.
func TestForwarderStopSupersedesQueuedStatus(t *testing.T) {
	gate := make(chan struct{})
	p := newForwarderPairWith(t, func(s transport.Stream) transport.Stream {
		return &gatedStream{Stream: s, gate: gate}
	})

	for i := 0; i < 3; i++ {
		require.True(t, p.fB.queue.Push(protocol.Pong()))
	}
	require.NoError(t, p.endA.WriteMessage(protocol.Stop()))

	select {
	case ev := <-p.events:
		require.Same(t, p.fA, ev.from, "Alice's side reports first")
	case <-time.After(time.Second):
		t.Fatal("STOP not read")
	}
	close(gate)

	var frames [][]byte
	for {
		msg, err := p.endB.ReadMessage()
		if err != nil {
			break
		}
		frames = append(frames, msg)
	}
	require.NotEmpty(t, frames)
	assert.Equal(t, protocol.Stop(), frames[len(frames)-1])
	assert.LessOrEqual(t, len(frames), 2, "at most the PONG already being written precedes STOP")
}

func TestForwarderStopReportsBothSides(t *testing.T) {
	p := newForwarderPair(t)

	require.NoError(t, p.endA.WriteMessage(protocol.Stop()))
	assert.Equal(t, protocol.Stop(), readFrame(t, p.endB))

	seen := map[*Forwarder]bool{}
	for len(seen) < 2 {
		select {
		case ev := <-p.events:
			assert.Equal(t, eventClose, ev.kind)
			seen[ev.from] = true
		case <-time.After(time.Second):
			t.Fatal("close not reported by both forwarders")
		}
	}

	select {
	case ev := <-p.events:
		t.Fatalf("unexpected extra event %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestForwarderUpgradeEvent(t *testing.T) {
	p := newForwarderPair(t)

	require.NoError(t, p.endA.WriteMessage(protocol.Upgraded()))
	select {
	case ev := <-p.events:
		assert.Equal(t, eventUpgrade, ev.kind)
		assert.Same(t, p.fA, ev.from)
	case <-time.After(time.Second):
		t.Fatal("upgrade not reported")
	}
}
