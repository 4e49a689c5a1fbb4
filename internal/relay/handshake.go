// Package relay implements the relay node: the handshake that sets up a
// relayed link, the forwarders that carry it, the table of live links and the
// service that ties them to a transport host.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/1ureka/1ureka.net.relay/internal/identity"
	"github.com/1ureka/1ureka.net.relay/internal/transport"
	"github.com/1ureka/1ureka.net.relay/internal/util"
)

// Response is the single byte a relay or destination answers a handshake with.
type Response byte

const (
	ResponseOk                            Response = 0x00
	ResponseFail                          Response = 0x01
	ResponseFailCouldNotReachCounterparty Response = 0x02
	ResponseFailCouldNotIdentifyPeer      Response = 0x03
	ResponseFailInvalidPublicKey          Response = 0x04
	ResponseFailLoopback                  Response = 0x05
	ResponseFailRelayFull                 Response = 0x06
)

func (r Response) String() string {
	switch r {
	case ResponseOk:
		return "OK"
	case ResponseFail:
		return "FAIL"
	case ResponseFailCouldNotReachCounterparty:
		return "FAIL_COULD_NOT_REACH_COUNTERPARTY"
	case ResponseFailCouldNotIdentifyPeer:
		return "FAIL_COULD_NOT_IDENTIFY_PEER"
	case ResponseFailInvalidPublicKey:
		return "FAIL_INVALID_PUBLIC_KEY"
	case ResponseFailLoopback:
		return "FAIL_LOOPBACK"
	case ResponseFailRelayFull:
		return "FAIL_RELAY_FULL"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(r))
	}
}

// DefaultCircuitTimeout bounds one handshake when the caller's context has no
// deadline.
const DefaultCircuitTimeout = 6 * time.Second

// Dialer opens streams to other peers. transport.Host satisfies it.
type Dialer interface {
	Dial(ctx context.Context, peer identity.ID, protocol string) (transport.Stream, error)
}

// readMessage reads one message from s, bounded by ctx. The stream is closed
// when ctx ends first, since a half-read handshake cannot be resumed.
func readMessage(ctx context.Context, s transport.Stream) ([]byte, error) {
	type result struct {
		msg []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := s.ReadMessage()
		ch <- result{msg, err}
	}()

	select {
	case r := <-ch:
		return r.msg, r.err
	case <-ctx.Done():
		s.Close()
		return nil, ctx.Err()
	}
}

func readResponse(ctx context.Context, s transport.Stream) (Response, error) {
	msg, err := readMessage(ctx, s)
	if err != nil {
		return 0, err
	}
	if len(msg) != 1 {
		return 0, fmt.Errorf("invalid handshake response of %d bytes", len(msg))
	}
	return Response(msg[0]), nil
}

func withCircuitTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, DefaultCircuitTimeout)
}

// ---------------------------------------------------------------------------
// Initiator
// ---------------------------------------------------------------------------

// Initiate asks the relay behind s to connect us to destination. On success
// the same stream carries the relayed connection. Any failure code is
// returned as a *HandshakeError and the stream is closed.
func Initiate(ctx context.Context, s transport.Stream, destination identity.ID) (transport.Stream, error) {
	ctx, cancel := withCircuitTimeout(ctx)
	defer cancel()

	if err := s.WriteMessage(destination.Bytes()); err != nil {
		s.Close()
		return nil, fmt.Errorf("write destination: %w", err)
	}

	resp, err := readResponse(ctx, s)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("read relay response: %w", err)
	}
	if resp != ResponseOk {
		s.Close()
		return nil, &HandshakeError{Code: resp}
	}
	return s, nil
}

// ---------------------------------------------------------------------------
// Destination
// ---------------------------------------------------------------------------

// HandleResult is what the destination learns from a delivery handshake.
type HandleResult struct {
	Stream       transport.Stream
	Counterparty identity.ID
}

// Handle answers a delivery stream opened by a relay: it reads the
// initiator's identity and accepts it.
func Handle(ctx context.Context, s transport.Stream) (HandleResult, error) {
	ctx, cancel := withCircuitTimeout(ctx)
	defer cancel()

	msg, err := readMessage(ctx, s)
	if err != nil {
		s.Close()
		return HandleResult{}, fmt.Errorf("read initiator: %w", err)
	}

	initiator, err := identity.FromBytes(msg)
	if err != nil {
		Reject(s, ResponseFail)
		return HandleResult{}, fmt.Errorf("decode initiator: %w", err)
	}

	if err := s.WriteMessage([]byte{byte(ResponseOk)}); err != nil {
		s.Close()
		return HandleResult{}, fmt.Errorf("write response: %w", err)
	}
	return HandleResult{Stream: s, Counterparty: initiator}, nil
}

// Reject writes a failure code and closes the stream.
func Reject(s transport.Stream, code Response) {
	_ = s.WriteMessage([]byte{byte(code)})
	s.Close()
}

// ---------------------------------------------------------------------------
// Relay
// ---------------------------------------------------------------------------

// NegotiateOptions configures the relay side of a handshake.
type NegotiateOptions struct {
	MaxRelayedConnections int
	PingTimeout           time.Duration
}

// Negotiate runs the relay side of a handshake for a stream accepted from
// source. It either reuses the link source already has with the destination,
// hot-swapping source's stream onto it, or dials the destination over the
// delivery protocol and creates a new link. The initiator always receives
// exactly one response byte; the returned code is that byte.
func Negotiate(ctx context.Context, s transport.Stream, source identity.ID, dial Dialer, state *State, opts NegotiateOptions) (Response, error) {
	ctx, cancel := withCircuitTimeout(ctx)
	defer cancel()

	msg, err := readMessage(ctx, s)
	if err != nil {
		s.Close()
		return ResponseFail, fmt.Errorf("read destination: %w", err)
	}

	destination, err := identity.FromBytes(msg)
	if err != nil {
		Reject(s, ResponseFailInvalidPublicKey)
		return ResponseFailInvalidPublicKey, err
	}
	if destination == source {
		Reject(s, ResponseFailLoopback)
		return ResponseFailLoopback, identity.ErrLoopback
	}

	if !state.reserve(opts.MaxRelayedConnections) {
		Reject(s, ResponseFailRelayFull)
		return ResponseFailRelayFull, nil
	}
	defer state.release()

	// Reuse a live link.
	stale := state.link(source, destination)
	if stale != nil {
		if _, err := stale.forwarder(destination).Ping(opts.PingTimeout); err == nil {
			if err := s.WriteMessage([]byte{byte(ResponseOk)}); err != nil {
				s.Close()
				return ResponseOk, fmt.Errorf("write response: %w", err)
			}
			if err := state.swap(stale, source, s); err == nil {
				return ResponseOk, nil
			}
			// The link went away after the probe; carry on with a fresh one.
			util.LogDebug("link %s vanished during reuse, dialing fresh", stale.id)
			return ResponseOk, createFresh(ctx, s, source, destination, dial, state, nil, true)
		}
		util.LogDebug("link %s did not answer, dialing fresh", stale.id)
	}

	if err := createFresh(ctx, s, source, destination, dial, state, stale, false); err != nil {
		if stale != nil {
			state.deleteLink(stale)
		}
		return ResponseFailCouldNotReachCounterparty, err
	}
	return ResponseOk, nil
}

// createFresh dials destination, performs the delivery handshake and
// registers a new link, replacing stale if it is still the table entry. When
// replied is false the initiator is answered here.
func createFresh(ctx context.Context, s transport.Stream, source, destination identity.ID, dial Dialer, state *State, stale *Link, replied bool) error {
	fail := func(err error) error {
		if replied {
			s.Close()
		} else {
			Reject(s, ResponseFailCouldNotReachCounterparty)
		}
		return err
	}

	delivery, err := dial.Dial(ctx, destination, transport.ProtocolDelivery)
	if err != nil {
		return fail(fmt.Errorf("dial destination: %w", err))
	}

	if err := delivery.WriteMessage(source.Bytes()); err != nil {
		delivery.Close()
		return fail(fmt.Errorf("write initiator: %w", err))
	}

	resp, err := readResponse(ctx, delivery)
	if err != nil {
		delivery.Close()
		return fail(fmt.Errorf("read destination response: %w", err))
	}
	if resp != ResponseOk {
		delivery.Close()
		return fail(&HandshakeError{Code: resp})
	}

	if !replied {
		if err := s.WriteMessage([]byte{byte(ResponseOk)}); err != nil {
			s.Close()
			delivery.Close()
			return fmt.Errorf("write response: %w", err)
		}
	}

	for attempt := 0; attempt < 3; attempt++ {
		_, err := state.createLink(source, destination, s, delivery, stale)
		if !errors.Is(err, ErrLinkExists) {
			return err
		}

		// A concurrent handshake committed first: join its link.
		existing := state.link(source, destination)
		if existing == nil {
			stale = nil
			continue
		}
		if err := state.swap(existing, source, s); err == nil {
			delivery.Close()
			return nil
		}
	}

	s.Close()
	delivery.Close()
	return errors.New("relayed link kept changing during handshake")
}
