// Package transport provides the message streams relayed connections run on:
// an in-memory pipe for tests and a websocket host that dials and serves
// streams per protocol id.
package transport

import (
	"context"
	"errors"

	"github.com/1ureka/1ureka.net.relay/internal/identity"
)

// Protocol ids of the two relay sub-protocols.
const (
	ProtocolRelay    = "/hopr-connect/relay/1.0.0"
	ProtocolDelivery = "/hopr-connect/delivery/1.0.0"
)

var (
	ErrUnknownPeer = errors.New("no address known for peer")
	ErrNoHandler   = errors.New("protocol not supported by peer")
	ErrHostClosed  = errors.New("host closed")
)

// Stream is a bidirectional, message-oriented stream. Every WriteMessage on
// one end is returned by exactly one ReadMessage on the other end, in order.
// ReadMessage returns io.EOF once the remote end closed and every buffered
// message was read.
//
// ReadMessage and WriteMessage may be called concurrently with each other,
// but each by a single goroutine at a time. Close may be called at any time
// and unblocks a pending ReadMessage.
type Stream interface {
	ReadMessage() ([]byte, error)
	WriteMessage(msg []byte) error
	Close() error
}

// HalfCloser is implemented by streams that can end their write direction
// while messages the remote already sent stay readable.
type HalfCloser interface {
	CloseWrite() error
}

// CloseWrite ends the write direction of s if it supports half-closing and
// reports whether it did.
func CloseWrite(s Stream) bool {
	hc, ok := s.(HalfCloser)
	if !ok {
		return false
	}
	return hc.CloseWrite() == nil
}

// HandlerFunc serves an inbound stream opened by remote. The stream belongs
// to the handler.
type HandlerFunc func(s Stream, remote identity.ID)

// Host dials and accepts streams by protocol id.
type Host interface {
	ID() identity.ID
	Dial(ctx context.Context, peer identity.ID, protocol string) (Stream, error)
	Handle(protocol string, h HandlerFunc)
	Close() error
}
