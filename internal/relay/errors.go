package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrNoPong is returned by Ping when no answer arrived in time.
	ErrNoPong = errors.New("no pong received")
	// ErrLinkExists is returned by CreateNew when the pair already has a link.
	ErrLinkExists = errors.New("relayed link already exists")
	// ErrNoSuchLink is returned when the pair has no link.
	ErrNoSuchLink = errors.New("no relayed link for pair")
	// ErrForwarderClosed is returned when using a torn down forwarder.
	ErrForwarderClosed = errors.New("forwarder closed")
	// ErrServiceClosed is returned by Accept and Connect after Close.
	ErrServiceClosed = errors.New("relay service closed")
)

// HandshakeError carries the failure code a handshake ended with.
type HandshakeError struct {
	Code Response
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("relay handshake failed: %s", e.Code)
}

// Is matches any *HandshakeError with the same code.
func (e *HandshakeError) Is(target error) bool {
	t, ok := target.(*HandshakeError)
	return ok && t.Code == e.Code
}
