// Package protocol defines the relay wire format: a 1-byte prefix tag followed
// by an opaque payload, plus the control messages carried in that payload.
package protocol

// Prefix tags every message on a relayed or direct stream.
type Prefix uint8

// Prefix values. Numeric values follow the deployed wire format; the send
// priority is defined by Compare, not by these numbers.
const (
	PrefixPayload          Prefix = 0x00 // application data
	PrefixStatusMessage    Prefix = 0x01 // PING / PONG
	PrefixConnectionStatus Prefix = 0x02 // STOP / RESTART / UPGRADED
	PrefixWebRTCSignalling Prefix = 0x03 // SDP / ICE exchange for the direct channel
)

// ConnectionStatus is the payload byte of a PrefixConnectionStatus frame.
type ConnectionStatus uint8

const (
	StatusStop     ConnectionStatus = 0x00 // terminal, no further reconnects
	StatusRestart  ConnectionStatus = 0x01 // the other end reconnected to the relay
	StatusUpgraded ConnectionStatus = 0x02 // the endpoints migrated to a direct channel
)

// StatusMessage is the payload byte of a PrefixStatusMessage frame.
type StatusMessage uint8

const (
	StatusPing StatusMessage = 0x00
	StatusPong StatusMessage = 0x01
)

// Frame is a decoded message. Payload is a copy of the wire bytes.
type Frame struct {
	Prefix  Prefix
	Payload []byte
}

func (p Prefix) String() string {
	switch p {
	case PrefixPayload:
		return "PAYLOAD"
	case PrefixStatusMessage:
		return "STATUS_MESSAGE"
	case PrefixConnectionStatus:
		return "CONNECTION_STATUS"
	case PrefixWebRTCSignalling:
		return "WEBRTC_SIGNALLING"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether p is one of the known prefixes.
func (p Prefix) Valid() bool {
	return p <= PrefixWebRTCSignalling
}

func (s ConnectionStatus) String() string {
	switch s {
	case StatusStop:
		return "STOP"
	case StatusRestart:
		return "RESTART"
	case StatusUpgraded:
		return "UPGRADED"
	default:
		return "UNKNOWN"
	}
}

func (s StatusMessage) String() string {
	switch s {
	case StatusPing:
		return "PING"
	case StatusPong:
		return "PONG"
	default:
		return "UNKNOWN"
	}
}
