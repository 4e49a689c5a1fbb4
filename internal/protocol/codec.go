package protocol

// Encode serializes a prefix and payload into a single wire message.
func Encode(prefix Prefix, payload []byte) []byte {
	buf := make([]byte, 1+len(payload))
	buf[0] = byte(prefix)
	copy(buf[1:], payload)
	return buf
}

// Decode splits a wire message into prefix and payload. The boolean is false
// when the message must be ignored: empty, missing its payload, or carrying an
// unknown prefix. Malformed input is never an error.
func Decode(msg []byte) (Frame, bool) {
	if len(msg) < 2 {
		return Frame{}, false
	}
	prefix := Prefix(msg[0])
	if !prefix.Valid() {
		return Frame{}, false
	}
	payload := make([]byte, len(msg)-1)
	copy(payload, msg[1:])
	return Frame{Prefix: prefix, Payload: payload}, true
}

// rank maps a prefix to its send priority, 0 being sent first.
func rank(p Prefix) int {
	switch p {
	case PrefixConnectionStatus:
		return 0
	case PrefixStatusMessage:
		return 1
	case PrefixWebRTCSignalling:
		return 2
	default:
		return 3
	}
}

// Compare orders prefixes for outgoing multiplexing:
// CONNECTION_STATUS > STATUS_MESSAGE > WEBRTC_SIGNALLING > PAYLOAD.
// It returns a negative value when a must be sent before b, zero when both
// share a priority and a positive value otherwise.
func Compare(a, b Prefix) int {
	return rank(a) - rank(b)
}

// ---------------------------------------------------------------------------
// Control message constructors
// ---------------------------------------------------------------------------

// Stop returns an encoded CONNECTION_STATUS/STOP message.
func Stop() []byte { return []byte{byte(PrefixConnectionStatus), byte(StatusStop)} }

// Restart returns an encoded CONNECTION_STATUS/RESTART message.
func Restart() []byte { return []byte{byte(PrefixConnectionStatus), byte(StatusRestart)} }

// Upgraded returns an encoded CONNECTION_STATUS/UPGRADED message.
func Upgraded() []byte { return []byte{byte(PrefixConnectionStatus), byte(StatusUpgraded)} }

// Ping returns an encoded STATUS_MESSAGE/PING message.
func Ping() []byte { return []byte{byte(PrefixStatusMessage), byte(StatusPing)} }

// Pong returns an encoded STATUS_MESSAGE/PONG message.
func Pong() []byte { return []byte{byte(PrefixStatusMessage), byte(StatusPong)} }

// IsStop reports whether msg is a CONNECTION_STATUS/STOP message.
func IsStop(msg []byte) bool {
	return len(msg) >= 2 && msg[0] == byte(PrefixConnectionStatus) && msg[1] == byte(StatusStop)
}
