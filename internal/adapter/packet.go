package adapter

import (
	"encoding/binary"
	"fmt"
)

// Packet types.
const (
	TypeConnect uint8 = 0x01 // new TCP connection
	TypeData    uint8 = 0x02 // TCP payload
	TypeClose   uint8 = 0x03 // connection closed
)

// HeaderSize is Type(1) + SocketID(4).
const HeaderSize = 5

// Packet is one multiplexed message carried as a payload chunk of the
// relayed connection. The connection is ordered, so no sequence number is
// needed.
type Packet struct {
	Type     uint8
	SocketID uint32
	Payload  []byte // TypeData only
}

// Encode serializes a Packet.
func Encode(pkt Packet) []byte {
	buf := make([]byte, HeaderSize+len(pkt.Payload))
	buf[0] = pkt.Type
	binary.BigEndian.PutUint32(buf[1:5], pkt.SocketID)
	copy(buf[HeaderSize:], pkt.Payload)
	return buf
}

// Decode deserializes a Packet.
func Decode(data []byte) (Packet, error) {
	if len(data) < HeaderSize {
		return Packet{}, fmt.Errorf("packet too short: %d bytes (need at least %d)", len(data), HeaderSize)
	}
	pkt := Packet{
		Type:     data[0],
		SocketID: binary.BigEndian.Uint32(data[1:5]),
	}
	switch pkt.Type {
	case TypeConnect, TypeData, TypeClose:
	default:
		return Packet{}, fmt.Errorf("unknown packet type 0x%02x", pkt.Type)
	}
	if len(data) > HeaderSize {
		pkt.Payload = make([]byte, len(data)-HeaderSize)
		copy(pkt.Payload, data[HeaderSize:])
	}
	return pkt, nil
}
