package webrtc

import (
	"encoding/json"
	"fmt"
)

// MessageType identifies the kind of signalling message.
type MessageType string

const (
	MsgTypeOffer     MessageType = "offer"
	MsgTypeAnswer    MessageType = "answer"
	MsgTypeCandidate MessageType = "candidate"
)

// Message is the JSON structure carried in WEBRTC_SIGNALLING frames.
type Message struct {
	Type      MessageType `json:"type"`
	SDP       string      `json:"sdp,omitempty"`
	Candidate string      `json:"candidate,omitempty"` // JSON-encoded ICECandidateInit
}

func encodeMessage(msg Message) []byte {
	data, _ := json.Marshal(msg)
	return data
}

func decodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("decode signalling message: %w", err)
	}
	switch msg.Type {
	case MsgTypeOffer, MsgTypeAnswer, MsgTypeCandidate:
		return msg, nil
	default:
		return msg, fmt.Errorf("unknown signalling message type %q", msg.Type)
	}
}
