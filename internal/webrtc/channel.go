// Package webrtc upgrades relayed connections to direct WebRTC DataChannels.
package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/1ureka.net.relay/internal/util"
)

const (
	highWaterMark = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark  = 64 * 1024  // resume sending when bufferedAmount drops below this

	signalBufferSize  = 32
	messageBufferSize = 64
)

// ErrChannelClosed is returned by Send after Close.
var ErrChannelClosed = errors.New("direct channel closed")

// DirectChannel is a direct byte channel to the counterparty that negotiates
// itself through opaque signalling messages.
//
// Signals yields locally produced signalling data to be delivered to the
// other side, whose data is fed back through Signal. Connected is closed
// once the channel can carry data, Failed yields at most one error. Messages
// yields received chunks; chunk boundaries carry no meaning.
type DirectChannel interface {
	Signal(data []byte) error
	Signals() <-chan []byte
	Connected() <-chan struct{}
	Failed() <-chan error
	Send(data []byte) error
	Messages() <-chan []byte
	Close() error
}

// ChannelOptions configures NewChannel.
type ChannelOptions struct {
	Initiator   bool // make the offer
	STUNServers []string
}

// Channel is a DirectChannel backed by a pion PeerConnection and a single
// pre-negotiated, ordered DataChannel.
type Channel struct {
	pc  *webrtc.PeerConnection
	dc  *webrtc.DataChannel
	log util.Logger

	signals   chan []byte
	messages  chan []byte
	connected chan struct{}
	failed    chan error
	sendReady chan struct{}

	// remote candidates that arrived before the remote description
	mu                sync.Mutex
	pendingCandidates []webrtc.ICECandidateInit
	remoteSet         bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	failOnce  sync.Once
}

// Compile-time interface check.
var _ DirectChannel = (*Channel)(nil)

// NewChannel creates the PeerConnection and DataChannel. The initiator starts
// negotiating at once; its offer shows up on Signals.
func NewChannel(opts ChannelOptions) (*Channel, error) {
	config := webrtc.Configuration{}
	if len(opts.STUNServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: opts.STUNServers}}
	}

	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("create PeerConnection: %w", err)
	}

	negotiated := true
	id := uint16(0)
	dc, err := pc.CreateDataChannel("relay-upgrade", &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &id,
	})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create DataChannel: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		pc:        pc,
		dc:        dc,
		log:       util.NewLogger("WRTC"),
		signals:   make(chan []byte, signalBufferSize),
		messages:  make(chan []byte, messageBufferSize),
		connected: make(chan struct{}),
		failed:    make(chan error, 1),
		sendReady: make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}

	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(c.connected) })
	})
	dc.OnClose(func() {
		c.log.Debug("DataChannel closed")
		c.fail(ErrChannelClosed)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		data := make([]byte, len(msg.Data))
		copy(data, msg.Data)
		select {
		case c.messages <- data:
			util.Stats.AddRecv(len(data))
		case <-c.ctx.Done():
		}
	})

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case c.sendReady <- struct{}{}:
		default:
		}
	})

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		data, err := json.Marshal(candidate.ToJSON())
		if err != nil {
			return
		}
		c.emit(Message{Type: MsgTypeCandidate, Candidate: string(data)})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.log.Debug("PeerConnection state: %s", state.String())
		if state == webrtc.PeerConnectionStateFailed {
			c.fail(errors.New("peer connection failed"))
		}
	})

	if opts.Initiator {
		go c.sendOffer()
	}
	return c, nil
}

// emit queues a signalling message for the other side.
func (c *Channel) emit(msg Message) {
	select {
	case c.signals <- encodeMessage(msg):
	case <-c.ctx.Done():
	}
}

func (c *Channel) fail(err error) {
	c.failOnce.Do(func() {
		c.failed <- err
	})
}

func (c *Channel) sendOffer() {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		c.fail(fmt.Errorf("CreateOffer: %w", err))
		return
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		c.fail(fmt.Errorf("SetLocalDescription: %w", err))
		return
	}
	c.emit(Message{Type: MsgTypeOffer, SDP: offer.SDP})
}

func (c *Channel) sendAnswer() error {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("CreateAnswer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("SetLocalDescription: %w", err)
	}
	c.emit(Message{Type: MsgTypeAnswer, SDP: answer.SDP})
	return nil
}

// ---------------------------------------------------------------------------
// DirectChannel
// ---------------------------------------------------------------------------

// Signal feeds a signalling message from the other side.
func (c *Channel) Signal(data []byte) error {
	msg, err := decodeMessage(data)
	if err != nil {
		return err
	}

	switch msg.Type {
	case MsgTypeOffer:
		if err := c.setRemote(webrtc.SDPTypeOffer, msg.SDP); err != nil {
			return err
		}
		return c.sendAnswer()

	case MsgTypeAnswer:
		return c.setRemote(webrtc.SDPTypeAnswer, msg.SDP)

	case MsgTypeCandidate:
		var init webrtc.ICECandidateInit
		if err := json.Unmarshal([]byte(msg.Candidate), &init); err != nil {
			return fmt.Errorf("decode ICE candidate: %w", err)
		}

		c.mu.Lock()
		if !c.remoteSet {
			c.pendingCandidates = append(c.pendingCandidates, init)
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()
		return c.pc.AddICECandidate(init)
	}
	return nil
}

// setRemote applies the remote description and flushes buffered candidates.
func (c *Channel) setRemote(typ webrtc.SDPType, sdp string) error {
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sdp}); err != nil {
		return fmt.Errorf("SetRemoteDescription: %w", err)
	}

	c.mu.Lock()
	c.remoteSet = true
	pending := c.pendingCandidates
	c.pendingCandidates = nil
	c.mu.Unlock()

	for _, init := range pending {
		if err := c.pc.AddICECandidate(init); err != nil {
			c.log.Debug("AddICECandidate failed: %v", err)
		}
	}
	return nil
}

func (c *Channel) Signals() <-chan []byte     { return c.signals }
func (c *Channel) Connected() <-chan struct{} { return c.connected }
func (c *Channel) Failed() <-chan error       { return c.failed }
func (c *Channel) Messages() <-chan []byte    { return c.messages }

// Send writes one chunk, blocking while the DataChannel buffer is above the
// high water mark.
func (c *Channel) Send(data []byte) error {
	if c.dc.BufferedAmount() > uint64(highWaterMark) {
		select {
		case <-c.sendReady:
		case <-c.ctx.Done():
			return ErrChannelClosed
		}
	}

	if err := c.dc.Send(data); err != nil {
		return err
	}
	util.Stats.AddSent(len(data))
	return nil
}

// Close shuts down the DataChannel and PeerConnection.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = errors.Join(c.dc.Close(), c.pc.Close())
	})
	return err
}
