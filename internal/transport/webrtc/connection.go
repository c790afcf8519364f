package webrtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/rudransh-shrivastava/mesh-it/internal/transport"
)

type connection struct {
	peerID      string
	pc          *webrtc.PeerConnection
	isInitiator bool

	mu           sync.Mutex
	dc           *webrtc.DataChannel
	signaling    transport.SignalingState
	state        transport.State
	channelState transport.ChannelState
	onState      func(transport.State)
	onCandidate  func(transport.Candidate)
	onOpen       func()

	recvChan     chan []byte
	recvOnce     sync.Once
	closeOnce    sync.Once
}

func newConnection(peerID string, pc *webrtc.PeerConnection, isInitiator bool) *connection {
	conn := &connection{
		peerID:       peerID,
		pc:           pc,
		isInitiator:  isInitiator,
		signaling:    transport.SignalingNew,
		state:        transport.StateNew,
		channelState: transport.ChannelConnecting,
		recvChan:     make(chan []byte, 256),
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		st := mapState(s)
		conn.mu.Lock()
		conn.state = st
		fn := conn.onState
		conn.mu.Unlock()

		if st == transport.StateFailed || st == transport.StateClosed {
			conn.closeRecv()
		}
		if fn != nil {
			fn(st)
		}
	})

	pc.OnICECandidate(func(ice *webrtc.ICECandidate) {
		if ice == nil {
			return
		}
		conn.mu.Lock()
		fn := conn.onCandidate
		conn.mu.Unlock()
		if fn == nil {
			return
		}

		json := ice.ToJSON()
		cand := transport.Candidate{Candidate: json.Candidate}
		if json.SDPMid != nil {
			cand.SDPMid = *json.SDPMid
		}
		if json.SDPMLineIndex != nil {
			cand.SDPMLineIndex = *json.SDPMLineIndex
		}
		fn(cand)
	})

	if !isInitiator {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			conn.setupDataChannel(dc)
		})
	}

	return conn
}

func mapState(s webrtc.PeerConnectionState) transport.State {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return transport.StateNew
	case webrtc.PeerConnectionStateConnecting:
		return transport.StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return transport.StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return transport.StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return transport.StateFailed
	case webrtc.PeerConnectionStateClosed:
		return transport.StateClosed
	default:
		return transport.StateNew
	}
}

func (c *connection) setupDataChannel(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		c.mu.Lock()
		c.channelState = transport.ChannelOpen
		fn := c.onOpen
		c.mu.Unlock()
		if fn != nil {
			fn()
		}
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case c.recvChan <- msg.Data:
		default:
			// Receiver is not draining; drop rather than block pion's
			// read loop.
		}
	})

	dc.OnClose(func() {
		c.mu.Lock()
		c.channelState = transport.ChannelClosed
		c.mu.Unlock()
		c.closeRecv()
	})
}

func (c *connection) closeRecv() {
	c.recvOnce.Do(func() { close(c.recvChan) })
}

func (c *connection) PeerID() string { return c.peerID }

func (c *connection) CreateOffer(_ context.Context) (string, error) {
	if !c.isInitiator {
		return "", fmt.Errorf("create offer: connection to %s is not the initiator", c.peerID)
	}

	dc, err := c.pc.CreateDataChannel("data", defaultDataChannelConfig())
	if err != nil {
		return "", fmt.Errorf("failed to create data channel: %w", err)
	}
	c.setupDataChannel(dc)

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}

	c.mu.Lock()
	c.signaling = transport.SignalingHaveLocalOffer
	if c.state == transport.StateNew {
		c.state = transport.StateConnecting
	}
	c.mu.Unlock()

	return offer.SDP, nil
}

func (c *connection) HandleOffer(_ context.Context, sdp string) (string, error) {
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}); err != nil {
		return "", fmt.Errorf("failed to set remote description: %w", err)
	}

	c.mu.Lock()
	c.signaling = transport.SignalingHaveRemoteOffer
	c.mu.Unlock()

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}

	c.mu.Lock()
	c.signaling = transport.SignalingStable
	if c.state == transport.StateNew {
		c.state = transport.StateConnecting
	}
	c.mu.Unlock()

	return answer.SDP, nil
}

func (c *connection) HandleAnswer(_ context.Context, sdp string) error {
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	}); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	c.mu.Lock()
	c.signaling = transport.SignalingStable
	c.mu.Unlock()
	return nil
}

func (c *connection) AddCandidate(cand transport.Candidate) error {
	sdpMid := cand.SDPMid
	sdpMLineIndex := cand.SDPMLineIndex
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        &sdpMid,
		SDPMLineIndex: &sdpMLineIndex,
	})
}

func (c *connection) SignalingState() transport.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signaling
}

func (c *connection) State() transport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *connection) ChannelState() transport.ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelState
}

func (c *connection) OnStateChange(fn func(transport.State)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *connection) OnCandidate(fn func(transport.Candidate)) {
	c.mu.Lock()
	c.onCandidate = fn
	c.mu.Unlock()
}

func (c *connection) OnChannelOpen(fn func()) {
	c.mu.Lock()
	c.onOpen = fn
	c.mu.Unlock()
}

func (c *connection) Send(data []byte) error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()

	if dc == nil {
		return fmt.Errorf("data channel not ready")
	}
	return dc.Send(data)
}

func (c *connection) Recv() <-chan []byte {
	return c.recvChan
}

func (c *connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		dc := c.dc
		c.channelState = transport.ChannelClosed
		c.mu.Unlock()

		if dc != nil {
			_ = dc.Close()
		}
		err = c.pc.Close()
	})
	return err
}
