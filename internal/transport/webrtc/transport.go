// Package webrtc implements the peer transport over pion WebRTC data
// channels.
package webrtc

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/rudransh-shrivastava/mesh-it/internal/transport"
)

type webrtcTransport struct {
	config webrtc.Configuration

	mu     sync.Mutex
	closed bool
}

// New creates a WebRTC transport using the given STUN servers.
func New(stunServers []string) transport.Transport {
	return &webrtcTransport{config: ConfigFromSTUN(stunServers)}
}

func (t *webrtcTransport) NewConn(peerID string, initiator bool) (transport.Conn, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, transport.ErrClosed
	}

	pc, err := webrtc.NewPeerConnection(t.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return newConnection(peerID, pc, initiator), nil
}

func (t *webrtcTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}
