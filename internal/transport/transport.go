// Package transport abstracts the point-to-point transport used between
// peers once signaling has completed. Implementations provide NAT traversal
// and encryption; callers only see connection state and an ordered byte
// channel.
package transport

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("transport closed")

// SignalingState tracks handshake progress for one connection.
type SignalingState int

const (
	SignalingNew SignalingState = iota
	SignalingHaveLocalOffer
	SignalingHaveRemoteOffer
	SignalingStable
)

func (s SignalingState) String() string {
	switch s {
	case SignalingNew:
		return "new"
	case SignalingHaveLocalOffer:
		return "have-local-offer"
	case SignalingHaveRemoteOffer:
		return "have-remote-offer"
	case SignalingStable:
		return "stable"
	default:
		return "unknown"
	}
}

// State tracks the underlying transport of one connection.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ChannelState tracks the data channel of one connection.
type ChannelState int

const (
	ChannelConnecting ChannelState = iota
	ChannelOpen
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelConnecting:
		return "connecting"
	case ChannelOpen:
		return "open"
	case ChannelClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Candidate is a transport address candidate relayed during the handshake.
type Candidate struct {
	Candidate     string
	SDPMid        string
	SDPMLineIndex uint16
}

// Conn is one connection to a remote peer. The initiator drives
// CreateOffer/HandleAnswer; the responder drives HandleOffer. Candidates
// flow in both directions until the transport connects.
type Conn interface {
	PeerID() string

	CreateOffer(ctx context.Context) (sdp string, err error)
	HandleOffer(ctx context.Context, sdp string) (answer string, err error)
	HandleAnswer(ctx context.Context, sdp string) error
	AddCandidate(c Candidate) error

	SignalingState() SignalingState
	State() State
	ChannelState() ChannelState

	// OnStateChange registers a callback invoked on transport state
	// transitions. Must be set before the handshake starts.
	OnStateChange(fn func(State))

	// OnCandidate registers a callback invoked for each locally gathered
	// candidate that must be relayed to the remote peer.
	OnCandidate(fn func(Candidate))

	// OnChannelOpen registers a callback invoked once the data channel
	// becomes usable.
	OnChannelOpen(fn func())

	Send(data []byte) error
	Recv() <-chan []byte

	Close() error
}

// Transport creates connections. One Transport per local peer.
type Transport interface {
	NewConn(peerID string, initiator bool) (Conn, error)
	Close() error
}

// Usable reports whether a connection can carry application traffic.
// Signaling state alone never decides usability.
func Usable(c Conn) bool {
	return c != nil && c.State() == StateConnected && c.ChannelState() == ChannelOpen
}

// Working reports whether a connection is fully converged: transport
// connected and signaling stable.
func Working(c Conn) bool {
	return c != nil && c.State() == StateConnected && c.SignalingState() == SignalingStable
}
