// Package memory implements an in-process transport. Handshakes complete
// through the same offer/answer/candidate flow as a real transport, but the
// bytes never leave the process. Used by tests and local simulations.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/rudransh-shrivastava/mesh-it/internal/transport"
)

type pairKey struct {
	local  string
	remote string
}

// Network is the in-process hub connecting memory transports. It pairs the
// two halves of a connection once both sides reach stable signaling, and can
// inject failures for tests.
type Network struct {
	mu      sync.Mutex
	conns   map[pairKey]*conn
	blocked map[pairKey]bool
}

func NewNetwork() *Network {
	return &Network{
		conns:   make(map[pairKey]*conn),
		blocked: make(map[pairKey]bool),
	}
}

// Transport returns the transport endpoint for one peer.
func (n *Network) Transport(peerID string) transport.Transport {
	return &memTransport{network: n, peerID: peerID}
}

// Block makes handshakes between a and b fail to converge until Unblock.
func (n *Network) Block(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocked[pairKey{a, b}] = true
	n.blocked[pairKey{b, a}] = true
}

func (n *Network) Unblock(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.blocked, pairKey{a, b})
	delete(n.blocked, pairKey{b, a})
}

// Fail forces the established connection between a and b into the failed
// state on both ends.
func (n *Network) Fail(a, b string) {
	n.mu.Lock()
	ca := n.conns[pairKey{a, b}]
	cb := n.conns[pairKey{b, a}]
	n.mu.Unlock()

	if ca != nil {
		ca.fail()
	}
	if cb != nil {
		cb.fail()
	}
}

func (n *Network) register(c *conn) {
	n.mu.Lock()
	n.conns[pairKey{c.localID, c.remoteID}] = c
	n.mu.Unlock()
}

func (n *Network) unregister(c *conn) {
	n.mu.Lock()
	if n.conns[pairKey{c.localID, c.remoteID}] == c {
		delete(n.conns, pairKey{c.localID, c.remoteID})
	}
	n.mu.Unlock()
}

func (n *Network) counterpart(c *conn) *conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conns[pairKey{c.remoteID, c.localID}]
}

// link connects both halves once both are stable. Callbacks fire on a
// separate goroutine, matching the asynchronous delivery of a real
// transport stack.
func (n *Network) link(c *conn) {
	n.mu.Lock()
	if n.blocked[pairKey{c.localID, c.remoteID}] {
		n.mu.Unlock()
		return
	}
	other := n.conns[pairKey{c.remoteID, c.localID}]
	n.mu.Unlock()

	if other == nil {
		return
	}
	if c.SignalingState() != transport.SignalingStable ||
		other.SignalingState() != transport.SignalingStable {
		return
	}

	c.establish()
	other.establish()
}

type memTransport struct {
	network *Network
	peerID  string

	mu     sync.Mutex
	closed bool
}

func (t *memTransport) NewConn(peerID string, initiator bool) (transport.Conn, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, transport.ErrClosed
	}

	c := &conn{
		network:      t.network,
		localID:      t.peerID,
		remoteID:     peerID,
		isInitiator:  initiator,
		signaling:    transport.SignalingNew,
		state:        transport.StateNew,
		channelState: transport.ChannelConnecting,
		recvChan:     make(chan []byte, 256),
	}
	t.network.register(c)
	return c, nil
}

func (t *memTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

type conn struct {
	network     *Network
	localID     string
	remoteID    string
	isInitiator bool

	mu           sync.Mutex
	signaling    transport.SignalingState
	state        transport.State
	channelState transport.ChannelState
	onState      func(transport.State)
	onCandidate  func(transport.Candidate)
	onOpen       func()

	recvChan  chan []byte
	recvOnce  sync.Once
	closeOnce sync.Once
}

func (c *conn) PeerID() string { return c.remoteID }

func (c *conn) CreateOffer(_ context.Context) (string, error) {
	if !c.isInitiator {
		return "", fmt.Errorf("create offer: connection to %s is not the initiator", c.remoteID)
	}

	c.mu.Lock()
	c.signaling = transport.SignalingHaveLocalOffer
	c.state = transport.StateConnecting
	candFn := c.onCandidate
	c.mu.Unlock()

	if candFn != nil {
		go candFn(transport.Candidate{Candidate: "candidate:memory " + c.localID})
	}
	return "offer:" + c.localID, nil
}

func (c *conn) HandleOffer(_ context.Context, _ string) (string, error) {
	c.mu.Lock()
	c.signaling = transport.SignalingStable
	c.state = transport.StateConnecting
	candFn := c.onCandidate
	c.mu.Unlock()

	if candFn != nil {
		go candFn(transport.Candidate{Candidate: "candidate:memory " + c.localID})
	}
	go c.network.link(c)
	return "answer:" + c.localID, nil
}

func (c *conn) HandleAnswer(_ context.Context, _ string) error {
	c.mu.Lock()
	c.signaling = transport.SignalingStable
	c.mu.Unlock()

	go c.network.link(c)
	return nil
}

func (c *conn) AddCandidate(_ transport.Candidate) error { return nil }

func (c *conn) establish() {
	c.mu.Lock()
	if c.state == transport.StateConnected || c.state == transport.StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = transport.StateConnected
	c.channelState = transport.ChannelOpen
	stateFn := c.onState
	openFn := c.onOpen
	c.mu.Unlock()

	go func() {
		if stateFn != nil {
			stateFn(transport.StateConnected)
		}
		if openFn != nil {
			openFn()
		}
	}()
}

func (c *conn) fail() {
	c.mu.Lock()
	if c.state == transport.StateFailed || c.state == transport.StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = transport.StateFailed
	c.channelState = transport.ChannelClosed
	stateFn := c.onState
	c.mu.Unlock()

	c.closeRecv()
	if stateFn != nil {
		go stateFn(transport.StateFailed)
	}
}

func (c *conn) closeRecv() {
	c.recvOnce.Do(func() { close(c.recvChan) })
}

func (c *conn) SignalingState() transport.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signaling
}

func (c *conn) State() transport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *conn) ChannelState() transport.ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelState
}

func (c *conn) OnStateChange(fn func(transport.State)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *conn) OnCandidate(fn func(transport.Candidate)) {
	c.mu.Lock()
	c.onCandidate = fn
	c.mu.Unlock()
}

func (c *conn) OnChannelOpen(fn func()) {
	c.mu.Lock()
	c.onOpen = fn
	c.mu.Unlock()
}

func (c *conn) Send(data []byte) error {
	if !transport.Usable(c) {
		return fmt.Errorf("connection to %s not usable", c.remoteID)
	}
	other := c.network.counterpart(c)
	if other == nil || !transport.Usable(other) {
		return fmt.Errorf("remote end of %s gone", c.remoteID)
	}

	// Copy so senders reusing buffers cannot corrupt delivered data.
	buf := make([]byte, len(data))
	copy(buf, data)

	select {
	case other.recvChan <- buf:
		return nil
	default:
		return fmt.Errorf("receive queue of %s full", c.remoteID)
	}
}

func (c *conn) Recv() <-chan []byte { return c.recvChan }

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = transport.StateClosed
		c.channelState = transport.ChannelClosed
		c.mu.Unlock()

		c.closeRecv()
		c.network.unregister(c)

		// The remote end observes the loss as a disconnect.
		if other := c.network.counterpart(c); other != nil {
			other.disconnect()
		}
	})
	return nil
}

func (c *conn) disconnect() {
	c.mu.Lock()
	if c.state != transport.StateConnected {
		c.mu.Unlock()
		return
	}
	c.state = transport.StateDisconnected
	c.channelState = transport.ChannelClosed
	stateFn := c.onState
	c.mu.Unlock()

	c.closeRecv()
	if stateFn != nil {
		go stateFn(transport.StateDisconnected)
	}
}
