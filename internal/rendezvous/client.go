package rendezvous

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/mesh-it/internal/protocol"
	"github.com/rudransh-shrivastava/mesh-it/internal/transport"
)

type ClientEventKind int

const (
	ClientPeerJoined ClientEventKind = iota
	ClientPeerLeft
	ClientOffer
	ClientAnswer
	ClientCandidate
	ClientDisconnected
)

func (k ClientEventKind) String() string {
	switch k {
	case ClientPeerJoined:
		return "peer-joined"
	case ClientPeerLeft:
		return "peer-left"
	case ClientOffer:
		return "offer"
	case ClientAnswer:
		return "answer"
	case ClientCandidate:
		return "candidate"
	case ClientDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

type ClientEvent struct {
	Kind      ClientEventKind
	PeerID    string
	SDP       string
	Candidate transport.Candidate
}

// Client is a peer's connection to the rendezvous server. It satisfies
// the orchestrator's Signaler interface.
type Client struct {
	conn   net.Conn
	stream *protocol.Stream
	logger *logrus.Logger

	peerID string
	events chan ClientEvent

	heartbeatInterval time.Duration
	closeOnce         sync.Once
	done              chan struct{}
}

type ClientConfig struct {
	HeartbeatInterval time.Duration
	EventBuffer       int
	Logger            *logrus.Logger
}

func (c *ClientConfig) withDefaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = 64
	}
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
}

func Connect(ctx context.Context, addr string, cfg ClientConfig) (*Client, error) {
	cfg.withDefaults()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial rendezvous %s: %w", addr, err)
	}

	return &Client{
		conn:              conn,
		stream:            protocol.NewStream(conn),
		logger:            cfg.Logger,
		events:            make(chan ClientEvent, cfg.EventBuffer),
		heartbeatInterval: cfg.HeartbeatInterval,
		done:              make(chan struct{}),
	}, nil
}

// Join enters a room and returns the relay-assigned peer id along with
// the ids of peers already present. The read and heartbeat loops start
// once Join succeeds.
func (c *Client) Join(roomID string) (string, []string, error) {
	if err := c.stream.Send(&protocol.JoinRoom{RoomID: roomID}); err != nil {
		return "", nil, fmt.Errorf("send join: %w", err)
	}

	msg, err := c.stream.Recv()
	if err != nil {
		return "", nil, fmt.Errorf("await welcome: %w", err)
	}
	welcome, validWelcome := msg.(*protocol.Welcome)
	if !validWelcome {
		return "", nil, fmt.Errorf("expected welcome, got %s", msg.Type())
	}
	c.peerID = welcome.PeerID

	msg, err = c.stream.Recv()
	if err != nil {
		return "", nil, fmt.Errorf("await participants: %w", err)
	}
	participants, validList := msg.(*protocol.RoomParticipants)
	if !validList {
		return "", nil, fmt.Errorf("expected participants, got %s", msg.Type())
	}

	go c.readLoop()
	go c.heartbeatLoop()

	c.logger.Infof("Joined room %s as %s with %d existing peers",
		roomID, c.peerID, len(participants.Participants))
	return c.peerID, participants.Participants, nil
}

func (c *Client) PeerID() string { return c.peerID }

func (c *Client) Events() <-chan ClientEvent { return c.events }

func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return c.conn.Close()
}

func (c *Client) SendOffer(ctx context.Context, target, sdp string) error {
	return c.send(ctx, &protocol.Offer{Target: target, From: c.peerID, SDP: sdp})
}

func (c *Client) SendAnswer(ctx context.Context, target, sdp string) error {
	return c.send(ctx, &protocol.Answer{Target: target, From: c.peerID, SDP: sdp})
}

func (c *Client) SendCandidate(ctx context.Context, target string, cand transport.Candidate) error {
	return c.send(ctx, &protocol.IceCandidate{
		Target:        target,
		From:          c.peerID,
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
	})
}

func (c *Client) send(ctx context.Context, msg protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.stream.Send(msg)
}

// readLoop turns relay messages into client events. Signaling events are
// delivered blocking: losing an offer mid-handshake is worse than a slow
// consumer.
func (c *Client) readLoop() {
	defer func() {
		select {
		case <-c.done:
		default:
			c.events <- ClientEvent{Kind: ClientDisconnected}
		}
		close(c.events)
	}()

	for {
		msg, err := c.stream.Recv()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warnf("Rendezvous connection lost: %v", err)
			}
			return
		}

		switch msg := msg.(type) {
		case *protocol.PeerJoined:
			c.events <- ClientEvent{Kind: ClientPeerJoined, PeerID: msg.PeerID}
		case *protocol.PeerLeft:
			c.events <- ClientEvent{Kind: ClientPeerLeft, PeerID: msg.PeerID}
		case *protocol.Offer:
			c.events <- ClientEvent{Kind: ClientOffer, PeerID: msg.From, SDP: msg.SDP}
		case *protocol.Answer:
			c.events <- ClientEvent{Kind: ClientAnswer, PeerID: msg.From, SDP: msg.SDP}
		case *protocol.IceCandidate:
			c.events <- ClientEvent{
				Kind:   ClientCandidate,
				PeerID: msg.From,
				Candidate: transport.Candidate{
					Candidate:     msg.Candidate,
					SDPMid:        msg.SDPMid,
					SDPMLineIndex: msg.SDPMLineIndex,
				},
			}
		default:
			c.logger.Warnf("Unhandled rendezvous message %s", msg.Type())
		}
	}
}

func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			beat := &protocol.Heartbeat{Timestamp: time.Now().Unix()}
			if err := c.stream.Send(beat); err != nil {
				c.logger.Debugf("Heartbeat failed: %v", err)
				return
			}
		}
	}
}
