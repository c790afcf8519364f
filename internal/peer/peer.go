// Package peer wires the rendezvous client, connection orchestrator, mesh
// validator, capability manager, messenger, and file transfer engine into
// one mesh participant.
package peer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/mesh-it/internal/capability"
	"github.com/rudransh-shrivastava/mesh-it/internal/filetransfer"
	"github.com/rudransh-shrivastava/mesh-it/internal/mesh"
	"github.com/rudransh-shrivastava/mesh-it/internal/messaging"
	"github.com/rudransh-shrivastava/mesh-it/internal/protocol"
	"github.com/rudransh-shrivastava/mesh-it/internal/rendezvous"
	"github.com/rudransh-shrivastava/mesh-it/internal/transport"
	"github.com/rudransh-shrivastava/mesh-it/internal/transport/webrtc"
)

type EventKind int

const (
	EventPeerConnected EventKind = iota
	EventPeerDisconnected
	EventPeerUnreachable
	EventMessageReceived
	EventFile
	EventRendezvousLost
)

func (k EventKind) String() string {
	switch k {
	case EventPeerConnected:
		return "peer-connected"
	case EventPeerDisconnected:
		return "peer-disconnected"
	case EventPeerUnreachable:
		return "peer-unreachable"
	case EventMessageReceived:
		return "message-received"
	case EventFile:
		return "file"
	case EventRendezvousLost:
		return "rendezvous-lost"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind   EventKind
	PeerID string

	MessageID string
	Data      []byte

	File *filetransfer.Event

	Err error
}

type Config struct {
	RendezvousAddr string
	RoomID         string
	DownloadDir    string

	Resources capability.Resources
	Services  []string

	STUNServers []string

	// TransportFactory overrides the WebRTC transport, mainly for tests.
	TransportFactory func(selfID string) transport.Transport

	ValidateInterval time.Duration
	EventBuffer      int
	Logger           *logrus.Logger
}

func (c *Config) withDefaults() {
	if c.RoomID == "" {
		c.RoomID = "default"
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = 128
	}
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
	if c.TransportFactory == nil {
		stun := c.STUNServers
		c.TransportFactory = func(string) transport.Transport {
			return webrtc.New(stun)
		}
	}
}

// Peer is one mesh participant.
type Peer struct {
	cfg    Config
	logger *logrus.Logger

	client    *rendezvous.Client
	state     *mesh.MeshState
	transport transport.Transport
	orch      *mesh.Orchestrator
	validator *mesh.Validator
	caps      *capability.Manager
	messenger *messaging.Messenger
	files     *filetransfer.Engine

	events chan Event
	cancel context.CancelFunc
	wg     sync.WaitGroup

	shutdownOnce sync.Once
}

func New(cfg Config) *Peer {
	cfg.withDefaults()
	return &Peer{
		cfg:    cfg,
		logger: cfg.Logger,
		state:  mesh.NewMeshState(),
		events: make(chan Event, cfg.EventBuffer),
	}
}

// Start joins the room and begins forming the mesh. It returns once the
// rendezvous handshake is complete; connections form in the background.
func (p *Peer) Start(ctx context.Context) error {
	client, err := rendezvous.Connect(ctx, p.cfg.RendezvousAddr, rendezvous.ClientConfig{
		Logger: p.logger,
	})
	if err != nil {
		return err
	}

	selfID, participants, err := client.Join(p.cfg.RoomID)
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("join room: %w", err)
	}
	p.client = client

	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.transport = p.cfg.TransportFactory(selfID)
	p.orch = mesh.NewOrchestrator(runCtx, p.state, p.transport, client, mesh.Config{
		SelfID: selfID,
		Logger: p.logger,
	})
	p.validator = mesh.NewValidator(p.state, p.orch, mesh.ValidatorConfig{
		Interval: p.cfg.ValidateInterval,
		Logger:   p.logger,
	})
	p.messenger = messaging.NewMessenger(p.state, messaging.Config{Logger: p.logger})
	p.caps = capability.NewManager(capability.Config{
		SelfID:    selfID,
		Resources: p.cfg.Resources,
		Logger:    p.logger,
	})
	p.caps.SetAdvertiser(p.messenger)
	for _, service := range p.cfg.Services {
		p.caps.AddService(service)
	}
	p.files = filetransfer.NewEngine(p.messenger, filetransfer.Config{
		SelfID:      selfID,
		DownloadDir: p.cfg.DownloadDir,
		Logger:      p.logger,
	})

	p.messenger.OnFrame(func(peerID string, frame protocol.DataFrame) {
		p.emit(Event{
			Kind:      EventMessageReceived,
			PeerID:    peerID,
			MessageID: frame.ID,
			Data:      frame.Data,
		})
	})
	p.messenger.OnCapabilities(func(peerID string, caps protocol.PeerCapabilities) {
		p.caps.UpdateRemotePeerCapabilities(peerID, caps)
	})
	p.messenger.OnFileMessage(p.files.HandleMessage)

	p.state.AddMember(selfID)
	for _, peerID := range participants {
		p.state.AddMember(peerID)
		p.orch.HandlePeerAnnounced(peerID)
	}

	p.wg.Add(3)
	go p.runRendezvousLoop(runCtx)
	go p.runMeshLoop(runCtx)
	go p.runFileLoop(runCtx)
	go p.validator.Run(runCtx)
	go p.caps.RunSweeper(runCtx)

	p.logger.Infof("Peer %s started in room %s", selfID, p.cfg.RoomID)
	return nil
}

func (p *Peer) SelfID() string {
	if p.orch == nil {
		return ""
	}
	return p.orch.SelfID()
}

func (p *Peer) Events() <-chan Event { return p.events }

func (p *Peer) ConnectedPeers() []string { return p.state.ConnectedPeers() }

// SendMessage delivers a payload to one connected peer and returns the
// frame id. Latency feeds the capability manager's performance stats.
func (p *Peer) SendMessage(peerID string, payload []byte) (string, error) {
	started := time.Now()
	id, err := p.messenger.Send(peerID, payload)
	p.caps.UpdatePeerPerformance(peerID, time.Since(started), err == nil)
	return id, err
}

// Broadcast sends the payload to every connected peer, returning the last
// error if any send failed.
func (p *Peer) Broadcast(payload []byte) error {
	var lastErr error
	for _, peerID := range p.state.ConnectedPeers() {
		if _, err := p.SendMessage(peerID, payload); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (p *Peer) SendFile(peerID, path string) (string, error) {
	return p.files.InitiateTransfer(path, peerID)
}

func (p *Peer) AcceptFile(transferID string) error { return p.files.AcceptTransfer(transferID) }

func (p *Peer) RejectFile(transferID string) error { return p.files.RejectTransfer(transferID) }

func (p *Peer) CancelFile(transferID, reason string) error {
	return p.files.CancelTransfer(transferID, reason)
}

func (p *Peer) SetResources(r capability.Resources) { p.caps.UpdateResources(r) }

func (p *Peer) AddService(service string) { p.caps.AddService(service) }

func (p *Peer) RemoveService(service string) { p.caps.RemoveService(service) }

func (p *Peer) FindServiceProviders(service string, opts capability.FindOptions) []capability.Provider {
	return p.caps.FindServiceProviders(service, opts)
}

func (p *Peer) Role() capability.RoleLevel { return p.caps.Role() }

func (p *Peer) Shutdown() {
	p.shutdownOnce.Do(func() {
		p.logger.Infof("Shutting down peer %s", p.SelfID())
		if p.cancel != nil {
			p.cancel()
		}
		if p.client != nil {
			_ = p.client.Close()
		}
		if p.orch != nil {
			p.orch.Shutdown()
		}
		if p.transport != nil {
			_ = p.transport.Close()
		}
		p.wg.Wait()
	})
}

// runRendezvousLoop feeds relay events into the orchestrator and mesh state.
func (p *Peer) runRendezvousLoop(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-p.client.Events():
			if !open {
				return
			}
			switch ev.Kind {
			case rendezvous.ClientPeerJoined:
				p.state.AddMember(ev.PeerID)
				p.orch.HandlePeerAnnounced(ev.PeerID)
			case rendezvous.ClientPeerLeft:
				p.state.RemoveMember(ev.PeerID)
				p.caps.RemoveRemotePeer(ev.PeerID)
				p.orch.HandlePeerLeft(ev.PeerID)
			case rendezvous.ClientOffer:
				p.orch.HandleOffer(ev.PeerID, ev.SDP)
			case rendezvous.ClientAnswer:
				p.orch.HandleAnswer(ev.PeerID, ev.SDP)
			case rendezvous.ClientCandidate:
				p.orch.HandleCandidate(ev.PeerID, ev.Candidate)
			case rendezvous.ClientDisconnected:
				p.logger.Warnf("Lost rendezvous connection")
				p.emit(Event{Kind: EventRendezvousLost})
				return
			}
		}
	}
}

// runMeshLoop reacts to connection lifecycle events: a newly usable
// connection gets its receive pump attached and our capabilities sent.
func (p *Peer) runMeshLoop(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-p.orch.Events():
			if !open {
				return
			}
			switch ev.Kind {
			case mesh.EventPeerConnected:
				p.messenger.AttachPeer(ev.PeerID)
				p.advertiseTo(ev.PeerID)
				p.emit(Event{Kind: EventPeerConnected, PeerID: ev.PeerID})
			case mesh.EventPeerDisconnected:
				p.emit(Event{Kind: EventPeerDisconnected, PeerID: ev.PeerID, Err: ev.Err})
			case mesh.EventPeerUnreachable:
				p.caps.RemoveRemotePeer(ev.PeerID)
				p.emit(Event{Kind: EventPeerUnreachable, PeerID: ev.PeerID, Err: ev.Err})
			}
		}
	}
}

func (p *Peer) runFileLoop(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-p.files.Events():
			if !open {
				return
			}
			fileEv := ev
			p.emit(Event{Kind: EventFile, PeerID: ev.PeerID, File: &fileEv, Err: ev.Err})
		}
	}
}

func (p *Peer) advertiseTo(peerID string) {
	ad := &protocol.CapabilityAdvertisement{Capabilities: p.caps.Local()}
	if err := p.messenger.SendControl(peerID, ad); err != nil {
		p.logger.Debugf("Failed to advertise capabilities to %s: %v", peerID, err)
	}
}

func (p *Peer) emit(ev Event) {
	select {
	case p.events <- ev:
	default:
		p.logger.Warnf("Peer event buffer full, dropping %s", ev.Kind)
	}
}
