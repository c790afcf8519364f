package mesh

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/mesh-it/internal/transport"
)

// Signaler delivers handshake envelopes to a remote peer through the
// rendezvous service.
type Signaler interface {
	SendOffer(ctx context.Context, target, sdp string) error
	SendAnswer(ctx context.Context, target, sdp string) error
	SendCandidate(ctx context.Context, target string, cand transport.Candidate) error
}

type Config struct {
	SelfID string

	// PendingTimeout is how long a non-initiator waits for an incoming
	// offer before taking over initiation itself.
	PendingTimeout time.Duration

	// ReconnectBackoff is the base delay between reconnect attempts; it
	// doubles per attempt up to MaxReconnectBackoff.
	ReconnectBackoff     time.Duration
	MaxReconnectBackoff  time.Duration
	MaxReconnectAttempts int

	EventBuffer int
	Logger      *logrus.Logger
}

func (c *Config) withDefaults() {
	if c.PendingTimeout == 0 {
		c.PendingTimeout = 2500 * time.Millisecond
	}
	if c.ReconnectBackoff == 0 {
		c.ReconnectBackoff = time.Second
	}
	if c.MaxReconnectBackoff == 0 {
		c.MaxReconnectBackoff = 8 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 3
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = 64
	}
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
}

// ShouldInitiate decides the handshake initiator for a pair of peer ids:
// the lexicographically smaller id initiates. Deterministic, so exactly one
// side of any pair initiates. Small ids attract more initiation load; the
// takeover timeout bounds the damage when such a peer is slow.
func ShouldInitiate(self, remote string) bool {
	return self < remote
}

// Orchestrator drives the handshake state machine for every peer in the
// room: initiator election, glare resolution, takeover on silence, and
// reconnection with backoff.
type Orchestrator struct {
	ctx        context.Context
	self       string
	cfg        Config
	state      *MeshState
	transport  transport.Transport
	signaler   Signaler
	pending    *Scheduler
	reconnects *Scheduler
	events     chan Event
	logger     *logrus.Logger

	// mu serializes handshake decisions. Transport callbacks arrive on
	// their own goroutines, so every decision re-validates state under mu.
	mu sync.Mutex
}

func NewOrchestrator(ctx context.Context, state *MeshState, tr transport.Transport, sig Signaler, cfg Config) *Orchestrator {
	cfg.withDefaults()
	return &Orchestrator{
		ctx:        ctx,
		self:       cfg.SelfID,
		cfg:        cfg,
		state:      state,
		transport:  tr,
		signaler:   sig,
		pending:    NewScheduler(),
		reconnects: NewScheduler(),
		events:     make(chan Event, cfg.EventBuffer),
		logger:     cfg.Logger,
	}
}

func (o *Orchestrator) SelfID() string { return o.self }

func (o *Orchestrator) Events() <-chan Event { return o.events }

// PendingPeers returns peers mid-handshake: locked by this peer or waiting
// on a takeover timer.
func (o *Orchestrator) PendingPeers() []string {
	seen := make(map[string]struct{})
	var peers []string
	for _, id := range o.state.LockedPeers() {
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			peers = append(peers, id)
		}
	}
	for _, id := range o.pending.PendingIDs() {
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			peers = append(peers, id)
		}
	}
	return peers
}

// HandlePeerAnnounced reacts to the rendezvous service reporting a peer in
// the room, via join notice or membership snapshot. No-op for self, for
// peers with a usable connection, and for peers with a handshake already
// pending.
func (o *Orchestrator) HandlePeerAnnounced(peerID string) {
	if peerID == o.self || peerID == "" {
		return
	}
	o.state.AddMember(peerID)

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state.Usable(peerID) {
		return
	}
	if o.state.Locked(peerID) {
		return
	}
	if o.pending.Pending(peerID) {
		return
	}

	if ShouldInitiate(o.self, peerID) {
		o.initiate(peerID)
		return
	}

	o.logger.Debugf("Waiting for offer from %s, takeover in %s", peerID, o.cfg.PendingTimeout)
	o.pending.Schedule(peerID, o.cfg.PendingTimeout, func() {
		o.takeover(peerID)
	})
}

// initiate starts a handshake toward peerID. Caller holds o.mu.
func (o *Orchestrator) initiate(peerID string) {
	if !o.state.AcquireLock(peerID) {
		return
	}

	if rec := o.state.Get(peerID); rec != nil {
		if transport.Usable(rec.Conn) {
			o.state.ReleaseLock(peerID)
			return
		}
		o.closeRecord(rec)
	}

	conn, err := o.transport.NewConn(peerID, true)
	if err != nil {
		o.state.ReleaseLock(peerID)
		o.emit(Event{Kind: EventConnectionError, PeerID: peerID, Err: err})
		o.scheduleReconnect(peerID)
		return
	}
	o.wire(conn)
	o.state.Put(&Connection{PeerID: peerID, Conn: conn})

	sdp, err := conn.CreateOffer(o.ctx)
	if err != nil {
		o.failHandshake(peerID, err)
		return
	}
	if err := o.signaler.SendOffer(o.ctx, peerID, sdp); err != nil {
		o.failHandshake(peerID, err)
		return
	}

	o.logger.Infof("Initiated connection to %s", peerID)
	o.emit(Event{Kind: EventConnectionInitiated, PeerID: peerID})
}

// takeover fires when the expected initiator stayed silent. State is
// re-validated first: a connection that is not connected+stable is
// considered stuck and torn down before we initiate ourselves.
func (o *Orchestrator) takeover(peerID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.state.IsMember(peerID) {
		return
	}
	if o.state.Locked(peerID) {
		return
	}
	if rec := o.state.Get(peerID); rec != nil {
		if transport.Working(rec.Conn) {
			return
		}
		o.closeRecord(rec)
	}

	o.logger.Infof("No offer from %s within %s, taking over initiation", peerID, o.cfg.PendingTimeout)
	o.initiate(peerID)
}

// HandleOffer processes an incoming handshake offer. Glare is resolved with
// the same lexicographic rule as election: the side that would not have
// been the initiator discards its in-flight attempt and accepts.
func (o *Orchestrator) HandleOffer(from, sdp string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.state.AddMember(from)
	o.pending.Cancel(from)

	if o.state.Locked(from) {
		if ShouldInitiate(o.self, from) {
			o.logger.Debugf("Glare with %s, we are the initiator, ignoring their offer", from)
			return
		}
		o.logger.Infof("Glare with %s, backing off and accepting their offer", from)
		if rec := o.state.Remove(from); rec != nil {
			o.closeConn(rec.Conn)
		}
		o.state.ReleaseLock(from)
	}

	if rec := o.state.Get(from); rec != nil {
		if transport.Working(rec.Conn) {
			// Duplicate signaling under retry is expected; already
			// converged, not an error.
			o.logger.Debugf("Ignoring offer from %s, connection already stable", from)
			return
		}
		o.closeRecord(rec)
	}

	conn, err := o.transport.NewConn(from, false)
	if err != nil {
		o.emit(Event{Kind: EventConnectionError, PeerID: from, Err: err})
		return
	}
	o.wire(conn)
	o.state.Put(&Connection{PeerID: from, Conn: conn})

	answer, err := conn.HandleOffer(o.ctx, sdp)
	if err != nil {
		o.logger.Warnf("Failed to apply offer from %s: %v", from, err)
		o.teardownLocked(from)
		o.emit(Event{Kind: EventConnectionError, PeerID: from, Err: err})
		return
	}
	if err := o.signaler.SendAnswer(o.ctx, from, answer); err != nil {
		o.logger.Warnf("Failed to send answer to %s: %v", from, err)
		o.teardownLocked(from)
		o.emit(Event{Kind: EventConnectionError, PeerID: from, Err: err})
		return
	}
}

// HandleAnswer applies an incoming answer. Valid only while the local side
// has an outstanding offer; anything else is a duplicate or stale envelope
// and is ignored by policy.
func (o *Orchestrator) HandleAnswer(from, sdp string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	rec := o.state.Get(from)
	if rec == nil {
		o.logger.Debugf("Ignoring answer from %s, no connection", from)
		return
	}
	if rec.Conn.SignalingState() != transport.SignalingHaveLocalOffer {
		o.logger.Debugf("Ignoring answer from %s in signaling state %s",
			from, rec.Conn.SignalingState())
		return
	}

	if err := rec.Conn.HandleAnswer(o.ctx, sdp); err != nil {
		o.logger.Warnf("Failed to apply answer from %s: %v", from, err)
		o.state.ReleaseLock(from)
		o.teardownLocked(from)
		o.emit(Event{Kind: EventConnectionError, PeerID: from, Err: err})
		o.scheduleReconnect(from)
	}
}

// HandleCandidate applies a relayed transport candidate. Candidates for
// unknown peers are dropped; they arrive out of order under retry.
func (o *Orchestrator) HandleCandidate(from string, cand transport.Candidate) {
	o.mu.Lock()
	rec := o.state.Get(from)
	o.mu.Unlock()

	if rec == nil {
		o.logger.Debugf("Dropping candidate from %s, no connection", from)
		return
	}
	if err := rec.Conn.AddCandidate(cand); err != nil {
		o.logger.Warnf("Failed to add candidate from %s: %v", from, err)
	}
}

// HandlePeerLeft removes a departed peer entirely.
func (o *Orchestrator) HandlePeerLeft(peerID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.state.RemoveMember(peerID)
	o.pending.Cancel(peerID)
	o.reconnects.Cancel(peerID)
	o.state.ReleaseLock(peerID)

	if rec := o.state.Remove(peerID); rec != nil {
		o.closeConn(rec.Conn)
		o.emit(Event{Kind: EventPeerDisconnected, PeerID: peerID})
	}
}

// Teardown closes and removes the connection to peerID without touching
// membership. Used by the validator before a repair.
func (o *Orchestrator) Teardown(peerID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state.ReleaseLock(peerID)
	o.teardownLocked(peerID)
}

// Shutdown cancels timers and closes every connection.
func (o *Orchestrator) Shutdown() {
	o.pending.CancelAll()
	o.reconnects.CancelAll()

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, peerID := range o.state.Members() {
		o.state.ReleaseLock(peerID)
		if rec := o.state.Remove(peerID); rec != nil {
			o.closeConn(rec.Conn)
		}
	}
}

func (o *Orchestrator) wire(conn transport.Conn) {
	peerID := conn.PeerID()

	conn.OnCandidate(func(cand transport.Candidate) {
		if err := o.signaler.SendCandidate(o.ctx, peerID, cand); err != nil {
			o.logger.Warnf("Failed to relay candidate to %s: %v", peerID, err)
		}
	})

	conn.OnChannelOpen(func() {
		o.logger.Infof("Channel to %s open", peerID)
		o.emit(Event{Kind: EventPeerConnected, PeerID: peerID})
	})

	conn.OnStateChange(func(st transport.State) {
		o.handleConnState(peerID, conn, st)
	})
}

func (o *Orchestrator) handleConnState(peerID string, conn transport.Conn, st transport.State) {
	o.mu.Lock()
	defer o.mu.Unlock()

	rec := o.state.Get(peerID)
	if rec == nil || rec.Conn != conn {
		// Stale callback from a connection we already replaced.
		return
	}

	switch st {
	case transport.StateConnected:
		rec.ReconnectAttempts = 0
		rec.LastConnected = time.Now()
		o.state.ResetAttempts(peerID)
		o.state.ReleaseLock(peerID)
		o.pending.Cancel(peerID)
		o.logger.Infof("Transport to %s connected", peerID)

	case transport.StateDisconnected, transport.StateFailed:
		o.logger.Warnf("Transport to %s %s", peerID, st)
		o.state.ReleaseLock(peerID)
		o.teardownLocked(peerID)
		o.emit(Event{Kind: EventPeerDisconnected, PeerID: peerID})
		o.scheduleReconnect(peerID)
	}
}

// failHandshake unwinds a failed initiation. Caller holds o.mu.
func (o *Orchestrator) failHandshake(peerID string, err error) {
	o.logger.Warnf("Handshake with %s failed: %v", peerID, err)
	o.state.ReleaseLock(peerID)
	o.teardownLocked(peerID)
	o.emit(Event{Kind: EventConnectionError, PeerID: peerID, Err: err})
	o.scheduleReconnect(peerID)
}

// scheduleReconnect arms a backed-off retry, emitting PeerUnreachable once
// the attempts are exhausted. Caller holds o.mu.
func (o *Orchestrator) scheduleReconnect(peerID string) {
	if !o.state.IsMember(peerID) {
		return
	}

	attempt := o.state.IncAttempts(peerID)
	if attempt > o.cfg.MaxReconnectAttempts {
		o.logger.Warnf("Giving up on %s after %d attempts", peerID, o.cfg.MaxReconnectAttempts)
		o.state.ResetAttempts(peerID)
		o.emit(Event{Kind: EventPeerUnreachable, PeerID: peerID})
		return
	}

	delay := o.cfg.ReconnectBackoff << (attempt - 1)
	if delay > o.cfg.MaxReconnectBackoff {
		delay = o.cfg.MaxReconnectBackoff
	}
	o.logger.Infof("Scheduling reconnect to %s in %s (attempt %d/%d)",
		peerID, delay, attempt, o.cfg.MaxReconnectAttempts)

	o.reconnects.Schedule(peerID, delay, func() {
		o.retry(peerID)
	})
}

func (o *Orchestrator) retry(peerID string) {
	o.mu.Lock()

	if !o.state.IsMember(peerID) || o.state.Usable(peerID) || o.state.Locked(peerID) {
		o.mu.Unlock()
		return
	}
	o.teardownLocked(peerID)
	o.mu.Unlock()

	// Re-announce: the election and takeover machinery decide who
	// initiates the repair handshake.
	o.HandlePeerAnnounced(peerID)
}

// teardownLocked removes and closes peerID's record. Caller holds o.mu.
func (o *Orchestrator) teardownLocked(peerID string) {
	if rec := o.state.Remove(peerID); rec != nil {
		o.closeConn(rec.Conn)
	}
}

func (o *Orchestrator) closeRecord(rec *Connection) {
	o.state.Remove(rec.PeerID)
	o.closeConn(rec.Conn)
}

func (o *Orchestrator) closeConn(conn transport.Conn) {
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		o.logger.Debugf("Error closing connection to %s: %v", conn.PeerID(), err)
	}
}

func (o *Orchestrator) emit(ev Event) {
	select {
	case o.events <- ev:
	default:
		o.logger.Warnf("Event buffer full, dropping %s for %s", ev.Kind, ev.PeerID)
	}
}
