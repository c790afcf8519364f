// Package mesh implements the connection orchestration and mesh maintenance
// layer: initiator election, glare resolution, reconnection, and the
// periodic validation that converges the room onto a full mesh.
package mesh

import (
	"sort"
	"sync"
	"time"

	"github.com/rudransh-shrivastava/mesh-it/internal/transport"
)

// Connection is the registry record for one remote peer.
type Connection struct {
	PeerID            string
	Conn              transport.Conn
	ReconnectAttempts int
	LastConnected     time.Time
}

// MeshState owns the connection registry, the per-peer initiation locks,
// the room membership set, and the reconnect counters. Only the
// orchestrator (and repair paths it drives) creates or closes entries.
type MeshState struct {
	mu          sync.Mutex
	connections map[string]*Connection
	locks       map[string]struct{}
	membership  map[string]struct{}
	attempts    map[string]int
}

func NewMeshState() *MeshState {
	return &MeshState{
		connections: make(map[string]*Connection),
		locks:       make(map[string]struct{}),
		membership:  make(map[string]struct{}),
		attempts:    make(map[string]int),
	}
}

// AcquireLock marks peerID as undergoing handshake initiation by this peer.
// It fails when the lock is already held; release happens on success,
// failure, or explicit backoff.
func (s *MeshState) AcquireLock(peerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, held := s.locks[peerID]; held {
		return false
	}
	s.locks[peerID] = struct{}{}
	return true
}

func (s *MeshState) ReleaseLock(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, peerID)
}

func (s *MeshState) Locked(peerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, held := s.locks[peerID]
	return held
}

func (s *MeshState) LockedPeers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	peers := make([]string, 0, len(s.locks))
	for id := range s.locks {
		peers = append(peers, id)
	}
	sort.Strings(peers)
	return peers
}

func (s *MeshState) Get(peerID string) *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connections[peerID]
}

func (s *MeshState) Put(rec *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections[rec.PeerID] = rec
}

// Remove deletes and returns the record for peerID, if any. The caller is
// responsible for closing the transport connection.
func (s *MeshState) Remove(peerID string) *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.connections[peerID]
	delete(s.connections, peerID)
	return rec
}

// Usable reports whether application traffic can flow to peerID: transport
// connected and channel open. Signaling state never decides this.
func (s *MeshState) Usable(peerID string) bool {
	s.mu.Lock()
	rec := s.connections[peerID]
	s.mu.Unlock()

	if rec == nil {
		return false
	}
	return transport.Usable(rec.Conn)
}

// ConnectedPeers returns the peers with usable connections, sorted.
func (s *MeshState) ConnectedPeers() []string {
	s.mu.Lock()
	recs := make([]*Connection, 0, len(s.connections))
	for _, rec := range s.connections {
		recs = append(recs, rec)
	}
	s.mu.Unlock()

	peers := make([]string, 0, len(recs))
	for _, rec := range recs {
		if transport.Usable(rec.Conn) {
			peers = append(peers, rec.PeerID)
		}
	}
	sort.Strings(peers)
	return peers
}

func (s *MeshState) AddMember(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.membership[peerID] = struct{}{}
}

func (s *MeshState) RemoveMember(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.membership, peerID)
	delete(s.attempts, peerID)
}

func (s *MeshState) IsMember(peerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, member := s.membership[peerID]
	return member
}

// Members returns the room membership as reported by the rendezvous
// service: the source of truth for mesh completeness, not for liveness.
func (s *MeshState) Members() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := make([]string, 0, len(s.membership))
	for id := range s.membership {
		members = append(members, id)
	}
	sort.Strings(members)
	return members
}

// IncAttempts bumps and returns the reconnect counter for peerID.
func (s *MeshState) IncAttempts(peerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[peerID]++
	return s.attempts[peerID]
}

func (s *MeshState) ResetAttempts(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attempts, peerID)
}
