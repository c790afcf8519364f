package mesh

import (
	"testing"

	"github.com/rudransh-shrivastava/mesh-it/internal/transport/memory"
)

func TestLockExclusive(t *testing.T) {
	state := NewMeshState()

	if !state.AcquireLock("peer-1") {
		t.Fatal("Expected first acquire to succeed")
	}
	if state.AcquireLock("peer-1") {
		t.Error("Expected second acquire to fail while held")
	}
	if !state.Locked("peer-1") {
		t.Error("Expected peer to be locked")
	}

	state.ReleaseLock("peer-1")
	if state.Locked("peer-1") {
		t.Error("Expected lock released")
	}
	if !state.AcquireLock("peer-1") {
		t.Error("Expected re-acquire after release to succeed")
	}
}

func TestLocksArePerPeer(t *testing.T) {
	state := NewMeshState()

	if !state.AcquireLock("peer-1") {
		t.Fatal("Expected acquire to succeed")
	}
	if !state.AcquireLock("peer-2") {
		t.Error("Expected a different peer's lock to be independent")
	}

	locked := state.LockedPeers()
	if len(locked) != 2 {
		t.Errorf("Expected 2 locked peers, got %v", locked)
	}
}

func TestReleaseUnheldLockIsNoop(t *testing.T) {
	state := NewMeshState()
	state.ReleaseLock("peer-1")

	if state.Locked("peer-1") {
		t.Error("Expected no lock")
	}
}

func TestMembership(t *testing.T) {
	state := NewMeshState()

	state.AddMember("peer-2")
	state.AddMember("peer-1")
	state.AddMember("peer-1")

	members := state.Members()
	if len(members) != 2 {
		t.Fatalf("Expected 2 members, got %v", members)
	}
	if members[0] != "peer-1" || members[1] != "peer-2" {
		t.Errorf("Expected sorted members, got %v", members)
	}

	state.RemoveMember("peer-1")
	if state.IsMember("peer-1") {
		t.Error("Expected peer-1 removed")
	}
	if !state.IsMember("peer-2") {
		t.Error("Expected peer-2 still present")
	}
}

func TestPutRemoveConnection(t *testing.T) {
	state := NewMeshState()
	network := memory.NewNetwork()

	conn, err := network.Transport("peer-a").NewConn("peer-b", true)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	state.Put(&Connection{PeerID: "peer-b", Conn: conn})
	if state.Get("peer-b") == nil {
		t.Fatal("Expected record after Put")
	}
	if state.Usable("peer-b") {
		t.Error("Expected unestablished connection to be unusable")
	}
	if len(state.ConnectedPeers()) != 0 {
		t.Error("Expected no connected peers")
	}

	removed := state.Remove("peer-b")
	if removed == nil || removed.Conn != conn {
		t.Error("Expected Remove to return the record")
	}
	if state.Get("peer-b") != nil {
		t.Error("Expected record gone after Remove")
	}
}

func TestAttemptCounter(t *testing.T) {
	state := NewMeshState()

	if got := state.IncAttempts("peer-1"); got != 1 {
		t.Errorf("Expected 1, got %d", got)
	}
	if got := state.IncAttempts("peer-1"); got != 2 {
		t.Errorf("Expected 2, got %d", got)
	}
	if got := state.IncAttempts("peer-2"); got != 1 {
		t.Errorf("Expected independent counter, got %d", got)
	}

	state.ResetAttempts("peer-1")
	if got := state.IncAttempts("peer-1"); got != 1 {
		t.Errorf("Expected reset counter to restart at 1, got %d", got)
	}
}
