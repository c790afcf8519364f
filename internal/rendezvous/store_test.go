package rendezvous

import (
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.sqlite3"))
	if err != nil {
		t.Fatalf("NewDB failed: %v", err)
	}
	return NewStore(db)
}

func TestEnsureRoomIdempotent(t *testing.T) {
	store := testStore(t)

	first, err := store.EnsureRoom("room-1")
	if err != nil {
		t.Fatalf("EnsureRoom failed: %v", err)
	}
	second, err := store.EnsureRoom("room-1")
	if err != nil {
		t.Fatalf("EnsureRoom failed: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("Expected the same room, got ids %d and %d", first.ID, second.ID)
	}
}

func TestParticipantLifecycle(t *testing.T) {
	store := testStore(t)

	room, err := store.EnsureRoom("room-1")
	if err != nil {
		t.Fatalf("EnsureRoom failed: %v", err)
	}

	if err := store.AddParticipant(room.ID, "peer-1"); err != nil {
		t.Fatalf("AddParticipant failed: %v", err)
	}
	if err := store.AddParticipant(room.ID, "peer-2"); err != nil {
		t.Fatalf("AddParticipant failed: %v", err)
	}

	peers, err := store.ListParticipants(room.ID)
	if err != nil {
		t.Fatalf("ListParticipants failed: %v", err)
	}
	if len(peers) != 2 {
		t.Errorf("Expected 2 participants, got %v", peers)
	}

	if err := store.RemoveParticipant("peer-1"); err != nil {
		t.Fatalf("RemoveParticipant failed: %v", err)
	}
	peers, err = store.ListParticipants(room.ID)
	if err != nil {
		t.Fatalf("ListParticipants failed: %v", err)
	}
	if len(peers) != 1 || peers[0] != "peer-2" {
		t.Errorf("Expected [peer-2], got %v", peers)
	}
}

func TestParticipantsScopedToRoom(t *testing.T) {
	store := testStore(t)

	roomA, _ := store.EnsureRoom("room-a")
	roomB, _ := store.EnsureRoom("room-b")

	if err := store.AddParticipant(roomA.ID, "peer-1"); err != nil {
		t.Fatalf("AddParticipant failed: %v", err)
	}

	peers, err := store.ListParticipants(roomB.ID)
	if err != nil {
		t.Fatalf("ListParticipants failed: %v", err)
	}
	if len(peers) != 0 {
		t.Errorf("Expected empty room, got %v", peers)
	}
}

func TestExpireBefore(t *testing.T) {
	store := testStore(t)

	room, _ := store.EnsureRoom("room-1")
	if err := store.AddParticipant(room.ID, "peer-stale"); err != nil {
		t.Fatalf("AddParticipant failed: %v", err)
	}
	if err := store.AddParticipant(room.ID, "peer-fresh"); err != nil {
		t.Fatalf("AddParticipant failed: %v", err)
	}

	// Backdate one heartbeat, refresh the other.
	if err := store.TouchParticipant("peer-stale", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("TouchParticipant failed: %v", err)
	}
	if err := store.TouchParticipant("peer-fresh", time.Now()); err != nil {
		t.Fatalf("TouchParticipant failed: %v", err)
	}

	expired, err := store.ExpireBefore(time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("ExpireBefore failed: %v", err)
	}
	if len(expired) != 1 || expired[0] != "peer-stale" {
		t.Errorf("Expected [peer-stale] expired, got %v", expired)
	}

	peers, err := store.ListParticipants(room.ID)
	if err != nil {
		t.Fatalf("ListParticipants failed: %v", err)
	}
	if len(peers) != 1 || peers[0] != "peer-fresh" {
		t.Errorf("Expected [peer-fresh] to survive, got %v", peers)
	}
}
