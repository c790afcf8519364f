package rendezvous

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/mesh-it/internal/protocol"
	"github.com/rudransh-shrivastava/mesh-it/internal/transport"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func startServer(t *testing.T, cfg ServerConfig) *Server {
	t.Helper()
	cfg.Addr = "127.0.0.1:0"
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(t.TempDir(), "rendezvous.sqlite3")
	}
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}

	server, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = server.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = server.Shutdown()
	})
	return server
}

func joinClient(t *testing.T, server *Server, room string) (*Client, string, []string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Connect(ctx, server.Addr(), ClientConfig{Logger: testLogger()})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	peerID, participants, err := client.Join(room)
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	return client, peerID, participants
}

func awaitClientEvent(t *testing.T, client *Client, kind ClientEventKind) ClientEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, open := <-client.Events():
			if !open {
				t.Fatalf("Event channel closed while waiting for %s", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for %s event", kind)
		}
	}
}

func TestJoinAssignsUniqueIDs(t *testing.T) {
	server := startServer(t, ServerConfig{})

	_, idA, participantsA := joinClient(t, server, "room-1")
	if idA == "" {
		t.Fatal("Expected a non-empty peer id")
	}
	if len(participantsA) != 0 {
		t.Errorf("Expected empty room, got %v", participantsA)
	}

	_, idB, participantsB := joinClient(t, server, "room-1")
	if idB == idA {
		t.Error("Expected distinct peer ids")
	}
	if len(participantsB) != 1 || participantsB[0] != idA {
		t.Errorf("Expected existing participant %s, got %v", idA, participantsB)
	}
}

func TestJoinAnnouncesToRoom(t *testing.T) {
	server := startServer(t, ServerConfig{})

	clientA, _, _ := joinClient(t, server, "room-1")
	_, idB, _ := joinClient(t, server, "room-1")

	joined := awaitClientEvent(t, clientA, ClientPeerJoined)
	if joined.PeerID != idB {
		t.Errorf("Expected join notice for %s, got %s", idB, joined.PeerID)
	}
}

func TestRoomsAreIsolated(t *testing.T) {
	server := startServer(t, ServerConfig{})

	clientA, _, _ := joinClient(t, server, "room-a")
	_, _, participantsB := joinClient(t, server, "room-b")

	if len(participantsB) != 0 {
		t.Errorf("Expected empty participant list across rooms, got %v", participantsB)
	}

	select {
	case ev := <-clientA.Events():
		t.Errorf("Expected no events across rooms, got %s", ev.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSignalingRelayRewritesFrom(t *testing.T) {
	server := startServer(t, ServerConfig{})

	clientA, idA, _ := joinClient(t, server, "room-1")
	clientB, idB, _ := joinClient(t, server, "room-1")
	awaitClientEvent(t, clientA, ClientPeerJoined)

	ctx := context.Background()
	if err := clientA.SendOffer(ctx, idB, "v=0 offer"); err != nil {
		t.Fatalf("SendOffer failed: %v", err)
	}

	offer := awaitClientEvent(t, clientB, ClientOffer)
	if offer.PeerID != idA {
		t.Errorf("Expected offer from %s, got %s", idA, offer.PeerID)
	}
	if offer.SDP != "v=0 offer" {
		t.Errorf("Expected SDP preserved, got %q", offer.SDP)
	}

	if err := clientB.SendAnswer(ctx, idA, "v=0 answer"); err != nil {
		t.Fatalf("SendAnswer failed: %v", err)
	}
	answer := awaitClientEvent(t, clientA, ClientAnswer)
	if answer.PeerID != idB || answer.SDP != "v=0 answer" {
		t.Errorf("Unexpected answer event: %+v", answer)
	}
}

func TestCandidateRelay(t *testing.T) {
	server := startServer(t, ServerConfig{})

	clientA, idA, _ := joinClient(t, server, "room-1")
	clientB, idB, _ := joinClient(t, server, "room-1")
	awaitClientEvent(t, clientA, ClientPeerJoined)

	cand := awaitCandidate(t, clientA, clientB, idA, idB)
	if cand.Candidate.Candidate != "candidate:1 udp" {
		t.Errorf("Expected candidate preserved, got %q", cand.Candidate.Candidate)
	}
	if cand.Candidate.SDPMid != "0" || cand.Candidate.SDPMLineIndex != 1 {
		t.Errorf("Expected candidate metadata preserved, got %+v", cand.Candidate)
	}
}

func awaitCandidate(t *testing.T, clientA, clientB *Client, idA, idB string) ClientEvent {
	t.Helper()
	err := clientA.SendCandidate(context.Background(), idB, candidateFixture())
	if err != nil {
		t.Fatalf("SendCandidate failed: %v", err)
	}
	ev := awaitClientEvent(t, clientB, ClientCandidate)
	if ev.PeerID != idA {
		t.Errorf("Expected candidate from %s, got %s", idA, ev.PeerID)
	}
	return ev
}

func TestLeaveAnnounced(t *testing.T) {
	server := startServer(t, ServerConfig{})

	clientA, _, _ := joinClient(t, server, "room-1")
	clientB, idB, _ := joinClient(t, server, "room-1")
	awaitClientEvent(t, clientA, ClientPeerJoined)

	_ = clientB.Close()

	left := awaitClientEvent(t, clientA, ClientPeerLeft)
	if left.PeerID != idB {
		t.Errorf("Expected departure of %s, got %s", idB, left.PeerID)
	}
}

func TestRelayToUnknownTargetDropped(t *testing.T) {
	server := startServer(t, ServerConfig{})

	clientA, _, _ := joinClient(t, server, "room-1")

	if err := clientA.SendOffer(context.Background(), "no-such-peer", "v=0"); err != nil {
		t.Fatalf("SendOffer failed: %v", err)
	}

	select {
	case ev := <-clientA.Events():
		t.Errorf("Expected nothing back, got %s", ev.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFirstMessageMustJoin(t *testing.T) {
	server := startServer(t, ServerConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Connect(ctx, server.Addr(), ClientConfig{Logger: testLogger()})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer func() { _ = client.Close() }()

	// A heartbeat before joining gets the connection dropped.
	if err := client.stream.Send(heartbeatFixture()); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if _, err := client.stream.Recv(); err == nil {
		t.Error("Expected the server to close the connection")
	}
}

func TestHeartbeatTimeoutEvicts(t *testing.T) {
	server := startServer(t, ServerConfig{
		HeartbeatTimeout: 50 * time.Millisecond,
		SweepInterval:    20 * time.Millisecond,
	})

	// A heartbeat interval far beyond the server timeout means the
	// sweeper must cut the client loose.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Connect(ctx, server.Addr(), ClientConfig{
		HeartbeatInterval: time.Hour,
		Logger:            testLogger(),
	})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	if _, _, err := client.Join("room-1"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	awaitClientEvent(t, client, ClientDisconnected)
}

func candidateFixture() transport.Candidate {
	return transport.Candidate{
		Candidate:     "candidate:1 udp",
		SDPMid:        "0",
		SDPMLineIndex: 1,
	}
}

func heartbeatFixture() *protocol.Heartbeat {
	return &protocol.Heartbeat{Timestamp: time.Now().Unix()}
}
