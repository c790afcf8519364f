package peer

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/mesh-it/internal/capability"
	"github.com/rudransh-shrivastava/mesh-it/internal/filetransfer"
	"github.com/rudransh-shrivastava/mesh-it/internal/rendezvous"
	"github.com/rudransh-shrivastava/mesh-it/internal/transport"
	"github.com/rudransh-shrivastava/mesh-it/internal/transport/memory"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Condition not met within %s", timeout)
}

type testMesh struct {
	server  *rendezvous.Server
	network *memory.Network
}

func newTestMesh(t *testing.T) *testMesh {
	t.Helper()
	server, err := rendezvous.NewServer(rendezvous.ServerConfig{
		Addr:   "127.0.0.1:0",
		DBPath: filepath.Join(t.TempDir(), "rendezvous.sqlite3"),
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = server.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = server.Shutdown()
	})

	return &testMesh{server: server, network: memory.NewNetwork()}
}

func (m *testMesh) startPeer(t *testing.T, cfg Config) *Peer {
	t.Helper()
	cfg.RendezvousAddr = m.server.Addr()
	if cfg.RoomID == "" {
		cfg.RoomID = "test-room"
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = t.TempDir()
	}
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	if cfg.ValidateInterval == 0 {
		cfg.ValidateInterval = 100 * time.Millisecond
	}
	cfg.TransportFactory = func(selfID string) transport.Transport {
		return m.network.Transport(selfID)
	}

	p := New(cfg)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(p.Shutdown)
	return p
}

func fullyMeshed(peers ...*Peer) func() bool {
	return func() bool {
		for _, p := range peers {
			if len(p.ConnectedPeers()) != len(peers)-1 {
				return false
			}
		}
		return true
	}
}

func awaitPeerEvent(t *testing.T, p *Peer, kind EventKind) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, open := <-p.Events():
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

func awaitFileEvent(t *testing.T, p *Peer, kind filetransfer.EventKind) *filetransfer.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, open := <-p.Events():
			if !open {
				t.Fatalf("Event channel closed while waiting for file %s", kind)
			}
			if ev.Kind == EventFile && ev.File != nil && ev.File.Kind == kind {
				return ev.File
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for file %s event", kind)
		}
	}
}

func TestThreePeersFormFullMesh(t *testing.T) {
	m := newTestMesh(t)

	peerA := m.startPeer(t, Config{})
	peerB := m.startPeer(t, Config{})
	peerC := m.startPeer(t, Config{})

	waitFor(t, 10*time.Second, fullyMeshed(peerA, peerB, peerC))

	for _, p := range []*Peer{peerA, peerB, peerC} {
		if p.SelfID() == "" {
			t.Error("Expected every peer to have a relay-assigned id")
		}
	}
}

func TestMessageBetweenPeers(t *testing.T) {
	m := newTestMesh(t)

	peerA := m.startPeer(t, Config{})
	peerB := m.startPeer(t, Config{})
	waitFor(t, 10*time.Second, fullyMeshed(peerA, peerB))

	payload := []byte("hello over the mesh")
	id, err := peerA.SendMessage(peerB.SelfID(), payload)
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	got := awaitPeerEvent(t, peerB, EventMessageReceived)
	if !bytes.Equal(got.Data, payload) {
		t.Errorf("Expected %q, got %q", payload, got.Data)
	}
	if got.MessageID != id {
		t.Errorf("Expected message id %s, got %s", id, got.MessageID)
	}
	if got.PeerID != peerA.SelfID() {
		t.Errorf("Expected sender %s, got %s", peerA.SelfID(), got.PeerID)
	}
}

func TestFileTransferBetweenPeers(t *testing.T) {
	m := newTestMesh(t)

	peerA := m.startPeer(t, Config{})
	peerB := m.startPeer(t, Config{})
	waitFor(t, 10*time.Second, fullyMeshed(peerA, peerB))

	want := make([]byte, 40000)
	rng := rand.New(rand.NewSource(7))
	rng.Read(want)
	path := filepath.Join(t.TempDir(), "blob.bin")
	if err := os.WriteFile(path, want, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	transferID, err := peerA.SendFile(peerB.SelfID(), path)
	if err != nil {
		t.Fatalf("SendFile failed: %v", err)
	}

	requested := awaitFileEvent(t, peerB, filetransfer.EventRequested)
	if requested.TransferID != transferID {
		t.Fatalf("Expected transfer %s, got %s", transferID, requested.TransferID)
	}
	if err := peerB.AcceptFile(transferID); err != nil {
		t.Fatalf("AcceptFile failed: %v", err)
	}

	completed := awaitFileEvent(t, peerB, filetransfer.EventCompleted)
	got, err := os.ReadFile(completed.Path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("Received file does not match the original")
	}
}

func TestCapabilityDiscoveryAcrossMesh(t *testing.T) {
	m := newTestMesh(t)

	provider := m.startPeer(t, Config{
		Services: []string{"storage"},
		Resources: capability.Resources{
			MaxConnections: 25,
			MaxBandwidth:   6 << 20,
			Reliability:    0.92,
			Uptime:         0.95,
		},
	})
	seeker := m.startPeer(t, Config{})
	waitFor(t, 10*time.Second, fullyMeshed(provider, seeker))

	waitFor(t, 5*time.Second, func() bool {
		found := seeker.FindServiceProviders("storage", capability.FindOptions{})
		return len(found) == 1 && found[0].PeerID == provider.SelfID()
	})

	found := seeker.FindServiceProviders("storage", capability.FindOptions{})
	if found[0].Role != capability.RoleRelay {
		t.Errorf("Expected advertised relay role, got %s", found[0].Role)
	}

	if provider.Role() != capability.RoleRelay {
		t.Errorf("Expected provider to derive relay role, got %s", provider.Role())
	}
}

func TestPeerDepartureObserved(t *testing.T) {
	m := newTestMesh(t)

	peerA := m.startPeer(t, Config{})
	peerB := m.startPeer(t, Config{})
	waitFor(t, 10*time.Second, fullyMeshed(peerA, peerB))

	departed := peerB.SelfID()
	peerB.Shutdown()

	waitFor(t, 10*time.Second, func() bool {
		return len(peerA.ConnectedPeers()) == 0
	})
	ev := awaitPeerEvent(t, peerA, EventPeerDisconnected)
	if ev.PeerID != departed {
		t.Errorf("Expected disconnect of %s, got %s", departed, ev.PeerID)
	}
}
