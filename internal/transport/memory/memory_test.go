package memory

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/mesh-it/internal/transport"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Condition not met within %s", timeout)
}

func connectPair(t *testing.T, network *Network, a, b string) (transport.Conn, transport.Conn) {
	t.Helper()
	ctx := context.Background()

	connA, err := network.Transport(a).NewConn(b, true)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}
	connB, err := network.Transport(b).NewConn(a, false)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	offer, err := connA.CreateOffer(ctx)
	if err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}
	answer, err := connB.HandleOffer(ctx, offer)
	if err != nil {
		t.Fatalf("HandleOffer failed: %v", err)
	}
	if err := connA.HandleAnswer(ctx, answer); err != nil {
		t.Fatalf("HandleAnswer failed: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		return transport.Usable(connA) && transport.Usable(connB)
	})
	return connA, connB
}

func TestHandshakeEstablishesBothEnds(t *testing.T) {
	network := NewNetwork()
	connA, connB := connectPair(t, network, "peer-a", "peer-b")

	if connA.State() != transport.StateConnected {
		t.Errorf("Expected connected, got %s", connA.State())
	}
	if connB.ChannelState() != transport.ChannelOpen {
		t.Errorf("Expected open channel, got %s", connB.ChannelState())
	}
}

func TestSendDelivers(t *testing.T) {
	network := NewNetwork()
	connA, connB := connectPair(t, network, "peer-a", "peer-b")

	payload := []byte("hello mesh")
	if err := connA.Send(payload); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case got := <-connB.Recv():
		if !bytes.Equal(got, payload) {
			t.Errorf("Expected %q, got %q", payload, got)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for delivery")
	}
}

func TestSendBeforeOpenFails(t *testing.T) {
	network := NewNetwork()
	conn, err := network.Transport("peer-a").NewConn("peer-b", true)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	if err := conn.Send([]byte("too early")); err == nil {
		t.Error("Expected error sending before channel open")
	}
}

func TestCloseDisconnectsRemote(t *testing.T) {
	network := NewNetwork()
	connA, connB := connectPair(t, network, "peer-a", "peer-b")

	if err := connA.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		return connB.State() == transport.StateDisconnected
	})

	if _, open := <-connB.Recv(); open {
		t.Error("Expected recv channel closed after disconnect")
	}
}

func TestFailMarksBothEnds(t *testing.T) {
	network := NewNetwork()
	connA, connB := connectPair(t, network, "peer-a", "peer-b")

	network.Fail("peer-a", "peer-b")

	waitFor(t, time.Second, func() bool {
		return connA.State() == transport.StateFailed && connB.State() == transport.StateFailed
	})
}

func TestBlockPreventsLink(t *testing.T) {
	network := NewNetwork()
	network.Block("peer-a", "peer-b")
	ctx := context.Background()

	connA, _ := network.Transport("peer-a").NewConn("peer-b", true)
	connB, _ := network.Transport("peer-b").NewConn("peer-a", false)

	offer, _ := connA.CreateOffer(ctx)
	answer, _ := connB.HandleOffer(ctx, offer)
	_ = connA.HandleAnswer(ctx, answer)

	time.Sleep(50 * time.Millisecond)
	if transport.Usable(connA) || transport.Usable(connB) {
		t.Error("Expected blocked pair to stay unconnected")
	}

	network.Unblock("peer-a", "peer-b")
	_ = connA.HandleAnswer(ctx, answer)
	waitFor(t, time.Second, func() bool {
		return transport.Usable(connA) && transport.Usable(connB)
	})
}

func TestClosedTransportRefusesConns(t *testing.T) {
	network := NewNetwork()
	tr := network.Transport("peer-a")
	if err := tr.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := tr.NewConn("peer-b", true); err == nil {
		t.Error("Expected error from closed transport")
	}
}
