package mesh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

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
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Condition not met within %s", timeout)
}

// router delivers signaling between in-process orchestrators the way the
// rendezvous relay would, asynchronously. It records every envelope and can
// fail sends toward chosen targets.
type router struct {
	mu       sync.Mutex
	orchs    map[string]*Orchestrator
	failTo   map[string]bool
	sends    []sentEnvelope
}

type sentEnvelope struct {
	kind   string
	from   string
	target string
}

func newRouter() *router {
	return &router{
		orchs:  make(map[string]*Orchestrator),
		failTo: make(map[string]bool),
	}
}

func (r *router) add(o *Orchestrator) {
	r.mu.Lock()
	r.orchs[o.SelfID()] = o
	r.mu.Unlock()
}

func (r *router) failSendsTo(target string) {
	r.mu.Lock()
	r.failTo[target] = true
	r.mu.Unlock()
}

func (r *router) sent(kind, from, target string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, env := range r.sends {
		if env.kind == kind && env.from == from && env.target == target {
			return true
		}
	}
	return false
}

func (r *router) deliver(kind, from, target string, fn func(o *Orchestrator)) error {
	r.mu.Lock()
	if r.failTo[target] {
		r.mu.Unlock()
		return transport.ErrClosed
	}
	r.sends = append(r.sends, sentEnvelope{kind: kind, from: from, target: target})
	dest := r.orchs[target]
	r.mu.Unlock()

	if dest != nil {
		go fn(dest)
	}
	return nil
}

type routedSignaler struct {
	r    *router
	self string
}

func (s *routedSignaler) SendOffer(_ context.Context, target, sdp string) error {
	return s.r.deliver("offer", s.self, target, func(o *Orchestrator) { o.HandleOffer(s.self, sdp) })
}

func (s *routedSignaler) SendAnswer(_ context.Context, target, sdp string) error {
	return s.r.deliver("answer", s.self, target, func(o *Orchestrator) { o.HandleAnswer(s.self, sdp) })
}

func (s *routedSignaler) SendCandidate(_ context.Context, target string, cand transport.Candidate) error {
	return s.r.deliver("candidate", s.self, target, func(o *Orchestrator) { o.HandleCandidate(s.self, cand) })
}

// eventLog drains an orchestrator's event channel into an inspectable list.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func collectEvents(o *Orchestrator) *eventLog {
	log := &eventLog{}
	go func() {
		for ev := range o.Events() {
			log.mu.Lock()
			log.events = append(log.events, ev)
			log.mu.Unlock()
		}
	}()
	return log
}

func (l *eventLog) has(kind EventKind, peerID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.Kind == kind && ev.PeerID == peerID {
			return true
		}
	}
	return false
}

func (l *eventLog) count(kind EventKind, peerID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Kind == kind && ev.PeerID == peerID {
			n++
		}
	}
	return n
}

type testPeer struct {
	id     string
	state  *MeshState
	orch   *Orchestrator
	events *eventLog
}

func newTestPeer(ctx context.Context, network *memory.Network, r *router, id string, cfg Config) *testPeer {
	cfg.SelfID = id
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	state := NewMeshState()
	state.AddMember(id)
	orch := NewOrchestrator(ctx, state, network.Transport(id), &routedSignaler{r: r, self: id}, cfg)
	r.add(orch)
	return &testPeer{
		id:     id,
		state:  state,
		orch:   orch,
		events: collectEvents(orch),
	}
}
