package mesh

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/mesh-it/internal/transport"
)

type repairAction int

const (
	repairSkip repairAction = iota
	repairImmediate
	repairWithCleanup
)

type ValidatorConfig struct {
	// Interval between audits. Short intervals risk interfering with
	// in-flight handshakes; long intervals slow convergence.
	Interval time.Duration
	Logger   *logrus.Logger
}

// Validator periodically diffs room membership against actual connections
// and asks the orchestrator to repair the gaps. Given stable membership and
// no churn, the mesh converges within a bounded number of cycles.
type Validator struct {
	state  *MeshState
	orch   *Orchestrator
	cfg    ValidatorConfig
	logger *logrus.Logger
}

func NewValidator(state *MeshState, orch *Orchestrator, cfg ValidatorConfig) *Validator {
	if cfg.Interval == 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Validator{state: state, orch: orch, cfg: cfg, logger: cfg.Logger}
}

// Run audits on the configured interval until ctx is done.
func (v *Validator) Run(ctx context.Context) {
	ticker := time.NewTicker(v.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.Validate()
		}
	}
}

// Validate performs one audit cycle and returns the repaired peer ids.
func (v *Validator) Validate() []string {
	expected := v.state.Members()
	connected := toSet(v.state.ConnectedPeers())
	pending := toSet(v.orch.PendingPeers())

	var missing []string
	for _, peerID := range expected {
		if peerID == v.orch.SelfID() {
			continue
		}
		if _, ok := connected[peerID]; ok {
			continue
		}
		if _, ok := pending[peerID]; ok {
			continue
		}
		missing = append(missing, peerID)
	}
	if len(missing) == 0 {
		return nil
	}

	v.logger.Debugf("Mesh audit: %d expected, %d connected, %d pending, %d missing",
		len(expected), len(connected), len(pending), len(missing))

	var repaired []string
	for _, peerID := range missing {
		rec := v.state.Get(peerID)
		action := classify(rec)
		if action == repairSkip {
			continue
		}

		// Repairing into an already-converging mesh interferes with the
		// in-flight handshakes; only confirmed-stuck peers bypass that.
		stuck := rec != nil && !transport.Working(rec.Conn)
		if len(pending) > 0 && !stuck {
			continue
		}

		if action == repairWithCleanup {
			v.logger.Infof("Repairing stuck connection to %s (transport %s, signaling %s)",
				peerID, rec.Conn.State(), rec.Conn.SignalingState())
			v.orch.Teardown(peerID)
		} else {
			v.logger.Infof("Repairing missing connection to %s", peerID)
		}
		v.orch.HandlePeerAnnounced(peerID)
		repaired = append(repaired, peerID)
	}
	return repaired
}

// classify maps a registry record onto the repair decision for a peer that
// should be connected but is not.
func classify(rec *Connection) repairAction {
	if rec == nil || rec.Conn == nil {
		return repairImmediate
	}

	conn := rec.Conn
	if transport.Working(conn) {
		// Transport up and signaling stable: the channel is still
		// opening. A false positive, not a gap.
		return repairSkip
	}

	switch conn.State() {
	case transport.StateFailed, transport.StateClosed, transport.StateDisconnected:
		return repairWithCleanup
	case transport.StateConnecting, transport.StateNew:
		return repairWithCleanup
	}
	if conn.SignalingState() != transport.SignalingStable {
		return repairWithCleanup
	}
	return repairWithCleanup
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
