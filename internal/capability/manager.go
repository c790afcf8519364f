package capability

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/mesh-it/internal/protocol"
)

const (
	maxLatencySamples = 10
	successAlpha      = 0.3

	// latencyCeiling normalizes observed latency into a 0..1 score.
	latencyCeiling = 500 * time.Millisecond

	// bandwidthCeiling normalizes advertised bandwidth into a 0..1 score.
	bandwidthCeiling = int64(10 << 20)
)

// Scoring weights for FindServiceProviders.
const (
	weightReliability = 0.30
	weightBandwidth   = 0.25
	weightUptime      = 0.20
	weightLatency     = 0.25
)

// Advertiser broadcasts this peer's capabilities to connected peers.
// Implemented by the messaging layer.
type Advertiser interface {
	BroadcastAdvertisement(caps protocol.PeerCapabilities)
}

type Config struct {
	SelfID string

	// TTL evicts remote capability entries that have not been refreshed.
	TTL           time.Duration
	SweepInterval time.Duration
	Resources     Resources
	Logger        *logrus.Logger
}

type remoteEntry struct {
	caps       protocol.PeerCapabilities
	receivedAt time.Time
}

type perfStats struct {
	latencies   []time.Duration
	successRate float64
	sampled     bool
}

func (p *perfStats) avgLatency() time.Duration {
	if len(p.latencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, l := range p.latencies {
		total += l
	}
	return total / time.Duration(len(p.latencies))
}

// Manager owns this peer's advertised capabilities and the cache of remote
// advertisements. It owns metadata about peers only, never their transport.
type Manager struct {
	cfg    Config
	logger *logrus.Logger

	mu           sync.Mutex
	role         RoleLevel
	services     map[string]struct{}
	resources    Resources
	remotes      map[string]*remoteEntry
	serviceIndex map[string]map[string]struct{}
	perf         map[string]*perfStats
	advertiser   Advertiser
}

func NewManager(cfg Config) *Manager {
	if cfg.TTL == 0 {
		cfg.TTL = 2 * time.Minute
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	return &Manager{
		cfg:          cfg,
		logger:       cfg.Logger,
		role:         SuggestRoleFor(cfg.Resources),
		services:     make(map[string]struct{}),
		resources:    cfg.Resources,
		remotes:      make(map[string]*remoteEntry),
		serviceIndex: make(map[string]map[string]struct{}),
		perf:         make(map[string]*perfStats),
	}
}

// SetAdvertiser wires the broadcast path. Must be called before services
// are mutated if advertisements should reach peers.
func (m *Manager) SetAdvertiser(a Advertiser) {
	m.mu.Lock()
	m.advertiser = a
	m.mu.Unlock()
}

func (m *Manager) Role() RoleLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

func (m *Manager) Services() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.services)
}

// Local returns this peer's capabilities in wire form.
func (m *Manager) Local() protocol.PeerCapabilities {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localLocked()
}

func (m *Manager) localLocked() protocol.PeerCapabilities {
	return protocol.PeerCapabilities{
		PeerID:   m.cfg.SelfID,
		Role:     m.role.String(),
		Services: sortedKeys(m.services),
		Resources: protocol.Resources{
			MaxConnections: m.resources.MaxConnections,
			MaxBandwidth:   m.resources.MaxBandwidth,
			Reliability:    m.resources.Reliability,
			Uptime:         m.resources.Uptime,
		},
		LastUpdated: time.Now().UnixMilli(),
	}
}

// UpdateResources replaces the measured resources and re-derives the role.
// A role change is broadcast.
func (m *Manager) UpdateResources(r Resources) RoleLevel {
	m.mu.Lock()
	m.resources = r
	newRole := SuggestRoleFor(r)
	changed := newRole != m.role
	m.role = newRole
	caps := m.localLocked()
	adv := m.advertiser
	m.mu.Unlock()

	if changed {
		m.logger.Infof("Role changed to %s", newRole)
		if adv != nil {
			adv.BroadcastAdvertisement(caps)
		}
	}
	return newRole
}

// AddService advertises a service and broadcasts the updated capabilities.
func (m *Manager) AddService(service string) {
	m.mu.Lock()
	if _, exists := m.services[service]; exists {
		m.mu.Unlock()
		return
	}
	m.services[service] = struct{}{}
	caps := m.localLocked()
	adv := m.advertiser
	m.mu.Unlock()

	m.logger.Infof("Advertising service %s", service)
	if adv != nil {
		adv.BroadcastAdvertisement(caps)
	}
}

func (m *Manager) RemoveService(service string) {
	m.mu.Lock()
	if _, exists := m.services[service]; !exists {
		m.mu.Unlock()
		return
	}
	delete(m.services, service)
	caps := m.localLocked()
	adv := m.advertiser
	m.mu.Unlock()

	m.logger.Infof("Withdrawing service %s", service)
	if adv != nil {
		adv.BroadcastAdvertisement(caps)
	}
}

// UpdateRemotePeerCapabilities ingests a remote advertisement, replacing
// any previous entry and reindexing its services.
func (m *Manager) UpdateRemotePeerCapabilities(peerID string, caps protocol.PeerCapabilities) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.unindexLocked(peerID)
	m.remotes[peerID] = &remoteEntry{caps: caps, receivedAt: time.Now()}
	for _, service := range caps.Services {
		idx, exists := m.serviceIndex[service]
		if !exists {
			idx = make(map[string]struct{})
			m.serviceIndex[service] = idx
		}
		idx[peerID] = struct{}{}
	}

	m.logger.Debugf("Updated capabilities of %s: role=%s services=%v",
		peerID, caps.Role, caps.Services)
}

// RemoveRemotePeer drops everything known about a departed peer.
func (m *Manager) RemoveRemotePeer(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unindexLocked(peerID)
	delete(m.remotes, peerID)
	delete(m.perf, peerID)
}

func (m *Manager) unindexLocked(peerID string) {
	entry, exists := m.remotes[peerID]
	if !exists {
		return
	}
	for _, service := range entry.caps.Services {
		if idx, ok := m.serviceIndex[service]; ok {
			delete(idx, peerID)
			if len(idx) == 0 {
				delete(m.serviceIndex, service)
			}
		}
	}
}

// UpdatePeerPerformance records an observed round trip used as scoring
// input: a bounded rolling latency average and an EMA success rate.
func (m *Manager) UpdatePeerPerformance(peerID string, latency time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats, exists := m.perf[peerID]
	if !exists {
		stats = &perfStats{}
		m.perf[peerID] = stats
	}

	stats.latencies = append(stats.latencies, latency)
	if len(stats.latencies) > maxLatencySamples {
		stats.latencies = stats.latencies[len(stats.latencies)-maxLatencySamples:]
	}

	sample := 0.0
	if success {
		sample = 1.0
	}
	if !stats.sampled {
		stats.successRate = sample
		stats.sampled = true
	} else {
		stats.successRate = successAlpha*sample + (1-successAlpha)*stats.successRate
	}
}

// FindOptions filter and bound a service provider lookup.
type FindOptions struct {
	MinReliability float64
	MinBandwidth   int64
	Limit          int
}

// FindServiceProviders returns peers offering the service, filtered by the
// thresholds and sorted by descending score.
func (m *Manager) FindServiceProviders(service string, opts FindOptions) []Provider {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.serviceIndex[service]
	providers := make([]Provider, 0, len(idx))
	for peerID := range idx {
		entry := m.remotes[peerID]
		if entry == nil {
			continue
		}
		res := entry.caps.Resources
		if res.Reliability < opts.MinReliability || res.MaxBandwidth < opts.MinBandwidth {
			continue
		}

		p := Provider{
			PeerID: peerID,
			Role:   ParseRole(entry.caps.Role),
			Resources: Resources{
				MaxConnections: res.MaxConnections,
				MaxBandwidth:   res.MaxBandwidth,
				Reliability:    res.Reliability,
				Uptime:         res.Uptime,
			},
			LastSeen: entry.receivedAt,
		}
		if stats := m.perf[peerID]; stats != nil {
			p.AvgLatency = stats.avgLatency()
			p.SuccessRate = stats.successRate
		}
		p.Score = score(p, m.perf[peerID])
		providers = append(providers, p)
	}

	sort.Slice(providers, func(i, j int) bool {
		if providers[i].Score != providers[j].Score {
			return providers[i].Score > providers[j].Score
		}
		return providers[i].PeerID < providers[j].PeerID
	})

	if opts.Limit > 0 && len(providers) > opts.Limit {
		providers = providers[:opts.Limit]
	}
	return providers
}

func score(p Provider, stats *perfStats) float64 {
	bw := float64(p.Resources.MaxBandwidth) / float64(bandwidthCeiling)
	if bw > 1 {
		bw = 1
	}

	// Without history the latency component stays neutral.
	latencyScore := 0.5
	if stats != nil && len(stats.latencies) > 0 {
		l := float64(stats.avgLatency()) / float64(latencyCeiling)
		if l > 1 {
			l = 1
		}
		latencyScore = (1 - l) * stats.successRate
	}

	return weightReliability*p.Resources.Reliability +
		weightBandwidth*bw +
		weightUptime*p.Resources.Uptime +
		weightLatency*latencyScore
}

// Sweep evicts remote entries older than the TTL and returns how many were
// dropped.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-m.cfg.TTL)
	dropped := 0
	for peerID, entry := range m.remotes {
		if entry.receivedAt.Before(cutoff) {
			m.unindexLocked(peerID)
			delete(m.remotes, peerID)
			delete(m.perf, peerID)
			dropped++
		}
	}
	if dropped > 0 {
		m.logger.Debugf("Evicted %d stale capability entries", dropped)
	}
	return dropped
}

// RunSweeper evicts stale entries on the configured interval until ctx is
// done.
func (m *Manager) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
