// Package capability tracks what this peer and its remote peers can do:
// advertised services, measured resources, and the role tier derived from
// them. It answers "who offers service X" queries with scored candidates.
package capability

import (
	"time"
)

// RoleLevel classifies how much connection and service responsibility a
// peer takes on. Higher levels carry more load.
type RoleLevel int

const (
	RoleBasic RoleLevel = iota
	RoleStandard
	RoleRelay
	RoleSuper
)

func (r RoleLevel) String() string {
	switch r {
	case RoleBasic:
		return "basic"
	case RoleStandard:
		return "standard"
	case RoleRelay:
		return "relay"
	case RoleSuper:
		return "super"
	default:
		return "unknown"
	}
}

// ParseRole maps a wire role string onto a RoleLevel, defaulting to basic.
func ParseRole(s string) RoleLevel {
	switch s {
	case "standard":
		return RoleStandard
	case "relay":
		return RoleRelay
	case "super":
		return RoleSuper
	default:
		return RoleBasic
	}
}

// Resources are the measured capacities a role derivation is based on.
type Resources struct {
	MaxConnections int
	MaxBandwidth   int64 // bytes per second
	Reliability    float64
	Uptime         float64
}

// roleTier is one rung of the role ladder with the thresholds required to
// hold it. Ordered highest to lowest.
type roleTier struct {
	level          RoleLevel
	minConnections int
	minBandwidth   int64
	minReliability float64
}

var roleTiers = []roleTier{
	{level: RoleSuper, minConnections: 50, minBandwidth: 10 << 20, minReliability: 0.95},
	{level: RoleRelay, minConnections: 20, minBandwidth: 5 << 20, minReliability: 0.90},
	{level: RoleStandard, minConnections: 5, minBandwidth: 1 << 20, minReliability: 0.75},
	{level: RoleBasic},
}

func (t roleTier) satisfiedBy(r Resources) bool {
	return r.MaxConnections >= t.minConnections &&
		r.MaxBandwidth >= t.minBandwidth &&
		r.Reliability >= t.minReliability
}

// SuggestRoleFor walks the tiers highest first and returns the first tier a
// resource set fully satisfies. A strictly better resource set never maps
// to a lower role.
func SuggestRoleFor(r Resources) RoleLevel {
	for _, tier := range roleTiers {
		if tier.satisfiedBy(r) {
			return tier.level
		}
	}
	return RoleBasic
}

// Provider is one scored result of a service lookup.
type Provider struct {
	PeerID      string
	Role        RoleLevel
	Resources   Resources
	Score       float64
	AvgLatency  time.Duration
	SuccessRate float64
	LastSeen    time.Time
}
