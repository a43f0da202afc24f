// Package fleet maintains the directory of remote compute nodes.
package fleet

import (
	"fmt"
	"time"
)

// State describes a node's liveness as reported by discovery.
type State int

// Node liveness states.
const (
	StateUnknown State = iota
	StateRunning
	StateStopped
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ParseState converts a discovery-reported state string.
func ParseState(s string) State {
	switch s {
	case "running":
		return StateRunning
	case "stopped":
		return StateStopped
	default:
		return StateUnknown
	}
}

// NodeRecord is an immutable snapshot of one fleet member. Records are
// replaced wholesale on each directory refresh, never mutated in place.
type NodeRecord struct {
	// Name is the node's unique identity within the fleet.
	Name string

	// PublicAddr is the directly reachable host:port, if any.
	PublicAddr string

	// PrivateAddr is the in-network address, if any.
	PrivateAddr string

	// RelayScope names the network/region a relay must be scoped to.
	RelayScope string

	// RelayEligible reports whether the node may be reached via relay.
	RelayEligible bool

	// State is the node's liveness at discovery time.
	State State

	// LastSeen is when discovery last observed the node.
	LastSeen time.Time
}

// String returns a short human-readable representation of the record.
func (r NodeRecord) String() string {
	return fmt.Sprintf("NodeRecord{%s addr=%s state=%s}", r.Name, r.PublicAddr, r.State)
}

// DiscoveryError indicates the backing discovery source was unreachable
// or returned an unusable node set. It is fatal to a dispatch round.
type DiscoveryError struct {
	Source string
	Err    error
}

// Error implements the error interface.
func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery failed (%s): %v", e.Source, e.Err)
}

// Unwrap returns the underlying error.
func (e *DiscoveryError) Unwrap() error {
	return e.Err
}
