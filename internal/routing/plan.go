// Package routing decides, per node, whether to reach it directly or
// through a pooled relay tunnel.
package routing

import (
	"fmt"
	"time"

	"github.com/postalsys/muster/internal/fleet"
	"github.com/postalsys/muster/internal/tunnel"
)

// Mode is the closed set of per-node connection decisions. The
// dispatcher switches exhaustively over it.
type Mode int

// Route plan modes.
const (
	// ModeDirect reaches the node at its public address.
	ModeDirect Mode = iota

	// ModeRelayed reaches the node through a pooled relay tunnel.
	ModeRelayed

	// ModeUnreachable excludes the node from dispatch; Reason says why.
	ModeUnreachable
)

// String returns the mode name used in logs, metrics and reports.
func (m Mode) String() string {
	switch m {
	case ModeDirect:
		return "direct"
	case ModeRelayed:
		return "relayed"
	case ModeUnreachable:
		return "unreachable"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Unreachable reason strings. Declined and unavailable relays are kept
// distinct so the operator knows which one to fix.
const (
	ReasonStopped       = "node is stopped"
	ReasonNoRoute       = "no route: no public address and no relay available"
	ReasonRelayDeclined = "no route: relay declined by operator for scope"
)

// Plan is one node's connection decision for a dispatch round. Plans
// are produced by the Resolver and consumed immediately by the
// Dispatcher; they are not reused across rounds.
type Plan struct {
	// Node is the record the plan was resolved from.
	Node fleet.NodeRecord

	// Mode is the connection decision.
	Mode Mode

	// Endpoint is the direct address for ModeDirect.
	Endpoint string

	// RelayID identifies the pool entry for ModeRelayed.
	RelayID string

	// Tunnel is the pooled handle for ModeRelayed. The dispatcher owns
	// releasing it back to the pool.
	Tunnel *tunnel.Handle

	// Reason explains ModeUnreachable in operator terms.
	Reason string

	// EstablishedAt is when the plan was resolved.
	EstablishedAt time.Time
}

// Dispatchable reports whether the plan results in a worker launch.
func (p Plan) Dispatchable() bool {
	return p.Mode == ModeDirect || p.Mode == ModeRelayed
}

// String returns a short human-readable representation of the plan.
func (p Plan) String() string {
	switch p.Mode {
	case ModeDirect:
		return fmt.Sprintf("Plan{%s direct %s}", p.Node.Name, p.Endpoint)
	case ModeRelayed:
		return fmt.Sprintf("Plan{%s relayed via %s}", p.Node.Name, p.RelayID)
	default:
		return fmt.Sprintf("Plan{%s unreachable: %s}", p.Node.Name, p.Reason)
	}
}
