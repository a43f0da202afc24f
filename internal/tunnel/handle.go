// Package tunnel owns the lifecycle of pooled relay tunnels: creation,
// reuse, idle eviction, and forced teardown.
package tunnel

import (
	"context"
	"fmt"
	"time"
)

// Error indicates a relay tunnel operation failed. It is scoped to one
// node and never aborts a dispatch round.
type Error struct {
	Node  string
	Scope string
	Op    string // "create", "acquire", "backoff"
	Err   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("tunnel %s failed for %s (scope %s): %v", e.Op, e.Node, e.Scope, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Relay is the external relay capability. Implementations create and
// destroy relay endpoints; Destroy must be idempotent.
type Relay interface {
	// Create provisions a relay endpoint scoped to the node's
	// network/region. May take seconds.
	Create(ctx context.Context, node, scope string) (string, error)

	// Destroy tears down a relay endpoint. Must not fail if the
	// relay-side session is already gone.
	Destroy(ctx context.Context, endpoint string) error
}

// Handle is a caller's reference to a pooled tunnel. Handles are owned
// exclusively by the Pool; callers only Await readiness, read the
// endpoint, and hand the handle back via Pool.Release.
type Handle struct {
	// RelayID uniquely identifies the pool entry backing this handle.
	RelayID string

	// Node is the target node name.
	Node string

	// Scope is the relay scope the tunnel is bound to.
	Scope string

	pool  *Pool
	entry *poolEntry
}

// Await blocks until the tunnel is established, the context is
// cancelled, or the pool's setup timeout elapses.
func (h *Handle) Await(ctx context.Context) error {
	timer := h.pool.clock.Timer(h.pool.setupTimeout)
	defer timer.Stop()

	select {
	case <-h.entry.ready:
		return h.entry.err
	case <-ctx.Done():
		return &Error{Node: h.Node, Scope: h.Scope, Op: "acquire", Err: ctx.Err()}
	case <-timer.C:
		return &Error{Node: h.Node, Scope: h.Scope, Op: "acquire", Err: fmt.Errorf("setup timed out after %s", h.pool.setupTimeout)}
	}
}

// Endpoint returns the relay endpoint address. Valid only after a
// successful Await.
func (h *Handle) Endpoint() string {
	select {
	case <-h.entry.ready:
		return h.entry.endpoint
	default:
		return ""
	}
}

// CreatedAt returns when the pool entry was registered.
func (h *Handle) CreatedAt() time.Time {
	return h.entry.createdAt
}

// Info is a point-in-time snapshot of a pool entry for status output.
type Info struct {
	RelayID   string
	Node      string
	Scope     string
	Endpoint  string
	CreatedAt time.Time
	LastUsed  time.Time
	RefCount  int
	Ready     bool
	Failed    bool
}
