// Package dispatch fans a unit of work out to every routable node
// concurrently, each worker bounded by its own timeout, and fans the
// per-node outcomes back into an ordered result set.
package dispatch

import (
	"context"
	"fmt"
	"time"
)

// Outcome classifies one node's dispatch result. The report always
// distinguishes "skipped because no route" from "attempted but failed"
// from "attempted but timed out": the corrective action differs.
type Outcome int

// Per-node outcomes.
const (
	// OutcomeSuccess means the unit of work completed; Payload holds
	// its output.
	OutcomeSuccess Outcome = iota

	// OutcomeTimeout means the per-node timeout or the overall
	// deadline expired first.
	OutcomeTimeout

	// OutcomeConnectionFailed means the node could not be reached
	// (dial or relay failure); Reason says why.
	OutcomeConnectionFailed

	// OutcomeCommandFailed means the node was reached but the command
	// failed; Payload keeps any partial output.
	OutcomeCommandFailed

	// OutcomeSkipped means the route plan was unreachable and no
	// worker was launched.
	OutcomeSkipped
)

// String returns the outcome name used in logs, metrics and reports.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeConnectionFailed:
		return "connection_failed"
	case OutcomeCommandFailed:
		return "command_failed"
	case OutcomeSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is one node's entry in a dispatch round. Every plan yields
// exactly one result, including skipped plans.
type Result struct {
	// Node is the node name.
	Node string

	// Outcome classifies what happened.
	Outcome Outcome

	// Payload is the command output (full on success, partial on
	// command failure).
	Payload string

	// Reason explains failures and skips in operator terms.
	Reason string

	// Elapsed is how long the worker ran. Zero for skipped plans.
	Elapsed time.Duration
}

// Conn is an open connection to one node, supplied by the external
// connection capability.
type Conn interface {
	// Execute runs a command and returns its combined output.
	Execute(ctx context.Context, command string) ([]byte, error)

	// Close releases the connection.
	Close() error
}

// Dialer is the external connection capability.
type Dialer interface {
	// OpenDirect connects to a node's public address.
	OpenDirect(ctx context.Context, addr string) (Conn, error)

	// OpenRelayed connects to a node through a relay endpoint.
	OpenRelayed(ctx context.Context, relayEndpoint string) (Conn, error)
}

// Work is the unit of work executed against each node's connection.
type Work func(ctx context.Context, node string, conn Conn) (string, error)

// Command returns a Work that executes a single shell command.
func Command(command string) Work {
	return func(ctx context.Context, node string, conn Conn) (string, error) {
		out, err := conn.Execute(ctx, command)
		return string(out), err
	}
}
