package routing

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/postalsys/muster/internal/cache"
	"github.com/postalsys/muster/internal/fleet"
	"github.com/postalsys/muster/internal/logging"
	"github.com/postalsys/muster/internal/metrics"
	"github.com/postalsys/muster/internal/tunnel"
)

// Prober tests direct reachability of an address.
type Prober interface {
	// Probe returns nil if the address accepts connections.
	Probe(ctx context.Context, addr string) error
}

// TCPProber probes reachability with a plain TCP dial, the cheapest
// check that distinguishes "listening" from "filtered or down".
type TCPProber struct {
	// Timeout bounds one probe attempt.
	Timeout time.Duration
}

// Probe dials the address and immediately closes the connection.
func (p *TCPProber) Probe(ctx context.Context, addr string) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	conn.Close()
	return nil
}

// Reserver is the subset of the tunnel pool the resolver needs.
type Reserver interface {
	Reserve(node, scope string) *tunnel.Handle
}

// ResolverConfig contains route resolution settings.
type ResolverConfig struct {
	// Prober tests direct reachability; nil skips probing and trusts
	// the public address.
	Prober Prober

	// ProbeTTL is how long a probe verdict is trusted.
	ProbeTTL time.Duration

	// DeclinedScopes lists relay scopes the operator opted out of.
	DeclinedScopes []string

	// Clock is the time source; nil means the wall clock.
	Clock clock.Clock

	// Logger for resolution events; nil discards.
	Logger *slog.Logger

	// Metrics records resolved plans; nil disables.
	Metrics *metrics.Metrics
}

// probeVerdict is the cached outcome of one reachability probe.
type probeVerdict struct {
	reachable bool
	detail    string
}

// Resolver turns node records into route plans. Resolution is evaluated
// independently per node; one node's unreachability never blocks the
// others.
type Resolver struct {
	pool     Reserver
	prober   Prober
	probeTTL time.Duration
	declined map[string]bool
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics

	verdicts *cache.Cache[probeVerdict]
}

// NewResolver creates a resolver backed by the given tunnel pool.
func NewResolver(pool Reserver, cfg ResolverConfig) (*Resolver, error) {
	if cfg.ProbeTTL <= 0 {
		cfg.ProbeTTL = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}

	declined := make(map[string]bool, len(cfg.DeclinedScopes))
	for _, s := range cfg.DeclinedScopes {
		declined[s] = true
	}

	verdicts, err := cache.New[probeVerdict](1024, cfg.Clock)
	if err != nil {
		return nil, err
	}

	return &Resolver{
		pool:     pool,
		prober:   cfg.Prober,
		probeTTL: cfg.ProbeTTL,
		declined: declined,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		verdicts: verdicts,
	}, nil
}

// ResolveAll resolves a plan for every record, preserving order.
func (r *Resolver) ResolveAll(ctx context.Context, records []fleet.NodeRecord) []Plan {
	plans := make([]Plan, len(records))
	for i, rec := range records {
		plans[i] = r.Resolve(ctx, rec)
	}
	return plans
}

// Resolve decides the connection plan for one node: direct when the
// public address is usable, relayed when the node is relay-eligible,
// unreachable otherwise. Within a round the decision is idempotent:
// the pool coalesces relay reservations, so resolving the same record
// again yields the same plan instead of a duplicate relay.
func (r *Resolver) Resolve(ctx context.Context, rec fleet.NodeRecord) Plan {
	plan := Plan{
		Node:          rec,
		EstablishedAt: r.clock.Now(),
	}

	if rec.State == fleet.StateStopped {
		plan.Mode = ModeUnreachable
		plan.Reason = ReasonStopped
		r.record(plan)
		return plan
	}

	if rec.PublicAddr != "" && r.directUsable(ctx, rec.PublicAddr) {
		plan.Mode = ModeDirect
		plan.Endpoint = rec.PublicAddr
		r.record(plan)
		return plan
	}

	if rec.RelayEligible {
		if r.declined[rec.RelayScope] {
			plan.Mode = ModeUnreachable
			plan.Reason = ReasonRelayDeclined + " " + rec.RelayScope
			r.record(plan)
			return plan
		}
		h := r.pool.Reserve(rec.Name, rec.RelayScope)
		plan.Mode = ModeRelayed
		plan.RelayID = h.RelayID
		plan.Tunnel = h
		r.record(plan)
		return plan
	}

	plan.Mode = ModeUnreachable
	plan.Reason = ReasonNoRoute
	r.record(plan)
	return plan
}

// directUsable reports whether the direct address is not known-bad.
// Probe verdicts are cached so a fast-refreshing live view doesn't
// re-probe every frame.
func (r *Resolver) directUsable(ctx context.Context, addr string) bool {
	if r.prober == nil {
		return true
	}

	v, err := r.verdicts.GetOrFetch(ctx, addr, r.probeTTL, func(ctx context.Context) (probeVerdict, error) {
		if perr := r.prober.Probe(ctx, addr); perr != nil {
			// The verdict, not the probe error, is the cached value:
			// a down node stays known-bad for one TTL.
			return probeVerdict{reachable: false, detail: perr.Error()}, nil
		}
		return probeVerdict{reachable: true}, nil
	})
	if err != nil {
		return false
	}
	if !v.reachable {
		r.logger.Debug("direct address known-bad",
			logging.KeyAddress, addr,
			logging.KeyError, v.detail)
	}
	return v.reachable
}

// record logs and counts a resolved plan.
func (r *Resolver) record(p Plan) {
	if r.metrics != nil {
		r.metrics.RecordPlan(p.Mode.String())
	}
	r.logger.Debug("route resolved",
		logging.KeyNode, p.Node.Name,
		logging.KeyMode, p.Mode.String())
}
