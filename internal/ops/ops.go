// Package ops wires the dispatch core together: directory, resolver,
// tunnel pool, dispatcher and report aggregation behind one façade.
package ops

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"

	"github.com/postalsys/muster/internal/dispatch"
	"github.com/postalsys/muster/internal/fleet"
	"github.com/postalsys/muster/internal/logging"
	"github.com/postalsys/muster/internal/metrics"
	"github.com/postalsys/muster/internal/report"
	"github.com/postalsys/muster/internal/routing"
	"github.com/postalsys/muster/internal/session"
	"github.com/postalsys/muster/internal/tunnel"
)

// Config contains the assembled core components.
type Config struct {
	Directory  *fleet.Directory
	Resolver   *routing.Resolver
	Pool       *tunnel.Pool
	Dispatcher *dispatch.Dispatcher
	Sessions   *session.Tracker

	// SessionListCommand is the remote command that lists terminal
	// sessions.
	SessionListCommand string

	// Clock is the time source; nil means the wall clock.
	Clock clock.Clock

	// Logger for round events; nil discards.
	Logger *slog.Logger

	// Metrics records round activity; nil disables.
	Metrics *metrics.Metrics
}

// RunOptions bound one dispatch round.
type RunOptions struct {
	// Filter narrows the node set.
	Filter fleet.Filter

	// PerNodeTimeout bounds each node's worker.
	PerNodeTimeout time.Duration

	// OverallDeadline, when positive, abandons stragglers past it.
	OverallDeadline time.Duration

	// MaxWorkers bounds concurrent workers.
	MaxWorkers int
}

// Ops is the top-level entry point for fleet operations.
type Ops struct {
	dir        *fleet.Directory
	resolver   *routing.Resolver
	pool       *tunnel.Pool
	dispatcher *dispatch.Dispatcher
	sessions   *session.Tracker
	listCmd    string
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *metrics.Metrics

	mu    sync.Mutex
	round int
}

// New creates the operations façade.
func New(cfg Config) *Ops {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	return &Ops{
		dir:        cfg.Directory,
		resolver:   cfg.Resolver,
		pool:       cfg.Pool,
		dispatcher: cfg.Dispatcher,
		sessions:   cfg.Sessions,
		listCmd:    cfg.SessionListCommand,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}
}

// RunCommand executes a command against every reachable node and
// aggregates the per-node outcomes. Only a discovery failure is
// returned as an error; everything else degrades to per-node results.
func (o *Ops) RunCommand(ctx context.Context, command string, opts RunOptions) (report.Report, error) {
	return o.runRound(ctx, dispatch.Command(command), opts)
}

// Sessions reports each node's active terminal sessions, served from
// the session cache where it is still fresh.
func (o *Ops) Sessions(ctx context.Context, opts RunOptions) (report.Report, error) {
	work := func(ctx context.Context, node string, conn dispatch.Conn) (string, error) {
		sessions, err := o.sessions.List(ctx, node, func(ctx context.Context) (string, error) {
			out, err := conn.Execute(ctx, o.listCmd)
			return string(out), err
		})
		if err != nil {
			return "", err
		}
		return formatSessions(sessions, o.clock.Now()), nil
	}
	return o.runRound(ctx, work, opts)
}

// Nodes lists the current directory snapshot.
func (o *Ops) Nodes(ctx context.Context, filter fleet.Filter) ([]fleet.NodeRecord, error) {
	return o.dir.List(ctx, filter)
}

// Routes resolves the current route plans without dispatching. The
// reservations made for relayed plans are handed straight back to the
// pool; the tunnels stay warm for the next dispatch.
func (o *Ops) Routes(ctx context.Context, filter fleet.Filter) ([]routing.Plan, error) {
	records, err := o.dir.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	plans := o.resolver.ResolveAll(ctx, records)
	for _, p := range plans {
		if p.Tunnel != nil {
			o.pool.Release(p.Tunnel)
		}
	}
	return plans, nil
}

// runRound performs one complete fan-out/fan-in cycle.
func (o *Ops) runRound(ctx context.Context, work dispatch.Work, opts RunOptions) (report.Report, error) {
	start := o.clock.Now()

	records, err := o.dir.List(ctx, opts.Filter)
	if err != nil {
		if o.metrics != nil {
			o.metrics.RecordDiscoveryError()
		}
		return report.Report{}, fmt.Errorf("cannot enumerate fleet: %w", err)
	}
	if o.metrics != nil {
		o.metrics.RecordDiscovery(o.clock.Since(start).Seconds(), len(records))
	}

	plans := o.resolver.ResolveAll(ctx, records)
	results := o.dispatcher.Run(ctx, plans, work, dispatch.Options{
		PerNodeTimeout:  opts.PerNodeTimeout,
		OverallDeadline: opts.OverallDeadline,
		MaxWorkers:      opts.MaxWorkers,
	})

	o.mu.Lock()
	o.round++
	round := o.round
	o.mu.Unlock()

	rep := report.Summarize(round, o.clock.Now(), results)
	o.logger.Info("dispatch round complete",
		logging.KeyRound, round,
		logging.KeyCount, rep.Total(),
		logging.KeyDuration, o.clock.Since(start))
	return rep, nil
}

// Stats is a point-in-time summary for the health endpoint.
type Stats struct {
	Rounds        int `json:"rounds"`
	TunnelsPooled int `json:"tunnels_pooled"`
}

// Stats returns current operation counters.
func (o *Ops) Stats() Stats {
	o.mu.Lock()
	round := o.round
	o.mu.Unlock()
	return Stats{
		Rounds:        round,
		TunnelsPooled: o.pool.Len(),
	}
}

// Close shuts the core down, force-closing all pooled tunnels.
func (o *Ops) Close() error {
	return o.pool.Close()
}

// formatSessions renders a session list as one line per session.
func formatSessions(sessions []session.Session, now time.Time) string {
	if len(sessions) == 0 {
		return "no active sessions"
	}
	var b strings.Builder
	for _, s := range sessions {
		state := "detached"
		if s.Attached {
			state = "attached"
		}
		fmt.Fprintf(&b, "%s\t%d windows\t%s\tcreated %s\n",
			s.Name, s.Windows, state, humanize.RelTime(s.CreatedAt, now, "ago", "from now"))
	}
	return strings.TrimRight(b.String(), "\n")
}
