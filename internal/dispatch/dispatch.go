package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/postalsys/muster/internal/logging"
	"github.com/postalsys/muster/internal/metrics"
	"github.com/postalsys/muster/internal/routing"
	"github.com/postalsys/muster/internal/tunnel"
)

// Default dispatch tuning values.
const (
	DefaultMaxWorkers  = 10
	DefaultNodeTimeout = 30 * time.Second
)

// Releaser is the subset of the tunnel pool the dispatcher needs.
type Releaser interface {
	Release(h *tunnel.Handle)
}

// Options bound one dispatch round.
type Options struct {
	// PerNodeTimeout bounds each worker independently.
	PerNodeTimeout time.Duration

	// OverallDeadline, when positive, abandons workers still running
	// past it. Zero means the round ends when the last worker does.
	OverallDeadline time.Duration

	// MaxWorkers bounds concurrent workers; excess plans queue FIFO.
	MaxWorkers int
}

// DispatcherConfig contains dispatcher dependencies.
type DispatcherConfig struct {
	// Dialer opens per-node connections.
	Dialer Dialer

	// Pool receives tunnel handles back after relayed work.
	Pool Releaser

	// Clock is the time source; nil means the wall clock.
	Clock clock.Clock

	// Logger for worker events; nil discards.
	Logger *slog.Logger

	// Metrics records round activity; nil disables.
	Metrics *metrics.Metrics
}

// Dispatcher runs units of work against many nodes in parallel.
// Connection and command failures are captured as per-node results,
// never returned as errors; a slow node cannot block its siblings.
type Dispatcher struct {
	dialer  Dialer
	pool    Releaser
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	return &Dispatcher{
		dialer:  cfg.Dialer,
		pool:    cfg.Pool,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// indexed pairs a result with its plan position so the round's result
// ordering matches discovery ordering.
type indexed struct {
	i   int
	res Result
}

// Run executes work against every dispatchable plan. It returns exactly
// one result per plan, in plan order. Unreachable plans yield a skipped
// result without launching a worker.
func (d *Dispatcher) Run(ctx context.Context, plans []routing.Plan, work Work, opts Options) []Result {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = DefaultMaxWorkers
	}
	if opts.PerNodeTimeout <= 0 {
		opts.PerNodeTimeout = DefaultNodeTimeout
	}

	results := make([]Result, len(plans))
	var dispatchIdx []int
	for i, p := range plans {
		if p.Dispatchable() {
			dispatchIdx = append(dispatchIdx, i)
			continue
		}
		results[i] = Result{
			Node:    p.Node.Name,
			Outcome: OutcomeSkipped,
			Reason:  p.Reason,
		}
	}

	if d.metrics != nil {
		d.metrics.RecordRound()
	}
	if len(dispatchIdx) == 0 {
		d.finish(results)
		return results
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if opts.OverallDeadline > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.OverallDeadline)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	// Workers never block sending: the channel holds a full round.
	resCh := make(chan indexed, len(dispatchIdx))

	g := &errgroup.Group{}
	g.SetLimit(opts.MaxWorkers)
	go func() {
		// g.Go blocks while all worker slots are busy, which queues
		// the remaining plans FIFO. Abandoned workers still run (and
		// release their tunnels); they just fail fast on the cancelled
		// context.
		for _, i := range dispatchIdx {
			idx := i
			g.Go(func() error {
				resCh <- indexed{i: idx, res: d.execute(runCtx, plans[idx], work, opts.PerNodeTimeout)}
				return nil
			})
		}
	}()

	done := make(map[int]bool, len(dispatchIdx))
	for len(done) < len(dispatchIdx) {
		select {
		case r := <-resCh:
			results[r.i] = r.res
			done[r.i] = true
		case <-runCtx.Done():
			// Overall deadline (or caller cancellation): abandon the
			// stragglers and record them as timed out.
			reason := "abandoned at overall deadline"
			if errors.Is(runCtx.Err(), context.Canceled) {
				reason = "abandoned: dispatch cancelled"
			}
			for _, i := range dispatchIdx {
				if !done[i] {
					results[i] = Result{
						Node:    plans[i].Node.Name,
						Outcome: OutcomeTimeout,
						Reason:  reason,
						Elapsed: opts.OverallDeadline,
					}
					done[i] = true
				}
			}
		}
	}

	d.finish(results)
	return results
}

// execute runs one node's worker under its own timeout and classifies
// the outcome. It always releases a relayed plan's tunnel handle.
func (d *Dispatcher) execute(ctx context.Context, plan routing.Plan, work Work, timeout time.Duration) Result {
	if d.metrics != nil {
		d.metrics.WorkerStarted()
		defer d.metrics.WorkerFinished()
	}

	start := d.clock.Now()
	res := Result{Node: plan.Node.Name}

	nodeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var conn Conn
	var err error
	switch plan.Mode {
	case routing.ModeDirect:
		conn, err = d.dialer.OpenDirect(nodeCtx, plan.Endpoint)
	case routing.ModeRelayed:
		defer d.pool.Release(plan.Tunnel)
		if err = plan.Tunnel.Await(nodeCtx); err == nil {
			conn, err = d.dialer.OpenRelayed(nodeCtx, plan.Tunnel.Endpoint())
		}
	}
	if err != nil {
		res.Elapsed = d.clock.Since(start)
		if nodeCtx.Err() != nil {
			res.Outcome = OutcomeTimeout
			res.Reason = "timed out connecting"
		} else {
			res.Outcome = OutcomeConnectionFailed
			res.Reason = err.Error()
		}
		return d.logResult(res)
	}
	defer conn.Close()

	payload, err := work(nodeCtx, plan.Node.Name, conn)
	res.Elapsed = d.clock.Since(start)
	res.Payload = payload
	if err != nil {
		if errors.Is(nodeCtx.Err(), context.DeadlineExceeded) {
			res.Outcome = OutcomeTimeout
			res.Reason = "timed out after " + timeout.String()
		} else {
			res.Outcome = OutcomeCommandFailed
			res.Reason = err.Error()
		}
		return d.logResult(res)
	}

	res.Outcome = OutcomeSuccess
	return d.logResult(res)
}

// logResult records one worker's result.
func (d *Dispatcher) logResult(res Result) Result {
	if d.metrics != nil {
		d.metrics.RecordResult(res.Outcome.String(), res.Elapsed.Seconds())
	}
	d.logger.Debug("worker finished",
		logging.KeyNode, res.Node,
		logging.KeyOutcome, res.Outcome.String(),
		logging.KeyDuration, res.Elapsed)
	return res
}

// finish records skipped results that never ran a worker.
func (d *Dispatcher) finish(results []Result) {
	if d.metrics == nil {
		return
	}
	for _, r := range results {
		if r.Outcome == OutcomeSkipped {
			d.metrics.RecordResult(r.Outcome.String(), 0)
		}
	}
}
