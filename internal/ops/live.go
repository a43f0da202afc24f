package ops

import (
	"context"
	"time"

	"github.com/postalsys/muster/internal/dispatch"
	"github.com/postalsys/muster/internal/report"
)

// WatchOptions configure the live view loop.
type WatchOptions struct {
	// Interval between dispatch rounds.
	Interval time.Duration

	// Command is the unit of work run each round.
	Command string

	// Run bounds each round.
	Run RunOptions
}

// Watch re-resolves, re-dispatches and re-publishes on a fixed interval
// until the context is cancelled. Each round re-reads the directory, so
// nodes appearing or disappearing between rounds simply change the next
// report; tunnels held for vanished nodes are released and left to the
// pool reaper. Cancellation stops issuing new rounds and returns nil;
// a discovery failure ends the watch with its error.
func (o *Ops) Watch(ctx context.Context, opts WatchOptions, sink report.Sink) error {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}

	work := dispatch.Command(opts.Command)
	ticker := o.clock.Ticker(opts.Interval)
	defer ticker.Stop()

	for {
		rep, err := o.runRound(ctx, work, opts.Run)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := sink.Publish(rep); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
