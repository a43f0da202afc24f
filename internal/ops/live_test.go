package ops

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/postalsys/muster/internal/fleet"
	"github.com/postalsys/muster/internal/report"
)

// chanSink hands each published report to the test.
type chanSink struct {
	ch  chan report.Report
	err error
}

func (s *chanSink) Publish(rep report.Report) error {
	if s.err != nil {
		return s.err
	}
	s.ch <- rep
	return nil
}

func TestWatchRefreshesOnInterval(t *testing.T) {
	tc := newTestCore(t, []fleet.NodeRecord{
		directNode("alpha", "10.0.0.1:22"),
		relayedNode("worker-1", "eu-central"),
	})

	sink := &chanSink{ch: make(chan report.Report)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- tc.ops.Watch(ctx, WatchOptions{
			Interval: 10 * time.Second,
			Command:  "uptime",
		}, sink)
	}()

	first := <-sink.ch
	if first.Round != 1 {
		t.Errorf("expected round 1, got %d", first.Round)
	}
	if first.Total() != 2 {
		t.Errorf("expected 2 nodes in first round, got %d", first.Total())
	}

	// The relay-eligible node leaves the fleet between rounds. The
	// directory TTL is shorter than the interval, so the next round
	// re-reads the membership.
	tc.source.set([]fleet.NodeRecord{directNode("alpha", "10.0.0.1:22")}, nil)
	tc.clock.Add(10 * time.Second)

	second := <-sink.ch
	if second.Round != 2 {
		t.Errorf("expected round 2, got %d", second.Round)
	}
	if second.Total() != 1 {
		t.Errorf("expected vanished node omitted, got %d nodes", second.Total())
	}

	// The vanished node's tunnel was released, not force-closed; it
	// stays pooled until the reaper collects it.
	if tc.pool.Len() != 1 {
		t.Errorf("expected tunnel left for the reaper, pool has %d", tc.pool.Len())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil on cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not stop on cancellation")
	}
}

func TestWatchDiscoveryFailureEndsWatch(t *testing.T) {
	tc := newTestCore(t, []fleet.NodeRecord{
		directNode("alpha", "10.0.0.1:22"),
	})

	sink := &chanSink{ch: make(chan report.Report)}
	done := make(chan error, 1)
	go func() {
		done <- tc.ops.Watch(context.Background(), WatchOptions{
			Interval: 10 * time.Second,
			Command:  "uptime",
		}, sink)
	}()

	<-sink.ch

	// Discovery starts failing; the next round ends the watch.
	tc.source.set(nil, errors.New("inventory down"))
	tc.clock.Add(10 * time.Second)

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected discovery failure to end the watch")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not end on discovery failure")
	}
}

func TestWatchSinkErrorEndsWatch(t *testing.T) {
	tc := newTestCore(t, []fleet.NodeRecord{
		directNode("alpha", "10.0.0.1:22"),
	})

	boom := errors.New("terminal gone")
	sink := &chanSink{err: boom}

	err := tc.ops.Watch(context.Background(), WatchOptions{
		Interval: 10 * time.Second,
		Command:  "uptime",
	}, sink)
	if !errors.Is(err, boom) {
		t.Errorf("expected sink error surfaced, got %v", err)
	}
}

func TestWatchCancelledBeforeFirstRound(t *testing.T) {
	tc := newTestCore(t, []fleet.NodeRecord{
		directNode("alpha", "10.0.0.1:22"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sink := &chanSink{ch: make(chan report.Report, 1)}
	if err := tc.ops.Watch(ctx, WatchOptions{Interval: 10 * time.Second, Command: "uptime"}, sink); err != nil {
		t.Errorf("expected nil for pre-cancelled watch, got %v", err)
	}
}
