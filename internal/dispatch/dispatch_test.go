package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/postalsys/muster/internal/fleet"
	"github.com/postalsys/muster/internal/routing"
	"github.com/postalsys/muster/internal/tunnel"
)

// fakeConn executes through a configurable function.
type fakeConn struct {
	addr    string
	execute func(ctx context.Context, command string) ([]byte, error)
	closed  atomic.Bool
}

func (c *fakeConn) Execute(ctx context.Context, command string) ([]byte, error) {
	if c.execute != nil {
		return c.execute(ctx, command)
	}
	return []byte("ok from " + c.addr), nil
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

// fakeDialer opens fakeConns, failing or shaping them per address.
type fakeDialer struct {
	mu           sync.Mutex
	failDial     map[string]error
	exec         map[string]func(ctx context.Context, command string) ([]byte, error)
	directOpens  []string
	relayedOpens []string
}

func (d *fakeDialer) OpenDirect(ctx context.Context, addr string) (Conn, error) {
	d.mu.Lock()
	d.directOpens = append(d.directOpens, addr)
	err := d.failDial[addr]
	execute := d.exec[addr]
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &fakeConn{addr: addr, execute: execute}, nil
}

func (d *fakeDialer) OpenRelayed(ctx context.Context, relayEndpoint string) (Conn, error) {
	d.mu.Lock()
	d.relayedOpens = append(d.relayedOpens, relayEndpoint)
	execute := d.exec[relayEndpoint]
	d.mu.Unlock()
	return &fakeConn{addr: relayEndpoint, execute: execute}, nil
}

func (d *fakeDialer) opens() (direct, relayed []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.directOpens...), append([]string(nil), d.relayedOpens...)
}

// nopReleaser satisfies Releaser for rounds without relayed plans.
type nopReleaser struct{}

func (nopReleaser) Release(h *tunnel.Handle) {}

func directPlan(name, addr string) routing.Plan {
	return routing.Plan{
		Node:     fleet.NodeRecord{Name: name, PublicAddr: addr},
		Mode:     routing.ModeDirect,
		Endpoint: addr,
	}
}

func unreachablePlan(name, reason string) routing.Plan {
	return routing.Plan{
		Node:   fleet.NodeRecord{Name: name},
		Mode:   routing.ModeUnreachable,
		Reason: reason,
	}
}

func TestRunOneResultPerPlan(t *testing.T) {
	dialer := &fakeDialer{}
	d := NewDispatcher(DispatcherConfig{Dialer: dialer, Pool: nopReleaser{}})

	plans := []routing.Plan{
		directPlan("a", "10.0.0.1:22"),
		unreachablePlan("b", routing.ReasonNoRoute),
		directPlan("c", "10.0.0.3:22"),
	}
	results := d.Run(context.Background(), plans, Command("uptime"), Options{})

	if len(results) != len(plans) {
		t.Fatalf("expected %d results, got %d", len(plans), len(results))
	}
	for i, p := range plans {
		if results[i].Node != p.Node.Name {
			t.Errorf("position %d: expected %s, got %s", i, p.Node.Name, results[i].Node)
		}
	}
	if results[1].Outcome != OutcomeSkipped {
		t.Errorf("expected skipped for unreachable plan, got %s", results[1].Outcome)
	}
	if results[1].Reason != routing.ReasonNoRoute {
		t.Errorf("skip reason lost: %q", results[1].Reason)
	}
}

func TestSkippedLaunchesNoWorker(t *testing.T) {
	dialer := &fakeDialer{}
	d := NewDispatcher(DispatcherConfig{Dialer: dialer, Pool: nopReleaser{}})

	plans := []routing.Plan{
		unreachablePlan("a", routing.ReasonStopped),
		unreachablePlan("b", routing.ReasonNoRoute),
	}
	results := d.Run(context.Background(), plans, Command("uptime"), Options{})

	direct, relayed := dialer.opens()
	if len(direct)+len(relayed) != 0 {
		t.Errorf("unreachable plans must not dial, got %d opens", len(direct)+len(relayed))
	}
	for _, res := range results {
		if res.Outcome != OutcomeSkipped {
			t.Errorf("%s: expected skipped, got %s", res.Node, res.Outcome)
		}
		if res.Elapsed != 0 {
			t.Errorf("%s: skipped result should have zero elapsed, got %s", res.Node, res.Elapsed)
		}
	}
}

// TestMixedRound covers one round with a success, a hang, a dial
// failure, a command failure, and a skip, and checks the slow node
// never holds up the others.
func TestMixedRound(t *testing.T) {
	dialer := &fakeDialer{
		failDial: map[string]error{
			"10.0.0.3:22": errors.New("connection refused"),
		},
		exec: map[string]func(ctx context.Context, command string) ([]byte, error){
			"10.0.0.2:22": func(ctx context.Context, command string) ([]byte, error) {
				<-ctx.Done() // hangs until the per-node timeout
				return nil, ctx.Err()
			},
			"10.0.0.4:22": func(ctx context.Context, command string) ([]byte, error) {
				return []byte("partial output"), errors.New("exit status 1")
			},
		},
	}
	d := NewDispatcher(DispatcherConfig{Dialer: dialer, Pool: nopReleaser{}})

	plans := []routing.Plan{
		directPlan("alpha", "10.0.0.1:22"),
		directPlan("bravo", "10.0.0.2:22"),
		directPlan("charlie", "10.0.0.3:22"),
		directPlan("delta", "10.0.0.4:22"),
		unreachablePlan("echo", routing.ReasonNoRoute),
	}

	start := time.Now()
	results := d.Run(context.Background(), plans, Command("uptime"), Options{
		PerNodeTimeout: 100 * time.Millisecond,
	})
	elapsed := time.Since(start)

	want := []Outcome{OutcomeSuccess, OutcomeTimeout, OutcomeConnectionFailed, OutcomeCommandFailed, OutcomeSkipped}
	for i, w := range want {
		if results[i].Outcome != w {
			t.Errorf("%s: expected %s, got %s (%s)", results[i].Node, w, results[i].Outcome, results[i].Reason)
		}
	}

	if results[0].Payload != "ok from 10.0.0.1:22" {
		t.Errorf("success payload lost: %q", results[0].Payload)
	}
	if results[3].Payload != "partial output" {
		t.Errorf("command failure should keep partial output, got %q", results[3].Payload)
	}
	if results[2].Reason == "" {
		t.Error("connection failure should carry a reason")
	}

	// The hanging node bounds the round, not the siblings.
	if elapsed > 2*time.Second {
		t.Errorf("round took %s; the hanging node leaked past its timeout", elapsed)
	}
}

func TestBoundedConcurrency(t *testing.T) {
	var running, peak int32

	exec := func(ctx context.Context, command string) ([]byte, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return []byte("ok"), nil
	}

	dialer := &fakeDialer{exec: map[string]func(ctx context.Context, command string) ([]byte, error){}}
	var plans []routing.Plan
	for i := 0; i < 6; i++ {
		addr := fmt.Sprintf("10.0.0.%d:22", i+1)
		dialer.exec[addr] = exec
		plans = append(plans, directPlan(fmt.Sprintf("node-%d", i), addr))
	}

	d := NewDispatcher(DispatcherConfig{Dialer: dialer, Pool: nopReleaser{}})
	results := d.Run(context.Background(), plans, Command("uptime"), Options{MaxWorkers: 2})

	for _, res := range results {
		if res.Outcome != OutcomeSuccess {
			t.Errorf("%s: expected success, got %s", res.Node, res.Outcome)
		}
	}
	if got := atomic.LoadInt32(&peak); got > 2 {
		t.Errorf("expected at most 2 concurrent workers, saw %d", got)
	}
}

func TestFIFOLaunchOrder(t *testing.T) {
	var mu sync.Mutex
	var startOrder []string

	dialer := &fakeDialer{}
	recording := &orderRecordingDialer{inner: dialer, onOpen: func(addr string) {
		mu.Lock()
		startOrder = append(startOrder, addr)
		mu.Unlock()
	}}

	var plans []routing.Plan
	for i := 0; i < 5; i++ {
		plans = append(plans, directPlan(fmt.Sprintf("node-%d", i), fmt.Sprintf("10.0.0.%d:22", i+1)))
	}

	// A single worker slot forces strictly sequential launches, which
	// must follow plan order.
	d := NewDispatcher(DispatcherConfig{Dialer: recording, Pool: nopReleaser{}})
	d.Run(context.Background(), plans, Command("uptime"), Options{MaxWorkers: 1})

	mu.Lock()
	defer mu.Unlock()
	if len(startOrder) != len(plans) {
		t.Fatalf("expected %d launches, got %d", len(plans), len(startOrder))
	}
	for i, addr := range startOrder {
		if addr != plans[i].Endpoint {
			t.Errorf("launch %d: expected %s, got %s", i, plans[i].Endpoint, addr)
			break
		}
	}
}

// orderRecordingDialer wraps a dialer to observe launch order.
type orderRecordingDialer struct {
	inner  Dialer
	onOpen func(addr string)
}

func (d *orderRecordingDialer) OpenDirect(ctx context.Context, addr string) (Conn, error) {
	d.onOpen(addr)
	return d.inner.OpenDirect(ctx, addr)
}

func (d *orderRecordingDialer) OpenRelayed(ctx context.Context, relayEndpoint string) (Conn, error) {
	d.onOpen(relayEndpoint)
	return d.inner.OpenRelayed(ctx, relayEndpoint)
}

func TestOverallDeadlineAbandonsStragglers(t *testing.T) {
	slow := func(ctx context.Context, command string) ([]byte, error) {
		// Deliberately ignores the context; the round must not wait.
		time.Sleep(500 * time.Millisecond)
		return []byte("late"), nil
	}
	dialer := &fakeDialer{
		exec: map[string]func(ctx context.Context, command string) ([]byte, error){
			"10.0.0.1:22": slow,
			"10.0.0.2:22": slow,
		},
	}
	d := NewDispatcher(DispatcherConfig{Dialer: dialer, Pool: nopReleaser{}})

	plans := []routing.Plan{
		directPlan("a", "10.0.0.1:22"),
		directPlan("b", "10.0.0.2:22"),
	}

	start := time.Now()
	results := d.Run(context.Background(), plans, Command("uptime"), Options{
		PerNodeTimeout:  time.Minute,
		OverallDeadline: 50 * time.Millisecond,
	})
	elapsed := time.Since(start)

	if elapsed > 2*time.Second {
		t.Fatalf("round did not respect the overall deadline, took %s", elapsed)
	}
	for _, res := range results {
		if res.Outcome != OutcomeTimeout {
			t.Errorf("%s: expected timeout, got %s", res.Node, res.Outcome)
		}
		if res.Reason != "abandoned at overall deadline" {
			t.Errorf("%s: expected abandonment reason, got %q", res.Node, res.Reason)
		}
	}
}

func TestCallerCancellation(t *testing.T) {
	slow := func(ctx context.Context, command string) ([]byte, error) {
		time.Sleep(500 * time.Millisecond)
		return nil, errors.New("never reached in time")
	}
	dialer := &fakeDialer{
		exec: map[string]func(ctx context.Context, command string) ([]byte, error){
			"10.0.0.1:22": slow,
		},
	}
	d := NewDispatcher(DispatcherConfig{Dialer: dialer, Pool: nopReleaser{}})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	results := d.Run(ctx, []routing.Plan{directPlan("a", "10.0.0.1:22")}, Command("uptime"), Options{
		PerNodeTimeout: time.Minute,
	})

	if results[0].Outcome != OutcomeTimeout {
		t.Fatalf("expected timeout on cancellation, got %s", results[0].Outcome)
	}
	if results[0].Reason != "abandoned: dispatch cancelled" {
		t.Errorf("expected cancellation reason, got %q", results[0].Reason)
	}
}

// stubRelay satisfies tunnel.Relay for relayed-plan tests.
type stubRelay struct {
	endpoint string
	err      error
}

func (r *stubRelay) Create(ctx context.Context, node, scope string) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	return r.endpoint, nil
}

func (r *stubRelay) Destroy(ctx context.Context, endpoint string) error { return nil }

func TestRelayedPlanReleasesTunnel(t *testing.T) {
	pool := tunnel.NewPool(&stubRelay{endpoint: "relay-1:443"}, tunnel.PoolConfig{})
	defer pool.Close()

	dialer := &fakeDialer{}
	d := NewDispatcher(DispatcherConfig{Dialer: dialer, Pool: pool})

	h := pool.Reserve("worker-1", "eu-central")
	plans := []routing.Plan{{
		Node:    fleet.NodeRecord{Name: "worker-1", RelayEligible: true, RelayScope: "eu-central"},
		Mode:    routing.ModeRelayed,
		RelayID: h.RelayID,
		Tunnel:  h,
	}}

	results := d.Run(context.Background(), plans, Command("uptime"), Options{})
	if results[0].Outcome != OutcomeSuccess {
		t.Fatalf("expected success, got %s (%s)", results[0].Outcome, results[0].Reason)
	}

	_, relayed := dialer.opens()
	if len(relayed) != 1 || relayed[0] != "relay-1:443" {
		t.Errorf("expected one relayed open via relay-1:443, got %v", relayed)
	}

	infos := pool.Active()
	if len(infos) != 1 {
		t.Fatalf("expected tunnel kept pooled, got %d entries", len(infos))
	}
	if infos[0].RefCount != 0 {
		t.Errorf("expected handle released after dispatch, refcount %d", infos[0].RefCount)
	}
}

func TestRelayedPlanCreateFailure(t *testing.T) {
	pool := tunnel.NewPool(&stubRelay{err: errors.New("broker unavailable")}, tunnel.PoolConfig{})
	defer pool.Close()

	dialer := &fakeDialer{}
	d := NewDispatcher(DispatcherConfig{Dialer: dialer, Pool: pool})

	h := pool.Reserve("worker-1", "eu-central")
	plans := []routing.Plan{{
		Node:    fleet.NodeRecord{Name: "worker-1", RelayEligible: true, RelayScope: "eu-central"},
		Mode:    routing.ModeRelayed,
		RelayID: h.RelayID,
		Tunnel:  h,
	}}

	results := d.Run(context.Background(), plans, Command("uptime"), Options{})
	if results[0].Outcome != OutcomeConnectionFailed {
		t.Fatalf("expected connection failure, got %s", results[0].Outcome)
	}
	if results[0].Reason == "" {
		t.Error("relay failure should carry a reason")
	}

	_, relayed := dialer.opens()
	if len(relayed) != 0 {
		t.Errorf("failed tunnel must not be dialed, got %v", relayed)
	}
}
