package tunnel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/postalsys/muster/internal/logging"
	"github.com/postalsys/muster/internal/metrics"
)

// Default pool tuning values.
const (
	DefaultSetupTimeout   = 30 * time.Second
	DefaultIdleGrace      = 5 * time.Minute
	DefaultReapInterval   = 30 * time.Second
	DefaultFailureBackoff = 15 * time.Second
)

// PoolConfig contains tunnel pool settings.
type PoolConfig struct {
	// SetupTimeout bounds how long Await blocks for tunnel creation.
	SetupTimeout time.Duration

	// IdleGrace is how long an unreferenced tunnel survives before the
	// reaper tears it down.
	IdleGrace time.Duration

	// ReapInterval is how often the reaper scans the pool.
	ReapInterval time.Duration

	// FailureBackoff throttles creation attempts per scope after a
	// relay failure.
	FailureBackoff time.Duration

	// Clock is the time source; nil means the wall clock.
	Clock clock.Clock

	// Logger for pool events; nil discards.
	Logger *slog.Logger

	// Metrics records pool activity; nil disables.
	Metrics *metrics.Metrics
}

// poolEntry is the pool-internal state of one (node, scope) tunnel.
// The ready channel is closed exactly once, after endpoint or err is
// set; refCount and lastUsed are guarded by the pool mutex.
type poolEntry struct {
	key       string
	relayID   string
	node      string
	scope     string
	createdAt time.Time

	ready    chan struct{}
	endpoint string
	err      error

	refCount  int
	lastUsed  time.Time
	destroyed bool
}

// Pool owns all relay tunnels. At most one live tunnel exists per
// (node, scope) key; concurrent reservations coalesce onto the
// in-flight creation.
type Pool struct {
	relay        Relay
	setupTimeout time.Duration
	idleGrace    time.Duration
	reapInterval time.Duration
	backoff      time.Duration
	clock        clock.Clock
	logger       *slog.Logger
	metrics      *metrics.Metrics

	mu          sync.Mutex
	entries     map[string]*poolEntry
	scopeFailed map[string]bool
	limiters    map[string]*rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a tunnel pool and starts its background reaper.
func NewPool(relay Relay, cfg PoolConfig) *Pool {
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = DefaultSetupTimeout
	}
	if cfg.IdleGrace <= 0 {
		cfg.IdleGrace = DefaultIdleGrace
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultReapInterval
	}
	if cfg.FailureBackoff <= 0 {
		cfg.FailureBackoff = DefaultFailureBackoff
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		relay:        relay,
		setupTimeout: cfg.SetupTimeout,
		idleGrace:    cfg.IdleGrace,
		reapInterval: cfg.ReapInterval,
		backoff:      cfg.FailureBackoff,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		entries:      make(map[string]*poolEntry),
		scopeFailed:  make(map[string]bool),
		limiters:     make(map[string]*rate.Limiter),
		ctx:          ctx,
		cancel:       cancel,
	}

	p.wg.Add(1)
	go p.reapLoop()

	return p
}

// Reserve registers interest in a tunnel for (node, scope) and returns
// a handle immediately. The first reservation for a key starts the
// relay creation; later ones coalesce onto it. Every Reserve must be
// paired with a Release.
func (p *Pool) Reserve(node, scope string) *Handle {
	key := node + "/" + scope

	p.mu.Lock()
	e, ok := p.entries[key]
	if !ok {
		e = &poolEntry{
			key:       key,
			relayID:   uuid.NewString(),
			node:      node,
			scope:     scope,
			createdAt: p.clock.Now(),
			ready:     make(chan struct{}),
			lastUsed:  p.clock.Now(),
		}
		p.entries[key] = e
		p.wg.Add(1)
		go p.establish(e)
	}
	e.refCount++
	e.lastUsed = p.clock.Now()
	p.mu.Unlock()

	return &Handle{
		RelayID: e.relayID,
		Node:    node,
		Scope:   scope,
		pool:    p,
		entry:   e,
	}
}

// Acquire reserves a tunnel and blocks until it is established, the
// context is cancelled, or the setup timeout elapses. On error the
// reservation is released before returning.
func (p *Pool) Acquire(ctx context.Context, node, scope string) (*Handle, error) {
	h := p.Reserve(node, scope)
	if err := h.Await(ctx); err != nil {
		p.Release(h)
		return nil, err
	}
	return h, nil
}

// Release hands a handle back to the pool. It decrements the refcount
// and never closes the tunnel synchronously; the reaper decides final
// teardown timing.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}
	p.mu.Lock()
	if h.entry.refCount > 0 {
		h.entry.refCount--
	}
	h.entry.lastUsed = p.clock.Now()
	p.mu.Unlock()
}

// establish performs the single coalesced relay creation for an entry.
func (p *Pool) establish(e *poolEntry) {
	defer p.wg.Done()

	start := p.clock.Now()

	if err := p.allowCreate(e.scope); err != nil {
		p.finishFailed(e, err)
		return
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.setupTimeout)
	defer cancel()

	endpoint, err := p.relay.Create(ctx, e.node, e.scope)
	if err != nil {
		p.mu.Lock()
		p.scopeFailed[e.scope] = true
		p.mu.Unlock()
		p.finishFailed(e, &Error{Node: e.node, Scope: e.scope, Op: "create", Err: err})
		return
	}

	p.mu.Lock()
	p.scopeFailed[e.scope] = false
	p.mu.Unlock()

	e.endpoint = endpoint
	close(e.ready)

	if p.ctx.Err() != nil {
		// Pool shut down while the relay came up; don't leak it.
		p.destroy(e)
		return
	}

	if p.metrics != nil {
		p.metrics.RecordTunnelCreate(p.clock.Since(start).Seconds())
	}
	p.logger.Info("tunnel established",
		logging.KeyNode, e.node,
		logging.KeyScope, e.scope,
		logging.KeyRelayID, e.relayID,
		logging.KeyEndpoint, endpoint,
		logging.KeyDuration, p.clock.Since(start))
}

// finishFailed records a creation failure, wakes all awaiters, and
// drops the entry so the next round retries.
func (p *Pool) finishFailed(e *poolEntry, err error) {
	e.err = err
	close(e.ready)

	p.mu.Lock()
	if p.entries[e.key] == e {
		delete(p.entries, e.key)
	}
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.RecordTunnelFailure(e.scope)
	}
	p.logger.Warn("tunnel creation failed",
		logging.KeyNode, e.node,
		logging.KeyScope, e.scope,
		logging.KeyError, err)
}

// allowCreate enforces the per-scope backoff after relay failures.
func (p *Pool) allowCreate(scope string) error {
	p.mu.Lock()
	failed := p.scopeFailed[scope]
	lim, ok := p.limiters[scope]
	if !ok {
		lim = rate.NewLimiter(rate.Every(p.backoff), 1)
		p.limiters[scope] = lim
	}
	p.mu.Unlock()

	if !failed {
		return nil
	}
	if !lim.Allow() {
		return &Error{Scope: scope, Op: "backoff", Err: context.DeadlineExceeded}
	}
	return nil
}

// reapLoop periodically tears down idle unreferenced tunnels.
func (p *Pool) reapLoop() {
	defer p.wg.Done()

	ticker := p.clock.Ticker(p.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.Reap()
		}
	}
}

// Reap tears down established tunnels with no references that have been
// idle longer than the grace period. Returns the number reaped.
func (p *Pool) Reap() int {
	now := p.clock.Now()

	p.mu.Lock()
	var victims []*poolEntry
	for key, e := range p.entries {
		select {
		case <-e.ready:
		default:
			continue // still establishing
		}
		if e.err != nil {
			continue
		}
		if e.refCount == 0 && now.Sub(e.lastUsed) > p.idleGrace {
			delete(p.entries, key)
			victims = append(victims, e)
		}
	}
	p.mu.Unlock()

	for _, e := range victims {
		p.destroy(e)
		p.logger.Debug("tunnel reaped",
			logging.KeyNode, e.node,
			logging.KeyRelayID, e.relayID)
	}

	if p.metrics != nil && len(victims) > 0 {
		p.metrics.RecordTunnelReap(len(victims))
	}
	return len(victims)
}

// destroy tears down an entry's relay endpoint exactly once.
// Teardown is best-effort: relay-side absence is not an error.
func (p *Pool) destroy(e *poolEntry) {
	p.mu.Lock()
	if e.destroyed {
		p.mu.Unlock()
		return
	}
	e.destroyed = true
	p.mu.Unlock()

	if e.endpoint == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.relay.Destroy(ctx, e.endpoint); err != nil {
		p.logger.Warn("tunnel teardown failed",
			logging.KeyNode, e.node,
			logging.KeyRelayID, e.relayID,
			logging.KeyError, err)
	}
}

// Active returns snapshots of all pool entries for status output.
func (p *Pool) Active() []Info {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Info, 0, len(p.entries))
	for _, e := range p.entries {
		info := Info{
			RelayID:   e.relayID,
			Node:      e.node,
			Scope:     e.scope,
			CreatedAt: e.createdAt,
			LastUsed:  e.lastUsed,
			RefCount:  e.refCount,
		}
		select {
		case <-e.ready:
			info.Ready = e.err == nil
			info.Failed = e.err != nil
			info.Endpoint = e.endpoint
		default:
		}
		out = append(out, info)
	}
	return out
}

// Len returns the number of pool entries.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close force-closes every pooled tunnel. Only used at process
// shutdown; live-mode cancellation goes through Release instead.
func (p *Pool) Close() error {
	p.cancel()

	p.mu.Lock()
	victims := make([]*poolEntry, 0, len(p.entries))
	for key, e := range p.entries {
		delete(p.entries, key)
		victims = append(victims, e)
	}
	p.mu.Unlock()

	for _, e := range victims {
		select {
		case <-e.ready:
			p.destroy(e)
		default:
			// Creation still in flight; establish() holds the pool
			// context and will abort with it.
		}
	}

	p.wg.Wait()
	return nil
}
