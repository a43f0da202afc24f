// Package session queries and caches per-node multiplexed-terminal
// session state, so a fast-refreshing live view doesn't re-run the
// expensive introspection every frame.
package session

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/postalsys/muster/internal/cache"
	"github.com/postalsys/muster/internal/metrics"
)

// cacheName labels this cache in metrics.
const cacheName = "sessions"

// Session is one long-lived terminal session on a node.
type Session struct {
	// Name is the session name.
	Name string

	// CreatedAt is when the session was created.
	CreatedAt time.Time

	// Attached reports whether a client is currently attached.
	Attached bool

	// Windows is the number of windows in the session.
	Windows int
}

// Parse decodes the list command's tab-separated output: one session
// per line as "name<TAB>created_unix<TAB>attached<TAB>windows". Blank
// output means no sessions.
func Parse(output string) ([]Session, error) {
	output = strings.TrimSpace(output)
	if output == "" {
		return nil, nil
	}

	var sessions []Session
	for i, line := range strings.Split(output, "\n") {
		fields := strings.Split(strings.TrimRight(line, "\r"), "\t")
		if len(fields) != 4 {
			return nil, fmt.Errorf("session list line %d: want 4 fields, got %d", i+1, len(fields))
		}

		created, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("session list line %d: invalid created timestamp: %w", i+1, err)
		}
		attached, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("session list line %d: invalid attached count: %w", i+1, err)
		}
		windows, err := strconv.Atoi(fields[3])
		if err != nil {
			return nil, fmt.Errorf("session list line %d: invalid window count: %w", i+1, err)
		}

		sessions = append(sessions, Session{
			Name:      fields[0],
			CreatedAt: time.Unix(created, 0),
			Attached:  attached > 0,
			Windows:   windows,
		})
	}
	return sessions, nil
}

// Tracker is a read-through cache of per-node session lists.
type Tracker struct {
	cache   *cache.Cache[[]Session]
	ttl     time.Duration
	metrics *metrics.Metrics
}

// NewTracker creates a tracker whose entries expire after ttl.
func NewTracker(ttl time.Duration, clk clock.Clock, m *metrics.Metrics) (*Tracker, error) {
	if ttl <= 0 {
		ttl = 20 * time.Second
	}
	c, err := cache.New[[]Session](4096, clk)
	if err != nil {
		return nil, err
	}
	return &Tracker{cache: c, ttl: ttl, metrics: m}, nil
}

// List returns the node's active sessions, fetching through the given
// function only when the cached list has expired. A failed fetch is
// not cached; the next call retries.
func (t *Tracker) List(ctx context.Context, node string, fetch func(ctx context.Context) (string, error)) ([]Session, error) {
	fetched := false
	sessions, err := t.cache.GetOrFetch(ctx, node, t.ttl, func(ctx context.Context) ([]Session, error) {
		fetched = true
		output, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		return Parse(output)
	})

	if t.metrics != nil {
		if fetched {
			t.metrics.RecordCacheMiss(cacheName)
		} else {
			t.metrics.RecordCacheHit(cacheName)
		}
	}
	return sessions, err
}

// Forget drops a node's cached session list.
func (t *Tracker) Forget(node string) {
	t.cache.Forget(node)
}
