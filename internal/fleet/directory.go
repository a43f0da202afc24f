package fleet

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"

	"github.com/postalsys/muster/internal/logging"
)

// Source produces the raw fleet membership. Implementations make no
// ordering guarantee; the Directory imposes stability.
type Source interface {
	// Discover returns the current node set. Transient failures are
	// reported as *DiscoveryError.
	Discover(ctx context.Context) ([]NodeRecord, error)
}

// Filter narrows a directory listing.
type Filter struct {
	// Names restricts the result to the given node names. Empty means all.
	Names []string

	// States restricts the result to nodes in the given states. Empty
	// means all.
	States []State
}

// Match reports whether a record passes the filter.
func (f Filter) Match(r NodeRecord) bool {
	if len(f.Names) > 0 {
		found := false
		for _, n := range f.Names {
			if n == r.Name {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.States) > 0 {
		found := false
		for _, s := range f.States {
			if s == r.State {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// DirectoryConfig contains directory settings.
type DirectoryConfig struct {
	// TTL bounds how long a discovered node set is reused.
	TTL time.Duration

	// Clock is the time source; nil means the wall clock.
	Clock clock.Clock

	// Logger for discovery events; nil discards.
	Logger *slog.Logger
}

// Directory is a read-through cache of the current fleet membership.
// A cache miss performs exactly one discovery call even under
// concurrent callers.
type Directory struct {
	source Source
	ttl    time.Duration
	clock  clock.Clock
	logger *slog.Logger

	group singleflight.Group

	mu        sync.RWMutex
	snapshot  []NodeRecord
	fetchedAt time.Time
}

// NewDirectory creates a directory backed by the given source.
func NewDirectory(source Source, cfg DirectoryConfig) *Directory {
	if cfg.TTL <= 0 {
		cfg.TTL = 60 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	return &Directory{
		source: source,
		ttl:    cfg.TTL,
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}
}

// List returns the current node set, refreshed from the source when the
// cached snapshot has expired. Ordering is stable (sorted by name).
func (d *Directory) List(ctx context.Context, filter Filter) ([]NodeRecord, error) {
	d.mu.RLock()
	snapshot, fetchedAt := d.snapshot, d.fetchedAt
	d.mu.RUnlock()

	if snapshot == nil || d.clock.Since(fetchedAt) >= d.ttl {
		refreshed, err := d.refresh(ctx)
		if err != nil {
			return nil, err
		}
		snapshot = refreshed
	}

	out := make([]NodeRecord, 0, len(snapshot))
	for _, r := range snapshot {
		if filter.Match(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Invalidate drops the cached snapshot so the next List refreshes.
func (d *Directory) Invalidate() {
	d.mu.Lock()
	d.snapshot = nil
	d.mu.Unlock()
}

// refresh performs a single-flight discovery call and replaces the
// cached snapshot atomically.
func (d *Directory) refresh(ctx context.Context) ([]NodeRecord, error) {
	v, err, _ := d.group.Do("discover", func() (interface{}, error) {
		start := d.clock.Now()
		records, err := d.source.Discover(ctx)
		if err != nil {
			d.logger.Warn("discovery failed", logging.KeyError, err)
			if _, ok := err.(*DiscoveryError); ok {
				return nil, err
			}
			return nil, &DiscoveryError{Source: "source", Err: err}
		}

		snapshot := make([]NodeRecord, len(records))
		copy(snapshot, records)
		sort.Slice(snapshot, func(i, j int) bool {
			return snapshot[i].Name < snapshot[j].Name
		})

		d.mu.Lock()
		d.snapshot = snapshot
		d.fetchedAt = d.clock.Now()
		d.mu.Unlock()

		d.logger.Debug("directory refreshed",
			logging.KeyCount, len(snapshot),
			logging.KeyDuration, d.clock.Since(start))
		return snapshot, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]NodeRecord), nil
}
