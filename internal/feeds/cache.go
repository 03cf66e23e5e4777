// Package feeds caches long-lived market-data feeds keyed by what they
// stream, opening each through a driver registered for its kind and
// disposing feeds nobody has asked for within the feed timeout.
package feeds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/fleetctl/internal/clock"
)

var (
	// ErrUnknownKind is returned by Acquire for a kind with no registered driver.
	ErrUnknownKind = errors.New("unknown feed kind")
	// ErrClosed is returned by Acquire after Close.
	ErrClosed = errors.New("feed cache closed")
)

type Kind string

const (
	KindCandles   Kind = "candles"
	KindOrderBook Kind = "order_book"
)

// Key identifies a feed. Interval is empty for kinds that have none.
type Key struct {
	Kind      Kind   `json:"kind"`
	Connector string `json:"connector"`
	Pair      string `json:"trading_pair"`
	Interval  string `json:"interval,omitempty"`
}

func (k Key) String() string {
	if k.Interval == "" {
		return fmt.Sprintf("%s/%s/%s", k.Kind, k.Connector, k.Pair)
	}
	return fmt.Sprintf("%s/%s/%s/%s", k.Kind, k.Connector, k.Pair, k.Interval)
}

// Snapshot is the most recent data a feed received.
type Snapshot struct {
	Key        Key             `json:"key"`
	Data       json.RawMessage `json:"data"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Feed is an open market-data stream.
type Feed interface {
	// Latest returns the last snapshot, or false if nothing arrived yet.
	Latest() (Snapshot, bool)
	// Dispose releases the feed's resources. It must be safe to call twice.
	Dispose()
	// Done is closed once the feed has stopped for good, with its
	// resources already released.
	Done() <-chan struct{}
}

// Driver opens feeds of one kind.
type Driver interface {
	Open(ctx context.Context, key Key) (Feed, error)
}

// DriverFunc adapts a function to a Driver.
type DriverFunc func(ctx context.Context, key Key) (Feed, error)

func (f DriverFunc) Open(ctx context.Context, key Key) (Feed, error) { return f(ctx, key) }

type Config struct {
	CleanupInterval time.Duration
	FeedTimeout     time.Duration
	// OpenTimeout bounds a driver Open. The open outlives the caller that
	// started it, since concurrent acquirers wait on the same result.
	OpenTimeout time.Duration
}

// FeedInfo describes a cached feed without touching its access time.
type FeedInfo struct {
	Key        Key       `json:"key"`
	LastAccess time.Time `json:"last_access"`
	// ExpiresIn is the number of seconds until the feed becomes eligible
	// for sweeping, floored at zero.
	ExpiresIn float64 `json:"will_expire_in"`
	Alive     bool    `json:"alive"`
}

type entry struct {
	feed       Feed
	lastAccess time.Time
}

// Cache holds open feeds. It is safe for concurrent use.
type Cache struct {
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger
	group  singleflight.Group

	mu      sync.Mutex
	drivers map[Kind]Driver
	entries map[Key]*entry
	closed  bool
}

// NewCache creates a Cache. Zero durations fall back to a 300s cleanup
// interval, a 600s feed timeout and a 15s open timeout.
func NewCache(cfg Config, clk clock.Clock) *Cache {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 300 * time.Second
	}
	if cfg.FeedTimeout <= 0 {
		cfg.FeedTimeout = 600 * time.Second
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 15 * time.Second
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Cache{
		cfg:     cfg,
		clock:   clk,
		logger:  slog.Default(),
		drivers: make(map[Kind]Driver),
		entries: make(map[Key]*entry),
	}
}

// Register installs the driver for kind, replacing any previous one.
func (c *Cache) Register(kind Kind, d Driver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drivers[kind] = d
}

func alive(f Feed) bool {
	select {
	case <-f.Done():
		return false
	default:
		return true
	}
}

// lookup returns the cached feed for key and refreshes its access time.
// A feed that has died is evicted so the caller opens a fresh one.
// Callers hold c.mu.
func (c *Cache) lookup(key Key) (Feed, bool) {
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !alive(e.feed) {
		delete(c.entries, key)
		c.logger.Info("feed dropped by gateway, reopening", "feed", key.String())
		return nil, false
	}
	e.lastAccess = c.clock.Now()
	return e.feed, true
}

// Acquire returns the feed for key, opening it on first use. Concurrent
// first acquires of one key share a single Open.
func (c *Cache) Acquire(ctx context.Context, key Key) (Feed, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if f, ok := c.lookup(key); ok {
		c.mu.Unlock()
		return f, nil
	}
	d, ok := c.drivers[key.Kind]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%q: %w", key.Kind, ErrUnknownKind)
	}

	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		c.mu.Lock()
		if f, ok := c.lookup(key); ok {
			c.mu.Unlock()
			return f, nil
		}
		c.mu.Unlock()

		openCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.OpenTimeout)
		defer cancel()
		f, err := d.Open(openCtx, key)
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", key, err)
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			f.Dispose()
			return nil, ErrClosed
		}
		c.entries[key] = &entry{feed: f, lastAccess: c.clock.Now()}
		c.mu.Unlock()

		c.logger.Debug("feed opened", "feed", key.String())
		return f, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Feed), nil
}

// Sweep disposes every feed idle for longer than the feed timeout, along
// with any that already died, and returns how many were dropped.
func (c *Cache) Sweep() int {
	now := c.clock.Now()

	c.mu.Lock()
	var expired []Feed
	for key, e := range c.entries {
		if now.Sub(e.lastAccess) > c.cfg.FeedTimeout || !alive(e.feed) {
			expired = append(expired, e.feed)
			delete(c.entries, key)
			c.logger.Debug("feed expired", "feed", key.String(), "idle", now.Sub(e.lastAccess))
		}
	}
	c.mu.Unlock()

	for _, f := range expired {
		f.Dispose()
	}
	return len(expired)
}

// Run sweeps every cleanup interval until ctx is cancelled.
func (c *Cache) Run(ctx context.Context) {
	ticker := c.clock.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Info("expired idle feeds", "count", n)
			}
		}
	}
}

// Info lists the cached feeds sorted by key.
func (c *Cache) Info() []FeedInfo {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	infos := make([]FeedInfo, 0, len(c.entries))
	for k, e := range c.entries {
		left := c.cfg.FeedTimeout - now.Sub(e.lastAccess)
		if left < 0 {
			left = 0
		}
		infos = append(infos, FeedInfo{
			Key:        k,
			LastAccess: e.lastAccess,
			ExpiresIn:  left.Seconds(),
			Alive:      alive(e.feed),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key.String() < infos[j].Key.String() })
	return infos
}

// Release disposes the feed for key and drops it from the cache. It
// reports whether the key was cached.
func (c *Cache) Release(key Key) bool {
	c.mu.Lock()
	e, ok := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()

	if !ok {
		return false
	}
	e.feed.Dispose()
	c.logger.Debug("feed released", "feed", key.String())
	return true
}

// Close disposes every feed. Later Acquires fail with ErrClosed.
func (c *Cache) Close() {
	c.mu.Lock()
	c.closed = true
	feeds := make([]Feed, 0, len(c.entries))
	for key, e := range c.entries {
		feeds = append(feeds, e.feed)
		delete(c.entries, key)
	}
	c.mu.Unlock()

	for _, f := range feeds {
		f.Dispose()
	}
}
