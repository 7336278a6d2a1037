// Package dedup suppresses re-delivery of the same logical event within a
// configurable time window.
//
// Membership is keyed by the composite (device, sequence, schemaVersion)
// tuple and distributed across murmur3-selected shards so concurrent events
// for different devices rarely contend. Each shard pairs an exact map with a
// bloom pre-filter that answers "definitely new" without touching the map's
// expiry bookkeeping. Expired keys are evicted lazily on access and by a
// background sweeper; eviction only frees space, it never reintroduces a key.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/vigilwear/vigil/pkg/types"
)

// Result is the outcome of a duplicate check.
type Result struct {
	// Duplicate is true when the key was seen within the window
	Duplicate bool

	// DecisionID is the previously recorded decision for a duplicate key
	DecisionID string
}

type entry struct {
	decisionID string
	expiresAt  time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]entry
	bloom   *bloomFilter
}

// Checker is the time-windowed membership structure.
type Checker struct {
	shards     []*shard
	shardCount uint32
	window     time.Duration
	sweepEvery time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	now func() time.Time // overridable for tests
}

// Config holds deduplicator settings.
type Config struct {
	// Window is the retention span for remembered keys
	Window time.Duration

	// Shards is the number of hash shards
	Shards int

	// SweepInterval is how often the background sweeper runs
	SweepInterval time.Duration

	// ExpectedKeysPerShard sizes each shard's bloom filter
	ExpectedKeysPerShard int
}

// NewChecker creates a deduplicator with the given configuration.
func NewChecker(cfg Config) *Checker {
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	if cfg.Shards <= 0 {
		cfg.Shards = 16
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.ExpectedKeysPerShard <= 0 {
		cfg.ExpectedKeysPerShard = 4096
	}

	shards := make([]*shard, cfg.Shards)
	for i := range shards {
		shards[i] = &shard{
			entries: make(map[string]entry),
			bloom:   newBloomFilter(cfg.ExpectedKeysPerShard, 0.01),
		}
	}

	return &Checker{
		shards:     shards,
		shardCount: uint32(cfg.Shards),
		window:     cfg.Window,
		sweepEvery: cfg.SweepInterval,
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
		now:        time.Now,
	}
}

// Start runs the background sweeper until the context is cancelled or Close
// is called.
func (c *Checker) Start(ctx context.Context) {
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.sweepEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}

// Close stops the background sweeper.
func (c *Checker) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Check reports whether the key was already recorded within the window.
// Expired entries are evicted on the spot and count as new.
func (c *Checker) Check(key types.DedupKey) Result {
	k := key.String()
	s := c.shardFor(k)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.bloom.contains(k) {
		return Result{Duplicate: false}
	}

	e, ok := s.entries[k]
	if !ok {
		// Bloom false positive.
		return Result{Duplicate: false}
	}

	if c.now().After(e.expiresAt) {
		delete(s.entries, k)
		return Result{Duplicate: false}
	}

	return Result{Duplicate: true, DecisionID: e.decisionID}
}

// Record remembers a key and the decision recorded for it. Recording an
// already-present key keeps the original decision.
func (c *Checker) Record(key types.DedupKey, decisionID string) {
	k := key.String()
	s := c.shardFor(k)

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[k]; ok && !c.now().After(e.expiresAt) {
		return
	}

	s.entries[k] = entry{
		decisionID: decisionID,
		expiresAt:  c.now().Add(c.window),
	}
	s.bloom.add(k)
}

// Sweep evicts expired keys from all shards and rebuilds each shard's bloom
// filter from the surviving keys.
func (c *Checker) Sweep() {
	now := c.now()
	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			if now.After(e.expiresAt) {
				delete(s.entries, k)
			}
		}
		s.bloom.reset()
		for k := range s.entries {
			s.bloom.add(k)
		}
		s.mu.Unlock()
	}
}

// Len returns the number of live keys across all shards.
func (c *Checker) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.Lock()
		total += len(s.entries)
		s.mu.Unlock()
	}
	return total
}

// shardFor selects the shard for a key by murmur3 hash.
func (c *Checker) shardFor(key string) *shard {
	return c.shards[murmur3.Sum32([]byte(key))%c.shardCount]
}
