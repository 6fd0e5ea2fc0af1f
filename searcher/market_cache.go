package searcher

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrStaleUpdate      = errors.New("stale update, sequence number not greater than cached")
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrInvalidSnapshot  = errors.New("invalid snapshot")

	// ErrCacheInconsistent means an entry no longer matches its map key.
	// This never happens unless memory was corrupted and is fatal.
	ErrCacheInconsistent = errors.New("market cache internal inconsistency")
)

// SnapshotEvent is the change notification fanned out to detectors after a
// successful update.
type SnapshotEvent struct {
	Snapshot     *MarketSnapshot
	HighPriority bool
}

// MarketCache holds the latest snapshot per (venue, instrument). It is the
// only broadly shared mutable resource of the pipeline: all mutation goes
// through the per-entry lock, updates on disjoint keys proceed in parallel.
type MarketCache struct {
	log             *zap.Logger
	stalenessWindow time.Duration

	mu      sync.RWMutex
	entries map[SnapshotKey]*cacheEntry

	subMu      sync.RWMutex
	subs       []chan SnapshotEvent
	onOverflow func()
}

type cacheEntry struct {
	mu       sync.Mutex
	key      SnapshotKey
	snapshot *MarketSnapshot
	version  uint64
	// evicted marks an entry removed from the map, writes into it would be
	// lost
	evicted bool
}

func NewMarketCache(log *zap.Logger, stalenessWindow time.Duration) *MarketCache {
	if stalenessWindow <= 0 {
		stalenessWindow = DefaultStalenessWindow
	}
	return &MarketCache{
		log:             log.Named("market_cache"),
		stalenessWindow: stalenessWindow,
		entries:         make(map[SnapshotKey]*cacheEntry),
	}
}

// SetOverflowHandler registers the hook invoked when a subscriber channel
// is full. The pipeline treats that as fatal: resource exhaustion must halt
// the stage, not silently drop updates.
func (c *MarketCache) SetOverflowHandler(fn func()) {
	c.subMu.Lock()
	c.onOverflow = fn
	c.subMu.Unlock()
}

// Subscribe registers a change-notification channel. Must be called before
// updates start flowing.
func (c *MarketCache) Subscribe(buffer int) <-chan SnapshotEvent {
	ch := make(chan SnapshotEvent, buffer)
	c.subMu.Lock()
	c.subs = append(c.subs, ch)
	c.subMu.Unlock()
	return ch
}

// Update applies a new snapshot. It fails with ErrStaleUpdate if the
// sequence number is not strictly greater than the cached one, so applying
// the same snapshot twice is a no-op with respect to cache state.
func (c *MarketCache) Update(snapshot *MarketSnapshot, highPriority bool) error {
	if snapshot == nil || snapshot.Venue == "" || snapshot.Instrument == "" {
		return ErrInvalidSnapshot
	}
	key := snapshot.Key()

	entry := c.lockEntry(key)
	if entry.key != key {
		entry.mu.Unlock()
		return ErrCacheInconsistent
	}
	if entry.snapshot != nil && snapshot.Sequence <= entry.snapshot.Sequence {
		cached := entry.snapshot.Sequence
		entry.mu.Unlock()
		c.log.Debug("stale snapshot discarded",
			zap.String("venue", string(key.Venue)),
			zap.String("instrument", string(key.Instrument)),
			zap.Uint64("sequence", uint64(snapshot.Sequence)),
			zap.Uint64("cached_sequence", uint64(cached)),
		)
		return ErrStaleUpdate
	}
	entry.snapshot = snapshot
	entry.version++
	entry.mu.Unlock()

	c.notify(SnapshotEvent{Snapshot: snapshot, HighPriority: highPriority})
	return nil
}

// lockEntry returns the live entry for key with its lock held, creating the
// entry if absent. The staleness sweep can evict an entry between the map
// lookup and acquiring the entry lock; such orphans are retried against the
// map so the write never lands in a deleted entry.
func (c *MarketCache) lockEntry(key SnapshotKey) *cacheEntry {
	for {
		c.mu.RLock()
		entry, ok := c.entries[key]
		c.mu.RUnlock()
		if !ok {
			c.mu.Lock()
			entry, ok = c.entries[key]
			if !ok {
				entry = &cacheEntry{key: key}
				c.entries[key] = entry
			}
			c.mu.Unlock()
		}
		entry.mu.Lock()
		if entry.evicted {
			entry.mu.Unlock()
			continue
		}
		return entry
	}
}

// Get returns the latest snapshot for (venue, instrument).
func (c *MarketCache) Get(venue VenueID, instrument InstrumentID) (*MarketSnapshot, error) {
	c.mu.RLock()
	entry, ok := c.entries[SnapshotKey{Venue: venue, Instrument: instrument}]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	entry.mu.Lock()
	snapshot := entry.snapshot
	entry.mu.Unlock()
	if snapshot == nil {
		return nil, ErrSnapshotNotFound
	}
	return snapshot, nil
}

// Instrument returns the latest snapshot of every venue quoting the
// instrument. Used by the arbitrage detector to compare venues.
func (c *MarketCache) Instrument(instrument InstrumentID) []*MarketSnapshot {
	c.mu.RLock()
	entries := make([]*cacheEntry, 0, len(c.entries))
	for key, entry := range c.entries {
		if key.Instrument == instrument {
			entries = append(entries, entry)
		}
	}
	c.mu.RUnlock()

	snapshots := make([]*MarketSnapshot, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		if entry.snapshot != nil {
			snapshots = append(snapshots, entry.snapshot)
		}
		entry.mu.Unlock()
	}
	return snapshots
}

// EvictStale drops entries whose snapshot is older than the staleness
// window. Returns the number of evicted entries.
func (c *MarketCache) EvictStale(now time.Time) int {
	cutoff := now.Add(-c.stalenessWindow)

	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := 0
	for key, entry := range c.entries {
		entry.mu.Lock()
		stale := entry.snapshot != nil && entry.snapshot.ObservedAt.Before(cutoff)
		if stale {
			entry.evicted = true
		}
		entry.mu.Unlock()
		if stale {
			delete(c.entries, key)
			evicted++
		}
	}
	if evicted > 0 {
		c.log.Debug("evicted stale snapshots", zap.Int("count", evicted))
	}
	return evicted
}

func (c *MarketCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *MarketCache) notify(ev SnapshotEvent) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for _, sub := range c.subs {
		select {
		case sub <- ev:
		default:
			c.log.Error("subscriber channel overflow",
				zap.String("venue", string(ev.Snapshot.Venue)),
				zap.String("instrument", string(ev.Snapshot.Instrument)),
			)
			if c.onOverflow != nil {
				c.onOverflow()
			}
		}
	}
}
