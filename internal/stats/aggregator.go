// Package stats is the self-observing metrics pipeline: an in-memory,
// bounded aggregator of per-(topic, event-type, bucket) counters, flushed
// periodically to durable storage. Best-effort: a crash loses at most one
// unflushed window.
package stats

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marko911/project-tally/internal/platform/storage"
)

// BucketWidth is the fixed aggregation window.
const BucketWidth = 10 * time.Minute

// BucketStart floors t to the containing bucket.
func BucketStart(t time.Time) time.Time {
	return t.UTC().Truncate(BucketWidth)
}

// Key identifies one metric bucket.
type Key struct {
	Topic     string
	EventType string
	Bucket    time.Time
}

// counters are lock-free so concurrent consumer workers recording into the
// same key never contend.
type counters struct {
	total atomic.Int64
	fail  atomic.Int64
	dup   atomic.Int64
}

// bucketMap is a bounded insertion-ordered map of per-key counters.
type bucketMap struct {
	mu      sync.RWMutex
	entries map[Key]*counters
	order   []Key
}

func newBucketMap() *bucketMap {
	return &bucketMap{entries: make(map[Key]*counters)}
}

// counter returns the entry for key, creating it if absent. When the map is
// at capacity the oldest-inserted key is evicted to bound memory under
// unbounded topic/event-type cardinality.
func (m *bucketMap) counter(key Key, capacity int, evicted *atomic.Int64) *counters {
	m.mu.RLock()
	c, ok := m.entries[key]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.entries[key]; ok {
		return c
	}

	if capacity > 0 && len(m.entries) >= capacity {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.entries, oldest)
		evicted.Add(1)
	}

	c = &counters{}
	m.entries[key] = c
	m.order = append(m.order, key)
	return c
}

func (m *bucketMap) reset() {
	m.mu.Lock()
	m.entries = make(map[Key]*counters)
	m.order = nil
	m.mu.Unlock()
}

// Store persists drained deltas. Implemented by storage.StatsRepository.
type Store interface {
	MergeDeltas(ctx context.Context, deltas []storage.StatsDelta) error
}

// Config configures the aggregator.
type Config struct {
	// Capacity bounds the number of live keys per map; 0 means unbounded.
	Capacity int

	// FlushInterval is the fixed schedule for durable flushes.
	FlushInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:      4096,
		FlushInterval: 10 * time.Second,
	}
}

// Aggregator holds two maps, active and flushing. Recorders add into active
// through lock-free per-key counters; Flush swaps the pointers under a short
// lock so the drained map empties undisturbed while new traffic lands in the
// fresh one.
type Aggregator struct {
	cfg    Config
	store  Store
	logger *slog.Logger

	// swapMu is the single coarse lock: held shared by recorders for the
	// duration of one add, exclusively by Flush only for the pointer swap.
	swapMu   sync.RWMutex
	active   *bucketMap
	flushing *bucketMap

	evicted atomic.Int64
	now     func() time.Time
}

// NewAggregator creates an Aggregator writing through store.
func NewAggregator(cfg Config, store Store, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}

	return &Aggregator{
		cfg:      cfg,
		store:    store,
		logger:   logger.With("component", "stats-aggregator"),
		active:   newBucketMap(),
		flushing: newBucketMap(),
		now:      time.Now,
	}
}

// Record adds outcome deltas into the current wall-clock bucket for
// (topic, eventType). Safe for concurrent use.
func (a *Aggregator) Record(topic, eventType string, total, fail, dup int64) {
	key := Key{Topic: topic, EventType: eventType, Bucket: BucketStart(a.now())}
	a.add(key, total, fail, dup)
}

func (a *Aggregator) add(key Key, total, fail, dup int64) {
	a.swapMu.RLock()
	defer a.swapMu.RUnlock()

	c := a.active.counter(key, a.cfg.Capacity, &a.evicted)
	if total != 0 {
		c.total.Add(total)
	}
	if fail != 0 {
		c.fail.Add(fail)
	}
	if dup != 0 {
		c.dup.Add(dup)
	}
}

// Flush swaps the maps and writes the drained counters as merge-upserts. On
// store failure the drained deltas are re-merged into the current active map
// under their original keys, so the next cycle retries them combined with
// newer traffic; nothing is lost.
func (a *Aggregator) Flush(ctx context.Context) error {
	a.swapMu.Lock()
	a.active, a.flushing = a.flushing, a.active
	drained := a.flushing
	a.swapMu.Unlock()

	var deltas []storage.StatsDelta
	for key, c := range drained.entries {
		d := storage.StatsDelta{
			Topic:      key.Topic,
			EventType:  key.EventType,
			BucketTime: key.Bucket,
			Total:      c.total.Load(),
			Fail:       c.fail.Load(),
			Dup:        c.dup.Load(),
		}
		if d.Total == 0 && d.Fail == 0 && d.Dup == 0 {
			continue
		}
		deltas = append(deltas, d)
	}

	if len(deltas) == 0 {
		drained.reset()
		return nil
	}

	if err := a.store.MergeDeltas(ctx, deltas); err != nil {
		for _, d := range deltas {
			key := Key{Topic: d.Topic, EventType: d.EventType, Bucket: d.BucketTime}
			a.add(key, d.Total, d.Fail, d.Dup)
		}
		drained.reset()
		a.logger.Warn("flush failed, deltas re-merged for retry",
			"buckets", len(deltas),
			"error", err,
		)
		return err
	}

	drained.reset()
	a.logger.Debug("flushed stats buckets", "buckets", len(deltas))
	return nil
}

// Evicted returns how many keys were dropped under capacity pressure, for
// operational visibility of lossy degradation.
func (a *Aggregator) Evicted() int64 {
	return a.evicted.Load()
}

// RunFlushLoop flushes on a fixed schedule until the context is cancelled,
// then performs one final drain. Flushes run sequentially and never overlap.
func (a *Aggregator) RunFlushLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := a.Flush(drainCtx); err != nil {
				a.logger.Error("final flush failed", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := a.Flush(ctx); err != nil {
				a.logger.Error("scheduled flush failed", "error", err)
			}
		}
	}
}
