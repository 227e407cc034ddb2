package advcache

// cache.go is the facade collaborators use: Get/Set/Remove with fingerprint
// disambiguation, soft/hard/admission limit enforcement and refresh-queue
// scheduling. It holds no mutable state of its own beyond the admission
// policy and metrics sink — all real mutation lives in the shardMap's
// per-shard locks and atomic counters, per spec.md §5.
//
// Grounded on the teacher's top-level Cache[K,V] (pkg/cache.go: New, Put,
// GetOrLoad, Len, SizeBytes, Close) and its functional-options config
// pattern; generalized from a generic loader-driven cache to the spec's
// Entry-shaped, fingerprint-checked Storage surface.
//
// © 2025 advcache authors. MIT License.

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Voskan/advcache/internal/admission"
)

// Storage is the surface spec.md §6 exposes to collaborators: the HTTP
// front door and background workers interact with the cache only through
// this type.
type Storage struct {
	cfg *Config
	m   *shardMap
	adm *admission.Policy

	metrics metricsSink
	logger  *zap.Logger

	sf singleflight.Group

	clock func() int64

	lastAgingsSeen atomic.Int64
}

// New constructs a Storage ready to serve requests. opts follow the
// teacher's functional-option pattern (WithMetrics, WithLogger, ...).
func New(opts ...Option) (*Storage, error) {
	cfg := defaultConfig()
	if err := applyOptions(cfg, opts); err != nil {
		return nil, err
	}

	mode := ModeSampling
	if cfg.Storage.IsListing {
		mode = ModeListing
	}

	s := &Storage{
		cfg:     cfg,
		m:       newShardMap(mode, cfg.Storage.RefreshQueueCapacity),
		adm:     admission.New(cfg.Admission.NumCounters),
		metrics: newMetricsSink(cfg.registry),
		logger:  cfg.logger,
		clock:   monotonicNow,
	}
	return s, nil
}

func monotonicNow() int64 { return time.Now().UnixNano() }

// Get looks up key's shard, disambiguates by fingerprint, and on a hit
// touches the entry (LRU move-to-front, refresh enqueue once past its TTL).
// The returned Entry, if any, is a value-type clone independent of later
// mutation of the stored copy.
func (s *Storage) Get(req *Entry) (*Entry, bool) {
	return s.GetByKey(req.Key, req.Fingerprint)
}

// GetByKey is Get's key/fingerprint-only form, useful when the caller has
// not built a full candidate Entry (e.g. a pure cache probe).
func (s *Storage) GetByKey(key uint64, fingerprint []byte) (*Entry, bool) {
	sh := s.m.shardFor(key)
	stored := sh.get(key)
	if stored == nil {
		s.metrics.incMiss()
		return nil, false
	}
	if !bytesEqual(stored.Fingerprint, fingerprint) {
		// u64 hash collision: different resource, not a hit.
		s.metrics.incMiss()
		return nil, false
	}

	now := s.clock()
	s.touch(sh, key, stored, now)
	s.metrics.incHit()
	return stored, true
}

// touch updates TouchedAt, opportunistically moves the key to the front of
// the shard's LRU, and — if the entry is past its hard TTL (IsExpired) —
// tries to enqueue it for refresh exactly once.
func (s *Storage) touch(sh *shard, key uint64, snapshot *Entry, now int64) {
	live := sh.getLive(key)
	if live == nil {
		return // evicted concurrently between get and touch
	}
	live.Touch(now)
	snapshot.Touch(now)
	sh.touchLRU(key)

	if live.IsExpired(now, s.cfg.Lifetime.expiryConfig()) && live.TryMarkRefreshQueued() {
		if err := sh.enqueueRefresh(key); err != nil {
			// Ring full: clear the flag so a future touch can retry.
			live.ClearRefreshQueued()
			s.logger.Debug("refresh enqueue skipped", zap.Uint64("key", key), zap.Error(err))
		}
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Set inserts or updates new, applying admission gating and hard-limit
// eviction as needed. It returns whether the entry was admitted; a false
// result is not an error — the caller should proxy the request instead of
// surfacing anything to the end user, per spec.md §7.
func (s *Storage) Set(entry *Entry) (admitted bool) {
	s.adm.Record(entry.Key)
	s.publishAgings()

	sh := s.m.shardFor(entry.Key)
	now := s.clock()

	if old := sh.getLive(entry.Key); old != nil && old.IsTheSameFingerprint(entry) {
		if old.IsTheSamePayload(entry) {
			old.Touch(now)
			sh.touchLRU(entry.Key)
			return true
		}
		bytesDelta, _ := sh.set(entry.Key, entry)
		s.m.weight.Add(bytesDelta)
		old.SetFreshAt(now)
		old.ClearRefreshQueued()
		old.Touch(now)
		sh.touchLRU(entry.Key)
		s.publishStat()
		return true
	}

	if s.admissionMemoryLimitOvercome() {
		_, victimKey, found := s.m.pickVictimBySample(2, 8)
		if found {
			if !s.adm.Allow(entry.Key, victimKey) {
				s.metrics.incAdmissionDenied()
				return false
			}
		}
	}

	if s.hardMemoryLimitOvercome() {
		s.evictWithMetrics(s.cfg.Storage.HardMemoryLimit, 32)
	}

	s.m.set(entry.Key, entry)
	s.metrics.incAdmissionAllowed()
	s.publishStat()
	return true
}

// Remove deletes entry's key, publishing the freed-bytes counter.
func (s *Storage) Remove(entry *Entry) (freedBytes int64, hit bool) {
	freedBytes, hit = s.m.remove(entry.Key)
	s.publishStat()
	return freedBytes, hit
}

// Stat returns the map's globally tracked weight and item count.
func (s *Storage) Stat() (weight int64, length int64) {
	return s.m.stat()
}

// Clear resets every shard and the admission sketch.
func (s *Storage) Clear() {
	s.m.clear()
	s.adm.Reset()
	s.publishStat()
}

// ShardStat is a single shard's snapshot, returned by WalkShards.
type ShardStat struct {
	Index        int
	Weight       int64
	Length       int64
	RefreshDepth int
	Hits         uint64
	Misses       uint64
	Evictions    uint64
}

// WalkShards exposes the map's shard iteration to collaborators (e.g. a
// liveness probe inspecting per-shard depth), stopping early if ctx is
// cancelled between shards.
func (s *Storage) WalkShards(ctx context.Context, fn func(ShardStat)) {
	s.m.walkShards(ctx, func(idx int, sh *shard) {
		w, l := sh.sizeAndLen()
		hits, misses, evictions := sh.statsSnapshot()
		fn(ShardStat{
			Index:        idx,
			Weight:       w,
			Length:       l,
			RefreshDepth: sh.refreshQueueLen(),
			Hits:         hits,
			Misses:       misses,
			Evictions:    evictions,
		})
	})
}

// GlobalCounters sums per-shard hit/miss/eviction counters across every
// shard. It is O(numShards) and intended for diagnostics, not the hot path.
func (s *Storage) GlobalCounters() (hits, misses, evictions uint64) {
	s.WalkShards(context.Background(), func(st ShardStat) {
		hits += st.Hits
		misses += st.Misses
		evictions += st.Evictions
	})
	return hits, misses, evictions
}

// VictimContentionCount reports how many sampled-victim deletes have hit a
// contended shard lock within their spin budget and been skipped. It is a
// diagnostic counter, not part of any correctness contract.
func (s *Storage) VictimContentionCount() uint64 {
	return s.m.victimContention.Load()
}

// Fetch is a GetOrLoad-style convenience layered on Get/Set: on a miss it
// calls loader exactly once across concurrent callers for the same key
// (via singleflight, the way the teacher's pkg/loader.go collapses
// concurrent misses) and stores the result.
func (s *Storage) Fetch(ctx context.Context, key uint64, fingerprint []byte, loader func(ctx context.Context, key uint64) (*Entry, error)) (*Entry, error) {
	if e, ok := s.GetByKey(key, fingerprint); ok {
		return e, nil
	}

	v, err, _ := s.sf.Do(keyToString(key), func() (any, error) {
		return loader(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	entry := v.(*Entry)
	s.Set(entry)
	return entry, nil
}

func keyToString(key uint64) string {
	const hexDigits = "0123456789abcdef"
	var buf [16]byte
	for i := 15; i >= 0; i-- {
		buf[i] = hexDigits[key&0xF]
		key >>= 4
	}
	return string(buf[:])
}

// admissionMemoryLimitOvercome reports whether admission gating is enabled
// and the map's logical weight exceeds the admission threshold.
func (s *Storage) admissionMemoryLimitOvercome() bool {
	if !s.cfg.Admission.Enabled() {
		return false
	}
	w, _ := s.m.stat()
	return w > s.cfg.Storage.AdmissionMemoryLimit
}

// hardMemoryLimitOvercome reports whether the map's logical weight exceeds
// the hard limit, requiring synchronous eviction before inserting.
func (s *Storage) hardMemoryLimitOvercome() bool {
	w, _ := s.m.stat()
	return w > s.cfg.Storage.HardMemoryLimit
}

// softMemoryLimitOvercome reports whether the map's logical weight exceeds
// the soft limit; consulted by the background eviction worker.
func (s *Storage) softMemoryLimitOvercome() bool {
	w, _ := s.m.stat()
	return w > s.cfg.Storage.SoftMemoryLimit
}

// evictWithMetrics runs the map's eviction loop and publishes the resulting
// per-mode eviction count to metrics.
func (s *Storage) evictWithMetrics(limit int64, backoff int) int {
	n := s.m.evictUntilWithinLimit(limit, backoff)
	for i := 0; i < n; i++ {
		s.metrics.incEviction(s.m.mode)
	}
	return n
}

func (s *Storage) publishStat() {
	w, l := s.m.stat()
	s.metrics.setWeight(w)
	s.metrics.setLen(l)
}

// publishAgings emits one incSketchAging call per halving pass the admission
// sketch has completed since the last call, turning the sketch's monotonic
// counter into metrics deltas without the sketch depending on a sink itself.
func (s *Storage) publishAgings() {
	cur := s.adm.Agings()
	prev := s.lastAgingsSeen.Swap(cur)
	for i := prev; i < cur; i++ {
		s.metrics.incSketchAging()
	}
}

// refreshQueueDepth sums every shard's refresh ring depth. O(numShards);
// called periodically by the background eviction loop, not the hot path.
func (s *Storage) refreshQueueDepth() int64 {
	var total int64
	for _, sh := range s.m.shards {
		total += int64(sh.refreshQueueLen())
	}
	return total
}

// peekExpiredTTL prefers a key drained from any shard's refresh ring
// (re-validated for freshness before being returned); otherwise it falls
// back to a sampling scan across up to
// SampleShards*SampleGuardFactor shard probes, returning the
// probably-expired entry with the smallest FreshAt.
func (s *Storage) peekExpiredTTL() (*Entry, bool) {
	if e, ok := s.nextQueuedWithExpiredTTL(); ok {
		return e, true
	}
	return s.sampleExpired()
}

func (s *Storage) nextQueuedWithExpiredTTL() (*Entry, bool) {
	now := s.clock()
	cfg := s.cfg.Lifetime.expiryConfig()

	start := s.m.nextShardIdx()
	for i := uint64(0); i < numShards; i++ {
		idx := (start + i) & shardMask
		sh := s.m.shards[idx]
		key, ok := sh.dequeueExpired()
		if !ok {
			continue
		}
		live := sh.getLive(key)
		if live == nil {
			continue // evicted since being queued
		}
		live.ClearRefreshQueued()
		if !live.IsExpired(now, cfg) {
			continue // revalidated fresh since being queued
		}
		return live.Clone(), true
	}
	return nil, false
}

func (s *Storage) sampleExpired() (*Entry, bool) {
	now := s.clock()
	cfg := s.cfg.Lifetime.expiryConfig()
	probes := s.cfg.Refresh.SampleShards * s.cfg.Refresh.SampleGuardFactor

	start := s.m.nextShardIdx()
	var best *Entry
	var bestFresh int64 = 1<<63 - 1

	for i := 0; i < probes; i++ {
		idx := (start + uint64(i)) & shardMask
		sh := s.m.shards[idx]

		if !spinTryRLock(sh, refreshRLockSpins) {
			continue // contended: skip this shard rather than block
		}
		for _, e := range sh.items {
			if !e.IsProbablyExpired(now, cfg) {
				continue
			}
			f := e.FreshAt()
			if best == nil || f < bestFresh {
				bestFresh = f
				best = e.Clone()
			}
		}
		sh.mu.RUnlock()
	}
	return best, best != nil
}
