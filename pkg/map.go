package advcache

import (
	"context"
	"sync/atomic"
)

// Mode selects between exact LRU (Listing) and TinyLFU-sampled approximate
// LRU (Sampling) for every shard in a Map.
type Mode uint8

const (
	// ModeListing tracks exact per-shard LRU order via a doubly-linked list.
	ModeListing Mode = iota
	// ModeSampling approximates LRU by reservoir-sampling candidate victims
	// across shards instead of maintaining a list.
	ModeSampling
)

const (
	numShards = 1024
	shardMask = numShards - 1

	shardsSampleEviction = 4
	keysSampleEviction   = 8

	// victimListProbe is how many consecutive round-robin shards
	// pickVictimByList inspects when the map runs in Listing mode.
	victimListProbe = 8

	evictionRLockSpins = 4
	evictionLockSpins  = 4

	// refreshRLockSpins bounds the refresh fallback scan's read-lock
	// acquisition attempts per shard before it gives up and skips the shard
	// rather than blocking, mirroring the original implementation's
	// REFRESH_RLOCK_SPINS.
	refreshRLockSpins = 8

	// earlyStopDelta is the "early stop" window: when an eviction leaves the
	// map at/under the limit and that single eviction freed less than this
	// many bytes, the eviction loop returns right away instead of going round
	// again.
	earlyStopDelta = 8 << 20 // 8 MiB
)

// shardMap owns numShards independent shards plus the global atomic
// counters and round-robin cursor the eviction/sampling loops share.
//
// Grounded on Borislavv-caddy's pkg/storage/sharded.Map (WalkShards,
// atomic global len/mem, round-robin shard iteration) and the teacher's
// per-shard model; SPEC_FULL keeps the spec's synchronous counter
// publication instead of Borislavv-caddy's 100ms polling refresher.
type shardMap struct {
	shards [numShards]*shard
	mode   Mode

	len    atomic.Int64
	weight atomic.Int64
	iter   atomic.Uint64

	// victimContention counts sampled-victim delete attempts that hit
	// errVictimContended (the shard's write lock was not free within the
	// spin budget). The eviction loop already retries on the next backoff
	// tick; this is purely a diagnostic signal.
	victimContention atomic.Uint64
}

func newShardMap(mode Mode, refreshQueueCapacity int) *shardMap {
	m := &shardMap{mode: mode}
	listing := mode == ModeListing
	for i := range m.shards {
		m.shards[i] = newShard(listing, refreshQueueCapacity)
	}
	return m
}

func shardIndex(key uint64) uint64 {
	return key & shardMask
}

func (m *shardMap) shardFor(key uint64) *shard {
	return m.shards[shardIndex(key)]
}

func (m *shardMap) nextShardIdx() uint64 {
	return m.iter.Add(1) & shardMask
}

// get returns a clone of the entry stored under key, or nil.
func (m *shardMap) get(key uint64) *Entry {
	return m.shardFor(key).get(key)
}

// set inserts or updates key and publishes the resulting weight/len deltas
// to the global counters.
func (m *shardMap) set(key uint64, val *Entry) {
	bytesDelta, lenDelta := m.shardFor(key).set(key, val)
	m.weight.Add(bytesDelta)
	m.len.Add(lenDelta)
}

// remove deletes key and publishes the freed bytes to the global counters.
func (m *shardMap) remove(key uint64) (freedBytes int64, hit bool) {
	freedBytes, hit = m.shardFor(key).remove(key)
	if hit {
		m.weight.Add(-freedBytes)
		m.len.Add(-1)
	}
	return freedBytes, hit
}

// stat returns the map's globally tracked weight and length.
func (m *shardMap) stat() (weight int64, length int64) {
	return m.weight.Load(), m.len.Load()
}

// clear resets every shard and zeroes the global counters.
func (m *shardMap) clear() {
	for _, s := range m.shards {
		s.clear()
	}
	m.weight.Store(0)
	m.len.Store(0)
}

// walkShards invokes fn for every shard in index order, stopping early if
// ctx is cancelled between shards.
func (m *shardMap) walkShards(ctx context.Context, fn func(idx int, s *shard)) {
	for i, s := range m.shards {
		if ctx.Err() != nil {
			return
		}
		fn(i, s)
	}
}

// pickVictimByList probes victimListProbe consecutive shards starting
// at the round-robin cursor (Listing mode) and returns the shard index and
// key whose LRU tail has the smallest TouchedAt. Equal TouchedAt values
// favor whichever candidate was found first (stable tie-break).
func (m *shardMap) pickVictimByList() (shardIdx int, key uint64, ok bool) {
	start := m.nextShardIdx()
	var bestTouched int64 = 1<<63 - 1
	found := false

	for i := uint64(0); i < victimListProbe; i++ {
		idx := (start + i) & shardMask
		s := m.shards[idx]
		k, okPeek := s.lruPeekTail()
		if !okPeek {
			continue
		}
		e := s.getLive(k)
		if e == nil {
			continue
		}
		t := e.TouchedAt()
		if !found || t < bestTouched {
			bestTouched = t
			shardIdx = int(idx)
			key = k
			found = true
		}
	}
	return shardIdx, key, found
}

// pickVictimBySample visits up to shardsToVisit round-robin shards, each via
// shard.sampleForVictim (its own bounded read-lock spin), and returns the
// key with the globally smallest TouchedAt seen across all visited shards.
func (m *shardMap) pickVictimBySample(shardsToVisit, keysToSample int) (shardIdx int, key uint64, ok bool) {
	start := m.nextShardIdx()
	var bestTouched int64 = 1<<63 - 1
	found := false

	for i := 0; i < shardsToVisit; i++ {
		idx := (start + uint64(i)) & shardMask
		s := m.shards[idx]

		k, t, okSample := s.sampleForVictim(keysToSample)
		if !okSample {
			continue // empty, or read lock contended past its spin budget
		}
		if !found || t < bestTouched {
			bestTouched = t
			shardIdx = int(idx)
			key = k
			found = true
		}
	}
	return shardIdx, key, found
}

// spinTryRLock attempts to acquire s's read lock up to spins times via
// TryRLock before giving up.
func spinTryRLock(s *shard, spins int) bool {
	for i := 0; i < spins; i++ {
		if s.mu.TryRLock() {
			return true
		}
	}
	return false
}

// evictUntilWithinLimit drives the map's eviction loop: in Listing mode it
// repeatedly pops each chosen shard's LRU tail; in Sampling mode it samples
// a victim across shardsSampleEviction shards and removes it with a
// spin-acquired write lock. It stops as soon as the map is at/under limit
// (checked before every eviction, and right after one that freed less than
// earlyStopDelta bytes), when the map is empty, or when backoff reaches zero.
func (m *shardMap) evictUntilWithinLimit(limit int64, backoff int) (evictions int) {
	for backoff > 0 {
		_, length := m.stat()
		if length == 0 {
			return evictions
		}
		if w, _ := m.stat(); w <= limit {
			return evictions
		}

		var freed int64
		var didEvict bool

		switch m.mode {
		case ModeListing:
			freed, didEvict = m.evictOneListing()
		default:
			freed, didEvict = m.evictOneSampled()
		}

		backoff--
		if !didEvict {
			continue
		}
		evictions++

		if w, _ := m.stat(); w <= limit && freed < earlyStopDelta {
			return evictions
		}
	}
	return evictions
}

func (m *shardMap) evictOneListing() (freed int64, ok bool) {
	shardIdx, _, found := m.pickVictimByList()
	if !found {
		return 0, false
	}
	freed, ok = m.shards[shardIdx].evictOneLRUTail()
	if ok {
		m.weight.Add(-freed)
		m.len.Add(-1)
	}
	return freed, ok
}

func (m *shardMap) evictOneSampled() (freed int64, ok bool) {
	shardIdx, key, found := m.pickVictimBySample(shardsSampleEviction, keysSampleEviction)
	if !found {
		return 0, false
	}
	var err error
	freed, ok, err = m.shards[shardIdx].removeSampled(key)
	if err == errVictimContended {
		m.victimContention.Add(1)
	}
	if !ok {
		return 0, false
	}
	m.weight.Add(-freed)
	m.len.Add(-1)
	return freed, true
}

// spinTryLock attempts to acquire s's write lock up to spins times via
// TryLock before giving up.
func spinTryLock(s *shard, spins int) bool {
	for i := 0; i < spins; i++ {
		if s.mu.TryLock() {
			return true
		}
	}
	return false
}
