package advcache

import (
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/Voskan/advcache/internal/lru"
	"github.com/Voskan/advcache/internal/refreshqueue"
)

// shard owns one independent segment of the key space: a map of entries, an
// optional exact-LRU list, a bounded refresh queue and atomic size/weight
// counters, all guarded by a single reader/writer lock.
//
// Grounded on the teacher's shard[K,V] (pkg/cache.go): RWMutex-guarded map,
// atomic hit/miss/eviction counters, optimistic-read-then-upgrade insert
// path. Generalized to the spec's fixed uint64-keyed, *Entry-valued shape and
// extended with the LRU list + refresh queue the teacher's CLOCK-Pro
// variant did not need.
type shard struct {
	mu sync.RWMutex

	items map[uint64]*Entry
	lruOn bool
	lru   *lru.List

	rq *refreshqueue.Queue

	weight atomic.Int64
	len    atomic.Int64

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

func newShard(listing bool, refreshQueueCapacity int) *shard {
	s := &shard{
		items: make(map[uint64]*Entry, 1024),
		rq:    refreshqueue.New(refreshQueueCapacity),
	}
	if listing {
		s.lru = lru.New()
		s.lruOn = true
	}
	return s
}

// get returns a clone of the stored entry under a shared lock, or nil if
// absent. A clone is returned rather than the stored pointer so that the
// caller's reference stays valid independently of later mutation of the
// stored copy (e.g. a concurrent Set's SwapPayloads), per the entry's
// value-type semantics. The caller is responsible for fingerprint
// disambiguation and LRU touch-on-hit (see Storage.Get in cache.go), since
// those require config and timing the shard itself does not own.
func (s *shard) get(key uint64) *Entry {
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		s.misses.Add(1)
		return nil
	}
	s.hits.Add(1)
	return e.Clone()
}

// getLive returns the live stored *Entry pointer (not a clone) for
// operations that must mutate the stored copy in place under the shard's
// own synchronization, such as the refresh-queue guard in Storage.Get.
func (s *shard) getLive(key uint64) *Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.items[key]
}

// set inserts key->val if absent, replaces the existing entry's payload in
// place if val carries the same fingerprint (same logical resource,
// refreshed), or replaces the stored entry outright if the fingerprint
// differs (u64 hash collision). It returns the signed weight delta and length
// delta the caller must publish to the map's global counters.
func (s *shard) set(key uint64, val *Entry) (bytesDelta int64, lenDelta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.items[key]; ok && old.IsTheSameFingerprint(val) {
		delta := old.SwapPayloads(val)
		s.weight.Add(delta)
		if s.lruOn {
			s.lru.MoveToFront(key)
		}
		return delta, 0
	}

	if old, ok := s.items[key]; ok {
		// Hash collision: val takes the slot, so only the weight difference
		// is published and the item count is unchanged.
		s.items[key] = val
		delta := val.Weight() - old.Weight()
		s.weight.Add(delta)
		if s.lruOn {
			s.lru.MoveToFront(key)
		}
		return delta, 0
	}

	s.items[key] = val
	s.weight.Add(val.Weight())
	s.len.Add(1)
	if s.lruOn {
		s.lru.PushFront(key)
	}
	return val.Weight(), 1
}

// remove deletes key from the shard, returning the bytes freed and whether
// the key was present.
func (s *shard) remove(key uint64) (freedBytes int64, hit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[key]
	if !ok {
		return 0, false
	}
	delete(s.items, key)
	s.weight.Add(-e.Weight())
	s.len.Add(-1)
	if s.lruOn {
		s.lru.Remove(key)
	}
	return e.Weight(), true
}

// clear resets the shard to empty: item map, LRU list and refresh queue are
// all reset together, per the original implementation's shard-level Clear
// semantics (spec.md's distillation only mentions the item map).
func (s *shard) clear() (freedBytes int64, itemsRemoved int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	freedBytes = s.weight.Load()
	itemsRemoved = s.len.Load()

	s.items = make(map[uint64]*Entry, 1024)
	if s.lru != nil {
		s.lru.Clear()
	}
	s.rq.Clear()
	s.weight.Store(0)
	s.len.Store(0)
	return freedBytes, itemsRemoved
}

// enableLRU turns on exact-LRU tracking, rebuilding the list from the
// current item set. Existing order is approximated by map iteration order
// (undefined), since no ordering was tracked while LRU was off.
func (s *shard) enableLRU() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lruOn {
		return
	}
	s.lru = lru.New()
	for k := range s.items {
		s.lru.PushFront(k)
	}
	s.lruOn = true
}

// disableLRU turns off exact-LRU tracking and discards the list; subsequent
// list operations become no-ops until re-enabled.
func (s *shard) disableLRU() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lruOn = false
	s.lru = nil
}

// touchLRU opportunistically moves key to the front of the LRU list. If the
// write lock is contended, the touch is skipped: LRU order is a best-effort
// hint here, never a correctness contract, per the spec's "opportunistic
// touch" design note.
func (s *shard) touchLRU(key uint64) {
	if !s.lruOn {
		return
	}
	if !s.mu.TryLock() {
		return
	}
	defer s.mu.Unlock()
	if s.lruOn && s.lru != nil {
		s.lru.MoveToFront(key)
	}
}

// lruPeekTail returns the current LRU tail key without mutating state.
func (s *shard) lruPeekTail() (key uint64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.lruOn || s.lru == nil {
		return 0, false
	}
	return s.lru.PeekTail()
}

// evictOneLRUTail removes the current LRU tail together with its map entry,
// updating weight/len counters. It is the Listing-mode eviction primitive
// driven by Map.evictUntilWithinLimit.
func (s *shard) evictOneLRUTail() (freedBytes int64, didRemove bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.lruOn || s.lru == nil {
		return 0, false
	}
	key, ok := s.lru.PopTail()
	if !ok {
		return 0, false
	}
	e, ok := s.items[key]
	if !ok {
		return 0, false
	}
	delete(s.items, key)
	s.weight.Add(-e.Weight())
	s.len.Add(-1)
	s.evictions.Add(1)
	return e.Weight(), true
}

// removeSampled deletes a specific victim key chosen by the map's sampling
// scan under a bounded write-lock spin, returning the freed bytes. It
// returns errVictimContended if the lock could not be acquired within
// evictionLockSpins, and (0, false, nil) if the key was already gone by the
// time the lock was acquired; callers treat both as "try the next victim
// candidate" but may log the contended case differently.
func (s *shard) removeSampled(key uint64) (freedBytes int64, didRemove bool, err error) {
	if !spinTryLock(s, evictionLockSpins) {
		return 0, false, errVictimContended
	}
	defer s.mu.Unlock()

	e, ok := s.items[key]
	if !ok {
		return 0, false, nil
	}
	delete(s.items, key)
	s.weight.Add(-e.Weight())
	s.len.Add(-1)
	s.evictions.Add(1)
	if s.lruOn && s.lru != nil {
		s.lru.Remove(key)
	}
	return e.Weight(), true, nil
}

// sampleForVictim spin-acquires the shard's read lock (bounded by
// evictionRLockSpins, skipping the shard on exhaustion) and scans up to n
// entries starting at a random offset (reservoir-style), returning the one
// with the smallest TouchedAt. Used by Sampling-mode victim selection.
func (s *shard) sampleForVictim(n int) (key uint64, touchedAt int64, ok bool) {
	if !spinTryRLock(s, evictionRLockSpins) {
		return 0, 0, false
	}
	defer s.mu.RUnlock()

	if len(s.items) == 0 {
		return 0, 0, false
	}
	skip := 0
	if len(s.items) > n {
		skip = rand.Intn(len(s.items) - n + 1)
	}
	min := int64(1<<63 - 1)
	found := false
	i, seen := 0, 0
	for k, e := range s.items {
		if i < skip {
			i++
			continue
		}
		if seen >= n {
			break
		}
		seen++
		t := e.TouchedAt()
		if !found || t < min {
			min = t
			key = k
			found = true
		}
	}
	return key, min, found
}

// enqueueRefresh pushes key onto the shard's refresh ring. Returns
// errRefreshQueueFull if the ring is at capacity; the caller (Storage.touch)
// is responsible for clearing the entry's refresh-queued flag on failure.
func (s *shard) enqueueRefresh(key uint64) error {
	if s.rq.TryPush(key) {
		return nil
	}
	return errRefreshQueueFull
}

// dequeueExpired pops the next candidate key from the refresh ring.
func (s *shard) dequeueExpired() (key uint64, ok bool) {
	return s.rq.TryPop()
}

// statsSnapshot returns the shard's atomic hit/miss/eviction counters.
func (s *shard) statsSnapshot() (hits, misses, evictions uint64) {
	return s.hits.Load(), s.misses.Load(), s.evictions.Load()
}

// sizeAndLen returns the shard's current weight and item count.
func (s *shard) sizeAndLen() (weight int64, length int64) {
	return s.weight.Load(), s.len.Load()
}

// refreshQueueLen reports how many keys are currently queued for refresh.
func (s *shard) refreshQueueLen() int {
	return s.rq.Len()
}
