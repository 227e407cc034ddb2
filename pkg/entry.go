// Package advcache implements the sharded, bounded-memory cache substrate
// described by the storage layer of a caching HTTP reverse proxy: a
// concurrent key/value index split across independent shards, an
// admission-gated eviction policy (exact LRU or TinyLFU-sampled
// approximate LRU), and a probabilistic early-refresh queue that lets a
// background worker revalidate hot entries before they go stale, without a
// thundering herd.
//
// The HTTP front door, the upstream wire client, tracing and configuration
// parsing all live outside this package; advcache only consumes the small
// Upstream interface in upstream.go.
//
// © 2025 advcache authors. MIT License.
package advcache

import (
	"bytes"
	"math"
	"math/rand"
	"sync/atomic"
)

// Entry is a single cached item. It is built by the facade's collaborator
// from an inbound request (Entry.New-style construction lives with the
// caller; advcache only knows the shape below) and is otherwise opaque to
// the core.
//
// Entries behave like value types with an internally reference-counted
// payload: Clone shares the current payload slice until the next
// SwapPayloads call replaces it, so a reference handed out by Get stays
// valid even if the stored copy is later mutated.
type Entry struct {
	Key         uint64
	Fingerprint []byte

	weight  atomic.Int64
	payload atomic.Pointer[[]byte]

	touchedAt atomic.Int64 // monotonic nanoseconds of last access
	freshAt   atomic.Int64 // monotonic nanoseconds of last refresh

	refreshQueued atomic.Bool
}

// NewEntry builds an Entry for the given key/fingerprint/payload pair. now
// should be a monotonic nanosecond timestamp (time.Now().UnixNano() or
// equivalent); it seeds both TouchedAt and FreshAt.
func NewEntry(key uint64, fingerprint []byte, payload []byte, weight int64, now int64) *Entry {
	e := &Entry{Key: key, Fingerprint: fingerprint}
	e.payload.Store(&payload)
	e.weight.Store(weight)
	e.touchedAt.Store(now)
	e.freshAt.Store(now)
	return e
}

// Clone returns a shallow copy of e: a new *Entry sharing the current
// payload slice, safe to hand to a caller independent of later mutation of
// the stored copy.
func (e *Entry) Clone() *Entry {
	c := &Entry{Key: e.Key, Fingerprint: e.Fingerprint}
	c.payload.Store(e.payload.Load())
	c.weight.Store(e.weight.Load())
	c.touchedAt.Store(e.touchedAt.Load())
	c.freshAt.Store(e.freshAt.Load())
	c.refreshQueued.Store(e.refreshQueued.Load())
	return c
}

// Weight returns the entry's current logical byte weight.
func (e *Entry) Weight() int64 { return e.weight.Load() }

// Payload returns the currently stored payload bytes.
func (e *Entry) Payload() []byte {
	p := e.payload.Load()
	if p == nil {
		return nil
	}
	return *p
}

// TouchedAt returns the monotonic nanosecond timestamp of the last access.
func (e *Entry) TouchedAt() int64 { return e.touchedAt.Load() }

// FreshAt returns the monotonic nanosecond timestamp of the last refresh.
func (e *Entry) FreshAt() int64 { return e.freshAt.Load() }

// Touch updates TouchedAt to now. Called on every cache hit.
func (e *Entry) Touch(now int64) { e.touchedAt.Store(now) }

// IsTheSameFingerprint reports whether e and other share an identical
// fingerprint, disambiguating u64 hash collisions on Key.
func (e *Entry) IsTheSameFingerprint(other *Entry) bool {
	return bytes.Equal(e.Fingerprint, other.Fingerprint)
}

// IsTheSamePayload reports whether e and other currently hold byte-identical
// payloads.
func (e *Entry) IsTheSamePayload(other *Entry) bool {
	return bytes.Equal(e.Payload(), other.Payload())
}

// SwapPayloads stores other's payload and weight into e (each field with its
// own atomic store; other is left unchanged) and returns the signed weight
// delta (other's weight minus e's prior weight) the caller must publish to
// shard/map counters. FreshAt is NOT updated here; callers
// that treat this as a refresh must call Touch/SetFreshAt themselves, per
// the facade's Set contract.
func (e *Entry) SwapPayloads(other *Entry) (bytesDelta int64) {
	newPayload := other.payload.Load()
	oldWeight := e.weight.Load()
	newWeight := other.weight.Load()

	e.payload.Store(newPayload)
	e.weight.Store(newWeight)
	return newWeight - oldWeight
}

// SetFreshAt stamps FreshAt with now, marking the entry as just refreshed.
func (e *Entry) SetFreshAt(now int64) { e.freshAt.Store(now) }

// TryMarkRefreshQueued atomically sets the refresh-queued guard, returning
// true iff this call was the one to set it (at-most-one-enqueue guard).
func (e *Entry) TryMarkRefreshQueued() bool {
	return e.refreshQueued.CompareAndSwap(false, true)
}

// ClearRefreshQueued clears the refresh-queued guard so a future touch may
// enqueue the entry again.
func (e *Entry) ClearRefreshQueued() { e.refreshQueued.Store(false) }

// RefreshQueued reports whether the entry is currently believed to be
// enqueued for refresh.
func (e *Entry) RefreshQueued() bool { return e.refreshQueued.Load() }

// ExpiryConfig bundles the TTL and probabilistic-refresh tunables needed by
// IsExpired/IsProbablyExpired. It is intentionally decoupled from the
// broader Config so Entry's predicates stay pure functions of (now, cfg).
type ExpiryConfig struct {
	TTLNanos int64
	// Coefficient is the fraction of TTL (in (0,1)) before which
	// IsProbablyExpired never returns true.
	Coefficient float64
	// Beta controls how quickly the refresh probability
	// 1 - exp(-Beta*elapsed/TTL), applied once elapsed reaches
	// Coefficient*TTL, rises towards 1 as elapsed time approaches and
	// exceeds TTL.
	Beta float64
}

// IsExpired reports whether the entry is past its hard TTL as of now (a
// monotonic nanosecond timestamp, same clock as NewEntry/Touch).
func (e *Entry) IsExpired(now int64, cfg ExpiryConfig) bool {
	return now-e.freshAt.Load() >= cfg.TTLNanos
}

// IsProbablyExpired implements the early-refresh policy from the spec: given
// elapsed time e since FreshAt, TTL t, coefficient c in (0,1) and steepness
// beta > 0, it returns false while elapsed < c*t, and otherwise returns true
// with probability 1 - exp(-beta*elapsed/t), sampled independently per call
// via the package-level random source (see SeedRandForTests for injection in
// tests).
func (e *Entry) IsProbablyExpired(now int64, cfg ExpiryConfig) bool {
	elapsed := now - e.freshAt.Load()
	if elapsed < 0 {
		elapsed = 0
	}
	if cfg.TTLNanos <= 0 {
		return true
	}
	threshold := int64(cfg.Coefficient * float64(cfg.TTLNanos))
	if elapsed < threshold {
		return false
	}
	p := 1 - math.Exp(-cfg.Beta*float64(elapsed)/float64(cfg.TTLNanos))
	return randSource.Float64() < p
}

// randSource is the package-level random source consulted by
// IsProbablyExpired. Tests that need determinism can replace it via
// SeedRandForTests below.
var randSource = rand.New(rand.NewSource(1))

// SeedRandForTests reseeds the probabilistic-refresh random source
// deterministically. Exposed for tests that verify IsProbablyExpired's
// distributional property (spec scenario S3); not intended for production
// use.
func SeedRandForTests(seed int64) {
	randSource = rand.New(rand.NewSource(seed))
}
