// Package sketch implements a TinyLFU-style Count-Min Sketch with 4-bit
// saturating counters packed 16-per-uint64-word, lock-free CAS-based
// increments, and periodic halving ("aging") so the frequency estimate
// follows a sliding window instead of accumulating forever.
//
// The approach is grounded on agilira-metis's FastTinyLFU admission filter
// (multi-hash Record/Estimate over a frequency table with a periodic reset),
// generalized from metis's one-uint32-per-counter-per-row layout to the
// spec's denser packed 4-bit representation and CAS-guarded single-writer
// aging pass, which is closer to the Caffeine-style sketches this corpus's
// cache authors were clearly drawing on.
//
// © 2025 advcache authors. MIT License.
package sketch

import (
	"sync/atomic"
)

const (
	hashCount         = 4
	counterBits       = 4
	countersPerWord   = 64 / counterBits
	counterMax        = (1 << counterBits) - 1
	defaultSampleMult = 10
	maxCASTries       = 64
	casBackoffEvery   = 8
	casYieldAfter     = 32

	agingMask uint64 = 0x7777777777777777
)

// Sketch is a fixed-size, power-of-two-width Count-Min Sketch. All exported
// methods are safe for concurrent use without external locking.
type Sketch struct {
	words           []uint64 // counterCount/countersPerWord words
	mask            uint64   // counterCount-1, counterCount is a power of two
	sampleMult      int64
	adds            atomic.Int64
	agingInProgress atomic.Bool
	agings          atomic.Int64
}

// New constructs a Sketch sized to hold numCounters 4-bit counters.
// numCounters is rounded up to the next power of two and to a multiple of
// countersPerWord. sampleMultiplier <= 0 is normalized to 10, matching the
// spec's default.
func New(numCounters int, sampleMultiplier int) *Sketch {
	if numCounters <= 0 {
		numCounters = 1024
	}
	n := nextPowerOfTwo(numCounters)
	if n < countersPerWord {
		n = countersPerWord
	}
	if sampleMultiplier <= 0 {
		sampleMultiplier = defaultSampleMult
	}
	return &Sketch{
		words:      make([]uint64, n/countersPerWord),
		mask:       uint64(n - 1),
		sampleMult: int64(sampleMultiplier) * int64(n),
	}
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// splitMix64 is used to derive hashCount independent indices from a single
// 64-bit hash by repeatedly re-mixing it, avoiding the cost of hashCount
// independent hash functions.
func splitMix64(x uint64) uint64 {
	x += 0x9E3779B97F4A7C15
	x = (x ^ (x >> 30)) * 0xBF58476D1CE4E5B9
	x = (x ^ (x >> 27)) * 0x94D049BB133111EB
	x = x ^ (x >> 31)
	return x
}

func (s *Sketch) indices(h uint64) [hashCount]uint64 {
	var idx [hashCount]uint64
	mixed := h
	for i := 0; i < hashCount; i++ {
		mixed = splitMix64(mixed)
		idx[i] = mixed & s.mask
	}
	return idx
}

func wordAndShift(counterIdx uint64) (wordIdx uint64, shift uint) {
	wordIdx = counterIdx / countersPerWord
	shift = uint(counterIdx%countersPerWord) * counterBits
	return
}

// Increment bumps the estimate for h, saturating each of the hashCount
// counters at 15. Under extreme contention a bounded number of CAS retries
// are attempted per counter; if the budget is exhausted the update for that
// counter is silently dropped, per the spec's lossy-under-contention policy.
func (s *Sketch) Increment(h uint64) {
	for _, ci := range s.indices(h) {
		s.incrementCounter(ci)
	}
	s.adds.Add(1)
	s.maybeAge()
}

func (s *Sketch) incrementCounter(counterIdx uint64) {
	wordIdx, shift := wordAndShift(counterIdx)
	word := &s.words[wordIdx]

	for try := 0; try < maxCASTries; try++ {
		old := atomic.LoadUint64(word)
		cur := (old >> shift) & counterMax
		if cur == counterMax {
			return // saturated, nothing to do
		}
		newWord := old + (1 << shift)
		if atomic.CompareAndSwapUint64(word, old, newWord) {
			return
		}
		if try > 0 && try%casBackoffEvery == 0 {
			// Cooperative backoff: yield the P to reduce cache-line ping-pong
			// under heavy contention before retrying.
			cpuBackoff()
		}
		if try == casYieldAfter {
			osYield()
		}
	}
	// Retry budget exhausted: drop the update. The sketch is deliberately
	// lossy under extreme contention to bound worst-case latency.
}

// Estimate returns the minimum of the hashCount counters for h, the
// Count-Min Sketch's frequency estimate.
func (s *Sketch) Estimate(h uint64) uint8 {
	min := uint64(counterMax)
	for _, ci := range s.indices(h) {
		wordIdx, shift := wordAndShift(ci)
		word := atomic.LoadUint64(&s.words[wordIdx])
		v := (word >> shift) & counterMax
		if v < min {
			min = v
		}
	}
	return uint8(min)
}

// maybeAge halves every counter once the running add count crosses
// sampleMultiplier*numCounters, implementing a sliding-window frequency
// estimate. A CAS-guarded flag ensures only one goroutine performs the
// halving pass; concurrent callers that lose the race simply return, and the
// next caller re-evaluates the same threshold.
func (s *Sketch) maybeAge() {
	if s.adds.Load() < s.sampleMult {
		return
	}
	if !s.agingInProgress.CompareAndSwap(false, true) {
		return
	}
	defer s.agingInProgress.Store(false)

	for i := range s.words {
		for {
			old := atomic.LoadUint64(&s.words[i])
			halved := (old >> 1) & agingMask
			if atomic.CompareAndSwapUint64(&s.words[i], old, halved) {
				break
			}
		}
	}
	s.adds.Store(0)
	s.agings.Add(1)
}

// Agings returns the number of completed halving passes, monotonically
// increasing. Callers poll the delta between two reads to emit an aging
// metric without the sketch depending on a metrics sink itself.
func (s *Sketch) Agings() int64 {
	return s.agings.Load()
}

// Reset zeroes every counter and the add counter. Intended for tests and
// Storage.Clear.
func (s *Sketch) Reset() {
	for i := range s.words {
		atomic.StoreUint64(&s.words[i], 0)
	}
	s.adds.Store(0)
}
