// Package admission implements the TinyLFU admission policy: a new key may
// only displace a sampled victim if its estimated frequency strictly exceeds
// the victim's. Ties favor the incumbent.
//
// Grounded on agilira-metis's FastTinyLFU.ShouldAdmit (estimate-compare over
// a shared Count-Min Sketch), wired here to the advcache internal/sketch
// package rather than metis's own sketch implementation.
//
// © 2025 advcache authors. MIT License.
package admission

import "github.com/Voskan/advcache/internal/sketch"

// Policy wraps a frequency Sketch with the record/allow operations the cache
// facade needs on every Set.
type Policy struct {
	sk *sketch.Sketch
}

// New constructs an admission Policy backed by a Count-Min Sketch sized for
// numCounters entries.
func New(numCounters int) *Policy {
	return &Policy{sk: sketch.New(numCounters, 0)}
}

// Record feeds key's hash into the frequency sketch. Called on every Set,
// win or lose, so the sketch keeps learning popularity even for keys that
// are ultimately rejected.
func (p *Policy) Record(key uint64) {
	p.sk.Increment(key)
}

// Allow reports whether incomingKey may displace victimKey: true iff the
// sketch's estimate for incomingKey is strictly greater than its estimate
// for victimKey. Equal estimates favor the incumbent (victim stays).
func (p *Policy) Allow(incomingKey, victimKey uint64) bool {
	return p.sk.Estimate(incomingKey) > p.sk.Estimate(victimKey)
}

// Reset clears the underlying sketch. Intended for Storage.Clear.
func (p *Policy) Reset() {
	p.sk.Reset()
}

// Agings returns the sketch's monotonically increasing halving-pass count.
func (p *Policy) Agings() int64 {
	return p.sk.Agings()
}
