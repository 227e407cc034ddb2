package sketch

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIncrementAndEstimate(t *testing.T) {
	s := New(1024, 10)
	require.Equal(t, uint8(0), s.Estimate(42))
	s.Increment(42)
	require.Equal(t, uint8(1), s.Estimate(42))
	s.Increment(42)
	require.Equal(t, uint8(2), s.Estimate(42))
}

func TestSaturatesAtFifteen(t *testing.T) {
	s := New(64, 1_000_000) // huge sample mult so aging never kicks in
	for i := 0; i < 100; i++ {
		s.Increment(7)
	}
	require.Equal(t, uint8(15), s.Estimate(7))
}

func TestCountersStayInRange(t *testing.T) {
	s := New(256, 1_000_000)
	for h := uint64(0); h < 5000; h++ {
		s.Increment(h % 256)
	}
	for _, w := range s.words {
		for shift := uint(0); shift < 64; shift += counterBits {
			v := (w >> shift) & counterMax
			require.LessOrEqual(t, v, uint64(counterMax))
		}
	}
}

func TestAgingHalvesCounters(t *testing.T) {
	s := New(16, 2) // sampleMult * numCounters = 32
	for i := 0; i < 16; i++ {
		s.Increment(uint64(i))
	}
	before := s.Estimate(0)
	require.Greater(t, before, uint8(0))

	// Push adds over the threshold to trigger aging.
	for i := 0; i < 32; i++ {
		s.Increment(uint64(i % 16))
	}
	after := s.Estimate(0)
	require.LessOrEqual(t, after, before+1)
}

func TestConcurrentIncrement(t *testing.T) {
	s := New(1024, 10)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				s.Increment(99)
			}
		}()
	}
	wg.Wait()
	// Lossy under contention is allowed, but it must never exceed the max.
	require.LessOrEqual(t, s.Estimate(99), uint8(15))
}

func TestResetZeroesCounters(t *testing.T) {
	s := New(64, 10)
	s.Increment(3)
	s.Reset()
	require.Equal(t, uint8(0), s.Estimate(3))
}
