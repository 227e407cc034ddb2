package advcache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShardMapSetGetRemove(t *testing.T) {
	m := newShardMap(ModeListing, 16)

	m.set(42, mkEntry(42, "fp", "payload", 100))
	got := m.get(42)
	require.NotNil(t, got)

	w, l := m.stat()
	require.Equal(t, int64(7), w)
	require.Equal(t, int64(1), l)

	freed, hit := m.remove(42)
	require.True(t, hit)
	require.Equal(t, int64(7), freed)

	w, l = m.stat()
	require.Equal(t, int64(0), w)
	require.Equal(t, int64(0), l)
}

func TestShardMapWalkShardsStopsOnCancel(t *testing.T) {
	m := newShardMap(ModeListing, 16)
	ctx, cancel := context.WithCancel(context.Background())

	visited := 0
	m.walkShards(ctx, func(idx int, s *shard) {
		visited++
		if visited == 5 {
			cancel()
		}
	})
	require.Equal(t, 5, visited)
}

func TestShardMapEvictUntilWithinLimitListing(t *testing.T) {
	m := newShardMap(ModeListing, 16)
	// Force every key into shard 0 so a single round-robin probe window
	// sees them all, regardless of start offset.
	for i := uint64(0); i < 20; i++ {
		key := i * numShards // key & shardMask == 0 for every i
		m.set(key, mkEntry(key, "fp", "xxxxxxxxxx", 100+int64(i)))
	}

	_, length := m.stat()
	require.Equal(t, int64(20), length)

	// Listing-mode victim selection is a sliding round-robin probe window;
	// give it enough backoff to wrap the full 1024-shard cursor at least
	// once so the single occupied shard is guaranteed to fall in view.
	evicted := m.evictUntilWithinLimit(0, 4096)
	require.Greater(t, evicted, 0)

	w, l := m.stat()
	require.LessOrEqual(t, w, int64(0))
	require.Less(t, l, int64(20))
}

func TestShardMapEvictUntilWithinLimitSampling(t *testing.T) {
	m := newShardMap(ModeSampling, 16)
	for i := uint64(0); i < 200; i++ {
		m.set(i, mkEntry(i, "fp", "xxxxxxxxxx", 100+int64(i)))
	}
	_, before := m.stat()

	evicted := m.evictUntilWithinLimit(0, 4096)
	require.Greater(t, evicted, 0)

	_, after := m.stat()
	require.Less(t, after, before)
}

func TestShardMapClearResetsGlobalCounters(t *testing.T) {
	m := newShardMap(ModeListing, 16)
	m.set(1, mkEntry(1, "fp", "abc", 100))
	m.clear()

	w, l := m.stat()
	require.Equal(t, int64(0), w)
	require.Equal(t, int64(0), l)
	require.Nil(t, m.get(1))
}
