package advcache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func mkEntry(key uint64, fp string, payload string, now int64) *Entry {
	return NewEntry(key, []byte(fp), []byte(payload), int64(len(payload)), now)
}

func TestShardSetGetRemove(t *testing.T) {
	sh := newShard(true, 16)

	delta, lenDelta := sh.set(1, mkEntry(1, "fp1", "hello", 100))
	require.Equal(t, int64(5), delta)
	require.Equal(t, int64(1), lenDelta)

	got := sh.get(1)
	require.NotNil(t, got)
	require.Equal(t, "hello", string(got.Payload()))

	freed, hit := sh.remove(1)
	require.True(t, hit)
	require.Equal(t, int64(5), freed)

	require.Nil(t, sh.get(1))
}

func TestShardGetReturnsIndependentClone(t *testing.T) {
	sh := newShard(true, 16)
	sh.set(1, mkEntry(1, "fp1", "hello", 100))

	clone := sh.get(1)
	live := sh.getLive(1)
	live.Touch(999)

	require.NotEqual(t, clone.TouchedAt(), live.TouchedAt())
}

func TestShardSetSameFingerprintSwapsPayload(t *testing.T) {
	sh := newShard(true, 16)
	sh.set(1, mkEntry(1, "fp1", "hello", 100))

	delta, lenDelta := sh.set(1, mkEntry(1, "fp1", "goodbye!", 200))
	require.Equal(t, int64(3), delta) // 8 - 5
	require.Equal(t, int64(0), lenDelta)

	got := sh.get(1)
	require.Equal(t, "goodbye!", string(got.Payload()))
}

func TestShardClearResetsLRUAndRefreshQueue(t *testing.T) {
	sh := newShard(true, 16)
	sh.set(1, mkEntry(1, "fp1", "hello", 100))
	sh.enqueueRefresh(1)

	freed, removed := sh.clear()
	require.Equal(t, int64(5), freed)
	require.Equal(t, int64(1), removed)

	require.Nil(t, sh.get(1))
	_, ok := sh.lruPeekTail()
	require.False(t, ok)
	require.Equal(t, 0, sh.refreshQueueLen())
}

func TestShardEvictOneLRUTail(t *testing.T) {
	sh := newShard(true, 16)
	sh.set(1, mkEntry(1, "fp1", "a", 100))
	sh.set(2, mkEntry(2, "fp2", "b", 101))
	sh.set(3, mkEntry(3, "fp3", "c", 102))

	key, ok := sh.lruPeekTail()
	require.True(t, ok)
	require.Equal(t, uint64(1), key)

	freed, didRemove := sh.evictOneLRUTail()
	require.True(t, didRemove)
	require.Equal(t, int64(1), freed)
	require.Nil(t, sh.get(1))
}

func TestShardTouchLRUMovesToFront(t *testing.T) {
	sh := newShard(true, 16)
	sh.set(1, mkEntry(1, "fp1", "a", 100))
	sh.set(2, mkEntry(2, "fp2", "b", 101))

	sh.touchLRU(1)
	key, ok := sh.lruPeekTail()
	require.True(t, ok)
	require.Equal(t, uint64(2), key)
}

func TestShardSampleForVictimAndRemoveSampled(t *testing.T) {
	sh := newShard(false, 16)
	sh.set(1, mkEntry(1, "fp1", "a", 100))
	sh.set(2, mkEntry(2, "fp2", "bb", 50))
	sh.set(3, mkEntry(3, "fp3", "ccc", 200))

	key, touchedAt, ok := sh.sampleForVictim(3)
	require.True(t, ok)
	require.Contains(t, []uint64{1, 2, 3}, key)
	require.Equal(t, int64(50), touchedAt) // entry 2 has the smallest TouchedAt

	freed, didRemove, err := sh.removeSampled(key)
	require.NoError(t, err)
	require.True(t, didRemove)
	require.Positive(t, freed)
	require.Nil(t, sh.get(key))
}

func TestShardRemoveSampledMissingKey(t *testing.T) {
	sh := newShard(false, 16)
	sh.set(1, mkEntry(1, "fp1", "a", 100))

	freed, didRemove, err := sh.removeSampled(999)
	require.NoError(t, err)
	require.False(t, didRemove)
	require.Equal(t, int64(0), freed)
}

func TestShardEnqueueRefreshFullReturnsError(t *testing.T) {
	sh := newShard(false, 2)
	require.NoError(t, sh.enqueueRefresh(1))
	require.NoError(t, sh.enqueueRefresh(2))
	require.ErrorIs(t, sh.enqueueRefresh(3), errRefreshQueueFull)

	key, ok := sh.dequeueExpired()
	require.True(t, ok)
	require.Equal(t, uint64(1), key)
}
