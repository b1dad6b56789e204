package segmentpipe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeper_EvictsExpiredEntries(t *testing.T) {
	cache := NewSegmentCache()
	key := SegmentKey{URL: "https://example/seg.m4s", Variant: "raw"}
	cache.Put(key, []byte("bytes"), "video/mp4")
	cache.entries[key].insertedAt = time.Now().Add(-segmentCacheTTL - time.Second)

	s := NewSweeper(cache, nil)
	require.NoError(t, s.Start())
	defer s.Stop()

	// Len does not apply the TTL itself (Get would), so only the sweep job
	// can bring it to zero; the job fires every 10s.
	require.Eventually(t, func() bool {
		return cache.Len() == 0
	}, 11*time.Second, 50*time.Millisecond)

	assert.Equal(t, 0, cache.Len())
}
