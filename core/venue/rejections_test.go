package venue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRejectionCache_PutAndReason(t *testing.T) {
	cache := NewRejectionCache()

	cache.Put("order-1", "EC_PostOnlyWillTakeLiquidity")

	reason, ok := cache.Reason("order-1")
	require.True(t, ok)
	require.Equal(t, "EC_PostOnlyWillTakeLiquidity", reason)

	_, ok = cache.Reason("order-2")
	require.False(t, ok)
}

func TestRejectionCache_IgnoresEmptyOrderID(t *testing.T) {
	cache := NewRejectionCache()

	cache.Put("", "whatever")

	_, ok := cache.Reason("")
	require.False(t, ok)
}

func TestRejectionCache_ExpiresEntries(t *testing.T) {
	now := time.Now()
	cache := NewRejectionCache()
	cache.now = func() time.Time { return now }

	cache.Put("order-1", "rejected")

	now = now.Add(rejectionTTL + time.Second)
	_, ok := cache.Reason("order-1")
	require.False(t, ok)

	// Expired entries are pruned on the next write.
	cache.Put("order-2", "rejected")
	cache.mu.Lock()
	_, stillThere := cache.entries["order-1"]
	cache.mu.Unlock()
	require.False(t, stillThere)
}
