package ctxstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSetGetRoundTrip(t *testing.T) {
	s := New(Config{})
	defer s.Close()
	s.Set("tenant-1", "scratch", "k", "v")
	v, ok := s.Get("tenant-1", "scratch", "k")
	require.True(t, ok)
	require.Equal(t, "v", v)
}

func TestLRUEvictsOldestBeyondCapacity(t *testing.T) {
	s := New(Config{CacheSize: 2})
	defer s.Close()
	s.Set("t", "ns", "a", 1)
	s.Set("t", "ns", "b", 2)
	s.Set("t", "ns", "c", 3)

	_, ok := s.Get("t", "ns", "a")
	require.False(t, ok)
	_, ok = s.Get("t", "ns", "b")
	require.True(t, ok)
	_, ok = s.Get("t", "ns", "c")
	require.True(t, ok)
	require.Equal(t, int64(1), s.Stats().Evictions)
}

func TestAccessRefreshesRecency(t *testing.T) {
	s := New(Config{CacheSize: 2})
	defer s.Close()
	s.Set("t", "ns", "a", 1)
	s.Set("t", "ns", "b", 2)
	s.Get("t", "ns", "a") // touch a, making b the LRU victim
	s.Set("t", "ns", "c", 3)

	_, ok := s.Get("t", "ns", "b")
	require.False(t, ok)
	_, ok = s.Get("t", "ns", "a")
	require.True(t, ok)
}

func TestIncrementAtomicReadModifyWrite(t *testing.T) {
	s := New(Config{})
	defer s.Close()
	require.Equal(t, 5.0, s.Increment("t", "ns", "counter", 5))
	require.Equal(t, 8.0, s.Increment("t", "ns", "counter", 3))
}

func TestBatchingStagesUntilFlush(t *testing.T) {
	s := New(Config{EnableBatching: true, FlushInterval: time.Hour})
	defer s.Close()
	s.Set("t", "ns", "k", "v")

	v, ok := s.Get("t", "ns", "k")
	require.True(t, ok)
	require.Equal(t, "v", v)
	require.Equal(t, 0, s.ll.Len())

	s.Flush()
	require.Equal(t, 1, s.ll.Len())
}

func TestEvictRemovesFromBothStagedAndLRU(t *testing.T) {
	s := New(Config{})
	defer s.Close()
	s.Set("t", "ns", "k", "v")
	require.True(t, s.Evict("t", "ns", "k"))
	_, ok := s.Get("t", "ns", "k")
	require.False(t, ok)
	require.False(t, s.Evict("t", "ns", "k"))
}

func TestClearTenantOnlyAffectsThatTenant(t *testing.T) {
	s := New(Config{})
	defer s.Close()
	s.Set("t1", "ns", "k", "v1")
	s.Set("t2", "ns", "k", "v2")

	s.ClearTenant("t1")

	_, ok := s.Get("t1", "ns", "k")
	require.False(t, ok)
	v, ok := s.Get("t2", "ns", "k")
	require.True(t, ok)
	require.Equal(t, "v2", v)
}
