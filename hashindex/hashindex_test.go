package hashindex

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/snapread/snapread/arena"
)

func buildWithRows(t *testing.T, n int) (*Index, *arena.Arena, map[string]uint32) {
	t.Helper()
	a := arena.New(1024)
	idx := Build(CapacityFor(uint32(n)), a)
	payloadLen := make(map[string]uint32)
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		val := []byte(fmt.Sprintf("value-for-%d", i))
		off := a.StoreFramed(val)
		require.True(t, idx.Insert(key, off, uint32(len(val))))
		payloadLen[string(key)] = uint32(len(val))
	}
	idx.Finalize()
	return idx, a, payloadLen
}

func TestInsertThenGetFindsKey(t *testing.T) {
	idx, _, _ := buildWithRows(t, 200)
	for i := 0; i < 200; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		b, ok := idx.Get(key)
		require.True(t, ok)
		require.Equal(t, key, b.KeyRef)
	}
}

func TestGetMissReturnsFalse(t *testing.T) {
	idx, _, _ := buildWithRows(t, 10)
	_, ok := idx.Get([]byte("does-not-exist"))
	require.False(t, ok)
}

func TestProbeCountBoundedByOccupancy(t *testing.T) {
	idx, _, _ := buildWithRows(t, 50)
	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		_, ok := idx.Get(key)
		require.True(t, ok)
	}
	stats := idx.Stats()
	var total uint64
	for probes, count := range stats.Probes {
		total += count
		if count > 0 {
			require.LessOrEqual(t, probes, int(idx.Used()+1))
		}
	}
	require.EqualValues(t, 50, total)
}

func TestZeroLengthKey(t *testing.T) {
	a := arena.New(64)
	idx := Build(CapacityFor(1), a)
	off := a.StoreFramed([]byte("v"))
	require.True(t, idx.Insert([]byte{}, off, 1))
	idx.Finalize()
	b, ok := idx.Get([]byte{})
	require.True(t, ok)
	require.Equal(t, []byte{}, b.KeyRef)
}

func TestFramedPayloadRoundTrip(t *testing.T) {
	idx, _, payloadLen := buildWithRows(t, 5)
	for key, l := range payloadLen {
		b, ok := idx.Get([]byte(key))
		require.True(t, ok)
		require.Len(t, b.PayloadRef, int(4+l))
	}
}
