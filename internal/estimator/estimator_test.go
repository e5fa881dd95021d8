package estimator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHashRateNeedsMinimumNonces(t *testing.T) {
	h := NewHashRateBuckets()
	base := time.Unix(1700000000, 0)
	for i := 0; i < 5; i++ {
		h.Add(base.Add(time.Duration(i)*time.Second), 1<<32)
	}
	_, ok := h.HashRate(60)
	require.False(t, ok, "5 nonces should be below the 9-nonce floor")
}

func TestHashRateComputesOnceEnoughNonces(t *testing.T) {
	h := NewHashRateBuckets()
	base := time.Unix(1700000000, 0)
	for i := 0; i < 20; i++ {
		h.Add(base.Add(time.Duration(i)*time.Second), 1.0)
	}
	rate, ok := h.HashRate(60)
	require.True(t, ok)
	require.Greater(t, rate, 0.0)
}

func TestHashRateDropsHistoryAfterLongGap(t *testing.T) {
	h := NewHashRateBuckets()
	base := time.Unix(1700000000, 0)
	for i := 0; i < 20; i++ {
		h.Add(base.Add(time.Duration(i)*time.Second), 1.0)
	}
	h.Add(base.Add(1*time.Hour), 1.0)
	_, ok := h.HashRate(60)
	require.False(t, ok, "a >10s gap must drop prior history")
}

func TestJobBucketsAveragesInterval(t *testing.T) {
	j := NewJobBuckets()
	base := time.Unix(1700000000, 0)
	for i := 0; i < 10; i++ {
		j.Add(base.Add(time.Duration(i) * 2 * time.Second))
	}
	avg, count := j.Summary()
	require.Equal(t, 10, count)
	require.InDelta(t, 2000.0*9/10, avg, 50)
}
