package miner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gekkominer/internal/protocol"
)

func TestWorkRingVisitsEveryJobIDBeforeRepeat(t *testing.T) {
	ds := NewDeviceState(protocol.FamilyBM1387, 0, 0xFB, 0x04)
	span := (int(ds.MaxJobID)-int(ds.MinJobID))/int(ds.AddJobID) + 1
	seen := map[byte]bool{}
	id := ds.JobID
	for i := 0; i < span; i++ {
		require.False(t, seen[id], "job id repeated before full cycle")
		seen[id] = true
		id = ds.NextJobID()
	}
	require.Equal(t, span, len(seen))
}

func TestTicketMaskDifficultyInvariant(t *testing.T) {
	ds := NewDeviceState(protocol.FamilyBM1384, 0, 0x7F, 0x01)
	ds.SetTicketMask(0xFF)
	require.EqualValues(t, 0x100, ds.Difficulty())
	require.True(t, isPowerOfTwo(ds.Difficulty()))
}

func isPowerOfTwo(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}

func TestHashRateIdentityAfterFrequencyChange(t *testing.T) {
	ds := NewDeviceState(protocol.FamilyBM1387, 0, 0x7F, 0x01)
	ds.Chips = 3
	ds.Cores = 114
	ds.SetFrequency(500)
	require.InDelta(t, 171_000_000_000.0, ds.HashRateNow(), 1.0)

	ds.Chips = 2
	require.InDelta(t, 114_000_000_000.0, ds.HashRateNow(), 1.0)
	require.InDelta(t, 37.68, ds.FullscanMs(), 0.01)
}

func TestDupDetectionCountsFirstAsNonceRestAsDups(t *testing.T) {
	ds := NewDeviceState(protocol.FamilyBM1387, 0, 0x7F, 0x01)
	require.False(t, ds.RecordNonce(42))
	require.True(t, ds.RecordNonce(42))
	require.True(t, ds.RecordNonce(42))
	require.EqualValues(t, 1, ds.Nonces)
	require.EqualValues(t, 2, ds.Dups)
}

func TestMonotonicCountersResetOnlyByZeroStats(t *testing.T) {
	ds := NewDeviceState(protocol.FamilyBM1387, 0, 0x7F, 0x01)
	ds.RecordNonce(1)
	ds.RecordNonce(2)
	require.EqualValues(t, 2, ds.Nonces)
	ds.ZeroStats()
	require.Zero(t, ds.Nonces)
}

func TestStashWorkReturnsDisplaced(t *testing.T) {
	ds := NewDeviceState(protocol.FamilyBM1387, 0, 0x7F, 0x01)
	a := &Work{}
	b := &Work{}
	require.Nil(t, ds.StashWork(4, a))
	require.Same(t, a, ds.StashWork(4, b))

	w, active := ds.WorkAt(4)
	require.True(t, active)
	require.Same(t, b, w)
}

func TestFlushClearsActiveWithoutFreeingWork(t *testing.T) {
	ds := NewDeviceState(protocol.FamilyBM1387, 0, 0x7F, 0x01)
	ds.StashWork(2, &Work{})
	ds.Flush()
	w, active := ds.WorkAt(2)
	require.False(t, active)
	require.NotNil(t, w, "flush must not free the underlying work pointer")
}

func TestNonceQueuePushPop(t *testing.T) {
	ds := NewDeviceState(protocol.FamilyBM1387, 0, 0x7F, 0x01)
	stop := make(chan struct{})
	go ds.WatchStop(stop)

	go func() {
		time.Sleep(10 * time.Millisecond)
		ds.PushNonce(NonceEvent{AsicIndex: 1})
	}()

	ev, ok := ds.PopNonce(stop)
	require.True(t, ok)
	require.Equal(t, 1, ev.AsicIndex)
	close(stop)
}
