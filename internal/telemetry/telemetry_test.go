package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gekkominer/internal/miner"
	"gekkominer/internal/protocol"
)

func TestLinearTempFormula(t *testing.T) {
	f := LinearTempFormula()
	require.InDelta(t, 32.0, f(0), 0.001)
	require.InDelta(t, 32+1.8*40, f(40), 0.001)
}

func TestRequestCorevFanCooldownAreIndependent(t *testing.T) {
	ds := miner.NewDeviceState(protocol.FamilyBM1387, 0, 0x7F, 4)
	ds.RequestCorev(1200)
	ds.RequestFan(80)
	ds.RequestCooldown(true)
	require.Equal(t, 1200, ds.PendingCorevMilli)
	require.Equal(t, 80, ds.PendingFanPct)
	require.True(t, ds.PendingCooldown)
}

// TestRunExitsOnStop pins that the C11 poll loop never blocks shutdown: a
// closed stop channel returns Run even with a poll interval far longer than
// the test's patience, and touches no Session (nil here) before returning.
func TestRunExitsOnStop(t *testing.T) {
	c := &Channel{}
	ds := miner.NewDeviceState(protocol.FamilyBM1387, 0, 0x7F, 4)
	stop := make(chan struct{})
	close(stop)

	done := make(chan struct{})
	go func() {
		c.Run(context.Background(), ds, time.Hour, stop)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return promptly after stop closed")
	}
}
