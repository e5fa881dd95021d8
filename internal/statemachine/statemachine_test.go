package statemachine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gekkominer/internal/miner"
	"gekkominer/internal/protocol"
)

func TestInitAdvancesToChipCount(t *testing.T) {
	ds := miner.NewDeviceState(protocol.FamilyBM1384, 0, 0x7F, 1)
	now := time.Now()
	act := Step(ds, now, time.Time{}, DefaultTunables())
	require.Equal(t, ActionSendChipCountQuery, act.Kind)
	require.Equal(t, miner.StateChipCount, ds.MiningState)
}

func TestChipCountTimeoutResets(t *testing.T) {
	ds := miner.NewDeviceState(protocol.FamilyBM1384, 0, 0x7F, 1)
	ds.MiningState = miner.StateChipCount
	ds.LastReset = time.Now().Add(-10 * time.Second)
	act := Step(ds, time.Now(), time.Time{}, DefaultTunables())
	require.Equal(t, ActionResetTooFewChips, act.Kind)
	require.Equal(t, miner.StateReset, ds.MiningState)
}

func TestChipCountXXSettlesAfterIdleWindow(t *testing.T) {
	ds := miner.NewDeviceState(protocol.FamilyBM1384, 0, 0x7F, 1)
	ds.MiningState = miner.StateChipCountXX
	lastFrame := time.Now().Add(-100 * time.Millisecond)
	act := Step(ds, time.Now(), lastFrame, DefaultTunables())
	require.Equal(t, ActionCommitChipCount, act.Kind)
	require.Equal(t, miner.StateChipCountOK, ds.MiningState)
}

func TestOpenCoreRampsThenCompletes(t *testing.T) {
	ds := miner.NewDeviceState(protocol.FamilyBM1387, 0, 0x7F, 4)
	ds.MiningState = miner.StateOpenCore
	ds.Cores = 2
	for i := 0; i < 2; i++ {
		act := Step(ds, time.Now(), time.Time{}, DefaultTunables())
		require.Equal(t, ActionSendRampStep, act.Kind)
	}
	act := Step(ds, time.Now(), time.Time{}, DefaultTunables())
	require.Equal(t, ActionStartMining, act.Kind)
	require.Equal(t, miner.StateOpenCoreOK, ds.MiningState)
}

func TestDupsAtTerminusFrequencyResetsTicketMask(t *testing.T) {
	ds := miner.NewDeviceState(protocol.FamilyBM1387, 0, 0x7F, 4)
	ds.MiningState = miner.StateMiningDups
	tun := DefaultTunables()
	ds.Frequency = tun.TerminusFrequency
	act := Step(ds, time.Now(), time.Time{}, tun)
	require.Equal(t, ActionDupsResetTicketMask, act.Kind)
	require.Equal(t, miner.StateMining, ds.MiningState)
}

func TestDupsOffTerminusPingsFrequency(t *testing.T) {
	ds := miner.NewDeviceState(protocol.FamilyBM1387, 0, 0x7F, 4)
	ds.MiningState = miner.StateMiningDups
	ds.Frequency = 400
	act := Step(ds, time.Now(), time.Time{}, DefaultTunables())
	require.Equal(t, ActionDupsPingFrequency, act.Kind)
	require.Equal(t, miner.StateMining, ds.MiningState)
}

func TestEnterDupsOnlyFromMining(t *testing.T) {
	ds := miner.NewDeviceState(protocol.FamilyBM1387, 0, 0x7F, 4)
	ds.MiningState = miner.StateOpenCore
	EnterDups(ds)
	require.Equal(t, miner.StateOpenCore, ds.MiningState)

	ds.MiningState = miner.StateMining
	EnterDups(ds)
	require.Equal(t, miner.StateMiningDups, ds.MiningState)
}

func TestUnhealthyHashRateTriggersReset(t *testing.T) {
	ds := miner.NewDeviceState(protocol.FamilyBM1387, 0, 0x7F, 4)
	ds.MiningState = miner.StateMining
	ds.Chips, ds.Cores = 1, 1
	ds.Frequency = 100000 // MHz; nominal hashrate dwarfs the measured rate below
	ds.MonitorTime = time.Now().Add(-4 * time.Minute)

	base := time.Now().Add(-19 * time.Second)
	for i := 0; i < 20; i++ {
		ds.RecordHashRate(base.Add(time.Duration(i)*time.Second), 1.0)
	}

	act := Step(ds, time.Now(), time.Time{}, DefaultTunables())
	require.Equal(t, ActionResetUnhealthy, act.Kind)
	require.Equal(t, miner.StateReset, ds.MiningState)
}

func TestHealthyHashRateStaysInMining(t *testing.T) {
	ds := miner.NewDeviceState(protocol.FamilyBM1387, 0, 0x7F, 4)
	ds.MiningState = miner.StateMining
	ds.Chips, ds.Cores = 1, 1
	ds.Frequency = 1.0 // tiny nominal hashrate, easily cleared by the measured rate
	ds.FrequencyRequested = ds.Frequency
	ds.MonitorTime = time.Now().Add(-4 * time.Minute)

	base := time.Now().Add(-19 * time.Second)
	for i := 0; i < 20; i++ {
		ds.RecordHashRate(base.Add(time.Duration(i)*time.Second), 1.0)
	}

	act := Step(ds, time.Now(), time.Time{}, DefaultTunables())
	require.Equal(t, miner.StateMining, ds.MiningState)
	require.NotEqual(t, ActionResetUnhealthy, act.Kind)
}

func TestAutoTuneLowersFrequencyWhenUnderperforming(t *testing.T) {
	ds := miner.NewDeviceState(protocol.FamilyBM1387, 0, 0x7F, 4)
	ds.MiningState = miner.StateMining
	ds.Chips, ds.Cores = 1, 1
	ds.Frequency = 100000
	ds.FrequencyRequested = 100000
	ds.StepFreq = 10
	ds.MinFreq = 50000
	ds.TuneDown = 0.9
	ds.TuneUp = 1.0
	ds.MonitorTime = time.Now() // recent: skip the unhealthy-miner guard above

	base := time.Now().Add(-19 * time.Second)
	for i := 0; i < 20; i++ {
		ds.RecordHashRate(base.Add(time.Duration(i)*time.Second), 1.0)
	}

	before := ds.FrequencyRequested
	act := Step(ds, time.Now(), time.Time{}, DefaultTunables())
	require.Less(t, ds.FrequencyRequested, before)
	require.Equal(t, ActionStepFrequency, act.Kind)
}

func TestResetBM1384MarksGone(t *testing.T) {
	ds := miner.NewDeviceState(protocol.FamilyBM1384, 0, 0x7F, 1)
	ds.MiningState = miner.StateReset
	act := Step(ds, time.Now(), time.Time{}, DefaultTunables())
	require.Equal(t, ActionMarkGoneBM1384, act.Kind)
	require.True(t, ds.Gone)
}

func TestResetBM1387PlusTogglesInsteadOfGone(t *testing.T) {
	ds := miner.NewDeviceState(protocol.FamilyBM1397, 0, 0x7F, 4)
	ds.MiningState = miner.StateReset
	act := Step(ds, time.Now(), time.Time{}, DefaultTunables())
	require.Equal(t, ActionToggleResetBM1387Plus, act.Kind)
	require.False(t, ds.Gone)
}
