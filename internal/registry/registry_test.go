package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"gekkominer/internal/miner"
	"gekkominer/internal/protocol"
)

func TestRegisterLookupUnregister(t *testing.T) {
	r := NewDeviceRegistry()
	ds := miner.NewDeviceState(protocol.FamilyBM1387, 0, 0x7F, 4)

	id, err := r.Register(1, 2, ds)
	require.NoError(t, err)

	got, ok := r.Lookup(id)
	require.True(t, ok)
	require.Same(t, ds, got)

	r.Unregister(id)
	_, ok = r.Lookup(id)
	require.False(t, ok)
}

func TestBlacklistPreventsRegister(t *testing.T) {
	r := NewDeviceRegistry()
	r.Blacklist(1, 2)

	_, err := r.Register(1, 2, miner.NewDeviceState(protocol.FamilyBM1387, 0, 0x7F, 4))
	require.Error(t, err)
	require.True(t, r.IsBlacklisted(1, 2))
}

func TestDoubleRegisterSameBusAddressFails(t *testing.T) {
	r := NewDeviceRegistry()
	_, err := r.Register(1, 2, miner.NewDeviceState(protocol.FamilyBM1387, 0, 0x7F, 4))
	require.NoError(t, err)

	_, err = r.Register(1, 2, miner.NewDeviceState(protocol.FamilyBM1387, 0, 0x7F, 4))
	require.Error(t, err)
}

func TestAllReturnsStableSnapshot(t *testing.T) {
	r := NewDeviceRegistry()
	id1, _ := r.Register(1, 1, miner.NewDeviceState(protocol.FamilyBM1387, 0, 0x7F, 4))
	id2, _ := r.Register(1, 2, miner.NewDeviceState(protocol.FamilyBM1387, 0, 0x7F, 4))

	all := r.All()
	require.ElementsMatch(t, []DeviceHandle{id1, id2}, all)
}
