package devtable

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLookupFansOutByManufacturer(t *testing.T) {
	matches := Lookup(ftdiVendorID, 0x6014)
	require.GreaterOrEqual(t, len(matches), 2)
}

func TestLimitsUnboundedByDefault(t *testing.T) {
	l := NewLimits()
	require.True(t, l.Allowed("gekko-r606", 1000, 1000))
}

func TestLimitsEnforced(t *testing.T) {
	l := NewLimits()
	l.Total = 2
	l.PerDrive["gekko-r606"] = 1
	require.True(t, l.Allowed("gekko-r606", 0, 0))
	require.False(t, l.Allowed("gekko-r606", 1, 1))
	require.False(t, l.Allowed("gekko-compac-f", 2, 0))
}
