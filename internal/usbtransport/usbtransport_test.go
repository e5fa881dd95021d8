package usbtransport

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsStallClassification(t *testing.T) {
	require.True(t, isStall(errors.New("libusb: pipe stall [code -9]")))
	require.False(t, isStall(errors.New("libusb: timeout [code -7]")))
}

func TestIsNoDeviceClassification(t *testing.T) {
	require.True(t, isNoDevice(errors.New("libusb: no device [code -4]")))
	require.True(t, isNoDevice(errors.New("device disconnected")))
	require.False(t, isNoDevice(errors.New("libusb: timeout [code -7]")))
}

func TestBusLockExclusive(t *testing.T) {
	bl, err := acquireBusLock(99, 1)
	require.NoError(t, err)

	_, err = acquireBusLock(99, 1)
	require.ErrorIs(t, err, ErrBusy)

	bl.release()

	bl2, err := acquireBusLock(99, 1)
	require.NoError(t, err)
	bl2.release()
}

func TestContainsByte(t *testing.T) {
	require.True(t, containsByte([]byte{1, 2, 3, 0}, 0))
	require.False(t, containsByte([]byte{1, 2, 3}, 0))
}
