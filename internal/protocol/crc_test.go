package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestCRC5GateblkVector pins the known GATEBLK command vector: unlike a
// short reply frame (where the last byte packs 3 bits of data with a
// 5-bit CRC, the ValidFrame5 shape), GATEBLK dedicates its entire trailing
// byte to the checksum, so the CRC covers the full preceding 64 bits.
func TestCRC5GateblkVector(t *testing.T) {
	frame := []byte{0x58, 0x09, 0x00, 0x1C, 0x40, 0x20, 0x99, 0x80, 0x01}
	got := CRC5(frame, 8*8)
	require.EqualValues(t, 0x01, got)
}

func TestCRC5Deterministic(t *testing.T) {
	frame := []byte{0x84, 0x00, 0x00, 0x00}
	a := CRC5(frame, 8*len(frame)-5)
	b := CRC5(frame, 8*len(frame)-5)
	require.Equal(t, a, b)
}

func TestCRC8RoundTrip(t *testing.T) {
	body := []byte{0x13, 0x07, 0x00, 0x01, 0x02, 0x03}
	chk := CRC8(body, 8*len(body))
	frame := append(append([]byte{}, body...), byte(chk))
	require.True(t, ValidFrame8(frame))

	frame[len(frame)-1] ^= 0xFF
	require.False(t, ValidFrame8(frame))
}

func TestCRC16Deterministic(t *testing.T) {
	data := []byte{0x21, 0x36, 0x01, 0x01, 0, 0, 0, 0}
	a := CRC16(data)
	b := CRC16(data)
	require.Equal(t, a, b)
	require.NotZero(t, a)
}
