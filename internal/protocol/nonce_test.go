package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func bm1384ChipCountFrame() []byte {
	// {0x13, nonce..., crc5} shaped for a chip-count reply.
	frame := []byte{0x13, 0x00, 0x00, 0x00, 0x00}
	chk := CRC5(frame, 8*len(frame)-5)
	frame[len(frame)-1] = (frame[len(frame)-1] &^ 0x1F) | byte(chk)
	return frame
}

func TestDecodeChipCount(t *testing.T) {
	frame := bm1384ChipCountFrame()
	f, ok, err := Decode(FamilyBM1384, frame)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, FrameChipCount, f.Kind)
}

func TestDecodeInvalidCRCDropped(t *testing.T) {
	frame := bm1384ChipCountFrame()
	frame[len(frame)-1] ^= 0x1F
	_, ok, err := Decode(FamilyBM1384, frame)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDecodeBadFrequencyReport(t *testing.T) {
	frame := []byte{0x80, 0x64, 0x00, 0x00, 0x00}
	chk := CRC5(frame, 8*len(frame)-5)
	frame[len(frame)-1] = byte(chk)
	_, ok, err := Decode(FamilyBM1384, frame)
	require.True(t, ok)
	require.ErrorIs(t, err, ErrBadFrequencyReport)
}

func TestChipOffsetOnlyForNewerFamilies(t *testing.T) {
	_, ok := ChipOffset(FamilyBM1384, 0xF8)
	require.False(t, ok)

	off, ok := ChipOffset(FamilyBM1397, 0xFB)
	require.True(t, ok)
	require.EqualValues(t, 0x03, off)
}

func TestTaskEncodingIdempotent(t *testing.T) {
	p := TaskParams{
		Family:     FamilyBM1387,
		JobID:      4,
		TicketMask: 0xFF,
		Midstates:  [][32]byte{{1, 2, 3}},
	}
	a := EncodeTask(p)
	b := EncodeTask(p)
	require.Equal(t, a, b)
	require.Len(t, a, 54)
}

func TestTaskEncodingAsicBoostBM1387FourMidstates(t *testing.T) {
	p := TaskParams{
		Family:    FamilyBM1387,
		JobID:     8,
		AsicBoost: true,
		Midstates: [][32]byte{{1}, {2}, {3}, {4}},
	}
	buf := EncodeTask(p)
	require.Len(t, buf, 150)
	require.Equal(t, byte(0x04), buf[3])
}

func TestTaskEncodingVersionRollingSingleMidstate(t *testing.T) {
	p := TaskParams{
		Family:      FamilyBM1397,
		JobID:       8,
		AsicBoost:   true,
		VersionMask: 0x1FFFE000,
		Midstates:   [][32]byte{{9}},
	}
	buf := EncodeTask(p)
	require.Len(t, buf, 54)
}
