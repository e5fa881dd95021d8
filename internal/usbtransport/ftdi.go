package usbtransport

import (
	"context"
	"fmt"
	"time"
)

// FTDI vendor control requests used to reprogram bridge-chip behavior
// in-band, without touching the bulk data path.
const (
	ftdiReqSetLatency = 0x09
	ftdiReqSetBitmode = 0x0B
)

// SetLatency sets the FTDI latency timer (ms), shortening how long the
// bridge buffers bytes before flushing them to the host (§4.1).
func (s *Session) SetLatency(ctx context.Context, ms int) error {
	if !s.desc.IsFTDI {
		return nil
	}
	if ms < 1 || ms > 255 {
		return fmt.Errorf("usbtransport: latency %dms out of FTDI range", ms)
	}
	_, err := s.Control(ctx, 0x40, ftdiReqSetLatency, uint16(ms), 0, nil, 500*time.Millisecond)
	return err
}

// CBUSMode selects which function the FTDI chip's CBUS pins perform: the
// main data path, or the secondary MCU telemetry channel (§4.11). Models
// without an MCU interface never call this.
type CBUSMode byte

const (
	CBUSModeData CBUSMode = 0x00
	CBUSModeMCU  CBUSMode = 0x20
)

// SetCBUSMode reprograms the CBUS bitmode and sleeps 2ms for the lines to
// settle before the caller exchanges bytes on the new mode (§4.11).
func (s *Session) SetCBUSMode(ctx context.Context, mode CBUSMode) error {
	if !s.desc.IsFTDI {
		return fmt.Errorf("usbtransport: device is not FTDI-backed")
	}
	value := uint16(mode)<<8 | 0x20
	if _, err := s.Control(ctx, 0x40, ftdiReqSetBitmode, value, 0, nil, 500*time.Millisecond); err != nil {
		return fmt.Errorf("set cbus mode: %w", err)
	}
	time.Sleep(2 * time.Millisecond)
	return nil
}
