// Package telemetry implements C11: the secondary-interface MCU channel
// present on models with an auxiliary microcontroller (temperature,
// core voltage, fan, regulator enable).
package telemetry

import (
	"context"
	"fmt"
	"log"
	"time"

	"gekkominer/internal/miner"
	"gekkominer/internal/usbtransport"
)

// Reading is one parsed telemetry sample (§4.11).
type Reading struct {
	TempC      float64
	VcoreMilli int
	VinMilli   int
	CurrentMA  int
	FanRPM     int
	RegulatorOn bool
	At         time.Time
}

// TempFormula converts a raw MCU register to Celsius. The exact transform
// varies by family revision (§9 open question); callers should not depend
// on a single formula holding across all models.
type TempFormula func(raw byte) float64

// LinearTempFormula returns the "32 + 1.8*raw" transform §4.11 names for
// one family revision.
func LinearTempFormula() TempFormula {
	return func(raw byte) float64 { return 32 + 1.8*float64(raw) }
}

// Channel is the MCU telemetry channel for one device. Pending corev/fan/
// cooldown requests live on the DeviceState (set via Request{Corev,Fan,
// Cooldown}, §4.11/§4.12) rather than on the Channel, so the API thread can
// queue a change without holding a reference to the device's Channel.
type Channel struct {
	Session *usbtransport.Session
	Formula TempFormula
}

// NewChannel builds a Channel using the family's linear temp formula by
// default (§9: formula varies by revision; callers may override Formula).
func NewChannel(sess *usbtransport.Session) *Channel {
	return &Channel{Session: sess, Formula: LinearTempFormula()}
}

// mcuCmd* are the short command bytes the MCU channel exchanges over the
// second interface (§4.11). The read commands (temp/vcore/vin/current/fan/
// regulator) follow the same M2_-style "opcode << 3" shift the original
// driver's M2_SET_FAN/M2_SET_VCORE write commands use (driver-gekko.h); the
// set commands reuse those exact opcodes.
const (
	mcuCmdReadTemp      = 0x01 << 3
	mcuCmdReadVcore     = 0x02 << 3
	mcuCmdReadVin       = 0x03 << 3
	mcuCmdReadCurrent   = 0x04 << 3
	mcuCmdReadFan       = 0x05 << 3
	mcuCmdReadRegulator = 0x06 << 3
	mcuCmdSetCorev      = 0x1C << 3 // M2_SET_VCORE
	mcuCmdSetFan        = 0x18 << 3 // M2_SET_FAN
)

// mcuExchange writes a one-byte command and reads back its reply, assuming
// the caller has already entered MCU mode.
func (c *Channel) mcuExchange(ctx context.Context, cmd byte, reply []byte) error {
	if _, err := c.Session.Write(ctx, 1, 0, []byte{cmd}, 100*time.Millisecond); err != nil {
		return fmt.Errorf("send cmd 0x%02x: %w", cmd, err)
	}
	if _, err := c.Session.Read(ctx, 1, 0, reply, 100*time.Millisecond, usbtransport.ReadOpts{Once: true}); err != nil {
		return fmt.Errorf("read cmd 0x%02x reply: %w", cmd, err)
	}
	return nil
}

// be16 decodes a 2-byte big-endian reply into an int (millivolts,
// milliamps, or RPM depending on the command).
func be16(b []byte) int {
	return int(b[0])<<8 | int(b[1])
}

// Poll reprograms the CBUS lines into MCU mode, exchanges the temperature,
// Vcore, Vin, current, fan tachometer, and regulator-enable commands in
// turn, restores the lines, and returns the parsed reading (§4.11).
func (c *Channel) Poll(ctx context.Context) (Reading, error) {
	if err := c.Session.SetCBUSMode(ctx, usbtransport.CBUSModeMCU); err != nil {
		return Reading{}, fmt.Errorf("telemetry: enter mcu mode: %w", err)
	}
	defer c.Session.SetCBUSMode(ctx, usbtransport.CBUSModeData)

	temp := make([]byte, 1)
	if err := c.mcuExchange(ctx, mcuCmdReadTemp, temp); err != nil {
		return Reading{}, fmt.Errorf("telemetry: %w", err)
	}

	vcore := make([]byte, 2)
	if err := c.mcuExchange(ctx, mcuCmdReadVcore, vcore); err != nil {
		return Reading{}, fmt.Errorf("telemetry: %w", err)
	}

	vin := make([]byte, 2)
	if err := c.mcuExchange(ctx, mcuCmdReadVin, vin); err != nil {
		return Reading{}, fmt.Errorf("telemetry: %w", err)
	}

	current := make([]byte, 2)
	if err := c.mcuExchange(ctx, mcuCmdReadCurrent, current); err != nil {
		return Reading{}, fmt.Errorf("telemetry: %w", err)
	}

	fan := make([]byte, 2)
	if err := c.mcuExchange(ctx, mcuCmdReadFan, fan); err != nil {
		return Reading{}, fmt.Errorf("telemetry: %w", err)
	}

	reg := make([]byte, 1)
	if err := c.mcuExchange(ctx, mcuCmdReadRegulator, reg); err != nil {
		return Reading{}, fmt.Errorf("telemetry: %w", err)
	}

	r := Reading{
		TempC:       c.Formula(temp[0]),
		VcoreMilli:  be16(vcore),
		VinMilli:    be16(vin),
		CurrentMA:   be16(current),
		FanRPM:      be16(fan),
		RegulatorOn: reg[0] != 0,
		At:          time.Now(),
	}
	return r, nil
}

// Run is the telemetry thread (C11): poll the MCU on an interval, applying
// any pending corev/fan/cooldown settings between polls, until stop closes.
// Read errors are logged and do not stop the loop — a dead MCU link is not
// fatal to mining, unlike a dead main chain link (§4.11).
func (c *Channel) Run(ctx context.Context, ds *miner.DeviceState, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if err := c.ApplyPendingSettings(ctx, ds); err != nil {
			log.Printf("W %v", err)
			continue
		}
		reading, err := c.Poll(ctx)
		if err != nil {
			log.Printf("W %v", err)
			continue
		}
		ds.Lock.Lock()
		ds.LastTelemetry = reading.At
		ds.TempC = reading.TempC
		ds.VcoreMilli = reading.VcoreMilli
		ds.VinMilli = reading.VinMilli
		ds.CurrentMA = reading.CurrentMA
		ds.FanRPM = reading.FanRPM
		ds.RegulatorOn = reading.RegulatorOn
		ds.Lock.Unlock()
	}
}

// ApplyPendingSettings pushes any corev/fan/cooldown changes requested via
// the API thread (§4.11, §4.12) to the MCU, then clears them so they apply
// only once. Run between periodic polls.
func (c *Channel) ApplyPendingSettings(ctx context.Context, ds *miner.DeviceState) error {
	ds.Lock.Lock()
	corev, fanPct, cooldown := ds.PendingCorevMilli, ds.PendingFanPct, ds.PendingCooldown
	ds.PendingCorevMilli, ds.PendingFanPct, ds.PendingCooldown = 0, 0, false
	ds.Lock.Unlock()

	if corev == 0 && fanPct == 0 && !cooldown {
		return nil
	}
	if err := c.Session.SetCBUSMode(ctx, usbtransport.CBUSModeMCU); err != nil {
		return fmt.Errorf("telemetry: enter mcu mode: %w", err)
	}
	defer c.Session.SetCBUSMode(ctx, usbtransport.CBUSModeData)

	if cooldown {
		fanPct = 100
	}
	if corev != 0 {
		if _, err := c.Session.Write(ctx, 1, 0, []byte{mcuCmdSetCorev, byte(corev)}, 100*time.Millisecond); err != nil {
			return fmt.Errorf("telemetry: set corev: %w", err)
		}
	}
	if fanPct != 0 {
		if _, err := c.Session.Write(ctx, 1, 0, []byte{mcuCmdSetFan, byte(fanPct)}, 100*time.Millisecond); err != nil {
			return fmt.Errorf("telemetry: set fan: %w", err)
		}
	}
	return nil
}
