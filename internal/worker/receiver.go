package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"gekkominer/internal/miner"
	"gekkominer/internal/usbtransport"
)

// Receiver is C8: continuously reads frames, hands them to the dispatch
// thread, and maintains liveness timers (§4.8).
type Receiver struct {
	DS       *miner.DeviceState
	Session  *usbtransport.Session
	DeviceID string

	frameLen int // family-dependent reply frame length

	lastMCUPing time.Time
}

// NewReceiver builds a Receiver sized for ds's family reply frame length.
func NewReceiver(ds *miner.DeviceState, sess *usbtransport.Session, deviceID string) *Receiver {
	frameLen := 5
	if ds.Family.String() != "BM1384" {
		frameLen = 7
	}
	return &Receiver{DS: ds, Session: sess, DeviceID: deviceID, frameLen: frameLen}
}

// Run executes the receiver loop until stop closes (§4.8).
func (r *Receiver) Run(ctx context.Context, stop <-chan struct{}) {
	buf := make([]byte, r.frameLen)
	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := r.Session.Read(ctx, 0, 0, buf, 200*time.Millisecond, usbtransport.ReadOpts{Cancellable: true})
		if err != nil {
			if errors.Is(err, usbtransport.ErrNoDevice) {
				r.DS.Lock.Lock()
				r.DS.MiningState = miner.StateShutdownOK
				r.DS.Lock.Unlock()
				return
			}
			if errors.Is(err, usbtransport.ErrTimeout) {
				r.maybePingMCU(ctx)
				continue
			}
			log.Printf("W receiver %s: read error: %v", r.DeviceID, err)
			continue
		}

		if n < r.frameLen {
			continue
		}

		r.DS.PushNonce(miner.NonceEvent{Raw: append([]byte(nil), buf[:n]...), CaptureTime: time.Now()})
	}
}

// maybePingMCU runs on idle read timeouts and records the time of the
// latest call at most once every 5s (§4.8, §4.11). It sends nothing to the
// MCU and does not look at when the preceding write happened.
func (r *Receiver) maybePingMCU(ctx context.Context) {
	if time.Since(r.lastMCUPing) < 5*time.Second {
		return
	}
	r.lastMCUPing = time.Now()
}
