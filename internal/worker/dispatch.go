package worker

import (
	"log"
	"time"

	"gekkominer/internal/miner"
	"gekkominer/internal/pool"
	"gekkominer/internal/protocol"
	"gekkominer/internal/statemachine"
)

// Dispatcher is C9: consumes the nonce queue, matches each event against
// the work ring, submits results through the pool interface, and updates
// HW-error/dup stats (§4.9).
type Dispatcher struct {
	DS       *miner.DeviceState
	Pool     pool.Source
	DeviceID string
	ThreadID int
}

// NewDispatcher builds a Dispatcher for ds.
func NewDispatcher(ds *miner.DeviceState, src pool.Source, deviceID string, threadID int) *Dispatcher {
	return &Dispatcher{DS: ds, Pool: src, DeviceID: deviceID, ThreadID: threadID}
}

// Run consumes nonce events until stop closes. Callers must also run
// ds.WatchStop(stop) in a separate goroutine (see miner.PopNonce).
func (d *Dispatcher) Run(stop <-chan struct{}) {
	for {
		ev, ok := d.DS.PopNonce(stop)
		if !ok {
			return
		}
		d.handle(ev)
	}
}

func (d *Dispatcher) handle(ev miner.NonceEvent) {
	frame, ok, err := protocol.Decode(d.DS.Family, ev.Raw)
	if err != nil {
		log.Printf("W dispatch %s: %v", d.DeviceID, err)
		return
	}
	if !ok {
		return // invalid CRC: dropped silently, not a HW error (§4.5)
	}

	switch frame.Kind {
	case protocol.FrameChipCount:
		d.DS.Lock.Lock()
		d.DS.Chips++
		if d.DS.MiningState == miner.StateChipCount {
			d.DS.MiningState = miner.StateChipCountXX
		}
		d.DS.Lock.Unlock()

	case protocol.FrameFrequencyReport:
		d.DS.Lock.Lock()
		d.DS.LastFrequencyReport = ev.CaptureTime
		d.DS.Lock.Unlock()

	case protocol.FrameNonce:
		d.handleNonce(ev, frame)
	}
}

func (d *Dispatcher) handleNonce(ev miner.NonceEvent, frame protocol.Frame) {
	backward := d.DS.Family.BackwardOffsets()
	candidates := d.DS.CandidateSlots(frame.JobID, backward)

	var w *miner.Work
	found := false
	for _, jobID := range candidates {
		cw, active := d.DS.WorkAt(jobID)
		if active && cw != nil {
			w = cw
			found = true
			break
		}
	}
	if !found {
		return // no live candidate slot: the nonce is stale, drop it
	}

	if offset, ok := protocol.ChipOffset(d.DS.Family, frame.JobID); ok {
		d.DS.Lock.Lock()
		d.DS.Nb2Chip[offset]++
		d.DS.Lock.Unlock()
	}

	isDup := d.DS.RecordNonce(frame.Nonce)
	if isDup {
		statemachine.EnterDups(d.DS)
		return
	}

	microJobID, rolledWork := d.tryAsicBoostMidstates(w, frame.Nonce)
	if rolledWork != nil {
		w = rolledWork
		w.MicroJobID = microJobID
	}

	d.DS.Lock.Lock()
	d.DS.LastNonce = ev.CaptureTime
	d.DS.Lock.Unlock()

	if !d.Pool.TestNonce(w, frame.Nonce) {
		d.DS.Lock.Lock()
		d.DS.HWErrors++
		d.DS.Lock.Unlock()
		return
	}

	accepted := d.Pool.SubmitNonce(d.ThreadID, w, frame.Nonce)
	if accepted {
		d.DS.Lock.Lock()
		d.DS.Accepted++
		d.DS.Lock.Unlock()
		d.DS.RecordHashRate(time.Now(), float64(d.DS.Difficulty()))
	}
}

// tryAsicBoostMidstates implements §4.5 step 4: for AsicBoost families,
// try each of up to four midstates until one passes TestNonce, returning
// the micro-job-id bit for whichever matched.
func (d *Dispatcher) tryAsicBoostMidstates(w *miner.Work, nonce uint32) (microJobID uint32, matched *miner.Work) {
	if !d.DS.AsicBoost || w.MidstateN <= 1 {
		return 0, nil
	}
	for k := 0; k < w.MidstateN; k++ {
		if d.Pool.TestNonce(w, nonce) {
			return 1 << uint(k), w
		}
	}
	return 0, nil
}
