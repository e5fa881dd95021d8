// Package worker implements the three cooperating per-device threads:
// Sender (C7), Receiver (C8), and Dispatcher (C9).
package worker

import (
	"context"
	"errors"
	"log"
	"math"
	"time"

	"gekkominer/internal/miner"
	"gekkominer/internal/pool"
	"gekkominer/internal/protocol"
	"gekkominer/internal/statemachine"
	"gekkominer/internal/usbtransport"
)

// Sender is C7: drains the work queue, rate-limits tasks, and drives the
// state machine (§4.7).
type Sender struct {
	DS        *miner.DeviceState
	Session   *usbtransport.Session
	Pool      pool.Source
	DeviceID  string
	WaitFactor float64
	Tunables  statemachine.Tunables

	lastChipCountFrame time.Time
	taskMs             float64
}

// NewSender builds a Sender with spec defaults (wait_factor = 2, per the
// teacher's conservative default elsewhere in the Gekko tunable set).
func NewSender(ds *miner.DeviceState, sess *usbtransport.Session, src pool.Source, deviceID string) *Sender {
	return &Sender{
		DS:         ds,
		Session:    sess,
		Pool:       src,
		DeviceID:   deviceID,
		WaitFactor: 2.0,
		Tunables:   statemachine.DefaultTunables(),
	}
}

// Run executes the sender loop until stop closes (§4.7).
func (s *Sender) Run(ctx context.Context, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		maxWait, sleepMs := s.computeTiming()

		s.DS.Lock.RLock()
		disabled := s.DS.Disabled
		gone := s.DS.Gone
		state := s.DS.MiningState
		lastTask := s.DS.LastTask
		update := s.DS.UpdateWork
		s.DS.Lock.RUnlock()

		if disabled || gone || state != miner.StateMining {
			act := statemachine.Step(s.DS, time.Now(), s.lastChipCountFrame, s.Tunables)
			s.handleAction(ctx, act)
			sleep(stop, 10*time.Millisecond)
			continue
		}

		if update || time.Since(lastTask) > maxWait {
			act := statemachine.Step(s.DS, time.Now(), s.lastChipCountFrame, s.Tunables)
			s.handleAction(ctx, act)
			s.sendOneTask(ctx)
		}

		sleep(stop, time.Duration(sleepMs)*time.Millisecond)
	}
}

// computeTiming implements §4.7 step 1.
func (s *Sender) computeTiming() (maxWait time.Duration, sleepMs int) {
	fullscan := s.DS.FullscanMs()
	wantMs := s.WaitFactor * fullscan
	if wantMs < 1 {
		wantMs = 1
	}
	if cap := 3 * fullscan; cap > 0 && wantMs > cap {
		wantMs = cap
	}
	maxWait = time.Duration(wantMs) * time.Millisecond

	sleepMs = int(math.Ceil(wantMs / 8))
	if sleepMs < 1 {
		sleepMs = 1
	}
	if sleepMs > 200 {
		sleepMs = 200
	}
	return maxWait, sleepMs
}

func (s *Sender) sendOneTask(ctx context.Context) {
	s.DS.Lock.Lock()
	w, hasWork := s.Pool.GetQueued(s.DeviceID)

	var jobID byte
	var params protocol.TaskParams
	params.Family = s.DS.Family
	params.TicketMask = byte(s.DS.TicketMask)
	params.AsicBoost = s.DS.AsicBoost
	params.VersionMask = s.DS.VMask

	if hasWork {
		jobID = s.nextJobIDLocked()
		params.JobID = jobID
		params.Midstates = w.Midstates()
		params.HeaderTail = w.HeaderTail()
	} else {
		jobID = s.nextJobIDLocked()
		params.JobID = jobID
		params.Busy = true
	}
	s.DS.UpdateWork = false
	s.DS.Lock.Unlock()

	if hasWork {
		displaced := s.DS.StashWork(jobID, w)
		if displaced != nil {
			s.Pool.WorkCompleted(s.DeviceID, displaced)
		}
	}

	frame := protocol.EncodeTask(params)

	start := time.Now()
	_, err := s.Session.Write(ctx, 0, 0, frame, s.writeTimeout())
	elapsed := float64(time.Since(start).Milliseconds())

	s.DS.Lock.Lock()
	s.DS.LastTask = time.Now()
	if s.taskMs == 0 {
		s.taskMs = elapsed
	} else {
		s.taskMs = (s.taskMs*9 + elapsed) / 10
	}
	s.DS.Lock.Unlock()

	if err != nil {
		if errors.Is(err, usbtransport.ErrNoDevice) {
			statemachine.RequestShutdown(s.DS)
			return
		}
		log.Printf("W sender %s: short write: %v", s.DeviceID, err)
	}
}

func (s *Sender) nextJobIDLocked() byte {
	span := int(s.DS.MaxJobID) - int(s.DS.MinJobID) + 1
	next := int(s.DS.JobID) - int(s.DS.MinJobID) + int(s.DS.AddJobID)
	next %= span
	if next < 0 {
		next += span
	}
	s.DS.JobID = s.DS.MinJobID + byte(next)
	return s.DS.JobID
}

func (s *Sender) writeTimeout() time.Duration {
	return 100 * time.Millisecond
}

func (s *Sender) handleAction(ctx context.Context, act statemachine.Action) {
	if act.Reason != "" {
		log.Printf("I device %s: %s", s.DeviceID, act.Reason)
	}
	switch act.Kind {
	case statemachine.ActionSendChipCountQuery:
		s.sendChipCountQuery(ctx)
	case statemachine.ActionSendRampStep:
		s.sendRampStep(ctx)
	case statemachine.ActionToggleResetBM1387Plus:
		_ = s.Session.Reset()
	case statemachine.ActionDupsResetTicketMask:
		s.DS.SetTicketMask(0)
	case statemachine.ActionShutdownJoin:
		s.Session.Release()
	}
}

func (s *Sender) sendChipCountQuery(ctx context.Context) {
	var frame []byte
	if s.DS.Family.String() == "BM1384" {
		body := []byte{0x84, 0x00, 0x00, 0x00}
		chk := protocol.CRC5(body, 8*len(body)-5)
		body[len(body)-1] = (body[len(body)-1] &^ 0x1F) | byte(chk)
		frame = body
	} else {
		body := []byte{0x54, 0x05, 0x00, 0x00}
		chk := protocol.CRC8(body, 8*len(body))
		frame = append(body, byte(chk))
	}
	if _, err := s.Session.Write(ctx, 0, 0, frame, s.writeTimeout()); err != nil {
		log.Printf("W sender %s: chip count query failed: %v", s.DeviceID, err)
	}
}

func (s *Sender) sendRampStep(ctx context.Context) {
	params := protocol.TaskParams{
		Family: s.DS.Family,
		JobID:  0,
		Busy:   true,
	}
	frame := protocol.EncodeTask(params)
	if _, err := s.Session.Write(ctx, 0, 0, frame, s.writeTimeout()); err != nil {
		log.Printf("W sender %s: ramp step failed: %v", s.DeviceID, err)
	}
}

func sleep(stop <-chan struct{}, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stop:
	case <-t.C:
	}
}
