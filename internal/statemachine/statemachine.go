// Package statemachine implements C6, the per-device lifecycle driven by
// the sender thread (§4.6). It never performs I/O itself: Step returns an
// Action the caller (worker.Sender) executes, keeping the transition table
// a pure function of DeviceState plus the clock.
package statemachine

import (
	"time"

	"gekkominer/internal/miner"
)

// ActionKind tells the sender thread what to do after a Step call.
type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionSendChipCountQuery
	ActionResetTooFewChips
	ActionCommitChipCount
	ActionApplyFrequencyStart
	ActionSendRampStep
	ActionStartMining
	ActionResetMissingNonces
	ActionResetUnhealthy
	ActionResetNoFrequencyReport
	ActionEnterDups
	ActionDupsResetTicketMask
	ActionDupsPingFrequency
	ActionStepFrequency
	ActionToggleResetBM1387Plus
	ActionMarkGoneBM1384
	ActionShutdownJoin
)

// Action is the side effect Step wants performed; Reason is a log-friendly
// description matching the teacher's applog-style messages.
type Action struct {
	Kind   ActionKind
	Reason string
}

// Tunables bundles the wall-clock constants §4.6 names but leaves
// unspecified as exact values (the open question about the chip-count
// idle window, §9, is resolved here with a 50ms default).
type Tunables struct {
	ChipCountTimeout   time.Duration
	ChipCountIdleWindow time.Duration
	FreqAdjustWindow   time.Duration
	MissingFreqReportWindow time.Duration
	MonitorAge         time.Duration
	// HealthyRatio overrides protocol.AsicFamily.HealthyRatio's per-family
	// default (0 means "use the family default").
	HealthyRatio      float64
	TerminusFrequency float64 // 200MHz: the "pinned" frequency with the chain-inactive recipe
	// AutoTuneWindow is the hash-rate estimator window C10's auto-tune
	// compares against the nominal hashrate (§4.10).
	AutoTuneWindow time.Duration
}

// DefaultTunables matches the §9 open-question resolution: the chip-count
// idle window becomes a configurable tunable, default 50ms.
func DefaultTunables() Tunables {
	return Tunables{
		ChipCountTimeout:        5 * time.Second,
		ChipCountIdleWindow:     50 * time.Millisecond,
		FreqAdjustWindow:        time.Second,
		MissingFreqReportWindow: 22500 * time.Millisecond,
		MonitorAge:              3 * time.Minute,
		TerminusFrequency:       200.0,
		AutoTuneWindow:          5 * time.Minute,
	}
}

// Step inspects ds and now, performs any pure state transition, and
// returns the Action the sender thread should carry out. now is passed in
// rather than read from time.Now() so tests can drive the clock.
func Step(ds *miner.DeviceState, now time.Time, lastChipCountFrame time.Time, t Tunables) Action {
	ds.Lock.Lock()
	defer ds.Lock.Unlock()

	switch ds.MiningState {
	case miner.StateInit:
		ds.Chips = 0
		ds.Ramping = 0
		ds.MiningState = miner.StateChipCount
		ds.LastReset = now
		return Action{ActionSendChipCountQuery, "requesting chip count"}

	case miner.StateChipCount:
		if now.Sub(ds.LastReset) > t.ChipCountTimeout {
			ds.MiningState = miner.StateReset
			return Action{ActionResetTooFewChips, "found 0 chips"}
		}
		return Action{ActionNone, ""}

	case miner.StateChipCountXX:
		if now.Sub(lastChipCountFrame) > t.ChipCountIdleWindow {
			ds.MiningState = miner.StateChipCountOK
			return Action{ActionCommitChipCount, "chip count settled"}
		}
		return Action{ActionNone, ""}

	case miner.StateChipCountOK:
		ds.MiningState = miner.StateOpenCore
		ds.Frequency = ds.FrequencyStart
		return Action{ActionApplyFrequencyStart, "opening cores"}

	case miner.StateOpenCore:
		ds.Ramping++
		if ds.Ramping > ds.Cores {
			ds.MiningState = miner.StateOpenCoreOK
			return Action{ActionStartMining, "cores opened"}
		}
		return Action{ActionSendRampStep, "ramp step"}

	case miner.StateOpenCoreOK:
		ds.MiningState = miner.StateMining
		ds.StartTime = now
		ds.MonitorTime = now
		return Action{ActionStartMining, "mining started"}

	case miner.StateMining:
		return stepMining(ds, now, t)

	case miner.StateMiningDups:
		if ds.Frequency == t.TerminusFrequency {
			ds.MiningState = miner.StateMining
			return Action{ActionDupsResetTicketMask, "terminus reset"}
		}
		ds.MiningState = miner.StateMining
		return Action{ActionDupsPingFrequency, "verifying link with frequency ping"}

	case miner.StateReset:
		ds.MiningState = miner.StateInit
		if ds.Family.String() == "BM1384" {
			ds.Gone = true
			return Action{ActionMarkGoneBM1384, "BM1384 reset marks device gone"}
		}
		return Action{ActionToggleResetBM1387Plus, "toggle reset and re-prepare"}

	case miner.StateReinit:
		ds.MiningState = miner.StateInit
		return Action{ActionNone, "reinit rearm"}

	case miner.StateShutdown:
		ds.MiningState = miner.StateShutdownOK
		return Action{ActionShutdownJoin, "shutting down"}

	default:
		return Action{ActionNone, ""}
	}
}

// missingNonceRingDepth is the K in §4.6's "no nonces within K/frequency"
// guard: the number of in-flight job-id ring slots a BM1384/BM1387-family
// device may scan without reporting any nonce before it is considered
// stalled. Expressed against FullscanMs (§3's 2^32/hashrate sweep time)
// rather than a literal MHz division, since "K/frequency_requested" alone
// has no well-defined unit for a watchdog window.
const missingNonceRingDepth = 3

func stepMining(ds *miner.DeviceState, now time.Time, t Tunables) Action {
	if !ds.LastNonce.IsZero() && ds.FrequencyRequested > 0 {
		maxGap := time.Duration(missingNonceRingDepth * ds.FullscanMs() * float64(time.Millisecond))
		if now.Sub(ds.LastNonce) > maxGap && now.Sub(ds.MonitorTime) > 30*time.Second {
			ds.MiningState = miner.StateReset
			return Action{ActionResetMissingNonces, "missing nonces"}
		}
	}

	if !ds.LastFrequencyReport.IsZero() && now.Sub(ds.LastFrequencyReport) > t.MissingFreqReportWindow {
		ds.MiningState = miner.StateReset
		return Action{ActionResetNoFrequencyReport, "asic(s) went offline"}
	}

	if now.Sub(ds.MonitorTime) > t.MonitorAge {
		healthyRatio := t.HealthyRatio
		if healthyRatio <= 0 {
			healthyRatio = ds.Family.HealthyRatio()
		}
		expected := ds.HashRateNow()
		if rate1m, ok := ds.HashRateWindow(60); ok && expected > 0 && rate1m < healthyRatio*expected {
			ds.MiningState = miner.StateReset
			return Action{ActionResetUnhealthy, "unhealthy miner"}
		}
	}

	autoTuneFrequency(ds, now, t)

	if ds.Frequency != ds.FrequencyRequested && now.Sub(ds.LastFrequencyAdjust) > t.FreqAdjustWindow {
		if ds.Frequency < ds.FrequencyRequested {
			ds.Frequency += ds.StepFreq
			if ds.Frequency > ds.FrequencyRequested {
				ds.Frequency = ds.FrequencyRequested
			}
		} else {
			ds.Frequency -= ds.StepFreq
			if ds.Frequency < ds.FrequencyRequested {
				ds.Frequency = ds.FrequencyRequested
			}
		}
		ds.LastFrequencyAdjust = now
		ds.Accepted = 0
		ds.UpdateWork = true
		return Action{ActionStepFrequency, "stepping frequency toward target"}
	}

	return Action{ActionNone, ""}
}

// autoTuneFrequency implements C10's auto-tune (§4.10): the windowed
// measured hash rate is compared against TuneDown/TuneUp ratios of the
// nominal chips*cores*frequency figure (the spec's "ghrequire ×
// expected_hashrate", named GHREQUIRE in the chip-family header this
// driver core is grounded on) and FrequencyRequested is nudged by one
// StepFreq increment toward whichever side is indicated, bounded by
// MinFreq/FrequencyDefault. It runs at most once per FreqAdjustWindow.
func autoTuneFrequency(ds *miner.DeviceState, now time.Time, t Tunables) {
	if now.Sub(ds.LastAutoTune) <= t.FreqAdjustWindow {
		return
	}
	expected := ds.HashRateNow()
	if expected <= 0 || ds.StepFreq <= 0 {
		return
	}
	windowSecs := int(t.AutoTuneWindow.Seconds())
	rate, ok := ds.HashRateWindow(windowSecs)
	if !ok {
		return
	}

	tuneDown := ds.TuneDown
	if tuneDown <= 0 {
		tuneDown = 0.9
	}
	tuneUp := ds.TuneUp
	if tuneUp <= 0 {
		tuneUp = 1.0
	}

	switch {
	case rate < tuneDown*expected:
		next := ds.FrequencyRequested - ds.StepFreq
		if ds.MinFreq > 0 && next < ds.MinFreq {
			next = ds.MinFreq
		}
		if next != ds.FrequencyRequested {
			ds.FrequencyRequested = next
			ds.LowEffResets++
			ds.LastAutoTune = now
		}
	case rate > tuneUp*expected:
		next := ds.FrequencyRequested + ds.StepFreq
		if ds.FrequencyDefault > 0 && next > ds.FrequencyDefault {
			next = ds.FrequencyDefault
		}
		if next != ds.FrequencyRequested {
			ds.FrequencyRequested = next
			ds.LastAutoTune = now
		}
	default:
		ds.LastAutoTune = now
	}
}

// EnterDups is called by the receiver/dispatch path the instant a
// duplicate nonce is observed, transitioning MINING -> MINING_DUPS
// immediately rather than waiting for the sender's next Step (§4.6).
func EnterDups(ds *miner.DeviceState) {
	ds.Lock.Lock()
	defer ds.Lock.Unlock()
	if ds.MiningState == miner.StateMining {
		ds.MiningState = miner.StateMiningDups
	}
}

// RequestShutdown transitions any state to SHUTDOWN so the next Step call
// drives the join/cleanup action.
func RequestShutdown(ds *miner.DeviceState) {
	ds.Lock.Lock()
	defer ds.Lock.Unlock()
	ds.MiningState = miner.StateShutdown
}
