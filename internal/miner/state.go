package miner

import (
	"sync"
	"time"

	"gekkominer/internal/estimator"
	"gekkominer/internal/protocol"
)

// MiningState is the per-device lifecycle enum driven by the state machine
// (C6, §4.6).
type MiningState int

const (
	StateInit MiningState = iota
	StateChipCount
	StateChipCountXX
	StateChipCountOK
	StateOpenCore
	StateOpenCoreOK
	StateMining
	StateMiningDups
	StateShutdown
	StateShutdownOK
	StateReset
	StateReinit
)

func (s MiningState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateChipCount:
		return "CHIP_COUNT"
	case StateChipCountXX:
		return "CHIP_COUNT_XX"
	case StateChipCountOK:
		return "CHIP_COUNT_OK"
	case StateOpenCore:
		return "OPEN_CORE"
	case StateOpenCoreOK:
		return "OPEN_CORE_OK"
	case StateMining:
		return "MINING"
	case StateMiningDups:
		return "MINING_DUPS"
	case StateShutdown:
		return "SHUTDOWN"
	case StateShutdownOK:
		return "SHUTDOWN_OK"
	case StateReset:
		return "RESET"
	case StateReinit:
		return "REINIT"
	default:
		return "UNKNOWN"
	}
}

// AsicHealth is a per-chip liveness classification (§4.9). No code path
// assigns ChipState.Health, so it stays HealthHealthy; the dispatch thread
// only counts nonces per chip offset in Nb2Chip.
type AsicHealth int

const (
	HealthHealthy AsicHealth = iota
	HealthHalfDead
	HealthAlmostDead
	HealthDead
)

// ChipState is one entry of the asics[0..chips] table (§3).
type ChipState struct {
	Frequency float64
	LastNonce time.Time
	Dups      uint64
	Health    AsicHealth
}

// DeviceState is the full per-device mutable state block (§3). Independent
// locks protect disjoint subsets of fields, matching §4.3: Lock for
// counters/aggregator, WLock for wire writes, RLock for the receive path,
// NLock/NCond for the nonce queue, GHLock/JobLock for the estimators, SLock
// for internal timing stats.
type DeviceState struct {
	Lock    sync.RWMutex
	WLock   sync.Mutex
	RLock   sync.Mutex
	NLock   sync.Mutex
	NCond   *sync.Cond
	GHLock  sync.Mutex
	JobLock sync.Mutex
	SLock   sync.Mutex

	// Identity.
	Bus, Address int
	VendorID, ProductID uint16
	Manufacturer, Product, Serial string
	Driver string
	Family protocol.AsicFamily

	// Lifecycle.
	MiningState MiningState

	// Topology.
	Chips         int
	ExpectedChips int
	Cores         int

	// Frequency.
	Frequency          float64
	FrequencyRequested float64
	FrequencyStart     float64
	FrequencyDefault   float64
	MinFreq            float64
	StepFreq           float64
	FreqMult           float64
	FreqBase           float64
	LastFrequencyAdjust time.Time
	LastAutoTune       time.Time
	// TuneUp/TuneDown are the --gekko-tune-up/--gekko-tune-down ratios
	// (§6, §4.10): the running 5-minute hash rate is compared against
	// ratio*HashRateNow() to step FrequencyRequested up or down.
	TuneUp   float64
	TuneDown float64
	Asics    []ChipState

	// Job control.
	JobID      byte
	MinJobID   byte
	MaxJobID   byte
	AddJobID   byte
	Work       []*Work
	ActiveWork []bool
	TicketMask uint32
	Ramping    int

	AsicBoost bool
	VMask     uint32

	// Rates.
	HRScale float64

	// Stats.
	Accepted      uint64
	Nonces        uint64
	HWErrors      uint64
	Dups          uint64
	DupsAll       uint64
	DupsReset     uint64
	LowEffResets  uint64
	PlateauReset  uint64
	FailCount     uint64
	PrevNonce     uint32

	// Timestamps.
	StartTime        time.Time
	MonitorTime      time.Time
	LastTask         time.Time
	LastNonce        time.Time
	LastFrequencyReport time.Time
	LastReset        time.Time
	LastWriteError   time.Time
	LastPoolLost     time.Time
	LastTelemetry    time.Time

	// Telemetry (C11), last poll's parsed reading; zero-value on models
	// without an MCU since that poll loop never runs.
	TempC       float64
	VcoreMilli  int
	VinMilli    int
	CurrentMA   int
	FanRPM      int
	RegulatorOn bool

	// Scratch buffers.
	TaskBuf [200]byte
	CmdBuf  [256]byte
	RxBuf   [256]byte
	TxBuf   [256]byte

	// Estimators.
	HashRate *estimator.HashRateBuckets
	Jobs     *estimator.JobBuckets

	// Nonce pipeline (producer: receiver; consumer: nonce-dispatch).
	NList  []NonceEvent
	NStore []NonceEvent

	UpdateWork bool
	Disabled   bool
	Gone       bool

	// nb2chip is the per-chip-offset liveness histogram for families that
	// pack a chip fraction into the job-id byte (§4.9).
	Nb2Chip map[byte]uint64

	// Telemetry settings requested via the API (§4.11/§4.12) but not yet
	// pushed to the MCU; the telemetry thread (C11) applies and clears
	// these between its periodic polls. Zero/false means "no request
	// pending", so a fan duty cycle of 0% cannot be requested through
	// PendingFanPct; PendingCooldown drives the fan to 100%.
	PendingCorevMilli int
	PendingFanPct     int
	PendingCooldown   bool
}

// RequestCorev queues a core-voltage change for the telemetry thread to
// apply on its next poll.
func (ds *DeviceState) RequestCorev(milliVolts int) {
	ds.Lock.Lock()
	ds.PendingCorevMilli = milliVolts
	ds.Lock.Unlock()
}

// RequestFan queues a fan duty-cycle change for the telemetry thread.
func (ds *DeviceState) RequestFan(pct int) {
	ds.Lock.Lock()
	ds.PendingFanPct = pct
	ds.Lock.Unlock()
}

// RequestCooldown flags a thermal cool-down for the telemetry thread.
func (ds *DeviceState) RequestCooldown(on bool) {
	ds.Lock.Lock()
	ds.PendingCooldown = on
	ds.Lock.Unlock()
}

// NonceEvent is one raw frame handed from the receiver (C8) to the
// nonce-dispatch thread (C9) (§3).
type NonceEvent struct {
	AsicIndex   int
	Raw         []byte
	CaptureTime time.Time
}

// NewDeviceState builds a DeviceState with its estimators and condition
// variable wired, ring buffers sized to maxJobID+1, per the work-ring
// invariant in §3.
func NewDeviceState(family protocol.AsicFamily, minJobID, maxJobID, addJobID byte) *DeviceState {
	ds := &DeviceState{
		Family:     family,
		MinJobID:   minJobID,
		MaxJobID:   maxJobID,
		AddJobID:   addJobID,
		JobID:      minJobID,
		HRScale:    1.0,
		TuneUp:     1.0,
		TuneDown:   0.9,
		HashRate:   estimator.NewHashRateBuckets(),
		Jobs:       estimator.NewJobBuckets(),
		Nb2Chip:    map[byte]uint64{},
	}
	ds.NCond = sync.NewCond(&ds.NLock)
	n := int(maxJobID) + 1
	ds.Work = make([]*Work, n)
	ds.ActiveWork = make([]bool, n)
	return ds
}

// SetFrequency updates Frequency and every value that the hashrate
// invariant (§8 property 3) depends on: hashrate == chips*cores*freq*scale
// and fullscan_ms*hashrate ~= 2^32*1000.
func (ds *DeviceState) SetFrequency(mhz float64) {
	ds.Lock.Lock()
	defer ds.Lock.Unlock()
	ds.Frequency = mhz
}

// HashRateNow computes the nominal (not measured) hash rate implied by
// chips/cores/frequency, per the §8 invariant.
func (ds *DeviceState) HashRateNow() float64 {
	return float64(ds.Chips) * float64(ds.Cores) * ds.Frequency * 1e6 * ds.HRScale
}

// RecordHashRate feeds one accepted nonce's difficulty into the running
// hash-rate estimator (C10), serialised under GHLock per §4.3.
func (ds *DeviceState) RecordHashRate(t time.Time, diff float64) {
	ds.GHLock.Lock()
	defer ds.GHLock.Unlock()
	ds.HashRate.Add(t, diff)
}

// HashRateWindow reads the estimator's windowed rate (C10), serialised
// under GHLock per §4.3.
func (ds *DeviceState) HashRateWindow(windowSecs int) (rate float64, ok bool) {
	ds.GHLock.Lock()
	defer ds.GHLock.Unlock()
	return ds.HashRate.HashRate(windowSecs)
}

// FullscanMs is the time for one chip, at the current frequency, to sweep
// the full 2^32 nonce space (§3).
func (ds *DeviceState) FullscanMs() float64 {
	hr := ds.HashRateNow()
	if hr <= 0 {
		return 0
	}
	return 4294967296.0 / hr * 1000.0
}

// SetTicketMask sets the ticket mask, enforcing the §8 property 2
// invariant that ticket_mask+1 is a power of two.
func (ds *DeviceState) SetTicketMask(mask uint32) {
	ds.Lock.Lock()
	defer ds.Lock.Unlock()
	// Round up to the nearest 2^n-1 (0 stays 0).
	mask |= mask >> 1
	mask |= mask >> 2
	mask |= mask >> 4
	mask |= mask >> 8
	mask |= mask >> 16
	ds.TicketMask = mask
}

// Difficulty returns ticket_mask+1 (§3 invariant).
func (ds *DeviceState) Difficulty() uint64 {
	return uint64(ds.TicketMask) + 1
}

// NextJobID advances the rolling job id within [MinJobID, MaxJobID] by
// AddJobID, wrapping per §3/§8 property 1.
func (ds *DeviceState) NextJobID() byte {
	ds.Lock.Lock()
	defer ds.Lock.Unlock()
	span := int(ds.MaxJobID) - int(ds.MinJobID) + 1
	next := int(ds.JobID) - int(ds.MinJobID) + int(ds.AddJobID)
	next %= span
	if next < 0 {
		next += span
	}
	ds.JobID = ds.MinJobID + byte(next)
	return ds.JobID
}

// ZeroStats atomically zeroes every monotonic counter (§8 property 4: the
// one sanctioned exception to monotonicity).
func (ds *DeviceState) ZeroStats() {
	ds.Lock.Lock()
	defer ds.Lock.Unlock()
	ds.Accepted, ds.Nonces, ds.HWErrors, ds.Dups, ds.DupsAll = 0, 0, 0, 0, 0
}
