// Package estimator implements C10: the running hash-rate and job-interval
// estimators that feed the state machine's frequency auto-tune decisions.
package estimator

import "time"

// GHNUM is the number of one-second buckets kept (5 minutes of history).
const GHNUM = 300

// GHLIMsec bounds the gap, in seconds, beyond which history is considered
// stale and dropped wholesale (the miner was not running).
const GHLIMsec = 10

// GHNONCENEEDED is the minimum nonce count (plus one) required before a
// hash-rate estimate over a window is considered valid.
const GHNONCENEEDED = 8

type ghBucket struct {
	diffSum       float64
	firstTime     time.Time
	firstDiff     float64
	lastTime      time.Time
	nonceCount    int
	hasFirst      bool
}

// HashRateBuckets is a fixed ring of per-second diff buckets (§4.10).
// Single-producer (the receiver/nonce-dispatch path), single-consumer
// (API/auto-tune); callers serialise access under their own ghlock.
type HashRateBuckets struct {
	buckets [GHNUM]ghBucket
	offset  int
	zerosec int64
	started bool
}

// NewHashRateBuckets returns an empty estimator.
func NewHashRateBuckets() *HashRateBuckets {
	return &HashRateBuckets{}
}

// Add records one accepted nonce of the given difficulty at t (§4.10).
func (h *HashRateBuckets) Add(t time.Time, diff float64) {
	sec := t.Unix()

	if !h.started {
		h.started = true
		h.zerosec = sec
		h.offset = 0
	} else if sec != h.zerosec {
		gap := sec - h.zerosec
		if gap < 0 {
			gap = 0
		}
		if gap > GHLIMsec {
			h.reset(sec)
		} else {
			for i := int64(1); i <= gap; i++ {
				h.offset = (h.offset + 1) % GHNUM
				h.buckets[h.offset] = ghBucket{}
			}
			h.zerosec = sec
		}
	}

	b := &h.buckets[h.offset]
	if !b.hasFirst {
		b.firstTime = t
		b.firstDiff = diff
		b.hasFirst = true
	}
	b.diffSum += diff
	b.lastTime = t
	b.nonceCount++
}

func (h *HashRateBuckets) reset(sec int64) {
	h.buckets = [GHNUM]ghBucket{}
	h.offset = 0
	h.zerosec = sec
}

// HashRate returns the estimated hash rate (hashes/sec) over the trailing
// window of windowSecs seconds, and whether enough nonces were observed to
// trust it (§4.10: at least GHNONCENEEDED+1 nonces).
func (h *HashRateBuckets) HashRate(windowSecs int) (rate float64, ok bool) {
	if !h.started || windowSecs <= 0 || windowSecs > GHNUM {
		return 0, false
	}

	var diffSum float64
	var count int
	var first, last time.Time

	idx := h.offset
	for i := 0; i < windowSecs; i++ {
		b := &h.buckets[idx]
		if b.hasFirst {
			diffSum += b.diffSum
			count += b.nonceCount
			if first.IsZero() || b.firstTime.Before(first) {
				first = b.firstTime
			}
			if b.lastTime.After(last) {
				last = b.lastTime
			}
		}
		idx--
		if idx < 0 {
			idx = GHNUM - 1
		}
	}

	if count < GHNONCENEEDED+1 {
		return 0, false
	}
	elapsed := last.Sub(first).Seconds()
	if elapsed <= 0 {
		return 0, false
	}

	const fullscan = 4294967296.0 // 2^32
	return diffSum * fullscan / elapsed, true
}
