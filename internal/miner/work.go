// Package miner holds C3, the per-device mutable state block: lifecycle,
// topology, frequency, job/work ring, stats, and the nonce MPSC queue.
package miner

// Work is the opaque unit the pool collaborator hands to the core (§3).
// The core never inspects target/pool beyond passing them back through the
// §6 pool interface; it reads/writes Data, Midstates, and the micro-job
// bookkeeping fields directly.
type Work struct {
	Data       [128]byte // block header bytes 0..127; tail is rolled in place
	Midstate   [32]byte
	Midstate1  [32]byte
	Midstate2  [32]byte
	Midstate3  [32]byte
	MidstateN  int // 1 unless AsicBoost is active (then up to 4)
	Target     [32]byte
	Pool       interface{} // opaque back-reference, not interpreted by the core

	DeviceDiff  float64
	Nonce       uint32
	MicroJobID  uint32 // 2^k for the midstate k that matched, 0 if single-midstate
}

// Midstates returns the active midstate slice in the order the task
// encoder expects it (§4.4).
func (w *Work) Midstates() [][32]byte {
	all := [][32]byte{w.Midstate, w.Midstate1, w.Midstate2, w.Midstate3}
	n := w.MidstateN
	if n < 1 {
		n = 1
	}
	if n > 4 {
		n = 4
	}
	return all[:n]
}

// HeaderTail returns header bytes 64..75, the 12 bytes the task encoder
// carries separately from the midstate (§4.4).
func (w *Work) HeaderTail() [12]byte {
	var tail [12]byte
	copy(tail[:], w.Data[64:76])
	return tail
}
