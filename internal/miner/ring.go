package miner

// StashWork places w at slot jobID in the work ring and marks it active,
// returning whatever was previously there so the caller can release it
// back to the pool (§3 Work ownership, §4.7 step 3).
func (ds *DeviceState) StashWork(jobID byte, w *Work) (displaced *Work) {
	ds.Lock.Lock()
	defer ds.Lock.Unlock()

	idx := int(jobID)
	if idx >= len(ds.Work) {
		return nil
	}
	displaced = ds.Work[idx]
	ds.Work[idx] = w
	ds.ActiveWork[idx] = true
	return displaced
}

// WorkAt returns the work at jobID and whether the slot is active. A slot
// may be active with a nil work — callers must treat that as "stale", per
// §3's invariant. A flushed slot is inactive but keeps its work pointer.
func (ds *DeviceState) WorkAt(jobID byte) (w *Work, active bool) {
	ds.Lock.RLock()
	defer ds.Lock.RUnlock()

	idx := int(jobID)
	if idx >= len(ds.Work) {
		return nil, false
	}
	return ds.Work[idx], ds.ActiveWork[idx]
}

// Flush clears every active_work flag without freeing the underlying Work
// pointers, matching §3's "active may be cleared without freeing work"
// rule (used on MINING -> RESET and pool work-restart notifications).
func (ds *DeviceState) Flush() {
	ds.Lock.Lock()
	defer ds.Lock.Unlock()
	for i := range ds.ActiveWork {
		ds.ActiveWork[i] = false
	}
}

// CandidateSlots returns the up-to-K job ids behind current (inclusive)
// that a returning nonce may legitimately match, per §4.5 step 1.
func (ds *DeviceState) CandidateSlots(current byte, backward int) []byte {
	out := make([]byte, 0, backward+1)
	span := int(ds.MaxJobID) - int(ds.MinJobID) + 1
	cur := int(current) - int(ds.MinJobID)
	for i := 0; i <= backward; i++ {
		idx := cur - i*int(ds.AddJobID)
		idx %= span
		if idx < 0 {
			idx += span
		}
		out = append(out, ds.MinJobID+byte(idx))
	}
	return out
}

// RecordNonce applies §4.5's dup/accept bookkeeping for one observed
// nonce value and returns whether it was a duplicate.
func (ds *DeviceState) RecordNonce(nonce uint32) (isDup bool) {
	ds.Lock.Lock()
	defer ds.Lock.Unlock()

	if ds.Nonces > 0 && nonce == ds.PrevNonce {
		ds.Dups++
		ds.DupsAll++
		return true
	}
	ds.PrevNonce = nonce
	ds.Nonces++
	return false
}
