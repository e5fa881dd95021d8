// Package pool declares the narrow interface the device-driver core
// consumes from the pool/Stratum collaborator (§6). The collaborator
// itself — Stratum framing, job submission, share accounting — is out of
// scope (§1 Non-goals); this package exists so internal/worker and
// internal/miner can depend on an interface instead of a concrete pool
// implementation.
package pool

import "gekkominer/internal/miner"

// Source is what the sender thread (C7) pulls work from and returns
// displaced work to.
type Source interface {
	// GetQueued pops one work item for deviceID, non-blocking. ok is
	// false if the queue is empty (§6).
	GetQueued(deviceID string) (w *miner.Work, ok bool)

	// WorkCompleted returns work whose ring slot was overwritten before
	// a result was ever produced from it (§6).
	WorkCompleted(deviceID string, w *miner.Work)

	// TestNonce verifies, via SHA-256d, that w+nonce actually meets the
	// pool's current target. The pool collaborator owns SHA-256 (§1).
	TestNonce(w *miner.Work, nonce uint32) bool

	// SubmitNonce submits an already-tested nonce to the pool, returning
	// true if accepted (§6).
	SubmitNonce(threadID int, w *miner.Work, nonce uint32) bool
}

// CancelNotifier lets the pool collaborator signal a work restart; the
// receiver thread's cancellable reads must unblock in response (§4.8,
// §5).
type CancelNotifier interface {
	// CancelReads is called by the pool collaborator when a new block or
	// a pool switch invalidates in-flight work.
	CancelReads()
}
