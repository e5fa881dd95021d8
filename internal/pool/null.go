package pool

import "gekkominer/internal/miner"

// NullSource is a pool.Source that never hands out work. It lets gekkod run
// standalone (device discovery, state-machine bring-up, telemetry) with no
// pool/Stratum collaborator attached, exercising every component up to the
// §6 seam where a real pool client would plug in.
type NullSource struct{}

// NewNullSource returns a Source with no queued work.
func NewNullSource() *NullSource { return &NullSource{} }

func (NullSource) GetQueued(deviceID string) (*miner.Work, bool) { return nil, false }

func (NullSource) WorkCompleted(deviceID string, w *miner.Work) {}

func (NullSource) TestNonce(w *miner.Work, nonce uint32) bool { return false }

func (NullSource) SubmitNonce(threadID int, w *miner.Work, nonce uint32) bool { return false }
