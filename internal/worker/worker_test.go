package worker

import (
	"testing"

	"github.com/stretchr/testify/require"

	"gekkominer/internal/miner"
	"gekkominer/internal/protocol"
)

type fakePool struct {
	queued   []*miner.Work
	accepted bool
	completed []*miner.Work
}

func (f *fakePool) GetQueued(string) (*miner.Work, bool) {
	if len(f.queued) == 0 {
		return nil, false
	}
	w := f.queued[0]
	f.queued = f.queued[1:]
	return w, true
}
func (f *fakePool) WorkCompleted(_ string, w *miner.Work) { f.completed = append(f.completed, w) }
func (f *fakePool) TestNonce(*miner.Work, uint32) bool    { return true }
func (f *fakePool) SubmitNonce(int, *miner.Work, uint32) bool { return f.accepted }

func validBM1384NonceFrame(nonce uint32, jobID byte) []byte {
	frame := []byte{
		byte(nonce >> 24), byte(nonce >> 16), byte(nonce >> 8), byte(nonce),
		jobID,
	}
	chk := protocol.CRC5(frame, 8*len(frame)-5)
	frame[len(frame)-1] = (jobID &^ 0x1F) | byte(chk)
	return frame
}

func TestDispatcherAcceptsFirstNonceAndCountsDupOnRepeat(t *testing.T) {
	ds := miner.NewDeviceState(protocol.FamilyBM1384, 0, 0x7F, 1)
	ds.StashWork(5, &miner.Work{MidstateN: 1})

	p := &fakePool{accepted: true}
	d := NewDispatcher(ds, p, "dev0", 1)

	frame := validBM1384NonceFrame(0xDEADBEEF, 5)
	d.handle(miner.NonceEvent{Raw: frame})
	require.EqualValues(t, 1, ds.Accepted)
	require.EqualValues(t, 1, ds.Nonces)

	d.handle(miner.NonceEvent{Raw: frame})
	require.EqualValues(t, 1, ds.Dups)
	require.Equal(t, miner.StateMiningDups, ds.MiningState)
}

func TestDispatcherDropsNonceWithNoLiveCandidateSlot(t *testing.T) {
	ds := miner.NewDeviceState(protocol.FamilyBM1384, 0, 0x7F, 1)
	p := &fakePool{accepted: true}
	d := NewDispatcher(ds, p, "dev0", 1)

	frame := validBM1384NonceFrame(0x1, 5)
	d.handle(miner.NonceEvent{Raw: frame})
	require.Zero(t, ds.Nonces)
}

func TestSenderComputeTiming(t *testing.T) {
	ds := miner.NewDeviceState(protocol.FamilyBM1387, 0, 0x7F, 4)
	ds.Chips = 1
	ds.Cores = 114
	ds.Frequency = 400

	s := NewSender(ds, nil, &fakePool{}, "dev0")
	maxWait, sleepMs := s.computeTiming()
	require.Greater(t, maxWait.Milliseconds(), int64(0))
	require.GreaterOrEqual(t, sleepMs, 1)
	require.LessOrEqual(t, sleepMs, 200)
}
