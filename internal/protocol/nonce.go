package protocol

import (
	"encoding/binary"
	"fmt"
)

// FrameKind classifies a validated reply frame (§4.5).
type FrameKind int

const (
	FrameNonce FrameKind = iota
	FrameChipCount
	FrameFrequencyReport
)

// Frame is a decoded, CRC-valid reply frame.
type Frame struct {
	Kind  FrameKind
	Nonce uint32
	JobID byte

	// FrequencyMHz and FrequencyOK are set when Kind == FrameFrequencyReport.
	FrequencyMHz float64
	FrequencyOK  bool
}

// ErrBadFrequencyReport is returned by Decode when a 0x80 report carries a
// zero divisor and must be discarded rather than applied (§4.5).
var ErrBadFrequencyReport = fmt.Errorf("protocol: bad frequency report")

// Decode validates frame's CRC for the given family and classifies it.
// Invalid frames return ok=false and must be dropped silently, never
// counted as HW errors (§4.5).
func Decode(family AsicFamily, frame []byte) (f Frame, ok bool, err error) {
	if len(frame) < 5 {
		return Frame{}, false, nil
	}

	if family == FamilyBM1384 {
		if !ValidFrame5(frame) {
			return Frame{}, false, nil
		}
	} else {
		if !ValidFrame8(frame) {
			return Frame{}, false, nil
		}
	}

	switch frame[0] {
	case 0x13:
		return Frame{Kind: FrameChipCount}, true, nil
	case 0x80:
		mhz, fok := decodeFrequencyReport(family, frame)
		if !fok {
			return Frame{}, true, ErrBadFrequencyReport
		}
		return Frame{Kind: FrameFrequencyReport, FrequencyMHz: mhz, FrequencyOK: true}, true, nil
	default:
		return decodeNonceFrame(family, frame), true, nil
	}
}

// decodeFrequencyReport applies the family-specific raw-register formula.
// BM1387: 25.0 * r[1] / (r[2] * (r[3]>>4) * (r[3]&0x0F)). A zero divisor
// is reported as invalid and must be discarded, not applied (§4.5).
func decodeFrequencyReport(family AsicFamily, frame []byte) (float64, bool) {
	if len(frame) < 4 {
		return 0, false
	}
	r1 := float64(frame[1])
	r2 := float64(frame[2])
	hi := float64(frame[3] >> 4)
	lo := float64(frame[3] & 0x0F)
	div := r2 * hi * lo
	if div == 0 {
		return 0, false
	}
	return 25.0 * r1 / div, true
}

// decodeNonceFrame extracts the 32-bit nonce and job id. BM1384 carries the
// nonce big-endian in bytes 0..3; the BM1387 family's byte layout is the
// same for the nonce but the job id moves to account for the extra status
// byte in longer frames.
func decodeNonceFrame(family AsicFamily, frame []byte) Frame {
	nonce := binary.BigEndian.Uint32(frame[0:4])
	var jobID byte
	if family == FamilyBM1384 {
		jobID = frame[5%len(frame)]
	} else {
		jobID = frame[4]
	}
	return Frame{Kind: FrameNonce, Nonce: nonce, JobID: jobID}
}

// ChipOffset extracts the low-bits chip-offset fraction from a nonce
// frame's job-id byte for families that pack one (§4.9), used to build the
// nb2chip liveness histogram. ok is false for families that don't.
func ChipOffset(family AsicFamily, jobIDByte byte) (offset byte, ok bool) {
	if !family.ChipOffsetByte() {
		return 0, false
	}
	return jobIDByte &^ family.JobIDMask(), true
}
