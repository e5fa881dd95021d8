package protocol

// AsicFamily discriminates the chip families this driver core speaks to.
// The source dispatches on a runtime asic_type field through a vtable; we
// use a closed enum since the set of supported families is fixed.
type AsicFamily int

const (
	FamilyUnknown AsicFamily = iota
	FamilyBM1384
	FamilyBM1387
	FamilyBM1397
	FamilyBM1362
	FamilyBM1370
)

func (f AsicFamily) String() string {
	switch f {
	case FamilyBM1384:
		return "BM1384"
	case FamilyBM1387:
		return "BM1387"
	case FamilyBM1397:
		return "BM1397"
	case FamilyBM1362:
		return "BM1362"
	case FamilyBM1370:
		return "BM1370"
	default:
		return "unknown"
	}
}

// AsicBoost reports whether a family supports multi-midstate version
// rolling. BM1384 predates AsicBoost.
func (f AsicFamily) AsicBoost() bool {
	return f != FamilyBM1384 && f != FamilyUnknown
}

// JobIDStride is the increment between adjacent job ids the family's
// firmware accepts. No job ids are reserved: busy tasks take ids from the
// same sequence as real work, and ramp tasks use id 0.
func (f AsicFamily) JobIDStride() byte {
	switch f {
	case FamilyBM1397:
		return 0x04
	case FamilyBM1362:
		return 0x08
	case FamilyBM1370:
		return 0x18
	default:
		return 0x01
	}
}

// JobIDMask isolates the bits of a reply's job-id byte that actually
// identify the job, as opposed to the chip-offset fraction families
// BM1397/1362/1370 pack into the low bits.
func (f AsicFamily) JobIDMask() byte {
	switch f {
	case FamilyBM1397, FamilyBM1362:
		return 0xF8
	case FamilyBM1370:
		return 0xF0
	default:
		return 0xFF
	}
}

// BackwardOffsets is K, the number of job ids behind the current one that
// are still considered "in flight" for a returning nonce (§4.5 step 1).
func (f AsicFamily) BackwardOffsets() int {
	switch f {
	case FamilyBM1397, FamilyBM1362, FamilyBM1370:
		return 4
	default:
		return 3
	}
}

// TaskFrameLen is the wire length of one task frame for the family, given
// whether AsicBoost is active. Only BM1387 carries 4 midstates under
// AsicBoost; the newer families roll the version over a single midstate.
func (f AsicFamily) TaskFrameLen(asicBoost bool) int {
	switch f {
	case FamilyBM1384:
		return 64
	case FamilyBM1387:
		if asicBoost {
			return 150
		}
		return 54
	default:
		return 54
	}
}

// HealthyRatio is the fraction of nominal hashrate a device's trailing
// 1-minute rate must clear to be considered healthy (§4.6's "unhealthy
// miner" guard). BM1384 chains tolerate more variance before the nominal
// figure is trustworthy than the BM1387-family does.
func (f AsicFamily) HealthyRatio() float64 {
	if f == FamilyBM1384 {
		return 0.33
	}
	return 0.75
}

// ChipOffsetByte returns true if nonce frames from this family carry a
// chip-offset fraction usable to build the nb2chip liveness histogram
// (§4.9).
func (f AsicFamily) ChipOffsetByte() bool {
	switch f {
	case FamilyBM1397, FamilyBM1362, FamilyBM1370:
		return true
	default:
		return false
	}
}
