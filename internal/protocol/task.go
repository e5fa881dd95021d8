package protocol

import "encoding/binary"

// TaskParams carries everything the encoder needs to build one task frame.
// It intentionally holds no pointer back into device state: the sender
// thread (C7) snapshots whatever it needs before calling EncodeTask so the
// encoder stays a pure function of its inputs (§8 "task encoding is
// idempotent").
type TaskParams struct {
	Family      AsicFamily
	JobID       byte
	TicketMask  byte
	HeaderTail  [12]byte // block header bytes 64..75, natural order
	Midstates   [][32]byte
	AsicBoost   bool
	VersionMask uint32
	HashCount   uint32 // BM1384 hash-count-number
	Busy        bool   // filler task: job id only, no real work
}

func reversed(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// EncodeTask builds the wire frame for one task, dispatching on family.
func EncodeTask(p TaskParams) []byte {
	if p.Family == FamilyBM1384 {
		return encodeBM1384(p)
	}
	return encodeBM1387Family(p)
}

// encodeBM1384 builds the 64-byte BM1384 task frame (§4.4): midstate
// reversed at 0..31, reversed header tail at 32..43 with the ticket-mask
// and hash-count-number fields overlaid at their documented absolute
// offsets, job id at 51.
func encodeBM1384(p TaskParams) []byte {
	buf := make([]byte, 64)
	if !p.Busy && len(p.Midstates) > 0 {
		copy(buf[0:32], reversed(p.Midstates[0][:]))
		copy(buf[32:44], reversed(p.HeaderTail[:]))
	}
	buf[39] = p.TicketMask
	binary.BigEndian.PutUint32(buf[40:44], p.HashCount)
	buf[51] = p.JobID
	return buf
}

// encodeBM1387Family builds the 54- or 150-byte frame shared by
// BM1387/BM1397/BM1362/BM1370 (§4.4). Plain BM1387 AsicBoost rolls four
// midstates; the newer families instead roll a version-mask range over a
// single midstate, carried in the header's otherwise-unused bytes.
func encodeBM1387Family(p TaskParams) []byte {
	n := 1
	flags := byte(0x01)
	versionRolling := p.AsicBoost && p.Family != FamilyBM1387
	if p.AsicBoost && p.Family == FamilyBM1387 {
		n = 4
		flags = 0x04
	}
	frameLen := p.Family.TaskFrameLen(p.AsicBoost)

	buf := make([]byte, frameLen)
	buf[0] = 0x21
	buf[1] = byte(frameLen)
	buf[2] = p.JobID
	buf[3] = flags
	if versionRolling {
		binary.BigEndian.PutUint32(buf[4:8], p.VersionMask)
	}
	copy(buf[8:20], reversed(p.HeaderTail[:]))

	if !p.Busy {
		for i := 0; i < n && i < len(p.Midstates); i++ {
			copy(buf[20+32*i:20+32*(i+1)], reversed(p.Midstates[i][:]))
		}
	}

	crc := CRC16(buf[:frameLen-2])
	binary.BigEndian.PutUint16(buf[frameLen-2:], crc)
	return buf
}
