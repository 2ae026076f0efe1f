package tsrap

import (
	"github.com/vqe-c/vqec/internal/vqerr"
)

// tsPayloadCapacity is the number of TS payload bytes available in a
// packet carrying no adaptation field.
const tsPayloadCapacity = TSPacketLen - 4

// concatElementaryStreams concatenates the burst's SPS/PPS/SEI NAL units
// into one elementary-stream byte run ahead of PES wrapping.
func concatElementaryStreams(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// packPayloadPackets splits es into a run of TS packets under pid. If
// withPES, es is preceded by a minimal PES header (stream_id 0xE0, no
// PTS/DTS) so a decoder recognizes the splice as the start of an access
// unit. The final packet is padded to exactly 188 bytes with an
// adaptation field (stuffing bytes) rather than trailing 0xFF outside the
// packet, since 0xFF is not a legal elementary-stream payload filler.
func packPayloadPackets(es []byte, pid uint16, withPES bool) ([]byte, error) {
	if len(es) == 0 {
		return nil, nil
	}
	full := es
	if withPES {
		pesLen := 3 + len(es) // optional-header flags(2) + header_data_length(1) + ES data
		var lenField uint16
		if pesLen <= 0xFFFF {
			lenField = uint16(pesLen)
		}
		header := []byte{0x00, 0x00, 0x01, 0xE0, byte(lenField >> 8), byte(lenField), 0x80, 0x00, 0x00}
		full = append(append([]byte{}, header...), es...)
	}

	var out []byte
	offset := 0
	pusi := true
	for offset < len(full) {
		remaining := len(full) - offset
		var pkt [TSPacketLen]byte
		pkt[0] = 0x47
		pkt[1] = byte((pid >> 8) & 0x1F)
		if pusi {
			pkt[1] |= 0x40
		}
		pkt[2] = byte(pid & 0xFF)
		pusi = false

		if remaining >= tsPayloadCapacity {
			pkt[3] = 0x10 // AFC=01, cc fixed up later
			copy(pkt[4:], full[offset:offset+tsPayloadCapacity])
			offset += tsPayloadCapacity
		} else {
			n := remaining
			afLen := tsPayloadCapacity - 1 - n // bytes of AF content after the length byte
			pkt[3] = 0x30                      // AFC=11, AF + payload
			pkt[4] = byte(afLen)
			pos := 5
			if afLen > 0 {
				pkt[5] = 0x00 // no PCR/OPCR/splice/private/extension
				pos = 6
				for i := 0; i < afLen-1; i++ {
					pkt[pos+i] = 0xFF
				}
				pos += afLen - 1
			}
			copy(pkt[pos:], full[offset:offset+n])
			offset += n
		}
		out = append(out, pkt[:]...)
	}
	return out, nil
}

// buildPCRBurst synthesizes info.NumPackets adaptation-field-only TS
// packets carrying nothing but a PCR, walking the timestamp backward from
// info.Value90kHz by one inter-packet interval per packet so the earliest
// synthesized packet is furthest in the past and the last is nearest to
// the burst's real first payload.
func buildPCRBurst(info PCRInfo, pid uint16) ([]byte, error) {
	if info.NumPackets <= 0 {
		return nil, nil
	}
	if info.BitrateBps == 0 {
		return nil, vqerr.New(vqerr.KindInvalidArgs, "tsrap.buildPCRBurst", nil)
	}
	// ticks (90kHz) per TS packet interval at this bitrate.
	ticksPerPacket := uint64(TSPacketLen) * 8 * 90000 / uint64(info.BitrateBps)

	var out []byte
	for i := 0; i < info.NumPackets; i++ {
		back := uint64(info.NumPackets-i) * ticksPerPacket
		pcr := info.Value90kHz - back

		var pkt [TSPacketLen]byte
		pkt[0] = 0x47
		pkt[1] = byte((pid >> 8) & 0x1F)
		pkt[2] = byte(pid & 0xFF)
		pkt[3] = 0x20 // AFC=10, AF only; cc held
		pkt[4] = 183  // adaptation_field_length fills the rest of the packet
		pkt[5] = 0x10 // PCR_flag
		writePCR(pkt[6:12], pcr)
		for j := 12; j < TSPacketLen; j++ {
			pkt[j] = 0xFF
		}
		out = append(out, pkt[:]...)
	}
	return out, nil
}

// writePCR encodes a 33-bit 90kHz PCR base (extension fixed at 0) into
// the 6-byte wire field.
func writePCR(dst []byte, base uint64) {
	base &= 0x1FFFFFFFF
	dst[0] = byte(base >> 25)
	dst[1] = byte(base >> 17)
	dst[2] = byte(base >> 9)
	dst[3] = byte(base >> 1)
	dst[4] = byte((base&1)<<7) | 0x7E
	dst[5] = 0x00
}

// ccTracker hands out continuity-counter values for the reverse-order
// fixup pass: the first call for a PID returns that PID's recorded
// live-stream value, and each subsequent call for the same PID returns
// one less (mod 16). Unknown PIDs start at 0.
type ccTracker struct {
	cur map[uint16]uint8
}

func newCCTracker(pidlist []PIDEntry) *ccTracker {
	m := make(map[uint16]uint8, len(pidlist))
	for _, e := range pidlist {
		m[e.PID] = e.CC
	}
	return &ccTracker{cur: m}
}

func (c *ccTracker) take(pid uint16) uint8 {
	v := c.cur[pid]
	c.cur[pid] = (v - 1) & 0x0F
	return v
}

func (c *ccTracker) hold(pid uint16) uint8 {
	return c.cur[pid]
}

// fixContinuityCounters walks buf in reverse 188-byte packets, assigning
// each payload-carrying packet's PID the next value from cc (decrementing
// monotonically toward the start of the buffer) and holding the value for
// adaptation-field-only packets, matching how a real decoder's CC
// expectation must line up across the splice.
func fixContinuityCounters(buf []byte, cc *ccTracker) {
	for off := len(buf) - TSPacketLen; off >= 0; off -= TSPacketLen {
		pkt := buf[off : off+TSPacketLen]
		pid := (uint16(pkt[1])&0x1F)<<8 | uint16(pkt[2])
		afc := (pkt[3] >> 4) & 0x3
		switch afc {
		case 0x1, 0x3:
			v := cc.take(pid)
			pkt[3] = (pkt[3] &^ 0x0F) | (v & 0x0F)
		case 0x2:
			v := cc.hold(pid)
			pkt[3] = (pkt[3] &^ 0x0F) | (v & 0x0F)
		}
	}
}
