package tsrap

import (
	"github.com/vqe-c/vqec/internal/vqerr"
)

// nullPID is the MPEG-TS null/stuffing packet PID.
const nullPID uint16 = 0x1FFF

// DecodedTS is the content recovered from an encoded splice run: the
// inverse of Encode, modulo continuity-counter renumbering.
type DecodedTS struct {
	PAT       []byte // PSI section bytes, trailing CRC stripped
	PMT       []byte
	PATCopies int
	PMTCopies int
	PMTPID    uint16

	ES       []byte // elementary-stream bytes, PES header stripped
	VideoPID uint16

	PCRs   []uint64 // in buffer order, walking forward toward the anchor
	PCRPID uint16

	NullPackets int
}

// DecodeTS parses a run of 188-byte TS packets produced by Encode back
// into its constituent parts: PAT/PMT sections (CRC-verified), the
// PES-wrapped elementary payload, the synthesized PCR-only packets, and
// the trailing null padding. Anything Encode would not emit (bad sync
// byte, truncated section, CRC mismatch, malformed PES header) fails the
// whole decode.
func DecodeTS(buf []byte) (*DecodedTS, error) {
	if len(buf) == 0 || len(buf)%TSPacketLen != 0 {
		return nil, vqerr.New(vqerr.KindParseError, "tsrap.DecodeTS", nil)
	}

	d := &DecodedTS{}
	var esRaw []byte

	for off := 0; off < len(buf); off += TSPacketLen {
		pkt := buf[off : off+TSPacketLen]
		if pkt[0] != 0x47 {
			return nil, vqerr.New(vqerr.KindParseError, "tsrap.DecodeTS", nil)
		}
		pid := (uint16(pkt[1])&0x1F)<<8 | uint16(pkt[2])
		pusi := pkt[1]&0x40 != 0
		afc := (pkt[3] >> 4) & 0x3

		if pid == nullPID {
			d.NullPackets++
			continue
		}

		// adaptation-field-only packets are the synthesized PCR walk.
		if afc == 0x2 {
			afLen := int(pkt[4])
			if afLen < 7 || pkt[5]&0x10 == 0 {
				return nil, vqerr.New(vqerr.KindParseError, "tsrap.DecodeTS", nil)
			}
			d.PCRs = append(d.PCRs, readPCR(pkt[6:12]))
			d.PCRPID = pid
			continue
		}

		payload := pkt[4:]
		if afc == 0x3 {
			afLen := int(pkt[4])
			if 1+afLen > len(payload) {
				return nil, vqerr.New(vqerr.KindParseError, "tsrap.DecodeTS", nil)
			}
			payload = payload[1+afLen:]
		}

		if pid == patPID || (d.PMTPID != 0 && pid == d.PMTPID) {
			if !pusi {
				return nil, vqerr.New(vqerr.KindParseError, "tsrap.DecodeTS", nil)
			}
			section, err := readSection(payload)
			if err != nil {
				return nil, err
			}
			if pid == patPID {
				d.PAT = section
				d.PATCopies++
				if d.PMTPID == 0 {
					d.PMTPID = pmtPIDFromPAT(section)
				}
			} else {
				d.PMT = section
				d.PMTCopies++
			}
			continue
		}

		if pusi {
			d.VideoPID = pid
		}
		esRaw = append(esRaw, payload...)
	}

	if len(esRaw) > 0 {
		es, err := stripPESHeader(esRaw)
		if err != nil {
			return nil, err
		}
		d.ES = es
	}
	return d, nil
}

// readSection skips the pointer_field, verifies the section CRC, and
// returns the section bytes without the CRC, undoing buildSectionPacket.
func readSection(payload []byte) ([]byte, error) {
	if len(payload) < 4 {
		return nil, vqerr.New(vqerr.KindParseError, "tsrap.readSection", nil)
	}
	ptr := int(payload[0])
	body := payload[1+ptr:]
	if len(body) < 3 {
		return nil, vqerr.New(vqerr.KindParseError, "tsrap.readSection", nil)
	}
	sectionLen := int(body[1]&0x0F)<<8 | int(body[2])
	total := 3 + sectionLen // includes the trailing CRC-32
	if total < 4 || total > len(body) {
		return nil, vqerr.New(vqerr.KindParseError, "tsrap.readSection", nil)
	}
	section := body[:total-4]
	crc := uint32(body[total-4])<<24 | uint32(body[total-3])<<16 |
		uint32(body[total-2])<<8 | uint32(body[total-1])
	if crc != mpegTSCRC32(section) {
		return nil, vqerr.New(vqerr.KindParseError, "tsrap.readSection", nil)
	}
	return append([]byte(nil), section...), nil
}

// stripPESHeader undoes the minimal PES wrapping packPayloadPackets
// applies: start code, stream_id 0xE0, PES_packet_length, flag bytes, a
// zero header_data_length, then the elementary stream.
func stripPESHeader(raw []byte) ([]byte, error) {
	const pesHeaderLen = 9
	if len(raw) < pesHeaderLen || raw[0] != 0x00 || raw[1] != 0x00 || raw[2] != 0x01 {
		return nil, vqerr.New(vqerr.KindParseError, "tsrap.stripPESHeader", nil)
	}
	lenField := int(raw[4])<<8 | int(raw[5])
	headerDataLen := int(raw[8])
	es := raw[pesHeaderLen+headerDataLen:]
	if lenField != 0 {
		want := lenField - 3 - headerDataLen
		if want < 0 || want > len(es) {
			return nil, vqerr.New(vqerr.KindParseError, "tsrap.stripPESHeader", nil)
		}
		es = es[:want]
	}
	return append([]byte(nil), es...), nil
}

// readPCR decodes the 6-byte PCR field's 33-bit 90kHz base, the inverse
// of writePCR.
func readPCR(b []byte) uint64 {
	return uint64(b[0])<<25 | uint64(b[1])<<17 | uint64(b[2])<<9 |
		uint64(b[3])<<1 | uint64(b[4]>>7)
}
