package tsrap

import (
	"github.com/vqe-c/vqec/internal/vqerr"
)

const patPID uint16 = 0x0000

// mpegTSCRC32 computes the MPEG-2 section CRC-32 (polynomial 0x04C11DB7,
// init 0xFFFFFFFF, MSB-first, no bit reflection, no final XOR).
func mpegTSCRC32(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		for i := 0; i < 8; i++ {
			if (crc^(uint32(b)<<24))&0x80000000 != 0 {
				crc = (crc << 1) ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
			b <<= 1
		}
	}
	return crc
}

// pmtPIDFromPAT extracts the PMT PID of the first program entry in a
// decoded PAT section (table_id through the program loop, CRC not yet
// appended). PAT section layout: table_id(1) section_length(2)
// transport_stream_id(2) reserved/version/current_next(1) section_number(1)
// last_section_number(1) then repeating program_number(2) PID(2) entries.
func pmtPIDFromPAT(pat []byte) uint16 {
	const programLoopOffset = 8
	if len(pat) < programLoopOffset+4 {
		return 0
	}
	entry := pat[programLoopOffset:]
	return (uint16(entry[2]) << 8 | uint16(entry[3])) & 0x1FFF
}

// buildSectionPacket wraps section (a decoded PSI section without its
// trailing CRC) into one 188-byte TS packet: sync byte, PUSI, pid, payload
// adaptation-field-control, a zero pointer_field, the section bytes, a
// big-endian CRC-32 over the section, and 0xFF padding to fill the packet.
func buildSectionPacket(pid uint16, section []byte, cc uint8) ([TSPacketLen]byte, error) {
	var pkt [TSPacketLen]byte
	const headerLen = 5 // sync + pid(2) + afc/cc + pointer_field
	if headerLen+len(section)+4 > TSPacketLen {
		return pkt, vqerr.New(vqerr.KindParseError, "tsrap.buildSectionPacket", nil)
	}
	pkt[0] = 0x47
	pkt[1] = byte(0x40 | ((pid >> 8) & 0x1F))
	pkt[2] = byte(pid & 0xFF)
	pkt[3] = 0x10 | (cc & 0x0F)
	pkt[4] = 0x00 // pointer_field

	n := copy(pkt[5:], section)
	crc := mpegTSCRC32(section)
	crcOff := 5 + n
	pkt[crcOff] = byte(crc >> 24)
	pkt[crcOff+1] = byte(crc >> 16)
	pkt[crcOff+2] = byte(crc >> 8)
	pkt[crcOff+3] = byte(crc)
	for i := crcOff + 4; i < TSPacketLen; i++ {
		pkt[i] = 0xFF
	}
	return pkt, nil
}

func buildPATPacket(patSection []byte, cc uint8) ([TSPacketLen]byte, error) {
	return buildSectionPacket(patPID, patSection, cc)
}

func buildPMTPacket(pmtSection []byte, pmtPID uint16, cc uint8) ([TSPacketLen]byte, error) {
	return buildSectionPacket(pmtPID, pmtSection, cc)
}
