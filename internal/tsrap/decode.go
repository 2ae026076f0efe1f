package tsrap

import (
	"encoding/binary"

	"github.com/vqe-c/vqec/internal/vqerr"
)

// Decode parses a TSRAP TLV blob into a Burst. Wire format is a flat run
// of {type(1) pid(2 BE) length(2 BE) payload(length)} entries; pid is
// unused by the element-level TLVs and carries PCR_PID for the PCR entry.
// An unrecognized type or a length that runs past the blob fails the
// whole decode; no partial Burst is ever returned. Up to three trailing
// zero bytes (the RTCP APP payload's word-alignment padding) are ignored.
func Decode(blob []byte) (*Burst, error) {
	const entryHeaderLen = 5
	b := &Burst{}
	off := 0
	for off < len(blob) {
		if off+entryHeaderLen > len(blob) {
			pad := len(blob)-off < 4
			for _, c := range blob[off:] {
				pad = pad && c == 0
			}
			if pad {
				break
			}
			return nil, vqerr.New(vqerr.KindParseError, "tsrap.Decode", nil)
		}
		typ := TLVType(blob[off])
		pid := uint16(blob[off+1])<<8 | uint16(blob[off+2])
		length := int(blob[off+3])<<8 | int(blob[off+4])
		off += entryHeaderLen
		if length < 0 || off+length > len(blob) {
			return nil, vqerr.New(vqerr.KindParseError, "tsrap.Decode", nil)
		}
		payload := blob[off : off+length]
		off += length

		switch typ {
		case TLVPAT:
			b.PAT = append([]byte(nil), payload...)
		case TLVPMT:
			b.PMT = append([]byte(nil), payload...)
		case TLVSeqHeader:
			b.SeqHdr = append([]byte(nil), payload...)
		case TLVSPS:
			b.SPS = append([]byte(nil), payload...)
		case TLVPPS:
			b.PPS = append([]byte(nil), payload...)
		case TLVSEI:
			b.SEI = append([]byte(nil), payload...)
		case TLVECM:
			b.ECM = append([]byte(nil), payload...)
		case TLVPTS:
			if len(payload) < 8 {
				return nil, vqerr.New(vqerr.KindParseError, "tsrap.Decode", nil)
			}
			v := binary.BigEndian.Uint64(payload[:8])
			b.PTS = &v
		case TLVPCR:
			if len(payload) < 14 {
				return nil, vqerr.New(vqerr.KindParseError, "tsrap.Decode", nil)
			}
			b.PCR = &PCRInfo{
				PID:        pid,
				BitrateBps: binary.BigEndian.Uint32(payload[0:4]),
				NumPackets: int(binary.BigEndian.Uint16(payload[4:6])),
				Value90kHz: binary.BigEndian.Uint64(payload[6:14]) & 0x1FFFFFFFF,
			}
		case TLVPIDList:
			if len(payload)%3 != 0 {
				return nil, vqerr.New(vqerr.KindParseError, "tsrap.Decode", nil)
			}
			for i := 0; i < len(payload); i += 3 {
				b.PIDList = append(b.PIDList, PIDEntry{
					PID: uint16(payload[i])<<8 | uint16(payload[i+1]),
					CC:  payload[i+2] & 0x0F,
				})
			}
		default:
			return nil, vqerr.New(vqerr.KindParseError, "tsrap.Decode", nil)
		}
	}
	return b, nil
}
