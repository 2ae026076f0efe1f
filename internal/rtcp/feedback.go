package rtcp

import (
	"encoding/binary"
	"fmt"
)

// NACKPair is one Generic NACK FCI entry (RFC 4585 §6.2.1): PID names the
// lost sequence number, and bit i of BitmaskLost (0-indexed from the LSB)
// additionally marks seq PID+i+1 as lost too.
type NACKPair struct {
	PID         uint16
	BitmaskLost uint16
}

// GenericNACK is RTPFB FMT=1 (RFC 4585 §6.2.1), the sole RTPFB format this
// module emits or parses.
type GenericNACK struct {
	SenderSSRC uint32
	MediaSSRC  uint32
	Pairs      []NACKPair
}

func (n GenericNACK) Marshal() []byte {
	body := make([]byte, 8+4*len(n.Pairs))
	binary.BigEndian.PutUint32(body[0:4], n.SenderSSRC)
	binary.BigEndian.PutUint32(body[4:8], n.MediaSSRC)
	for i, p := range n.Pairs {
		off := 8 + i*4
		binary.BigEndian.PutUint16(body[off:off+2], p.PID)
		binary.BigEndian.PutUint16(body[off+2:off+4], p.BitmaskLost)
	}
	return packWithHeader(FMTGenericNACK, PTRTPFB, padTo4(body))
}

func unmarshalNACK(h header, body []byte) (GenericNACK, error) {
	if h.CountOrFmt != FMTGenericNACK {
		return GenericNACK{}, fmt.Errorf("rtcp: unsupported RTPFB fmt %d", h.CountOrFmt)
	}
	if len(body) < 8 {
		return GenericNACK{}, fmt.Errorf("rtcp: RTPFB NACK too short")
	}
	n := GenericNACK{
		SenderSSRC: binary.BigEndian.Uint32(body[0:4]),
		MediaSSRC:  binary.BigEndian.Uint32(body[4:8]),
	}
	off := 8
	for off+4 <= len(body) {
		n.Pairs = append(n.Pairs, NACKPair{
			PID:         binary.BigEndian.Uint16(body[off : off+2]),
			BitmaskLost: binary.BigEndian.Uint16(body[off+2 : off+4]),
		})
		off += 4
	}
	return n, nil
}

// PictureLossIndication is PSFB FMT=1 (RFC 4585 §6.3.1): a bare feedback
// request with no FCI payload, used here as the codec-agnostic "please
// resync" signal on unrecoverable loss.
type PictureLossIndication struct {
	SenderSSRC uint32
	MediaSSRC  uint32
}

func (p PictureLossIndication) Marshal() []byte {
	body := make([]byte, 8)
	binary.BigEndian.PutUint32(body[0:4], p.SenderSSRC)
	binary.BigEndian.PutUint32(body[4:8], p.MediaSSRC)
	return packWithHeader(FMTPLI, PTPSFB, body)
}

func unmarshalPLI(h header, body []byte) (PictureLossIndication, error) {
	if h.CountOrFmt != FMTPLI {
		return PictureLossIndication{}, fmt.Errorf("rtcp: unsupported PSFB fmt %d", h.CountOrFmt)
	}
	if len(body) < 8 {
		return PictureLossIndication{}, fmt.Errorf("rtcp: PSFB PLI too short")
	}
	return PictureLossIndication{
		SenderSSRC: binary.BigEndian.Uint32(body[0:4]),
		MediaSSRC:  binary.BigEndian.Uint32(body[4:8]),
	}, nil
}
