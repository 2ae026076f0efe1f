package rtcp

import (
	"encoding/binary"
	"fmt"
)

// ReceptionReport is one SR/RR reception-report block (RFC 3550 §6.4.1).
type ReceptionReport struct {
	SSRC           uint32
	FractionLost   uint8
	PacketsLost    uint32 // 24-bit on the wire
	HighestSeq     uint32
	Jitter         uint32
	LastSR         uint32
	DelaySinceLSR  uint32
}

func (r ReceptionReport) marshal() []byte {
	b := make([]byte, 24)
	binary.BigEndian.PutUint32(b[0:4], r.SSRC)
	b[4] = r.FractionLost
	lost := r.PacketsLost & 0x00FFFFFF
	b[5] = byte(lost >> 16)
	b[6] = byte(lost >> 8)
	b[7] = byte(lost)
	binary.BigEndian.PutUint32(b[8:12], r.HighestSeq)
	binary.BigEndian.PutUint32(b[12:16], r.Jitter)
	binary.BigEndian.PutUint32(b[16:20], r.LastSR)
	binary.BigEndian.PutUint32(b[20:24], r.DelaySinceLSR)
	return b
}

func unmarshalReceptionReport(b []byte) (ReceptionReport, error) {
	if len(b) < 24 {
		return ReceptionReport{}, fmt.Errorf("rtcp: reception report block too short")
	}
	return ReceptionReport{
		SSRC:          binary.BigEndian.Uint32(b[0:4]),
		FractionLost:  b[4],
		PacketsLost:   uint32(b[5])<<16 | uint32(b[6])<<8 | uint32(b[7]),
		HighestSeq:    binary.BigEndian.Uint32(b[8:12]),
		Jitter:        binary.BigEndian.Uint32(b[12:16]),
		LastSR:        binary.BigEndian.Uint32(b[16:20]),
		DelaySinceLSR: binary.BigEndian.Uint32(b[20:24]),
	}, nil
}

// SenderReport is RTCP PT=200 (RFC 3550 §6.4.1).
type SenderReport struct {
	SSRC          uint32
	NTPSec        uint32
	NTPFrac       uint32
	RTPTimestamp  uint32
	PacketCount   uint32
	OctetCount    uint32
	ReceptionRpts []ReceptionReport
}

func (s SenderReport) Marshal() []byte {
	body := make([]byte, 20)
	binary.BigEndian.PutUint32(body[0:4], s.SSRC)
	binary.BigEndian.PutUint32(body[4:8], s.NTPSec)
	binary.BigEndian.PutUint32(body[8:12], s.NTPFrac)
	binary.BigEndian.PutUint32(body[12:16], s.RTPTimestamp)
	binary.BigEndian.PutUint32(body[16:20], s.PacketCount)
	// octet count lives right after packet count; extend body.
	oct := make([]byte, 4)
	binary.BigEndian.PutUint32(oct, s.OctetCount)
	body = append(body, oct...)
	for _, r := range s.ReceptionRpts {
		body = append(body, r.marshal()...)
	}
	return packWithHeader(uint8(len(s.ReceptionRpts)), PTSR, padTo4(body))
}

func unmarshalSR(h header, body []byte) (SenderReport, error) {
	if len(body) < 24 {
		return SenderReport{}, fmt.Errorf("rtcp: SR too short")
	}
	sr := SenderReport{
		SSRC:         binary.BigEndian.Uint32(body[0:4]),
		NTPSec:       binary.BigEndian.Uint32(body[4:8]),
		NTPFrac:      binary.BigEndian.Uint32(body[8:12]),
		RTPTimestamp: binary.BigEndian.Uint32(body[12:16]),
		PacketCount:  binary.BigEndian.Uint32(body[16:20]),
		OctetCount:   binary.BigEndian.Uint32(body[20:24]),
	}
	off := 24
	for i := 0; i < int(h.CountOrFmt); i++ {
		if off+24 > len(body) {
			return sr, fmt.Errorf("rtcp: SR truncated reception report block")
		}
		rr, err := unmarshalReceptionReport(body[off : off+24])
		if err != nil {
			return sr, err
		}
		sr.ReceptionRpts = append(sr.ReceptionRpts, rr)
		off += 24
	}
	return sr, nil
}

// ReceiverReport is RTCP PT=201 (RFC 3550 §6.4.2).
type ReceiverReport struct {
	SSRC          uint32
	ReceptionRpts []ReceptionReport
}

func (r ReceiverReport) Marshal() []byte {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, r.SSRC)
	for _, rr := range r.ReceptionRpts {
		body = append(body, rr.marshal()...)
	}
	return packWithHeader(uint8(len(r.ReceptionRpts)), PTRR, padTo4(body))
}

func unmarshalRR(h header, body []byte) (ReceiverReport, error) {
	if len(body) < 4 {
		return ReceiverReport{}, fmt.Errorf("rtcp: RR too short")
	}
	rr := ReceiverReport{SSRC: binary.BigEndian.Uint32(body[0:4])}
	off := 4
	for i := 0; i < int(h.CountOrFmt); i++ {
		if off+24 > len(body) {
			return rr, fmt.Errorf("rtcp: RR truncated reception report block")
		}
		block, err := unmarshalReceptionReport(body[off : off+24])
		if err != nil {
			return rr, err
		}
		rr.ReceptionRpts = append(rr.ReceptionRpts, block)
		off += 24
	}
	return rr, nil
}

// SourceDescription is RTCP PT=202 carrying only the mandatory CNAME item
// per chunk, the one SDES item every compound packet in this module needs
// (RFC 3550 §6.5).
type SourceDescription struct {
	Chunks []SDESChunk
}

type SDESChunk struct {
	SSRC  uint32
	CNAME string
}

const sdesCNAME = 1
const sdesEND = 0

func (s SourceDescription) Marshal() []byte {
	var body []byte
	for _, c := range s.Chunks {
		chunk := make([]byte, 4)
		binary.BigEndian.PutUint32(chunk, c.SSRC)
		chunk = append(chunk, sdesCNAME, byte(len(c.CNAME)))
		chunk = append(chunk, []byte(c.CNAME)...)
		chunk = append(chunk, sdesEND)
		chunk = padTo4(chunk)
		body = append(body, chunk...)
	}
	return packWithHeader(uint8(len(s.Chunks)), PTSDES, padTo4(body))
}

func unmarshalSDES(h header, body []byte) (SourceDescription, error) {
	sd := SourceDescription{}
	off := 0
	for i := 0; i < int(h.CountOrFmt); i++ {
		if off+4 > len(body) {
			return sd, fmt.Errorf("rtcp: SDES truncated chunk")
		}
		ssrc := binary.BigEndian.Uint32(body[off : off+4])
		off += 4
		chunk := SDESChunk{SSRC: ssrc}
		for off < len(body) && body[off] != sdesEND {
			itemType := body[off]
			if off+2 > len(body) {
				return sd, fmt.Errorf("rtcp: SDES truncated item")
			}
			itemLen := int(body[off+1])
			off += 2
			if off+itemLen > len(body) {
				return sd, fmt.Errorf("rtcp: SDES item overruns chunk")
			}
			if itemType == sdesCNAME {
				chunk.CNAME = string(body[off : off+itemLen])
			}
			off += itemLen
		}
		// skip the END octet and any alignment padding up to the next 4-byte boundary.
		if off < len(body) {
			off++
		}
		if rem := off % 4; rem != 0 {
			off += 4 - rem
		}
		sd.Chunks = append(sd.Chunks, chunk)
	}
	return sd, nil
}

// Goodbye is RTCP PT=203 (RFC 3550 §6.6).
type Goodbye struct {
	SSRCs  []uint32
	Reason string
}

func (g Goodbye) Marshal() []byte {
	body := make([]byte, 4*len(g.SSRCs))
	for i, s := range g.SSRCs {
		binary.BigEndian.PutUint32(body[i*4:i*4+4], s)
	}
	if g.Reason != "" {
		body = append(body, byte(len(g.Reason)))
		body = append(body, []byte(g.Reason)...)
	}
	return packWithHeader(uint8(len(g.SSRCs)), PTBYE, padTo4(body))
}

func unmarshalBYE(h header, body []byte) (Goodbye, error) {
	n := int(h.CountOrFmt)
	if len(body) < n*4 {
		return Goodbye{}, fmt.Errorf("rtcp: BYE truncated ssrc list")
	}
	g := Goodbye{SSRCs: make([]uint32, n)}
	for i := 0; i < n; i++ {
		g.SSRCs[i] = binary.BigEndian.Uint32(body[i*4 : i*4+4])
	}
	off := n * 4
	if off < len(body) {
		l := int(body[off])
		off++
		if off+l <= len(body) {
			g.Reason = string(body[off : off+l])
		}
	}
	return g, nil
}
