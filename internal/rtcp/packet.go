// Package rtcp implements RTCP compound-packet construction and parsing:
// SR/RR/SDES/BYE, RTPFB Generic NACK, PSFB PLI, XR sub-reports, RSI, and
// the Cisco-assigned PUBPORTS block, plus a per-transport session/member
// state machine and report scheduler. Grounded structurally on rtp/rtcp.h
// for the supported PT/FMT table, and on the wire-level idiom of
// bluenviron/gortsplib / mediamtx for how a pure-Go RTP stack lays out
// compound-packet encode/decode without a generated codec.
package rtcp

import (
	"encoding/binary"
	"fmt"
)

// PT enumerates the RTCP packet types this package supports.
type PT uint8

const (
	PTSR       PT = 200
	PTRR       PT = 201
	PTSDES     PT = 202
	PTBYE      PT = 203
	PTAPP      PT = 204
	PTRTPFB    PT = 205
	PTPSFB     PT = 206
	PTXR       PT = 207
	PTRSI      PT = 208
	PTPUBPORTS PT = 209 // Cisco-assigned
)

const (
	// FMTGenericNACK is RTPFB FMT=1 (RFC 4585 §6.2.1).
	FMTGenericNACK uint8 = 1
	// FMTPLI is PSFB FMT=1 (RFC 4585 §6.3.1).
	FMTPLI uint8 = 1
)

const rtcpVersion = 2

// header is the common 4-byte RTCP header (RFC 3550 §6.1).
type header struct {
	Padding    bool
	CountOrFmt uint8
	PT         PT
	LengthW    uint16 // length in 32-bit words, minus one
}

func (h header) marshal() []byte {
	b := make([]byte, 4)
	b0 := byte(rtcpVersion<<6) | (h.CountOrFmt & 0x1F)
	if h.Padding {
		b0 |= 0x20
	}
	b[0] = b0
	b[1] = byte(h.PT)
	binary.BigEndian.PutUint16(b[2:4], h.LengthW)
	return b
}

func unmarshalHeader(buf []byte) (header, error) {
	if len(buf) < 4 {
		return header{}, fmt.Errorf("rtcp: header too short")
	}
	ver := buf[0] >> 6
	if ver != rtcpVersion {
		return header{}, fmt.Errorf("rtcp: unsupported version %d", ver)
	}
	return header{
		Padding:    buf[0]&0x20 != 0,
		CountOrFmt: buf[0] & 0x1F,
		PT:         PT(buf[1]),
		LengthW:    binary.BigEndian.Uint16(buf[2:4]),
	}, nil
}

// packWithHeader lays out count/fmt, pt and body (already a multiple of 4
// bytes) behind a correctly computed length field.
func packWithHeader(countOrFmt uint8, pt PT, body []byte) []byte {
	if len(body)%4 != 0 {
		panic("rtcp: body not word-aligned")
	}
	h := header{CountOrFmt: countOrFmt, PT: pt, LengthW: uint16((4+len(body))/4 - 1)}
	out := make([]byte, 4+len(body))
	copy(out, h.marshal())
	copy(out[4:], body)
	return out
}

// padTo4 right-pads buf with zero bytes to a multiple of 4.
func padTo4(buf []byte) []byte {
	rem := len(buf) % 4
	if rem == 0 {
		return buf
	}
	return append(buf, make([]byte, 4-rem)...)
}

// Packet is any individual RTCP message this package can marshal/parse.
type Packet interface {
	Marshal() []byte
}

// Parse splits a compound RTCP packet into its individual messages.
func Parse(buf []byte) ([]Packet, error) {
	var out []Packet
	for len(buf) > 0 {
		h, err := unmarshalHeader(buf)
		if err != nil {
			return out, err
		}
		total := (int(h.LengthW) + 1) * 4
		if total > len(buf) {
			return out, fmt.Errorf("rtcp: packet length %d exceeds remaining buffer %d", total, len(buf))
		}
		body := buf[4:total]
		pkt, err := parseOne(h, body)
		if err != nil {
			return out, err
		}
		out = append(out, pkt)
		buf = buf[total:]
	}
	return out, nil
}

func parseOne(h header, body []byte) (Packet, error) {
	switch h.PT {
	case PTSR:
		return unmarshalSR(h, body)
	case PTRR:
		return unmarshalRR(h, body)
	case PTSDES:
		return unmarshalSDES(h, body)
	case PTBYE:
		return unmarshalBYE(h, body)
	case PTAPP:
		return unmarshalAPP(h, body)
	case PTRTPFB:
		return unmarshalNACK(h, body)
	case PTPSFB:
		return unmarshalPLI(h, body)
	case PTXR:
		return unmarshalXR(h, body)
	case PTRSI:
		return unmarshalRSI(h, body)
	case PTPUBPORTS:
		return unmarshalPubPorts(h, body)
	default:
		return nil, fmt.Errorf("rtcp: unsupported PT %d", h.PT)
	}
}

// Compound concatenates packets' wire bytes into one compound RTCP packet.
func Compound(packets ...Packet) []byte {
	var out []byte
	for _, p := range packets {
		out = append(out, p.Marshal()...)
	}
	return out
}
